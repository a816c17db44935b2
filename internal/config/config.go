// Package config loads the vpsctl configuration file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vps/internal/vmcs"
)

const (
	DefaultFilename        = "vpsctl.yaml"
	DefaultCores           = 1
	DefaultVPSPerCore      = 4
	DefaultExitLogCapacity = 256
	DefaultIterations      = 1
)

// Backing selects the page allocator behind VMCS pages.
type Backing string

const (
	BackingHeap Backing = "heap"
	BackingMmap Backing = "mmap"
)

// Config describes a vpsctl session.
type Config struct {
	Version int `yaml:"version"`

	Cores      int     `yaml:"cores,omitempty"`
	Pool       Pool    `yaml:"pool"`
	ExitLog    ExitLog `yaml:"exitLog"`
	LogLevel   string  `yaml:"logLevel,omitempty"`
	State      string  `yaml:"state,omitempty"`
	Iterations int     `yaml:"iterations,omitempty"`
	Exits      []Exit  `yaml:"exits,omitempty"`
}

type Pool struct {
	VPSPerCore int     `yaml:"vpsPerCore,omitempty"`
	Backing    Backing `yaml:"backing,omitempty"`
	// Pages defaults to VPSPerCore for every core.
	Pages int `yaml:"pages,omitempty"`
}

type ExitLog struct {
	Enabled  *bool  `yaml:"enabled,omitempty"`
	Capacity int    `yaml:"capacity,omitempty"`
	File     string `yaml:"file,omitempty"`
}

// Exit is one scripted VM exit for the simulated processor.
type Exit struct {
	Reason        string `yaml:"reason"`
	Qualification uint64 `yaml:"qualification,omitempty"`
	Length        uint32 `yaml:"length,omitempty"`
	Info          uint32 `yaml:"info,omitempty"`
}

// ExitReason parses the reason name.
func (e Exit) ExitReason() (vmcs.ExitReason, error) {
	return vmcs.ParseExitReason(e.Reason)
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Cores <= 0 {
		c.Cores = DefaultCores
	}
	if c.Pool.VPSPerCore <= 0 {
		c.Pool.VPSPerCore = DefaultVPSPerCore
	}
	if c.Pool.Backing == "" {
		c.Pool.Backing = BackingHeap
	}
	if c.Pool.Pages <= 0 {
		c.Pool.Pages = c.Pool.VPSPerCore * c.Cores
	}
	if c.ExitLog.Enabled == nil {
		enabled := true
		c.ExitLog.Enabled = &enabled
	}
	if c.ExitLog.Capacity <= 0 {
		c.ExitLog.Capacity = DefaultExitLogCapacity
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Iterations <= 0 {
		c.Iterations = DefaultIterations
	}
	for i := range c.Exits {
		if c.Exits[i].Length == 0 {
			c.Exits[i].Length = 1
		}
	}
}

// Validate checks the fields normalize cannot repair.
func (c *Config) Validate() error {
	switch c.Pool.Backing {
	case BackingHeap, BackingMmap:
	default:
		return fmt.Errorf("config: unknown pool backing %q", c.Pool.Backing)
	}
	if need := c.Pool.VPSPerCore * c.Cores; c.Pool.Pages < need {
		return fmt.Errorf("config: %d pages cannot back %d vps per core on %d cores", c.Pool.Pages, c.Pool.VPSPerCore, c.Cores)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	for i, e := range c.Exits {
		if _, err := e.ExitReason(); err != nil {
			return fmt.Errorf("config: exits[%d]: %w", i, err)
		}
	}
	return nil
}

// ExitLogEnabled reports whether exits are recorded.
func (c *Config) ExitLogEnabled() bool {
	return c.ExitLog.Enabled == nil || *c.ExitLog.Enabled
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("config: log level: %w", err)
	}
	return level, nil
}

// Default returns a normalized empty configuration.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

// Parse decodes and normalizes data.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Load reads path. A missing file yields Default.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Write stores c as YAML.
func Write(path string, c Config) error {
	c.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("config: encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("config: close %s: %w", path, err)
	}
	return nil
}
