// Package vps implements the virtual processor state: one VMCS together with
// the guest state the VMCS cannot hold, driven through a per-core context.
package vps

import (
	"log/slog"

	"github.com/tinyrange/vps/internal/exitlog"
	"github.com/tinyrange/vps/internal/hv"
	"github.com/tinyrange/vps/internal/intrinsic"
)

// Core is the per logical core context every VPS operation runs against. It
// records which VPS has its VMCS current on the core and which VPS owns the
// transient register area. A Core must only be used from the goroutine
// pinned to that core.
type Core struct {
	ID         uint16
	Intrinsics intrinsic.Intrinsics

	// ExitStack is installed as the host RSP of every VMCS allocated here.
	ExitStack uint64

	// ExitLog receives one record per successful VM exit when enabled.
	ExitLog *exitlog.Log

	// ActiveVM names the VM whose VPS runs on this core; it is only used to
	// tag exit records.
	ActiveVM uint16

	// LoadedVPS is the VPS whose VMCS is current, or InvalidID.
	LoadedVPS uint16

	// ActiveVPS is the VPS owning GPRs, or InvalidID. ActiveVP is its
	// assigned virtual processor.
	ActiveVPS uint16
	ActiveVP  uint16

	// GPRs is the transient register area the entry primitive swaps with
	// the guest.
	GPRs hv.GPRs

	active *VPS
	log    *slog.Logger
}

type CoreOption func(*Core)

// WithLogger sets the logger used for lifecycle and entry failure messages.
func WithLogger(l *slog.Logger) CoreOption {
	return func(c *Core) { c.log = l }
}

// WithExitLog attaches an exit log.
func WithExitLog(l *exitlog.Log) CoreOption {
	return func(c *Core) { c.ExitLog = l }
}

// WithExitStack sets the host stack pointer for VM exits.
func WithExitStack(rsp uint64) CoreOption {
	return func(c *Core) { c.ExitStack = rsp }
}

func NewCore(id uint16, in intrinsic.Intrinsics, opts ...CoreOption) *Core {
	c := &Core{
		ID:         id,
		Intrinsics: in,
		LoadedVPS:  InvalidID,
		ActiveVPS:  InvalidID,
		ActiveVP:   Unassigned,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("core", id)
	return c
}

// Logger returns the core's logger.
func (c *Core) Logger() *slog.Logger { return c.log }

// Active returns the VPS owning the transient register area, if any.
func (c *Core) Active() *VPS { return c.active }
