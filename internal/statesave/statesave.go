// Package statesave defines the portable guest state exchanged with a
// virtual processor, and its on-disk forms.
package statesave

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrInvalidFormat = errors.New("statesave: invalid format")

// Segment is one segment register in its unpacked form. Attrib holds the VMX
// access rights encoding, which includes the unusable bit (bit 16).
type Segment struct {
	Selector uint16 `yaml:"selector"`
	Attrib   uint32 `yaml:"attrib"`
	Limit    uint32 `yaml:"limit"`
	Base     uint64 `yaml:"base"`
}

// StateSave is the complete architectural state of one guest CPU. Every field
// is fixed size so the struct can be written with encoding/binary as is.
type StateSave struct {
	Rax uint64 `yaml:"rax"`
	Rbx uint64 `yaml:"rbx"`
	Rcx uint64 `yaml:"rcx"`
	Rdx uint64 `yaml:"rdx"`
	Rbp uint64 `yaml:"rbp"`
	Rsi uint64 `yaml:"rsi"`
	Rdi uint64 `yaml:"rdi"`
	R8  uint64 `yaml:"r8"`
	R9  uint64 `yaml:"r9"`
	R10 uint64 `yaml:"r10"`
	R11 uint64 `yaml:"r11"`
	R12 uint64 `yaml:"r12"`
	R13 uint64 `yaml:"r13"`
	R14 uint64 `yaml:"r14"`
	R15 uint64 `yaml:"r15"`

	Rsp    uint64 `yaml:"rsp"`
	Rip    uint64 `yaml:"rip"`
	Rflags uint64 `yaml:"rflags"`

	GdtrBase  uint64 `yaml:"gdtr_base"`
	GdtrLimit uint16 `yaml:"gdtr_limit"`
	IdtrBase  uint64 `yaml:"idtr_base"`
	IdtrLimit uint16 `yaml:"idtr_limit"`

	Es   Segment `yaml:"es"`
	Cs   Segment `yaml:"cs"`
	Ss   Segment `yaml:"ss"`
	Ds   Segment `yaml:"ds"`
	Fs   Segment `yaml:"fs"`
	Gs   Segment `yaml:"gs"`
	Ldtr Segment `yaml:"ldtr"`
	Tr   Segment `yaml:"tr"`

	Cr0 uint64 `yaml:"cr0"`
	Cr2 uint64 `yaml:"cr2"`
	Cr3 uint64 `yaml:"cr3"`
	Cr4 uint64 `yaml:"cr4"`
	Dr6 uint64 `yaml:"dr6"`
	Dr7 uint64 `yaml:"dr7"`

	Efer         uint64 `yaml:"efer"`
	Star         uint64 `yaml:"star"`
	Lstar        uint64 `yaml:"lstar"`
	Cstar        uint64 `yaml:"cstar"`
	Fmask        uint64 `yaml:"fmask"`
	FsBase       uint64 `yaml:"fs_base"`
	GsBase       uint64 `yaml:"gs_base"`
	KernelGsBase uint64 `yaml:"kernel_gs_base"`

	SysenterCs  uint64 `yaml:"sysenter_cs"`
	SysenterEsp uint64 `yaml:"sysenter_esp"`
	SysenterEip uint64 `yaml:"sysenter_eip"`

	Pat      uint64 `yaml:"pat"`
	DebugCtl uint64 `yaml:"debugctl"`
}

// Segments returns pointers to the eight segment registers in VMCS field
// order together with their names.
func (s *StateSave) Segments() []NamedSegment {
	return []NamedSegment{
		{"es", &s.Es},
		{"cs", &s.Cs},
		{"ss", &s.Ss},
		{"ds", &s.Ds},
		{"fs", &s.Fs},
		{"gs", &s.Gs},
		{"ldtr", &s.Ldtr},
		{"tr", &s.Tr},
	}
}

type NamedSegment struct {
	Name    string
	Segment *Segment
}

// LoadFile reads a state save from path. Files ending in .yaml or .yml are
// parsed as YAML, everything else as the binary format.
func LoadFile(path string) (*StateSave, error) {
	if isYAML(path) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("statesave: read %s: %w", path, err)
		}
		var s StateSave
		if err := yaml.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("statesave: parse %s: %w", path, err)
		}
		return &s, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("statesave: open %s: %w", path, err)
	}
	defer f.Close()

	s, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("statesave: %s: %w", path, err)
	}
	return s, nil
}

// SaveFile writes s to path using the format selected by its extension.
func SaveFile(path string, s *StateSave) error {
	if s == nil {
		return fmt.Errorf("statesave: nil state")
	}

	if isYAML(path) {
		data, err := yaml.Marshal(s)
		if err != nil {
			return fmt.Errorf("statesave: marshal: %w", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("statesave: write %s: %w", path, err)
		}
		return nil
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("statesave: create %s: %w", path, err)
	}
	if err := Write(f, s); err != nil {
		f.Close()
		return fmt.Errorf("statesave: %s: %w", path, err)
	}
	return f.Close()
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
