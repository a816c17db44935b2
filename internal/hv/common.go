package hv

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownRegister = errors.New("unknown register")

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
)

// Register names one piece of architectural guest state independently of
// where the virtual processor keeps it.
type Register uint64

const (
	RegisterInvalid Register = iota

	// AMD64 general purpose registers. RSP lives in the control structure
	// and is listed with the system registers.
	RegisterAMD64Rax
	RegisterAMD64Rbx
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rbp
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64R8
	RegisterAMD64R9
	RegisterAMD64R10
	RegisterAMD64R11
	RegisterAMD64R12
	RegisterAMD64R13
	RegisterAMD64R14
	RegisterAMD64R15

	RegisterAMD64Rsp
	RegisterAMD64Rip
	RegisterAMD64Rflags

	// Descriptor tables
	RegisterAMD64GdtrBase
	RegisterAMD64GdtrLimit
	RegisterAMD64IdtrBase
	RegisterAMD64IdtrLimit

	// Segments
	RegisterAMD64EsSelector
	RegisterAMD64EsAttrib
	RegisterAMD64EsLimit
	RegisterAMD64EsBase
	RegisterAMD64CsSelector
	RegisterAMD64CsAttrib
	RegisterAMD64CsLimit
	RegisterAMD64CsBase
	RegisterAMD64SsSelector
	RegisterAMD64SsAttrib
	RegisterAMD64SsLimit
	RegisterAMD64SsBase
	RegisterAMD64DsSelector
	RegisterAMD64DsAttrib
	RegisterAMD64DsLimit
	RegisterAMD64DsBase
	RegisterAMD64FsSelector
	RegisterAMD64FsAttrib
	RegisterAMD64FsLimit
	RegisterAMD64FsBase
	RegisterAMD64GsSelector
	RegisterAMD64GsAttrib
	RegisterAMD64GsLimit
	RegisterAMD64GsBase
	RegisterAMD64LdtrSelector
	RegisterAMD64LdtrAttrib
	RegisterAMD64LdtrLimit
	RegisterAMD64LdtrBase
	RegisterAMD64TrSelector
	RegisterAMD64TrAttrib
	RegisterAMD64TrLimit
	RegisterAMD64TrBase

	// Control and debug registers
	RegisterAMD64Cr0
	RegisterAMD64Cr2
	RegisterAMD64Cr3
	RegisterAMD64Cr4
	RegisterAMD64Dr6
	RegisterAMD64Dr7

	// Model specific registers
	RegisterAMD64Efer
	RegisterAMD64Star
	RegisterAMD64Lstar
	RegisterAMD64Cstar
	RegisterAMD64Fmask
	RegisterAMD64KernelGsBase
	RegisterAMD64SysenterCs
	RegisterAMD64SysenterEsp
	RegisterAMD64SysenterEip
	RegisterAMD64Pat
	RegisterAMD64DebugCtl

	registerCount
)

var registerNames = [registerCount]string{
	RegisterInvalid:           "invalid",
	RegisterAMD64Rax:          "rax",
	RegisterAMD64Rbx:          "rbx",
	RegisterAMD64Rcx:          "rcx",
	RegisterAMD64Rdx:          "rdx",
	RegisterAMD64Rbp:          "rbp",
	RegisterAMD64Rsi:          "rsi",
	RegisterAMD64Rdi:          "rdi",
	RegisterAMD64R8:           "r8",
	RegisterAMD64R9:           "r9",
	RegisterAMD64R10:          "r10",
	RegisterAMD64R11:          "r11",
	RegisterAMD64R12:          "r12",
	RegisterAMD64R13:          "r13",
	RegisterAMD64R14:          "r14",
	RegisterAMD64R15:          "r15",
	RegisterAMD64Rsp:          "rsp",
	RegisterAMD64Rip:          "rip",
	RegisterAMD64Rflags:       "rflags",
	RegisterAMD64GdtrBase:     "gdtr_base",
	RegisterAMD64GdtrLimit:    "gdtr_limit",
	RegisterAMD64IdtrBase:     "idtr_base",
	RegisterAMD64IdtrLimit:    "idtr_limit",
	RegisterAMD64EsSelector:   "es_selector",
	RegisterAMD64EsAttrib:     "es_attrib",
	RegisterAMD64EsLimit:      "es_limit",
	RegisterAMD64EsBase:       "es_base",
	RegisterAMD64CsSelector:   "cs_selector",
	RegisterAMD64CsAttrib:     "cs_attrib",
	RegisterAMD64CsLimit:      "cs_limit",
	RegisterAMD64CsBase:       "cs_base",
	RegisterAMD64SsSelector:   "ss_selector",
	RegisterAMD64SsAttrib:     "ss_attrib",
	RegisterAMD64SsLimit:      "ss_limit",
	RegisterAMD64SsBase:       "ss_base",
	RegisterAMD64DsSelector:   "ds_selector",
	RegisterAMD64DsAttrib:     "ds_attrib",
	RegisterAMD64DsLimit:      "ds_limit",
	RegisterAMD64DsBase:       "ds_base",
	RegisterAMD64FsSelector:   "fs_selector",
	RegisterAMD64FsAttrib:     "fs_attrib",
	RegisterAMD64FsLimit:      "fs_limit",
	RegisterAMD64FsBase:       "fs_base",
	RegisterAMD64GsSelector:   "gs_selector",
	RegisterAMD64GsAttrib:     "gs_attrib",
	RegisterAMD64GsLimit:      "gs_limit",
	RegisterAMD64GsBase:       "gs_base",
	RegisterAMD64LdtrSelector: "ldtr_selector",
	RegisterAMD64LdtrAttrib:   "ldtr_attrib",
	RegisterAMD64LdtrLimit:    "ldtr_limit",
	RegisterAMD64LdtrBase:     "ldtr_base",
	RegisterAMD64TrSelector:   "tr_selector",
	RegisterAMD64TrAttrib:     "tr_attrib",
	RegisterAMD64TrLimit:      "tr_limit",
	RegisterAMD64TrBase:       "tr_base",
	RegisterAMD64Cr0:          "cr0",
	RegisterAMD64Cr2:          "cr2",
	RegisterAMD64Cr3:          "cr3",
	RegisterAMD64Cr4:          "cr4",
	RegisterAMD64Dr6:          "dr6",
	RegisterAMD64Dr7:          "dr7",
	RegisterAMD64Efer:         "efer",
	RegisterAMD64Star:         "star",
	RegisterAMD64Lstar:        "lstar",
	RegisterAMD64Cstar:        "cstar",
	RegisterAMD64Fmask:        "fmask",
	RegisterAMD64KernelGsBase: "kernel_gs_base",
	RegisterAMD64SysenterCs:   "sysenter_cs",
	RegisterAMD64SysenterEsp:  "sysenter_esp",
	RegisterAMD64SysenterEip:  "sysenter_eip",
	RegisterAMD64Pat:          "pat",
	RegisterAMD64DebugCtl:     "debugctl",
}

func (r Register) String() string {
	if r < registerCount {
		return registerNames[r]
	}
	return fmt.Sprintf("register(%d)", uint64(r))
}

// ParseRegister looks up a register by its lower case name.
func ParseRegister(name string) (Register, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range registerNames {
		if i != int(RegisterInvalid) && n == name {
			return Register(i), nil
		}
	}
	return RegisterInvalid, fmt.Errorf("%w: %q", ErrUnknownRegister, name)
}

// Registers returns every valid register in declaration order.
func Registers() []Register {
	out := make([]Register, 0, registerCount-1)
	for r := RegisterInvalid + 1; r < registerCount; r++ {
		out = append(out, r)
	}
	return out
}

// IsGeneralPurpose reports whether r is one of the fifteen registers the
// entry primitive saves and restores around guest execution.
func (r Register) IsGeneralPurpose() bool {
	return r >= RegisterAMD64Rax && r <= RegisterAMD64R15
}

// GPRs is the general purpose register file swapped by VM entry and exit.
type GPRs struct {
	Rax uint64
	Rbx uint64
	Rcx uint64
	Rdx uint64
	Rbp uint64
	Rsi uint64
	Rdi uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
}

// Ref returns a pointer to the slot backing r, or nil when r is not a
// general purpose register.
func (g *GPRs) Ref(r Register) *uint64 {
	switch r {
	case RegisterAMD64Rax:
		return &g.Rax
	case RegisterAMD64Rbx:
		return &g.Rbx
	case RegisterAMD64Rcx:
		return &g.Rcx
	case RegisterAMD64Rdx:
		return &g.Rdx
	case RegisterAMD64Rbp:
		return &g.Rbp
	case RegisterAMD64Rsi:
		return &g.Rsi
	case RegisterAMD64Rdi:
		return &g.Rdi
	case RegisterAMD64R8:
		return &g.R8
	case RegisterAMD64R9:
		return &g.R9
	case RegisterAMD64R10:
		return &g.R10
	case RegisterAMD64R11:
		return &g.R11
	case RegisterAMD64R12:
		return &g.R12
	case RegisterAMD64R13:
		return &g.R13
	case RegisterAMD64R14:
		return &g.R14
	case RegisterAMD64R15:
		return &g.R15
	default:
		return nil
	}
}
