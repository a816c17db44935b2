package vps

import (
	"github.com/tinyrange/vps/internal/statesave"
	"github.com/tinyrange/vps/internal/vmcs"
)

// StateSaveToVPS imports s. A failure part way leaves the fields written so
// far in place.
func (v *VPS) StateSaveToVPS(c *Core, s *statesave.StateSave) error {
	if !v.IsAllocated() {
		return ErrNotAllocated
	}
	if s == nil {
		return ErrNullState
	}
	if err := v.load(c); err != nil {
		return err
	}

	g := v.bank(c)
	g.Rax, g.Rbx, g.Rcx, g.Rdx = s.Rax, s.Rbx, s.Rcx, s.Rdx
	g.Rbp, g.Rsi, g.Rdi = s.Rbp, s.Rsi, s.Rdi
	g.R8, g.R9, g.R10, g.R11 = s.R8, s.R9, s.R10, s.R11
	g.R12, g.R13, g.R14, g.R15 = s.R12, s.R13, s.R14, s.R15

	if err := v.Write64(c, vmcs.GuestRIP, s.Rip); err != nil {
		return err
	}
	if err := v.Write64(c, vmcs.GuestRSP, s.Rsp); err != nil {
		return err
	}
	if err := v.Write64(c, vmcs.GuestRFLAGS, s.Rflags); err != nil {
		return err
	}

	if err := v.Write64(c, vmcs.GuestGDTRBase, s.GdtrBase); err != nil {
		return err
	}
	if err := v.Write32(c, vmcs.GuestGDTRLimit, uint32(s.GdtrLimit)); err != nil {
		return err
	}
	if err := v.Write64(c, vmcs.GuestIDTRBase, s.IdtrBase); err != nil {
		return err
	}
	if err := v.Write32(c, vmcs.GuestIDTRLimit, uint32(s.IdtrLimit)); err != nil {
		return err
	}

	for i, seg := range s.Segments() {
		if err := v.writeSegment(c, segmentTable[i], seg.Segment); err != nil {
			return err
		}
	}

	if err := v.Write64(c, vmcs.GuestCR0, s.Cr0); err != nil {
		return err
	}
	v.shadow.cr2 = s.Cr2
	if err := v.Write64(c, vmcs.GuestCR3, s.Cr3); err != nil {
		return err
	}
	if err := v.Write64(c, vmcs.GuestCR4, s.Cr4); err != nil {
		return err
	}
	v.shadow.dr6 = s.Dr6
	if err := v.Write64(c, vmcs.GuestDR7, s.Dr7); err != nil {
		return err
	}

	if err := v.Write64(c, vmcs.GuestIA32EFER, s.Efer); err != nil {
		return err
	}
	v.shadow.star = s.Star
	v.shadow.lstar = s.Lstar
	v.shadow.cstar = s.Cstar
	v.shadow.fmask = s.Fmask
	if err := v.Write64(c, vmcs.GuestFSBase, s.FsBase); err != nil {
		return err
	}
	if err := v.Write64(c, vmcs.GuestGSBase, s.GsBase); err != nil {
		return err
	}
	v.shadow.kernelGsBase = s.KernelGsBase

	if err := v.Write32(c, vmcs.GuestIA32SysenterCS, uint32(s.SysenterCs)); err != nil {
		return err
	}
	if err := v.Write64(c, vmcs.GuestIA32SysenterESP, s.SysenterEsp); err != nil {
		return err
	}
	if err := v.Write64(c, vmcs.GuestIA32SysenterEIP, s.SysenterEip); err != nil {
		return err
	}

	if err := v.Write64(c, vmcs.GuestIA32PAT, s.Pat); err != nil {
		return err
	}
	return v.Write64(c, vmcs.GuestIA32DebugCtl, s.DebugCtl)
}

// VPSToStateSave exports the guest state into s. On success every field of s
// has been overwritten.
func (v *VPS) VPSToStateSave(c *Core, s *statesave.StateSave) error {
	if !v.IsAllocated() {
		return ErrNotAllocated
	}
	if s == nil {
		return ErrNullState
	}
	if err := v.load(c); err != nil {
		return err
	}

	g := v.bank(c)
	s.Rax, s.Rbx, s.Rcx, s.Rdx = g.Rax, g.Rbx, g.Rcx, g.Rdx
	s.Rbp, s.Rsi, s.Rdi = g.Rbp, g.Rsi, g.Rdi
	s.R8, s.R9, s.R10, s.R11 = g.R8, g.R9, g.R10, g.R11
	s.R12, s.R13, s.R14, s.R15 = g.R12, g.R13, g.R14, g.R15

	var err error
	read64 := func(f vmcs.Field, dst *uint64) {
		if err == nil {
			*dst, err = v.Read64(c, f)
		}
	}
	read32 := func(f vmcs.Field, dst *uint64) {
		if err == nil {
			var val uint32
			val, err = v.Read32(c, f)
			*dst = uint64(val)
		}
	}
	readLimit := func(f vmcs.Field, dst *uint16) {
		if err == nil {
			var val uint32
			val, err = v.Read32(c, f)
			*dst = uint16(val)
		}
	}

	read64(vmcs.GuestRIP, &s.Rip)
	read64(vmcs.GuestRSP, &s.Rsp)
	read64(vmcs.GuestRFLAGS, &s.Rflags)

	read64(vmcs.GuestGDTRBase, &s.GdtrBase)
	readLimit(vmcs.GuestGDTRLimit, &s.GdtrLimit)
	read64(vmcs.GuestIDTRBase, &s.IdtrBase)
	readLimit(vmcs.GuestIDTRLimit, &s.IdtrLimit)
	if err != nil {
		return err
	}

	for i, seg := range s.Segments() {
		if err := v.readSegment(c, segmentTable[i], seg.Segment); err != nil {
			return err
		}
	}

	read64(vmcs.GuestCR0, &s.Cr0)
	s.Cr2 = v.shadow.cr2
	read64(vmcs.GuestCR3, &s.Cr3)
	read64(vmcs.GuestCR4, &s.Cr4)
	s.Dr6 = v.shadow.dr6
	read64(vmcs.GuestDR7, &s.Dr7)

	read64(vmcs.GuestIA32EFER, &s.Efer)
	s.Star = v.shadow.star
	s.Lstar = v.shadow.lstar
	s.Cstar = v.shadow.cstar
	s.Fmask = v.shadow.fmask
	read64(vmcs.GuestFSBase, &s.FsBase)
	read64(vmcs.GuestGSBase, &s.GsBase)
	s.KernelGsBase = v.shadow.kernelGsBase

	read32(vmcs.GuestIA32SysenterCS, &s.SysenterCs)
	read64(vmcs.GuestIA32SysenterESP, &s.SysenterEsp)
	read64(vmcs.GuestIA32SysenterEIP, &s.SysenterEip)

	read64(vmcs.GuestIA32PAT, &s.Pat)
	read64(vmcs.GuestIA32DebugCtl, &s.DebugCtl)
	return err
}
