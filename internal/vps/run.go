package vps

import (
	"fmt"
	"time"

	"github.com/tinyrange/vps/internal/exitlog"
	"github.com/tinyrange/vps/internal/vmcs"
)

// Run enters the guest and blocks until it exits. The first entry after
// allocation or Clear launches; later entries resume.
//
// A failed entry returns an *EntryFailedError and records nothing. When the
// exit log is enabled and recording the exit fails, the exit reason is still
// returned alongside the error.
func (v *VPS) Run(c *Core) (vmcs.ExitReason, error) {
	if !v.IsAllocated() {
		return 0, ErrNotAllocated
	}
	if err := v.load(c); err != nil {
		return 0, err
	}

	launch := !v.shadow.launched
	gprs := v.bank(c)

	start := time.Now()
	ret := c.Intrinsics.VMRun(gprs, launch)
	guest := time.Since(start)

	if ret > vmcs.EntryFailureSentinel {
		code := uint32(ret & vmcs.EntryFailureCodeMask)
		c.log.Warn("vps: vm entry failed",
			"vps", v.id,
			"launch", launch,
			"code", code,
			"error", vmcs.InstructionError(code).String(),
		)
		return 0, &EntryFailedError{Code: code}
	}

	v.shadow.launched = true
	reason := vmcs.ExitReason(ret)

	if c.ExitLog.Enabled() {
		if err := v.recordExit(c, reason, guest); err != nil {
			return reason, err
		}
	}
	return reason, nil
}

// recordExit appends the exit to the core's log, reading the exit
// information and guest pointers back from the VMCS.
func (v *VPS) recordExit(c *Core, reason vmcs.ExitReason, guest time.Duration) error {
	rec := exitlog.Record{
		VMID:   c.ActiveVM,
		VPID:   v.assignedVP,
		VPSID:  v.id,
		Reason: reason,
		GPRs:   *v.bank(c),
		Guest:  guest,
	}

	var err error
	read := func(f vmcs.Field, dst *uint64) {
		if err == nil {
			*dst, err = v.Read(c, f, vmcs.MustLookup(f).Width)
		}
	}
	read(vmcs.ExitQualification, &rec.Qualification)
	read(vmcs.VMExitInstructionInformation, &rec.InstructionInfo)
	read(vmcs.GuestRSP, &rec.Rsp)
	read(vmcs.GuestRIP, &rec.Rip)
	if err != nil {
		return fmt.Errorf("vps: record exit: %w", err)
	}

	c.ExitLog.Append(rec)
	return nil
}

// AdvanceIP moves the guest RIP past the instruction that caused the last
// exit.
func (v *VPS) AdvanceIP(c *Core) error {
	rip, err := v.Read64(c, vmcs.GuestRIP)
	if err != nil {
		return err
	}
	length, err := v.Read32(c, vmcs.VMExitInstructionLength)
	if err != nil {
		return err
	}
	return v.Write64(c, vmcs.GuestRIP, rip+uint64(length))
}

// Clear flushes the VMCS from the processor and loads it again, so the next
// Run launches instead of resuming. Moving a VPS to another core goes
// through Clear.
func (v *VPS) Clear(c *Core) error {
	if !v.IsAllocated() {
		return ErrNotAllocated
	}
	if err := c.Intrinsics.VMClear(v.phys); err != nil {
		return fmt.Errorf("%w: vps %d: vmclear: %w", ErrLoadFailed, v.id, err)
	}
	if c.LoadedVPS == v.id {
		c.LoadedVPS = InvalidID
	}
	v.shadow.launched = false
	return v.load(c)
}

// Launched reports whether the next Run resumes.
func (v *VPS) Launched() bool { return v.shadow.launched }
