package vps

import (
	"fmt"

	"github.com/tinyrange/vps/internal/intrinsic"
	"github.com/tinyrange/vps/internal/vmcs"
)

// Default execution controls. The mandatory bits are added on write.
const (
	defaultPrimaryControls   = vmcs.ProcBasedActivateSecondary
	defaultSecondaryControls = vmcs.ProcBased2EnableRDTSCP |
		vmcs.ProcBased2EnableINVPCID |
		vmcs.ProcBased2EnableXSAVES
	defaultExitControls = vmcs.ExitHostAddressSpaceSize |
		vmcs.ExitSaveIA32PAT |
		vmcs.ExitLoadIA32PAT |
		vmcs.ExitSaveIA32EFER |
		vmcs.ExitLoadIA32EFER
	defaultEntryControls = vmcs.EntryIA32eModeGuest |
		vmcs.EntryLoadIA32PAT |
		vmcs.EntryLoadIA32EFER
)

// selectorMask clears the RPL and TI bits; host selectors must have both
// clear.
const selectorMask = ^uint64(0x7)

// initVMCS captures the host state of c into the freshly loaded VMCS and
// seeds the guest MSR shadow from the host. It runs once per allocation.
func (v *VPS) initVMCS(c *Core) error {
	in := c.Intrinsics

	msrs := []uint32{
		intrinsic.MSRIA32SysenterCS,
		intrinsic.MSRIA32SysenterESP,
		intrinsic.MSRIA32SysenterEIP,
		intrinsic.MSRIA32EFER,
		intrinsic.MSRIA32PAT,
		intrinsic.MSRFsBase,
		intrinsic.MSRGsBase,
		intrinsic.MSRStar,
		intrinsic.MSRLStar,
		intrinsic.MSRCStar,
		intrinsic.MSRSyscallMask,
		intrinsic.MSRKernelGsBase,
	}
	host := make(map[uint32]uint64, len(msrs))
	for _, msr := range msrs {
		val, err := in.ReadMSR(msr)
		if err != nil {
			return fmt.Errorf("%w: vps %d: read msr %#x: %v", ErrAllocationFailed, v.id, msr, err)
		}
		host[msr] = val
	}

	sel := in.Selectors()
	gdtr := in.GDTR()
	idtr := in.IDTR()

	writes := []struct {
		field vmcs.Field
		value uint64
	}{
		{vmcs.HostESSelector, uint64(sel.ES) & selectorMask},
		{vmcs.HostCSSelector, uint64(sel.CS) & selectorMask},
		{vmcs.HostSSSelector, uint64(sel.SS) & selectorMask},
		{vmcs.HostDSSelector, uint64(sel.DS) & selectorMask},
		{vmcs.HostFSSelector, uint64(sel.FS) & selectorMask},
		{vmcs.HostGSSelector, uint64(sel.GS) & selectorMask},
		{vmcs.HostTRSelector, uint64(sel.TR) & selectorMask},

		{vmcs.HostCR0, in.ReadCR0()},
		{vmcs.HostCR3, in.ReadCR3()},
		{vmcs.HostCR4, in.ReadCR4()},

		{vmcs.HostFSBase, host[intrinsic.MSRFsBase]},
		{vmcs.HostGSBase, host[intrinsic.MSRGsBase]},
		{vmcs.HostTRBase, in.TRBase()},
		{vmcs.HostGDTRBase, gdtr.Base},
		{vmcs.HostIDTRBase, idtr.Base},

		{vmcs.HostIA32SysenterCS, host[intrinsic.MSRIA32SysenterCS]},
		{vmcs.HostIA32SysenterESP, host[intrinsic.MSRIA32SysenterESP]},
		{vmcs.HostIA32SysenterEIP, host[intrinsic.MSRIA32SysenterEIP]},
		{vmcs.HostIA32EFER, host[intrinsic.MSRIA32EFER]},
		{vmcs.HostIA32PAT, host[intrinsic.MSRIA32PAT]},

		{vmcs.HostRSP, c.ExitStack},
		{vmcs.HostRIP, in.ExitEntryPoint()},

		{vmcs.VMCSLinkPointer, vmcs.LinkPointerNone},

		{vmcs.PinBasedVMExecutionControls, 0},
		{vmcs.PrimaryProcessorBasedVMExecutionControls, defaultPrimaryControls},
		{vmcs.SecondaryProcessorBasedVMExecutionControls, defaultSecondaryControls},
		{vmcs.VMExitControls, defaultExitControls},
		{vmcs.VMEntryControls, defaultEntryControls},
	}
	for _, w := range writes {
		if err := v.setField(c, w.field, w.value); err != nil {
			return err
		}
	}

	v.shadow.star = host[intrinsic.MSRStar]
	v.shadow.lstar = host[intrinsic.MSRLStar]
	v.shadow.cstar = host[intrinsic.MSRCStar]
	v.shadow.fmask = host[intrinsic.MSRSyscallMask]
	v.shadow.kernelGsBase = host[intrinsic.MSRKernelGsBase]
	return nil
}
