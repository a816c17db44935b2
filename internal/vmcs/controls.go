package vmcs

// Default1 bits of the pin-based, VM-exit and VM-entry controls. The
// processor refuses VM entry unless these read as one.
const (
	PinBasedCtlsMask uint64 = 0x00000016
	ExitCtlsMask     uint64 = 0x00036DFF
	EntryCtlsMask    uint64 = 0x000011FF
)

// ForcedBits returns the mandatory-one mask for f, if any.
func ForcedBits(f Field) (uint64, bool) {
	switch f {
	case PinBasedVMExecutionControls:
		return PinBasedCtlsMask, true
	case VMExitControls:
		return ExitCtlsMask, true
	case VMEntryControls:
		return EntryCtlsMask, true
	default:
		return 0, false
	}
}

// UnusableSegment is bit 16 of a segment access-rights field.
const UnusableSegment uint64 = 0x00010000

// Primary processor-based execution controls.
const (
	ProcBasedUseMSRBitmaps        uint64 = 1 << 28
	ProcBasedActivateSecondary    uint64 = 1 << 31
	ProcBasedHLTExiting           uint64 = 1 << 7
	ProcBasedUnconditionalIOExits uint64 = 1 << 24
)

// Secondary processor-based execution controls.
const (
	ProcBased2EnableEPT     uint64 = 1 << 1
	ProcBased2EnableRDTSCP  uint64 = 1 << 3
	ProcBased2EnableVPID    uint64 = 1 << 5
	ProcBased2EnableINVPCID uint64 = 1 << 12
	ProcBased2EnableXSAVES  uint64 = 1 << 20
)

// VM-exit controls.
const (
	ExitHostAddressSpaceSize uint64 = 1 << 9
	ExitSaveIA32PAT          uint64 = 1 << 18
	ExitLoadIA32PAT          uint64 = 1 << 19
	ExitSaveIA32EFER         uint64 = 1 << 20
	ExitLoadIA32EFER         uint64 = 1 << 21
)

// VM-entry controls.
const (
	EntryIA32eModeGuest uint64 = 1 << 9
	EntryLoadIA32PAT    uint64 = 1 << 14
	EntryLoadIA32EFER   uint64 = 1 << 15
)

// VMCS link pointer value meaning "no shadow VMCS".
const LinkPointerNone uint64 = 0xFFFFFFFFFFFFFFFF

// EntryFailureSentinel separates exit reasons from entry failures in the
// value returned by the entry primitive: anything above it is a failure whose
// low 32 bits carry the VM-instruction error.
const (
	EntryFailureSentinel uint64 = 0xFFFFFFFF00000000
	EntryFailureCodeMask uint64 = 0x00000000FFFFFFFF
)

// Revision identifier bits of IA32_VMX_BASIC.
const RevisionIDMask uint64 = 0x7FFFFFFF
