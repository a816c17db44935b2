// Package intrinsic is the capability boundary between the virtual processor
// and the physical core it executes on. Every method executes on the calling
// core; callers must not share an Intrinsics value between cores.
package intrinsic

import (
	"errors"
	"fmt"

	"github.com/tinyrange/vps/internal/hv"
	"github.com/tinyrange/vps/internal/vmcs"
)

var (
	// ErrVMFailInvalid is VMfailInvalid: the instruction had no current
	// VMCS to report an error number through.
	ErrVMFailInvalid = errors.New("VMfailInvalid")
)

// VMFailValidError is VMfailValid: the processor stored Number in the
// VM-instruction error field of the current VMCS.
type VMFailValidError struct {
	Number vmcs.InstructionError
}

func (e *VMFailValidError) Error() string {
	return fmt.Sprintf("VMfailValid: %s", e.Number)
}

// Model specific registers read during host state capture.
const (
	MSRIA32VMXBasic    uint32 = 0x00000480
	MSRIA32SysenterCS  uint32 = 0x00000174
	MSRIA32SysenterESP uint32 = 0x00000175
	MSRIA32SysenterEIP uint32 = 0x00000176
	MSRIA32PAT         uint32 = 0x00000277
	MSRIA32DebugCtl    uint32 = 0x000001D9
	MSRIA32EFER        uint32 = 0xC0000080
	MSRStar            uint32 = 0xC0000081
	MSRLStar           uint32 = 0xC0000082
	MSRCStar           uint32 = 0xC0000083
	MSRSyscallMask     uint32 = 0xC0000084
	MSRFsBase          uint32 = 0xC0000100
	MSRGsBase          uint32 = 0xC0000101
	MSRKernelGsBase    uint32 = 0xC0000102
)

// Selectors holds the segment selectors of the executing core.
type Selectors struct {
	ES, CS, SS, DS, FS, GS, TR uint16
}

// DescriptorTable is a GDTR or IDTR value.
type DescriptorTable struct {
	Base  uint64
	Limit uint16
}

// Intrinsics exposes the processor primitives the virtual processor needs.
type Intrinsics interface {
	// VMClear flushes the VMCS at phys to memory and marks it clear. If it
	// was current on this core the core is left without a current VMCS.
	VMClear(phys uint64) error
	// VMPtrLd makes the VMCS at phys current on this core.
	VMPtrLd(phys uint64) error
	VMRead(encoding uint32) (uint64, error)
	VMWrite(encoding uint32, value uint64) error

	// VMRun enters the guest through the current VMCS, with VMLAUNCH when
	// launch is true and VMRESUME otherwise. The general purpose registers
	// are loaded from gprs before entry and stored back into it on exit.
	// The result is the exit reason, or a value above
	// vmcs.EntryFailureSentinel whose low bits carry the failure code.
	VMRun(gprs *hv.GPRs, launch bool) uint64

	ReadMSR(msr uint32) (uint64, error)
	ReadCR0() uint64
	ReadCR3() uint64
	ReadCR4() uint64
	Selectors() Selectors
	GDTR() DescriptorTable
	IDTR() DescriptorTable
	TRBase() uint64

	// ExitEntryPoint is the host address VM exits resume at.
	ExitEntryPoint() uint64
}
