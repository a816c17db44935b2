package sim

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/vps/internal/hv"
	"github.com/tinyrange/vps/internal/intrinsic"
	"github.com/tinyrange/vps/internal/vmcs"
)

const testRegion = 0x10000

func enc(f vmcs.Field) uint32 { return vmcs.MustLookup(f).Encoding }

func loaded(t *testing.T) (*Processor, *CPU) {
	t.Helper()
	p := New()
	c := p.CPU(0)
	if err := c.VMClear(testRegion); err != nil {
		t.Fatalf("VMClear: %v", err)
	}
	if err := c.VMPtrLd(testRegion); err != nil {
		t.Fatalf("VMPtrLd: %v", err)
	}
	return p, c
}

// makeEnterable writes the minimum state the entry checks look at.
func makeEnterable(t *testing.T, c *CPU) {
	t.Helper()
	writes := map[vmcs.Field]uint64{
		vmcs.PinBasedVMExecutionControls: vmcs.PinBasedCtlsMask,
		vmcs.VMExitControls:              vmcs.ExitCtlsMask,
		vmcs.VMEntryControls:             vmcs.EntryCtlsMask,
		vmcs.HostRIP:                     0xFFFFFFFF81000000,
	}
	for f, v := range writes {
		if err := c.VMWrite(enc(f), v); err != nil {
			t.Fatalf("VMWrite(%s): %v", f, err)
		}
	}
}

func instructionError(t *testing.T, err error) vmcs.InstructionError {
	t.Helper()
	var fv *intrinsic.VMFailValidError
	if !errors.As(err, &fv) {
		t.Fatalf("error %v is not VMfailValid", err)
	}
	return fv.Number
}

func TestNoCurrentVMCS(t *testing.T) {
	c := New().CPU(0)
	if _, err := c.VMRead(enc(vmcs.GuestRIP)); !errors.Is(err, intrinsic.ErrVMFailInvalid) {
		t.Errorf("VMRead error = %v, want ErrVMFailInvalid", err)
	}
	if err := c.VMWrite(enc(vmcs.GuestRIP), 1); !errors.Is(err, intrinsic.ErrVMFailInvalid) {
		t.Errorf("VMWrite error = %v, want ErrVMFailInvalid", err)
	}
	ret := c.VMRun(&hv.GPRs{}, true)
	if ret&vmcs.EntryFailureSentinel != vmcs.EntryFailureSentinel || uint32(ret) != FailInvalidCode {
		t.Errorf("VMRun = %#x, want entry failure with FailInvalidCode", ret)
	}
}

func TestVMPtrLdChecks(t *testing.T) {
	_, c := loaded(t)

	if got := instructionError(t, c.VMPtrLd(testRegion+8)); got != vmcs.ErrVMPtrLdInvalidAddress {
		t.Errorf("unaligned VMPTRLD error = %v", got)
	}

	page := make([]byte, 4096)
	p := New(WithMemory(func(phys uint64) []byte { return page }))
	c = p.CPU(0)
	if err := c.VMPtrLd(testRegion); !errors.Is(err, intrinsic.ErrVMFailInvalid) {
		t.Errorf("bad revision without current VMCS error = %v, want ErrVMFailInvalid", err)
	}
	binary.LittleEndian.PutUint32(page, DefaultRevision)
	if err := c.VMPtrLd(testRegion); err != nil {
		t.Fatalf("VMPtrLd with revision: %v", err)
	}
	if c.Current() != testRegion {
		t.Errorf("current = %#x, want %#x", c.Current(), testRegion)
	}

	injected := errors.New("injected")
	c.FailLoad(injected)
	if err := c.VMPtrLd(testRegion); !errors.Is(err, injected) {
		t.Errorf("VMPtrLd error = %v, want injected", err)
	}
	c.FailLoad(nil)
}

func TestReadWriteMasksWidth(t *testing.T) {
	p, c := loaded(t)

	tests := []struct {
		field vmcs.Field
		in    uint64
		want  uint64
	}{
		{vmcs.GuestCSSelector, 0x12345, 0x2345},
		{vmcs.GuestCSLimit, 0x1_0000_FFFF, 0xFFFF},
		{vmcs.GuestRIP, 0xFFFF_FFFF_FFFF_FFF0, 0xFFFF_FFFF_FFFF_FFF0},
	}
	for _, tt := range tests {
		if err := c.VMWrite(enc(tt.field), tt.in); err != nil {
			t.Fatalf("VMWrite(%s): %v", tt.field, err)
		}
		got, err := c.VMRead(enc(tt.field))
		if err != nil {
			t.Fatalf("VMRead(%s): %v", tt.field, err)
		}
		if got != tt.want {
			t.Errorf("%s = %#x, want %#x", tt.field, got, tt.want)
		}
		if raw, _ := p.Field(testRegion, enc(tt.field)); raw != tt.want {
			t.Errorf("stored %s = %#x, want %#x", tt.field, raw, tt.want)
		}
	}
}

func TestWriteReadOnlyAndUnknown(t *testing.T) {
	_, c := loaded(t)

	if got := instructionError(t, c.VMWrite(enc(vmcs.ExitReasonField), 1)); got != vmcs.ErrWriteReadOnly {
		t.Errorf("read-only write error = %v, want %v", got, vmcs.ErrWriteReadOnly)
	}
	if got := instructionError(t, c.VMWrite(0x7FFE, 1)); got != vmcs.ErrUnsupportedComponent {
		t.Errorf("unknown write error = %v, want %v", got, vmcs.ErrUnsupportedComponent)
	}
	v, err := c.VMRead(enc(vmcs.VMInstructionError))
	if err != nil {
		t.Fatalf("VMRead: %v", err)
	}
	if vmcs.InstructionError(v) != vmcs.ErrUnsupportedComponent {
		t.Errorf("VM-instruction error field = %d", v)
	}
}

func TestInjectedAccessFaults(t *testing.T) {
	_, c := loaded(t)
	injected := errors.New("injected")

	c.FailRead(enc(vmcs.GuestCR0), injected)
	if _, err := c.VMRead(enc(vmcs.GuestCR0)); !errors.Is(err, injected) {
		t.Errorf("VMRead error = %v, want injected", err)
	}
	c.FailRead(enc(vmcs.GuestCR0), nil)
	if _, err := c.VMRead(enc(vmcs.GuestCR0)); err != nil {
		t.Errorf("VMRead after reset: %v", err)
	}

	c.FailWrite(enc(vmcs.GuestCR3), injected)
	if err := c.VMWrite(enc(vmcs.GuestCR3), 1); !errors.Is(err, injected) {
		t.Errorf("VMWrite error = %v, want injected", err)
	}
}

func TestLaunchResumeState(t *testing.T) {
	p, c := loaded(t)
	makeEnterable(t, c)

	ret := c.VMRun(&hv.GPRs{}, false)
	if ret <= vmcs.EntryFailureSentinel || uint32(ret) != uint32(vmcs.ErrVMResumeNonLaunched) {
		t.Fatalf("resume of clear VMCS = %#x, want failure %d", ret, vmcs.ErrVMResumeNonLaunched)
	}

	if ret := c.VMRun(&hv.GPRs{}, true); vmcs.ExitReason(ret) != vmcs.ExitHLT {
		t.Fatalf("launch = %#x, want HLT exit", ret)
	}
	if !p.Launched(testRegion) {
		t.Fatalf("region not launched after successful entry")
	}

	ret = c.VMRun(&hv.GPRs{}, true)
	if uint32(ret) != uint32(vmcs.ErrVMLaunchNonClear) {
		t.Fatalf("launch of launched VMCS = %#x, want failure %d", ret, vmcs.ErrVMLaunchNonClear)
	}
	if ret := c.VMRun(&hv.GPRs{}, false); vmcs.ExitReason(ret) != vmcs.ExitHLT {
		t.Fatalf("resume = %#x, want HLT exit", ret)
	}
	if c.Entries() != 2 {
		t.Errorf("entries = %d, want 2", c.Entries())
	}

	if err := c.VMClear(testRegion); err != nil {
		t.Fatalf("VMClear: %v", err)
	}
	if p.Launched(testRegion) || c.Current() != 0 {
		t.Errorf("VMClear left region launched or current")
	}
}

func TestEntryControlChecks(t *testing.T) {
	_, c := loaded(t)

	ret := c.VMRun(&hv.GPRs{}, true)
	if uint32(ret) != uint32(vmcs.ErrEntryInvalidControls) {
		t.Fatalf("entry without forced bits = %#x, want failure %d", ret, vmcs.ErrEntryInvalidControls)
	}

	makeEnterable(t, c)
	if err := c.VMWrite(enc(vmcs.HostRIP), 0); err != nil {
		t.Fatalf("VMWrite: %v", err)
	}
	ret = c.VMRun(&hv.GPRs{}, true)
	if uint32(ret) != uint32(vmcs.ErrEntryInvalidHostState) {
		t.Fatalf("entry without host RIP = %#x, want failure %d", ret, vmcs.ErrEntryInvalidHostState)
	}
}

func TestScriptedExits(t *testing.T) {
	_, c := loaded(t)
	makeEnterable(t, c)

	c.Script(Exit{
		Reason:            vmcs.ExitCPUID,
		Qualification:     0x55,
		InstructionLength: 2,
		InstructionInfo:   0x1234,
		Guest:             func(g *hv.GPRs) { g.Rax = 0xCAFE },
	})
	if c.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", c.Pending())
	}

	gprs := &hv.GPRs{}
	if ret := c.VMRun(gprs, true); vmcs.ExitReason(ret) != vmcs.ExitCPUID {
		t.Fatalf("exit = %#x, want cpuid", ret)
	}
	if gprs.Rax != 0xCAFE {
		t.Errorf("guest did not run: rax = %#x", gprs.Rax)
	}

	want := map[vmcs.Field]uint64{
		vmcs.ExitReasonField:              uint64(vmcs.ExitCPUID),
		vmcs.ExitQualification:            0x55,
		vmcs.VMExitInstructionLength:      2,
		vmcs.VMExitInstructionInformation: 0x1234,
	}
	for f, w := range want {
		got, err := c.VMRead(enc(f))
		if err != nil {
			t.Fatalf("VMRead(%s): %v", f, err)
		}
		if got != w {
			t.Errorf("%s = %#x, want %#x", f, got, w)
		}
	}
	if c.Pending() != 0 {
		t.Errorf("pending = %d after exit", c.Pending())
	}
}

func TestFailNextEntry(t *testing.T) {
	_, c := loaded(t)
	makeEnterable(t, c)

	c.FailNextEntry(7)
	ret := c.VMRun(&hv.GPRs{}, true)
	if ret <= vmcs.EntryFailureSentinel || ret&vmcs.EntryFailureCodeMask != 7 {
		t.Fatalf("VMRun = %#x, want entry failure 7", ret)
	}
	if c.Entries() != 0 {
		t.Errorf("failed entry counted")
	}
	if ret := c.VMRun(&hv.GPRs{}, true); vmcs.ExitReason(ret) != vmcs.ExitHLT {
		t.Fatalf("fault persisted: VMRun = %#x", ret)
	}
}

func TestHostState(t *testing.T) {
	c := New().CPU(3)
	if c.ID() != 3 {
		t.Errorf("ID = %d", c.ID())
	}
	basic, err := c.ReadMSR(intrinsic.MSRIA32VMXBasic)
	if err != nil {
		t.Fatalf("ReadMSR: %v", err)
	}
	if uint32(basic&vmcs.RevisionIDMask) != DefaultRevision {
		t.Errorf("revision = %#x", basic&vmcs.RevisionIDMask)
	}
	if _, err := c.ReadMSR(0x12345678); err == nil {
		t.Errorf("ReadMSR of unknown MSR succeeded")
	}
	if c.ExitEntryPoint() == 0 {
		t.Errorf("exit entry point is zero")
	}
}

func TestVMClearInvalidAddress(t *testing.T) {
	_, c := loaded(t)
	if got := instructionError(t, c.VMClear(testRegion+0x10)); got != vmcs.ErrVMClearInvalidAddress {
		t.Errorf("unaligned VMCLEAR error = %v, want %v", got, vmcs.ErrVMClearInvalidAddress)
	}
	if err := New().CPU(0).VMClear(0); !errors.Is(err, intrinsic.ErrVMFailInvalid) {
		t.Errorf("VMCLEAR of 0 without current VMCS error = %v, want ErrVMFailInvalid", err)
	}
}

func TestClearWritesBackToMemory(t *testing.T) {
	page := make([]byte, 4096)
	p := New(WithMemory(func(phys uint64) []byte {
		if phys != testRegion {
			return nil
		}
		return page
	}))
	c0, c1 := p.CPU(0), p.CPU(1)
	binary.LittleEndian.PutUint32(page, DefaultRevision)

	if err := c0.VMClear(testRegion); err != nil {
		t.Fatalf("VMClear: %v", err)
	}
	if err := c0.VMPtrLd(testRegion); err != nil {
		t.Fatalf("VMPtrLd: %v", err)
	}
	if err := c0.VMWrite(enc(vmcs.GuestRIP), 0xDEAD); err != nil {
		t.Fatalf("VMWrite: %v", err)
	}

	// Clearing from another core flushes the region everywhere.
	if err := c1.VMClear(testRegion); err != nil {
		t.Fatalf("VMClear on core 1: %v", err)
	}
	if c0.Current() != 0 {
		t.Errorf("core 0 still has the cleared region current")
	}
	if got, ok := p.Field(testRegion, enc(vmcs.GuestRIP)); !ok || got != 0xDEAD {
		t.Errorf("rip in memory = %#x, %v, want 0xdead", got, ok)
	}

	if err := c1.VMPtrLd(testRegion); err != nil {
		t.Fatalf("VMPtrLd on core 1: %v", err)
	}
	if got, err := c1.VMRead(enc(vmcs.GuestRIP)); err != nil || got != 0xDEAD {
		t.Fatalf("rip after reload = %#x, %v, want 0xdead", got, err)
	}
	if err := c1.VMClear(testRegion); err != nil {
		t.Fatalf("VMClear: %v", err)
	}

	// A zeroed page is a fresh region.
	clear(page)
	binary.LittleEndian.PutUint32(page, DefaultRevision)
	if err := c0.VMClear(testRegion); err != nil {
		t.Fatalf("VMClear: %v", err)
	}
	if err := c0.VMPtrLd(testRegion); err != nil {
		t.Fatalf("VMPtrLd: %v", err)
	}
	if got, err := c0.VMRead(enc(vmcs.GuestRIP)); err != nil || got != 0 {
		t.Fatalf("rip on a zeroed page = %#x, %v, want 0", got, err)
	}
}
