package vps

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/vps/internal/hv"
	"github.com/tinyrange/vps/internal/statesave"
	"github.com/tinyrange/vps/internal/vmcs"
)

// longModeState is a 64-bit guest just past its kernel entry point. FS and
// GS use non-null selectors so their bases agree with the MSR values; LDTR
// is null.
func longModeState() *statesave.StateSave {
	return &statesave.StateSave{
		Rax: 1, Rbx: 2, Rcx: 3, Rdx: 4,
		Rbp: 5, Rsi: 6, Rdi: 7,
		R8: 8, R9: 9, R10: 10, R11: 11,
		R12: 12, R13: 13, R14: 14, R15: 15,
		Rsp:    0xFFFFC90000003F58,
		Rip:    0xFFFFFFFF81000000,
		Rflags: 0x2,

		GdtrBase:  0xFFFFFE0000001000,
		GdtrLimit: 0x7F,
		IdtrBase:  0xFFFFFE0000000000,
		IdtrLimit: 0xFFF,

		Es:   statesave.Segment{Selector: 0x18, Attrib: 0xC093, Limit: 0xFFFFFFFF},
		Cs:   statesave.Segment{Selector: 0x10, Attrib: 0xA09B, Limit: 0xFFFFFFFF},
		Ss:   statesave.Segment{Selector: 0x18, Attrib: 0xC093, Limit: 0xFFFFFFFF},
		Ds:   statesave.Segment{Selector: 0x18, Attrib: 0xC093, Limit: 0xFFFFFFFF},
		Fs:   statesave.Segment{Selector: 0x18, Attrib: 0xC093, Limit: 0xFFFFFFFF, Base: 0x7F0000001000},
		Gs:   statesave.Segment{Selector: 0x18, Attrib: 0xC093, Limit: 0xFFFFFFFF, Base: 0xFFFF888000000000},
		Tr:   statesave.Segment{Selector: 0x40, Attrib: 0x8B, Limit: 0x67, Base: 0xFFFFFE0000003000},
		Ldtr: statesave.Segment{},

		Cr0: 0x80050033,
		Cr2: 0x7F0000002000,
		Cr3: 0x1C0A000,
		Cr4: 0x3626E0,
		Dr6: 0xFFFF0FF0,
		Dr7: 0x400,

		Efer:         0xD01,
		Star:         0x0023001000000000,
		Lstar:        0xFFFFFFFF81A00080,
		Cstar:        0xFFFFFFFF81A01640,
		Fmask:        0x47700,
		FsBase:       0x7F0000001000,
		GsBase:       0xFFFF888000000000,
		KernelGsBase: 0xFFFF888000100000,

		SysenterCs:  0x10,
		SysenterEsp: 0xFFFFFE0000005200,
		SysenterEip: 0xFFFFFFFF81A01B20,
		Pat:         0x0407050600070106,
		DebugCtl:    0,
	}
}

func TestStateSaveRoundTrip(t *testing.T) {
	for _, active := range []bool{false, true} {
		f := newFixture(t, 1)
		v := f.allocated(t, 1)
		if active {
			v.SetActive(f.core)
		}

		in := longModeState()
		if err := v.StateSaveToVPS(f.core, in); err != nil {
			t.Fatalf("StateSaveToVPS: %v", err)
		}

		out := &statesave.StateSave{Rax: 0xBAD, Cs: statesave.Segment{Selector: 0xBAD}}
		if err := v.VPSToStateSave(f.core, out); err != nil {
			t.Fatalf("VPSToStateSave: %v", err)
		}
		if diff := cmp.Diff(in, out); diff != "" {
			t.Errorf("active=%v: round trip mismatch (-want +got):\n%s", active, diff)
		}

		if active && f.core.GPRs.R15 != 15 {
			t.Errorf("import into active VPS missed the transient area")
		}
		if !active && f.core.GPRs.R15 != 0 {
			t.Errorf("import into inactive VPS wrote the transient area")
		}
	}
}

func TestStateSaveNullSegments(t *testing.T) {
	f := newFixture(t, 1)
	v := f.allocated(t, 1)

	in := longModeState()
	junk := statesave.Segment{Selector: 0, Attrib: 0xC093, Limit: 0xFFFF, Base: 0x1234}
	in.Es, in.Ds, in.Ldtr = junk, junk, junk
	in.Fs = junk
	in.FsBase = 0
	if err := v.StateSaveToVPS(f.core, in); err != nil {
		t.Fatalf("StateSaveToVPS: %v", err)
	}

	for _, fields := range []segmentFields{segmentTable[0], segmentTable[3], segmentTable[4], segmentTable[6]} {
		sel, _ := v.Read16(f.core, fields.selector)
		attrib, _ := v.Read32(f.core, fields.attrib)
		limit, _ := v.Read32(f.core, fields.limit)
		base, _ := v.Read64(f.core, fields.base)
		if sel != 0 || uint64(attrib) != vmcs.UnusableSegment || limit != 0 || base != 0 {
			t.Errorf("%s: got {%#x %#x %#x %#x}, want an unusable null segment",
				fields.selector, sel, attrib, limit, base)
		}
	}

	out := &statesave.StateSave{}
	if err := v.VPSToStateSave(f.core, out); err != nil {
		t.Fatalf("VPSToStateSave: %v", err)
	}
	for _, seg := range []statesave.NamedSegment{
		{Name: "es", Segment: &out.Es},
		{Name: "ds", Segment: &out.Ds},
		{Name: "fs", Segment: &out.Fs},
		{Name: "ldtr", Segment: &out.Ldtr},
	} {
		if *seg.Segment != (statesave.Segment{}) {
			t.Errorf("%s exported as %+v, want zero", seg.Name, *seg.Segment)
		}
	}
	if diff := cmp.Diff(longModeState().Cs, out.Cs); diff != "" {
		t.Errorf("cs changed (-want +got):\n%s", diff)
	}
}

func TestStateSaveShadowedRegisters(t *testing.T) {
	f := newFixture(t, 1)
	v := f.allocated(t, 1)

	in := longModeState()
	if err := v.StateSaveToVPS(f.core, in); err != nil {
		t.Fatalf("StateSaveToVPS: %v", err)
	}
	for r, want := range map[hv.Register]uint64{
		hv.RegisterAMD64Cr2:          in.Cr2,
		hv.RegisterAMD64Dr6:          in.Dr6,
		hv.RegisterAMD64Star:         in.Star,
		hv.RegisterAMD64Lstar:        in.Lstar,
		hv.RegisterAMD64Cstar:        in.Cstar,
		hv.RegisterAMD64Fmask:        in.Fmask,
		hv.RegisterAMD64KernelGsBase: in.KernelGsBase,
	} {
		got, err := v.ReadReg(f.core, r)
		if err != nil {
			t.Fatalf("ReadReg(%s): %v", r, err)
		}
		if got != want {
			t.Errorf("%s = %#x, want %#x", r, got, want)
		}
	}
}

func TestStateSaveErrors(t *testing.T) {
	f := newFixture(t, 1)

	v := New(f.pages)
	if err := v.StateSaveToVPS(f.core, longModeState()); !errors.Is(err, ErrNotAllocated) {
		t.Errorf("import into unallocated error = %v, want ErrNotAllocated", err)
	}
	if err := v.VPSToStateSave(f.core, &statesave.StateSave{}); !errors.Is(err, ErrNotAllocated) {
		t.Errorf("export from unallocated error = %v, want ErrNotAllocated", err)
	}

	v = f.allocated(t, 1)
	if err := v.StateSaveToVPS(f.core, nil); !errors.Is(err, ErrNullState) {
		t.Errorf("import nil error = %v, want ErrNullState", err)
	}
	if err := v.VPSToStateSave(f.core, nil); !errors.Is(err, ErrNullState) {
		t.Errorf("export nil error = %v, want ErrNullState", err)
	}

	in := longModeState()
	in.Cr3 = InvalidValue
	if err := v.StateSaveToVPS(f.core, in); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("import with invalid cr3 error = %v, want ErrInvalidValue", err)
	}

	f.cpu.FailRead(enc(vmcs.GuestIA32PAT), errors.New("injected"))
	if err := v.VPSToStateSave(f.core, &statesave.StateSave{}); !errors.Is(err, ErrAccessFailed) {
		t.Errorf("export with failing field error = %v, want ErrAccessFailed", err)
	}
}
