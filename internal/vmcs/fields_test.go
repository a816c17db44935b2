package vmcs

import "testing"

// widthFromEncoding decodes bits 14:13 of a field encoding.
func widthFromEncoding(enc uint32) Width {
	switch (enc >> 13) & 0x3 {
	case 0:
		return Width16
	case 2:
		return Width32
	default:
		return Width64
	}
}

func TestTableMatchesEncodings(t *testing.T) {
	seen := make(map[uint32]Field)
	names := make(map[string]Field)

	for _, f := range Fields() {
		info := MustLookup(f)

		if info.Name == "" {
			t.Errorf("field %d has no name", f)
		}
		if want := widthFromEncoding(info.Encoding); info.Width != want {
			t.Errorf("%s: width %v, encoding 0x%04x implies %v", info.Name, info.Width, info.Encoding, want)
		}
		if info.Encoding&1 != 0 {
			t.Errorf("%s: encoding 0x%04x selects the high half of a field", info.Name, info.Encoding)
		}
		if prev, ok := seen[info.Encoding]; ok {
			t.Errorf("%s: encoding 0x%04x already used by %s", info.Name, info.Encoding, prev)
		}
		seen[info.Encoding] = f
		if prev, ok := names[info.Name]; ok {
			t.Errorf("%s: name already used by field %d", info.Name, prev)
		}
		names[info.Name] = f

		if got, ok := ByEncoding(info.Encoding); !ok || got != f {
			t.Errorf("ByEncoding(0x%04x) = %v, %v", info.Encoding, got, ok)
		}
		if got, ok := ByName(info.Name); !ok || got != f {
			t.Errorf("ByName(%q) = %v, %v", info.Name, got, ok)
		}
	}
}

func TestWellKnownEncodings(t *testing.T) {
	for _, tc := range []struct {
		field    Field
		encoding uint32
		width    Width
	}{
		{GuestESSelector, 0x0800, Width16},
		{HostTRSelector, 0x0C0C, Width16},
		{VMCSLinkPointer, 0x2800, Width64},
		{GuestIA32EFER, 0x2806, Width64},
		{PinBasedVMExecutionControls, 0x4000, Width32},
		{VMExitControls, 0x400C, Width32},
		{VMEntryControls, 0x4012, Width32},
		{ExitReasonField, 0x4402, Width32},
		{VMExitInstructionLength, 0x440C, Width32},
		{GuestTRAccessRights, 0x4822, Width32},
		{ExitQualification, 0x6400, Width64},
		{GuestRIP, 0x681E, Width64},
		{HostRIP, 0x6C16, Width64},
	} {
		info := MustLookup(tc.field)
		if info.Encoding != tc.encoding || info.Width != tc.width {
			t.Errorf("%s = (0x%04x, %v), want (0x%04x, %v)", info.Name, info.Encoding, info.Width, tc.encoding, tc.width)
		}
	}
}

func TestLookupInvalid(t *testing.T) {
	if _, ok := Lookup(FieldInvalid); ok {
		t.Errorf("Lookup(FieldInvalid) succeeded")
	}
	if _, ok := Lookup(fieldCount); ok {
		t.Errorf("Lookup(fieldCount) succeeded")
	}
	defer func() {
		if recover() == nil {
			t.Errorf("MustLookup of an unknown field did not panic")
		}
	}()
	MustLookup(fieldCount + 10)
}

func TestReadOnly(t *testing.T) {
	for _, f := range []Field{GuestPhysicalAddress, ExitReasonField, VMInstructionError, ExitQualification, GuestLinearAddress} {
		if !MustLookup(f).ReadOnly() {
			t.Errorf("%v should be read-only", f)
		}
	}
	for _, f := range []Field{GuestRIP, PinBasedVMExecutionControls, HostCR3, GuestESSelector} {
		if MustLookup(f).ReadOnly() {
			t.Errorf("%v should be writable", f)
		}
	}
}

func TestForcedBits(t *testing.T) {
	for f, want := range map[Field]uint64{
		PinBasedVMExecutionControls: 0x16,
		VMExitControls:              0x36DFF,
		VMEntryControls:             0x11FF,
	} {
		got, ok := ForcedBits(f)
		if !ok || got != want {
			t.Errorf("ForcedBits(%v) = 0x%x, %v, want 0x%x", f, got, ok, want)
		}
	}
	if _, ok := ForcedBits(PrimaryProcessorBasedVMExecutionControls); ok {
		t.Errorf("primary processor-based controls should not carry a forced mask")
	}
}

func TestExitReasonString(t *testing.T) {
	for _, tc := range []struct {
		reason ExitReason
		want   string
	}{
		{ExitCPUID, "cpuid"},
		{ExitHLT, "hlt"},
		{ExitInvalidGuestState | 1<<31, "entry_failure:invalid_guest_state"},
		{ExitReason(35), "unknown(35)"},
	} {
		if got := tc.reason.String(); got != tc.want {
			t.Errorf("ExitReason(%#x).String() = %q, want %q", uint64(tc.reason), got, tc.want)
		}
	}
	if !(ExitInvalidGuestState | 1<<31).EntryFailure() {
		t.Errorf("bit 31 should mark an entry failure")
	}
	if InstructionError(7).String() != "VM entry with invalid control field(s)" {
		t.Errorf("unexpected text for error 7: %s", InstructionError(7))
	}
}

func TestParseExitReason(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want ExitReason
	}{
		{"cpuid", ExitCPUID},
		{" HLT ", ExitHLT},
		{"10", ExitCPUID},
	} {
		got, err := ParseExitReason(tc.in)
		if err != nil {
			t.Fatalf("ParseExitReason(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("ParseExitReason(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
	if _, err := ParseExitReason("vmfunc_2"); err == nil {
		t.Errorf("unknown name parsed")
	}
}
