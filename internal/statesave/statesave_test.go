package statesave

import (
	"bytes"
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func sampleState() *StateSave {
	return &StateSave{
		Rax: 1, Rbx: 2, Rcx: 3, Rdx: 4, Rbp: 5, Rsi: 6, Rdi: 7,
		R8: 8, R9: 9, R10: 10, R11: 11, R12: 12, R13: 13, R14: 14, R15: 15,
		Rsp:       0x7000,
		Rip:       0x1000,
		Rflags:    0x2,
		GdtrBase:  0x5000,
		GdtrLimit: 0x27,
		IdtrLimit: 0xFFFF,
		Cs:        Segment{Selector: 0x8, Attrib: 0xA09B, Limit: 0xFFFFFFFF},
		Ss:        Segment{Selector: 0x10, Attrib: 0xC093, Limit: 0xFFFFFFFF},
		Es:        Segment{Attrib: 0x10000},
		Tr:        Segment{Selector: 0x18, Attrib: 0x8B, Limit: 0x67, Base: 0x6000},
		Cr0:       0x80050033,
		Cr3:       0x9000,
		Cr4:       0x2020,
		Dr7:       0x400,
		Efer:      0xD01,
		Pat:       0x0007040600070406,
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	want := sampleState()

	var buf bytes.Buffer
	if err := Write(&buf, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("binary round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestReadRejectsBadHeader(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, []uint32{0xDEADBEEF, 1, 1, 0})
	if _, err := Read(&buf); !errors.Is(err, ErrInvalidFormat) {
		t.Fatalf("Read error = %v, want ErrInvalidFormat", err)
	}

	if _, err := Read(bytes.NewReader([]byte{1, 2})); err == nil {
		t.Fatalf("Read accepted a truncated header")
	}
}

func TestFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := sampleState()

	for _, name := range []string{"state.yaml", "state.YML", "state.bin"} {
		path := filepath.Join(dir, name)
		if err := SaveFile(path, want); err != nil {
			t.Fatalf("SaveFile(%s): %v", name, err)
		}
		got, err := LoadFile(path)
		if err != nil {
			t.Fatalf("LoadFile(%s): %v", name, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("%s round trip mismatch (-want +got):\n%s", name, diff)
		}
	}
}

func TestSegmentsOrder(t *testing.T) {
	s := sampleState()
	segs := s.Segments()
	if len(segs) != 8 {
		t.Fatalf("Segments returned %d entries, want 8", len(segs))
	}
	if segs[1].Name != "cs" || segs[1].Segment != &s.Cs {
		t.Errorf("second segment = %s, want cs", segs[1].Name)
	}
	segs[7].Segment.Base = 42
	if s.Tr.Base != 42 {
		t.Errorf("Segments does not alias the state")
	}
}
