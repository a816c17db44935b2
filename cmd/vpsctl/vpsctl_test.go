package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/vps/internal/config"
	"github.com/tinyrange/vps/internal/exitlog"
	"github.com/tinyrange/vps/internal/statesave"
	"github.com/tinyrange/vps/internal/vmcs"
	"github.com/tinyrange/vps/internal/vps"
)

func testConfig(t *testing.T, data string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(data))
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	return &cfg
}

func TestRunOneScriptedExits(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "guest.yaml")
	logPath := filepath.Join(dir, "exits.bin")

	in := &statesave.StateSave{
		Rip:    0x1000,
		Rflags: 0x2,
		Cs:     statesave.Segment{Selector: 0x10, Attrib: 0xA09B, Limit: 0xFFFFFFFF},
	}
	if err := statesave.SaveFile(statePath, in); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}

	cfg := testConfig(t, `
pool:
  vpsPerCore: 1
state: `+statePath+`
exitLog:
  file: `+logPath+`
exits:
  - reason: cpuid
    length: 2
  - reason: io_instruction
    qualification: 0x3f8
`)

	var counts map[vmcs.ExitReason]int
	var out statesave.StateSave
	err := runOne(cfg, 3, nil, func(c *core, v *vps.VPS, got map[vmcs.ExitReason]int) error {
		counts = got
		return v.VPSToStateSave(c.Core, &out)
	})
	if err != nil {
		t.Fatalf("runOne: %v", err)
	}

	want := map[vmcs.ExitReason]int{vmcs.ExitCPUID: 2, vmcs.ExitIOInstruction: 1}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Errorf("exit counts mismatch (-want +got):\n%s", diff)
	}
	// cpuid (2) + io (1) + cpuid (2)
	if out.Rip != 0x1005 {
		t.Errorf("rip = %#x, want 0x1005", out.Rip)
	}
	if out.Cs != in.Cs {
		t.Errorf("cs = %+v, want %+v", out.Cs, in.Cs)
	}

	reader, closer, err := exitlog.Open(logPath)
	if err != nil {
		t.Fatalf("exitlog.Open: %v", err)
	}
	defer closer.Close()
	if reader.Len() != 3 {
		t.Fatalf("log entries = %d, want 3", reader.Len())
	}
	var rips []uint64
	if err := reader.Each(func(e exitlog.Entry) error {
		rips = append(rips, e.Record.Rip)
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}
	if diff := cmp.Diff([]uint64{0x1000, 0x1002, 0x1003}, rips); diff != "" {
		t.Errorf("recorded rips mismatch (-want +got):\n%s", diff)
	}
}

func TestLogFilter(t *testing.T) {
	l := &logCmd{cores: "0, 2", reasons: "cpuid,12", limit: 5}
	got, err := l.filter(time.Time{})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	want := exitlog.Filter{
		Cores:   []uint16{0, 2},
		Reasons: []vmcs.ExitReason{vmcs.ExitCPUID, vmcs.ExitHLT},
		Limit:   5,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("filter mismatch (-want +got):\n%s", diff)
	}

	if _, err := (&logCmd{cores: "x"}).filter(time.Time{}); err == nil {
		t.Errorf("invalid core accepted")
	}
	if _, err := (&logCmd{reasons: "warp"}).filter(time.Time{}); err == nil {
		t.Errorf("invalid reason accepted")
	}
}
