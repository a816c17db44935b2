package vps

import (
	"testing"

	"github.com/tinyrange/vps/internal/exitlog"
	"github.com/tinyrange/vps/internal/hv"
	"github.com/tinyrange/vps/internal/intrinsic/sim"
	"github.com/tinyrange/vps/internal/pagepool"
	"github.com/tinyrange/vps/internal/vmcs"
)

func benchmarkRun(b *testing.B, vpss int, logging bool) {
	pages := pagepool.NewHeapPool(vpss)
	proc := sim.New(sim.WithMemory(pages.Lookup))
	log := exitlog.New(0, 1024)
	log.SetEnabled(logging)
	c := NewCore(0, proc.CPU(0), WithExitStack(testExitStack), WithExitLog(log))

	pool, err := NewPool(vpss, pages)
	if err != nil {
		b.Fatalf("NewPool: %v", err)
	}
	defer pool.Release(c)

	running := make([]*VPS, vpss)
	for i := range running {
		v, err := pool.Allocate(c)
		if err != nil {
			b.Fatalf("Allocate: %v", err)
		}
		running[i] = v
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		v := running[i%vpss]
		v.SetActive(c)
		reason, err := v.Run(c)
		if err != nil {
			b.Fatalf("Run: %v", err)
		}
		if reason != vmcs.ExitHLT {
			b.Fatalf("unexpected exit %s", reason)
		}
		if err := v.AdvanceIP(c); err != nil {
			b.Fatalf("AdvanceIP: %v", err)
		}
	}
}

func BenchmarkRun(b *testing.B)          { benchmarkRun(b, 1, false) }
func BenchmarkRunLogged(b *testing.B)    { benchmarkRun(b, 1, true) }
func BenchmarkRunSwitching(b *testing.B) { benchmarkRun(b, 4, false) }

func BenchmarkReadReg(b *testing.B) {
	pages := pagepool.NewHeapPool(1)
	proc := sim.New(sim.WithMemory(pages.Lookup))
	c := NewCore(0, proc.CPU(0), WithExitStack(testExitStack))

	v := New(pages)
	if err := v.Initialize(1); err != nil {
		b.Fatalf("Initialize: %v", err)
	}
	if err := v.Allocate(c); err != nil {
		b.Fatalf("Allocate: %v", err)
	}
	defer v.Release(c)

	regs := hv.Registers()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := v.ReadReg(c, regs[i%len(regs)]); err != nil {
			b.Fatalf("ReadReg: %v", err)
		}
	}
}
