package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/vps/internal/config"
	"github.com/tinyrange/vps/internal/exitlog"
	"github.com/tinyrange/vps/internal/intrinsic/sim"
	"github.com/tinyrange/vps/internal/pagepool"
	"github.com/tinyrange/vps/internal/statesave"
	"github.com/tinyrange/vps/internal/vmcs"
	"github.com/tinyrange/vps/internal/vps"
)

// Host exit stacks are laid out downwards from here, one per core.
const (
	exitStackTop    = 0xFFFFC90000100000
	exitStackStride = 0x4000
)

// backing is a page allocator that can also resolve physical addresses for
// the simulated processor.
type backing interface {
	pagepool.Allocator
	Lookup(phys uint64) []byte
	Outstanding() pagepool.Stats
	io.Closer
}

type heapBacking struct{ *pagepool.HeapPool }

func (heapBacking) Close() error { return nil }

type session struct {
	cfg   *config.Config
	log   *slog.Logger
	pages backing
	proc  *sim.Processor
	sink  *exitlog.Writer
	exits []sim.Exit
	state *statesave.StateSave
}

func newSession(cfg *config.Config) (*session, error) {
	s := &session{cfg: cfg, log: slog.Default()}

	var err error
	switch cfg.Pool.Backing {
	case config.BackingMmap:
		s.pages, err = newMmapBacking(cfg.Pool.Pages)
	default:
		s.pages = heapBacking{pagepool.NewHeapPool(cfg.Pool.Pages)}
	}
	if err != nil {
		return nil, err
	}
	s.proc = sim.New(sim.WithMemory(s.pages.Lookup))

	for _, e := range cfg.Exits {
		reason, err := e.ExitReason()
		if err != nil {
			s.Close()
			return nil, err
		}
		s.exits = append(s.exits, sim.Exit{
			Reason:            reason,
			Qualification:     e.Qualification,
			InstructionLength: e.Length,
			InstructionInfo:   e.Info,
		})
	}

	if cfg.State != "" {
		s.state, err = statesave.LoadFile(cfg.State)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("load guest state: %w", err)
		}
	}

	if cfg.ExitLog.File != "" && cfg.ExitLogEnabled() {
		s.sink, err = exitlog.Create(cfg.ExitLog.File)
		if err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *session) Close() error {
	var errs []error
	if s.sink != nil {
		errs = append(errs, s.sink.Close())
	}
	if s.pages != nil {
		if leaked := s.pages.Outstanding(); len(leaked) > 0 {
			s.log.Warn("vpsctl: pages outstanding at exit", "pages", leaked)
		}
		errs = append(errs, s.pages.Close())
	}
	return errors.Join(errs...)
}

// core is one simulated physical core with its own VPS pool.
type core struct {
	*vps.Core
	cpu  *sim.CPU
	pool *vps.Pool
	s    *session
}

func (s *session) newCore(id int) (*core, error) {
	cpu := s.proc.CPU(id)

	log := exitlog.New(uint16(id), s.cfg.ExitLog.Capacity)
	log.SetEnabled(s.cfg.ExitLogEnabled())
	if s.sink != nil {
		log.SetSink(s.sink)
	}

	pool, err := vps.NewPool(s.cfg.Pool.VPSPerCore, s.pages)
	if err != nil {
		return nil, err
	}
	c := vps.NewCore(uint16(id), cpu,
		vps.WithLogger(s.log),
		vps.WithExitLog(log),
		vps.WithExitStack(exitStackTop-uint64(id)*exitStackStride),
	)
	return &core{Core: c, cpu: cpu, pool: pool, s: s}, nil
}

// prepare allocates a VPS, assigns it to vp on this core, loads the
// configured guest state and makes it active.
func (c *core) prepare(vp uint16) (*vps.VPS, error) {
	v, err := c.pool.Allocate(c.Core)
	if err != nil {
		return nil, err
	}
	v.AssignVP(vp)
	v.AssignPP(c.ID)
	if c.s.state != nil {
		if err := v.StateSaveToVPS(c.Core, c.s.state); err != nil {
			c.pool.Free(c.Core, v)
			return nil, fmt.Errorf("import guest state: %w", err)
		}
	}
	v.SetActive(c.Core)
	return v, nil
}

func (c *core) release() {
	c.pool.Release(c.Core)
}

// drive runs v n times, stepping over each exiting instruction. Scripted
// exits are replayed in order and wrap around.
func (c *core) drive(v *vps.VPS, n int, bar *progressbar.ProgressBar) (map[vmcs.ExitReason]int, error) {
	counts := make(map[vmcs.ExitReason]int)
	for i := 0; i < n; i++ {
		if len(c.s.exits) > 0 {
			c.cpu.Script(c.s.exits[i%len(c.s.exits)])
		}
		v.SetActive(c.Core)
		reason, err := v.Run(c.Core)
		if err != nil {
			return counts, fmt.Errorf("vps %d iteration %d: %w", v.ID(), i, err)
		}
		counts[reason.Basic()]++
		if err := v.AdvanceIP(c.Core); err != nil {
			return counts, err
		}
		if bar != nil {
			bar.Add(1)
		}
	}
	return counts, nil
}

// runOne is the common path of run, dump and export: one VPS on core 0.
func runOne(cfg *config.Config, n int, bar *progressbar.ProgressBar, fn func(c *core, v *vps.VPS, counts map[vmcs.ExitReason]int) error) error {
	s, err := newSession(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	return onPinnedThread(0, func(tid int) error {
		s.log.Debug("vpsctl: core pinned", "core", 0, "tid", tid)

		c, err := s.newCore(0)
		if err != nil {
			return err
		}
		defer c.release()

		v, err := c.prepare(0)
		if err != nil {
			return err
		}
		counts, err := c.drive(v, n, bar)
		if ferr := fn(c, v, counts); err == nil {
			err = ferr
		}
		return err
	})
}
