package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/vps/internal/config"
	"github.com/tinyrange/vps/internal/vmcs"
	"github.com/tinyrange/vps/internal/vps"
)

type benchCmd struct {
	n     int
	cores int
}

func (*benchCmd) Name() string     { return "bench" }
func (*benchCmd) Synopsis() string { return "run every VPS on every core concurrently" }
func (*benchCmd) Usage() string {
	return `bench [-n iterations] [-cores n]:
  Starts one pinned thread per core. Each thread fills its VPS pool and runs
  the VPSs round robin, reloading the VMCS on every switch.
`
}

func (b *benchCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&b.n, "n", 1000, "entries per core")
	f.IntVar(&b.cores, "cores", 0, "number of cores (default from config)")
}

func (b *benchCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	cfg := *args[0].(*config.Config)
	if b.cores > 0 {
		cfg.Cores = b.cores
		cfg.Pool.Pages = cfg.Pool.VPSPerCore * cfg.Cores
	}

	s, err := newSession(&cfg)
	if err != nil {
		return fatalf("bench: %v", err)
	}
	defer s.Close()

	bar := newBar(b.n*cfg.Cores, "bench")

	var (
		mu     sync.Mutex
		totals = make(map[vmcs.ExitReason]int)
	)
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	for id := 0; id < cfg.Cores; id++ {
		g.Go(func() error {
			return onPinnedThread(id, func(tid int) error {
				s.log.Debug("vpsctl: core pinned", "core", id, "tid", tid)

				c, err := s.newCore(id)
				if err != nil {
					return err
				}
				defer c.release()

				var running []*vps.VPS
				for vp := 0; vp < cfg.Pool.VPSPerCore; vp++ {
					v, err := c.prepare(uint16(id*cfg.Pool.VPSPerCore + vp))
					if err != nil {
						return err
					}
					running = append(running, v)
				}

				counts := make(map[vmcs.ExitReason]int)
				for i := 0; i < b.n; i++ {
					if err := ctx.Err(); err != nil {
						return err
					}
					got, err := c.drive(running[i%len(running)], 1, bar)
					if err != nil {
						return fmt.Errorf("core %d: %w", id, err)
					}
					for r, n := range got {
						counts[r] += n
					}
				}

				mu.Lock()
				defer mu.Unlock()
				for r, n := range counts {
					totals[r] += n
				}
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return fatalf("bench: %v", err)
	}

	elapsed := time.Since(start)
	entries := b.n * cfg.Cores
	fmt.Printf("%d entries on %d cores in %s (%.0f entries/s)\n",
		entries, cfg.Cores, elapsed, float64(entries)/elapsed.Seconds())
	printCounts(totals)
	return subcommands.ExitSuccess
}
