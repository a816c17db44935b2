package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/google/subcommands"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/vps/internal/config"
	"github.com/tinyrange/vps/internal/statesave"
	"github.com/tinyrange/vps/internal/vmcs"
	"github.com/tinyrange/vps/internal/vps"
)

// iterations returns the flag value, falling back to the config.
func iterations(flagValue int, cfg *config.Config) int {
	if flagValue > 0 {
		return flagValue
	}
	return cfg.Iterations
}

func newBar(n int, description string) *progressbar.ProgressBar {
	if n <= 1 || !term.IsTerminal(int(os.Stderr.Fd())) {
		return nil
	}
	return progressbar.Default(int64(n), description)
}

func printCounts(counts map[vmcs.ExitReason]int) {
	reasons := make([]vmcs.ExitReason, 0, len(counts))
	for r := range counts {
		reasons = append(reasons, r)
	}
	sort.Slice(reasons, func(i, j int) bool { return reasons[i] < reasons[j] })
	for _, r := range reasons {
		fmt.Printf("%-28s %d\n", r, counts[r])
	}
}

type runCmd struct {
	n      int
	output string
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "run a guest and summarise its exits" }
func (*runCmd) Usage() string {
	return `run [-n iterations] [-o state.yaml]:
  Allocates a VPS on core 0, imports the configured guest state and runs it,
  advancing RIP past every exiting instruction.
`
}

func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&r.n, "n", 0, "number of entries (default from config)")
	f.StringVar(&r.output, "o", "", "write the final guest state to this file")
}

func (r *runCmd) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	cfg := args[0].(*config.Config)
	n := iterations(r.n, cfg)

	err := runOne(cfg, n, newBar(n, "run"), func(c *core, v *vps.VPS, counts map[vmcs.ExitReason]int) error {
		printCounts(counts)
		if rec, ok := c.ExitLog.Last(); ok {
			fmt.Printf("last exit: %s at rip %#x\n", rec.Reason, rec.Rip)
		}
		if err := c.ExitLog.Err(); err != nil {
			return fmt.Errorf("exit log sink: %w", err)
		}
		if r.output == "" {
			return nil
		}
		var s statesave.StateSave
		if err := v.VPSToStateSave(c.Core, &s); err != nil {
			return err
		}
		return statesave.SaveFile(r.output, &s)
	})
	if err != nil {
		return fatalf("run: %v", err)
	}
	return subcommands.ExitSuccess
}
