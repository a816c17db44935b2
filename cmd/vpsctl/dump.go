package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"golang.org/x/term"

	"github.com/tinyrange/vps/internal/config"
	"github.com/tinyrange/vps/internal/vmcs"
	"github.com/tinyrange/vps/internal/vps"
)

type dumpCmd struct {
	n     int
	color string
}

func (*dumpCmd) Name() string     { return "dump" }
func (*dumpCmd) Synopsis() string { return "print the state of a VPS" }
func (*dumpCmd) Usage() string {
	return `dump [-n iterations] [-color auto|always|never]:
  Prints the VPS after importing the configured guest state and running it
  n times (0 dumps it before the first entry).
`
}

func (d *dumpCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&d.n, "n", 0, "number of entries before dumping")
	f.StringVar(&d.color, "color", "auto", "style output: auto, always or never")
}

func (d *dumpCmd) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	cfg := args[0].(*config.Config)

	var color bool
	switch d.color {
	case "auto":
		color = term.IsTerminal(int(os.Stdout.Fd()))
	case "always":
		color = true
	case "never":
	default:
		f.Usage()
		return subcommands.ExitUsageError
	}

	err := runOne(cfg, d.n, nil, func(c *core, v *vps.VPS, _ map[vmcs.ExitReason]int) error {
		v.Dump(c.Core, os.Stdout, vps.WithColor(color))
		return nil
	})
	if err != nil {
		return fatalf("dump: %v", err)
	}
	return subcommands.ExitSuccess
}
