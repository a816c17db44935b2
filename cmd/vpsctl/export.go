package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/subcommands"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vps/internal/config"
	"github.com/tinyrange/vps/internal/statesave"
	"github.com/tinyrange/vps/internal/vmcs"
	"github.com/tinyrange/vps/internal/vps"
)

type exportCmd struct {
	n      int
	output string
	spew   bool
}

func (*exportCmd) Name() string     { return "export" }
func (*exportCmd) Synopsis() string { return "export guest state after running" }
func (*exportCmd) Usage() string {
	return `export [-n iterations] [-o file] [-spew]:
  Exports the guest state. Files ending in .yaml or .yml are written as YAML,
  anything else as a binary snapshot. Without -o the state is printed as YAML.
`
}

func (e *exportCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&e.n, "n", 0, "number of entries before exporting")
	f.StringVar(&e.output, "o", "", "output file")
	f.BoolVar(&e.spew, "spew", false, "print the state with go-spew instead of YAML")
}

func (e *exportCmd) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	cfg := args[0].(*config.Config)

	err := runOne(cfg, e.n, nil, func(c *core, v *vps.VPS, _ map[vmcs.ExitReason]int) error {
		var s statesave.StateSave
		if err := v.VPSToStateSave(c.Core, &s); err != nil {
			return err
		}
		switch {
		case e.output != "":
			return statesave.SaveFile(e.output, &s)
		case e.spew:
			sc := spew.ConfigState{Indent: "  ", DisablePointerAddresses: true}
			sc.Fdump(os.Stdout, s)
			return nil
		default:
			data, err := yaml.Marshal(&s)
			if err != nil {
				return fmt.Errorf("encode state: %w", err)
			}
			_, err = os.Stdout.Write(data)
			return err
		}
	})
	if err != nil {
		return fatalf("export: %v", err)
	}
	return subcommands.ExitSuccess
}
