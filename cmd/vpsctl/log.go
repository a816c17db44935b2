package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/subcommands"

	"github.com/tinyrange/vps/internal/config"
	"github.com/tinyrange/vps/internal/exitlog"
	"github.com/tinyrange/vps/internal/vmcs"
)

type logCmd struct {
	cores     string
	reasons   string
	limit     int
	since     time.Duration
	listCores bool
	timeRange bool
	regs      bool
}

func (*logCmd) Name() string     { return "log" }
func (*logCmd) Synopsis() string { return "inspect a binary exit log" }
func (*logCmd) Usage() string {
	return `log [flags] [file]:
  Prints recorded VM exits, oldest first, as
  TIMESTAMP core=N vps=N vp=N REASON qual=Q rip=R
  The file defaults to exitLog.file from the configuration.

EXAMPLES:
  vpsctl log exits.bin                       last 100 exits
  vpsctl log -reason cpuid,hlt exits.bin     only CPUID and HLT exits
  vpsctl log -core 1 -limit 0 exits.bin      every exit on core 1
  vpsctl log -range exits.bin                time span of the log
`
}

func (l *logCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&l.cores, "core", "", "comma separated cores to show")
	f.StringVar(&l.reasons, "reason", "", "comma separated exit reasons to show")
	f.IntVar(&l.limit, "limit", 100, "show only the last N matches (0 for all)")
	f.DurationVar(&l.since, "since", 0, "only show exits this long before the last one")
	f.BoolVar(&l.listCores, "cores", false, "list the cores present in the log")
	f.BoolVar(&l.timeRange, "range", false, "print the earliest and latest timestamps")
	f.BoolVar(&l.regs, "regs", false, "print general purpose registers with each exit")
}

func (l *logCmd) filter(latest time.Time) (exitlog.Filter, error) {
	filter := exitlog.Filter{Limit: l.limit}
	if l.since > 0 {
		filter.Start = latest.Add(-l.since)
	}
	for _, s := range splitList(l.cores) {
		n, err := strconv.ParseUint(s, 10, 16)
		if err != nil {
			return exitlog.Filter{}, fmt.Errorf("invalid core %q", s)
		}
		filter.Cores = append(filter.Cores, uint16(n))
	}
	for _, s := range splitList(l.reasons) {
		r, err := vmcs.ParseExitReason(s)
		if err != nil {
			return exitlog.Filter{}, err
		}
		filter.Reasons = append(filter.Reasons, r)
	}
	return filter, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (l *logCmd) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	filename := f.Arg(0)
	if filename == "" {
		filename = args[0].(*config.Config).ExitLog.File
	}
	if filename == "" || f.NArg() > 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	reader, closer, err := exitlog.Open(filename)
	if err != nil {
		return fatalf("log: %v", err)
	}
	defer closer.Close()

	earliest, latest := reader.TimeRange()
	switch {
	case l.listCores:
		for _, c := range reader.Cores() {
			fmt.Println(c)
		}
		return subcommands.ExitSuccess
	case l.timeRange:
		fmt.Printf("earliest: %s\nlatest:   %s\nduration: %s\nentries:  %d\n",
			earliest.Format(time.RFC3339Nano), latest.Format(time.RFC3339Nano), latest.Sub(earliest), reader.Len())
		return subcommands.ExitSuccess
	}

	filter, err := l.filter(latest)
	if err != nil {
		return fatalf("log: %v", err)
	}
	if err := reader.Search(filter, func(e exitlog.Entry) error {
		rec := e.Record
		fmt.Printf("%s core=%d vps=%d vp=%d %s qual=%#x rip=%#x guest=%s\n",
			e.Time.Format(time.RFC3339Nano), e.Core, rec.VPSID, rec.VPID,
			rec.Reason, rec.Qualification, rec.Rip, rec.Guest)
		if l.regs {
			g := rec.GPRs
			fmt.Printf("    rax=%#x rbx=%#x rcx=%#x rdx=%#x rsi=%#x rdi=%#x rsp=%#x\n",
				g.Rax, g.Rbx, g.Rcx, g.Rdx, g.Rsi, g.Rdi, rec.Rsp)
		}
		return nil
	}); err != nil {
		return fatalf("log: %v", err)
	}
	return subcommands.ExitSuccess
}
