// Command vpsctl drives virtual processor states on a simulated VMX
// processor.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/subcommands"

	"github.com/tinyrange/vps/internal/config"
)

var (
	configFile = flag.String("config", config.DefaultFilename, "path to the configuration file")
	logLevel   = flag.String("log-level", "", "override the configured log level (debug, info, warn, error)")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(&runCmd{}, "")
	subcommands.Register(&dumpCmd{}, "")
	subcommands.Register(&exportCmd{}, "")
	subcommands.Register(&benchCmd{}, "")
	subcommands.Register(&logCmd{}, "inspection")

	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vpsctl: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	level, err := cfg.Level()
	if err != nil {
		fmt.Fprintf(os.Stderr, "vpsctl: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	os.Exit(int(subcommands.Execute(context.Background(), &cfg)))
}

// fatalf logs and returns the failure status.
func fatalf(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "vpsctl: "+format+"\n", args...)
	return subcommands.ExitFailure
}
