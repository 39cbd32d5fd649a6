// Binary memcore boots a simulated 32-bit higher-half machine and exercises its memory manager.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/mortyos/memcore/kernel"
	"golang.org/x/exp/slog"
)

var (
	configPath = flag.String("config", "", "path to a TOML machine description; the built-in 64 MiB machine is used when empty.")
	debug      = flag.Bool("debug", false, "log grow, shrink and mapping details.")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	const group = "memory"
	subcommands.Register(new(Heap), group)
	subcommands.Register(new(Fault), group)
	subcommands.Register(new(MemMap), group)
	subcommands.Register(new(Clone), group)
	subcommands.Register(new(Stats), group)

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// bootKernel brings up the machine described by the -config flag
func bootKernel() (*kernel.Kernel, error) {
	cfg := kernel.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = kernel.LoadConfig(*configPath); err != nil {
			return nil, err
		}
	}
	return kernel.Boot(newLogger(), cfg)
}

// fatalf prints an error and returns the failure status
func fatalf(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	return subcommands.ExitFailure
}
