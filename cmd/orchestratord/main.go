// Command orchestratord runs the multi-agent orchestration engine as a
// standalone process: event bus, Coordinator, Workflow Agent and the
// rest of orchestration.Container wired together, with rule
// configuration hot-reloaded from disk. serve starts no session itself.
//
// Usage:
//
//	orchestratord serve --rules rules.yaml --save-dir ./data
//	orchestratord validate rules.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/nexoraai/orchestrator/pkg/logger"
)

// CLI defines the command-line interface: one struct per subcommand,
// each implementing Run().
type CLI struct {
	Serve    ServeCmd    `cmd:"" help:"Start the orchestration engine."`
	Validate ValidateCmd `cmd:"" help:"Validate a rule configuration file."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose, or custom)." default:"simple"`
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("orchestratord version %s\n", version)
	return nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("orchestratord"),
		kong.Description("Multi-agent orchestration engine: Conversation Agent, Workflow Agent, and Coordinator over an event bus."),
		kong.UsageOnError(),
	)

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(1)
	}
	out := os.Stderr
	if cli.LogFile != "" {
		f, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		out = f
	}
	logger.Init(level, out, cli.LogFormat)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	err = ctx.Run(&cli, runCtx)
	ctx.FatalIfErrorf(err)
}
