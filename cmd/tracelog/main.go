// tracelog serves and maintains request trace logs.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
)

func main() {
	var (
		ctx    = context.Background()
		stdout = os.Stdout
		stderr = os.Stderr
		args   = os.Args[1:]
	)
	err := exec(ctx, stdout, stderr, args)
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.As(err, &(run.SignalError{})):
		os.Exit(0)
	case err != nil:
		fmt.Fprintf(stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func exec(ctx context.Context, stdout, stderr io.Writer, args []string) (err error) {
	rootConfig := &rootConfig{
		stdout: stdout,
		stderr: stderr,
	}

	rootFlags := ff.NewFlagSet("tracelog")
	rootConfig.registerBaseFlags(rootFlags)

	rootCommand := &ff.Command{
		Name:      "tracelog",
		ShortHelp: "serve and maintain request trace logs",
		Flags:     rootFlags,
	}

	// Config for `tracelog serve`.
	serveConfig := &serveConfig{rootConfig: rootConfig}
	serveFlags := ff.NewFlagSet("serve").SetParent(rootFlags)
	serveConfig.register(serveFlags)
	rootCommand.Subcommands = append(rootCommand.Subcommands, &ff.Command{
		Name:      "serve",
		ShortHelp: "run the trace viewer API",
		LongHelp:  "Serve the trace viewer API and run scheduled retention cleanup.",
		Flags:     serveFlags,
		Exec:      serveConfig.Exec,
	})

	// Config for `tracelog cleanup`.
	cleanupConfig := &cleanupConfig{rootConfig: rootConfig}
	cleanupFlags := ff.NewFlagSet("cleanup").SetParent(rootFlags)
	cleanupConfig.register(cleanupFlags)
	rootCommand.Subcommands = append(rootCommand.Subcommands, &ff.Command{
		Name:      "cleanup",
		ShortHelp: "delete log entries older than the retention window",
		Flags:     cleanupFlags,
		Exec:      cleanupConfig.Exec,
	})

	// Config for `tracelog demo`.
	demoConfig := &demoConfig{rootConfig: rootConfig}
	demoFlags := ff.NewFlagSet("demo").SetParent(rootFlags)
	demoConfig.register(demoFlags)
	rootCommand.Subcommands = append(rootCommand.Subcommands, &ff.Command{
		Name:      "demo",
		ShortHelp: "record sample traces",
		LongHelp:  "Record nested, failing and free-form sample traces through the recorder.",
		Flags:     demoFlags,
		Exec:      demoConfig.Exec,
	})

	// Config for `tracelog stats`.
	statsConfig := &statsConfig{rootConfig: rootConfig}
	statsFlags := ff.NewFlagSet("stats").SetParent(rootFlags)
	statsConfig.register(statsFlags)
	rootCommand.Subcommands = append(rootCommand.Subcommands, &ff.Command{
		Name:      "stats",
		ShortHelp: "print trace statistics as JSON",
		Flags:     statsFlags,
		Exec:      statsConfig.Exec,
	})

	// Print help when appropriate.
	showHelp := true
	defer func() {
		errHelp := errors.Is(err, ff.ErrHelp) || errors.Is(err, ff.ErrNoExec)
		if showHelp || errHelp {
			fmt.Fprintf(stderr, "\n%s\n", ffhelp.Command(rootCommand))
		}
		if errHelp {
			err = nil
		}
	}()

	// Initial parsing.
	if err := rootCommand.Parse(args, ff.WithEnvVarPrefix("TRACELOG")); err != nil {
		return err
	}

	if err := rootConfig.setup(); err != nil {
		return err
	}
	defer func() { _ = rootConfig.logger.Sync() }()

	// Run errors shouldn't show help by default.
	showHelp = false

	// Run the selected command.
	return rootCommand.Run(ctx)
}
