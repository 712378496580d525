package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/pressbak/pressbak/cmd"
	"github.com/pressbak/pressbak/pkg/buildinfo"
	"github.com/pressbak/pressbak/pkg/exitcode"
	"github.com/pressbak/pressbak/pkg/flagparse"
	"github.com/pressbak/pressbak/pkg/plog"
)

// run dispatches the parsed subcommand and returns the process exit code.
func run(ctx context.Context) (exitcode.Code, error) {
	command, flagMap, err := flagparse.Parse(os.Args[1:])
	if err != nil {
		return exitcode.UsageError, err
	}

	switch command {
	case flagparse.Backup:
		plog.Info("Starting "+buildinfo.Name, "version", buildinfo.Version, "pid", os.Getpid())
		return cmd.RunBackup(ctx, flagMap)
	case flagparse.Prune:
		plog.Info("Starting "+buildinfo.Name, "version", buildinfo.Version, "pid", os.Getpid())
		return cmd.RunPrune(ctx, flagMap)
	case flagparse.Version:
		return exitcode.Success, cmd.RunVersion(buildinfo.Name, buildinfo.Version)
	default:
		// Parse already printed usage.
		return exitcode.Success, nil
	}
}

func main() {
	// Cancel the run context on the first interrupt signal; the engine maps
	// cancellation to its own exit code.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		cancel()
	}()

	code, err := run(ctx)
	if err != nil {
		plog.Error(buildinfo.Name+" exited with error", "error", err, "code", code.String())
	}
	os.Exit(code.Int())
}
