package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/summachain/bftcore/cli/bftcore/cmd"
	"github.com/summachain/bftcore/observability"
)

func main() {
	ctx := quitSignalContext()
	obs := observability.NewFactory(slog.Default())
	err := cmd.New(obs).ExecuteContext(ctx)
	if err != nil && !cancelledByQuitSignal(ctx) {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var errQuitSignal = errors.New("received quit signal")

// quitSignalContext returns a context.Context that is cancelled (with
// cause errQuitSignal) when the process receives a quit signal.
func quitSignalContext() context.Context {
	ctx, cancel := context.WithCancelCause(context.Background())

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		sig := <-sigChan
		cancel(fmt.Errorf("%s: %w", sig, errQuitSignal))
	}()

	return ctx
}

// cancelledByQuitSignal reports whether ctx was cancelled by a quit
// signal rather than some other error.
func cancelledByQuitSignal(ctx context.Context) bool {
	err := context.Cause(ctx)
	return err != nil && errors.Is(err, errQuitSignal)
}
