// Command parkingd runs the parking reservation authority, its HTTP and
// WebSocket API and, optionally, simulated gateways.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/parking-lock-sync/backend/internal/logging"
	"pkt.systems/pslog"
)

// version is set at build time via -ldflags "-X main.version=x.y.z".
var version = "dev"

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(ctx,
		pslog.WithEnvPrefix("PARKING_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "parkingd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			logging.Subsystem(baseLogger, "cli.root").Error("command.failed", "error", err)
		}
		return 1
	}
	return 0
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

// currentVersion prefers a VERSION injected by the container runtime.
func currentVersion() string {
	if v := os.Getenv("VERSION"); v != "" {
		return v
	}
	return version
}
