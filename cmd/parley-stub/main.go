// Command parley-stub runs a local fake voice service speaking the Parley
// wire protocol, for development and demos without the real backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parley-voice/parley/internal/config"
	"github.com/parley-voice/parley/internal/devstub"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// The stub is usable with pure defaults; only a malformed file is fatal.
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley-stub: %v\n", err)
			return 1
		}
		cfg = config.Default()
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.Level(),
	}))
	slog.SetDefault(logger)

	stub := devstub.New(devstub.Config{
		ListenAddr:   cfg.Stub.ListenAddr,
		Transcript:   cfg.Stub.Transcript,
		SilenceAfter: cfg.Stub.SilenceAfter.Std(),
		SampleRate:   cfg.Call.SampleRate,
		ChunkSamples: cfg.Call.ChunkSamples,
		Logger:       logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- stub.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("stub server error", "err", err)
			return 1
		}
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stub.Shutdown(shutdownCtx); err != nil {
			slog.Warn("stub shutdown error", "err", err)
		}
	}

	slog.Info("goodbye")
	return 0
}
