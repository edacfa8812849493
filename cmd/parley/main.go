// Command parley is the Parley voice call client: it connects the local
// microphone and speakers to a remote voice service and resolves
// conversation turns with a configured assistant model.
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

	"golang.org/x/sync/errgroup"

	"github.com/parley-voice/parley/internal/call"
	"github.com/parley-voice/parley/internal/config"
	"github.com/parley-voice/parley/internal/health"
	"github.com/parley-voice/parley/internal/observe"
	"github.com/parley-voice/parley/internal/resilience"
	"github.com/parley-voice/parley/internal/statusapi"
	"github.com/parley-voice/parley/internal/turn"
	"github.com/parley-voice/parley/internal/turn/llmturn"
	"github.com/parley-voice/parley/pkg/audio/device"
	"github.com/parley-voice/parley/pkg/transport"
	"github.com/parley-voice/parley/pkg/transport/ws"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.Level(),
	}))
	slog.SetDefault(logger)

	slog.Info("parley starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"call_url", cfg.Call.URL,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "parley",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Turn handler ──────────────────────────────────────────────────────────
	handler, breaker, err := buildTurnHandler(cfg.Assistant, logger)
	if err != nil {
		slog.Error("failed to build assistant", "err", err)
		return 1
	}

	// ── Audio devices ─────────────────────────────────────────────────────────
	capture := device.NewCaptureEngine(
		device.WithSampleRate(cfg.Call.SampleRate),
		device.WithChunkSamples(cfg.Call.ChunkSamples),
		device.WithLogger(logger),
	)
	renderer, err := device.NewRenderer(
		device.WithRenderSampleRate(cfg.Call.SampleRate),
		device.WithRenderChunkSamples(cfg.Call.ChunkSamples),
	)
	if err != nil {
		slog.Error("failed to open output device", "err", err)
		return 1
	}
	defer renderer.Close()

	// ── Call engine ───────────────────────────────────────────────────────────
	engine := call.NewEngine(call.Config{
		Dialer:         buildDialer(cfg.Call),
		Capture:        capture,
		Renderer:       renderer,
		Handler:        handler,
		Logger:         logger,
		ConnectTimeout: cfg.Call.ConnectTimeout.Std(),
		TurnTimeout:    cfg.Call.TurnTimeout.Std(),
	})

	// ── Status API ────────────────────────────────────────────────────────────
	api := statusapi.New(statusapi.Config{
		Engine: engine,
		Health: health.New(buildHealthCheckers(engine, breaker)...),
		Logger: logger,
	})
	statusServer := newStatusServer(cfg.Server.ListenAddr, api.Handler())

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	if statusServer != nil {
		g.Go(func() error {
			slog.Info("status API listening", "addr", cfg.Server.ListenAddr)
			if err := statusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		sess, err := engine.Connect(gctx)
		if err != nil {
			return fmt.Errorf("connect call: %w", err)
		}
		slog.Info("call connected", "session_id", sess.ID())

		<-gctx.Done()
		sess.Disconnect()
		slog.Info("call ended",
			"session_id", sess.ID(),
			"duration", sess.Duration(),
			"turns", sess.Turns(),
		)
		return nil
	})

	if statusServer != nil {
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return statusServer.Shutdown(shutdownCtx)
		})
	}

	slog.Info("ready — press Ctrl+C to hang up")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildDialer returns the transport dialer for the configured endpoint.
func buildDialer(cfg config.CallConfig) call.Dialer {
	return func(ctx context.Context) (transport.Channel, error) {
		opts := []ws.DialOption{ws.WithSampleRate(cfg.SampleRate)}
		if cfg.AuthToken != "" {
			opts = append(opts, ws.WithHeader("Authorization", "Bearer "+cfg.AuthToken))
		}
		return ws.Dial(ctx, cfg.URL, opts...)
	}
}

// newStatusServer builds the status API server. An empty addr disables the
// server entirely and returns nil.
func newStatusServer(addr string, handler http.Handler) *http.Server {
	if addr == "" {
		return nil
	}
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// buildTurnHandler picks the assistant backend. Without a configured
// provider the client falls back to a local echo handler, which is enough
// for demos against the stub service; the returned breaker is nil in that
// case.
func buildTurnHandler(cfg config.AssistantConfig, logger *slog.Logger) (turn.Handler, *resilience.CircuitBreaker, error) {
	if cfg.Provider == "" {
		logger.Info("no assistant configured, using echo handler")
		return func(_ context.Context, transcript string) (string, error) {
			return "You said: " + transcript, nil
		}, nil, nil
	}

	responder, err := llmturn.New(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("assistant configured", "provider", cfg.Provider, "model", cfg.Model)

	// A flapping backend should fail turns fast instead of stalling every
	// utterance against the turn timeout.
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:   "assistant",
		Logger: logger,
	})
	return resilience.WrapHandler(responder.Handler(), breaker), breaker, nil
}

// buildHealthCheckers wires readiness to the live call and the assistant
// breaker. A session stuck in the error state or an open breaker turns
// /readyz unhealthy.
func buildHealthCheckers(engine *call.Engine, breaker *resilience.CircuitBreaker) []health.Checker {
	checkers := []health.Checker{
		health.Func("call", func(context.Context) error {
			sess := engine.Session()
			if sess == nil {
				return nil
			}
			if sess.State() == call.StateError {
				if err := sess.LastError(); err != nil {
					return err
				}
				return errors.New("call in error state")
			}
			return nil
		}),
	}
	if breaker != nil {
		checkers = append(checkers, health.Func("assistant", func(context.Context) error {
			if breaker.State() == resilience.StateOpen {
				return resilience.ErrCircuitOpen
			}
			return nil
		}))
	}
	return checkers
}
