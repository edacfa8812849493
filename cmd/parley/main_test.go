package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"testing"

	"github.com/parley-voice/parley/internal/call"
	"github.com/parley-voice/parley/internal/config"
	"github.com/parley-voice/parley/internal/resilience"
	"github.com/parley-voice/parley/pkg/audio/device"
	audiomock "github.com/parley-voice/parley/pkg/audio/mock"
	"github.com/parley-voice/parley/pkg/transport"
	transportmock "github.com/parley-voice/parley/pkg/transport/mock"
)

func newTestEngine(capture *audiomock.Capturer) *call.Engine {
	return call.NewEngine(call.Config{
		Dialer: func(context.Context) (transport.Channel, error) {
			return transportmock.NewChannel(), nil
		},
		Capture:  capture,
		Renderer: &audiomock.Renderer{},
		Handler: func(_ context.Context, transcript string) (string, error) {
			return transcript, nil
		},
	})
}

func TestNewStatusServer_EmptyAddrDisables(t *testing.T) {
	if srv := newStatusServer("", http.NotFoundHandler()); srv != nil {
		t.Fatalf("newStatusServer(\"\") = %v, want nil", srv)
	}
}

func TestNewStatusServer_ConfiguredAddr(t *testing.T) {
	srv := newStatusServer("127.0.0.1:9832", http.NotFoundHandler())
	if srv == nil {
		t.Fatal("newStatusServer returned nil for a configured addr")
	}
	if srv.Addr != "127.0.0.1:9832" {
		t.Errorf("Addr = %q, want %q", srv.Addr, "127.0.0.1:9832")
	}
	if srv.Handler == nil {
		t.Error("server handler not set")
	}
}

func TestBuildTurnHandler_EchoWithoutProvider(t *testing.T) {
	handler, breaker, err := buildTurnHandler(config.AssistantConfig{}, slog.Default())
	if err != nil {
		t.Fatalf("buildTurnHandler: %v", err)
	}
	if breaker != nil {
		t.Error("echo handler should not carry a breaker")
	}

	reply, err := handler(context.Background(), "hello")
	if err != nil {
		t.Fatalf("echo handler: %v", err)
	}
	if reply != "You said: hello" {
		t.Errorf("reply = %q, want %q", reply, "You said: hello")
	}
}

func TestBuildHealthCheckers_HealthyWithoutSession(t *testing.T) {
	checkers := buildHealthCheckers(newTestEngine(&audiomock.Capturer{}), nil)
	if len(checkers) != 1 {
		t.Fatalf("checkers = %d, want 1 without a breaker", len(checkers))
	}
	if checkers[0].Name != "call" {
		t.Errorf("checker name = %q, want %q", checkers[0].Name, "call")
	}
	if err := checkers[0].Check(context.Background()); err != nil {
		t.Errorf("idle engine should be healthy, got %v", err)
	}
}

func TestBuildHealthCheckers_FailedCallReported(t *testing.T) {
	capture := &audiomock.Capturer{StartErr: device.ErrPermissionDenied}
	engine := newTestEngine(capture)
	if _, err := engine.Connect(context.Background()); err == nil {
		t.Fatal("expected connect failure")
	}

	checkers := buildHealthCheckers(engine, nil)
	err := checkers[0].Check(context.Background())
	if !errors.Is(err, device.ErrPermissionDenied) {
		t.Errorf("call checker err = %v, want ErrPermissionDenied", err)
	}
}

func TestBuildHealthCheckers_OpenBreakerReported(t *testing.T) {
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:        "assistant",
		MaxFailures: 1,
		Logger:      slog.Default(),
	})
	checkers := buildHealthCheckers(newTestEngine(&audiomock.Capturer{}), breaker)
	if len(checkers) != 2 {
		t.Fatalf("checkers = %d, want 2 with a breaker", len(checkers))
	}

	assistant := checkers[1]
	if assistant.Name != "assistant" {
		t.Fatalf("checker name = %q, want %q", assistant.Name, "assistant")
	}
	if err := assistant.Check(context.Background()); err != nil {
		t.Errorf("closed breaker should be healthy, got %v", err)
	}

	// Trip the breaker; readiness must surface it.
	_ = breaker.Execute(func() error { return errors.New("backend down") })
	if err := assistant.Check(context.Background()); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("open breaker checker err = %v, want ErrCircuitOpen", err)
	}
}
