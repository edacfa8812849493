// Package statusapi exposes a read-only HTTP projection of the call engine
// for dashboards and operational tooling.
//
// The handler serves:
//
//   - GET /call     — JSON snapshot of the current (or most recent) session
//   - GET /healthz  — liveness probe
//   - GET /readyz   — readiness probe
//   - GET /metrics  — Prometheus scrape endpoint
//
// All endpoints are read-only; nothing here mutates the session.
package statusapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parley-voice/parley/internal/call"
	"github.com/parley-voice/parley/internal/health"
	"github.com/parley-voice/parley/internal/observe"
)

// CallStatus is the JSON body returned from GET /call. When no session has
// ever been started the zero projection is returned with state "idle".
type CallStatus struct {
	State      string  `json:"state"`
	DurationMS int64   `json:"duration_ms"`
	Level      float64 `json:"level"`
	Turns      int     `json:"turns"`
	LastError  string  `json:"last_error,omitempty"`
}

// Config carries the dependencies of the status API.
type Config struct {
	// Engine is the call engine whose session is projected. Required.
	Engine *call.Engine

	// Health serves the liveness and readiness routes. When nil a handler
	// with no readiness checkers is used.
	Health *health.Handler

	// Metrics is used by the HTTP middleware to record request durations.
	// Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// API serves the status endpoints.
type API struct {
	engine  *call.Engine
	health  *health.Handler
	metrics *observe.Metrics
	log     *slog.Logger
}

// New creates the status API from its dependencies.
func New(cfg Config) *API {
	if cfg.Health == nil {
		cfg.Health = health.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &API{
		engine:  cfg.Engine,
		health:  cfg.Health,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
	}
}

// Handler returns the fully assembled HTTP handler with the observability
// middleware applied.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /call", a.handleCall)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.health.Register(mux)

	return observe.Middleware(a.metrics)(mux)
}

// handleCall serves GET /call with a snapshot of the session projections.
func (a *API) handleCall(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.snapshot())
}

// snapshot projects the current session into a [CallStatus]. A nil session
// (engine never connected) projects as an idle call.
func (a *API) snapshot() CallStatus {
	sess := a.engine.Session()
	if sess == nil {
		return CallStatus{State: call.StateIdle.String()}
	}

	status := CallStatus{
		State:      sess.State().String(),
		DurationMS: sess.Duration().Milliseconds(),
		Level:      sess.Level(),
		Turns:      sess.Turns(),
	}
	if err := sess.LastError(); err != nil {
		status.LastError = err.Error()
	}
	return status
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failure"}`, http.StatusInternalServerError)
	}
}
