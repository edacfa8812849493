// Package turn owns the lifecycle of a single conversational turn: hand a
// finalized transcript to a response handler, and voice the reply over the
// transport.
//
// At most one turn is in flight at a time. Every Begin bumps a generation
// counter and cancels the previous turn's context; a resolution arriving
// for a stale generation is discarded. This closes the primary race of the
// design: a handler result landing after the call was disconnected or a
// newer transcript superseded it must never be voiced.
package turn

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-voice/parley/internal/observe"
)

// Handler produces the assistant reply for a finalized transcript. An empty
// reply means there is nothing to voice. Handler errors are absorbed by the
// orchestrator, logged, and reported as a skipped turn.
type Handler func(ctx context.Context, transcript string) (string, error)

// TextSender voices a reply over the transport. Implemented by
// transport.Channel.
type TextSender interface {
	SendText(text string) error
}

// Config holds the dependencies for an [Orchestrator].
type Config struct {
	// Handler produces replies. Must not be nil.
	Handler Handler

	// Sender voices non-empty replies. Must not be nil.
	Sender TextSender

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// Timeout bounds a single turn. Zero disables the bound.
	Timeout time.Duration

	// OnVoiced is invoked after a reply was sent to the transport. The
	// elapsed duration covers handler plus send time. Optional.
	OnVoiced func(transcript, reply string, elapsed time.Duration)

	// OnSkipped is invoked when a turn resolves with nothing to voice:
	// empty reply, handler error, or send failure. Optional.
	OnSkipped func(transcript string, reason string)

	// OnTimeout is invoked when a turn exceeds Timeout before resolving.
	// Optional.
	OnTimeout func(transcript string)
}

// Orchestrator runs one conversational turn at a time. All exported methods
// are safe for concurrent use.
type Orchestrator struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
}

// New creates an orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{cfg: cfg, log: log}
}

// Begin starts a turn for transcript. Any previously in-flight turn is
// invalidated: its context is canceled and its resolution, should it still
// arrive, is discarded. Begin returns immediately; the handler runs on its
// own goroutine.
func (o *Orchestrator) Begin(ctx context.Context, transcript string) {
	o.mu.Lock()
	o.gen++
	gen := o.gen
	if o.cancel != nil {
		o.cancel()
	}
	var turnCtx context.Context
	var cancel context.CancelFunc
	if o.cfg.Timeout > 0 {
		turnCtx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
	} else {
		turnCtx, cancel = context.WithCancel(ctx)
	}
	o.cancel = cancel
	o.mu.Unlock()

	go o.run(turnCtx, gen, transcript)
}

// Cancel invalidates the in-flight turn, if any. A later-arriving
// resolution is discarded without being voiced.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gen++
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
}

// current reports whether gen is still the live generation.
func (o *Orchestrator) current(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gen == gen
}

// run executes one turn and resolves it if the generation is still live.
func (o *Orchestrator) run(ctx context.Context, gen uint64, transcript string) {
	ctx, span := observe.StartSpan(ctx, "turn.resolve")
	defer span.End()

	start := time.Now()
	reply, err := o.cfg.Handler(ctx, transcript)

	if !o.current(gen) {
		span.SetAttributes(observe.Attr("outcome", "stale"))
		o.log.Debug("discarding stale turn resolution", "transcript", transcript)
		return
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		span.SetAttributes(observe.Attr("outcome", "timeout"))
		o.log.Warn("turn timed out", "transcript", transcript, "timeout", o.cfg.Timeout)
		if o.cfg.OnTimeout != nil {
			o.cfg.OnTimeout(transcript)
		}
		return

	case err != nil:
		// Handler failures are never fatal to the call.
		span.RecordError(err)
		o.log.Warn("turn handler failed", "transcript", transcript, "error", err)
		o.skip(transcript, "handler_error")
		return

	case reply == "":
		span.SetAttributes(observe.Attr("outcome", "empty_reply"))
		o.skip(transcript, "empty_reply")
		return
	}

	if err := o.cfg.Sender.SendText(reply); err != nil {
		span.RecordError(err)
		o.log.Warn("failed to voice reply", "error", err)
		o.skip(transcript, "send_failed")
		return
	}
	span.SetAttributes(observe.Attr("outcome", "voiced"))

	o.log.Info("turn voiced",
		"transcript", transcript,
		"reply_len", len(reply),
		"elapsed", time.Since(start))
	if o.cfg.OnVoiced != nil {
		o.cfg.OnVoiced(transcript, reply, time.Since(start))
	}
}

func (o *Orchestrator) skip(transcript, reason string) {
	if o.cfg.OnSkipped != nil {
		o.cfg.OnSkipped(transcript, reason)
	}
}
