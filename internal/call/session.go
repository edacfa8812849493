package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/parley-voice/parley/internal/observe"
	"github.com/parley-voice/parley/internal/turn"
	"github.com/parley-voice/parley/pkg/audio"
	"github.com/parley-voice/parley/pkg/playback"
	"github.com/parley-voice/parley/pkg/transport"
)

// ErrSessionActive is returned by [Engine.Connect] while another session is
// live. The caller must disconnect first; an existing call is never torn
// down implicitly.
var ErrSessionActive = errors.New("call: a session is already active")

const (
	// DefaultConnectTimeout bounds transport dial plus device acquisition.
	DefaultConnectTimeout = 15 * time.Second

	// DefaultTurnTimeout bounds a single conversational turn.
	DefaultTurnTimeout = 30 * time.Second

	// teardownWait bounds how long Disconnect waits for the transport
	// event loop to exit after closing the channel.
	teardownWait = 2 * time.Second
)

// Dialer opens the transport channel for a new call.
type Dialer func(ctx context.Context) (transport.Channel, error)

// Config holds all dependencies for an [Engine].
type Config struct {
	// Dialer opens the voice service connection. Must not be nil.
	Dialer Dialer

	// Capture is the microphone engine. Must not be nil.
	Capture audio.Capturer

	// Renderer plays inbound audio. Must not be nil.
	Renderer audio.Renderer

	// Handler produces the assistant reply for each finalized transcript.
	// Must not be nil.
	Handler turn.Handler

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// Metrics defaults to observe.DefaultMetrics.
	Metrics *observe.Metrics

	// ConnectTimeout defaults to [DefaultConnectTimeout].
	ConnectTimeout time.Duration

	// TurnTimeout defaults to [DefaultTurnTimeout].
	TurnTimeout time.Duration
}

// Engine creates and tracks call sessions. Only one session can be live at
// a time. All exported methods are safe for concurrent use.
type Engine struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics

	mu   sync.Mutex
	live *Session
}

// NewEngine creates an Engine with the given dependencies.
func NewEngine(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	return &Engine{cfg: cfg, log: cfg.Logger, metrics: cfg.Metrics}
}

// Connect starts a new call: dial the transport, acquire the microphone,
// and enter the listening state. It returns [ErrSessionActive] while a
// previous session is still live. On permission denial or dial failure the
// session lands in the error state with all resources released; the failed
// session stays observable via [Engine.Session].
func (e *Engine) Connect(ctx context.Context) (*Session, error) {
	e.mu.Lock()
	if prev := e.live; prev != nil {
		if st := prev.State(); st != StateIdle && st != StateError {
			e.mu.Unlock()
			return nil, fmt.Errorf("%w (id=%s, state=%s)", ErrSessionActive, prev.ID(), st)
		}
	}
	s := newSession(e)
	e.live = s
	e.mu.Unlock()

	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Session returns the most recent session, live or not. Nil before the
// first Connect.
func (e *Engine) Session() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live
}

// Session is one call: the open transport channel, the active capture
// handle, the playback queue, and the state machine that gates them.
type Session struct {
	id      string
	engine  *Engine
	log     *slog.Logger
	metrics *observe.Metrics
	machine *Machine

	startedAt time.Time
	level     atomic.Uint64 // float64 bits
	turns     atomic.Int64

	// sessionCtx outlives the Connect call and is canceled on Disconnect.
	sessionCtx    context.Context
	sessionCancel context.CancelFunc

	mu         sync.Mutex
	channel    transport.Channel
	capture    audio.CaptureHandle
	playback   *playback.Queue
	orch       *turn.Orchestrator
	lastErr    error
	partial    string
	endedAt    time.Time
	eventsDone chan struct{}
	active     bool // counted in the ActiveCalls gauge

	disconnectOnce sync.Once
}

func newSession(e *Engine) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:            uuid.NewString(),
		engine:        e,
		metrics:       e.metrics,
		machine:       NewMachine(),
		startedAt:     time.Now(),
		sessionCtx:    ctx,
		sessionCancel: cancel,
	}
	s.log = e.log.With("session_id", s.id)
	s.machine.OnTransition(func(from, to State, event EventType) {
		s.metrics.RecordStateTransition(context.Background(), from.String(), to.String(), event.String())
		s.log.Debug("state transition", "from", from.String(), "to", to.String(), "event", event.String())
	})
	return s
}

// connect performs the dial and device acquisition sequence. Any failure
// releases everything acquired so far and leaves the machine in the error
// state.
func (s *Session) connect(ctx context.Context) error {
	cfg := s.engine.cfg

	ctx, span := observe.StartSpan(ctx, "call.connect")
	defer span.End()
	span.SetAttributes(observe.Attr("session_id", s.id))

	s.machine.Fire(EventConnectRequested)

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	ch, err := cfg.Dialer(dialCtx)
	if err != nil {
		err = fmt.Errorf("call: dial transport: %w", err)
		span.RecordError(err)
		s.fail(EventConnectFailed, err)
		return err
	}

	handle, err := cfg.Capture.Start(s.sessionCtx, s.onCaptureFrame)
	if err != nil {
		// The event stream has no consumer yet; siphon it off so the
		// receive loop can wind down while the channel closes.
		go audio.Drain(ch.Events())
		_ = ch.Close()
		err = fmt.Errorf("call: start capture: %w", err)
		span.RecordError(err)
		s.fail(EventConnectFailed, err)
		return err
	}

	q := playback.New(s.renderFrame, playback.WithLogger(s.log))
	q.OnEmpty(func() {
		s.machine.Fire(EventPlaybackDrained)
	})

	orch := turn.New(turn.Config{
		Handler: cfg.Handler,
		Sender:  ch,
		Logger:  s.log,
		Timeout: cfg.TurnTimeout,
		OnVoiced: func(_, _ string, elapsed time.Duration) {
			s.turns.Add(1)
			s.metrics.RecordTurn(context.Background(), "voiced")
			s.metrics.TurnDuration.Record(context.Background(), elapsed.Seconds())
		},
		OnSkipped: func(_, reason string) {
			s.metrics.RecordTurn(context.Background(), reason)
			s.machine.Fire(EventTurnEmpty)
		},
		OnTimeout: func(transcript string) {
			s.metrics.RecordTurn(context.Background(), "timeout")
			s.fail(EventProcessingTimeout,
				fmt.Errorf("call: turn timed out after %s (transcript %q)", cfg.TurnTimeout, transcript))
		},
	})

	done := make(chan struct{})
	s.mu.Lock()
	s.channel = ch
	s.capture = handle
	s.playback = q
	s.orch = orch
	s.eventsDone = done
	s.active = true
	s.mu.Unlock()

	go s.eventLoop(ch, done)

	s.machine.Fire(EventConnected)
	s.metrics.ActiveCalls.Add(context.Background(), 1)
	s.metrics.ConnectDuration.Record(context.Background(), time.Since(s.startedAt).Seconds())
	s.log.Info("call connected", "elapsed", time.Since(s.startedAt))
	return nil
}

// onCaptureFrame runs on the capture dispatch goroutine for every frame the
// microphone produces. Frames leave the machine only in the listening
// state; everything else is counted and dropped.
func (s *Session) onCaptureFrame(frame audio.Frame) {
	s.setLevel(audio.LevelPCM16(frame.Data))

	if s.machine.State() != StateListening {
		s.metrics.FramesGated.Add(context.Background(), 1,
			metric.WithAttributes(observe.Attr("direction", "capture")))
		return
	}

	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch == nil {
		return
	}
	if err := ch.Send(frame); err != nil {
		s.log.Warn("failed to send capture frame", "error", err)
		return
	}
	s.metrics.FramesSent.Add(context.Background(), 1)
}

// renderFrame is the playback queue's render function.
func (s *Session) renderFrame(frame audio.Frame) error {
	s.setLevel(audio.LevelPCM16(frame.Data))
	return s.engine.cfg.Renderer.Render(frame)
}

// eventLoop consumes transport events until the channel's stream closes.
func (s *Session) eventLoop(ch transport.Channel, done chan struct{}) {
	defer close(done)

	for evt := range ch.Events() {
		switch evt.Type {
		case transport.EventAudio:
			s.metrics.FramesReceived.Add(context.Background(), 1)
			// Response audio arriving resolves the in-flight turn. Frames
			// reach the playback queue only in the speaking state;
			// unsolicited audio outside a turn is counted and dropped,
			// same as gated capture frames.
			if state, _ := s.machine.Fire(EventTurnResolved); state != StateSpeaking {
				s.metrics.FramesGated.Add(context.Background(), 1,
					metric.WithAttributes(observe.Attr("direction", "inbound")))
				continue
			}
			s.mu.Lock()
			q := s.playback
			s.mu.Unlock()
			if q != nil {
				q.Enqueue(evt.Frame)
			}

		case transport.EventControl:
			s.handleControl(evt.Control)

		case transport.EventError:
			// Malformed control traffic is logged; the call survives.
			s.metrics.RecordProtocolError(context.Background())
			s.log.Warn("protocol error on transport", "error", evt.Err)

		case transport.EventClosed:
			if evt.Err != nil {
				s.fail(EventTransportError, fmt.Errorf("call: transport dropped: %w", evt.Err))
			}
			return
		}
	}
}

// handleControl reacts to one inbound control message.
func (s *Session) handleControl(msg transport.ControlMessage) {
	if msg.Error != "" {
		s.log.Warn("remote voice service reported error", "error", msg.Error)
	}

	if msg.Transcript != "" {
		if !msg.Final {
			s.mu.Lock()
			s.partial = msg.Transcript
			s.mu.Unlock()
			return
		}

		s.mu.Lock()
		s.partial = ""
		orch := s.orch
		s.mu.Unlock()

		if _, ok := s.machine.Fire(EventFinalTranscript); ok && orch != nil {
			s.log.Info("final transcript received", "transcript", msg.Transcript)
			orch.Begin(s.sessionCtx, msg.Transcript)
		}
		return
	}

	if msg.TurnComplete {
		// The speaking state ends when the playback queue drains, not
		// here; the remote marker is informational.
		s.log.Debug("remote marked turn complete")
	}
}

// Disconnect hangs up: stop capture, close the transport, clear playback,
// and invalidate the in-flight turn, in that order. Each step is bounded.
// Idempotent; the session ends in the idle state.
func (s *Session) Disconnect() {
	s.disconnectOnce.Do(func() {
		s.log.Info("disconnecting call")

		s.mu.Lock()
		capture := s.capture
		ch := s.channel
		q := s.playback
		orch := s.orch
		done := s.eventsDone
		wasActive := s.active
		s.active = false
		s.mu.Unlock()

		// 1. Stop capture so no frame is sent past this point.
		if capture != nil {
			capture.Stop()
		}

		// 2. Close the transport and wait for its event loop.
		if ch != nil {
			_ = ch.Close()
		}
		if done != nil {
			select {
			case <-done:
			case <-time.After(teardownWait):
				s.log.Warn("transport event loop did not exit in time")
			}
		}

		// 3. Drop unplayed audio so no stale frames are heard.
		if q != nil {
			q.Clear()
			_ = q.Close()
		}

		// 4. Invalidate the in-flight turn.
		if orch != nil {
			orch.Cancel()
		}
		s.sessionCancel()

		s.mu.Lock()
		s.endedAt = time.Now()
		s.mu.Unlock()

		s.machine.Fire(EventDisconnect)
		if wasActive {
			s.metrics.ActiveCalls.Add(context.Background(), -1)
		}
		s.log.Info("call ended", "duration", s.Duration(), "turns", s.Turns())
	})
}

// fail records err and drives the machine through event. Used for the
// error classes that halt the call: permission or device failures, dial
// failures, transport drops, and turn timeouts.
func (s *Session) fail(event EventType, err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.log.Error("call failed", "event", event.String(), "error", err)
	s.machine.Fire(event)
}

func (s *Session) setLevel(level float64) {
	s.level.Store(math.Float64bits(level))
}

// ── Read-only projections ────────────────────────────────────────────────

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the current call state.
func (s *Session) State() State { return s.machine.State() }

// Duration returns the call's elapsed time, frozen once it ends.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	ended := s.endedAt
	s.mu.Unlock()
	if !ended.IsZero() {
		return ended.Sub(s.startedAt)
	}
	return time.Since(s.startedAt)
}

// Level returns the most recent audio level in [0,1], covering both
// captured and rendered frames.
func (s *Session) Level() float64 {
	return math.Float64frombits(s.level.Load())
}

// Turns returns the number of completed voiced turns.
func (s *Session) Turns() int {
	return int(s.turns.Load())
}

// LastError returns the most recent failure, or nil.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Transcript returns the in-progress partial transcript, empty between
// turns.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partial
}
