package call_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parley-voice/parley/internal/call"
	"github.com/parley-voice/parley/internal/turn"
	"github.com/parley-voice/parley/pkg/audio"
	"github.com/parley-voice/parley/pkg/audio/device"
	audiomock "github.com/parley-voice/parley/pkg/audio/mock"
	"github.com/parley-voice/parley/pkg/transport"
	transportmock "github.com/parley-voice/parley/pkg/transport/mock"
)

// fixture bundles the mocks wired into one Engine.
type fixture struct {
	capture  *audiomock.Capturer
	renderer *audiomock.Renderer
	channel  *transportmock.Channel
	engine   *call.Engine
}

// newFixture creates an Engine whose dialer hands out f.channel and whose
// turn handler is the given function.
func newFixture(t *testing.T, handler turn.Handler) *fixture {
	t.Helper()
	f := &fixture{
		capture:  &audiomock.Capturer{},
		renderer: &audiomock.Renderer{},
		channel:  transportmock.NewChannel(),
	}
	f.engine = call.NewEngine(call.Config{
		Dialer: func(context.Context) (transport.Channel, error) {
			return f.channel, nil
		},
		Capture:  f.capture,
		Renderer: f.renderer,
		Handler:  handler,
	})
	return f
}

// echoHandler replies with a fixed text for any transcript.
func echoHandler(reply string) turn.Handler {
	return func(context.Context, string) (string, error) {
		return reply, nil
	}
}

// pcmFrame builds a capture-sized frame from float samples.
func pcmFrame(samples ...float32) audio.Frame {
	return audio.Frame{
		Data:       audio.EncodePCM16(samples),
		SampleRate: audio.DefaultSampleRate,
	}
}

// waitForState polls until the session reaches want or the deadline hits.
func waitForState(t *testing.T, s *call.Session, want call.State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if s.State() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("state = %v, want %v", s.State(), want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestHappyPathCall(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(_ context.Context, transcript string) (string, error) {
		if transcript != "hello" {
			t.Errorf("handler transcript = %q, want %q", transcript, "hello")
		}
		return "hi there", nil
	})
	// Hold renders so the speaking state is observable.
	renderGate := make(chan struct{})
	f.renderer.BlockCh = renderGate

	sess, err := f.engine.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Disconnect()
	waitForState(t, sess, call.StateListening)

	// Three captured frames stream out while listening.
	for i := 0; i < 3; i++ {
		f.capture.Emit(pcmFrame(0.1, -0.1, 0.2))
	}
	if got := len(f.channel.SentFrames()); got != 3 {
		t.Fatalf("frames sent = %d, want 3", got)
	}

	// A final transcript enters processing and reaches the handler.
	f.channel.EmitControl(transport.ControlMessage{Transcript: "hello", Final: true})
	waitForState(t, sess, call.StateProcessing)

	// The handler's reply is voiced over the transport.
	deadline := time.After(2 * time.Second)
	for len(f.channel.SentTexts()) == 0 {
		select {
		case <-deadline:
			t.Fatal("reply never sent")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if texts := f.channel.SentTexts(); texts[0] != "hi there" {
		t.Fatalf("sent text = %q, want %q", texts[0], "hi there")
	}

	// Two inbound response frames drive speaking and render in order.
	f.channel.EmitAudio(audio.EncodePCM16([]float32{0.3, 0.3}))
	f.channel.EmitAudio(audio.EncodePCM16([]float32{0.4, 0.4}))
	waitForState(t, sess, call.StateSpeaking)

	// Drained playback returns the call to listening.
	close(renderGate)
	waitForState(t, sess, call.StateListening)
	if got := len(f.renderer.Rendered()); got != 2 {
		t.Errorf("rendered frames = %d, want 2", got)
	}

	if sess.Duration() <= 0 {
		t.Error("duration should be positive")
	}
	if got := sess.Turns(); got != 1 {
		t.Errorf("turns = %d, want 1", got)
	}
	if sess.LastError() != nil {
		t.Errorf("unexpected error: %v", sess.LastError())
	}
}

func TestConnect_PermissionDenied(t *testing.T) {
	t.Parallel()

	f := newFixture(t, echoHandler("unused"))
	f.capture.StartErr = device.ErrPermissionDenied

	sess, err := f.engine.Connect(context.Background())
	if err == nil {
		t.Fatal("expected connect failure")
	}
	if !errors.Is(err, device.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if sess != nil {
		t.Fatal("failed connect should not return a session")
	}

	// The failed session is still observable in the error state; it never
	// reached listening.
	failed := f.engine.Session()
	if failed == nil {
		t.Fatal("engine should expose the failed session")
	}
	if got := failed.State(); got != call.StateError {
		t.Errorf("state = %v, want error", got)
	}
	if failed.LastError() == nil {
		t.Error("LastError should be set")
	}
	// The transport opened before capture failed must be released.
	if !f.channel.Closed() {
		t.Error("transport should be closed after capture failure")
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()

	dialErr := errors.New("connection refused")
	capture := &audiomock.Capturer{}
	engine := call.NewEngine(call.Config{
		Dialer: func(context.Context) (transport.Channel, error) {
			return nil, dialErr
		},
		Capture:  capture,
		Renderer: &audiomock.Renderer{},
		Handler:  echoHandler("unused"),
	})

	if _, err := engine.Connect(context.Background()); !errors.Is(err, dialErr) {
		t.Fatalf("err = %v, want wrapped dial error", err)
	}
	if got := engine.Session().State(); got != call.StateError {
		t.Errorf("state = %v, want error", got)
	}
	if capture.StartCalls != 0 {
		t.Error("capture must not start when the dial fails")
	}
}

func TestConnect_RejectedWhileLive(t *testing.T) {
	t.Parallel()

	f := newFixture(t, echoHandler("unused"))
	sess, err := f.engine.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if _, err := f.engine.Connect(context.Background()); !errors.Is(err, call.ErrSessionActive) {
		t.Fatalf("second Connect err = %v, want ErrSessionActive", err)
	}

	// After hangup a new call is allowed.
	sess.Disconnect()
	f.channel = transportmock.NewChannel()
	sess2, err := f.engine.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect after Disconnect: %v", err)
	}
	defer sess2.Disconnect()
	if sess2.ID() == sess.ID() {
		t.Error("new session should have a fresh ID")
	}
}

func TestNoAudioAfterHangup(t *testing.T) {
	t.Parallel()

	f := newFixture(t, echoHandler("unused"))
	sess, err := f.engine.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitForState(t, sess, call.StateListening)

	f.capture.Emit(pcmFrame(0.5))
	sess.Disconnect()
	waitForState(t, sess, call.StateIdle)

	sentBefore := len(f.channel.SentFrames())

	// Frames after hangup go nowhere.
	f.capture.Emit(pcmFrame(0.5))
	f.capture.Emit(pcmFrame(0.5))
	if got := len(f.channel.SentFrames()); got != sentBefore {
		t.Errorf("frames sent after hangup: %d extra", got-sentBefore)
	}
	if f.capture.Running() {
		t.Error("capture should be stopped after hangup")
	}
	if !f.channel.Closed() {
		t.Error("transport should be closed after hangup")
	}
}

func TestCaptureGatedOutsideListening(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	f := newFixture(t, func(ctx context.Context, _ string) (string, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return "", nil
	})
	sess, err := f.engine.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Disconnect()
	defer close(block)
	waitForState(t, sess, call.StateListening)

	f.capture.Emit(pcmFrame(0.1))
	if got := len(f.channel.SentFrames()); got != 1 {
		t.Fatalf("frames sent while listening = %d, want 1", got)
	}

	// Enter processing; captured frames are now gated.
	f.channel.EmitControl(transport.ControlMessage{Transcript: "hold on", Final: true})
	waitForState(t, sess, call.StateProcessing)

	f.capture.Emit(pcmFrame(0.2))
	f.capture.Emit(pcmFrame(0.3))
	if got := len(f.channel.SentFrames()); got != 1 {
		t.Errorf("frames sent outside listening = %d, want 0 extra", got-1)
	}
}

func TestInboundAudioGatedOutsideTurn(t *testing.T) {
	t.Parallel()

	f := newFixture(t, echoHandler("unused"))
	sess, err := f.engine.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Disconnect()
	waitForState(t, sess, call.StateListening)

	// Response audio with no turn in flight must not reach the speakers.
	f.channel.EmitAudio(audio.EncodePCM16([]float32{0.5, 0.5}))
	f.channel.EmitAudio(audio.EncodePCM16([]float32{0.6, 0.6}))
	time.Sleep(30 * time.Millisecond)

	if got := len(f.renderer.Rendered()); got != 0 {
		t.Errorf("rendered %d unsolicited frames, want 0", got)
	}
	if got := sess.State(); got != call.StateListening {
		t.Errorf("state = %v, want listening", got)
	}
}

func TestDisconnectDuringTurnDiscardsResolution(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	f := newFixture(t, func(context.Context, string) (string, error) {
		<-release
		return "too late", nil
	})
	sess, err := f.engine.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitForState(t, sess, call.StateListening)

	f.channel.EmitControl(transport.ControlMessage{Transcript: "question", Final: true})
	waitForState(t, sess, call.StateProcessing)

	// Hang up mid-turn, then let the stale handler resolve.
	sess.Disconnect()
	close(release)
	time.Sleep(50 * time.Millisecond)

	if got := sess.State(); got != call.StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
	if got := len(f.channel.SentTexts()); got != 0 {
		t.Errorf("stale turn sent %d texts, want 0", got)
	}
	if got := sess.Turns(); got != 0 {
		t.Errorf("turns = %d, want 0", got)
	}
}

func TestEmptyReplyReturnsToListening(t *testing.T) {
	t.Parallel()

	invoked := make(chan struct{})
	f := newFixture(t, func(context.Context, string) (string, error) {
		close(invoked)
		return "", nil
	})
	sess, err := f.engine.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Disconnect()
	waitForState(t, sess, call.StateListening)

	f.channel.EmitControl(transport.ControlMessage{Transcript: "anything", Final: true})
	select {
	case <-invoked:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}
	waitForState(t, sess, call.StateListening)

	if got := len(f.channel.SentTexts()); got != 0 {
		t.Errorf("empty reply sent %d texts, want 0", got)
	}
	if got := sess.Turns(); got != 0 {
		t.Errorf("turns = %d, want 0", got)
	}
}

func TestHandlerErrorIsAbsorbed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(context.Context, string) (string, error) {
		return "", errors.New("assistant backend down")
	})
	sess, err := f.engine.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Disconnect()
	waitForState(t, sess, call.StateListening)

	f.channel.EmitControl(transport.ControlMessage{Transcript: "anything", Final: true})

	// The failure routes back to listening, never to error.
	waitForState(t, sess, call.StateListening)
	if sess.LastError() != nil {
		t.Errorf("handler errors must not become call errors, got %v", sess.LastError())
	}
}

func TestTransportDropEntersErrorState(t *testing.T) {
	t.Parallel()

	f := newFixture(t, echoHandler("unused"))
	sess, err := f.engine.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Disconnect()
	waitForState(t, sess, call.StateListening)

	f.channel.EmitClosed(errors.New("connection reset"))
	waitForState(t, sess, call.StateError)

	if sess.LastError() == nil {
		t.Error("LastError should carry the drop cause")
	}
}

func TestProtocolErrorDoesNotKillCall(t *testing.T) {
	t.Parallel()

	f := newFixture(t, echoHandler("unused"))
	sess, err := f.engine.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Disconnect()
	waitForState(t, sess, call.StateListening)

	f.channel.EmitError(errors.New("malformed control frame"))
	time.Sleep(30 * time.Millisecond)

	if got := sess.State(); got != call.StateListening {
		t.Errorf("state after protocol error = %v, want listening", got)
	}
	if sess.LastError() != nil {
		t.Errorf("protocol errors must not be recorded as call failure, got %v", sess.LastError())
	}
}

func TestPartialTranscriptsAccumulate(t *testing.T) {
	t.Parallel()

	got := make(chan string, 1)
	f := newFixture(t, func(_ context.Context, transcript string) (string, error) {
		got <- transcript
		return "", nil
	})
	sess, err := f.engine.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Disconnect()
	waitForState(t, sess, call.StateListening)

	f.channel.EmitControl(transport.ControlMessage{Transcript: "hel"})
	f.channel.EmitControl(transport.ControlMessage{Transcript: "hello wo"})

	deadline := time.After(time.Second)
	for sess.Transcript() != "hello wo" {
		select {
		case <-deadline:
			t.Fatalf("partial transcript = %q, want %q", sess.Transcript(), "hello wo")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// The final message carries the full text and clears the partial.
	f.channel.EmitControl(transport.ControlMessage{Transcript: "hello world", Final: true})
	select {
	case transcript := <-got:
		if transcript != "hello world" {
			t.Errorf("final transcript = %q, want %q", transcript, "hello world")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}
	if sess.Transcript() != "" {
		t.Errorf("partial should clear after final, got %q", sess.Transcript())
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, echoHandler("unused"))
	sess, err := f.engine.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitForState(t, sess, call.StateListening)

	sess.Disconnect()
	sess.Disconnect()
	if got := sess.State(); got != call.StateIdle {
		t.Errorf("state = %v, want idle", got)
	}

	d := sess.Duration()
	time.Sleep(20 * time.Millisecond)
	if sess.Duration() != d {
		t.Error("duration should freeze after disconnect")
	}
}

func TestLevelTracksFrames(t *testing.T) {
	t.Parallel()

	f := newFixture(t, echoHandler("unused"))
	sess, err := f.engine.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Disconnect()
	waitForState(t, sess, call.StateListening)

	if got := sess.Level(); got != 0 {
		t.Errorf("initial level = %v, want 0", got)
	}

	f.capture.Emit(pcmFrame(1, 1, 1, 1))
	if got := sess.Level(); got <= 0.9 || got > 1 {
		t.Errorf("level for full-scale frame = %v, want ~1", got)
	}

	f.capture.Emit(pcmFrame(0, 0, 0, 0))
	if got := sess.Level(); got != 0 {
		t.Errorf("level for silent frame = %v, want 0", got)
	}
}
