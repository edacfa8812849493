// Package devstub implements a fake voice service that speaks the Parley
// wire protocol, for demos and manual testing without the real backend.
//
// The stub accepts WebSocket connections and behaves like a minimal
// recognizer and synthesizer:
//
//   - Inbound binary messages are treated as PCM audio. After a
//     configurable window of silence (no audio arriving) the stub emits a
//     partial transcript followed by the scripted final transcript.
//   - An inbound {"speak": "..."} text message is answered with a burst of
//     synthetic sine-tone PCM frames followed by {"turnComplete": true}.
//
// Because it exercises both directions of the protocol, the stub doubles
// as executable documentation of the wire format.
package devstub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parley-voice/parley/pkg/audio"
	"github.com/parley-voice/parley/pkg/transport"
)

const (
	// toneHz is the frequency of the synthesized reply tone.
	toneHz = 440.0

	// toneAmplitude keeps the tone well below full scale.
	toneAmplitude = 0.3

	// framesPerSpeakBase is the minimum number of tone frames per reply.
	framesPerSpeakBase = 4

	// bytesPerSpeakFrame scales reply length with the text length, one
	// extra frame per this many characters.
	bytesPerSpeakFrame = 8
)

// Config holds the stub server settings.
type Config struct {
	// ListenAddr is the HTTP listen address, e.g. ":8090".
	ListenAddr string

	// Transcript is the scripted utterance the stub "recognizes" after
	// each silence window.
	Transcript string

	// SilenceAfter is how long the stub waits after the last inbound audio
	// frame before emitting the transcript.
	SilenceAfter time.Duration

	// SampleRate of synthesized reply audio. Defaults to
	// [audio.DefaultSampleRate].
	SampleRate int

	// ChunkSamples per synthesized reply frame. Defaults to
	// [audio.DefaultChunkSamples].
	ChunkSamples int

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Server is the stub voice service.
type Server struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader

	httpServer *http.Server
}

// New creates the stub server. Call [Server.ListenAndServe] to run it, or
// mount [Server.Handler] on an existing mux for tests.
func New(cfg Config) *Server {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.ChunkSamples <= 0 {
		cfg.ChunkSamples = audio.DefaultChunkSamples
	}
	if cfg.SilenceAfter <= 0 {
		cfg.SilenceAfter = 600 * time.Millisecond
	}
	if cfg.Transcript == "" {
		cfg.Transcript = "hello there"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg: cfg,
		log: cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  0, // websocket connections are long-lived
		WriteTimeout: 0,
	}
	return s
}

// Handler returns the HTTP handler serving the WebSocket endpoint at /.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	return mux
}

// ListenAndServe runs the stub until the listener fails or Shutdown is
// called.
func (s *Server) ListenAndServe() error {
	s.log.Info("voice stub listening", "addr", s.cfg.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("devstub: serve: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleWS upgrades the request and runs one stub conversation.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &stubConn{
		server: s,
		ws:     ws,
		log:    s.log.With("remote", ws.RemoteAddr().String()),
	}
	c.run()
}

// stubConn is one client connection. gorilla/websocket allows a single
// concurrent writer, so every write goes through writeMu.
type stubConn struct {
	server *Server
	ws     *websocket.Conn
	log    *slog.Logger

	writeMu sync.Mutex

	// heard counts audio bytes received since the last transcript, guarded
	// by heardMu together with the silence timer.
	heardMu     sync.Mutex
	heardBytes  int
	silenceTick *time.Timer
}

// run reads messages until the client disconnects.
func (c *stubConn) run() {
	defer func() {
		c.heardMu.Lock()
		if c.silenceTick != nil {
			c.silenceTick.Stop()
		}
		c.heardMu.Unlock()
		c.ws.Close()
		c.log.Debug("stub connection closed")
	}()

	c.log.Info("stub connection opened")

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			c.onAudio(data)
		case websocket.TextMessage:
			c.onText(data)
		}
	}
}

// onAudio records inbound audio and (re)arms the silence timer.
func (c *stubConn) onAudio(data []byte) {
	c.heardMu.Lock()
	defer c.heardMu.Unlock()

	c.heardBytes += len(data)
	if c.silenceTick == nil {
		c.silenceTick = time.AfterFunc(c.server.cfg.SilenceAfter, c.onSilence)
	} else {
		c.silenceTick.Reset(c.server.cfg.SilenceAfter)
	}
}

// onSilence fires when no audio has arrived for the configured window. It
// emits a partial transcript and then the scripted final one, mimicking an
// incremental recognizer.
func (c *stubConn) onSilence() {
	c.heardMu.Lock()
	heard := c.heardBytes
	c.heardBytes = 0
	c.heardMu.Unlock()

	if heard == 0 {
		return
	}

	final := c.server.cfg.Transcript
	if half := len(final) / 2; half > 0 {
		c.writeControl(transport.ControlMessage{Transcript: final[:half]})
	}
	c.writeControl(transport.ControlMessage{Transcript: final, Final: true})
	c.log.Debug("emitted transcript", "heard_bytes", heard, "transcript", final)
}

// onText handles an outbound-direction text message from the client.
func (c *stubConn) onText(data []byte) {
	var req transport.SpeakRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Speak == "" {
		c.writeControl(transport.ControlMessage{Error: "expected speak request"})
		return
	}
	c.speak(req.Speak)
}

// speak streams synthetic tone frames for the given text, then signals the
// end of the turn.
func (c *stubConn) speak(text string) {
	frames := framesPerSpeakBase + len(text)/bytesPerSpeakFrame
	for i := 0; i < frames; i++ {
		frame := c.server.toneFrame(i)
		if err := c.write(websocket.BinaryMessage, frame); err != nil {
			return
		}
	}
	c.writeControl(transport.ControlMessage{TurnComplete: true})
	c.log.Debug("spoke reply", "text_len", len(text), "frames", frames)
}

// writeControl marshals and sends one control message as a text frame.
func (c *stubConn) writeControl(msg transport.ControlMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := c.write(websocket.TextMessage, data); err != nil {
		c.log.Debug("control write failed", "error", err)
	}
}

// write serializes concurrent writers onto the connection.
func (c *stubConn) write(msgType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(msgType, data)
}

// toneFrame synthesizes one chunk of a continuous sine tone. frameIndex
// keeps the phase continuous across frames.
func (s *Server) toneFrame(frameIndex int) []byte {
	samples := make([]float32, s.cfg.ChunkSamples)
	offset := frameIndex * s.cfg.ChunkSamples
	for i := range samples {
		t := float64(offset+i) / float64(s.cfg.SampleRate)
		samples[i] = float32(toneAmplitude * math.Sin(2*math.Pi*toneHz*t))
	}
	return audio.EncodePCM16(samples)
}
