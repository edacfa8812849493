// Package mock provides test doubles for the audio capture and render
// interfaces.
//
// Use Capturer to drive a session with synthetic frames via Emit, and
// Renderer to inspect what a playback queue rendered.
//
// Example:
//
//	cap := &mock.Capturer{}
//	handle, _ := cap.Start(ctx, onFrame)
//	cap.Emit(frame) // invokes onFrame synchronously
//	handle.Stop()
package mock

import (
	"context"
	"sync"

	"github.com/parley-voice/parley/pkg/audio"
)

// Ensure the mocks implement the audio interfaces at compile time.
var (
	_ audio.Capturer = (*Capturer)(nil)
	_ audio.Renderer = (*Renderer)(nil)
)

// Capturer is a mock implementation of audio.Capturer. Frames are injected
// manually with Emit rather than read from a device.
type Capturer struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned as the error from Start.
	StartErr error

	// StartCalls counts invocations of Start.
	StartCalls int

	running bool
	onFrame func(audio.Frame)
}

// Start records the call and arms Emit. Returns StartErr if set.
func (c *Capturer) Start(_ context.Context, onFrame func(audio.Frame)) (audio.CaptureHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StartCalls++
	if c.StartErr != nil {
		return nil, c.StartErr
	}
	c.running = true
	c.onFrame = onFrame
	return &Handle{capturer: c}, nil
}

// Emit invokes the active onFrame callback synchronously with frame. It is
// a no-op when capture is not running, mirroring a real device that stops
// delivering after Stop.
func (c *Capturer) Emit(frame audio.Frame) {
	c.mu.Lock()
	onFrame := c.onFrame
	running := c.running
	c.mu.Unlock()
	if running && onFrame != nil {
		onFrame(frame)
	}
}

// Running reports whether capture is active. Thread-safe.
func (c *Capturer) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Capturer) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	c.onFrame = nil
}

// Handle is the mock capture handle returned by Capturer.Start.
type Handle struct {
	capturer *Capturer

	mu        sync.Mutex
	StopCalls int
}

// Stop disarms Emit on the parent capturer. Idempotent.
func (h *Handle) Stop() {
	h.mu.Lock()
	h.StopCalls++
	h.mu.Unlock()
	h.capturer.stop()
}

// Renderer is a mock implementation of audio.Renderer that records every
// rendered frame.
type Renderer struct {
	mu sync.Mutex

	// RenderErr, if non-nil, is returned by every Render call.
	RenderErr error

	// BlockCh, if non-nil, makes Render block until the channel is closed.
	// Useful for testing in-flight interruption.
	BlockCh chan struct{}

	rendered   []audio.Frame
	closed     bool
	CloseCalls int
}

// Render records a copy of the frame and returns RenderErr.
func (r *Renderer) Render(frame audio.Frame) error {
	r.mu.Lock()
	block := r.BlockCh
	r.mu.Unlock()
	if block != nil {
		<-block
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	copied := frame
	copied.Data = append([]byte(nil), frame.Data...)
	r.rendered = append(r.rendered, copied)
	return r.RenderErr
}

// Close marks the renderer closed. Idempotent.
func (r *Renderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.CloseCalls++
	return nil
}

// Rendered returns a copy of all frames rendered so far. Thread-safe.
func (r *Renderer) Rendered() []audio.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audio.Frame(nil), r.rendered...)
}

// Closed reports whether Close was called. Thread-safe.
func (r *Renderer) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Reset clears recorded frames and the closed flag. Thread-safe.
func (r *Renderer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rendered = nil
	r.closed = false
	r.CloseCalls = 0
}
