// Package mock provides a scriptable test double for transport.Channel.
//
// Tests pre-wire a Channel, hand it to the call session, then use the
// Emit* helpers to simulate inbound traffic and the Sent* accessors to
// verify outbound traffic.
//
// Example:
//
//	ch := mock.NewChannel()
//	engine := call.NewEngine(call.Config{
//		Dialer: func(context.Context) (transport.Channel, error) { return ch, nil },
//		// ... capture, renderer, handler ...
//	})
//	sess, err := engine.Connect(ctx)
//	ch.EmitControl(transport.ControlMessage{Transcript: "hello", Final: true})
package mock

import (
	"fmt"
	"sync"

	"github.com/parley-voice/parley/pkg/audio"
	"github.com/parley-voice/parley/pkg/transport"
)

// Ensure Channel implements transport.Channel at compile time.
var _ transport.Channel = (*Channel)(nil)

// Channel is an in-memory mock implementation of transport.Channel.
type Channel struct {
	mu     sync.Mutex
	sent   []audio.Frame
	texts  []string
	closed bool

	// SendTextErr, if non-nil, is returned by every SendText call.
	SendTextErr error

	events    chan transport.Event
	closeOnce sync.Once
}

// NewChannel creates an open mock channel with a buffered event stream.
func NewChannel() *Channel {
	return &Channel{
		events: make(chan transport.Event, 64),
	}
}

// Send records the frame unless the channel is closed; closed sends are
// silently dropped, matching the real channel's fire-and-forget contract.
func (c *Channel) Send(frame audio.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	cp := make([]byte, len(frame.Data))
	copy(cp, frame.Data)
	frame.Data = cp
	c.sent = append(c.sent, frame)
	return nil
}

// SendText records the text, or returns SendTextErr / a closed error.
func (c *Channel) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("mock: channel closed")
	}
	if c.SendTextErr != nil {
		return c.SendTextErr
	}
	c.texts = append(c.texts, text)
	return nil
}

// Events returns the inbound event stream.
func (c *Channel) Events() <-chan transport.Event { return c.events }

// Close marks the channel closed and closes the event stream. Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.events) })
	return nil
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SentFrames returns a snapshot of every frame passed to Send.
func (c *Channel) SentFrames() []audio.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audio.Frame, len(c.sent))
	copy(out, c.sent)
	return out
}

// SentTexts returns a snapshot of every text passed to SendText.
func (c *Channel) SentTexts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.texts))
	copy(out, c.texts)
	return out
}

// EmitAudio injects an inbound audio frame event.
func (c *Channel) EmitAudio(data []byte) {
	c.events <- transport.Event{
		Type: transport.EventAudio,
		Frame: audio.Frame{
			Data:       data,
			SampleRate: audio.DefaultSampleRate,
		},
	}
}

// EmitControl injects an inbound control message event.
func (c *Channel) EmitControl(msg transport.ControlMessage) {
	c.events <- transport.Event{Type: transport.EventControl, Control: msg}
}

// EmitError injects a protocol error event.
func (c *Channel) EmitError(err error) {
	c.events <- transport.Event{Type: transport.EventError, Err: err}
}

// EmitClosed injects the terminal closed event (err may be nil) and closes
// the event stream.
func (c *Channel) EmitClosed(err error) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.events <- transport.Event{Type: transport.EventClosed, Err: err}
	c.closeOnce.Do(func() { close(c.events) })
}
