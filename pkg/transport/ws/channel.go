// Package ws implements the transport.Channel interface over a WebSocket
// connection using github.com/coder/websocket.
//
// Binary messages carry raw PCM frames; text messages carry JSON control
// payloads. The channel owns a single receive goroutine that demultiplexes
// inbound messages into transport events. There is no automatic
// reconnection: a dropped connection surfaces as a terminal EventClosed
// and the caller decides whether to dial again.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/parley-voice/parley/pkg/audio"
	"github.com/parley-voice/parley/pkg/transport"
)

// Compile-time assertion that Channel satisfies the transport interface.
var _ transport.Channel = (*Channel)(nil)

// defaultEventBuf is the buffer depth of the event channel. Sized to absorb
// a burst of inbound audio frames without stalling the receive loop.
const defaultEventBuf = 64

// Channel is a transport.Channel backed by one WebSocket connection.
type Channel struct {
	conn       *websocket.Conn
	sampleRate int
	events     chan transport.Event
	opened     time.Time

	mu     sync.Mutex
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	recvDone  chan struct{}
	closeOnce sync.Once
}

// DialOption configures a Dial call.
type DialOption func(*dialConfig)

type dialConfig struct {
	sampleRate int
	header     map[string][]string
}

// WithSampleRate sets the sample rate stamped on inbound frames.
// Default is [audio.DefaultSampleRate].
func WithSampleRate(rate int) DialOption {
	return func(c *dialConfig) { c.sampleRate = rate }
}

// WithHeader adds an HTTP header to the WebSocket handshake, e.g. an
// Authorization bearer token for the voice service.
func WithHeader(key, value string) DialOption {
	return func(c *dialConfig) { c.header[key] = append(c.header[key], value) }
}

// Dial opens a WebSocket connection to url and returns an active channel.
// The supplied ctx governs the handshake only; once connected, the channel
// lives until [Channel.Close] or a remote drop.
func Dial(ctx context.Context, url string, opts ...DialOption) (*Channel, error) {
	cfg := &dialConfig{
		sampleRate: audio.DefaultSampleRate,
		header:     map[string][]string{},
	}
	for _, o := range opts {
		o(cfg)
	}

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: cfg.header,
	})
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", url, err)
	}

	chCtx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		conn:       conn,
		sampleRate: cfg.sampleRate,
		events:     make(chan transport.Event, defaultEventBuf),
		opened:     time.Now(),
		ctx:        chCtx,
		cancel:     cancel,
		recvDone:   make(chan struct{}),
	}
	go c.receiveLoop()
	return c, nil
}

// Send transmits one audio frame as a binary message. Sending on a closed
// channel drops the frame and returns nil so the capture loop never has to
// handle a teardown race.
func (c *Channel) Send(frame audio.Frame) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.conn.Write(c.ctx, websocket.MessageBinary, frame.Data); err != nil {
		if c.ctx.Err() != nil {
			return nil // closed concurrently; treat as dropped
		}
		return fmt.Errorf("ws: send frame: %w", err)
	}
	return nil
}

// SendText asks the remote service to voice text.
func (c *Channel) SendText(text string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("ws: channel closed")
	}
	c.mu.Unlock()

	data, err := json.Marshal(transport.SpeakRequest{Speak: text})
	if err != nil {
		return fmt.Errorf("ws: marshal speak request: %w", err)
	}
	if err := c.conn.Write(c.ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("ws: send text: %w", err)
	}
	return nil
}

// Events returns the inbound event stream.
func (c *Channel) Events() <-chan transport.Event { return c.events }

// Close tears the connection down, waits for the receive loop to stop, and
// closes the event stream. Idempotent; after Close returns no further
// events are delivered.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.cancel()
		_ = c.conn.Close(websocket.StatusNormalClosure, "call ended")
		<-c.recvDone
	})
	return nil
}

// receiveLoop reads messages from the socket and demultiplexes them into
// events. It owns the events channel: it emits the terminal EventClosed and
// closes the channel when it exits.
func (c *Channel) receiveLoop() {
	defer close(c.recvDone)
	defer close(c.events)

	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			closed := transport.Event{Type: transport.EventClosed}
			if c.ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				closed.Err = fmt.Errorf("ws: connection dropped: %w", err)
			}
			// Non-blocking: during a local Close the consumer may already
			// be gone, and Close waits on this goroutine.
			select {
			case c.events <- closed:
			default:
			}
			return
		}

		switch typ {
		case websocket.MessageBinary:
			frame := audio.Frame{
				Data:       data,
				SampleRate: c.sampleRate,
				Timestamp:  time.Since(c.opened),
			}
			c.deliver(transport.Event{Type: transport.EventAudio, Frame: frame})

		case websocket.MessageText:
			var msg transport.ControlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				c.deliver(transport.Event{
					Type: transport.EventError,
					Err:  fmt.Errorf("%w: %v", transport.ErrProtocol, err),
				})
				continue
			}
			c.deliver(transport.Event{Type: transport.EventControl, Control: msg})
		}
	}
}

// deliver forwards an event unless the channel is shutting down.
func (c *Channel) deliver(evt transport.Event) {
	select {
	case c.events <- evt:
	case <-c.ctx.Done():
	}
}
