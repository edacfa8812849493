// Package transport defines the duplex channel abstraction between a Parley
// call session and the remote voice service.
//
// One logical connection multiplexes two kinds of traffic over a single
// WebSocket: binary messages, which are always raw PCM audio frames, and
// text messages, which are always JSON [ControlMessage] payloads. Frame
// boundaries equal message boundaries — there is no length prefix or
// header on the wire.
//
// The concrete implementation lives in transport/ws; transport/mock
// provides a scriptable in-memory channel for tests. The interface is
// intentionally narrow so the call session stays decoupled from the socket
// library.
package transport

import (
	"errors"

	"github.com/parley-voice/parley/pkg/audio"
)

// ErrProtocol indicates a malformed inbound text message. The channel
// reports it via an [EventError] event and drops the message; the
// connection itself stays up.
var ErrProtocol = errors.New("transport: malformed control message")

// ControlMessage is the JSON payload of an inbound text frame. At least one
// field is set; a transcript message never implies audio.
type ControlMessage struct {
	// Transcript is partial or final recognized speech.
	Transcript string `json:"transcript,omitempty"`

	// Final marks Transcript as the completed utterance for this turn.
	Final bool `json:"final,omitempty"`

	// TurnComplete signals that the remote service finished streaming the
	// response audio for the current turn.
	TurnComplete bool `json:"turnComplete,omitempty"`

	// Error carries a remote-reported failure description.
	Error string `json:"error,omitempty"`
}

// SpeakRequest is the outbound text payload asking the remote service to
// synthesize and stream back the given text.
type SpeakRequest struct {
	Speak string `json:"speak"`
}

// EventType classifies inbound channel events.
type EventType int

const (
	// EventAudio carries a received PCM frame.
	EventAudio EventType = iota

	// EventControl carries a parsed ControlMessage.
	EventControl

	// EventError reports a non-fatal protocol error (malformed text frame).
	// The channel remains open.
	EventError

	// EventClosed is the terminal event: the connection closed. Err is nil
	// for a clean local close and non-nil when the remote dropped.
	EventClosed
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case EventAudio:
		return "AUDIO"
	case EventControl:
		return "CONTROL"
	case EventError:
		return "ERROR"
	case EventClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Event is a single inbound occurrence on a [Channel].
type Event struct {
	// Type discriminates which of the payload fields is meaningful.
	Type EventType

	// Frame is set for EventAudio.
	Frame audio.Frame

	// Control is set for EventControl.
	Control ControlMessage

	// Err is set for EventError (wrapping [ErrProtocol]) and for an
	// unclean EventClosed.
	Err error
}

// Channel is one duplex logical connection to the remote voice service.
//
// Implementations must be safe for concurrent use: the capture loop calls
// Send while the session goroutine consumes Events.
type Channel interface {
	// Send transmits one audio frame as a binary message. It is
	// fire-and-forget: sending on a closed channel returns nil and drops
	// the frame, so a hot capture loop never has to handle teardown races.
	Send(frame audio.Frame) error

	// SendText asks the remote service to voice text; the synthesized
	// audio arrives later as EventAudio events. Returns an error if the
	// channel is closed.
	SendText(text string) error

	// Events returns the inbound event stream. The channel delivers events
	// in arrival order and is closed after the terminal EventClosed.
	Events() <-chan Event

	// Close tears the connection down. Idempotent. After Close returns no
	// further events are delivered.
	Close() error
}
