// Package call implements the call session lifecycle: the state machine
// that owns the session state, and the Session/Engine pair that wires
// capture, transport, playback and turn handling together.
package call

import "sync"

// State is the authoritative call state. Exactly one value is active at any
// instant; only the state machine mutates it, every other component reads
// it or emits events for the machine to interpret.
type State int

const (
	// StateIdle means no call is active.
	StateIdle State = iota
	// StateConnecting means transport dial and device acquisition are in
	// progress.
	StateConnecting
	// StateListening means the microphone is live and frames stream out.
	StateListening
	// StateProcessing means a finalized transcript is with the turn
	// handler.
	StateProcessing
	// StateSpeaking means inbound response audio is playing.
	StateSpeaking
	// StateError means the call failed; capture and playback are halted
	// until an explicit reconnect.
	StateError
)

// String returns the lowercase state name used in logs and the status API.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// EventType drives state machine transitions.
type EventType int

const (
	// EventConnectRequested fires when a caller asks for a new call.
	EventConnectRequested EventType = iota
	// EventConnected fires once the transport is open and capture runs.
	EventConnected
	// EventConnectFailed fires on permission denial or dial failure.
	EventConnectFailed
	// EventFinalTranscript fires when the remote finalizes a transcript.
	EventFinalTranscript
	// EventTurnResolved fires when a turn produces a voiced response.
	EventTurnResolved
	// EventTurnEmpty fires when a turn produces nothing to voice.
	EventTurnEmpty
	// EventPlaybackDrained fires when the playback queue empties.
	EventPlaybackDrained
	// EventProcessingTimeout fires when a turn exceeds its deadline.
	EventProcessingTimeout
	// EventDisconnect fires when the caller hangs up.
	EventDisconnect
	// EventTransportError fires when the connection drops uncleanly.
	EventTransportError
)

// String returns the event name used in logs and metrics.
func (e EventType) String() string {
	switch e {
	case EventConnectRequested:
		return "connect_requested"
	case EventConnected:
		return "connected"
	case EventConnectFailed:
		return "connect_failed"
	case EventFinalTranscript:
		return "final_transcript"
	case EventTurnResolved:
		return "turn_resolved"
	case EventTurnEmpty:
		return "turn_empty"
	case EventPlaybackDrained:
		return "playback_drained"
	case EventProcessingTimeout:
		return "processing_timeout"
	case EventDisconnect:
		return "disconnect"
	case EventTransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

// transitions is the full transition table. A (state, event) pair not in
// the table is ignored, which makes re-entrant or stale events harmless.
var transitions = map[State]map[EventType]State{
	StateIdle: {
		EventConnectRequested: StateConnecting,
	},
	StateConnecting: {
		EventConnected:      StateListening,
		EventConnectFailed:  StateError,
		EventDisconnect:     StateIdle,
		EventTransportError: StateError,
	},
	StateListening: {
		EventFinalTranscript: StateProcessing,
		EventDisconnect:      StateIdle,
		EventTransportError:  StateError,
	},
	StateProcessing: {
		EventTurnResolved:      StateSpeaking,
		EventTurnEmpty:         StateListening,
		EventProcessingTimeout: StateError,
		EventDisconnect:        StateIdle,
		EventTransportError:    StateError,
	},
	StateSpeaking: {
		EventPlaybackDrained: StateListening,
		EventDisconnect:      StateIdle,
		EventTransportError:  StateError,
	},
	StateError: {
		EventConnectRequested: StateConnecting,
		EventDisconnect:       StateIdle,
	},
}

// Machine is the call state machine. All exported methods are safe for
// concurrent use.
type Machine struct {
	mu           sync.Mutex
	state        State
	onTransition func(from, to State, event EventType)
}

// NewMachine creates a machine in [StateIdle].
func NewMachine() *Machine {
	return &Machine{state: StateIdle}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnTransition registers a callback invoked synchronously, with the machine
// lock held, for every applied transition. Only one callback may be active
// at a time; subsequent calls replace the previous registration. The
// callback must not call back into the machine.
func (m *Machine) OnTransition(fn func(from, to State, event EventType)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransition = fn
}

// Fire applies event to the current state. It returns the resulting state
// and whether a transition was applied. Events with no entry in the
// transition table for the current state are no-ops.
func (m *Machine) Fire(event EventType) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, ok := transitions[m.state][event]
	if !ok || next == m.state {
		return m.state, false
	}

	from := m.state
	m.state = next
	if m.onTransition != nil {
		m.onTransition(from, next, event)
	}
	return next, true
}
