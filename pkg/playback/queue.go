// Package playback provides an ordered playback queue for received audio
// frames.
//
// A [Queue] owns a single background dispatch goroutine that pops frames in
// arrival order and hands them to a blocking render function. Scheduling is
// event driven: enqueueing wakes the loop, and each finished render chains
// straight into the next frame with no polling timer. Clearing the queue
// drops everything unplayed and stops the current chain at the next frame
// boundary.
package playback

import (
	"log/slog"
	"sync"

	"github.com/parley-voice/parley/pkg/audio"
)

// defaultQueueCap is the initial capacity hint for the frame queue.
const defaultQueueCap = 32

// Option configures a [Queue] during construction.
type Option func(*Queue)

// WithLogger sets the logger used for render failures.
func WithLogger(log *slog.Logger) Option {
	return func(q *Queue) { q.log = log }
}

// WithQueueCapacity sets the initial capacity hint for the frame queue. This
// does not impose a hard limit.
func WithQueueCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.frames = make([]audio.Frame, 0, n)
		}
	}
}

// Queue plays audio frames strictly in arrival order through a blocking
// render function.
//
// All exported methods are safe for concurrent use.
type Queue struct {
	render func(audio.Frame) error
	log    *slog.Logger

	mu            sync.Mutex
	frames        []audio.Frame
	playing       bool
	cancelPlaying chan struct{} // closed by Clear/Close to stop the current chain
	onEmpty       func()
	closed        bool

	notify    chan struct{} // signalled when a frame is enqueued
	done      chan struct{} // closed by Close to stop the dispatch goroutine
	closeOnce sync.Once
}

// New creates a playback queue that delivers frames to render. The queue
// starts its dispatch goroutine immediately.
//
// render must not be nil; it is called sequentially from the dispatch
// goroutine and blocks for roughly one frame duration per call.
//
// Call [Queue.Close] to stop the goroutine and release resources.
func New(render func(audio.Frame) error, opts ...Option) *Queue {
	q := &Queue{
		render: render,
		log:    slog.Default(),
		frames: make([]audio.Frame, 0, defaultQueueCap),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	go q.dispatch()
	return q
}

// Enqueue appends frame to the queue and wakes the dispatch loop if it is
// idle. Enqueueing on a closed queue is a no-op.
func (q *Queue) Enqueue(frame audio.Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.frames = append(q.frames, frame)

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Empty reports whether no frame is queued or currently rendering.
func (q *Queue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames) == 0 && !q.playing
}

// OnEmpty registers handler to be invoked from the dispatch goroutine each
// time the queue drains naturally after having played at least one frame.
// Clearing the queue does not fire the handler. Only one handler may be
// active at a time; subsequent calls replace the previous registration.
func (q *Queue) OnEmpty(handler func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onEmpty = handler
}

// Clear drops all unplayed frames and interrupts the current playback chain.
// A frame already handed to render finishes its single device write; no
// frame after it plays.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clearLocked()
}

// clearLocked drops queued frames and cancels the active chain. Must be
// called with q.mu held.
func (q *Queue) clearLocked() {
	q.frames = q.frames[:0]
	if q.cancelPlaying != nil {
		close(q.cancelPlaying)
		q.cancelPlaying = nil
	}
}

// Close stops the dispatch goroutine and drops any unplayed frames. Close is
// idempotent and always returns nil.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.clearLocked()
		q.mu.Unlock()
		close(q.done)
	})
	return nil
}

// dispatch pops frames in order and renders them back to back. It runs
// until Close is called.
func (q *Queue) dispatch() {
	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
		}

		for {
			frame, cancel, ok := q.dequeue()
			if !ok {
				break
			}

			select {
			case <-q.done:
				return
			case <-cancel:
				q.finish(cancel)
				continue
			default:
			}

			if err := q.render(frame); err != nil {
				q.log.Warn("frame render failed, skipping",
					"samples", frame.Samples(),
					"error", err)
			}
			q.finish(cancel)
		}
	}
}

// dequeue pops the next frame and marks the chain as playing. Returns
// ok=false when the queue is empty.
func (q *Queue) dequeue() (frame audio.Frame, cancel chan struct{}, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.frames) == 0 {
		return audio.Frame{}, nil, false
	}

	frame = q.frames[0]
	q.frames = q.frames[1:]
	cancel = make(chan struct{})
	q.playing = true
	q.cancelPlaying = cancel
	return frame, cancel, true
}

// finish clears the playing state after one frame and fires the OnEmpty
// handler when the queue drained without interruption.
func (q *Queue) finish(cancel chan struct{}) {
	interrupted := false
	select {
	case <-cancel:
		interrupted = true
	default:
	}

	q.mu.Lock()
	q.playing = false
	if q.cancelPlaying == cancel {
		q.cancelPlaying = nil
	}
	var handler func()
	if !interrupted && !q.closed && len(q.frames) == 0 {
		handler = q.onEmpty
	}
	q.mu.Unlock()

	if handler != nil {
		handler()
	}
}
