package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/parley-voice/parley/pkg/audio"
)

// Compile-time assertion that the engine satisfies the capture interface.
var _ audio.Capturer = (*CaptureEngine)(nil)

// frameBuf is the depth of the internal frame queue between the device read
// loop and the onFrame dispatcher. The read loop never blocks on a slow
// consumer; frames beyond this depth are dropped.
const frameBuf = 16

// CaptureEngine captures mono PCM from the default input device. One engine
// owns the device at a time; a second Start without an intervening Stop
// returns an error.
type CaptureEngine struct {
	sampleRate   int
	chunkSamples int
	log          *slog.Logger

	mu     sync.Mutex
	active bool
}

// CaptureOption configures a [CaptureEngine].
type CaptureOption func(*CaptureEngine)

// WithSampleRate sets the capture sample rate in Hz.
// Default is [audio.DefaultSampleRate].
func WithSampleRate(rate int) CaptureOption {
	return func(e *CaptureEngine) { e.sampleRate = rate }
}

// WithChunkSamples sets the number of samples per captured frame.
// Default is [audio.DefaultChunkSamples].
func WithChunkSamples(n int) CaptureOption {
	return func(e *CaptureEngine) { e.chunkSamples = n }
}

// WithLogger sets the logger used by the read loop.
func WithLogger(log *slog.Logger) CaptureOption {
	return func(e *CaptureEngine) { e.log = log }
}

// NewCaptureEngine creates a capture engine for the default input device.
func NewCaptureEngine(opts ...CaptureOption) *CaptureEngine {
	e := &CaptureEngine{
		sampleRate:   audio.DefaultSampleRate,
		chunkSamples: audio.DefaultChunkSamples,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start opens the default input device and begins the read loop. onFrame is
// invoked once per captured chunk from a dedicated goroutine; if it cannot
// keep up, frames are dropped rather than stalling the device. The stream
// runs until the returned handle is stopped or ctx is canceled.
func (e *CaptureEngine) Start(ctx context.Context, onFrame func(audio.Frame)) (audio.CaptureHandle, error) {
	e.mu.Lock()
	if e.active {
		e.mu.Unlock()
		return nil, fmt.Errorf("device: capture already running")
	}
	e.active = true
	e.mu.Unlock()

	if err := initHost(); err != nil {
		e.release()
		return nil, err
	}

	in, err := portaudio.DefaultInputDevice()
	if err != nil {
		_ = portaudio.Terminate()
		e.release()
		return nil, classifyOpenErr("default input", err)
	}
	if in == nil {
		_ = portaudio.Terminate()
		e.release()
		return nil, fmt.Errorf("device: default input: %w", ErrNoDevice)
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   in,
			Channels: 1,
			Latency:  in.DefaultLowInputLatency,
		},
		SampleRate:      float64(e.sampleRate),
		FramesPerBuffer: e.chunkSamples,
	}

	buf := make([]float32, e.chunkSamples)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		_ = portaudio.Terminate()
		e.release()
		return nil, classifyOpenErr("open input stream", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		e.release()
		return nil, classifyOpenErr("start input stream", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	h := &captureHandle{
		engine: e,
		stream: stream,
		cancel: cancel,
		frames: make(chan audio.Frame, frameBuf),
		done:   make(chan struct{}),
	}

	go h.readLoop(loopCtx, buf)
	go h.dispatch(onFrame)

	e.log.Info("audio capture started",
		"device", in.Name,
		"sample_rate", e.sampleRate,
		"chunk_samples", e.chunkSamples)
	return h, nil
}

func (e *CaptureEngine) release() {
	e.mu.Lock()
	e.active = false
	e.mu.Unlock()
}

// captureHandle controls one running capture stream.
type captureHandle struct {
	engine *CaptureEngine
	stream *portaudio.Stream
	cancel context.CancelFunc

	frames chan audio.Frame
	done   chan struct{}

	stopOnce sync.Once
}

// readLoop reads fixed-size chunks from the device and hands them to the
// dispatcher. It closes the frame queue on exit so the dispatcher drains
// and terminates.
func (h *captureHandle) readLoop(ctx context.Context, buf []float32) {
	defer close(h.frames)

	start := time.Now()
	log := h.engine.log
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := h.stream.Read(); err != nil {
			if ctx.Err() == nil {
				log.Warn("audio read failed, stopping capture", "error", err)
			}
			return
		}

		frame := audio.Frame{
			Data:       audio.EncodePCM16(buf),
			SampleRate: h.engine.sampleRate,
			Timestamp:  time.Since(start),
		}
		select {
		case h.frames <- frame:
		default:
			log.Debug("capture consumer stalled, dropping frame")
		}
	}
}

// dispatch invokes the frame callback off the device thread. It exits when
// the read loop closes the queue, which is what Stop waits on.
func (h *captureHandle) dispatch(onFrame func(audio.Frame)) {
	defer close(h.done)
	for frame := range h.frames {
		onFrame(frame)
	}
}

// Stop halts capture and releases the device. Idempotent. When Stop
// returns, the dispatcher has exited and no further onFrame call fires.
func (h *captureHandle) Stop() {
	h.stopOnce.Do(func() {
		h.cancel()
		_ = h.stream.Stop()
		_ = h.stream.Close()
		<-h.done
		_ = portaudio.Terminate()
		h.engine.release()
		h.engine.log.Info("audio capture stopped")
	})
}
