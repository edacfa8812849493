package device

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/parley-voice/parley/pkg/audio"
)

var _ audio.Renderer = (*Renderer)(nil)

// Renderer plays PCM frames on the default output device. Render blocks
// until the frame has been written, which is what gives the playback queue
// its natural pacing.
type Renderer struct {
	sampleRate   int
	chunkSamples int

	stream *portaudio.Stream
	buf    []float32

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// RenderOption configures a [Renderer].
type RenderOption func(*Renderer)

// WithRenderSampleRate sets the playback sample rate in Hz.
// Default is [audio.DefaultSampleRate].
func WithRenderSampleRate(rate int) RenderOption {
	return func(r *Renderer) { r.sampleRate = rate }
}

// WithRenderChunkSamples sets the device write granularity in samples.
// Default is [audio.DefaultChunkSamples].
func WithRenderChunkSamples(n int) RenderOption {
	return func(r *Renderer) { r.chunkSamples = n }
}

// NewRenderer opens the default output device for playback.
func NewRenderer(opts ...RenderOption) (*Renderer, error) {
	r := &Renderer{
		sampleRate:   audio.DefaultSampleRate,
		chunkSamples: audio.DefaultChunkSamples,
	}
	for _, o := range opts {
		o(r)
	}

	if err := initHost(); err != nil {
		return nil, err
	}

	out, err := portaudio.DefaultOutputDevice()
	if err != nil {
		_ = portaudio.Terminate()
		return nil, classifyOpenErr("default output", err)
	}
	if out == nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("device: default output: %w", ErrNoDevice)
	}

	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   out,
			Channels: 1,
			Latency:  out.DefaultLowOutputLatency,
		},
		SampleRate:      float64(r.sampleRate),
		FramesPerBuffer: r.chunkSamples,
	}

	r.buf = make([]float32, r.chunkSamples)
	stream, err := portaudio.OpenStream(params, r.buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, classifyOpenErr("open output stream", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, classifyOpenErr("start output stream", err)
	}
	r.stream = stream
	return r, nil
}

// Render writes one frame to the output device, blocking for the frame's
// duration. Frames longer than the device write granularity are written in
// chunks; a short final chunk is zero padded.
func (r *Renderer) Render(frame audio.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("device: renderer closed")
	}

	samples := audio.DecodePCM16(frame.Data)
	for len(samples) > 0 {
		n := copy(r.buf, samples)
		for i := n; i < len(r.buf); i++ {
			r.buf[i] = 0
		}
		samples = samples[n:]
		if err := r.stream.Write(); err != nil {
			return fmt.Errorf("device: write output: %w", err)
		}
	}
	return nil
}

// Close stops playback and releases the device. Idempotent.
func (r *Renderer) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		_ = r.stream.Stop()
		_ = r.stream.Close()
		_ = portaudio.Terminate()
	})
	return nil
}
