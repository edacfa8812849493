// Package audio defines the frame type and sample-format primitives shared by
// every stage of the Parley call pipeline: the capture engine, the wire
// transport, and the playback queue.
//
// All audio in the pipeline is mono 16-bit little-endian PCM at a fixed
// sample rate (16 kHz by default). A [Frame] is the atomic unit: capture
// emits whole frames, the transport sends and receives whole frames, and the
// playback queue renders whole frames. Frames are never split or merged in
// flight.
//
// This package lives under pkg/ because device adapters and transport
// implementations outside internal/ exchange these types.
package audio

import "time"

// Default capture parameters. A 512-sample chunk at 16 kHz is 32 ms of
// audio, which keeps end-to-end latency low while staying well above the
// scheduling jitter of the OS audio callback.
const (
	// DefaultSampleRate is the pipeline sample rate in Hz.
	DefaultSampleRate = 16000

	// DefaultChunkSamples is the number of samples per captured frame.
	DefaultChunkSamples = 512
)

// Frame is a single fixed-size chunk of mono PCM audio flowing through the
// pipeline. Data is int16 little-endian wire format (2 bytes per sample).
//
// A Frame is immutable once emitted: producers allocate a fresh Data slice
// per frame and consumers must not modify it.
type Frame struct {
	// Data is the raw little-endian int16 PCM payload.
	Data []byte

	// SampleRate in Hz (16000 in the default pipeline configuration).
	SampleRate int

	// Timestamp marks when this frame was captured or received, relative to
	// the start of the stream it belongs to.
	Timestamp time.Duration
}

// Samples returns the number of whole int16 samples in the frame.
func (f Frame) Samples() int { return len(f.Data) / 2 }

// Duration returns the playback duration of the frame, or zero if the
// sample rate is unset.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}
