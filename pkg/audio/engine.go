package audio

import "context"

// Capturer is implemented by microphone capture engines. Start opens the
// input device and invokes onFrame for every captured chunk until the
// returned handle is stopped or ctx is canceled.
type Capturer interface {
	Start(ctx context.Context, onFrame func(Frame)) (CaptureHandle, error)
}

// CaptureHandle controls a running capture stream. Stop is idempotent and
// guarantees that no onFrame callback fires after it returns.
type CaptureHandle interface {
	Stop()
}

// Renderer plays frames on an output device. Render blocks until the frame
// has been written to the device.
type Renderer interface {
	Render(Frame) error
	Close() error
}
