// Package device implements microphone capture and speaker playback on top
// of PortAudio.
//
// A [CaptureEngine] owns the default input device: Start opens the stream
// and runs a fixed-cadence read loop, Stop releases it. A [Renderer] owns
// the default output device and plays one frame per Render call. Both fail
// fast during open with [ErrPermissionDenied] or [ErrNoDevice] so a session
// can surface the problem before any audio flows.
package device

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gordonklaus/portaudio"
)

// Sentinel errors for device open failures. Neither is retryable without
// user action (granting microphone access, plugging in a device).
var (
	// ErrPermissionDenied indicates the OS refused microphone access.
	ErrPermissionDenied = errors.New("device: microphone permission denied")

	// ErrNoDevice indicates no usable audio device is present.
	ErrNoDevice = errors.New("device: no audio device available")
)

// classifyOpenErr maps a PortAudio open failure onto the package sentinels
// where the host error text allows it. Unrecognized failures pass through
// wrapped as-is.
func classifyOpenErr(op string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "access denied"):
		return fmt.Errorf("device: %s: %w: %v", op, ErrPermissionDenied, err)
	case strings.Contains(msg, "no device") ||
		strings.Contains(msg, "invalid device") ||
		strings.Contains(msg, "device unavailable"):
		return fmt.Errorf("device: %s: %w: %v", op, ErrNoDevice, err)
	}
	return fmt.Errorf("device: %s: %w", op, err)
}

// initHost initializes the PortAudio host. Initialization is reference
// counted by PortAudio itself, so every successful initHost must be paired
// with one portaudio.Terminate.
func initHost() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("device: initialize: %w", err)
	}
	return nil
}
