// Package device defines the hardware boundary of the bridge: audio
// capture/playback devices and the GPIO-like edge source that drives
// push-to-talk.
//
// Implementations are injected at startup. The bridge only relies on the
// contracts below: ReadFrame/WriteFrame block for roughly one frame period
// bounded by device buffering, and WaitForEdge blocks until the monitored
// input changes state or the context ends.
package device

import (
	"context"
	"errors"
	"time"
)

// ErrDeviceClosed is returned by device operations after Close. A closed
// device is how capture/playback loops observe shutdown.
var ErrDeviceClosed = errors.New("device: closed")

// CaptureDevice reads fixed-duration frames of mono PCM from an input.
// ReadFrame fills dst completely; len(dst) is the frame size negotiated at
// channel construction.
type CaptureDevice interface {
	ReadFrame(dst []int16) error
	Close() error
}

// PlaybackDevice writes fixed-duration frames of mono PCM to an output.
type PlaybackDevice interface {
	WriteFrame(src []int16) error
	Close() error
}

// Edge is one observed transition on a monitored input pin.
type Edge struct {
	Pin     int
	Pressed bool
	At      time.Time
}

// EdgeSource delivers input transitions for one physical PTT input.
// Active-low wiring and pull-up configuration are the implementation's
// concern; Pressed is already normalized.
type EdgeSource interface {
	WaitForEdge(ctx context.Context) (Edge, error)
}
