// Package signal delivers handshake payloads between two terminals that have
// no network path: rendered visual codes scanned by a camera, or raw text
// copied through any messaging channel.
package signal

import (
	"errors"
)

// ErrCameraUnavailable is returned when the camera cannot be acquired
// (missing hardware, permission denied, already held by another process).
// Callers fall back to manual text exchange.
var ErrCameraUnavailable = errors.New("signal: camera unavailable")

// Camera is the platform capability for acquiring the scanning hardware.
type Camera interface {
	// Acquire opens the camera. Exactly one Release per successful Acquire.
	Acquire() (FrameSource, error)
}

// FrameSource is an open camera stream.
type FrameSource interface {
	// Grab returns the next frame, blocking at most one frame interval.
	Grab() ([]byte, error)

	// Release tears the stream down. Safe to call more than once.
	Release()
}

// CodeDetector recognizes a visual code inside a single frame. One
// implementation per platform; tests script their own.
type CodeDetector interface {
	// Detect returns the decoded string and true when a code is found.
	Detect(frame []byte) (string, bool)
}
