//go:build !linux

package media

import "context"

// CaptureDevice is a stub on platforms without mediadevices drivers wired in.
// Camera/mic capture needs V4L2 + malgo, which this build lacks; use
// SyntheticDevice (-fake-media) instead.
type CaptureDevice struct{}

var _ Device = (*CaptureDevice)(nil)

// NewCaptureDevice always succeeds; the failure surfaces per call from
// Acquire, matching how a browser defers permission errors to getUserMedia.
func NewCaptureDevice() (*CaptureDevice, error) {
	return &CaptureDevice{}, nil
}

// Acquire implements Device.
func (*CaptureDevice) Acquire(context.Context, bool) (*Stream, error) {
	return nil, ErrDeviceUnavailable
}
