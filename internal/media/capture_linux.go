//go:build linux

package media

import (
	"context"
	"fmt"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the V4L2 camera driver
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the malgo microphone driver
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// CaptureDevice captures real microphone/camera input through
// pion/mediadevices (V4L2 + malgo), encoding VP8 + Opus.
type CaptureDevice struct {
	selector *mediadevices.CodecSelector
}

var _ Device = (*CaptureDevice)(nil)

// NewCaptureDevice builds the codec selector shared by every Acquire.
func NewCaptureDevice() (*CaptureDevice, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &CaptureDevice{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// ConfigureEngine registers the capture encoders on the peer connection's
// media engine so the generated SDP advertises matching codecs.
func (d *CaptureDevice) ConfigureEngine(me *webrtc.MediaEngine) error {
	d.selector.Populate(me)
	return nil
}

// Acquire implements Device.
func (d *CaptureDevice) Acquire(_ context.Context, video bool) (*Stream, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	if video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only — MJPEG camera nodes can hand the VP8 encoder
			// malformed frames and poison the whole negotiation.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, classifyCaptureError(err)
	}

	var tracks []*Track
	for _, tr := range stream.GetTracks() {
		tr := tr
		tracks = append(tracks, NewTrack(tr.Kind(), tr, func() { _ = tr.Close() }))
	}
	return NewStream(tracks...), nil
}

// classifyCaptureError maps driver failures onto the package taxonomy.
func classifyCaptureError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "access denied") {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}
