// Package media owns microphone/camera capture for calls. Device hides the
// platform capture APIs behind a small interface so the call controller never
// touches hardware directly and tests can substitute a synthetic device.
//
// A Stream must be acquired fresh per call and fully stopped before the next
// call can take the hardware; a camera/mic track left running keeps the
// device busy and its indicator light on.
package media

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrPermissionDenied means the user or OS refused media access.
	ErrPermissionDenied = errors.New("media: permission denied")
	// ErrDeviceUnavailable means no capture device exists on this host.
	ErrDeviceUnavailable = errors.New("media: device unavailable")
)

// Device acquires local capture streams. Each call to Acquire opens the
// hardware anew — permissions and device availability can change between
// calls, so nothing is cached.
type Device interface {
	// Acquire opens the microphone, plus the camera when video is set.
	Acquire(ctx context.Context, video bool) (*Stream, error)
}

// Track is one local capture track plus its mute state. The enabled flag is
// flipped in place for mute/camera-off; the track itself is never recreated,
// so no renegotiation happens.
type Track struct {
	kind    webrtc.RTPCodecType
	local   webrtc.TrackLocal
	enabled atomic.Bool
	stopped atomic.Bool
	release func()
}

// NewTrack wraps a pion local track. release frees the underlying source and
// is invoked exactly once by Stop.
func NewTrack(kind webrtc.RTPCodecType, local webrtc.TrackLocal, release func()) *Track {
	t := &Track{kind: kind, local: local, release: release}
	t.enabled.Store(true)
	return t
}

// Kind reports whether this is an audio or video track.
func (t *Track) Kind() webrtc.RTPCodecType { return t.kind }

// Local exposes the pion track for attachment to a peer connection.
func (t *Track) Local() webrtc.TrackLocal { return t.local }

// Enabled reports the mute state. Disabled tracks stay attached and
// negotiated; sources consult the flag and emit silence/black instead.
func (t *Track) Enabled() bool { return t.enabled.Load() }

// SetEnabled flips the mute state in place.
func (t *Track) SetEnabled(on bool) { t.enabled.Store(on) }

// Stop releases the capture source. Idempotent.
func (t *Track) Stop() {
	if t.stopped.CompareAndSwap(false, true) && t.release != nil {
		t.release()
	}
}

// Stopped reports whether Stop has run (the track's readyState is "ended").
func (t *Track) Stopped() bool { return t.stopped.Load() }

// Stream is the set of local tracks captured for one call.
type Stream struct {
	tracks []*Track
}

// NewStream groups tracks into a stream.
func NewStream(tracks ...*Track) *Stream { return &Stream{tracks: tracks} }

// Tracks returns all tracks. Callers must not mutate tracks except through
// the SetEnabled/Stop methods.
func (s *Stream) Tracks() []*Track { return s.tracks }

// SetAudioEnabled flips every audio track's enabled flag.
func (s *Stream) SetAudioEnabled(on bool) {
	for _, t := range s.tracks {
		if t.kind == webrtc.RTPCodecTypeAudio {
			t.SetEnabled(on)
		}
	}
}

// SetVideoEnabled flips every video track's enabled flag.
func (s *Stream) SetVideoEnabled(on bool) {
	for _, t := range s.tracks {
		if t.kind == webrtc.RTPCodecTypeVideo {
			t.SetEnabled(on)
		}
	}
}

// AudioEnabled reports whether any audio track is live and enabled.
func (s *Stream) AudioEnabled() bool { return s.kindEnabled(webrtc.RTPCodecTypeAudio) }

// VideoEnabled reports whether any video track is live and enabled.
func (s *Stream) VideoEnabled() bool { return s.kindEnabled(webrtc.RTPCodecTypeVideo) }

func (s *Stream) kindEnabled(kind webrtc.RTPCodecType) bool {
	for _, t := range s.tracks {
		if t.kind == kind && !t.Stopped() && t.Enabled() {
			return true
		}
	}
	return false
}

// Stop stops every track. Idempotent; always safe during teardown races.
func (s *Stream) Stop() {
	if s == nil {
		return
	}
	for _, t := range s.tracks {
		t.Stop()
	}
}
