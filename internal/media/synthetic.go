package media

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is a canned Opus frame decoding to 20 ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticDevice fabricates capture tracks that carry silence instead of
// real microphone/camera input. It exists for tests and for hosts without
// capture hardware (-fake-media): the full negotiation path — m-lines, track
// attachment, mute toggles, teardown — behaves exactly as with live capture.
type SyntheticDevice struct{}

var _ Device = SyntheticDevice{}

// Acquire implements Device.
func (SyntheticDevice) Acquire(_ context.Context, video bool) (*Stream, error) {
	audio, err := newSyntheticAudio()
	if err != nil {
		return nil, err
	}
	tracks := []*Track{audio}

	if video {
		vt, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", "zmes-local",
		)
		if err != nil {
			audio.Stop()
			return nil, err
		}
		// No frame pump: a sample track that never writes is a valid, fully
		// negotiated video source. Receivers simply render nothing.
		tracks = append(tracks, NewTrack(webrtc.RTPCodecTypeVideo, vt, nil))
	}

	return NewStream(tracks...), nil
}

// newSyntheticAudio builds an audio track fed by a 20 ms ticker. The pump
// consults the track's enabled flag, so mute behaves observably even with
// fabricated input, and exits when the track is stopped.
func newSyntheticAudio() (*Track, error) {
	at, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "zmes-local",
	)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	track := NewTrack(webrtc.RTPCodecTypeAudio, at, func() { close(done) })

	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if !track.Enabled() {
					continue
				}
				// WriteSample errors until the track is bound; ignore.
				_ = at.WriteSample(media.Sample{Data: opusSilence, Duration: 20 * time.Millisecond})
			}
		}
	}()

	return track, nil
}
