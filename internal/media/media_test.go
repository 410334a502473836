package media

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v4"
)

func syntheticStream(t *testing.T, video bool) *Stream {
	t.Helper()
	s, err := SyntheticDevice{}.Acquire(context.Background(), video)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestAcquireTrackKinds(t *testing.T) {
	testCases := []struct {
		name      string
		video     bool
		wantKinds []webrtc.RTPCodecType
	}{
		{name: "audio only", video: false, wantKinds: []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}},
		{name: "audio and video", video: true, wantKinds: []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := syntheticStream(t, tc.video)
			tracks := s.Tracks()
			if len(tracks) != len(tc.wantKinds) {
				t.Fatalf("track count = %d, want %d", len(tracks), len(tc.wantKinds))
			}
			for i, k := range tc.wantKinds {
				if tracks[i].Kind() != k {
					t.Fatalf("track %d kind = %s, want %s", i, tracks[i].Kind(), k)
				}
				if !tracks[i].Enabled() {
					t.Fatalf("track %d starts disabled", i)
				}
			}
		})
	}
}

func TestMuteFlipsFlagWithoutReplacingTrack(t *testing.T) {
	s := syntheticStream(t, true)
	audio := s.Tracks()[0]
	before := audio.Local()

	s.SetAudioEnabled(false)
	if s.AudioEnabled() {
		t.Fatal("audio still enabled after mute")
	}
	if s.VideoEnabled() != true {
		t.Fatal("mute touched the video track")
	}

	s.SetAudioEnabled(true)
	if !s.AudioEnabled() {
		t.Fatal("audio not re-enabled after unmute")
	}

	// The underlying track must survive the toggle — replacing it would
	// force renegotiation mid-call.
	if audio.Local() != before {
		t.Fatal("mute replaced the local track")
	}
}

func TestCameraToggleLeavesAudioAlone(t *testing.T) {
	s := syntheticStream(t, true)

	s.SetVideoEnabled(false)
	if s.VideoEnabled() {
		t.Fatal("video still enabled after camera off")
	}
	if !s.AudioEnabled() {
		t.Fatal("camera toggle muted the audio")
	}
}

func TestStopIsIdempotentAndEndsTracks(t *testing.T) {
	s, err := SyntheticDevice{}.Acquire(context.Background(), true)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	s.Stop()
	for i, tr := range s.Tracks() {
		if !tr.Stopped() {
			t.Fatalf("track %d not stopped", i)
		}
	}
	if s.AudioEnabled() || s.VideoEnabled() {
		t.Fatal("stopped stream still reports live media")
	}

	// Teardown races end both sides at once.
	s.Stop()
	s.Tracks()[0].Stop()
}

func TestNilStreamStopIsSafe(t *testing.T) {
	var s *Stream
	s.Stop()
}

func TestTrackReleaseRunsOnce(t *testing.T) {
	n := 0
	tr := NewTrack(webrtc.RTPCodecTypeAudio, nil, func() { n++ })

	tr.Stop()
	tr.Stop()
	if n != 1 {
		t.Fatalf("release ran %d times, want 1", n)
	}
}
