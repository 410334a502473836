// Package rtc wraps pion's PeerConnection for exactly one call: offer/answer
// generation, remote candidate ingestion and the remote media stream. The
// wrapper owns the connection's whole lifecycle — whoever creates a Peer must
// Close it, and Close is always safe to repeat.
package rtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/DARK-V-98/zmes/internal/media"
	"github.com/DARK-V-98/zmes/internal/signal"
)

// ErrNegotiationFailed marks a malformed or rejected session description.
// Fatal to the call attempt; the user sees a generic "call failed".
var ErrNegotiationFailed = errors.New("rtc: negotiation failed")

// STUN only — TURN provisioning is supplied externally when needed.
var iceServers = []string{
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// engineConfigurator is implemented by capture devices whose encoders must be
// registered on the media engine (pion/mediadevices codec selectors).
type engineConfigurator interface {
	ConfigureEngine(*webrtc.MediaEngine) error
}

// Peer owns one PeerConnection. Not safe for use by multiple calls; create a
// fresh Peer per call attempt.
type Peer struct {
	pc     *webrtc.PeerConnection
	remote *RemoteStream

	mu        sync.Mutex
	remoteSet bool
	buffered  []webrtc.ICECandidateInit
	closed    bool

	ingested atomic.Int32
	state    atomic.Int32
}

// NewPeer builds a configured PeerConnection. dev supplies the codec setup
// when it is a capture device; onRemoteTrack fires once per arriving remote
// track with the accumulating remote stream (mutated in place, never
// replaced, so audio and video arriving at different times both land in the
// same stream).
func NewPeer(dev media.Device, onRemoteTrack func(*RemoteStream)) (*Peer, error) {
	me := &webrtc.MediaEngine{}
	if ec, ok := dev.(engineConfigurator); ok {
		if err := ec.ConfigureEngine(me); err != nil {
			return nil, fmt.Errorf("configure media engine: %w", err)
		}
	} else if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithInterceptorRegistry(ir))
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:           []webrtc.ICEServer{{URLs: iceServers}},
		ICECandidatePoolSize: 10,
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &Peer{pc: pc, remote: newRemoteStream()}
	p.state.Store(int32(webrtc.PeerConnectionStateNew))

	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Debug().Str("kind", tr.Kind().String()).Msg("rtc: remote track arrived")
		p.remote.add(tr)
		if onRemoteTrack != nil {
			onRemoteTrack(p.remote)
		}
	})

	return p, nil
}

// Remote returns the accumulating remote stream handle.
func (p *Peer) Remote() *RemoteStream { return p.remote }

// GenerateOffer attaches all local tracks and produces the offer. Tracks go
// on first — the SDP only carries m-lines for media already attached.
func (p *Peer) GenerateOffer(local *media.Stream) (signal.Description, error) {
	if err := p.attach(local); err != nil {
		return signal.Description{}, err
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return signal.Description{}, fmt.Errorf("%w: create offer: %v", ErrNegotiationFailed, err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return signal.Description{}, fmt.Errorf("%w: set local offer: %v", ErrNegotiationFailed, err)
	}
	return signal.Description{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// GenerateAnswer ingests the caller's offer, attaches local tracks and
// produces the answer.
func (p *Peer) GenerateAnswer(local *media.Stream, remoteOffer signal.Description) (signal.Description, error) {
	if err := p.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: remoteOffer.SDP}); err != nil {
		return signal.Description{}, err
	}
	if err := p.attach(local); err != nil {
		return signal.Description{}, err
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return signal.Description{}, fmt.Errorf("%w: create answer: %v", ErrNegotiationFailed, err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return signal.Description{}, fmt.Errorf("%w: set local answer: %v", ErrNegotiationFailed, err)
	}
	return signal.Description{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// ApplyRemoteAnswer ingests the callee's answer. A no-op when a remote
// description is already set — the record watcher can deliver the same
// answer more than once.
func (p *Peer) ApplyRemoteAnswer(answer signal.Description) error {
	p.mu.Lock()
	if p.remoteSet {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP})
}

// IngestRemoteCandidate adds one remote ICE candidate. Candidates arriving
// before the remote description are buffered and flushed when it lands.
func (p *Peer) IngestRemoteCandidate(raw json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	if !p.remoteSet {
		p.buffered = append(p.buffered, init)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	p.ingested.Add(1)
	return p.pc.AddICECandidate(init)
}

// IngestedCandidates reports how many remote candidates reached the
// underlying connection (buffered ones count once flushed).
func (p *Peer) IngestedCandidates() int { return int(p.ingested.Load()) }

// OnLocalCandidate registers the trickle-ICE callback. Each gathered
// candidate is delivered serialized; the end-of-gathering nil is filtered
// out. Register at most once per Peer.
func (p *Peer) OnLocalCandidate(fn func(json.RawMessage)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			log.Error().Err(err).Msg("rtc: marshal local candidate")
			return
		}
		fn(data)
	})
}

// OnConnectionStateChange surfaces transport state transitions. The
// "connected" transition is the authoritative ringing→active signal; answer
// exchange completing does not imply it. Register at most once per Peer.
func (p *Peer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.state.Store(int32(state))
		fn(state)
	})
}

// ConnectionState returns the last observed transport state.
func (p *Peer) ConnectionState() webrtc.PeerConnectionState {
	return webrtc.PeerConnectionState(p.state.Load())
}

// Close releases the connection. Safe to call repeatedly and concurrently.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.pc.Close()
}

// attach adds every local track to the connection.
func (p *Peer) attach(local *media.Stream) error {
	for _, t := range local.Tracks() {
		if _, err := p.pc.AddTrack(t.Local()); err != nil {
			return fmt.Errorf("%w: add %s track: %v", ErrNegotiationFailed, t.Kind(), err)
		}
	}
	return nil
}

// setRemote applies the remote description and flushes candidates that
// arrived early.
func (p *Peer) setRemote(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: set remote %s: %v", ErrNegotiationFailed, desc.Type, err)
	}

	p.mu.Lock()
	p.remoteSet = true
	buffered := p.buffered
	p.buffered = nil
	p.mu.Unlock()

	for _, init := range buffered {
		p.ingested.Add(1)
		if err := p.pc.AddICECandidate(init); err != nil {
			log.Warn().Err(err).Msg("rtc: flush buffered candidate")
		}
	}
	return nil
}

// RemoteStream accumulates remote tracks as they arrive. The same handle is
// mutated for the lifetime of the call so subscribers always observe the
// latest composite.
type RemoteStream struct {
	mu     sync.Mutex
	tracks []*webrtc.TrackRemote
}

func newRemoteStream() *RemoteStream { return &RemoteStream{} }

func (r *RemoteStream) add(t *webrtc.TrackRemote) {
	r.mu.Lock()
	r.tracks = append(r.tracks, t)
	r.mu.Unlock()
}

// Tracks returns a snapshot of the tracks received so far.
func (r *RemoteStream) Tracks() []*webrtc.TrackRemote {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*webrtc.TrackRemote, len(r.tracks))
	copy(out, r.tracks)
	return out
}
