// Package call coordinates one two-party call at a time: caller and callee
// roles, the offer/answer/candidate exchange through the signaling channel,
// and convergence to Ended no matter which side tears down first.
//
// The controller is the exclusive owner of the local media stream and the
// peer connection for the duration of a call. Every teardown path — hangup,
// decline, remote delete, transport failure, setup error — releases both and
// deletes the call record; all three operations are idempotent, which is
// what makes the hangup-vs-decline races safe.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/DARK-V-98/zmes/internal/directory"
	"github.com/DARK-V-98/zmes/internal/media"
	"github.com/DARK-V-98/zmes/internal/rtc"
	"github.com/DARK-V-98/zmes/internal/signal"
)

// signalTimeout bounds individual signaling writes. A call has a human
// waiting on it; indefinite retry has no UX value, so slow storage fails the
// attempt instead.
const signalTimeout = 10 * time.Second

var (
	// ErrBusy rejects a new outgoing call while another call attempt owns
	// the hardware.
	ErrBusy = errors.New("call: another call is in progress")
	// ErrNoIncomingCall rejects Accept/Decline outside incoming-ringing.
	ErrNoIncomingCall = errors.New("call: no incoming call")
)

// Controller runs the call state machine for one local user.
//
// All exported methods return promptly; media acquisition, negotiation and
// signaling run in the background and are observed through the onChange
// notifications.
type Controller struct {
	channel  signal.Channel
	device   media.Device
	dir      directory.Directory
	self     directory.User
	onChange func(Status)

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	gen         uint64 // bumped per call attempt; stale async events check it
	stage       Stage
	callID      string
	peerUser    directory.User
	callType    signal.CallType
	incomingRec *signal.CallRecord
	peer        *rtc.Peer
	local       *media.Stream
	unsubs      []signal.Unsubscribe
	pendingOut  []json.RawMessage // local candidates gathered before the record exists
	outDir      signal.Direction
	connected   bool
	connectedAt time.Time
	lastErr     error

	stopIncoming signal.Unsubscribe
}

// NewController wires the collaborators together. dir may be nil; incoming
// callers then display by bare id.
func NewController(ch signal.Channel, dev media.Device, dir directory.Directory, self directory.User, onChange func(Status)) *Controller {
	return &Controller{
		channel:  ch,
		device:   dev,
		dir:      dir,
		self:     self,
		onChange: onChange,
		stage:    StageIdle,
	}
}

// Start begins watching for call records addressed to this user. Must be
// called before any call can be placed or received.
func (c *Controller) Start(ctx context.Context) error {
	cctx, cancel := context.WithCancel(ctx)

	unsub, err := c.channel.WatchIncoming(cctx, c.self.ID, c.handleIncoming)
	if err != nil {
		cancel()
		return fmt.Errorf("watch incoming calls: %w", err)
	}

	c.mu.Lock()
	c.ctx, c.cancel = cctx, cancel
	c.stopIncoming = unsub
	c.mu.Unlock()
	return nil
}

// Stop ends any in-flight call and stops watching for new ones.
func (c *Controller) Stop() {
	c.mu.Lock()
	unsub := c.stopIncoming
	c.stopIncoming = nil
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	_ = c.End(context.Background())
	if cancel != nil {
		cancel()
	}
}

// StartCall places an outgoing call. The ringing notification is deferred
// until local media is captured and the call record exists, so permission
// and device errors surface before any ringing UI ever appears.
func (c *Controller) StartCall(_ context.Context, callee directory.User, typ signal.CallType) error {
	if !typ.Valid() {
		return fmt.Errorf("call: invalid call type %q", typ)
	}

	c.mu.Lock()
	if c.stage.InCall() {
		c.mu.Unlock()
		return ErrBusy
	}
	gen := c.newAttemptLocked()
	c.stage = StageOutgoing
	c.peerUser = callee
	c.callType = typ
	c.outDir = signal.DirOffer
	c.mu.Unlock()

	go c.placeCall(gen, callee, typ)
	return nil
}

// Accept answers the ringing incoming call. Media is acquired only now —
// the user should not be prompted for camera/mic before agreeing to answer.
func (c *Controller) Accept(_ context.Context) error {
	c.mu.Lock()
	if c.stage != StageIncoming || c.incomingRec == nil {
		c.mu.Unlock()
		return ErrNoIncomingCall
	}
	gen := c.gen
	rec := *c.incomingRec
	c.outDir = signal.DirAnswer
	c.mu.Unlock()

	go c.answerCall(gen, rec)
	return nil
}

// Decline rejects the ringing incoming call without ever touching media.
// Deleting the record is what tells the caller; their deleted-watcher drives
// them to Ended.
func (c *Controller) Decline(_ context.Context) error {
	c.mu.Lock()
	if c.stage != StageIncoming {
		c.mu.Unlock()
		return ErrNoIncomingCall
	}
	gen := c.gen
	c.mu.Unlock()

	c.endAttempt(gen, nil)
	return nil
}

// End hangs up the current call (or cancels the outgoing ring). A no-op when
// no call is in flight, so concurrent hangups from both sides never error.
func (c *Controller) End(_ context.Context) error {
	c.mu.Lock()
	if !c.stage.InCall() {
		c.mu.Unlock()
		return nil
	}
	gen := c.gen
	c.mu.Unlock()

	c.endAttempt(gen, nil)
	return nil
}

// ToggleMute flips the local audio tracks' enabled flag in place — no track
// teardown, no renegotiation. Returns true when audio is now muted.
func (c *Controller) ToggleMute() bool {
	c.mu.Lock()
	local := c.local
	c.mu.Unlock()
	if local == nil {
		return false
	}
	wasEnabled := local.AudioEnabled()
	local.SetAudioEnabled(!wasEnabled)
	return wasEnabled
}

// ToggleCamera flips the local video tracks' enabled flag. Returns true when
// video is now off.
func (c *Controller) ToggleCamera() bool {
	c.mu.Lock()
	local := c.local
	c.mu.Unlock()
	if local == nil {
		return false
	}
	wasEnabled := local.VideoEnabled()
	local.SetVideoEnabled(!wasEnabled)
	return wasEnabled
}

// LocalStream exposes the capture stream for rendering. Callers must not
// mutate it except through the toggle methods.
func (c *Controller) LocalStream() *media.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// RemoteStream exposes the accumulating remote stream, or nil before a
// connection exists.
func (c *Controller) RemoteStream() *rtc.RemoteStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peer == nil {
		return nil
	}
	return c.peer.Remote()
}

// Status returns the current UI snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		Stage:     c.stage,
		Peer:      c.peerUser,
		Type:      c.callType,
		Connected: c.connected,
		Err:       c.lastErr,
	}
	if c.connected {
		s.Elapsed = time.Since(c.connectedAt)
	}
	return s
}

// ---------------------------------------------------------------------------
// Caller side
// ---------------------------------------------------------------------------

func (c *Controller) placeCall(gen uint64, callee directory.User, typ signal.CallType) {
	ctx := c.rootCtx()

	local, err := c.device.Acquire(ctx, typ == signal.CallVideo)
	if err != nil {
		// Nothing was created yet: no orphan record on permission denial.
		c.failSetup(gen, StageIdle, err)
		return
	}

	peer, err := rtc.NewPeer(c.device, func(*rtc.RemoteStream) { c.notify() })
	if err != nil {
		local.Stop()
		c.failSetup(gen, StageIdle, err)
		return
	}

	if !c.adoptResources(gen, peer, local) {
		return
	}
	c.wirePeer(gen, peer)

	offer, err := peer.GenerateOffer(local)
	if err != nil {
		c.failSetup(gen, StageIdle, err)
		return
	}

	cctx, cancel := context.WithTimeout(ctx, signalTimeout)
	id, err := c.channel.Create(cctx, signal.CallRecord{
		CallerID: c.self.ID,
		CalleeID: callee.ID,
		Type:     typ,
		Offer:    &offer,
	})
	cancel()
	if err != nil {
		c.failSetup(gen, StageIdle, err)
		return
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		c.deleteRecord(id)
		return
	}
	c.callID = id
	pending := c.pendingOut
	c.pendingOut = nil
	c.mu.Unlock()

	// Candidates gathered while the record id was still unknown.
	for _, cand := range pending {
		c.appendCandidate(id, signal.DirOffer, cand)
	}

	unsub, err := c.channel.Watch(ctx, id, func(rec signal.CallRecord) { c.answerObserved(gen, rec) })
	if err != nil {
		c.endAttempt(gen, err)
		return
	}
	c.addUnsub(gen, unsub)

	unsub, err = c.channel.WatchCandidates(ctx, id, signal.DirAnswer, func(cand json.RawMessage) {
		c.remoteCandidate(gen, cand)
	})
	if err != nil {
		c.endAttempt(gen, err)
		return
	}
	c.addUnsub(gen, unsub)

	c.watchDeleted(gen, id)

	// Ringing, for real now.
	c.notify()
}

// answerObserved reacts to record mutations on the caller side. Only records
// that actually carry an answer matter — this is keyed on record state, not
// on event timing, so it can never confuse a fresh incoming record with an
// answer arriving.
func (c *Controller) answerObserved(gen uint64, rec signal.CallRecord) {
	if rec.Answer == nil {
		return
	}

	c.mu.Lock()
	if c.gen != gen || c.peer == nil {
		c.mu.Unlock()
		return
	}
	peer := c.peer
	c.mu.Unlock()

	// Duplicate deliveries end here: ApplyRemoteAnswer no-ops once a remote
	// description is set.
	if err := peer.ApplyRemoteAnswer(*rec.Answer); err != nil {
		log.Error().Err(err).Msg("call: apply remote answer")
		c.endAttempt(gen, err)
		return
	}

	c.mu.Lock()
	changed := false
	if c.gen == gen && c.stage == StageOutgoing {
		c.stage = StageActive
		changed = true
	}
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

// ---------------------------------------------------------------------------
// Callee side
// ---------------------------------------------------------------------------

// handleIncoming fires from the signaling channel for every new call record
// addressed to this user that carries an offer and no answer yet.
func (c *Controller) handleIncoming(rec signal.CallRecord) {
	c.mu.Lock()
	if c.stage.InCall() {
		c.mu.Unlock()
		log.Debug().Str("call_id", rec.ID).Msg("call: busy, ignoring incoming call")
		return
	}
	gen := c.newAttemptLocked()
	c.stage = StageIncoming
	c.callID = rec.ID
	r := rec
	c.incomingRec = &r
	c.callType = rec.Type
	c.peerUser = directory.User{ID: rec.CallerID}
	c.mu.Unlock()

	// The rest of the ring setup does its own signaling and directory round
	// trips; keep those off the watch delivery goroutine so later events for
	// this connection are not held up behind them.
	go c.ringIncoming(gen, rec)
}

func (c *Controller) ringIncoming(gen uint64, rec signal.CallRecord) {
	if c.dir != nil {
		lctx, cancel := context.WithTimeout(c.rootCtx(), signalTimeout)
		if u, err := c.dir.Lookup(lctx, rec.CallerID); err == nil {
			c.mu.Lock()
			if c.gen == gen {
				c.peerUser = u
			}
			c.mu.Unlock()
		}
		cancel()
	}

	// The caller may cancel before we answer; their delete must stop the
	// ringing here.
	c.watchDeleted(gen, rec.ID)

	c.notify()
}

func (c *Controller) answerCall(gen uint64, rec signal.CallRecord) {
	ctx := c.rootCtx()

	local, err := c.device.Acquire(ctx, rec.Type == signal.CallVideo)
	if err != nil {
		// Delete the record so the caller's watcher learns we cannot answer.
		c.deleteRecord(rec.ID)
		c.failSetup(gen, StageEnded, err)
		return
	}

	peer, err := rtc.NewPeer(c.device, func(*rtc.RemoteStream) { c.notify() })
	if err != nil {
		local.Stop()
		c.deleteRecord(rec.ID)
		c.failSetup(gen, StageEnded, err)
		return
	}

	if !c.adoptResources(gen, peer, local) {
		return
	}
	c.wirePeer(gen, peer)

	answer, err := peer.GenerateAnswer(local, *rec.Offer)
	if err != nil {
		c.endAttempt(gen, err)
		return
	}

	cctx, cancel := context.WithTimeout(ctx, signalTimeout)
	err = c.channel.SetAnswer(cctx, rec.ID, answer)
	cancel()
	if errors.Is(err, signal.ErrRecordNotFound) {
		// Caller cancelled while we were answering; converge to Ended.
		c.endAttempt(gen, nil)
		return
	}
	if err != nil {
		c.endAttempt(gen, err)
		return
	}

	// Replay delivers any offer-side candidates the caller queued before we
	// started listening.
	unsub, err := c.channel.WatchCandidates(ctx, rec.ID, signal.DirOffer, func(cand json.RawMessage) {
		c.remoteCandidate(gen, cand)
	})
	if err != nil {
		c.endAttempt(gen, err)
		return
	}
	c.addUnsub(gen, unsub)

	c.mu.Lock()
	changed := false
	if c.gen == gen && c.stage == StageIncoming {
		c.stage = StageActive
		c.incomingRec = nil
		changed = true
	}
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

// ---------------------------------------------------------------------------
// Shared plumbing
// ---------------------------------------------------------------------------

// wirePeer registers the per-connection callbacks, exactly once per peer.
func (c *Controller) wirePeer(gen uint64, peer *rtc.Peer) {
	peer.OnLocalCandidate(func(cand json.RawMessage) {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		id, dir := c.callID, c.outDir
		if id == "" {
			c.pendingOut = append(c.pendingOut, cand)
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		c.appendCandidate(id, dir, cand)
	})

	peer.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Debug().Str("state", st.String()).Msg("call: connection state")
		switch st {
		case webrtc.PeerConnectionStateConnected:
			c.markConnected(gen)
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateClosed:
			// Our own Close bumps gen first, so this only fires for losses
			// during a live call. Not retried; the user re-initiates.
			c.endAttempt(gen, nil)
		}
	})
}

// markConnected is the transport-level active signal; only it starts the
// duration timer.
func (c *Controller) markConnected(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = true
	c.connectedAt = time.Now()
	if c.stage == StageOutgoing {
		c.stage = StageActive
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) remoteCandidate(gen uint64, cand json.RawMessage) {
	c.mu.Lock()
	if c.gen != gen || c.peer == nil {
		c.mu.Unlock()
		return
	}
	peer := c.peer
	c.mu.Unlock()

	if err := peer.IngestRemoteCandidate(cand); err != nil {
		log.Warn().Err(err).Msg("call: ingest remote candidate")
	}
}

func (c *Controller) appendCandidate(id string, dir signal.Direction, cand json.RawMessage) {
	ctx, cancel := context.WithTimeout(c.rootCtx(), signalTimeout)
	defer cancel()
	err := c.channel.AppendCandidate(ctx, id, dir, cand)
	if err != nil && !errors.Is(err, signal.ErrRecordNotFound) {
		log.Warn().Err(err).Str("call_id", id).Msg("call: append candidate")
	}
}

// watchDeleted subscribes to the counterparty-hangup signal for this attempt.
func (c *Controller) watchDeleted(gen uint64, id string) {
	unsub, err := c.channel.WatchDeleted(c.rootCtx(), id, func() {
		c.endAttempt(gen, nil)
	})
	if err != nil {
		// Record gone already — the counterpart won the race.
		c.endAttempt(gen, nil)
		return
	}
	c.addUnsub(gen, unsub)
}

// adoptResources stores peer and local on the current attempt, or releases
// them when the attempt was torn down in the meantime.
func (c *Controller) adoptResources(gen uint64, peer *rtc.Peer, local *media.Stream) bool {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = peer.Close()
		local.Stop()
		return false
	}
	c.peer = peer
	c.local = local
	c.mu.Unlock()
	return true
}

// addUnsub attaches an unsubscribe to the attempt, cancelling it on the spot
// when the attempt already ended.
func (c *Controller) addUnsub(gen uint64, u signal.Unsubscribe) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		u()
		return
	}
	c.unsubs = append(c.unsubs, u)
	c.mu.Unlock()
}

// newAttemptLocked starts a fresh call attempt. Caller holds c.mu.
func (c *Controller) newAttemptLocked() uint64 {
	c.gen++
	c.callID = ""
	c.incomingRec = nil
	c.pendingOut = nil
	c.connected = false
	c.lastErr = nil
	return c.gen
}

// endAttempt is the single teardown path: hangup, decline, remote delete,
// transport loss and post-setup errors all land here. It bumps gen so every
// stale callback of this attempt becomes inert, then unsubscribes, closes
// the connection, stops local media and deletes the record — in that order,
// each step idempotent.
func (c *Controller) endAttempt(gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen || !c.stage.InCall() {
		c.mu.Unlock()
		return
	}
	c.gen++
	unsubs := c.unsubs
	c.unsubs = nil
	peer, local := c.peer, c.local
	c.peer, c.local = nil, nil
	id := c.callID
	c.callID = ""
	c.incomingRec = nil
	c.pendingOut = nil
	c.stage = StageEnded
	c.connected = false
	c.lastErr = cause
	c.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	if peer != nil {
		_ = peer.Close()
	}
	local.Stop()
	if id != "" {
		c.deleteRecord(id)
	}
	c.notify()
}

// failSetup aborts a call attempt that never fully started. Unlike
// endAttempt it can land on StageIdle (outgoing: the ringing UI never
// appeared) and leaves record deletion to the caller, since most setup
// failures happen before a record exists.
func (c *Controller) failSetup(gen uint64, to Stage, cause error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	unsubs := c.unsubs
	c.unsubs = nil
	peer, local := c.peer, c.local
	c.peer, c.local = nil, nil
	c.callID = ""
	c.incomingRec = nil
	c.pendingOut = nil
	c.stage = to
	c.connected = false
	c.lastErr = cause
	c.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	if peer != nil {
		_ = peer.Close()
	}
	local.Stop()
	c.notify()
}

func (c *Controller) deleteRecord(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	if err := c.channel.Delete(ctx, id); err != nil {
		log.Warn().Err(err).Str("call_id", id).Msg("call: delete record")
	}
}

func (c *Controller) rootCtx() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx != nil {
		return c.ctx
	}
	return context.Background()
}

func (c *Controller) notify() {
	if c.onChange != nil {
		c.onChange(c.Status())
	}
}
