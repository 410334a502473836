// Package signal implements the rendezvous channel two peers use to
// negotiate a call before any direct media path exists. It stores call
// records (offer, answer, per-direction ICE candidates) and lets each side
// watch for the mutations the other side makes.
//
// The package carries no call semantics of its own: who rings, who answers
// and when to tear down are decided by internal/call. Two implementations
// are provided — an in-process Memory store and a WebSocket Client that
// talks to a zmesd server backed by the same store.
package signal

import (
	"context"
	"encoding/json"
	"errors"
)

// CallType selects which media a call carries.
type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// Valid reports whether t is one of the known call types.
func (t CallType) Valid() bool {
	return t == CallAudio || t == CallVideo
}

// Direction names one of the two candidate sub-collections of a call record.
// Offer-side candidates are written by the caller and read by the callee;
// answer-side candidates flow the other way.
type Direction string

const (
	DirOffer  Direction = "offer"
	DirAnswer Direction = "answer"
)

// Description is one half of the SDP negotiation ("offer" or "answer").
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// CallRecord is the shared document representing one call attempt. It is
// created by the caller with the offer already set, mutated once by the
// callee (answer written) and deleted by whichever side ends the call first.
// A record that no longer exists means "no active call".
type CallRecord struct {
	ID       string       `json:"id"`
	CallerID string       `json:"callerId"`
	CalleeID string       `json:"calleeId"`
	Type     CallType     `json:"type"`
	Offer    *Description `json:"offer,omitempty"`
	Answer   *Description `json:"answer,omitempty"`
}

// Storage errors. Implementations wrap transport-specific failures into
// ErrStorageUnavailable so callers can treat "the store is unreachable"
// uniformly; ErrRecordNotFound marks the benign race where the counterpart
// deleted the record first.
var (
	ErrStorageUnavailable = errors.New("signal: storage unavailable")
	ErrRecordNotFound     = errors.New("signal: call record not found")
)

// Unsubscribe cancels a watch. Safe to call more than once; after it returns
// the callback will not be invoked again.
type Unsubscribe func()

// Channel is the watchable document store used for call signaling.
//
// All watch callbacks for a given record are delivered in the order the
// corresponding writes happened, one at a time. Callbacks must not block for
// long — they share a delivery loop — but they may call back into the
// Channel.
type Channel interface {
	// Create inserts a new call record and returns its generated id. The
	// ID field of rec is ignored.
	Create(ctx context.Context, rec CallRecord) (string, error)

	// SetAnswer writes the callee's answer into the record. Returns
	// ErrRecordNotFound if the record was deleted in the interim.
	SetAnswer(ctx context.Context, id string, answer Description) error

	// AppendCandidate adds one ICE candidate to the record's sub-collection
	// for the given direction. The candidate is opaque to the store.
	AppendCandidate(ctx context.Context, id string, dir Direction, candidate json.RawMessage) error

	// Delete removes the record. Deleting a record that does not exist is
	// not an error, so concurrent hangup-vs-decline races are safe.
	Delete(ctx context.Context, id string) error

	// Watch invokes fn for the record's current state immediately and then
	// for every field mutation until unsubscribed.
	Watch(ctx context.Context, id string, fn func(CallRecord)) (Unsubscribe, error)

	// WatchIncoming invokes fn once per call record whose calleeId matches
	// and whose offer is present and answer still absent. Records already
	// pending at subscribe time are replayed.
	WatchIncoming(ctx context.Context, calleeID string, fn func(CallRecord)) (Unsubscribe, error)

	// WatchCandidates invokes fn once per candidate in the given direction,
	// in arrival order, replaying candidates appended before the subscription.
	WatchCandidates(ctx context.Context, id string, dir Direction, fn func(json.RawMessage)) (Unsubscribe, error)

	// WatchDeleted invokes fn once when the record is removed. If the record
	// is already gone at subscribe time, fn fires immediately.
	WatchDeleted(ctx context.Context, id string, fn func()) (Unsubscribe, error)
}
