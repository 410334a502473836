package signal

import "encoding/json"

// Op identifies a message on the client↔zmesd signaling socket.
type Op string

// Client → server requests. Every request carries a Seq; the server replies
// with exactly one OpResult bearing the same Seq. Watch requests also carry a
// client-chosen Sub id under which events are delivered.
const (
	OpCreate          Op = "create"
	OpSetAnswer       Op = "setAnswer"
	OpAppendCandidate Op = "appendCandidate"
	OpDelete          Op = "delete"
	OpWatchRecord     Op = "watchRecord"
	OpWatchIncoming   Op = "watchIncoming"
	OpWatchCandidates Op = "watchCandidates"
	OpWatchDeleted    Op = "watchDeleted"
	OpUnsubscribe     Op = "unsubscribe"
)

// Server → client.
const (
	OpResult Op = "result"
	OpEvent  Op = "event"
)

// Error codes carried in OpResult. Anything else is surfaced verbatim.
const (
	ErrCodeNotFound = "not_found"
)

// Message is the single JSON frame type exchanged on the signaling socket.
// Which fields are set depends on Op; unknown fields are ignored so old
// clients survive additive server changes.
type Message struct {
	Op  Op     `json:"op"`
	Seq uint64 `json:"seq,omitempty"`
	Sub string `json:"sub,omitempty"`

	ID        string          `json:"id,omitempty"`
	CalleeID  string          `json:"calleeId,omitempty"`
	Direction Direction       `json:"direction,omitempty"`
	Record    *CallRecord     `json:"record,omitempty"`
	Answer    *Description    `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Deleted   bool            `json:"deleted,omitempty"`

	ErrCode string `json:"errCode,omitempty"`
	Err     string `json:"err,omitempty"`
}
