package signal

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Memory is an in-process Channel. It backs the zmesd server store and the
// package tests.
//
// All watch callbacks are delivered from a single dispatch goroutine, in the
// order the corresponding writes acquired the store lock. That satisfies the
// per-record ordering guarantee and lets callbacks call back into the store
// without deadlocking.
type Memory struct {
	mu       sync.Mutex
	records  map[string]*memRecord
	incoming map[*watcher]incomingWatch
	queue    *dispatchQueue
	closed   bool
}

type memRecord struct {
	rec        CallRecord
	candidates map[Direction][]json.RawMessage
	recordSubs map[*watcher]func(CallRecord)
	candSubs   map[Direction]map[*watcher]func(json.RawMessage)
	delSubs    map[*watcher]func()
}

type incomingWatch struct {
	calleeID string
	fn       func(CallRecord)
}

// watcher carries the cancellation state of one subscription. The cancelled
// flag is checked at delivery time so an unsubscribed callback never fires,
// even for events that were already queued.
type watcher struct {
	cancelled atomic.Bool
}

// NewMemory creates an empty in-memory signaling channel.
func NewMemory() *Memory {
	return &Memory{
		records:  make(map[string]*memRecord),
		incoming: make(map[*watcher]incomingWatch),
		queue:    newDispatchQueue(),
	}
}

// Close stops the dispatch goroutine. Pending deliveries are drained first.
func (m *Memory) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	m.queue.close()
}

// Restore inserts a record under its existing id without ringing incoming
// watchers, used when a durable store reloads surviving records at boot.
// Ringing again would double-notify callees that are already mid-call.
func (m *Memory) Restore(rec CallRecord, candidates map[Direction][]json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cands := make(map[Direction][]json.RawMessage, len(candidates))
	for dir, cs := range candidates {
		cands[dir] = append([]json.RawMessage(nil), cs...)
	}
	m.records[rec.ID] = &memRecord{
		rec:        rec,
		candidates: cands,
		recordSubs: make(map[*watcher]func(CallRecord)),
		candSubs:   make(map[Direction]map[*watcher]func(json.RawMessage)),
		delSubs:    make(map[*watcher]func()),
	}
}

// Create implements Channel.
func (m *Memory) Create(_ context.Context, rec CallRecord) (string, error) {
	rec.ID = uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[rec.ID] = &memRecord{
		rec:        rec,
		candidates: make(map[Direction][]json.RawMessage),
		recordSubs: make(map[*watcher]func(CallRecord)),
		candSubs:   make(map[Direction]map[*watcher]func(json.RawMessage)),
		delSubs:    make(map[*watcher]func()),
	}

	// Ring incoming watchers only for records that already carry an offer;
	// a half-populated record must not trigger a ringing UI.
	if rec.Offer != nil && rec.Answer == nil {
		for w, iw := range m.incoming {
			if iw.calleeID == rec.CalleeID {
				m.notify(w, iw.fn, rec)
			}
		}
	}

	return rec.ID, nil
}

// SetAnswer implements Channel.
func (m *Memory) SetAnswer(_ context.Context, id string, answer Description) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	a := answer
	r.rec.Answer = &a

	for w, fn := range r.recordSubs {
		m.notify(w, fn, r.rec)
	}
	return nil
}

// AppendCandidate implements Channel.
func (m *Memory) AppendCandidate(_ context.Context, id string, dir Direction, candidate json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	c := make(json.RawMessage, len(candidate))
	copy(c, candidate)
	r.candidates[dir] = append(r.candidates[dir], c)

	for w, fn := range r.candSubs[dir] {
		m.notifyCandidate(w, fn, c)
	}
	return nil
}

// Delete implements Channel.
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return nil // idempotent
	}
	delete(m.records, id)

	for w, fn := range r.delSubs {
		m.notifyDeleted(w, fn)
	}
	return nil
}

// Watch implements Channel.
func (m *Memory) Watch(_ context.Context, id string, fn func(CallRecord)) (Unsubscribe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}

	w := &watcher{}
	r.recordSubs[w] = fn

	// Deliver current state immediately so no initial mutation is missed.
	m.notify(w, fn, r.rec)

	return m.unsubscribeFunc(w, func() {
		if r, ok := m.records[id]; ok {
			delete(r.recordSubs, w)
		}
	}), nil
}

// WatchIncoming implements Channel.
func (m *Memory) WatchIncoming(_ context.Context, calleeID string, fn func(CallRecord)) (Unsubscribe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := &watcher{}
	m.incoming[w] = incomingWatch{calleeID: calleeID, fn: fn}

	// Replay calls already ringing for this callee (the app may have been
	// opened mid-ring).
	for _, r := range m.records {
		if r.rec.CalleeID == calleeID && r.rec.Offer != nil && r.rec.Answer == nil {
			m.notify(w, fn, r.rec)
		}
	}

	return m.unsubscribeFunc(w, func() {
		delete(m.incoming, w)
	}), nil
}

// WatchCandidates implements Channel.
func (m *Memory) WatchCandidates(_ context.Context, id string, dir Direction, fn func(json.RawMessage)) (Unsubscribe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}

	w := &watcher{}
	if r.candSubs[dir] == nil {
		r.candSubs[dir] = make(map[*watcher]func(json.RawMessage))
	}
	r.candSubs[dir][w] = fn

	// Replay candidates appended before the subscription; the race between
	// offer exchange and candidate listening must not drop any.
	for _, c := range r.candidates[dir] {
		m.notifyCandidate(w, fn, c)
	}

	return m.unsubscribeFunc(w, func() {
		if r, ok := m.records[id]; ok {
			delete(r.candSubs[dir], w)
		}
	}), nil
}

// WatchDeleted implements Channel.
func (m *Memory) WatchDeleted(_ context.Context, id string, fn func()) (Unsubscribe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := &watcher{}
	r, ok := m.records[id]
	if !ok {
		// Already gone — the counterpart won the race. Fire immediately.
		m.notifyDeleted(w, fn)
		return m.unsubscribeFunc(w, func() {}), nil
	}
	r.delSubs[w] = fn

	return m.unsubscribeFunc(w, func() {
		if r, ok := m.records[id]; ok {
			delete(r.delSubs, w)
		}
	}), nil
}

// notify enqueues one record delivery. Must be called with m.mu held; the
// queue preserves enqueue order, which is lock-acquisition order.
func (m *Memory) notify(w *watcher, fn func(CallRecord), rec CallRecord) {
	m.queue.put(func() {
		if !w.cancelled.Load() {
			fn(rec)
		}
	})
}

func (m *Memory) notifyCandidate(w *watcher, fn func(json.RawMessage), c json.RawMessage) {
	m.queue.put(func() {
		if !w.cancelled.Load() {
			fn(c)
		}
	})
}

func (m *Memory) notifyDeleted(w *watcher, fn func()) {
	m.queue.put(func() {
		if !w.cancelled.Load() {
			fn()
		}
	})
}

// unsubscribeFunc builds the Unsubscribe closure for w. remove runs under
// m.mu and detaches the watcher from whatever map holds it.
func (m *Memory) unsubscribeFunc(w *watcher, remove func()) Unsubscribe {
	return func() {
		w.cancelled.Store(true)
		m.mu.Lock()
		remove()
		m.mu.Unlock()
	}
}

// dispatchQueue is an unbounded FIFO drained by a single goroutine. put never
// blocks, so it is safe to call with the store lock held.
type dispatchQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []func()
	closed  bool
	drained chan struct{}
}

func newDispatchQueue() *dispatchQueue {
	q := &dispatchQueue{drained: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

func (q *dispatchQueue) put(fn func()) {
	q.mu.Lock()
	if !q.closed {
		q.pending = append(q.pending, fn)
		q.cond.Signal()
	}
	q.mu.Unlock()
}

func (q *dispatchQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
	<-q.drained
}

func (q *dispatchQueue) loop() {
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 && q.closed {
			q.mu.Unlock()
			close(q.drained)
			return
		}
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
	}
}
