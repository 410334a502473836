package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Client is a Channel backed by a zmesd server over a single WebSocket.
//
// One read loop dispatches server frames: results are matched to pending
// requests by Seq, events to watch callbacks by Sub. Events are handed to a
// dedicated dispatch goroutine (same discipline as Memory) so a callback
// that performs its own signaling round trips never starves the read loop
// that carries the responses. Because events for one record are written by
// the server in mutation order and both the socket and the queue preserve
// it, callbacks still fire in order.
type Client struct {
	conn  *websocket.Conn
	queue *dispatchQueue

	writeMu sync.Mutex
	seq     atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan Message
	subs    map[string]func(Message)
	err     error

	done     chan struct{}
	doneOnce sync.Once
}

var _ Channel = (*Client)(nil)

// Dial connects to a zmesd signaling endpoint (ws://host/ws?user=<id>).
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrStorageUnavailable, url, err)
	}

	c := &Client{
		conn:    conn,
		queue:   newDispatchQueue(),
		pending: make(map[uint64]chan Message),
		subs:    make(map[string]func(Message)),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close tears down the connection. In-flight requests fail with
// ErrStorageUnavailable; watch callbacks stop firing.
func (c *Client) Close() error {
	c.fail(ErrStorageUnavailable)
	return c.conn.Close()
}

// Done is closed when the connection is lost or Close is called.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) readLoop() {
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.fail(fmt.Errorf("%w: %v", ErrStorageUnavailable, err))
			return
		}

		switch msg.Op {
		case OpResult:
			c.mu.Lock()
			ch, ok := c.pending[msg.Seq]
			delete(c.pending, msg.Seq)
			c.mu.Unlock()
			if ok {
				ch <- msg
			}

		case OpEvent:
			// The handler is resolved at delivery time, not here: a watch
			// cancelled while events were still queued stays silent.
			ev := msg
			c.queue.put(func() {
				c.mu.Lock()
				fn := c.subs[ev.Sub]
				c.mu.Unlock()
				if fn != nil {
					fn(ev)
				}
			})

		default:
			log.Warn().Str("op", string(msg.Op)).Msg("signal: unexpected frame from server")
		}
	}
}

// fail marks the client dead and unblocks every pending request.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	pending := c.pending
	c.pending = make(map[uint64]chan Message)
	c.subs = make(map[string]func(Message))
	c.mu.Unlock()

	for seq, ch := range pending {
		ch <- Message{Op: OpResult, Seq: seq, Err: err.Error()}
	}
	c.doneOnce.Do(func() { close(c.done) })

	// Queued events find no handler and drop; anything a draining callback
	// still asks of the client fails fast on c.err.
	c.queue.close()
}

// request performs one round trip. The response channel is registered before
// the write so a fast server cannot race the registration.
func (c *Client) request(ctx context.Context, msg Message) (Message, error) {
	msg.Seq = c.seq.Add(1)
	ch := make(chan Message, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return Message{}, err
	}
	c.pending[msg.Seq] = ch
	c.mu.Unlock()

	if err := c.write(msg); err != nil {
		c.mu.Lock()
		delete(c.pending, msg.Seq)
		c.mu.Unlock()
		return Message{}, fmt.Errorf("%w: write: %v", ErrStorageUnavailable, err)
	}

	select {
	case resp := <-ch:
		return resp, respError(resp)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, msg.Seq)
		c.mu.Unlock()
		return Message{}, ctx.Err()
	case <-c.done:
		return Message{}, ErrStorageUnavailable
	}
}

func (c *Client) write(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

func respError(resp Message) error {
	switch {
	case resp.ErrCode == ErrCodeNotFound:
		return ErrRecordNotFound
	case resp.Err != "":
		return fmt.Errorf("%w: %s", ErrStorageUnavailable, resp.Err)
	default:
		return nil
	}
}

// Create implements Channel.
func (c *Client) Create(ctx context.Context, rec CallRecord) (string, error) {
	resp, err := c.request(ctx, Message{Op: OpCreate, Record: &rec})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// SetAnswer implements Channel.
func (c *Client) SetAnswer(ctx context.Context, id string, answer Description) error {
	_, err := c.request(ctx, Message{Op: OpSetAnswer, ID: id, Answer: &answer})
	return err
}

// AppendCandidate implements Channel.
func (c *Client) AppendCandidate(ctx context.Context, id string, dir Direction, candidate json.RawMessage) error {
	_, err := c.request(ctx, Message{Op: OpAppendCandidate, ID: id, Direction: dir, Candidate: candidate})
	return err
}

// Delete implements Channel.
func (c *Client) Delete(ctx context.Context, id string) error {
	_, err := c.request(ctx, Message{Op: OpDelete, ID: id})
	return err
}

// Watch implements Channel.
func (c *Client) Watch(ctx context.Context, id string, fn func(CallRecord)) (Unsubscribe, error) {
	return c.watch(ctx, Message{Op: OpWatchRecord, ID: id}, func(msg Message) {
		if msg.Record != nil {
			fn(*msg.Record)
		}
	})
}

// WatchIncoming implements Channel.
func (c *Client) WatchIncoming(ctx context.Context, calleeID string, fn func(CallRecord)) (Unsubscribe, error) {
	return c.watch(ctx, Message{Op: OpWatchIncoming, CalleeID: calleeID}, func(msg Message) {
		if msg.Record != nil {
			fn(*msg.Record)
		}
	})
}

// WatchCandidates implements Channel.
func (c *Client) WatchCandidates(ctx context.Context, id string, dir Direction, fn func(json.RawMessage)) (Unsubscribe, error) {
	return c.watch(ctx, Message{Op: OpWatchCandidates, ID: id, Direction: dir}, func(msg Message) {
		if msg.Candidate != nil {
			fn(msg.Candidate)
		}
	})
}

// WatchDeleted implements Channel.
func (c *Client) WatchDeleted(ctx context.Context, id string, fn func()) (Unsubscribe, error) {
	return c.watch(ctx, Message{Op: OpWatchDeleted, ID: id}, func(msg Message) {
		if msg.Deleted {
			fn()
		}
	})
}

// watch registers the event handler under a fresh sub id, then sends the
// watch request. Registration happens first: replayed events arrive right
// after the result frame and must find the handler in place.
func (c *Client) watch(ctx context.Context, req Message, handle func(Message)) (Unsubscribe, error) {
	sub := uuid.NewString()
	req.Sub = sub

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.subs[sub] = handle
	c.mu.Unlock()

	if _, err := c.request(ctx, req); err != nil {
		c.mu.Lock()
		delete(c.subs, sub)
		c.mu.Unlock()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, sub)
			dead := c.err != nil
			c.mu.Unlock()
			if !dead {
				// Best effort; the server also drops subs on disconnect.
				_ = c.write(Message{Op: OpUnsubscribe, Sub: sub})
			}
		})
	}, nil
}
