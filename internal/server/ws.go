package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/DARK-V-98/zmes/internal/directory"
	"github.com/DARK-V-98/zmes/internal/signal"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS runs one signaling session. The connecting user identifies itself
// with ?user=<id>&name=<display name>; it is upserted into the roster and
// marked online for the lifetime of the socket.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user parameter", http.StatusBadRequest)
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		name = userID
	}
	if err := s.store.UpsertUser(r.Context(), directory.User{ID: userID, DisplayName: name}); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("server: upsert user")
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.connect(userID)
	log.Info().Str("user_id", userID).Msg("server: client connected")

	sess := &session{srv: s, conn: conn, subs: make(map[string]signal.Unsubscribe)}
	sess.readLoop()

	sess.cancelAll()
	s.disconnect(userID)
	conn.Close()
	log.Info().Str("user_id", userID).Msg("server: client disconnected")
}

// session is one connected signaling client. Watch events are pushed from
// the store's dispatch goroutine; the write mutex keeps frames intact, and
// per-record ordering is the store's ordering.
type session struct {
	srv  *Server
	conn *websocket.Conn

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]signal.Unsubscribe
	gone bool
}

func (c *session) readLoop() {
	for {
		var msg signal.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("server: read signaling frame")
			}
			return
		}
		c.handle(msg)
	}
}

func (c *session) handle(msg signal.Message) {
	ctx := context.Background()

	switch msg.Op {
	case signal.OpCreate:
		if msg.Record == nil {
			c.result(msg.Seq, signal.Message{Err: "missing record"})
			return
		}
		id, err := c.srv.store.Create(ctx, *msg.Record)
		c.result(msg.Seq, signal.Message{ID: id, Err: errString(err)})

	case signal.OpSetAnswer:
		if msg.Answer == nil {
			c.result(msg.Seq, signal.Message{Err: "missing answer"})
			return
		}
		err := c.srv.store.SetAnswer(ctx, msg.ID, *msg.Answer)
		c.resultErr(msg.Seq, err)

	case signal.OpAppendCandidate:
		err := c.srv.store.AppendCandidate(ctx, msg.ID, msg.Direction, msg.Candidate)
		c.resultErr(msg.Seq, err)

	case signal.OpDelete:
		err := c.srv.store.Delete(ctx, msg.ID)
		c.resultErr(msg.Seq, err)

	case signal.OpWatchRecord:
		sub := msg.Sub
		unsub, err := c.srv.store.Watch(ctx, msg.ID, func(rec signal.CallRecord) {
			c.event(signal.Message{Sub: sub, Record: &rec})
		})
		c.watchResult(msg.Seq, sub, unsub, err)

	case signal.OpWatchIncoming:
		sub := msg.Sub
		unsub, err := c.srv.store.WatchIncoming(ctx, msg.CalleeID, func(rec signal.CallRecord) {
			c.event(signal.Message{Sub: sub, Record: &rec})
		})
		c.watchResult(msg.Seq, sub, unsub, err)

	case signal.OpWatchCandidates:
		sub := msg.Sub
		unsub, err := c.srv.store.WatchCandidates(ctx, msg.ID, msg.Direction, func(cand json.RawMessage) {
			c.event(signal.Message{Sub: sub, Candidate: cand})
		})
		c.watchResult(msg.Seq, sub, unsub, err)

	case signal.OpWatchDeleted:
		sub := msg.Sub
		unsub, err := c.srv.store.WatchDeleted(ctx, msg.ID, func() {
			c.event(signal.Message{Sub: sub, Deleted: true})
		})
		c.watchResult(msg.Seq, sub, unsub, err)

	case signal.OpUnsubscribe:
		c.mu.Lock()
		unsub := c.subs[msg.Sub]
		delete(c.subs, msg.Sub)
		c.mu.Unlock()
		if unsub != nil {
			unsub()
		}

	default:
		c.result(msg.Seq, signal.Message{Err: "unknown op"})
	}
}

// watchResult registers the subscription and acknowledges it. When the
// session died while the watch was being set up, the subscription is
// cancelled on the spot.
func (c *session) watchResult(seq uint64, sub string, unsub signal.Unsubscribe, err error) {
	if err != nil {
		c.resultErr(seq, err)
		return
	}

	c.mu.Lock()
	if c.gone {
		c.mu.Unlock()
		unsub()
		return
	}
	c.subs[sub] = unsub
	c.mu.Unlock()

	c.result(seq, signal.Message{})
}

func (c *session) cancelAll() {
	c.mu.Lock()
	c.gone = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
}

func (c *session) result(seq uint64, msg signal.Message) {
	msg.Op = signal.OpResult
	msg.Seq = seq
	c.write(msg)
}

func (c *session) resultErr(seq uint64, err error) {
	msg := signal.Message{}
	if errors.Is(err, signal.ErrRecordNotFound) {
		msg.ErrCode = signal.ErrCodeNotFound
	} else if err != nil {
		msg.Err = err.Error()
	}
	c.result(seq, msg)
}

func (c *session) event(msg signal.Message) {
	msg.Op = signal.OpEvent
	c.write(msg)
}

func (c *session) write(msg signal.Message) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(msg); err != nil {
		log.Debug().Err(err).Msg("server: write signaling frame")
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
