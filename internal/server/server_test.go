package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DARK-V-98/zmes/internal/directory"
	"github.com/DARK-V-98/zmes/internal/signal"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	srv := New(store)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func dialClient(t *testing.T, ts *httptest.Server, userID, name string) *signal.Client {
	t.Helper()
	wsURL := strings.Replace(ts.URL, "http://", "ws://", 1) + "/ws?user=" + userID + "&name=" + name
	c, err := signal.Dial(context.Background(), wsURL)
	if err != nil {
		t.Fatalf("Dial %s: %v", userID, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func offerRecord(caller, callee string) signal.CallRecord {
	return signal.CallRecord{
		CallerID: caller,
		CalleeID: callee,
		Type:     signal.CallAudio,
		Offer:    &signal.Description{Type: "offer", SDP: "v=0 offer"},
	}
}

func TestSignalingOverWebSocket(t *testing.T) {
	_, ts := newTestServer(t)
	ctx := context.Background()

	alice := dialClient(t, ts, "alice", "Alice")
	bob := dialClient(t, ts, "bob", "Bob")

	incoming := make(chan signal.CallRecord, 1)
	unsubIn, err := bob.WatchIncoming(ctx, "bob", func(rec signal.CallRecord) { incoming <- rec })
	if err != nil {
		t.Fatalf("WatchIncoming: %v", err)
	}
	defer unsubIn()

	id, err := alice.Create(ctx, offerRecord("alice", "bob"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ring := recv(t, incoming, "incoming ring")
	if ring.ID != id || ring.CallerID != "alice" {
		t.Fatalf("ring = %+v, want record %s from alice", ring, id)
	}

	// Candidate appended before the watch must be replayed over the wire.
	if err := alice.AppendCandidate(ctx, id, signal.DirOffer, json.RawMessage(`{"candidate":"early"}`)); err != nil {
		t.Fatalf("AppendCandidate: %v", err)
	}
	cands := make(chan string, 4)
	unsubC, err := bob.WatchCandidates(ctx, id, signal.DirOffer, func(c json.RawMessage) { cands <- string(c) })
	if err != nil {
		t.Fatalf("WatchCandidates: %v", err)
	}
	defer unsubC()
	if got := recv(t, cands, "replayed candidate"); got != `{"candidate":"early"}` {
		t.Fatalf("replayed candidate = %s", got)
	}

	if err := alice.AppendCandidate(ctx, id, signal.DirOffer, json.RawMessage(`{"candidate":"late"}`)); err != nil {
		t.Fatalf("AppendCandidate: %v", err)
	}
	if got := recv(t, cands, "live candidate"); got != `{"candidate":"late"}` {
		t.Fatalf("live candidate = %s", got)
	}

	// Answer propagates to the caller's record watch.
	records := make(chan signal.CallRecord, 4)
	unsubR, err := alice.Watch(ctx, id, func(rec signal.CallRecord) { records <- rec })
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer unsubR()
	recv(t, records, "initial record state")

	if err := bob.SetAnswer(ctx, id, signal.Description{Type: "answer", SDP: "v=0 answer"}); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}
	upd := recv(t, records, "answered record")
	if upd.Answer == nil || upd.Answer.SDP != "v=0 answer" {
		t.Fatalf("answered record = %+v", upd)
	}

	// Hangup reaches the other side as a deletion event.
	deleted := make(chan struct{}, 1)
	unsubD, err := bob.WatchDeleted(ctx, id, func() { deleted <- struct{}{} })
	if err != nil {
		t.Fatalf("WatchDeleted: %v", err)
	}
	defer unsubD()

	if err := alice.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	recv(t, deleted, "deletion event")
}

func TestNotFoundCrossesTheWire(t *testing.T) {
	_, ts := newTestServer(t)
	alice := dialClient(t, ts, "alice", "Alice")

	err := alice.SetAnswer(context.Background(), "no-such-call", signal.Description{Type: "answer", SDP: "v=0"})
	if !errors.Is(err, signal.ErrRecordNotFound) {
		t.Fatalf("SetAnswer error = %v, want ErrRecordNotFound", err)
	}
}

func TestRosterAndPresence(t *testing.T) {
	_, ts := newTestServer(t)

	dialClient(t, ts, "alice", "Alice")
	bob := dialClient(t, ts, "bob", "Bob")
	bob.Close()

	// Presence drops asynchronously with the socket teardown.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if users := fetchUsers(t, ts); len(users) == 2 &&
			online(users, "alice") && !online(users, "bob") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	users := fetchUsers(t, ts)
	if len(users) != 2 {
		t.Fatalf("user count = %d, want 2", len(users))
	}
	if !online(users, "alice") {
		t.Fatal("alice not reported online")
	}
	if online(users, "bob") {
		t.Fatal("bob still reported online after disconnect")
	}

	resp, err := http.Get(ts.URL + "/users/carol")
	if err != nil {
		t.Fatalf("GET /users/carol: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown user status = %d, want 404", resp.StatusCode)
	}
}

func fetchUsers(t *testing.T, ts *httptest.Server) []directory.User {
	t.Helper()
	resp, err := http.Get(ts.URL + "/users")
	if err != nil {
		t.Fatalf("GET /users: %v", err)
	}
	defer resp.Body.Close()
	var users []directory.User
	if err := json.NewDecoder(resp.Body).Decode(&users); err != nil {
		t.Fatalf("decode users: %v", err)
	}
	return users
}

func online(users []directory.User, id string) bool {
	for _, u := range users {
		if u.ID == id {
			return u.IsOnline
		}
	}
	return false
}

func TestRestartReloadsPendingCalls(t *testing.T) {
	dataDir := t.TempDir()
	ctx := context.Background()

	store, err := Open(dataDir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := store.Create(ctx, offerRecord("alice", "bob"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.AppendCandidate(ctx, id, signal.DirOffer, json.RawMessage(`{"candidate":"survives"}`)); err != nil {
		t.Fatalf("AppendCandidate: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dataDir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	cands := make(chan string, 1)
	unsub, err := reopened.WatchCandidates(ctx, id, signal.DirOffer, func(c json.RawMessage) { cands <- string(c) })
	if err != nil {
		t.Fatalf("WatchCandidates after restart: %v", err)
	}
	defer unsub()
	if got := recv(t, cands, "reloaded candidate"); got != `{"candidate":"survives"}` {
		t.Fatalf("reloaded candidate = %s", got)
	}
}

// Both peers append candidates for the same call as they gather them; every
// one must land in the durable copy even when the writes overlap.
func TestConcurrentAppendsAllSurviveRestart(t *testing.T) {
	dataDir := t.TempDir()
	ctx := context.Background()

	store, err := Open(dataDir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := store.Create(ctx, offerRecord("alice", "bob"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const writers, perWriter = 8, 4
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				cand := json.RawMessage(fmt.Sprintf(`{"candidate":"w%d-%d"}`, w, i))
				if err := store.AppendCandidate(ctx, id, signal.DirOffer, cand); err != nil {
					t.Errorf("AppendCandidate: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dataDir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	cands := make(chan string, writers*perWriter)
	unsub, err := reopened.WatchCandidates(ctx, id, signal.DirOffer, func(c json.RawMessage) { cands <- string(c) })
	if err != nil {
		t.Fatalf("WatchCandidates after restart: %v", err)
	}
	defer unsub()

	seen := make(map[string]bool, writers*perWriter)
	for i := 0; i < writers*perWriter; i++ {
		c := recv(t, cands, "persisted candidate")
		if seen[c] {
			t.Fatalf("candidate %s replayed twice", c)
		}
		seen[c] = true
	}
}

// A watch callback may use the same connection for further signaling. The
// nested round trip waits on a response carried by the connection that is
// delivering the callback, so it only completes if event delivery does not
// occupy the read loop.
func TestWatchCallbackMaySignalOnSameConnection(t *testing.T) {
	_, ts := newTestServer(t)
	ctx := context.Background()

	alice := dialClient(t, ts, "alice", "Alice")
	bob := dialClient(t, ts, "bob", "Bob")

	deleted := make(chan struct{}, 1)
	unsub, err := bob.WatchIncoming(ctx, "bob", func(rec signal.CallRecord) {
		if _, err := bob.WatchDeleted(ctx, rec.ID, func() { deleted <- struct{}{} }); err != nil {
			t.Errorf("WatchDeleted inside callback: %v", err)
		}
	})
	if err != nil {
		t.Fatalf("WatchIncoming: %v", err)
	}
	defer unsub()

	id, err := alice.Create(ctx, offerRecord("alice", "bob"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// A deletion watch installed after the record is gone fires immediately,
	// so the hangup below reaches bob whichever side wins the race.
	if err := alice.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	recv(t, deleted, "cancel reaching the callee")
}

func TestDeleteErasesDurableState(t *testing.T) {
	dataDir := t.TempDir()
	ctx := context.Background()

	store, err := Open(dataDir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := store.Create(ctx, offerRecord("alice", "bob"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Ended calls leave nothing behind to reload.
	reopened, err := Open(dataDir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.Watch(ctx, id, func(signal.CallRecord) {}); !errors.Is(err, signal.ErrRecordNotFound) {
		t.Fatalf("Watch after delete+restart = %v, want ErrRecordNotFound", err)
	}
}
