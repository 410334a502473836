package server

// End-to-end coverage of the configuration the binaries ship: two call
// controllers, each over its own WebSocket signal client, talking through a
// served hub with the roster resolved over HTTP.

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DARK-V-98/zmes/internal/call"
	"github.com/DARK-V-98/zmes/internal/directory"
	"github.com/DARK-V-98/zmes/internal/media"
	"github.com/DARK-V-98/zmes/internal/signal"
)

type wireEndpoint struct {
	user directory.User
	ctl  *call.Controller
}

func newWireEndpoint(t *testing.T, ts *httptest.Server, id, name string) *wireEndpoint {
	t.Helper()
	client := dialClient(t, ts, id, name)
	self := directory.User{ID: id, DisplayName: name}
	ctl := call.NewController(client, media.SyntheticDevice{}, directory.NewHTTP(ts.URL), self, nil)
	if err := ctl.Start(context.Background()); err != nil {
		t.Fatalf("Start %s: %v", id, err)
	}
	t.Cleanup(ctl.Stop)
	return &wireEndpoint{user: self, ctl: ctl}
}

func waitWireStage(t *testing.T, e *wireEndpoint, want call.Stage) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if e.ctl.Status().Stage == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s: stage = %q, want %q", e.user.ID, e.ctl.Status().Stage, want)
}

func waitWireConnected(t *testing.T, e *wireEndpoint) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		st := e.ctl.Status()
		if st.Connected {
			return
		}
		if st.Stage != call.StageActive {
			t.Fatalf("%s: left active while connecting, stage = %q (err %v)", e.user.ID, st.Stage, st.Err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("%s: transport never connected", e.user.ID)
}

// The caller hangs up while the callee is still ringing; the cancel must
// cross the wire and the callee's connection must stay usable for the next
// call.
func TestWireCancelBeforeAnswerReachesCallee(t *testing.T) {
	_, ts := newTestServer(t)
	ctx := context.Background()

	alice := newWireEndpoint(t, ts, "alice", "Alice")
	bob := newWireEndpoint(t, ts, "bob", "Bob")

	if err := alice.ctl.StartCall(ctx, bob.user, signal.CallAudio); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitWireStage(t, bob, call.StageIncoming)

	if err := alice.ctl.End(ctx); err != nil {
		t.Fatalf("End: %v", err)
	}
	waitWireStage(t, bob, call.StageEnded)

	// Ring back the other way on the same connections.
	if err := bob.ctl.StartCall(ctx, alice.user, signal.CallAudio); err != nil {
		t.Fatalf("StartCall after cancel: %v", err)
	}
	waitWireStage(t, alice, call.StageIncoming)
	if err := alice.ctl.Decline(ctx); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	waitWireStage(t, bob, call.StageEnded)
}

func TestWireAcceptReachesActiveAndConnects(t *testing.T) {
	_, ts := newTestServer(t)
	ctx := context.Background()

	alice := newWireEndpoint(t, ts, "alice", "Alice")
	bob := newWireEndpoint(t, ts, "bob", "Bob")

	if err := alice.ctl.StartCall(ctx, bob.user, signal.CallAudio); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitWireStage(t, bob, call.StageIncoming)

	if err := bob.ctl.Accept(ctx); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	waitWireStage(t, alice, call.StageActive)
	waitWireStage(t, bob, call.StageActive)

	// Host candidates over loopback are enough to bring the transport up.
	waitWireConnected(t, alice)
	waitWireConnected(t, bob)

	if err := bob.ctl.End(ctx); err != nil {
		t.Fatalf("End: %v", err)
	}
	waitWireStage(t, alice, call.StageEnded)
	waitWireStage(t, bob, call.StageEnded)
}
