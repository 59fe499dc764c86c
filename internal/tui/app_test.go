package tui

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"
	"go.uber.org/zap"

	"github.com/dmelo/parley/internal/bus"
	"github.com/dmelo/parley/internal/cache"
	"github.com/dmelo/parley/internal/conversation"
	"github.com/dmelo/parley/internal/rest"
	"github.com/dmelo/parley/internal/status"
	enginesync "github.com/dmelo/parley/internal/sync"
	"github.com/dmelo/parley/internal/transport"
)

// stubTransport satisfies the controller's transport contract without a
// socket. Connect succeeds immediately; emits are swallowed.
type stubTransport struct{}

func (stubTransport) Connect(ctx context.Context) error { return nil }

func (stubTransport) Close() error { return nil }

func (stubTransport) Emit(ctx context.Context, event string, payload any) error { return nil }

func (stubTransport) Subscribe(event string, h transport.Handler) func() {
	return func() {}
}

func (stubTransport) UserID() string { return "me" }

// newTestApp builds an App over a simulation screen and starts the
// tview loop, so queued draw closures actually execute.
func newTestApp(t *testing.T) *App {
	t.Helper()

	db, err := cache.Open(filepath.Join(t.TempDir(), "tui.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	factory := func(peerID string) *enginesync.Controller {
		return enginesync.NewController(peerID, stubTransport{}, b, status.NewMachine(b), zap.NewNop(), enginesync.Options{})
	}

	a := NewApp(db, rest.New("http://127.0.0.1:1", ""), b, factory, zap.NewNop(), "main")
	a.app.SetScreen(tcell.NewSimulationScreen("UTF-8"))

	done := make(chan error, 1)
	go func() { done <- a.app.Run() }()
	t.Cleanup(func() {
		a.closeActive()
		a.cancel()
		a.app.Stop()
		<-done
	})
	return a
}

// open enters a thread the way the input handler would, on the tview
// goroutine, then waits for the controller to come up.
func open(t *testing.T, a *App, peerID string) {
	t.Helper()
	a.app.QueueUpdate(func() { a.openThread(peerID) })

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ctrl, _ := a.activeThread(); ctrl != nil && ctrl.Store() != nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("controller never opened")
}

// The bus pump delivers events on its own goroutine while the tview
// loop opens and closes threads. Closing mid-stream must neither race
// on the active-thread fields nor panic a queued draw that already
// snapshotted the controller.
func TestCloseThreadDuringEventStream(t *testing.T) {
	a := newTestApp(t)
	open(t, a, "peer-1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 40; i++ {
			a.handleEvent(bus.Event{
				Kind:    "message.upserted",
				Payload: conversation.Update{PeerID: "peer-1"},
			})
		}
	}()

	time.Sleep(2 * time.Millisecond)
	a.closeActive()
	<-done

	if ctrl, peer := a.activeThread(); ctrl != nil || peer != "" {
		t.Errorf("active thread = (%v, %q), want cleared", ctrl, peer)
	}

	// Late events against a closed thread are dropped silently.
	a.handleEvent(bus.Event{
		Kind:    "message.upserted",
		Payload: conversation.Update{PeerID: "peer-1"},
	})
}

// Reopening a different peer atomically swaps the controller/peer pair;
// a stale event for the old peer never reaches the new thread's view.
func TestReopenSwapsActivePeer(t *testing.T) {
	a := newTestApp(t)
	open(t, a, "peer-1")
	open(t, a, "peer-2")

	ctrl, peer := a.activeThread()
	if peer != "peer-2" {
		t.Fatalf("active peer = %q, want peer-2", peer)
	}

	a.handleEvent(bus.Event{
		Kind:    "message.upserted",
		Payload: conversation.Update{PeerID: "peer-1"},
	})
	if got, _ := a.activeThread(); got != ctrl {
		t.Error("stale event replaced the active controller")
	}
}

func TestComposerCallbacksInertWithoutThread(t *testing.T) {
	a := newTestApp(t)

	// No thread open: the composer callbacks must not blow up.
	a.thread.onSend("hello")
	a.thread.onChange("h")
}
