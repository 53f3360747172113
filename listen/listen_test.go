package listen

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/orbitfabric/fabric/store/docdb"
	"github.com/orbitfabric/fabric/store/keys"
	"github.com/orbitfabric/fabric/store/kv"
	"github.com/orbitfabric/fabric/store/rtdb"
	"github.com/orbitfabric/fabric/store/session"
)

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []Event
}

func (f *fakeBroadcaster) BroadcastThreadsafe(uid string, evt Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeBroadcaster) last() Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[len(f.events)-1]
}

func liveSupervisor(t *testing.T) (*Supervisor, *kv.Client, *docdb.DB, *rtdb.DB, *fakeBroadcaster) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", "127.0.0.1:6379", 200*time.Millisecond)
	if err != nil {
		t.Skip("no local redis reachable, skipping integration test")
	}
	_ = conn.Close()
	kvc := kv.New(kv.Config{Host: "127.0.0.1", Port: 6379, DB: 15})

	ctx := context.Background()
	doc, err := docdb.Open(ctx, "sqlite", ":memory:")
	if err != nil {
		t.Fatalf("docdb.Open: %v", err)
	}
	rt, err := rtdb.Open(ctx, "sqlite", ":memory:")
	if err != nil {
		t.Fatalf("rtdb.Open: %v", err)
	}
	sess := session.New(kvc)
	bc := &fakeBroadcaster{}
	sup := New(doc, rt, kvc, sess, nil, bc, Config{WorkflowEnabled: true, TransactionEnabled: true})
	t.Cleanup(func() { kvc.Close(); doc.Close(); rt.Close() })
	return sup, kvc, doc, rt, bc
}

func TestMapsEqual(t *testing.T) {
	a := map[string]any{"x": 1.0, "y": "z"}
	b := map[string]any{"x": 1.0, "y": "z"}
	if !mapsEqual(a, b) {
		t.Error("expected identical maps to compare equal")
	}
	c := map[string]any{"x": 2.0}
	if mapsEqual(a, c) {
		t.Error("expected differing maps to compare unequal")
	}
}

func TestOnPresenceSnapshotLiveAttachesWatchersOnce(t *testing.T) {
	sup, kvc, _, _, _ := liveSupervisor(t)
	ctx := context.Background()
	t.Cleanup(func() {
		_ = kvc.Delete(ctx, keys.ListenerRecord("u1", "notif", "", ""))
		_ = kvc.Delete(ctx, keys.ListenerRecord("u1", "msg", "", ""))
	})

	evt := docdb.Event{
		Type: docdb.EventChanged,
		Doc: docdb.Document{
			Path: "presence/u1",
			Data: map[string]any{"status": "online", "heartbeat_at": float64(time.Now().Unix()), "ttl_seconds": float64(90)},
		},
	}
	sup.OnPresenceSnapshot(ctx, evt)

	sup.mu.Lock()
	_, exists := sup.users["u1"]
	sup.mu.Unlock()
	if !exists {
		t.Fatal("expected a live presence snapshot to register user watchers")
	}

	// A second snapshot for the same already-live user is a no-op, not a
	// second attach.
	sup.OnPresenceSnapshot(ctx, evt)
	sup.mu.Lock()
	n := len(sup.users)
	sup.mu.Unlock()
	if n != 1 {
		t.Errorf("expected exactly one tracked user, got %d", n)
	}
}

func TestOnPresenceSnapshotOfflineSchedulesDetach(t *testing.T) {
	sup, _, _, _, _ := liveSupervisor(t)
	ctx := context.Background()

	sup.mu.Lock()
	sup.users["u2"] = &userWatchers{}
	sup.mu.Unlock()

	sup.OnPresenceSnapshot(ctx, docdb.Event{
		Type: docdb.EventChanged,
		Doc: docdb.Document{
			Path: "presence/u2",
			Data: map[string]any{"status": "offline", "heartbeat_at": float64(time.Now().Unix()), "ttl_seconds": float64(90)},
		},
	})

	sup.mu.Lock()
	uw, ok := sup.users["u2"]
	sup.mu.Unlock()
	if !ok {
		t.Fatal("expected user watchers still present immediately (grace window not yet elapsed)")
	}
	uw.mu.Lock()
	scheduled := uw.detachTimer != nil
	uw.mu.Unlock()
	if !scheduled {
		t.Error("expected a detach timer scheduled")
	}
}

func TestOnPresenceSnapshotRemovedDetachesImmediatelyAfterGrace(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the real detach grace window")
	}
	sup, _, _, _, _ := liveSupervisor(t)
	ctx := context.Background()

	sup.mu.Lock()
	sup.users["u3"] = &userWatchers{}
	sup.mu.Unlock()

	sup.OnPresenceSnapshot(ctx, docdb.Event{Type: docdb.EventRemoved, Doc: docdb.Document{Path: "presence/u3"}})

	time.Sleep(DetachGrace + 500*time.Millisecond)
	sup.mu.Lock()
	_, exists := sup.users["u3"]
	sup.mu.Unlock()
	if exists {
		t.Error("expected user watchers finalized (removed) after the detach grace window")
	}
}

func TestPublishOtherPublishesToKVAndBroadcasts(t *testing.T) {
	sup, kvc, _, _, bc := liveSupervisor(t)
	ctx := context.Background()

	pubsub := kvc.Subscribe(ctx, keys.UserChannel("u4"))
	defer pubsub.Close()
	time.Sleep(50 * time.Millisecond) // let the subscription register before publishing

	sup.publishOther(ctx, "u4", "notifications.unread", "", map[string]any{"items": []any{}})

	select {
	case msg := <-pubsub.Channel():
		if msg == nil {
			t.Fatal("expected a pubsub message")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the KV publish")
	}
	if bc.count() != 1 || bc.last().Type != "notifications.unread" {
		t.Errorf("expected the broadcaster notified too, got %+v", bc.events)
	}
}

func TestPublishWorkflowBroadcastsOnly(t *testing.T) {
	sup, _, _, _, bc := liveSupervisor(t)
	sup.publishWorkflow("u5", "workflow.invoice_update", map[string]any{"total": 100.0})
	if bc.count() != 1 || bc.last().Type != "workflow.invoice_update" {
		t.Errorf("expected a single workflow broadcast, got %+v", bc.events)
	}
}

func TestOnChatMessageCardActionShortCircuitsBroadcast(t *testing.T) {
	sup, _, _, _, bc := liveSupervisor(t)
	ctx := context.Background()

	var cardMsg string
	var cardPayload map[string]any
	cardHandler := func(msg string, payload map[string]any) {
		cardMsg, cardPayload = msg, payload
	}

	sup.onChatMessage(ctx, "u6", "c1", "thread1", map[string]any{"action": "approve", "message": "please approve"}, cardHandler)

	if cardMsg != "please approve" {
		t.Errorf("expected card handler invoked with the message text, got %q", cardMsg)
	}
	if cardPayload["action"] != "approve" {
		t.Errorf("expected card handler invoked with the full payload, got %v", cardPayload)
	}
	if bc.count() != 0 {
		t.Error("expected a card-action message to never reach the broadcaster")
	}
}

func TestOnChatMessageSkipsBroadcastWhenUserNotOnThread(t *testing.T) {
	sup, _, _, _, bc := liveSupervisor(t)
	ctx := context.Background()

	sup.onChatMessage(ctx, "u7", "c1", "thread1", map[string]any{"text": "hi"}, nil)

	if bc.count() != 0 {
		t.Error("expected no broadcast when the session has no matching active thread")
	}
}

func TestOnChatMessageBroadcastsWhenUserIsOnThread(t *testing.T) {
	sup, kvc, _, _, bc := liveSupervisor(t)
	ctx := context.Background()
	t.Cleanup(func() { _ = kvc.Delete(ctx, keys.Session("u8", "c1")) })

	sess := session.New(kvc)
	if _, err := sess.UpdatePresence(ctx, "u8", "c1", true, "thread1"); err != nil {
		t.Fatalf("UpdatePresence: %v", err)
	}

	sup.onChatMessage(ctx, "u8", "c1", "thread1", map[string]any{"text": "hi"}, nil)

	if bc.count() != 1 || bc.last().Type != "chat.message" {
		t.Errorf("expected a chat.message broadcast when the user is on the matching thread, got %+v", bc.events)
	}
}

func TestDiffWorkflowDocPublishesOnlyOnChange(t *testing.T) {
	sup, _, _, _, bc := liveSupervisor(t)

	sup.diffWorkflowDoc("u9", "u9|job1", map[string]any{
		"initial_data":            map[string]any{"total": 100.0},
		"APBookeeper_step_status": map[string]any{"step1": "done"},
	})
	if bc.count() != 2 {
		t.Fatalf("expected both substructures to publish on first diff, got %d", bc.count())
	}

	sup.diffWorkflowDoc("u9", "u9|job1", map[string]any{
		"initial_data":            map[string]any{"total": 100.0},
		"APBookeeper_step_status": map[string]any{"step1": "done"},
	})
	if bc.count() != 2 {
		t.Errorf("expected no further publishes when nothing changed, got %d", bc.count())
	}

	sup.diffWorkflowDoc("u9", "u9|job1", map[string]any{
		"initial_data":            map[string]any{"total": 200.0},
		"APBookeeper_step_status": map[string]any{"step1": "done"},
	})
	if bc.count() != 3 {
		t.Errorf("expected exactly one more publish for the changed substructure, got %d", bc.count())
	}
}

func TestAttachTransactionWatcherDisabledReturnsNoopHandle(t *testing.T) {
	sup, _, _, _, bc := liveSupervisor(t)
	sup.transactionEnabled = false
	h := sup.AttachTransactionWatcher(context.Background(), "u10", "batch1", bc)
	h.Close() // must not panic
}
