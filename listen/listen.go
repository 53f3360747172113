// Package listen implements the listener supervisor: the process that turns
// presence snapshots into attached DocDB/RTDB watchers and republishes their
// output as chat/workflow/transaction events, gated by the session's
// is-user-on-thread predicate where the spec requires it.
package listen

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/orbitfabric/fabric/presence"
	"github.com/orbitfabric/fabric/store/docdb"
	"github.com/orbitfabric/fabric/store/keys"
	"github.com/orbitfabric/fabric/store/kv"
	"github.com/orbitfabric/fabric/store/rtdb"
	"github.com/orbitfabric/fabric/store/session"
)

// DetachGrace is the window a detach waits before actually closing handles,
// so a quick reconnect can cancel it.
const DetachGrace = 5 * time.Second

// Event is what the supervisor hands to a broadcaster (the WebSocket hub or
// a background consumer); Type is the namespaced event type, e.g.
// "workflow.invoice_update" or "chat.message".
type Event struct {
	Type    string
	UserID  string
	Payload map[string]any
}

// Broadcaster is implemented by the WebSocket hub; the supervisor never
// imports the hub package to avoid a dependency cycle.
type Broadcaster interface {
	BroadcastThreadsafe(uid string, evt Event)
}

type userWatchers struct {
	handles     []docdb.Handle
	rtHandles   []rtdb.Handle
	detachTimer *time.Timer
	mu          sync.Mutex
}

// Supervisor owns the per-user watcher maps described in the component
// design: a general set, on-demand workflow/transaction watchers, and a
// per-(uid, job_id) diff cache.
type Supervisor struct {
	doc     *docdb.DB
	rt      *rtdb.DB
	kvc     *kv.Client
	sess    *session.Store
	presReg *presence.Registry
	bc      Broadcaster

	chatChannelPrefix string

	mu        sync.Mutex
	users     map[string]*userWatchers
	chatWatch map[string]docdb.Handle // key: uid|space|thread
	wfWatch   map[string]docdb.Handle // key: uid|job_id
	wfCache   map[string]map[string]any

	workflowEnabled    bool
	transactionEnabled bool
}

type Config struct {
	ChatChannelPrefix  string
	WorkflowEnabled    bool
	TransactionEnabled bool
}

func New(doc *docdb.DB, rt *rtdb.DB, kvc *kv.Client, sess *session.Store, presReg *presence.Registry, bc Broadcaster, cfg Config) *Supervisor {
	prefix := cfg.ChatChannelPrefix
	if prefix == "" {
		prefix = "chat:"
	}
	return &Supervisor{
		doc:                doc,
		rt:                 rt,
		kvc:                kvc,
		sess:               sess,
		presReg:            presReg,
		bc:                 bc,
		chatChannelPrefix:  prefix,
		users:              map[string]*userWatchers{},
		chatWatch:          map[string]docdb.Handle{},
		wfWatch:            map[string]docdb.Handle{},
		wfCache:            map[string]map[string]any{},
		workflowEnabled:    cfg.WorkflowEnabled,
		transactionEnabled: cfg.TransactionEnabled,
	}
}

// ListenerCount reports how many users currently have general watchers
// attached.
func (s *Supervisor) ListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// WorkflowListenerCount reports how many workflow watchers are attached.
func (s *Supervisor) WorkflowListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.wfWatch)
}

// OnPresenceSnapshot is the entry point driven by the presence registry's
// DocDB subscription.
func (s *Supervisor) OnPresenceSnapshot(ctx context.Context, evt docdb.Event) {
	uid := evt.Doc.Path
	if i := lastSlash(uid); i >= 0 {
		uid = uid[i+1:]
	}
	if evt.Type == docdb.EventRemoved {
		s.detachUserWatchers(uid, "removed")
		return
	}
	status, _ := evt.Doc.Data["status"].(string)
	heartbeatAt, _ := toInt64(evt.Doc.Data["heartbeat_at"])
	ttl, _ := toInt64(evt.Doc.Data["ttl_seconds"])
	live := presence.IsLive(&presence.Doc{Status: presence.Status(status), HeartbeatAt: heartbeatAt, TTLSeconds: int(ttl)}, time.Now())

	if live {
		// also cancels a pending detach for a user who came back in time
		s.ensureUserWatchers(ctx, uid)
	} else {
		s.detachUserWatchers(uid, "offline")
	}
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

// ensureUserWatchers attaches the general notification/direct-message
// watchers for uid, registering both in the ListenerRecord registry.
func (s *Supervisor) ensureUserWatchers(ctx context.Context, uid string) {
	s.mu.Lock()
	if uw, ok := s.users[uid]; ok {
		uw.mu.Lock()
		if uw.detachTimer != nil {
			uw.detachTimer.Stop()
			uw.detachTimer = nil
		}
		uw.mu.Unlock()
		s.mu.Unlock()
		return
	}
	uw := &userWatchers{}
	s.users[uid] = uw
	s.mu.Unlock()

	notifPath := fmt.Sprintf("clients/%s/notifications", uid)
	h := s.doc.OnSnapshot(ctx, notifPath, func(_ docdb.Event) {
		s.republishNotifications(ctx, uid)
	})
	s.registerListener(ctx, uid, "notif", "", "")

	dmPath := fmt.Sprintf("clients/%s/direct_message_notif", uid)
	rh := s.rt.Attach(dmPath, func(evt rtdb.Event) {
		if evt.Type != rtdb.EventPut {
			return
		}
		s.publishOther(ctx, uid, "msg", dmPath, evt.Data)
	})
	s.registerListener(ctx, uid, "msg", "", "")

	uw.mu.Lock()
	uw.handles = append(uw.handles, h)
	uw.rtHandles = append(uw.rtHandles, rh)
	uw.mu.Unlock()
}

func (s *Supervisor) registerListener(ctx context.Context, uid, listenerType, space, thread string) {
	key := keys.ListenerRecord(uid, listenerType, space, thread)
	if err := s.kvc.SetEX(ctx, key, "1", keys.TTLListenerRecord*time.Second); err != nil {
		slog.Warn("listen: registry write failed", "user_id", uid, "type", listenerType, "error", err)
	}
}

func (s *Supervisor) unregisterListener(ctx context.Context, uid, listenerType, space, thread string) {
	_ = s.kvc.Delete(ctx, keys.ListenerRecord(uid, listenerType, space, thread))
}

// detachUserWatchers schedules a detach with a 5s grace window; a
// concurrent ensureUserWatchers call within the window cancels it.
func (s *Supervisor) detachUserWatchers(uid, reason string) {
	s.mu.Lock()
	uw, ok := s.users[uid]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	uw.mu.Lock()
	if uw.detachTimer != nil {
		uw.mu.Unlock()
		return
	}
	uw.detachTimer = time.AfterFunc(DetachGrace, func() {
		s.finalizeDetach(uid, reason)
	})
	uw.mu.Unlock()
}

func (s *Supervisor) finalizeDetach(uid, reason string) {
	s.mu.Lock()
	uw, ok := s.users[uid]
	if ok {
		delete(s.users, uid)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	uw.mu.Lock()
	defer uw.mu.Unlock()
	for _, h := range uw.handles {
		h.Close()
	}
	for _, h := range uw.rtHandles {
		h.Close()
	}
	ctx := context.Background()
	s.unregisterListener(ctx, uid, "notif", "", "")
	s.unregisterListener(ctx, uid, "msg", "", "")
	slog.Info("listen: detached user watchers", "user_id", uid, "reason", reason)
}

func (s *Supervisor) republishNotifications(ctx context.Context, uid string) {
	docs, err := s.doc.Query(ctx, fmt.Sprintf("clients/%s/notifications", uid),
		[]docdb.Filter{{Field: "read", Op: "==", Value: false}}, "", 0)
	if err != nil {
		slog.Error("listen: notification query failed", "user_id", uid, "error", err)
		return
	}
	sort.Slice(docs, func(i, j int) bool {
		ti, _ := docs[i].Data["timestamp"].(string)
		tj, _ := docs[j].Data["timestamp"].(string)
		return ti > tj
	})
	items := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		items = append(items, d.Data)
	}
	s.publishOther(ctx, uid, "notifications.unread", "", map[string]any{"items": items})
}

// publishOther implements the "all other events" publication rule: publish
// to user:{uid} and also broadcast to WebSocket.
func (s *Supervisor) publishOther(ctx context.Context, uid, eventType, _ string, payload map[string]any) {
	raw, _ := json.Marshal(map[string]any{"type": eventType, "payload": payload})
	if err := s.kvc.Publish(ctx, keys.UserChannel(uid), string(raw)); err != nil {
		slog.Warn("listen: publish failed", "user_id", uid, "error", err)
	}
	if s.bc != nil {
		s.bc.BroadcastThreadsafe(uid, Event{Type: eventType, UserID: uid, Payload: payload})
	}
}

// publishWorkflow implements the workflow.* rule: WebSocket only, no KV
// publish.
func (s *Supervisor) publishWorkflow(uid, eventType string, payload map[string]any) {
	if s.bc != nil {
		s.bc.BroadcastThreadsafe(uid, Event{Type: eventType, UserID: uid, Payload: payload})
	}
}

// AttachChatWatcher attaches an RTDB listener translating thread messages
// into chat.message events, gated by IsUserOnThread before the WebSocket
// hop; the KV publish always happens. Card-action messages are routed to
// cardHandler instead of being broadcast.
func (s *Supervisor) AttachChatWatcher(ctx context.Context, uid, cid, spaceCode, threadKey string, cardHandler func(userMessage string, payload map[string]any)) {
	key := uid + "|" + spaceCode + "|" + threadKey
	s.mu.Lock()
	if _, ok := s.chatWatch[key]; ok {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	candidates := []string{
		fmt.Sprintf("%s/active_chats/%s", spaceCode, threadKey),
		fmt.Sprintf("%s/chats/%s", spaceCode, threadKey),
		fmt.Sprintf("%s/job_chats/%s", spaceCode, threadKey),
	}
	chosen, h, _ := s.rt.AttachWithFallback(ctx, candidates, func(evt rtdb.Event) {
		if evt.Type != rtdb.EventPatch {
			return
		}
		s.onChatMessage(ctx, uid, cid, threadKey, evt.Data, cardHandler)
	})
	slog.Debug("listen: chat watcher attached", "user_id", uid, "thread_key", threadKey, "path", chosen)

	s.mu.Lock()
	s.chatWatch[key] = h
	s.mu.Unlock()
	s.registerListener(ctx, uid, "chat", spaceCode, threadKey)
}

func (s *Supervisor) DetachChatWatcher(ctx context.Context, uid, spaceCode, threadKey string) {
	key := uid + "|" + spaceCode + "|" + threadKey
	s.mu.Lock()
	h, ok := s.chatWatch[key]
	if ok {
		delete(s.chatWatch, key)
	}
	s.mu.Unlock()
	if ok {
		h.Close()
		s.unregisterListener(ctx, uid, "chat", spaceCode, threadKey)
	}
}

func (s *Supervisor) onChatMessage(ctx context.Context, uid, cid, threadKey string, payload map[string]any, cardHandler func(string, map[string]any)) {
	if _, isCard := payload["action"]; isCard {
		if cardHandler != nil {
			text, _ := payload["message"].(string)
			cardHandler(text, payload)
		}
		return
	}

	channel := keys.ChatChannel(uid, cid, threadKey)
	raw, _ := json.Marshal(map[string]any{"type": "chat.message", "payload": payload})
	if err := s.kvc.Publish(ctx, channel, string(raw)); err != nil {
		slog.Warn("listen: chat publish failed", "thread_key", threadKey, "error", err)
	}

	onThread, err := s.sess.IsUserOnThread(ctx, uid, cid, threadKey)
	if err != nil {
		slog.Warn("listen: session lookup failed", "user_id", uid, "error", err)
		return
	}
	if !onThread {
		return // BACKEND mode: skip the WebSocket hop, KV publish already happened
	}
	if s.bc != nil {
		s.bc.BroadcastThreadsafe(uid, Event{Type: "chat.message", UserID: uid, Payload: payload})
	}
}

// AttachWorkflowWatcher subscribes to a single job's task_manager document
// and diffs two substructures against a per-(uid, job_id) cache, publishing
// only changed fields as workflow.invoice_update / workflow.step_update.
func (s *Supervisor) AttachWorkflowWatcher(ctx context.Context, uid, jobID string) {
	if !s.workflowEnabled {
		return
	}
	key := uid + "|" + jobID
	s.mu.Lock()
	if _, ok := s.wfWatch[key]; ok {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	path := fmt.Sprintf("clients/%s/task_manager/%s", uid, jobID)
	h := s.doc.OnSnapshot(ctx, path, func(evt docdb.Event) {
		s.diffWorkflowDoc(uid, key, evt.Doc.Data)
	})

	s.mu.Lock()
	s.wfWatch[key] = h
	s.mu.Unlock()
}

func (s *Supervisor) DetachWorkflowWatcher(uid, jobID string) {
	key := uid + "|" + jobID
	s.mu.Lock()
	h, ok := s.wfWatch[key]
	if ok {
		delete(s.wfWatch, key)
		delete(s.wfCache, key)
	}
	s.mu.Unlock()
	if ok {
		h.Close()
	}
}

func (s *Supervisor) diffWorkflowDoc(uid, cacheKey string, data map[string]any) {
	s.mu.Lock()
	prev := s.wfCache[cacheKey]
	s.mu.Unlock()

	initial, _ := data["initial_data"].(map[string]any)
	steps, _ := data["APBookeeper_step_status"].(map[string]any)

	if prevInitial, ok := prev["initial_data"].(map[string]any); !ok || !mapsEqual(prevInitial, initial) {
		if len(initial) > 0 {
			s.publishWorkflow(uid, "workflow.invoice_update", initial)
		}
	}
	if prevSteps, ok := prev["APBookeeper_step_status"].(map[string]any); !ok || !mapsEqual(prevSteps, steps) {
		if len(steps) > 0 {
			s.publishWorkflow(uid, "workflow.step_update", steps)
		}
	}

	s.mu.Lock()
	s.wfCache[cacheKey] = map[string]any{"initial_data": initial, "APBookeeper_step_status": steps}
	s.mu.Unlock()
}

// AttachTransactionWatcher subscribes to a batch's task_manager document and
// diffs per-transaction status against an initial+acknowledged table.
func (s *Supervisor) AttachTransactionWatcher(ctx context.Context, uid, batchID string, bc Broadcaster) docdb.Handle {
	if !s.transactionEnabled {
		return noopHandle{}
	}
	acked := map[string]string{}
	var mu sync.Mutex
	path := fmt.Sprintf("task_manager/%s", batchID)
	return s.doc.OnSnapshot(ctx, path, func(evt docdb.Event) {
		jobsData, _ := evt.Doc.Data["jobs_data"].([]any)
		if len(jobsData) == 0 {
			return
		}
		job0, _ := jobsData[0].(map[string]any)
		txs, _ := job0["transactions"].([]any)

		var changed []map[string]any
		mu.Lock()
		for _, t := range txs {
			tx, ok := t.(map[string]any)
			if !ok {
				continue
			}
			id, _ := tx["id"].(string)
			status, _ := tx["status"].(string)
			if acked[id] != status {
				acked[id] = status
				changed = append(changed, tx)
			}
		}
		mu.Unlock()

		if len(changed) > 0 && bc != nil {
			bc.BroadcastThreadsafe(uid, Event{Type: "transaction.status_change", UserID: uid, Payload: map[string]any{"transactions": changed}})
		}
	})
}

func mapsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	ra, _ := json.Marshal(a)
	rb, _ := json.Marshal(b)
	return string(ra) == string(rb)
}

type noopHandle struct{}

func (noopHandle) Close() {}
