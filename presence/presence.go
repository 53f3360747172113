// Package presence maintains the online/offline registry every WebSocket
// connection is mirrored into: a KV entry for fast listener-registry reads
// and a DocDB document for the supervisor's snapshot subscription.
package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/orbitfabric/fabric/store/docdb"
	"github.com/orbitfabric/fabric/store/keys"
	"github.com/orbitfabric/fabric/store/kv"
)

// Status is the lifecycle value stored in a presence document.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Doc is the persisted presence payload, mirrored to both backends.
type Doc struct {
	UserID      string `json:"user_id"`
	Status      Status `json:"status"`
	HeartbeatAt int64  `json:"heartbeat_at"` // unix seconds
	TTLSeconds  int    `json:"ttl_seconds"`
}

// IsLive applies the TTL rule: a doc is live iff it claims online and its
// heartbeat is within its own TTL window.
func IsLive(d *Doc, now time.Time) bool {
	if d == nil || d.Status != StatusOnline {
		return false
	}
	age := now.Unix() - d.HeartbeatAt
	return age >= 0 && age <= int64(d.TTLSeconds)
}

// Registry writes and watches presence docs.
type Registry struct {
	kv    *kv.Client
	doc   *docdb.DB
	ttl   int
	docPath func(uid string) string
}

func New(kvClient *kv.Client, doc *docdb.DB, ttlSeconds int) *Registry {
	if ttlSeconds <= 0 {
		ttlSeconds = 90
	}
	return &Registry{
		kv:  kvClient,
		doc: doc,
		ttl: ttlSeconds,
		docPath: func(uid string) string {
			return "presence/" + uid
		},
	}
}

// Heartbeat writes status=online with a fresh heartbeat timestamp to both
// backends. A single write failure is logged but never fatal: the next
// heartbeat retries, and a missed window naturally causes the listener
// supervisor to detach.
func (r *Registry) Heartbeat(ctx context.Context, uid string) {
	d := &Doc{UserID: uid, Status: StatusOnline, HeartbeatAt: time.Now().Unix(), TTLSeconds: r.ttl}
	r.write(ctx, uid, d)
}

// Offline writes status=offline once, on disconnect.
func (r *Registry) Offline(ctx context.Context, uid string) {
	d := &Doc{UserID: uid, Status: StatusOffline, HeartbeatAt: time.Now().Unix(), TTLSeconds: r.ttl}
	r.write(ctx, uid, d)
}

func (r *Registry) write(ctx context.Context, uid string, d *Doc) {
	raw, err := json.Marshal(d)
	if err != nil {
		slog.Error("presence: encode failed", "user_id", uid, "error", err)
		return
	}
	if err := r.kv.SetEX(ctx, keys.PresenceKV(uid), string(raw), keys.TTLPresence*time.Second); err != nil {
		slog.Warn("presence: kv write failed", "user_id", uid, "error", err)
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err == nil {
		if err := r.doc.Set(ctx, r.docPath(uid), data, false); err != nil {
			slog.Warn("presence: docdb write failed", "user_id", uid, "error", err)
		}
	}
}

// Get reads the KV-mirrored doc (the fast path used by listener-registry
// reads). Returns (nil, nil) on miss.
func (r *Registry) Get(ctx context.Context, uid string) (*Doc, error) {
	raw, err := r.kv.Get(ctx, keys.PresenceKV(uid))
	if err != nil {
		if kv.IsMiss(err) {
			return nil, nil
		}
		return nil, err
	}
	var d Doc
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// OnSnapshot subscribes to presence document changes for the supervisor.
func (r *Registry) OnSnapshot(ctx context.Context, callback func(docdb.Event)) docdb.Handle {
	return r.doc.OnSnapshot(ctx, "presence", func(evt docdb.Event) {
		callback(evt)
	})
}

// HeartbeatLoop runs Heartbeat every interval until ctx is cancelled,
// writing one final offline doc on exit.
func (r *Registry) HeartbeatLoop(ctx context.Context, uid string, interval time.Duration) {
	r.Heartbeat(ctx, uid)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Offline(context.Background(), uid)
			return
		case <-ticker.C:
			r.Heartbeat(ctx, uid)
		}
	}
}
