// Package wshub implements the WebSocket hub: socket accept/registration,
// per-user fan-out, presence heartbeat and keepalive tasks, and the pending
// message buffer drain used when a socket attaches to a thread.
package wshub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orbitfabric/fabric/listen"
	"github.com/orbitfabric/fabric/presence"
	"github.com/orbitfabric/fabric/store/keys"
	"github.com/orbitfabric/fabric/store/kv"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Frame is the bidirectional JSON envelope used on the wire.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DisconnectReason classifies why a socket closed, for /ws-metrics.
type DisconnectReason string

const (
	ReasonNormal    DisconnectReason = "normal_closure"
	ReasonGoingAway DisconnectReason = "going_away"
	ReasonAbnormal  DisconnectReason = "abnormal_closure"
	ReasonServer    DisconnectReason = "server_error"
)

// HandlerFunc dispatches one inbound frame by its type and returns the
// response payload to send back on the same socket.
type HandlerFunc func(ctx context.Context, sock *Socket, payload json.RawMessage) (any, error)

// Socket is one accepted connection.
type Socket struct {
	UID       string
	SessionID string
	CompanyID string
	SpaceCode string
	ThreadKey string
	Mode      string

	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
}

func (s *Socket) send(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// Hub owns every live socket, keyed by user id.
type Hub struct {
	kvc  *kv.Client
	pres *presence.Registry
	sup  *listen.Supervisor

	heartbeatInterval time.Duration
	keepaliveInterval time.Duration

	mu      sync.RWMutex
	sockets map[string][]*Socket

	metricsMu sync.Mutex
	metrics   map[DisconnectReason]int

	handlers    map[string]HandlerFunc
	cardHandler func(ctx context.Context, uid, cid, threadKey, userMessage string, payload map[string]any)
}

func New(kvc *kv.Client, pres *presence.Registry, sup *listen.Supervisor, heartbeatInterval, keepaliveInterval time.Duration) *Hub {
	return &Hub{
		kvc:               kvc,
		pres:              pres,
		sup:               sup,
		heartbeatInterval: heartbeatInterval,
		keepaliveInterval: keepaliveInterval,
		sockets:           map[string][]*Socket{},
		metrics:           map[DisconnectReason]int{},
		handlers:          map[string]HandlerFunc{},
	}
}

// RegisterHandler wires a frame-type dispatcher (auth.firebase_token,
// dashboard.*, task.*, etc).
func (h *Hub) RegisterHandler(frameType string, fn HandlerFunc) {
	h.handlers[frameType] = fn
}

// SetSupervisor wires the listener supervisor after construction, since the
// supervisor's Broadcaster dependency is this same Hub.
func (h *Hub) SetSupervisor(sup *listen.Supervisor) {
	h.sup = sup
}

// SetCardHandler wires the card-action short-circuit the listener
// supervisor calls instead of broadcasting a normal chat message.
func (h *Hub) SetCardHandler(fn func(ctx context.Context, uid, cid, threadKey, userMessage string, payload map[string]any)) {
	h.cardHandler = fn
}

// ServeHTTP upgrades the connection and runs its lifecycle until close.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	uid := r.URL.Query().Get("uid")
	if uid == "" {
		http.Error(w, "uid is required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("wshub: upgrade failed", "error", err)
		return
	}

	sock := &Socket{
		UID:       uid,
		SessionID: r.URL.Query().Get("session_id"),
		CompanyID: r.URL.Query().Get("company_id"),
		SpaceCode: r.URL.Query().Get("space_code"),
		ThreadKey: r.URL.Query().Get("thread_key"),
		Mode:      r.URL.Query().Get("mode"),
		conn:      conn,
		done:      make(chan struct{}),
	}

	h.register(sock)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.heartbeatLoop(ctx, sock)
	go h.keepaliveLoop(ctx, sock)

	if sock.SpaceCode != "" && sock.ThreadKey != "" {
		var cardFn func(string, map[string]any)
		if h.cardHandler != nil {
			cardFn = func(userMessage string, payload map[string]any) {
				h.cardHandler(ctx, sock.UID, sock.CompanyID, sock.ThreadKey, userMessage, payload)
			}
		}
		h.sup.AttachChatWatcher(ctx, sock.UID, sock.CompanyID, sock.SpaceCode, sock.ThreadKey, cardFn)
		h.drainPendingMessages(ctx, sock)
	}

	h.receiveLoop(ctx, sock)

	cancel()
	h.unregister(sock)
	h.pres.Offline(context.Background(), sock.UID)
}

func (h *Hub) register(sock *Socket) {
	h.mu.Lock()
	h.sockets[sock.UID] = append(h.sockets[sock.UID], sock)
	h.mu.Unlock()
}

func (h *Hub) unregister(sock *Socket) {
	h.mu.Lock()
	list := h.sockets[sock.UID]
	for i, s := range list {
		if s == sock {
			h.sockets[sock.UID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(h.sockets[sock.UID]) == 0 {
		delete(h.sockets, sock.UID)
	}
	h.mu.Unlock()
	close(sock.done)
}

func (h *Hub) heartbeatLoop(ctx context.Context, sock *Socket) {
	interval := h.heartbeatInterval
	if interval <= 0 {
		interval = 45 * time.Second
	}
	h.pres.Heartbeat(ctx, sock.UID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.pres.Heartbeat(ctx, sock.UID)
		}
	}
}

func (h *Hub) keepaliveLoop(ctx context.Context, sock *Socket) {
	interval := h.keepaliveInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sock.send(Frame{Type: "ping", Payload: json.RawMessage(`{"timestamp":` + itoaUnix() + `}`)}); err != nil {
				h.recordDisconnect(classify(err))
				_ = sock.conn.Close()
				return
			}
		}
	}
}

func itoaUnix() string {
	return strconv.FormatInt(time.Now().Unix(), 10)
}

func (h *Hub) drainPendingMessages(ctx context.Context, sock *Socket) {
	key := keys.WSBuffer(sock.UID, sock.ThreadKey)
	items, err := h.kvc.LRange(ctx, key, 0, -1)
	if err != nil || len(items) == 0 {
		return
	}
	for _, raw := range items {
		var frame Frame
		if err := json.Unmarshal([]byte(raw), &frame); err != nil {
			continue
		}
		_ = sock.send(frame)
	}
	_ = h.kvc.Delete(ctx, key)
}

func (h *Hub) receiveLoop(ctx context.Context, sock *Socket) {
	for {
		var frame Frame
		if err := sock.conn.ReadJSON(&frame); err != nil {
			h.recordDisconnect(classify(err))
			return
		}
		handler, ok := h.handlers[frame.Type]
		if !ok {
			slog.Info("wshub: unknown frame type", "type", frame.Type, "user_id", sock.UID)
			continue
		}
		resp, err := handler(ctx, sock, frame.Payload)
		if err != nil {
			_ = sock.send(Frame{Type: "error", Payload: mustJSON(map[string]any{"message": err.Error()})})
			continue
		}
		if resp != nil {
			_ = sock.send(Frame{Type: frame.Type + ".response", Payload: mustJSON(resp)})
		}
	}
}

func mustJSON(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}

func classify(err error) DisconnectReason {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return ReasonNormal
	}
	if websocket.IsCloseError(err, websocket.CloseGoingAway) {
		return ReasonGoingAway
	}
	if websocket.IsUnexpectedCloseError(err) {
		return ReasonAbnormal
	}
	return ReasonServer
}

func (h *Hub) recordDisconnect(reason DisconnectReason) {
	h.metricsMu.Lock()
	h.metrics[reason]++
	h.metricsMu.Unlock()
}

// Metrics returns a snapshot of disconnect classification counters.
func (h *Hub) Metrics() map[string]int {
	h.metricsMu.Lock()
	defer h.metricsMu.Unlock()
	out := make(map[string]int, len(h.metrics))
	for k, v := range h.metrics {
		out[string(k)] = v
	}
	return out
}

// Broadcast fans an event out to every socket registered for uid, evicting
// any socket whose send fails.
func (h *Hub) Broadcast(uid string, frame Frame) {
	h.mu.RLock()
	socks := append([]*Socket(nil), h.sockets[uid]...)
	h.mu.RUnlock()

	for _, s := range socks {
		if err := s.send(frame); err != nil {
			slog.Warn("wshub: broadcast send failed, evicting socket", "user_id", uid, "error", err)
			_ = s.conn.Close()
		}
	}
}

// BroadcastThreadsafe implements listen.Broadcaster: listener callbacks run
// outside the per-socket write path and must not touch it directly.
func (h *Hub) BroadcastThreadsafe(uid string, evt listen.Event) {
	h.Broadcast(uid, Frame{Type: evt.Type, Payload: mustJSON(evt.Payload)})
}

// ActiveUserCount reports how many distinct users currently have a socket,
// used by /healthz.
func (h *Hub) ActiveUserCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sockets)
}
