package wshub

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orbitfabric/fabric/listen"
	"github.com/orbitfabric/fabric/presence"
	"github.com/orbitfabric/fabric/store/docdb"
	"github.com/orbitfabric/fabric/store/kv"
)

// kvDialOrSkip returns a live redis-backed kv.Client, skipping the calling
// test when no local redis is reachable.
func kvDialOrSkip(t *testing.T) (*kv.Client, error) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", "127.0.0.1:6379", 200*time.Millisecond)
	if err != nil {
		t.Skip("no local redis reachable, skipping integration test")
		return nil, err
	}
	_ = conn.Close()
	return kv.New(kv.Config{Host: "127.0.0.1", Port: 6379, DB: 15}), nil
}

func eventFor(t *testing.T) listen.Event {
	t.Helper()
	return listen.Event{Type: "chat.message", UserID: "u1", Payload: map[string]any{"text": "hi"}}
}

// newSocketPair spins up a real server-side *websocket.Conn (wrapped in a
// Socket) and its paired client-side *websocket.Conn, so Socket.send can be
// exercised without a live redis or full Hub.ServeHTTP lifecycle.
func newSocketPair(t *testing.T) (*Socket, *websocket.Conn) {
	t.Helper()
	serverConnCh := make(chan *websocket.Conn, 1)
	upg := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upg.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverConnCh <- c
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { clientConn.Close() })

	serverConn := <-serverConnCh
	t.Cleanup(func() { serverConn.Close() })

	return &Socket{UID: "u1", conn: serverConn, done: make(chan struct{})}, clientConn
}

func TestSocketSendDeliversFrame(t *testing.T) {
	sock, client := newSocketPair(t)
	if err := sock.send(Frame{Type: "ping", Payload: json.RawMessage(`{"ok":true}`)}); err != nil {
		t.Fatalf("send: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Frame
	if err := client.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Type != "ping" {
		t.Errorf("expected ping frame, got %+v", got)
	}
}

func TestClassifyCloseErrors(t *testing.T) {
	normal := &websocket.CloseError{Code: websocket.CloseNormalClosure}
	if got := classify(normal); got != ReasonNormal {
		t.Errorf("expected ReasonNormal, got %s", got)
	}
	goingAway := &websocket.CloseError{Code: websocket.CloseGoingAway}
	if got := classify(goingAway); got != ReasonGoingAway {
		t.Errorf("expected ReasonGoingAway, got %s", got)
	}
	if got := classify(&websocket.CloseError{Code: websocket.CloseProtocolError}); got != ReasonServer {
		t.Errorf("expected an unmatched close code to classify as ReasonServer, got %s", got)
	}
}

func TestRecordDisconnectAndMetrics(t *testing.T) {
	h := New(nil, nil, nil, 0, 0)
	h.recordDisconnect(ReasonNormal)
	h.recordDisconnect(ReasonNormal)
	h.recordDisconnect(ReasonAbnormal)

	metrics := h.Metrics()
	if metrics[string(ReasonNormal)] != 2 {
		t.Errorf("expected 2 normal disconnects, got %d", metrics[string(ReasonNormal)])
	}
	if metrics[string(ReasonAbnormal)] != 1 {
		t.Errorf("expected 1 abnormal disconnect, got %d", metrics[string(ReasonAbnormal)])
	}
}

func TestRegisterUnregisterTracksActiveUserCount(t *testing.T) {
	h := New(nil, nil, nil, 0, 0)
	sock1, client1 := newSocketPair(t)
	sock2, client2 := newSocketPair(t)
	_ = client1
	_ = client2
	sock1.UID, sock2.UID = "u1", "u2"

	h.register(sock1)
	h.register(sock2)
	if got := h.ActiveUserCount(); got != 2 {
		t.Errorf("expected 2 active users, got %d", got)
	}

	h.unregister(sock1)
	if got := h.ActiveUserCount(); got != 1 {
		t.Errorf("expected 1 active user after unregister, got %d", got)
	}
	select {
	case <-sock1.done:
	default:
		t.Error("expected sock1.done closed after unregister")
	}
}

func TestBroadcastDeliversToAllSocketsForUser(t *testing.T) {
	h := New(nil, nil, nil, 0, 0)
	sockA, clientA := newSocketPair(t)
	sockB, clientB := newSocketPair(t)
	sockA.UID, sockB.UID = "u1", "u1"
	h.register(sockA)
	h.register(sockB)

	h.Broadcast("u1", Frame{Type: "event", Payload: json.RawMessage(`{"n":1}`)})

	for _, c := range []*websocket.Conn{clientA, clientB} {
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		var got Frame
		if err := c.ReadJSON(&got); err != nil {
			t.Fatalf("ReadJSON: %v", err)
		}
		if got.Type != "event" {
			t.Errorf("expected event frame, got %+v", got)
		}
	}
}

func TestBroadcastThreadsafeWrapsListenEvent(t *testing.T) {
	h := New(nil, nil, nil, 0, 0)
	sock, client := newSocketPair(t)
	sock.UID = "u1"
	h.register(sock)

	h.BroadcastThreadsafe("u1", eventFor(t))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Frame
	if err := client.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Type != "chat.message" {
		t.Errorf("expected the listen event's type preserved, got %s", got.Type)
	}
}

func TestDrainPendingMessagesSendsAndClearsBuffer(t *testing.T) {
	conn, _ := kvDialOrSkip(t)
	defer conn.Close()

	doc, err := docdb.Open(t.Context(), "sqlite", ":memory:")
	if err != nil {
		t.Fatalf("docdb.Open: %v", err)
	}
	defer doc.Close()

	h := New(conn, presence.New(conn, doc, 90), nil, 0, 0)
	sock, client := newSocketPair(t)
	sock.UID, sock.ThreadKey = "u-drain", "thread-1"

	ctx := t.Context()
	key := "pending_ws_messages:u-drain:thread-1"
	frame, _ := json.Marshal(Frame{Type: "chat.message", Payload: json.RawMessage(`{"text":"hi"}`)})
	if err := conn.RPush(ctx, key, string(frame)); err != nil {
		t.Fatalf("RPush: %v", err)
	}
	t.Cleanup(func() { _ = conn.Delete(ctx, key) })

	h.drainPendingMessages(ctx, sock)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Frame
	if err := client.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Type != "chat.message" {
		t.Errorf("expected buffered message delivered, got %+v", got)
	}

	exists, err := conn.Exists(ctx, key)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Error("expected the buffer drained (deleted) after delivery")
	}
}
