package cache

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/orbitfabric/fabric/store/keys"
	"github.com/orbitfabric/fabric/store/kv"
)

func TestIsEmptyList(t *testing.T) {
	if !isEmptyList(json.RawMessage(`[]`)) {
		t.Error("expected an empty JSON array to be detected as an empty list")
	}
	if isEmptyList(json.RawMessage(`[1,2]`)) {
		t.Error("expected a non-empty array to not be an empty list")
	}
	if isEmptyList(json.RawMessage(`{"a":1}`)) {
		t.Error("expected an object to not be an empty list")
	}
	if !isEmptyList(json.RawMessage(`null`)) {
		t.Error("expected a bare JSON null to decode into a nil, zero-length slice and count as an empty list")
	}
}

func liveManager(t *testing.T) (*Manager, *kv.Client) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", "127.0.0.1:6379", 200*time.Millisecond)
	if err != nil {
		t.Skip("no local redis reachable, skipping integration test")
	}
	_ = conn.Close()
	c := kv.New(kv.Config{Host: "127.0.0.1", Port: 6379, DB: 15})
	return New(c), c
}

func TestGetCachedDataMissWhenAbsent(t *testing.T) {
	m, c := liveManager(t)
	defer c.Close()
	data, hit, err := m.GetCachedData(context.Background(), "u1", "c1", "dashboard", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hit || data != nil {
		t.Error("expected a miss for an absent key")
	}
}

func TestSetThenGetCachedDataRoundTrip(t *testing.T) {
	m, c := liveManager(t)
	ctx := context.Background()
	t.Cleanup(func() {
		_ = m.InvalidateCache(ctx, "u2", "c1", "dashboard", "")
		c.Close()
	})

	if err := m.SetCachedData(ctx, "u2", "c1", "dashboard", "", map[string]any{"x": 1.0}, 60, "test"); err != nil {
		t.Fatalf("SetCachedData: %v", err)
	}
	raw, hit, err := m.GetCachedData(ctx, "u2", "c1", "dashboard", "")
	if err != nil {
		t.Fatalf("GetCachedData: %v", err)
	}
	if !hit {
		t.Fatal("expected a cache hit after SetCachedData")
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["x"] != 1.0 {
		t.Errorf("unexpected round-tripped value: %v", decoded)
	}
}

func TestEmptyListCachedValueIsTreatedAsMiss(t *testing.T) {
	m, c := liveManager(t)
	ctx := context.Background()
	t.Cleanup(func() {
		_ = m.InvalidateCache(ctx, "u3", "c1", "tasks", "")
		c.Close()
	})

	if err := m.SetCachedData(ctx, "u3", "c1", "tasks", "", []string{}, 60, "test"); err != nil {
		t.Fatalf("SetCachedData: %v", err)
	}
	_, hit, err := m.GetCachedData(ctx, "u3", "c1", "tasks", "")
	if err != nil {
		t.Fatalf("GetCachedData: %v", err)
	}
	if hit {
		t.Error("expected an empty-list cache entry to be treated as a miss")
	}

	exists, err := m.kv.Exists(ctx, m.key("u3", "c1", "tasks", ""))
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Error("expected the stale empty-list entry to be deleted on read")
	}
}

func TestInvalidateModuleCacheDeletesAllSubTypes(t *testing.T) {
	m, c := liveManager(t)
	ctx := context.Background()
	t.Cleanup(func() { c.Close() })

	if err := m.SetCachedData(ctx, "u4", "c1", "dashboard", "summary", map[string]any{"a": 1.0}, 60, "test"); err != nil {
		t.Fatalf("SetCachedData: %v", err)
	}
	if err := m.SetCachedData(ctx, "u4", "c1", "dashboard", "detail", map[string]any{"b": 2.0}, 60, "test"); err != nil {
		t.Fatalf("SetCachedData: %v", err)
	}

	n, err := m.InvalidateModuleCache(ctx, "u4", "c1", "dashboard")
	if err != nil {
		t.Fatalf("InvalidateModuleCache: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 keys deleted, got %d", n)
	}

	_, hit, err := m.GetCachedData(ctx, "u4", "c1", "dashboard", "summary")
	if err != nil {
		t.Fatalf("GetCachedData: %v", err)
	}
	if hit {
		t.Error("expected dashboard:summary gone after module invalidation")
	}
}

func TestGetOrPopulateCallsPopulateOnceOnMiss(t *testing.T) {
	m, c := liveManager(t)
	ctx := context.Background()
	t.Cleanup(func() {
		_ = m.InvalidateCache(ctx, "u5", "c1", "report", "")
		c.Close()
	})

	calls := 0
	populate := func(context.Context) (any, error) {
		calls++
		return map[string]any{"n": calls}, nil
	}

	_, hit, err := m.GetOrPopulate(ctx, "u5", "c1", "report", "", 60, populate)
	if err != nil {
		t.Fatalf("GetOrPopulate: %v", err)
	}
	if hit {
		t.Error("expected the first call to be a cache miss")
	}
	if calls != 1 {
		t.Fatalf("expected populate called exactly once, got %d", calls)
	}

	_, hit, err = m.GetOrPopulate(ctx, "u5", "c1", "report", "", 60, populate)
	if err != nil {
		t.Fatalf("GetOrPopulate (second call): %v", err)
	}
	if !hit {
		t.Error("expected the second call to hit the now-populated cache")
	}
	if calls != 1 {
		t.Errorf("expected populate not called again on cache hit, got %d calls", calls)
	}
}

func TestCacheKeyHonoursCanonicalLayout(t *testing.T) {
	m := &Manager{}
	if got := m.key("u1", "c1", "dashboard", ""); got != keys.Cache("u1", "c1", "dashboard") {
		t.Errorf("unexpected bare key: %s", got)
	}
	if got := m.key("u1", "c1", "dashboard", "summary"); got != keys.Cache("u1", "c1", "dashboard", "summary") {
		t.Errorf("unexpected sub-typed key: %s", got)
	}
}
