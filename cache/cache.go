// Package cache implements the unified business-data cache: read-through
// get/set with metadata envelopes, module-wide invalidation via SCAN, and
// the empty-list-is-miss rule every page handler's cache-first contract
// relies on.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/orbitfabric/fabric/store/keys"
	"github.com/orbitfabric/fabric/store/kv"
)

// Entry is the envelope every cache write stores.
type Entry struct {
	Data      json.RawMessage `json:"data"`
	CachedAt  int64           `json:"cached_at"`
	TTL       int             `json:"ttl_seconds"`
	Source    string          `json:"source,omitempty"`
}

// Manager is the typed cache client. A singleflight group collapses
// concurrent misses for the same key into one populate call, protecting
// against stampedes on expensive page-handler sub-fetches.
type Manager struct {
	kv  *kv.Client
	sf  singleflight.Group
}

func New(client *kv.Client) *Manager { return &Manager{kv: client} }

func (m *Manager) key(uid, cid, dataType, subType string) string {
	if subType == "" {
		return keys.Cache(uid, cid, dataType)
	}
	return keys.Cache(uid, cid, dataType, subType)
}

// GetCachedData reads a cache entry. An empty-list payload is treated as a
// miss and the stale key is deleted before returning.
func (m *Manager) GetCachedData(ctx context.Context, uid, cid, dataType, subType string) (json.RawMessage, bool, error) {
	key := m.key(uid, cid, dataType, subType)
	raw, err := m.kv.Get(ctx, key)
	if err != nil {
		if kv.IsMiss(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, false, err
	}
	if isEmptyList(e.Data) {
		_ = m.kv.Delete(ctx, key)
		return nil, false, nil
	}
	return e.Data, true, nil
}

func isEmptyList(raw json.RawMessage) bool {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return false
	}
	return len(arr) == 0
}

// SetCachedData writes a value wrapped in the standard metadata envelope.
func (m *Manager) SetCachedData(ctx context.Context, uid, cid, dataType, subType string, data any, ttlSeconds int, source string) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	e := Entry{Data: raw, CachedAt: time.Now().Unix(), TTL: ttlSeconds, Source: source}
	encoded, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ttl := time.Duration(ttlSeconds) * time.Second
	if ttl <= 0 {
		ttl = keys.TTLUserContext * time.Second
	}
	return m.kv.SetEX(ctx, m.key(uid, cid, dataType, subType), string(encoded), ttl)
}

// InvalidateCache deletes one cache entry.
func (m *Manager) InvalidateCache(ctx context.Context, uid, cid, dataType, subType string) error {
	return m.kv.Delete(ctx, m.key(uid, cid, dataType, subType))
}

// InvalidateModuleCache deletes every key under cache:{uid}:{cid}:{dataType}*
// via SCAN, in batches of at most 1000 keys per delete call.
func (m *Manager) InvalidateModuleCache(ctx context.Context, uid, cid, dataType string) (int, error) {
	matched, err := m.kv.Scan(ctx, keys.CachePattern(uid, cid, dataType))
	if err != nil {
		return 0, err
	}
	const batchSize = 1000
	deleted := 0
	for i := 0; i < len(matched); i += batchSize {
		end := i + batchSize
		if end > len(matched) {
			end = len(matched)
		}
		if err := m.kv.Delete(ctx, matched[i:end]...); err != nil {
			return deleted, err
		}
		deleted += end - i
	}
	return deleted, nil
}

// Stats summarises one module's cache footprint.
type Stats struct {
	KeyCount int `json:"key_count"`
}

// GetCacheStats counts live keys for a (uid, cid[, dataType]) scope.
func (m *Manager) GetCacheStats(ctx context.Context, uid, cid, dataType string) (Stats, error) {
	pattern := keys.CachePattern(uid, cid, dataType)
	if dataType == "" {
		pattern = "cache:" + uid + ":" + cid + ":*"
	}
	matched, err := m.kv.Scan(ctx, pattern)
	if err != nil {
		return Stats{}, err
	}
	return Stats{KeyCount: len(matched)}, nil
}

// GetOrPopulate is the cache-first helper page handlers use: on miss it
// collapses concurrent callers for the same key into one populate() call.
func (m *Manager) GetOrPopulate(ctx context.Context, uid, cid, dataType, subType string, ttlSeconds int, populate func(context.Context) (any, error)) (json.RawMessage, bool, error) {
	if data, hit, err := m.GetCachedData(ctx, uid, cid, dataType, subType); err != nil || hit {
		return data, hit, err
	}

	sfKey := m.key(uid, cid, dataType, subType)
	v, err, _ := m.sf.Do(sfKey, func() (any, error) {
		data, err := populate(ctx)
		if err != nil {
			return nil, err
		}
		if err := m.SetCachedData(ctx, uid, cid, dataType, subType, data, ttlSeconds, "populate"); err != nil {
			return nil, err
		}
		raw, err := json.Marshal(data)
		return json.RawMessage(raw), err
	})
	if err != nil {
		return nil, false, err
	}
	return v.(json.RawMessage), false, nil
}
