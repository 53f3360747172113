// Package pages implements the cache-first page-handler contract: every
// dashboard/page RPC method reads through cache.Manager, fans its
// sub-fetches out in parallel with documented partial-failure defaults,
// and wraps the result in the standard meta block every page response
// carries.
package pages

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/google/uuid"

	"github.com/orbitfabric/fabric/cache"
)

// Meta is the standard envelope block attached to every page response.
type Meta struct {
	RequestID     string `json:"requestId"`
	CachedAt      int64  `json:"cachedAt,omitempty"`
	CacheHit      bool   `json:"cacheHit"`
	CacheTTL      int    `json:"cacheTTL,omitempty"`
	DurationMS    int64  `json:"durationMs"`
	DataFreshness string `json:"dataFreshness"`
}

// Response is what every page handler returns.
type Response struct {
	Data any  `json:"data"`
	Meta Meta `json:"meta"`
}

// SubFetch is one named parallel data source a page composes from.
type SubFetch struct {
	Name    string
	Fetch   func(context.Context) (any, error)
	Default any // returned in place of Fetch's result if it errors
}

// Handler serves one page's data, cache-first with write-through.
type Handler struct {
	cache *cache.Manager
}

func New(cache *cache.Manager) *Handler { return &Handler{cache: cache} }

// Serve implements the shared contract: try the cache, and on a miss run
// every sub-fetch concurrently, substituting a fetch's Default if it
// fails rather than failing the whole page.
func (h *Handler) Serve(ctx context.Context, uid, cid, dataType, subType string, ttlSeconds int, fetches []SubFetch) (Response, error) {
	start := time.Now()

	if raw, hit, err := h.cache.GetCachedData(ctx, uid, cid, dataType, subType); err != nil {
		return Response{}, err
	} else if hit {
		var data any
		if err := json.Unmarshal(raw, &data); err != nil {
			return Response{}, err
		}
		return Response{
			Data: data,
			Meta: Meta{
				RequestID:     uuid.NewString(),
				CachedAt:      time.Now().Unix(),
				CacheHit:      true,
				CacheTTL:      ttlSeconds,
				DurationMS:    time.Since(start).Milliseconds(),
				DataFreshness: "cached",
			},
		}, nil
	}

	results := make([]any, len(fetches))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range fetches {
		i, f := i, f
		g.Go(func() error {
			v, err := f.Fetch(gctx)
			if err != nil {
				results[i] = f.Default
				return nil // partial failure: substitute default, don't fail the page
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Response{}, err
	}

	data := make(map[string]any, len(fetches))
	for i, f := range fetches {
		data[f.Name] = results[i]
	}

	if err := h.cache.SetCachedData(ctx, uid, cid, dataType, subType, data, ttlSeconds, "populate"); err != nil {
		return Response{}, err
	}

	return Response{
		Data: data,
		Meta: Meta{
			RequestID:     uuid.NewString(),
			CachedAt:      time.Now().Unix(),
			CacheHit:      false,
			CacheTTL:      ttlSeconds,
			DurationMS:    time.Since(start).Milliseconds(),
			DataFreshness: "live",
		},
	}, nil
}
