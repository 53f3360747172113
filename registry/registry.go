// Package registry implements the opt-in unified registry: a richer,
// queryable view over user sessions, running tasks, and per-company active
// membership, layered on top of (never instead of) the presence registry's
// fast KV entry. It only does anything when UNIFIED_REGISTRY_ENABLED is
// set; every mutating method is a no-op otherwise (the Get* readers still
// read the KV store), mirroring the wrapper it is
// modeled on, which always ran its legacy path and only additionally
// synced to the unified one when the flag was set.
package registry

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/orbitfabric/fabric/store/keys"
	"github.com/orbitfabric/fabric/store/kv"
)

// Registry owns the registry:unified:*, registry:task:*, and
// registry:company:* hashes.
type Registry struct {
	kvc     *kv.Client
	enabled bool
	debug   bool
}

func New(kvc *kv.Client, enabled, debug bool) *Registry {
	return &Registry{kvc: kvc, enabled: enabled, debug: debug}
}

// Enabled reports whether the unified layer is active.
func (r *Registry) Enabled() bool { return r.enabled }

// RegisterUserSession records a session under the user's unified hash and
// touches their membership in the company's active-user set.
func (r *Registry) RegisterUserSession(ctx context.Context, uid, sessionID, companyID string, authorizedCompanies []string, backendRoute string) error {
	if !r.enabled {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339)
	key := keys.UnifiedRegistry(uid)
	if err := r.kvc.HSetMap(ctx, key, map[string]string{
		"user_id":              uid,
		"session_id":           sessionID,
		"company_id":           companyID,
		"authorized_companies": joinComma(authorizedCompanies),
		"backend_route":        backendRoute,
		"registered_at":        now,
		"last_heartbeat":       now,
	}); err != nil {
		return err
	}
	if err := r.kvc.Expire(ctx, key, keys.TTLUnifiedRegistry*time.Second); err != nil {
		return err
	}
	if companyID != "" {
		if err := r.touchCompanyMember(ctx, companyID, uid); err != nil {
			return err
		}
	}
	if r.debug {
		slog.Info("registry: unified session registered", "user_id", uid, "company_id", companyID)
	}
	return nil
}

// UpdateUserHeartbeat refreshes last_heartbeat and the hash TTL. It reports
// false without error when the user has no unified entry to refresh.
func (r *Registry) UpdateUserHeartbeat(ctx context.Context, uid string) (bool, error) {
	if !r.enabled {
		return true, nil
	}
	key := keys.UnifiedRegistry(uid)
	exists, err := r.kvc.Exists(ctx, key)
	if err != nil || !exists {
		return false, err
	}
	if err := r.kvc.HSetMap(ctx, key, map[string]string{"last_heartbeat": time.Now().UTC().Format(time.RFC3339)}); err != nil {
		return false, err
	}
	return true, r.kvc.Expire(ctx, key, keys.TTLUnifiedRegistry*time.Second)
}

// UnregisterUserSession scans every unified entry for the given session ID
// and removes the match — the hash is keyed by user, not session, the same
// asymmetry the original scan-based unregister worked around.
func (r *Registry) UnregisterUserSession(ctx context.Context, sessionID string) (bool, error) {
	if !r.enabled {
		return true, nil
	}
	uidKeys, err := r.kvc.Scan(ctx, keys.UnifiedRegistryPattern())
	if err != nil {
		return false, err
	}
	for _, key := range uidKeys {
		fields, err := r.kvc.HGetAll(ctx, key)
		if err != nil || fields["session_id"] != sessionID {
			continue
		}
		if err := r.kvc.Delete(ctx, key); err != nil {
			return false, err
		}
		if uid, cid := fields["user_id"], fields["company_id"]; uid != "" && cid != "" {
			_ = r.kvc.HDel(ctx, keys.CompanyRegistry(cid), uid)
		}
		return true, nil
	}
	return false, nil
}

// UpdateUserService stores a per-service data blob under the unified hash,
// the path ChromaDB/LLM-style collaborators sync state through.
func (r *Registry) UpdateUserService(ctx context.Context, uid, serviceName string, serviceData map[string]string) (bool, error) {
	if !r.enabled {
		return true, nil
	}
	key := keys.UnifiedRegistry(uid)
	exists, err := r.kvc.Exists(ctx, key)
	if err != nil || !exists {
		return false, err
	}
	prefixed := make(map[string]string, len(serviceData))
	for k, v := range serviceData {
		prefixed["service:"+serviceName+":"+k] = v
	}
	return true, r.kvc.HSetMap(ctx, key, prefixed)
}

// RegisterTask creates a task-registry hash, TTL'd at maxDurationSecs plus
// a grace window so a slow task's final progress update still lands.
func (r *Registry) RegisterTask(ctx context.Context, taskID, uid, companyID, taskType string, maxDurationSecs int) error {
	if !r.enabled {
		return nil
	}
	key := keys.TaskRegistry(taskID)
	if err := r.kvc.HSetMap(ctx, key, map[string]string{
		"task_id":       taskID,
		"user_id":       uid,
		"company_id":    companyID,
		"task_type":     taskType,
		"status":        "running",
		"registered_at": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return err
	}
	ttl := time.Duration(maxDurationSecs+300) * time.Second
	return r.kvc.Expire(ctx, key, ttl)
}

// UpdateTaskProgress merges progress fields into the task's hash.
func (r *Registry) UpdateTaskProgress(ctx context.Context, taskID string, progress map[string]string) error {
	if !r.enabled {
		return nil
	}
	return r.kvc.HSetMap(ctx, keys.TaskRegistry(taskID), progress)
}

// GetUserRegistry returns the unified hash for uid, empty if absent.
func (r *Registry) GetUserRegistry(ctx context.Context, uid string) (map[string]string, error) {
	return r.kvc.HGetAll(ctx, keys.UnifiedRegistry(uid))
}

// GetTaskRegistry returns the task hash for taskID, empty if absent.
func (r *Registry) GetTaskRegistry(ctx context.Context, taskID string) (map[string]string, error) {
	return r.kvc.HGetAll(ctx, keys.TaskRegistry(taskID))
}

// GetCompanyActiveUsers returns the user IDs still within the company
// registry's freshness window.
func (r *Registry) GetCompanyActiveUsers(ctx context.Context, companyID string) ([]string, error) {
	fields, err := r.kvc.HGetAll(ctx, keys.CompanyRegistry(companyID))
	if err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	active := make([]string, 0, len(fields))
	for uid, lastSeen := range fields {
		ts, err := strconv.ParseInt(lastSeen, 10, 64)
		if err != nil || now-ts > int64(keys.TTLCompanyRegistry) {
			continue
		}
		active = append(active, uid)
	}
	return active, nil
}

func (r *Registry) touchCompanyMember(ctx context.Context, companyID, uid string) error {
	key := keys.CompanyRegistry(companyID)
	if err := r.kvc.HSetMap(ctx, key, map[string]string{uid: strconv.FormatInt(time.Now().Unix(), 10)}); err != nil {
		return err
	}
	return r.kvc.Expire(ctx, key, keys.TTLCompanyRegistry*time.Second)
}

// CleanupExpiredEntries prunes stale company-membership fields. The unified
// and task hashes expire on their own key TTL; only the company set's
// individual fields need a sweep, since HSET fields don't carry their own
// TTL. Mirrors the periodic cleanup_expired_registries maintenance task.
func (r *Registry) CleanupExpiredEntries(ctx context.Context) (int, error) {
	if !r.enabled {
		return 0, nil
	}
	companyKeys, err := r.kvc.Scan(ctx, keys.CompanyRegistryPattern())
	if err != nil {
		return 0, err
	}
	now := time.Now().Unix()
	removed := 0
	for _, key := range companyKeys {
		fields, err := r.kvc.HGetAll(ctx, key)
		if err != nil {
			continue
		}
		var stale []string
		for uid, lastSeen := range fields {
			ts, err := strconv.ParseInt(lastSeen, 10, 64)
			if err != nil || now-ts > int64(keys.TTLCompanyRegistry) {
				stale = append(stale, uid)
			}
		}
		if len(stale) == 0 {
			continue
		}
		if err := r.kvc.HDel(ctx, key, stale...); err != nil {
			slog.Warn("registry: cleanup hdel failed", "key", key, "error", err)
			continue
		}
		removed += len(stale)
	}
	return removed, nil
}

// CleanupLoop runs CleanupExpiredEntries on interval until ctx is
// cancelled, the Go-native replacement for the Celery Beat schedule.
func (r *Registry) CleanupLoop(ctx context.Context, interval time.Duration) {
	if !r.enabled {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.CleanupExpiredEntries(ctx)
			if err != nil {
				slog.Error("registry: cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("registry: cleanup removed stale company members", "count", n)
			}
		}
	}
}

func joinComma(vals []string) string {
	out := ""
	for i, v := range vals {
		if i > 0 {
			out += ","
		}
		out += v
	}
	return out
}
