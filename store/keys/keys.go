// Package keys is the single source of truth for the canonical key layout
// Outside a few inline SCAN patterns (chat.ListUserChats,
// session.ListUserSessions, and the cache layer's invalidation pattern),
// no other package builds a store key by hand.
package keys

import "fmt"

// TTLs, in seconds, per the canonical key table.
const (
	TTLSession          = 7200
	TTLChatHistory      = 86400
	TTLWorkflowLive      = 3600
	TTLWorkflowCompleted = 300
	TTLUserContext       = 3600
	TTLWSBuffer          = 300
	TTLCronLock          = 300
	TTLIdempotency       = 900
	TTLPresence          = 86400
	TTLListenerRecord    = 90
	TTLUnifiedRegistry   = 86400
	TTLCompanyRegistry   = 86400
)

// Session returns the session-state key for (uid, cid).
func Session(uid, cid string) string {
	return fmt.Sprintf("session:%s:%s:state", uid, cid)
}

// ChatHistory returns the chat-history key for (uid, cid, threadKey).
func ChatHistory(uid, cid, threadKey string) string {
	return fmt.Sprintf("chat:%s:%s:%s:history", uid, cid, threadKey)
}

// ChatChannel returns the pub/sub channel a chat thread's events publish on.
func ChatChannel(uid, cid, threadKey string) string {
	return fmt.Sprintf("chat:%s:%s:%s", uid, cid, threadKey)
}

// WorkflowState returns the workflow-state key for (uid, cid, threadKey).
func WorkflowState(uid, cid, threadKey string) string {
	return fmt.Sprintf("workflow:%s:%s:%s:state", uid, cid, threadKey)
}

// UserChannel returns the per-user pub/sub channel.
func UserChannel(uid string) string {
	return "user:" + uid
}

// UserContext returns the company-context cache key for a user.
func UserContext(uid, cid string) string {
	return fmt.Sprintf("context:%s:%s", uid, cid)
}

// Cache returns the business-cache key, with an optional sub-type segment.
func Cache(uid, cid, dataType string, subType ...string) string {
	k := fmt.Sprintf("cache:%s:%s:%s", uid, cid, dataType)
	if len(subType) > 0 && subType[0] != "" {
		k += ":" + subType[0]
	}
	return k
}

// CachePattern returns the SCAN pattern matching every cache key for a
// (uid, cid, dataType) triple, used by invalidate_module_cache.
func CachePattern(uid, cid, dataType string) string {
	return fmt.Sprintf("cache:%s:%s:%s*", uid, cid, dataType)
}

// WSBuffer returns the pending-message buffer key for (uid, threadKey).
func WSBuffer(uid, threadKey string) string {
	return fmt.Sprintf("pending_ws_messages:%s:%s", uid, threadKey)
}

// CronLock returns the distributed lock key for a planned task id.
func CronLock(taskID string) string {
	return "lock:cron:" + taskID
}

// Idempotency returns the idempotency-record key.
func Idempotency(idempotencyKey string) string {
	return "idemp:" + idempotencyKey
}

// PresenceKV returns the KV-mirrored presence key for a user.
func PresenceKV(uid string) string {
	return "registry:user:" + uid
}

// UnifiedRegistry returns the unified-registry hash key for a user, the
// opt-in layer register_user_session/update_user_heartbeat write to
// alongside the legacy PresenceKV entry.
func UnifiedRegistry(uid string) string {
	return "registry:unified:" + uid
}

// TaskRegistry returns the unified-registry hash key for a long-running
// task, used by register_task/update_task_progress.
func TaskRegistry(taskID string) string {
	return "registry:task:" + taskID
}

// CompanyRegistry returns the hash key tracking which users are currently
// active for a company, field per user ID, value the last-seen timestamp.
func CompanyRegistry(companyID string) string {
	return "registry:company:" + companyID
}

// UnifiedRegistryPattern returns the SCAN pattern matching every per-user
// unified-registry key, used by the session-ID-scan unregister path and by
// periodic cleanup.
func UnifiedRegistryPattern() string {
	return "registry:unified:*"
}

// CompanyRegistryPattern returns the SCAN pattern matching every
// per-company active-user registry key, used by periodic cleanup.
func CompanyRegistryPattern() string {
	return "registry:company:*"
}

// ListenerRecord returns the listener-registry key. space and thread are
// optional and only present for chat/workflow listener types.
func ListenerRecord(uid, listenerType string, space, thread string) string {
	k := fmt.Sprintf("registry:listeners:%s:%s", uid, listenerType)
	if space != "" {
		k += ":" + space
	}
	if thread != "" {
		k += ":" + thread
	}
	return k
}
