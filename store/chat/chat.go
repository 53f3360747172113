// Package chat implements the chat history store: per-thread
// message lists and system prompts persisted with a 24h TTL.
package chat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/orbitfabric/fabric/store/codec"
	"github.com/orbitfabric/fabric/store/keys"
	"github.com/orbitfabric/fabric/store/kv"
)

// Status is the lifecycle state of a chat thread.
type Status string

const (
	StatusActive     Status = "active"
	StatusIdle       Status = "idle"
	StatusTerminated Status = "terminated"
)

// Message is one chat turn.
type Message struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"` // user, assistant, tool
	Content   string         `json:"content"`
	ToolCalls []ToolCall     `json:"tool_calls,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt codec.Time     `json:"created_at"`
}

// ToolCall records one tool invocation attached to an assistant message.
type ToolCall struct {
	Name   string         `json:"name"`
	Args   map[string]any `json:"args,omitempty"`
	Result map[string]any `json:"result,omitempty"`
}

// History is the full persisted chat payload for one thread.
type History struct {
	UserID       string         `json:"user_id"`
	CompanyID    string         `json:"company_id"`
	ThreadKey    string         `json:"thread_key"`
	Messages     []Message      `json:"messages"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Status       Status         `json:"status"`
	MessageCount int            `json:"message_count"`
	UpdatedAt    codec.Time     `json:"updated_at"`
	Version      int            `json:"version"`
}

// Store is the typed chat-history store.
type Store struct {
	kv *kv.Client
}

func New(client *kv.Client) *Store { return &Store{kv: client} }

func (s *Store) key(uid, cid, threadKey string) string { return keys.ChatHistory(uid, cid, threadKey) }

// Save persists the full history, refreshing its TTL and re-deriving
// MessageCount from len(Messages).
func (s *Store) Save(ctx context.Context, h *History) error {
	h.MessageCount = len(h.Messages)
	h.UpdatedAt = codec.NewTime(time.Now())
	h.Version++
	raw, err := json.Marshal(h)
	if err != nil {
		return errors.Wrap(err, "chat: encode")
	}
	return s.kv.SetEX(ctx, s.key(h.UserID, h.CompanyID, h.ThreadKey), string(raw), keys.TTLChatHistory*time.Second)
}

// Load returns (nil, nil) if no history exists yet.
func (s *Store) Load(ctx context.Context, uid, cid, threadKey string) (*History, error) {
	raw, err := s.kv.Get(ctx, s.key(uid, cid, threadKey))
	if err != nil {
		if kv.IsMiss(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "chat: load")
	}
	var h History
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil, errors.Wrap(err, "chat: decode")
	}
	return &h, nil
}

// GetMessages is a convenience accessor over Load.
func (s *Store) GetMessages(ctx context.Context, uid, cid, threadKey string) ([]Message, error) {
	h, err := s.Load(ctx, uid, cid, threadKey)
	if err != nil || h == nil {
		return nil, err
	}
	return h.Messages, nil
}

// AppendMessage loads, appends one message (history is append-only),
// and saves.
func (s *Store) AppendMessage(ctx context.Context, uid, cid, threadKey string, msg Message) (*History, error) {
	return s.AppendMessagesBatch(ctx, uid, cid, threadKey, []Message{msg})
}

// AppendMessagesBatch appends several messages atomically from the caller's
// perspective (a single load-merge-save cycle), preserving arrival order —
// this is what gives chat order its ordering guarantee, as long as callers
// serialise per-thread, which workflow-state transitions enforce.
func (s *Store) AppendMessagesBatch(ctx context.Context, uid, cid, threadKey string, msgs []Message) (*History, error) {
	h, err := s.Load(ctx, uid, cid, threadKey)
	if err != nil {
		return nil, err
	}
	if h == nil {
		h = &History{UserID: uid, CompanyID: cid, ThreadKey: threadKey, Status: StatusActive}
	}
	now := codec.NewTime(time.Now())
	for i := range msgs {
		if msgs[i].CreatedAt.Time.IsZero() {
			msgs[i].CreatedAt = now
		}
	}
	h.Messages = append(h.Messages, msgs...)
	if h.Status == "" {
		h.Status = StatusActive
	}
	return h, s.Save(ctx, h)
}

// UpdateSystemPrompt sets or replaces the thread's system prompt.
func (s *Store) UpdateSystemPrompt(ctx context.Context, uid, cid, threadKey, prompt string) (*History, error) {
	h, err := s.Load(ctx, uid, cid, threadKey)
	if err != nil {
		return nil, err
	}
	if h == nil {
		h = &History{UserID: uid, CompanyID: cid, ThreadKey: threadKey, Status: StatusActive}
	}
	h.SystemPrompt = prompt
	return h, s.Save(ctx, h)
}

// ClearMessages empties the message list, optionally preserving the system
// prompt.
func (s *Store) ClearMessages(ctx context.Context, uid, cid, threadKey string, keepSystemPrompt bool) (*History, error) {
	h, err := s.Load(ctx, uid, cid, threadKey)
	if err != nil {
		return nil, err
	}
	if h == nil {
		h = &History{UserID: uid, CompanyID: cid, ThreadKey: threadKey, Status: StatusActive}
	}
	h.Messages = nil
	if !keepSystemPrompt {
		h.SystemPrompt = ""
	}
	return h, s.Save(ctx, h)
}

// Delete removes the history explicitly.
func (s *Store) Delete(ctx context.Context, uid, cid, threadKey string) error {
	return s.kv.Delete(ctx, s.key(uid, cid, threadKey))
}

// UpdateStatus transitions the thread's lifecycle status.
func (s *Store) UpdateStatus(ctx context.Context, uid, cid, threadKey string, status Status) (*History, error) {
	h, err := s.Load(ctx, uid, cid, threadKey)
	if err != nil || h == nil {
		return h, err
	}
	h.Status = status
	return h, s.Save(ctx, h)
}

// UpdateMetadata merges the given fields into the thread's metadata map.
func (s *Store) UpdateMetadata(ctx context.Context, uid, cid, threadKey string, fields map[string]any) (*History, error) {
	h, err := s.Load(ctx, uid, cid, threadKey)
	if err != nil || h == nil {
		return h, err
	}
	if h.Metadata == nil {
		h.Metadata = map[string]any{}
	}
	for k, v := range fields {
		h.Metadata[k] = v
	}
	return h, s.Save(ctx, h)
}

// EstimateTokenCount approximates token usage at ~4 chars/token, matching
// a cheap heuristic for contexts where an exact tokenizer call
// would cost more than the estimate is worth.
func EstimateTokenCount(h *History) int {
	chars := len(h.SystemPrompt)
	for _, m := range h.Messages {
		chars += len(m.Content)
	}
	return chars / 4
}

// ListUserChats enumerates every thread key with history for (uid, cid)
// via SCAN.
func (s *Store) ListUserChats(ctx context.Context, uid, cid string) ([]string, error) {
	pattern := "chat:" + uid + ":" + cid + ":*:history"
	rawKeys, err := s.kv.Scan(ctx, pattern)
	if err != nil {
		return nil, errors.Wrap(err, "chat: scan")
	}
	out := make([]string, 0, len(rawKeys))
	prefix := "chat:" + uid + ":" + cid + ":"
	for _, k := range rawKeys {
		if len(k) > len(prefix)+len(":history") {
			out = append(out, k[len(prefix):len(k)-len(":history")])
		}
	}
	return out, nil
}
