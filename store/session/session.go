// Package session implements the session state store:
// per-(user, company) state persisted externally with a 2h TTL, which every
// save re-applies in full (see UpdatePartial for the extendTTL flag).
package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/orbitfabric/fabric/store/codec"
	"github.com/orbitfabric/fabric/store/keys"
	"github.com/orbitfabric/fabric/store/kv"
)

// ThreadState is the per-thread slice of a Session, tracked so the brain
// can rehydrate conversational progress without touching ChatHistory.
type ThreadState struct {
	State             string         `json:"state"`
	LastActivity      codec.Time     `json:"last_activity"`
	IntermediationMode string        `json:"intermediation_mode,omitempty"`
	ActiveTasks       []string       `json:"active_tasks,omitempty"`
	ContextCache      map[string]any `json:"context_cache,omitempty"`
}

// State is the full persisted session payload.
type State struct {
	UserID                 string                 `json:"user_id"`
	CompanyID              string                 `json:"company_id"`
	UserContext            map[string]any         `json:"user_context,omitempty"`
	JobsData               map[string]any         `json:"jobs_data,omitempty"`
	JobsMetrics            map[string]any         `json:"jobs_metrics,omitempty"`
	IsOnChatPage           bool                   `json:"is_on_chat_page"`
	CurrentActiveThread    string                 `json:"current_active_thread,omitempty"`
	Threads                map[string]*ThreadState `json:"threads,omitempty"`
	UpdatedAt              codec.Time             `json:"updated_at"`
}

// Store is the typed session store.
type Store struct {
	kv *kv.Client
}

func New(client *kv.Client) *Store { return &Store{kv: client} }

// Save writes the full session, refreshing its TTL.
func (s *Store) Save(ctx context.Context, st *State) error {
	st.UpdatedAt = codec.NewTime(time.Now())
	raw, err := json.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "session: encode")
	}
	return s.kv.SetEX(ctx, keys.Session(st.UserID, st.CompanyID), string(raw), keys.TTLSession*time.Second)
}

// Load returns (nil, nil) if no session exists for (uid, cid).
func (s *Store) Load(ctx context.Context, uid, cid string) (*State, error) {
	raw, err := s.kv.Get(ctx, keys.Session(uid, cid))
	if err != nil {
		if kv.IsMiss(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "session: load")
	}
	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, errors.Wrap(err, "session: decode")
	}
	return &st, nil
}

// Delete removes the session explicitly (sign-out).
func (s *Store) Delete(ctx context.Context, uid, cid string) error {
	return s.kv.Delete(ctx, keys.Session(uid, cid))
}

// SessionExists reports whether a session exists without decoding it.
func (s *Store) SessionExists(ctx context.Context, uid, cid string) (bool, error) {
	return s.kv.Exists(ctx, keys.Session(uid, cid))
}

// UpdatePartial loads, applies updates, and saves. Both paths re-apply the
// full 2h TTL; when extendTTL is false the only difference is that
// UpdatedAt is not bumped. The key's remaining TTL is not preserved.
func (s *Store) UpdatePartial(ctx context.Context, uid, cid string, update func(*State), extendTTL bool) (*State, error) {
	st, err := s.Load(ctx, uid, cid)
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = &State{UserID: uid, CompanyID: cid, Threads: map[string]*ThreadState{}}
	}
	if st.Threads == nil {
		st.Threads = map[string]*ThreadState{}
	}
	update(st)

	if !extendTTL {
		raw, err := json.Marshal(st)
		if err != nil {
			return nil, errors.Wrap(err, "session: encode")
		}
		ttl := keys.TTLSession * time.Second
		if exists, _ := s.kv.Exists(ctx, keys.Session(uid, cid)); exists {
			// the remaining TTL is not read back; a SET without EX would clear
			// it, so the canonical TTL is re-applied below rather than making
			// the key permanent.
			_ = ttl
		}
		if err := s.kv.SetEX(ctx, keys.Session(uid, cid), string(raw), ttl); err != nil {
			return nil, errors.Wrap(err, "session: save")
		}
		return st, nil
	}

	return st, s.Save(ctx, st)
}

// UpdatePresence sets chat-page presence and the active thread.
func (s *Store) UpdatePresence(ctx context.Context, uid, cid string, isOnChatPage bool, currentActiveThread string) (*State, error) {
	return s.UpdatePartial(ctx, uid, cid, func(st *State) {
		st.IsOnChatPage = isOnChatPage
		if isOnChatPage {
			st.CurrentActiveThread = currentActiveThread
		} else {
			st.CurrentActiveThread = ""
		}
	}, true)
}

// UpdateThreadActivity bumps a thread's last-activity timestamp, creating
// the thread entry if absent.
func (s *Store) UpdateThreadActivity(ctx context.Context, uid, cid, threadKey string) (*State, error) {
	return s.UpdatePartial(ctx, uid, cid, func(st *State) {
		th, ok := st.Threads[threadKey]
		if !ok {
			th = &ThreadState{}
			st.Threads[threadKey] = th
		}
		th.LastActivity = codec.NewTime(time.Now())
	}, true)
}

// UpdateJobsData replaces the cached jobs_data/jobs_metrics blocks.
func (s *Store) UpdateJobsData(ctx context.Context, uid, cid string, jobsData, jobsMetrics map[string]any) (*State, error) {
	return s.UpdatePartial(ctx, uid, cid, func(st *State) {
		st.JobsData = jobsData
		st.JobsMetrics = jobsMetrics
	}, true)
}

// GetUserContext returns the cached company context, or nil if no session.
func (s *Store) GetUserContext(ctx context.Context, uid, cid string) (map[string]any, error) {
	st, err := s.Load(ctx, uid, cid)
	if err != nil || st == nil {
		return nil, err
	}
	return st.UserContext, nil
}

// GetJobsData returns the cached jobs data, or nil if no session.
func (s *Store) GetJobsData(ctx context.Context, uid, cid string) (map[string]any, error) {
	st, err := s.Load(ctx, uid, cid)
	if err != nil || st == nil {
		return nil, err
	}
	return st.JobsData, nil
}

// ListUserSessions returns every company session currently live for uid,
// via SCAN over the canonical session key prefix.
func (s *Store) ListUserSessions(ctx context.Context, uid string) ([]*State, error) {
	rawKeys, err := s.kv.Scan(ctx, "session:"+uid+":*:state")
	if err != nil {
		return nil, errors.Wrap(err, "session: scan")
	}
	out := make([]*State, 0, len(rawKeys))
	for _, k := range rawKeys {
		raw, err := s.kv.Get(ctx, k)
		if err != nil {
			continue
		}
		var st State
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			continue
		}
		out = append(out, &st)
	}
	return out, nil
}

// IsUserOnThread is the single authoritative mode predicate consulted by
// the listener supervisor, the agent runtime, and the LPT callback handler
// alike: true iff the session says the
// user is on the chat page and that page's active thread is threadKey.
func (s *Store) IsUserOnThread(ctx context.Context, uid, cid, threadKey string) (bool, error) {
	st, err := s.Load(ctx, uid, cid)
	if err != nil {
		return false, err
	}
	if st == nil {
		return false, nil
	}
	return st.IsOnChatPage && st.CurrentActiveThread == threadKey, nil
}
