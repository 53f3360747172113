// Package workflow implements the per-thread workflow state machine
// Every transition is
// a method on Store that loads, mutates, and saves the state in one call so
// concurrent callers serialise through the load-merge-save pattern.
package workflow

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/orbitfabric/fabric/store/codec"
	"github.com/orbitfabric/fabric/store/keys"
	"github.com/orbitfabric/fabric/store/kv"
)

// Status is the workflow's lifecycle state.
type Status string

const (
	StatusRunning    Status = "running"
	StatusPaused     Status = "paused"
	StatusWaitingLPT Status = "waiting_lpt"
	StatusCompleted  Status = "completed"
)

// Mode controls whether the agent streams turns to the WebSocket.
type Mode string

const (
	ModeUI      Mode = "UI"
	ModeBackend Mode = "BACKEND"
)

// WaitingLPTInfo is the PendingLPT entity mirrored inside WorkflowState.
type WaitingLPTInfo struct {
	BatchID       string         `json:"batch_id"`
	TaskType      string         `json:"task_type"`
	Reason        string         `json:"reason,omitempty"`
	ExpectedLPT   string         `json:"expected_lpt,omitempty"`
	StepWaiting   string         `json:"step_waiting,omitempty"`
	TaskIDs       []string       `json:"task_ids,omitempty"`
	AdditionalCtx map[string]any `json:"additional_context,omitempty"`
}

// State is the full persisted workflow-state payload.
type State struct {
	UserID              string          `json:"user_id"`
	CompanyID           string          `json:"company_id"`
	ThreadKey           string          `json:"thread_key"`
	Status              Status          `json:"status"`
	Mode                Mode            `json:"mode"`
	UserPresent         bool            `json:"user_present"`
	PausedAt            *codec.Time     `json:"paused_at,omitempty"`
	PauseReason         string          `json:"pause_reason,omitempty"`
	PendingUserMessage  string          `json:"pending_user_message,omitempty"`
	CurrentTurn         int             `json:"current_turn"`
	WaitingLPTInfo      *WaitingLPTInfo `json:"waiting_lpt_info,omitempty"`
	WaitingLPTSince     *codec.Time     `json:"waiting_lpt_since,omitempty"`
	StartedAt           codec.Time      `json:"started_at"`
	LastActivity        codec.Time      `json:"last_activity"`
}

// Store is the typed workflow-state store.
type Store struct {
	kv *kv.Client
}

func New(client *kv.Client) *Store { return &Store{kv: client} }

func (s *Store) key(uid, cid, threadKey string) string { return keys.WorkflowState(uid, cid, threadKey) }

func (s *Store) ttlFor(status Status) time.Duration {
	if status == StatusCompleted {
		return keys.TTLWorkflowCompleted * time.Second
	}
	return keys.TTLWorkflowLive * time.Second
}

func (s *Store) save(ctx context.Context, st *State) error {
	st.LastActivity = codec.NewTime(time.Now())
	raw, err := json.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "workflow: encode")
	}
	return s.kv.SetEX(ctx, s.key(st.UserID, st.CompanyID, st.ThreadKey), string(raw), s.ttlFor(st.Status))
}

// Load returns (nil, nil) if no workflow exists for the thread.
func (s *Store) Load(ctx context.Context, uid, cid, threadKey string) (*State, error) {
	raw, err := s.kv.Get(ctx, s.key(uid, cid, threadKey))
	if err != nil {
		if kv.IsMiss(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "workflow: load")
	}
	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, errors.Wrap(err, "workflow: decode")
	}
	return &st, nil
}

// StartWorkflow creates a new workflow in `running`, with mode and
// user_present derived from initialMode.
func (s *Store) StartWorkflow(ctx context.Context, uid, cid, threadKey string, initialMode Mode) (*State, error) {
	now := codec.NewTime(time.Now())
	st := &State{
		UserID:      uid,
		CompanyID:   cid,
		ThreadKey:   threadKey,
		Status:      StatusRunning,
		Mode:        initialMode,
		UserPresent: initialMode == ModeUI,
		StartedAt:   now,
	}
	return st, s.save(ctx, st)
}

// UserEnteredResult carries what the caller needs to decide whether to
// resume a turn.
type UserEnteredResult struct {
	WorkflowPaused bool
}

// UserEntered handles the user opening the thread's chat UI.
func (s *Store) UserEntered(ctx context.Context, uid, cid, threadKey string) (*State, UserEnteredResult, error) {
	st, err := s.Load(ctx, uid, cid, threadKey)
	if err != nil {
		return nil, UserEnteredResult{}, err
	}
	if st == nil {
		st, err = s.StartWorkflow(ctx, uid, cid, threadKey, ModeUI)
		return st, UserEnteredResult{}, err
	}

	wasPaused := st.Status == StatusPaused
	st.Mode = ModeUI
	st.UserPresent = true
	if st.Status != StatusWaitingLPT {
		st.Status = StatusRunning
	}
	if err := s.save(ctx, st); err != nil {
		return nil, UserEnteredResult{}, err
	}
	return st, UserEnteredResult{WorkflowPaused: wasPaused}, nil
}

// UserLeftResult tells the caller whether a resume must run, matching
// the transition table exactly (paused -> needs_resume=true; running
// or waiting_lpt -> no resume).
type UserLeftResult struct {
	NeedsResume  bool
	ResumeReason string
	NewMode      Mode
}

// UserLeft handles the user navigating away from the thread's chat UI.
func (s *Store) UserLeft(ctx context.Context, uid, cid, threadKey string) (*State, UserLeftResult, error) {
	st, err := s.Load(ctx, uid, cid, threadKey)
	if err != nil || st == nil {
		return st, UserLeftResult{}, err
	}

	result := UserLeftResult{NewMode: ModeBackend}
	switch st.Status {
	case StatusPaused:
		st.Status = StatusRunning
		st.Mode = ModeBackend
		st.PauseReason = "user_left"
		result.NeedsResume = true
		result.ResumeReason = "user_left"
	case StatusRunning:
		st.Mode = ModeBackend
	case StatusWaitingLPT:
		st.Mode = ModeBackend
	}
	st.UserPresent = false
	if err := s.save(ctx, st); err != nil {
		return nil, UserLeftResult{}, err
	}
	return st, result, nil
}

// QueueUserMessageResult is what queue_user_message returns to the caller
// deciding whether to pause or resume-with-streaming.
type QueueUserMessageResult struct {
	Queued       bool
	IsTerminate  bool
	CleanMessage string
	Action       string // "resume_workflow_ui" or "pause_workflow"
	Mode         Mode
}

// QueueUserMessage implements the TERMINATE-sentinel transition table
// a trailing TERMINATE sentinel resumes the thread instead of pausing it;
// either way the cleaned message is queued as PendingUserMessage.
func (s *Store) QueueUserMessage(ctx context.Context, uid, cid, threadKey, message string) (*State, QueueUserMessageResult, error) {
	st, err := s.Load(ctx, uid, cid, threadKey)
	if err != nil {
		return nil, QueueUserMessageResult{}, err
	}
	if st == nil {
		st, err = s.StartWorkflow(ctx, uid, cid, threadKey, ModeUI)
		if err != nil {
			return nil, QueueUserMessageResult{}, err
		}
	}

	trimmed := strings.TrimSpace(message)
	isTerminate := strings.HasSuffix(strings.ToUpper(trimmed), "TERMINATE")

	if isTerminate {
		clean := strings.TrimSpace(trimmed[:len(trimmed)-len("TERMINATE")])
		st.Status = StatusRunning
		st.Mode = ModeUI
		st.UserPresent = true
		st.PendingUserMessage = clean
		st.PauseReason = ""
		st.PausedAt = nil
		if err := s.save(ctx, st); err != nil {
			return nil, QueueUserMessageResult{}, err
		}
		return st, QueueUserMessageResult{
			Queued:       true,
			IsTerminate:  true,
			CleanMessage: clean,
			Action:       "resume_workflow_ui",
			Mode:         ModeUI,
		}, nil
	}

	now := codec.NewTime(time.Now())
	st.Status = StatusPaused
	st.PauseReason = "user_message"
	st.PendingUserMessage = trimmed
	st.PausedAt = &now
	if err := s.save(ctx, st); err != nil {
		return nil, QueueUserMessageResult{}, err
	}
	return st, QueueUserMessageResult{
		Queued:       true,
		IsTerminate:  false,
		CleanMessage: trimmed,
		Action:       "pause_workflow",
		Mode:         st.Mode,
	}, nil
}

// SetWaitingForLPT transitions `running` -> `waiting_lpt`, per the
// WAIT_ON_LPT tool contract.
func (s *Store) SetWaitingForLPT(ctx context.Context, uid, cid, threadKey string, info WaitingLPTInfo) (*State, error) {
	st, err := s.Load(ctx, uid, cid, threadKey)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, errors.New("workflow: set_waiting_for_lpt on nonexistent workflow")
	}
	now := codec.NewTime(time.Now())
	st.Status = StatusWaitingLPT
	st.WaitingLPTInfo = &info
	st.WaitingLPTSince = &now
	return st, s.save(ctx, st)
}

// ClearWaitingLPT transitions `waiting_lpt` -> `running` and returns the
// stored LPT info for the resume path to consume.
func (s *Store) ClearWaitingLPT(ctx context.Context, uid, cid, threadKey string) (*State, *WaitingLPTInfo, error) {
	st, err := s.Load(ctx, uid, cid, threadKey)
	if err != nil || st == nil {
		return st, nil, err
	}
	info := st.WaitingLPTInfo
	st.Status = StatusRunning
	st.WaitingLPTInfo = nil
	st.WaitingLPTSince = nil
	if err := s.save(ctx, st); err != nil {
		return nil, nil, err
	}
	return st, info, nil
}

// EndWorkflow marks the workflow completed, shortening its TTL to 5
// minutes so the record survives briefly for debugging.
func (s *Store) EndWorkflow(ctx context.Context, uid, cid, threadKey string, finalStatus Status) (*State, error) {
	st, err := s.Load(ctx, uid, cid, threadKey)
	if err != nil || st == nil {
		return st, err
	}
	st.Status = StatusCompleted
	_ = finalStatus // not stored: Status is always set to completed
	return st, s.save(ctx, st)
}

// IncrementTurn bumps current_turn, used for observability only.
func (s *Store) IncrementTurn(ctx context.Context, uid, cid, threadKey string) (*State, error) {
	st, err := s.Load(ctx, uid, cid, threadKey)
	if err != nil || st == nil {
		return st, err
	}
	st.CurrentTurn++
	return st, s.save(ctx, st)
}
