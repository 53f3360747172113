// Package agent implements the unified workflow turn: the one algorithm
// that rehydrates a thread's brain, calls the model, dispatches its tool
// calls, and delivers the result either by streaming it to the WebSocket
// hub or by writing it straight into the realtime chat tree, depending on
// whether the user currently has the thread open.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/orbitfabric/fabric/internal/llm"
	"github.com/orbitfabric/fabric/lpt"
	"github.com/orbitfabric/fabric/store/chat"
	"github.com/orbitfabric/fabric/store/codec"
	"github.com/orbitfabric/fabric/store/docdb"
	"github.com/orbitfabric/fabric/store/keys"
	"github.com/orbitfabric/fabric/store/kv"
	"github.com/orbitfabric/fabric/store/rtdb"
	"github.com/orbitfabric/fabric/store/session"
	"github.com/orbitfabric/fabric/store/workflow"
)

// waitOnLPTTool is the one tool call the runtime intercepts itself instead
// of treating as an opaque function result: it transitions the workflow to
// waiting_lpt and dispatches the external task.
const waitOnLPTTool = "WAIT_ON_LPT"

// ToolExecutor resolves every tool call the model makes other than
// WAIT_ON_LPT. Callers supply the catalogue of business tools (ERP lookups,
// DMS queries, and so on); the runtime only special-cases the one tool that
// changes workflow state.
type ToolExecutor interface {
	Execute(ctx context.Context, uid, cid, threadKey, name, argsJSON string) (map[string]any, error)
	Catalogue() []llm.ToolDescriptor
}

// Streamer delivers turn output to a live WebSocket session; the runtime
// never imports wshub directly to avoid a dependency cycle.
type Streamer interface {
	Broadcast(uid string, frame StreamFrame)
}

// StreamFrame is the wshub.Frame-shaped payload the runtime hands to a
// Streamer; agent does not depend on wshub's Frame type directly.
type StreamFrame struct {
	Type    string
	Payload json.RawMessage
}

// Runtime owns every collaborator one workflow turn needs.
type Runtime struct {
	llmSvc   llm.Service
	sess     *session.Store
	chatSt   *chat.Store
	wf       *workflow.Store
	doc      *docdb.DB
	rt       *rtdb.DB
	kvc      *kv.Client
	tools    ToolExecutor
	stream   Streamer
	dispatch *lpt.Dispatcher

	maxToolHops int
}

func New(llmSvc llm.Service, sess *session.Store, chatSt *chat.Store, wf *workflow.Store, doc *docdb.DB, rt *rtdb.DB, kvc *kv.Client, tools ToolExecutor, stream Streamer, dispatch *lpt.Dispatcher) *Runtime {
	return &Runtime{
		llmSvc:      llmSvc,
		sess:        sess,
		chatSt:      chatSt,
		wf:          wf,
		doc:         doc,
		rt:          rt,
		kvc:         kvc,
		tools:       tools,
		stream:      stream,
		dispatch:    dispatch,
		maxToolHops: 6,
	}
}

// Resume satisfies lpt.ResumeFunc: it closes the import-cycle seam left
// open by the callback handler.
func (r *Runtime) Resume(ctx context.Context, uid, cid, threadKey string, enableStreaming bool, preprompt string) error {
	mode := workflow.ModeBackend
	if enableStreaming {
		mode = workflow.ModeUI
	}
	return r.runTurn(ctx, uid, cid, threadKey, preprompt, mode)
}

// InitializeSession implements LLM.initialize_session: creates the session
// if absent, without running a turn. No workflow state is created.
func (r *Runtime) InitializeSession(ctx context.Context, uid, cid string) (*session.State, error) {
	st, err := r.sess.Load(ctx, uid, cid)
	if err != nil {
		return nil, err
	}
	if st != nil {
		return st, nil
	}
	return r.sess.UpdatePartial(ctx, uid, cid, func(*session.State) {}, true)
}

// SendMessage implements LLM.send_message: the primary entry point for a
// user-authored chat turn. It queues the message through the workflow
// state machine, then either resumes a paused turn (in UI mode, streamed)
// or leaves it queued on the workflow state, following QueueUserMessage's
// Action field. Nothing in this package runs a queued message later.
func (r *Runtime) SendMessage(ctx context.Context, uid, cid, threadKey, message string) error {
	_, result, err := r.wf.QueueUserMessage(ctx, uid, cid, threadKey, message)
	if err != nil {
		return errors.Wrap(err, "agent: queue_user_message")
	}
	if _, err := r.chatSt.AppendMessage(ctx, uid, cid, threadKey, chat.Message{
		ID: uuid.NewString(), Role: "user", Content: result.CleanMessage, CreatedAt: codec.NewTime(time.Now()),
	}); err != nil {
		slog.Warn("agent: append user message failed", "thread_key", threadKey, "error", err)
	}

	switch result.Action {
	case "resume_workflow_ui":
		return r.runTurn(ctx, uid, cid, threadKey, "", result.Mode)
	case "pause_workflow":
		// the message stays queued on the workflow state; no turn is run
		// here besides the queue write above.
		return nil
	default:
		return nil
	}
}

// EnterChat implements LLM.enter_chat: marks presence and, if the
// workflow was paused for this thread, resumes it in UI mode.
func (r *Runtime) EnterChat(ctx context.Context, uid, cid, threadKey string) error {
	if _, err := r.sess.UpdatePresence(ctx, uid, cid, true, threadKey); err != nil {
		return errors.Wrap(err, "agent: update_presence")
	}
	_, result, err := r.wf.UserEntered(ctx, uid, cid, threadKey)
	if err != nil {
		return errors.Wrap(err, "agent: user_entered")
	}
	if result.WorkflowPaused {
		return r.runTurn(ctx, uid, cid, threadKey, "", workflow.ModeUI)
	}
	return nil
}

// LeaveChat implements LLM.leave_chat: clears presence and, if the
// workflow was mid-turn when the user left, resumes it headless.
func (r *Runtime) LeaveChat(ctx context.Context, uid, cid, threadKey string) error {
	if _, err := r.sess.UpdatePresence(ctx, uid, cid, false, ""); err != nil {
		return errors.Wrap(err, "agent: update_presence")
	}
	_, result, err := r.wf.UserLeft(ctx, uid, cid, threadKey)
	if err != nil {
		return errors.Wrap(err, "agent: user_left")
	}
	if result.NeedsResume {
		return r.runTurn(ctx, uid, cid, threadKey, "", result.NewMode)
	}
	return nil
}

// FlushChatHistory implements LLM.flush_chat_history: clears a thread's
// message list while preserving its system prompt.
func (r *Runtime) FlushChatHistory(ctx context.Context, uid, cid, threadKey string) error {
	_, err := r.chatSt.ClearMessages(ctx, uid, cid, threadKey, true)
	return err
}

// StopStreaming implements LLM.stop_streaming: ends the workflow outright;
// a later message starts a fresh one.
func (r *Runtime) StopStreaming(ctx context.Context, uid, cid, threadKey string) error {
	_, err := r.wf.EndWorkflow(ctx, uid, cid, threadKey, workflow.StatusCompleted)
	return err
}

// ApprovePlan implements LLM.approve_plan: injects a synthetic user turn
// that the model's planned-task tool recognises as a go-ahead.
func (r *Runtime) ApprovePlan(ctx context.Context, uid, cid, threadKey, planID string) error {
	return r.SendMessage(ctx, uid, cid, threadKey, fmt.Sprintf("APPROVE_PLAN:%s", planID))
}

// SendCardResponse implements LLM.send_card_response: the handler passed
// as the listener supervisor's cardHandler callback for inline UI actions
// (approve/reject buttons rendered inside a chat card).
func (r *Runtime) SendCardResponse(ctx context.Context, uid, cid, threadKey, userMessage string, payload map[string]any) error {
	raw, _ := json.Marshal(payload)
	return r.SendMessage(ctx, uid, cid, threadKey, fmt.Sprintf("%s\n\n[card_action:%s]", userMessage, raw))
}

// InvalidateUserContext implements LLM.invalidate_user_context: drops the
// cached user_context/jobs_data block so the next turn rehydrates it fresh.
func (r *Runtime) InvalidateUserContext(ctx context.Context, uid, cid string) error {
	_, err := r.sess.UpdatePartial(ctx, uid, cid, func(st *session.State) {
		st.UserContext = nil
		st.JobsData = nil
		st.JobsMetrics = nil
	}, true)
	return err
}

// ExecuteTaskNow implements LLM.execute_task_now: the scheduler's entry
// point for a due cron task, always run headless.
func (r *Runtime) ExecuteTaskNow(ctx context.Context, uid, cid, threadKey, instructions string) error {
	return r.runTurn(ctx, uid, cid, threadKey, instructions, workflow.ModeBackend)
}

// runTurn is the unified workflow turn: rehydrate the brain, call the
// model, dispatch tool calls (intercepting WAIT_ON_LPT), append the
// resulting messages, and deliver the turn by the thread's current mode.
func (r *Runtime) runTurn(ctx context.Context, uid, cid, threadKey, preprompt string, mode workflow.Mode) error {
	wfState, err := r.wf.Load(ctx, uid, cid, threadKey)
	if err != nil {
		return errors.Wrap(err, "agent: load workflow")
	}
	if wfState == nil {
		wfState, err = r.wf.StartWorkflow(ctx, uid, cid, threadKey, mode)
		if err != nil {
			return errors.Wrap(err, "agent: start_workflow")
		}
	}

	history, err := r.chatSt.Load(ctx, uid, cid, threadKey)
	if err != nil {
		return errors.Wrap(err, "agent: load chat history")
	}
	if history == nil {
		history = &chat.History{UserID: uid, CompanyID: cid, ThreadKey: threadKey, Status: chat.StatusActive}
	}

	sessState, err := r.sess.Load(ctx, uid, cid)
	if err != nil {
		slog.Warn("agent: session load failed", "thread_key", threadKey, "error", err)
	}

	messages := buildMessages(history, sessState, preprompt)
	tools := r.toolCatalogue()

	var newMessages []chat.Message
	defer func() {
		if len(newMessages) > 0 {
			if _, err := r.chatSt.AppendMessagesBatch(ctx, uid, cid, threadKey, newMessages); err != nil {
				slog.Error("agent: append turn messages failed", "thread_key", threadKey, "error", err)
			}
		}
	}()

	for hop := 0; hop < r.maxToolHops; hop++ {
		resp, err := r.llmSvc.ChatWithTools(ctx, messages, tools)
		if err != nil {
			return errors.Wrap(err, "agent: llm call failed")
		}

		if len(resp.ToolCalls) == 0 {
			newMessages = append(newMessages, chat.Message{
				ID: uuid.NewString(), Role: "assistant", Content: resp.Content, CreatedAt: codec.NewTime(time.Now()),
			})
			if _, err := r.wf.IncrementTurn(ctx, uid, cid, threadKey); err != nil {
				slog.Warn("agent: increment_turn failed", "thread_key", threadKey, "error", err)
			}
			return r.deliverTurn(ctx, uid, cid, threadKey, resp.Content, mode)
		}

		assistantMsg := chat.Message{ID: uuid.NewString(), Role: "assistant", Content: resp.Content, CreatedAt: codec.NewTime(time.Now())}
		waited := false

		for _, tc := range resp.ToolCalls {
			if tc.Name == waitOnLPTTool {
				if err := r.handleWaitOnLPT(ctx, uid, cid, threadKey, tc.Arguments); err != nil {
					return errors.Wrap(err, "agent: wait_on_lpt")
				}
				waited = true
				continue
			}

			result, err := r.tools.Execute(ctx, uid, cid, threadKey, tc.Name, tc.Arguments)
			if err != nil {
				result = map[string]any{"error": err.Error()}
			}
			assistantMsg.ToolCalls = append(assistantMsg.ToolCalls, chat.ToolCall{Name: tc.Name, Result: result})
			messages = append(messages, llm.Message{Role: "tool", Content: mustJSONString(result)})
		}

		newMessages = append(newMessages, assistantMsg)
		messages = append(messages, llm.Message{Role: "assistant", Content: resp.Content})

		if waited {
			return nil // the LPT callback resumes this turn later
		}
	}

	return errors.New("agent: exceeded max tool hops")
}

func (r *Runtime) handleWaitOnLPT(ctx context.Context, uid, cid, threadKey, argsJSON string) error {
	var args struct {
		BatchID        string         `json:"batch_id"`
		TaskType       string         `json:"task_type"`
		Reason         string         `json:"reason"`
		MandatesPath   string         `json:"mandates_path"`
		CollectionName string         `json:"collection_name"`
		JobsData       []any          `json:"jobs_data"`
		AdditionalCtx  map[string]any `json:"additional_context"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return errors.Wrap(err, "agent: decode wait_on_lpt args")
	}

	if _, err := r.wf.SetWaitingForLPT(ctx, uid, cid, threadKey, workflow.WaitingLPTInfo{
		BatchID:       args.BatchID,
		TaskType:      args.TaskType,
		Reason:        args.Reason,
		AdditionalCtx: args.AdditionalCtx,
	}); err != nil {
		return errors.Wrap(err, "agent: set_waiting_for_lpt")
	}

	if r.dispatch == nil {
		return nil
	}
	return r.dispatch.Dispatch(ctx, lpt.Request{
		BatchID:        args.BatchID,
		CollectionName: args.CollectionName,
		UserID:         uid,
		MandatesPath:   args.MandatesPath,
		JobsData:       args.JobsData,
		Traceability:   lpt.Traceability{ThreadKey: threadKey},
	})
}

// deliverTurn writes the final assistant content to the chat tree and, in
// UI mode, also streams it to the WebSocket hub; BACKEND mode relies on
// the tree write alone, matching the mode-selection rule the rest of the
// system follows.
func (r *Runtime) deliverTurn(ctx context.Context, uid, cid, threadKey, content string, mode workflow.Mode) error {
	path := fmt.Sprintf("%s/active_chats/%s", cid, threadKey)
	if err := r.rt.Patch(ctx, path, uuid.NewString(), map[string]any{
		"role": "assistant", "message": content, "ts": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		slog.Warn("agent: rtdb patch failed", "thread_key", threadKey, "error", err)
	}

	if mode != workflow.ModeUI || r.stream == nil {
		return nil
	}
	payload, _ := json.Marshal(map[string]any{"thread_key": threadKey, "content": content})
	r.stream.Broadcast(uid, StreamFrame{Type: "chat.assistant_message", Payload: payload})
	return nil
}

func (r *Runtime) toolCatalogue() []llm.ToolDescriptor {
	waitOnLPT := llm.ToolDescriptor{
		Name:        waitOnLPTTool,
		Description: "Hand the current step off to a long-running external worker and suspend this turn until its callback resumes it.",
		Parameters:  `{"type":"object","properties":{"batch_id":{"type":"string"},"task_type":{"type":"string"},"reason":{"type":"string"},"mandates_path":{"type":"string"},"collection_name":{"type":"string"}},"required":["batch_id","task_type","mandates_path"]}`,
	}
	if r.tools == nil {
		return []llm.ToolDescriptor{waitOnLPT}
	}
	return append(r.tools.Catalogue(), waitOnLPT)
}

func buildMessages(history *chat.History, sessState *session.State, preprompt string) []llm.Message {
	var messages []llm.Message
	if history.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: "system", Content: history.SystemPrompt})
	}
	if sessState != nil && len(sessState.UserContext) > 0 {
		raw, _ := json.Marshal(sessState.UserContext)
		messages = append(messages, llm.Message{Role: "system", Content: "user_context: " + string(raw)})
	}
	for _, m := range history.Messages {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	if preprompt != "" {
		messages = append(messages, llm.Message{Role: "system", Content: preprompt})
	}
	return messages
}

func mustJSONString(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
