package agent

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/orbitfabric/fabric/internal/llm"
	"github.com/orbitfabric/fabric/store/chat"
	"github.com/orbitfabric/fabric/store/docdb"
	"github.com/orbitfabric/fabric/store/kv"
	"github.com/orbitfabric/fabric/store/rtdb"
	"github.com/orbitfabric/fabric/store/session"
	"github.com/orbitfabric/fabric/store/workflow"
)

// fakeLLM scripts a sequence of responses, one per ChatWithTools call.
type fakeLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	calls     int
}

func (f *fakeLLM) ChatWithTools(ctx context.Context, messages []llm.Message, tools []llm.ToolDescriptor) (*llm.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls >= len(f.responses) {
		return &llm.ChatResponse{Content: "done"}, nil
	}
	resp := f.responses[f.calls]
	f.calls++
	return resp, nil
}

func (f *fakeLLM) ChatStream(ctx context.Context, messages []llm.Message) (<-chan string, <-chan error) {
	ch := make(chan string)
	errCh := make(chan error)
	close(ch)
	close(errCh)
	return ch, errCh
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTools struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeTools) Execute(ctx context.Context, uid, cid, threadKey, name, argsJSON string) (map[string]any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	return map[string]any{"ok": true}, nil
}

func (f *fakeTools) Catalogue() []llm.ToolDescriptor {
	return []llm.ToolDescriptor{{Name: "ERP.lookup", Description: "look something up"}}
}

func (f *fakeTools) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeStreamer struct {
	mu    sync.Mutex
	sent  []StreamFrame
	uids  []string
}

func (f *fakeStreamer) Broadcast(uid string, frame StreamFrame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uids = append(f.uids, uid)
	f.sent = append(f.sent, frame)
}

func (f *fakeStreamer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func liveRuntime(t *testing.T, llmSvc llm.Service, tools ToolExecutor, stream Streamer) (*Runtime, *kv.Client) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", "127.0.0.1:6379", 200*time.Millisecond)
	if err != nil {
		t.Skip("no local redis reachable, skipping integration test")
	}
	_ = conn.Close()
	kvc := kv.New(kv.Config{Host: "127.0.0.1", Port: 6379, DB: 15})

	ctx := context.Background()
	doc, err := docdb.Open(ctx, "sqlite", ":memory:")
	if err != nil {
		t.Fatalf("docdb.Open: %v", err)
	}
	rt, err := rtdb.Open(ctx, "sqlite", ":memory:")
	if err != nil {
		t.Fatalf("rtdb.Open: %v", err)
	}
	sess := session.New(kvc)
	chatSt := chat.New(kvc)
	wf := workflow.New(kvc)

	r := New(llmSvc, sess, chatSt, wf, doc, rt, kvc, tools, stream, nil)
	t.Cleanup(func() { kvc.Close(); doc.Close(); rt.Close() })
	return r, kvc
}

func TestBuildMessagesIncludesSystemPromptContextPreprompt(t *testing.T) {
	history := &chat.History{
		SystemPrompt: "you are an accounting assistant",
		Messages:     []chat.Message{{Role: "user", Content: "hi"}},
	}
	sessState := &session.State{UserContext: map[string]any{"tier": "gold"}}

	msgs := buildMessages(history, sessState, "stay concise")
	if len(msgs) != 4 {
		t.Fatalf("expected system+context+history+preprompt = 4 messages, got %d: %+v", len(msgs), msgs)
	}
	if msgs[0].Role != "system" || msgs[0].Content != "you are an accounting assistant" {
		t.Errorf("unexpected first message: %+v", msgs[0])
	}
	if msgs[len(msgs)-1].Content != "stay concise" {
		t.Errorf("expected preprompt appended last, got %+v", msgs[len(msgs)-1])
	}
}

func TestBuildMessagesOmitsEmptySystemPromptAndContext(t *testing.T) {
	history := &chat.History{Messages: []chat.Message{{Role: "user", Content: "hi"}}}
	msgs := buildMessages(history, nil, "")
	if len(msgs) != 1 || msgs[0].Role != "user" {
		t.Errorf("expected only the history message, got %+v", msgs)
	}
}

func TestToolCatalogueAlwaysIncludesWaitOnLPT(t *testing.T) {
	r := &Runtime{}
	cat := r.toolCatalogue()
	if len(cat) != 1 || cat[0].Name != waitOnLPTTool {
		t.Fatalf("expected WAIT_ON_LPT as the sole tool with a nil executor, got %+v", cat)
	}

	r.tools = &fakeTools{}
	cat = r.toolCatalogue()
	if len(cat) != 2 {
		t.Fatalf("expected the executor's catalogue plus WAIT_ON_LPT, got %+v", cat)
	}
}

func TestRunTurnNoToolCallsAppendsMessageAndStreamsInUIMode(t *testing.T) {
	fake := &fakeLLM{responses: []*llm.ChatResponse{{Content: "here is your summary"}}}
	stream := &fakeStreamer{}
	r, kvc := liveRuntime(t, fake, nil, stream)
	ctx := context.Background()
	t.Cleanup(func() {
		_, _ = r.wf.EndWorkflow(ctx, "u1", "c1", "t1", workflow.StatusCompleted)
	})
	_ = kvc

	err := r.runTurn(ctx, "u1", "c1", "t1", "", workflow.ModeUI)
	if err != nil {
		t.Fatalf("runTurn: %v", err)
	}

	history, err := r.chatSt.Load(ctx, "u1", "c1", "t1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(history.Messages) != 1 || history.Messages[0].Content != "here is your summary" {
		t.Errorf("expected the assistant reply appended, got %+v", history.Messages)
	}
	if stream.count() != 1 {
		t.Errorf("expected one streamed frame in UI mode, got %d", stream.count())
	}
}

func TestRunTurnBackendModeDoesNotStream(t *testing.T) {
	fake := &fakeLLM{responses: []*llm.ChatResponse{{Content: "headless reply"}}}
	stream := &fakeStreamer{}
	r, _ := liveRuntime(t, fake, nil, stream)
	ctx := context.Background()
	t.Cleanup(func() {
		_, _ = r.wf.EndWorkflow(ctx, "u2", "c1", "t1", workflow.StatusCompleted)
	})

	if err := r.runTurn(ctx, "u2", "c1", "t1", "", workflow.ModeBackend); err != nil {
		t.Fatalf("runTurn: %v", err)
	}
	if stream.count() != 0 {
		t.Error("expected no stream broadcast in BACKEND mode")
	}
}

func TestRunTurnDispatchesToolCallThenFinishes(t *testing.T) {
	fake := &fakeLLM{responses: []*llm.ChatResponse{
		{Content: "checking", ToolCalls: []llm.ToolCall{{ID: "1", Name: "ERP.lookup", Arguments: `{}`}}},
		{Content: "found it"},
	}}
	tools := &fakeTools{}
	r, _ := liveRuntime(t, fake, tools, nil)
	ctx := context.Background()
	t.Cleanup(func() {
		_, _ = r.wf.EndWorkflow(ctx, "u3", "c1", "t1", workflow.StatusCompleted)
	})

	if err := r.runTurn(ctx, "u3", "c1", "t1", "", workflow.ModeBackend); err != nil {
		t.Fatalf("runTurn: %v", err)
	}
	if tools.callCount() != 1 {
		t.Errorf("expected the tool executed exactly once, got %d", tools.callCount())
	}
	if fake.callCount() != 2 {
		t.Errorf("expected two model hops (tool call, then final), got %d", fake.callCount())
	}

	history, err := r.chatSt.Load(ctx, "u3", "c1", "t1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(history.Messages) != 2 {
		t.Fatalf("expected the intermediate tool-call message and the final reply, got %+v", history.Messages)
	}
	if len(history.Messages[0].ToolCalls) != 1 || history.Messages[0].ToolCalls[0].Name != "ERP.lookup" {
		t.Errorf("expected the tool call recorded on the first message, got %+v", history.Messages[0])
	}
}

func TestRunTurnWaitOnLPTPausesWithoutDelivering(t *testing.T) {
	args, _ := json.Marshal(map[string]any{
		"batch_id": "b1", "task_type": "approval", "mandates_path": "companies/acme/mandates/ap",
	})
	fake := &fakeLLM{responses: []*llm.ChatResponse{
		{Content: "handing off", ToolCalls: []llm.ToolCall{{ID: "1", Name: waitOnLPTTool, Arguments: string(args)}}},
	}}
	stream := &fakeStreamer{}
	r, _ := liveRuntime(t, fake, nil, stream)
	ctx := context.Background()
	t.Cleanup(func() {
		_, _ = r.wf.EndWorkflow(ctx, "u4", "c1", "t1", workflow.StatusCompleted)
	})

	if err := r.runTurn(ctx, "u4", "c1", "t1", "", workflow.ModeUI); err != nil {
		t.Fatalf("runTurn: %v", err)
	}
	if stream.count() != 0 {
		t.Error("expected a waited turn to never reach deliverTurn")
	}

	st, err := r.wf.Load(ctx, "u4", "c1", "t1")
	if err != nil {
		t.Fatalf("Load workflow: %v", err)
	}
	if st.WaitingLPTInfo == nil || st.WaitingLPTInfo.BatchID != "b1" {
		t.Errorf("expected waiting_lpt_info recorded, got %+v", st.WaitingLPTInfo)
	}
}

func TestRunTurnExceedsMaxToolHopsReturnsError(t *testing.T) {
	loopCall := &llm.ChatResponse{Content: "again", ToolCalls: []llm.ToolCall{{ID: "1", Name: "ERP.lookup", Arguments: `{}`}}}
	responses := make([]*llm.ChatResponse, 10)
	for i := range responses {
		responses[i] = loopCall
	}
	fake := &fakeLLM{responses: responses}
	tools := &fakeTools{}
	r, _ := liveRuntime(t, fake, tools, nil)
	ctx := context.Background()
	t.Cleanup(func() {
		_, _ = r.wf.EndWorkflow(ctx, "u5", "c1", "t1", workflow.StatusCompleted)
	})

	err := r.runTurn(ctx, "u5", "c1", "t1", "", workflow.ModeBackend)
	if err == nil {
		t.Fatal("expected an error when the tool-call loop never terminates")
	}
}

func TestSendMessageAppendsUserMessageAndQueues(t *testing.T) {
	fake := &fakeLLM{responses: []*llm.ChatResponse{{Content: "reply"}}}
	r, _ := liveRuntime(t, fake, nil, nil)
	ctx := context.Background()
	t.Cleanup(func() {
		_, _ = r.wf.EndWorkflow(ctx, "u6", "c1", "t1", workflow.StatusCompleted)
	})

	if err := r.SendMessage(ctx, "u6", "c1", "t1", "hello there"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	history, err := r.chatSt.Load(ctx, "u6", "c1", "t1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	foundUser := false
	for _, m := range history.Messages {
		if m.Role == "user" && m.Content == "hello there" {
			foundUser = true
		}
	}
	if !foundUser {
		t.Errorf("expected the user message appended, got %+v", history.Messages)
	}
}
