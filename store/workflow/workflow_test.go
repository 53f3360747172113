package workflow

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/orbitfabric/fabric/store/kv"
)

// liveStore returns a Store against a real redis if one is reachable on
// localhost, else skips. Keeps these tests fast and hermetic by default with
// integration coverage available when redis is present.
func liveStore(t *testing.T) (*Store, *kv.Client) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", "127.0.0.1:6379", 200*time.Millisecond)
	if err != nil {
		t.Skip("no local redis reachable, skipping integration test")
	}
	_ = conn.Close()
	c := kv.New(kv.Config{Host: "127.0.0.1", Port: 6379, DB: 15})
	return New(c), c
}

func cleanup(t *testing.T, c *kv.Client, uid, cid, threadKey string) {
	t.Helper()
	t.Cleanup(func() {
		_ = c.Delete(context.Background(), keyFor(uid, cid, threadKey))
		c.Close()
	})
}

func keyFor(uid, cid, threadKey string) string {
	s := &Store{}
	return s.key(uid, cid, threadKey)
}

func TestStartWorkflowDefaultsUIPresence(t *testing.T) {
	s, c := liveStore(t)
	cleanup(t, c, "u1", "c1", "t1")
	ctx := context.Background()

	st, err := s.StartWorkflow(ctx, "u1", "c1", "t1", ModeUI)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if st.Status != StatusRunning {
		t.Errorf("expected running status, got %s", st.Status)
	}
	if !st.UserPresent {
		t.Error("expected UserPresent true for UI mode")
	}
}

func TestLoadMissingReturnsNilNil(t *testing.T) {
	s, c := liveStore(t)
	defer c.Close()
	st, err := s.Load(context.Background(), "nope", "nope", "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st != nil {
		t.Error("expected nil state for nonexistent workflow")
	}
}

func TestUserEnteredStartsWorkflowIfMissing(t *testing.T) {
	s, c := liveStore(t)
	cleanup(t, c, "u2", "c1", "t1")
	ctx := context.Background()

	st, result, err := s.UserEntered(ctx, "u2", "c1", "t1")
	if err != nil {
		t.Fatalf("UserEntered: %v", err)
	}
	if st.Status != StatusRunning || st.Mode != ModeUI {
		t.Errorf("expected a fresh running/UI workflow, got %s/%s", st.Status, st.Mode)
	}
	if result.WorkflowPaused {
		t.Error("a freshly-started workflow was never paused")
	}
}

func TestUserEnteredOnPausedWorkflowSignalsResume(t *testing.T) {
	s, c := liveStore(t)
	cleanup(t, c, "u3", "c1", "t1")
	ctx := context.Background()

	if _, err := s.StartWorkflow(ctx, "u3", "c1", "t1", ModeBackend); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if _, _, err := s.QueueUserMessage(ctx, "u3", "c1", "t1", "hello"); err != nil {
		t.Fatalf("QueueUserMessage: %v", err)
	}

	st, result, err := s.UserEntered(ctx, "u3", "c1", "t1")
	if err != nil {
		t.Fatalf("UserEntered: %v", err)
	}
	if !result.WorkflowPaused {
		t.Error("expected WorkflowPaused=true when entering a paused thread")
	}
	if st.Status != StatusRunning || st.Mode != ModeUI {
		t.Errorf("expected the workflow to resume running in UI mode, got %s/%s", st.Status, st.Mode)
	}
}

func TestUserLeftPausedNeedsResume(t *testing.T) {
	s, c := liveStore(t)
	cleanup(t, c, "u4", "c1", "t1")
	ctx := context.Background()

	if _, err := s.StartWorkflow(ctx, "u4", "c1", "t1", ModeUI); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if _, _, err := s.QueueUserMessage(ctx, "u4", "c1", "t1", "hello"); err != nil {
		t.Fatalf("QueueUserMessage: %v", err)
	}

	_, result, err := s.UserLeft(ctx, "u4", "c1", "t1")
	if err != nil {
		t.Fatalf("UserLeft: %v", err)
	}
	if !result.NeedsResume {
		t.Error("leaving a paused thread must trigger a resume")
	}
	if result.ResumeReason != "user_left" {
		t.Errorf("unexpected resume reason: %s", result.ResumeReason)
	}
}

func TestUserLeftRunningDoesNotResume(t *testing.T) {
	s, c := liveStore(t)
	cleanup(t, c, "u5", "c1", "t1")
	ctx := context.Background()

	if _, err := s.StartWorkflow(ctx, "u5", "c1", "t1", ModeUI); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	_, result, err := s.UserLeft(ctx, "u5", "c1", "t1")
	if err != nil {
		t.Fatalf("UserLeft: %v", err)
	}
	if result.NeedsResume {
		t.Error("leaving a running thread must not trigger a resume")
	}
}

func TestQueueUserMessageTerminateSentinelResumesImmediately(t *testing.T) {
	s, c := liveStore(t)
	cleanup(t, c, "u6", "c1", "t1")
	ctx := context.Background()

	if _, err := s.StartWorkflow(ctx, "u6", "c1", "t1", ModeBackend); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	st, result, err := s.QueueUserMessage(ctx, "u6", "c1", "t1", "please stop now TERMINATE")
	if err != nil {
		t.Fatalf("QueueUserMessage: %v", err)
	}
	if !result.IsTerminate {
		t.Error("expected IsTerminate true for a trailing TERMINATE sentinel")
	}
	if result.CleanMessage != "please stop now" {
		t.Errorf("expected TERMINATE sentinel stripped, got %q", result.CleanMessage)
	}
	if result.Action != "resume_workflow_ui" {
		t.Errorf("expected resume_workflow_ui action, got %s", result.Action)
	}
	if st.Status != StatusRunning {
		t.Errorf("expected running status after TERMINATE, got %s", st.Status)
	}
}

func TestQueueUserMessageWithoutTerminatePauses(t *testing.T) {
	s, c := liveStore(t)
	cleanup(t, c, "u7", "c1", "t1")
	ctx := context.Background()

	if _, err := s.StartWorkflow(ctx, "u7", "c1", "t1", ModeUI); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	st, result, err := s.QueueUserMessage(ctx, "u7", "c1", "t1", "just a normal message")
	if err != nil {
		t.Fatalf("QueueUserMessage: %v", err)
	}
	if result.IsTerminate {
		t.Error("plain message should not be treated as TERMINATE")
	}
	if result.Action != "pause_workflow" {
		t.Errorf("expected pause_workflow action, got %s", result.Action)
	}
	if st.Status != StatusPaused {
		t.Errorf("expected paused status, got %s", st.Status)
	}
}

func TestSetAndClearWaitingLPT(t *testing.T) {
	s, c := liveStore(t)
	cleanup(t, c, "u8", "c1", "t1")
	ctx := context.Background()

	if _, err := s.StartWorkflow(ctx, "u8", "c1", "t1", ModeBackend); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	info := WaitingLPTInfo{BatchID: "batch-1", TaskType: "reconcile"}
	st, err := s.SetWaitingForLPT(ctx, "u8", "c1", "t1", info)
	if err != nil {
		t.Fatalf("SetWaitingForLPT: %v", err)
	}
	if st.Status != StatusWaitingLPT {
		t.Errorf("expected waiting_lpt status, got %s", st.Status)
	}
	if st.WaitingLPTInfo == nil || st.WaitingLPTInfo.BatchID != "batch-1" {
		t.Error("expected waiting LPT info to be persisted")
	}

	st, gotInfo, err := s.ClearWaitingLPT(ctx, "u8", "c1", "t1")
	if err != nil {
		t.Fatalf("ClearWaitingLPT: %v", err)
	}
	if st.Status != StatusRunning {
		t.Errorf("expected running status after clearing, got %s", st.Status)
	}
	if gotInfo == nil || gotInfo.BatchID != "batch-1" {
		t.Error("expected the previously-stored LPT info to be returned")
	}
	if st.WaitingLPTInfo != nil {
		t.Error("expected waiting LPT info cleared on the stored state")
	}
}

func TestSetWaitingForLPTOnMissingWorkflowErrors(t *testing.T) {
	s, c := liveStore(t)
	defer c.Close()
	_, err := s.SetWaitingForLPT(context.Background(), "ghost", "c1", "t1", WaitingLPTInfo{})
	if err == nil {
		t.Fatal("expected an error when setting waiting_lpt on a nonexistent workflow")
	}
}

func TestEndWorkflowMarksCompleted(t *testing.T) {
	s, c := liveStore(t)
	cleanup(t, c, "u9", "c1", "t1")
	ctx := context.Background()

	if _, err := s.StartWorkflow(ctx, "u9", "c1", "t1", ModeUI); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	st, err := s.EndWorkflow(ctx, "u9", "c1", "t1", StatusRunning)
	if err != nil {
		t.Fatalf("EndWorkflow: %v", err)
	}
	if st.Status != StatusCompleted {
		t.Errorf("expected completed status, got %s", st.Status)
	}
}

func TestIncrementTurn(t *testing.T) {
	s, c := liveStore(t)
	cleanup(t, c, "u10", "c1", "t1")
	ctx := context.Background()

	if _, err := s.StartWorkflow(ctx, "u10", "c1", "t1", ModeUI); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	st, err := s.IncrementTurn(ctx, "u10", "c1", "t1")
	if err != nil {
		t.Fatalf("IncrementTurn: %v", err)
	}
	if st.CurrentTurn != 1 {
		t.Errorf("expected turn 1, got %d", st.CurrentTurn)
	}
	st, err = s.IncrementTurn(ctx, "u10", "c1", "t1")
	if err != nil {
		t.Fatalf("IncrementTurn: %v", err)
	}
	if st.CurrentTurn != 2 {
		t.Errorf("expected turn 2, got %d", st.CurrentTurn)
	}
}
