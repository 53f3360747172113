// Package lpt implements long-running process task dispatch and the
// callback endpoint that resumes a workflow once an external worker
// finishes.
package lpt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/orbitfabric/fabric/internal/apperr"
	"github.com/orbitfabric/fabric/store/docdb"
	"github.com/orbitfabric/fabric/store/session"
	"github.com/orbitfabric/fabric/store/workflow"
)

// Traceability carries the thread context an LPT request must round-trip
// back through the callback.
type Traceability struct {
	ThreadKey  string `json:"thread_key"`
	ThreadName string `json:"thread_name,omitempty"`
}

// Request is the opaque payload dispatched to the external worker.
type Request struct {
	BatchID           string         `json:"batch_id"`
	CollectionName    string         `json:"collection_name"`
	UserID            string         `json:"user_id"`
	ClientUUID        string         `json:"client_uuid"`
	MandatesPath      string         `json:"mandates_path"`
	JobsData          []any          `json:"jobs_data"`
	Settings          []any          `json:"settings,omitempty"`
	Traceability      Traceability   `json:"traceability"`
	PubSubID          string         `json:"pub_sub_id,omitempty"`
	StartInstructions map[string]any `json:"start_instructions,omitempty"`
}

// Response is what the external worker appends to the original payload
// when it POSTs to /lpt/callback.
type Response struct {
	Status        string `json:"status"` // completed, failed, partial
	Result        any    `json:"result,omitempty"`
	Error         string `json:"error,omitempty"`
	ExecutionTime string `json:"execution_time,omitempty"`
	CompletedAt   string `json:"completed_at,omitempty"`
	LogsURL       string `json:"logs_url,omitempty"`
}

// CallbackPayload is the full body accepted by the callback endpoint.
type CallbackPayload struct {
	Request
	Response Response `json:"response"`
}

// Dispatcher sends LPT requests over HTTP to the configured worker
// endpoint; it is the collaborator the spec leaves abstract.
type Dispatcher struct {
	endpoint string
	client   *http.Client
	token    string
}

func NewDispatcher(endpoint, token string) *Dispatcher {
	return &Dispatcher{endpoint: endpoint, client: &http.Client{Timeout: 15 * time.Second}, token: token}
}

// Dispatch POSTs the request to the worker endpoint. Transport failures are
// the caller's responsibility to retry with a bounded policy; this function
// makes one attempt.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) error {
	if d.endpoint == "" {
		return errors.New("lpt: no dispatch endpoint configured")
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "lpt: encode request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(raw))
	if err != nil {
		return errors.Wrap(err, "lpt: build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+d.token)
	}
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return errors.Wrap(err, "lpt: dispatch request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("lpt: dispatch returned status %d", resp.StatusCode)
	}
	return nil
}

// ResumeFunc runs a unified workflow turn in resume mode; the agent package
// supplies the real implementation to avoid an import cycle.
type ResumeFunc func(ctx context.Context, uid, cid, threadKey string, enableStreaming bool, preprompt string) error

// Handler wires the callback endpoint's dependencies.
type Handler struct {
	doc      *docdb.DB
	sess     *session.Store
	wf       *workflow.Store
	resume   ResumeFunc
	token    string
}

func NewHandler(doc *docdb.DB, sess *session.Store, wf *workflow.Store, resume ResumeFunc, serviceToken string) *Handler {
	return &Handler{doc: doc, sess: sess, wf: wf, resume: resume, token: serviceToken}
}

// CallbackResult is the immediate HTTP response; the resume runs in the
// background after this is returned.
type CallbackResult struct {
	OK      bool   `json:"ok"`
	TaskID  string `json:"task_id,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HandleCallback implements the full callback algorithm from auth through
// background resume dispatch. The background goroutine it starts outlives
// the request.
func (h *Handler) HandleCallback(ctx context.Context, bearerToken string, payload CallbackPayload) (CallbackResult, error) {
	if h.token != "" && bearerToken != h.token {
		return CallbackResult{}, apperr.New(apperr.CodeAuthFailed, "invalid bearer token")
	}
	if payload.Traceability.ThreadKey == "" {
		return CallbackResult{}, apperr.New(apperr.CodeInvalidArgs, "thread_key is required")
	}
	if payload.MandatesPath == "" {
		return CallbackResult{}, apperr.New(apperr.CodeMissingMandatePath, "mandates_path is required")
	}

	threadKey := payload.Traceability.ThreadKey
	taskPath := fmt.Sprintf("%s/tasks/%s", payload.MandatesPath, threadKey)

	taskDoc, err := h.doc.Get(ctx, taskPath)
	if err != nil {
		return CallbackResult{}, errors.Wrap(err, "lpt: task lookup failed")
	}
	planned := taskDoc != nil

	if planned {
		update := map[string]any{
			"status":       payload.Response.Status,
			"result":       payload.Response.Result,
			"error":        payload.Response.Error,
			"completed_at": payload.Response.CompletedAt,
			"original":     payload,
		}
		if err := h.doc.Set(ctx, taskPath, update, true); err != nil {
			slog.Error("lpt: task doc update failed", "task_path", taskPath, "error", err)
		}
	}

	onThread, err := h.sess.IsUserOnThread(ctx, payload.UserID, companyIDFromMandatesPath(payload.MandatesPath), threadKey)
	if err != nil {
		slog.Warn("lpt: session lookup failed during callback", "user_id", payload.UserID, "error", err)
	}

	go h.runResume(payload, threadKey, onThread)

	result := CallbackResult{OK: true, Message: "callback accepted"}
	if planned {
		result.TaskID = threadKey
	} else {
		result.TaskID = payload.BatchID
	}
	return result, nil
}

func (h *Handler) runResume(payload CallbackPayload, threadKey string, onThread bool) {
	ctx := context.Background()
	cid := companyIDFromMandatesPath(payload.MandatesPath)

	if _, _, err := h.wf.ClearWaitingLPT(ctx, payload.UserID, cid, threadKey); err != nil {
		slog.Error("lpt: clear_waiting_lpt failed", "thread_key", threadKey, "error", err)
		return
	}

	preprompt := fmt.Sprintf("The long-running task completed with status=%s.", payload.Response.Status)
	if payload.Response.Status == "failed" {
		preprompt = fmt.Sprintf("The long-running task failed: %s. Surface this to the user.", payload.Response.Error)
	}

	if h.resume == nil {
		return
	}
	if err := h.resume(ctx, payload.UserID, cid, threadKey, onThread, preprompt); err != nil {
		slog.Error("lpt: resume failed", "thread_key", threadKey, "error", err)
	}
}

// companyIDFromMandatesPath extracts the company segment from a path shaped
// like "companies/{cid}/mandates/{mandate}"; mandates_path layout is a
// collaborator concern the spec leaves abstract, so this is a best-effort
// convention matching the fixture data.
func companyIDFromMandatesPath(path string) string {
	const marker = "companies/"
	_, rest, found := strings.Cut(path, marker)
	if !found {
		return ""
	}
	cid, _, _ := strings.Cut(rest, "/")
	return cid
}
