// Package rpc implements the single POST /rpc entry point: one JSON
// envelope, one of a fixed set of namespaced methods, one envelope back.
// Every other internal service is reached exclusively through this
// router, so idempotency, auth, and error-code mapping all live here once
// instead of being re-implemented per method.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/orbitfabric/fabric/internal/apperr"
	"github.com/orbitfabric/fabric/store/keys"
	"github.com/orbitfabric/fabric/store/kv"
)

// defaultAPIVersion is used when the profile does not override it.
const defaultAPIVersion = "v1"

// Request is the full POST /rpc body.
type Request struct {
	APIVersion     string         `json:"api_version"`
	Method         string         `json:"method"`
	Args           []any          `json:"args,omitempty"`
	Kwargs         map[string]any `json:"kwargs,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	ReplyTo        string         `json:"reply_to,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	TimeoutMS      int            `json:"timeout_ms,omitempty"`
	TraceID        string         `json:"trace_id,omitempty"`
}

// Response is the envelope every call returns, success or failure.
type Response struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// Error is the machine-readable failure shape.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MethodFunc implements one RPC method.
type MethodFunc func(ctx context.Context, req Request) (any, error)

// fireAndForget lists methods whose caller does not wait for a result; the
// router still runs them to completion but returns immediately.
var fireAndForget = map[string]bool{
	"CHROMA_VECTOR.register_collection_user": true,
	"ERP.invalidate_connection":              true,
}

// prefixes is the full set of recognised method namespaces; a method
// outside all of these is rejected before lookup.
var prefixes = []string{
	"FIREBASE_MANAGEMENT.", "FIREBASE_REALTIME.", "REGISTRY.", "LISTENERS.",
	"CHROMA_VECTOR.", "TASK.", "LLM.", "DMS.", "HR.", "FIREBASE_CACHE.",
	"DRIVE_CACHE.", "ERP.", "DASHBOARD.",
}

// Router dispatches POST /rpc calls to registered methods.
type Router struct {
	kvc        *kv.Client
	methods    map[string]MethodFunc
	token      string
	apiVersion string
}

// New builds a Router. apiVersion is the expected RPC_API_VERSION; an empty
// value falls back to defaultAPIVersion.
func New(kvc *kv.Client, bearerToken, apiVersion string) *Router {
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	return &Router{kvc: kvc, methods: map[string]MethodFunc{}, token: bearerToken, apiVersion: apiVersion}
}

// Register wires one method name ("LLM.send_message") to its handler.
func (r *Router) Register(method string, fn MethodFunc) {
	r.methods[method] = fn
}

func recognisedPrefix(method string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(method, p) {
			return true
		}
	}
	return false
}

// Handle is the echo handler for POST /rpc.
func (r *Router) Handle(c echo.Context) error {
	if r.token != "" {
		auth := c.Request().Header.Get("Authorization")
		if auth != "Bearer "+r.token {
			return c.JSON(401, Response{OK: false, Error: &Error{Code: string(apperr.CodeAuthFailed), Message: "invalid bearer token"}})
		}
	}

	var req Request
	if err := c.Bind(&req); err != nil {
		return c.JSON(400, Response{OK: false, Error: &Error{Code: string(apperr.CodeInvalidArgs), Message: "malformed request body"}})
	}

	resp := r.dispatch(c.Request().Context(), req)
	status := 200
	if !resp.OK {
		status = httpStatusFor(resp.Error.Code)
	}
	return c.JSON(status, resp)
}

func (r *Router) dispatch(ctx context.Context, req Request) Response {
	if req.APIVersion != "" && req.APIVersion != r.apiVersion {
		return errResponse(apperr.CodeInvalidAPIVersion, fmt.Sprintf("unsupported api_version %q", req.APIVersion))
	}
	if req.Method == "" {
		return errResponse(apperr.CodeInvalidArgs, "method is required")
	}
	if !recognisedPrefix(req.Method) {
		return errResponse(apperr.CodeMethodNotFound, fmt.Sprintf("method %q is outside any recognised namespace", req.Method))
	}
	fn, ok := r.methods[req.Method]
	if !ok {
		return errResponse(apperr.CodeMethodNotFound, fmt.Sprintf("method %q is not registered", req.Method))
	}

	if req.IdempotencyKey != "" {
		cached, hit, err := r.checkIdempotency(ctx, req.IdempotencyKey)
		if err != nil {
			slog.Warn("rpc: idempotency check failed", "method", req.Method, "error", err)
		} else if hit {
			return duplicateResponse(cached)
		}
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if req.TimeoutMS > 0 {
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	run := func() Response {
		data, err := fn(callCtx, req)
		if err != nil {
			return errResponse(apperr.CodeOf(err), err.Error())
		}
		return Response{OK: true, Data: data}
	}

	if fireAndForget[req.Method] {
		go func() {
			resp := run()
			r.deliverReply(context.Background(), req, resp)
		}()
		return Response{OK: true}
	}

	resp := run()
	if req.IdempotencyKey != "" && resp.OK {
		r.storeIdempotency(ctx, req.IdempotencyKey, resp)
	}
	if req.ReplyTo != "" {
		r.deliverReply(ctx, req, resp)
	}
	return resp
}

func (r *Router) checkIdempotency(ctx context.Context, key string) (Response, bool, error) {
	raw, err := r.kvc.Get(ctx, keys.Idempotency(key))
	if err != nil {
		if kv.IsMiss(err) {
			return Response{}, false, nil
		}
		return Response{}, false, err
	}
	var resp Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return Response{}, false, err
	}
	return resp, true, nil
}

func (r *Router) storeIdempotency(ctx context.Context, key string, resp Response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	ok, err := r.kvc.SetNX(ctx, keys.Idempotency(key), string(raw), keys.TTLIdempotency*time.Second)
	if err != nil || !ok {
		// a concurrent caller with the same key already won the race; its
		// stored response is authoritative, not this one.
		return
	}
}

func (r *Router) deliverReply(ctx context.Context, req Request, resp Response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := r.kvc.Publish(ctx, req.ReplyTo, string(raw)); err != nil {
		slog.Warn("rpc: reply_to publish failed", "method", req.Method, "reply_to", req.ReplyTo, "error", err)
	}
}

// duplicateResponse turns a cached response into the shape a caller replaying
// an idempotency key actually sees: a marker they can branch on, plus the
// original data for inspection, rather than a silent verbatim replay.
func duplicateResponse(cached Response) Response {
	if !cached.OK {
		return cached
	}
	return Response{OK: true, Data: map[string]any{"duplicate": true, "cached_data": cached.Data}}
}

func errResponse(code apperr.Code, message string) Response {
	return Response{OK: false, Error: &Error{Code: string(code), Message: message}}
}

func httpStatusFor(code string) int {
	switch apperr.Code(code) {
	case apperr.CodeInvalidAPIVersion, apperr.CodeInvalidArgs, apperr.CodeMissingCompanyID, apperr.CodeMissingMandatePath, apperr.CodeMissingJobID:
		return 400
	case apperr.CodeAuthFailed:
		return 401
	case apperr.CodeMethodNotFound:
		return 404
	case apperr.CodeSessionNotInitialized, apperr.CodeNoCompany:
		return 409
	default:
		return 500
	}
}
