// Package server wires every store, background process, and HTTP route
// together into one running fabric instance, the way APIV1Service wires a
// set of domain services over one shared profile and store.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/orbitfabric/fabric/agent"
	"github.com/orbitfabric/fabric/cache"
	"github.com/orbitfabric/fabric/internal/apperr"
	"github.com/orbitfabric/fabric/internal/llm"
	"github.com/orbitfabric/fabric/internal/profile"
	"github.com/orbitfabric/fabric/internal/version"
	"github.com/orbitfabric/fabric/listen"
	"github.com/orbitfabric/fabric/lpt"
	"github.com/orbitfabric/fabric/pages"
	"github.com/orbitfabric/fabric/presence"
	"github.com/orbitfabric/fabric/registry"
	"github.com/orbitfabric/fabric/rpc"
	"github.com/orbitfabric/fabric/scheduler"
	"github.com/orbitfabric/fabric/store/chat"
	"github.com/orbitfabric/fabric/store/docdb"
	"github.com/orbitfabric/fabric/store/kv"
	"github.com/orbitfabric/fabric/store/rtdb"
	"github.com/orbitfabric/fabric/store/session"
	"github.com/orbitfabric/fabric/store/workflow"
	"github.com/orbitfabric/fabric/wshub"
)

// Server owns every collaborator and the echo instance serving them.
type Server struct {
	profile   *profile.Profile
	echo      *echo.Echo
	http      *http.Server
	startedAt time.Time

	kvc  *kv.Client
	doc  *docdb.DB
	rt   *rtdb.DB
	sess *session.Store
	chat *chat.Store
	wf   *workflow.Store

	pres    *presence.Registry
	reg     *registry.Registry
	sup     *listen.Supervisor
	hub     *wshub.Hub
	cacheM  *cache.Manager
	pagesH  *pages.Handler
	rpcR    *rpc.Router
	lptH    *lpt.Handler
	sched   *scheduler.Scheduler
	runtime *agent.Runtime
}

// NewServer builds every collaborator and registers routes. It opens the
// DocDB and RTDB databases here (connecting and migrating them); HTTP
// serving and the background loops begin only when Start runs.
func NewServer(ctx context.Context, p *profile.Profile) (*Server, error) {
	kvc := kv.New(kv.Config{
		Host: p.KVHost, Port: p.KVPort, Password: p.KVPassword,
		DB: p.KVDB, TLS: p.KVTLS, TLSVerify: p.KVTLSVerify, ScanCount: 500,
	})

	doc, err := docdb.Open(ctx, p.Driver, p.DSN)
	if err != nil {
		return nil, fmt.Errorf("server: open docdb: %w", err)
	}
	rt, err := rtdb.Open(ctx, p.Driver, p.DSN)
	if err != nil {
		return nil, fmt.Errorf("server: open rtdb: %w", err)
	}

	sessStore := session.New(kvc)
	chatStore := chat.New(kvc)
	wfStore := workflow.New(kvc)
	cacheM := cache.New(kvc)
	presReg := presence.New(kvc, doc, p.PresenceTTL)
	reg := registry.New(kvc, p.UnifiedRegistryEnabled, p.RegistryDebug)

	llmSvc := llm.New(llm.Config{
		APIKey: p.OpenAIAPIKey, BaseURL: p.OpenAIBaseURL, Model: p.OpenAIModel,
	})

	s := &Server{
		profile:   p,
		echo:      echo.New(),
		startedAt: time.Now(),
		kvc:       kvc,
		doc:     doc,
		rt:      rt,
		sess:    sessStore,
		chat:    chatStore,
		wf:      wfStore,
		pres:    presReg,
		reg:     reg,
		cacheM:  cacheM,
		pagesH:  pages.New(cacheM),
	}

	s.hub = wshub.New(kvc, presReg, nil, time.Duration(p.HeartbeatInterval)*time.Second, time.Duration(p.KeepaliveInterval)*time.Second)
	s.sup = listen.New(doc, rt, kvc, sessStore, presReg, s.hub, listen.Config{
		ChatChannelPrefix:  p.ChatChannelPrefix,
		WorkflowEnabled:    p.WorkflowListenerEnabled,
		TransactionEnabled: p.TransactionListenerEnabled,
	})
	s.hub.SetSupervisor(s.sup)

	dispatch := lpt.NewDispatcher(p.InstanceURL+"/internal/lpt/dispatch", p.ServiceToken)
	runtime := agent.New(llmSvc, sessStore, chatStore, wfStore, doc, rt, kvc, nil, &hubStreamer{s.hub}, dispatch)
	s.runtime = runtime
	s.hub.SetCardHandler(func(ctx context.Context, uid, cid, threadKey, userMessage string, payload map[string]any) {
		if err := runtime.SendCardResponse(ctx, uid, cid, threadKey, userMessage, payload); err != nil {
			slog.Error("server: card response handling failed", "thread_key", threadKey, "error", err)
		}
	})
	s.lptH = lpt.NewHandler(doc, sessStore, wfStore, runtime.Resume, p.ServiceToken)
	s.sched = scheduler.New(doc, kvc, runtime)
	s.rpcR = rpc.New(kvc, p.ServiceToken, p.RPCAPIVersion)
	registerMethods(s.rpcR, runtime)
	registerDashboard(s.rpcR, s.pagesH, sessStore)
	registerRegistry(s.rpcR, reg)
	registerChromaVector(s.rpcR)

	s.routes()
	return s, nil
}

// hubStreamer adapts wshub.Hub to agent.Streamer without agent importing
// wshub directly.
type hubStreamer struct{ hub *wshub.Hub }

func (h *hubStreamer) Broadcast(uid string, frame agent.StreamFrame) {
	h.hub.Broadcast(uid, wshub.Frame{Type: frame.Type, Payload: frame.Payload})
}

func registerMethods(r *rpc.Router, rt *agent.Runtime) {
	r.Register("LLM.send_message", func(ctx context.Context, req rpc.Request) (any, error) {
		uid, _ := req.Kwargs["user_id"].(string)
		cid, _ := req.Kwargs["company_id"].(string)
		threadKey, _ := req.Kwargs["thread_key"].(string)
		message, _ := req.Kwargs["message"].(string)
		if uid == "" || cid == "" {
			return nil, apperr.New(apperr.CodeMissingCompanyID, "user_id and company_id are required")
		}
		return nil, rt.SendMessage(ctx, uid, cid, threadKey, message)
	})
	r.Register("LLM.initialize_session", func(ctx context.Context, req rpc.Request) (any, error) {
		uid, _ := req.Kwargs["user_id"].(string)
		cid, _ := req.Kwargs["company_id"].(string)
		return rt.InitializeSession(ctx, uid, cid)
	})
	r.Register("LLM.enter_chat", func(ctx context.Context, req rpc.Request) (any, error) {
		uid, _ := req.Kwargs["user_id"].(string)
		cid, _ := req.Kwargs["company_id"].(string)
		threadKey, _ := req.Kwargs["thread_key"].(string)
		return nil, rt.EnterChat(ctx, uid, cid, threadKey)
	})
	r.Register("LLM.leave_chat", func(ctx context.Context, req rpc.Request) (any, error) {
		uid, _ := req.Kwargs["user_id"].(string)
		cid, _ := req.Kwargs["company_id"].(string)
		threadKey, _ := req.Kwargs["thread_key"].(string)
		return nil, rt.LeaveChat(ctx, uid, cid, threadKey)
	})
	r.Register("LLM.flush_chat_history", func(ctx context.Context, req rpc.Request) (any, error) {
		uid, _ := req.Kwargs["user_id"].(string)
		cid, _ := req.Kwargs["company_id"].(string)
		threadKey, _ := req.Kwargs["thread_key"].(string)
		return nil, rt.FlushChatHistory(ctx, uid, cid, threadKey)
	})
	r.Register("LLM.stop_streaming", func(ctx context.Context, req rpc.Request) (any, error) {
		uid, _ := req.Kwargs["user_id"].(string)
		cid, _ := req.Kwargs["company_id"].(string)
		threadKey, _ := req.Kwargs["thread_key"].(string)
		return nil, rt.StopStreaming(ctx, uid, cid, threadKey)
	})
	r.Register("LLM.approve_plan", func(ctx context.Context, req rpc.Request) (any, error) {
		uid, _ := req.Kwargs["user_id"].(string)
		cid, _ := req.Kwargs["company_id"].(string)
		threadKey, _ := req.Kwargs["thread_key"].(string)
		planID, _ := req.Kwargs["plan_id"].(string)
		return nil, rt.ApprovePlan(ctx, uid, cid, threadKey, planID)
	})
	r.Register("LLM.invalidate_user_context", func(ctx context.Context, req rpc.Request) (any, error) {
		uid, _ := req.Kwargs["user_id"].(string)
		cid, _ := req.Kwargs["company_id"].(string)
		return nil, rt.InvalidateUserContext(ctx, uid, cid)
	})
	r.Register("LLM.execute_task_now", func(ctx context.Context, req rpc.Request) (any, error) {
		uid, _ := req.Kwargs["user_id"].(string)
		cid, _ := req.Kwargs["company_id"].(string)
		threadKey, _ := req.Kwargs["thread_key"].(string)
		instructions, _ := req.Kwargs["instructions"].(string)
		return nil, rt.ExecuteTaskNow(ctx, uid, cid, threadKey, instructions)
	})
}

// registerDashboard wires the one illustrative cache-first page handler;
// the page handler contract is shared by every other DASHBOARD.* /
// FIREBASE_CACHE.* method the fabric exposes.
func registerDashboard(r *rpc.Router, ph *pages.Handler, sess *session.Store) {
	r.Register("DASHBOARD.get_summary", func(ctx context.Context, req rpc.Request) (any, error) {
		uid, _ := req.Kwargs["user_id"].(string)
		cid, _ := req.Kwargs["company_id"].(string)
		if uid == "" || cid == "" {
			return nil, apperr.New(apperr.CodeMissingCompanyID, "user_id and company_id are required")
		}
		return ph.Serve(ctx, uid, cid, "dashboard_summary", "", 300, []pages.SubFetch{
			{Name: "jobs_data", Default: map[string]any{}, Fetch: func(ctx context.Context) (any, error) {
				return sess.GetJobsData(ctx, uid, cid)
			}},
			{Name: "user_context", Default: map[string]any{}, Fetch: func(ctx context.Context) (any, error) {
				return sess.GetUserContext(ctx, uid, cid)
			}},
		})
	})
}

// registerRegistry wires the unified-registry introspection and mutation
// methods. Every handler is a cheap pass-through; Registry's mutating
// methods no-op when UNIFIED_REGISTRY_ENABLED is off (its getters still
// read the KV store).
func registerRegistry(r *rpc.Router, reg *registry.Registry) {
	r.Register("REGISTRY.register_user_session", func(ctx context.Context, req rpc.Request) (any, error) {
		uid, _ := req.Kwargs["user_id"].(string)
		sessionID, _ := req.Kwargs["session_id"].(string)
		cid, _ := req.Kwargs["company_id"].(string)
		backendRoute, _ := req.Kwargs["backend_route"].(string)
		if uid == "" {
			return nil, apperr.New(apperr.CodeInvalidArgs, "user_id is required")
		}
		var authorized []string
		if raw, ok := req.Kwargs["authorized_companies"].([]any); ok {
			for _, v := range raw {
				if s, ok := v.(string); ok {
					authorized = append(authorized, s)
				}
			}
		}
		return nil, reg.RegisterUserSession(ctx, uid, sessionID, cid, authorized, backendRoute)
	})
	r.Register("REGISTRY.update_user_heartbeat", func(ctx context.Context, req rpc.Request) (any, error) {
		uid, _ := req.Kwargs["user_id"].(string)
		if uid == "" {
			return nil, apperr.New(apperr.CodeInvalidArgs, "user_id is required")
		}
		ok, err := reg.UpdateUserHeartbeat(ctx, uid)
		return map[string]any{"ok": ok}, err
	})
	r.Register("REGISTRY.unregister_user_session", func(ctx context.Context, req rpc.Request) (any, error) {
		sessionID, _ := req.Kwargs["session_id"].(string)
		if sessionID == "" {
			return nil, apperr.New(apperr.CodeInvalidArgs, "session_id is required")
		}
		removed, err := reg.UnregisterUserSession(ctx, sessionID)
		return map[string]any{"removed": removed}, err
	})
	r.Register("REGISTRY.register_task", func(ctx context.Context, req rpc.Request) (any, error) {
		taskID, _ := req.Kwargs["task_id"].(string)
		uid, _ := req.Kwargs["user_id"].(string)
		cid, _ := req.Kwargs["company_id"].(string)
		taskType, _ := req.Kwargs["task_type"].(string)
		maxDuration, _ := req.Kwargs["max_duration_secs"].(float64)
		if taskID == "" {
			return nil, apperr.New(apperr.CodeInvalidArgs, "task_id is required")
		}
		return nil, reg.RegisterTask(ctx, taskID, uid, cid, taskType, int(maxDuration))
	})
	r.Register("REGISTRY.update_task_progress", func(ctx context.Context, req rpc.Request) (any, error) {
		taskID, _ := req.Kwargs["task_id"].(string)
		if taskID == "" {
			return nil, apperr.New(apperr.CodeInvalidArgs, "task_id is required")
		}
		progress := map[string]string{}
		if raw, ok := req.Kwargs["progress"].(map[string]any); ok {
			for k, v := range raw {
				progress[k] = fmt.Sprintf("%v", v)
			}
		}
		return nil, reg.UpdateTaskProgress(ctx, taskID, progress)
	})
	r.Register("REGISTRY.get_user_registry", func(ctx context.Context, req rpc.Request) (any, error) {
		uid, _ := req.Kwargs["user_id"].(string)
		return reg.GetUserRegistry(ctx, uid)
	})
	r.Register("REGISTRY.get_task_registry", func(ctx context.Context, req rpc.Request) (any, error) {
		taskID, _ := req.Kwargs["task_id"].(string)
		return reg.GetTaskRegistry(ctx, taskID)
	})
	r.Register("REGISTRY.get_company_active_users", func(ctx context.Context, req rpc.Request) (any, error) {
		cid, _ := req.Kwargs["company_id"].(string)
		if cid == "" {
			return nil, apperr.New(apperr.CodeMissingCompanyID, "company_id is required")
		}
		return reg.GetCompanyActiveUsers(ctx, cid)
	})
}

// registerChromaVector wires the fire-and-forget collection-session
// registration call. The vector store itself is an opaque external
// collaborator, same as any other LLM-adjacent provider — this handler
// only records the (user, collection) pairing the caller asked to track.
func registerChromaVector(r *rpc.Router) {
	r.Register("CHROMA_VECTOR.register_collection_user", func(ctx context.Context, req rpc.Request) (any, error) {
		uid, _ := req.Kwargs["user_id"].(string)
		collection, _ := req.Kwargs["collection_name"].(string)
		slog.Info("chroma_vector: collection session registered", "user_id", uid, "collection", collection)
		return map[string]any{"registered": true}, nil
	})
}

func (s *Server) routes() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.Logger())

	s.echo.GET("/healthz", s.handleHealthz)
	s.echo.GET("/version", s.handleVersion)
	s.echo.GET("/readyz", s.handleReadyz)
	s.echo.GET("/debug", s.handleDebug)
	s.echo.GET("/ws-metrics", s.handleWSMetrics)
	s.echo.POST("/rpc", s.rpcR.Handle)
	s.echo.POST("/lpt/callback", s.handleLPTCallback)
	s.echo.POST("/hr/callback", s.handleLPTCallback)
	s.echo.POST("/invalidate-context", s.handleInvalidateContext)
	s.echo.POST("/admin/invalidate_cache", s.handleAdminInvalidateCache)
	s.echo.GET("/google_auth_callback/", s.handleGoogleAuthCallback)
	s.echo.GET("/ws", func(c echo.Context) error {
		s.hub.ServeHTTP(c.Response(), c.Request())
		return nil
	})
}

func (s *Server) handleHealthz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()
	redis := "ok"
	if err := s.kvc.Ping(ctx); err != nil {
		redis = "unavailable"
	}
	return c.JSON(http.StatusOK, map[string]any{
		"version":                  version.GetCurrentVersion(s.profile.Mode),
		"listeners_count":          s.sup.ListenerCount(),
		"workflow_listeners_count": s.sup.WorkflowListenerCount(),
		"redis":                    redis,
		"uptime_s":                 int(time.Since(s.startedAt).Seconds()),
		"region":                   s.profile.Region,
	})
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"version": version.GetCurrentVersion(s.profile.Mode)})
}

func (s *Server) handleReadyz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()
	if err := s.kvc.Ping(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "redis_unavailable"})
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDebug(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"active_users":       s.hub.ActiveUserCount(),
		"disconnect_metrics": s.hub.Metrics(),
	})
}

func (s *Server) handleWSMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, s.hub.Metrics())
}

func (s *Server) handleLPTCallback(c echo.Context) error {
	var payload lpt.CallbackPayload
	if err := json.NewDecoder(c.Request().Body).Decode(&payload); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed callback body"})
	}
	bearer := c.Request().Header.Get("Authorization")
	result, err := s.lptH.HandleCallback(c.Request().Context(), trimBearer(bearer), payload)
	if err != nil {
		return c.JSON(httpStatusForErr(err), map[string]any{"ok": false, "error": err.Error()})
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleInvalidateContext(c echo.Context) error {
	uid := c.QueryParam("user_id")
	cid := c.QueryParam("company_id")
	if uid == "" || cid == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "user_id and company_id are required"})
	}
	if err := s.runtime.InvalidateUserContext(c.Request().Context(), uid, cid); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleAdminInvalidateCache(c echo.Context) error {
	uid := c.QueryParam("user_id")
	cid := c.QueryParam("company_id")
	dataType := c.QueryParam("data_type")
	if s.profile.ServiceToken != "" && c.Request().Header.Get("Authorization") != "Bearer "+s.profile.ServiceToken {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid bearer token"})
	}
	n, err := s.cacheM.InvalidateModuleCache(c.Request().Context(), uid, cid, dataType)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]int{"keys_deleted": n})
}

// handleGoogleAuthCallback only checks that an OAuth code is present and
// acknowledges it; no token exchange happens here, and the Google Drive
// sync integration it authorises lives outside this router's scope.
func (s *Server) handleGoogleAuthCallback(c echo.Context) error {
	code := c.QueryParam("code")
	if code == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing code"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "received"})
}

func trimBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return header
}

func httpStatusForErr(err error) int {
	switch apperr.CodeOf(err) {
	case apperr.CodeAuthFailed:
		return http.StatusUnauthorized
	case apperr.CodeInvalidArgs, apperr.CodeMissingMandatePath:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Start subscribes the presence feed, starts the scheduler tick loop and the
// registry cleanup loop (both stop when ctx is cancelled), and begins
// serving HTTP. It returns once the listener is up; HTTP serving runs in
// the background until Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.pres.OnSnapshot(ctx, func(evt docdb.Event) {
		s.sup.OnPresenceSnapshot(ctx, evt)
	})
	go s.sched.Run(ctx)
	go s.reg.CleanupLoop(ctx, 5*time.Minute)

	addr := fmt.Sprintf(":%d", s.profile.Port)
	if s.profile.Addr != "" {
		addr = fmt.Sprintf("%s:%d", s.profile.Addr, s.profile.Port)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	}
	s.http = &http.Server{Addr: addr, Handler: s.echo}
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("server: http serve failed", "error", err)
		}
	}()
	return nil
}

// Shutdown drains in-flight requests and closes every backing connection.
func (s *Server) Shutdown(ctx context.Context) {
	if s.http != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
	}
	_ = s.doc.Close()
	_ = s.rt.Close()
	_ = s.kvc.Close()
}
