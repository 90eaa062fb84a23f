// Package api exposes the admission engine over HTTP to the
// orchestrator, clients and operators.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/aipartnerup/apflow-demo/internal/classify"
	"github.com/aipartnerup/apflow-demo/internal/democontent"
	"github.com/aipartnerup/apflow-demo/internal/observability"
	"github.com/aipartnerup/apflow-demo/internal/quota"
	"github.com/aipartnerup/apflow-demo/internal/state"
	"github.com/aipartnerup/apflow-demo/pkg/demoapi"
)

type Server struct {
	engine  *quota.Engine
	demo    democontent.Provider
	auth    *authorizer
	limiter *decideLimiter
}

func NewServer(engine *quota.Engine, demo democontent.Provider) *Server {
	return &Server{
		engine:  engine,
		demo:    demo,
		auth:    newAuthorizerFromEnv(),
		limiter: newDecideLimiterFromEnv(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/metrics", s.handleMetrics)
	mux.HandleFunc("/v1/metrics/prometheus", s.handleMetricsPrometheus)
	mux.HandleFunc("/v1/admission/decide", s.handleDecide)
	mux.HandleFunc("/v1/trees/", s.handleTreeSubresource)
	mux.HandleFunc("/v1/quota/status", s.handleQuotaStatus)
	mux.HandleFunc("/v1/system/stats", s.handleSystemStats)
	mux.HandleFunc("/v1/demo/results", s.handleDemoList)
	mux.HandleFunc("/v1/demo/results/", s.handleDemoResult)
	mux.HandleFunc("/v1/admin/audit", s.handleAudit)
	mux.HandleFunc("/v1/admin/sweep", s.handleSweep)
	return withTracing(withLogging(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, "metrics", "operator"); !ok {
		return
	}
	writeJSON(w, http.StatusOK, observability.Default.Snapshot())
}

func (s *Server) handleMetricsPrometheus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, "metrics", "operator"); !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(observability.Default.RenderPrometheus()))
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req demoapi.DecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if !s.limiter.allow(clientIP(r), time.Now().UTC()) {
		writeError(w, http.StatusTooManyRequests, "request rate limit exceeded")
		return
	}

	nodes := make([]classify.Node, 0, len(req.Tasks))
	for _, t := range req.Tasks {
		nodes = append(nodes, classify.Node{
			ExecutorID: t.ExecutorID,
			Method:     t.Method,
			Type:       t.Type,
			Model:      t.Model,
			Provider:   t.Provider,
			Params:     t.Params,
		})
	}

	result, err := s.engine.Decide(r.Context(), quota.Request{
		UserID:     req.UserID,
		HasLLMKey:  req.HasLLMKey,
		RootTaskID: req.RootTaskID,
		Nodes:      nodes,
	})
	resp := decideResponse(result)
	if err != nil {
		// Retryable: the store could not be consulted.
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	if result.Decision == quota.Reject {
		writeJSON(w, http.StatusTooManyRequests, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTreeSubresource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/trees/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "tree id is required")
		return
	}
	treeID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.handleGetTree(w, r, treeID)
	case len(parts) == 2 && parts[1] == "started" && r.Method == http.MethodPost:
		s.handleTreeStarted(w, r, treeID)
	case len(parts) == 2 && parts[1] == "finished" && r.Method == http.MethodPost:
		s.handleTreeFinished(w, r, treeID)
	default:
		writeError(w, http.StatusNotFound, "unknown tree resource")
	}
}

func (s *Server) handleGetTree(w http.ResponseWriter, r *http.Request, treeID string) {
	entry, ok, err := s.engine.Tree(r.Context(), treeID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "tree not found")
		return
	}
	writeJSON(w, http.StatusOK, treeResponse(entry))
}

func (s *Server) handleTreeStarted(w http.ResponseWriter, r *http.Request, treeID string) {
	if err := s.engine.TreeStarted(r.Context(), treeID); err != nil {
		if errors.Is(err, state.ErrTreeNotFound) {
			writeError(w, http.StatusNotFound, "tree not found")
			return
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTreeFinished(w http.ResponseWriter, r *http.Request, treeID string) {
	var req demoapi.FinishedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var success bool
	switch strings.ToLower(strings.TrimSpace(req.Status)) {
	case "success":
		success = true
	case "failure":
		success = false
	default:
		writeError(w, http.StatusBadRequest, "status must be success or failure")
		return
	}
	entry, err := s.engine.TreeFinished(r.Context(), treeID, success)
	if err != nil {
		if errors.Is(err, state.ErrTreeNotFound) {
			writeError(w, http.StatusNotFound, "tree not found")
			return
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, treeResponse(entry))
}

func (s *Server) handleQuotaStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	hasLLMKey := r.URL.Query().Get("has_llm_key") == "true"
	st, err := s.engine.UserStatus(r.Context(), userID, hasLLMKey)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, demoapi.StatusResponse{
		UserID:    st.UserID,
		IsPremium: st.IsPremium,
		Quota:     quotaInfo(st.Quota),
		Concurrency: demoapi.ConcurrencyInfo{
			GlobalActive: st.Concurrency.Global,
			UserActive:   st.Concurrency.User,
			GlobalMax:    st.MaxConcurrentTotal,
			UserMax:      st.MaxConcurrentPerUser,
		},
	})
}

func (s *Server) handleSystemStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, demoapi.StatsResponse{
		Day:                  stats.Day,
		GlobalActive:         stats.GlobalActive,
		ActiveUsers:          stats.ActiveUsers,
		ExecutionsToday:      stats.ExecutionsToday,
		DemoRunsToday:        stats.DemoRunsToday,
		MaxConcurrentTotal:   stats.MaxConcurrent,
		MaxConcurrentPerUser: stats.MaxPerUser,
	})
}

func (s *Server) handleDemoList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ids, err := s.demo.List(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, demoapi.DemoListResponse{TaskIDs: ids})
}

func (s *Server) handleDemoResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	taskID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/demo/results/"), "/")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task id is required")
		return
	}
	payload, ok, err := s.demo.Result(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no demo result for task")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, "operator"); !ok {
		return
	}
	q := r.URL.Query()
	query := state.AuditQuery{
		Action: strings.TrimSpace(q.Get("action")),
		UserID: strings.TrimSpace(q.Get("user_id")),
		Result: strings.TrimSpace(q.Get("result")),
	}
	if raw := q.Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			query.Limit = v
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			query.Offset = v
		}
	}
	records, err := s.engine.AuditTrail(r.Context(), query)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	out := make([]demoapi.AuditRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, demoapi.AuditRecord{
			ID:        rec.ID,
			Action:    rec.Action,
			UserID:    rec.UserID,
			Result:    rec.Result,
			Reason:    rec.Reason,
			Details:   rec.Details,
			CreatedAt: rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, "operator"); !ok {
		return
	}
	report, err := s.engine.Sweep(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, demoapi.SweepResponse{Orphaned: report.Orphaned, Purged: report.Purged})
}

func (s *Server) requireScopes(w http.ResponseWriter, r *http.Request, anyOf ...string) (principal, bool) {
	p, status, msg := s.auth.authorize(r, anyOf...)
	if status != http.StatusOK {
		writeError(w, status, msg)
		return principal{}, false
	}
	return p, true
}

func decideResponse(res quota.Result) demoapi.DecideResponse {
	return demoapi.DecideResponse{
		Decision:       res.Decision,
		Reason:         res.Reason,
		RootTaskID:     res.RootTaskID,
		IsLLMConsuming: res.IsLLMConsuming,
		Quota:          quotaInfo(res.Quota),
	}
}

func quotaInfo(q quota.QuotaInfo) demoapi.QuotaInfo {
	return demoapi.QuotaInfo{
		Day:        q.Day,
		TotalUsed:  q.TotalUsed,
		TotalLimit: q.TotalLimit,
		LLMUsed:    q.LLMUsed,
		LLMLimit:   q.LLMLimit,
	}
}

func treeResponse(entry state.TreeEntry) demoapi.TreeResponse {
	return demoapi.TreeResponse{
		RootTaskID:     entry.RootTaskID,
		UserID:         entry.UserID,
		Status:         entry.Status,
		Reason:         entry.Reason,
		IsLLMConsuming: entry.IsLLMConsuming,
		UsedDemo:       entry.UsedDemo,
		CreatedAt:      entry.CreatedAt,
		UpdatedAt:      entry.UpdatedAt,
	}
}

func clientIP(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.StartSpan(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		traceID := span.SpanContext().TraceID().String()
		if traceID != "" {
			sw.Header().Set("X-Trace-ID", traceID)
		}
		next.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
	})
}
