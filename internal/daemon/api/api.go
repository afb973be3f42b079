// Copyright 2025 The Weft Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api provides the HTTP API for the daemon.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/weftworks/weft/internal/daemon/auth"
	"github.com/weftworks/weft/internal/daemon/httputil"
	"github.com/weftworks/weft/internal/engine/activity"
	"github.com/weftworks/weft/internal/engine/ingress"
	"github.com/weftworks/weft/internal/engine/run"
	"github.com/weftworks/weft/internal/engine/store"
	"github.com/weftworks/weft/internal/engine/task"
	"github.com/weftworks/weft/internal/log"
	"github.com/weftworks/weft/internal/tracing"
	"github.com/weftworks/weft/pkg/workflow"
)

// Listing limits. Callers page past defaultPageLimit explicitly; maxPageLimit
// caps what one response will carry.
const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// Runs is the run registry surface the API uses.
type Runs interface {
	StartWorkflow(ctx context.Context, req run.StartRequest) (*run.StartResult, error)
	Get(ctx context.Context, id string, opts run.GetOptions) (*run.RunDetail, error)
	List(ctx context.Context, filter store.RunFilter, page store.Page) ([]*store.Run, int64, error)
	CancelRun(ctx context.Context, id string, actor activity.Actor) (*store.Run, error)
	PauseRun(ctx context.Context, id string) (*store.Run, error)
	ResumeRun(ctx context.Context, id string) (*store.Run, error)
}

// Tasks is the task service surface the API uses.
type Tasks interface {
	Get(ctx context.Context, id string) (*store.Task, error)
	Update(ctx context.Context, id string, req task.UpdateRequest, actor activity.Actor) (*store.Task, error)
	Transition(ctx context.Context, id string, req task.TransitionRequest) (*store.Task, error)
	Archive(ctx context.Context, id string, archived bool, actor activity.Actor) (*store.Task, error)
	List(ctx context.Context, filter store.TaskFilter, page store.Page) ([]*store.Task, int64, error)
	BuildTree(ctx context.Context, rootID string, maxDepth int) (*task.TreeNode, error)
	AddComment(ctx context.Context, id, comment string, actor activity.Actor) error
	Activity(ctx context.Context, id string) ([]*store.ActivityEntry, error)
}

// Callbacks routes inbound step callbacks to the engine.
type Callbacks interface {
	Handle(ctx context.Context, runID, stepID string, payload map[string]any, secret string, info ingress.ReqInfo) (*ingress.Ack, error)
	HandleItem(ctx context.Context, runID, stepID string, item any, secret string, info ingress.ReqInfo) (*ingress.Ack, error)
}

// Workflows serves published workflow definitions.
type Workflows interface {
	Get(id string) (*workflow.Published, error)
	List() []*workflow.Published
}

// Config wires the server's collaborators.
type Config struct {
	Version   string
	Commit    string
	BuildDate string

	Runs      Runs
	Tasks     Tasks
	Callbacks Callbacks
	Workflows Workflows

	// Events serves GET /v1/events/stream; nil leaves the route off.
	Events http.Handler

	// Metrics serves GET /metrics; nil leaves the route off.
	Metrics http.Handler

	// Auth guards /v1 routes; nil admits every request.
	Auth *auth.Middleware

	// Telemetry provides request spans and HTTP metrics; nil disables both.
	Telemetry *tracing.Provider

	Logger *slog.Logger
}

// Server is the daemon's HTTP surface.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	mux     *http.ServeMux
	handler http.Handler
}

// NewServer builds the route table and middleware chain.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger, mux: http.NewServeMux()}
	s.routes()

	// Innermost first: auth, request logging, telemetry, correlation,
	// trace propagation. Auth sits inside logging and telemetry so
	// rejected requests still show up in both.
	var handler http.Handler = s.mux
	if cfg.Auth != nil {
		handler = cfg.Auth.Wrap(handler)
	}
	handler = s.logRequests(handler)
	handler = s.telemetry(handler)
	handler = tracing.CorrelationMiddleware(handler)
	handler = tracing.PropagationMiddleware(handler)
	s.handler = handler
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.HandleFunc("GET /v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /v1/version", s.handleVersion)

	s.mux.HandleFunc("POST /v1/runs", s.handleStartRun)
	s.mux.HandleFunc("GET /v1/runs", s.handleListRuns)
	s.mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
	s.mux.HandleFunc("POST /v1/runs/{id}/cancel", s.handleCancelRun)
	s.mux.HandleFunc("POST /v1/runs/{id}/pause", s.handlePauseRun)
	s.mux.HandleFunc("POST /v1/runs/{id}/resume", s.handleResumeRun)
	s.mux.HandleFunc("POST /v1/runs/{id}/callback/{stepId}", s.handleCallback)
	s.mux.HandleFunc("POST /v1/runs/{id}/callback/{stepId}/item", s.handleCallbackItem)

	s.mux.HandleFunc("GET /v1/tasks", s.handleListTasks)
	s.mux.HandleFunc("GET /v1/tasks/{id}", s.handleGetTask)
	s.mux.HandleFunc("PATCH /v1/tasks/{id}", s.handlePatchTask)
	s.mux.HandleFunc("GET /v1/tasks/{id}/tree", s.handleTaskTree)
	s.mux.HandleFunc("GET /v1/tasks/{id}/activity", s.handleTaskActivity)
	s.mux.HandleFunc("POST /v1/tasks/{id}/comments", s.handleAddComment)

	s.mux.HandleFunc("GET /v1/workflows", s.handleListWorkflows)
	s.mux.HandleFunc("GET /v1/workflows/{id}", s.handleGetWorkflow)

	if s.cfg.Events != nil {
		s.mux.Handle("GET /v1/events/stream", s.cfg.Events)
	}
	if s.cfg.Metrics != nil {
		s.mux.Handle("GET /metrics", s.cfg.Metrics)
	}
}

// statusRecorder captures the response code for logs and metrics while
// passing Flush through for the SSE stream.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// telemetry opens a server span per request and records HTTP metrics
// labeled with the matched route pattern, not the raw path.
func (s *Server) telemetry(next http.Handler) http.Handler {
	if s.cfg.Telemetry == nil {
		return next
	}
	tracer := s.cfg.Telemetry.Tracer("weft.api")
	collector := s.cfg.Telemetry.Metrics()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := tracing.StartHTTPSpan(r.Context(), tracer, r.Method)
		defer span.End()

		// Resolve the pattern up front: handlers down the chain see
		// request copies, so r.Pattern would not survive the return trip.
		_, route := s.mux.Handler(r)
		if route == "" {
			route = "unmatched"
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(map[string]any{
			"http.route":  route,
			"http.status": rec.status,
		})
		if rec.status >= http.StatusInternalServerError {
			span.RecordError(fmt.Errorf("http %d", rec.status))
		} else {
			span.SetOK()
		}
		collector.RecordHTTPRequest(ctx, r.Method, route, rec.status, time.Since(start))
	})
}

// logRequests writes one line per completed request. Health checks and
// metrics scrapes log at debug so they do not drown the stream.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		logger := log.WithCorrelationID(s.logger, string(tracing.FromContextOrEmpty(r.Context())))
		attrs := []any{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Int64(log.DurationKey, time.Since(start).Milliseconds()),
		}
		if r.URL.Path == "/v1/health" || r.URL.Path == "/metrics" {
			logger.Debug("request completed", attrs...)
			return
		}
		logger.Info("request completed", attrs...)
	})
}

// handleRoot handles GET / for basic connectivity.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"name":    "weftd",
		"version": s.cfg.Version,
	})
}

// handleHealth handles GET /v1/health. The response is deliberately
// minimal: the endpoint is unauthenticated and meant for load balancers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleVersion handles GET /v1/version.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"version":   s.cfg.Version,
		"commit":    s.cfg.Commit,
		"buildDate": s.cfg.BuildDate,
		"goVersion": runtime.Version(),
	})
}

// actorFrom attributes an API action to the authenticated caller, or to
// a generic api actor when auth is off.
func actorFrom(r *http.Request) activity.Actor {
	if id, ok := auth.IdentityFromContext(r.Context()); ok {
		return activity.Actor{ID: id.Subject, Type: store.ActorUser}
	}
	return activity.Actor{ID: "api", Type: store.ActorUser}
}

// reqInfo captures the request facts the audit trail keeps.
func reqInfo(r *http.Request) ingress.ReqInfo {
	return ingress.ReqInfo{
		RemoteAddr: r.RemoteAddr,
		Method:     r.Method,
		Path:       r.URL.Path,
		Headers:    r.Header,
	}
}

// parsePage reads limit, offset and sort query parameters.
func parsePage(q url.Values) store.Page {
	limit := queryInt64(q, "limit", defaultPageLimit)
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return store.Page{
		Limit:  limit,
		Offset: queryInt64(q, "offset", 0),
		Sort:   q.Get("sort"),
	}
}

func queryInt64(q url.Values, key string, def int64) int64 {
	v := q.Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func queryBool(q url.Values, key string) bool {
	switch strings.ToLower(q.Get(key)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// splitMulti flattens repeated query values and comma-separated lists.
func splitMulti(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
