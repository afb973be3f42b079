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

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/weftworks/weft/internal/daemon/httputil"
	"github.com/weftworks/weft/internal/engine/ingress"
	"github.com/weftworks/weft/internal/engine/run"
	"github.com/weftworks/weft/internal/engine/store"
)

// startRunRequest is the POST /v1/runs body.
type startRunRequest struct {
	WorkflowID       string                  `json:"workflowId"`
	Version          int                     `json:"version,omitempty"`
	InputPayload     map[string]any          `json:"inputPayload,omitempty"`
	TaskDefaults     *store.TaskDefaults     `json:"taskDefaults,omitempty"`
	ExecutionOptions *store.ExecutionOptions `json:"executionOptions,omitempty"`
	ExternalID       string                  `json:"externalId,omitempty"`
	Source           string                  `json:"source,omitempty"`
}

// handleStartRun handles POST /v1/runs.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	start := run.StartRequest{
		WorkflowID: req.WorkflowID,
		Version:    req.Version,
		Input:      req.InputPayload,
		ExternalID: req.ExternalID,
		Source:     req.Source,
	}
	if req.TaskDefaults != nil {
		start.TaskDefaults = *req.TaskDefaults
	}
	if req.ExecutionOptions != nil {
		start.Options = *req.ExecutionOptions
	}

	res, err := s.cfg.Runs.StartWorkflow(r.Context(), start)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}

	body := map[string]any{
		"run":      res.Run,
		"rootTask": res.RootTask,
	}
	// The plaintext secret exists only in this response. Subflow runs
	// inherit their parent's secret and get none.
	if res.CallbackSecret != "" {
		body["callbackSecret"] = res.CallbackSecret
	}
	httputil.WriteJSON(w, http.StatusCreated, body)
}

// handleListRuns handles GET /v1/runs.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		WorkflowID: q.Get("workflow"),
		ExternalID: q.Get("externalId"),
	}
	for _, v := range splitMulti(q["status"]) {
		rs := store.RunStatus(v)
		if !rs.Valid() {
			httputil.WriteError(w, http.StatusBadRequest, "unknown run status: "+v)
			return
		}
		filter.Statuses = append(filter.Statuses, rs)
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "from must be RFC 3339")
			return
		}
		filter.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "to must be RFC 3339")
			return
		}
		filter.To = &t
	}

	runs, total, err := s.cfg.Runs.List(r.Context(), filter, parsePage(q))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"total": total,
	})
}

// handleGetRun handles GET /v1/runs/{id}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := run.GetOptions{}
	if queryBool(q, "includeTasks") {
		opts.IncludeTasks = true
		opts.Limit = queryInt64(q, "taskLimit", defaultPageLimit)
		opts.Offset = queryInt64(q, "taskOffset", 0)
	}

	detail, err := s.cfg.Runs.Get(r.Context(), r.PathValue("id"), opts)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, detail)
}

// handleCancelRun handles POST /v1/runs/{id}/cancel.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Runs.CancelRun(r.Context(), r.PathValue("id"), actorFrom(r))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"run": res})
}

// handlePauseRun handles POST /v1/runs/{id}/pause.
func (s *Server) handlePauseRun(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Runs.PauseRun(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"run": res})
}

// handleResumeRun handles POST /v1/runs/{id}/resume.
func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Runs.ResumeRun(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"run": res})
}

// handleCallback handles POST /v1/runs/{id}/callback/{stepId}. The body
// is optional: a manual approval can be an empty POST with the secret.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		httputil.WriteError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	ack, err := s.cfg.Callbacks.Handle(r.Context(),
		r.PathValue("id"), r.PathValue("stepId"),
		payload, r.Header.Get(ingress.HeaderSecret), reqInfo(r))
	if err != nil {
		s.writeCallbackError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ack)
}

// handleCallbackItem handles POST /v1/runs/{id}/callback/{stepId}/item,
// the legacy single-item route: the body is the item itself and neither
// the expected total nor the seal flag can change through it.
func (s *Server) handleCallbackItem(w http.ResponseWriter, r *http.Request) {
	var item any
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		if errors.Is(err, io.EOF) {
			httputil.WriteError(w, http.StatusBadRequest, "item payload required")
			return
		}
		httputil.WriteError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	ack, err := s.cfg.Callbacks.HandleItem(r.Context(),
		r.PathValue("id"), r.PathValue("stepId"),
		item, r.Header.Get(ingress.HeaderSecret), reqInfo(r))
	if err != nil {
		s.writeCallbackError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ack)
}

func (s *Server) writeCallbackError(w http.ResponseWriter, err error) {
	if errors.Is(err, ingress.ErrRateLimited) {
		w.Header().Set("Retry-After", "1")
		httputil.WriteError(w, http.StatusTooManyRequests, err.Error())
		return
	}
	httputil.WriteDomainError(w, err)
}
