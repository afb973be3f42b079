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
	"net/http"
	"time"

	"github.com/weftworks/weft/internal/daemon/httputil"
	"github.com/weftworks/weft/internal/engine/store"
	"github.com/weftworks/weft/internal/engine/task"
)

// handleListTasks handles GET /v1/tasks.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TaskFilter{
		RunID:           q.Get("runId"),
		ParentID:        q.Get("parentId"),
		StepID:          q.Get("stepId"),
		TaskTypes:       splitMulti(q["type"]),
		Tags:            splitMulti(q["tag"]),
		Assignee:        q.Get("assignee"),
		Text:            q.Get("q"),
		IncludeArchived: queryBool(q, "includeArchived"),
	}
	for _, v := range splitMulti(q["status"]) {
		ts := store.TaskStatus(v)
		if !ts.Valid() {
			httputil.WriteError(w, http.StatusBadRequest, "unknown task status: "+v)
			return
		}
		filter.Statuses = append(filter.Statuses, ts)
	}

	tasks, total, err := s.cfg.Tasks.List(r.Context(), filter, parsePage(q))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"tasks": tasks,
		"total": total,
	})
}

// handleGetTask handles GET /v1/tasks/{id}.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.cfg.Tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"task": t})
}

// patchTaskRequest is the PATCH /v1/tasks/{id} body. Field pointers
// distinguish "set to zero value" from "leave alone".
type patchTaskRequest struct {
	Title            *string        `json:"title"`
	Summary          *string        `json:"summary"`
	ExtraPrompt      *string        `json:"extraPrompt"`
	Urgency          *store.Urgency `json:"urgency"`
	Assignee         *string        `json:"assignee"`
	Tags             *[]string      `json:"tags"`
	ParentID         *string        `json:"parentId"`
	DueAt            *time.Time     `json:"dueAt"`
	ClearDueAt       bool           `json:"clearDueAt"`
	ExpectedQuantity *int64         `json:"expectedQuantity"`
	Metadata         map[string]any `json:"metadata"`

	Archived *bool `json:"archived"`

	// Status moves the task; the auxiliary fields ride along with it.
	Status         string         `json:"status"`
	Error          string         `json:"error"`
	Output         map[string]any `json:"output"`
	DecisionResult string         `json:"decisionResult"`
}

func (p *patchTaskRequest) hasUpdate() bool {
	return p.Title != nil || p.Summary != nil || p.ExtraPrompt != nil ||
		p.Urgency != nil || p.Assignee != nil || p.Tags != nil ||
		p.ParentID != nil || p.DueAt != nil || p.ClearDueAt ||
		p.ExpectedQuantity != nil || len(p.Metadata) > 0
}

// handlePatchTask handles PATCH /v1/tasks/{id}. One PATCH may combine a
// field update, a status change and an archive flip; they apply in that
// order so "complete and archive" works in a single request.
func (s *Server) handlePatchTask(w http.ResponseWriter, r *http.Request) {
	var req patchTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if !req.hasUpdate() && req.Status == "" && req.Archived == nil {
		httputil.WriteError(w, http.StatusBadRequest, "empty patch: no recognized fields")
		return
	}

	id := r.PathValue("id")
	actor := actorFrom(r)
	var t *store.Task

	if req.hasUpdate() {
		var err error
		t, err = s.cfg.Tasks.Update(r.Context(), id, task.UpdateRequest{
			Title:            req.Title,
			Summary:          req.Summary,
			ExtraPrompt:      req.ExtraPrompt,
			Urgency:          req.Urgency,
			Assignee:         req.Assignee,
			Tags:             req.Tags,
			ParentID:         req.ParentID,
			DueAt:            req.DueAt,
			ClearDueAt:       req.ClearDueAt,
			ExpectedQuantity: req.ExpectedQuantity,
			Metadata:         req.Metadata,
		}, actor)
		if err != nil {
			httputil.WriteDomainError(w, err)
			return
		}
	}

	if req.Status != "" {
		var err error
		t, err = s.cfg.Tasks.Transition(r.Context(), id, task.TransitionRequest{
			To:             store.TaskStatus(req.Status),
			Error:          req.Error,
			Output:         req.Output,
			DecisionResult: req.DecisionResult,
			Actor:          actor,
		})
		if err != nil {
			httputil.WriteDomainError(w, err)
			return
		}
	}

	if req.Archived != nil {
		var err error
		t, err = s.cfg.Tasks.Archive(r.Context(), id, *req.Archived, actor)
		if err != nil {
			httputil.WriteDomainError(w, err)
			return
		}
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{"task": t})
}

// handleTaskTree handles GET /v1/tasks/{id}/tree.
func (s *Server) handleTaskTree(w http.ResponseWriter, r *http.Request) {
	depth := int(queryInt64(r.URL.Query(), "depth", 0))
	tree, err := s.cfg.Tasks.BuildTree(r.Context(), r.PathValue("id"), depth)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, tree)
}

// handleTaskActivity handles GET /v1/tasks/{id}/activity.
func (s *Server) handleTaskActivity(w http.ResponseWriter, r *http.Request) {
	entries, err := s.cfg.Tasks.Activity(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleAddComment handles POST /v1/tasks/{id}/comments.
func (s *Server) handleAddComment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Comment string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	id := r.PathValue("id")
	if err := s.cfg.Tasks.AddComment(r.Context(), id, body.Comment, actorFrom(r)); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]any{"taskId": id})
}
