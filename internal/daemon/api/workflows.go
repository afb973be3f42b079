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
	"net/http"

	"github.com/weftworks/weft/internal/daemon/httputil"
)

// handleListWorkflows handles GET /v1/workflows.
func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"workflows": s.cfg.Workflows.List(),
	})
}

// handleGetWorkflow handles GET /v1/workflows/{id}.
func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	pub, err := s.cfg.Workflows.Get(r.PathValue("id"))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, pub)
}
