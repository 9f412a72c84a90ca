package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/futurefish/aquacore/internal/audit"
	"github.com/futurefish/aquacore/internal/auth"
	"github.com/futurefish/aquacore/internal/automation"
	"github.com/futurefish/aquacore/internal/command"
)

// handleListExecutions returns a pond's newest executions.
//
// Query parameters:
//   - limit: number of executions (default 50, max 500)
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	pond, ok := s.authorizedPond(w, r, auth.PermPondRead)
	if !ok {
		return
	}
	limit, err := parseLimit(r, defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	execs, err := s.coordinator.ListExecutions(r.Context(), pond.ID, limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs, "count": len(execs)})
}

// executionResponse is an execution with the commands it owns.
type executionResponse struct {
	*automation.Execution
	Commands []command.Command `json:"commands"`
}

// handleGetExecution returns one execution and its commands.
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.authorizedExecution(w, r, auth.PermPondRead)
	if !ok {
		return
	}
	cmds, err := s.commands.ListByExecution(r.Context(), exec.ID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if cmds == nil {
		cmds = []command.Command{}
	}
	writeJSON(w, http.StatusOK, executionResponse{Execution: exec, Commands: cmds})
}

// cancelExecutionRequest is the optional body of POST /executions/{id}/cancel.
type cancelExecutionRequest struct {
	Reason string `json:"reason"`
}

// handleCancelExecution cancels a deferred execution. Started executions
// cannot be cancelled and return 409.
func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.authorizedExecution(w, r, auth.PermPondOperate)
	if !ok {
		return
	}
	var req cancelExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled by " + claimsFrom(r.Context()).UserID()
	}
	cancelled, err := s.coordinator.Cancel(r.Context(), exec.ID, req.Reason)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.recordAudit(r, audit.Entry{
		Action:     audit.ActionExecutionCancel,
		EntityType: audit.EntityExecution,
		EntityID:   exec.ID,
		PondID:     exec.PondID,
		Details:    map[string]any{"reason": req.Reason},
	})
	writeJSON(w, http.StatusOK, cancelled)
}

func (s *Server) authorizedExecution(w http.ResponseWriter, r *http.Request, perm auth.Permission) (*automation.Execution, bool) {
	exec, err := s.coordinator.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return nil, false
	}
	if _, ok := s.checkPond(w, r, exec.PondID, perm); !ok {
		return nil, false
	}
	return exec, true
}
