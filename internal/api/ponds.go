package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/futurefish/aquacore/internal/audit"
	"github.com/futurefish/aquacore/internal/auth"
	"github.com/futurefish/aquacore/internal/automation"
	"github.com/futurefish/aquacore/internal/command"
	"github.com/futurefish/aquacore/internal/device"
)

// Listing limits for pond history.
const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// authorizedPond loads the {pondID} pond and checks perm against its owner,
// writing the error response when either fails.
func (s *Server) authorizedPond(w http.ResponseWriter, r *http.Request, perm auth.Permission) (*device.Pond, bool) {
	return s.checkPond(w, r, chi.URLParam(r, "pondID"), perm)
}

// checkPond is authorizedPond for a pond ID taken from a stored record.
func (s *Server) checkPond(w http.ResponseWriter, r *http.Request, pondID string, perm auth.Permission) (*device.Pond, bool) {
	pond, err := s.registry.GetPond(r.Context(), pondID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return nil, false
	}
	if err := claimsFrom(r.Context()).Authorize(perm, pond.OwnerID); err != nil {
		s.writeDomainError(w, r, err)
		return nil, false
	}
	return pond, true
}

// handleGetPond returns a pond with its controller's live status.
func (s *Server) handleGetPond(w http.ResponseWriter, r *http.Request) {
	pond, ok := s.authorizedPond(w, r, auth.PermPondRead)
	if !ok {
		return
	}
	st, err := s.status.Get(r.Context(), pond.DeviceID)
	if errors.Is(err, device.ErrDeviceNotFound) {
		st = device.Status{DeviceID: pond.DeviceID}
	} else if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pond": pond, "device_status": st})
}

// submitCommandRequest is the body of POST /ponds/{pondID}/commands.
type submitCommandRequest struct {
	CommandType string          `json:"command_type"`
	Parameters  json.RawMessage `json:"parameters"`
}

// submitCommandResponse reports an admitted or refused manual command.
type submitCommandResponse struct {
	Execution *automation.Execution `json:"execution"`
	Decision  automation.Decision   `json:"decision"`
	Commands  []*command.Command    `json:"commands"`
}

// busyResponse is the 409 body when the pond is busy with a conflicting
// execution.
type busyResponse struct {
	Error
	Execution *automation.Execution `json:"execution,omitempty"`
	BlockedBy *automation.Execution `json:"blocked_by,omitempty"`
}

// handleSubmitCommand validates a manual command and hands it to the
// coordinator. Manual commands are never queued behind a conflicting
// execution; the caller gets 409 and can retry.
func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	pond, ok := s.authorizedPond(w, r, auth.PermPondOperate)
	if !ok {
		return
	}

	var req submitCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	kind, err := command.ParseKind(req.CommandType)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	params, err := command.DecodeParams(kind, req.Parameters)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	res, err := s.coordinator.Request(r.Context(), automation.Request{
		PondID:      pond.ID,
		Action:      kind,
		Params:      params,
		Origin:      automation.OriginManual,
		RequestedBy: claimsFrom(r.Context()).UserID(),
	})
	switch {
	case errors.Is(err, automation.ErrBusy) && res != nil:
		writeJSON(w, http.StatusConflict, busyResponse{
			Error: Error{
				Status:  http.StatusConflict,
				Code:    ErrCodeConflict,
				Message: err.Error(),
			},
			Execution: res.Execution,
			BlockedBy: res.Decision.BlockedBy,
		})
		return
	case err != nil:
		s.writeDomainError(w, r, err)
		return
	}

	s.recordAudit(r, audit.Entry{
		Action:     audit.ActionCommandSubmit,
		EntityType: audit.EntityExecution,
		EntityID:   res.Execution.ID,
		PondID:     pond.ID,
		Details:    map[string]any{"command_type": string(kind), "status": string(res.Execution.Status)},
	})

	cmds := res.Commands
	if cmds == nil {
		cmds = []*command.Command{}
	}
	writeJSON(w, http.StatusOK, submitCommandResponse{
		Execution: res.Execution,
		Decision:  res.Decision,
		Commands:  cmds,
	})
}

// handleListPondCommands returns a pond's newest commands.
//
// Query parameters:
//   - limit: number of commands (default 50, max 500)
func (s *Server) handleListPondCommands(w http.ResponseWriter, r *http.Request) {
	pond, ok := s.authorizedPond(w, r, auth.PermPondRead)
	if !ok {
		return
	}
	limit, err := parseLimit(r, defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	cmds, err := s.commands.ListByPond(r.Context(), pond.ID, limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": cmds, "count": len(cmds)})
}

// handleGetCommand returns one command's status.
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.commands.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if _, ok := s.checkPond(w, r, cmd.PondID, auth.PermPondRead); !ok {
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}
