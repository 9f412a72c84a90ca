package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/futurefish/aquacore/internal/audit"
	"github.com/futurefish/aquacore/internal/auth"
	"github.com/futurefish/aquacore/internal/automation"
	"github.com/futurefish/aquacore/internal/command"
	"github.com/futurefish/aquacore/internal/threshold"
)

// saveThresholdRequest is the body of PUT /ponds/{pondID}/thresholds/{parameter}.
type saveThresholdRequest struct {
	Upper            float64              `json:"upper_threshold"`
	Lower            float64              `json:"lower_threshold"`
	Action           string               `json:"automation_action"`
	ActionParams     json.RawMessage      `json:"action_parameters"`
	Priority         automation.Priority  `json:"priority"`
	AlertLevel       threshold.AlertLevel `json:"alert_level"`
	ViolationTimeout int                  `json:"violation_timeout"`
	MaxViolations    int                  `json:"max_violations"`
	Active           *bool                `json:"active"`
}

// handleListThresholds returns a pond's thresholds.
func (s *Server) handleListThresholds(w http.ResponseWriter, r *http.Request) {
	pond, ok := s.authorizedPond(w, r, auth.PermPondRead)
	if !ok {
		return
	}
	list, err := s.thresholds.List(r.Context(), pond.ID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"thresholds": list, "count": len(list)})
}

// handleSaveThreshold creates or replaces the threshold for one parameter.
// Active thresholds are pushed to the controller; a failed push is reported
// in the response but does not undo the save.
func (s *Server) handleSaveThreshold(w http.ResponseWriter, r *http.Request) {
	pond, ok := s.authorizedPond(w, r, auth.PermThresholdManage)
	if !ok {
		return
	}
	param, err := threshold.ParseParameter(chi.URLParam(r, "parameter"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	var req saveThresholdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	t := &threshold.Threshold{
		PondID:           pond.ID,
		Parameter:        param,
		Upper:            req.Upper,
		Lower:            req.Lower,
		Priority:         req.Priority,
		AlertLevel:       req.AlertLevel,
		ViolationTimeout: req.ViolationTimeout,
		MaxViolations:    req.MaxViolations,
		Active:           req.Active == nil || *req.Active,
	}
	if req.Action != "" && req.Action != string(threshold.ActionAlert) {
		kind, err := command.ParseKind(req.Action)
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		t.Action = kind
		if len(req.ActionParams) > 0 {
			if t.ActionParams, err = command.DecodeParams(kind, req.ActionParams); err != nil {
				s.writeDomainError(w, r, err)
				return
			}
		}
	}

	saved, err := s.thresholds.Save(r.Context(), t, claimsFrom(r.Context()).UserID())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.recordAudit(r, audit.Entry{
		Action:     audit.ActionThresholdSave,
		EntityType: audit.EntityThreshold,
		EntityID:   saved.Threshold.ID,
		PondID:     pond.ID,
		Details:    map[string]any{"parameter": string(param), "created": saved.Created},
	})

	status := http.StatusOK
	if saved.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, saved)
}

// handleGetViolation returns the running breach streak of one parameter.
func (s *Server) handleGetViolation(w http.ResponseWriter, r *http.Request) {
	pond, ok := s.authorizedPond(w, r, auth.PermPondRead)
	if !ok {
		return
	}
	param, err := threshold.ParseParameter(chi.URLParam(r, "parameter"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	v, err := s.thresholds.Violation(r.Context(), pond.ID, param)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleDeleteThreshold removes a threshold and its violation streak.
func (s *Server) handleDeleteThreshold(w http.ResponseWriter, r *http.Request) {
	t, err := s.thresholds.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if _, ok := s.checkPond(w, r, t.PondID, auth.PermThresholdManage); !ok {
		return
	}
	if err := s.thresholds.Delete(r.Context(), t.ID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.recordAudit(r, audit.Entry{
		Action:     audit.ActionThresholdDelete,
		EntityType: audit.EntityThreshold,
		EntityID:   t.ID,
		PondID:     t.PondID,
		Details:    map[string]any{"parameter": string(t.Parameter)},
	})
	w.WriteHeader(http.StatusNoContent)
}
