package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/futurefish/aquacore/internal/audit"
	"github.com/futurefish/aquacore/internal/auth"
	"github.com/futurefish/aquacore/internal/automation"
	"github.com/futurefish/aquacore/internal/command"
)

// createScheduleRequest is the body of POST /ponds/{pondID}/schedules.
// Weekdays is a bitmask with bit 0 for Sunday; omitted means every day.
type createScheduleRequest struct {
	Name       string               `json:"name"`
	Action     string               `json:"action"`
	Parameters json.RawMessage      `json:"parameters"`
	TimeOfDay  string               `json:"time_of_day"`
	Weekdays   *automation.Weekdays `json:"weekdays"`
	Priority   automation.Priority  `json:"priority"`
	Enabled    *bool                `json:"enabled"`
}

// handleListSchedules returns a pond's schedules.
func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	pond, ok := s.authorizedPond(w, r, auth.PermPondRead)
	if !ok {
		return
	}
	schedules, err := s.coordinator.ListSchedules(r.Context(), pond.ID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules, "count": len(schedules)})
}

// handleCreateSchedule stores a recurring command for a pond.
func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	pond, ok := s.authorizedPond(w, r, auth.PermScheduleManage)
	if !ok {
		return
	}

	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	kind, err := command.ParseKind(req.Action)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	params, err := command.DecodeParams(kind, req.Parameters)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	sched := &automation.Schedule{
		PondID:    pond.ID,
		Name:      req.Name,
		Action:    kind,
		Params:    params,
		TimeOfDay: req.TimeOfDay,
		Weekdays:  automation.EveryDay,
		Priority:  req.Priority,
		Enabled:   true,
	}
	if req.Weekdays != nil {
		sched.Weekdays = *req.Weekdays
	}
	if req.Enabled != nil {
		sched.Enabled = *req.Enabled
	}
	if err := s.coordinator.CreateSchedule(r.Context(), sched); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.recordAudit(r, audit.Entry{
		Action:     audit.ActionScheduleCreate,
		EntityType: audit.EntitySchedule,
		EntityID:   sched.ID,
		PondID:     sched.PondID,
		Details:    map[string]any{"action": string(sched.Action), "time_of_day": sched.TimeOfDay},
	})
	writeJSON(w, http.StatusCreated, sched)
}

// handleGetSchedule returns one schedule.
func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.authorizedSchedule(w, r, auth.PermPondRead)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

// updateScheduleRequest is the body of PATCH /schedules/{id}.
type updateScheduleRequest struct {
	Enabled *bool `json:"enabled"`
}

// handleUpdateSchedule enables or disables a schedule.
func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.authorizedSchedule(w, r, auth.PermScheduleManage)
	if !ok {
		return
	}
	var req updateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Enabled == nil {
		writeBadRequest(w, "enabled is required")
		return
	}
	updated, err := s.coordinator.SetScheduleEnabled(r.Context(), sched.ID, *req.Enabled)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.recordAudit(r, audit.Entry{
		Action:     audit.ActionScheduleUpdate,
		EntityType: audit.EntitySchedule,
		EntityID:   sched.ID,
		PondID:     sched.PondID,
		Details:    map[string]any{"enabled": *req.Enabled},
	})
	writeJSON(w, http.StatusOK, updated)
}

// handleDeleteSchedule removes a schedule.
func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.authorizedSchedule(w, r, auth.PermScheduleManage)
	if !ok {
		return
	}
	if err := s.coordinator.DeleteSchedule(r.Context(), sched.ID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.recordAudit(r, audit.Entry{
		Action:     audit.ActionScheduleDelete,
		EntityType: audit.EntitySchedule,
		EntityID:   sched.ID,
		PondID:     sched.PondID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) authorizedSchedule(w http.ResponseWriter, r *http.Request, perm auth.Permission) (*automation.Schedule, bool) {
	sched, err := s.coordinator.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return nil, false
	}
	if _, ok := s.checkPond(w, r, sched.PondID, perm); !ok {
		return nil, false
	}
	return sched, true
}
