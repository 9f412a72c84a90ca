package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/futurefish/aquacore/internal/audit"
	"github.com/futurefish/aquacore/internal/auth"
	"github.com/futurefish/aquacore/internal/device"
)

// Message log paging limits.
const (
	defaultMessageLimit = 50
	maxMessageLimit     = 500
)

// handleListDevices returns the devices the caller can see. Admin and
// service roles see every controller; everyone else sees their own.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	devices, err := s.registry.ListDevices(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if !claims.Role.BypassesOwnership() {
		owned := devices[:0]
		for _, d := range devices {
			if d.OwnerID == claims.UserID() {
				owned = append(owned, d)
			}
		}
		devices = owned
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleCreateDevice registers a controller and its ponds.
func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var d device.Device
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if err := s.registry.Register(r.Context(), &d); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	created, err := s.registry.GetDevice(r.Context(), d.ID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.recordAudit(r, audit.Entry{
		Action:     audit.ActionDeviceRegister,
		EntityType: audit.EntityDevice,
		EntityID:   created.ID,
		Details:    map[string]any{"ponds": len(created.Ponds)},
	})
	writeJSON(w, http.StatusCreated, created)
}

// handleGetDevice returns one controller with its ponds.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.authorizedDevice(w, r, auth.PermPondRead)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// updateDeviceRequest is the body of PATCH /devices/{id}.
type updateDeviceRequest struct {
	Name *string `json:"name"`
}

// handleUpdateDevice renames a controller.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Name == nil {
		writeBadRequest(w, "name is required")
		return
	}
	if err := s.registry.RenameDevice(r.Context(), id, *req.Name); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.recordAudit(r, audit.Entry{
		Action:     audit.ActionDeviceRename,
		EntityType: audit.EntityDevice,
		EntityID:   id,
		Details:    map[string]any{"name": *req.Name},
	})
	d, err := s.registry.GetDevice(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleDeleteDevice removes a controller and its ponds.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.registry.DeleteDevice(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.recordAudit(r, audit.Entry{
		Action:     audit.ActionDeviceDelete,
		EntityType: audit.EntityDevice,
		EntityID:   id,
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleGetDeviceStatus returns the controller's live status. A registered
// controller that never reported is returned as offline.
func (s *Server) handleGetDeviceStatus(w http.ResponseWriter, r *http.Request) {
	d, ok := s.authorizedDevice(w, r, auth.PermPondRead)
	if !ok {
		return
	}
	st, err := s.status.Get(r.Context(), d.ID)
	if errors.Is(err, device.ErrDeviceNotFound) {
		st = device.Status{DeviceID: d.ID}
	} else if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleListDeviceMessages returns the newest bridge log entries for a
// controller, both directions.
//
// Query parameters:
//   - limit: number of entries (default 50, max 500)
func (s *Server) handleListDeviceMessages(w http.ResponseWriter, r *http.Request) {
	d, ok := s.authorizedDevice(w, r, auth.PermPondRead)
	if !ok {
		return
	}
	if s.messageLog == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "message log is not enabled")
		return
	}
	limit, err := parseLimit(r, defaultMessageLimit, maxMessageLimit)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	entries, err := s.messageLog.ListByDevice(r.Context(), d.ID, limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": entries, "count": len(entries)})
}

// authorizedDevice loads the {id} controller and checks perm against its
// owner, writing the error response when either fails.
func (s *Server) authorizedDevice(w http.ResponseWriter, r *http.Request, perm auth.Permission) (*device.Device, bool) {
	d, err := s.registry.GetDevice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return nil, false
	}
	if err := claimsFrom(r.Context()).Authorize(perm, d.OwnerID); err != nil {
		s.writeDomainError(w, r, err)
		return nil, false
	}
	return d, true
}

// handleBridgeHealth reports message bus connectivity.
func (s *Server) handleBridgeHealth(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "bus is not configured")
		return
	}
	h, err := s.bus.Status(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"health": h,
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// parseLimit reads the limit query parameter.
func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxLimit), nil
}
