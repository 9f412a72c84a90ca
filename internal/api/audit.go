package api

import (
	"net/http"
	"strconv"

	"github.com/futurefish/aquacore/internal/audit"
	"github.com/futurefish/aquacore/internal/auth"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 200
)

// recordAudit stores e with the caller as user. A failed write is logged
// and never fails the request that triggered it.
func (s *Server) recordAudit(r *http.Request, e audit.Entry) {
	if s.audit == nil {
		return
	}
	if claims := claimsFrom(r.Context()); claims != nil {
		e.UserID = claims.UserID()
	}
	e.Source = audit.SourceAPI
	if err := s.audit.Create(r.Context(), &e); err != nil {
		s.logger.Warn("audit write failed",
			"action", e.Action, "entity_id", e.EntityID, "request_id", r.Context().Value(ctxKeyRequestID), "error", err)
	}
}

// handleListAudit returns the site-wide audit trail.
//
// Query parameters: action, entity_type, entity_id, pond_id, user_id,
// limit (default 50, max 200), offset.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.listAudit(w, r, audit.Filter{
		Action:     q.Get("action"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		PondID:     q.Get("pond_id"),
		UserID:     q.Get("user_id"),
	})
}

// handleListPondAudit returns the audit trail of one pond to its owner.
func (s *Server) handleListPondAudit(w http.ResponseWriter, r *http.Request) {
	pond, ok := s.authorizedPond(w, r, auth.PermPondRead)
	if !ok {
		return
	}
	q := r.URL.Query()
	s.listAudit(w, r, audit.Filter{
		Action:     q.Get("action"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		PondID:     pond.ID,
	})
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request, f audit.Filter) {
	if s.audit == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "audit log is not enabled")
		return
	}
	limit, err := parseLimit(r, defaultAuditLimit, maxAuditLimit)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	f.Limit = limit
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if f.Offset, err = strconv.Atoi(raw); err != nil || f.Offset < 0 {
			writeBadRequest(w, "offset must be a non-negative integer")
			return
		}
	}

	res, err := s.audit.List(r.Context(), f)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
