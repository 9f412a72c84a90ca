package api

import (
	"net/http"
	"testing"

	"github.com/futurefish/aquacore/internal/audit"
	"github.com/futurefish/aquacore/internal/auth"
)

func TestAudit_RecordsOperatorActions(t *testing.T) {
	f := testServer(t)
	owner := token(t, ownerID, auth.RoleOperator)

	w := f.do(t, http.MethodPost, "/api/v1/ponds/pond-1/commands", owner,
		`{"command_type":"FEED","parameters":{"amount":50}}`)
	wantStatus(t, w, http.StatusOK)

	w = f.do(t, http.MethodPut, "/api/v1/ponds/pond-2/thresholds/temperature", owner,
		`{"upper_threshold":28,"lower_threshold":18}`)
	wantStatus(t, w, http.StatusCreated)

	// Refused requests leave no trace.
	w = f.do(t, http.MethodPost, "/api/v1/ponds/pond-1/commands", owner, `{"command_type":"NOPE"}`)
	wantStatus(t, w, http.StatusBadRequest)

	w = f.do(t, http.MethodGet, "/api/v1/audit", token(t, "root", auth.RoleAdmin), "")
	wantStatus(t, w, http.StatusOK)
	var all audit.ListResult
	decode(t, w, &all)
	if all.Total != 2 {
		t.Fatalf("total = %d, want 2: %+v", all.Total, all.Entries)
	}
	newest := all.Entries[0]
	if newest.Action != audit.ActionThresholdSave || newest.PondID != "pond-2" || newest.UserID != ownerID {
		t.Errorf("newest entry = %+v", newest)
	}
	if newest.Source != audit.SourceAPI {
		t.Errorf("source = %q, want %q", newest.Source, audit.SourceAPI)
	}

	w = f.do(t, http.MethodGet, "/api/v1/audit?action=command.submit", token(t, "root", auth.RoleAdmin), "")
	wantStatus(t, w, http.StatusOK)
	var submits audit.ListResult
	decode(t, w, &submits)
	if submits.Total != 1 || submits.Entries[0].Details["command_type"] != "FEED" {
		t.Errorf("submits = %+v", submits.Entries)
	}
}

func TestAudit_PondScopeAndPermissions(t *testing.T) {
	f := testServer(t)
	owner := token(t, ownerID, auth.RoleOperator)

	w := f.do(t, http.MethodPost, "/api/v1/ponds/pond-1/commands", owner,
		`{"command_type":"FEED","parameters":{"amount":50}}`)
	wantStatus(t, w, http.StatusOK)
	w = f.do(t, http.MethodPost, "/api/v1/ponds/pond-2/commands", owner,
		`{"command_type":"FEED","parameters":{"amount":50}}`)
	wantStatus(t, w, http.StatusOK)

	w = f.do(t, http.MethodGet, "/api/v1/ponds/pond-1/audit", token(t, ownerID, auth.RoleViewer), "")
	wantStatus(t, w, http.StatusOK)
	var pond audit.ListResult
	decode(t, w, &pond)
	if pond.Total != 1 || pond.Entries[0].PondID != "pond-1" {
		t.Errorf("pond audit = %+v", pond.Entries)
	}

	tests := []struct {
		name   string
		path   string
		bearer string
		want   int
	}{
		{"stranger reads pond audit", "/api/v1/ponds/pond-1/audit", token(t, strangerID, auth.RoleViewer), http.StatusForbidden},
		{"operator reads site audit", "/api/v1/audit", owner, http.StatusForbidden},
		{"bad limit", "/api/v1/ponds/pond-1/audit?limit=0", owner, http.StatusBadRequest},
		{"bad offset", "/api/v1/ponds/pond-1/audit?offset=-1", owner, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodGet, tt.path, tt.bearer, "")
			wantStatus(t, w, tt.want)
		})
	}
}

func TestAudit_Disabled(t *testing.T) {
	f := testServer(t)
	f.srv.audit = nil

	w := f.do(t, http.MethodPost, "/api/v1/ponds/pond-1/commands", token(t, ownerID, auth.RoleOperator),
		`{"command_type":"FEED","parameters":{"amount":50}}`)
	wantStatus(t, w, http.StatusOK)

	w = f.do(t, http.MethodGet, "/api/v1/audit", token(t, "root", auth.RoleAdmin), "")
	wantStatus(t, w, http.StatusNotFound)
}
