package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/futurefish/aquacore/internal/audit"
	"github.com/futurefish/aquacore/internal/auth"
	"github.com/futurefish/aquacore/internal/automation"
	"github.com/futurefish/aquacore/internal/bridge"
	"github.com/futurefish/aquacore/internal/command"
	"github.com/futurefish/aquacore/internal/device"
	"github.com/futurefish/aquacore/internal/infrastructure/config"
	"github.com/futurefish/aquacore/internal/infrastructure/database/dbtest"
	"github.com/futurefish/aquacore/internal/infrastructure/logging"
	"github.com/futurefish/aquacore/internal/threshold"
)

const (
	testSecret = "test-secret-key-at-least-32-characters-long"

	ownerID     = "owner-1"
	strangerID  = "owner-2"
	testDevice  = "AA:BB:CC:DD:EE:FF"
	otherDevice = "AA:BB:CC:DD:EE:00"
)

// testFixture is a Server wired to real stores on a throwaway database.
// Commands go out on an in-memory bus nobody consumes.
type testFixture struct {
	srv      *Server
	router   http.Handler
	registry *device.Registry
	status   *device.MemoryStatusStore
	tracker  *command.Tracker
	coord    *automation.Coordinator
	bus      *bridge.MemoryBus
	msgLog   *bridge.SQLiteMessageLog
	audit    *audit.SQLiteRepository
}

// testServer registers two controllers: testDevice (pond-1 and pond-2)
// owned by ownerID and otherDevice (pond-9) owned by strangerID.
func testServer(t *testing.T) *testFixture {
	t.Helper()
	ctx := context.Background()
	db := dbtest.Open(t)

	registry := device.NewRegistry(device.NewSQLiteRepository(db))
	for _, d := range []*device.Device{
		{
			ID:      testDevice,
			Name:    "North controller",
			OwnerID: ownerID,
			Ponds: []device.Pond{
				{ID: "pond-1", Position: 1, Name: "Koi"},
				{ID: "pond-2", Position: 2, Name: "Tilapia"},
			},
		},
		{
			ID:      otherDevice,
			OwnerID: strangerID,
			Ponds:   []device.Pond{{ID: "pond-9", Position: 1}},
		},
	} {
		if err := registry.Register(ctx, d); err != nil {
			t.Fatalf("registering %s: %v", d.ID, err)
		}
	}

	bus := bridge.NewMemoryBus()
	t.Cleanup(func() { bus.Close() }) //nolint:errcheck // Test cleanup

	tracker := command.NewTracker(command.NewSQLiteRepository(db), bus,
		command.Config{TimeoutSeconds: 10, MaxRetries: 0, QoS: 1})
	coord := automation.NewCoordinator(automation.NewStore(db), tracker, registry,
		automation.Config{ConflictBackoff: time.Minute})
	evaluator := threshold.NewEvaluator(db, coord, registry)
	status := device.NewMemoryStatusStore()
	msgLog := bridge.NewSQLiteMessageLog(db)
	auditLog := audit.NewSQLiteRepository(db)

	log := logging.Discard()
	srv, err := New(Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Security: config.SecurityConfig{
			JWT: config.JWTConfig{
				Secret:         testSecret,
				AccessTokenTTL: 15,
			},
		},
		Logger:      log,
		Registry:    registry,
		Status:      status,
		Coordinator: coord,
		Commands:    tracker,
		Thresholds:  evaluator,
		DB:          db,
		MessageLog:  msgLog,
		Audit:       auditLog,
		Bus:         bus,
		Version:     "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	return &testFixture{
		srv:      srv,
		router:   srv.buildRouter(),
		registry: registry,
		status:   status,
		tracker:  tracker,
		coord:    coord,
		bus:      bus,
		msgLog:   msgLog,
		audit:    auditLog,
	}
}

// token signs an access token for subject with role.
func token(t *testing.T, subject string, role auth.Role) string {
	t.Helper()
	tok, err := auth.GenerateAccessToken(subject, role, testSecret, time.Minute)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error: %v", err)
	}
	return tok
}

// do sends a request through the router. An empty bearer sends no
// Authorization header.
func (f *testFixture) do(t *testing.T, method, path, bearer, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

// decode unmarshals a response body into v.
func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
}

// wantStatus fails the test when the response code differs.
func wantStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, want, w.Body.String())
	}
}
