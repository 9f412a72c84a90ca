package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/futurefish/aquacore/internal/auth"
	"github.com/futurefish/aquacore/internal/bridge"
	"github.com/futurefish/aquacore/internal/infrastructure/config"
	"github.com/futurefish/aquacore/internal/infrastructure/logging"
)

func TestWSTicket_SingleUse(t *testing.T) {
	f := testServer(t)

	w := f.do(t, http.MethodPost, "/api/v1/auth/ws-ticket", token(t, ownerID, auth.RoleViewer), "")
	wantStatus(t, w, http.StatusOK)

	var resp struct {
		Ticket    string `json:"ticket"`
		ExpiresIn int    `json:"expires_in"`
	}
	decode(t, w, &resp)
	if resp.Ticket == "" || resp.ExpiresIn != int(ticketTTL.Seconds()) {
		t.Fatalf("ticket response = %+v", resp)
	}

	claims := f.srv.tickets.redeem(resp.Ticket, time.Now())
	if claims == nil || claims.UserID() != ownerID {
		t.Fatalf("first redeem = %+v, want claims for %s", claims, ownerID)
	}
	if f.srv.tickets.redeem(resp.Ticket, time.Now()) != nil {
		t.Error("ticket should not be valid on second use")
	}
}

func TestWSTicket_RequiresToken(t *testing.T) {
	f := testServer(t)

	w := f.do(t, http.MethodPost, "/api/v1/auth/ws-ticket", "", "")
	wantStatus(t, w, http.StatusUnauthorized)
}

func TestWSTicket_Expiry(t *testing.T) {
	ts := newTicketStore()
	now := time.Now()
	ticket := ts.issue(&auth.CustomClaims{Role: auth.RoleViewer}, now)

	if ts.redeem(ticket, now.Add(ticketTTL)) != nil {
		t.Error("expired ticket should not be valid")
	}

	stale := ts.issue(&auth.CustomClaims{Role: auth.RoleViewer}, now)
	ts.cleanExpired(now.Add(2 * ticketTTL))
	if ts.redeem(stale, now) != nil {
		t.Error("cleaned ticket should be gone")
	}
}

func newTestHub() *Hub {
	return NewHub(config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}, logging.Discard())
}

func newTestClient(hub *Hub, channels ...string) *subscriber {
	subs := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		subs[ch] = struct{}{}
	}
	c := &subscriber{
		hub:      hub,
		outbox:   make(chan []byte, wsSendBufferSize),
		channels: subs,
	}
	hub.add(c)
	return c
}

func receive(t *testing.T, c *subscriber) (WSMessage, bool) {
	t.Helper()
	select {
	case data := <-c.outbox:
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return msg, true
	case <-time.After(100 * time.Millisecond):
		return WSMessage{}, false
	}
}

func TestHub_NotifyFansOut(t *testing.T) {
	hub := newTestHub()
	all := newTestClient(hub, bridge.UpdateCommand)
	pond := newTestClient(hub, "pond:pond-1")
	dev := newTestClient(hub, "device:"+testDevice)
	otherPond := newTestClient(hub, "pond:pond-2")
	alerts := newTestClient(hub, bridge.UpdateAlert)

	hub.Notify(context.Background(), bridge.StatusUpdate{
		Kind:     bridge.UpdateCommand,
		ID:       "cmd-1",
		PondID:   "pond-1",
		DeviceID: testDevice,
		Status:   "ACKNOWLEDGED",
	})

	for name, c := range map[string]*subscriber{"kind": all, "pond": pond, "device": dev} {
		msg, ok := receive(t, c)
		if !ok {
			t.Errorf("%s subscriber got nothing", name)
			continue
		}
		if msg.Type != WSTypeEvent || msg.EventType != bridge.UpdateCommand {
			t.Errorf("%s subscriber got %+v", name, msg)
		}
	}
	if msg, ok := receive(t, pond); ok {
		t.Errorf("pond subscriber got a second message %+v", msg)
	}
	if _, ok := receive(t, otherPond); ok {
		t.Error("other pond subscriber should not receive the update")
	}
	if _, ok := receive(t, alerts); ok {
		t.Error("alert subscriber should not receive a command update")
	}
}

func TestHub_ClientCount(t *testing.T) {
	hub := newTestHub()

	if hub.ClientCount() != 0 {
		t.Errorf("initial client count = %d, want 0", hub.ClientCount())
	}
	c := newTestClient(hub)
	if hub.ClientCount() != 1 {
		t.Errorf("after register count = %d, want 1", hub.ClientCount())
	}
	hub.remove(c)
	hub.remove(c)
	if hub.ClientCount() != 0 {
		t.Errorf("after unregister count = %d, want 0", hub.ClientCount())
	}
}

func TestAuthorizeChannel(t *testing.T) {
	f := testServer(t)
	ctx := context.Background()
	owner := &auth.CustomClaims{Role: auth.RoleViewer}
	owner.Subject = ownerID
	admin := &auth.CustomClaims{Role: auth.RoleAdmin}
	admin.Subject = "root"

	tests := []struct {
		name    string
		claims  *auth.CustomClaims
		channel string
		wantErr bool
	}{
		{"own pond", owner, "pond:pond-1", false},
		{"foreign pond", owner, "pond:pond-9", true},
		{"missing pond", owner, "pond:nope", true},
		{"own device", owner, "device:" + testDevice, false},
		{"foreign device", owner, "device:" + otherDevice, true},
		{"kind channel as viewer", owner, bridge.UpdateExecution, true},
		{"kind channel as admin", admin, bridge.UpdateExecution, false},
		{"unknown channel", admin, "weather", true},
		{"no identity", nil, "pond:pond-1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.srv.authorizeChannel(ctx, tt.claims, tt.channel)
			if (err != nil) != tt.wantErr {
				t.Errorf("authorizeChannel(%q) error = %v, wantErr %v", tt.channel, err, tt.wantErr)
			}
		})
	}
}

// dialWS fetches a ticket for subject and opens a WebSocket to ts.
func dialWS(t *testing.T, ts *httptest.Server, subject string, role auth.Role) *websocket.Conn {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/auth/ws-ticket", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token(t, subject, role))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("ws-ticket request failed: %v", err)
	}
	defer resp.Body.Close()

	var ticket struct {
		Ticket string `json:"ticket"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ticket); err != nil {
		t.Fatalf("decode ticket: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws?ticket=" + ticket.Ticket
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	//nolint:errcheck // Test deadline
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	return ws
}

func TestWebSocket_SubscribeAndReceive(t *testing.T) {
	f := testServer(t)
	ts := httptest.NewServer(f.router)
	defer ts.Close()

	ws := dialWS(t, ts, ownerID, auth.RoleOperator)

	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Channels: []string{"pond:pond-1", "pond:pond-9", bridge.UpdateCommand}},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	var resp struct {
		Type    string `json:"type"`
		ID      string `json:"id"`
		Payload struct {
			Subscribed []string          `json:"subscribed"`
			Rejected   map[string]string `json:"rejected"`
		} `json:"payload"`
	}
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read subscribe response: %v", err)
	}
	if resp.Type != WSTypeResponse || resp.ID != "sub-1" {
		t.Errorf("response = %s %s", resp.Type, resp.ID)
	}
	if len(resp.Payload.Subscribed) != 1 || resp.Payload.Subscribed[0] != "pond:pond-1" {
		t.Errorf("subscribed = %v, want [pond:pond-1]", resp.Payload.Subscribed)
	}
	if len(resp.Payload.Rejected) != 2 {
		t.Errorf("rejected = %v, want pond:pond-9 and command", resp.Payload.Rejected)
	}

	f.srv.Hub().Notify(context.Background(), bridge.StatusUpdate{
		Kind:   bridge.UpdateExecution,
		ID:     "exec-1",
		PondID: "pond-9",
		Status: "EXECUTING",
	})
	f.srv.Hub().Notify(context.Background(), bridge.StatusUpdate{
		Kind:   bridge.UpdateExecution,
		ID:     "exec-2",
		PondID: "pond-1",
		Status: "COMPLETED",
	})

	var event struct {
		Type      string              `json:"type"`
		Channel   string              `json:"channel"`
		EventType string              `json:"event_type"`
		Payload   bridge.StatusUpdate `json:"payload"`
	}
	if err := ws.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if event.Type != WSTypeEvent || event.Channel != "pond:pond-1" || event.EventType != bridge.UpdateExecution {
		t.Errorf("event = %s %s %s", event.Type, event.Channel, event.EventType)
	}
	if event.Payload.ID != "exec-2" {
		t.Errorf("payload id = %q, want exec-2 (pond-9 update must not leak)", event.Payload.ID)
	}
}

func TestWebSocket_PingAndErrors(t *testing.T) {
	f := testServer(t)
	ts := httptest.NewServer(f.router)
	defer ts.Close()

	ws := dialWS(t, ts, ownerID, auth.RoleViewer)

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"ping", `{"type":"ping","id":"p-1"}`, WSTypePong},
		{"invalid json", `not json`, WSTypeError},
		{"unknown type", `{"type":"dance","id":"d-1"}`, WSTypeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(tt.raw)); err != nil {
				t.Fatalf("write: %v", err)
			}
			var resp WSMessage
			if err := ws.ReadJSON(&resp); err != nil {
				t.Fatalf("read: %v", err)
			}
			if resp.Type != tt.want {
				t.Errorf("response type = %s, want %s", resp.Type, tt.want)
			}
		})
	}
}

func TestWebSocket_RejectsMissingOrBadTicket(t *testing.T) {
	f := testServer(t)
	ts := httptest.NewServer(f.router)
	defer ts.Close()

	base := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	for _, url := range []string{base, base + "?ticket=invalid-ticket"} {
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			t.Fatalf("expected error dialing %s", url)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("dial %s: want 401, got %v", url, resp)
		}
	}
}
