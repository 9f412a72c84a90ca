package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/futurefish/aquacore/internal/auth"
	"github.com/futurefish/aquacore/internal/bridge"
	"github.com/futurefish/aquacore/internal/infrastructure/config"
	"github.com/futurefish/aquacore/internal/infrastructure/logging"
)

// Frame types exchanged with dashboard clients.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

const (
	// wsSendBufferSize is how many frames may queue for one slow client
	// before further updates to it are dropped.
	wsSendBufferSize = 256

	// Per-resource channel prefixes. Kind channels ("command", "execution",
	// "alert", "device") carry every update and are limited to roles that
	// see all ponds.
	channelPondPrefix   = "pond:"
	channelDevicePrefix = "device:"

	// subscribeTimeout bounds the registry lookups behind a subscription check.
	subscribeTimeout = 5 * time.Second
)

var errUnknownChannel = errors.New("unknown channel")

// WSMessage is one frame on the dashboard socket, in either direction.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Channel   string `json:"channel,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload lists the channels of a subscribe or unsubscribe frame.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// ChannelAuthorizer decides whether claims may subscribe to channel.
type ChannelAuthorizer func(ctx context.Context, claims *auth.CustomClaims, channel string) error

// Hub tracks dashboard connections and fans status updates out to them.
// It implements notify.Notifier.
type Hub struct {
	cfg         config.WebSocketConfig
	logger      *logging.Logger
	subscribers map[*subscriber]struct{}
	authorize   ChannelAuthorizer
	mu          sync.RWMutex
}

// subscriber is one connected dashboard.
type subscriber struct {
	hub    *Hub
	conn   *websocket.Conn
	outbox chan []byte
	claims *auth.CustomClaims

	mu       sync.RWMutex
	channels map[string]struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CORS middleware has already vetted the origin.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// NewHub creates an empty hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:         cfg,
		logger:      logger,
		subscribers: make(map[*subscriber]struct{}),
	}
}

// SetAuthorizer installs the subscription check. Without one, every
// subscription is accepted.
func (h *Hub) SetAuthorizer(fn ChannelAuthorizer) {
	h.mu.Lock()
	h.authorize = fn
	h.mu.Unlock()
}

// Run blocks until ctx is cancelled, then drops every connection.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.disconnectAll()
}

func (h *Hub) add(s *subscriber) {
	h.mu.Lock()
	h.subscribers[s] = struct{}{}
	n := len(h.subscribers)
	h.mu.Unlock()
	h.logger.Debug("dashboard connected", "clients", n)
}

// remove forgets s. Whoever deletes the map entry closes the outbox, so a
// racing disconnectAll and read-loop exit never close it twice.
func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	_, present := h.subscribers[s]
	delete(h.subscribers, s)
	n := len(h.subscribers)
	h.mu.Unlock()

	if present {
		close(s.outbox)
		h.logger.Debug("dashboard disconnected", "clients", n)
	}
}

// Broadcast sends payload to everyone subscribed to channel.
func (h *Hub) Broadcast(channel string, payload any) {
	h.publish(channel, channel, payload)
}

// Notify relays a status update on its kind channel and on the pond and
// device channels it concerns.
func (h *Hub) Notify(_ context.Context, update bridge.StatusUpdate) {
	h.publish(update.Kind, update.Kind, update)
	if update.PondID != "" {
		h.publish(channelPondPrefix+update.PondID, update.Kind, update)
	}
	if update.DeviceID != "" {
		h.publish(channelDevicePrefix+update.DeviceID, update.Kind, update)
	}
}

func (h *Hub) publish(channel, eventType string, payload any) {
	frame, err := encodeFrame(WSMessage{
		Type:      WSTypeEvent,
		Channel:   channel,
		EventType: eventType,
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("encoding dashboard event", "channel", channel, "error", err)
		return
	}

	delivered := 0
	for _, s := range h.snapshot() {
		if s.follows(channel) {
			s.offer(frame)
			delivered++
		}
	}
	if delivered > 0 {
		h.logger.Debug("dashboard event sent", "channel", channel, "recipients", delivered)
	}
}

// snapshot copies the subscriber set so delivery never holds the hub lock
// while taking a subscriber lock.
func (h *Hub) snapshot() []*subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*subscriber, 0, len(h.subscribers))
	for s := range h.subscribers {
		out = append(out, s)
	}
	return out
}

// ClientCount returns the number of connected dashboards.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func (h *Hub) disconnectAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subscribers {
		close(s.outbox)
		if s.conn != nil {
			s.conn.Close()
		}
		delete(h.subscribers, s)
	}
}

// authorizeChannel allows kind channels to roles that see every pond and
// per-pond or per-device channels to their owners.
func (s *Server) authorizeChannel(ctx context.Context, claims *auth.CustomClaims, channel string) error {
	if claims == nil {
		return auth.ErrForbidden
	}
	switch {
	case strings.HasPrefix(channel, channelPondPrefix):
		pond, err := s.registry.GetPond(ctx, strings.TrimPrefix(channel, channelPondPrefix))
		if err != nil {
			return err
		}
		return claims.Authorize(auth.PermPondRead, pond.OwnerID)
	case strings.HasPrefix(channel, channelDevicePrefix):
		dev, err := s.registry.GetDevice(ctx, strings.TrimPrefix(channel, channelDevicePrefix))
		if err != nil {
			return err
		}
		return claims.Authorize(auth.PermPondRead, dev.OwnerID)
	}
	switch channel {
	case bridge.UpdateCommand, bridge.UpdateExecution, bridge.UpdateAlert, bridge.UpdateDevice:
		if !claims.Role.BypassesOwnership() {
			return auth.ErrForbidden
		}
		return nil
	default:
		return errUnknownChannel
	}
}

// handleWebSocket upgrades a dashboard connection. Browsers cannot set an
// Authorization header on the upgrade, so identity comes from a one-time
// ticket issued by POST /auth/ws-ticket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		writeUnauthorized(w, "ticket query parameter is required")
		return
	}
	claims := s.tickets.redeem(ticket, time.Now())
	if claims == nil {
		writeUnauthorized(w, "invalid or expired ticket")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	sub := &subscriber{
		hub:      s.hub,
		conn:     conn,
		outbox:   make(chan []byte, wsSendBufferSize),
		claims:   claims,
		channels: make(map[string]struct{}),
	}
	s.hub.add(sub)

	keepalive := newKeepalive(s.wsCfg)
	go sub.writeLoop(keepalive)
	go sub.readLoop(keepalive, int64(s.wsCfg.MaxMessageSize))
}

// keepalive holds the ping cadence and how long a silent peer is tolerated.
type keepalive struct {
	ping time.Duration
	pong time.Duration
}

func newKeepalive(cfg config.WebSocketConfig) keepalive {
	return keepalive{
		ping: time.Duration(cfg.PingInterval) * time.Second,
		pong: time.Duration(cfg.PongTimeout) * time.Second,
	}
}

func (k keepalive) readDeadline() time.Time { return time.Now().Add(k.ping + k.pong) }

func (k keepalive) writeDeadline() time.Time { return time.Now().Add(k.pong) }

func (s *subscriber) readLoop(k keepalive, limit int64) {
	defer func() {
		s.hub.remove(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(limit)
	//nolint:errcheck // a failed deadline surfaces as a read error
	s.conn.SetReadDeadline(k.readDeadline())
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(k.readDeadline())
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Warn("dashboard read error", "error", err)
			} else {
				s.hub.logger.Debug("dashboard closed", "error", err)
			}
			return
		}
		// Application pings count as liveness too; some browsers never
		// answer protocol pings from a background tab.
		//nolint:errcheck // a failed deadline surfaces as a read error
		s.conn.SetReadDeadline(k.readDeadline())
		s.dispatch(data)
	}
}

func (s *subscriber) writeLoop(k keepalive) {
	ticker := time.NewTicker(k.ping)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame, open := <-s.outbox:
			if !open {
				//nolint:errcheck // the peer may already be gone
				s.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // a failed deadline surfaces as a write error
			s.conn.SetWriteDeadline(k.writeDeadline())
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // a failed deadline surfaces as a write error
			s.conn.SetWriteDeadline(k.writeDeadline())
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *subscriber) dispatch(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.fail("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypePing:
		s.reply(msg.ID, WSTypePong, nil)
	case WSTypeSubscribe:
		channels, ok := s.channelsOf(msg)
		if !ok {
			return
		}
		accepted, rejected := s.subscribe(channels)
		s.hub.logger.Info("dashboard subscribed", "channels", accepted, "rejected", len(rejected))
		resp := map[string]any{"subscribed": accepted}
		if len(rejected) > 0 {
			resp["rejected"] = rejected
		}
		s.reply(msg.ID, WSTypeResponse, resp)
	case WSTypeUnsubscribe:
		channels, ok := s.channelsOf(msg)
		if !ok {
			return
		}
		s.mu.Lock()
		for _, ch := range channels {
			delete(s.channels, ch)
		}
		s.mu.Unlock()
		s.reply(msg.ID, WSTypeResponse, map[string]any{"unsubscribed": channels})
	default:
		s.fail(msg.ID, "unknown message type: "+msg.Type)
	}
}

// channelsOf extracts the channel list from a subscribe or unsubscribe
// frame, answering with an error frame when it is malformed.
func (s *subscriber) channelsOf(msg WSMessage) ([]string, bool) {
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		s.fail(msg.ID, "invalid payload")
		return nil, false
	}
	var p WSSubscribePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.fail(msg.ID, "invalid "+msg.Type+" payload")
		return nil, false
	}
	return p.Channels, true
}

// subscribe adds the channels the client is allowed to see and returns the
// accepted ones plus a reason for each rejection.
func (s *subscriber) subscribe(channels []string) ([]string, map[string]string) {
	s.hub.mu.RLock()
	authorize := s.hub.authorize
	s.hub.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()

	accepted := make([]string, 0, len(channels))
	var rejected map[string]string
	for _, ch := range channels {
		if authorize != nil {
			if err := authorize(ctx, s.claims, ch); err != nil {
				if rejected == nil {
					rejected = make(map[string]string)
				}
				rejected[ch] = err.Error()
				continue
			}
		}
		accepted = append(accepted, ch)
	}

	s.mu.Lock()
	for _, ch := range accepted {
		s.channels[ch] = struct{}{}
	}
	s.mu.Unlock()
	return accepted, rejected
}

func (s *subscriber) follows(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.channels[channel]
	return ok
}

// offer queues frame without blocking. A full outbox drops the frame and a
// closed one (client gone mid-broadcast) is ignored.
func (s *subscriber) offer(frame []byte) {
	defer func() {
		recover() //nolint:errcheck // send on a closed outbox
	}()
	select {
	case s.outbox <- frame:
	default:
	}
}

func (s *subscriber) reply(id, frameType string, payload any) {
	frame, err := encodeFrame(WSMessage{Type: frameType, ID: id, Payload: payload})
	if err != nil {
		return
	}
	s.offer(frame)
}

func (s *subscriber) fail(id, message string) {
	s.reply(id, WSTypeError, map[string]string{"message": message})
}

// encodeFrame stamps msg with the current time and marshals it.
func encodeFrame(msg WSMessage) ([]byte, error) {
	msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	return json.Marshal(msg)
}
