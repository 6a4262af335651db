package synapse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// Realtime event names, matching the server's socket contract.
const (
	EventMessageNew     = "message:new"
	EventMessageEdited  = "message:edited"
	EventMessageDeleted = "message:deleted"
	EventChatNew        = "chat:new"
	EventChatUpdate     = "chat:update"
	EventPresenceUpdate = "presence:update"

	eventConversationJoin  = "conversation:join"
	eventConversationLeave = "conversation:leave"
	eventTypingStart       = "typing:start"
	eventTypingStop        = "typing:stop"
)

// realtimeEnvelope is the wire format for all realtime traffic.
type realtimeEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// MessageDeletedEvent identifies a soft-deleted message.
type MessageDeletedEvent struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// PresenceEvent is sent when a user's presence status changes.
type PresenceEvent struct {
	UserID string `json:"userId"`
	Status string `json:"status"` // "online" or "offline"
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// RealtimeConfig configures the realtime channel.
type RealtimeConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	Logger               *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 500 * time.Millisecond
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 8
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ============================================================================
// Event dispatcher
// ============================================================================

// Names for connection meta-events, kept out of the server namespace.
const (
	metaConnected    = "@connected"
	metaDisconnected = "@disconnected"
	metaReconnecting = "@reconnecting"
)

type eventDispatcher struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]func(json.RawMessage)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{handlers: make(map[string]map[int]func(json.RawMessage))}
}

// on registers a handler and returns its unsubscribe func. Subscribe
// and unsubscribe are symmetric so remount cycles cannot leak handlers.
func (d *eventDispatcher) on(event string, h func(json.RawMessage)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	if d.handlers[event] == nil {
		d.handlers[event] = make(map[int]func(json.RawMessage))
	}
	d.handlers[event][id] = h
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.handlers[event], id)
	}
}

// dispatch invokes handlers synchronously, preserving the per-
// connection event order that timeline/directory mutations rely on.
func (d *eventDispatcher) dispatch(event string, data json.RawMessage) {
	d.mu.RLock()
	hs := make([]func(json.RawMessage), 0, len(d.handlers[event]))
	for _, h := range d.handlers[event] {
		hs = append(hs, h)
	}
	d.mu.RUnlock()
	for _, h := range hs {
		h(data)
	}
}

func (d *eventDispatcher) removeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = make(map[string]map[int]func(json.RawMessage))
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector tracks the backoff series between connection attempts.
// Not goroutine-safe on its own; RealtimeChannel guards it with its
// mutex.
type reconnector struct {
	base        time.Duration
	max         time.Duration
	maxAttempts int

	attempt int
	lastUp  time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		base:        config.ReconnectBaseDelay,
		max:         config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.lastUp = time.Now()
}

// nextDelay doubles the base delay per failed attempt up to the cap,
// plus up to half a base delay of jitter. A minute of stable
// connection restarts the series from the base delay.
func (r *reconnector) nextDelay() time.Duration {
	if !r.lastUp.IsZero() && time.Since(r.lastUp) > time.Minute {
		r.attempt = 0
	}
	delay := r.base << uint(r.attempt)
	if delay <= 0 || delay > r.max {
		delay = r.max
	}
	if half := int64(r.base / 2); half > 0 {
		delay += time.Duration(rand.Int63n(half + 1))
	}
	if delay > r.max {
		delay = r.max
	}
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeChannel
// ============================================================================

// RealtimeChannel is the single persistent connection to the chat
// server. It multiplexes room join/leave commands and inbound event
// notifications over one websocket, reconnecting with bounded backoff
// on transient loss.
//
// The channel tracks only the set of rooms explicitly requested;
// joined rooms are NOT re-joined automatically after a reconnect. The
// owner must re-issue joins from its OnConnected handler, which fires
// on every (re)connection.
type RealtimeChannel struct {
	baseURL string
	tokens  TokenSource
	config  *RealtimeConfig
	logger  *slog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	rooms            map[string]bool
	cancelFn         context.CancelFunc

	dispatcher *eventDispatcher
	recon      *reconnector
}

// NewRealtimeChannel creates a realtime channel. baseURL is the
// server's HTTP origin (not the REST prefix); the websocket endpoint
// is derived from it. config may be nil for defaults.
func NewRealtimeChannel(baseURL string, tokens TokenSource, config *RealtimeConfig) *RealtimeChannel {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &RealtimeChannel{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		config:     &cfg,
		logger:     cfg.Logger,
		state:      StateDisconnected,
		rooms:      make(map[string]bool),
		dispatcher: newEventDispatcher(),
		recon:      newReconnector(&cfg),
	}
}

// State returns the current connection state.
func (rc *RealtimeChannel) State() RealtimeState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// Rooms returns the set of currently joined rooms.
func (rc *RealtimeChannel) Rooms() []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]string, 0, len(rc.rooms))
	for id := range rc.rooms {
		out = append(out, id)
	}
	return out
}

// Connect establishes the websocket connection. Idempotent: a call
// while connected or connecting returns nil. Returns
// ErrMissingCredential when no token is available yet — callers should
// treat that as "not ready" and retry once credentials settle.
func (rc *RealtimeChannel) Connect(ctx context.Context) error {
	rc.mu.Lock()
	if rc.state == StateConnected || rc.state == StateConnecting {
		rc.mu.Unlock()
		return nil
	}
	rc.state = StateConnecting
	rc.intentionalClose = false
	rc.mu.Unlock()

	token := ""
	if rc.tokens != nil {
		token = rc.tokens.Token()
	}
	if token == "" {
		rc.mu.Lock()
		rc.state = StateDisconnected
		rc.mu.Unlock()
		return ErrMissingCredential
	}

	conn, _, err := websocket.Dial(ctx, rc.wsURL(token), nil)
	if err != nil {
		rc.mu.Lock()
		rc.state = StateDisconnected
		rc.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	rc.mu.Lock()
	rc.conn = conn
	rc.state = StateConnected
	rc.cancelFn = cancel
	rc.recon.markConnected()
	rc.mu.Unlock()

	rc.logger.Debug("realtime connected", "url", rc.baseURL)
	rc.dispatcher.dispatch(metaConnected, nil)

	go rc.readLoop(connCtx, conn)
	go rc.heartbeatLoop(connCtx, conn)
	return nil
}

// Disconnect tears down the connection and forgets all joined rooms.
// Safe to call when already disconnected.
func (rc *RealtimeChannel) Disconnect() error {
	rc.mu.Lock()
	rc.intentionalClose = true
	if rc.cancelFn != nil {
		rc.cancelFn()
		rc.cancelFn = nil
	}
	conn := rc.conn
	rc.conn = nil
	rc.state = StateDisconnected
	rc.rooms = make(map[string]bool)
	rc.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// JoinRoom subscribes to a conversation's broadcast scope. Joining a
// room already joined is a no-op.
func (rc *RealtimeChannel) JoinRoom(ctx context.Context, conversationID string) error {
	rc.mu.Lock()
	if rc.rooms[conversationID] {
		rc.mu.Unlock()
		return nil
	}
	rc.mu.Unlock()

	if err := rc.send(ctx, eventConversationJoin, map[string]string{"conversationId": conversationID}); err != nil {
		return err
	}
	rc.mu.Lock()
	rc.rooms[conversationID] = true
	rc.mu.Unlock()
	return nil
}

// LeaveRoom unsubscribes from a conversation's broadcast scope.
// Leaving a room not joined is a no-op.
func (rc *RealtimeChannel) LeaveRoom(ctx context.Context, conversationID string) error {
	rc.mu.Lock()
	if !rc.rooms[conversationID] {
		rc.mu.Unlock()
		return nil
	}
	delete(rc.rooms, conversationID)
	rc.mu.Unlock()

	return rc.send(ctx, eventConversationLeave, map[string]string{"conversationId": conversationID})
}

// Typing signals the start or stop of typing in a conversation.
func (rc *RealtimeChannel) Typing(ctx context.Context, conversationID string, typing bool) error {
	event := eventTypingStop
	if typing {
		event = eventTypingStart
	}
	return rc.send(ctx, event, map[string]string{"conversationId": conversationID})
}

func (rc *RealtimeChannel) send(ctx context.Context, event string, data interface{}) error {
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(realtimeEnvelope{Event: event, Data: raw})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}

// ============================================================================
// Subscriptions
// ============================================================================

// OnMessageNew registers a handler for new messages in joined rooms.
// The returned func removes the handler.
func (rc *RealtimeChannel) OnMessageNew(h func(Message)) func() {
	return rc.dispatcher.on(EventMessageNew, func(data json.RawMessage) {
		var m Message
		if json.Unmarshal(data, &m) == nil && m.ID != "" {
			h(m)
		}
	})
}

// OnMessageEdited registers a handler for message edits.
func (rc *RealtimeChannel) OnMessageEdited(h func(Message)) func() {
	return rc.dispatcher.on(EventMessageEdited, func(data json.RawMessage) {
		var m Message
		if json.Unmarshal(data, &m) == nil && m.ID != "" {
			h(m)
		}
	})
}

// OnMessageDeleted registers a handler for message deletions.
func (rc *RealtimeChannel) OnMessageDeleted(h func(MessageDeletedEvent)) func() {
	return rc.dispatcher.on(EventMessageDeleted, func(data json.RawMessage) {
		var ev MessageDeletedEvent
		if json.Unmarshal(data, &ev) == nil && ev.MessageID != "" {
			h(ev)
		}
	})
}

// OnConversationNew registers a handler for newly created conversations.
func (rc *RealtimeChannel) OnConversationNew(h func(Conversation)) func() {
	return rc.dispatcher.on(EventChatNew, func(data json.RawMessage) {
		var c Conversation
		if json.Unmarshal(data, &c) == nil && c.ID != "" {
			h(c)
		}
	})
}

// OnConversationUpdated registers a handler for conversation updates.
func (rc *RealtimeChannel) OnConversationUpdated(h func(Conversation)) func() {
	return rc.dispatcher.on(EventChatUpdate, func(data json.RawMessage) {
		var c Conversation
		if json.Unmarshal(data, &c) == nil && c.ID != "" {
			h(c)
		}
	})
}

// OnPresenceChanged registers a handler for presence changes.
func (rc *RealtimeChannel) OnPresenceChanged(h func(PresenceEvent)) func() {
	return rc.dispatcher.on(EventPresenceUpdate, func(data json.RawMessage) {
		var ev PresenceEvent
		if json.Unmarshal(data, &ev) == nil && ev.UserID != "" {
			h(ev)
		}
	})
}

// OnConnected registers a handler invoked on every successful
// (re)connection. Room joins must be re-issued from here after a
// reconnect; the transport does not replay them.
func (rc *RealtimeChannel) OnConnected(h func()) func() {
	return rc.dispatcher.on(metaConnected, func(json.RawMessage) { h() })
}

// OnDisconnected registers a handler for connection loss.
func (rc *RealtimeChannel) OnDisconnected(h func(reason string)) func() {
	return rc.dispatcher.on(metaDisconnected, func(data json.RawMessage) {
		var reason string
		json.Unmarshal(data, &reason)
		h(reason)
	})
}

// OnReconnecting registers a handler for reconnect attempts.
func (rc *RealtimeChannel) OnReconnecting(h func(attempt int, delay time.Duration)) func() {
	return rc.dispatcher.on(metaReconnecting, func(data json.RawMessage) {
		var ev struct {
			Attempt int           `json:"attempt"`
			Delay   time.Duration `json:"delay"`
		}
		json.Unmarshal(data, &ev)
		h(ev.Attempt, ev.Delay)
	})
}

// On registers a raw handler for an event name.
func (rc *RealtimeChannel) On(event string, h func(json.RawMessage)) func() {
	return rc.dispatcher.on(event, h)
}

// ============================================================================
// Connection internals
// ============================================================================

func (rc *RealtimeChannel) wsURL(token string) string {
	u := strings.Replace(rc.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws?token=" + token
}

func (rc *RealtimeChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rc.mu.Lock()
			intentional := rc.intentionalClose
			stale := rc.conn != conn
			rc.mu.Unlock()
			if intentional || stale {
				return
			}

			rc.mu.Lock()
			rc.state = StateDisconnected
			rc.conn = nil
			// Room membership does not survive the connection; the
			// owner re-joins after the connected notification.
			rc.rooms = make(map[string]bool)
			again := rc.config.AutoReconnect && rc.recon.shouldReconnect()
			rc.mu.Unlock()

			rc.logger.Warn("realtime connection lost", "error", err)
			reason, _ := json.Marshal(err.Error())
			rc.dispatcher.dispatch(metaDisconnected, reason)

			if again {
				go rc.scheduleReconnect()
			}
			return
		}

		var env realtimeEnvelope
		if json.Unmarshal(data, &env) != nil || env.Event == "" {
			continue
		}
		rc.dispatcher.dispatch(env.Event, env.Data)
	}
}

func (rc *RealtimeChannel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(rc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (rc *RealtimeChannel) scheduleReconnect() {
	rc.mu.Lock()
	delay := rc.recon.nextDelay()
	attempt := rc.recon.attempt
	rc.state = StateReconnecting
	rc.mu.Unlock()

	ev, _ := json.Marshal(map[string]interface{}{"attempt": attempt, "delay": delay})
	rc.dispatcher.dispatch(metaReconnecting, ev)
	rc.logger.Info("realtime reconnecting", "attempt", attempt, "delay", delay)

	time.Sleep(delay)

	rc.mu.Lock()
	if rc.intentionalClose {
		rc.mu.Unlock()
		return
	}
	rc.state = StateDisconnected
	rc.mu.Unlock()

	if err := rc.Connect(context.Background()); err != nil {
		rc.mu.Lock()
		again := rc.config.AutoReconnect && rc.recon.shouldReconnect()
		rc.mu.Unlock()
		if again {
			rc.scheduleReconnect()
			return
		}
		rc.mu.Lock()
		rc.state = StateDisconnected
		rc.mu.Unlock()
		rc.logger.Warn("realtime reconnect abandoned", "error", err)
	}
}
