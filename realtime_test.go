package synapse

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Test Server
// ============================================================================

// wsTestServer accepts websocket upgrades on /ws and exposes the frames
// the client sends plus a way to push events back.
type wsTestServer struct {
	srv      *httptest.Server
	upgrades atomic.Int32
	inbound  chan realtimeEnvelope

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()
	s := &wsTestServer{inbound: make(chan realtimeEnvelope, 16)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("token") == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		s.upgrades.Add(1)
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			var env realtimeEnvelope
			if json.Unmarshal(data, &env) == nil {
				s.inbound <- env
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

// push writes an event frame on the most recent connection.
func (s *wsTestServer) push(t *testing.T, event string, data any) {
	t.Helper()
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()

	raw, _ := json.Marshal(data)
	payload, _ := json.Marshal(realtimeEnvelope{Event: event, Data: raw})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		t.Fatalf("push %s: %v", event, err)
	}
}

func (s *wsTestServer) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
	}
	s.conns = nil
}

// recvFrame waits for the next frame the client sent, failing the test
// on timeout.
func (s *wsTestServer) recvFrame(t *testing.T) realtimeEnvelope {
	t.Helper()
	select {
	case env := <-s.inbound:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a client frame")
		return realtimeEnvelope{}
	}
}

// expectNoFrame asserts the client sends nothing within the window.
func (s *wsTestServer) expectNoFrame(t *testing.T) {
	t.Helper()
	select {
	case env := <-s.inbound:
		t.Fatalf("unexpected frame: %s", env.Event)
	case <-time.After(100 * time.Millisecond):
	}
}

func newTestChannel(t *testing.T, s *wsTestServer, token string) *RealtimeChannel {
	t.Helper()
	rc := NewRealtimeChannel(s.srv.URL, StaticToken(token), &RealtimeConfig{AutoReconnect: false})
	t.Cleanup(func() { rc.Disconnect() })
	return rc
}

// ============================================================================
// Connection lifecycle
// ============================================================================

func TestRealtimeConnectRequiresToken(t *testing.T) {
	s := newWSTestServer(t)
	rc := newTestChannel(t, s, "")

	err := rc.Connect(context.Background())
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("err = %v, want ErrMissingCredential", err)
	}
	if rc.State() != StateDisconnected {
		t.Errorf("State = %q, want disconnected", rc.State())
	}
	if s.upgrades.Load() != 0 {
		t.Errorf("server saw %d upgrades, want 0", s.upgrades.Load())
	}
}

func TestRealtimeConnectIdempotent(t *testing.T) {
	s := newWSTestServer(t)
	rc := newTestChannel(t, s, "tok")

	if err := rc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := rc.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if s.upgrades.Load() != 1 {
		t.Errorf("server saw %d upgrades, want 1", s.upgrades.Load())
	}
	if rc.State() != StateConnected {
		t.Errorf("State = %q, want connected", rc.State())
	}
}

func TestRealtimeConnectedCallback(t *testing.T) {
	s := newWSTestServer(t)
	rc := newTestChannel(t, s, "tok")

	connected := make(chan struct{}, 1)
	rc.OnConnected(func() { connected <- struct{}{} })

	if err := rc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnected never fired")
	}
}

func TestRealtimeDisconnectedCallback(t *testing.T) {
	s := newWSTestServer(t)
	rc := newTestChannel(t, s, "tok")

	dropped := make(chan string, 1)
	rc.OnDisconnected(func(reason string) { dropped <- reason })

	if err := rc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	s.closeConns()

	select {
	case <-dropped:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnected never fired")
	}
	if rc.State() != StateDisconnected {
		t.Errorf("State = %q, want disconnected", rc.State())
	}
}

// ============================================================================
// Reconnection
// ============================================================================

func TestRealtimeReconnect(t *testing.T) {
	s := newWSTestServer(t)
	rc := NewRealtimeChannel(s.srv.URL, StaticToken("tok"), &RealtimeConfig{
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	})
	t.Cleanup(func() { rc.Disconnect() })

	reconnecting := make(chan int, 4)
	rc.OnReconnecting(func(attempt int, delay time.Duration) { reconnecting <- attempt })
	connected := make(chan struct{}, 4)
	rc.OnConnected(func() { connected <- struct{}{} })

	if err := rc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-connected
	if err := rc.JoinRoom(context.Background(), "c1"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	s.recvFrame(t)

	s.closeConns()

	select {
	case attempt := <-reconnecting:
		if attempt < 1 {
			t.Errorf("attempt = %d, want >= 1", attempt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect attempt after connection loss")
	}
	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("channel never reconnected")
	}

	if got := s.upgrades.Load(); got != 2 {
		t.Errorf("server saw %d upgrades, want 2", got)
	}
	if rc.State() != StateConnected {
		t.Errorf("State = %q, want connected", rc.State())
	}
	// Room membership did not survive the connection; the owner must
	// re-join from its connected handler.
	if got := rc.Rooms(); len(got) != 0 {
		t.Errorf("Rooms = %v after reconnect, want none until re-joined", got)
	}
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    400 * time.Millisecond,
		MaxReconnectAttempts: 3,
	})

	d1 := r.nextDelay()
	if d1 < 100*time.Millisecond || d1 > 150*time.Millisecond {
		t.Errorf("first delay = %v, want base plus at most half a base of jitter", d1)
	}
	d2 := r.nextDelay()
	if d2 < 200*time.Millisecond || d2 > 250*time.Millisecond {
		t.Errorf("second delay = %v, want doubled base plus jitter", d2)
	}
	if d3 := r.nextDelay(); d3 != 400*time.Millisecond {
		t.Errorf("third delay = %v, want capped at max", d3)
	}
	if r.shouldReconnect() {
		t.Error("shouldReconnect = true after exhausting the attempt budget")
	}

	// A stable minute of connection restarts the series.
	r.markConnected()
	r.lastUp = r.lastUp.Add(-2 * time.Minute)
	if d := r.nextDelay(); d < 100*time.Millisecond || d > 150*time.Millisecond {
		t.Errorf("delay after stable period = %v, want back to base", d)
	}
}

// ============================================================================
// Rooms
// ============================================================================

func TestRealtimeJoinRequiresConnection(t *testing.T) {
	s := newWSTestServer(t)
	rc := newTestChannel(t, s, "tok")

	err := rc.JoinRoom(context.Background(), "c1")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestRealtimeJoinRoomIdempotent(t *testing.T) {
	s := newWSTestServer(t)
	rc := newTestChannel(t, s, "tok")
	if err := rc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := rc.JoinRoom(context.Background(), "c1"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	env := s.recvFrame(t)
	if env.Event != "conversation:join" {
		t.Fatalf("event = %q, want conversation:join", env.Event)
	}
	var body struct {
		ConversationID string `json:"conversationId"`
	}
	json.Unmarshal(env.Data, &body)
	if body.ConversationID != "c1" {
		t.Errorf("conversationId = %q, want c1", body.ConversationID)
	}

	// Re-joining a joined room must not hit the wire again.
	if err := rc.JoinRoom(context.Background(), "c1"); err != nil {
		t.Fatalf("second JoinRoom: %v", err)
	}
	s.expectNoFrame(t)

	if err := rc.LeaveRoom(context.Background(), "c1"); err != nil {
		t.Fatalf("LeaveRoom: %v", err)
	}
	if env := s.recvFrame(t); env.Event != "conversation:leave" {
		t.Fatalf("event = %q, want conversation:leave", env.Event)
	}
	if err := rc.LeaveRoom(context.Background(), "c1"); err != nil {
		t.Fatalf("second LeaveRoom: %v", err)
	}
	s.expectNoFrame(t)
}

func TestRealtimeDisconnectClearsRooms(t *testing.T) {
	s := newWSTestServer(t)
	rc := newTestChannel(t, s, "tok")
	if err := rc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := rc.JoinRoom(context.Background(), "c1"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	s.recvFrame(t)

	rc.Disconnect()
	if got := rc.Rooms(); len(got) != 0 {
		t.Errorf("Rooms = %v after Disconnect, want none", got)
	}
	if rc.State() != StateDisconnected {
		t.Errorf("State = %q, want disconnected", rc.State())
	}
}

func TestRealtimeTyping(t *testing.T) {
	s := newWSTestServer(t)
	rc := newTestChannel(t, s, "tok")
	if err := rc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := rc.Typing(context.Background(), "c1", true); err != nil {
		t.Fatalf("Typing start: %v", err)
	}
	if env := s.recvFrame(t); env.Event != "typing:start" {
		t.Errorf("event = %q, want typing:start", env.Event)
	}
	if err := rc.Typing(context.Background(), "c1", false); err != nil {
		t.Fatalf("Typing stop: %v", err)
	}
	if env := s.recvFrame(t); env.Event != "typing:stop" {
		t.Errorf("event = %q, want typing:stop", env.Event)
	}
}

// ============================================================================
// Event dispatch
// ============================================================================

func TestRealtimeEventDispatch(t *testing.T) {
	s := newWSTestServer(t)
	rc := newTestChannel(t, s, "tok")
	if err := rc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	messages := make(chan Message, 4)
	off := rc.OnMessageNew(func(m Message) { messages <- m })

	s.push(t, EventMessageNew, testMessage("m1", "c1", "u2", "hello"))
	select {
	case m := <-messages:
		if m.ID != "m1" || m.Content != "hello" {
			t.Errorf("message = %+v, want m1/hello", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never fired")
	}

	// After unsubscribing, a second handler still sees events but the
	// removed one stays silent.
	off()
	second := make(chan Message, 4)
	rc.OnMessageNew(func(m Message) { second <- m })

	s.push(t, EventMessageNew, testMessage("m2", "c1", "u2", "again"))
	select {
	case m := <-second:
		if m.ID != "m2" {
			t.Errorf("second handler got %q, want m2", m.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second handler never fired")
	}
	select {
	case m := <-messages:
		t.Fatalf("removed handler received %q", m.ID)
	default:
	}
}

func TestRealtimeTypedSubscriptions(t *testing.T) {
	s := newWSTestServer(t)
	rc := newTestChannel(t, s, "tok")
	if err := rc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deleted := make(chan MessageDeletedEvent, 1)
	rc.OnMessageDeleted(func(ev MessageDeletedEvent) { deleted <- ev })
	presence := make(chan PresenceEvent, 1)
	rc.OnPresenceChanged(func(ev PresenceEvent) { presence <- ev })
	convos := make(chan Conversation, 1)
	rc.OnConversationNew(func(c Conversation) { convos <- c })

	s.push(t, EventMessageDeleted, MessageDeletedEvent{ConversationID: "c1", MessageID: "m1"})
	s.push(t, EventPresenceUpdate, PresenceEvent{UserID: "u2", Status: "online"})
	s.push(t, EventChatNew, Conversation{ID: "c9", Type: "group", Name: "Team"})

	select {
	case ev := <-deleted:
		if ev.MessageID != "m1" {
			t.Errorf("deleted = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnMessageDeleted never fired")
	}
	select {
	case ev := <-presence:
		if ev.UserID != "u2" || ev.Status != "online" {
			t.Errorf("presence = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnPresenceChanged never fired")
	}
	select {
	case c := <-convos:
		if c.ID != "c9" {
			t.Errorf("conversation = %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnConversationNew never fired")
	}
}
