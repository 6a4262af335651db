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
)

// ============================================================================
// Test Helpers
// ============================================================================

func writeOK(w http.ResponseWriter, data any) {
	raw, _ := json.Marshal(data)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Result{Success: true, Data: raw})
}

func writeErr(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Result{Success: false, Error: &APIError{Code: code, Message: message}})
}

func newTestClient(t *testing.T, handler http.HandlerFunc, tokens TokenSource) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	if tokens == nil {
		tokens = StaticToken("test-token")
	}
	return NewClient(tokens, WithBaseURL(srv.URL))
}

func testMessage(id, conversationID, senderID, content string) Message {
	return Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Type:           "text",
		CreatedAt:      "2026-01-01T00:00:00.000Z",
		Status:         StatusSent,
	}
}

// countingTokens counts Refresh calls and blocks each one on gate until
// the test releases it.
type countingTokens struct {
	current   atomic.Value // string
	fresh     string
	gate      chan struct{}
	refreshes atomic.Int32
}

func newCountingTokens(initial, fresh string) *countingTokens {
	ct := &countingTokens{fresh: fresh, gate: make(chan struct{})}
	ct.current.Store(initial)
	return ct
}

func (ct *countingTokens) Token() string { return ct.current.Load().(string) }

func (ct *countingTokens) Refresh(ctx context.Context) (string, error) {
	ct.refreshes.Add(1)
	select {
	case <-ct.gate:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	ct.current.Store(ct.fresh)
	return ct.fresh, nil
}

// ============================================================================
// Wire normalization
// ============================================================================

func TestMessageUnmarshal(t *testing.T) {
	t.Run("mongo id and populated sender", func(t *testing.T) {
		raw := `{
			"_id": "m1",
			"conversationId": "c1",
			"senderId": {"_id": "u2", "name": "Bob"},
			"content": "hi",
			"createdAt": "2026-01-01T00:00:00Z"
		}`
		var m Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if m.ID != "m1" {
			t.Errorf("ID = %q, want m1", m.ID)
		}
		if m.SenderID != "u2" {
			t.Errorf("SenderID = %q, want u2", m.SenderID)
		}
		if m.Sender == nil || m.Sender.Name != "Bob" {
			t.Errorf("Sender = %+v, want populated Bob", m.Sender)
		}
	})

	t.Run("bare sender id", func(t *testing.T) {
		var m Message
		if err := json.Unmarshal([]byte(`{"id":"m1","senderId":"u2","content":"hi"}`), &m); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if m.SenderID != "u2" {
			t.Errorf("SenderID = %q, want u2", m.SenderID)
		}
		if m.Sender != nil {
			t.Errorf("Sender = %+v, want nil", m.Sender)
		}
	})

	t.Run("replyTo as nested object", func(t *testing.T) {
		var m Message
		raw := `{"id":"m2","senderId":"u1","content":"re","replyTo":{"_id":"m1","content":"hi"}}`
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if m.ReplyTo != "m1" {
			t.Errorf("ReplyTo = %q, want m1", m.ReplyTo)
		}
	})

	t.Run("replyTo as bare id", func(t *testing.T) {
		var m Message
		if err := json.Unmarshal([]byte(`{"id":"m2","senderId":"u1","replyTo":"m1"}`), &m); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if m.ReplyTo != "m1" {
			t.Errorf("ReplyTo = %q, want m1", m.ReplyTo)
		}
	})

	t.Run("null refs", func(t *testing.T) {
		var m Message
		if err := json.Unmarshal([]byte(`{"id":"m1","senderId":null,"replyTo":null}`), &m); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if m.SenderID != "" || m.ReplyTo != "" {
			t.Errorf("got senderID=%q replyTo=%q, want empty", m.SenderID, m.ReplyTo)
		}
	})
}

func TestConversationUnmarshal(t *testing.T) {
	raw := `{
		"_id": "c1",
		"type": "direct",
		"participants": [
			{"userId": {"_id": "u1", "name": "Alice"}, "role": "member"},
			{"userId": {"_id": "u2", "name": "Bob"}, "role": "member"}
		],
		"createdAt": "2026-01-01T00:00:00Z"
	}`
	var c Conversation
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c.ID != "c1" {
		t.Errorf("ID = %q, want c1", c.ID)
	}
	if c.UpdatedAt != "2026-01-01T00:00:00Z" {
		t.Errorf("UpdatedAt = %q, want createdAt fallback", c.UpdatedAt)
	}
	if len(c.Participants) != 2 || c.Participants[1].User.Name != "Bob" {
		t.Fatalf("participants = %+v", c.Participants)
	}
}

func TestConversationDisplayName(t *testing.T) {
	direct := Conversation{
		Type: "direct",
		Participants: []Participant{
			{User: User{ID: "u1", Name: "Alice"}},
			{User: User{ID: "u2", Name: "Bob"}},
		},
	}

	t.Run("direct shows counterpart", func(t *testing.T) {
		if got := direct.DisplayName("u1"); got != "Bob" {
			t.Errorf("DisplayName = %q, want Bob", got)
		}
		if got := direct.DisplayName("u2"); got != "Alice" {
			t.Errorf("DisplayName = %q, want Alice", got)
		}
	})

	t.Run("group shows name", func(t *testing.T) {
		g := Conversation{Type: "group", Name: "Team"}
		if got := g.DisplayName("u1"); got != "Team" {
			t.Errorf("DisplayName = %q, want Team", got)
		}
	})

	t.Run("missing counterpart falls back", func(t *testing.T) {
		c := Conversation{Type: "direct"}
		if got := c.DisplayName("u1"); got != "Unknown User" {
			t.Errorf("DisplayName = %q, want Unknown User", got)
		}
	})
}

// ============================================================================
// Client plumbing
// ============================================================================

func TestClientAuthHeader(t *testing.T) {
	var gotAuth string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		writeOK(w, conversationList{})
	}, StaticToken("secret-123"))

	if _, err := client.Conversations.List(context.Background()); err != nil {
		t.Fatalf("List: %v", err)
	}
	if gotAuth != "Bearer secret-123" {
		t.Errorf("Authorization = %q, want Bearer secret-123", gotAuth)
	}
}

func TestClientAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, http.StatusForbidden, "NOT_PARTICIPANT", "not a participant")
	}, nil)

	_, err := client.Messages.History(context.Background(), "c1", 50, "")
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error %v does not wrap *APIError", err)
	}
	if apiErr.Code != "NOT_PARTICIPANT" {
		t.Errorf("Code = %q, want NOT_PARTICIPANT", apiErr.Code)
	}
}

func TestHistoryQueryParams(t *testing.T) {
	var gotLimit, gotBefore string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		gotBefore = r.URL.Query().Get("before")
		writeOK(w, MessagePage{})
	}, nil)

	if _, err := client.Messages.History(context.Background(), "c1", 25, "m99"); err != nil {
		t.Fatalf("History: %v", err)
	}
	if gotLimit != "25" || gotBefore != "m99" {
		t.Errorf("query = limit=%q before=%q, want limit=25 before=m99", gotLimit, gotBefore)
	}
}

func TestSendMessageValidation(t *testing.T) {
	var requests atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		writeOK(w, messageData{Message: testMessage("m1", "c1", "u1", "hi")})
	}, nil)

	t.Run("empty payload rejected locally", func(t *testing.T) {
		_, err := client.Messages.Send(context.Background(), "c1", &SendMessageParams{})
		if !errors.Is(err, ErrEmptyMessage) {
			t.Fatalf("err = %v, want ErrEmptyMessage", err)
		}
		_, err = client.Messages.Send(context.Background(), "c1", nil)
		if !errors.Is(err, ErrEmptyMessage) {
			t.Fatalf("err = %v, want ErrEmptyMessage", err)
		}
		if requests.Load() != 0 {
			t.Errorf("server saw %d requests, want 0", requests.Load())
		}
	})

	t.Run("image-only send allowed", func(t *testing.T) {
		msg, err := client.Messages.Send(context.Background(), "c1", &SendMessageParams{Image: "https://img"})
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		if msg.ID != "m1" {
			t.Errorf("ID = %q, want m1", msg.ID)
		}
	})
}

func TestSendMessageTypeDefault(t *testing.T) {
	var gotType string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var p SendMessageParams
		json.NewDecoder(r.Body).Decode(&p)
		gotType = p.Type
		writeOK(w, messageData{Message: testMessage("m1", "c1", "u1", "hi")})
	}, nil)

	if _, err := client.Messages.Send(context.Background(), "c1", &SendMessageParams{Content: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotType != "text" {
		t.Errorf("type = %q, want text", gotType)
	}

	if _, err := client.Messages.Send(context.Background(), "c1", &SendMessageParams{Image: "https://img"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotType != "image" {
		t.Errorf("type = %q, want image", gotType)
	}
}

// ============================================================================
// Token refresh
// ============================================================================

func TestTokenRefreshRetriesOnce(t *testing.T) {
	tokens := newCountingTokens("stale", "fresh")
	close(tokens.gate) // no blocking for this test

	var requests atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeOK(w, conversationList{Conversations: []Conversation{{ID: "c1", Type: "direct"}}})
	}, tokens)

	convos, err := client.Conversations.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(convos) != 1 {
		t.Fatalf("got %d conversations, want 1", len(convos))
	}
	if requests.Load() != 2 {
		t.Errorf("server saw %d requests, want 2 (original + retry)", requests.Load())
	}
	if tokens.refreshes.Load() != 1 {
		t.Errorf("refreshes = %d, want 1", tokens.refreshes.Load())
	}
}

func TestTokenRefreshSingleFlight(t *testing.T) {
	const concurrency = 5

	tokens := newCountingTokens("stale", "fresh")

	// Hold every stale-token request until all of them have arrived, so
	// the 401 responses land together and the refresh flights overlap.
	var staleSeen atomic.Int32
	allStale := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			if staleSeen.Add(1) == concurrency {
				close(allStale)
			}
			<-allStale
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeOK(w, unreadData{UnreadCount: 3})
	}, tokens)

	go func() {
		<-allStale
		time.Sleep(50 * time.Millisecond)
		close(tokens.gate)
	}()

	var wg sync.WaitGroup
	errs := make(chan error, concurrency)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := client.Messages.UnreadCount(context.Background(), "c1")
			if err == nil && n != 3 {
				err = errors.New("wrong unread count")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("request failed: %v", err)
		}
	}
	if got := tokens.refreshes.Load(); got != 1 {
		t.Errorf("refreshes = %d, want 1 shared flight", got)
	}
}

func TestTokenRefreshFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}, StaticToken(""))

	_, err := client.Conversations.List(context.Background())
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("err = %v, want ErrMissingCredential", err)
	}
}
