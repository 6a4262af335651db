package synapse

import (
	"context"
	"strings"
	"sync"
)

// DefaultPageSize is the message page size used when none is configured.
const DefaultPageSize = 50

// provisionalPrefix marks client-generated message IDs. Server IDs are
// bare hex, so the two identity spaces cannot collide.
const provisionalPrefix = "local-"

// IsProvisionalID reports whether id belongs to the client-generated
// identity space.
func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, provisionalPrefix)
}

// MessageTimeline maintains the ordered, deduplicated message list for
// exactly one conversation at a time. Messages are kept oldest-first;
// the server returns pages newest-first and each page is reversed
// before storing. Mutations arrive from three sources (optimistic
// send, REST confirmation, realtime events) and all funnel through the
// identity-checked primitives below.
type MessageTimeline struct {
	client   *Client
	pageSize int

	mu             sync.Mutex
	conversationID string
	messages       []Message
	hasMore        bool
	nextCursor     string
	loadingOlder   bool

	// gen increments on every Load so completions that resolve after
	// the timeline was re-pointed at another conversation are discarded.
	gen int
}

// NewMessageTimeline creates a timeline backed by the given client.
// pageSize <= 0 selects DefaultPageSize.
func NewMessageTimeline(client *Client, pageSize int) *MessageTimeline {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &MessageTimeline{client: client, pageSize: pageSize}
}

// bind scopes an unloaded timeline to a conversation so appends and
// send reconciliation are guarded before the first Load. No-op once
// the timeline is bound.
func (t *MessageTimeline) bind(conversationID string) {
	t.mu.Lock()
	if t.conversationID == "" {
		t.conversationID = conversationID
	}
	t.mu.Unlock()
}

// ConversationID returns the conversation the timeline currently
// represents, or "" before the first Load.
func (t *MessageTimeline) ConversationID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conversationID
}

// Messages returns a copy of the timeline, oldest-first.
func (t *MessageTimeline) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Len returns the number of entries.
func (t *MessageTimeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// HasMore reports whether older pages remain.
func (t *MessageTimeline) HasMore() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasMore
}

// Load resets the timeline to the given conversation and fetches the
// newest page. On failure the returned LoadError is retryable; the
// (already reset) state is not corrupted further.
func (t *MessageTimeline) Load(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	t.conversationID = conversationID
	t.messages = nil
	t.hasMore = false
	t.nextCursor = ""
	t.loadingOlder = false
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	page, err := t.client.Messages.History(ctx, conversationID, t.pageSize, "")
	if err != nil {
		return &LoadError{ConversationID: conversationID, Err: err}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != gen {
		// Timeline was re-pointed while the fetch was in flight.
		return nil
	}
	t.messages = normalizePage(page.Messages, conversationID)
	t.hasMore = page.Pagination.HasMore
	t.nextCursor = page.Pagination.NextCursor
	return nil
}

// LoadOlder fetches the page before the stored cursor and prepends it.
// A call while another is in flight, or when no older data exists, is
// dropped, not queued.
func (t *MessageTimeline) LoadOlder(ctx context.Context) error {
	t.mu.Lock()
	if t.loadingOlder || !t.hasMore || t.nextCursor == "" {
		t.mu.Unlock()
		return nil
	}
	t.loadingOlder = true
	gen := t.gen
	conversationID := t.conversationID
	cursor := t.nextCursor
	t.mu.Unlock()

	page, err := t.client.Messages.History(ctx, conversationID, t.pageSize, cursor)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != gen {
		// Load reset the state already; this completion is stale.
		return nil
	}
	t.loadingOlder = false
	if err != nil {
		return &LoadError{ConversationID: conversationID, Err: err}
	}
	older := normalizePage(page.Messages, conversationID)
	t.messages = append(older, t.messages...)
	t.hasMore = page.Pagination.HasMore
	t.nextCursor = page.Pagination.NextCursor
	return nil
}

// Append inserts a message at the tail. The insert is idempotent: an
// entry with the same identity is left untouched, and a message for a
// different conversation than the one loaded is silently ignored. A
// confirmed message that matches a still-pending provisional entry
// from the same sender upgrades that entry in place instead of
// appending, so the author's own realtime echo never duplicates an
// optimistic send. Returns true when the timeline changed.
func (t *MessageTimeline) Append(msg Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conversationID != "" && msg.ConversationID != "" && msg.ConversationID != t.conversationID {
		return false
	}
	if t.indexOf(msg.ID) >= 0 {
		return false
	}
	if !IsProvisionalID(msg.ID) {
		if i := t.matchProvisional(msg); i >= 0 {
			t.messages[i] = msg
			return true
		}
	}
	t.messages = append(t.messages, msg)
	return true
}

// Replace swaps the entry identified by oldID for newMsg, preserving
// its position. When oldID is gone but newMsg's identity is already
// present (the realtime echo won the race), the existing entry is
// refreshed in place. Returns false when neither identity is found.
func (t *MessageTimeline) Replace(oldID string, newMsg Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if i := t.indexOf(oldID); i >= 0 {
		if j := t.indexOf(newMsg.ID); j >= 0 && j != i {
			// Authoritative entry already arrived via realtime; drop
			// the provisional rather than duplicate the identity.
			t.messages = append(t.messages[:i], t.messages[i+1:]...)
			return true
		}
		t.messages[i] = newMsg
		return true
	}
	if i := t.indexOf(newMsg.ID); i >= 0 {
		t.messages[i] = newMsg
		return true
	}
	return false
}

// MessagePatch is an in-place field update applied by Patch. Nil
// fields are left unchanged.
type MessagePatch struct {
	Content   *string
	UpdatedAt *string
	IsEdited  *bool
	Status    *MessageStatus
}

// Patch applies an in-place update to the entry with the given
// identity. No-op if the identity is not present.
func (t *MessageTimeline) Patch(id string, p MessagePatch) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexOf(id)
	if i < 0 {
		return false
	}
	m := &t.messages[i]
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.UpdatedAt != nil {
		m.UpdatedAt = *p.UpdatedAt
	}
	if p.IsEdited != nil {
		m.IsEdited = *p.IsEdited
	}
	if p.Status != nil {
		m.Status = *p.Status
	}
	return true
}

// MarkDeleted soft-deletes the entry in place: content is cleared, the
// deleted flag is set, position is preserved. The rendering layer owns
// the "message deleted" placeholder.
func (t *MessageTimeline) MarkDeleted(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexOf(id)
	if i < 0 {
		return false
	}
	m := &t.messages[i]
	m.Content = ""
	m.Image = ""
	m.IsDeleted = true
	m.Status = StatusDeleted
	return true
}

// Remove deletes the entry with the given identity entirely. Used to
// roll back a failed optimistic send.
func (t *MessageTimeline) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexOf(id)
	if i < 0 {
		return false
	}
	t.messages = append(t.messages[:i], t.messages[i+1:]...)
	return true
}

// indexOf returns the position of the entry with the given identity,
// or -1. Caller holds t.mu.
func (t *MessageTimeline) indexOf(id string) int {
	if id == "" {
		return -1
	}
	for i := range t.messages {
		if t.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// matchProvisional finds the oldest still-sending provisional entry
// with the same sender and payload as the confirmed message, or -1.
// Caller holds t.mu.
func (t *MessageTimeline) matchProvisional(msg Message) int {
	for i := range t.messages {
		m := &t.messages[i]
		if IsProvisionalID(m.ID) && m.Status == StatusSending &&
			m.SenderID == msg.SenderID && m.Content == msg.Content && m.Image == msg.Image {
			return i
		}
	}
	return -1
}

// normalizePage reverses a newest-first server page to oldest-first
// and fills in derived client state.
func normalizePage(msgs []Message, conversationID string) []Message {
	out := make([]Message, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		if m.Status == "" {
			switch {
			case m.IsDeleted:
				m.Status = StatusDeleted
			case m.IsEdited:
				m.Status = StatusEdited
			default:
				m.Status = StatusSent
			}
		}
		out = append(out, m)
	}
	return out
}
