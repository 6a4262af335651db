package synapse

import (
	"context"
	"strings"
	"sync"
)

// ConversationDirectory owns the ordered set of conversations for the
// signed-in user, most recently active first. Exactly one entry exists
// per conversation ID; activity (a new message, an update event)
// moves the affected conversation to the front.
type ConversationDirectory struct {
	client *Client

	mu            sync.Mutex
	selfID        string
	conversations []Conversation
}

// NewConversationDirectory creates a directory. selfID is the
// signed-in user's identity, used to derive direct-chat display names
// from the counterpart participant.
func NewConversationDirectory(client *Client, selfID string) *ConversationDirectory {
	return &ConversationDirectory{client: client, selfID: selfID}
}

// Load replaces the directory with the server's conversation list.
func (d *ConversationDirectory) Load(ctx context.Context) error {
	convos, err := d.client.Conversations.List(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conversations = convos
	return nil
}

// Conversations returns a copy of the list, most recently active first.
func (d *ConversationDirectory) Conversations() []Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Conversation, len(d.conversations))
	copy(out, d.conversations)
	return out
}

// Get returns the conversation with the given ID, or nil.
func (d *ConversationDirectory) Get(conversationID string) *Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.indexOf(conversationID); i >= 0 {
		c := d.conversations[i]
		return &c
	}
	return nil
}

// Upsert inserts the conversation at the front. An existing entry with
// the same ID is removed from its current position first, with fields
// the incoming record omits carried over. This single primitive covers
// both "new conversation arrived" and "existing conversation bumped".
func (d *ConversationDirectory) Upsert(conv Conversation) {
	if conv.ID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if i := d.indexOf(conv.ID); i >= 0 {
		existing := d.conversations[i]
		d.conversations = append(d.conversations[:i], d.conversations[i+1:]...)
		conv = mergeConversation(existing, conv)
	}
	d.conversations = append([]Conversation{conv}, d.conversations...)
}

// BumpLastMessage updates the conversation's last-message summary and
// timestamp and moves it to the front. No-op if the conversation is
// not present.
func (d *ConversationDirectory) BumpLastMessage(conversationID string, msg Message) {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := d.indexOf(conversationID)
	if i < 0 {
		return
	}
	conv := d.conversations[i]
	m := msg
	conv.LastMessage = &m
	if msg.CreatedAt != "" {
		conv.UpdatedAt = msg.CreatedAt
	}
	d.conversations = append(d.conversations[:i], d.conversations[i+1:]...)
	d.conversations = append([]Conversation{conv}, d.conversations...)
}

// MarkRead zeroes the unread count for a conversation locally.
func (d *ConversationDirectory) MarkRead(conversationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.indexOf(conversationID); i >= 0 {
		d.conversations[i].UnreadCount = 0
	}
}

// IncrementUnread bumps the unread count for a conversation locally.
func (d *ConversationDirectory) IncrementUnread(conversationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.indexOf(conversationID); i >= 0 {
		d.conversations[i].UnreadCount++
	}
}

// Remove deletes the conversation from the directory. Only called on
// an explicit delete/leave confirmation.
func (d *ConversationDirectory) Remove(conversationID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.indexOf(conversationID)
	if i < 0 {
		return false
	}
	d.conversations = append(d.conversations[:i], d.conversations[i+1:]...)
	return true
}

// Filter returns the conversations whose display name contains the
// query, case-insensitively. A pure read-side projection: the
// underlying list and its order are not touched.
func (d *ConversationDirectory) Filter(query string) []Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := strings.ToLower(query)
	var out []Conversation
	for _, c := range d.conversations {
		if q == "" || strings.Contains(strings.ToLower(c.DisplayName(d.selfID)), q) {
			out = append(out, c)
		}
	}
	return out
}

// CreateDirect creates (or fetches) the direct conversation with the
// given user and inserts it at the front.
func (d *ConversationDirectory) CreateDirect(ctx context.Context, participantID string) (*Conversation, error) {
	conv, err := d.client.Conversations.CreateDirect(ctx, participantID)
	if err != nil {
		return nil, err
	}
	d.Upsert(*conv)
	return conv, nil
}

// CreateGroup creates a group conversation and inserts it at the front.
func (d *ConversationDirectory) CreateGroup(ctx context.Context, name string, participantIDs []string) (*Conversation, error) {
	conv, err := d.client.Conversations.CreateGroup(ctx, name, participantIDs)
	if err != nil {
		return nil, err
	}
	d.Upsert(*conv)
	return conv, nil
}

// indexOf returns the position of the conversation with the given ID,
// or -1. Caller holds d.mu.
func (d *ConversationDirectory) indexOf(id string) int {
	for i := range d.conversations {
		if d.conversations[i].ID == id {
			return i
		}
	}
	return -1
}

// mergeConversation overlays incoming onto existing, keeping existing
// fields the incoming record omits.
func mergeConversation(existing, incoming Conversation) Conversation {
	out := incoming
	if out.Type == "" {
		out.Type = existing.Type
	}
	if out.Name == "" {
		out.Name = existing.Name
	}
	if out.Avatar == "" {
		out.Avatar = existing.Avatar
	}
	if len(out.Participants) == 0 {
		out.Participants = existing.Participants
	}
	if out.LastMessage == nil {
		out.LastMessage = existing.LastMessage
	}
	if out.UpdatedAt == "" {
		out.UpdatedAt = existing.UpdatedAt
	}
	if out.UnreadCount == 0 {
		out.UnreadCount = existing.UnreadCount
	}
	return out
}
