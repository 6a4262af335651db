package synapse

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SendOptions carries the optional parts of an outgoing message.
type SendOptions struct {
	Image   string
	ReplyTo string
}

// SendCoordinator performs optimistic sends: it inserts a provisional
// message into the timeline before the durable write is issued, then
// reconciles the provisional entry with the authoritative record on
// success or removes it on failure. A provisional entry never lingers
// in the sending state past the write's settlement.
type SendCoordinator struct {
	client    *Client
	timeline  *MessageTimeline
	directory *ConversationDirectory // optional
	selfID    string
}

// NewSendCoordinator creates a coordinator bound to one timeline.
// directory may be nil; when set, successful sends bump the target
// conversation to the front.
func NewSendCoordinator(client *Client, timeline *MessageTimeline, directory *ConversationDirectory, selfID string) *SendCoordinator {
	return &SendCoordinator{
		client:    client,
		timeline:  timeline,
		directory: directory,
		selfID:    selfID,
	}
}

// Send validates the payload, appends a provisional entry, issues the
// durable write, and reconciles. Returns the authoritative message on
// success, ErrEmptyMessage on local validation failure, or a SendError
// after the provisional entry has been rolled back.
func (sc *SendCoordinator) Send(ctx context.Context, conversationID, content string, opts *SendOptions) (*Message, error) {
	// The payload is assembled up front, before any suspension point,
	// so a caller clearing its reply state right after Send returns to
	// the event loop cannot race the network read (reply-capture rule).
	params := &SendMessageParams{Content: content}
	if opts != nil {
		params.Image = opts.Image
		params.ReplyTo = opts.ReplyTo
	}
	if params.Content == "" && params.Image == "" {
		return nil, ErrEmptyMessage
	}

	// A timeline that has never loaded is scoped to the target here, so
	// settlement can still reconcile the provisional entry.
	sc.timeline.bind(conversationID)

	provisional := Message{
		ID:             provisionalPrefix + uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       sc.selfID,
		Content:        params.Content,
		Image:          params.Image,
		ReplyTo:        params.ReplyTo,
		CreatedAt:      time.Now().UTC().Format(time.RFC3339Nano),
		Status:         StatusSending,
	}
	sc.timeline.Append(provisional)

	msg, err := sc.client.Messages.Send(ctx, conversationID, params)
	if err != nil {
		if sc.sameConversation(conversationID) {
			sc.timeline.Remove(provisional.ID)
		}
		return nil, &SendError{ConversationID: conversationID, ProvisionalID: provisional.ID, Err: err}
	}

	confirmed := *msg
	if confirmed.Status == "" {
		confirmed.Status = StatusSent
	}
	if confirmed.SenderID == "" {
		confirmed.SenderID = sc.selfID
	}
	if sc.sameConversation(conversationID) {
		sc.timeline.Replace(provisional.ID, confirmed)
	}
	if sc.directory != nil {
		sc.directory.BumpLastMessage(conversationID, confirmed)
	}
	return &confirmed, nil
}

// sameConversation reports whether the timeline still represents the
// conversation the send targeted. A completion for a conversation the
// timeline has since left is discarded rather than applied.
func (sc *SendCoordinator) sameConversation(conversationID string) bool {
	return sc.timeline.ConversationID() == conversationID
}
