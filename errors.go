package synapse

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyMessage is returned when a send carries neither content
	// nor an image. It never reaches the network.
	ErrEmptyMessage = errors.New("message has no content or image")

	// ErrMissingCredential is returned when a realtime connection is
	// attempted before the token source can provide a token. Callers
	// should treat it as "not yet ready" and retry later, not as fatal.
	ErrMissingCredential = errors.New("missing access token")

	// ErrNotConnected is returned for room commands issued while the
	// realtime connection is down.
	ErrNotConnected = errors.New("realtime channel not connected")
)

// LoadError wraps a failed page fetch. Existing timeline state is left
// intact; the caller may simply retry.
type LoadError struct {
	ConversationID string
	Err            error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load messages for %s: %v", e.ConversationID, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// SendError wraps a failed durable write after an optimistic insert.
// The provisional entry has already been removed from the timeline
// when this is returned; the composed input is the caller's to keep.
type SendError struct {
	ConversationID string
	ProvisionalID  string
	Err            error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send message to %s: %v", e.ConversationID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
