package synapse

import "encoding/json"

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic API response envelope.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Users
// ============================================================================

// User is a chat participant reference.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// UnmarshalJSON accepts both "id" and Mongo-style "_id" for the identity.
func (u *User) UnmarshalJSON(data []byte) error {
	var w struct {
		ID      string `json:"id"`
		MongoID string `json:"_id"`
		Name    string `json:"name"`
		Avatar  string `json:"avatar"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	u.ID = w.ID
	if u.ID == "" {
		u.ID = w.MongoID
	}
	u.Name = w.Name
	u.Avatar = w.Avatar
	return nil
}

// ============================================================================
// Messages
// ============================================================================

// MessageStatus is the client-side lifecycle state of a message.
type MessageStatus string

const (
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusEdited  MessageStatus = "edited"
	StatusDeleted MessageStatus = "deleted"
	StatusFailed  MessageStatus = "failed"
)

// Message is a single chat message. Provisional (not yet confirmed)
// messages carry a client-generated "local-" ID and StatusSending;
// confirmed messages carry the server-assigned ID. The two ID spaces
// never collide.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Sender         *User         `json:"sender,omitempty"`
	Content        string        `json:"content"`
	Type           string        `json:"type,omitempty"` // "text" or "image"
	Image          string        `json:"image,omitempty"`
	ReplyTo        string        `json:"replyTo,omitempty"`
	CreatedAt      string        `json:"createdAt"`
	UpdatedAt      string        `json:"updatedAt,omitempty"`
	IsEdited       bool          `json:"isEdited,omitempty"`
	IsDeleted      bool          `json:"isDeleted,omitempty"`
	Status         MessageStatus `json:"status,omitempty"`
}

// UnmarshalJSON normalizes the server wire shape: "_id" vs "id",
// senderId as either a bare ID or a populated user object, and replyTo
// as either a bare ID or a nested message object.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w struct {
		ID             string          `json:"id"`
		MongoID        string          `json:"_id"`
		ConversationID string          `json:"conversationId"`
		SenderID       json.RawMessage `json:"senderId"`
		Content        string          `json:"content"`
		Type           string          `json:"type"`
		Image          string          `json:"image"`
		ReplyTo        json.RawMessage `json:"replyTo"`
		CreatedAt      string          `json:"createdAt"`
		UpdatedAt      string          `json:"updatedAt"`
		IsEdited       bool            `json:"isEdited"`
		IsDeleted      bool            `json:"isDeleted"`
		Status         MessageStatus   `json:"status"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.ID = w.ID
	if m.ID == "" {
		m.ID = w.MongoID
	}
	m.ConversationID = w.ConversationID
	m.Content = w.Content
	m.Type = w.Type
	m.Image = w.Image
	m.CreatedAt = w.CreatedAt
	m.UpdatedAt = w.UpdatedAt
	m.IsEdited = w.IsEdited
	m.IsDeleted = w.IsDeleted
	m.Status = w.Status

	m.SenderID, m.Sender = decodeUserRef(w.SenderID)
	m.ReplyTo = decodeIDRef(w.ReplyTo)
	return nil
}

// decodeUserRef decodes a field that may be a bare user ID or a
// populated user object.
func decodeUserRef(raw json.RawMessage) (string, *User) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var id string
	if json.Unmarshal(raw, &id) == nil {
		return id, nil
	}
	var u User
	if json.Unmarshal(raw, &u) == nil && u.ID != "" {
		return u.ID, &u
	}
	return "", nil
}

// decodeIDRef decodes a field that may be a bare ID or a nested object
// carrying one.
func decodeIDRef(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if json.Unmarshal(raw, &id) == nil {
		return id
	}
	var w struct {
		ID      string `json:"id"`
		MongoID string `json:"_id"`
	}
	if json.Unmarshal(raw, &w) == nil {
		if w.ID != "" {
			return w.ID
		}
		return w.MongoID
	}
	return ""
}

// Pagination describes a cursor-based message page.
type Pagination struct {
	HasMore    bool   `json:"hasMore"`
	NextCursor string `json:"nextCursor,omitempty"`
	Count      int    `json:"count,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// MessagePage is one page of conversation history. The server returns
// messages newest-first.
type MessagePage struct {
	Messages   []Message  `json:"messages"`
	Pagination Pagination `json:"pagination"`
}

// ============================================================================
// Conversations
// ============================================================================

// Participant is one member of a conversation. The server nests the
// populated user under "userId".
type Participant struct {
	User User   `json:"userId"`
	Role string `json:"role,omitempty"`
}

// Conversation is one entry in the conversation directory.
type Conversation struct {
	ID           string        `json:"id"`
	Type         string        `json:"type"` // "direct" or "group"
	Name         string        `json:"name,omitempty"`
	Avatar       string        `json:"avatar,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
	LastMessage  *Message      `json:"lastMessage,omitempty"`
	UpdatedAt    string        `json:"updatedAt,omitempty"`
	UnreadCount  int           `json:"unreadCount,omitempty"`
}

// UnmarshalJSON accepts both "id" and Mongo-style "_id", and falls back
// to createdAt when the server omits updatedAt.
func (c *Conversation) UnmarshalJSON(data []byte) error {
	type alias Conversation
	var w struct {
		alias
		MongoID   string `json:"_id"`
		CreatedAt string `json:"createdAt"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*c = Conversation(w.alias)
	if c.ID == "" {
		c.ID = w.MongoID
	}
	if c.UpdatedAt == "" {
		c.UpdatedAt = w.CreatedAt
	}
	return nil
}

// DisplayName resolves the name shown for the conversation: the stored
// name for groups, the counterpart participant's name for direct chats.
func (c *Conversation) DisplayName(selfID string) string {
	if c.Type == "group" {
		if c.Name != "" {
			return c.Name
		}
		return "Group"
	}
	for _, p := range c.Participants {
		if p.User.ID != "" && p.User.ID != selfID {
			if p.User.Name != "" {
				return p.User.Name
			}
			break
		}
	}
	if c.Name != "" {
		return c.Name
	}
	return "Unknown User"
}

// ============================================================================
// Response payloads
// ============================================================================

type conversationList struct {
	Conversations []Conversation `json:"conversations"`
}

type conversationData struct {
	Conversation Conversation `json:"conversation"`
}

type messageData struct {
	Message Message `json:"message"`
}

type unreadData struct {
	UnreadCount int `json:"unreadCount"`
}
