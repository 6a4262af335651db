package synapse

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
)

// Session is the top-level controller for one signed-in chat session.
// It owns the single RealtimeChannel instance, the conversation
// directory, and one timeline per visited conversation, and routes
// realtime events into them. Components receive the connection by
// injection; nothing here is a package-level global.
type Session struct {
	client *Client
	selfID string
	logger *slog.Logger

	Directory *ConversationDirectory
	Realtime  *RealtimeChannel

	mu           sync.Mutex
	timelines    map[string]*MessageTimeline
	coordinators map[string]*SendCoordinator
	activeID     string
	pageSize     int

	unsubs []func()
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithPageSize sets the message page size for timelines.
func WithPageSize(n int) SessionOption {
	return func(s *Session) { s.pageSize = n }
}

// WithRealtimeChannel substitutes a pre-built realtime channel,
// overriding the one derived from the client's base URL.
func WithRealtimeChannel(rc *RealtimeChannel) SessionOption {
	return func(s *Session) { s.Realtime = rc }
}

// NewSession creates a session for the given signed-in user. The
// realtime endpoint is derived from the client's base URL (the REST
// prefix is stripped) unless WithRealtimeChannel overrides it.
func NewSession(client *Client, selfID string, opts ...SessionOption) *Session {
	s := &Session{
		client:       client,
		selfID:       selfID,
		logger:       client.logger,
		timelines:    make(map[string]*MessageTimeline),
		coordinators: make(map[string]*SendCoordinator),
		pageSize:     DefaultPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Directory = NewConversationDirectory(client, selfID)
	if s.Realtime == nil {
		origin := strings.TrimSuffix(client.BaseURL(), "/api")
		s.Realtime = NewRealtimeChannel(origin, client.tokens, &RealtimeConfig{
			AutoReconnect: true,
			Logger:        s.logger,
		})
	}
	s.wireRealtime()
	return s
}

// Start loads the conversation directory and brings the realtime
// channel up. A missing credential is not an error: the channel stays
// down and ConnectRealtime can be retried once auth settles.
func (s *Session) Start(ctx context.Context) error {
	if err := s.Directory.Load(ctx); err != nil {
		return err
	}
	if err := s.ConnectRealtime(ctx); err != nil && !errors.Is(err, ErrMissingCredential) {
		// The session still works over REST; reconnection continues
		// in the background once a connect succeeds.
		s.logger.Warn("realtime unavailable, continuing over REST", "error", err)
	}
	return nil
}

// ConnectRealtime attempts to bring the realtime channel up.
func (s *Session) ConnectRealtime(ctx context.Context) error {
	return s.Realtime.Connect(ctx)
}

// Close tears the session down: all subscriptions are removed and the
// realtime connection is dropped.
func (s *Session) Close() error {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	for _, off := range unsubs {
		off()
	}
	return s.Realtime.Disconnect()
}

// ActiveConversation returns the currently selected conversation ID.
func (s *Session) ActiveConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// Timeline returns the timeline for a conversation if one has been
// created by Select or Send, or nil.
func (s *Session) Timeline(conversationID string) *MessageTimeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timelines[conversationID]
}

// Select makes a conversation active: loads its newest page, joins its
// room (leaving the previous one), and marks it read. Returns the
// conversation's timeline.
func (s *Session) Select(ctx context.Context, conversationID string) (*MessageTimeline, error) {
	s.mu.Lock()
	previous := s.activeID
	s.activeID = conversationID
	tl := s.timelineLocked(conversationID)
	s.mu.Unlock()

	if err := tl.Load(ctx, conversationID); err != nil {
		return tl, err
	}

	if previous != "" && previous != conversationID {
		if err := s.Realtime.LeaveRoom(ctx, previous); err != nil && !errors.Is(err, ErrNotConnected) {
			s.logger.Warn("leave room failed", "conversation", previous, "error", err)
		}
	}
	if err := s.Realtime.JoinRoom(ctx, conversationID); err != nil && !errors.Is(err, ErrNotConnected) {
		s.logger.Warn("join room failed", "conversation", conversationID, "error", err)
	}

	if err := s.client.Messages.MarkRead(ctx, conversationID, ""); err != nil {
		s.logger.Debug("mark read failed", "conversation", conversationID, "error", err)
	} else {
		s.Directory.MarkRead(conversationID)
	}
	return tl, nil
}

// Send performs an optimistic send into the conversation's timeline.
func (s *Session) Send(ctx context.Context, conversationID, content string, opts *SendOptions) (*Message, error) {
	s.mu.Lock()
	sc := s.coordinators[conversationID]
	if sc == nil {
		tl := s.timelineLocked(conversationID)
		sc = NewSendCoordinator(s.client, tl, s.Directory, s.selfID)
		s.coordinators[conversationID] = sc
	}
	s.mu.Unlock()
	return sc.Send(ctx, conversationID, content, opts)
}

// Edit updates a message's content and applies the edit locally.
func (s *Session) Edit(ctx context.Context, conversationID, messageID, content string) (*Message, error) {
	msg, err := s.client.Messages.Edit(ctx, conversationID, messageID, content)
	if err != nil {
		return nil, err
	}
	if tl := s.Timeline(conversationID); tl != nil {
		edited := true
		status := StatusEdited
		tl.Patch(messageID, MessagePatch{
			Content:   &msg.Content,
			UpdatedAt: &msg.UpdatedAt,
			IsEdited:  &edited,
			Status:    &status,
		})
	}
	return msg, nil
}

// Delete soft-deletes a message and applies the deletion locally.
func (s *Session) Delete(ctx context.Context, conversationID, messageID string) error {
	if err := s.client.Messages.Delete(ctx, conversationID, messageID); err != nil {
		return err
	}
	if tl := s.Timeline(conversationID); tl != nil {
		tl.MarkDeleted(messageID)
	}
	return nil
}

// Typing forwards a typing indicator for the active conversation.
func (s *Session) Typing(ctx context.Context, conversationID string, typing bool) error {
	err := s.Realtime.Typing(ctx, conversationID, typing)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// timelineLocked returns (creating if needed) the timeline for a
// conversation. Caller holds s.mu.
func (s *Session) timelineLocked(conversationID string) *MessageTimeline {
	tl := s.timelines[conversationID]
	if tl == nil {
		tl = NewMessageTimeline(s.client, s.pageSize)
		tl.bind(conversationID)
		s.timelines[conversationID] = tl
	}
	return tl
}

// wireRealtime routes inbound realtime events into the stores. Events
// for a conversation other than the active one never touch a timeline;
// the directory is updated opportunistically for all of them.
func (s *Session) wireRealtime() {
	offNew := s.Realtime.OnMessageNew(func(m Message) {
		s.mu.Lock()
		active := s.activeID
		tl := s.timelines[m.ConversationID]
		s.mu.Unlock()

		if m.Status == "" {
			m.Status = StatusSent
		}
		if tl != nil && m.ConversationID == active {
			tl.Append(m)
		}
		s.Directory.BumpLastMessage(m.ConversationID, m)
		if m.ConversationID != active && m.SenderID != s.selfID {
			s.Directory.IncrementUnread(m.ConversationID)
		}
	})

	offEdited := s.Realtime.OnMessageEdited(func(m Message) {
		s.mu.Lock()
		tl := s.timelines[m.ConversationID]
		active := s.activeID
		s.mu.Unlock()
		if tl == nil || m.ConversationID != active {
			return
		}
		edited := true
		status := StatusEdited
		tl.Patch(m.ID, MessagePatch{
			Content:   &m.Content,
			UpdatedAt: &m.UpdatedAt,
			IsEdited:  &edited,
			Status:    &status,
		})
	})

	offDeleted := s.Realtime.OnMessageDeleted(func(ev MessageDeletedEvent) {
		s.mu.Lock()
		tl := s.timelines[ev.ConversationID]
		active := s.activeID
		s.mu.Unlock()
		if tl == nil || ev.ConversationID != active {
			return
		}
		tl.MarkDeleted(ev.MessageID)
	})

	offChatNew := s.Realtime.OnConversationNew(func(c Conversation) {
		s.Directory.Upsert(c)
	})

	offChatUpdate := s.Realtime.OnConversationUpdated(func(c Conversation) {
		s.Directory.Upsert(c)
	})

	// Rooms do not survive a reconnect; re-issue the active join on
	// every connected notification.
	offConnected := s.Realtime.OnConnected(func() {
		s.mu.Lock()
		active := s.activeID
		s.mu.Unlock()
		if active == "" {
			return
		}
		if err := s.Realtime.JoinRoom(context.Background(), active); err != nil {
			s.logger.Warn("rejoin room failed", "conversation", active, "error", err)
		}
	})

	s.mu.Lock()
	s.unsubs = append(s.unsubs, offNew, offEdited, offDeleted, offChatNew, offChatUpdate, offConnected)
	s.mu.Unlock()
}
