// Package synapse provides the Go client SDK for the Synapse chat API.
//
// Covers the REST conversation/message API and the realtime WebSocket
// channel, plus the client-side synchronization stores that reconcile
// optimistic sends with server-confirmed messages and realtime events.
//
// Example:
//
//	client := synapse.NewClient(synapse.StaticToken("eyJ..."),
//		synapse.WithBaseURL("https://chat.example.com/api"))
//
//	convos, _ := client.Conversations.List(ctx)
//	page, _ := client.Messages.History(ctx, convos[0].ID, 50, "")
//
//	sess := synapse.NewSession(client, "user-1")
//	defer sess.Close()
//	tl, _ := sess.Select(ctx, convos[0].ID)
//	sess.Send(ctx, convos[0].ID, "hello", nil)
//	_ = tl.Messages()
package synapse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:3001/api"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Token source
// ============================================================================

// TokenSource supplies the bearer credential for every request. It is
// the seam to the external auth session: Token returns the current
// access token (empty when none is available yet), Refresh obtains a
// fresh one after the server rejects the current token.
type TokenSource interface {
	Token() string
	Refresh(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource with a fixed token and no refresh flow.
type StaticToken string

func (t StaticToken) Token() string { return string(t) }

func (t StaticToken) Refresh(ctx context.Context) (string, error) {
	if t == "" {
		return "", ErrMissingCredential
	}
	return string(t), nil
}

// ============================================================================
// Client
// ============================================================================

// Client is the Synapse REST API client.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	logger     *slog.Logger

	// Single-flight refresh: concurrent 401s share one Refresh call.
	refreshMu  sync.Mutex
	refreshing *refreshCall

	Conversations *ConversationsClient
	Messages      *MessagesClient
}

type refreshCall struct {
	done  chan struct{}
	token string
	err   error
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new Synapse client. tokens may be nil for
// unauthenticated endpoints, but every conversation/message call
// requires a credential.
func NewClient(tokens TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.Conversations = &ConversationsClient{client: c}
	c.Messages = &MessagesClient{client: c}
	return c
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	token := ""
	if c.tokens != nil {
		token = c.tokens.Token()
	}

	res, status, err := c.roundTrip(ctx, method, path, body, query, token)
	if err != nil {
		return nil, err
	}

	// 401: refresh once via the shared flight, then retry the original
	// request exactly once.
	if status == http.StatusUnauthorized && c.tokens != nil {
		fresh, rerr := c.refreshToken(ctx)
		if rerr != nil {
			return nil, fmt.Errorf("token refresh: %w", rerr)
		}
		res, status, err = c.roundTrip(ctx, method, path, body, query, fresh)
		if err != nil {
			return nil, err
		}
	}

	if status >= 400 && res.Error == nil {
		res.Error = &APIError{Code: "HTTP_ERROR", Message: http.StatusText(status)}
	}
	return res, nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body interface{}, query map[string]string, token string) (*Result, int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	var res Result
	if len(data) > 0 {
		if err := json.Unmarshal(data, &res); err != nil {
			return nil, resp.StatusCode, fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return &res, resp.StatusCode, nil
}

// refreshToken performs a single-flight credential refresh: the first
// caller runs TokenSource.Refresh, concurrent callers wait for and
// share its outcome.
func (c *Client) refreshToken(ctx context.Context) (string, error) {
	c.refreshMu.Lock()
	if call := c.refreshing; call != nil {
		c.refreshMu.Unlock()
		select {
		case <-call.done:
			return call.token, call.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	call := &refreshCall{done: make(chan struct{})}
	c.refreshing = call
	c.refreshMu.Unlock()

	call.token, call.err = c.tokens.Refresh(ctx)
	close(call.done)

	c.refreshMu.Lock()
	c.refreshing = nil
	c.refreshMu.Unlock()

	if call.err != nil {
		c.logger.Warn("token refresh failed", "error", call.err)
	}
	return call.token, call.err
}

// resultErr converts a failed envelope into an error.
func resultErr(res *Result, op string) error {
	if res.Error != nil {
		return fmt.Errorf("%s: %w", op, res.Error)
	}
	return fmt.Errorf("%s: request not successful", op)
}

// ============================================================================
// Conversations API
// ============================================================================

// ConversationsClient handles conversation management.
type ConversationsClient struct{ client *Client }

// List returns all conversations for the signed-in user.
func (cv *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	res, err := cv.client.do(ctx, "GET", "/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, resultErr(res, "list conversations")
	}
	var data conversationList
	if err := res.Decode(&data); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	return data.Conversations, nil
}

// Get fetches a single conversation.
func (cv *ConversationsClient) Get(ctx context.Context, conversationID string) (*Conversation, error) {
	res, err := cv.client.do(ctx, "GET", "/conversations/"+conversationID, nil, nil)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, resultErr(res, "get conversation")
	}
	var data conversationData
	if err := res.Decode(&data); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return &data.Conversation, nil
}

// CreateDirect creates (or returns the existing) direct conversation
// with the given participant. The server is idempotent on the pair.
func (cv *ConversationsClient) CreateDirect(ctx context.Context, participantID string) (*Conversation, error) {
	res, err := cv.client.do(ctx, "POST", "/conversations/direct",
		map[string]string{"participantId": participantID}, nil)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, resultErr(res, "create direct conversation")
	}
	var data conversationData
	if err := res.Decode(&data); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return &data.Conversation, nil
}

// CreateGroup creates a group conversation.
func (cv *ConversationsClient) CreateGroup(ctx context.Context, name string, participantIDs []string) (*Conversation, error) {
	res, err := cv.client.do(ctx, "POST", "/conversations/group", map[string]interface{}{
		"name":           name,
		"participantIds": participantIDs,
	}, nil)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, resultErr(res, "create group conversation")
	}
	var data conversationData
	if err := res.Decode(&data); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return &data.Conversation, nil
}

// UpdateName renames a group conversation.
func (cv *ConversationsClient) UpdateName(ctx context.Context, conversationID, name string) (*Conversation, error) {
	res, err := cv.client.do(ctx, "PATCH", "/conversations/"+conversationID+"/name",
		map[string]string{"name": name}, nil)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, resultErr(res, "update group name")
	}
	var data conversationData
	if err := res.Decode(&data); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return &data.Conversation, nil
}

// AddMember adds a user to a group conversation.
func (cv *ConversationsClient) AddMember(ctx context.Context, conversationID, userID string) error {
	res, err := cv.client.do(ctx, "POST", "/conversations/"+conversationID+"/members",
		map[string]string{"userId": userID}, nil)
	if err != nil {
		return err
	}
	if !res.Success {
		return resultErr(res, "add group member")
	}
	return nil
}

// Leave removes the signed-in user from a conversation.
func (cv *ConversationsClient) Leave(ctx context.Context, conversationID string) error {
	res, err := cv.client.do(ctx, "DELETE", "/conversations/"+conversationID+"/members/me", nil, nil)
	if err != nil {
		return err
	}
	if !res.Success {
		return resultErr(res, "leave conversation")
	}
	return nil
}

// ============================================================================
// Messages API
// ============================================================================

// MessagesClient handles message operations within a conversation.
type MessagesClient struct{ client *Client }

// SendMessageParams is the durable-write payload. Exactly one of
// Content/Image must be set for a valid send; ReplyTo is the optional
// reply-target message ID.
type SendMessageParams struct {
	Content string `json:"content,omitempty"`
	Type    string `json:"type"`
	Image   string `json:"image,omitempty"`
	ReplyTo string `json:"replyTo,omitempty"`
}

// History fetches one page of messages, newest-first as the server
// returns them. An empty before fetches the newest page; otherwise the
// page preceding the cursor.
func (m *MessagesClient) History(ctx context.Context, conversationID string, limit int, before string) (*MessagePage, error) {
	query := map[string]string{"limit": fmt.Sprintf("%d", limit)}
	if before != "" {
		query["before"] = before
	}
	res, err := m.client.do(ctx, "GET", "/conversations/"+conversationID+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, resultErr(res, "fetch messages")
	}
	var page MessagePage
	if err := res.Decode(&page); err != nil {
		return nil, fmt.Errorf("decode message page: %w", err)
	}
	return &page, nil
}

// Send issues the durable write for a new message and returns the
// authoritative record (server ID and timestamps).
func (m *MessagesClient) Send(ctx context.Context, conversationID string, params *SendMessageParams) (*Message, error) {
	if params == nil || (params.Content == "" && params.Image == "") {
		return nil, ErrEmptyMessage
	}
	p := *params
	if p.Type == "" {
		p.Type = "text"
		if p.Content == "" {
			p.Type = "image"
		}
	}
	res, err := m.client.do(ctx, "POST", "/conversations/"+conversationID+"/messages", &p, nil)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, resultErr(res, "send message")
	}
	var data messageData
	if err := res.Decode(&data); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if data.Message.ConversationID == "" {
		data.Message.ConversationID = conversationID
	}
	return &data.Message, nil
}

// Edit updates a message's content and returns the edited record.
func (m *MessagesClient) Edit(ctx context.Context, conversationID, messageID, content string) (*Message, error) {
	res, err := m.client.do(ctx, "PATCH", "/conversations/"+conversationID+"/messages/"+messageID,
		map[string]string{"content": content}, nil)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, resultErr(res, "edit message")
	}
	var data messageData
	if err := res.Decode(&data); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &data.Message, nil
}

// Delete soft-deletes a message server-side.
func (m *MessagesClient) Delete(ctx context.Context, conversationID, messageID string) error {
	res, err := m.client.do(ctx, "DELETE", "/conversations/"+conversationID+"/messages/"+messageID, nil, nil)
	if err != nil {
		return err
	}
	if !res.Success {
		return resultErr(res, "delete message")
	}
	return nil
}

// MarkRead records a read receipt. messageID may be empty to mark the
// whole conversation read.
func (m *MessagesClient) MarkRead(ctx context.Context, conversationID, messageID string) error {
	body := map[string]string{}
	if messageID != "" {
		body["messageId"] = messageID
	}
	res, err := m.client.do(ctx, "POST", "/conversations/"+conversationID+"/messages/read", body, nil)
	if err != nil {
		return err
	}
	if !res.Success {
		return resultErr(res, "mark messages read")
	}
	return nil
}

// UnreadCount returns the unread-message count for a conversation.
func (m *MessagesClient) UnreadCount(ctx context.Context, conversationID string) (int, error) {
	res, err := m.client.do(ctx, "GET", "/conversations/"+conversationID+"/messages/unread-count", nil, nil)
	if err != nil {
		return 0, err
	}
	if !res.Success {
		return 0, resultErr(res, "fetch unread count")
	}
	var data unreadData
	if err := res.Decode(&data); err != nil {
		return 0, fmt.Errorf("decode unread count: %w", err)
	}
	return data.UnreadCount, nil
}
