// Package chatsync keeps a chat client's view of its conversations in step
// with the server over one shared push connection.
//
// It covers the connection lifecycle, per-conversation message logs with
// optimistic sends, typing presence, auto-scroll decisions and the inbox.
//
// Example:
//
//	client := chatsync.NewClient(token, chatsync.WithBaseURL("https://chat.example.com"))
//	conn := chatsync.NewConnectionManager(client.Dialers(), &chatsync.RealtimeConfig{UserID: me})
//	defer conn.Disconnect()
//	conn.Connect(ctx)
//
//	inbox := chatsync.NewInbox(conn, client, &chatsync.InboxConfig{UserID: me})
//	inbox.Load(ctx)
//	view, _ := inbox.Open(ctx, conversationID, nil)
//	defer view.Close()
//	view.Sender.Send(ctx, "Hello!")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:3000"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the REST side of the chat backend: message history, the
// conversation list and conversation creation.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a client authenticating with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the auth token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the backend root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Dialers returns the push transports for this backend in order of
// preference: WebSocket at /ws, then SSE at /sse with POST /events.
func (c *Client) Dialers() []Dialer {
	wsURL := strings.Replace(c.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	return []Dialer{
		&WebSocketDialer{URL: wsURL + "/ws", Token: c.token},
		&SSEDialer{BaseURL: c.baseURL, Token: c.token, HTTPClient: &http.Client{}},
	}
}

// ============================================================================
// Internal request helper
// ============================================================================

// APIResult is the response envelope of every REST endpoint.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into v.
func (r *APIResult) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
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
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 500 && !json.Valid(data) {
		return nil, fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// do performs a request and unwraps the envelope; a !ok envelope becomes its
// *APIError.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*APIResult, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[APIResult](data)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		if result.Error != nil {
			return result, result.Error
		}
		return result, fmt.Errorf("%s %s: request failed", method, path)
	}
	return result, nil
}

// ============================================================================
// Endpoints
// ============================================================================

// FetchMessages returns the stored messages of a conversation, oldest first.
func (c *Client) FetchMessages(ctx context.Context, conversationID string) ([]Message, error) {
	result, err := c.do(ctx, "GET", "/api/conversations/"+url.PathEscape(conversationID)+"/messages", nil, nil)
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := result.Decode(&msgs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return msgs, nil
}

// ListConversations returns the caller's conversations.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	result, err := c.do(ctx, "GET", "/api/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	var convs []Conversation
	if err := result.Decode(&convs); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	return convs, nil
}

// StartConversation creates a direct conversation with otherUserID, or
// returns the existing one.
func (c *Client) StartConversation(ctx context.Context, otherUserID string) (Conversation, error) {
	result, err := c.do(ctx, "POST", "/api/conversations", map[string]string{"participantId": otherUserID}, nil)
	if err != nil {
		return Conversation{}, err
	}
	var conv Conversation
	if err := result.Decode(&conv); err != nil {
		return Conversation{}, fmt.Errorf("decode conversation: %w", err)
	}
	if conv.ID == "" {
		return Conversation{}, fmt.Errorf("start conversation: response without id")
	}
	return conv, nil
}
