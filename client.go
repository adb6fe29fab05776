// Package roomsync keeps a local view of rooms, messages, relationships,
// presence, typing and voice membership consistent with a remote data
// source over an unreliable push channel.
//
// Example:
//
//	client := roomsync.NewClient(token, roomsync.WithBaseURL("https://chat.example.com"))
//	transport := roomsync.NewWSTransport(client.WSURL(), token, cfg)
//	session, _ := roomsync.NewSession(identity, cfg, roomsync.Deps{
//		Transport: transport,
//		Source:    client,
//		Storage:   roomsync.NewMemoryStorage(),
//	})
//	session.Start(ctx)
//	defer session.Teardown()
//
//	session.OpenRoom("room-1")
//	msgs := session.Reconciler().Messages("room-1")
package roomsync

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

	"github.com/google/uuid"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the data source over HTTP: scope snapshots, message
// mutations and voice membership.
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

// NewClient creates a data-source client authenticated with token.
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

// BaseURL returns the data source root.
func (c *Client) BaseURL() string { return c.baseURL }

// WSURL returns the push channel endpoint derived from the base URL.
func (c *Client) WSURL() string {
	u := strings.Replace(c.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/api/sync/ws"
}

// NewMessageID returns an id for a locally composed entity. The server
// keeps it, so the echo of an optimistic write dedupes by id.
func NewMessageID() string {
	return uuid.NewString()
}

// ============================================================================
// Internal request helper
// ============================================================================

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
	if resp.StatusCode >= 400 {
		var r Result
		if json.Unmarshal(data, &r) == nil && r.Error != nil {
			return nil, r.Error
		}
		return nil, &APIError{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: strings.TrimSpace(string(data))}
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

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[Result](data)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, &APIError{Code: "UNKNOWN", Message: "request not ok"}
	}
	return res, nil
}

// ============================================================================
// Snapshots
// ============================================================================

// Fetch returns the full state of scope. It implements Source.
func (c *Client) Fetch(ctx context.Context, scope Scope) (*Snapshot, error) {
	if !scope.Pollable() {
		return nil, fmt.Errorf("scope %s has no fetchable state", scope)
	}
	res, err := c.do(ctx, "GET", "/api/sync/"+string(scope.Kind)+"/"+url.PathEscape(scope.Target), nil, nil)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := res.Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// ============================================================================
// Mutations
// ============================================================================

// SendMessage creates msg. msg.ID should come from NewMessageID so the
// pushed insert confirms the optimistic copy.
func (c *Client) SendMessage(ctx context.Context, msg Message) (*Message, error) {
	res, err := c.do(ctx, "POST", "/api/rooms/"+url.PathEscape(msg.RoomID)+"/messages", msg, nil)
	if err != nil {
		return nil, err
	}
	var out Message
	if err := res.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &out, nil
}

func (c *Client) EditMessage(ctx context.Context, roomID, messageID, content string) error {
	_, err := c.do(ctx, "PATCH", "/api/rooms/"+url.PathEscape(roomID)+"/messages/"+url.PathEscape(messageID),
		map[string]string{"content": content}, nil)
	return err
}

func (c *Client) DeleteMessage(ctx context.Context, roomID, messageID string) error {
	_, err := c.do(ctx, "DELETE", "/api/rooms/"+url.PathEscape(roomID)+"/messages/"+url.PathEscape(messageID), nil, nil)
	return err
}

// ============================================================================
// Voice membership
// ============================================================================

// JoinVoice implements VoiceMembership.
func (c *Client) JoinVoice(ctx context.Context, roomID string) error {
	_, err := c.do(ctx, "POST", "/api/voice/"+url.PathEscape(roomID)+"/join", nil, nil)
	return err
}

// LeaveVoice implements VoiceMembership.
func (c *Client) LeaveVoice(ctx context.Context, roomID string) error {
	_, err := c.do(ctx, "POST", "/api/voice/"+url.PathEscape(roomID)+"/leave", nil, nil)
	return err
}
