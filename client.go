// Package whiz is a Go client for the whiz chat backend.
//
// It keeps a live, deduplicated view of a chat room's messages by reconciling
// optimistic local sends, room history and the room's WebSocket push stream,
// and caches each room's last known state.
//
// Example:
//
//	client := whiz.NewClient(whiz.WithBaseURL("http://localhost:8080"))
//	ctrl := whiz.NewController(client, client.WebSocketURL(), whiz.WithUsername("alice"))
//	defer ctrl.Close()
//
//	go ctrl.Run(ctx)
//	ctrl.SwitchRoom("general")
//	ctrl.SendMessage(ctx, "hello", nil)
package whiz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the chat backend's HTTP API. It implements Backend.
type Client struct {
	baseURL    string
	wsURL      string
	httpClient *http.Client
	logger     zerolog.Logger
	now        func() time.Time
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithWebSocketURL overrides the WebSocket origin derived from the base URL.
func WithWebSocketURL(u string) ClientOption {
	return func(c *Client) { c.wsURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a new chat backend client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the HTTP origin of the backend.
func (c *Client) BaseURL() string { return c.baseURL }

// WebSocketURL returns the ws:// or wss:// origin for live connections.
func (c *Client) WebSocketURL() string {
	if c.wsURL != "" {
		return c.wsURL
	}
	u := strings.Replace(c.baseURL, "https://", "wss://", 1)
	return strings.Replace(u, "http://", "ws://", 1)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("backend request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
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

// ============================================================================
// Rooms
// ============================================================================

// FetchRoomList returns every room known to the backend.
func (c *Client) FetchRoomList(ctx context.Context) ([]Room, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/ws/getRooms", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch rooms: %w", err)
	}
	return decodeRooms(data)
}

// CreateRoom creates a room and returns it as stored by the backend.
func (c *Client) CreateRoom(ctx context.Context, name, description string) (Room, error) {
	payload := map[string]string{"name": name, "description": description}
	data, err := c.doRequest(ctx, http.MethodPost, "/ws/createRoom", payload)
	if err != nil {
		return Room{}, fmt.Errorf("create room %q: %w", name, err)
	}
	room := Room{Name: name, Description: description}
	if gjson.ValidBytes(data) {
		if r := gjson.ParseBytes(data); r.IsObject() {
			created := decodeRoom(r)
			if created.Name != "" {
				room = created
			} else {
				room.ID = created.ID
			}
		}
	}
	return room, nil
}

// ============================================================================
// Messages
// ============================================================================

// FetchRoomHistory returns the authoritative message history of room, oldest
// first.
func (c *Client) FetchRoomHistory(ctx context.Context, room string) ([]Message, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/ws/getMessages/"+url.PathEscape(room), nil)
	if err != nil {
		return nil, err
	}
	return decodeMessages(data, room, c.now())
}

// RecordActivity reports messageID as the last message username saw in room.
func (c *Client) RecordActivity(ctx context.Context, username, room string, messageID int64) error {
	path := "/activity/" + url.PathEscape(username) + "/" + url.PathEscape(room) + "/" + strconv.FormatInt(messageID, 10)
	if _, err := c.doRequest(ctx, http.MethodPost, path, nil); err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}

// ============================================================================
// AI
// ============================================================================

// FetchMessageContext asks the backend to explain a message.
func (c *Client) FetchMessageContext(ctx context.Context, messageID int64) (*MessageContext, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/messages/"+strconv.FormatInt(messageID, 10)+"/context", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch message context: %w", err)
	}
	result, err := decodeJSON[MessageContext](data)
	if err != nil {
		return nil, err
	}
	if result.ID == 0 {
		result.ID = messageID
	}
	return result, nil
}

// FetchMissedSummary returns a summary of what username missed in room.
func (c *Client) FetchMissedSummary(ctx context.Context, username, room string) (*MissedSummary, error) {
	path := "/summaries/missed/" + url.PathEscape(username) + "/" + url.PathEscape(room)
	data, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch missed summary: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("fetch missed summary: invalid JSON")
	}
	r := gjson.ParseBytes(data)
	summary := &MissedSummary{
		Summary:     r.Get("summary").String(),
		Username:    r.Get("username").String(),
		ChannelName: r.Get("channelName").String(),
		TotalCount:  int(r.Get("totalCount").Int()),
		Messages:    []Message{},
	}
	if msgs := r.Get("messages"); msgs.IsArray() {
		decoded, err := decodeMessages([]byte(msgs.Raw), room, c.now())
		if err != nil {
			return nil, fmt.Errorf("fetch missed summary: %w", err)
		}
		summary.Messages = decoded
	}
	if summary.Username == "" {
		summary.Username = username
	}
	if summary.ChannelName == "" {
		summary.ChannelName = room
	}
	return summary, nil
}
