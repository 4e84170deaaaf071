package ctl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rhymesg/tutorconnect/internal/chat"
	"github.com/rhymesg/tutorconnect/internal/store"
)

// Client talks to a running daemon over its Unix control socket.
type Client struct {
	http *http.Client
}

// New creates a control client for the daemon listening on socketPath.
func New(socketPath string) *Client {
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 30 * time.Second,
		},
	}
}

// StatusInfo mirrors the daemon's /v1/status response.
type StatusInfo struct {
	Session          string `json:"session"`
	Status           string `json:"status"`
	Network          string `json:"network"`
	IsConnected      bool   `json:"isConnected"`
	RetryCount       int    `json:"retryCount"`
	Error            string `json:"error,omitempty"`
	LatencyMs        int64  `json:"latencyMs"`
	LastConnectedAt  int64  `json:"lastConnectedAt,omitempty"`
	LastDisconnected int64  `json:"lastDisconnectedAt,omitempty"`
	LastReconcileAt  int64  `json:"lastReconcileAt,omitempty"`
	JoinedChats      int    `json:"joinedChats"`
}

// Event is one entry from the daemon's event stream.
type Event struct {
	Kind string
	Data json.RawMessage
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewBuffer(data)
	} else {
		payload = &bytes.Buffer{}
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://unix"+path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("daemon: %s", e.Error)
		}
		return fmt.Errorf("daemon: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Status fetches the daemon's connection status.
func (c *Client) Status(ctx context.Context) (*StatusInfo, error) {
	var info StatusInfo
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Connect asks the daemon to establish the realtime link.
func (c *Client) Connect(ctx context.Context) (*StatusInfo, error) {
	var info StatusInfo
	if err := c.do(ctx, http.MethodPost, "/v1/connect", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Disconnect asks the daemon to close the realtime link.
func (c *Client) Disconnect(ctx context.Context) (*StatusInfo, error) {
	var info StatusInfo
	if err := c.do(ctx, http.MethodPost, "/v1/disconnect", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Reconnect forces a fresh connection with a reset retry budget.
func (c *Client) Reconnect(ctx context.Context) (*StatusInfo, error) {
	var info StatusInfo
	if err := c.do(ctx, http.MethodPost, "/v1/reconnect", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Chats lists the locally known chats.
func (c *Client) Chats(ctx context.Context) ([]store.Chat, error) {
	var resp struct {
		Chats []store.Chat `json:"chats"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/chats", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Chats, nil
}

// Join opens a chat room on the daemon.
func (c *Client) Join(ctx context.Context, chatID string) (*chat.RoomStats, error) {
	var stats chat.RoomStats
	if err := c.do(ctx, http.MethodPost, "/v1/chats/"+url.PathEscape(chatID)+"/join", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Leave closes a chat room on the daemon.
func (c *Client) Leave(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodPost, "/v1/chats/"+url.PathEscape(chatID)+"/leave", nil, nil)
}

// Messages lists a chat's stored messages, newest first.
func (c *Client) Messages(ctx context.Context, chatID string, before int64, limit int) ([]store.Message, error) {
	path := fmt.Sprintf("/v1/chats/%s/messages?before=%d&limit=%d", url.PathEscape(chatID), before, limit)
	var resp struct {
		Messages []store.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Send queues a message and returns its client-side ID.
func (c *Client) Send(ctx context.Context, chatID, content, msgType string) (string, error) {
	body := map[string]string{"content": content, "type": msgType}
	var resp struct {
		ClientMsgID string `json:"clientMsgId"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/chats/"+url.PathEscape(chatID)+"/messages", body, &resp); err != nil {
		return "", err
	}
	return resp.ClientMsgID, nil
}

// Typing reports local typing activity for a joined chat.
func (c *Client) Typing(ctx context.Context, chatID string, typing bool) error {
	return c.do(ctx, http.MethodPost, "/v1/chats/"+url.PathEscape(chatID)+"/typing", map[string]bool{"typing": typing}, nil)
}

// MarkRead clears a chat's unread state.
func (c *Client) MarkRead(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodPost, "/v1/chats/"+url.PathEscape(chatID)+"/read", nil, nil)
}

// Participants lists a joined chat's remote users and the typing line.
func (c *Client) Participants(ctx context.Context, chatID string) ([]chat.Participant, string, error) {
	var resp struct {
		Participants []chat.Participant `json:"participants"`
		Typing       string             `json:"typing"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/chats/"+url.PathEscape(chatID)+"/participants", nil, &resp); err != nil {
		return nil, "", err
	}
	return resp.Participants, resp.Typing, nil
}

// FailedOutbox lists messages that exhausted their delivery retries.
func (c *Client) FailedOutbox(ctx context.Context) ([]store.OutboxEntry, error) {
	var resp struct {
		Failed []store.OutboxEntry `json:"failed"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/outbox/failed", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Failed, nil
}

// RetryOutbox requeues a failed message.
func (c *Client) RetryOutbox(ctx context.Context, clientMsgID string) error {
	return c.do(ctx, http.MethodPost, "/v1/outbox/"+url.PathEscape(clientMsgID)+"/retry", nil, nil)
}

// SetVisible reports window visibility to the daemon's presence trackers.
func (c *Client) SetVisible(ctx context.Context, visible bool) error {
	return c.do(ctx, http.MethodPost, "/v1/presence", map[string]bool{"visible": visible}, nil)
}

// Search runs a full-text search over stored messages.
func (c *Client) Search(ctx context.Context, query, chatID string, limit int) ([]store.SearchResult, error) {
	path := fmt.Sprintf("/v1/search?q=%s&chat=%s&limit=%d", url.QueryEscape(query), url.QueryEscape(chatID), limit)
	var resp struct {
		Results []store.SearchResult `json:"results"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Follow streams daemon events until the context ends. fn is called for
// each event; prefix narrows the stream to one namespace.
func (c *Client) Follow(ctx context.Context, prefix string, fn func(Event)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://unix/v1/events?prefix="+url.QueryEscape(prefix), nil)
	if err != nil {
		return err
	}

	// The stream outlives the normal request timeout.
	client := &http.Client{Transport: c.http.Transport}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon: %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	var kind string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			kind = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if kind != "" {
				fn(Event{Kind: kind, Data: json.RawMessage(strings.TrimPrefix(line, "data: "))})
				kind = ""
			}
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}
