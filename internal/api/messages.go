package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// Message is a server-confirmed chat message.
type Message struct {
	ID         string `json:"id"`
	ChatID     string `json:"chatId"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Content    string `json:"content"`
	Type       string `json:"type"`
	SentAt     int64  `json:"sentAt"`
	EditedAt   int64  `json:"editedAt,omitempty"`
	IsDeleted  bool   `json:"isDeleted,omitempty"`
}

// Pagination is the server's page metadata.
type Pagination struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	TotalPages int  `json:"totalPages"`
	HasMore    bool `json:"hasMore"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
	Type    string `json:"type"`
}

type sendMessageResponse struct {
	Message Message `json:"message"`
}

// SendMessage posts a message to a chat and returns the server's copy.
func (c *Client) SendMessage(ctx context.Context, chatID, content, msgType string) (*Message, error) {
	var resp sendMessageResponse
	path := fmt.Sprintf("/api/chat/%s/messages", url.PathEscape(chatID))
	if err := c.do(ctx, http.MethodPost, path, sendMessageRequest{Content: content, Type: msgType}, &resp); err != nil {
		return nil, err
	}
	return &resp.Message, nil
}

type listMessagesResponse struct {
	Messages   []Message  `json:"messages"`
	Pagination Pagination `json:"pagination"`
}

// ListMessages fetches one page of chat history, newest first.
func (c *Client) ListMessages(ctx context.Context, chatID string, page, limit int) ([]Message, *Pagination, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 50
	}
	var resp listMessagesResponse
	path := fmt.Sprintf("/api/chat/%s/messages?page=%d&limit=%d", url.PathEscape(chatID), page, limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, nil, err
	}
	return resp.Messages, &resp.Pagination, nil
}
