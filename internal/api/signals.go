package api

import (
	"context"
	"net/http"
)

type typingRequest struct {
	ChatID   string `json:"chatId"`
	IsTyping bool   `json:"isTyping"`
}

// PostTyping reports typing state over REST. The realtime channel is the
// primary path; this endpoint backs it up when the channel is down.
func (c *Client) PostTyping(ctx context.Context, chatID string, isTyping bool) error {
	return c.do(ctx, http.MethodPost, "/api/messages/typing", typingRequest{ChatID: chatID, IsTyping: isTyping}, nil)
}

type readReceiptRequest struct {
	ChatID string `json:"chatId"`
}

// PostReadReceipt marks every message in a chat as read for the current user.
func (c *Client) PostReadReceipt(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodPost, "/api/messages/read-receipts", readReceiptRequest{ChatID: chatID}, nil)
}
