package api

import (
	"context"
	"net/http"
)

// Chat is a chat room as listed by the API, attached to a tutoring post.
type Chat struct {
	ID            string `json:"id"`
	PostID        string `json:"postId"`
	Title         string `json:"title"`
	LastMessage   string `json:"lastMessage"`
	LastMessageAt int64  `json:"lastMessageAt"`
	UnreadCount   int    `json:"unreadCount"`
}

type listChatsResponse struct {
	Chats []Chat `json:"chats"`
}

// ListChats fetches the authenticated user's chat list.
func (c *Client) ListChats(ctx context.Context) ([]Chat, error) {
	var resp listChatsResponse
	if err := c.do(ctx, http.MethodGet, "/api/chat", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Chats, nil
}
