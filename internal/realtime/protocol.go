package realtime

import "encoding/json"

// Client-to-server actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionBroadcast   = "broadcast"
	ActionPresence    = "presence"
	ActionPing        = "ping"
)

// Server-to-client events delivered on channels.
const (
	EventTyping             = "typing"
	EventUserJoined         = "user_joined"
	EventUserLeft           = "user_left"
	EventAppointmentCreated = "appointment_created"
	EventAppointmentUpdated = "appointment_updated"
	EventMessageInsert      = "message_insert"
	EventMessageUpdate      = "message_update"
	EventPresenceSync       = "presence_sync"
	EventPresenceJoin       = "presence_join"
	EventPresenceLeave      = "presence_leave"
	EventPong               = "pong"
	EventAck                = "ack"
	EventError              = "error"
)

// Command is the client-to-server wire format.
type Command struct {
	Action  string          `json:"action"`
	Channel string          `json:"channel,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     string          `json:"ref,omitempty"`
}

// Envelope is the server-to-client wire format.
type Envelope struct {
	Channel string          `json:"channel,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     string          `json:"ref,omitempty"`
}

// TypingPayload is carried by typing broadcasts on typing:{chatID} channels.
type TypingPayload struct {
	ChatID    string `json:"chatId"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	IsTyping  bool   `json:"isTyping"`
	Timestamp int64  `json:"timestamp"`
}

// PresenceMeta describes one user's presence on a presence:{chatID} channel.
type PresenceMeta struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Status   string `json:"status"`
	LastSeen int64  `json:"lastSeen"`
}

// PresenceSyncPayload replaces the whole remote presence map.
type PresenceSyncPayload struct {
	Users []PresenceMeta `json:"users"`
}

// MessageChangePayload is carried by message_insert / message_update events
// on chat:{chatID} channels. Mirrors the REST message shape.
type MessageChangePayload struct {
	ID         string `json:"id"`
	ChatID     string `json:"chatId"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Content    string `json:"content"`
	Type       string `json:"type"`
	SentAt     int64  `json:"sentAt"`
	IsDeleted  bool   `json:"isDeleted,omitempty"`
}

// ChatChannel returns the message channel name for a chat.
func ChatChannel(chatID string) string { return "chat:" + chatID }

// TypingChannel returns the typing channel name for a chat.
func TypingChannel(chatID string) string { return "typing:" + chatID }

// PresenceChannel returns the presence channel name for a chat.
func PresenceChannel(chatID string) string { return "presence:" + chatID }
