package store

// Message type values as delivered by the TutorConnect API.
const (
	TypeText                = "TEXT"
	TypeAppointmentRequest  = "APPOINTMENT_REQUEST"
	TypeAppointmentResponse = "APPOINTMENT_RESPONSE"
	TypeSystemMessage       = "SYSTEM_MESSAGE"
)

// Outbox entry statuses.
const (
	OutboxQueued  = "queued"
	OutboxSending = "sending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// Chat represents a synced chat, typically attached to a tutoring post.
type Chat struct {
	ID                 string
	PostID             string
	Title              string
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
}

// Message represents a synced or optimistic message.
type Message struct {
	RowID        int64
	ChatID       string
	MsgID        string
	SenderID     string
	SenderName   string
	Content      string
	Type         string
	FromMe       bool
	Status       string // sending, sent, delivered, read, failed
	IsOptimistic bool
	Timestamp    int64
}

// OutboxEntry represents a pending outgoing message.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	ChatID       string
	Content      string
	Type         string
	Status       string
	RetryCount   int
	ErrorMessage string
	ServerMsgID  string
	CreatedAt    int64
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
