package bus

import "time"

// Event kinds published on the bus, grouped by namespace prefix.
const (
	KindConnStatusChanged  = "conn.status_changed"
	KindConnNetworkChanged = "conn.network_changed"
	KindConnHeartbeat      = "conn.heartbeat"

	KindMessageQueued     = "message.queued"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"
	KindMessageUpserted   = "message.upserted"

	KindTypingStarted = "typing.started"
	KindTypingStopped = "typing.stopped"

	KindPresenceChanged = "presence.changed"
	KindPresenceSynced  = "presence.synced"

	KindChatJoined = "chat.joined"
	KindChatLeft   = "chat.left"

	KindSyncHistoryBatch = "sync.history_batch"
	KindAuthExpired      = "auth.expired"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// StatusChange is the payload for conn.status_changed.
type StatusChange struct {
	From string
	To   string
}

// MessageRef is the payload for message.queued and message.upserted.
// Inbound marks a message first seen from another user, as opposed to a
// local enqueue or an echo of our own send.
type MessageRef struct {
	ChatID      string
	ClientMsgID string
	Inbound     bool
}

// SendAck is the payload for message.send_ack. It carries the client-to-server
// message ID mapping consumers need to reconcile optimistic entries.
type SendAck struct {
	ChatID      string
	ClientMsgID string
	ServerMsgID string
}

// SendFailure is the payload for message.send_failed.
type SendFailure struct {
	ChatID      string
	ClientMsgID string
	Error       string
	RetryCount  int
}

// TypingChange is the payload for typing.started and typing.stopped.
type TypingChange struct {
	ChatID   string
	UserID   string
	UserName string
}

// PresenceChange is the payload for presence.changed.
type PresenceChange struct {
	UserID string
	Status string
}

// HistoryBatch is the payload for sync.history_batch.
type HistoryBatch struct {
	ChatID   string
	Messages int
	HasMore  bool
}
