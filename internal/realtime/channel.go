package realtime

import (
	"encoding/json"
	"sync"
)

// Handler receives events delivered on a channel.
type Handler func(event string, payload json.RawMessage)

// Channel is a named realtime channel handle (chat:{id}, typing:{id},
// presence:{id}). Handles are cached by the Manager; all operations
// silently no-op while the connection is down so dependent components
// never crash on a flaky link.
type Channel struct {
	name string
	mgr  *Manager

	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int
}

func newChannel(name string, mgr *Manager) *Channel {
	return &Channel{name: name, mgr: mgr, handlers: make(map[int]Handler)}
}

// Name returns the channel name.
func (ch *Channel) Name() string { return ch.name }

// OnEvent registers a handler for events on this channel. The returned
// function unregisters it.
func (ch *Channel) OnEvent(h Handler) func() {
	ch.mu.Lock()
	id := ch.nextID
	ch.nextID++
	ch.handlers[id] = h
	ch.mu.Unlock()

	return func() {
		ch.mu.Lock()
		delete(ch.handlers, id)
		ch.mu.Unlock()
	}
}

// Broadcast sends an event to the channel. Not connected is not an error.
func (ch *Channel) Broadcast(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return ch.mgr.send(Command{
		Action:  ActionBroadcast,
		Channel: ch.name,
		Event:   event,
		Payload: data,
	})
}

// TrackPresence announces the local user's presence meta on the channel.
func (ch *Channel) TrackPresence(meta PresenceMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return ch.mgr.send(Command{
		Action:  ActionPresence,
		Channel: ch.name,
		Payload: data,
	})
}

func (ch *Channel) dispatch(env Envelope) {
	ch.mu.RLock()
	handlers := make([]Handler, 0, len(ch.handlers))
	for _, h := range ch.handlers {
		handlers = append(handlers, h)
	}
	ch.mu.RUnlock()

	for _, h := range handlers {
		h(env.Event, env.Payload)
	}
}
