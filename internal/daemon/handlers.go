package daemon

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

type statusResponse struct {
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

func (s *Server) statusSnapshot() statusResponse {
	snap := s.machine.Snapshot()
	resp := statusResponse{
		Session:     s.sessionName,
		Status:      string(snap.Status),
		Network:     string(snap.Network),
		IsConnected: snap.IsConnected,
		RetryCount:  snap.RetryCount,
		Error:       snap.Error,
		LatencyMs:   snap.Latency.Milliseconds(),
		JoinedChats: len(s.chats.Rooms()),
	}
	if !snap.LastConnectedAt.IsZero() {
		resp.LastConnectedAt = snap.LastConnectedAt.UnixMilli()
	}
	if !snap.LastDisconnected.IsZero() {
		resp.LastDisconnected = snap.LastDisconnected.UnixMilli()
	}
	if last := s.engine.LastReconcile(); !last.IsZero() {
		resp.LastReconcileAt = last.UnixMilli()
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.statusSnapshot())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Connect(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, s.statusSnapshot())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.mgr.Disconnect()
	writeJSON(w, http.StatusOK, s.statusSnapshot())
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Reconnect(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, s.statusSnapshot())
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)
	chats, err := s.db.ListChats(limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["id"]
	room, err := s.chats.Join(r.Context(), chatID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, room.Stats())
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	s.chats.Leave(mux.Vars(r)["id"])
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["id"]
	before := int64(queryInt(r, "before", 0))
	limit := queryInt(r, "limit", 50)

	messages, err := s.db.ListMessages(chatID, before, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

type sendMessageRequest struct {
	Content string `json:"content"`
	Type    string `json:"type"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["id"]
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("content is required"))
		return
	}

	var clientMsgID string
	var err error
	if room := s.chats.Room(chatID); room != nil {
		clientMsgID, err = room.Send(req.Content, req.Type)
	} else {
		clientMsgID, err = s.sender.Enqueue(chatID, req.Content, req.Type)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"clientMsgId": clientMsgID})
}

type typingRequest struct {
	Typing bool `json:"typing"`
}

func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["id"]
	room := s.chats.Room(chatID)
	if room == nil {
		writeError(w, http.StatusConflict, fmt.Errorf("chat %s is not joined", chatID))
		return
	}

	var req typingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Typing {
		room.Typing().Activity()
	} else {
		room.Typing().Stop()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["id"]
	if err := s.engine.MarkRead(r.Context(), chatID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleParticipants(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["id"]
	room := s.chats.Room(chatID)
	if room == nil {
		writeError(w, http.StatusConflict, fmt.Errorf("chat %s is not joined", chatID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"participants": room.Participants(), "typing": room.Typing().Format()})
}

func (s *Server) handleRoomStats(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["id"]
	room := s.chats.Room(chatID)
	if room == nil {
		writeError(w, http.StatusConflict, fmt.Errorf("chat %s is not joined", chatID))
		return
	}
	writeJSON(w, http.StatusOK, room.Stats())
}

func (s *Server) handleFailedOutbox(w http.ResponseWriter, r *http.Request) {
	failed, err := s.sender.Failed()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"failed": failed})
}

func (s *Server) handleRetryOutbox(w http.ResponseWriter, r *http.Request) {
	clientMsgID := mux.Vars(r)["clientMsgId"]
	if err := s.sender.Retry(clientMsgID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type presenceRequest struct {
	Visible  *bool `json:"visible,omitempty"`
	Activity bool  `json:"activity,omitempty"`
	Online   *bool `json:"online,omitempty"`
}

// handlePresence fans client-side signals (focus changes, input activity,
// network hints) out to every joined room.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	var req presenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if req.Online != nil {
		s.mgr.SetNetworkOnline(*req.Online)
	}
	for _, room := range s.chats.Rooms() {
		if req.Visible != nil {
			room.Presence().SetVisible(*req.Visible)
		}
		if req.Activity {
			room.Presence().Activity()
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("q is required"))
		return
	}
	chatID := r.URL.Query().Get("chat")
	limit := queryInt(r, "limit", 50)

	results, err := s.db.SearchMessages(query, chatID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// handleEvents streams bus events as server-sent events. An optional prefix
// query narrows the stream to one namespace, e.g. ?prefix=message.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	prefix := r.URL.Query().Get("prefix")
	events, unsubscribe := s.bus.Subscribe(prefix, 64)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case ev := <-events:
			payload, err := json.Marshal(ev.Payload)
			if err != nil {
				s.logger.Warn("unencodable event payload", zap.String("kind", ev.Kind), zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
