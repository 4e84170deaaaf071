package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/rhymesg/tutorconnect/internal/bus"
	"github.com/rhymesg/tutorconnect/internal/chat"
	"github.com/rhymesg/tutorconnect/internal/outbox"
	"github.com/rhymesg/tutorconnect/internal/realtime"
	"github.com/rhymesg/tutorconnect/internal/session"
	"github.com/rhymesg/tutorconnect/internal/status"
	"github.com/rhymesg/tutorconnect/internal/store"
	intsync "github.com/rhymesg/tutorconnect/internal/sync"
	"go.uber.org/zap"
)

// Server is the daemon's control API: HTTP/JSON over the session's Unix
// domain socket.
type Server struct {
	httpServer  *http.Server
	listener    net.Listener
	socketPath  string
	sessionName string
	machine     *status.Machine
	mgr         *realtime.Manager
	db          *store.DB
	sender      *outbox.Sender
	engine      *intsync.Engine
	chats       *chat.Service
	bus         *bus.Bus
	logger      *zap.Logger
}

// NewServer creates the control server bound to the session's socket.
func NewServer(
	p Params,
	logger *zap.Logger,
	machine *status.Machine,
	mgr *realtime.Manager,
	db *store.DB,
	sender *outbox.Sender,
	engine *intsync.Engine,
	chats *chat.Service,
	b *bus.Bus,
) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	s := &Server{
		listener:    listener,
		socketPath:  socketPath,
		sessionName: p.SessionName,
		machine:     machine,
		mgr:         mgr,
		db:          db,
		sender:      sender,
		engine:      engine,
		chats:       chats,
		bus:         b,
		logger:      logger,
	}
	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/connect", s.handleConnect).Methods(http.MethodPost)
	v1.HandleFunc("/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	v1.HandleFunc("/reconnect", s.handleReconnect).Methods(http.MethodPost)

	v1.HandleFunc("/chats", s.handleListChats).Methods(http.MethodGet)
	v1.HandleFunc("/chats/{id}/join", s.handleJoin).Methods(http.MethodPost)
	v1.HandleFunc("/chats/{id}/leave", s.handleLeave).Methods(http.MethodPost)
	v1.HandleFunc("/chats/{id}/messages", s.handleListMessages).Methods(http.MethodGet)
	v1.HandleFunc("/chats/{id}/messages", s.handleSendMessage).Methods(http.MethodPost)
	v1.HandleFunc("/chats/{id}/typing", s.handleTyping).Methods(http.MethodPost)
	v1.HandleFunc("/chats/{id}/read", s.handleMarkRead).Methods(http.MethodPost)
	v1.HandleFunc("/chats/{id}/participants", s.handleParticipants).Methods(http.MethodGet)
	v1.HandleFunc("/chats/{id}/stats", s.handleRoomStats).Methods(http.MethodGet)

	v1.HandleFunc("/outbox/failed", s.handleFailedOutbox).Methods(http.MethodGet)
	v1.HandleFunc("/outbox/{clientMsgId}/retry", s.handleRetryOutbox).Methods(http.MethodPost)

	v1.HandleFunc("/presence", s.handlePresence).Methods(http.MethodPost)
	v1.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet)
	v1.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	return r
}

// Start begins serving control requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("control server starting", zap.String("socket", s.socketPath))
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("control server stopping")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		_ = s.httpServer.Close()
	}
	_ = os.Remove(s.socketPath)
}
