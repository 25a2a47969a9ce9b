// Package server exposes the relay over HTTP: one WebSocket endpoint per live
// session plus a small REST API for presets and session bookkeeping.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"slices"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/room4-2/converse-live/config"
	"github.com/room4-2/converse-live/messages"
	"github.com/room4-2/converse-live/presets"
	"github.com/room4-2/converse-live/session"
)

const defaultConfigWait = 2 * time.Second

// Server is the relay's HTTP front.
type Server struct {
	httpServer     *http.Server
	upgrader       websocket.Upgrader
	sessionManager *session.Manager
	config         *config.Config
	configWait     time.Duration
}

// New builds the relay server around a session registry.
func New(cfg *config.Config, sessionManager *session.Manager) *Server {
	s := &Server{
		sessionManager: sessionManager,
		config:         cfg,
		configWait:     defaultConfigWait,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    64 * 1024, // 64KB for audio chunks
			WriteBufferSize:   64 * 1024, // 64KB for audio chunks
			EnableCompression: true,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(cfg.AllowedOrigins, r.Header.Get("Origin"))
			},
		},
	}

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: s.Handler(),
		// No ReadTimeout/WriteTimeout: they would cut long-lived WebSocket
		// connections. The session sets its own write deadlines.
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the routed handler wrapped with CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/session", s.handleWebSocket)
	mux.HandleFunc("GET /ws/session/{id}", s.handleWebSocket)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/agents", s.handleAgents)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("POST /api/sessions/{id}/end", s.handleEndSession)

	c := cors.New(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(mux)
}

// originAllowed accepts configured origins, "*", and requests without an
// Origin header (non-browser clients such as the terminal client).
func originAllowed(allowed []string, origin string) bool {
	if origin == "" {
		return true
	}
	return slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
}

// Start begins listening for connections
func (s *Server) Start() error {
	log.Printf("🚀 Relay server starting on port %d", s.config.Port)
	log.Printf("📡 WebSocket endpoint: ws://localhost:%d/ws/session/{id}", s.config.Port)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("🛑 Shutting down server...")
	s.sessionManager.Shutdown()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Upgrade HTTP to WebSocket
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	presetID, first, err := awaitConfig(conn, s.configWait)
	if err != nil {
		log.Printf("Client left before the session started: %v", err)
		conn.Close()
		return
	}

	clientSession, err := s.sessionManager.CreateSession(r.Context(), r.PathValue("id"), conn, presetID)
	if err != nil {
		log.Printf("❌ Failed to create session: %v", err)
		rejectSession(conn, err)
		return
	}

	if err := clientSession.Run(r.Context(), first); err != nil {
		log.Printf("⚠️ [%s] Session ended with error: %v", clientSession.ID, err)
	}

	if err := s.sessionManager.RemoveSession(clientSession.ID); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		log.Printf("⚠️ [%s] Remove session: %v", clientSession.ID, err)
	}
	log.Printf("🔌 Session closed: %s", clientSession.ID)
}

// awaitConfig waits up to wait for the optional config message that selects
// the preset. Any other first message is handed back through the returned
// channel so the session can process it. A gorilla connection cannot be read
// again after a read deadline fires, so the read runs in its own goroutine
// instead.
func awaitConfig(conn *websocket.Conn, wait time.Duration) (string, <-chan session.Inbound, error) {
	reads := make(chan session.Inbound, 1)
	go func() {
		mt, data, err := conn.ReadMessage()
		reads <- session.Inbound{Type: mt, Data: data, Err: err}
	}()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case in := <-reads:
		if in.Err != nil {
			return "", nil, in.Err
		}
		if in.Type == websocket.TextMessage {
			if msg, err := messages.Decode(in.Data); err == nil {
				if cfg, ok := msg.(messages.Config); ok {
					return cfg.Preset, nil, nil
				}
			}
		}
		replay := make(chan session.Inbound, 1)
		replay <- in
		return "", replay, nil
	case <-timer.C:
		return "", reads, nil
	}
}

// rejectSession tells the client why its session could not start and closes
// the socket.
func rejectSession(conn *websocket.Conn, cause error) {
	defer conn.Close()

	data, err := messages.Encode(messages.Error{Message: cause.Error()})
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return
	}
	code := websocket.CloseInternalServerErr
	if errors.Is(cause, session.ErrMaxSessions) {
		code = websocket.CloseTryAgainLater
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.sessionManager.Count(),
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": presets.List()})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessionManager.Stats())
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessionManager.RemoveSession(id); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended", "session_id": id})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
