package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/room4-2/converse-live/config"
	"github.com/room4-2/converse-live/presets"
)

const (
	activeSessionsKey = "active_sessions"
	redisOpTimeout    = 2 * time.Second
)

var (
	// ErrMaxSessions is returned when the relay is at capacity.
	ErrMaxSessions = errors.New("maximum sessions reached")
	// ErrSessionExists is returned when the requested id is already in use.
	ErrSessionExists = errors.New("session already exists")
	// ErrSessionNotFound is returned when removing an unknown session.
	ErrSessionNotFound = errors.New("session not found")
)

// Dialer opens the upstream side of a new session.
type Dialer interface {
	Dial(ctx context.Context, p presets.Preset) (Upstream, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context, p presets.Preset) (Upstream, error)

// Dial calls f.
func (f DialFunc) Dial(ctx context.Context, p presets.Preset) (Upstream, error) {
	return f(ctx, p)
}

// Info describes one live session for the REST API.
type Info struct {
	SessionID  string `json:"session_id"`
	Agent      string `json:"agent"`
	Turns      int    `json:"turns"`
	Connected  bool   `json:"connected"`
	AgeSeconds int    `json:"age_seconds"`
}

// Stats is a snapshot of the registry.
type Stats struct {
	ActiveSessions int    `json:"active_sessions"`
	Sessions       []Info `json:"sessions"`
}

// Manager manages all client sessions
type Manager struct {
	sessions map[string]*Session
	pending  map[string]struct{} // ids reserved while their upstream dials
	mu       sync.RWMutex
	redis    *redis.Client
	config   *config.Config
	dialer   Dialer
}

// NewManager creates a session registry. rdb may be nil, in which case
// sessions are only tracked in memory.
func NewManager(cfg *config.Config, dialer Dialer, rdb *redis.Client) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		pending:  make(map[string]struct{}),
		redis:    rdb,
		config:   cfg,
		dialer:   dialer,
	}
}

// CreateSession opens the upstream for presetID and registers a session for
// conn under id. An empty id gets a fresh UUID. Unknown presets resolve to
// the default one.
func (sm *Manager) CreateSession(ctx context.Context, id string, conn *websocket.Conn, presetID string) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	preset := presets.Get(presetID)

	if err := sm.reserve(id); err != nil {
		return nil, err
	}

	upstream, err := sm.dialer.Dial(ctx, preset)

	sm.mu.Lock()
	delete(sm.pending, id)
	if err != nil {
		sm.mu.Unlock()
		return nil, fmt.Errorf("open upstream: %w", err)
	}
	session := newSession(id, preset, conn, upstream)
	sm.sessions[id] = session
	sm.mu.Unlock()

	sm.mirror(ctx, session)
	log.Printf("🆕 [%s] Session created (agent=%s, active=%d)", shortID(id), preset.ID, sm.Count())
	return session, nil
}

func (sm *Manager) reserve(id string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.sessions[id]; ok {
		return ErrSessionExists
	}
	if _, ok := sm.pending[id]; ok {
		return ErrSessionExists
	}
	if len(sm.sessions)+len(sm.pending) >= sm.config.MaxSessions {
		return ErrMaxSessions
	}
	sm.pending[id] = struct{}{}
	return nil
}

// mirror saves a session's metadata to Redis
func (sm *Manager) mirror(ctx context.Context, session *Session) {
	if sm.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	key := "session:" + session.ID
	_, err := sm.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"created_at":    session.CreatedAt.Format(time.RFC3339),
			"last_activity": session.LastActivity().Format(time.RFC3339),
			"agent":         session.Preset.ID,
			"status":        "active",
		})
		pipe.SAdd(ctx, activeSessionsKey, session.ID)
		pipe.Expire(ctx, key, sm.config.SessionTimeout)
		return nil
	})
	if err != nil {
		log.Printf("⚠️ [%s] Redis mirror failed: %v", shortID(session.ID), err)
	}
}

// forget drops a session's Redis entry. It runs on a fresh context since it
// is called on shutdown paths where the caller's context may be done.
func (sm *Manager) forget(id string) {
	if sm.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	_, err := sm.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, "session:"+id)
		pipe.SRem(ctx, activeSessionsKey, id)
		return nil
	})
	if err != nil {
		log.Printf("⚠️ [%s] Redis cleanup failed: %v", shortID(id), err)
	}
}

// GetSession retrieves a session by ID
func (sm *Manager) GetSession(sessionID string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	session, exists := sm.sessions[sessionID]
	return session, exists
}

// RemoveSession closes and unregisters a session
func (sm *Manager) RemoveSession(sessionID string) error {
	sm.mu.Lock()
	session, exists := sm.sessions[sessionID]
	delete(sm.sessions, sessionID)
	sm.mu.Unlock()

	if !exists {
		return ErrSessionNotFound
	}

	session.Close()
	sm.forget(sessionID)
	log.Printf("👋 [%s] Session removed (turns=%d)", shortID(sessionID), session.TurnCount())
	return nil
}

// Count returns current session count
func (sm *Manager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// Stats lists the live sessions, oldest first.
func (sm *Manager) Stats() Stats {
	sm.mu.RLock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.mu.RUnlock()

	slices.SortFunc(sessions, func(a, b *Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	now := time.Now()
	stats := Stats{ActiveSessions: len(sessions), Sessions: make([]Info, 0, len(sessions))}
	for _, s := range sessions {
		stats.Sessions = append(stats.Sessions, Info{
			SessionID:  s.ID,
			Agent:      s.Preset.ID,
			Turns:      s.TurnCount(),
			Connected:  !s.IsClosed(),
			AgeSeconds: int(now.Sub(s.CreatedAt).Seconds()),
		})
	}
	return stats
}

// CleanupInactiveSessions removes sessions that have been inactive longer
// than the configured timeout. It returns how many were removed.
func (sm *Manager) CleanupInactiveSessions() int {
	now := time.Now()

	sm.mu.Lock()
	var stale []*Session
	for id, session := range sm.sessions {
		if now.Sub(session.LastActivity()) > sm.config.SessionTimeout {
			stale = append(stale, session)
			delete(sm.sessions, id)
		}
	}
	sm.mu.Unlock()

	for _, session := range stale {
		log.Printf("🧹 [%s] Closing inactive session", shortID(session.ID))
		session.Close()
		sm.forget(session.ID)
	}
	return len(stale)
}

// StartCleanupRoutine runs CleanupInactiveSessions every interval until ctx
// is done.
func (sm *Manager) StartCleanupRoutine(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.CleanupInactiveSessions()
		}
	}
}

// Shutdown closes all sessions
func (sm *Manager) Shutdown() {
	sm.mu.Lock()
	sessions := sm.sessions
	sm.sessions = make(map[string]*Session)
	sm.mu.Unlock()

	for id, session := range sessions {
		session.Close()
		sm.forget(id)
	}

	if sm.redis != nil {
		sm.redis.Close()
	}
}
