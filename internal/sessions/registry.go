package sessions

import (
	"sync"

	"github.com/MarcoPoloResearchLab/tessera/backend/internal/board"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultQueueSize bounds each session's outbound queue.
const DefaultQueueSize = 256

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	QueueSize int
	Logger    *zap.Logger
	// NewID overrides session id generation; defaults to UUIDv7.
	NewID func() string
}

// Registry holds one entry per live connection.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	queueSize int
	logger    *zap.Logger
	newID     func() string
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	newID := cfg.NewID
	if newID == nil {
		newID = newSessionID
	}
	return &Registry{
		sessions:  make(map[string]*Session),
		queueSize: queueSize,
		logger:    logger,
		newID:     newID,
	}
}

func newSessionID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// Open registers a new session for user.
func (r *Registry) Open(user board.UserInfo) *Session {
	session := newSession(r.newID(), user, r.queueSize)
	session.onDrop = func() {
		r.logger.Warn("session outbound queue overflow", zap.String("session_id", session.id))
	}
	r.mu.Lock()
	r.sessions[session.id] = session
	r.mu.Unlock()
	metrics.SessionOpened()
	return session
}

// Close closes and unregisters the session.
func (r *Registry) Close(sessionID string) {
	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	if !ok {
		return
	}
	session.Close()
	metrics.SessionClosed()
}

// Get returns a registered session.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[sessionID]
	return session, ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every registered session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for id, session := range r.sessions {
		sessions = append(sessions, session)
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	for _, session := range sessions {
		session.Close()
		metrics.SessionClosed()
	}
}
