// ABOUTME: Connection registry mapping each user to their live delivery sessions
// ABOUTME: Safe for concurrent register/unregister/lookup; readers always get a snapshot

package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/2389/coven-dm/internal/metrics"
	"github.com/2389/coven-dm/internal/store"
)

// ErrSessionClosed is returned by Session.Push after the session has gone away.
var ErrSessionClosed = errors.New("session closed")

// Session is one live delivery channel, bound to a single user at handshake.
type Session interface {
	ID() string
	UserID() string
	// Push delivers a persisted message. It must honour ctx and return
	// promptly once ctx is done.
	Push(ctx context.Context, msg *store.Message) error
}

// Registry tracks the live sessions of every connected user. It lives as
// long as the server that owns it and is never persisted.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]Session // userID -> sessionID -> session
	total    int
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default and nil
// metrics to disable the live session gauge.
func NewRegistry(logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]map[string]Session),
		metrics:  m,
		logger:   logger.With("component", "registry"),
	}
}

// Register adds session under userID. Registering the same session twice is a no-op.
func (r *Registry) Register(userID string, session Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.sessions[userID]
	if !ok {
		subs = make(map[string]Session)
		r.sessions[userID] = subs
	}
	if _, exists := subs[session.ID()]; exists {
		return
	}
	subs[session.ID()] = session
	r.total++
	r.metrics.SetLiveSessions(r.total)

	r.logger.Debug("session registered",
		"user_id", userID,
		"session_id", session.ID(),
		"user_sessions", len(subs))
}

// Unregister removes session from userID. Unknown sessions are ignored.
func (r *Registry) Unregister(userID string, session Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.sessions[userID]
	if !ok {
		return
	}
	if _, exists := subs[session.ID()]; !exists {
		return
	}

	delete(subs, session.ID())
	if len(subs) == 0 {
		delete(r.sessions, userID)
	}
	r.total--
	r.metrics.SetLiveSessions(r.total)

	r.logger.Debug("session unregistered",
		"user_id", userID,
		"session_id", session.ID())
}

// SessionsFor returns a snapshot of userID's live sessions. The slice is the
// caller's to keep; later registry changes don't affect it.
func (r *Registry) SessionsFor(userID string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.sessions[userID]
	if len(subs) == 0 {
		return nil
	}
	out := make([]Session, 0, len(subs))
	for _, s := range subs {
		out = append(out, s)
	}
	return out
}

// IsRegistered reports whether sessionID is currently registered for userID.
func (r *Registry) IsRegistered(userID, sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[userID][sessionID]
	return ok
}

// Count returns the number of registered sessions across all users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// Users returns the number of users with at least one live session.
func (r *Registry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
