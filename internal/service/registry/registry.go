package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/caseline/relay/internal/model/relay"
)

var (
	ErrUserIDRequired       = errors.New("user id is required")
	ErrConnectionIDRequired = errors.New("connection id is required")
	ErrInvalidRole          = errors.New("invalid user type")
)

// Registry tracks which users are online and under which role. Sessions are
// keyed by user id; a newer register for the same user displaces the old one.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]relay.Session
	byConn map[string]string // connection id -> user id
	now    func() time.Time
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		byUser: make(map[string]relay.Session),
		byConn: make(map[string]string),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Upsert registers userID on connectionID. When the user was already bound to
// a different connection, that session is evicted and returned as displaced.
// Re-registering on the same connection keeps the original connectedAt.
func (r *Registry) Upsert(userID string, role relay.Role, connectionID string) (session relay.Session, displaced *relay.Session, err error) {
	if userID == "" {
		return relay.Session{}, nil, ErrUserIDRequired
	}
	if connectionID == "" {
		return relay.Session{}, nil, ErrConnectionIDRequired
	}
	if !role.Valid() {
		return relay.Session{}, nil, ErrInvalidRole
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	connectedAt := r.now()
	if existing, ok := r.byUser[userID]; ok {
		if existing.ConnectionID == connectionID {
			connectedAt = existing.ConnectedAt
		} else {
			old := existing
			displaced = &old
			delete(r.byConn, existing.ConnectionID)
		}
	}

	// A connection carries at most one user; switching identity on the same
	// connection releases the previous one.
	if prevUser, ok := r.byConn[connectionID]; ok && prevUser != userID {
		delete(r.byUser, prevUser)
	}

	session = relay.Session{
		ConnectionID: connectionID,
		UserID:       userID,
		UserType:     role,
		ConnectedAt:  connectedAt,
	}
	r.byUser[userID] = session
	r.byConn[connectionID] = userID

	return session, displaced, nil
}

// Remove drops the session bound to connectionID. It is a no-op when the
// connection never registered or has already been displaced.
func (r *Registry) Remove(connectionID string) (relay.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[connectionID]
	if !ok {
		return relay.Session{}, false
	}
	delete(r.byConn, connectionID)

	session, ok := r.byUser[userID]
	if !ok || session.ConnectionID != connectionID {
		return relay.Session{}, false
	}
	delete(r.byUser, userID)
	return session, true
}

// Get returns the live session for userID.
func (r *Registry) Get(userID string) (relay.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.byUser[userID]
	return session, ok
}

// Lookup returns the session currently bound to connectionID.
func (r *Registry) Lookup(connectionID string) (relay.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userID, ok := r.byConn[connectionID]
	if !ok {
		return relay.Session{}, false
	}
	session, ok := r.byUser[userID]
	if !ok || session.ConnectionID != connectionID {
		return relay.Session{}, false
	}
	return session, true
}

// ListByRole returns a snapshot of the sessions registered under role,
// oldest connection first.
func (r *Registry) ListByRole(role relay.Role) []relay.Session {
	r.mu.RLock()
	out := make([]relay.Session, 0, len(r.byUser))
	for _, session := range r.byUser {
		if session.UserType == role {
			out = append(out, session)
		}
	}
	r.mu.RUnlock()

	sortSessions(out)
	return out
}

// List returns a snapshot of every live session, oldest connection first.
func (r *Registry) List() []relay.Session {
	r.mu.RLock()
	out := make([]relay.Session, 0, len(r.byUser))
	for _, session := range r.byUser {
		out = append(out, session)
	}
	r.mu.RUnlock()

	sortSessions(out)
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

func sortSessions(sessions []relay.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].ConnectedAt.Equal(sessions[j].ConnectedAt) {
			return sessions[i].ConnectedAt.Before(sessions[j].ConnectedAt)
		}
		return sessions[i].UserID < sessions[j].UserID
	})
}
