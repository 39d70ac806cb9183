package routing

import (
	"sync"

	"github.com/caseline/relay/internal/model/relay"
)

// Roster remembers the role of every user id the relay knows about: the
// configured defaults, configured actors and anyone who has registered.
// Queued delivery is only offered to ids on the roster.
type Roster struct {
	mu    sync.RWMutex
	roles map[string]relay.Role
}

// NewRoster returns a roster seeded with the given actors.
func NewRoster(seed map[string]relay.Role) *Roster {
	roles := make(map[string]relay.Role, len(seed))
	for userID, role := range seed {
		if userID != "" && role.Valid() {
			roles[userID] = role
		}
	}
	return &Roster{roles: roles}
}

// Learn records userID under role.
func (r *Roster) Learn(userID string, role relay.Role) {
	if userID == "" || !role.Valid() {
		return
	}
	r.mu.Lock()
	r.roles[userID] = role
	r.mu.Unlock()
}

// RoleOf returns the last known role of userID.
func (r *Roster) RoleOf(userID string) (relay.Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.roles[userID]
	return role, ok
}
