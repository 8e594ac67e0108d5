package collab

import (
	"sync"

	"github.com/MarcoPoloResearchLab/ordersync/internal/protocol"
)

// PresenceRegistry holds the users currently viewing an order. The list is
// only ever replaced wholesale by a server snapshot.
type PresenceRegistry struct {
	mu    sync.RWMutex
	users []protocol.PresenceEntry
}

// NewPresenceRegistry constructs an empty registry.
func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{}
}

// Replace swaps in a snapshot. Duplicate user ids collapse to the last entry
// while keeping the position where the id first appeared.
func (r *PresenceRegistry) Replace(users []protocol.PresenceEntry) {
	positions := make(map[string]int, len(users))
	deduped := make([]protocol.PresenceEntry, 0, len(users))
	for _, user := range users {
		if index, seen := positions[user.UserID]; seen {
			deduped[index] = user
			continue
		}
		positions[user.UserID] = len(deduped)
		deduped = append(deduped, user)
	}

	r.mu.Lock()
	r.users = deduped
	r.mu.Unlock()
}

// All returns a copy of the current snapshot.
func (r *PresenceRegistry) All() []protocol.PresenceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]protocol.PresenceEntry{}, r.users...)
}

// Others returns the snapshot without the local user.
func (r *PresenceRegistry) Others(selfID string) []protocol.PresenceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	others := make([]protocol.PresenceEntry, 0, len(r.users))
	for _, user := range r.users {
		if user.UserID != selfID {
			others = append(others, user)
		}
	}
	return others
}

// Clear forgets the snapshot.
func (r *PresenceRegistry) Clear() {
	r.mu.Lock()
	r.users = nil
	r.mu.Unlock()
}
