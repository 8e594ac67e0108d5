package hub

import (
	"sync"

	"github.com/MarcoPoloResearchLab/ordersync/internal/protocol"
)

const defaultMemberBuffer = 64

type member struct {
	id    string
	entry protocol.PresenceEntry
	send  chan []byte
}

type room struct {
	members map[string]*member
	joined  []string
}

// Rooms tracks the channel members of each order.
type Rooms struct {
	mu         sync.RWMutex
	rooms      map[string]*room
	bufferSize int
}

// NewRooms constructs an empty room registry.
func NewRooms() *Rooms {
	return &Rooms{
		rooms:      make(map[string]*room),
		bufferSize: defaultMemberBuffer,
	}
}

func (r *Rooms) newMember(id string, entry protocol.PresenceEntry) *member {
	return &member{id: id, entry: entry, send: make(chan []byte, r.bufferSize)}
}

// join adds a member and returns the room's presence snapshot including it.
func (r *Rooms) join(orderID string, joining *member) []protocol.PresenceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.rooms[orderID]
	if !ok {
		current = &room{members: make(map[string]*member)}
		r.rooms[orderID] = current
	}
	current.members[joining.id] = joining
	current.joined = append(current.joined, joining.id)
	return current.snapshot()
}

// leave removes a member, closes its outbound queue and returns the snapshot
// of who remains. ok is false when the member was already gone.
func (r *Rooms) leave(orderID, memberID string) ([]protocol.PresenceEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, exists := r.rooms[orderID]
	if !exists {
		return nil, false
	}
	leaving, exists := current.members[memberID]
	if !exists {
		return nil, false
	}
	delete(current.members, memberID)
	for index, id := range current.joined {
		if id == memberID {
			current.joined = append(current.joined[:index], current.joined[index+1:]...)
			break
		}
	}
	close(leaving.send)
	if len(current.members) == 0 {
		delete(r.rooms, orderID)
		return []protocol.PresenceEntry{}, true
	}
	return current.snapshot(), true
}

// broadcast queues payload for every member except exceptID. Members whose
// queue is full miss the frame. It returns how many members were reached.
func (r *Rooms) broadcast(orderID string, payload []byte, exceptID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	current, ok := r.rooms[orderID]
	if !ok {
		return 0
	}
	delivered := 0
	for id, target := range current.members {
		if id == exceptID {
			continue
		}
		select {
		case target.send <- payload:
			delivered++
		default:
		}
	}
	return delivered
}

// sendTo queues payload for a single member.
func (r *Rooms) sendTo(orderID, memberID string, payload []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	current, ok := r.rooms[orderID]
	if !ok {
		return false
	}
	target, ok := current.members[memberID]
	if !ok {
		return false
	}
	select {
	case target.send <- payload:
		return true
	default:
		return false
	}
}

// Presence returns the users currently connected to an order.
func (r *Rooms) Presence(orderID string) []protocol.PresenceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	current, ok := r.rooms[orderID]
	if !ok {
		return []protocol.PresenceEntry{}
	}
	return current.snapshot()
}

// snapshot lists one entry per user in the order they first connected. A
// user with several connections appears once.
func (rm *room) snapshot() []protocol.PresenceEntry {
	seen := make(map[string]bool, len(rm.joined))
	users := make([]protocol.PresenceEntry, 0, len(rm.joined))
	for _, id := range rm.joined {
		entry := rm.members[id].entry
		if seen[entry.UserID] {
			continue
		}
		seen[entry.UserID] = true
		users = append(users, entry)
	}
	return users
}
