package realtime

import "sync"

// Registry maps live transport sessions to the room of the identity they
// joined. A room groups every session of one authenticated user and is the
// unit of fan-out delivery.
//
// The registry is a delivery-scoping mechanism, not a security boundary:
// it trusts whatever identity Join is called with. The session layer only
// calls Join after verifying the client's bearer token, and the real
// ownership gate is the gateway's owner check on every mutation.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{} // identity -> transportID set
	joined map[string]string             // transportID -> identity
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:  make(map[string]map[string]struct{}),
		joined: make(map[string]string),
	}
}

// Join binds the session to the room named by identity. Joining again with
// the same identity is a no-op; joining with a different identity replaces
// the previous binding. A session is in at most one room.
func (r *Registry) Join(transportID, identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.joined[transportID]; ok {
		if prev == identity {
			return
		}
		r.removeLocked(transportID, prev)
	}
	room := r.rooms[identity]
	if room == nil {
		room = make(map[string]struct{})
		r.rooms[identity] = room
	}
	room[transportID] = struct{}{}
	r.joined[transportID] = identity
}

// Leave removes the session's binding. Safe to call on a session that
// never joined.
func (r *Registry) Leave(transportID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.joined[transportID]
	if !ok {
		return
	}
	r.removeLocked(transportID, identity)
}

func (r *Registry) removeLocked(transportID, identity string) {
	delete(r.joined, transportID)
	if room := r.rooms[identity]; room != nil {
		delete(room, transportID)
		if len(room) == 0 {
			delete(r.rooms, identity)
		}
	}
}

// SessionsInRoom returns the room membership at call time. The snapshot
// may race with concurrent joins and leaves; delivery is best effort.
func (r *Registry) SessionsInRoom(identity string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room := r.rooms[identity]
	if len(room) == 0 {
		return nil
	}
	ids := make([]string, 0, len(room))
	for id := range room {
		ids = append(ids, id)
	}
	return ids
}

// RoomOf returns the identity the session joined, if any.
func (r *Registry) RoomOf(transportID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	identity, ok := r.joined[transportID]
	return identity, ok
}
