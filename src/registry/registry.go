// Package registry tracks which connections are subscribed to which rooms.
// It is the single source of truth for fan-out targets.
package registry

import (
	"sort"
	"sync"

	"github.com/orchestra-mcp/roomcast/src/types"
)

type room struct {
	mu      sync.Mutex
	members map[string]struct{}
	// dead is set once the room has been emptied and unlinked from the
	// registry; late holders of the pointer must look the room up again.
	dead bool
}

// Registry maps room keys to subscriber sets. Each room has its own lock so
// unrelated rooms never contend; the registry lock only guards the maps.
type Registry struct {
	mu     sync.Mutex
	rooms  map[types.RoomKey]*room
	byConn map[string]map[types.RoomKey]struct{}
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		rooms:  make(map[types.RoomKey]*room),
		byConn: make(map[string]map[types.RoomKey]struct{}),
	}
}

// lockRoom returns the live room for key with its lock held, creating it
// when create is set. Returns nil if the room does not exist.
func (r *Registry) lockRoom(key types.RoomKey, create bool) *room {
	for {
		r.mu.Lock()
		rm, ok := r.rooms[key]
		if !ok {
			if !create {
				r.mu.Unlock()
				return nil
			}
			rm = &room{members: make(map[string]struct{})}
			r.rooms[key] = rm
		}
		r.mu.Unlock()

		rm.mu.Lock()
		if !rm.dead {
			return rm
		}
		rm.mu.Unlock()
	}
}

// release unlocks rm, dropping it from the registry if it is empty.
// Must be called with rm.mu held.
func (r *Registry) release(key types.RoomKey, rm *room) {
	if len(rm.members) == 0 {
		rm.dead = true
		r.mu.Lock()
		if r.rooms[key] == rm {
			delete(r.rooms, key)
		}
		r.mu.Unlock()
	}
	rm.mu.Unlock()
}

// Join subscribes connID to key. Joining twice is the same as joining once;
// the result reports whether the subscription is new.
func (r *Registry) Join(connID string, key types.RoomKey) bool {
	rm := r.lockRoom(key, true)
	_, had := rm.members[connID]
	rm.members[connID] = struct{}{}

	r.mu.Lock()
	set := r.byConn[connID]
	if set == nil {
		set = make(map[types.RoomKey]struct{})
		r.byConn[connID] = set
	}
	set[key] = struct{}{}
	r.mu.Unlock()

	r.release(key, rm)
	return !had
}

// Leave unsubscribes connID from key. It is idempotent and reports whether
// a subscription was removed. Once Leave returns, no Deliver call that
// starts afterwards includes connID.
func (r *Registry) Leave(connID string, key types.RoomKey) bool {
	rm := r.lockRoom(key, false)
	if rm == nil {
		return false
	}
	_, had := rm.members[connID]
	delete(rm.members, connID)

	r.mu.Lock()
	if set := r.byConn[connID]; set != nil {
		delete(set, key)
		if len(set) == 0 {
			delete(r.byConn, connID)
		}
	}
	r.mu.Unlock()

	r.release(key, rm)
	return had
}

// LeaveAll removes connID from every room and returns the rooms it left.
func (r *Registry) LeaveAll(connID string) []types.RoomKey {
	keys := r.RoomsOf(connID)
	left := make([]types.RoomKey, 0, len(keys))
	for _, k := range keys {
		if r.Leave(connID, k) {
			left = append(left, k)
		}
	}
	return left
}

// Subscribers returns a snapshot of the connections subscribed to key.
func (r *Registry) Subscribers(key types.RoomKey) []string {
	var ids []string
	r.Deliver(key, func(members []string) {
		ids = members
	})
	return ids
}

// Deliver calls fn with the current subscribers of key while holding the
// room lock, so joins and leaves on that room are ordered strictly before or
// after the whole fan-out. fn must not call back into the registry for the
// same room. fn is not called for rooms without subscribers.
func (r *Registry) Deliver(key types.RoomKey, fn func(ids []string)) {
	rm := r.lockRoom(key, false)
	if rm == nil {
		return
	}
	defer rm.mu.Unlock()

	ids := make([]string, 0, len(rm.members))
	for id := range rm.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	fn(ids)
}

// IsMember reports whether connID is subscribed to key.
func (r *Registry) IsMember(connID string, key types.RoomKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byConn[connID][key]
	return ok
}

// RoomsOf returns the rooms connID is subscribed to.
func (r *Registry) RoomsOf(connID string) []types.RoomKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.byConn[connID]
	out := make([]types.RoomKey, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Rooms returns every room with at least one subscriber and its size.
func (r *Registry) Rooms() map[types.RoomKey]int {
	r.mu.Lock()
	rooms := make(map[types.RoomKey]*room, len(r.rooms))
	for k, rm := range r.rooms {
		rooms[k] = rm
	}
	r.mu.Unlock()

	out := make(map[types.RoomKey]int, len(rooms))
	for k, rm := range rooms {
		rm.mu.Lock()
		if n := len(rm.members); n > 0 && !rm.dead {
			out[k] = n
		}
		rm.mu.Unlock()
	}
	return out
}

// Len returns the number of live rooms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
