package dispatch

import "sync"

// Room names. Every connected user is in their personal room plus a
// role room; ride participants additionally join the ride room.
const (
	RoomDrivers    = "drivers"
	RoomPassengers = "passengers"
	RoomAdmin      = "admin"
)

func RideRoom(rideID string) string { return "ride_" + rideID }
func UserRoom(userID string) string { return "user_" + userID }

// Hub is the broadcast fabric: a set of sessions per logical channel
// name. Membership is owned by the coordinator and updated on connect,
// disconnect and ride transitions.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Session]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Session]struct{})}
}

func (h *Hub) Join(room string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Session]struct{})
		h.rooms[room] = members
	}
	members[s] = struct{}{}
}

func (h *Hub) Leave(room string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[room]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// LeaveAll removes the session from every room it joined.
func (h *Hub) LeaveAll(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room, members := range h.rooms {
		delete(members, s)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Broadcast sends the event to every member of the room except the
// sender. Delivery is per-session and non-blocking; a dead member never
// prevents delivery to the rest.
func (h *Hub) Broadcast(room string, ev OutEvent, except *Session) {
	for _, m := range h.members(room) {
		if m == except {
			continue
		}
		m.Send(ev)
	}
}

func (h *Hub) members(room string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.rooms[room]))
	for m := range h.rooms[room] {
		out = append(out, m)
	}
	return out
}

// Count returns the current membership of a room.
func (h *Hub) Count(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
