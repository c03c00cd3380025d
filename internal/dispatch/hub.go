package dispatch

import "sync"

// Hub tracks live connections and their room memberships for fan-out.
// Room membership is broadcast scope only; agent identity lives in the
// registry.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn
	rooms map[string]map[string]*Conn
}

func NewHub() *Hub {
	return &Hub{
		conns: make(map[string]*Conn),
		rooms: make(map[string]map[string]*Conn),
	}
}

func (h *Hub) Add(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.conns[c.ID] = c
}

// Remove drops a connection from the hub and from any room it joined.
func (h *Hub) Remove(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.conns, c.ID)

	for room, members := range h.rooms {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) JoinRoom(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Conn)
		h.rooms[room] = members
	}

	members[c.ID] = c
}

func (h *Hub) Get(id string) *Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.conns[id]
}

func (h *Hub) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.conns)
}

// BroadcastRoom queues an event on every member of a room. Within one room
// events arrive in the order they were emitted here, there's no ordering
// across rooms.
func (h *Hub) BroadcastRoom(room string, ev Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.rooms[room] {
		c.Send(ev)
	}
}

// BroadcastAll queues an event on every live connection.
func (h *Hub) BroadcastAll(ev Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.conns {
		c.Send(ev)
	}
}
