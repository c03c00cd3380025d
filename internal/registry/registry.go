// Package registry tracks print agents that are currently online. It only
// knows about identities and rooms, not about the underlying websocket
// connections.
package registry

import (
	"sync"
	"time"
)

// Device states reported by print agents.
const (
	StateReady   = "ready"
	StateBusy    = "busy"
	StateError   = "error"
	StateOffline = "offline"
)

// DeviceStatus describes the printer attached to an agent.
type DeviceStatus struct {
	State string `json:"state"`
	Model string `json:"model,omitempty"`
}

// Agent is a single online print agent. One agent identity maps to exactly
// one live record; re-registering the same identity replaces the old record.
type Agent struct {
	ID          string       `json:"id"`
	ChannelID   string       `json:"-"`
	Room        string       `json:"room"`
	UserID      string       `json:"userId,omitempty"`
	PairingCode string       `json:"pairingCode"`
	Status      DeviceStatus `json:"status"`
	Version     string       `json:"version,omitempty"`
	Addr        string       `json:"-"`
	ConnectedAt time.Time    `json:"connectedAt"`
	LastSeen    time.Time    `json:"lastSeen"`
}

// Registry holds every online agent. All methods are safe for concurrent
// use, reads see every finished mutation.
type Registry struct {
	mu        sync.RWMutex
	byID      map[string]*Agent
	byChannel map[string]string
}

func New() *Registry {
	return &Registry{
		byID:      make(map[string]*Agent),
		byChannel: make(map[string]string),
	}
}

// Register inserts an agent unconditionally. Callers that want idempotent
// registration must check GetByChannel first, the registry itself doesn't
// deduplicate.
func (r *Registry) Register(id, channel, room, userID, pairingCode string, status DeviceStatus, version, addr string) *Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	if status.State == "" {
		status.State = StateReady
	}

	now := time.Now()
	a := &Agent{
		ID:          id,
		ChannelID:   channel,
		Room:        room,
		UserID:      userID,
		PairingCode: pairingCode,
		Status:      status,
		Version:     version,
		Addr:        addr,
		ConnectedAt: now,
		LastSeen:    now,
	}

	if old, ok := r.byID[id]; ok {
		delete(r.byChannel, old.ChannelID)
	}

	r.byID[id] = a
	r.byChannel[channel] = id

	return snapshot(a)
}

// UnregisterByChannel removes the agent bound to the given connection and
// returns a copy of it, or nil if the connection held no agent.
func (r *Registry) UnregisterByChannel(channel string) *Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byChannel[channel]
	if !ok {
		return nil
	}

	a := r.byID[id]
	delete(r.byID, id)
	delete(r.byChannel, channel)

	return snapshot(a)
}

// Touch refreshes an agent's last-seen time. Unknown ids are ignored.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.byID[id]; ok {
		a.LastSeen = time.Now()
	}
}

// UpdateStatus replaces an agent's device status and refreshes last-seen.
func (r *Registry) UpdateStatus(id string, status DeviceStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.byID[id]
	if !ok {
		return false
	}

	a.Status = status
	a.LastSeen = time.Now()

	return true
}

func (r *Registry) GetByID(id string) *Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return snapshot(r.byID[id])
}

func (r *Registry) GetByChannel(channel string) *Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byChannel[channel]
	if !ok {
		return nil
	}

	return snapshot(r.byID[id])
}

func (r *Registry) IsOnline(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.byID[id]
	return ok
}

// ListAll returns a copy of every online agent, in no particular order.
func (r *Registry) ListAll() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Agent, 0, len(r.byID))
	for _, a := range r.byID {
		out = append(out, snapshot(a))
	}

	return out
}

// ListByRoom returns every agent registered into the given room.
func (r *Registry) ListByRoom(room string) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Agent
	for _, a := range r.byID {
		if a.Room == room {
			out = append(out, snapshot(a))
		}
	}

	return out
}

// CountByRoom returns how many agents are online per room.
func (r *Registry) CountByRoom() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int)
	for _, a := range r.byID {
		out[a.Room]++
	}

	return out
}

func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byID)
}

// SweepStale removes every agent whose last-seen time is older than the
// threshold, whether or not its connection is still open, and returns the
// removed records. Agents seen within the threshold are left untouched.
func (r *Registry) SweepStale(threshold time.Duration) []*Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-threshold)

	var removed []*Agent
	for id, a := range r.byID {
		if a.LastSeen.Before(cutoff) {
			removed = append(removed, snapshot(a))
			delete(r.byID, id)
			delete(r.byChannel, a.ChannelID)
		}
	}

	return removed
}

// snapshot copies a record so callers can't mutate registry state through
// the returned pointer.
func snapshot(a *Agent) *Agent {
	if a == nil {
		return nil
	}

	c := *a
	return &c
}
