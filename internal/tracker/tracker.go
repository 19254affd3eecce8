// Package tracker records which response is authoritative for each room.
//
// A new run for a room always takes over (last admitted wins). A run may only
// deliver while its response ID is still the one tracked for its room.
package tracker

import (
	"sync"

	"github.com/user/parley/internal/types"
)

// Tracker is a per-agent, per-room table of authoritative response IDs.
// It is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	byAgent map[types.AgentID]map[types.RoomID]types.ResponseID
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{byAgent: make(map[types.AgentID]map[types.RoomID]types.ResponseID)}
}

// Begin allocates a fresh response ID and makes it authoritative for room,
// superseding whatever was tracked before.
func (t *Tracker) Begin(agent types.AgentID, room types.RoomID) types.ResponseID {
	id := types.NewResponseID()
	t.Set(agent, room, id)
	return id
}

// Set makes id authoritative for room.
func (t *Tracker) Set(agent types.AgentID, room types.RoomID, id types.ResponseID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rooms, ok := t.byAgent[agent]
	if !ok {
		rooms = make(map[types.RoomID]types.ResponseID)
		t.byAgent[agent] = rooms
	}
	rooms[room] = id
}

// Current returns the authoritative response ID for room.
func (t *Tracker) Current(agent types.AgentID, room types.RoomID) (types.ResponseID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.byAgent[agent][room]
	return id, ok
}

// IsCurrent reports whether id is still authoritative for room.
func (t *Tracker) IsCurrent(agent types.AgentID, room types.RoomID, id types.ResponseID) bool {
	cur, ok := t.Current(agent, room)
	return ok && cur == id
}

// End releases id for room. A newer run's entry is left in place. The agent
// entry is dropped once it tracks no rooms.
func (t *Tracker) End(agent types.AgentID, room types.RoomID, id types.ResponseID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rooms, ok := t.byAgent[agent]
	if !ok {
		return
	}
	if cur, ok := rooms[room]; ok && cur == id {
		delete(rooms, room)
	}
	if len(rooms) == 0 {
		delete(t.byAgent, agent)
	}
}

// Agents returns the number of agents with at least one tracked room.
func (t *Tracker) Agents() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byAgent)
}
