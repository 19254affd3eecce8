// internal/state/event.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/user/parley/internal/types"
)

// EventStore is a JSONL-backed append-only telemetry log.
// Events are stored per-room in rooms/<roomID>/events.jsonl.
type EventStore struct {
	root  string
	locks *roomLocks
}

// NewEventStore creates a new file-backed EventStore rooted at the given directory.
func NewEventStore(root string) *EventStore {
	return &EventStore{
		root:  root,
		locks: newRoomLocks(),
	}
}

func (e *EventStore) eventsPath(roomID types.RoomID) string {
	return filepath.Join(e.root, "rooms", string(roomID), "events.jsonl")
}

// count reads the event file and counts lines. Caller must hold the room lock.
func (e *EventStore) count(roomID types.RoomID) (int64, error) {
	f, err := os.Open(e.eventsPath(roomID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	var count int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan events file: %w", err)
	}
	return count, nil
}

// Append adds an event to the room's event log with an auto-incremented sequence number.
func (e *EventStore) Append(_ context.Context, event *types.Event) error {
	lock := e.locks.get(event.RoomID)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Dir(e.eventsPath(event.RoomID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create room dir: %w", err)
	}

	existing, err := e.count(event.RoomID)
	if err != nil {
		return err
	}
	event.Seq = existing + 1

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return appendLine(e.eventsPath(event.RoomID), data)
}

// Tail returns the last N events for the given room.
func (e *EventStore) Tail(_ context.Context, roomID types.RoomID, limit int) ([]*types.Event, error) {
	lock := e.locks.get(roomID)
	lock.Lock()
	defer lock.Unlock()

	var events []*types.Event
	err := scanLines(e.eventsPath(roomID), func(line []byte) error {
		var event types.Event
		if err := json.Unmarshal(line, &event); err != nil {
			return fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, &event)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// Count returns the number of events for the given room.
func (e *EventStore) Count(_ context.Context, roomID types.RoomID) (int64, error) {
	lock := e.locks.get(roomID)
	lock.Lock()
	defer lock.Unlock()
	return e.count(roomID)
}
