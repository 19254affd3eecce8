package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/parley/internal/types"
)

// RoomStore keeps the room index in rooms/rooms.json and creates a
// directory per room at rooms/<roomID>/.
type RoomStore struct {
	root string
	mu   sync.RWMutex
}

// NewRoomStore creates a new file-backed RoomStore rooted at the given directory.
func NewRoomStore(root string) *RoomStore {
	return &RoomStore{root: root}
}

func (s *RoomStore) indexPath() string {
	return filepath.Join(s.root, "rooms", "rooms.json")
}

func (s *RoomStore) loadIndex() (map[types.RoomKey]*types.Room, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[types.RoomKey]*types.Room), nil
		}
		return nil, fmt.Errorf("read room index: %w", err)
	}

	var rooms []*types.Room
	if err := json.Unmarshal(data, &rooms); err != nil {
		return nil, fmt.Errorf("unmarshal room index: %w", err)
	}
	index := make(map[types.RoomKey]*types.Room, len(rooms))
	for _, room := range rooms {
		index[room.Key] = room
	}
	return index, nil
}

func (s *RoomStore) saveIndex(index map[types.RoomKey]*types.Room) error {
	rooms := sortedRooms(index)
	data, err := json.MarshalIndent(rooms, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal room index: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.indexPath()), 0o755); err != nil {
		return fmt.Errorf("create rooms dir: %w", err)
	}
	return writeAtomic(s.indexPath(), data)
}

func sortedRooms(index map[types.RoomKey]*types.Room) []*types.Room {
	rooms := make([]*types.Room, 0, len(index))
	for _, room := range index {
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})
	return rooms
}

// ResolveOrCreate returns the room for key, creating it on first sight.
// The channel type of an existing room is kept.
func (s *RoomStore) ResolveOrCreate(_ context.Context, key types.RoomKey, agent types.AgentID, channel types.ChannelType) (*types.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	if existing, ok := index[key]; ok {
		return existing, nil
	}

	now := time.Now()
	room := &types.Room{
		ID:          types.NewRoomID(),
		Key:         key,
		AgentID:     agent,
		ChannelType: channel,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	index[key] = room
	if err := s.saveIndex(index); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(s.root, "rooms", string(room.ID)), 0o755); err != nil {
		return nil, fmt.Errorf("create room dir: %w", err)
	}
	return room, nil
}

// Get returns the room with the given ID.
func (s *RoomStore) Get(_ context.Context, id types.RoomID) (*types.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	for _, room := range index {
		if room.ID == id {
			return room, nil
		}
	}
	return nil, fmt.Errorf("room %s: %w", id, ErrNotFound)
}

// List returns all rooms ordered by creation time.
func (s *RoomStore) List(_ context.Context) ([]*types.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	return sortedRooms(index), nil
}

// Update overwrites the stored room with the same ID.
func (s *RoomStore) Update(_ context.Context, room *types.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	for key, existing := range index {
		if existing.ID == room.ID {
			room.UpdatedAt = time.Now()
			if key != room.Key {
				delete(index, key)
			}
			index[room.Key] = room
			return s.saveIndex(index)
		}
	}
	return fmt.Errorf("room %s: %w", room.ID, ErrNotFound)
}
