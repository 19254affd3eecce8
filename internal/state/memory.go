package state

import (
	"bytes"
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

// MemoryStore is a JSONL-backed message store.
// Memories are stored per-room in rooms/<roomID>/memories.jsonl. An
// in-process index maps memory IDs to rooms; it is rebuilt lazily from disk.
type MemoryStore struct {
	root  string
	locks *roomLocks

	mu    sync.RWMutex
	index map[types.MessageID]types.RoomID
	built bool
}

// NewMemoryStore creates a new file-backed MemoryStore rooted at the given directory.
func NewMemoryStore(root string) *MemoryStore {
	return &MemoryStore{
		root:  root,
		locks: newRoomLocks(),
		index: make(map[types.MessageID]types.RoomID),
	}
}

func (m *MemoryStore) memoriesPath(roomID types.RoomID) string {
	return filepath.Join(m.root, "rooms", string(roomID), "memories.jsonl")
}

// buildIndex scans every room's memory file once.
func (m *MemoryStore) buildIndex() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.built {
		return nil
	}

	matches, err := filepath.Glob(filepath.Join(m.root, "rooms", "*", "memories.jsonl"))
	if err != nil {
		return fmt.Errorf("glob memories: %w", err)
	}
	for _, path := range matches {
		roomID := types.RoomID(filepath.Base(filepath.Dir(path)))
		err := scanLines(path, func(line []byte) error {
			var head struct {
				ID types.MessageID `json:"id"`
			}
			if err := json.Unmarshal(line, &head); err != nil {
				return fmt.Errorf("unmarshal memory: %w", err)
			}
			m.index[head.ID] = roomID
			return nil
		})
		if err != nil {
			return err
		}
	}
	m.built = true
	return nil
}

func (m *MemoryStore) lookup(id types.MessageID) (types.RoomID, bool, error) {
	if err := m.buildIndex(); err != nil {
		return "", false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	roomID, ok := m.index[id]
	return roomID, ok, nil
}

// CreateMemory appends msg to its room. A missing ID is assigned; an ID that
// already exists is returned as-is without writing a duplicate.
func (m *MemoryStore) CreateMemory(_ context.Context, msg *types.Message) (types.MessageID, error) {
	if msg.ID == "" {
		msg.ID = types.NewMessageID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	lock := m.locks.get(msg.RoomID)
	lock.Lock()
	defer lock.Unlock()

	if _, ok, err := m.lookup(msg.ID); err != nil {
		return "", err
	} else if ok {
		return msg.ID, nil
	}

	path := m.memoriesPath(msg.RoomID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create room dir: %w", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal memory: %w", err)
	}
	if err := appendLine(path, data); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.index[msg.ID] = msg.RoomID
	m.mu.Unlock()
	return msg.ID, nil
}

// GetMemoryByID returns the memory with the given ID or ErrNotFound.
func (m *MemoryStore) GetMemoryByID(_ context.Context, id types.MessageID) (*types.Message, error) {
	roomID, ok, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("memory %s: %w", id, ErrNotFound)
	}

	lock := m.locks.get(roomID)
	lock.Lock()
	defer lock.Unlock()

	msgs, err := m.readRoom(roomID)
	if err != nil {
		return nil, err
	}
	for _, msg := range msgs {
		if msg.ID == id {
			return msg, nil
		}
	}
	return nil, fmt.Errorf("memory %s: %w", id, ErrNotFound)
}

// UpdateMemory replaces the stored memory with the same ID.
func (m *MemoryStore) UpdateMemory(_ context.Context, msg *types.Message) error {
	roomID, ok, err := m.lookup(msg.ID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("memory %s: %w", msg.ID, ErrNotFound)
	}

	lock := m.locks.get(roomID)
	lock.Lock()
	defer lock.Unlock()

	msgs, err := m.readRoom(roomID)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	for _, existing := range msgs {
		if existing.ID == msg.ID {
			existing = msg
		}
		data, err := json.Marshal(existing)
		if err != nil {
			return fmt.Errorf("marshal memory: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	return writeAtomic(m.memoriesPath(roomID), buf.Bytes())
}

// GetMemoriesByRoomIDs returns the most recent memories across the given
// rooms in chronological order. limit <= 0 means no limit.
func (m *MemoryStore) GetMemoriesByRoomIDs(_ context.Context, roomIDs []types.RoomID, limit int) ([]*types.Message, error) {
	var all []*types.Message
	for _, roomID := range roomIDs {
		lock := m.locks.get(roomID)
		lock.Lock()
		msgs, err := m.readRoom(roomID)
		lock.Unlock()
		if err != nil {
			return nil, err
		}
		all = append(all, msgs...)
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// readRoom loads every memory of a room. Caller must hold the room lock.
func (m *MemoryStore) readRoom(roomID types.RoomID) ([]*types.Message, error) {
	var msgs []*types.Message
	err := scanLines(m.memoriesPath(roomID), func(line []byte) error {
		var msg types.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return fmt.Errorf("unmarshal memory: %w", err)
		}
		msgs = append(msgs, &msg)
		return nil
	})
	return msgs, err
}
