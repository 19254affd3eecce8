package state

import (
	"sync"

	"github.com/user/parley/internal/types"
)

// roomLocks hands out one mutex per room so appends to different rooms do
// not contend.
type roomLocks struct {
	mu    sync.Mutex
	locks map[types.RoomID]*sync.Mutex
}

func newRoomLocks() *roomLocks {
	return &roomLocks{locks: make(map[types.RoomID]*sync.Mutex)}
}

func (l *roomLocks) get(roomID types.RoomID) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lock, ok := l.locks[roomID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	l.locks[roomID] = lock
	return lock
}
