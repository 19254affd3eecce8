// Package state provides filesystem-backed storage implementations.
package state

import (
	"errors"

	"github.com/user/parley/internal/types"
)

// ErrNotFound is returned when a room, memory, artifact or task does not exist.
var ErrNotFound = errors.New("not found")

// Compile-time interface compliance checks.
var _ types.RoomStore = (*RoomStore)(nil)
var _ types.MemoryStore = (*MemoryStore)(nil)
var _ types.EventStore = (*EventStore)(nil)
var _ types.ArtifactStore = (*ArtifactStore)(nil)
