// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type AgentID string
type RoomID string
type RoomKey string
type EntityID string
type MessageID string
type MemoryID = MessageID
type RunID string
type ResponseID string
type EventID string
type ArtifactID string

func NewRoomID() RoomID {
	return RoomID(uuid.New().String())
}

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

func NewResponseID() ResponseID {
	return ResponseID(uuid.New().String())
}

func NewEventID() EventID {
	return EventID(uuid.New().String())
}

func NewArtifactID() ArtifactID {
	return ArtifactID(uuid.New().String())
}

// NewRoomKey joins platform-scoped parts, e.g. NewRoomKey("telegram", "42").
func NewRoomKey(parts ...string) RoomKey {
	return RoomKey(strings.Join(parts, ":"))
}

// Platform returns the first segment of the key.
func (k RoomKey) Platform() string {
	s := string(k)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return s
}
