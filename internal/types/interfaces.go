package types

import (
	"context"
	"encoding/json"
)

// MemoryStore persists messages. CreateMemory is idempotent on ID collision.
type MemoryStore interface {
	CreateMemory(ctx context.Context, msg *Message) (MessageID, error)
	GetMemoryByID(ctx context.Context, id MessageID) (*Message, error)
	UpdateMemory(ctx context.Context, msg *Message) error
	GetMemoriesByRoomIDs(ctx context.Context, roomIDs []RoomID, limit int) ([]*Message, error)
}

type RoomStore interface {
	ResolveOrCreate(ctx context.Context, key RoomKey, agent AgentID, channel ChannelType) (*Room, error)
	Get(ctx context.Context, id RoomID) (*Room, error)
	List(ctx context.Context) ([]*Room, error)
	Update(ctx context.Context, room *Room) error
}

type EventStore interface {
	Append(ctx context.Context, event *Event) error
	Tail(ctx context.Context, roomID RoomID, limit int) ([]*Event, error)
	Count(ctx context.Context, roomID RoomID) (int64, error)
}

type ArtifactStore interface {
	Put(ctx context.Context, roomID RoomID, runID RunID, action string, data any) (ArtifactID, error)
	Get(ctx context.Context, id ArtifactID) (json.RawMessage, error)
	GetMeta(ctx context.Context, id ArtifactID) (*ArtifactMeta, error)
	Excerpt(ctx context.Context, id ArtifactID, query string, maxTokens int) (string, error)
}
