package state

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/user/parley/internal/types"
)

func newTestMessage(roomID types.RoomID, text string, at time.Time) *types.Message {
	return &types.Message{
		AgentID:   "agent",
		EntityID:  "user-1",
		RoomID:    roomID,
		Content:   types.Content{Text: text, Source: "test"},
		CreatedAt: at,
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	store := NewMemoryStore(t.TempDir())
	ctx := context.Background()
	roomID := types.NewRoomID()

	msg := newTestMessage(roomID, "hello", time.Time{})
	id, err := store.CreateMemory(ctx, msg)
	if err != nil {
		t.Fatal(err)
	}
	if id == "" || msg.ID != id {
		t.Fatalf("expected assigned id, got %q", id)
	}
	if msg.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be stamped")
	}

	got, err := store.GetMemoryByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Content.Text != "hello" {
		t.Errorf("text = %q", got.Content.Text)
	}
}

func TestMemoryStore_CreateIsIdempotent(t *testing.T) {
	store := NewMemoryStore(t.TempDir())
	ctx := context.Background()
	roomID := types.NewRoomID()

	msg := newTestMessage(roomID, "once", time.Now())
	msg.ID = types.NewMessageID()
	for range 3 {
		if _, err := store.CreateMemory(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}

	all, err := store.GetMemoriesByRoomIDs(ctx, []types.RoomID{roomID}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("expected 1 memory, got %d", len(all))
	}
}

func TestMemoryStore_IndexRebuiltFromDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	msg := newTestMessage(types.NewRoomID(), "persisted", time.Now())
	id, err := NewMemoryStore(dir).CreateMemory(ctx, msg)
	if err != nil {
		t.Fatal(err)
	}

	got, err := NewMemoryStore(dir).GetMemoryByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Content.Text != "persisted" {
		t.Errorf("text = %q", got.Content.Text)
	}
}

func TestMemoryStore_Update(t *testing.T) {
	store := NewMemoryStore(t.TempDir())
	ctx := context.Background()
	roomID := types.NewRoomID()

	first := newTestMessage(roomID, "see attached", time.Now())
	second := newTestMessage(roomID, "after", time.Now().Add(time.Second))
	for _, m := range []*types.Message{first, second} {
		if _, err := store.CreateMemory(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	first.Content.Attachments = []types.Attachment{{ID: "a1", Description: "a cat"}}
	if err := store.UpdateMemory(ctx, first); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetMemoryByID(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Content.Attachments) != 1 || got.Content.Attachments[0].Description != "a cat" {
		t.Errorf("update not persisted: %+v", got.Content.Attachments)
	}

	all, err := store.GetMemoriesByRoomIDs(ctx, []types.RoomID{roomID}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("update must not change memory count, got %d", len(all))
	}
}

func TestMemoryStore_UpdateMissing(t *testing.T) {
	store := NewMemoryStore(t.TempDir())

	msg := newTestMessage(types.NewRoomID(), "ghost", time.Now())
	msg.ID = types.NewMessageID()
	if err := store.UpdateMemory(context.Background(), msg); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetMemoryByID(context.Background(), msg.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_GetMemoriesByRoomIDs(t *testing.T) {
	store := NewMemoryStore(t.TempDir())
	ctx := context.Background()
	roomA, roomB := types.NewRoomID(), types.NewRoomID()

	base := time.Now()
	inputs := []struct {
		room types.RoomID
		text string
		at   time.Duration
	}{
		{roomA, "a1", 0},
		{roomB, "b1", time.Second},
		{roomA, "a2", 2 * time.Second},
		{roomB, "b2", 3 * time.Second},
	}
	for _, in := range inputs {
		if _, err := store.CreateMemory(ctx, newTestMessage(in.room, in.text, base.Add(in.at))); err != nil {
			t.Fatal(err)
		}
	}

	all, err := store.GetMemoriesByRoomIDs(ctx, []types.RoomID{roomA, roomB}, 3)
	if err != nil {
		t.Fatal(err)
	}
	var texts []string
	for _, m := range all {
		texts = append(texts, m.Content.Text)
	}
	if got := strings.Join(texts, ","); got != "b1,a2,b2" {
		t.Errorf("expected last three in order, got %s", got)
	}
}
