package state

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/user/parley/internal/types"
)

func TestArtifactStore(t *testing.T) {
	store := NewArtifactStore(t.TempDir())
	ctx := context.Background()

	roomID := types.NewRoomID()
	runID := types.NewRunID()

	data := map[string]any{"output": "page body", "status": 200}
	id, err := store.Put(ctx, roomID, runID, "READ_URL", data)
	if err != nil {
		t.Fatal(err)
	}

	raw, err := store.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got["output"] != "page body" {
		t.Errorf("data mismatch: %v", got)
	}

	meta, err := store.GetMeta(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Action != "READ_URL" || meta.RoomID != roomID || meta.RunID != runID {
		t.Errorf("meta mismatch: %+v", meta)
	}
	if meta.MimeType != "application/json" {
		t.Errorf("mime = %q", meta.MimeType)
	}
}

func TestArtifactStore_NotFound(t *testing.T) {
	store := NewArtifactStore(t.TempDir())

	_, err := store.Get(context.Background(), types.NewArtifactID())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestArtifactStore_Excerpt(t *testing.T) {
	store := NewArtifactStore(t.TempDir())
	ctx := context.Background()

	text := strings.Repeat("a", 200) + "NEEDLE" + strings.Repeat("b", 200)
	id, err := store.Put(ctx, types.NewRoomID(), types.NewRunID(), "WEB_SEARCH", text)
	if err != nil {
		t.Fatal(err)
	}

	meta, err := store.GetMeta(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if meta.MimeType != "text/plain" {
		t.Errorf("mime = %q", meta.MimeType)
	}

	full, err := store.Excerpt(ctx, id, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if full != text {
		t.Error("expected full text when maxTokens is 0")
	}

	excerpt, err := store.Excerpt(ctx, id, "needle", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(excerpt) != 40 {
		t.Errorf("expected 40 chars, got %d", len(excerpt))
	}
	if !strings.Contains(excerpt, "NEEDLE") {
		t.Errorf("excerpt not centred on query: %q", excerpt)
	}

	head, err := store.Excerpt(ctx, id, "absent", 10)
	if err != nil {
		t.Fatal(err)
	}
	if head != strings.Repeat("a", 40) {
		t.Errorf("expected leading excerpt, got %q", head)
	}
}
