package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/user/parley/internal/types"
)

// artifactFile is the on-disk format: {"meta": ..., "data": ...}.
type artifactFile struct {
	Meta *types.ArtifactMeta `json:"meta"`
	Data json.RawMessage     `json:"data"`
}

// ArtifactStore keeps oversized action output as one JSON file per artifact
// at rooms/<roomID>/artifacts/<artifactID>.json.
type ArtifactStore struct {
	root string
}

// NewArtifactStore creates a new file-backed ArtifactStore rooted at the given directory.
func NewArtifactStore(root string) *ArtifactStore {
	return &ArtifactStore{root: root}
}

func (a *ArtifactStore) dir(roomID types.RoomID) string {
	return filepath.Join(a.root, "rooms", string(roomID), "artifacts")
}

func (a *ArtifactStore) find(id types.ArtifactID) (*artifactFile, error) {
	matches, err := filepath.Glob(filepath.Join(a.root, "rooms", "*", "artifacts", string(id)+".json"))
	if err != nil {
		return nil, fmt.Errorf("glob artifact: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}

	data, err := os.ReadFile(matches[0])
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	var file artifactFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("unmarshal artifact: %w", err)
	}
	return &file, nil
}

// Put stores data produced by action during runID and returns its ID.
func (a *ArtifactStore) Put(_ context.Context, roomID types.RoomID, runID types.RunID, action string, data any) (types.ArtifactID, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal artifact data: %w", err)
	}

	mime := "application/json"
	if _, ok := data.(string); ok {
		mime = "text/plain"
	}
	file := &artifactFile{
		Meta: &types.ArtifactMeta{
			ID:        types.NewArtifactID(),
			RoomID:    roomID,
			RunID:     runID,
			Action:    action,
			CreatedAt: time.Now(),
			MimeType:  mime,
		},
		Data: raw,
	}
	content, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal artifact: %w", err)
	}

	dir := a.dir(roomID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifacts dir: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, string(file.Meta.ID)+".json"), content); err != nil {
		return "", err
	}
	return file.Meta.ID, nil
}

// Get returns the raw data for the given artifact.
func (a *ArtifactStore) Get(_ context.Context, id types.ArtifactID) (json.RawMessage, error) {
	file, err := a.find(id)
	if err != nil {
		return nil, err
	}
	return file.Data, nil
}

// GetMeta returns the metadata for the given artifact.
func (a *ArtifactStore) GetMeta(_ context.Context, id types.ArtifactID) (*types.ArtifactMeta, error) {
	file, err := a.find(id)
	if err != nil {
		return nil, err
	}
	return file.Meta, nil
}

// Excerpt returns at most roughly maxTokens worth of the artifact text,
// centred on the first case-insensitive match of query when there is one.
func (a *ArtifactStore) Excerpt(_ context.Context, id types.ArtifactID, query string, maxTokens int) (string, error) {
	file, err := a.find(id)
	if err != nil {
		return "", err
	}

	raw := string(file.Data)
	var text string
	if err := json.Unmarshal(file.Data, &text); err == nil {
		raw = text
	}

	// ~4 chars per token
	maxChars := maxTokens * 4
	if maxChars <= 0 || maxChars >= len(raw) {
		return raw, nil
	}

	start := 0
	if query != "" {
		if idx := strings.Index(strings.ToLower(raw), strings.ToLower(query)); idx >= 0 {
			start = max(idx-maxChars/2, 0)
		}
	}
	end := min(start+maxChars, len(raw))
	return raw[start:end], nil
}
