package builtin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/user/parley/internal/runtime"
	"github.com/user/parley/internal/types"
)

// Time reports the current time.
type Time struct {
	now func() time.Time
}

func NewTime() *Time { return &Time{now: time.Now} }

func (t *Time) Name() string        { return "TIME" }
func (t *Time) Description() string { return "The current date and time" }
func (t *Time) Dynamic() bool       { return false }

func (t *Time) Get(context.Context, *types.Message, *types.State) (*runtime.ProviderResult, error) {
	now := t.now().UTC()
	return &runtime.ProviderResult{
		Text:   "# Current time\n" + now.Format("Monday, January 2, 2006 15:04 MST"),
		Values: map[string]any{"time": now.Format(time.RFC3339)},
	}, nil
}

// Fitter trims chronological lines to a token budget.
type Fitter interface {
	FitRecent(lines []string, budget int) []string
}

// RecentMessages renders the room's latest messages within a token budget.
type RecentMessages struct {
	memories  types.MemoryStore
	fitter    Fitter
	agentID   types.AgentID
	agentName string
	limit     int
	budget    int
}

func NewRecentMessages(memories types.MemoryStore, fitter Fitter, agentID types.AgentID, agentName string, budget int) *RecentMessages {
	return &RecentMessages{
		memories:  memories,
		fitter:    fitter,
		agentID:   agentID,
		agentName: agentName,
		limit:     50,
		budget:    budget,
	}
}

func (r *RecentMessages) Name() string        { return "RECENT_MESSAGES" }
func (r *RecentMessages) Description() string { return "Recent messages in the conversation" }
func (r *RecentMessages) Dynamic() bool       { return false }

func (r *RecentMessages) Get(ctx context.Context, msg *types.Message, _ *types.State) (*runtime.ProviderResult, error) {
	msgs, err := r.memories.GetMemoriesByRoomIDs(ctx, []types.RoomID{msg.RoomID}, r.limit)
	if err != nil {
		return nil, fmt.Errorf("load recent messages: %w", err)
	}

	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		text := strings.TrimSpace(m.Content.Text)
		if text == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", r.speaker(m), text))
	}
	if r.fitter != nil && r.budget > 0 {
		lines = r.fitter.FitRecent(lines, r.budget)
	}
	if len(lines) == 0 {
		return &runtime.ProviderResult{Values: map[string]any{"recentMessageCount": 0}}, nil
	}
	return &runtime.ProviderResult{
		Text:   "# Conversation\n" + strings.Join(lines, "\n"),
		Values: map[string]any{"recentMessageCount": len(lines)},
	}, nil
}

func (r *RecentMessages) speaker(m *types.Message) string {
	if m.EntityID == types.EntityID(r.agentID) {
		return r.agentName
	}
	switch {
	case m.Metadata.EntityName != "":
		return m.Metadata.EntityName
	case m.Metadata.Username != "":
		return m.Metadata.Username
	default:
		return string(m.EntityID)
	}
}

// Attachments describes the media attached to the current message.
type Attachments struct{}

func (Attachments) Name() string        { return "ATTACHMENTS" }
func (Attachments) Description() string { return "Descriptions of files and images attached to the message" }
func (Attachments) Dynamic() bool       { return false }

func (Attachments) Get(_ context.Context, msg *types.Message, _ *types.State) (*runtime.ProviderResult, error) {
	if len(msg.Content.Attachments) == 0 {
		return &runtime.ProviderResult{}, nil
	}
	var sb strings.Builder
	sb.WriteString("# Attachments\n")
	for _, a := range msg.Content.Attachments {
		title := a.Title
		if title == "" {
			title = a.ID
		}
		fmt.Fprintf(&sb, "- %s (%s)", title, a.URL)
		if a.Description != "" {
			fmt.Fprintf(&sb, ": %s", a.Description)
		}
		sb.WriteString("\n")
		if a.Text != "" {
			sb.WriteString("  ")
			sb.WriteString(strings.ReplaceAll(a.Text, "\n", "\n  "))
			sb.WriteString("\n")
		}
	}
	return &runtime.ProviderResult{
		Text:   sb.String(),
		Values: map[string]any{"attachmentCount": len(msg.Content.Attachments)},
	}, nil
}

// ContextBench surfaces benchmark-supplied context and flags the state so
// the planner routes the turn through REPLY.
type ContextBench struct{}

func (ContextBench) Name() string        { return runtime.ProviderContextBench }
func (ContextBench) Description() string { return "Context supplied by an evaluation harness" }
func (ContextBench) Dynamic() bool       { return false }

func (ContextBench) Get(_ context.Context, msg *types.Message, _ *types.State) (*runtime.ProviderResult, error) {
	bench := strings.TrimSpace(msg.Metadata.BenchmarkContext)
	if bench == "" {
		return &runtime.ProviderResult{}, nil
	}
	return &runtime.ProviderResult{
		Text:   "# Benchmark context\n" + bench,
		Values: map[string]any{types.BenchmarkKey: true},
	}, nil
}
