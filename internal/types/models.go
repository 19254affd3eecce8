package types

import (
	"encoding/json"
	"strings"
	"time"
)

// ChannelType classifies the conversation a message belongs to.
type ChannelType string

const (
	ChannelDM         ChannelType = "DM"
	ChannelVoiceDM    ChannelType = "VOICE_DM"
	ChannelSelf       ChannelType = "SELF"
	ChannelAPI        ChannelType = "API"
	ChannelGroup      ChannelType = "GROUP"
	ChannelVoiceGroup ChannelType = "VOICE_GROUP"
	ChannelFeed       ChannelType = "FEED"
	ChannelThread     ChannelType = "THREAD"
	ChannelForum      ChannelType = "FORUM"
	ChannelWorld      ChannelType = "WORLD"
)

// IsPrivate reports whether the channel is a 1:1 style conversation where
// the agent always answers.
func (c ChannelType) IsPrivate() bool {
	switch c {
	case ChannelDM, ChannelVoiceDM, ChannelSelf, ChannelAPI:
		return true
	}
	return false
}

// Attachment is a media item attached to a message. Description and Text are
// filled in by the attachment preprocessor.
type Attachment struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Source      string `json:"source,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Description string `json:"description,omitempty"`
	Text        string `json:"text,omitempty"`
}

// IsImage reports whether the attachment should go through image description.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.ContentType, "image/") || strings.EqualFold(a.Source, "image")
}

// IsDocument reports whether the attachment is a non-image document.
func (a Attachment) IsDocument() bool {
	return !a.IsImage() && (a.ContentType != "" || strings.EqualFold(a.Source, "document"))
}

// Content is the payload of a message, and the structured output produced for
// one agent turn.
type Content struct {
	Thought     string                    `json:"thought,omitempty"`
	Text        string                    `json:"text,omitempty"`
	Actions     []string                  `json:"actions,omitempty"`
	Providers   []string                  `json:"providers,omitempty"`
	Simple      bool                      `json:"simple,omitempty"`
	Params      map[string]map[string]any `json:"params,omitempty"`
	ResponseID  ResponseID                `json:"response_id,omitempty"`
	InReplyTo   MessageID                 `json:"in_reply_to,omitempty"`
	Source      string                    `json:"source,omitempty"`
	Attachments []Attachment              `json:"attachments,omitempty"`

	// Callback traces recorded while actions and evaluators ran.
	ActionCallbacks    []*Content `json:"action_callbacks,omitempty"`
	EvaluatorCallbacks []*Content `json:"evaluator_callbacks,omitempty"`
}

// HasAction reports whether name is among the content's actions, ignoring case.
func (c *Content) HasAction(name string) bool {
	for _, a := range c.Actions {
		if strings.EqualFold(a, name) {
			return true
		}
	}
	return false
}

// Metadata carries platform hints about an inbound message.
type Metadata struct {
	Source      string      `json:"source,omitempty"`
	ChannelType ChannelType `json:"channel_type,omitempty"`
	Autonomous  bool        `json:"autonomous,omitempty"`
	IsMention   bool        `json:"is_mention,omitempty"`
	IsReply     bool        `json:"is_reply,omitempty"`
	EntityName  string      `json:"entity_name,omitempty"`
	Username    string      `json:"username,omitempty"`
	// BenchmarkContext is supplied by an evaluation harness and surfaced by
	// the CONTEXT_BENCH provider.
	BenchmarkContext string `json:"benchmark_context,omitempty"`
}

// Message is one unit of conversation, both inbound and outgoing. Persisted
// messages are called memories.
type Message struct {
	ID        MessageID `json:"id,omitempty"`
	AgentID   AgentID   `json:"agent_id"`
	EntityID  EntityID  `json:"entity_id"`
	RoomID    RoomID    `json:"room_id"`
	Content   Content   `json:"content"`
	Metadata  Metadata  `json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
}

// ActionResult is one trace entry: a provider call or an action execution.
type ActionResult struct {
	Name    string         `json:"name"`
	Kind    string         `json:"kind"`
	Success bool           `json:"success"`
	Text    string         `json:"text,omitempty"`
	Values  map[string]any `json:"values,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
	At      time.Time      `json:"at"`
}

const (
	TraceKindProvider = "provider"
	TraceKindAction   = "action"
)

// State is the composed view handed to prompts, actions and evaluators.
type State struct {
	Values map[string]any    `json:"values"`
	Data   map[string]any    `json:"data,omitempty"`
	Text   string            `json:"text"`
	Parts  map[string]string `json:"parts,omitempty"`
	Trace  []ActionResult    `json:"trace,omitempty"`
}

// NewState returns an empty State with initialised maps.
func NewState() *State {
	return &State{
		Values: make(map[string]any),
		Data:   make(map[string]any),
		Parts:  make(map[string]string),
	}
}

// BenchmarkKey is set in State.Values when a benchmark harness supplied context.
const BenchmarkKey = "benchmark_has_context"

// BenchmarkActive reports whether a benchmark harness is driving this turn.
func (s *State) BenchmarkActive() bool {
	if s == nil {
		return false
	}
	v, _ := s.Values[BenchmarkKey].(bool)
	return v
}

// Room is the conversation index entry.
type Room struct {
	ID          RoomID      `json:"id"`
	Key         RoomKey     `json:"key"`
	AgentID     AgentID     `json:"agent_id"`
	ChannelType ChannelType `json:"channel_type"`
	Name        string      `json:"name,omitempty"`
	Muted       bool        `json:"muted"`
	Followed    bool        `json:"followed"`
	OptedIn     []EntityID  `json:"opted_in,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// HasOptedIn reports whether entity explicitly asked the agent to participate.
func (r *Room) HasOptedIn(entity EntityID) bool {
	for _, e := range r.OptedIn {
		if e == entity {
			return true
		}
	}
	return false
}

// Event is a telemetry record appended to the per-room event log.
type Event struct {
	ID      EventID         `json:"id"`
	RoomID  RoomID          `json:"room_id"`
	RunID   RunID           `json:"run_id,omitempty"`
	Seq     int64           `json:"seq"`
	Type    string          `json:"type"`
	Source  string          `json:"source"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

// ArtifactMeta describes a stored action output too large for the trace.
type ArtifactMeta struct {
	ID        ArtifactID `json:"id"`
	RoomID    RoomID     `json:"room_id"`
	RunID     RunID      `json:"run_id"`
	Action    string     `json:"action"`
	CreatedAt time.Time  `json:"created_at"`
	MimeType  string     `json:"mime_type,omitempty"`
}
