package runtime

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ctxengine "github.com/user/parley/internal/context"
	"github.com/user/parley/internal/state"
	"github.com/user/parley/internal/structured"
	"github.com/user/parley/internal/telemetry"
	"github.com/user/parley/internal/types"
	"github.com/user/parley/pkg/llm"
)

// fakeInference answers structured calls with a scripted function.
type fakeInference struct {
	mu       sync.Mutex
	generate func(ctx context.Context, call int, req structured.Request) (structured.Result, error)
	text     func(ctx context.Context, prompt string) (string, error)
	requests []structured.Request
	prompts  []string
}

func (f *fakeInference) Generate(ctx context.Context, req structured.Request) (structured.Result, error) {
	f.mu.Lock()
	call := len(f.requests)
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.generate == nil {
		return structured.Malformed(""), nil
	}
	return f.generate(ctx, call, req)
}

func (f *fakeInference) Text(ctx context.Context, prompt string, _ llm.ModelSize) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	if f.text == nil {
		return "", nil
	}
	return f.text(ctx, prompt)
}

func (f *fakeInference) calls() []structured.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]structured.Request(nil), f.requests...)
}

func hasField(req structured.Request, name string) bool {
	for _, f := range req.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

func parsed(kv ...string) structured.Result {
	fields := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[kv[i]] = kv[i+1]
	}
	return structured.Parsed(fields, "")
}

// fakeAction records invocations and optionally delivers its text.
type fakeAction struct {
	name     string
	required []string
	text     string
	deliver  bool

	mu    sync.Mutex
	calls []HandlerOptions
}

func (a *fakeAction) Name() string             { return a.name }
func (a *fakeAction) Description() string      { return "test action " + a.name }
func (a *fakeAction) RequiredParams() []string { return a.required }
func (a *fakeAction) Validate(context.Context, *types.Message, *types.State) bool {
	return true
}

func (a *fakeAction) Handle(ctx context.Context, _ *types.Message, _ *types.State, opts HandlerOptions, callback Callback) (*types.ActionResult, error) {
	a.mu.Lock()
	a.calls = append(a.calls, opts)
	a.mu.Unlock()
	if a.deliver {
		if _, err := callback(ctx, &types.Content{Text: a.text, Actions: []string{a.name}}); err != nil {
			return nil, err
		}
	}
	return &types.ActionResult{Success: true, Text: a.text}, nil
}

func (a *fakeAction) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

// funcAction runs handle on every invocation.
type funcAction struct {
	name   string
	handle func(ctx context.Context, callback Callback) error
}

func (a *funcAction) Name() string             { return a.name }
func (a *funcAction) Description() string      { return "test action " + a.name }
func (a *funcAction) RequiredParams() []string { return nil }
func (a *funcAction) Validate(context.Context, *types.Message, *types.State) bool {
	return true
}

func (a *funcAction) Handle(ctx context.Context, _ *types.Message, _ *types.State, _ HandlerOptions, callback Callback) (*types.ActionResult, error) {
	if err := a.handle(ctx, callback); err != nil {
		return nil, err
	}
	return &types.ActionResult{Success: true}, nil
}

// fakeProvider returns fixed text, or blocks until block is closed.
type fakeProvider struct {
	name    string
	text    string
	dynamic bool
	values  map[string]any
	block   chan struct{}
}

func (p *fakeProvider) Name() string        { return p.name }
func (p *fakeProvider) Description() string { return "test provider " + p.name }
func (p *fakeProvider) Dynamic() bool       { return p.dynamic }
func (p *fakeProvider) Get(ctx context.Context, _ *types.Message, _ *types.State) (*ProviderResult, error) {
	if p.block != nil {
		<-p.block
	}
	return &ProviderResult{Text: p.text, Values: p.values}, nil
}

// recorder collects delivered content.
type recorder struct {
	mu       sync.Mutex
	contents []*types.Content
}

func (r *recorder) callback(_ context.Context, c *types.Content) ([]*types.Message, error) {
	r.mu.Lock()
	r.contents = append(r.contents, c)
	r.mu.Unlock()
	return nil, nil
}

func (r *recorder) all() []*types.Content {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*types.Content(nil), r.contents...)
}

func (r *recorder) texts() []string {
	var out []string
	for _, c := range r.all() {
		if c.Text != "" {
			out = append(out, c.Text)
		}
	}
	return out
}

// eventLog collects emitted lifecycle events.
type eventLog struct {
	mu     sync.Mutex
	events []telemetry.EventType
	ended  []telemetry.Payload
}

func (l *eventLog) subscriber(typ telemetry.EventType, p telemetry.Payload) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, typ)
	if typ == telemetry.RunEnded || typ == telemetry.RunTimeout {
		l.ended = append(l.ended, p)
	}
}

func (l *eventLog) count(typ telemetry.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e == typ {
			n++
		}
	}
	return n
}

func (l *eventLog) terminal() []telemetry.Payload {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]telemetry.Payload(nil), l.ended...)
}

type harness struct {
	rt       *Runtime
	inf      *fakeInference
	registry *Registry
	memories *state.MemoryStore
	rooms    *state.RoomStore
	events   *eventLog
}

func newHarness(t *testing.T, cfg Config, inf *fakeInference) *harness {
	t.Helper()
	dir := t.TempDir()

	engine, err := ctxengine.New("gpt-4", 128000, 4096)
	require.NoError(t, err)

	h := &harness{
		inf:      inf,
		registry: NewRegistry(),
		memories: state.NewMemoryStore(dir),
		rooms:    state.NewRoomStore(dir),
		events:   &eventLog{},
	}
	emitter := telemetry.NewEmitter(state.NewEventStore(dir), nil, nil)
	emitter.Subscribe(h.events.subscriber)

	h.rt = New(cfg, Deps{
		Inference: inf,
		Engine:    engine,
		Memories:  h.memories,
		Rooms:     h.rooms,
		Artifacts: state.NewArtifactStore(dir),
		Registry:  h.registry,
		Emitter:   emitter,
	})
	return h
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AgentID = "agent-1"
	cfg.AgentName = "Parley"
	cfg.ProviderTimeout = 200 * time.Millisecond
	return cfg
}

func (h *harness) room(t *testing.T, key string, channel types.ChannelType) *types.Room {
	t.Helper()
	room, err := h.rooms.ResolveOrCreate(context.Background(), types.NewRoomKey("test", key), h.rt.cfg.AgentID, channel)
	require.NoError(t, err)
	return room
}

func newMessage(room *types.Room, text string) *types.Message {
	return &types.Message{
		ID:       types.NewMessageID(),
		EntityID: "user-1",
		RoomID:   room.ID,
		Content:  types.Content{Text: text},
		Metadata: types.Metadata{
			Source:      "test",
			ChannelType: room.ChannelType,
			EntityName:  "Alice",
		},
		CreatedAt: time.Now(),
	}
}

func replyResult(text string) structured.Result {
	return parsed("thought", "greet", "actions", "REPLY", "text", text, "simple", "true")
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}
