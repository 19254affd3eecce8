// Package runtime turns one inbound message into at most one delivered
// response. It decides whether to answer, runs a single-shot or multi-step
// strategy, streams partial text, and discards work superseded by a newer
// message in the same room.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	ctxengine "github.com/user/parley/internal/context"
	"github.com/user/parley/internal/decider"
	"github.com/user/parley/internal/state"
	"github.com/user/parley/internal/stream"
	"github.com/user/parley/internal/structured"
	"github.com/user/parley/internal/telemetry"
	"github.com/user/parley/internal/tracker"
	"github.com/user/parley/internal/types"
	"github.com/user/parley/pkg/llm"
)

var (
	// ErrRunTimeout is returned when a run exceeds its global timeout.
	ErrRunTimeout = errors.New("run timed out")
	// ErrMissingMessageID is returned for messages without an identifier.
	ErrMissingMessageID = errors.New("message has no id")
	// ErrSuperseded is returned by deliveries attempted after a newer run
	// took over the room.
	ErrSuperseded = errors.New("response superseded")
)

// Mode is how a response is dispatched.
type Mode string

const (
	ModeSimple  Mode = "simple"
	ModeActions Mode = "actions"
	ModeNone    Mode = "none"
)

// Reserved action tags.
const (
	ActionReply            = "REPLY"
	ActionIgnore           = "IGNORE"
	ActionNone             = "NONE"
	ActionMultiStepSummary = "MULTI_STEP_SUMMARY"
	ProviderContextBench   = "CONTEXT_BENCH"
)

// Inference is the model capability the runtime depends on.
type Inference interface {
	Text(ctx context.Context, prompt string, size llm.ModelSize) (string, error)
	Generate(ctx context.Context, req structured.Request) (structured.Result, error)
}

// AttachmentProcessor enriches attachments before a response is generated.
type AttachmentProcessor interface {
	Process(ctx context.Context, attachments []types.Attachment) ([]types.Attachment, error)
}

// Emitter receives run lifecycle events.
type Emitter interface {
	Emit(ctx context.Context, typ telemetry.EventType, p telemetry.Payload)
}

// Config holds the agent identity and response defaults.
type Config struct {
	AgentID   types.AgentID
	AgentName string
	Username  string
	Bio       string

	Timeout                time.Duration
	MaxRetries             int
	MultiStep              bool
	MaxMultiStepIterations int
	ProviderTimeout        time.Duration
	ActionPlanning         bool
	DisableSupersedeCheck  bool
	OffByDefault           bool
	ModelSize              llm.ModelSize
	Policy                 decider.Policy
}

// DefaultConfig returns the response defaults.
func DefaultConfig() Config {
	return Config{
		AgentID:                "parley",
		AgentName:              "Parley",
		Timeout:                time.Hour,
		MaxRetries:             3,
		MaxMultiStepIterations: 6,
		ProviderTimeout:        time.Second,
		ActionPlanning:         true,
		ModelSize:              llm.SizeSmall,
	}
}

// Deps are the collaborators a Runtime is built from. Attachments, Emitter,
// Artifacts and Tracer are optional.
type Deps struct {
	Inference   Inference
	Engine      *ctxengine.Engine
	Memories    types.MemoryStore
	Rooms       types.RoomStore
	Artifacts   types.ArtifactStore
	Registry    *Registry
	Tracker     *tracker.Tracker
	Attachments AttachmentProcessor
	Emitter     Emitter
	Tracer      trace.Tracer
	Logger      *slog.Logger
}

// Runtime is the message orchestrator.
type Runtime struct {
	cfg         Config
	inference   Inference
	engine      *ctxengine.Engine
	memories    types.MemoryStore
	rooms       types.RoomStore
	registry    *Registry
	tracker     *tracker.Tracker
	attachments AttachmentProcessor
	emitter     Emitter
	executor    *ActionExecutor
	tracer      trace.Tracer
	logger      *slog.Logger
}

// New creates a Runtime.
func New(cfg Config, deps Deps) *Runtime {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	if deps.Tracker == nil {
		deps.Tracker = tracker.New()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("parley/runtime")
	}
	if cfg.ModelSize == "" {
		cfg.ModelSize = llm.SizeSmall
	}
	return &Runtime{
		cfg:         cfg,
		inference:   deps.Inference,
		engine:      deps.Engine,
		memories:    deps.Memories,
		rooms:       deps.Rooms,
		registry:    deps.Registry,
		tracker:     deps.Tracker,
		attachments: deps.Attachments,
		emitter:     deps.Emitter,
		executor:    NewActionExecutor(deps.Registry, NewResultCache(), deps.Artifacts, deps.Emitter, logger),
		tracer:      deps.Tracer,
		logger:      logger.With("component", "runtime"),
	}
}

// Tracker returns the response tracker shared by all runs.
func (rt *Runtime) Tracker() *tracker.Tracker { return rt.tracker }

// Result is the outcome of HandleMessage.
type Result struct {
	DidRespond       bool
	ResponseContent  *types.Content
	ResponseMessages []*types.Message
	State            *types.State
	Mode             Mode
}

type handleOptions struct {
	runID         types.RunID
	timeout       time.Duration
	maxRetries    int
	multiStep     bool
	maxIterations int
	onChunk       stream.ChunkFunc
	size          llm.ModelSize
}

// HandleOption overrides a response default for one call.
type HandleOption func(*handleOptions)

// WithRunID sets the run correlation id.
func WithRunID(id types.RunID) HandleOption {
	return func(o *handleOptions) { o.runID = id }
}

// WithTimeout overrides the global run timeout.
func WithTimeout(d time.Duration) HandleOption {
	return func(o *handleOptions) { o.timeout = d }
}

// WithMaxRetries overrides the structured output retry budget.
func WithMaxRetries(n int) HandleOption {
	return func(o *handleOptions) { o.maxRetries = n }
}

// WithMultiStep selects the multi-step strategy.
func WithMultiStep(on bool) HandleOption {
	return func(o *handleOptions) { o.multiStep = on }
}

// WithMaxIterations bounds the multi-step loop.
func WithMaxIterations(n int) HandleOption {
	return func(o *handleOptions) { o.maxIterations = n }
}

// WithChunkFunc streams visible reply text to fn as it is generated.
func WithChunkFunc(fn stream.ChunkFunc) HandleOption {
	return func(o *handleOptions) { o.onChunk = fn }
}

// WithModelSize selects the model used for the response decision.
func WithModelSize(size llm.ModelSize) HandleOption {
	return func(o *handleOptions) { o.size = size }
}

func (rt *Runtime) resolve(opts []HandleOption) handleOptions {
	o := handleOptions{
		timeout:       rt.cfg.Timeout,
		maxRetries:    rt.cfg.MaxRetries,
		multiStep:     rt.cfg.MultiStep,
		maxIterations: rt.cfg.MaxMultiStepIterations,
		size:          rt.cfg.ModelSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.runID == "" {
		o.runID = types.NewRunID()
	}
	if o.timeout <= 0 {
		o.timeout = time.Hour
	}
	if o.maxIterations <= 0 {
		o.maxIterations = 6
	}
	return o
}

type outcome struct {
	result *Result
	status string
	reason string
	err    error
}

// HandleMessage processes one inbound message. callback receives every piece
// of content the run delivers. On timeout nothing further is delivered and
// ErrRunTimeout is returned.
func (rt *Runtime) HandleMessage(ctx context.Context, msg *types.Message, callback Callback, opts ...HandleOption) (*Result, error) {
	o := rt.resolve(opts)
	if msg == nil || msg.ID == "" {
		payload := telemetry.Payload{RunID: o.runID, Status: telemetry.StatusError, Error: ErrMissingMessageID.Error()}
		if msg != nil {
			payload.RoomID = msg.RoomID
			payload.EntityID = msg.EntityID
			payload.Source = msg.Metadata.Source
		}
		rt.logger.Error("message without id, not handling", "run_id", o.runID, "room_id", payload.RoomID)
		rt.emit(ctx, telemetry.RunEnded, payload)
		return &Result{Mode: ModeNone}, ErrMissingMessageID
	}
	agent := rt.cfg.AgentID

	responseID := rt.tracker.Begin(agent, msg.RoomID)
	defer rt.tracker.End(agent, msg.RoomID, responseID)

	ctx, span := rt.tracer.Start(ctx, "handle_message", trace.WithAttributes(
		attribute.String("run_id", string(o.runID)),
		attribute.String("room_id", string(msg.RoomID)),
		attribute.String("message_id", string(msg.ID)),
	))
	defer span.End()

	start := time.Now()
	payload := telemetry.Payload{
		RunID:      o.runID,
		MessageID:  msg.ID,
		RoomID:     msg.RoomID,
		EntityID:   msg.EntityID,
		ResponseID: responseID,
		Source:     msg.Metadata.Source,
	}
	rt.emit(ctx, telemetry.RunStarted, payload)

	runCtx, cancel := context.WithTimeout(withRunID(ctx, o.runID), o.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		res, status, reason, err := rt.process(runCtx, msg, responseID, o, guard(runCtx, callback))
		done <- outcome{result: res, status: status, reason: reason, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-runCtx.Done():
		select {
		case out = <-done:
		default:
			out = outcome{err: runCtx.Err()}
		}
	}

	if out.err != nil {
		payload.Duration = time.Since(start)
		switch {
		case ctx.Err() != nil:
			payload.Status = telemetry.StatusError
			payload.Error = ctx.Err().Error()
			rt.emit(context.WithoutCancel(ctx), telemetry.RunEnded, payload)
			return nil, fmt.Errorf("handle message: %w", ctx.Err())
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			payload.Status = telemetry.StatusTimeout
			rt.emit(ctx, telemetry.RunTimeout, payload)
			rt.logger.Warn("run timed out", "run_id", o.runID, "room_id", msg.RoomID, "timeout", o.timeout)
			return nil, ErrRunTimeout
		}
	}

	payload.Status = out.status
	payload.Reason = out.reason
	payload.Duration = time.Since(start)
	if out.err != nil {
		payload.Status = telemetry.StatusError
		payload.Error = out.err.Error()
	}
	rt.emit(ctx, telemetry.RunEnded, payload)
	span.SetAttributes(attribute.String("status", payload.Status))
	if out.err != nil {
		return nil, out.err
	}
	return out.result, nil
}

// guard refuses deliveries once the run context is done.
func guard(ctx context.Context, callback Callback) Callback {
	return func(cbCtx context.Context, content *types.Content) ([]*types.Message, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if callback == nil {
			return nil, nil
		}
		return callback(cbCtx, content)
	}
}

// current refuses deliveries once responseID is no longer the room's
// authoritative response.
func (rt *Runtime) current(room types.RoomID, responseID types.ResponseID, callback Callback) Callback {
	return func(ctx context.Context, content *types.Content) ([]*types.Message, error) {
		if !rt.tracker.IsCurrent(rt.cfg.AgentID, room, responseID) {
			return nil, ErrSuperseded
		}
		return callback(ctx, content)
	}
}

func (rt *Runtime) superseded(msg *types.Message, st *types.State, responseID types.ResponseID) (*Result, string, string, error) {
	rt.logger.Debug("response superseded", "response_id", responseID, "room_id", msg.RoomID)
	return &Result{Mode: ModeNone, State: st}, telemetry.StatusSuperseded, "superseded", nil
}

// process runs everything after admission. It returns the result, the run
// status for telemetry and a short reason. Evaluators get callback directly;
// everything else delivers through the supersede check.
func (rt *Runtime) process(ctx context.Context, msg *types.Message, responseID types.ResponseID, o handleOptions, callback Callback) (*Result, string, string, error) {
	agent := rt.cfg.AgentID
	defer rt.executor.Cache().Clear(msg.ID)
	deliver := rt.current(msg.RoomID, responseID, callback)

	if err := rt.saveInbound(ctx, msg); err != nil {
		return nil, "", "", err
	}
	rt.emit(ctx, telemetry.MessageReceived, telemetry.Payload{
		RunID: o.runID, MessageID: msg.ID, RoomID: msg.RoomID, EntityID: msg.EntityID, Source: msg.Metadata.Source,
	})

	room := rt.lookupRoom(ctx, msg.RoomID)
	if reason, skip := rt.shortCircuit(msg, room); skip {
		rt.logger.Debug("not responding", "reason", reason, "message_id", msg.ID)
		return &Result{Mode: ModeNone}, telemetry.StatusSkipped, reason, nil
	}

	if len(msg.Content.Attachments) > 0 && rt.attachments != nil {
		enriched, err := rt.attachments.Process(ctx, msg.Content.Attachments)
		if err != nil {
			rt.logger.Warn("attachment processing failed", "message_id", msg.ID, "error", err)
		} else {
			msg.Content.Attachments = enriched
			if err := rt.memories.UpdateMemory(ctx, msg); err != nil {
				rt.logger.Warn("update message attachments", "message_id", msg.ID, "error", err)
			}
		}
	}

	st := rt.composeState(ctx, msg, nil)

	channel := msg.Metadata.ChannelType
	if channel == "" && room != nil {
		channel = room.ChannelType
	}
	decision := decider.Decide(decider.Input{
		HasRoom:     room != nil,
		ChannelType: channel,
		Source:      msg.Metadata.Source,
		IsMention:   msg.Metadata.IsMention || rt.mentionsAgent(msg.Content.Text),
		IsReply:     msg.Metadata.IsReply,
		Autonomous:  msg.Metadata.Autonomous,
	}, rt.cfg.Policy)

	if decision.Reason == decider.ReasonNoRoom {
		rt.logger.Warn("no room context, not responding", "message_id", msg.ID, "room_id", msg.RoomID)
		return &Result{Mode: ModeNone, State: st}, telemetry.StatusSkipped, decision.Reason, nil
	}

	shouldRespond := decision.ShouldRespond
	if !decision.SkipEvaluation {
		var err error
		shouldRespond, err = rt.evaluateShouldRespond(ctx, msg, st, o)
		if err != nil {
			return nil, "", "", err
		}
	}
	rt.logger.Debug("response decision", "message_id", msg.ID, "respond", shouldRespond, "reason", decision.Reason)

	if !shouldRespond {
		return rt.ignore(ctx, msg, st, responseID, decision.Reason, callback)
	}

	if o.onChunk != nil {
		runCtx, onChunk := ctx, o.onChunk
		ctx = stream.WithSink(ctx, stream.NewSink(func(cctx context.Context, delta string) error {
			if err := runCtx.Err(); err != nil {
				return err
			}
			return onChunk(cctx, delta)
		}))
	}

	var (
		out *strategyResult
		err error
	)
	if o.multiStep {
		out, err = rt.runMultiStep(ctx, msg, st, o, deliver)
	} else {
		out, err = rt.runSingleShot(ctx, msg, st, responseID, o)
	}
	if err != nil {
		return nil, "", "", fmt.Errorf("run strategy: %w", err)
	}

	if !rt.tracker.IsCurrent(agent, msg.RoomID, responseID) {
		return rt.superseded(msg, out.state, responseID)
	}

	result := &Result{State: out.state, Mode: out.mode}
	if out.content == nil {
		rt.tracker.End(agent, msg.RoomID, responseID)
		rt.runEvaluators(ctx, msg, out.state, nil, callback)
		return result, telemetry.StatusCompleted, "no content", nil
	}

	if err := ctx.Err(); err != nil {
		return nil, "", "", err
	}
	out.content.InReplyTo = msg.ID
	out.content.ResponseID = responseID
	responses := []*types.Message{rt.responseMessage(msg, out.content)}
	for _, m := range responses {
		if _, err := rt.memories.CreateMemory(ctx, m); err != nil {
			return nil, "", "", fmt.Errorf("save response: %w", err)
		}
	}

	switch out.mode {
	case ModeSimple:
		if _, err := deliver(ctx, out.content); errors.Is(err, ErrSuperseded) {
			return rt.superseded(msg, out.state, responseID)
		} else if err != nil {
			return nil, "", "", fmt.Errorf("deliver response: %w", err)
		}
	case ModeActions:
		if len(out.content.Providers) > 0 {
			out.state = rt.composeState(ctx, msg, out.content.Providers)
			result.State = out.state
		}
		err := rt.executor.Process(ctx, msg, responses, out.state, deliver)
		if errors.Is(err, ErrSuperseded) || !rt.tracker.IsCurrent(agent, msg.RoomID, responseID) {
			return rt.superseded(msg, out.state, responseID)
		}
		if err != nil {
			return nil, "", "", fmt.Errorf("process actions: %w", err)
		}
	}
	rt.emit(ctx, telemetry.MessageSent, telemetry.Payload{
		RunID: o.runID, MessageID: responses[0].ID, RoomID: msg.RoomID, ResponseID: responseID, Status: string(out.mode),
	})

	result.DidRespond = true
	result.ResponseContent = out.content
	result.ResponseMessages = responses
	rt.tracker.End(agent, msg.RoomID, responseID)
	rt.runEvaluators(ctx, msg, out.state, responses, callback)
	return result, telemetry.StatusCompleted, string(out.mode), nil
}

// ignore persists and delivers the IGNORE marker unless the run was
// superseded.
func (rt *Runtime) ignore(ctx context.Context, msg *types.Message, st *types.State, responseID types.ResponseID, reason string, callback Callback) (*Result, string, string, error) {
	deliver := callback
	if !rt.cfg.DisableSupersedeCheck {
		if !rt.tracker.IsCurrent(rt.cfg.AgentID, msg.RoomID, responseID) {
			return rt.superseded(msg, st, responseID)
		}
		deliver = rt.current(msg.RoomID, responseID, callback)
	}

	content := &types.Content{
		Thought:    reason,
		Actions:    []string{ActionIgnore},
		Simple:     true,
		InReplyTo:  msg.ID,
		ResponseID: responseID,
		Source:     msg.Metadata.Source,
	}
	resp := rt.responseMessage(msg, content)
	if _, err := rt.memories.CreateMemory(ctx, resp); err != nil {
		return nil, "", "", fmt.Errorf("save ignore: %w", err)
	}
	if _, err := deliver(ctx, content); errors.Is(err, ErrSuperseded) {
		return rt.superseded(msg, st, responseID)
	} else if err != nil {
		return nil, "", "", fmt.Errorf("deliver ignore: %w", err)
	}
	rt.tracker.End(rt.cfg.AgentID, msg.RoomID, responseID)
	rt.runEvaluators(ctx, msg, st, []*types.Message{resp}, callback)
	return &Result{Mode: ModeNone, State: st, ResponseContent: content}, telemetry.StatusIgnored, reason, nil
}

func (rt *Runtime) saveInbound(ctx context.Context, msg *types.Message) error {
	if _, err := rt.memories.GetMemoryByID(ctx, msg.ID); err == nil {
		return nil
	} else if !errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("load message: %w", err)
	}
	if msg.AgentID == "" {
		msg.AgentID = rt.cfg.AgentID
	}
	if _, err := rt.memories.CreateMemory(ctx, msg); err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

func (rt *Runtime) lookupRoom(ctx context.Context, id types.RoomID) *types.Room {
	if id == "" || rt.rooms == nil {
		return nil
	}
	room, err := rt.rooms.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, state.ErrNotFound) {
			rt.logger.Warn("load room", "room_id", id, "error", err)
		}
		return nil
	}
	return room
}

func (rt *Runtime) shortCircuit(msg *types.Message, room *types.Room) (string, bool) {
	if msg.EntityID == types.EntityID(rt.cfg.AgentID) {
		return "own message", true
	}
	if room == nil || msg.Metadata.Autonomous {
		return "", false
	}
	if rt.cfg.OffByDefault && !room.ChannelType.IsPrivate() && !room.HasOptedIn(msg.EntityID) {
		return "off by default", true
	}
	if room.Muted && !rt.mentionsAgent(msg.Content.Text) {
		return "muted", true
	}
	return "", false
}

// mentionsAgent reports whether text addresses the agent by name or handle.
func (rt *Runtime) mentionsAgent(text string) bool {
	lower := strings.ToLower(text)
	for _, name := range []string{rt.cfg.AgentName, rt.cfg.Username} {
		if name == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(name)) {
			return true
		}
	}
	return false
}

var shouldRespondFields = []structured.Field{
	{Name: "reasoning", Description: "why you chose this action"},
	{Name: "action", Description: "RESPOND, IGNORE or STOP", Required: true},
}

func (rt *Runtime) evaluateShouldRespond(ctx context.Context, msg *types.Message, st *types.State, o handleOptions) (bool, error) {
	prompt, err := rt.engine.Render(ctxengine.ShouldRespond, rt.promptData(ctx, msg, st))
	if err != nil {
		return false, fmt.Errorf("render should-respond prompt: %w", err)
	}
	res, err := rt.inference.Generate(ctx, structured.Request{
		Prompt:     prompt,
		Fields:     shouldRespondFields,
		Size:       o.size,
		MaxRetries: o.maxRetries,
	})
	if err != nil {
		return false, fmt.Errorf("should-respond: %w", err)
	}
	if !res.OK() {
		rt.logger.Debug("should-respond output unparseable, ignoring", "message_id", msg.ID)
		return false, nil
	}
	return decider.RespondFromAction(res.Field("action")), nil
}

func (rt *Runtime) responseMessage(msg *types.Message, content *types.Content) *types.Message {
	return &types.Message{
		ID:        types.NewMessageID(),
		AgentID:   rt.cfg.AgentID,
		EntityID:  types.EntityID(rt.cfg.AgentID),
		RoomID:    msg.RoomID,
		Content:   *content,
		CreatedAt: time.Now(),
	}
}

func (rt *Runtime) runEvaluators(ctx context.Context, msg *types.Message, st *types.State, responses []*types.Message, callback Callback) {
	for _, ev := range rt.registry.Evaluators() {
		if !ev.AlwaysRun() && !ev.Validate(ctx, msg, st) {
			continue
		}
		if err := ev.Handle(ctx, msg, st, responses, callback); err != nil {
			rt.logger.Warn("evaluator failed", "evaluator", ev.Name(), "message_id", msg.ID, "error", err)
		}
	}
}

func (rt *Runtime) emit(ctx context.Context, typ telemetry.EventType, p telemetry.Payload) {
	if rt.emitter != nil {
		rt.emitter.Emit(ctx, typ, p)
	}
}
