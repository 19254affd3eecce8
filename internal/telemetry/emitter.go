// Package telemetry fans run lifecycle events out to the event log,
// Prometheus metrics, the active trace span and in-process subscribers.
package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/user/parley/internal/types"
)

// EventType names a lifecycle event.
type EventType string

const (
	RunStarted        EventType = "RUN_STARTED"
	RunEnded          EventType = "RUN_ENDED"
	RunTimeout        EventType = "RUN_TIMEOUT"
	MessageReceived   EventType = "MESSAGE_RECEIVED"
	MessageSent       EventType = "MESSAGE_SENT"
	ActionStarted     EventType = "ACTION_STARTED"
	ActionCompleted   EventType = "ACTION_COMPLETED"
	ProviderCompleted EventType = "PROVIDER_COMPLETED"
)

// Run statuses carried in RUN_ENDED payloads.
const (
	StatusCompleted  = "completed"
	StatusIgnored    = "ignored"
	StatusSuperseded = "superseded"
	StatusTimeout    = "timeout"
	StatusError      = "error"
	StatusSkipped    = "skipped"
)

// Payload is the event body.
type Payload struct {
	RunID      types.RunID      `json:"run_id,omitempty"`
	MessageID  types.MessageID  `json:"message_id,omitempty"`
	RoomID     types.RoomID     `json:"room_id,omitempty"`
	EntityID   types.EntityID   `json:"entity_id,omitempty"`
	ResponseID types.ResponseID `json:"response_id,omitempty"`
	Source     string           `json:"source,omitempty"`
	Status     string           `json:"status,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	// Name is the action or provider the event is about.
	Name     string        `json:"name,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
	At       time.Time     `json:"at"`
}

// Subscriber receives every emitted event.
type Subscriber func(EventType, Payload)

// Emitter is fire-and-forget: sink failures are logged, never returned.
type Emitter struct {
	events  types.EventStore
	metrics *Metrics
	logger  *slog.Logger

	mu          sync.RWMutex
	subscribers []Subscriber
}

// NewEmitter builds an emitter. events and metrics may be nil.
func NewEmitter(events types.EventStore, metrics *Metrics, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		events:  events,
		metrics: metrics,
		logger:  logger.With("component", "telemetry"),
	}
}

// Subscribe registers fn for all future events.
func (e *Emitter) Subscribe(fn Subscriber) {
	e.mu.Lock()
	e.subscribers = append(e.subscribers, fn)
	e.mu.Unlock()
}

// Emit records one event.
func (e *Emitter) Emit(ctx context.Context, typ EventType, p Payload) {
	if p.At.IsZero() {
		p.At = time.Now()
	}

	e.record(typ, p)
	e.annotateSpan(ctx, typ, p)
	e.append(ctx, typ, p)

	e.mu.RLock()
	subs := e.subscribers
	e.mu.RUnlock()
	for _, fn := range subs {
		fn(typ, p)
	}
}

func (e *Emitter) record(typ EventType, p Payload) {
	if e.metrics == nil {
		return
	}
	switch typ {
	case RunEnded:
		e.metrics.Runs.WithLabelValues(p.Status).Inc()
		e.metrics.RunDuration.Observe(p.Duration.Seconds())
		if p.Status == StatusSuperseded {
			e.metrics.Superseded.Inc()
		}
	case RunTimeout:
		e.metrics.Runs.WithLabelValues(StatusTimeout).Inc()
		e.metrics.RunDuration.Observe(p.Duration.Seconds())
	case ActionCompleted:
		e.metrics.Actions.WithLabelValues(p.Name, p.Status).Inc()
	case ProviderCompleted:
		e.metrics.ProviderDuration.WithLabelValues(p.Name).Observe(p.Duration.Seconds())
	}
}

func (e *Emitter) annotateSpan(ctx context.Context, typ EventType, p Payload) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(string(typ), trace.WithAttributes(
		attribute.String("run_id", string(p.RunID)),
		attribute.String("room_id", string(p.RoomID)),
		attribute.String("status", p.Status),
		attribute.String("name", p.Name),
	))
}

func (e *Emitter) append(ctx context.Context, typ EventType, p Payload) {
	if e.events == nil || p.RoomID == "" {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		e.logger.Warn("marshal event payload", "type", typ, "error", err)
		return
	}
	err = e.events.Append(context.WithoutCancel(ctx), &types.Event{
		ID:      types.NewEventID(),
		RoomID:  p.RoomID,
		RunID:   p.RunID,
		Type:    string(typ),
		Source:  p.Source,
		At:      p.At,
		Payload: data,
	})
	if err != nil {
		e.logger.Warn("append event", "type", typ, "room_id", p.RoomID, "error", err)
	}
}
