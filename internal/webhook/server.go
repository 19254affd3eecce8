package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/parley/internal/gateway"
	"github.com/user/parley/internal/state"
	"github.com/user/parley/internal/types"
)

const (
	platform           = "api"
	defaultWaitTimeout = 2 * time.Minute
)

// Admitter accepts inbound messages. gateway.Gateway satisfies it.
type Admitter interface {
	HandleInbound(ctx context.Context, key types.RoomKey, msg *types.Message, opts ...gateway.RunOption) (*gateway.Run, error)
}

// TaskFirer admits a task's prompt. scheduler.Dispatcher satisfies it.
type TaskFirer interface {
	Fire(ctx context.Context, task *state.Task, prompt string) (*gateway.Run, error)
}

// Options carries the optional collaborators of a Server. Endpoints whose
// collaborator is nil answer 503.
type Options struct {
	Gateway  Admitter
	Tasks    *state.TaskStore
	Firer    TaskFirer
	Rooms    types.RoomStore
	Memories types.MemoryStore
	Events   types.EventStore
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	// WaitTimeout bounds how long POST /messages waits for a run.
	WaitTimeout time.Duration
}

// Server is the HTTP surface: the API channel, task webhooks, health,
// metrics and a read-only debug API.
type Server struct {
	opts   Options
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewServer creates a Server and registers its routes.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = defaultWaitTimeout
	}
	s := &Server{
		opts:   opts,
		logger: opts.Logger.With("component", "webhook"),
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /messages", s.handleMessage)
	s.mux.HandleFunc("POST /webhook/{task}", s.handleNamedTask)
	s.mux.HandleFunc("GET /api/rooms", s.handleAPIRooms)
	s.mux.HandleFunc("GET /api/rooms/{id}/memories", s.handleAPIRoomMemories)
	s.mux.HandleFunc("GET /api/rooms/{id}/events", s.handleAPIRoomEvents)
	if opts.Gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// messageRequest is the JSON body for POST /messages.
type messageRequest struct {
	ClientID         string             `json:"client_id"`
	EntityID         string             `json:"entity_id"`
	EntityName       string             `json:"entity_name"`
	Text             string             `json:"text"`
	Attachments      []types.Attachment `json:"attachments"`
	BenchmarkContext string             `json:"benchmark_context"`
	// Async returns as soon as the run is admitted.
	Async bool `json:"async"`
}

type messageResponse struct {
	RunID     string           `json:"run_id"`
	RoomID    string           `json:"room_id"`
	MessageID string           `json:"message_id"`
	Status    string           `json:"status"`
	Error     string           `json:"error,omitempty"`
	Responses []*types.Content `json:"responses"`
}

// collector gathers the content a run delivers.
type collector struct {
	mu       sync.Mutex
	contents []*types.Content
}

func (c *collector) deliver(_ context.Context, content *types.Content) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contents = append(c.contents, content)
	return nil
}

func (c *collector) snapshot() []*types.Content {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.Content, len(c.contents))
	copy(out, c.contents)
	return out
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if s.opts.Gateway == nil {
		writeError(w, http.StatusServiceUnavailable, "gateway not configured")
		return
	}
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ClientID == "" || (strings.TrimSpace(req.Text) == "" && len(req.Attachments) == 0) {
		writeError(w, http.StatusBadRequest, "client_id and text are required")
		return
	}

	entity := req.EntityID
	if entity == "" {
		entity = req.ClientID
	}
	msg := &types.Message{
		EntityID: types.EntityID(platform + ":" + entity),
		Content: types.Content{
			Text:        req.Text,
			Source:      platform,
			Attachments: req.Attachments,
		},
		Metadata: types.Metadata{
			Source:           platform,
			ChannelType:      types.ChannelAPI,
			EntityName:       req.EntityName,
			BenchmarkContext: req.BenchmarkContext,
		},
	}

	c := &collector{}
	// The run outlives the request when async.
	run, err := s.opts.Gateway.HandleInbound(context.WithoutCancel(r.Context()), types.NewRoomKey(platform, req.ClientID), msg, gateway.WithDeliver(c.deliver))
	if err != nil {
		s.logger.Error("admit message", "client_id", req.ClientID, "error", err)
		if errors.Is(err, gateway.ErrQueueFull) {
			writeError(w, http.StatusServiceUnavailable, "queue full")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := messageResponse{
		RunID:     string(run.ID),
		RoomID:    string(run.Room.ID),
		MessageID: string(msg.ID),
		Status:    string(gateway.RunStatusQueued),
		Responses: []*types.Content{},
	}
	if req.Async {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	timer := time.NewTimer(s.opts.WaitTimeout)
	defer timer.Stop()
	select {
	case <-run.Done():
		resp.Status = string(run.Status)
		if run.Error != nil {
			resp.Error = run.Error.Error()
		}
		resp.Responses = c.snapshot()
		writeJSON(w, http.StatusOK, resp)
	case <-timer.C:
		resp.Status = string(gateway.RunStatusRunning)
		resp.Responses = c.snapshot()
		writeJSON(w, http.StatusAccepted, resp)
	case <-r.Context().Done():
	}
}

// namedTaskRequest is the optional JSON body for POST /webhook/{task}.
type namedTaskRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleNamedTask(w http.ResponseWriter, r *http.Request) {
	if s.opts.Tasks == nil || s.opts.Firer == nil {
		writeError(w, http.StatusServiceUnavailable, "tasks not configured")
		return
	}
	name := r.PathValue("task")
	if name == "" {
		writeError(w, http.StatusBadRequest, "task name required")
		return
	}

	task, err := s.opts.Tasks.Get(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if !task.Enabled {
		writeError(w, http.StatusForbidden, "task is disabled")
		return
	}

	// Allow body to override the prompt
	var body namedTaskRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	run, err := s.opts.Firer.Fire(context.WithoutCancel(r.Context()), task, body.Prompt)
	if err != nil {
		s.logger.Error("webhook named task failed", "task", name, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if err := s.opts.Tasks.MarkFired(name, time.Now()); err != nil {
		s.logger.Warn("record task fire", "task", name, "error", err)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": string(run.ID), "status": string(gateway.RunStatusQueued)})
}

type roomResponse struct {
	RoomID      string `json:"room_id"`
	RoomKey     string `json:"room_key"`
	Agent       string `json:"agent"`
	ChannelType string `json:"channel_type"`
	Muted       bool   `json:"muted"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
	EventCount  int64  `json:"event_count"`
}

func (s *Server) handleAPIRooms(w http.ResponseWriter, r *http.Request) {
	if s.opts.Rooms == nil {
		writeError(w, http.StatusServiceUnavailable, "debug API not configured")
		return
	}
	ctx := r.Context()
	rooms, err := s.opts.Rooms.List(ctx)
	if err != nil {
		s.logger.Error("list rooms failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	result := make([]roomResponse, 0, len(rooms))
	for _, room := range rooms {
		var count int64
		if s.opts.Events != nil {
			if count, err = s.opts.Events.Count(ctx, room.ID); err != nil {
				s.logger.Warn("count events failed", "room_id", room.ID, "error", err)
			}
		}
		result = append(result, roomResponse{
			RoomID:      string(room.ID),
			RoomKey:     string(room.Key),
			Agent:       string(room.AgentID),
			ChannelType: string(room.ChannelType),
			Muted:       room.Muted,
			CreatedAt:   room.CreatedAt.Format(time.RFC3339),
			UpdatedAt:   room.UpdatedAt.Format(time.RFC3339),
			EventCount:  count,
		})
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt > result[j].UpdatedAt
	})
	writeJSON(w, http.StatusOK, result)
}

func limitParam(r *http.Request, def int) int {
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func (s *Server) handleAPIRoomMemories(w http.ResponseWriter, r *http.Request) {
	if s.opts.Memories == nil {
		writeError(w, http.StatusServiceUnavailable, "debug API not configured")
		return
	}
	roomID := types.RoomID(r.PathValue("id"))
	msgs, err := s.opts.Memories.GetMemoriesByRoomIDs(r.Context(), []types.RoomID{roomID}, limitParam(r, 100))
	if err != nil {
		s.logger.Error("load memories failed", "room_id", roomID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if msgs == nil {
		msgs = []*types.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleAPIRoomEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "debug API not configured")
		return
	}
	roomID := types.RoomID(r.PathValue("id"))
	events, err := s.opts.Events.Tail(r.Context(), roomID, limitParam(r, 200))
	if err != nil {
		s.logger.Error("tail events failed", "room_id", roomID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if events == nil {
		events = []*types.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}
