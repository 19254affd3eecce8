package builtin

import (
	"context"
	"log/slog"

	"github.com/user/parley/internal/runtime"
	"github.com/user/parley/internal/types"
)

// ResponseLog records the size of every response delivered for a message.
type ResponseLog struct {
	logger *slog.Logger
}

func NewResponseLog(logger *slog.Logger) *ResponseLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResponseLog{logger: logger.With("component", "response_log")}
}

func (e *ResponseLog) Name() string    { return "RESPONSE_LOG" }
func (e *ResponseLog) AlwaysRun() bool { return true }

func (e *ResponseLog) Validate(context.Context, *types.Message, *types.State) bool { return true }

func (e *ResponseLog) Handle(_ context.Context, msg *types.Message, _ *types.State, responses []*types.Message, _ runtime.Callback) error {
	chars := 0
	for _, r := range responses {
		chars += len(r.Content.Text)
	}
	e.logger.Info("responses delivered",
		"message_id", msg.ID,
		"room_id", msg.RoomID,
		"responses", len(responses),
		"chars", chars,
	)
	return nil
}
