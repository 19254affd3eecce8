package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/user/parley/internal/runtime"
	"github.com/user/parley/internal/types"
	"github.com/user/parley/pkg/llm"
)

// Texter generates free text. structured.Generator satisfies it.
type Texter interface {
	Text(ctx context.Context, prompt string, size llm.ModelSize) (string, error)
}

// Reply delivers the planned response text. When the plan left the text
// empty the reply is generated from the composed state.
type Reply struct {
	texter Texter
	size   llm.ModelSize
}

func NewReply(texter Texter, size llm.ModelSize) *Reply {
	if size == "" {
		size = llm.SizeSmall
	}
	return &Reply{texter: texter, size: size}
}

func (r *Reply) Name() string             { return runtime.ActionReply }
func (r *Reply) Description() string      { return "Reply to the current conversation with a message" }
func (r *Reply) RequiredParams() []string { return nil }

func (r *Reply) Validate(context.Context, *types.Message, *types.State) bool { return true }

func (r *Reply) Handle(ctx context.Context, msg *types.Message, st *types.State, opts runtime.HandlerOptions, callback runtime.Callback) (*types.ActionResult, error) {
	var thought, text string
	if opts.Response != nil {
		thought = opts.Response.Thought
		text = strings.TrimSpace(opts.Response.Text)
	}
	if text == "" {
		if r.texter == nil {
			return nil, errors.New("no reply text and no generator configured")
		}
		out, err := r.texter.Text(ctx, replyPrompt(msg, st), r.size)
		if err != nil {
			return nil, fmt.Errorf("generate reply: %w", err)
		}
		text = strings.TrimSpace(out)
	}
	if text == "" {
		return &types.ActionResult{Success: false, Error: "empty reply"}, nil
	}

	content := &types.Content{
		Thought:   thought,
		Text:      text,
		Actions:   []string{runtime.ActionReply},
		InReplyTo: msg.ID,
		Source:    msg.Metadata.Source,
	}
	if callback != nil {
		if _, err := callback(ctx, content); err != nil {
			return nil, fmt.Errorf("deliver reply: %w", err)
		}
	}
	return &types.ActionResult{Success: true, Text: text}, nil
}

func replyPrompt(msg *types.Message, st *types.State) string {
	var sb strings.Builder
	if st != nil && st.Text != "" {
		sb.WriteString(st.Text)
		sb.WriteString("\n\n")
	}
	name := "the assistant"
	if st != nil {
		if v, ok := st.Values["agentName"].(string); ok && v != "" {
			name = v
		}
	}
	fmt.Fprintf(&sb, "Write %s's reply to the latest message. Respond with the reply text only.\n\n", name)
	fmt.Fprintf(&sb, "Latest message: %s\n", msg.Content.Text)
	return sb.String()
}

// Ignore records that the agent chose not to answer.
type Ignore struct{}

func (Ignore) Name() string             { return runtime.ActionIgnore }
func (Ignore) Description() string      { return "Do not respond to this message" }
func (Ignore) RequiredParams() []string { return nil }

func (Ignore) Validate(context.Context, *types.Message, *types.State) bool { return true }

func (Ignore) Handle(context.Context, *types.Message, *types.State, runtime.HandlerOptions, runtime.Callback) (*types.ActionResult, error) {
	return &types.ActionResult{Success: true}, nil
}

// None acknowledges a message without any extra action.
type None struct{}

func (None) Name() string             { return runtime.ActionNone }
func (None) Description() string      { return "Respond without taking any additional action" }
func (None) RequiredParams() []string { return nil }

func (None) Validate(context.Context, *types.Message, *types.State) bool { return true }

func (None) Handle(context.Context, *types.Message, *types.State, runtime.HandlerOptions, runtime.Callback) (*types.ActionResult, error) {
	return &types.ActionResult{Success: true}, nil
}
