package structured

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/user/parley/internal/stream"
	"github.com/user/parley/pkg/llm"
)

// Request describes one structured generation.
type Request struct {
	Prompt string
	System string
	Fields []Field
	Size   llm.ModelSize
	// MaxRetries re-issues the call when the output fails validation.
	MaxRetries int
}

// Generator is the inference capability used by the orchestrator.
type Generator struct {
	provider llm.Provider
	retry    *RetryPolicy
	logger   *slog.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithRetryPolicy overrides the transport retry policy.
func WithRetryPolicy(p *RetryPolicy) Option {
	return func(g *Generator) { g.retry = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) { g.logger = l }
}

// NewGenerator wraps provider.
func NewGenerator(provider llm.Provider, opts ...Option) *Generator {
	g := &Generator{
		provider: provider,
		retry:    DefaultRetryPolicy(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "structured")
	return g
}

// Text issues a plain completion and returns its text.
func (g *Generator) Text(ctx context.Context, prompt string, size llm.ModelSize) (string, error) {
	var text string
	err := g.retry.Execute(ctx, func(int) error {
		resp, err := g.provider.Complete(ctx, llm.Prompt(prompt, size))
		if err != nil {
			return err
		}
		text = resp.Content
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("generate text: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// Generate issues the request and parses the envelope. Output that fails
// validation is re-requested up to MaxRetries times, unless streamed text
// already reached the sink. A Malformed result is returned with a nil error;
// only exhausted transport failures return an error.
func (g *Generator) Generate(ctx context.Context, req Request) (Result, error) {
	llmReq := &llm.Request{
		System: req.System,
		Messages: []llm.Message{{
			Role:    "user",
			Content: req.Prompt + "\n\n" + FormatInstructions(req.Fields),
		}},
		Size: req.Size,
	}

	var streamField string
	for _, f := range req.Fields {
		if f.Stream {
			streamField = f.Name
			break
		}
	}
	sink := stream.FromContext(ctx)

	last := Malformed("")
	for attempt := 0; attempt <= req.MaxRetries; attempt++ {
		var (
			raw      string
			streamed bool
			err      error
		)
		if streamField != "" && sink != nil {
			raw, streamed, err = g.streamCall(ctx, llmReq, streamField, sink)
		} else {
			raw, err = g.completeCall(ctx, llmReq)
		}
		if err != nil {
			return Malformed(raw), fmt.Errorf("structured generation: %w", err)
		}

		res := Parse(raw, req.Fields)
		if res.OK() {
			return res, nil
		}
		last = res
		g.logger.Debug("structured output failed validation", "attempt", attempt+1, "streamed", streamed)
		if streamed {
			break
		}
	}
	return last, nil
}

func (g *Generator) completeCall(ctx context.Context, req *llm.Request) (string, error) {
	var raw string
	err := g.retry.Execute(ctx, func(int) error {
		resp, err := g.provider.Complete(ctx, req)
		if err != nil {
			return err
		}
		raw = resp.Content
		return nil
	})
	return raw, err
}

func (g *Generator) streamCall(ctx context.Context, req *llm.Request, field string, sink *stream.Sink) (string, bool, error) {
	var (
		raw      strings.Builder
		streamed bool
	)
	err := g.retry.Execute(ctx, func(int) error {
		raw.Reset()
		ch, err := g.provider.Stream(ctx, req)
		if err != nil {
			return err
		}

		extractor := stream.NewFieldExtractor(field)
		for d := range ch {
			if d.Err != nil {
				if streamed {
					g.logger.Warn("stream ended early", "error", d.Err)
					return nil
				}
				return d.Err
			}
			raw.WriteString(d.Content)

			if visible := extractor.Push(d.Content); visible != "" {
				streamed = true
				if err := sink.Write(ctx, visible); err != nil {
					g.logger.Debug("stream sink rejected chunk", "error", err)
				}
			}
			if extractor.Done() {
				sink.MarkComplete()
			}
		}
		return nil
	})
	return raw.String(), streamed, err
}
