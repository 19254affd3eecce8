// Package anthropic adapts the Anthropic Messages API to llm.Provider.
package anthropic

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/user/parley/pkg/llm"
)

const defaultMaxTokens = 4096

// Client implements llm.Provider on top of the Anthropic SDK.
type Client struct {
	config *llm.Config
	client anthropic.Client
}

// New creates a client. An empty BaseURL uses the SDK default.
func New(config *llm.Config) *Client {
	opts := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	return &Client{
		config: config,
		client: anthropic.NewClient(opts...),
	}
}

func (c *Client) params(req *llm.Request) anthropic.MessageNewParams {
	maxTokens := c.config.MaxTokensFor(req)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.config.Model(req.Size)),
		Messages:  convertMessages(req.Messages),
		MaxTokens: int64(maxTokens),
	}
	if t := c.config.TemperatureFor(req); t != 0 {
		params.Temperature = anthropic.Float(float64(t))
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	return params
}

func convertMessages(messages []llm.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		var blocks []anthropic.ContentBlockParamUnion
		for _, img := range msg.Images {
			blocks = append(blocks, anthropic.NewImageBlockBase64(img.MediaType, base64.StdEncoding.EncodeToString(img.Data)))
		}
		if msg.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
		}
		if len(blocks) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

// Complete sends a message request and returns the concatenated text blocks.
func (c *Client) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	resp, err := c.client.Messages.New(ctx, c.params(req))
	if err != nil {
		return nil, fmt.Errorf("anthropic completion: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	in, out := int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens)
	return &llm.Response{
		Content: sb.String(),
		Usage: llm.Usage{
			InputTokens:  in,
			OutputTokens: out,
			TotalTokens:  in + out,
		},
	}, nil
}

// Stream forwards text deltas from a streaming message request.
func (c *Client) Stream(ctx context.Context, req *llm.Request) (<-chan llm.Delta, error) {
	stream := c.client.Messages.NewStreaming(ctx, c.params(req))

	ch := make(chan llm.Delta)
	go func() {
		defer close(ch)
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			if event.Type != "content_block_delta" {
				continue
			}
			delta := event.AsContentBlockDelta().Delta
			if delta.Type != "text_delta" || delta.Text == "" {
				continue
			}
			select {
			case ch <- llm.Delta{Content: delta.Text}:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil {
			select {
			case ch <- llm.Delta{Err: fmt.Errorf("anthropic stream: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}
