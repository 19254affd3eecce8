package llm

import (
	"context"
	"strings"
)

// Provider defines the interface for interacting with LLM backends.
// Implementations handle protocol-specific details such as request formatting,
// authentication, and response parsing.
type Provider interface {
	// Complete sends a request and returns the full response.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Stream sends a request and returns a channel of incremental deltas.
	// The channel is closed when the response ends.
	Stream(ctx context.Context, req *Request) (<-chan Delta, error)
}

// Config holds common configuration for LLM providers.
type Config struct {
	BaseURL     string
	APIKey      string
	ModelSmall  string
	ModelLarge  string
	MaxTokens   int
	Temperature float32
}

// Model returns the model name for size, falling back to the other size
// when only one is configured.
func (c *Config) Model(size ModelSize) string {
	if size == SizeLarge && c.ModelLarge != "" {
		return c.ModelLarge
	}
	if c.ModelSmall != "" {
		return c.ModelSmall
	}
	return c.ModelLarge
}

// MaxTokensFor prefers the request's limit over the configured one.
func (c *Config) MaxTokensFor(req *Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return c.MaxTokens
}

// TemperatureFor prefers the request's temperature over the configured one.
func (c *Config) TemperatureFor(req *Request) float32 {
	if req.Temperature != 0 {
		return req.Temperature
	}
	return c.Temperature
}

// Collect drains a delta channel into a single string.
func Collect(ch <-chan Delta) (string, error) {
	var sb strings.Builder
	for d := range ch {
		if d.Err != nil {
			return sb.String(), d.Err
		}
		sb.WriteString(d.Content)
	}
	return sb.String(), nil
}
