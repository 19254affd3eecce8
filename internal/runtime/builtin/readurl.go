package builtin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/user/parley/internal/runtime"
	"github.com/user/parley/internal/types"
)

const maxReadURLChars = 50000

// ReadURL fetches a page and returns it as markdown.
type ReadURL struct {
	client *http.Client
}

func NewReadURL() *ReadURL {
	return &ReadURL{client: &http.Client{Timeout: 30 * time.Second}}
}

func (r *ReadURL) Name() string             { return "READ_URL" }
func (r *ReadURL) Description() string      { return "Fetch a web page and read its content as markdown" }
func (r *ReadURL) RequiredParams() []string { return []string{"url"} }

func (r *ReadURL) Validate(context.Context, *types.Message, *types.State) bool { return true }

func (r *ReadURL) Handle(ctx context.Context, _ *types.Message, _ *types.State, opts runtime.HandlerOptions, _ runtime.Callback) (*types.ActionResult, error) {
	target := stringParam(opts.Params, "url")
	if target == "" {
		return nil, errors.New("url is required")
	}
	md, err := r.fetch(ctx, target)
	if err != nil {
		return nil, err
	}
	return &types.ActionResult{
		Success: true,
		Text:    md,
		Data:    map[string]any{"url": target},
	}, nil
}

func (r *ReadURL) fetch(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "Parley/1.0")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP error: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	md, err := htmltomarkdown.ConvertString(string(body))
	if err != nil {
		return "", fmt.Errorf("convert to markdown: %w", err)
	}
	if len(md) > maxReadURLChars {
		md = md[:maxReadURLChars] + "\n\n[Content truncated]"
	}
	return md, nil
}
