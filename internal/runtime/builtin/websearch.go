package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/user/parley/internal/runtime"
	"github.com/user/parley/internal/types"
)

// WebSearch queries the Brave Search API.
type WebSearch struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewWebSearch(apiKey string) *WebSearch {
	return &WebSearch{
		apiKey:  apiKey,
		baseURL: "https://api.search.brave.com/res/v1/web/search",
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (w *WebSearch) Name() string             { return "WEB_SEARCH" }
func (w *WebSearch) Description() string      { return "Search the web for current information" }
func (w *WebSearch) RequiredParams() []string { return []string{"query"} }

// Validate hides the action when no API key is configured.
func (w *WebSearch) Validate(context.Context, *types.Message, *types.State) bool {
	return w.apiKey != ""
}

type braveResponse struct {
	Web braveWeb `json:"web"`
}

type braveWeb struct {
	Results []braveResult `json:"results"`
}

type braveResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

func (w *WebSearch) Handle(ctx context.Context, _ *types.Message, _ *types.State, opts runtime.HandlerOptions, _ runtime.Callback) (*types.ActionResult, error) {
	query := stringParam(opts.Params, "query")
	if query == "" {
		return nil, errors.New("query is required")
	}
	count := intParam(opts.Params, "count", 5)
	if count <= 0 {
		count = 5
	}
	if count > 20 {
		count = 20
	}

	results, err := w.search(ctx, query, count)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return &types.ActionResult{Success: true, Text: "No results found."}, nil
	}

	var sb strings.Builder
	urls := make([]string, 0, len(results))
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n   %s\n\n", i+1, r.Title, r.URL, r.Description)
		urls = append(urls, r.URL)
	}
	return &types.ActionResult{
		Success: true,
		Text:    sb.String(),
		Data:    map[string]any{"query": query, "urls": urls},
	}, nil
}

func (w *WebSearch) search(ctx context.Context, query string, count int) ([]braveResult, error) {
	u, err := url.Parse(w.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("count", strconv.Itoa(count))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", w.apiKey)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result braveResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return result.Web.Results, nil
}
