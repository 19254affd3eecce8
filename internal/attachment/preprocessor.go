// Package attachment enriches message attachments with generated image
// descriptions and extracted document text.
package attachment

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"golang.org/x/sync/errgroup"

	"github.com/user/parley/internal/structured"
	"github.com/user/parley/internal/types"
	"github.com/user/parley/pkg/llm"
)

// Completer is the description capability.
type Completer interface {
	Complete(ctx context.Context, req *llm.Request) (*llm.Response, error)
}

const describePrompt = `Describe this image for someone who cannot see it.
Respond using exactly this XML format:
<response>
  <title>a short title</title>
  <description>a detailed description of the image</description>
  <text>any text visible in the image, or empty</text>
</response>`

var describeFields = []structured.Field{
	{Name: "title"},
	{Name: "description", Required: true},
	{Name: "text"},
}

// Preprocessor turns raw attachments into enriched ones.
type Preprocessor struct {
	model       Completer
	size        llm.ModelSize
	httpClient  *http.Client
	maxBytes    int64
	maxSide     int
	concurrency int
	logger      *slog.Logger
}

// Option configures a Preprocessor.
type Option func(*Preprocessor)

// WithHTTPClient overrides the client used to download attachments.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Preprocessor) { p.httpClient = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Preprocessor) { p.logger = l }
}

// WithMaxImageSide downscales images whose longer side exceeds n pixels.
func WithMaxImageSide(n int) Option {
	return func(p *Preprocessor) { p.maxSide = n }
}

// WithConcurrency bounds parallel attachment processing.
func WithConcurrency(n int) Option {
	return func(p *Preprocessor) { p.concurrency = n }
}

// New returns a Preprocessor that describes images with model.
func New(model Completer, opts ...Option) *Preprocessor {
	p := &Preprocessor{
		model:       model,
		size:        llm.SizeSmall,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		maxBytes:    20 << 20,
		maxSide:     1568,
		concurrency: 4,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "attachment")
	return p
}

// Process enriches attachments in parallel and returns them in input order.
// Attachments that already carry a description or text are left untouched.
// Any fetch failure fails the whole batch.
func (p *Preprocessor) Process(ctx context.Context, attachments []types.Attachment) ([]types.Attachment, error) {
	out := make([]types.Attachment, len(attachments))
	copy(out, attachments)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.concurrency, 1))
	for i := range out {
		g.Go(func() error {
			enriched, err := p.processOne(gctx, out[i])
			if err != nil {
				return fmt.Errorf("attachment %s: %w", out[i].ID, err)
			}
			out[i] = enriched
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Preprocessor) processOne(ctx context.Context, att types.Attachment) (types.Attachment, error) {
	switch {
	case att.IsImage():
		if att.Description != "" {
			return att, nil
		}
		return p.describeImage(ctx, att)
	case att.IsDocument():
		if att.Text != "" {
			return att, nil
		}
		return p.extractText(ctx, att)
	}
	return att, nil
}

func (p *Preprocessor) describeImage(ctx context.Context, att types.Attachment) (types.Attachment, error) {
	data, mime, err := p.fetch(ctx, att.URL)
	if err != nil {
		return att, err
	}
	if att.ContentType != "" {
		mime = att.ContentType
	}
	if mime == "" || !strings.HasPrefix(mime, "image/") {
		mime = http.DetectContentType(data)
	}
	data, mime = shrink(data, mime, p.maxSide)

	resp, err := p.model.Complete(ctx, &llm.Request{
		Messages: []llm.Message{{
			Role:    "user",
			Content: describePrompt,
			Images:  []llm.Image{{MediaType: mime, Data: data}},
		}},
		Size: p.size,
	})
	if err != nil {
		p.logger.Warn("image description failed", "attachment_id", att.ID, "error", err)
		return att, nil
	}

	fields := structured.Parse(resp.Content, describeFields).Fields()
	if len(fields) == 0 {
		fields = structured.Scrape(resp.Content, "title", "description", "text")
	}
	if fields["description"] == "" {
		p.logger.Warn("image description unparseable", "attachment_id", att.ID)
		return att, nil
	}

	att.Description = fields["description"]
	if att.Title == "" {
		att.Title = fields["title"]
	}
	if att.Text == "" {
		att.Text = fields["text"]
	}
	return att, nil
}

func (p *Preprocessor) extractText(ctx context.Context, att types.Attachment) (types.Attachment, error) {
	mime := strings.ToLower(att.ContentType)
	if mime != "" && !strings.HasPrefix(mime, "text/") {
		p.logger.Info("skipping non-text document", "attachment_id", att.ID, "content_type", att.ContentType)
		return att, nil
	}

	data, fetchedMime, err := p.fetch(ctx, att.URL)
	if err != nil {
		return att, err
	}
	if mime == "" {
		mime = strings.ToLower(fetchedMime)
	}
	if mime != "" && !strings.HasPrefix(mime, "text/") {
		p.logger.Info("skipping non-text document", "attachment_id", att.ID, "content_type", mime)
		return att, nil
	}

	text := string(data)
	if strings.HasPrefix(mime, "text/html") {
		md, err := htmltomarkdown.ConvertString(text)
		if err != nil {
			p.logger.Warn("html conversion failed", "attachment_id", att.ID, "error", err)
		} else {
			text = md
		}
	}
	att.Text = text
	return att, nil
}
