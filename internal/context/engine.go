package context

import (
	"fmt"
	"strings"
	"sync"
	"text/template"

	"github.com/pkoukk/tiktoken-go"
)

// Engine renders prompt templates and keeps them inside a token budget.
type Engine struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int

	mu        sync.Mutex
	templates map[string]*template.Template
}

// New creates a context engine with the specified token budget.
// model is used to select the appropriate tokenizer (e.g. "gpt-4o").
// maxTokens is the model's context window size.
// reserve is the number of tokens to reserve for the model's response.
func New(model string, maxTokens, reserve int) (*Engine, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Engine{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
		templates: make(map[string]*template.Template),
	}, nil
}

// CountTokens returns the token count for a string.
func (e *Engine) CountTokens(text string) int {
	return len(e.tokenizer.Encode(text, nil, nil))
}

// Budget is the number of tokens available for prompt input.
func (e *Engine) Budget() int {
	return e.maxTokens - e.reserve
}

// FitRecent keeps the newest lines whose combined size fits budget tokens.
// Lines are in chronological order; the result is too.
func (e *Engine) FitRecent(lines []string, budget int) []string {
	used := 0
	start := len(lines)
	for i := len(lines) - 1; i >= 0; i-- {
		n := e.CountTokens(lines[i]) + 1
		if used+n > budget {
			break
		}
		used += n
		start = i
	}
	return lines[start:]
}

// Truncate cuts text to at most budget tokens, keeping the head.
func (e *Engine) Truncate(text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	tokens := e.tokenizer.Encode(text, nil, nil)
	if len(tokens) <= budget {
		return text
	}
	return e.tokenizer.Decode(tokens[:budget])
}

func (e *Engine) lookup(name string) (*template.Template, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t, ok := e.templates[name]; ok {
		return t, nil
	}
	src, ok := builtinTemplates[name]
	if !ok {
		return nil, fmt.Errorf("unknown prompt template %q", name)
	}
	t, err := template.New(name).Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	e.templates[name] = t
	return t, nil
}

// Override replaces a built-in template with src.
func (e *Engine) Override(name, src string) error {
	t, err := template.New(name).Parse(src)
	if err != nil {
		return fmt.Errorf("parse template %s: %w", name, err)
	}
	e.mu.Lock()
	e.templates[name] = t
	e.mu.Unlock()
	return nil
}

// Render executes the named template. When the result exceeds the budget the
// provider section (data.State) is truncated and the template re-rendered.
func (e *Engine) Render(name string, data *PromptData) (string, error) {
	t, err := e.lookup(name)
	if err != nil {
		return "", err
	}
	out, err := execute(t, data)
	if err != nil {
		return "", err
	}

	over := e.CountTokens(out) - e.Budget()
	if over <= 0 || data.State == "" {
		return out, nil
	}
	trimmed := *data
	trimmed.State = e.Truncate(data.State, e.CountTokens(data.State)-over)
	return execute(t, &trimmed)
}

// RenderString parses and executes an ad-hoc template source.
func (e *Engine) RenderString(src string, data *PromptData) (string, error) {
	t, err := template.New("inline").Parse(src)
	if err != nil {
		return "", fmt.Errorf("parse inline template: %w", err)
	}
	return execute(t, data)
}

func execute(t *template.Template, data *PromptData) (string, error) {
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return sb.String(), nil
}
