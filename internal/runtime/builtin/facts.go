package builtin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/user/parley/internal/runtime"
	"github.com/user/parley/internal/types"
)

// Facts is a markdown list of long-lived facts, one "- fact" per line.
type Facts struct {
	mu   sync.Mutex
	path string
}

func NewFacts(path string) *Facts { return &Facts{path: path} }

func (f *Facts) read() ([]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read facts: %w", err)
	}
	var out []string
	for _, l := range strings.Split(string(data), "\n") {
		l = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(l), "- "))
		if l != "" {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *Facts) write(facts []string) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("create facts dir: %w", err)
	}
	var sb strings.Builder
	for _, fact := range facts {
		sb.WriteString("- ")
		sb.WriteString(fact)
		sb.WriteString("\n")
	}
	return os.WriteFile(f.path, []byte(sb.String()), 0644)
}

// Save appends fact. It reports false when the fact was already known.
func (f *Facts) Save(fact string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	facts, err := f.read()
	if err != nil {
		return false, err
	}
	for _, existing := range facts {
		if strings.EqualFold(existing, fact) {
			return false, nil
		}
	}
	return true, f.write(append(facts, fact))
}

// Delete removes fact. It reports false when the fact was not found.
func (f *Facts) Delete(fact string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	facts, err := f.read()
	if err != nil {
		return false, err
	}
	kept := facts[:0]
	found := false
	for _, existing := range facts {
		if strings.EqualFold(existing, fact) {
			found = true
			continue
		}
		kept = append(kept, existing)
	}
	if !found {
		return false, nil
	}
	return true, f.write(kept)
}

// List returns every stored fact.
func (f *Facts) List() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read()
}

// Remember stores a fact.
type Remember struct{ facts *Facts }

func NewRemember(facts *Facts) *Remember { return &Remember{facts: facts} }

func (r *Remember) Name() string             { return "REMEMBER" }
func (r *Remember) Description() string      { return "Save a fact or preference to long-term memory" }
func (r *Remember) RequiredParams() []string { return []string{"fact"} }

func (r *Remember) Validate(context.Context, *types.Message, *types.State) bool { return true }

func (r *Remember) Handle(_ context.Context, _ *types.Message, _ *types.State, opts runtime.HandlerOptions, _ runtime.Callback) (*types.ActionResult, error) {
	fact := stringParam(opts.Params, "fact")
	if fact == "" {
		return nil, errors.New("fact is required")
	}
	added, err := r.facts.Save(fact)
	if err != nil {
		return nil, err
	}
	if !added {
		return &types.ActionResult{Success: true, Text: "Already remembered: " + fact}, nil
	}
	return &types.ActionResult{Success: true, Text: "Saved: " + fact}, nil
}

// Forget removes a fact.
type Forget struct{ facts *Facts }

func NewForget(facts *Facts) *Forget { return &Forget{facts: facts} }

func (f *Forget) Name() string             { return "FORGET" }
func (f *Forget) Description() string      { return "Remove a fact from long-term memory (must match an existing entry)" }
func (f *Forget) RequiredParams() []string { return []string{"fact"} }

func (f *Forget) Validate(context.Context, *types.Message, *types.State) bool { return true }

func (f *Forget) Handle(_ context.Context, _ *types.Message, _ *types.State, opts runtime.HandlerOptions, _ runtime.Callback) (*types.ActionResult, error) {
	fact := stringParam(opts.Params, "fact")
	if fact == "" {
		return nil, errors.New("fact is required")
	}
	removed, err := f.facts.Delete(fact)
	if err != nil {
		return nil, err
	}
	if !removed {
		return &types.ActionResult{Success: false, Error: "fact not found: " + fact}, nil
	}
	return &types.ActionResult{Success: true, Text: "Forgot: " + fact}, nil
}

// FactsProvider lists stored facts when the model asks for them.
type FactsProvider struct{ facts *Facts }

func NewFactsProvider(facts *Facts) *FactsProvider { return &FactsProvider{facts: facts} }

func (p *FactsProvider) Name() string        { return "FACTS" }
func (p *FactsProvider) Description() string { return "Facts and preferences saved in long-term memory" }
func (p *FactsProvider) Dynamic() bool       { return true }

func (p *FactsProvider) Get(context.Context, *types.Message, *types.State) (*runtime.ProviderResult, error) {
	facts, err := p.facts.List()
	if err != nil {
		return nil, err
	}
	if len(facts) == 0 {
		return &runtime.ProviderResult{Text: "# Facts\nNo facts stored yet."}, nil
	}
	return &runtime.ProviderResult{
		Text:   "# Facts\n- " + strings.Join(facts, "\n- "),
		Values: map[string]any{"factCount": len(facts)},
	}, nil
}
