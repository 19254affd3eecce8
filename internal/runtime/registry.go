package runtime

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/user/parley/internal/types"
)

// Callback delivers content produced during a run and returns any messages
// the delivery created. It may be invoked from inside action handlers.
type Callback func(ctx context.Context, content *types.Content) ([]*types.Message, error)

// HandlerOptions is passed to an action when it runs.
type HandlerOptions struct {
	// Params holds the action's parameters, keyed by parameter name.
	Params map[string]any
	// Response is the planned content that selected the action.
	Response *types.Content
}

// Action is a named capability the model can choose to run.
type Action interface {
	Name() string
	Description() string
	RequiredParams() []string
	Validate(ctx context.Context, msg *types.Message, st *types.State) bool
	Handle(ctx context.Context, msg *types.Message, st *types.State, opts HandlerOptions, callback Callback) (*types.ActionResult, error)
}

// ProviderResult is the context a provider contributes to the state.
type ProviderResult struct {
	Text   string
	Values map[string]any
	Data   map[string]any
}

// Provider supplies read-only context. Dynamic providers only run when the
// model asks for them; the rest are composed into every state.
type Provider interface {
	Name() string
	Description() string
	Dynamic() bool
	Get(ctx context.Context, msg *types.Message, st *types.State) (*ProviderResult, error)
}

// Evaluator runs after a response has been produced.
type Evaluator interface {
	Name() string
	AlwaysRun() bool
	Validate(ctx context.Context, msg *types.Message, st *types.State) bool
	Handle(ctx context.Context, msg *types.Message, st *types.State, responses []*types.Message, callback Callback) error
}

// Registry holds registered actions, providers and evaluators. Names are
// matched case-insensitively.
type Registry struct {
	mu         sync.RWMutex
	actions    map[string]Action
	providers  map[string]Provider
	evaluators []Evaluator
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		actions:   make(map[string]Action),
		providers: make(map[string]Provider),
	}
}

func key(name string) string { return strings.ToUpper(strings.TrimSpace(name)) }

// RegisterAction adds an action, replacing any action with the same name.
func (r *Registry) RegisterAction(a Action) {
	r.mu.Lock()
	r.actions[key(a.Name())] = a
	r.mu.Unlock()
}

// RegisterProvider adds a provider, replacing any provider with the same name.
func (r *Registry) RegisterProvider(p Provider) {
	r.mu.Lock()
	r.providers[key(p.Name())] = p
	r.mu.Unlock()
}

// RegisterEvaluator appends an evaluator.
func (r *Registry) RegisterEvaluator(e Evaluator) {
	r.mu.Lock()
	r.evaluators = append(r.evaluators, e)
	r.mu.Unlock()
}

// Action returns an action by name.
func (r *Registry) Action(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[key(name)]
	return a, ok
}

// Provider returns a provider by name.
func (r *Registry) Provider(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[key(name)]
	return p, ok
}

// Actions returns all actions sorted by name.
func (r *Registry) Actions() []Action {
	r.mu.RLock()
	out := make([]Action, 0, len(r.actions))
	for _, a := range r.actions {
		out = append(out, a)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Providers returns all providers sorted by name.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Evaluators returns the evaluators in registration order.
func (r *Registry) Evaluators() []Evaluator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Evaluator(nil), r.evaluators...)
}

// describeActions renders "NAME: description" lines for the actions valid for
// msg, and the comma list of their names.
func (r *Registry) describeActions(ctx context.Context, msg *types.Message, st *types.State) (string, string) {
	var lines, names []string
	for _, a := range r.Actions() {
		if !a.Validate(ctx, msg, st) {
			continue
		}
		line := fmt.Sprintf("%s: %s", a.Name(), a.Description())
		if req := a.RequiredParams(); len(req) > 0 {
			line += fmt.Sprintf(" (params: %s)", strings.Join(req, ", "))
		}
		lines = append(lines, line)
		names = append(names, a.Name())
	}
	return strings.Join(lines, "\n"), strings.Join(names, ", ")
}

// describeProviders renders "NAME: description" lines for dynamic providers.
func (r *Registry) describeProviders() string {
	var lines []string
	for _, p := range r.Providers() {
		if p.Dynamic() {
			lines = append(lines, fmt.Sprintf("%s: %s", p.Name(), p.Description()))
		}
	}
	return strings.Join(lines, "\n")
}
