package delivery

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/user/parley/internal/types"
)

// Handler delivers content to the room identified by key.
type Handler func(ctx context.Context, key types.RoomKey, content *types.Content) error

// Registry routes content to the delivery handler registered for the room
// key's platform (e.g. "telegram", "api").
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for room keys on platform.
func (r *Registry) Register(platform string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[strings.ToLower(platform)] = handler
}

// Deliver calls the handler for key's platform. Content without text is
// dropped; an IGNORE marker has nothing to show.
func (r *Registry) Deliver(ctx context.Context, key types.RoomKey, content *types.Content) error {
	if content == nil || strings.TrimSpace(content.Text) == "" {
		return nil
	}
	r.mu.RLock()
	handler, ok := r.handlers[strings.ToLower(key.Platform())]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no delivery handler for room key: %s", key)
	}
	return handler(ctx, key, content)
}

// For binds Deliver to a single room key.
func (r *Registry) For(key types.RoomKey) func(ctx context.Context, content *types.Content) error {
	return func(ctx context.Context, content *types.Content) error {
		return r.Deliver(ctx, key, content)
	}
}
