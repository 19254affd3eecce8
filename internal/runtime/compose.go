package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	ctxengine "github.com/user/parley/internal/context"
	"github.com/user/parley/internal/telemetry"
	"github.com/user/parley/internal/types"
)

type runIDKey struct{}

func withRunID(ctx context.Context, id types.RunID) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

func runIDFromContext(ctx context.Context) types.RunID {
	id, _ := ctx.Value(runIDKey{}).(types.RunID)
	return id
}

// composeState runs every static provider plus the named dynamic ones and
// merges their output. Provider failures are logged and skipped.
func (rt *Runtime) composeState(ctx context.Context, msg *types.Message, include []string) *types.State {
	wanted := make(map[string]bool, len(include))
	for _, name := range include {
		wanted[key(name)] = true
	}

	var selected []Provider
	for _, p := range rt.registry.Providers() {
		if !p.Dynamic() || wanted[key(p.Name())] {
			selected = append(selected, p)
		}
	}

	st := types.NewState()
	results := make([]*ProviderResult, len(selected))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range selected {
		g.Go(func() error {
			res, err := p.Get(gctx, msg, st)
			if err != nil {
				rt.logger.Warn("provider failed", "provider", p.Name(), "message_id", msg.ID, "error", err)
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	var parts []string
	for i, p := range selected {
		res := results[i]
		if res == nil {
			continue
		}
		name := key(p.Name())
		for k, v := range res.Values {
			st.Values[k] = v
		}
		if res.Data != nil {
			st.Data[name] = res.Data
		}
		if text := strings.TrimSpace(res.Text); text != "" {
			st.Parts[name] = text
			parts = append(parts, text)
		}
	}
	st.Text = strings.Join(parts, "\n\n")
	st.Values["agentName"] = rt.cfg.AgentName
	return st
}

// callProvider invokes one provider and records the outcome as a trace entry.
func (rt *Runtime) callProvider(ctx context.Context, msg *types.Message, st *types.State, name string) types.ActionResult {
	result := types.ActionResult{Name: key(name), Kind: types.TraceKindProvider}
	p, ok := rt.registry.Provider(name)
	if !ok {
		result.Error = fmt.Sprintf("provider %s not found", key(name))
		result.At = time.Now()
		return result
	}

	start := time.Now()
	res, err := p.Get(ctx, msg, st)
	result.At = time.Now()

	payload := telemetry.Payload{
		RunID:     runIDFromContext(ctx),
		MessageID: msg.ID,
		RoomID:    msg.RoomID,
		Name:      result.Name,
		Duration:  time.Since(start),
		Status:    "success",
	}
	switch {
	case err != nil:
		result.Error = err.Error()
		payload.Status = "failure"
		payload.Error = result.Error
	case res != nil:
		result.Success = true
		result.Text = res.Text
		result.Values = res.Values
		result.Data = res.Data
	default:
		result.Success = true
	}
	rt.emit(ctx, telemetry.ProviderCompleted, payload)
	return result
}

// fanOut calls the named providers concurrently under one shared timeout.
// It reports false when the batch did not settle in time.
func (rt *Runtime) fanOut(ctx context.Context, msg *types.Message, st *types.State, names []string, timeout time.Duration) ([]types.ActionResult, bool) {
	if timeout <= 0 {
		timeout = time.Second
	}
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		results = make([]types.ActionResult, len(names))
		g       errgroup.Group
	)
	for i, name := range names {
		g.Go(func() error {
			r := rt.callProvider(fctx, msg, st, name)
			mu.Lock()
			results[i] = r
			mu.Unlock()
			return nil
		})
	}

	settled := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(settled)
	}()

	select {
	case <-settled:
		return results, true
	case <-fctx.Done():
		return nil, false
	}
}

func (rt *Runtime) promptData(ctx context.Context, msg *types.Message, st *types.State) *ctxengine.PromptData {
	actions, names := rt.registry.describeActions(ctx, msg, st)
	sender := msg.Metadata.EntityName
	if sender == "" {
		sender = msg.Metadata.Username
	}
	if sender == "" {
		sender = string(msg.EntityID)
	}
	return &ctxengine.PromptData{
		AgentName:   rt.cfg.AgentName,
		Bio:         rt.cfg.Bio,
		Time:        time.Now().UTC().Format(time.RFC1123),
		Sender:      sender,
		Message:     msg.Content.Text,
		State:       st.Text,
		Actions:     actions,
		ActionNames: names,
		Providers:   rt.registry.describeProviders(),
	}
}

// formatTrace renders the trace for the multi-step prompts.
func formatTrace(trace []types.ActionResult) string {
	var sb strings.Builder
	for i, r := range trace {
		status := "ok"
		if !r.Success {
			status = "failed"
		}
		fmt.Fprintf(&sb, "%d. %s %s [%s]", i+1, r.Kind, r.Name, status)
		if r.Text != "" {
			fmt.Fprintf(&sb, ": %s", r.Text)
		}
		if r.Error != "" {
			fmt.Fprintf(&sb, " (error: %s)", r.Error)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
