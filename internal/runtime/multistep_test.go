package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/parley/internal/structured"
	"github.com/user/parley/internal/types"
)

func multiStep(t *testing.T, h *harness, rec *recorder, opts ...HandleOption) (*strategyResult, *types.State) {
	t.Helper()
	room := h.room(t, "dm", types.ChannelDM)
	st := types.NewState()
	out, err := h.rt.runMultiStep(context.Background(), newMessage(room, "plan my trip"), st, h.rt.resolve(opts), rec.callback)
	require.NoError(t, err)
	return out, st
}

func countFields(calls []structured.Request, field string) int {
	n := 0
	for _, c := range calls {
		if hasField(c, field) {
			n++
		}
	}
	return n
}

func TestMultiStep_StopsAtIterationBound(t *testing.T) {
	inf := &fakeInference{
		generate: func(_ context.Context, _ int, req structured.Request) (structured.Result, error) {
			if hasField(req, "isFinish") {
				return parsed("thought", "keep going", "action", "NOOP", "isFinish", "false"), nil
			}
			return parsed("thought", "summing up", "text", "all steps done"), nil
		},
	}
	h := newHarness(t, testConfig(), inf)
	noop := &fakeAction{name: "NOOP", text: "nothing happened"}
	h.registry.RegisterAction(noop)

	out, st := multiStep(t, h, &recorder{}, WithMaxIterations(3))

	calls := inf.calls()
	assert.Equal(t, 3, countFields(calls, "isFinish"))
	assert.Len(t, calls, 4)
	assert.Equal(t, 3, noop.count())
	assert.Len(t, st.Trace, 3)

	require.NotNil(t, out.content)
	assert.Equal(t, ModeSimple, out.mode)
	assert.Equal(t, "all steps done", out.content.Text)
	assert.Equal(t, []string{ActionMultiStepSummary}, out.content.Actions)
}

func TestMultiStep_ProviderBatchTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ProviderTimeout = 50 * time.Millisecond
	inf := &fakeInference{
		generate: func(_ context.Context, _ int, req structured.Request) (structured.Result, error) {
			if hasField(req, "isFinish") {
				return parsed("thought", "need data", "providers", "SLOW, FAST"), nil
			}
			return parsed("text", "should not be reached"), nil
		},
	}
	h := newHarness(t, cfg, inf)
	block := make(chan struct{})
	defer func() {
		close(block)
		time.Sleep(20 * time.Millisecond)
	}()
	h.registry.RegisterProvider(&fakeProvider{name: "SLOW", dynamic: true, block: block})
	h.registry.RegisterProvider(&fakeProvider{name: "FAST", dynamic: true, text: "quick"})

	rec := &recorder{}
	start := time.Now()
	out, _ := multiStep(t, h, rec)
	elapsed := time.Since(start)

	assert.Nil(t, out.content)
	assert.Equal(t, ModeNone, out.mode)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, []string{ProviderTimeoutText}, rec.texts())
	assert.Len(t, inf.calls(), 1)
}

func TestMultiStep_ProvidersRecordedInTrace(t *testing.T) {
	inf := &fakeInference{
		generate: func(_ context.Context, call int, req structured.Request) (structured.Result, error) {
			if hasField(req, "isFinish") {
				if call == 0 {
					return parsed("thought", "check the time", "providers", "TIME, UNKNOWN"), nil
				}
				return parsed("thought", "done", "isFinish", "true"), nil
			}
			return parsed("text", "It is noon."), nil
		},
	}
	h := newHarness(t, testConfig(), inf)
	h.registry.RegisterProvider(&fakeProvider{name: "TIME", dynamic: true, text: "12:00"})
	rec := &recorder{}

	out, st := multiStep(t, h, rec)
	require.NotNil(t, out.content)

	require.Len(t, st.Trace, 2)
	assert.Equal(t, "TIME", st.Trace[0].Name)
	assert.True(t, st.Trace[0].Success)
	assert.Equal(t, "12:00", st.Trace[0].Text)
	assert.Equal(t, "UNKNOWN", st.Trace[1].Name)
	assert.False(t, st.Trace[1].Success)

	// Two provider progress callbacks and the finish callback.
	assert.Len(t, rec.all(), 3)

	calls := inf.calls()
	summary := calls[len(calls)-1]
	assert.True(t, containsAll(summary.Prompt, "provider TIME [ok]: 12:00", "provider UNKNOWN [failed]"))
}

func TestMultiStep_UnparseableDecisionEndsLoop(t *testing.T) {
	inf := &fakeInference{
		generate: func(_ context.Context, _ int, req structured.Request) (structured.Result, error) {
			if hasField(req, "isFinish") {
				return structured.Malformed("no envelope"), nil
			}
			return parsed("text", "Sorry, I got confused."), nil
		},
	}
	h := newHarness(t, testConfig(), inf)

	out, st := multiStep(t, h, &recorder{})
	require.Len(t, st.Trace, 1)
	assert.False(t, st.Trace[0].Success)
	assert.Equal(t, 1, countFields(inf.calls(), "isFinish"))
	assert.Equal(t, ModeSimple, out.mode)
}

func TestMultiStep_EmptyStepEndsLoop(t *testing.T) {
	inf := &fakeInference{
		generate: func(_ context.Context, _ int, req structured.Request) (structured.Result, error) {
			if hasField(req, "isFinish") {
				return parsed("thought", "nothing to do"), nil
			}
			return parsed("text", ""), nil
		},
	}
	h := newHarness(t, testConfig(), inf)

	out, _ := multiStep(t, h, &recorder{})
	assert.Equal(t, 1, countFields(inf.calls(), "isFinish"))
	assert.Nil(t, out.content)
	assert.Equal(t, ModeNone, out.mode)
}

func TestMultiStep_ActionParameters(t *testing.T) {
	inf := &fakeInference{
		generate: func(_ context.Context, call int, req structured.Request) (structured.Result, error) {
			if hasField(req, "isFinish") {
				if call == 0 {
					return parsed("thought", "search", "action", "search", "parameters", `{"query": "flights"}`), nil
				}
				return parsed("thought", "done", "isFinish", "yes"), nil
			}
			return parsed("text", "Found flights."), nil
		},
	}
	h := newHarness(t, testConfig(), inf)
	search := &fakeAction{name: "SEARCH", text: "3 results"}
	h.registry.RegisterAction(search)

	out, st := multiStep(t, h, &recorder{})
	require.Equal(t, 1, search.count())
	assert.Equal(t, "flights", search.calls[0].Params["query"])
	require.Len(t, st.Trace, 1)
	assert.Equal(t, "3 results", st.Trace[0].Text)
	assert.Equal(t, "Found flights.", out.content.Text)
}
