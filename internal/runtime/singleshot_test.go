package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/parley/internal/stream"
	"github.com/user/parley/internal/structured"
	"github.com/user/parley/internal/types"
)

func singleShot(t *testing.T, h *harness, ctx context.Context, st *types.State) *strategyResult {
	t.Helper()
	room := h.room(t, "dm", types.ChannelDM)
	if st == nil {
		st = types.NewState()
	}
	out, err := h.rt.runSingleShot(ctx, newMessage(room, "hello"), st, types.NewResponseID(), h.rt.resolve(nil))
	require.NoError(t, err)
	return out
}

func TestSingleShot_ModeClassification(t *testing.T) {
	tests := []struct {
		name    string
		result  structured.Result
		mode    Mode
		actions []string
	}{
		{"reply only", parsed("thought", "t", "actions", "REPLY", "text", "hi"), ModeSimple, []string{"REPLY"}},
		{"reply lower case", parsed("thought", "t", "actions", "reply", "text", "hi"), ModeSimple, []string{"REPLY"}},
		{"two actions", parsed("thought", "t", "actions", "REPLY, READ_URL", "text", "hi"), ModeActions, []string{"REPLY", "READ_URL"}},
		{"list syntax", parsed("thought", "t", "actions", `["REPLY"]`, "providers", "TIME", "text", "hi"), ModeActions, []string{"REPLY"}},
		{"reply without text", parsed("thought", "t", "actions", "REPLY", "text", ""), ModeActions, []string{"REPLY"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inf := &fakeInference{
				generate: func(context.Context, int, structured.Request) (structured.Result, error) {
					return tt.result, nil
				},
			}
			h := newHarness(t, testConfig(), inf)
			out := singleShot(t, h, context.Background(), nil)
			require.NotNil(t, out.content)
			assert.Equal(t, tt.mode, out.mode)
			assert.Equal(t, tt.actions, out.content.Actions)
			assert.Equal(t, tt.mode == ModeSimple, out.content.Simple)
		})
	}
}

func TestSingleShot_ActionPlanningDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.ActionPlanning = false
	inf := &fakeInference{
		generate: func(context.Context, int, structured.Request) (structured.Result, error) {
			return parsed("thought", "t", "actions", "REPLY, READ_URL", "text", "hi"), nil
		},
	}
	h := newHarness(t, cfg, inf)
	out := singleShot(t, h, context.Background(), nil)
	assert.Equal(t, []string{"REPLY"}, out.content.Actions)
	assert.Equal(t, ModeSimple, out.mode)
}

func TestSingleShot_CompleteStreamRecovery(t *testing.T) {
	inf := &fakeInference{
		generate: func(context.Context, int, structured.Request) (structured.Result, error) {
			return structured.Malformed("<response><text>full reply</text>"), nil
		},
	}
	h := newHarness(t, testConfig(), inf)

	sink := stream.NewSink(nil)
	ctx := stream.WithSink(context.Background(), sink)
	require.NoError(t, sink.Write(ctx, "full reply"))
	sink.MarkComplete()

	out := singleShot(t, h, ctx, nil)
	require.NotNil(t, out.content)
	assert.Equal(t, "full reply", out.content.Text)
	assert.Equal(t, []string{ActionReply}, out.content.Actions)
	assert.Equal(t, ModeSimple, out.mode)
	assert.Empty(t, inf.prompts)
}

func TestSingleShot_ContinuationEscapesDeliveredText(t *testing.T) {
	inf := &fakeInference{
		generate: func(context.Context, int, structured.Request) (structured.Result, error) {
			return structured.Malformed("<response><text>Use {{.Secret}} now"), nil
		},
		text: func(context.Context, string) (string, error) {
			return " and more", nil
		},
	}
	h := newHarness(t, testConfig(), inf)

	sink := stream.NewSink(nil)
	ctx := stream.WithSink(context.Background(), sink)
	require.NoError(t, sink.Write(ctx, "Use {{.Secret}} now"))

	out := singleShot(t, h, ctx, nil)
	require.NotNil(t, out.content)
	assert.Equal(t, "Use {{.Secret}} now and more", out.content.Text)
	assert.Equal(t, ModeSimple, out.mode)

	require.Len(t, inf.prompts, 1)
	assert.True(t, containsAll(inf.prompts[0], "<delivered>", "Use {{.Secret}} now", "Continue the reply"))
	assert.Equal(t, "Use {{.Secret}} now and more", sink.Text())
}

func TestSingleShot_NothingRecoverable(t *testing.T) {
	inf := &fakeInference{
		generate: func(context.Context, int, structured.Request) (structured.Result, error) {
			return structured.Malformed("garbage"), nil
		},
	}
	h := newHarness(t, testConfig(), inf)
	out := singleShot(t, h, context.Background(), nil)
	assert.Nil(t, out.content)
	assert.Equal(t, ModeNone, out.mode)
}

func TestSingleShot_ParamRepair(t *testing.T) {
	inf := &fakeInference{
		generate: func(_ context.Context, call int, req structured.Request) (structured.Result, error) {
			if call == 0 {
				return parsed("thought", "read it", "actions", "READ_URL", "text", ""), nil
			}
			return parsed("params", `{"read_url": {"url": "https://go.dev"}}`), nil
		},
	}
	h := newHarness(t, testConfig(), inf)
	h.registry.RegisterAction(&fakeAction{name: "READ_URL", required: []string{"url"}})

	out := singleShot(t, h, context.Background(), nil)
	require.NotNil(t, out.content)
	assert.Equal(t, "https://go.dev", out.content.Params["READ_URL"]["url"])

	calls := inf.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, paramRepairFields, calls[1].Fields)
	assert.Contains(t, calls[1].Prompt, "READ_URL: url")
}

func TestSingleShot_NoRepairWhenParamsPresent(t *testing.T) {
	inf := &fakeInference{
		generate: func(context.Context, int, structured.Request) (structured.Result, error) {
			return parsed("thought", "t", "actions", "READ_URL", "params", `{READ_URL: {url: "https://go.dev"}}`), nil
		},
	}
	h := newHarness(t, testConfig(), inf)
	h.registry.RegisterAction(&fakeAction{name: "READ_URL", required: []string{"url"}})

	out := singleShot(t, h, context.Background(), nil)
	assert.Len(t, inf.calls(), 1)
	assert.Equal(t, "https://go.dev", out.content.Params["READ_URL"]["url"])
}

func TestSingleShot_BenchmarkOverride(t *testing.T) {
	inf := &fakeInference{
		generate: func(context.Context, int, structured.Request) (structured.Result, error) {
			return parsed("thought", "t", "actions", "", "text", "direct text"), nil
		},
	}
	h := newHarness(t, testConfig(), inf)
	st := types.NewState()
	st.Values[types.BenchmarkKey] = true

	out := singleShot(t, h, context.Background(), st)
	require.NotNil(t, out.content)
	assert.Equal(t, []string{ActionReply}, out.content.Actions)
	assert.Equal(t, []string{ProviderContextBench}, out.content.Providers)
	assert.Empty(t, out.content.Text)
	assert.Equal(t, ModeActions, out.mode)
}

func TestResolveIgnore(t *testing.T) {
	tests := []struct {
		name    string
		actions []string
		text    string
		want    []string
	}{
		{"ignore alone", []string{"IGNORE"}, "", []string{"IGNORE"}},
		{"ignore with others and no text", []string{"REPLY", "IGNORE"}, "", []string{"IGNORE"}},
		{"ignore with others and text", []string{"IGNORE", "READ_URL"}, "hi", []string{"READ_URL"}},
		{"duplicate ignore with text", []string{"IGNORE", "ignore"}, "hi", []string{"REPLY"}},
		{"no ignore", []string{"REPLY"}, "", []string{"REPLY"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolveIgnore(tt.actions, tt.text))
		})
	}
}
