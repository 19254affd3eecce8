package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/parley/internal/gateway"
	"github.com/user/parley/internal/stream"
	"github.com/user/parley/internal/structured"
	"github.com/user/parley/internal/telemetry"
	"github.com/user/parley/internal/types"
)

func TestHandleMessage_DirectMessageReply(t *testing.T) {
	inf := &fakeInference{
		generate: func(_ context.Context, _ int, req structured.Request) (structured.Result, error) {
			return replyResult("hello back"), nil
		},
	}
	h := newHarness(t, testConfig(), inf)
	room := h.room(t, "dm", types.ChannelDM)
	msg := newMessage(room, "hello")
	rec := &recorder{}

	res, err := h.rt.HandleMessage(context.Background(), msg, rec.callback)
	require.NoError(t, err)

	assert.True(t, res.DidRespond)
	assert.Equal(t, ModeSimple, res.Mode)
	require.NotNil(t, res.ResponseContent)
	assert.Equal(t, msg.ID, res.ResponseContent.InReplyTo)
	assert.NotEmpty(t, res.ResponseContent.ResponseID)
	assert.Equal(t, []string{"hello back"}, rec.texts())

	// Only the message handler call: the private channel skips evaluation.
	calls := inf.calls()
	require.Len(t, calls, 1)
	assert.True(t, hasField(calls[0], "actions"))

	mems, err := h.memories.GetMemoriesByRoomIDs(context.Background(), []types.RoomID{room.ID}, 0)
	require.NoError(t, err)
	assert.Len(t, mems, 2)

	assert.Equal(t, 1, h.events.count(telemetry.RunStarted))
	assert.Equal(t, 1, h.events.count(telemetry.RunEnded))
	assert.Equal(t, 0, h.rt.Tracker().Agents())
}

func TestHandleMessage_MissingID(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeInference{})
	msg := newMessage(h.room(t, "dm", types.ChannelDM), "hi")
	msg.ID = ""

	res, err := h.rt.HandleMessage(context.Background(), msg, nil, WithRunID("run-missing"))
	assert.ErrorIs(t, err, ErrMissingMessageID)
	require.NotNil(t, res)
	assert.False(t, res.DidRespond)

	assert.Equal(t, 0, h.events.count(telemetry.RunStarted))
	ended := h.events.terminal()
	require.Len(t, ended, 1)
	assert.Equal(t, types.RunID("run-missing"), ended[0].RunID)
	assert.Equal(t, telemetry.StatusError, ended[0].Status)
	assert.Equal(t, ErrMissingMessageID.Error(), ended[0].Error)
	assert.Equal(t, msg.RoomID, ended[0].RoomID)
}

func TestHandleMessage_InboundPersistedOnce(t *testing.T) {
	inf := &fakeInference{
		generate: func(context.Context, int, structured.Request) (structured.Result, error) {
			return replyResult("ok"), nil
		},
	}
	h := newHarness(t, testConfig(), inf)
	room := h.room(t, "dm", types.ChannelDM)
	msg := newMessage(room, "hello")

	for i := 0; i < 2; i++ {
		_, err := h.rt.HandleMessage(context.Background(), msg, nil)
		require.NoError(t, err)
	}

	mems, err := h.memories.GetMemoriesByRoomIDs(context.Background(), []types.RoomID{room.ID}, 0)
	require.NoError(t, err)
	inbound := 0
	for _, m := range mems {
		if m.ID == msg.ID {
			inbound++
		}
	}
	assert.Equal(t, 1, inbound)
}

func TestHandleMessage_GroupEscalation(t *testing.T) {
	tests := []struct {
		name       string
		action     string
		wantStatus string
		respond    bool
	}{
		{"respond", "RESPOND", telemetry.StatusCompleted, true},
		{"stop counts as respond", "stop", telemetry.StatusCompleted, true},
		{"ignore", "IGNORE", telemetry.StatusIgnored, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inf := &fakeInference{
				generate: func(_ context.Context, _ int, req structured.Request) (structured.Result, error) {
					if hasField(req, "action") && !hasField(req, "isFinish") {
						return parsed("reasoning", "r", "action", tt.action), nil
					}
					return replyResult("sure"), nil
				},
			}
			h := newHarness(t, testConfig(), inf)
			room := h.room(t, "group", types.ChannelGroup)
			rec := &recorder{}

			res, err := h.rt.HandleMessage(context.Background(), newMessage(room, "anyone around?"), rec.callback)
			require.NoError(t, err)
			assert.Equal(t, tt.respond, res.DidRespond)

			ended := h.events.terminal()
			require.Len(t, ended, 1)
			assert.Equal(t, tt.wantStatus, ended[0].Status)

			if !tt.respond {
				all := rec.all()
				require.Len(t, all, 1)
				assert.Equal(t, []string{ActionIgnore}, all[0].Actions)
				assert.Empty(t, all[0].Text)
			}
		})
	}
}

func TestHandleMessage_MentionSkipsEscalation(t *testing.T) {
	inf := &fakeInference{
		generate: func(context.Context, int, structured.Request) (structured.Result, error) {
			return replyResult("you called?"), nil
		},
	}
	h := newHarness(t, testConfig(), inf)
	room := h.room(t, "group", types.ChannelGroup)

	res, err := h.rt.HandleMessage(context.Background(), newMessage(room, "hey parley, what's up"), nil)
	require.NoError(t, err)
	assert.True(t, res.DidRespond)
	assert.Len(t, inf.calls(), 1)
}

func TestHandleMessage_ShortCircuits(t *testing.T) {
	t.Run("own message", func(t *testing.T) {
		h := newHarness(t, testConfig(), &fakeInference{})
		msg := newMessage(h.room(t, "dm", types.ChannelDM), "echo")
		msg.EntityID = types.EntityID(h.rt.cfg.AgentID)

		res, err := h.rt.HandleMessage(context.Background(), msg, nil)
		require.NoError(t, err)
		assert.False(t, res.DidRespond)
		assert.Empty(t, h.inf.calls())
		assert.Equal(t, telemetry.StatusSkipped, h.events.terminal()[0].Status)
	})

	t.Run("muted room", func(t *testing.T) {
		h := newHarness(t, testConfig(), &fakeInference{})
		room := h.room(t, "group", types.ChannelGroup)
		room.Muted = true
		require.NoError(t, h.rooms.Update(context.Background(), room))

		res, err := h.rt.HandleMessage(context.Background(), newMessage(room, "chatter"), nil)
		require.NoError(t, err)
		assert.False(t, res.DidRespond)
		assert.Empty(t, h.inf.calls())
	})

	t.Run("off by default without opt-in", func(t *testing.T) {
		cfg := testConfig()
		cfg.OffByDefault = true
		h := newHarness(t, cfg, &fakeInference{})
		room := h.room(t, "group", types.ChannelGroup)

		res, err := h.rt.HandleMessage(context.Background(), newMessage(room, "hello"), nil)
		require.NoError(t, err)
		assert.False(t, res.DidRespond)
		assert.Empty(t, h.inf.calls())
	})

	t.Run("no room", func(t *testing.T) {
		h := newHarness(t, testConfig(), &fakeInference{})
		msg := newMessage(&types.Room{ID: types.NewRoomID()}, "hello")
		msg.Metadata.ChannelType = types.ChannelGroup

		res, err := h.rt.HandleMessage(context.Background(), msg, nil)
		require.NoError(t, err)
		assert.False(t, res.DidRespond)
		assert.Empty(t, h.inf.calls())
	})
}

func TestHandleMessage_AutonomousBypassesMute(t *testing.T) {
	inf := &fakeInference{
		generate: func(context.Context, int, structured.Request) (structured.Result, error) {
			return replyResult("scheduled update"), nil
		},
	}
	h := newHarness(t, testConfig(), inf)
	room := h.room(t, "group", types.ChannelGroup)
	room.Muted = true
	require.NoError(t, h.rooms.Update(context.Background(), room))

	msg := newMessage(room, "run the daily digest")
	msg.Metadata.Autonomous = true
	res, err := h.rt.HandleMessage(context.Background(), msg, nil)
	require.NoError(t, err)
	assert.True(t, res.DidRespond)
}

func TestHandleMessage_SupersededDuringGeneration(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	inf := &fakeInference{
		generate: func(context.Context, int, structured.Request) (structured.Result, error) {
			close(entered)
			<-release
			return replyResult("stale answer"), nil
		},
	}
	h := newHarness(t, testConfig(), inf)
	room := h.room(t, "dm", types.ChannelDM)
	rec := &recorder{}

	type result struct {
		res *Result
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := h.rt.HandleMessage(context.Background(), newMessage(room, "first"), rec.callback)
		done <- result{res, err}
	}()

	<-entered
	h.rt.Tracker().Begin(h.rt.cfg.AgentID, room.ID)
	close(release)

	out := <-done
	require.NoError(t, out.err)
	assert.False(t, out.res.DidRespond)
	assert.Empty(t, rec.all())
	assert.Equal(t, telemetry.StatusSuperseded, h.events.terminal()[0].Status)
}

func TestHandleMessage_SupersededDuringActions(t *testing.T) {
	inf := &fakeInference{
		generate: func(context.Context, int, structured.Request) (structured.Result, error) {
			return parsed("thought", "two steps", "actions", "SLOW, SEND", "text", ""), nil
		},
	}
	h := newHarness(t, testConfig(), inf)
	room := h.room(t, "dm", types.ChannelDM)
	h.registry.RegisterAction(&funcAction{name: "SLOW", handle: func(context.Context, Callback) error {
		h.rt.Tracker().Begin(h.rt.cfg.AgentID, room.ID)
		return nil
	}})
	send := &fakeAction{name: "SEND", text: "stale reply", deliver: true}
	h.registry.RegisterAction(send)
	rec := &recorder{}

	res, err := h.rt.HandleMessage(context.Background(), newMessage(room, "do both"), rec.callback)
	require.NoError(t, err)
	assert.False(t, res.DidRespond)
	assert.Equal(t, ModeNone, res.Mode)
	assert.Equal(t, 1, send.count())
	assert.Empty(t, rec.all())
	assert.Equal(t, 0, h.events.count(telemetry.MessageSent))
	require.Len(t, h.events.terminal(), 1)
	assert.Equal(t, telemetry.StatusSuperseded, h.events.terminal()[0].Status)
}

func TestHandleMessage_SupersededDuringMultiStep(t *testing.T) {
	inf := &fakeInference{
		generate: func(_ context.Context, call int, req structured.Request) (structured.Result, error) {
			if !hasField(req, "isFinish") {
				return parsed("text", "stale summary"), nil
			}
			switch call {
			case 0:
				return parsed("thought", "start", "action", "SLOW"), nil
			case 1:
				return parsed("thought", "report", "action", "SEND"), nil
			}
			return parsed("thought", "done", "isFinish", "true"), nil
		},
	}
	h := newHarness(t, testConfig(), inf)
	room := h.room(t, "dm", types.ChannelDM)
	h.registry.RegisterAction(&funcAction{name: "SLOW", handle: func(context.Context, Callback) error {
		h.rt.Tracker().Begin(h.rt.cfg.AgentID, room.ID)
		return nil
	}})
	send := &fakeAction{name: "SEND", text: "stale progress", deliver: true}
	h.registry.RegisterAction(send)
	rec := &recorder{}

	res, err := h.rt.HandleMessage(context.Background(), newMessage(room, "plan it"), rec.callback, WithMultiStep(true))
	require.NoError(t, err)
	assert.False(t, res.DidRespond)
	assert.Equal(t, 1, send.count())
	assert.Empty(t, rec.all())
	assert.Equal(t, 2, countFields(inf.calls(), "isFinish"))
	assert.Len(t, inf.calls(), 2)
	require.Len(t, h.events.terminal(), 1)
	assert.Equal(t, telemetry.StatusSuperseded, h.events.terminal()[0].Status)
}

func TestHandleMessage_LastAdmittedWins(t *testing.T) {
	firstEntered := make(chan struct{})
	releaseFirst := make(chan struct{})
	var once sync.Once

	inf := &fakeInference{
		generate: func(_ context.Context, call int, _ structured.Request) (structured.Result, error) {
			if call == 0 {
				once.Do(func() { close(firstEntered) })
				<-releaseFirst
				return replyResult("answer to m1"), nil
			}
			return replyResult("answer to m2"), nil
		},
	}
	h := newHarness(t, testConfig(), inf)
	room := h.room(t, "dm", types.ChannelDM)
	rec := &recorder{}

	m1Done := make(chan *Result, 1)
	go func() {
		res, err := h.rt.HandleMessage(context.Background(), newMessage(room, "m1"), rec.callback)
		assert.NoError(t, err)
		m1Done <- res
	}()
	<-firstEntered

	res2, err := h.rt.HandleMessage(context.Background(), newMessage(room, "m2"), rec.callback)
	require.NoError(t, err)
	assert.True(t, res2.DidRespond)

	close(releaseFirst)
	res1 := <-m1Done
	assert.False(t, res1.DidRespond)

	assert.Equal(t, []string{"answer to m2"}, rec.texts())
}

func TestHandleMessage_Timeout(t *testing.T) {
	inf := &fakeInference{
		generate: func(ctx context.Context, _ int, _ structured.Request) (structured.Result, error) {
			<-ctx.Done()
			return replyResult("too late"), nil
		},
	}
	h := newHarness(t, testConfig(), inf)
	room := h.room(t, "dm", types.ChannelDM)
	rec := &recorder{}

	start := time.Now()
	res, err := h.rt.HandleMessage(context.Background(), newMessage(room, "slow"), rec.callback, WithTimeout(50*time.Millisecond))
	assert.ErrorIs(t, err, ErrRunTimeout)
	assert.Nil(t, res)
	assert.Less(t, time.Since(start), 2*time.Second)

	// Give the abandoned work a moment to finish; it must not deliver.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.all())
	assert.Equal(t, 1, h.events.count(telemetry.RunTimeout))
	assert.Equal(t, 0, h.events.count(telemetry.RunEnded))
}

func TestHandleMessage_ActionsMode(t *testing.T) {
	lookup := &fakeAction{name: "LOOKUP", text: "found it", deliver: true}
	inf := &fakeInference{
		generate: func(context.Context, int, structured.Request) (structured.Result, error) {
			return parsed(
				"thought", "need to look this up",
				"actions", "LOOKUP, MISSING",
				"text", "",
				"params", `{"lookup": {"query": "go"}}`,
			), nil
		},
	}
	h := newHarness(t, testConfig(), inf)
	h.registry.RegisterAction(lookup)
	room := h.room(t, "dm", types.ChannelDM)
	rec := &recorder{}

	res, err := h.rt.HandleMessage(context.Background(), newMessage(room, "look up go"), rec.callback)
	require.NoError(t, err)
	assert.True(t, res.DidRespond)
	assert.Equal(t, ModeActions, res.Mode)
	assert.Equal(t, 1, lookup.count())
	assert.Equal(t, "go", lookup.calls[0].Params["query"])
	assert.Equal(t, []string{"found it"}, rec.texts())
}

func TestHandleMessage_Streaming(t *testing.T) {
	inf := &fakeInference{
		generate: func(ctx context.Context, _ int, _ structured.Request) (structured.Result, error) {
			sink := stream.FromContext(ctx)
			require.NotNil(t, sink)
			_ = sink.Write(ctx, "stream")
			_ = sink.Write(ctx, "ed")
			sink.MarkComplete()
			return replyResult("streamed"), nil
		},
	}
	h := newHarness(t, testConfig(), inf)
	room := h.room(t, "dm", types.ChannelDM)

	var chunks []string
	res, err := h.rt.HandleMessage(context.Background(), newMessage(room, "hi"), nil,
		WithChunkFunc(func(_ context.Context, delta string) error {
			chunks = append(chunks, delta)
			return nil
		}))
	require.NoError(t, err)
	assert.True(t, res.DidRespond)
	assert.Equal(t, []string{"stream", "ed"}, chunks)
}

func TestHandleMessage_TransportError(t *testing.T) {
	inf := &fakeInference{
		generate: func(context.Context, int, structured.Request) (structured.Result, error) {
			return structured.Malformed(""), errors.New("connection refused")
		},
	}
	h := newHarness(t, testConfig(), inf)
	room := h.room(t, "dm", types.ChannelDM)

	_, err := h.rt.HandleMessage(context.Background(), newMessage(room, "hi"), nil)
	assert.Error(t, err)
	ended := h.events.terminal()
	require.Len(t, ended, 1)
	assert.Equal(t, telemetry.StatusError, ended[0].Status)
}

type countingEvaluator struct {
	mu      sync.Mutex
	runs    int
	valid   bool
	inspect func(msg *types.Message)
}

func (e *countingEvaluator) Name() string    { return "COUNT" }
func (e *countingEvaluator) AlwaysRun() bool { return false }
func (e *countingEvaluator) Validate(context.Context, *types.Message, *types.State) bool {
	return e.valid
}
func (e *countingEvaluator) Handle(_ context.Context, msg *types.Message, _ *types.State, _ []*types.Message, _ Callback) error {
	e.mu.Lock()
	e.runs++
	e.mu.Unlock()
	if e.inspect != nil {
		e.inspect(msg)
	}
	return nil
}

func TestHandleMessage_Evaluators(t *testing.T) {
	inf := &fakeInference{
		generate: func(context.Context, int, structured.Request) (structured.Result, error) {
			return replyResult("hi"), nil
		},
	}
	h := newHarness(t, testConfig(), inf)
	valid := &countingEvaluator{valid: true}
	invalid := &countingEvaluator{}
	h.registry.RegisterEvaluator(valid)
	h.registry.RegisterEvaluator(invalid)

	_, err := h.rt.HandleMessage(context.Background(), newMessage(h.room(t, "dm", types.ChannelDM), "hi"), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, valid.runs)
	assert.Equal(t, 0, invalid.runs)
}

func TestHandleMessage_EvaluatorsRunAfterRelease(t *testing.T) {
	inf := &fakeInference{
		generate: func(context.Context, int, structured.Request) (structured.Result, error) {
			return replyResult("hi"), nil
		},
	}
	h := newHarness(t, testConfig(), inf)
	var tracked []bool
	h.registry.RegisterEvaluator(&countingEvaluator{valid: true, inspect: func(msg *types.Message) {
		_, ok := h.rt.Tracker().Current(h.rt.cfg.AgentID, msg.RoomID)
		tracked = append(tracked, ok)
	}})

	_, err := h.rt.HandleMessage(context.Background(), newMessage(h.room(t, "dm", types.ChannelDM), "hi"), nil)
	require.NoError(t, err)
	assert.Equal(t, []bool{false}, tracked)
}

func TestProcessRun(t *testing.T) {
	inf := &fakeInference{
		generate: func(context.Context, int, structured.Request) (structured.Result, error) {
			return replyResult("from the queue"), nil
		},
	}
	h := newHarness(t, testConfig(), inf)
	room := h.room(t, "dm", types.ChannelDM)

	var delivered []string
	run := gateway.NewRun(newMessage(room, "hi"), room)
	run.Deliver = func(_ context.Context, c *types.Content) error {
		delivered = append(delivered, c.Text)
		return nil
	}

	require.NoError(t, h.rt.ProcessRun(run))
	assert.Equal(t, []string{"from the queue"}, delivered)

	ended := h.events.terminal()
	require.Len(t, ended, 1)
	assert.Equal(t, run.ID, ended[0].RunID)
}
