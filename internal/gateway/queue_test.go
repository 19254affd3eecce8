package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/parley/internal/types"
)

func testRun(room types.RoomID) *Run {
	return NewRun(&types.Message{ID: types.NewMessageID(), RoomID: room}, &types.Room{ID: room})
}

func TestQueueConcurrency(t *testing.T) {
	queue := NewQueue(2)
	ctx := context.Background()
	queue.Start(ctx)
	defer queue.Stop()

	var running int32
	var maxSeen int32

	queue.SetProcessor(func(run *Run) error {
		current := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if current <= old || atomic.CompareAndSwapInt32(&maxSeen, old, current) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	})

	for i := 0; i < 5; i++ {
		if err := queue.Enqueue(testRun(types.NewRoomID())); err != nil {
			t.Fatal(err)
		}
	}

	if !queue.WaitIdle(2 * time.Second) {
		t.Fatal("queue did not drain")
	}
	if m := atomic.LoadInt32(&maxSeen); m > 2 {
		t.Errorf("expected max 2 concurrent, saw %d", m)
	}
}

func TestQueueProcessorCalled(t *testing.T) {
	queue := NewQueue(1)
	ctx := context.Background()
	queue.Start(ctx)
	defer queue.Stop()

	var processed int32
	queue.SetProcessor(func(run *Run) error {
		atomic.AddInt32(&processed, 1)
		return nil
	})

	run := testRun("room")
	if err := queue.Enqueue(run); err != nil {
		t.Fatal(err)
	}

	if !queue.WaitIdle(time.Second) {
		t.Fatal("queue did not drain")
	}
	if atomic.LoadInt32(&processed) != 1 {
		t.Errorf("expected 1 processed run, got %d", processed)
	}
	if run.Status != RunStatusComplete {
		t.Errorf("expected status complete, got %s", run.Status)
	}
}

// A second run for the same room must be able to start while the first is
// still in flight; the response tracker arbitrates between them.
func TestQueueSameRoomNotSerialized(t *testing.T) {
	queue := NewQueue(2)
	ctx := context.Background()
	queue.Start(ctx)
	defer queue.Stop()

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	queue.SetProcessor(func(run *Run) error {
		started <- struct{}{}
		<-release
		return nil
	})

	for i := 0; i < 2; i++ {
		if err := queue.Enqueue(testRun("same-room")); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			close(release)
			t.Fatal("second run for the room did not start concurrently")
		}
	}
	close(release)
}

func TestQueueFailureDeliversNotice(t *testing.T) {
	queue := NewQueue(1)
	queue.Start(context.Background())
	defer queue.Stop()

	queue.SetProcessor(func(run *Run) error {
		return errors.New("boom")
	})

	var (
		mu        sync.Mutex
		delivered []*types.Content
	)
	run := testRun("room")
	run.Deliver = func(_ context.Context, c *types.Content) error {
		mu.Lock()
		delivered = append(delivered, c)
		mu.Unlock()
		return nil
	}
	if err := queue.Enqueue(run); err != nil {
		t.Fatal(err)
	}
	if !queue.WaitIdle(time.Second) {
		t.Fatal("queue did not drain")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 || delivered[0].Text == "" {
		t.Fatalf("expected one failure notice, got %v", delivered)
	}
	if run.Status != RunStatusFailed || run.Error == nil {
		t.Errorf("expected failed run with error, got %s %v", run.Status, run.Error)
	}
}

func TestQueueFull(t *testing.T) {
	queue := NewQueue(1)
	// Not started: nothing drains the backlog.
	var err error
	for i := 0; i <= defaultBacklog; i++ {
		if err = queue.Enqueue(testRun("room")); err != nil {
			break
		}
	}
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestQueueNoProcessor(t *testing.T) {
	queue := NewQueue(1)
	queue.Start(context.Background())
	defer queue.Stop()

	if err := queue.Enqueue(testRun("no-proc")); err != nil {
		t.Fatal(err)
	}
	if !queue.WaitIdle(time.Second) {
		t.Error("expected queue to drain without a processor")
	}
}

func TestRunDone(t *testing.T) {
	queue := NewQueue(1)
	queue.Start(context.Background())
	defer queue.Stop()

	queue.SetProcessor(func(run *Run) error {
		return errors.New("boom")
	})

	run := testRun(types.NewRoomID())
	if err := queue.Enqueue(run); err != nil {
		t.Fatal(err)
	}

	select {
	case <-run.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("run never finished")
	}
	if run.Status != RunStatusFailed {
		t.Errorf("expected failed status, got %s", run.Status)
	}
	if run.Error == nil || run.Error.Error() != "boom" {
		t.Errorf("expected run error, got %v", run.Error)
	}
}
