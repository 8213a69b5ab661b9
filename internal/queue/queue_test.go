package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()

	q := New(nil)
	t.Cleanup(q.Close)
	return q
}

func waitDone(t *testing.T, op *Operation) {
	t.Helper()

	select {
	case <-op.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("operation %s never finished", op.Name())
	}
}

func TestRunsSerially(t *testing.T) {
	q := newTestQueue(t)

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	var ops []*Operation
	for i := 0; i < 10; i++ {
		op := q.Add("work", PriorityNormal, func(ctx context.Context) error {
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			return nil
		})
		ops = append(ops, op)
	}
	for _, op := range ops {
		waitDone(t, op)
	}

	if maxInFlight != 1 {
		t.Errorf("expected exactly one operation in flight, saw %d", maxInFlight)
	}
}

func TestPriorityOrdering(t *testing.T) {
	q := newTestQueue(t)

	// Hold the worker so the pending set can be built up.
	release := make(chan struct{})
	gate := q.Add("gate", PriorityNormal, func(ctx context.Context) error {
		<-release
		return nil
	})

	var mu sync.Mutex
	var order []string
	run := func(name string) func(context.Context) error {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	n1 := q.Add("n1", PriorityNormal, run("n1"))
	n2 := q.Add("n2", PriorityNormal, run("n2"))
	h1 := q.Add("h1", PriorityHigh, run("h1"))
	close(release)

	for _, op := range []*Operation{gate, n1, n2, h1} {
		waitDone(t, op)
	}

	want := []string{"h1", "n1", "n2"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestDependencies(t *testing.T) {
	q := newTestQueue(t)

	var mu sync.Mutex
	var order []string
	run := func(name string) func(context.Context) error {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	// The dependent is high priority but must still wait for its dependency.
	first := q.NewOperation("first", PriorityNormal, run("first"))
	second := q.NewOperation("second", PriorityHigh, run("second")).After(first)
	third := q.NewOperation("third", PriorityNormal, run("third")).After(second)
	q.AddBatch(third, second, first)

	waitDone(t, third)

	want := []string{"first", "second", "third"}
	mu.Lock()
	defer mu.Unlock()
	for i, name := range want {
		if i >= len(order) || order[i] != name {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestFailedDependencyStillRuns(t *testing.T) {
	q := newTestQueue(t)

	boom := errors.New("boom")
	first := q.NewOperation("first", PriorityNormal, func(ctx context.Context) error {
		return boom
	})
	ran := false
	second := q.NewOperation("second", PriorityNormal, func(ctx context.Context) error {
		ran = true
		return nil
	}).After(first)
	q.AddBatch(first, second)

	waitDone(t, second)

	if !errors.Is(first.Err(), boom) {
		t.Errorf("expected first to fail with boom, got %v", first.Err())
	}
	if !ran {
		t.Error("a failed dependency must not block its dependents")
	}
	if second.Err() != nil {
		t.Errorf("second should succeed, got %v", second.Err())
	}
}

func TestCanceledDependencyPropagates(t *testing.T) {
	q := newTestQueue(t)
	q.Suspend()

	ran := false
	first := q.NewOperation("first", PriorityNormal, func(ctx context.Context) error {
		ran = true
		return nil
	})
	second := q.NewOperation("second", PriorityNormal, func(ctx context.Context) error {
		ran = true
		return nil
	}).After(first)
	third := q.NewOperation("third", PriorityNormal, func(ctx context.Context) error {
		ran = true
		return nil
	}).After(second)
	q.AddBatch(first, second, third)

	q.CancelAll()
	q.Resume()

	for _, op := range []*Operation{first, second, third} {
		waitDone(t, op)
		if !errors.Is(op.Err(), ErrCanceled) {
			t.Errorf("%s: expected ErrCanceled, got %v", op.Name(), op.Err())
		}
	}
	if ran {
		t.Error("canceled operations must not run")
	}
}

func TestSuspendResume(t *testing.T) {
	q := newTestQueue(t)

	q.Suspend()
	if !q.Suspended() {
		t.Fatal("queue should report suspended")
	}

	op := q.Add("work", PriorityNormal, func(ctx context.Context) error {
		return nil
	})

	select {
	case <-op.Done():
		t.Fatal("operation ran while suspended")
	case <-time.After(50 * time.Millisecond):
	}
	if q.Len() != 1 {
		t.Errorf("expected 1 pending operation, got %d", q.Len())
	}

	q.Resume()
	waitDone(t, op)
	if op.Err() != nil {
		t.Errorf("unexpected error: %v", op.Err())
	}
}

func TestSuspendDoesNotAbortInFlight(t *testing.T) {
	q := newTestQueue(t)

	started := make(chan struct{})
	finish := make(chan struct{})
	op := q.Add("slow", PriorityNormal, func(ctx context.Context) error {
		close(started)
		select {
		case <-finish:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	<-started
	q.Suspend()
	close(finish)
	waitDone(t, op)
	if op.Err() != nil {
		t.Errorf("suspend must let in-flight work complete, got %v", op.Err())
	}
}

func TestCancelAllSignalsInFlight(t *testing.T) {
	q := newTestQueue(t)

	started := make(chan struct{})
	op := q.Add("slow", PriorityNormal, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	<-started
	q.CancelAll()
	waitDone(t, op)
	if !errors.Is(op.Err(), ErrCanceled) {
		t.Errorf("expected ErrCanceled, got %v", op.Err())
	}
}

func TestWaitDrains(t *testing.T) {
	q := newTestQueue(t)

	for i := 0; i < 5; i++ {
		q.Add("work", PriorityNormal, func(ctx context.Context) error {
			time.Sleep(time.Millisecond)
			return nil
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("queue not drained: %d pending", q.Len())
	}
}

func TestWaitHonorsContext(t *testing.T) {
	q := newTestQueue(t)
	q.Suspend()
	q.Add("stuck", PriorityNormal, func(ctx context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestWaitWakesOnCancel(t *testing.T) {
	q := newTestQueue(t)
	q.Suspend()
	q.Add("stuck", PriorityNormal, func(ctx context.Context) error { return nil })

	// The cancellation fires while the waiter sits in cond.Wait with no
	// queue activity to wake it; the wakeup must come from the cancel alone.
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	done := make(chan error, 1)
	go func() { done <- q.Wait(ctx) }()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait missed the cancellation wakeup")
	}
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	q := newTestQueue(t)

	bad := q.Add("bad", PriorityNormal, func(ctx context.Context) error {
		panic("kaboom")
	})
	good := q.Add("good", PriorityNormal, func(ctx context.Context) error {
		return nil
	})

	waitDone(t, bad)
	if bad.Err() == nil {
		t.Error("panicking operation should report an error")
	}
	waitDone(t, good)
	if good.Err() != nil {
		t.Errorf("worker did not survive the panic: %v", good.Err())
	}
}
