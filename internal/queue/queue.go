// Package queue provides the serial operation queue all remote work runs
// on.
//
// Exactly one operation executes at a time: every remote call for one
// account/zone must be serialized to avoid races on the shared change token
// and duplicate environment provisioning. The queue supports priorities,
// dependencies between operations in a batch, suspension (no new starts;
// in-flight work is never aborted by a suspend), and cooperative
// cancellation.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
)

// ErrCanceled is reported by operations that were canceled before or while
// running.
var ErrCanceled = errors.New("operation canceled")

// Priority orders pending operations; higher runs first, FIFO within one
// priority.
type Priority int

// Priorities.
const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// opState tracks an operation through its lifecycle.
type opState int

const (
	opPending opState = iota
	opRunning
	opDone
	opCanceled
)

// Operation is a unit of remote work. Create operations with
// Queue.NewOperation, declare dependencies with After, then enqueue with
// Add or AddBatch.
type Operation struct {
	name     string
	priority Priority
	run      func(context.Context) error
	deps     []*Operation
	seq      int64

	state opState
	err   error
	done  chan struct{}
}

// Name returns the operation's diagnostic name.
func (o *Operation) Name() string {
	return o.name
}

// Done returns a channel closed when the operation finishes (successfully,
// with an error, or by cancellation).
func (o *Operation) Done() <-chan struct{} {
	return o.done
}

// Err returns the operation's outcome after Done is closed: nil on
// success, ErrCanceled if it was canceled, or the error its function
// returned.
func (o *Operation) Err() error {
	return o.err
}

// After declares dependencies: the operation will not start until every
// dependency has finished. A canceled dependency cancels this operation
// (and, transitively, its dependents); a failed dependency does not.
//
// Must be called before the operation is enqueued.
func (o *Operation) After(deps ...*Operation) *Operation {
	o.deps = append(o.deps, deps...)
	return o
}

// Queue is a strictly-one-at-a-time executor.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	pending       []*Operation
	running       *Operation
	runningCancel context.CancelFunc
	suspended     bool
	closed        bool
	seq           int64

	logger *log.Logger
	wg     sync.WaitGroup
}

// New creates a queue and starts its worker. If logger is nil, a default
// logger writing to stderr is used. Call Close to stop the worker.
func New(logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	q := &Queue{logger: logger}
	q.cond = sync.NewCond(&q.mu)
	q.wg.Add(1)
	go q.worker()
	return q
}

// NewOperation creates an operation without enqueuing it, so dependencies
// can be declared first.
func (q *Queue) NewOperation(name string, priority Priority, run func(context.Context) error) *Operation {
	return &Operation{
		name:     name,
		priority: priority,
		run:      run,
		done:     make(chan struct{}),
	}
}

// Add creates and enqueues an operation in one step.
func (q *Queue) Add(name string, priority Priority, run func(context.Context) error) *Operation {
	op := q.NewOperation(name, priority, run)
	q.AddBatch(op)
	return op
}

// AddBatch enqueues a group of operations whose mutual dependencies (set
// with After) are honored. Operations enqueued on a closed queue are
// canceled immediately.
func (q *Queue) AddBatch(ops ...*Operation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range ops {
		if q.closed {
			q.finishLocked(op, ErrCanceled)
			continue
		}
		q.seq++
		op.seq = q.seq
		q.pending = append(q.pending, op)
	}
	q.cond.Broadcast()
}

// Suspend stops new operations from starting. The operation currently in
// flight, if any, runs to completion.
func (q *Queue) Suspend() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.suspended {
		q.suspended = true
		q.logger.Printf("suspended (%d pending)", len(q.pending))
	}
}

// Resume lets pending operations start again.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.suspended {
		q.suspended = false
		q.logger.Printf("resumed (%d pending)", len(q.pending))
		q.cond.Broadcast()
	}
}

// Suspended reports whether the queue is currently suspended.
func (q *Queue) Suspended() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.suspended
}

// CancelAll cancels every pending operation and signals cancellation to the
// operation in flight. The in-flight operation must observe its context and
// exit without corrupting state.
func (q *Queue) CancelAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.pending {
		q.finishLocked(op, ErrCanceled)
	}
	q.pending = nil
	if q.runningCancel != nil {
		q.runningCancel()
	}
	q.cond.Broadcast()
}

// Len returns the number of pending operations (excluding in-flight).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Wait blocks until the queue is drained: nothing pending and nothing in
// flight. A suspended queue with pending work never drains; Wait then
// returns only when ctx does.
func (q *Queue) Wait(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			// The Broadcast must hold q.mu, or a cancellation landing
			// between the waiter's ctx check and its cond.Wait is a missed
			// wakeup.
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-stop:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) > 0 || q.running != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.cond.Wait()
	}
	return nil
}

// Close cancels all work and stops the worker. The queue cannot be reused.
func (q *Queue) Close() {
	q.CancelAll()
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	q.wg.Wait()
}

// finishLocked completes an operation. Caller holds q.mu.
func (q *Queue) finishLocked(op *Operation, err error) {
	if op.state == opDone || op.state == opCanceled {
		return
	}
	op.err = err
	if errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled) {
		op.state = opCanceled
		op.err = ErrCanceled
	} else {
		op.state = opDone
	}
	close(op.done)
}

// propagateCancelsLocked cancels pending operations whose dependencies were
// canceled, repeating until stable so cancellation flows through chains.
func (q *Queue) propagateCancelsLocked() {
	for {
		changed := false
		kept := q.pending[:0]
		for _, op := range q.pending {
			canceled := false
			for _, dep := range op.deps {
				if dep.state == opCanceled {
					canceled = true
					break
				}
			}
			if canceled {
				q.logger.Printf("canceling %s: dependency canceled", op.name)
				q.finishLocked(op, ErrCanceled)
				changed = true
				continue
			}
			kept = append(kept, op)
		}
		q.pending = kept
		if !changed {
			return
		}
	}
}

// nextLocked picks the best runnable pending operation, or nil.
// Caller holds q.mu.
func (q *Queue) nextLocked() *Operation {
	q.propagateCancelsLocked()
	var best *Operation
	bestIdx := -1
	for i, op := range q.pending {
		ready := true
		for _, dep := range op.deps {
			if dep.state != opDone && dep.state != opCanceled {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		if best == nil || op.priority > best.priority ||
			(op.priority == best.priority && op.seq < best.seq) {
			best = op
			bestIdx = i
		}
	}
	if best != nil {
		q.pending = append(q.pending[:bestIdx], q.pending[bestIdx+1:]...)
	}
	return best
}

// worker is the single execution loop.
func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		var op *Operation
		for {
			if q.closed {
				q.mu.Unlock()
				return
			}
			if !q.suspended {
				if op = q.nextLocked(); op != nil {
					break
				}
			}
			q.cond.Wait()
		}

		ctx, cancel := context.WithCancel(context.Background())
		op.state = opRunning
		q.running = op
		q.runningCancel = cancel
		q.mu.Unlock()

		err := q.runOne(ctx, op)
		cancel()

		q.mu.Lock()
		if ctx.Err() != nil && err == nil {
			// Canceled mid-run but the function returned nil anyway.
			err = ErrCanceled
		}
		q.finishLocked(op, err)
		q.running = nil
		q.runningCancel = nil
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

// runOne executes one operation, converting panics into errors so the
// worker survives.
func (q *Queue) runOne(ctx context.Context, op *Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation %s panicked: %v", op.name, r)
			q.logger.Printf("Error: %v", err)
		}
	}()
	return op.run(ctx)
}
