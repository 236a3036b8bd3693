// Package dispatch runs tasks one at a time per key while different keys run
// concurrently. It is the single writer for a room or call.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"rtc-service/internal/logging"
	"rtc-service/internal/observability"
)

// Task is a unit of work bound to a key.
type Task func(ctx context.Context) (any, error)

type result struct {
	val any
	err error
}

type job struct {
	ctx  context.Context
	fn   Task
	done chan result
}

type queue struct {
	pending []*job
}

// Dispatcher keeps at most one worker goroutine per key. Workers are started
// lazily and exit, removing their key, as soon as their queue drains.
type Dispatcher struct {
	logger      *slog.Logger
	taskTimeout time.Duration

	mu     sync.Mutex
	queues map[string]*queue
	wg     sync.WaitGroup
}

// New returns a Dispatcher. A positive taskTimeout bounds every task's context.
func New(logger *slog.Logger, taskTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		logger:      logging.OrDefault(logger).With("component", "dispatch"),
		taskTimeout: taskTimeout,
		queues:      make(map[string]*queue),
	}
}

func RoomKey(roomID int64) string { return fmt.Sprintf("room:%d", roomID) }

func CallKey(callID string) string { return "call:" + callID }

// Submit enqueues fn behind every earlier task for key and waits for its
// result. If ctx ends before the task starts, the task is skipped and the
// context error is returned.
func (d *Dispatcher) Submit(ctx context.Context, key string, fn Task) (any, error) {
	j := &job{ctx: ctx, fn: fn, done: make(chan result, 1)}

	d.mu.Lock()
	q, running := d.queues[key]
	if !running {
		q = &queue{}
		d.queues[key] = q
	}
	q.pending = append(q.pending, j)
	if !running {
		d.wg.Add(1)
		observability.SetDispatchActiveKeys(len(d.queues))
		go d.run(key, q)
	}
	d.mu.Unlock()

	select {
	case res := <-j.done:
		return res.val, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Do is Submit with a typed result.
func Do[T any](ctx context.Context, d *Dispatcher, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := d.Submit(ctx, key, func(ctx context.Context) (any, error) {
		out, err := fn(ctx)
		return out, err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}

func (d *Dispatcher) run(key string, q *queue) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(q.pending) == 0 {
			delete(d.queues, key)
			observability.SetDispatchActiveKeys(len(d.queues))
			d.mu.Unlock()
			return
		}
		j := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		d.mu.Unlock()

		j.done <- d.execute(key, j)
	}
}

func (d *Dispatcher) execute(key string, j *job) (res result) {
	if err := j.ctx.Err(); err != nil {
		return result{err: err}
	}

	ctx := j.ctx
	if d.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.taskTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			observability.IncDispatchFailure()
			d.logger.Error("dispatch task panicked", "key", key, "panic", r)
			res = result{err: fmt.Errorf("dispatch %s: panic: %v", key, r)}
		}
	}()

	val, err := j.fn(ctx)
	if err != nil {
		observability.IncDispatchFailure()
		d.logger.Debug("dispatch task failed", "key", key, "error", err)
	}
	return result{val: val, err: err}
}

// ActiveKeys returns the number of keys with a live worker.
func (d *Dispatcher) ActiveKeys() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

func (d *Dispatcher) pendingLen(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q, ok := d.queues[key]; ok {
		return len(q.pending)
	}
	return 0
}

// Wait blocks until every worker has drained or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
