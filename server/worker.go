package server

import (
	"context"

	"github.com/pkg/errors"
)

// job is a unit of work handed to a worker goroutine.
type job struct {
	fn   func(ctx context.Context) (any, error)
	ctx  context.Context
	done chan result
}

// result holds the return value of a job.
type result struct {
	value any
	err   error
}

// Worker runs submitted functions on a fixed set of goroutines, bounding
// how many renders execute at once. Panics are recovered into errors.
type Worker struct {
	jobs chan job
	quit chan struct{}
}

// NewWorker starts n goroutines. n below 1 is treated as 1.
func NewWorker(n int) *Worker {
	if n < 1 {
		n = 1
	}
	w := &Worker{
		jobs: make(chan job, 64),
		quit: make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		go w.loop()
	}
	return w
}

// loop processes jobs until Stop.
func (w *Worker) loop() {
	for {
		select {
		case j := <-w.jobs:
			j.done <- w.execute(j)
		case <-w.quit:
			return
		}
	}
}

// execute runs one job, recovering from panics.
func (w *Worker) execute(j job) (res result) {
	defer func() {
		if r := recover(); r != nil {
			res.err = errors.Errorf("panic: %v", r)
		}
	}()
	if err := j.ctx.Err(); err != nil {
		return result{err: err}
	}
	res.value, res.err = j.fn(j.ctx)
	return res
}

// ErrStopped is returned by Do after Stop.
var ErrStopped = errors.New("worker stopped")

// Do submits fn and blocks until it completes or ctx is done. A job
// whose context ends while queued is skipped.
func (w *Worker) Do(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	select {
	case <-w.quit:
		return nil, ErrStopped
	default:
	}
	j := job{fn: fn, ctx: ctx, done: make(chan result, 1)}
	select {
	case w.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.quit:
		return nil, ErrStopped
	}
	select {
	case r := <-j.done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.quit:
		return nil, ErrStopped
	}
}

// Stop shuts down the worker goroutines. Stop must be called once.
func (w *Worker) Stop() {
	close(w.quit)
}
