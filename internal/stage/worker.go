// Package stage runs blocking model calls on dedicated single-worker
// executors, one per stage type, so calls within a stage never overlap and
// a slow stage never occupies another stage's worker.
package stage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/voice-agent-lab/internal/logging"
)

var (
	// ErrClosed is returned for work submitted after Close.
	ErrClosed = errors.New("stage: worker closed")
	// ErrPanic wraps a panic recovered from a job.
	ErrPanic = errors.New("stage: job panicked")
)

type job struct {
	ctx context.Context
	run func(context.Context)
}

// Worker executes submitted jobs one at a time in submission order.
type Worker struct {
	name string
	jobs chan job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu     sync.RWMutex
	closed bool

	completed atomic.Int64
	skipped   atomic.Int64
}

// NewWorker starts a worker with a queue of the given depth.
func NewWorker(name string, queue int) *Worker {
	if queue <= 0 {
		queue = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{name: name, jobs: make(chan job, queue), ctx: ctx, cancel: cancel}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case j := <-w.jobs:
			if j.ctx.Err() != nil {
				w.skipped.Add(1)
				j.run(j.ctx)
				continue
			}
			j.run(j.ctx)
			w.completed.Add(1)
		}
	}
}

// Name of the stage.
func (w *Worker) Name() string { return w.name }

// Stats returns completed and skipped job counts and the queue depth.
func (w *Worker) Stats() (completed, skipped int64, queued int) {
	return w.completed.Load(), w.skipped.Load(), len(w.jobs)
}

// Close stops the worker after the running job returns. Queued jobs are
// abandoned; their futures resolve with ErrClosed.
func (w *Worker) Close() {
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		w.cancel()
		w.wg.Wait()
		for {
			select {
			case j := <-w.jobs:
				j.run(w.ctx)
			default:
				return
			}
		}
	})
}

// Future is the pending result of a submitted job.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func (f *Future[T]) resolve(v T, err error) {
	f.val, f.err = v, err
	close(f.done)
}

// Resolved returns a future that already holds v and err.
func Resolved[T any](v T, err error) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	f.resolve(v, err)
	return f
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the job finished or ctx is done. When ctx ends first the
// job may still run to completion; its result is discarded.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Submit queues fn on w. A job whose ctx has ended by the time the worker
// reaches it is not run and resolves with the ctx error.
func Submit[T any](ctx context.Context, w *Worker, fn func(context.Context) (T, error)) *Future[T] {
	f, j := newJob(ctx, w, fn)
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		f.resolve(f.val, ErrClosed)
		return f
	}
	select {
	case <-ctx.Done():
		f.resolve(f.val, ctx.Err())
	case w.jobs <- j:
	}
	return f
}

// TrySubmit queues fn only if w has room right now. It never blocks; false
// means nothing was queued.
func TrySubmit[T any](ctx context.Context, w *Worker, fn func(context.Context) (T, error)) (*Future[T], bool) {
	f, j := newJob(ctx, w, fn)
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed || ctx.Err() != nil {
		return nil, false
	}
	select {
	case w.jobs <- j:
		return f, true
	default:
		w.skipped.Add(1)
		return nil, false
	}
}

func newJob[T any](ctx context.Context, w *Worker, fn func(context.Context) (T, error)) (*Future[T], job) {
	f := &Future[T]{done: make(chan struct{})}
	var zero T
	j := job{ctx: ctx, run: func(jctx context.Context) {
		if w.ctx.Err() != nil {
			f.resolve(zero, ErrClosed)
			return
		}
		if err := jctx.Err(); err != nil {
			f.resolve(zero, err)
			return
		}
		defer func() {
			if r := recover(); r != nil {
				logging.Errorw("stage: job panicked", "stage", w.name, "panic", fmt.Sprint(r))
				f.resolve(zero, fmt.Errorf("%w: %s: %v", ErrPanic, w.name, r))
			}
		}()
		v, err := fn(jctx)
		f.resolve(v, err)
	}}
	return f, j
}

// Do submits fn and waits for it.
func Do[T any](ctx context.Context, w *Worker, fn func(context.Context) (T, error)) (T, error) {
	return Submit(ctx, w, fn).Wait(ctx)
}

// Pool holds one worker per pipeline stage. It is created once per process
// and shared by every session.
type Pool struct {
	Transcribe *Worker
	Respond    *Worker
	Synthesize *Worker
}

// NewPool starts the three stage workers.
func NewPool() *Pool {
	return &Pool{
		Transcribe: NewWorker("transcribe", 0),
		Respond:    NewWorker("respond", 0),
		Synthesize: NewWorker("synthesize", 0),
	}
}

// Close stops all workers.
func (p *Pool) Close() {
	for _, w := range []*Worker{p.Transcribe, p.Respond, p.Synthesize} {
		if w != nil {
			w.Close()
		}
	}
	logging.Infow("stage: workers stopped")
}
