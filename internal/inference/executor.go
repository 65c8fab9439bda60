// Package inference runs single inference calls on a fixed worker pool so a
// blocking engine never stalls request handlers indefinitely.
package inference

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"visiond/internal/engine"
	"visiond/internal/fault"
	"visiond/pkg/types"
)

// Defaults applied when corresponding Options fields are unset.
const (
	defaultWorkers    = 4
	defaultQueueDepth = 64
)

// Options configure an Executor.
type Options struct {
	Workers    int
	QueueDepth int
	Logger     zerolog.Logger
}

// task pairs one inference call with the future its caller holds.
type task struct {
	handle    engine.Handle
	imagePath string
	config    map[string]string
	fut       *Future
}

// Future resolves to exactly one InferResult. Await may be called from
// multiple goroutines.
type Future struct {
	done   chan struct{}
	once   sync.Once
	res    types.InferResult
	cancel context.CancelFunc
	ctx    context.Context
}

func (f *Future) resolve(res types.InferResult) {
	f.once.Do(func() {
		f.res = res
		close(f.done)
	})
}

// Await blocks until the result is ready or timeout elapses. On timeout the
// in-flight call is cancelled best-effort and the caller gets a Timeout
// fault promptly; the worker may still be unwinding.
func (f *Future) Await(timeout time.Duration) (types.InferResult, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.res, nil
	case <-timer.C:
		f.cancel()
		return types.InferResult{}, fault.Timeout("inference exceeded %s", timeout)
	}
}

// Executor is a fixed-size worker pool with a bounded submission queue.
// Back-pressure is implicit: when the queue is full, Submit blocks.
type Executor struct {
	tasks chan *task
	log   zerolog.Logger

	mu     sync.RWMutex
	closed bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	group      *errgroup.Group
}

// New starts the pool. Workers and queue depth are fixed for the lifetime of
// the executor.
func New(opts Options) *Executor {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = defaultQueueDepth
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		tasks:      make(chan *task, opts.QueueDepth),
		log:        opts.Logger,
		baseCtx:    ctx,
		baseCancel: cancel,
		group:      &errgroup.Group{},
	}
	for i := 0; i < opts.Workers; i++ {
		e.group.Go(e.worker)
	}
	e.log.Info().Int("workers", opts.Workers).Int("queue_depth", opts.QueueDepth).
		Msg("inference pool started")
	return e
}

// Submit enqueues one inference call and returns its future. After Shutdown
// it returns a Conflict fault.
func (e *Executor) Submit(handle engine.Handle, imagePath string, config map[string]string) (*Future, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, fault.Conflict("inference executor is shut down")
	}
	ctx, cancel := context.WithCancel(e.baseCtx)
	fut := &Future{done: make(chan struct{}), cancel: cancel, ctx: ctx}
	t := &task{handle: handle, imagePath: imagePath, config: config, fut: fut}
	// The read lock spans the send so Shutdown cannot close the channel
	// between the closed check and the enqueue.
	e.tasks <- t
	queueDepth.Inc()
	return fut, nil
}

func (e *Executor) worker() error {
	for t := range e.tasks {
		queueDepth.Dec()
		e.run(t)
	}
	return nil
}

// run executes one call. Engine faults and panics become failure payloads,
// never process crashes.
func (e *Executor) run(t *task) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("image", t.imagePath).Interface("panic", r).
				Msg("engine panicked during predict")
			t.fut.resolve(types.InferResult{Error: fmt.Sprintf("inference panic: %v", r)})
		}
	}()

	if err := t.fut.ctx.Err(); err != nil {
		t.fut.resolve(types.InferResult{Error: "inference cancelled before start"})
		return
	}

	start := time.Now()
	res, err := t.handle.Predict(t.fut.ctx, t.imagePath, t.config)
	if err != nil {
		e.log.Warn().Str("image", t.imagePath).Err(err).Msg("predict failed")
		t.fut.resolve(types.InferResult{Error: err.Error()})
		inferenceTotal.WithLabelValues("error").Inc()
		return
	}
	label := "ok"
	if res.Failed() {
		label = "error"
	}
	inferenceTotal.WithLabelValues(label).Inc()
	inferenceDuration.Observe(time.Since(start).Seconds())
	t.fut.resolve(res)
}

// Shutdown stops intake, then waits for queued and in-flight work bounded by
// ctx. On deadline the remaining work is cancelled.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.tasks)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = e.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.log.Info().Msg("inference pool drained")
		return nil
	case <-ctx.Done():
		e.baseCancel()
		e.log.Warn().Msg("inference pool shutdown deadline hit, cancelling in-flight work")
		<-done
		return ctx.Err()
	}
}
