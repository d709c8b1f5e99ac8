// SPDX-License-Identifier: GPL-3.0-or-later

package runq

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// Runner is a named execution context that runs posted callables one
// at a time, preserving submission order. Distinct runners execute in
// parallel; a single runner never does.
//
// A Runner is backed by a FIFO queue drained by a dedicated goroutine.
// Callables must not block arbitrarily: a long computation inside a
// callable stalls everything else queued on the same runner, including
// I/O callbacks.
//
// Construct with [NewRunner] and release with [Runner.Close]. Closing
// drops pending callables and makes further [Runner.Post] calls fail
// with [ErrRunnerNotAvailable]; event sources hosted on a closed
// runner tear themselves down.
type Runner struct {
	// name is the human-readable name given at construction.
	name string

	// span identifies this runner in log events.
	span string

	// logger is the SLogger to use.
	logger SLogger

	// mu protects the fields below.
	mu sync.Mutex

	// cond signals the dispatch goroutine when work arrives or the
	// runner closes.
	cond *sync.Cond

	// queue holds the callables not yet executed, in posting order.
	queue []func()

	// closed records that Close has been called.
	closed bool

	// done is closed by Close so that event sources blocked on a
	// delivery can observe the runner going away.
	done chan struct{}
}

// NewRunner creates a [*Runner] with the given name and starts its
// dispatch goroutine.
//
// The logger argument is the [SLogger] to use for structured logging;
// pass [DefaultSLogger]() to disable logging.
func NewRunner(name string, logger SLogger) *Runner {
	r := &Runner{
		name:   name,
		span:   NewSpanID(),
		logger: logger,
		done:   make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	go r.dispatch()
	return r
}

// Name returns the name given to [NewRunner].
func (r *Runner) Name() string {
	return r.name
}

// Post enqueues fn for execution. Callables posted to the same runner
// run in posting order and never overlap.
//
// Returns [ErrRunnerNotAvailable] if the runner has been closed.
func (r *Runner) Post(fn func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRunnerNotAvailable
	}
	r.queue = append(r.queue, fn)
	r.cond.Signal()
	return nil
}

// Close releases the runner. Pending callables are silently dropped
// and subsequent [Runner.Post] calls fail with
// [ErrRunnerNotAvailable]. Close is idempotent.
func (r *Runner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.queue = nil
	r.cond.Signal()
	close(r.done)
}

// alive reports whether the runner can still accept work.
func (r *Runner) alive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed
}

// dispatch drains the queue until the runner closes.
func (r *Runner) dispatch() {
	for {
		r.mu.Lock()
		for len(r.queue) == 0 && !r.closed {
			r.cond.Wait()
		}
		if r.closed {
			r.mu.Unlock()
			return
		}
		fn := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		r.invoke(fn)
	}
}

// invoke runs one callable, recovering any panic so that a misbehaving
// callable cannot terminate the dispatch goroutine.
func (r *Runner) invoke(fn func()) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Info(
				"runnerPanicRecovered",
				slog.String("runner", r.name),
				slog.Any("panic", v),
				slog.String("spanID", r.span),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	fn()
}
