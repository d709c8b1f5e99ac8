// SPDX-License-Identifier: GPL-3.0-or-later

package runq

import "context"

// Task is an immutable descriptor of a unit of work with input type I
// and result type R. A Task holds no mutable runtime state: it is a
// value, freely copied, and may be scheduled any number of times.
//
// Simple tasks come from [NewTask]; larger tasks come from the
// combinators ([Sequential2], [Parallel2], [IfThenElse], [Repeat],
// [Intercept], ...), whose generic signatures enforce the chain rule
// at compile time: an ill-typed composition does not build.
//
// Use [Unit] as I or R for stages that consume or produce no value.
type Task[I, R any] struct {
	// push materializes this task's frames onto a stack, top frame
	// last so that LIFO popping runs them in the right order.
	push func(s *stack)
}

// NewTask wraps a user callable bound to a runner into a [Task].
//
// When the task executes, fn receives the context given to [Run] and
// the value produced by the previous stage. fn runs on r, under r's
// serial-execution guarantee, and must not block arbitrarily.
func NewTask[I, R any](r *Runner, fn func(ctx context.Context, input I) (R, error)) Task[I, R] {
	return Task[I, R]{push: func(s *stack) {
		s.push(&simpleFrame[I, R]{target: r, fn: fn})
	}}
}

// simpleFrame executes one user callable.
type simpleFrame[I, R any] struct {
	target *Runner
	fn     func(context.Context, I) (R, error)
}

var _ frame = &simpleFrame[int, int]{}

func (f *simpleFrame[I, R]) runner() *Runner { return f.target }

func (f *simpleFrame[I, R]) willExecute() bool { return true }

func (f *simpleFrame[I, R]) name() string { return "task" }

func (f *simpleFrame[I, R]) enter(s *stack) {
	if s.err != nil {
		return // an uncaught error skips the remaining stages
	}
	input, _ := s.value.(I)
	value, err := f.fn(s.ctx, input)
	if err != nil {
		s.fail(err)
		return
	}
	s.value = value
}

// Promise is the awaitable side of a [Run] call.
type Promise[R any] struct {
	done  chan struct{}
	value R
	err   error
}

// Await blocks until the task tree has delivered its final result or
// error, or until ctx is done, whichever comes first.
//
// Await may be called any number of times, from any goroutine.
func (p *Promise[R]) Await(ctx context.Context) (R, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// Run schedules a task tree with the given input and returns a
// [Promise] for its final result.
//
// Run materializes one frame per task in the tree, pushes the root
// onto a fresh stack, and submits the stack to the root's runner. The
// ctx argument flows to every task callable; it does not cancel
// scheduled work (there is no task-level cancellation), though
// callables are expected to honor it.
//
// If a runner needed along the way has been closed, the promise fails
// with [ErrRunnerNotAvailable]. A stack already queued on a runner when
// that runner closes is dropped with the rest of its queue, and its
// promise never completes; Await then returns only when its ctx is done.
func Run[I, R any](ctx context.Context, task Task[I, R], input I) *Promise[R] {
	p := &Promise[R]{done: make(chan struct{})}
	s := &stack{
		ctx: ctx,
		complete: func(value any, err error) {
			if err == nil {
				p.value, _ = value.(R)
			}
			p.err = err
			close(p.done)
		},
	}
	task.push(s)
	s.value = input
	s.dispatch()
	return p
}
