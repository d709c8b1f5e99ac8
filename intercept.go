// SPDX-License-Identifier: GPL-3.0-or-later

package runq

import "errors"

// Handler pairs an error predicate with the task that handles matching
// errors. Construct with [Catch] or [CatchFunc].
type Handler[R any] struct {
	match func(error) bool
	task  Task[error, R]
}

// Catch builds a [Handler] that handles errors matching target per
// [errors.Is]. The handler task receives the error as its input and
// must produce the same result type as the intercepted body.
func Catch[R any](target error, task Task[error, R]) Handler[R] {
	return Handler[R]{
		match: func(err error) bool { return errors.Is(err, target) },
		task:  task,
	}
}

// CatchFunc builds a [Handler] with a custom error predicate.
func CatchFunc[R any](match func(error) bool, task Task[error, R]) Handler[R] {
	return Handler[R]{match: match, task: task}
}

// Intercept runs body and, if it fails with an error matching one of
// the handlers, runs that handler with the error as its input; the
// handler's result becomes the composite's result. Handlers are tried
// in order; a non-matching error propagates unchanged.
func Intercept[I, R any](body Task[I, R], handlers ...Handler[R]) Task[I, R] {
	return Task[I, R]{push: func(s *stack) {
		s.push(&interceptFrame[R]{handlers: handlers})
		body.push(s)
	}}
}

// interceptFrame inspects the in-flight error left by the body and
// pushes the first matching handler.
type interceptFrame[R any] struct {
	handlers []Handler[R]
}

var _ frame = &interceptFrame[int]{}

func (f *interceptFrame[R]) runner() *Runner { return nil }

func (f *interceptFrame[R]) willExecute() bool { return false }

func (f *interceptFrame[R]) name() string { return "intercept" }

func (f *interceptFrame[R]) enter(s *stack) {
	if s.err == nil {
		return
	}
	for _, h := range f.handlers {
		if h.match(s.err) {
			err := s.err
			s.err = nil
			s.value = err
			h.task.push(s)
			return
		}
	}
}
