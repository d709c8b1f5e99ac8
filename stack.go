// SPDX-License-Identifier: GPL-3.0-or-later

package runq

import (
	"context"
	"log/slog"
)

// frame is one in-flight task instance. A frame knows the runner it
// must execute on, its entry point, and whether entering it runs user
// code or merely marshals a child's result back to a parent.
type frame interface {
	// runner returns the runner that must execute this frame, or nil
	// when the frame can run wherever the stack currently is.
	runner() *Runner

	// enter is the frame's entry point. It consumes the stack's result
	// slot, may push child frames, and may suspend the stack.
	enter(s *stack)

	// willExecute reports whether entering this frame runs user code.
	// Marshalling-only frames report false.
	willExecute() bool

	// name identifies the frame kind for debugging.
	name() string
}

// stack is the LIFO of frames spawned by a single [Run]. The stack is
// a value shipped between runners: the top frame's runner determines
// where the next step executes, and the whole stack is re-posted after
// every frame entry until it empties. Frames live inside the stack and
// are destroyed as they are popped.
//
// The stack is only ever touched from within the runner currently
// executing it, except for the result slot hand-off performed by a
// parallel gather, which happens strictly while the stack is parked.
type stack struct {
	// ctx is the context passed to task callables.
	ctx context.Context

	// frames is the LIFO, top at the end.
	frames []frame

	// value holds the in-flight result threaded between frames. A
	// void-producing stage leaves a [Unit] here.
	value any

	// err holds the in-flight error. While set, value-producing frames
	// propagate without executing until an intercept frame consumes it.
	err error

	// suspended is set by a frame whose completion is asynchronous
	// (parallel gather); the stack is not re-posted until resume.
	suspended bool

	// afterStep runs after the current step has observed suspension;
	// it launches whatever will eventually resume the stack.
	afterStep func()

	// last is the runner that executed the most recent step; used to
	// place trailing marshalling-only frames.
	last *Runner

	// complete delivers the final result or error exactly once, when
	// the stack empties or posting it to its next runner fails. A stack
	// dropped from the queue of a runner that closes never completes.
	complete func(value any, err error)
}

func (s *stack) push(f frame) {
	s.frames = append(s.frames, f)
}

func (s *stack) pop() frame {
	n := len(s.frames) - 1
	f := s.frames[n]
	s.frames[n] = nil
	s.frames = s.frames[:n]
	return f
}

func (s *stack) empty() bool {
	return len(s.frames) == 0
}

// fail records err as the stack's in-flight error and clears the
// result slot.
func (s *stack) fail(err error) {
	s.err = err
	s.value = nil
}

// home returns the runner where the next step must execute: the
// topmost frame with an explicit runner, or the runner of the previous
// step when only marshalling frames remain.
func (s *stack) home() *Runner {
	for i := len(s.frames) - 1; i >= 0; i-- {
		if r := s.frames[i].runner(); r != nil {
			return r
		}
	}
	return s.last
}

// dispatch re-posts the stack to the runner returned by home, enters
// the top frame in place when there is no such runner yet, or delivers
// the final result when the stack is empty.
func (s *stack) dispatch() {
	if s.empty() {
		s.complete(s.value, s.err)
		return
	}
	r := s.home()
	if r == nil {
		// No frame names a runner and no step has run yet (e.g., a
		// parallel composite at the root): enter the top frame in place.
		s.step(nil)
		return
	}
	if r.Post(func() { s.step(r) }) != nil {
		s.fail(ErrRunnerNotAvailable)
		s.complete(s.value, s.err)
	}
}

// step pops the top frame and invokes its entry point on runner r (nil
// when dispatch enters the frame in place), then re-posts the stack
// unless a frame suspended it.
func (s *stack) step(r *Runner) {
	s.last = r
	f := s.pop()
	if r != nil {
		r.logger.Debug(
			"frameEnter",
			slog.String("frame", f.name()),
			slog.Bool("willExecute", f.willExecute()),
			slog.String("runner", r.name),
		)
	}
	f.enter(s)
	if s.suspended {
		fn := s.afterStep
		s.afterStep = nil
		if fn != nil {
			fn()
		}
		return
	}
	s.dispatch()
}

// resume unparks a suspended stack after its result slot has been
// filled in and ships it to the next frame's runner.
func (s *stack) resume() {
	s.suspended = false
	s.dispatch()
}
