// SPDX-License-Identifier: GPL-3.0-or-later

package runq

// IfThenElse runs pred on the input, then runs thenTask when the
// predicate produced true and elseTask otherwise. Both branches
// receive the original input.
func IfThenElse[I, R any](pred Task[I, bool], thenTask, elseTask Task[I, R]) Task[I, R] {
	return Task[I, R]{push: func(s *stack) {
		c := &condState[I]{}
		s.push(&branchFrame[I, R]{state: c, then: thenTask, els: elseTask, hasElse: true})
		pred.push(s)
		s.push(&saveInputFrame[I]{state: c})
	}}
}

// IfThen is [IfThenElse] without an else-branch: when the predicate
// produces false the composite completes immediately with [Unit].
func IfThen[I any](pred Task[I, bool], thenTask Task[I, Unit]) Task[I, Unit] {
	return Task[I, Unit]{push: func(s *stack) {
		c := &condState[I]{}
		s.push(&branchFrame[I, Unit]{state: c, then: thenTask})
		pred.push(s)
		s.push(&saveInputFrame[I]{state: c})
	}}
}

// condState carries the original input across the predicate, which
// consumes the result slot.
type condState[I any] struct {
	input I
}

// saveInputFrame stashes the input before the predicate runs.
type saveInputFrame[I any] struct {
	state *condState[I]
}

var _ frame = &saveInputFrame[int]{}

func (f *saveInputFrame[I]) runner() *Runner { return nil }

func (f *saveInputFrame[I]) willExecute() bool { return false }

func (f *saveInputFrame[I]) name() string { return "if.save" }

func (f *saveInputFrame[I]) enter(s *stack) {
	if s.err != nil {
		return
	}
	f.state.input, _ = s.value.(I)
}

// branchFrame consumes the predicate's result and pushes the chosen
// branch with the original input.
type branchFrame[I, R any] struct {
	state   *condState[I]
	then    Task[I, R]
	els     Task[I, R]
	hasElse bool
}

var _ frame = &branchFrame[int, int]{}

func (f *branchFrame[I, R]) runner() *Runner { return nil }

func (f *branchFrame[I, R]) willExecute() bool { return false }

func (f *branchFrame[I, R]) name() string { return "if" }

func (f *branchFrame[I, R]) enter(s *stack) {
	if s.err != nil {
		return
	}
	cond, _ := s.value.(bool)
	s.value = f.state.input
	switch {
	case cond:
		f.then.push(s)
	case f.hasElse:
		f.els.push(s)
	default:
		s.value = Unit{}
	}
}

// Repeat runs count on the input to compute an iteration count, then
// runs body that many times, passing the zero-based iteration index as
// the body's input. The composite's result is void.
//
// A non-positive count completes immediately with [Unit].
func Repeat[I any](count Task[I, int], body Task[int, Unit]) Task[I, Unit] {
	return Task[I, Unit]{push: func(s *stack) {
		s.push(&repeatFrame{body: body})
		count.push(s)
	}}
}

// repeatFrame consumes the computed count and starts the iteration.
type repeatFrame struct {
	body Task[int, Unit]
}

var _ frame = &repeatFrame{}

func (f *repeatFrame) runner() *Runner { return nil }

func (f *repeatFrame) willExecute() bool { return false }

func (f *repeatFrame) name() string { return "repeat" }

func (f *repeatFrame) enter(s *stack) {
	if s.err != nil {
		return
	}
	n, _ := s.value.(int)
	s.push(&iterFrame{n: n, body: f.body})
}

// iterFrame drives one iteration per entry: it re-pushes itself below
// the body's frames until the index reaches the count.
type iterFrame struct {
	i    int
	n    int
	body Task[int, Unit]
}

var _ frame = &iterFrame{}

func (f *iterFrame) runner() *Runner { return nil }

func (f *iterFrame) willExecute() bool { return false }

func (f *iterFrame) name() string { return "repeat.iter" }

func (f *iterFrame) enter(s *stack) {
	if s.err != nil {
		return
	}
	if f.i >= f.n {
		s.value = Unit{}
		return
	}
	index := f.i
	f.i++
	s.push(f)
	f.body.push(s)
	s.value = index
}
