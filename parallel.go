// SPDX-License-Identifier: GPL-3.0-or-later

package runq

import "sync"

// Pair is the result of [Parallel2]: one slot per child, in
// composition order. A void child's slot holds [Unit].
type Pair[A, B any] struct {
	First  A
	Second B
}

// Triple is the result of [Parallel3].
type Triple[A, B, C any] struct {
	First  A
	Second B
	Third  C
}

// Quad is the result of [Parallel4].
type Quad[A, B, C, D any] struct {
	First  A
	Second B
	Third  C
	Fourth D
}

// Parallel2 runs two tasks concurrently on the same input and gathers
// their results into a [Pair].
//
// Each child executes on its own target runner as an independent
// sub-stack. The composite completes when every child has either
// produced a result or failed. If any child fails, the composite fails
// with the first error in composition order (a deterministic
// tie-break), but the remaining children still run to completion so
// that no work leaks.
func Parallel2[I, R1, R2 any](t1 Task[I, R1], t2 Task[I, R2]) Task[I, Pair[R1, R2]] {
	return Task[I, Pair[R1, R2]]{push: func(s *stack) {
		s.push(&parallelFrame{
			spawns: []func(*stack){t1.push, t2.push},
			assemble: func(results []any) any {
				r1, _ := results[0].(R1)
				r2, _ := results[1].(R2)
				return Pair[R1, R2]{r1, r2}
			},
		})
	}}
}

// Parallel3 runs three tasks concurrently on the same input and
// gathers their results into a [Triple].
func Parallel3[I, R1, R2, R3 any](t1 Task[I, R1], t2 Task[I, R2], t3 Task[I, R3]) Task[I, Triple[R1, R2, R3]] {
	return Task[I, Triple[R1, R2, R3]]{push: func(s *stack) {
		s.push(&parallelFrame{
			spawns: []func(*stack){t1.push, t2.push, t3.push},
			assemble: func(results []any) any {
				r1, _ := results[0].(R1)
				r2, _ := results[1].(R2)
				r3, _ := results[2].(R3)
				return Triple[R1, R2, R3]{r1, r2, r3}
			},
		})
	}}
}

// Parallel4 runs four tasks concurrently on the same input and
// gathers their results into a [Quad].
func Parallel4[I, R1, R2, R3, R4 any](
	t1 Task[I, R1], t2 Task[I, R2], t3 Task[I, R3], t4 Task[I, R4]) Task[I, Quad[R1, R2, R3, R4]] {
	return Task[I, Quad[R1, R2, R3, R4]]{push: func(s *stack) {
		s.push(&parallelFrame{
			spawns: []func(*stack){t1.push, t2.push, t3.push, t4.push},
			assemble: func(results []any) any {
				r1, _ := results[0].(R1)
				r2, _ := results[1].(R2)
				r3, _ := results[2].(R3)
				r4, _ := results[3].(R4)
				return Quad[R1, R2, R3, R4]{r1, r2, r3, r4}
			},
		})
	}}
}

// parallelFrame fans the input out to child sub-stacks and parks the
// owning stack until the gather completes.
type parallelFrame struct {
	spawns   []func(*stack)
	assemble func([]any) any
}

var _ frame = &parallelFrame{}

func (f *parallelFrame) runner() *Runner { return nil }

func (f *parallelFrame) willExecute() bool { return true }

func (f *parallelFrame) name() string { return "parallel" }

func (f *parallelFrame) enter(s *stack) {
	if s.err != nil {
		return
	}
	input := s.value
	g := &gather{
		owner:    s,
		assemble: f.assemble,
		results:  make([]any, len(f.spawns)),
		errs:     make([]error, len(f.spawns)),
		pending:  len(f.spawns),
	}
	s.suspended = true
	// Spawning is deferred until the current step has finished with
	// the stack, so a fast child cannot resume it concurrently.
	spawns := f.spawns
	s.afterStep = func() {
		for i, spawn := range spawns {
			child := &stack{ctx: s.ctx, complete: g.completion(i)}
			spawn(child)
			child.value = input
			child.dispatch()
		}
	}
}

// gather collects the results of a parallel frame's children and
// resumes the parked parent stack when the last child finishes.
type gather struct {
	mu       sync.Mutex
	owner    *stack
	assemble func([]any) any
	results  []any
	errs     []error
	pending  int
}

// completion returns the completion callback for child i.
func (g *gather) completion(i int) func(any, error) {
	return func(value any, err error) {
		g.mu.Lock()
		g.results[i] = value
		g.errs[i] = err
		g.pending--
		last := g.pending == 0
		g.mu.Unlock()
		if !last {
			return
		}
		var first error
		for _, err := range g.errs {
			if err != nil {
				first = err
				break
			}
		}
		if first != nil {
			g.owner.fail(first)
		} else {
			g.owner.value = g.assemble(g.results)
		}
		g.owner.resume()
	}
}
