// SPDX-License-Identifier: GPL-3.0-or-later

package runq

// Sequential2 chains two [Task] instances together into a pipeline.
//
// The output of t1 becomes the input to t2. Each stage runs on its own
// target runner; between stages the in-flight work migrates to the
// next stage's runner. If t1 fails, t2 is not executed and the error
// becomes the chain's error.
//
// A void stage boundary is expressed with [Unit]: a Task[..., Unit]
// stage is followed by a Task[Unit, ...] stage.
func Sequential2[A, B, C any](t1 Task[A, B], t2 Task[B, C]) Task[A, C] {
	return Task[A, C]{push: func(s *stack) {
		t2.push(s)
		t1.push(s)
	}}
}

// Sequential3 chains three [Task] instances together.
func Sequential3[A, B, C, D any](t1 Task[A, B], t2 Task[B, C], t3 Task[C, D]) Task[A, D] {
	return Sequential2(t1, Sequential2(t2, t3))
}

// Sequential4 chains four [Task] instances together.
func Sequential4[A, B, C, D, E any](t1 Task[A, B], t2 Task[B, C], t3 Task[C, D], t4 Task[D, E]) Task[A, E] {
	return Sequential2(t1, Sequential3(t2, t3, t4))
}

// Sequential5 chains five [Task] instances together.
func Sequential5[A, B, C, D, E, F any](
	t1 Task[A, B], t2 Task[B, C], t3 Task[C, D], t4 Task[D, E], t5 Task[E, F]) Task[A, F] {
	return Sequential2(t1, Sequential4(t2, t3, t4, t5))
}

// Sequential6 chains six [Task] instances together.
func Sequential6[A, B, C, D, E, F, G any](
	t1 Task[A, B], t2 Task[B, C], t3 Task[C, D], t4 Task[D, E], t5 Task[E, F], t6 Task[F, G]) Task[A, G] {
	return Sequential2(t1, Sequential5(t2, t3, t4, t5, t6))
}

// Sequential7 chains seven [Task] instances together.
func Sequential7[A, B, C, D, E, F, G, H any](
	t1 Task[A, B], t2 Task[B, C], t3 Task[C, D], t4 Task[D, E], t5 Task[E, F], t6 Task[F, G], t7 Task[G, H]) Task[A, H] {
	return Sequential2(t1, Sequential6(t2, t3, t4, t5, t6, t7))
}

// Sequential8 chains eight [Task] instances together.
func Sequential8[A, B, C, D, E, F, G, H, I any](t1 Task[A, B],
	t2 Task[B, C], t3 Task[C, D], t4 Task[D, E], t5 Task[E, F], t6 Task[F, G], t7 Task[G, H], t8 Task[H, I]) Task[A, I] {
	return Sequential2(t1, Sequential7(t2, t3, t4, t5, t6, t7, t8))
}

// Apply binds a fixed input to a [Task], returning a [Task] that takes
// [Unit] instead.
//
// This is useful for currying a pipeline that requires an input value
// into a pipeline usable where a Task[Unit, R] is expected.
func Apply[I, R any](task Task[I, R], input I) Task[Unit, R] {
	return Task[Unit, R]{push: func(s *stack) {
		task.push(s)
		s.push(&applyFrame[I]{input: input})
	}}
}

// applyFrame overwrites the result slot with a fixed input.
type applyFrame[I any] struct {
	input I
}

var _ frame = &applyFrame[int]{}

func (f *applyFrame[I]) runner() *Runner { return nil }

func (f *applyFrame[I]) willExecute() bool { return false }

func (f *applyFrame[I]) name() string { return "apply" }

func (f *applyFrame[I]) enter(s *stack) {
	if s.err != nil {
		return
	}
	s.value = f.input
}
