// SPDX-License-Identifier: GPL-3.0-or-later

package runq_test

import (
	"context"
	"fmt"

	"github.com/bassosimone/runq"
)

// ExampleSequential3 builds a three-stage pipeline that increments a
// number, formats it, and measures the formatted string.
func ExampleSequential3() {
	worker := runq.NewRunner("worker", runq.DefaultSLogger())
	defer worker.Close()

	increment := runq.NewTask(worker, func(ctx context.Context, n int) (int, error) {
		return n + 1, nil
	})
	format := runq.NewTask(worker, func(ctx context.Context, n int) (string, error) {
		return fmt.Sprintf("value=%d", n), nil
	})
	measure := runq.NewTask(worker, func(ctx context.Context, s string) (int, error) {
		return len(s), nil
	})

	pipeline := runq.Sequential3(increment, format, measure)
	result, err := runq.Run(context.Background(), pipeline, 41).Await(context.Background())
	fmt.Println(result, err)

	// Output: 8 <nil>
}

// ExampleParallel2 fans an input out to two runners and gathers both
// results into a pair.
func ExampleParallel2() {
	left := runq.NewRunner("left", runq.DefaultSLogger())
	defer left.Close()
	right := runq.NewRunner("right", runq.DefaultSLogger())
	defer right.Close()

	double := runq.NewTask(left, func(ctx context.Context, n int) (int, error) {
		return n * 2, nil
	})
	negate := runq.NewTask(right, func(ctx context.Context, n int) (int, error) {
		return -n, nil
	})

	both := runq.Parallel2(double, negate)
	result, err := runq.Run(context.Background(), both, 21).Await(context.Background())
	fmt.Println(result.First, result.Second, err)

	// Output: 42 -21 <nil>
}

// ExampleIntercept recovers from a failure with a typed handler.
func ExampleIntercept() {
	worker := runq.NewRunner("worker", runq.DefaultSLogger())
	defer worker.Close()

	flaky := runq.NewTask(worker, func(ctx context.Context, in runq.Unit) (string, error) {
		return "", runq.ErrConnectionFailure
	})
	fallback := runq.NewTask(worker, func(ctx context.Context, err error) (string, error) {
		return "recovered", nil
	})

	guarded := runq.Intercept(flaky, runq.Catch(runq.ErrConnectionFailure, fallback))
	result, err := runq.Run(context.Background(), guarded, runq.Unit{}).Await(context.Background())
	fmt.Println(result, err)

	// Output: recovered <nil>
}
