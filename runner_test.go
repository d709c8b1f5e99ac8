// SPDX-License-Identifier: GPL-3.0-or-later

package runq

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerSerialExecution(t *testing.T) {
	r := NewRunner("serial", DefaultSLogger())
	defer r.Close()

	const numCallables = 100
	var mu sync.Mutex
	var order []int
	var inside atomic.Int32
	var overlapped atomic.Bool
	var wg sync.WaitGroup

	wg.Add(numCallables)
	for i := 0; i < numCallables; i++ {
		index := i
		require.NoError(t, r.Post(func() {
			defer wg.Done()
			if inside.Add(1) > 1 {
				overlapped.Store(true)
			}
			mu.Lock()
			order = append(order, index)
			mu.Unlock()
			inside.Add(-1)
		}))
	}
	wg.Wait()

	assert.False(t, overlapped.Load(), "two callables overlapped")
	require.Len(t, order, numCallables)
	for i, got := range order {
		assert.Equal(t, i, got, "completion order differs from submission order")
	}
}

func TestRunnerPostAfterClose(t *testing.T) {
	r := NewRunner("closed", DefaultSLogger())
	r.Close()
	err := r.Post(func() { t.Fatal("callable ran on a closed runner") })
	require.ErrorIs(t, err, ErrRunnerNotAvailable)
}

func TestRunnerCloseIsIdempotent(t *testing.T) {
	r := NewRunner("twice", DefaultSLogger())
	r.Close()
	r.Close() // must not panic
}

func TestRunnerCloseDropsPending(t *testing.T) {
	r := NewRunner("dropper", DefaultSLogger())
	release := gateRunner(r)

	var ran atomic.Bool
	require.NoError(t, r.Post(func() { ran.Store(true) }))

	r.Close()
	release()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, ran.Load(), "pending callable survived Close")
}

func TestRunnerPanicIsolation(t *testing.T) {
	logger, capture := newCapturingLogger()
	r := NewRunner("panicky", logger)
	defer r.Close()

	require.NoError(t, r.Post(func() { panic("boom") }))

	survived := make(chan struct{})
	require.NoError(t, r.Post(func() { close(survived) }))

	select {
	case <-survived:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not survive the panic")
	}
	assert.Equal(t, 1, capture.countMessage("runnerPanicRecovered"))
}

func TestRunnerName(t *testing.T) {
	r := NewRunner("worker", DefaultSLogger())
	defer r.Close()
	assert.Equal(t, "worker", r.Name())
}
