// SPDX-License-Identifier: GPL-3.0-or-later

//go:build unix

package runq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// socketPair returns two connected non-blocking UNIX stream sockets.
func socketPair(t *testing.T) (Handle, Handle) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	return Handle(fds[0]), Handle(fds[1])
}

func TestEventSourceLifecycle(t *testing.T) {
	r := NewRunner("io", DefaultSLogger())
	defer r.Close()

	local, peer := socketPair(t)
	defer closeHandle(peer)

	received := make(chan int, 16)
	cancelled := make(chan struct{})
	src, err := newEventSource(r, local, unix.POLLIN,
		func(count int) {
			received <- count
			var buf [64]byte
			_, _ = unix.Read(int(local), buf[:]) // consume the readiness
		},
		func() {
			closeHandle(local)
			close(cancelled)
		},
		DefaultSLogger())
	require.NoError(t, err)

	// Created suspended: data must not be delivered yet.
	_, err = unix.Write(int(peer), []byte("abc"))
	require.NoError(t, err)
	select {
	case <-received:
		t.Fatal("event delivered while suspended")
	case <-time.After(150 * time.Millisecond):
	}

	// Resume: the pending readiness fires with the buffered count.
	src.resume()
	select {
	case count := <-received:
		assert.Equal(t, 3, count)
	case <-time.After(5 * time.Second):
		t.Fatal("no event after resume")
	}

	// Suspend again: new data stays undelivered.
	src.suspend()
	_, err = unix.Write(int(peer), []byte("xy"))
	require.NoError(t, err)
	select {
	case <-received:
		t.Fatal("event delivered while suspended")
	case <-time.After(150 * time.Millisecond):
	}

	// Resume once more, then cancel twice: the cancel handler must run
	// exactly once (the channel close would panic on a second run).
	src.resume()
	select {
	case count := <-received:
		assert.Equal(t, 2, count)
	case <-time.After(5 * time.Second):
		t.Fatal("no event after second resume")
	}
	src.cancel()
	src.cancel()
	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("cancel handler never ran")
	}
}

func TestEventSourceRequiresLiveRunner(t *testing.T) {
	r := NewRunner("gone", DefaultSLogger())
	r.Close()

	local, peer := socketPair(t)
	defer closeHandle(local)
	defer closeHandle(peer)

	_, err := newEventSource(r, local, unix.POLLIN,
		func(int) {}, func() {}, DefaultSLogger())
	require.ErrorIs(t, err, ErrRunnerNotAvailable)
}
