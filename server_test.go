// SPDX-License-Identifier: GPL-3.0-or-later

//go:build unix

package runq

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// acceptFunc adapts a function to [ServerCallback].
type acceptFunc func(h Handle, peer netip.AddrPort) bool

func (f acceptFunc) OnConnect(h Handle, peer netip.AddrPort) bool {
	return f(h, peer)
}

func TestNewServerBindsEphemeralPort(t *testing.T) {
	logger, capture := newCapturingLogger()
	r := NewRunner("io", DefaultSLogger())
	defer r.Close()

	srv, err := NewServer(NewConfig(), r, netip.MustParseAddrPort("127.0.0.1:0"), nil, logger)
	require.NoError(t, err)
	defer srv.Shutdown()

	assert.NotZero(t, srv.Addr().Port())
	assert.Equal(t, netip.MustParseAddr("127.0.0.1"), srv.Addr().Addr())
	assert.Equal(t, 1, capture.countMessage("serverListen"))
}

func TestNewServerBindFailure(t *testing.T) {
	r := NewRunner("io", DefaultSLogger())
	defer r.Close()
	cfg := NewConfig()

	first, err := NewServer(cfg, r, netip.MustParseAddrPort("127.0.0.1:0"), nil, DefaultSLogger())
	require.NoError(t, err)
	defer first.Shutdown()

	// A second listener on the same port must fail with a socket
	// error: SO_REUSEADDR does not allow two live listeners.
	_, err = NewServer(cfg, r, first.Addr(), nil, DefaultSLogger())
	require.ErrorIs(t, err, ErrSocketFailure)
}

// TestServerCallbackOwnership checks that returning false from
// OnConnect closes the accepted handle: the peer sees EOF.
func TestServerCallbackOwnership(t *testing.T) {
	r := NewRunner("io", DefaultSLogger())
	defer r.Close()
	cfg := NewConfig()

	srv, err := NewServer(cfg, r, netip.MustParseAddrPort("127.0.0.1:0"),
		acceptFunc(func(h Handle, peer netip.AddrPort) bool { return false }),
		DefaultSLogger())
	require.NoError(t, err)
	defer srv.Shutdown()
	srv.Start()

	rec := &streamRecorder{}
	cli, err := DialStream(cfg, r, srv.Addr(), rec, nil, 0, DefaultSLogger())
	require.NoError(t, err)
	defer cli.Shutdown()

	require.Eventually(t, func() bool {
		return rec.countEvent(EventConnected) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return rec.countEvent(EventDisconnected) == 1
	}, 5*time.Second, 10*time.Millisecond, "refused handle was not closed")
}

// TestServerCallbackPanic checks that a panicking callback closes the
// handle and leaves the server accepting further connections.
func TestServerCallbackPanic(t *testing.T) {
	logger, capture := newCapturingLogger()
	r := NewRunner("io", DefaultSLogger())
	defer r.Close()
	cfg := NewConfig()

	srv, err := NewServer(cfg, r, netip.MustParseAddrPort("127.0.0.1:0"),
		acceptFunc(func(h Handle, peer netip.AddrPort) bool { panic("unexpected guest") }),
		logger)
	require.NoError(t, err)
	defer srv.Shutdown()
	srv.Start()

	for i := 0; i < 2; i++ {
		rec := &streamRecorder{}
		cli, err := DialStream(cfg, r, srv.Addr(), rec, nil, 0, DefaultSLogger())
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return rec.countEvent(EventDisconnected) == 1
		}, 5*time.Second, 10*time.Millisecond)
		cli.Shutdown()
	}
	assert.Equal(t, 2, capture.countMessage("serverCallbackPanicRecovered"))
}

func TestServerStopPausesAccepting(t *testing.T) {
	r := NewRunner("io", DefaultSLogger())
	defer r.Close()
	cfg := NewConfig()

	var mu sync.Mutex
	accepted := 0
	srv, err := NewServer(cfg, r, netip.MustParseAddrPort("127.0.0.1:0"),
		acceptFunc(func(h Handle, peer netip.AddrPort) bool {
			mu.Lock()
			accepted++
			mu.Unlock()
			return false
		}),
		DefaultSLogger())
	require.NoError(t, err)
	defer srv.Shutdown()

	// Not started: a connection sits in the listen queue unaccepted.
	rec := &streamRecorder{}
	cli, err := DialStream(cfg, r, srv.Addr(), rec, nil, 0, DefaultSLogger())
	require.NoError(t, err)
	defer cli.Shutdown()

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 0, accepted)
	mu.Unlock()

	srv.Start()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return accepted == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServerShutdownIsIdempotent(t *testing.T) {
	r := NewRunner("io", DefaultSLogger())
	defer r.Close()

	srv, err := NewServer(NewConfig(), r, netip.MustParseAddrPort("127.0.0.1:0"), nil, DefaultSLogger())
	require.NoError(t, err)

	srv.Shutdown()
	srv.Shutdown() // must not panic or double-close
	time.Sleep(50 * time.Millisecond)
}

func TestServerIPv6(t *testing.T) {
	r := NewRunner("io", DefaultSLogger())
	defer r.Close()

	srv, err := NewServer(NewConfig(), r, netip.MustParseAddrPort("[::1]:0"), nil, DefaultSLogger())
	if err != nil {
		t.Skipf("IPv6 unavailable: %v", err)
	}
	defer srv.Shutdown()
	assert.NotZero(t, srv.Addr().Port())
}
