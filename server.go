// SPDX-License-Identifier: GPL-3.0-or-later

//go:build unix

package runq

import (
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// ServerCallback receives accepted connections.
type ServerCallback interface {
	// OnConnect is invoked on the server's runner for each accepted
	// connection with the connection handle and the peer address.
	//
	// Returning true takes ownership of the handle (typically by
	// passing it to [NewStreamWithHandle]). Returning false, or
	// panicking, makes the server close the handle within the same
	// dispatch turn.
	OnConnect(h Handle, peer netip.AddrPort) bool
}

// Server is a listening TCP socket whose readable events are
// dispatched on a runner.
//
// Construct with [NewServer]; the server starts suspended. [Server.Start]
// arms accepting, [Server.Stop] disarms it, and [Server.Shutdown]
// releases the socket.
type Server struct {
	// hostRunner is where accept callbacks are delivered.
	hostRunner *Runner

	// cb receives accepted connections; may be nil, in which case
	// connections are accepted and closed immediately.
	cb ServerCallback

	// logger is the SLogger to use.
	logger SLogger

	// errClassifier classifies errors for structured logging.
	errClassifier ErrClassifier

	// timeNow is the function to get the current time.
	timeNow func() time.Time

	// span identifies this server in log events.
	span string

	// handle is the listening socket; closed by the source's cancel
	// handler.
	handle Handle

	// addr is the bound address, useful after binding port 0.
	addr netip.AddrPort

	// src is the readable event source.
	src *eventSource

	// shut makes Shutdown idempotent.
	shut atomic.Bool
}

// NewServer creates a TCP server listening on addr, with accept events
// dispatched on r.
//
// The socket is created with SO_REUSEADDR and listens with
// cfg.Backlog. IPv6 addresses get an IPv6 socket, which is not forced
// dual-stack. The server is created suspended; call [Server.Start] to
// begin accepting.
//
// On error no resources remain: any socket opened so far is closed.
func NewServer(cfg *Config, r *Runner, addr netip.AddrPort,
	cb ServerCallback, logger SLogger) (*Server, error) {
	h, err := newStreamSocket(addr.Addr())
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(int(h), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		closeHandle(h)
		return nil, &SocketError{Op: "setsockopt", Err: err}
	}
	if err := unix.Bind(int(h), sockaddrFor(addr)); err != nil {
		closeHandle(h)
		return nil, &SocketError{Op: "bind", Err: err}
	}
	if err := unix.Listen(int(h), cfg.Backlog); err != nil {
		closeHandle(h)
		return nil, &SocketError{Op: "listen", Err: err}
	}
	sa, err := unix.Getsockname(int(h))
	if err != nil {
		closeHandle(h)
		return nil, &SocketError{Op: "getsockname", Err: err}
	}
	srv := &Server{
		hostRunner:    r,
		cb:            cb,
		logger:        logger,
		errClassifier: cfg.ErrClassifier,
		timeNow:       cfg.TimeNow,
		span:          NewSpanID(),
		handle:        h,
		addr:          addrPortFrom(sa),
	}
	src, err := newEventSource(r, h, unix.POLLIN, srv.onReadable, srv.onCancel, logger)
	if err != nil {
		closeHandle(h)
		return nil, err
	}
	srv.src = src
	logger.Info(
		"serverListen",
		slog.String("localAddr", srv.addr.String()),
		slog.String("spanID", srv.span),
		slog.Time("t", srv.timeNow()),
	)
	return srv, nil
}

// Addr returns the bound address and port.
func (s *Server) Addr() netip.AddrPort {
	return s.addr
}

// Start arms the accept event source.
func (s *Server) Start() {
	s.src.resume()
}

// Stop disarms the accept event source. Pending connections stay in
// the listen queue until Start is called again.
func (s *Server) Stop() {
	s.src.suspend()
}

// Shutdown releases the listening socket. Idempotent.
func (s *Server) Shutdown() {
	if !s.shut.CompareAndSwap(false, true) {
		return
	}
	s.src.resume()
	s.src.cancel()
}

// onCancel runs when the event source tears down; it owns the socket.
func (s *Server) onCancel() {
	closeHandle(s.handle)
	s.logger.Info(
		"serverShutdown",
		slog.String("localAddr", s.addr.String()),
		slog.String("spanID", s.span),
		slog.Time("t", s.timeNow()),
	)
}

// onReadable accepts connections until the listen queue drains. It
// runs on the server's runner.
func (s *Server) onReadable(int) {
	for {
		fd, sa, err := unix.Accept(int(s.handle))
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			s.logger.Info(
				"serverAcceptFailed",
				slog.Any("err", err),
				slog.String("errClass", s.errClassifier.Classify(err)),
				slog.String("spanID", s.span),
			)
			return
		}
		unix.CloseOnExec(fd)
		peer := addrPortFrom(sa)
		s.logger.Info(
			"serverAccept",
			slog.String("remoteAddr", peer.String()),
			slog.String("spanID", s.span),
		)
		// Accept even when the callback is gone so the readiness does
		// not keep firing for the same pending connection.
		if s.cb == nil || !s.safeOnConnect(Handle(fd), peer) {
			unix.Close(fd)
		}
	}
}

// safeOnConnect invokes the callback, converting a panic into a
// refusal so the handle still gets closed and the dispatch loop
// survives.
func (s *Server) safeOnConnect(h Handle, peer netip.AddrPort) (ok bool) {
	defer func() {
		if v := recover(); v != nil {
			ok = false
			s.logger.Info(
				"serverCallbackPanicRecovered",
				slog.Any("panic", v),
				slog.String("spanID", s.span),
			)
		}
	}()
	return s.cb.OnConnect(h, peer)
}
