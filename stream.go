// SPDX-License-Identifier: GPL-3.0-or-later

//go:build unix

package runq

import (
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// StreamEvent is the kind of a stream lifecycle event delivered to
// [StreamCallback.OnEvent].
type StreamEvent int

const (
	// EventConnected means a non-blocking connect completed.
	EventConnected StreamEvent = iota + 1

	// EventDisconnected means the stream reached the disconnected
	// state, either because the peer closed or because the application
	// called [Stream.Disconnect].
	EventDisconnected

	// EventFailure means an asynchronous operation failed; the error
	// accompanies the event.
	EventFailure
)

// String implements [fmt.Stringer].
func (e StreamEvent) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// StreamCallback receives a stream's read, write, and lifecycle
// events. All methods are invoked on the stream's runner; a panic
// escaping any of them is swallowed and logged.
type StreamCallback interface {
	// OnRead delivers received bytes. *buf is a view of the stream's
	// read buffer holding exactly the bytes just read.
	//
	// The callback may replace *buf with a different slice, which the
	// stream adopts as its new read buffer: the old library-owned
	// buffer is released, the replacement is treated as caller-owned,
	// and its length becomes the new capacity.
	OnRead(buf *[]byte)

	// OnWrite reports that a previously accepted [Stream.Write] has
	// been fully flushed. data is the original slice.
	OnWrite(data []byte)

	// OnEvent reports lifecycle transitions. err is non-nil only for
	// [EventFailure].
	OnEvent(event StreamEvent, err error)
}

// Stream states.
const (
	stateDisconnected int32 = iota
	stateConnecting
	stateConnected
	stateDisconnecting
)

// Stream is a connecting or connected TCP socket with paired read and
// write event sources dispatched on a runner.
//
// The lifecycle is disconnected → connecting → connected →
// disconnecting → disconnected. [Stream.Connect] starts a non-blocking
// connect whose completion is signalled by write readiness; peer EOF,
// [Stream.Disconnect], and [Stream.Shutdown] drive teardown. The read
// and write sources hold independently duplicated descriptors so
// platform readiness bookkeeping stays independent, and each is
// released exactly once by its cancel handler.
//
// [Stream.Write] and teardown may be invoked from arbitrary
// goroutines; the state, the busy flag, and the per-source pointers
// are atomics for that reason. Callbacks, in contrast, are always
// serialized on the runner.
type Stream struct {
	// hostRunner is where all source callbacks are delivered.
	hostRunner *Runner

	// cb receives read, write, and lifecycle events; may be nil.
	cb StreamCallback

	// logger is the SLogger to use.
	logger SLogger

	// errClassifier classifies errors for structured logging.
	errClassifier ErrClassifier

	// timeNow is the function to get the current time.
	timeNow func() time.Time

	// span identifies this stream in log events.
	span string

	// state is one of the state* constants.
	state atomic.Int32

	// reader and writer are the per-source contexts; nil when the
	// source is gone or being cancelled. Stored as atomics so that
	// cancellation can race safely with event delivery.
	reader atomic.Pointer[readContext]
	writer atomic.Pointer[writeContext]

	// remote is the address given to Connect, for logging.
	remote netip.AddrPort

	// cfgBuf and cfgSize hold the buffer configuration until the read
	// source is created at connect completion. A nil cfgBuf means the
	// stream allocates and owns the buffer.
	cfgBuf  []byte
	cfgSize int

	// wrBusy guards the single outstanding write.
	wrBusy atomic.Bool

	// wrData and wrPos describe the in-flight write. Only touched by
	// the writer that won wrBusy and by the write event handler.
	wrData []byte
	wrPos  int
}

// writeContext is the per-write-source state. The context keeps its
// stream alive through the event closures; the stream points back only
// through an atomic pointer cleared at cancellation, which breaks the
// cycle.
type writeContext struct {
	handle Handle
	src    *eventSource
}

// readContext is the per-read-source state, including the read buffer.
type readContext struct {
	handle Handle
	src    *eventSource

	// buf is the read buffer; owned reports whether the stream
	// allocated it (and must release it at teardown).
	buf   []byte
	owned bool
}

// defaultReadBufferSize is used when the caller supplies neither a
// buffer nor a size.
const defaultReadBufferSize = 4096

// NewStream creates a [*Stream] in the disconnected state, without a
// socket. Call [Stream.Connect] to initiate a connection.
//
// The buf and size arguments configure the read buffer: a non-nil buf
// is used as-is and stays caller-owned; a nil buf makes the stream
// allocate (and own) a buffer of the given size.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewStream(cfg *Config, r *Runner, cb StreamCallback,
	buf []byte, size int, logger SLogger) *Stream {
	if buf == nil && size <= 0 {
		size = defaultReadBufferSize
	}
	return &Stream{
		hostRunner:    r,
		cb:            cb,
		logger:        logger,
		errClassifier: cfg.ErrClassifier,
		timeNow:       cfg.TimeNow,
		span:          NewSpanID(),
		cfgBuf:        buf,
		cfgSize:       size,
	}
}

// DialStream creates a [*Stream] and immediately starts connecting it
// to addr. Completion is reported through the callback as
// [EventConnected] or [EventFailure].
func DialStream(cfg *Config, r *Runner, addr netip.AddrPort,
	cb StreamCallback, buf []byte, size int, logger SLogger) (*Stream, error) {
	s := NewStream(cfg, r, cb, buf, size, logger)
	if err := s.Connect(addr); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStreamWithHandle creates a [*Stream] in the connected state
// around an already-connected socket, typically one accepted by a
// [Server]. The stream takes ownership of h.
//
// The socket is re-marked non-blocking because accepted sockets do not
// inherit the listening socket's flags everywhere. On error all
// descriptors, h included, are closed.
func NewStreamWithHandle(cfg *Config, r *Runner, h Handle,
	cb StreamCallback, buf []byte, size int, logger SLogger) (*Stream, error) {
	s := NewStream(cfg, r, cb, buf, size, logger)
	if err := unix.SetNonblock(int(h), true); err != nil {
		closeHandle(h)
		return nil, &SocketError{Op: "setnonblock", Err: err}
	}
	rh, err := dupHandle(h)
	if err != nil {
		closeHandle(h)
		return nil, err
	}
	if err := s.createWriteSource(h); err != nil {
		closeHandle(h)
		closeHandle(rh)
		return nil, err
	}
	if err := s.createReadSource(rh); err != nil {
		s.cancelWriteSource() // closes h via its cancel handler
		closeHandle(rh)
		return nil, err
	}
	s.state.Store(stateConnected)
	return s, nil
}

// Connect initiates a non-blocking connect to addr. Permitted only in
// the disconnected state.
//
// An immediate in-kernel success is still treated as pending: the
// write-readiness event is the single source of truth for connect
// completion, which the callback observes as [EventConnected] or
// [EventFailure].
func (s *Stream) Connect(addr netip.AddrPort) error {
	if !s.state.CompareAndSwap(stateDisconnected, stateConnecting) {
		return ErrInvalidState
	}
	h, err := newStreamSocket(addr.Addr())
	if err != nil {
		s.state.Store(stateDisconnected)
		return err
	}
	if err := s.createWriteSource(h); err != nil {
		closeHandle(h)
		s.state.Store(stateDisconnected)
		return err
	}
	s.remote = addr
	err = unix.Connect(int(h), sockaddrFor(addr))
	if err != nil && err != unix.EINPROGRESS {
		s.cancelWriteSource() // closes h via its cancel handler
		s.state.Store(stateDisconnected)
		return &SocketError{Op: "connect", Err: err}
	}
	s.logger.Info(
		"streamConnectStart",
		slog.String("remoteAddr", addr.String()),
		slog.String("spanID", s.span),
		slog.Time("t", s.timeNow()),
	)
	// Arm the write source only after connect has been initiated;
	// readiness is level-triggered so a completion that already
	// happened still fires.
	if w := s.writer.Load(); w != nil {
		w.src.resume()
	}
	return nil
}

// Write sends data to the peer. Permitted only in the connected state
// and only while no other write is outstanding: a second Write before
// [StreamCallback.OnWrite] fails with [ErrResourceBusy].
//
// The stream does not copy data; the caller must not modify it until
// OnWrite reports completion.
func (s *Stream) Write(data []byte) error {
	if s.state.Load() != stateConnected {
		return ErrInvalidState
	}
	if !s.wrBusy.CompareAndSwap(false, true) {
		return ErrResourceBusy
	}
	w := s.writer.Load()
	if w == nil {
		s.wrBusy.Store(false)
		return ErrInvalidState
	}
	s.wrData = data
	s.wrPos = 0
	w.src.resume()
	return nil
}

// Start resumes read delivery after [Stream.Stop]. No-op unless
// connected.
func (s *Stream) Start() {
	if s.state.Load() != stateConnected {
		return
	}
	if rd := s.reader.Load(); rd != nil {
		rd.src.resume()
	}
}

// Stop pauses read delivery; received data accumulates in the kernel
// buffer. No-op unless connected.
func (s *Stream) Stop() {
	if s.state.Load() != stateConnected {
		return
	}
	if rd := s.reader.Load(); rd != nil {
		rd.src.suspend()
	}
}

// Disconnect tears the stream down. From the connected state it
// transitions through disconnecting and delivers [EventDisconnected]
// exactly once, also with respect to a racing peer EOF. From the
// connecting state it aborts the pending connect without an event.
// Idempotent.
func (s *Stream) Disconnect() {
	for {
		switch s.state.Load() {
		case stateConnecting:
			if s.state.CompareAndSwap(stateConnecting, stateDisconnected) {
				s.cancelWriteSource()
				return
			}
		case stateConnected:
			if s.state.CompareAndSwap(stateConnected, stateDisconnecting) {
				s.cancelReadSource()
				s.cancelWriteSource()
				s.state.Store(stateDisconnected)
				s.postEvent(EventDisconnected, nil)
				return
			}
		default:
			return
		}
	}
}

// Shutdown releases the stream's sockets without delivering events.
// Idempotent; safe in any state.
func (s *Stream) Shutdown() {
	s.cancelReadSource()
	s.cancelWriteSource()
	s.state.Store(stateDisconnected)
}

// createWriteSource builds the write-side context and its suspended
// event source and publishes it on s.writer.
func (s *Stream) createWriteSource(h Handle) error {
	w := &writeContext{handle: h}
	src, err := newEventSource(
		s.hostRunner, h, unix.POLLOUT,
		func(int) { s.onWriteReadiness(w) },
		func() { closeHandle(w.handle) },
		s.logger,
	)
	if err != nil {
		return err
	}
	src.setRunnerLostHook(s.runnerLost)
	w.src = src
	s.writer.Store(w)
	return nil
}

// createReadSource builds the read-side context around the duplicated
// handle h, publishes it on s.reader, and arms it.
func (s *Stream) createReadSource(h Handle) error {
	rd := &readContext{handle: h, buf: s.cfgBuf}
	if rd.buf == nil {
		rd.buf = make([]byte, s.cfgSize)
		rd.owned = true
	}
	src, err := newEventSource(
		s.hostRunner, h, unix.POLLIN,
		func(count int) { s.onReadReadiness(rd, count) },
		func() {
			closeHandle(rd.handle)
			if rd.owned {
				rd.buf = nil // release the owned buffer
			}
		},
		s.logger,
	)
	if err != nil {
		return err
	}
	src.setRunnerLostHook(s.runnerLost)
	rd.src = src
	s.reader.Store(rd)
	src.resume()
	return nil
}

// cancelWriteSource detaches and cancels the write source. The swap
// nominates exactly one winner among concurrent cancel attempts; a
// loser returns false and leaves teardown to the winner.
func (s *Stream) cancelWriteSource() bool {
	w := s.writer.Load()
	if !s.writer.CompareAndSwap(w, nil) {
		return false
	}
	if w == nil {
		return true
	}
	w.src.cancel()
	return true
}

// cancelReadSource is the read-side twin of cancelWriteSource.
func (s *Stream) cancelReadSource() bool {
	rd := s.reader.Load()
	if !s.reader.CompareAndSwap(rd, nil) {
		return false
	}
	if rd == nil {
		return true
	}
	rd.src.cancel()
	return true
}

// onWriteReadiness handles write readiness according to the current
// state: connect completion while connecting, flushing while
// connected, nothing otherwise. Runs on the runner.
func (s *Stream) onWriteReadiness(w *writeContext) {
	switch s.state.Load() {
	case stateConnecting:
		s.processConnectEvent(w)
	case stateConnected:
		s.processWriteEvent(w)
	}
}

// processConnectEvent resolves a pending connect: it consults SO_ERROR
// and either promotes the stream to connected, creating the read
// source on a duplicated descriptor, or tears down and reports the
// failure.
func (s *Stream) processConnectEvent(w *writeContext) {
	w.src.suspend()
	err := connectOutcome(w.handle)
	if err == nil {
		var rh Handle
		// must dup: the read source needs its own descriptor
		if rh, err = dupHandle(w.handle); err == nil {
			if err = s.createReadSource(rh); err != nil {
				closeHandle(rh)
			}
		}
	}
	if err != nil {
		s.cancelWriteSource()
		s.state.Store(stateDisconnected)
		s.logger.Info(
			"streamConnectFailed",
			slog.Any("err", err),
			slog.String("errClass", s.errClassifier.Classify(err)),
			slog.String("remoteAddr", s.remote.String()),
			slog.String("spanID", s.span),
			slog.Time("t", s.timeNow()),
		)
		s.emitEvent(EventFailure, err)
		return
	}
	if !s.state.CompareAndSwap(stateConnecting, stateConnected) {
		// A concurrent Disconnect won; release the read source we
		// just created.
		s.cancelReadSource()
		return
	}
	s.logger.Info(
		"streamConnected",
		slog.String("remoteAddr", s.remote.String()),
		slog.String("spanID", s.span),
		slog.Time("t", s.timeNow()),
	)
	s.emitEvent(EventConnected, nil)
}

// processWriteEvent flushes as much of the in-flight write as the
// kernel accepts; on completion it suspends the source, clears the
// busy flag, and reports OnWrite.
func (s *Stream) processWriteEvent(w *writeContext) {
	if !s.wrBusy.Load() {
		w.src.suspend() // spurious readiness, nothing to flush
		return
	}
	n, err := unix.Write(int(w.handle), s.wrData[s.wrPos:])
	if err == unix.EAGAIN || err == unix.EINTR {
		return
	}
	if err != nil {
		w.src.suspend()
		s.wrBusy.Store(false)
		sockErr := &SocketError{Op: "write", Err: err}
		s.logger.Info(
			"streamWriteFailed",
			slog.Any("err", err),
			slog.String("errClass", s.errClassifier.Classify(sockErr)),
			slog.String("spanID", s.span),
		)
		s.emitEvent(EventFailure, sockErr)
		s.processDisconnectEvent()
		return
	}
	s.wrPos += n
	s.logger.Debug(
		"streamWrite",
		slog.Int("count", n),
		slog.Int("pos", s.wrPos),
		slog.String("spanID", s.span),
	)
	if s.wrPos >= len(s.wrData) {
		w.src.suspend()
		data := s.wrData
		s.wrData = nil
		s.wrBusy.Store(false)
		s.safeOnWrite(data)
	}
}

// onReadReadiness handles read readiness: a zero count is peer
// disconnect; otherwise read into the buffer and deliver. Runs on the
// runner.
func (s *Stream) onReadReadiness(rd *readContext, count int) {
	if count == 0 {
		s.processDisconnectEvent()
		return
	}
	n, err := unix.Read(int(rd.handle), rd.buf)
	if err == unix.EAGAIN || err == unix.EINTR {
		return
	}
	if err != nil {
		s.emitEvent(EventFailure, &SocketError{Op: "read", Err: err})
		s.processDisconnectEvent()
		return
	}
	if n == 0 {
		s.processDisconnectEvent()
		return
	}
	s.logger.Debug(
		"streamRead",
		slog.Int("count", n),
		slog.String("spanID", s.span),
	)
	view := rd.buf[:n]
	s.safeOnRead(&view)
	if len(view) > 0 && unsafe.SliceData(view) != unsafe.SliceData(rd.buf) {
		// The callback installed a replacement buffer: release ours
		// and adopt the new one, its length being the new capacity.
		rd.buf = view
		rd.owned = false
	}
}

// processDisconnectEvent handles peer EOF. The compare-and-swap
// guarantees exactly-once delivery of the disconnected event, also
// against a racing local Disconnect.
func (s *Stream) processDisconnectEvent() {
	if !s.state.CompareAndSwap(stateConnected, stateDisconnected) {
		return
	}
	s.cancelWriteSource()
	s.cancelReadSource()
	s.logger.Info(
		"streamDisconnected",
		slog.String("spanID", s.span),
		slog.Time("t", s.timeNow()),
	)
	s.emitEvent(EventDisconnected, nil)
}

// runnerLost runs, off the runner, when an event source found the
// runner closed and had to tear itself down. The reporting source has
// already closed its handle; cancelling the other source here releases
// its own. Report the condition and finalize the state.
func (s *Stream) runnerLost() {
	for {
		st := s.state.Load()
		if st == stateDisconnected {
			return
		}
		if s.state.CompareAndSwap(st, stateDisconnected) {
			break
		}
	}
	s.cancelReadSource()
	s.cancelWriteSource()
	s.emitEvent(EventFailure, ErrRunnerNotAvailable)
}

// emitEvent invokes OnEvent inline, shielding the caller from panics.
func (s *Stream) emitEvent(event StreamEvent, err error) {
	if s.cb == nil {
		return
	}
	defer func() {
		if v := recover(); v != nil {
			s.logger.Info(
				"streamCallbackPanicRecovered",
				slog.Any("panic", v),
				slog.String("spanID", s.span),
			)
		}
	}()
	s.cb.OnEvent(event, err)
}

// postEvent delivers OnEvent through the runner, preserving callback
// serialization when the caller is not on the runner; falls back to
// inline delivery when the runner is gone.
func (s *Stream) postEvent(event StreamEvent, err error) {
	if postErr := s.hostRunner.Post(func() { s.emitEvent(event, err) }); postErr != nil {
		s.emitEvent(event, err)
	}
}

// safeOnRead invokes OnRead, shielding the dispatch loop from panics.
func (s *Stream) safeOnRead(buf *[]byte) {
	defer func() {
		if v := recover(); v != nil {
			s.logger.Info(
				"streamCallbackPanicRecovered",
				slog.Any("panic", v),
				slog.String("spanID", s.span),
			)
		}
	}()
	if s.cb != nil {
		s.cb.OnRead(buf)
	}
}

// safeOnWrite invokes OnWrite, shielding the dispatch loop from panics.
func (s *Stream) safeOnWrite(data []byte) {
	defer func() {
		if v := recover(); v != nil {
			s.logger.Info(
				"streamCallbackPanicRecovered",
				slog.Any("panic", v),
				slog.String("spanID", s.span),
			)
		}
	}()
	if s.cb != nil {
		s.cb.OnWrite(data)
	}
}
