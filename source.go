// SPDX-License-Identifier: GPL-3.0-or-later

//go:build unix

package runq

import (
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
)

// eventSource watches one descriptor for readiness and delivers events
// through a runner. This is the binding that exposes a runner's serial
// queue to the OS readiness primitive: the event handler and the
// cancel handler always execute via [Runner.Post], so they see the
// same serial-execution guarantees as task callables.
//
// A source is created suspended. resume arms it, suspend disarms it,
// and cancel tears it down exactly once: the watch goroutine exits and
// the cancel handler runs, closing the descriptor and releasing
// per-source state. After cancel the source never fires again.
//
// The watcher is a poll(2) loop over the watched descriptor plus a
// self-pipe; suspend, resume, and cancel write a byte to the pipe so
// an in-flight poll re-examines the control flags. The loop delivers
// one event at a time and waits for the handler to finish before
// polling again, because readiness is level-triggered.
type eventSource struct {
	// handle is the watched descriptor. The cancel handler owns
	// closing it.
	handle Handle

	// events is the poll interest set: POLLIN or POLLOUT.
	events int16

	// hostRunner is where handlers are delivered.
	hostRunner *Runner

	// logger is the SLogger to use.
	logger SLogger

	// onEvent handles readiness. For read interest the argument is the
	// number of buffered bytes, with zero meaning peer disconnect; for
	// write interest it is always zero.
	onEvent func(count int)

	// onCancel releases the descriptor and per-source state. It runs
	// on the runner, or inline on the watch goroutine when the runner
	// is gone.
	onCancel func()

	// onRunnerLost, when set via setRunnerLostHook, is invoked once,
	// after teardown, if the source had to cancel itself because the
	// runner went away. Guarded by mu.
	onRunnerLost func()

	// mu protects the control flags below.
	mu sync.Mutex

	// cond wakes the watch goroutine when the flags change.
	cond *sync.Cond

	// suspended gates delivery; set at construction.
	suspended bool

	// cancelled is the point of no return; set at most once.
	cancelled bool

	// cancelOnce guarantees the cancel handler runs exactly once even
	// when runner death makes teardown race with a queued handler.
	cancelOnce sync.Once

	// runnerLost records why the source cancelled itself.
	runnerLost bool

	// wakeR, wakeW are the self-pipe ends.
	wakeR, wakeW int
}

// newEventSource creates a suspended event source for h hosted on r.
func newEventSource(r *Runner, h Handle, events int16,
	onEvent func(int), onCancel func(), logger SLogger) (*eventSource, error) {
	if r == nil || !r.alive() {
		return nil, ErrRunnerNotAvailable
	}
	var pipe [2]int
	if err := unix.Pipe(pipe[:]); err != nil {
		return nil, &SocketError{Op: "pipe", Err: err}
	}
	for _, fd := range pipe {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(pipe[0])
			unix.Close(pipe[1])
			return nil, &SocketError{Op: "setnonblock", Err: err}
		}
	}
	src := &eventSource{
		handle:     h,
		events:     events,
		hostRunner: r,
		logger:     logger,
		onEvent:    onEvent,
		onCancel:   onCancel,
		suspended:  true,
		wakeR:      pipe[0],
		wakeW:      pipe[1],
	}
	src.cond = sync.NewCond(&src.mu)
	go src.watch()
	return src, nil
}

// setRunnerLostHook installs the runner-loss notification callback.
func (s *eventSource) setRunnerLostHook(fn func()) {
	s.mu.Lock()
	s.onRunnerLost = fn
	s.mu.Unlock()
}

// resume arms the source. Events may be delivered after resume
// returns. Resuming a cancelled source is a no-op.
func (s *eventSource) resume() {
	s.mu.Lock()
	if !s.cancelled && s.suspended {
		s.suspended = false
		s.cond.Signal()
	}
	s.mu.Unlock()
	s.wake()
}

// suspend disarms the source. An event already handed to the runner
// may still be delivered; no further events follow until resume.
func (s *eventSource) suspend() {
	s.mu.Lock()
	s.suspended = true
	s.mu.Unlock()
	s.wake()
}

// cancel tears the source down. Idempotent; safe from any goroutine,
// including from within the source's own event handler.
func (s *eventSource) cancel() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	s.cond.Signal()
	s.mu.Unlock()
	s.wake()
}

// wake pokes the self-pipe so an in-flight poll returns. A full pipe
// means a wakeup is already pending, so the write error is ignored.
func (s *eventSource) wake() {
	_, _ = unix.Write(s.wakeW, []byte{0})
}

// drainWake empties the self-pipe.
func (s *eventSource) drainWake() {
	var buf [16]byte
	for {
		if _, err := unix.Read(s.wakeR, buf[:]); err != nil {
			return
		}
	}
}

// watch is the poll loop. It runs on a dedicated goroutine from
// construction until cancellation.
func (s *eventSource) watch() {
	for {
		s.mu.Lock()
		for s.suspended && !s.cancelled {
			s.cond.Wait()
		}
		cancelled := s.cancelled
		s.mu.Unlock()
		if cancelled {
			break
		}

		fds := []unix.PollFd{
			{Fd: int32(s.handle), Events: s.events},
			{Fd: int32(s.wakeR), Events: unix.POLLIN},
		}
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			s.logger.Info("sourcePollFailed", slog.Any("err", err))
			s.mu.Lock()
			s.cancelled = true
			s.mu.Unlock()
			break
		}
		if fds[1].Revents != 0 {
			s.drainWake()
			continue // control flags changed; re-examine them
		}
		revents := fds[0].Revents
		if revents == 0 {
			continue
		}
		count := 0
		if s.events == unix.POLLIN {
			count = readableCount(s.handle)
		}
		s.logger.Debug(
			"sourceReady",
			slog.Int("count", count),
			slog.Int("revents", int(revents)),
		)
		if !s.deliver(count) {
			break // runner gone
		}
	}
	s.teardown()
}

// deliver posts one event to the runner and waits for the handler to
// finish. Returns false when the runner has been closed, in which case
// the source marks itself cancelled.
func (s *eventSource) deliver(count int) bool {
	done := make(chan struct{})
	err := s.hostRunner.Post(func() {
		defer close(done)
		s.onEvent(count)
	})
	if err == nil {
		select {
		case <-done:
			return true
		case <-s.hostRunner.done:
			// fall through: the handler was dropped, or is finishing
			// while the runner shuts down
		}
	}
	s.mu.Lock()
	s.cancelled = true
	s.runnerLost = true
	s.mu.Unlock()
	return false
}

// runCancel invokes the cancel handler exactly once.
func (s *eventSource) runCancel() {
	s.cancelOnce.Do(s.onCancel)
}

// teardown closes the self-pipe and runs the cancel handler, on the
// runner when possible and inline otherwise, then reports runner loss.
func (s *eventSource) teardown() {
	unix.Close(s.wakeR)
	unix.Close(s.wakeW)
	done := make(chan struct{})
	err := s.hostRunner.Post(func() {
		defer close(done)
		s.runCancel()
	})
	if err == nil {
		select {
		case <-done:
		case <-s.hostRunner.done:
			s.markRunnerLost()
			s.runCancel()
		}
	} else {
		s.markRunnerLost()
		s.runCancel()
	}
	s.mu.Lock()
	lost := s.runnerLost
	hook := s.onRunnerLost
	s.mu.Unlock()
	if lost && hook != nil {
		hook()
	}
}

// markRunnerLost records that teardown happened because the runner
// went away.
func (s *eventSource) markRunnerLost() {
	s.mu.Lock()
	s.runnerLost = true
	s.mu.Unlock()
}
