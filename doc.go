// SPDX-License-Identifier: GPL-3.0-or-later

// Package runq is a small runtime for composing strongly-typed
// asynchronous tasks and attaching non-blocking TCP event sources.
//
// # Runners
//
// The basic execution primitive is the [Runner]: a named execution
// context backed by a FIFO queue drained by a single goroutine. Work
// submitted with [Runner.Post] executes strictly in submission order
// and no two callables posted to the same runner ever overlap. An
// application creates as many runners as it needs; distinct runners
// execute in parallel, a single runner never does.
//
// Runners are also where I/O lands: every event-source callback is
// delivered through [Runner.Post], so handler code sees the same
// serial-execution guarantees as task callables.
//
// # Tasks
//
// A [Task] is an immutable, compile-time-typed descriptor of a unit
// of work. Simple tasks wrap a user callable bound to a runner (see
// [NewTask]). Larger tasks are built from smaller ones with
// combinators, and the compiler verifies that outputs match inputs
// across pipeline stages:
//
//   - [Sequential2] through [Sequential8]: run stages in order, each
//     on its own runner, threading the result through the chain
//   - [Parallel2] through [Parallel4]: run children concurrently on
//     their runners and gather a fixed-arity tuple of results
//   - [IfThenElse] and [IfThen]: branch on a boolean predicate task
//   - [Repeat]: run a body task a computed number of times
//   - [Intercept]: catch errors from a body task with typed handlers
//
// [Unit] is the explicit void type: a stage that produces no value
// produces Unit, and a parallel tuple keeps a Unit in the slot where
// a void stage's result would otherwise sit, so the tuple arity stays
// fixed.
//
// [Run] schedules a task tree and returns a [Promise] for its final
// result. Execution is cooperative: each stage runs to completion on
// its target runner, and the in-flight work migrates between runners
// at stage boundaries. Errors returned by a stage abort the remaining
// stages and surface from [Promise.Await], unless an enclosing
// [Intercept] handles them first.
//
// # TCP event sources
//
// [Server] is a listening socket whose readable events are dispatched
// on a runner; its callback decides per accepted connection whether
// to take ownership of the handle. [Stream] is a connecting or
// connected socket with paired read and write event sources, a
// four-state lifecycle (disconnected, connecting, connected,
// disconnecting), and single-writer discipline enforced with atomics.
// Both are built on poll(2) readiness watchers. A stream's read source
// holds a descriptor duplicated from the socket its write source
// watches, so read-side and write-side bookkeeping stay independent.
//
// There is no task-level cancellation. Closing a runner discards its
// pending work, and I/O teardown flows through [Stream.Disconnect],
// [Stream.Shutdown], and [Server.Shutdown], which are idempotent and
// release handles and buffers exactly once.
//
// # Observability
//
// All primitives support structured logging via [SLogger] (compatible
// with [log/slog]). By default logging is disabled. Lifecycle events
// (listen, accept, connect, disconnect, teardown) are emitted at Info;
// per-I/O events (readiness, read, write, frame entry) at Debug. Error
// classification for structured logs is configurable via
// [ErrClassifier] and defaults to github.com/bassosimone/errclass.
//
// Use [NewSpanID] to generate a unique, time-ordered identifier
// (UUIDv7) and attach it to the logger with [*log/slog.Logger.With] to
// correlate all events of one connection or one task run.
//
// # Errors
//
// Failures during construction of I/O objects are returned immediately
// and leave no partial registration behind: any socket opened so far
// is closed. Failures during the asynchronous lifecycle are reported
// through the stream callback as [EventFailure] and drive the state
// machine to disconnected. A panic escaping a user callback is
// swallowed (and logged) to protect the runner's dispatch loop; this
// is a deliberate isolation boundary.
package runq
