// SPDX-License-Identifier: GPL-3.0-or-later

package runq

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bassosimone/slogstub"
)

// logCapture accumulates the records emitted through the logger
// returned by newCapturingLogger. Safe for concurrent use: runners and
// watch goroutines log from their own goroutines.
type logCapture struct {
	mu      sync.Mutex
	records []slog.Record
}

// snapshot returns a copy of the captured records.
func (c *logCapture) snapshot() []slog.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]slog.Record(nil), c.records...)
}

// countMessage returns how many captured records carry the given message.
func (c *logCapture) countMessage(msg string) int {
	count := 0
	for _, record := range c.snapshot() {
		if record.Message == msg {
			count++
		}
	}
	return count
}

// newCapturingLogger returns a logger that captures all log records.
// The caller can inspect the capture after exercising the code under
// test to verify which events were emitted.
func newCapturingLogger() (*slog.Logger, *logCapture) {
	capture := &logCapture{}
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			capture.mu.Lock()
			capture.records = append(capture.records, record)
			capture.mu.Unlock()
			return nil
		},
	}
	return slog.New(handler), capture
}

// gateRunner blocks r's queue until the returned release function is
// called, making otherwise-racy orderings deterministic in tests.
func gateRunner(r *Runner) (release func()) {
	gate := make(chan struct{})
	_ = r.Post(func() { <-gate })
	return func() { close(gate) }
}
