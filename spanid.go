// SPDX-License-Identifier: GPL-3.0-or-later

package runq

import (
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// NewSpanID returns a UUIDv7 representing a span.
//
// A span is a sequence of operations that can fail in a single,
// specific way. For example, the lifetime of one stream connection or
// one task run.
//
// We recommend using a span ID for uniquely identifying spans. Each
// [Runner], [Server], and [Stream] generates one at construction and
// attaches it to the log events it emits.
//
// The span terminology is borrowed from OTel.
//
// This function panics if the system random number generator fails,
// which should only happen under extraordinary circumstances.
func NewSpanID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}
