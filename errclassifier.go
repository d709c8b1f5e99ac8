// SPDX-License-Identifier: GPL-3.0-or-later

package runq

import "github.com/bassosimone/errclass"

// ErrClassifier classifies errors into categorical strings for analysis.
//
// Implementations map errors to short, descriptive labels (e.g.,
// "ECONNREFUSED", "ECONNRESET") that facilitate systematic analysis of
// structured logs emitted by servers and streams.
type ErrClassifier interface {
	Classify(err error) string
}

// ErrClassifierFunc adapts a function to the [ErrClassifier] interface.
//
// This allows using simple functions as classifiers:
//
//	cfg.ErrClassifier = ErrClassifierFunc(func(error) string { return "" })
type ErrClassifierFunc func(error) string

var _ ErrClassifier = ErrClassifierFunc(nil)

// Classify implements [ErrClassifier].
func (f ErrClassifierFunc) Classify(err error) string {
	return f(err)
}

// DefaultErrClassifier classifies errors using errclass. This library
// logs errno-heavy socket events, so classification is on by default;
// replace it with a custom classifier to change or disable it.
var DefaultErrClassifier = ErrClassifierFunc(errclass.New)
