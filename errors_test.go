// SPDX-License-Identifier: GPL-3.0-or-later

package runq

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSocketError(t *testing.T) {
	inner := errors.New("EADDRINUSE")
	err := &SocketError{Op: "bind", Err: inner}

	assert.Equal(t, "runq: socket failure: bind: EADDRINUSE", err.Error())
	require.ErrorIs(t, err, ErrSocketFailure)
	require.ErrorIs(t, err, inner)

	var sockErr *SocketError
	require.ErrorAs(t, error(err), &sockErr)
	assert.Equal(t, "bind", sockErr.Op)
}
