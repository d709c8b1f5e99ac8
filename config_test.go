// SPDX-License-Identifier: GPL-3.0-or-later

package runq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	cfg := NewConfig()

	require.NotNil(t, cfg.ErrClassifier)
	require.NotNil(t, cfg.TimeNow)
	assert.Equal(t, 10, cfg.Backlog)
	assert.False(t, cfg.TimeNow().IsZero())
}
