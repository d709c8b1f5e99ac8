// SPDX-License-Identifier: GPL-3.0-or-later

package runq

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestUnit(t *testing.T) {
	// Unit must stay a zero-size marker usable in tuple slots.
	assert.Equal(t, uintptr(0), unsafe.Sizeof(Unit{}))
	assert.Equal(t, Unit{}, Unit{})
}
