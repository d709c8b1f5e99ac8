// SPDX-License-Identifier: GPL-3.0-or-later

package runq

// Unit is a type not containing any value (analogous to an
// explicit `void` type in C and C++).
//
// Use this type to construct a [Task] that takes no argument or
// returns no value. A parallel composition keeps a Unit in the tuple
// slot of each void-producing child, so the tuple arity stays fixed.
type Unit struct{}
