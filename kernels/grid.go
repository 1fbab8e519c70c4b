// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import "fmt"

// Grid is the resolved launch shape: how many parallel units execute the
// compiled artifact, always padded to rank 3.
type Grid struct {
	X, Y, Z int
}

// MakeGrid builds a Grid from up to 3 dimensions. Missing trailing dimensions
// default to 1; dimensions beyond the third are ignored.
func MakeGrid(dims ...int) Grid {
	g := Grid{X: 1, Y: 1, Z: 1}
	if len(dims) > 0 {
		g.X = dims[0]
	}
	if len(dims) > 1 {
		g.Y = dims[1]
	}
	if len(dims) > 2 {
		g.Z = dims[2]
	}
	return g
}

// Size returns the total number of grid cells, X*Y*Z.
func (g Grid) Size() int {
	return g.X * g.Y * g.Z
}

// String implements fmt.Stringer.
func (g Grid) String() string {
	return fmt.Sprintf("(%d, %d, %d)", g.X, g.Y, g.Z)
}

// GridFunc computes the launch grid dimensions for one call, given the merged
// named-argument view (arguments, keyword overrides and resolved constants,
// constants winning on conflict).
type GridFunc func(meta Meta) []int
