// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"github.com/gomlx/kernelkit/kernels"
)

// Executable is the API for compiled kernel variants ready to launch.
//
// Executables are immutable and safe for concurrent Launch calls; the
// dispatcher caches them per specialization key and reuses them for the
// process lifetime.
type Executable interface {
	// Kernel returns the identity of the kernel this executable was compiled
	// from.
	Kernel() string

	// Constants returns the compile-time constants baked into this variant.
	// Callers must not modify the returned map.
	Constants() kernels.Constants

	// Launch runs the executable over the given grid on the given device.
	// args are the non-constant arguments (specializing and runtime-only),
	// in declaration order; compile-time constants are already baked in and
	// must not be passed.
	Launch(device DeviceNum, grid kernels.Grid, args []any) error

	// Finalize immediately frees resources associated with the executable.
	Finalize()
}
