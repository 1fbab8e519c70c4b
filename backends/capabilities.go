// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"time"

	"github.com/gomlx/kernelkit/kernels"
)

// Benchmarker is an optional Backend capability: backends that can time a
// launch natively (hardware timers, event queues) implement it, and the
// dispatcher uses it to benchmark autotuner candidates.
//
// Backends without it are timed by the dispatcher with a portable wall-clock
// loop.
type Benchmarker interface {
	// BenchmarkLaunch runs warmupIters un-timed launches of exec followed by
	// benchIters timed ones and returns the minimum observed latency.
	BenchmarkLaunch(exec Executable, device DeviceNum, grid kernels.Grid, args []any,
		warmupIters, benchIters int) (time.Duration, error)
}
