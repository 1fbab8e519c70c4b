// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/kernelkit/backends"
	"github.com/gomlx/kernelkit/kernels"
	"github.com/pkg/errors"
)

// executable is a compiled cpu kernel variant: the Func plus its baked
// constants and the runtime parameter list used to validate launches.
type executable struct {
	backend       *Backend
	kernel        string
	fn            Func
	constants     kernels.Constants
	runtimeParams []kernels.Param
	finalized     atomic.Bool
}

var _ backends.Executable = &executable{}

// Kernel returns the kernel identity this executable was compiled from.
func (e *executable) Kernel() string { return e.kernel }

// Constants returns the baked compile-time constants.
func (e *executable) Constants() kernels.Constants { return e.constants }

// Finalize implements backends.Executable.
func (e *executable) Finalize() {
	e.finalized.Store(true)
}

// Launch runs the kernel over the grid, fanning cells out on the backend's
// worker pool. It returns the first error of any cell; remaining cells of
// the same launch may still run.
func (e *executable) Launch(device backends.DeviceNum, grid kernels.Grid, args []any) error {
	if e.finalized.Load() {
		return errors.Errorf("kernel %q: executable already finalized", e.kernel)
	}
	if e.backend.finalized.Load() {
		return errors.Errorf("kernel %q: backend already finalized", e.kernel)
	}
	if device < 0 || device >= e.backend.numDevices {
		return errors.Errorf("kernel %q: device %d out of range, backend has %d device(s)",
			e.kernel, device, e.backend.numDevices)
	}
	if len(args) != len(e.runtimeParams) {
		return errors.Errorf("kernel %q: launch got %d runtime arguments, kernel declares %d (%v)",
			e.kernel, len(args), len(e.runtimeParams), e.runtimeParamNames())
	}
	cells := grid.Size()
	if grid.X <= 0 || grid.Y <= 0 || grid.Z <= 0 {
		return errors.Errorf("kernel %q: invalid grid %s", e.kernel, grid)
	}
	e.backend.launchCount.Add(1)

	numWorkers := e.backend.pool.MaxParallelism()
	if numWorkers < 0 {
		numWorkers = runtime.NumCPU()
	}
	if numWorkers > cells {
		numWorkers = cells
	}
	if numWorkers <= 1 {
		return e.runCells(grid, args, 0, cells)
	}

	// Split the flattened grid into one contiguous range per worker.
	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	chunk := (cells + numWorkers - 1) / numWorkers
	for start := 0; start < cells; start += chunk {
		end := start + chunk
		if end > cells {
			end = cells
		}
		wg.Add(1)
		e.backend.pool.WaitToStart(func() {
			defer wg.Done()
			if err := e.runCells(grid, args, start, end); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
		})
	}
	wg.Wait()
	return firstErr
}

// runCells executes the flattened cell range [start, end), converting a
// kernel panic into an error.
func (e *executable) runCells(grid kernels.Grid, args []any, start, end int) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if rErr, ok := r.(error); ok {
			err = errors.WithMessagef(rErr, "kernel %q panicked", e.kernel)
		} else {
			err = errors.Errorf("kernel %q panicked: %v", e.kernel, r)
		}
	}()
	for cell := start; cell < end; cell++ {
		p := &Program{
			pid: [3]int{
				cell % grid.X,
				(cell / grid.X) % grid.Y,
				cell / (grid.X * grid.Y),
			},
			grid:      grid,
			args:      args,
			constants: e.constants,
		}
		e.fn(p)
	}
	return nil
}

func (e *executable) runtimeParamNames() []string {
	names := make([]string, len(e.runtimeParams))
	for i, p := range e.runtimeParams {
		names[i] = p.Name
	}
	return names
}

// BenchmarkLaunch implements backends.Benchmarker with a monotonic wall-clock
// loop: warmupIters un-timed launches, then benchIters timed ones, reporting
// the minimum latency.
func (b *Backend) BenchmarkLaunch(exec backends.Executable, device backends.DeviceNum,
	grid kernels.Grid, args []any, warmupIters, benchIters int) (time.Duration, error) {
	if benchIters <= 0 {
		return 0, errors.Errorf("benchmark of kernel %q needs at least 1 timed iteration, got %d",
			exec.Kernel(), benchIters)
	}
	for i := 0; i < warmupIters; i++ {
		if err := exec.Launch(device, grid, args); err != nil {
			return 0, errors.WithMessagef(err, "warmup iteration %d", i)
		}
	}
	best := time.Duration(-1)
	for i := 0; i < benchIters; i++ {
		startTime := time.Now()
		if err := exec.Launch(device, grid, args); err != nil {
			return 0, errors.WithMessagef(err, "benchmark iteration %d", i)
		}
		if elapsed := time.Since(startTime); best < 0 || elapsed < best {
			best = elapsed
		}
	}
	return best, nil
}
