// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cpu implements the portable pure-Go kernelkit backend.
//
// It compiles cpu.Func kernel definitions (plain Go functions run once per
// grid cell) and executes launches on a worker pool. It is the reference
// collaborator for the dispatcher and the backend used by the test suite; it
// makes no performance claims.
//
// The backend config string is the number of virtual devices, e.g. "cpu:2"
// gives two devices. Virtual devices all execute on the host; they exist so
// multi-device dispatch (one cache table per device) can be exercised without
// accelerator hardware.
package cpu

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/gomlx/kernelkit/backends"
	"github.com/gomlx/kernelkit/internal/workerspool"
	"github.com/gomlx/kernelkit/kernels"
	"github.com/pkg/errors"
)

// BackendName to be used in KERNELKIT_BACKEND to specify this backend.
const BackendName = "cpu"

func init() {
	backends.Register(BackendName, New)
}

// Backend implements backends.Backend and backends.Benchmarker.
type Backend struct {
	numDevices backends.DeviceNum
	pool       *workerspool.Pool

	compileCount atomic.Int64
	launchCount  atomic.Int64
	finalized    atomic.Bool
}

// Compile-time check of the interfaces implemented by cpu.Backend.
var (
	_ backends.Backend     = &Backend{}
	_ backends.Benchmarker = &Backend{}
)

// New constructs a cpu Backend. config is the number of virtual devices
// (default 1).
func New(config string) (backends.Backend, error) {
	numDevices := 1
	if config != "" {
		var err error
		numDevices, err = strconv.Atoi(config)
		if err != nil {
			return nil, errors.Wrapf(err, "backend %q: config must be the number of virtual devices, got %q",
				BackendName, config)
		}
		if numDevices < 1 {
			return nil, errors.Errorf("backend %q: at least 1 device required, got %d", BackendName, numDevices)
		}
	}
	return &Backend{
		numDevices: backends.DeviceNum(numDevices),
		pool:       workerspool.New(),
	}, nil
}

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// String implements backends.Backend.
func (b *Backend) String() string {
	return fmt.Sprintf("%s (%d devices)", BackendName, b.numDevices)
}

// Description is a longer description of the backend.
func (b *Backend) Description() string {
	return "Portable pure-Go kernel executor"
}

// NumDevices returns the number of virtual devices.
func (b *Backend) NumDevices() backends.DeviceNum { return b.numDevices }

// Compile builds an executable for a cpu.Func definition with the given
// constants baked in.
//
// The dispatcher calls it with the compilation lock held; there is no
// internal synchronization.
func (b *Backend) Compile(kernel *kernels.Kernel, constants kernels.Constants) (backends.Executable, error) {
	if b.finalized.Load() {
		return nil, errors.Errorf("backend %q already finalized", BackendName)
	}
	def := kernel.Definition()
	fn, ok := def.(Func)
	if !ok {
		if plain, okPlain := def.(func(p *Program)); okPlain {
			fn = plain
		} else {
			return nil, errors.Errorf("backend %q can only compile cpu.Func definitions, kernel %q has %T",
				BackendName, kernel.Name(), def)
		}
	}
	if fn == nil {
		return nil, errors.Errorf("backend %q: kernel %q has a nil definition", BackendName, kernel.Name())
	}
	var runtimeParams []kernels.Param
	for _, p := range kernel.Params() {
		if p.Role != kernels.RoleConstant {
			runtimeParams = append(runtimeParams, p)
		}
	}
	b.compileCount.Add(1)
	return &executable{
		backend:       b,
		kernel:        kernel.Name(),
		fn:            fn,
		constants:     constants,
		runtimeParams: runtimeParams,
	}, nil
}

// CompileCount returns how many times Compile ran. Used to assert
// single-flight compilation in tests.
func (b *Backend) CompileCount() int64 { return b.compileCount.Load() }

// LaunchCount returns how many launches ran, including benchmark iterations.
func (b *Backend) LaunchCount() int64 { return b.launchCount.Load() }

// Finalize releases the backend; subsequent Compile and Launch calls fail.
func (b *Backend) Finalize() {
	b.finalized.Store(true)
}
