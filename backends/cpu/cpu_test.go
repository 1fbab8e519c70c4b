// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernelkit/buffers"
	"github.com/gomlx/kernelkit/kernels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T, config string) *Backend {
	backend, err := New(config)
	require.NoError(t, err)
	return backend.(*Backend)
}

// scaleKernel multiplies x by the constant SCALE into out, TILE elements per
// grid cell.
func scaleKernel() *kernels.Kernel {
	fn := Func(func(p *Program) {
		x := buffers.Flat[float32](p.Buffer(0))
		out := buffers.Flat[float32](p.Buffer(1))
		n := p.Int(2)
		tile := p.ConstInt("TILE")
		scale := float32(p.ConstFloat("SCALE"))
		for i := p.PID(0) * tile; i < min((p.PID(0)+1)*tile, n); i++ {
			out[i] = scale * x[i]
		}
	})
	return kernels.New("scale", fn).
		WithParams(
			kernels.Specialized("x"),
			kernels.Specialized("out"),
			kernels.Runtime("n"),
			kernels.Constant("TILE"),
			kernels.Constant("SCALE"),
		).
		WithGrid(4)
}

func TestNewConfigString(t *testing.T) {
	assert.EqualValues(t, 1, newTestBackend(t, "").NumDevices())
	assert.EqualValues(t, 3, newTestBackend(t, "3").NumDevices())

	_, err := New("many")
	require.Error(t, err)
	_, err = New("0")
	require.Error(t, err)
}

func TestCompileAndLaunch(t *testing.T) {
	backend := newTestBackend(t, "")
	constants := kernels.Constants{"TILE": 4, "SCALE": 2.0}
	exec, err := backend.Compile(scaleKernel(), constants)
	require.NoError(t, err)
	require.Equal(t, "scale", exec.Kernel())
	require.Equal(t, constants, exec.Constants())
	require.EqualValues(t, 1, backend.CompileCount())

	const n = 13
	x := buffers.New(dtypes.Float32, n)
	flatX := buffers.Flat[float32](x)
	for i := range flatX {
		flatX[i] = float32(i)
	}
	out := buffers.New(dtypes.Float32, n)
	require.NoError(t, exec.Launch(0, kernels.MakeGrid(4), []any{x, out, n}))
	for i, got := range buffers.Flat[float32](out) {
		assert.Equal(t, float32(2*i), got)
	}
}

func TestLaunchValidation(t *testing.T) {
	backend := newTestBackend(t, "2")
	exec, err := backend.Compile(scaleKernel(), kernels.Constants{"TILE": 4, "SCALE": 1.0})
	require.NoError(t, err)

	x := buffers.New(dtypes.Float32, 4)
	out := buffers.New(dtypes.Float32, 4)
	grid := kernels.MakeGrid(1)

	err = exec.Launch(0, grid, []any{x, out})
	require.ErrorContains(t, err, "runtime arguments")
	err = exec.Launch(2, grid, []any{x, out, 4})
	require.ErrorContains(t, err, "out of range")
	err = exec.Launch(0, kernels.Grid{X: 0, Y: 1, Z: 1}, []any{x, out, 4})
	require.ErrorContains(t, err, "invalid grid")

	exec.Finalize()
	err = exec.Launch(0, grid, []any{x, out, 4})
	require.ErrorContains(t, err, "finalized")
}

func TestCompileRejectsOtherDefinitions(t *testing.T) {
	backend := newTestBackend(t, "")
	k := kernels.New("notgo", "not a function").
		WithParams(kernels.Specialized("x")).
		WithGrid(1)
	_, err := backend.Compile(k, nil)
	require.ErrorContains(t, err, "can only compile cpu.Func")
}

func TestGridCoverage(t *testing.T) {
	backend := newTestBackend(t, "")
	grid := kernels.MakeGrid(4, 3, 2)
	var seen [24]atomic.Bool
	fn := Func(func(p *Program) {
		linear := p.PID(0) + p.PID(1)*p.NumPrograms(0) + p.PID(2)*p.NumPrograms(0)*p.NumPrograms(1)
		if seen[linear].Swap(true) {
			panic("cell executed twice")
		}
	})
	k := kernels.New("coverage", fn).
		WithParams(kernels.Runtime("unused")).
		WithGrid(4, 3, 2)
	exec, err := backend.Compile(k, nil)
	require.NoError(t, err)
	require.NoError(t, exec.Launch(0, grid, []any{0}))
	for i := range seen {
		assert.True(t, seen[i].Load(), "cell %d never executed", i)
	}
}

func TestKernelPanicBecomesError(t *testing.T) {
	backend := newTestBackend(t, "")
	fn := Func(func(p *Program) {
		panic("boom")
	})
	k := kernels.New("panicky", fn).WithParams(kernels.Runtime("x")).WithGrid(8)
	exec, err := backend.Compile(k, nil)
	require.NoError(t, err)
	err = exec.Launch(0, kernels.MakeGrid(8), []any{1})
	require.ErrorContains(t, err, "panicked")
}

func TestBenchmarkLaunch(t *testing.T) {
	backend := newTestBackend(t, "")
	exec, err := backend.Compile(scaleKernel(), kernels.Constants{"TILE": 4, "SCALE": 1.0})
	require.NoError(t, err)

	x := buffers.New(dtypes.Float32, 8)
	out := buffers.New(dtypes.Float32, 8)
	args := []any{x, out, 8}

	before := backend.LaunchCount()
	latency, err := backend.BenchmarkLaunch(exec, 0, kernels.MakeGrid(2), args, 3, 5)
	require.NoError(t, err)
	assert.Greater(t, latency, time.Duration(0))
	assert.EqualValues(t, 8, backend.LaunchCount()-before)

	_, err = backend.BenchmarkLaunch(exec, 0, kernels.MakeGrid(2), args, 0, 0)
	require.Error(t, err)
}

func TestProgramAccessors(t *testing.T) {
	p := &Program{
		pid:       [3]int{1, 2, 0},
		grid:      kernels.MakeGrid(4, 3, 2),
		args:      []any{buffers.New(dtypes.Float32, 2), int64(7), float32(1.5)},
		constants: kernels.Constants{"TILE": 64, "EVEN": true, "SCALE": 0.5},
	}
	assert.Equal(t, 1, p.PID(0))
	assert.Equal(t, 2, p.PID(1))
	assert.Equal(t, 3, p.NumPrograms(1))
	assert.Equal(t, 3, p.NumArgs())
	assert.Equal(t, 7, p.Int(1))
	assert.Equal(t, 1.5, p.Float(2))
	assert.Equal(t, 7.0, p.Float(1))
	assert.Equal(t, 64, p.ConstInt("TILE"))
	assert.True(t, p.ConstBool("EVEN"))
	assert.Equal(t, 0.5, p.ConstFloat("SCALE"))

	assert.Panics(t, func() { p.PID(3) })
	assert.Panics(t, func() { p.Arg(5) })
	assert.Panics(t, func() { p.Buffer(1) })
	assert.Panics(t, func() { p.Int(0) })
	assert.Panics(t, func() { p.ConstInt("absent") })
	assert.Panics(t, func() { p.ConstBool("TILE") })
}
