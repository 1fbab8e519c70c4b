// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernelkit/backends/cpu"
	"github.com/gomlx/kernelkit/buffers"
	"github.com/gomlx/kernelkit/kernels"
	"github.com/gomlx/kernelkit/tunedb"
	"github.com/gomlx/kernelkit/tuning"
	"github.com/gomlx/kernelkit/types/xsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fillKernel writes value into every element of out, one tile per grid
// cell. It branches on the output element type, the way a real kernel is
// specialized per dtype.
func fillKernel(name string) *kernels.Kernel {
	return kernels.New(name, func(p *cpu.Program) {
		out := p.Buffer(0)
		value := p.Float(1)
		n := p.Int(2)
		tile := p.ConstInt("TILE")
		for i := p.PID(0) * tile; i < (p.PID(0)+1)*tile && i < n; i++ {
			if out.DType() == dtypes.Float64 {
				buffers.Flat[float64](out)[i] = value
			} else {
				buffers.Flat[float32](out)[i] = float32(value)
			}
		}
	}).
		WithParams(
			kernels.Specialized("out"),
			kernels.Runtime("value"),
			kernels.Runtime("n"),
			kernels.Constant("TILE").WithDefault(8),
		).
		WithGridFunc(func(meta kernels.Meta) []int {
			return []int{kernels.CeilDiv(meta.Int("n"), meta.Int("TILE"))}
		})
}

func TestDispatchCachesByKey(t *testing.T) {
	backend := newBackend(t, "")
	ctx := NewContext(backend)
	defer ctx.Finalize()
	d := New(ctx, fillKernel("fill"))

	out, _ := alignedViews(t, 16)
	first, err := d.Dispatch(out, 2.5, 16)
	require.NoError(t, err)
	assert.EqualValues(t, 1, backend.CompileCount())
	for _, v := range buffers.Flat[float32](out)[:16] {
		assert.Equal(t, float32(2.5), v)
	}

	// Same specialization: runtime values changed, key unchanged.
	again, err := d.Dispatch(out, 7.0, 13)
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.EqualValues(t, 1, backend.CompileCount())
	got := buffers.Flat[float32](out)
	assert.Equal(t, float32(7), got[12])
	assert.Equal(t, float32(2.5), got[13], "second launch covered only 13 elements")

	// A different element type is a different variant.
	out64 := buffers.New(dtypes.Float64, 16)
	entry64, err := d.Dispatch(out64, 1.5, 16)
	require.NoError(t, err)
	assert.NotSame(t, first, entry64)
	assert.EqualValues(t, 2, backend.CompileCount())
	assert.Equal(t, 2, ctx.CacheSize())
	assert.Equal(t, 1.5, buffers.Flat[float64](out64)[15])
}

func TestConstantsSplitTheCache(t *testing.T) {
	backend := newBackend(t, "")
	ctx := NewContext(backend)
	defer ctx.Finalize()
	d := New(ctx, fillKernel("fill_tiles"))
	out, _ := alignedViews(t, 32)

	entry8, err := d.Dispatch(out, 1.0, 32)
	require.NoError(t, err)
	entry4, err := d.DispatchWith(map[string]any{"TILE": 4}, out, 1.0, 32)
	require.NoError(t, err)
	assert.NotSame(t, entry8, entry4)
	assert.EqualValues(t, 2, backend.CompileCount())
	assert.Equal(t, 8, entry8.Constants["TILE"])
	assert.Equal(t, 4, entry4.Constants["TILE"])

	// Both variants stay cached.
	_, err = d.Dispatch(out, 1.0, 32)
	require.NoError(t, err)
	_, err = d.DispatchWith(map[string]any{"TILE": 4}, out, 1.0, 32)
	require.NoError(t, err)
	assert.EqualValues(t, 2, backend.CompileCount())
}

func TestConcurrentDispatchCompilesOnce(t *testing.T) {
	backend := newBackend(t, "")
	ctx := NewContext(backend)
	defer ctx.Finalize()
	d := New(ctx, fillKernel("fill_concurrent"))

	const numCallers = 8
	var (
		start   = xsync.NewLatch()
		wg      sync.WaitGroup
		entries [numCallers]*Entry
		errs    [numCallers]error
	)
	wg.Add(numCallers)
	for caller := 0; caller < numCallers; caller++ {
		// One output per caller, all 16-byte aligned so every call maps to
		// the same specialization key.
		out, _ := alignedViews(t, 16)
		go func(caller int, out *buffers.Buffer) {
			defer wg.Done()
			start.Wait()
			entries[caller], errs[caller] = d.Dispatch(out, 3.0, 16)
		}(caller, out)
	}
	start.Trigger()
	wg.Wait()

	for caller := 0; caller < numCallers; caller++ {
		require.NoError(t, errs[caller])
		assert.Same(t, entries[0], entries[caller])
	}
	assert.EqualValues(t, 1, backend.CompileCount(), "all callers must share one compilation")
	assert.EqualValues(t, numCallers, backend.LaunchCount())
}

func TestGridFunctionCellCount(t *testing.T) {
	backend := newBackend(t, "")
	ctx := NewContext(backend)
	defer ctx.Finalize()

	var cells, programs atomic.Int64
	kernel := kernels.New("count_cells", func(p *cpu.Program) {
		cells.Add(1)
		programs.Store(int64(p.NumPrograms(0)))
	}).
		WithParams(kernels.Runtime("n"), kernels.Constant("TILE").WithDefault(4)).
		WithGridFunc(func(meta kernels.Meta) []int {
			return []int{kernels.CeilDiv(meta.Int("n"), meta.Int("TILE"))}
		})
	_, err := New(ctx, kernel).Dispatch(13)
	require.NoError(t, err)
	assert.EqualValues(t, 4, cells.Load(), "ceil(13/4) grid cells")
	assert.EqualValues(t, 4, programs.Load())
}

func TestHeuristicsResolveConstants(t *testing.T) {
	backend := newBackend(t, "")
	ctx := NewContext(backend)
	defer ctx.Finalize()

	kernel := kernels.New("pad_pow2", func(p *cpu.Program) {
		out := buffers.Flat[float32](p.Buffer(0))
		n := p.Int(1)
		block := p.ConstInt("BLOCK")
		for i := p.PID(0) * block; i < (p.PID(0)+1)*block && i < n; i++ {
			out[i] = 1
		}
	}).
		WithParams(kernels.Specialized("out"), kernels.Runtime("n")).
		WithGridFunc(func(meta kernels.Meta) []int {
			return []int{kernels.CeilDiv(meta.Int("n"), meta.Int("BLOCK"))}
		}).
		WithStages(kernels.NewHeuristics(kernels.Heuristic{
			Name: "BLOCK",
			Fn:   func(meta kernels.Meta) any { return kernels.NextPowerOfTwo(meta.Int("n")) },
		}))

	out, _ := alignedViews(t, 16)
	entry, err := New(ctx, kernel).Dispatch(out, 13)
	require.NoError(t, err)
	assert.Equal(t, 16, entry.Constants["BLOCK"])
	assert.Equal(t, kernels.DefaultWarps, entry.Constants[kernels.ConstNumWarps])
	got := buffers.Flat[float32](out)
	for i := 0; i < 13; i++ {
		assert.Equal(t, float32(1), got[i])
	}
	for i := 13; i < 16; i++ {
		assert.Equal(t, float32(0), got[i])
	}
}

// addScaled computes out[i] = scale*(a[i]+b[i]), one TILE-sized slab per
// grid cell.
func addScaled(p *cpu.Program) {
	a := buffers.Flat[float32](p.Buffer(0))
	b := buffers.Flat[float32](p.Buffer(1))
	out := buffers.Flat[float32](p.Buffer(2))
	n := p.Int(3)
	scale := float32(p.ConstFloat("scale"))
	tile := p.ConstInt("TILE")
	for i := p.PID(0) * tile; i < (p.PID(0)+1)*tile && i < n; i++ {
		out[i] = scale * (a[i] + b[i])
	}
}

func addScaledKernel(stages ...kernels.Stage) *kernels.Kernel {
	return kernels.New("add_scaled", addScaled).
		WithParams(
			kernels.Specialized("a"),
			kernels.Specialized("b"),
			kernels.Specialized("out"),
			kernels.Runtime("n"),
			kernels.Constant("scale"),
		).
		WithGridFunc(func(meta kernels.Meta) []int {
			return []int{kernels.CeilDiv(meta.Int("n"), meta.Int("TILE"))}
		}).
		WithStages(stages...)
}

func tileCandidates() []*kernels.Config {
	return []*kernels.Config{
		kernels.NewConfig(kernels.Constants{"TILE": 128}),
		kernels.NewConfig(kernels.Constants{"TILE": 256}),
	}
}

func evenTile() *kernels.Heuristics {
	return kernels.NewHeuristics(kernels.Heuristic{
		Name: "EVEN_TILE",
		Fn:   func(meta kernels.Meta) any { return meta.Int("n")%meta.Int("TILE") == 0 },
	})
}

func addScaledData(t *testing.T, n int) (a, b, out *buffers.Buffer) {
	t.Helper()
	a, _ = alignedViews(t, n)
	b, _ = alignedViews(t, n)
	out, _ = alignedViews(t, n)
	for i := 0; i < n; i++ {
		buffers.Flat[float32](a)[i] = float32(i)
		buffers.Flat[float32](b)[i] = float32(2 * i)
	}
	return
}

func checkAddScaled(t *testing.T, out *buffers.Buffer, n int, scale float32) {
	t.Helper()
	got := buffers.Flat[float32](out)
	for i := 0; i < n; i++ {
		require.Equalf(t, scale*float32(3*i), got[i], "element %d", i)
	}
}

func TestTunedDispatchEndToEnd(t *testing.T) {
	backend := newBackend(t, "")
	ctx := NewContext(backend)
	defer ctx.Finalize()

	tuner := tuning.New("add_scaled", []string{"n"}, tileCandidates()).
		WithWarmup(1).WithBenchIters(2)
	d := New(ctx, addScaledKernel(tuner, evenTile()))

	const n = 256
	a, b, out := addScaledData(t, n)

	// First call: both candidates benchmarked on throwaway variants, then
	// the winner compiled for the cache.
	entry, err := d.Dispatch(a, b, out, n, 2.0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, tuner.BenchCount())
	assert.EqualValues(t, 3, backend.CompileCount())
	checkAddScaled(t, out, n, 2)
	tile := entry.Constants["TILE"]
	assert.Contains(t, []any{128, 256}, tile)
	assert.Equal(t, true, entry.Constants["EVEN_TILE"])

	// Same specialization again: pure cache hit.
	_, err = d.Dispatch(a, b, out, n, 2.0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, tuner.BenchCount())
	assert.EqualValues(t, 3, backend.CompileCount())

	// A different constant is a new variant, but the tuner already knows
	// this shape: one more compilation, no new benchmarks.
	entry3, err := d.Dispatch(a, b, out, n, 3.0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, tuner.BenchCount())
	assert.EqualValues(t, 4, backend.CompileCount())
	assert.Equal(t, tile, entry3.Constants["TILE"])
	checkAddScaled(t, out, n, 3)
}

func TestTunedDispatchReusesStore(t *testing.T) {
	dir := t.TempDir()
	const n = 256

	db1, err := tunedb.Open(dir)
	require.NoError(t, err)
	tuner1 := tuning.New("add_scaled", []string{"n"}, tileCandidates()).
		WithDB(db1).WithWarmup(1).WithBenchIters(2)
	backend1 := newBackend(t, "")
	ctx1 := NewContext(backend1)
	d1 := New(ctx1, addScaledKernel(tuner1, evenTile()))

	a, b, out := addScaledData(t, n)
	entry1, err := d1.Dispatch(a, b, out, n, 2.0)
	require.NoError(t, err)
	require.EqualValues(t, 2, tuner1.BenchCount())
	ctx1.Finalize() // flushes the tuner's fresh results to the store

	// A fresh context over the same store skips benchmarking entirely.
	db2, err := tunedb.Open(dir)
	require.NoError(t, err)
	tuner2 := tuning.New("add_scaled", []string{"n"}, tileCandidates()).
		WithDB(db2).WithWarmup(1).WithBenchIters(2)
	backend2 := newBackend(t, "")
	ctx2 := NewContext(backend2)
	defer ctx2.Finalize()
	d2 := New(ctx2, addScaledKernel(tuner2, evenTile()))

	entry2, err := d2.Dispatch(a, b, out, n, 2.0)
	require.NoError(t, err)
	assert.EqualValues(t, 0, tuner2.BenchCount(), "tuned config must come from the store")
	assert.EqualValues(t, 1, backend2.CompileCount())
	assert.Equal(t, entry1.Constants["TILE"], entry2.Constants["TILE"])
	checkAddScaled(t, out, n, 2)
}

func TestAllCandidatesFailing(t *testing.T) {
	backend := newBackend(t, "")
	ctx := NewContext(backend)
	defer ctx.Finalize()

	kernel := kernels.New("always_panics", func(p *cpu.Program) {
		panic("unimplemented tile size")
	}).
		WithParams(kernels.Runtime("n")).
		WithGrid(1).
		WithStages(tuning.New("always_panics", []string{"n"}, tileCandidates()).
			WithWarmup(0).WithBenchIters(1))

	_, err := New(ctx, kernel).Dispatch(7)
	require.ErrorContains(t, err, "all 2 candidate configurations failed")
	assert.Equal(t, 0, ctx.CacheSize(), "a failed resolution must not be cached")
}

func TestPerDeviceCaches(t *testing.T) {
	backend := newBackend(t, "2")
	ctx := NewContext(backend)
	defer ctx.Finalize()
	d := New(ctx, fillKernel("fill_devices"))

	out0, _ := alignedViews(t, 8)
	out1, _ := alignedViews(t, 8)
	_, err := d.Dispatch(out0, 1.0, 8)
	require.NoError(t, err)
	_, err = d.Dispatch(out1.OnDevice(1), 1.0, 8)
	require.NoError(t, err)
	assert.EqualValues(t, 2, backend.CompileCount(), "each device caches its own variant")
	assert.Equal(t, 2, ctx.CacheSize())

	// A device the backend doesn't have is a dispatch error.
	_, err = d.Dispatch(out0.OnDevice(7), 1.0, 8)
	require.ErrorContains(t, err, "out of range")
}

func TestDispatchAfterFinalize(t *testing.T) {
	backend := newBackend(t, "")
	ctx := NewContext(backend)
	d := New(ctx, fillKernel("fill_finalized"))
	out, _ := alignedViews(t, 8)
	_, err := d.Dispatch(out, 1.0, 8)
	require.NoError(t, err)

	ctx.Finalize()
	assert.Equal(t, 0, ctx.CacheSize())
	_, err = d.Dispatch(out, 1.0, 8)
	require.ErrorContains(t, err, "finalized")

	ctx.Finalize() // idempotent
}

type oddStage struct{}

func (oddStage) Contribute(call *kernels.StageContext) (kernels.Constants, error) { return nil, nil }

func TestNewRejectsBadRegistrations(t *testing.T) {
	ctx := NewContext(newBackend(t, ""))
	defer ctx.Finalize()

	require.Panics(t, func() { New(nil, fillKernel("no_ctx")) })
	require.Panics(t, func() { New(ctx, nil) })
	require.Panics(t, func() { New(ctx, kernels.New("no_grid", addScaled)) })
	require.Panics(t, func() {
		New(ctx, fillKernel("odd_stage").WithStages(oddStage{}))
	})
}

func TestUnresolvedConstantPanics(t *testing.T) {
	ctx := NewContext(newBackend(t, ""))
	defer ctx.Finalize()

	// scale has no default, no stage chooses it and the call omits it: the
	// chain cannot produce a complete variant.
	kernel := kernels.New("needs_scale", addScaled).
		WithParams(
			kernels.Specialized("a"),
			kernels.Specialized("b"),
			kernels.Specialized("out"),
			kernels.Runtime("n"),
			kernels.Constant("scale"),
		).
		WithGrid(1)
	d := New(ctx, kernel)
	a, b, out := addScaledData(t, 8)
	require.Panics(t, func() { _, _ = d.Dispatch(a, b, out, 8) })
}

func TestCallPanicsOnDispatchError(t *testing.T) {
	ctx := NewContext(newBackend(t, "2"))
	defer ctx.Finalize()
	kernel := kernels.New("mixed_devices", func(p *cpu.Program) {}).
		WithParams(kernels.Specialized("x"), kernels.Specialized("y")).
		WithGrid(1)
	d := New(ctx, kernel)

	onZero := buffers.New(dtypes.Float32, 4)
	onOne := buffers.New(dtypes.Float32, 4).OnDevice(1)
	require.Panics(t, func() { d.Call(onZero, onOne) })
}
