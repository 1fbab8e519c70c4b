// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernelkit/backends"
	"github.com/gomlx/kernelkit/backends/cpu"
	"github.com/gomlx/kernelkit/buffers"
	"github.com/gomlx/kernelkit/kernels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBackend(t *testing.T, config string) *cpu.Backend {
	t.Helper()
	b, err := cpu.New(config)
	require.NoError(t, err)
	t.Cleanup(b.Finalize)
	return b.(*cpu.Backend)
}

// alignedViews returns two n-element float32 views over one allocation: one
// whose base pointer is 16-byte aligned and one off by a single element. Go
// only guarantees element alignment, so the aligned view is found by
// scanning the first few offsets.
func alignedViews(t *testing.T, n int) (aligned, misaligned *buffers.Buffer) {
	t.Helper()
	base := buffers.New(dtypes.Float32, n+8)
	for off := 0; off < 4; off++ {
		view := base.Offset(off)
		if view.Ptr()%16 == 0 {
			return view, view.Offset(1)
		}
	}
	t.Fatal("no 16-byte aligned view found in the first 16 bytes of an allocation")
	return nil, nil
}

func TestIntWidthClass(t *testing.T) {
	for _, v := range []any{5, int8(-3), int16(9), int32(math.MaxInt32), int64(11), uint16(9), uint32(7)} {
		class, isInt := intWidthClass(v)
		require.True(t, isInt)
		assert.Equalf(t, "i32", class, "value %v (%T)", v, v)
	}
	for _, v := range []any{int64(1) << 40, int64(math.MinInt64), int(math.MaxInt32) + 1, uint64(math.MaxInt64)} {
		class, isInt := intWidthClass(v)
		require.True(t, isInt)
		assert.Equalf(t, "i64", class, "value %v (%T)", v, v)
	}
	for _, v := range []any{uint64(1) << 63, uint64(math.MaxUint64)} {
		class, isInt := intWidthClass(v)
		require.True(t, isInt)
		assert.Equalf(t, "u64", class, "value %v (%T)", v, v)
	}
	for _, v := range []any{"s", 1.5, true, nil, []int{1}} {
		_, isInt := intWidthClass(v)
		assert.Falsef(t, isInt, "value %v (%T) is not an integer", v, v)
	}
}

func TestSpecKeyShape(t *testing.T) {
	ctx := NewContext(newBackend(t, ""))
	defer ctx.Finalize()
	kernel := kernels.New("keyshape", func(p *cpu.Program) {}).
		WithParams(
			kernels.Specialized("x"),
			kernels.Specialized("mode"),
			kernels.Runtime("n"),
			kernels.Constant("TILE").WithDefault(64),
			kernels.Constant("FLAG"),
		).
		WithGrid(1)
	d := New(ctx, kernel)

	aligned, misaligned := alignedViews(t, 16)
	key := d.specKey(d.bind([]any{aligned, "fast", 7}, nil))
	assert.Equal(t, `keyshape|b:Float32:1|v:string="fast"|r:i32|c:int=64|c:?`, key)

	// The alignment class, not the pointer, enters the key.
	other, _ := alignedViews(t, 16)
	assert.Equal(t, key, d.specKey(d.bind([]any{other, "fast", 7}, nil)))

	// A misaligned buffer and a wider runtime integer both change the key.
	assert.Equal(t, `keyshape|b:Float32:0|v:string="fast"|r:i32|c:int=64|c:?`,
		d.specKey(d.bind([]any{misaligned, "fast", 7}, nil)))
	assert.Equal(t, `keyshape|b:Float32:1|v:string="fast"|r:i64|c:int=64|c:?`,
		d.specKey(d.bind([]any{aligned, "fast", int64(1) << 40}, nil)))

	// Runtime-only values with the same width class share a key.
	assert.Equal(t, key, d.specKey(d.bind([]any{aligned, "fast", 9}, nil)))

	// Supplying the FLAG constant replaces the unset marker.
	assert.Equal(t, `keyshape|b:Float32:1|v:string="fast"|r:i32|c:int=64|c:bool=true`,
		d.specKey(d.bind([]any{aligned, "fast", 7}, map[string]any{"FLAG": true})))

	// A string value spelling out the component separator stays one
	// component: quoting keeps distinct calls on distinct keys.
	forged := d.specKey(d.bind([]any{aligned, `fast|v:string="x"`, 7}, nil))
	assert.NotEqual(t, key, forged)
	assert.Contains(t, forged, `\"x\"`)
}

func TestBindDefaultsAndErrors(t *testing.T) {
	ctx := NewContext(newBackend(t, ""))
	defer ctx.Finalize()
	kernel := kernels.New("bind", func(p *cpu.Program) {}).
		WithParams(
			kernels.Specialized("x"),
			kernels.Runtime("n").WithDefault(1),
			kernels.Constant("TILE"),
		).
		WithGrid(1)
	d := New(ctx, kernel)
	buf := buffers.New(dtypes.Float32, 4)

	b := d.bind([]any{buf}, nil)
	assert.Equal(t, 1, b.values[1], "runtime default applies")
	assert.False(t, b.explicit[1])
	assert.True(t, b.filled[1])
	assert.False(t, b.filled[2], "constant without default stays unfilled")

	b = d.bind([]any{buf}, map[string]any{"n": 32, "TILE": 8})
	assert.Equal(t, 32, b.values[1])
	assert.True(t, b.explicit[2])

	require.Panics(t, func() { d.bind([]any{buf, 1, 2, 3}, nil) }, "too many positional arguments")
	require.Panics(t, func() { d.bind([]any{buf}, map[string]any{"nope": 1}) }, "unknown keyword")
	require.Panics(t, func() { d.bind([]any{buf, 1}, map[string]any{"n": 2}) }, "positional and keyword")
	require.Panics(t, func() { d.bind(nil, nil) }, "required specializing parameter missing")
}

func TestDeviceFromArguments(t *testing.T) {
	ctx := NewContext(newBackend(t, "2"))
	defer ctx.Finalize()
	kernel := kernels.New("devices", func(p *cpu.Program) {}).
		WithParams(kernels.Specialized("x"), kernels.Specialized("y"), kernels.Runtime("n")).
		WithGrid(1)
	d := New(ctx, kernel)

	onOne := buffers.New(dtypes.Float32, 4).OnDevice(1)
	alsoOne := buffers.New(dtypes.Float32, 4).OnDevice(1)
	device, err := d.device(d.bind([]any{onOne, alsoOne, 3}, nil))
	require.NoError(t, err)
	assert.Equal(t, backends.DeviceNum(1), device)

	// No buffers at all lands on device 0.
	scalars := kernels.New("scalars", func(p *cpu.Program) {}).
		WithParams(kernels.Specialized("a"), kernels.Runtime("n")).WithGrid(1)
	ds := New(ctx, scalars)
	device, err = ds.device(ds.bind([]any{2.5, 3}, nil))
	require.NoError(t, err)
	assert.Equal(t, backends.DeviceNum(0), device)

	// Mixed devices in one call cannot be dispatched.
	onZero := buffers.New(dtypes.Float32, 4)
	_, err = d.device(d.bind([]any{onZero, onOne, 3}, nil))
	require.ErrorContains(t, err, "device")
}
