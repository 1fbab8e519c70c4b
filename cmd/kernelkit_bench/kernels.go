// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernelkit/backends/cpu"
	"github.com/gomlx/kernelkit/buffers"
	"github.com/gomlx/kernelkit/kernels"
)

// A sample is one built-in kernel the bench tool knows how to tune: its
// identity, the default candidate search space, a builder that constructs the
// kernel with the caller's decision stages, and an argument factory for a
// given problem size.
type sample struct {
	name       string
	keyBy      []string
	candidates []*kernels.Config

	// build constructs the kernel with the given stages first in its
	// decision chain. Samples append their own heuristics after them.
	build func(stages ...kernels.Stage) *kernels.Kernel

	// args returns fresh dispatch arguments for problem size n.
	args func(n int) []any
}

// builtinSamples returns the sample kernels in display order.
func builtinSamples() []sample {
	return []sample{fillSample(), saxpySample(), sumSample()}
}

// fillSample writes a scalar into every element of a vector. The simplest
// possible tuning problem: one buffer, one tile size.
func fillSample() sample {
	return sample{
		name:  "fill_f32",
		keyBy: []string{"n"},
		candidates: []*kernels.Config{
			kernels.NewConfig(kernels.Constants{"TILE": 1 << 10}),
			kernels.NewConfig(kernels.Constants{"TILE": 1 << 12}),
			kernels.NewConfig(kernels.Constants{"TILE": 1 << 14}),
		},
		build: func(stages ...kernels.Stage) *kernels.Kernel {
			return kernels.New("fill_f32", func(p *cpu.Program) {
				out := buffers.Flat[float32](p.Buffer(0))
				value := float32(p.Float(1))
				n := p.Int(2)
				tile := p.ConstInt("TILE")
				end := min((p.PID(0)+1)*tile, n)
				for i := p.PID(0) * tile; i < end; i++ {
					out[i] = value
				}
			}).WithParams(
				kernels.Specialized("out"),
				kernels.Runtime("value"),
				kernels.Runtime("n"),
				kernels.Constant("TILE")).
				WithGridFunc(func(meta kernels.Meta) []int {
					return []int{kernels.CeilDiv(meta.Int("n"), meta.Int("TILE"))}
				}).
				WithStages(stages...)
		},
		args: func(n int) []any {
			return []any{buffers.New(dtypes.Float32, n), 0.5, n}
		},
	}
}

// saxpySample computes out = alpha*x + y. It chains a heuristic after the
// tuner: EVEN_TILE records whether n divides evenly by the chosen tile, and
// the kernel body drops the bounds check when it does.
func saxpySample() sample {
	return sample{
		name:  "saxpy_f32",
		keyBy: []string{"n"},
		candidates: []*kernels.Config{
			kernels.NewConfig(kernels.Constants{"TILE": 1 << 10}),
			kernels.NewConfig(kernels.Constants{"TILE": 1 << 12}),
			kernels.NewConfig(kernels.Constants{"TILE": 1 << 14}),
		},
		build: func(stages ...kernels.Stage) *kernels.Kernel {
			evenTile := kernels.NewHeuristics(kernels.Heuristic{
				Name: "EVEN_TILE",
				Fn: func(meta kernels.Meta) any {
					return meta.Int("n")%meta.Int("TILE") == 0
				},
			})
			return kernels.New("saxpy_f32", func(p *cpu.Program) {
				x := buffers.Flat[float32](p.Buffer(0))
				y := buffers.Flat[float32](p.Buffer(1))
				out := buffers.Flat[float32](p.Buffer(2))
				alpha := float32(p.Float(3))
				n := p.Int(4)
				tile := p.ConstInt("TILE")
				start := p.PID(0) * tile
				end := start + tile
				if !p.ConstBool("EVEN_TILE") {
					end = min(end, n)
				}
				for i := start; i < end; i++ {
					out[i] = alpha*x[i] + y[i]
				}
			}).WithParams(
				kernels.Specialized("x"),
				kernels.Specialized("y"),
				kernels.Specialized("out"),
				kernels.Runtime("alpha"),
				kernels.Runtime("n"),
				kernels.Constant("TILE")).
				WithGridFunc(func(meta kernels.Meta) []int {
					return []int{kernels.CeilDiv(meta.Int("n"), meta.Int("TILE"))}
				}).
				WithStages(append(stages, evenTile)...)
		},
		args: func(n int) []any {
			x := buffers.New(dtypes.Float32, n)
			y := buffers.New(dtypes.Float32, n)
			flatX := buffers.Flat[float32](x)
			flatY := buffers.Flat[float32](y)
			for i := range flatX {
				flatX[i] = 0.25 * float32(i%101)
				flatY[i] = 1
			}
			return []any{x, y, buffers.New(dtypes.Float32, n), 1.5, n}
		},
	}
}

// sumMinBlock is the smallest BLOCK in sumSample's default candidate set; it
// bounds the partial-sums buffer. Candidates with a smaller BLOCK overflow it
// and disqualify themselves.
const sumMinBlock = 1 << 12

// sumSample reduces a vector to per-cell partial sums. Its candidate set
// varies the launch hints as well as BLOCK, so seeded databases carry
// non-default hints too.
func sumSample() sample {
	return sample{
		name:  "sum_partials_f32",
		keyBy: []string{"n"},
		candidates: []*kernels.Config{
			kernels.NewConfig(kernels.Constants{"BLOCK": sumMinBlock}),
			kernels.NewConfig(kernels.Constants{"BLOCK": 1 << 13}),
			kernels.NewConfig(kernels.Constants{"BLOCK": 1 << 14}),
			kernels.NewConfig(kernels.Constants{"BLOCK": 1 << 14}).WithWarps(8).WithStages(3),
		},
		build: func(stages ...kernels.Stage) *kernels.Kernel {
			return kernels.New("sum_partials_f32", func(p *cpu.Program) {
				x := buffers.Flat[float32](p.Buffer(0))
				partials := buffers.Flat[float32](p.Buffer(1))
				n := p.Int(2)
				block := p.ConstInt("BLOCK")
				end := min((p.PID(0)+1)*block, n)
				var acc float32
				for i := p.PID(0) * block; i < end; i++ {
					acc += x[i]
				}
				partials[p.PID(0)] = acc
			}).WithParams(
				kernels.Specialized("x"),
				kernels.Specialized("partials"),
				kernels.Runtime("n"),
				kernels.Constant("BLOCK")).
				WithGridFunc(func(meta kernels.Meta) []int {
					return []int{kernels.CeilDiv(meta.Int("n"), meta.Int("BLOCK"))}
				}).
				WithStages(stages...)
		},
		args: func(n int) []any {
			x := buffers.New(dtypes.Float32, n)
			flat := buffers.Flat[float32](x)
			for i := range flat {
				flat[i] = 1
			}
			partials := buffers.New(dtypes.Float32, kernels.CeilDiv(n, sumMinBlock))
			return []any{x, partials, n}
		},
	}
}
