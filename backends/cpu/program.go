// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/kernelkit/buffers"
	"github.com/gomlx/kernelkit/kernels"
)

// Func is the kernel definition payload this backend compiles: a Go function
// executed once per grid cell.
//
// Arguments are positional and cover only the non-constant parameters, in
// declaration order; compile-time constants come baked into the Program.
// A Func must be safe for concurrent invocation: cells of one launch run in
// parallel.
type Func func(p *Program)

// Program is one grid cell's view of a launch: its coordinate, the resolved
// grid, the runtime arguments and the baked compile-time constants.
//
// The accessor methods panic on out-of-range indices or mismatched types:
// inside a kernel body that is a programming error, not a runtime condition.
type Program struct {
	pid       [3]int
	grid      kernels.Grid
	args      []any
	constants kernels.Constants
}

// PID returns this cell's coordinate along the given axis (0, 1 or 2).
func (p *Program) PID(axis int) int {
	if axis < 0 || axis > 2 {
		exceptions.Panicf("cpu.Program.PID: axis %d out of range", axis)
	}
	return p.pid[axis]
}

// NumPrograms returns the grid extent along the given axis.
func (p *Program) NumPrograms(axis int) int {
	switch axis {
	case 0:
		return p.grid.X
	case 1:
		return p.grid.Y
	case 2:
		return p.grid.Z
	}
	exceptions.Panicf("cpu.Program.NumPrograms: axis %d out of range", axis)
	return 0
}

// NumArgs returns the number of runtime arguments.
func (p *Program) NumArgs() int { return len(p.args) }

// Arg returns the i-th runtime argument as given to Launch.
func (p *Program) Arg(i int) any {
	if i < 0 || i >= len(p.args) {
		exceptions.Panicf("cpu.Program.Arg: argument #%d out of range, launch has %d runtime arguments", i, len(p.args))
	}
	return p.args[i]
}

// Buffer returns the i-th runtime argument as a buffer.
func (p *Program) Buffer(i int) *buffers.Buffer {
	buf, ok := p.Arg(i).(*buffers.Buffer)
	if !ok {
		exceptions.Panicf("cpu.Program.Buffer: argument #%d is %T, not a *buffers.Buffer", i, p.args[i])
	}
	return buf
}

// Int returns the i-th runtime argument as an int, accepting any integer
// type.
func (p *Program) Int(i int) int {
	n, ok := kernels.AsInt(p.Arg(i))
	if !ok {
		exceptions.Panicf("cpu.Program.Int: argument #%d is %T, not an integer", i, p.args[i])
	}
	return n
}

// Float returns the i-th runtime argument as a float64, accepting float32,
// float64 and any integer type.
func (p *Program) Float(i int) float64 {
	switch v := p.Arg(i).(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	}
	n, ok := kernels.AsInt(p.args[i])
	if !ok {
		exceptions.Panicf("cpu.Program.Float: argument #%d is %T, not a number", i, p.args[i])
	}
	return float64(n)
}

// Const returns the named compile-time constant.
func (p *Program) Const(name string) any {
	v, ok := p.constants[name]
	if !ok {
		exceptions.Panicf("cpu.Program.Const: no compile-time constant named %q", name)
	}
	return v
}

// ConstInt returns the named compile-time constant as an int.
func (p *Program) ConstInt(name string) int {
	n, ok := kernels.AsInt(p.Const(name))
	if !ok {
		exceptions.Panicf("cpu.Program.ConstInt: constant %q is %T, not an integer", name, p.constants[name])
	}
	return n
}

// ConstBool returns the named compile-time constant as a bool.
func (p *Program) ConstBool(name string) bool {
	b, ok := p.Const(name).(bool)
	if !ok {
		exceptions.Panicf("cpu.Program.ConstBool: constant %q is %T, not a bool", name, p.constants[name])
	}
	return b
}

// ConstFloat returns the named compile-time constant as a float64.
func (p *Program) ConstFloat(name string) float64 {
	switch v := p.Const(name).(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	}
	n, ok := kernels.AsInt(p.constants[name])
	if !ok {
		exceptions.Panicf("cpu.Program.ConstFloat: constant %q is %T, not a number", name, p.constants[name])
	}
	return float64(n)
}
