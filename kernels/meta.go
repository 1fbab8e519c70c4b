// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"github.com/gomlx/exceptions"
	"golang.org/x/exp/constraints"
)

// Meta is the merged named-argument view of one call: positional arguments by
// parameter name, keyword overrides and the compile-time constants resolved so
// far, with constants taking precedence on conflicts.
//
// It is what grid functions and heuristics see. The typed getters panic on a
// missing name or a mismatched type: those are registration errors (a grid
// function reaching for a parameter the kernel does not declare), not runtime
// conditions.
type Meta map[string]any

// Get returns the value for name, and whether it is present.
func (m Meta) Get(name string) (value any, ok bool) {
	value, ok = m[name]
	return
}

// AsInt converts any integer-typed value to an int. The ok result is false
// for non-integer values.
func AsInt(v any) (_ int, ok bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	}
	return 0, false
}

// Int returns the named value as an int, accepting any integer type.
func (m Meta) Int(name string) int {
	v, ok := m[name]
	if !ok {
		exceptions.Panicf("kernels.Meta: no value named %q (declared parameters and resolved constants: %v)", name, m.names())
	}
	n, ok := AsInt(v)
	if !ok {
		exceptions.Panicf("kernels.Meta: value %q is %T, not an integer", name, v)
	}
	return n
}

// Bool returns the named value as a bool.
func (m Meta) Bool(name string) bool {
	v, ok := m[name]
	if !ok {
		exceptions.Panicf("kernels.Meta: no value named %q", name)
	}
	b, ok := v.(bool)
	if !ok {
		exceptions.Panicf("kernels.Meta: value %q is %T, not a bool", name, v)
	}
	return b
}

// Float returns the named value as a float64, accepting float32/float64 and
// any integer type.
func (m Meta) Float(name string) float64 {
	v, ok := m[name]
	if !ok {
		exceptions.Panicf("kernels.Meta: no value named %q", name)
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	}
	return float64(m.Int(name))
}

func (m Meta) names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	return names
}

// CeilDiv returns ⌈a/b⌉ for positive b, the usual grid-sizing helper.
func CeilDiv[T constraints.Integer](a, b T) T {
	return (a + b - 1) / b
}

// NextPowerOfTwo returns the smallest power of two ≥ n, and 1 for n ≤ 1.
func NextPowerOfTwo[T constraints.Integer](n T) T {
	p := T(1)
	for p < n {
		p <<= 1
	}
	return p
}
