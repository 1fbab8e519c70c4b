// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernels defines the kernel abstraction dispatched by kernelkit: a
// unit of work parameterized by runtime values, compile-time constants and
// tunable performance parameters.
//
// A Kernel is declared once, with an explicit ordered list of parameter
// descriptors (see Param and Role), a launch-grid specification and an
// optional chain of decision stages (an autotuner, derived-constant
// heuristics). The dispatch package then specializes, tunes, compiles and
// caches one executable variant per distinct call shape.
//
// Example, in the shape of a typical element-wise kernel:
//
//	k := kernels.New("addlike", addFn).
//		WithParams(
//			kernels.Specialized("a"),
//			kernels.Specialized("out"),
//			kernels.Runtime("n"),
//			kernels.Constant("TILE"),
//		).
//		WithGridFunc(func(meta kernels.Meta) []int {
//			return []int{kernels.CeilDiv(meta.Int("n"), meta.Int("TILE"))}
//		}).
//		WithStages(tuner)
//
// The definition payload (addFn above) is opaque to this package: it is
// whatever the chosen backend knows how to compile, see backends.Backend.
package kernels

import (
	"fmt"

	"github.com/pkg/errors"
)

// Role classifies how one kernel parameter takes part in specialization.
type Role int

const (
	// RoleSpecializing parameters select the compiled variant: their element
	// type and pointer alignment class (buffers) or their exact value
	// (scalars) become part of the specialization key.
	RoleSpecializing Role = iota

	// RoleRuntimeOnly parameters are passed at launch time without forcing a
	// new compiled variant; only a coarse type tag (and the width class of
	// integers) enters the specialization key.
	RoleRuntimeOnly

	// RoleConstant parameters are compile-time constants: baked into the
	// compiled artifact, never passed at launch time. A differing value is a
	// different variant.
	RoleConstant
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case RoleSpecializing:
		return "specializing"
	case RoleRuntimeOnly:
		return "runtime_only"
	case RoleConstant:
		return "constant"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// Param statically describes one kernel parameter. Immutable once the kernel
// is registered.
type Param struct {
	// Name of the parameter, unique within the kernel. It is the name used
	// by keyword overrides, heuristics and grid functions.
	Name string

	// Role of the parameter in specialization.
	Role Role

	// Default value used when the call leaves this parameter out. Only
	// meaningful for runtime-only and constant parameters; nil means the
	// parameter has no default.
	Default any
}

// Specialized declares a specializing parameter (see RoleSpecializing).
func Specialized(name string) Param {
	return Param{Name: name, Role: RoleSpecializing}
}

// Runtime declares a runtime-only parameter (see RoleRuntimeOnly).
func Runtime(name string) Param {
	return Param{Name: name, Role: RoleRuntimeOnly}
}

// Constant declares a compile-time-constant parameter (see RoleConstant).
func Constant(name string) Param {
	return Param{Name: name, Role: RoleConstant}
}

// WithDefault returns a copy of the Param carrying a default value.
func (p Param) WithDefault(value any) Param {
	p.Default = value
	return p
}

// Kernel is the static registration of one dispatchable unit of work.
//
// Build it with New and the WithXxx chainable setters, then hand it to
// dispatch.New. A Kernel is immutable after that point and safe for
// concurrent use.
type Kernel struct {
	name      string
	def       any
	params    []Param
	gridDims  []int
	gridFunc  GridFunc
	stages    []Stage
	alignment int
}

// New creates a Kernel with the given stable identity name and opaque
// definition payload.
//
// The name namespaces the persistent tuning table for this kernel; the
// definition is whatever the backend compiles (for the cpu backend, a
// cpu.Func).
func New(name string, def any) *Kernel {
	return &Kernel{name: name, def: def}
}

// WithParams sets the ordered parameter descriptors. It returns the updated
// kernel, for chaining.
func (k *Kernel) WithParams(params ...Param) *Kernel {
	k.params = params
	return k
}

// WithGrid sets a fixed launch grid. Trailing dimensions default to 1, at
// most 3 dimensions are used. It returns the updated kernel, for chaining.
func (k *Kernel) WithGrid(dims ...int) *Kernel {
	k.gridDims = dims
	k.gridFunc = nil
	return k
}

// WithGridFunc sets the launch grid as a function of the call: fn is
// evaluated over the merged named-argument view of each call, with resolved
// compile-time constants taking precedence over call arguments. It returns
// the updated kernel, for chaining.
func (k *Kernel) WithGridFunc(fn GridFunc) *Kernel {
	k.gridFunc = fn
	k.gridDims = nil
	return k
}

// WithStages sets the ordered decision-stage chain run on a cache miss,
// typically a *tuning.Tuner followed by *Heuristics. It returns the updated
// kernel, for chaining.
func (k *Kernel) WithStages(stages ...Stage) *Kernel {
	k.stages = stages
	return k
}

// WithAlignment overrides the pointer-alignment divisor used to classify
// this kernel's buffer arguments, instead of the dispatch context default.
// It returns the updated kernel, for chaining.
func (k *Kernel) WithAlignment(divisor int) *Kernel {
	k.alignment = divisor
	return k
}

// Name returns the kernel's stable identity.
func (k *Kernel) Name() string { return k.name }

// Definition returns the opaque definition payload given to New.
func (k *Kernel) Definition() any { return k.def }

// Params returns the ordered parameter descriptors.
func (k *Kernel) Params() []Param { return k.params }

// Stages returns the ordered decision-stage chain.
func (k *Kernel) Stages() []Stage { return k.stages }

// GridDims returns the fixed launch grid, or nil if the kernel uses a grid
// function.
func (k *Kernel) GridDims() []int { return k.gridDims }

// GridFn returns the launch-grid function, or nil if the kernel uses a fixed
// grid.
func (k *Kernel) GridFn() GridFunc { return k.gridFunc }

// Alignment returns the per-kernel alignment divisor override, or 0 when the
// kernel inherits the dispatch context default.
func (k *Kernel) Alignment() int { return k.alignment }

// Validate checks the registration for the errors that don't depend on the
// dispatching context: an empty name, duplicate, empty or reserved parameter
// names, a default on a specializing parameter, or a missing grid
// specification.
func (k *Kernel) Validate() error {
	if k.name == "" {
		return errors.New("kernel has no name: the name keys the tuning table and must be stable")
	}
	if len(k.params) == 0 {
		return errors.Errorf("kernel %q has no parameters", k.name)
	}
	seen := make(map[string]bool, len(k.params))
	for i, p := range k.params {
		if p.Name == "" {
			return errors.Errorf("kernel %q: parameter #%d has an empty name", k.name, i)
		}
		if seen[p.Name] {
			return errors.Errorf("kernel %q: duplicate parameter %q", k.name, p.Name)
		}
		seen[p.Name] = true
		if reservedConstNames[p.Name] {
			return errors.Errorf("kernel %q: parameter name %q is reserved for launch-resource hints",
				k.name, p.Name)
		}
		if p.Role == RoleSpecializing && p.Default != nil {
			return errors.Errorf("kernel %q: specializing parameter %q cannot have a default "+
				"(specializing arguments must be present to build the cache key)", k.name, p.Name)
		}
	}
	if k.gridFunc == nil && len(k.gridDims) == 0 {
		return errors.Errorf("kernel %q has no launch grid: set WithGrid or WithGridFunc", k.name)
	}
	for i, s := range k.stages {
		if s == nil {
			return errors.Errorf("kernel %q: stage #%d is nil", k.name, i)
		}
	}
	return nil
}
