// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dispatch is the cache front door of kernelkit: it maps each call
// to a compiled kernel variant, compiling and tuning at most once per
// distinct call shape, and launches the variant over its resolved grid.
//
// A call is classified against the kernel's parameter descriptors into
// specializing, runtime-only and compile-time-constant groups; the groups
// form a specialization key (see Dispatcher.Dispatch). Each device has its
// own key to Entry table, read lock-free. On a miss the context-wide
// compilation mutex is taken, the kernel's decision-stage chain (autotuner,
// then heuristics) contributes compile-time constants, the backend compiles
// the variant and the entry is published. Concurrent callers racing on the
// same missing key get the same Entry, compile exactly once.
//
// Typical use:
//
//	backend := backends.MustNew()
//	ctx := dispatch.NewContext(backend)
//	defer ctx.Finalize()
//	add := dispatch.New(ctx, addKernel)
//	entry, err := add.Dispatch(x, out, n)
package dispatch

import (
	"maps"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/kernelkit/backends"
	"github.com/gomlx/kernelkit/kernels"
	"github.com/gomlx/kernelkit/tuning"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Dispatcher dispatches calls for one registered kernel through a Context.
// Create it with New; it is stateless apart from the shared Context and safe
// for concurrent use.
type Dispatcher struct {
	ctx    *Context
	kernel *kernels.Kernel

	paramIndex map[string]int
	specIdx    []int
	runtimeIdx []int
	constIdx   []int
	launchIdx  []int

	alignment int
}

// New registers a kernel with the dispatch context and returns its
// Dispatcher.
//
// It panics on registration errors: an invalid kernel (see Kernel.Validate)
// or a decision stage the dispatcher does not recognize. Those can never
// resolve at call time and must not be silently ignored.
func New(ctx *Context, kernel *kernels.Kernel) *Dispatcher {
	if ctx == nil {
		exceptions.Panicf("dispatch.New: ctx must not be nil")
	}
	if kernel == nil {
		exceptions.Panicf("dispatch.New: kernel must not be nil")
	}
	if err := kernel.Validate(); err != nil {
		exceptions.Panicf("dispatch.New: %v", err)
	}
	for i, stage := range kernel.Stages() {
		switch s := stage.(type) {
		case *tuning.Tuner:
			ctx.registerCloser(s)
		case *kernels.Heuristics:
			// Pure, nothing to tear down.
		default:
			exceptions.Panicf("dispatch.New: kernel %q: decision stage #%d has unrecognized type %T "+
				"(the dispatcher accepts *tuning.Tuner and *kernels.Heuristics)", kernel.Name(), i, s)
		}
	}

	d := &Dispatcher{
		ctx:        ctx,
		kernel:     kernel,
		paramIndex: make(map[string]int, len(kernel.Params())),
		alignment:  kernel.Alignment(),
	}
	if d.alignment == 0 {
		d.alignment = ctx.alignment
	}
	for i, p := range kernel.Params() {
		d.paramIndex[p.Name] = i
		switch p.Role {
		case kernels.RoleSpecializing:
			d.specIdx = append(d.specIdx, i)
		case kernels.RoleRuntimeOnly:
			d.runtimeIdx = append(d.runtimeIdx, i)
		case kernels.RoleConstant:
			d.constIdx = append(d.constIdx, i)
		default:
			exceptions.Panicf("dispatch.New: kernel %q: parameter %q has unknown role %d",
				kernel.Name(), p.Name, int(p.Role))
		}
		if p.Role != kernels.RoleConstant {
			d.launchIdx = append(d.launchIdx, i)
		}
	}
	return d
}

// Kernel returns the kernel this dispatcher serves.
func (d *Dispatcher) Kernel() *kernels.Kernel { return d.kernel }

// Dispatch resolves and launches the kernel for the given positional
// arguments, returning the cache entry used. See DispatchWith.
func (d *Dispatcher) Dispatch(args ...any) (*Entry, error) {
	return d.DispatchWith(nil, args...)
}

// DispatchWith is Dispatch with keyword overrides: kwargs supply or replace
// parameters by name, in addition to the positional args.
//
// The call's arguments are classified per their declared roles and reduced
// to a specialization key; an Entry already cached for that key on the
// target device is launched directly. Otherwise the kernel's decision-stage
// chain runs under the context compilation lock, the backend compiles the
// variant and the new Entry is cached. The returned Entry exposes the
// executable and resolved constants for introspection; its launch already
// happened by the time DispatchWith returns.
//
// Argument-shape mistakes (wrong count, unknown names, a missing required
// parameter) panic: they are registration bugs. Benchmark, compile and
// launch problems return errors.
func (d *Dispatcher) DispatchWith(kwargs map[string]any, args ...any) (*Entry, error) {
	if d.ctx.finalized.Load() {
		return nil, errors.Errorf("dispatching kernel %q through a finalized dispatch context",
			d.kernel.Name())
	}
	b := d.bind(args, kwargs)
	device, err := d.device(b)
	if err != nil {
		return nil, err
	}
	table, err := d.ctx.tableFor(device)
	if err != nil {
		return nil, err
	}
	key := d.specKey(b)
	entry, found := table.Load(key)
	if !found {
		if entry, err = d.resolve(b, device, key, table); err != nil {
			return nil, err
		}
	}
	grid, err := d.resolveGrid(b, entry.Constants)
	if err != nil {
		return nil, err
	}
	if err = entry.Exec.Launch(device, grid, d.launchArgs(b)); err != nil {
		return nil, err
	}
	return entry, nil
}

// Call is Dispatch for callers that treat dispatch failures as fatal: it
// panics on error.
func (d *Dispatcher) Call(args ...any) *Entry {
	entry, err := d.Dispatch(args...)
	if err != nil {
		panic(err)
	}
	return entry
}

// CallWith is DispatchWith for callers that treat dispatch failures as
// fatal: it panics on error.
func (d *Dispatcher) CallWith(kwargs map[string]any, args ...any) *Entry {
	entry, err := d.DispatchWith(kwargs, args...)
	if err != nil {
		panic(err)
	}
	return entry
}

// resolve drives the miss path for one specialization key: under the context
// compilation lock it re-checks the table, runs the decision-stage chain,
// compiles and publishes the Entry.
func (d *Dispatcher) resolve(b *binding, device backends.DeviceNum, key string,
	table *cacheTable) (*Entry, error) {
	d.ctx.mu.Lock()
	defer d.ctx.mu.Unlock()

	// Another caller may have resolved the key while this one waited.
	if entry, found := table.Load(key); found {
		return entry, nil
	}

	resolved := kernels.Constants{}
	for i, stage := range d.kernel.Stages() {
		call := &kernels.StageContext{
			Kernel: d.kernel.Name(),
			Meta:   d.mergedMeta(b, resolved),
			Bench:  d.benchFunc(b, device, i+1),
		}
		contribution, err := stage.Contribute(call)
		if err != nil {
			return nil, err
		}
		maps.Copy(resolved, contribution)
	}
	constants := d.finalConstants(b, resolved)

	exec, err := d.ctx.backend.Compile(d.kernel, constants)
	if err != nil {
		return nil, errors.WithMessagef(err, "compiling kernel %q", d.kernel.Name())
	}
	entry := &Entry{Exec: exec, Constants: constants}
	table.Store(key, entry)
	klog.V(1).Infof("dispatch: compiled kernel %q variant %q for device %d", d.kernel.Name(), key, device)
	return entry, nil
}

// benchFunc builds the benchmarking delegate handed to the decision stage at
// position next-1: it measures one candidate configuration by running the
// remaining stages of the chain over the candidate's contribution, compiling
// a throwaway variant and timing real launches of the bound call.
func (d *Dispatcher) benchFunc(b *binding, device backends.DeviceNum, next int) kernels.BenchFunc {
	return func(candidate *kernels.Config, warmupIters, benchIters int) (time.Duration, error) {
		resolved := candidate.Contribution()
		for _, stage := range d.kernel.Stages()[next:] {
			// Bench stays nil: a chain is tuned by at most one stage.
			call := &kernels.StageContext{Kernel: d.kernel.Name(), Meta: d.mergedMeta(b, resolved)}
			contribution, err := stage.Contribute(call)
			if err != nil {
				return 0, err
			}
			maps.Copy(resolved, contribution)
		}
		constants := d.finalConstants(b, resolved)
		exec, err := d.ctx.backend.Compile(d.kernel, constants)
		if err != nil {
			return 0, err
		}
		defer exec.Finalize()
		grid, err := d.resolveGrid(b, constants)
		if err != nil {
			return 0, err
		}
		args := d.launchArgs(b)
		if benchmarker, ok := d.ctx.backend.(backends.Benchmarker); ok {
			return benchmarker.BenchmarkLaunch(exec, device, grid, args, warmupIters, benchIters)
		}
		// Portable timing loop for backends without a native one.
		if benchIters <= 0 {
			return 0, errors.Errorf("benchIters must be positive, got %d", benchIters)
		}
		for i := 0; i < warmupIters; i++ {
			if err = exec.Launch(device, grid, args); err != nil {
				return 0, err
			}
		}
		var best time.Duration
		for i := 0; i < benchIters; i++ {
			start := time.Now()
			if err = exec.Launch(device, grid, args); err != nil {
				return 0, err
			}
			if elapsed := time.Since(start); i == 0 || elapsed < best {
				best = elapsed
			}
		}
		return best, nil
	}
}

// mergedMeta builds the named-argument view of the call merged with the
// constants resolved so far, constants taking precedence.
func (d *Dispatcher) mergedMeta(b *binding, resolved kernels.Constants) kernels.Meta {
	meta := make(kernels.Meta, len(b.values)+len(resolved))
	for i, p := range d.kernel.Params() {
		if b.filled[i] {
			meta[p.Name] = b.values[i]
		}
	}
	maps.Copy(meta, resolved)
	return meta
}

// finalConstants merges the complete constants map a variant is compiled
// with. Weakest to strongest: declared defaults, decision-stage
// contributions in chain order, call-supplied constant values. The reserved
// launch-resource hints are backfilled with their defaults when no stage
// chose them.
func (d *Dispatcher) finalConstants(b *binding, resolved kernels.Constants) kernels.Constants {
	params := d.kernel.Params()
	constants := make(kernels.Constants, len(d.constIdx)+len(resolved)+4)
	for _, i := range d.constIdx {
		if params[i].Default != nil {
			constants[params[i].Name] = params[i].Default
		}
	}
	maps.Copy(constants, resolved)
	for _, i := range d.constIdx {
		if b.explicit[i] {
			constants[params[i].Name] = b.values[i]
		}
	}
	for _, i := range d.constIdx {
		if _, found := constants[params[i].Name]; !found {
			exceptions.Panicf("kernel %q: compile-time constant %q was not supplied by the call, "+
				"a declared default, or any decision stage", d.kernel.Name(), params[i].Name)
		}
	}
	if _, found := constants[kernels.ConstNumWarps]; !found {
		constants[kernels.ConstNumWarps] = kernels.DefaultWarps
	}
	if _, found := constants[kernels.ConstNumStages]; !found {
		constants[kernels.ConstNumStages] = kernels.DefaultStages
	}
	if _, found := constants[kernels.ConstNumCTAs]; !found {
		constants[kernels.ConstNumCTAs] = kernels.DefaultCTAs
	}
	if _, found := constants[kernels.ConstEnableFPFusion]; !found {
		constants[kernels.ConstEnableFPFusion] = false
	}
	return constants
}

// resolveGrid evaluates the kernel's launch-grid specification for the bound
// call. Grid functions see the merged named-argument view with the resolved
// constants taking precedence; the result is padded with 1s to rank 3.
func (d *Dispatcher) resolveGrid(b *binding, constants kernels.Constants) (kernels.Grid, error) {
	dims := d.kernel.GridDims()
	if fn := d.kernel.GridFn(); fn != nil {
		dims = fn(d.mergedMeta(b, constants))
		if len(dims) == 0 {
			return kernels.Grid{}, errors.Errorf("kernel %q: grid function returned no dimensions",
				d.kernel.Name())
		}
	}
	for _, dim := range dims {
		if dim <= 0 {
			return kernels.Grid{}, errors.Errorf("kernel %q: launch grid %v has a non-positive dimension",
				d.kernel.Name(), dims)
		}
	}
	return kernels.MakeGrid(dims...), nil
}

// launchArgs lists the non-constant argument values in declaration order,
// the form Executable.Launch expects.
func (d *Dispatcher) launchArgs(b *binding) []any {
	args := make([]any, 0, len(d.launchIdx))
	for _, i := range d.launchIdx {
		args = append(args, b.values[i])
	}
	return args
}
