// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import "time"

// BenchFunc empirically times one candidate Config for the call being
// resolved: warmupIters un-timed launches followed by benchIters timed ones,
// reporting the minimum observed latency. Provided by the dispatcher, which
// delegates the actual timing to the backend.
//
// An error means this candidate cannot run (it is disqualified); it is not a
// dispatch failure by itself.
type BenchFunc func(cfg *Config, warmupIters, benchIters int) (time.Duration, error)

// StageContext is what a decision stage sees while resolving a cache miss:
// the kernel identity, the merged named-argument view (including constants
// contributed by earlier stages in the chain) and the benchmarking delegate.
type StageContext struct {
	// Kernel is the identity of the kernel being resolved.
	Kernel string

	// Meta is the merged named-argument view: positional arguments by name,
	// keyword overrides, then constants resolved so far.
	Meta Meta

	// Bench times one candidate configuration. Only the autotune stage uses
	// it; it is nil when the dispatcher cannot benchmark (no arguments to
	// replay).
	Bench BenchFunc
}

// Stage is one step of a kernel's decision chain, run in registration order
// on a cache miss. Each stage contributes compile-time constants; later
// stages observe earlier contributions through StageContext.Meta.
//
// The dispatcher only accepts the stage types it knows (*tuning.Tuner,
// *Heuristics): an unknown Stage implementation is a registration error and
// panics at dispatcher construction.
type Stage interface {
	Contribute(call *StageContext) (Constants, error)
}

// Heuristic derives one named compile-time constant as a pure function of
// the call: typically small flags like "is this dimension a multiple of the
// chosen tile size".
type Heuristic struct {
	// Name under which the derived value is contributed.
	Name string

	// Fn computes the value. It must be pure: same Meta, same answer.
	Fn func(meta Meta) any
}

// Heuristics is the derived-constant decision stage: an unordered set of
// independent Heuristic functions.
//
// All heuristics of one stage see the same Meta snapshot; none sees another's
// output within the same pass, so they must not depend on each other. Chain a
// second Heuristics stage when an output genuinely feeds another heuristic.
type Heuristics struct {
	heuristics []Heuristic
}

// NewHeuristics builds the derived-constant stage from the given heuristics.
func NewHeuristics(heuristics ...Heuristic) *Heuristics {
	return &Heuristics{heuristics: heuristics}
}

// Contribute implements Stage: it evaluates every heuristic over the same
// Meta snapshot and returns the derived constants.
func (h *Heuristics) Contribute(call *StageContext) (Constants, error) {
	out := make(Constants, len(h.heuristics))
	for _, heuristic := range h.heuristics {
		out[heuristic.Name] = heuristic.Fn(call.Meta)
	}
	return out, nil
}
