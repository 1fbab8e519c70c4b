// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tuning implements the autotuner decision stage.
//
// A Tuner wraps one kernel identity. For each distinct problem shape it
// either reuses a previously chosen tuning configuration or benchmarks a
// finite candidate set and remembers the winner. Results newly discovered in
// this process are merged into a tunedb.DB when Close is called, using
// insert-if-absent semantics, so separate processes tuning the same kernel
// converge on one durable answer.
package tuning

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/kernelkit/kernels"
	"github.com/gomlx/kernelkit/tunedb"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Benchmarking defaults, in iterations per candidate.
const (
	DefaultWarmup     = 25
	DefaultBenchIters = 100
)

// Phase tags the moments of one tuning pass reported to observers.
type Phase int

const (
	// PhaseStart is emitted once before the first candidate is measured.
	PhaseStart Phase = iota

	// PhaseCandidate is emitted after each candidate measurement.
	PhaseCandidate

	// PhaseChosen is emitted once with the winning configuration.
	PhaseChosen
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	switch p {
	case PhaseStart:
		return "start"
	case PhaseCandidate:
		return "candidate"
	case PhaseChosen:
		return "chosen"
	}
	return "unknown"
}

// Event describes one step of a tuning pass. Observers receive events
// synchronously from inside Contribute, so they should be fast.
type Event struct {
	// Kernel is the kernel identity being tuned.
	Kernel string

	// Key is the encoded problem-shape key of the pass.
	Key string

	// Phase of the pass.
	Phase Phase

	// Candidate is the index of the measured candidate, for PhaseCandidate.
	Candidate int

	// NumCandidates in the pass.
	NumCandidates int

	// Config is the candidate measured (PhaseCandidate) or the winner
	// (PhaseChosen). Nil for PhaseStart.
	Config *kernels.Config

	// Latency measured for Config. Zero if the candidate failed.
	Latency time.Duration

	// Err disqualified the candidate, for PhaseCandidate only.
	Err error
}

// Tuner is the autotuner decision stage for one kernel identity.
//
// Create it with New, then optionally chain WithDB, WithWarmup,
// WithBenchIters and WithObserver before first use. A Tuner is safe for
// concurrent use; Contribute serializes on an internal mutex.
type Tuner struct {
	kernelName string
	keyBy      []string
	candidates []*kernels.Config

	db         *tunedb.DB
	warmup     int
	benchIters int
	observers  []func(Event)

	benchCount atomic.Int64

	mu    sync.Mutex
	known map[string]*kernels.Config
	dirty map[string]*kernels.Config
}

var _ kernels.Stage = (*Tuner)(nil)

// New returns a Tuner for the given kernel identity. keyBy names the call
// values that form the problem-shape key (looked up in the call context, in
// order) and candidates is the finite configuration set searched on a miss.
//
// It panics if the identity is empty, keyBy is empty or candidates is empty:
// a tuner that cannot form a key or has nothing to choose from is a kernel
// registration error.
func New(kernelName string, keyBy []string, candidates []*kernels.Config) *Tuner {
	if kernelName == "" {
		exceptions.Panicf("tuning.New: kernel identity must not be empty")
	}
	if len(keyBy) == 0 {
		exceptions.Panicf("tuning.New: kernel %q: keyBy must name at least one problem-shape field", kernelName)
	}
	if len(candidates) == 0 {
		exceptions.Panicf("tuning.New: kernel %q: candidates must not be empty", kernelName)
	}
	for i, candidate := range candidates {
		if candidate == nil {
			exceptions.Panicf("tuning.New: kernel %q: candidate #%d is nil", kernelName, i)
		}
	}
	return &Tuner{
		kernelName: kernelName,
		keyBy:      keyBy,
		candidates: candidates,
		warmup:     DefaultWarmup,
		benchIters: DefaultBenchIters,
		known:      make(map[string]*kernels.Config),
		dirty:      make(map[string]*kernels.Config),
	}
}

// WithDB attaches the persistent store and loads the rows already recorded
// for this kernel identity. A store that fails to load degrades to an empty
// map with a warning: every shape then behaves as a miss and is re-tuned,
// which is slow but never wrong.
func (t *Tuner) WithDB(db *tunedb.DB) *Tuner {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.db = db
	if db == nil {
		return t
	}
	rows, err := db.Load(t.kernelName)
	if err != nil {
		klog.Warningf("tuning: kernel %q: failed to load tuning table, every shape will be re-tuned: %v",
			t.kernelName, err)
		return t
	}
	for key, cfg := range rows {
		if _, found := t.known[key]; !found {
			t.known[key] = cfg
		}
	}
	klog.V(1).Infof("tuning: kernel %q: loaded %d tuned shape(s)", t.kernelName, len(rows))
	return t
}

// WithWarmup sets the warm-up iterations run before timing each candidate.
func (t *Tuner) WithWarmup(iters int) *Tuner {
	t.warmup = iters
	return t
}

// WithBenchIters sets the timed iterations per candidate.
func (t *Tuner) WithBenchIters(iters int) *Tuner {
	t.benchIters = iters
	return t
}

// WithObserver registers a callback for tuning progress events.
func (t *Tuner) WithObserver(observer func(Event)) *Tuner {
	t.observers = append(t.observers, observer)
	return t
}

// KernelName returns the kernel identity this Tuner serves.
func (t *Tuner) KernelName() string { return t.kernelName }

// BenchCount returns how many candidate measurements this Tuner has run.
// It stays at zero while every resolved shape comes from the store.
func (t *Tuner) BenchCount() int64 { return t.benchCount.Load() }

func (t *Tuner) emit(event Event) {
	for _, observer := range t.observers {
		observer(event)
	}
}

// Contribute implements kernels.Stage: it resolves the call's problem shape
// to a tuning configuration and returns that configuration's constants.
//
// A shape already known, from the store or from an earlier pass, is answered
// without benchmarking. Otherwise every candidate is measured through
// call.Bench; candidates that fail are disqualified with a warning and the
// minimum-latency survivor wins, ties broken by declaration order. If all
// candidates fail there is nothing to cache and an error is returned.
func (t *Tuner) Contribute(call *kernels.StageContext) (kernels.Constants, error) {
	key, err := t.shapeKey(call.Meta)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if cfg, found := t.known[key]; found {
		return cfg.Contribution(), nil
	}

	if call.Bench == nil {
		return nil, errors.Errorf(
			"autotuning kernel %q: the dispatch path provided no benchmarking function", t.kernelName)
	}

	t.emit(Event{Kernel: t.kernelName, Key: key, Phase: PhaseStart, NumCandidates: len(t.candidates)})
	var best *kernels.Config
	var bestLatency time.Duration
	for i, candidate := range t.candidates {
		t.benchCount.Add(1)
		latency, err := call.Bench(candidate, t.warmup, t.benchIters)
		if err != nil {
			klog.Warningf("tuning: kernel %q shape %s: candidate %s disqualified: %v",
				t.kernelName, key, candidate, err)
			t.emit(Event{Kernel: t.kernelName, Key: key, Phase: PhaseCandidate,
				Candidate: i, NumCandidates: len(t.candidates), Config: candidate, Err: err})
			continue
		}
		t.emit(Event{Kernel: t.kernelName, Key: key, Phase: PhaseCandidate,
			Candidate: i, NumCandidates: len(t.candidates), Config: candidate, Latency: latency})
		if best == nil || latency < bestLatency {
			best, bestLatency = candidate, latency
		}
	}
	if best == nil {
		return nil, errors.Errorf(
			"autotuning kernel %q shape %s: all %d candidate configurations failed to benchmark",
			t.kernelName, key, len(t.candidates))
	}

	t.known[key] = best
	t.dirty[key] = best
	t.emit(Event{Kernel: t.kernelName, Key: key, Phase: PhaseChosen,
		NumCandidates: len(t.candidates), Config: best, Latency: bestLatency})
	klog.V(1).Infof("tuning: kernel %q shape %s: chose %s (%s)", t.kernelName, key, best, bestLatency)
	return best.Contribution(), nil
}

// shapeKey builds the encoded problem-shape key from the call context.
func (t *Tuner) shapeKey(meta kernels.Meta) (string, error) {
	parts := make([]any, len(t.keyBy))
	for i, name := range t.keyBy {
		value, found := meta[name]
		if !found {
			exceptions.Panicf("autotuning kernel %q: problem-shape field %q is not among the call's "+
				"named values, check the tuner's keyBy list against the kernel parameters", t.kernelName, name)
		}
		parts[i] = value
	}
	key, err := tunedb.EncodeKey(parts)
	if err != nil {
		return "", errors.WithMessagef(err, "autotuning kernel %q: encoding problem-shape key", t.kernelName)
	}
	return key, nil
}

// Known returns a snapshot of every shape resolved so far, keyed by the
// encoded problem-shape key. For introspection and maintenance tools.
func (t *Tuner) Known() map[string]*kernels.Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]*kernels.Config, len(t.known))
	for key, cfg := range t.known {
		out[key] = cfg
	}
	return out
}

// Close flushes shapes discovered by this process into the store, inserting
// only keys not already durably present. Without an attached store it is a
// no-op. Close may be called more than once; rows flush at most once.
func (t *Tuner) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db == nil || len(t.dirty) == 0 {
		return nil
	}
	if err := t.db.Merge(t.kernelName, t.dirty); err != nil {
		return errors.WithMessagef(err, "flushing tuning results for kernel %q", t.kernelName)
	}
	t.dirty = make(map[string]*kernels.Config)
	return nil
}
