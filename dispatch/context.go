// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/kernelkit/backends"
	"github.com/gomlx/kernelkit/kernels"
	"github.com/gomlx/kernelkit/types/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultAlignment is the pointer-alignment divisor used to classify buffer
// arguments when neither the Context nor the Kernel overrides it. Buffers
// whose base address is a multiple of the divisor get a different
// specialization key than misaligned ones, since codegen may use wider loads
// on the aligned variant.
const DefaultAlignment = 16

// Entry is one cached compiled variant: the executable plus the full
// resolved compile-time-constants map it was compiled with, kept for
// introspection. Entries are immutable after insertion and are never
// evicted; the cache grows with the number of distinct call shapes the
// process exercises.
type Entry struct {
	// Exec is the compiled artifact.
	Exec backends.Executable

	// Constants resolved for this variant: declared defaults, decision-stage
	// contributions and call-supplied values, merged. Callers must not
	// modify the map.
	Constants kernels.Constants
}

// cacheTable maps specialization keys to cached entries for one device.
// Reads are lock-free; insertions happen under the Context compilation
// mutex.
type cacheTable = xsync.SyncMap[string, *Entry]

// Context owns the process-wide dispatch state: one specialization-cache
// table per device and the single compilation mutex. Create one per backend
// with NewContext, share it among dispatchers, and tear it down with
// Finalize so tuning results reach the persistent store deterministically.
type Context struct {
	backend   backends.Backend
	alignment int

	// mu serializes every cache-miss resolution, across all kernels and all
	// devices. The compile path is assumed not reentrant for the first use
	// of a kernel, so misses for different keys serialize too.
	mu     sync.Mutex
	tables []*cacheTable

	muClosers sync.Mutex
	closers   []io.Closer
	closerSet map[io.Closer]bool

	finalized atomic.Bool
}

// NewContext creates a dispatch context over the given backend. The caller
// keeps ownership of the backend; Context.Finalize releases the cached
// executables and flushes tuners, but does not finalize the backend itself.
func NewContext(backend backends.Backend) *Context {
	if backend == nil {
		exceptions.Panicf("dispatch.NewContext: backend must not be nil")
	}
	numDevices := int(backend.NumDevices())
	if numDevices < 1 {
		numDevices = 1
	}
	tables := make([]*cacheTable, numDevices)
	for i := range tables {
		tables[i] = &cacheTable{}
	}
	return &Context{
		backend:   backend,
		alignment: DefaultAlignment,
		tables:    tables,
		closerSet: make(map[io.Closer]bool),
	}
}

// WithAlignment sets the default pointer-alignment divisor for buffer
// specialization, for chaining. Individual kernels may still override it
// with Kernel.WithAlignment.
func (ctx *Context) WithAlignment(divisor int) *Context {
	if divisor <= 0 {
		exceptions.Panicf("dispatch: alignment divisor must be positive, got %d", divisor)
	}
	ctx.alignment = divisor
	return ctx
}

// Backend returns the backend this context dispatches to.
func (ctx *Context) Backend() backends.Backend { return ctx.backend }

func (ctx *Context) tableFor(device backends.DeviceNum) (*cacheTable, error) {
	if device < 0 || int(device) >= len(ctx.tables) {
		return nil, errors.Errorf("device %d out of range: backend %q has %d device(s)",
			device, ctx.backend.Name(), len(ctx.tables))
	}
	return ctx.tables[device], nil
}

// registerCloser remembers a stage that must be closed at Finalize, once per
// distinct stage even when shared by several kernels.
func (ctx *Context) registerCloser(closer io.Closer) {
	ctx.muClosers.Lock()
	defer ctx.muClosers.Unlock()
	if ctx.closerSet[closer] {
		return
	}
	ctx.closerSet[closer] = true
	ctx.closers = append(ctx.closers, closer)
}

// CacheSize returns the number of cached compiled variants across all
// devices.
func (ctx *Context) CacheSize() int {
	total := 0
	for _, table := range ctx.tables {
		total += table.Len()
	}
	return total
}

// Finalize tears the context down: it closes every registered decision stage
// (flushing newly tuned configurations to their store), finalizes every
// cached executable and empties the cache tables. Stage flush failures are
// logged, not raised, so a shutdown never crashes on a read-only store.
//
// Finalize is idempotent. Dispatching through a finalized context returns an
// error.
func (ctx *Context) Finalize() {
	if !ctx.finalized.CompareAndSwap(false, true) {
		return
	}

	ctx.muClosers.Lock()
	closers := ctx.closers
	ctx.closers = nil
	ctx.closerSet = make(map[io.Closer]bool)
	ctx.muClosers.Unlock()
	for _, closer := range closers {
		if err := closer.Close(); err != nil {
			klog.Warningf("dispatch: error closing decision stage at context teardown: %v", err)
		}
	}

	// Let an in-flight miss resolution finish before dropping its table.
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	for _, table := range ctx.tables {
		table.Range(func(_ string, entry *Entry) bool {
			entry.Exec.Finalize()
			return true
		})
		table.Clear()
	}
}
