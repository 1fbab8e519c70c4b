// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface the kernel compiler/executor
// collaborator needs to implement to be driven by kernelkit's dispatcher.
//
// A backend turns (kernel definition, resolved compile-time constants) pairs
// into launchable executables. Compilation is assumed expensive and NOT safe
// for concurrent first use: the dispatch package serializes all compilations
// behind one process-wide lock. Compilation is also assumed idempotent: the
// same (definition, constants) pair may be compiled again after a cache
// teardown and must yield an equivalent executable.
//
// Backends register themselves at init() time (see Register); programs pick
// one with New or NewWithConfig, or through the KERNELKIT_BACKEND environment
// variable.
package backends

import (
	"os"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/kernelkit/kernels"
	"golang.org/x/exp/maps"
)

// DeviceNum identifies which device holds a buffer or executes a launch.
// It's up to the backend to interpret it, but it must be between 0 and
// Backend.NumDevices()-1.
type DeviceNum int

// Backend is the compiler/executor API driven by the dispatcher.
type Backend interface {
	// Name returns the short name of the backend, e.g. "cpu".
	Name() string

	// String returns a one-line description with runtime details, used in
	// logs and error messages.
	String() string

	// Description is a longer description of the backend that can be used to
	// pretty-print.
	Description() string

	// NumDevices returns the number of devices available for this backend.
	NumDevices() DeviceNum

	// Compile builds the executable variant of kernel with the given
	// compile-time constants baked in. The kernel carries the opaque
	// definition payload and the declared parameter list; the returned
	// executable is launched with the non-constant arguments only, in
	// declaration order.
	//
	// Compile is called with the dispatcher's compilation lock held: it will
	// never run concurrently with itself.
	Compile(kernel *kernels.Kernel, constants kernels.Constants) (Executable, error)

	// Finalize releases all the associated resources immediately and makes
	// the backend invalid.
	Finalize()
}

// Constructor takes a backend config string (optionally empty) and returns a
// Backend.
type Constructor func(config string) (Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a backend constructor under the given name. The first registered
// backend is the fallback when no configuration selects one.
//
// It panics if the name is already taken. Call Register during package
// initialization.
func Register(name string, constructor Constructor) {
	if _, found := registeredConstructors[name]; found {
		exceptions.Panicf("backends.Register: backend %q registered twice", name)
	}
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List returns the names of the registered backends, sorted.
func List() []string {
	names := maps.Keys(registeredConstructors)
	slices.Sort(names)
	return names
}

// DefaultConfig is the default backend configuration used by New when the
// environment doesn't specify one.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// KERNELKIT_BACKEND is the environment variable with the default backend
// configuration to use.
//
// The format of the config is "<backend_name>" or
// "<backend_name>:<backend_configuration>", where "<backend_configuration>"
// is backend specific (e.g. for the cpu backend, the number of virtual
// devices).
const KERNELKIT_BACKEND = "KERNELKIT_BACKEND"

// New returns a Backend using the default configuration:
//
//  1. The environment variable KERNELKIT_BACKEND, if set.
//  2. The variable DefaultConfig, if not empty.
//  3. The first registered backend, with an empty configuration.
//
// It returns an error if no backend is registered or the configured one
// fails to construct.
func New() (Backend, error) {
	if config, found := os.LookupEnv(KERNELKIT_BACKEND); found {
		return NewWithConfig(config)
	}
	return NewWithConfig(DefaultConfig)
}

// MustNew is like New but panics on error.
func MustNew() Backend {
	backend, err := New()
	if err != nil {
		panic(err)
	}
	return backend
}

// NewWithConfig builds the backend selected by a configuration string
// formatted as "<backend_name>" or "<backend_name>:<backend_configuration>".
// An empty string selects the first registered backend.
func NewWithConfig(config string) (Backend, error) {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no kernelkit backends registered -- maybe import the default one with import _ "github.com/gomlx/kernelkit/backends/default"?`)
	}
	backendName := config
	backendConfig := ""
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	}
	if backendName == "" {
		backendName = firstRegistered
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find backend %q (from configuration %q): registered backends are %v",
			backendName, config, List())
	}
	return constructor(backendConfig)
}
