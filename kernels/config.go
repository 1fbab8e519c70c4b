// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/exp/maps"
)

// Constants maps compile-time-constant names to their resolved values.
type Constants map[string]any

// Clone returns a shallow copy of the map.
func (c Constants) Clone() Constants {
	out := make(Constants, len(c))
	for name, value := range c {
		out[name] = value
	}
	return out
}

// Names of the launch-resource hints a Config contributes alongside its
// constants. They are reserved: kernels must not declare parameters with
// these names.
const (
	ConstNumWarps       = "num_warps"
	ConstNumStages      = "num_stages"
	ConstNumCTAs        = "num_ctas"
	ConstEnableFPFusion = "enable_fp_fusion"
)

var reservedConstNames = map[string]bool{
	ConstNumWarps:       true,
	ConstNumStages:      true,
	ConstNumCTAs:        true,
	ConstEnableFPFusion: true,
}

// Launch-resource hint defaults applied when a Config leaves them zero.
const (
	DefaultWarps  = 4
	DefaultStages = 2
	DefaultCTAs   = 1
)

// Config is one tuning configuration: the compile-time-constant choices plus
// launch-resource hints. Autotuner candidates are Configs, and the persistent
// tuning store maps problem shapes to Configs.
//
// A Config is immutable once selected for a shape; many shapes may share one
// Config.
type Config struct {
	// Constants chosen by this configuration, e.g. tile sizes.
	Constants Constants

	// Warps is the parallelism width hint. 0 means DefaultWarps.
	Warps int

	// Stages is the pipelining depth hint. 0 means DefaultStages.
	Stages int

	// CTAs is the resource-class count hint. 0 means DefaultCTAs.
	CTAs int

	// FPFusion enables the backend's floating-point fusion optimization.
	FPFusion bool
}

// NewConfig returns a Config with the given constants and default hints.
func NewConfig(constants Constants) *Config {
	return &Config{Constants: constants}
}

// WithWarps returns the Config with the parallelism width hint set, for
// chaining.
func (c *Config) WithWarps(warps int) *Config {
	c.Warps = warps
	return c
}

// WithStages returns the Config with the pipelining depth hint set, for
// chaining.
func (c *Config) WithStages(stages int) *Config {
	c.Stages = stages
	return c
}

// WithCTAs returns the Config with the resource-class count hint set, for
// chaining.
func (c *Config) WithCTAs(ctas int) *Config {
	c.CTAs = ctas
	return c
}

// WithFPFusion returns the Config with the fusion flag set, for chaining.
func (c *Config) WithFPFusion(enabled bool) *Config {
	c.FPFusion = enabled
	return c
}

// NumWarps returns the parallelism width hint, applying the default.
func (c *Config) NumWarps() int {
	if c.Warps == 0 {
		return DefaultWarps
	}
	return c.Warps
}

// NumStages returns the pipelining depth hint, applying the default.
func (c *Config) NumStages() int {
	if c.Stages == 0 {
		return DefaultStages
	}
	return c.Stages
}

// NumCTAs returns the resource-class count hint, applying the default.
func (c *Config) NumCTAs() int {
	if c.CTAs == 0 {
		return DefaultCTAs
	}
	return c.CTAs
}

// Contribution returns the constants this Config adds when selected: its own
// Constants plus the reserved launch-resource hints.
func (c *Config) Contribution() Constants {
	out := make(Constants, len(c.Constants)+4)
	for name, value := range c.Constants {
		out[name] = value
	}
	out[ConstNumWarps] = c.NumWarps()
	out[ConstNumStages] = c.NumStages()
	out[ConstNumCTAs] = c.NumCTAs()
	out[ConstEnableFPFusion] = c.FPFusion
	return out
}

// String implements fmt.Stringer, listing constants in sorted order.
func (c *Config) String() string {
	var parts []string
	names := maps.Keys(c.Constants)
	slices.Sort(names)
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%v", name, c.Constants[name]))
	}
	parts = append(parts,
		fmt.Sprintf("%s=%d", ConstNumWarps, c.NumWarps()),
		fmt.Sprintf("%s=%d", ConstNumStages, c.NumStages()),
		fmt.Sprintf("%s=%d", ConstNumCTAs, c.NumCTAs()),
		fmt.Sprintf("%s=%v", ConstEnableFPFusion, c.FPFusion))
	return "Config[" + strings.Join(parts, ", ") + "]"
}

// Equal reports whether two Configs resolve to the same contribution.
func (c *Config) Equal(other *Config) bool {
	if c == nil || other == nil {
		return c == other
	}
	if c.NumWarps() != other.NumWarps() || c.NumStages() != other.NumStages() ||
		c.NumCTAs() != other.NumCTAs() || c.FPFusion != other.FPFusion {
		return false
	}
	if len(c.Constants) != len(other.Constants) {
		return false
	}
	for name, value := range c.Constants {
		otherValue, ok := other.Constants[name]
		if !ok || value != otherValue {
			return false
		}
	}
	return true
}
