// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package _default includes the default kernelkit backends, currently the
// portable cpu one.
//
// To use it simply include:
//
//	import _ "github.com/gomlx/kernelkit/backends/default"
package _default

import (
	_ "github.com/gomlx/kernelkit/backends/cpu"
)
