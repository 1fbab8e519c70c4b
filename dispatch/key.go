// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"fmt"
	"math"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/kernelkit/backends"
	"github.com/gomlx/kernelkit/buffers"
	"github.com/gomlx/kernelkit/kernels"
	"github.com/pkg/errors"
)

// binding is one call's arguments resolved against the kernel's parameter
// descriptors, by parameter index.
type binding struct {
	// values per parameter. Only meaningful where filled is true.
	values []any

	// explicit marks values the caller supplied, positionally or by keyword.
	// Explicit constants win over decision-stage contributions.
	explicit []bool

	// filled marks values available at bind time: explicit ones plus
	// declared defaults. Constants may stay unfilled and be resolved by the
	// decision-stage chain.
	filled []bool
}

// bind matches positional and keyword arguments to the declared parameters.
// Mismatches are registration errors, surfaced as panics: an argument count
// or name that does not fit the descriptor list can never succeed later.
func (d *Dispatcher) bind(args []any, kwargs map[string]any) *binding {
	params := d.kernel.Params()
	name := d.kernel.Name()
	if len(args) > len(params) {
		exceptions.Panicf("kernel %q takes %d parameter(s), got %d positional arguments",
			name, len(params), len(args))
	}
	b := &binding{
		values:   make([]any, len(params)),
		explicit: make([]bool, len(params)),
		filled:   make([]bool, len(params)),
	}
	for i, arg := range args {
		b.values[i] = arg
		b.explicit[i] = true
		b.filled[i] = true
	}
	for kwarg, value := range kwargs {
		i, found := d.paramIndex[kwarg]
		if !found {
			exceptions.Panicf("kernel %q has no parameter named %q", name, kwarg)
		}
		if b.explicit[i] {
			exceptions.Panicf("kernel %q: parameter %q given both positionally and by keyword",
				name, kwarg)
		}
		b.values[i] = value
		b.explicit[i] = true
		b.filled[i] = true
	}
	for i, p := range params {
		if b.explicit[i] {
			continue
		}
		if p.Default != nil {
			b.values[i] = p.Default
			b.filled[i] = true
			continue
		}
		if p.Role != kernels.RoleConstant {
			exceptions.Panicf("kernel %q: required %s parameter %q missing from the call",
				name, p.Role, p.Name)
		}
	}
	return b
}

// device returns the target device, implied by the call's device-resident
// arguments. A call without buffers runs on device 0.
func (d *Dispatcher) device(b *binding) (backends.DeviceNum, error) {
	device := backends.DeviceNum(0)
	found := false
	for i, v := range b.values {
		if !b.filled[i] {
			continue
		}
		buf, isBuffer := v.(*buffers.Buffer)
		if !isBuffer {
			continue
		}
		if !found {
			device, found = buf.Device(), true
			continue
		}
		if buf.Device() != device {
			return 0, errors.Errorf("kernel %q: arguments live on both device %d and device %d, "+
				"a single dispatch targets one device", d.kernel.Name(), device, buf.Device())
		}
	}
	return device, nil
}

// specKey builds the specialization key for a bound call. Equal keys must be
// dispatchable to the same compiled artifact:
//
//   - specializing buffers contribute element type and alignment class,
//   - specializing scalars contribute type and exact value,
//   - runtime-only arguments contribute a coarse type tag only (for
//     integers, the width class of the value),
//   - compile-time constants contribute their bound value, in declaration
//     order, or an unset marker when the decision chain will choose them.
func (d *Dispatcher) specKey(b *binding) string {
	var sb strings.Builder
	sb.WriteString(d.kernel.Name())
	for _, i := range d.specIdx {
		if buf, isBuffer := b.values[i].(*buffers.Buffer); isBuffer {
			fmt.Fprintf(&sb, "|b:%s:%d", buf.DType(), alignmentClass(buf, d.alignment))
			continue
		}
		fmt.Fprintf(&sb, "|v:%s", scalarTag(b.values[i]))
	}
	for _, i := range d.runtimeIdx {
		if buf, isBuffer := b.values[i].(*buffers.Buffer); isBuffer {
			fmt.Fprintf(&sb, "|r:%s", buf.DType())
			continue
		}
		if class, isInt := intWidthClass(b.values[i]); isInt {
			sb.WriteString("|r:")
			sb.WriteString(class)
			continue
		}
		fmt.Fprintf(&sb, "|r:%T", b.values[i])
	}
	for _, i := range d.constIdx {
		if !b.filled[i] {
			sb.WriteString("|c:?")
			continue
		}
		fmt.Fprintf(&sb, "|c:%s", scalarTag(b.values[i]))
	}
	return sb.String()
}

// scalarTag formats one type-tagged value component. Strings are quoted: a
// raw value could embed the component separator and collide distinct calls.
func scalarTag(v any) string {
	if s, isString := v.(string); isString {
		return fmt.Sprintf("string=%q", s)
	}
	return fmt.Sprintf("%T=%v", v, v)
}

func alignmentClass(buf *buffers.Buffer, divisor int) int {
	if buf.AlignedTo(divisor) {
		return 1
	}
	return 0
}

// intWidthClass reports the launch-width class of an integer value: "i32"
// when it fits a signed 32-bit slot, "u64" for values at or above 2^63 and
// "i64" otherwise. Non-integers report false.
func intWidthClass(v any) (string, bool) {
	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int8:
		n = int64(x)
	case int16:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case uint8:
		n = int64(x)
	case uint16:
		n = int64(x)
	case uint32:
		n = int64(x)
	case uint:
		if uint64(x) >= 1<<63 {
			return "u64", true
		}
		n = int64(x)
	case uint64:
		if x >= 1<<63 {
			return "u64", true
		}
		n = int64(x)
	default:
		return "", false
	}
	if n >= math.MinInt32 && n <= math.MaxInt32 {
		return "i32", true
	}
	return "i64", true
}
