// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package buffers implements the device-resident argument type passed to
// kernels.
//
// A Buffer carries a flat typed slice, its element type (a gopjrt dtypes
// value), the device holding it and an element offset, so views into a larger
// allocation keep their own base pointer. The dispatcher only ever inspects a
// Buffer's dtype, device and pointer alignment class; backends access the
// data through the generic Flat accessor.
package buffers

import (
	"fmt"
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernelkit/backends"
)

// Buffer is a flat, device-resident kernel argument.
//
// The zero value is not usable; build Buffers with New or FromFlat. Buffers
// are views: Offset shares the underlying data.
type Buffer struct {
	dtype  dtypes.DType
	flat   any // Typed slice of dtype.GoType(), e.g. []float32.
	offset int // In elements, into flat.
	length int // In elements.
	device backends.DeviceNum
}

// New allocates a zero-initialized Buffer with n elements of the given dtype,
// on device 0.
func New(dtype dtypes.DType, n int) *Buffer {
	if n < 0 {
		exceptions.Panicf("buffers.New: negative size %d", n)
	}
	flatV := reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), n, n)
	return &Buffer{
		dtype:  dtype,
		flat:   flatV.Interface(),
		length: n,
	}
}

// FromFlat wraps an existing slice as a Buffer on device 0, without copying.
// The dtype is inferred from T.
func FromFlat[T dtypes.Supported](flat []T) *Buffer {
	return &Buffer{
		dtype:  dtypes.FromGenericsType[T](),
		flat:   flat,
		length: len(flat),
	}
}

// OnDevice assigns the buffer to a device and returns it, for chaining.
func (b *Buffer) OnDevice(device backends.DeviceNum) *Buffer {
	b.device = device
	return b
}

// DType returns the element type.
func (b *Buffer) DType() dtypes.DType { return b.dtype }

// Len returns the number of elements in this view.
func (b *Buffer) Len() int { return b.length }

// Device returns the device holding the buffer.
func (b *Buffer) Device() backends.DeviceNum { return b.device }

// Memory returns the bytes occupied by this view.
func (b *Buffer) Memory() uintptr {
	return b.dtype.Memory() * uintptr(b.length)
}

// Offset returns a view of the buffer starting at the given element, sharing
// the underlying data and device. Shifting by elements whose byte size is not
// a multiple of the usual alignment divisor is how tests build misaligned
// pointers on purpose.
func (b *Buffer) Offset(elements int) *Buffer {
	if elements < 0 || elements > b.length {
		exceptions.Panicf("buffers.Offset: offset %d out of range of %d elements", elements, b.length)
	}
	return &Buffer{
		dtype:  b.dtype,
		flat:   b.flat,
		offset: b.offset + elements,
		length: b.length - elements,
		device: b.device,
	}
}

// Ptr returns the address of the first element of this view. It is what the
// dispatcher reduces to an alignment class when building specialization keys;
// don't dereference it.
func (b *Buffer) Ptr() uintptr {
	return reflect.ValueOf(b.flat).Pointer() + uintptr(b.offset)*b.dtype.Memory()
}

// AlignedTo reports whether the view's base address is a multiple of divisor.
func (b *Buffer) AlignedTo(divisor int) bool {
	if divisor <= 1 {
		return true
	}
	return b.Ptr()%uintptr(divisor) == 0
}

// String implements fmt.Stringer.
func (b *Buffer) String() string {
	return fmt.Sprintf("buffer[%s][%d]@dev%d", b.dtype, b.length, b.device)
}

// Flat returns the buffer's data as a []T, sliced to this view.
// It panics if T does not match the buffer's dtype.
func Flat[T dtypes.Supported](b *Buffer) []T {
	want := dtypes.FromGenericsType[T]()
	if want != b.dtype {
		exceptions.Panicf("buffers.Flat[%s]: buffer holds %s", want, b.dtype)
	}
	flat := b.flat.([]T)
	return flat[b.offset : b.offset+b.length]
}
