// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"math"

	"github.com/gomlx/cudnnbn/pkg/core/dtypes"
	"github.com/gomlx/cudnnbn/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// FromShape returns a host Tensor with the given shape, with the data initialized with zeros.
func FromShape(shape shapes.Shape) *Tensor {
	return FromShapeOn(Host, shape)
}

// FromShapeOn returns a Tensor with the given shape on the given device, with the data initialized with zeros.
//
// It panics if the shape is not valid.
func FromShapeOn(device Device, shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShapeOn(%s): invalid shape", shape)
	}
	return newTensor(shape, newStorage(device, shape.DType, shape.Size()))
}

// EmptyLike returns a new contiguous tensor on device with the same shape and dtype as t.
//
// The contents are zero-initialized: callers must not rely on any particular value.
func EmptyLike(t *Tensor, device Device) *Tensor {
	t.AssertValid()
	return FromShapeOn(device, t.shape)
}

// FromFlatDataAndDimensions creates a host tensor with the given dimensions, filled with the flattened values
// given in `data`.
// The data is copied to the Tensor.
// The `DType` is inferred from the `data` type.
//
// It panics if the size of data is wrong for the shape.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	return FromFlatDataOn(Host, data, dimensions...)
}

// FromFlatDataOn is like FromFlatDataAndDimensions, but the tensor is created on the given device.
func FromFlatDataOn[T dtypes.Supported](device Device, data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf(
			"FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t := FromShapeOn(device, shape)
	copy(t.storage.flat.([]T), data)
	return t
}

// FromScalarAndDimensions creates a host tensor with the given dimensions, filled with the
// given scalar value replicated everywhere.
func FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	t := FromShape(shapes.Make(dtype, dimensions...))
	flat := t.storage.flat.([]T)
	for ii := range flat {
		flat[ii] = value
	}
	return t
}

// CopyFlatData returns a copy of the values of the tensor, in logical (row-major) order.
//
// It returns an error if the generic type doesn't match the DType of the tensor.
func CopyFlatData[T dtypes.Supported](t *Tensor) ([]T, error) {
	t.AssertValid()
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		return nil, errors.Errorf("CopyFlatData[%T] is incompatible with Tensor's dtype %s -- expected dtype %s",
			v, t.shape.DType, dtypes.FromGenericsType[T]())
	}
	flat := t.storage.flat.([]T)
	values := make([]T, t.Size())
	t.flatIndices(func(logicalIdx, flatIdx int) {
		values[logicalIdx] = flat[flatIdx]
	})
	return values, nil
}

// MustCopyFlatData is like CopyFlatData, but panics on error.
func MustCopyFlatData[T dtypes.Supported](t *Tensor) []T {
	values, err := CopyFlatData[T](t)
	if err != nil {
		panic(err)
	}
	return values
}

// Float64s returns the values of the tensor converted to float64, in logical (row-major) order.
//
// Int64 values beyond 2^53 lose precision.
func (t *Tensor) Float64s() []float64 {
	t.AssertValid()
	return gatherFloat64s(t)
}

// SetFloat64s sets the values of the tensor, in logical (row-major) order, converting from float64.
// It works for any view, contiguous or not.
func (t *Tensor) SetFloat64s(values []float64) error {
	t.AssertValid()
	if len(values) != t.Size() {
		return errors.Errorf("SetFloat64s: got %d values for tensor of shape %s", len(values), t.shape)
	}
	scatterFloat64s(t, values)
	return nil
}

// RawData returns the bytes of the tensor's elements, starting at its offset in the storage.
//
// The returned slice points to the tensor memory, and writes to it change the tensor. It is meant to be handed
// to device primitives, which address memory linearly, so the tensor must be contiguous: it panics otherwise.
func (t *Tensor) RawData() []byte {
	t.AssertValid()
	if !t.IsContiguous() {
		exceptions.Panicf("RawData() of non-contiguous tensor %s (strides=%v)", t.shape, t.strides)
	}
	return t.storage.bytes(t.offset, t.Size())
}

// ToDevice returns a contiguous copy of the tensor on the given device, using device.MemoryCopyFrom.
func (t *Tensor) ToDevice(device Device) (*Tensor, error) {
	src := t.AsContiguous()
	dst := FromShapeOn(device, t.shape)
	if err := device.MemoryCopyFrom(dst.RawData(), src.RawData(), src.Device()); err != nil {
		return nil, errors.WithMessagef(err, "copying tensor %s from %q to %q", t.shape, t.Device().Name(), device.Name())
	}
	return dst, nil
}

// InDelta checks whether Abs(t - otherTensor) <= delta for every element.
// If the shapes are different, it returns false.
func (t *Tensor) InDelta(otherTensor *Tensor, delta float64) bool {
	t.AssertValid()
	otherTensor.AssertValid()
	if t == otherTensor {
		return true
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	values0, values1 := t.Float64s(), otherTensor.Float64s()
	for ii, v0 := range values0 {
		v1 := values1[ii]
		if math.IsNaN(v0) != math.IsNaN(v1) {
			return false
		}
		if math.Abs(v0-v1) > delta {
			return false
		}
	}
	return true
}
