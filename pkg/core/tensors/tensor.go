// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a `Tensor`, a strided view over a flat, device-tagged storage.
//
// It is the minimal tensor type device backends need: shape and dtype, the Device that owns the
// memory, a contiguity flag derived from the strides, and the usual reshape / strided-view /
// cast / contiguity operations.
//
// There are various ways to construct a Tensor:
//
//   - FromShape(shape shapes.Shape): creates a host tensor with the given shape, and zero values.
//   - FromShapeOn(device, shape): same, on the given device.
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int): creates a host tensor with the
//     given dimensions, and set the flattened values with the given data. Example:
//
//     t := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2}) // Tensor with [[1,2], [3,4]]
//
//   - EmptyLike(t, device): a new tensor with the same shape and dtype as t.
//
// Views (Reshape of a contiguous tensor, Slice, Transpose) share storage with the tensor they were created
// from, so writes through one are visible through the other.
//
// A Tensor is not safe for concurrent mutation: the owner of the tensor is responsible for synchronization.
package tensors

import (
	"fmt"
	"slices"

	"github.com/gomlx/cudnnbn/pkg/core/dtypes"
	"github.com/gomlx/cudnnbn/pkg/core/shapes"
	"github.com/gomlx/exceptions"
)

// Tensor represents a multidimensional array, defined by its shape (a data type and its axes' dimensions) and
// a strided view into a flat storage of values of the DType.
type Tensor struct {
	// shape of the tensor.
	shape shapes.Shape

	// strides, in number of elements (not bytes), for each axis.
	strides []int

	// offset, in number of elements, of the first element in the storage.
	offset int

	storage *storage
}

// newTensor creates a contiguous tensor over the given storage.
func newTensor(shape shapes.Shape, st *storage) *Tensor {
	return &Tensor{
		shape:   shape.Clone(),
		strides: shape.Strides(),
		storage: st,
	}
}

// Placeholder returns an empty tensor: it has no shape and no storage, and Ok() returns false.
//
// It is used as the value of results that are not computed.
func Placeholder() *Tensor {
	return &Tensor{shape: shapes.Invalid()}
}

// Shape of Tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank returns the rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Dimensions returns a copy of the tensor's dimensions.
func (t *Tensor) Dimensions() []int { return slices.Clone(t.shape.Dimensions) }

// Size returns the number of elements of the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// NBytes returns the number of bytes used by the elements of the tensor (not counting gaps of strided views).
func (t *Tensor) NBytes() int { return int(t.shape.Memory()) }

// Strides returns a copy of the tensor strides, in number of elements.
func (t *Tensor) Strides() []int { return slices.Clone(t.strides) }

// Offset returns the offset of the tensor's first element in its storage, in number of elements.
func (t *Tensor) Offset() int { return t.offset }

// Ok returns whether the tensor has a valid shape and storage. A Placeholder is not Ok.
func (t *Tensor) Ok() bool {
	return t != nil && t.shape.Ok() && t.storage != nil
}

// AssertValid panics if the tensor is not Ok.
func (t *Tensor) AssertValid() {
	if t == nil {
		exceptions.Panicf("tensor is nil")
	}
	if !t.Ok() {
		exceptions.Panicf("tensor is not valid (placeholder or zero value), shape=%s", t.shape)
	}
}

// Device returns the device that owns the tensor's memory, or nil for a Placeholder.
func (t *Tensor) Device() Device {
	if t.storage == nil {
		return nil
	}
	return t.storage.device
}

// SharesStorage returns whether both tensors are views over the same memory.
func (t *Tensor) SharesStorage(other *Tensor) bool {
	return t.storage != nil && t.storage == other.storage
}

// IsContiguous returns whether the elements of the tensor are laid out in memory in row-major order without
// gaps, consistent with its shape.
//
// Axes of dimension 1 are ignored, since their strides are never used to address an element.
func (t *Tensor) IsContiguous() bool {
	if t.shape.IsZeroSize() {
		return true
	}
	expected := 1
	for axis := t.Rank() - 1; axis >= 0; axis-- {
		dim := t.shape.Dimensions[axis]
		if dim == 1 {
			continue
		}
		if t.strides[axis] != expected {
			return false
		}
		expected *= dim
	}
	return true
}

// String implements fmt.Stringer. It prints the shape, device and the values, if the tensor is small.
func (t *Tensor) String() string {
	if !t.Ok() {
		return "Tensor(placeholder)"
	}
	const maxValues = 16
	if t.Size() > maxValues {
		return fmt.Sprintf("Tensor(%s, device=%s)", t.shape, t.Device().Name())
	}
	return fmt.Sprintf("Tensor(%s, device=%s)%v", t.shape, t.Device().Name(), t.Float64s())
}

// flatIndices calls fn for each element, in logical (row-major) order, with the logical index and the index
// of the element in the flat storage.
func (t *Tensor) flatIndices(fn func(logicalIdx, flatIdx int)) {
	if t.IsContiguous() {
		for ii := range t.Size() {
			fn(ii, t.offset+ii)
		}
		return
	}
	for logicalIdx, flatIdx := range t.shape.IterStrided(t.strides, t.offset) {
		fn(logicalIdx, flatIdx)
	}
}
