// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"slices"

	"github.com/gomlx/cudnnbn/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Reshape returns a tensor with the same elements and the given dimensions.
//
// If t is contiguous the result is a view sharing t's storage (and t itself if the dimensions are unchanged),
// otherwise t is first copied to a contiguous tensor.
func (t *Tensor) Reshape(dimensions ...int) (*Tensor, error) {
	t.AssertValid()
	newShape := shapes.Shape{DType: t.shape.DType, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim < 0 {
			return nil, errors.Errorf("cannot reshape %s to %v: negative dimension", t.shape, dimensions)
		}
	}
	if newShape.Size() != t.Size() {
		return nil, errors.Errorf("cannot reshape %s (%d elements) to %v (%d elements)",
			t.shape, t.Size(), dimensions, newShape.Size())
	}
	if slices.Equal(dimensions, t.shape.Dimensions) {
		return t, nil
	}
	src := t.AsContiguous()
	return &Tensor{
		shape:   newShape,
		strides: newShape.Strides(),
		offset:  src.offset,
		storage: src.storage,
	}, nil
}

// Transpose returns a view of t with the axes permuted: axis ii of the result is axis permutation[ii] of t.
// The result is usually not contiguous.
func (t *Tensor) Transpose(permutation ...int) (*Tensor, error) {
	t.AssertValid()
	if len(permutation) != t.Rank() {
		return nil, errors.Errorf("Transpose of %s requires %d axes in the permutation, got %v",
			t.shape, t.Rank(), permutation)
	}
	if err := shapes.Axes(permutation).Validate(t.Rank()); err != nil {
		return nil, errors.WithMessagef(err, "invalid permutation for Transpose of %s", t.shape)
	}
	view := &Tensor{
		shape:   shapes.Shape{DType: t.shape.DType, Dimensions: make([]int, t.Rank())},
		strides: make([]int, t.Rank()),
		offset:  t.offset,
		storage: t.storage,
	}
	for ii, axis := range permutation {
		view.shape.Dimensions[ii] = t.shape.Dimensions[axis]
		view.strides[ii] = t.strides[axis]
	}
	return view, nil
}

// Slice returns a view of t restricted to the indices start, start+step, ... (< stop) of the given axis.
// A step larger than 1 yields a non-contiguous view.
func (t *Tensor) Slice(axis, start, stop, step int) (*Tensor, error) {
	t.AssertValid()
	if axis < 0 || axis >= t.Rank() {
		return nil, errors.Errorf("Slice: axis %d out of range for %s", axis, t.shape)
	}
	dim := t.shape.Dimensions[axis]
	if start < 0 || stop > dim || start > stop || step <= 0 {
		return nil, errors.Errorf("Slice: invalid range [%d:%d:%d] for axis %d of %s", start, stop, step, axis, t.shape)
	}
	view := &Tensor{
		shape:   t.shape.Clone(),
		strides: slices.Clone(t.strides),
		offset:  t.offset + start*t.strides[axis],
		storage: t.storage,
	}
	view.shape.Dimensions[axis] = (stop - start + step - 1) / step
	view.strides[axis] *= step
	return view, nil
}

// AsContiguous returns t itself if it is contiguous, otherwise a contiguous copy on the same device.
func (t *Tensor) AsContiguous() *Tensor {
	t.AssertValid()
	if t.IsContiguous() {
		return t
	}
	dst := FromShapeOn(t.Device(), t.shape)
	copyElements(dst, t)
	return dst
}
