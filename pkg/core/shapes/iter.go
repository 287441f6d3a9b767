// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"iter"

	"github.com/pkg/errors"
)

// Iter yields the flat index and the per-axis indices of every element of the shape, in row-major order.
//
// The yielded indices slice is reused between iterations: clone it to keep it.
func (s Shape) Iter() iter.Seq2[int, []int] {
	return func(yield func(int, []int) bool) {
		if !s.Ok() || s.IsZeroSize() {
			return
		}
		indices := make([]int, s.Rank())
		for flatIdx := 0; ; flatIdx++ {
			if !yield(flatIdx, indices) {
				return
			}
			if !s.increment(indices) {
				return
			}
		}
	}
}

// increment advances indices to the next element in row-major order. It returns false after the last one.
func (s Shape) increment(indices []int) bool {
	for axis := s.Rank() - 1; axis >= 0; axis-- {
		indices[axis]++
		if indices[axis] < s.Dimensions[axis] {
			return true
		}
		indices[axis] = 0
	}
	return false
}

// IterStrided yields, for every element in row-major order, its flat index and its position in a storage
// laid out with the given per-axis strides, starting at offset.
//
// It panics if len(strides) != s.Rank().
func (s Shape) IterStrided(strides []int, offset int) iter.Seq2[int, int] {
	if len(strides) != s.Rank() {
		panic(errors.Errorf("Shape.IterStrided: got %d strides for shape %s", len(strides), s))
	}
	return func(yield func(int, int) bool) {
		if !s.Ok() || s.IsZeroSize() {
			return
		}
		indices := make([]int, s.Rank())
		position := offset
		for flatIdx := 0; ; flatIdx++ {
			if !yield(flatIdx, position) {
				return
			}
			// Same as increment, keeping position in sync.
			axis := s.Rank() - 1
			for ; axis >= 0; axis-- {
				indices[axis]++
				position += strides[axis]
				if indices[axis] < s.Dimensions[axis] {
					break
				}
				position -= indices[axis] * strides[axis]
				indices[axis] = 0
			}
			if axis < 0 {
				return
			}
		}
	}
}

// FeatureIndices returns, for every element of the shape in row-major order, the flat index of its feature:
// its position in ReduceShape(s, axes, true).
//
// The axes must be valid for the shape's rank, see Axes.Validate.
func (s Shape) FeatureIndices(axes Axes) []int {
	reducedStrides := ReduceShape(s, axes, true).Strides()
	for axis := range reducedStrides {
		if axes.Contains(axis) {
			reducedStrides[axis] = 0
		}
	}
	features := make([]int, 0, s.Size())
	for _, feature := range s.IterStrided(reducedStrides, 0) {
		features = append(features, feature)
	}
	return features
}
