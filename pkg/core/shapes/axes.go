// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// Axes is an ordered set of axis indices, typically the axes reduced over by an operation.
//
// The order is the order given by the caller: some consumers (like accelerator primitives)
// recognize exact patterns, so Axes are never sorted implicitly.
type Axes []int

// String implements fmt.Stringer. E.g.: "{0, 2, 3}".
func (a Axes) String() string {
	parts := make([]string, len(a))
	for ii, axis := range a {
		parts[ii] = fmt.Sprint(axis)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Equal returns whether both axes have the same elements in the same order.
func (a Axes) Equal(other Axes) bool {
	return slices.Equal(a, other)
}

// Contains returns whether axis is one of the axes.
func (a Axes) Contains(axis int) bool {
	return slices.Contains(a, axis)
}

// Validate checks that all axes are in [0, rank) and that there are no repeated axes.
func (a Axes) Validate(rank int) error {
	seen := make([]bool, rank)
	for _, axis := range a {
		if axis < 0 || axis >= rank {
			return errors.Errorf("axis %d out of range for rank %d (axes=%s)", axis, rank, a)
		}
		if seen[axis] {
			return errors.Errorf("axis %d repeated in axes %s", axis, a)
		}
		seen[axis] = true
	}
	return nil
}

// ReduceShape returns the shape resulting from reducing shape over the given axes.
//
// If keepDims is true, the reduced axes are kept with dimension 1, otherwise they are removed.
// The axes must be valid for the shape's rank, see Axes.Validate.
func ReduceShape(shape Shape, axes Axes, keepDims bool) Shape {
	reduced := Shape{DType: shape.DType, Dimensions: make([]int, 0, shape.Rank())}
	for axis, dim := range shape.Dimensions {
		if axes.Contains(axis) {
			if keepDims {
				reduced.Dimensions = append(reduced.Dimensions, 1)
			}
			continue
		}
		reduced.Dimensions = append(reduced.Dimensions, dim)
	}
	return reduced
}
