// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"slices"
	"testing"

	"github.com/gomlx/cudnnbn/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape_Iter(t *testing.T) {
	collect := func(shape Shape) (all [][]int) {
		counter := 0
		for flatIdx, indices := range shape.Iter() {
			require.Equal(t, counter, flatIdx)
			counter++
			all = append(all, slices.Clone(indices))
		}
		return
	}
	assert.Equal(t, [][]int{{0, 0, 0, 0}}, collect(Make(dtypes.Float32, 1, 1, 1, 1)))
	assert.Equal(t, [][]int{{}}, collect(Make(dtypes.Float32)))
	assert.Equal(t, [][]int{{0, 0}, {0, 1}, {1, 0}, {1, 1}, {2, 0}, {2, 1}}, collect(Make(dtypes.Float64, 3, 2)))
	assert.Equal(t, [][]int{{0, 0, 0, 0}, {0, 0, 1, 0}, {1, 0, 0, 0}, {1, 0, 1, 0}},
		collect(Make(dtypes.BFloat16, 2, 1, 2, 1)))
	assert.Empty(t, collect(Make(dtypes.Float32, 2, 0, 3)))
	assert.Empty(t, collect(Invalid()))

	// Early break.
	count := 0
	for range Make(dtypes.Float32, 4, 4).Iter() {
		count++
		if count == 3 {
			break
		}
	}
	assert.Equal(t, 3, count)
}

func TestShape_IterStrided(t *testing.T) {
	collect := func(shape Shape, strides []int, offset int) []int {
		var positions []int
		for flatIdx, position := range shape.IterStrided(strides, offset) {
			require.Equal(t, len(positions), flatIdx)
			positions = append(positions, position)
		}
		return positions
	}
	shape := Make(dtypes.Float32, 2, 3)
	// Row-major strides: positions are the flat indices.
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, collect(shape, shape.Strides(), 0))
	// Transposed view of a (3, 2) storage.
	assert.Equal(t, []int{0, 2, 4, 1, 3, 5}, collect(shape, []int{1, 2}, 0))
	// Every other column of a (2, 6) storage, starting at column 1.
	assert.Equal(t, []int{1, 3, 5, 7, 9, 11}, collect(shape, []int{6, 2}, 1))
	// Broadcast over the first axis.
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2}, collect(shape, []int{0, 1}, 0))
	assert.Equal(t, []int{7}, collect(Make(dtypes.Float32), nil, 7))
	require.Panics(t, func() { _ = Make(dtypes.Float32, 2, 3).IterStrided([]int{1}, 0) })
}

func TestShape_FeatureIndices(t *testing.T) {
	shape := Make(dtypes.Float32, 2, 3, 1, 2)
	assert.Equal(t, []int{0, 0, 1, 1, 2, 2, 0, 0, 1, 1, 2, 2}, shape.FeatureIndices(Axes{0, 2, 3}))
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 0, 1, 2, 3, 4, 5}, shape.FeatureIndices(Axes{0}))
	assert.Equal(t, []int{0, 1, 0, 1, 0, 1, 2, 3, 2, 3, 2, 3}, shape.FeatureIndices(Axes{1}))
	assert.Equal(t, make([]int, 12), shape.FeatureIndices(Axes{0, 1, 2, 3}))
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2}, Make(dtypes.Float32, 2, 3).FeatureIndices(Axes{0}))
}
