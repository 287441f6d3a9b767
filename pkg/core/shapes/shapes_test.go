// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/cudnnbn/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())

	shape0 := Make(dtypes.Float64)
	require.True(t, shape0.Ok())
	require.True(t, shape0.IsScalar())
	require.Equal(t, 0, shape0.Rank())
	require.Len(t, shape0.Dimensions, 0)
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 8, int(shape0.Memory()))

	shape1 := Make(dtypes.Float16, 8, 3, 32, 32)
	require.Equal(t, 4, shape1.Rank())
	require.Equal(t, 8*3*32*32, shape1.Size())
	require.Equal(t, uintptr(2*8*3*32*32), shape1.Memory())
	require.Equal(t, 32, shape1.Dim(-1))
	require.Equal(t, 3, shape1.Dim(1))
	require.Equal(t, "(Float16)[8 3 32 32]", shape1.String())
	require.Panics(t, func() { _ = shape1.Dim(4) })
	require.Panics(t, func() { _ = Make(dtypes.Float32, 2, -1) })

	shape2 := shape1.WithDType(dtypes.Float32)
	require.False(t, shape1.Equal(shape2))
	require.True(t, shape1.EqualDimensions(shape2))
	require.Equal(t, dtypes.Float16, shape1.DType, "WithDType must not change the original")

	clone := shape1.Clone()
	clone.Dimensions[0] = 1
	require.Equal(t, 8, shape1.Dimensions[0], "Clone must deep copy dimensions")

	require.True(t, Make(dtypes.Float32, 3, 0).IsZeroSize())
	require.Equal(t, []int{3 * 32 * 32, 32 * 32, 32, 1}, shape1.Strides())
}

func TestAxes(t *testing.T) {
	axes := Axes{0, 2, 3}
	assert.Equal(t, "{0, 2, 3}", axes.String())
	assert.True(t, axes.Contains(2))
	assert.False(t, axes.Contains(1))
	assert.True(t, axes.Equal(Axes{0, 2, 3}))
	assert.False(t, axes.Equal(Axes{0, 3, 2}))

	assert.NoError(t, axes.Validate(4))
	assert.Error(t, axes.Validate(3))
	assert.Error(t, Axes{0, 0}.Validate(2))
	assert.Error(t, Axes{-1}.Validate(2))
}

func TestReduceShape(t *testing.T) {
	shape := Make(dtypes.Float32, 8, 3, 32, 32)
	assert.Equal(t, []int{1, 3, 1, 1}, ReduceShape(shape, Axes{0, 2, 3}, true).Dimensions)
	assert.Equal(t, []int{3}, ReduceShape(shape, Axes{0, 2, 3}, false).Dimensions)
	assert.Equal(t, dtypes.Float32, ReduceShape(shape, Axes{0}, true).DType)
	assert.Equal(t, []int{1, 4}, ReduceShape(Make(dtypes.Float64, 10, 4), Axes{0}, true).Dimensions)
}
