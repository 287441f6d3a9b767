// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cuda

import (
	"github.com/gomlx/cudnnbn/backends"
	"github.com/gomlx/cudnnbn/backends/cuda/cudnn"
	"github.com/gomlx/cudnnbn/pkg/core/shapes"
	"github.com/gomlx/cudnnbn/pkg/core/tensors"
	"github.com/pkg/errors"
)

// computeKeyAxis returns the axes in [0, rank) that are not in axis, in ascending order.
func computeKeyAxis(rank int, axis shapes.Axes) shapes.Axes {
	keyAxis := make(shapes.Axes, 0, rank)
	for ii := range rank {
		if !axis.Contains(ii) {
			keyAxis = append(keyAxis, ii)
		}
	}
	return keyAxis
}

// as4D returns t as a 4D (N, C, H, W) tensor, where the first key axis plays the role of C.
//
// A rank 4 tensor with key axis 1 is returned as is. If the key axis is the last one, t is reshaped to
// (size / last, last, 1, 1). Any other layout is not supported by the primitives.
func as4D(t *tensors.Tensor, keyAxis shapes.Axes) (*tensors.Tensor, error) {
	shape := t.Shape()
	if len(keyAxis) == 0 {
		return nil, errors.Wrapf(backends.ErrDimension,
			"cannot use shape %s with an empty key axis (all axes reduced)", shape)
	}
	rank := shape.Rank()
	if rank == 4 && keyAxis[0] == 1 {
		return t, nil
	}
	if keyAxis[0] == rank-1 {
		last := shape.Dimensions[rank-1]
		if last == 0 {
			return nil, errors.Wrapf(backends.ErrDimension, "cannot use shape %s with key axis %s of dimension 0",
				shape, keyAxis)
		}
		return t.Reshape(t.Size()/last, last, 1, 1)
	}
	return nil, errors.Wrapf(backends.ErrDimension, "cannot use shape %s with key axis %s: "+
		"key axis must be 1 for rank 4 tensors or the last axis", shape, keyAxis)
}

// batchNormMode returns the primitive's normalization mode for the reduced axes.
func batchNormMode(axis shapes.Axes) (cudnn.BatchNormMode, error) {
	switch {
	case axis.Equal(shapes.Axes{0}):
		return cudnn.BatchNormPerActivation, nil
	case axis.Equal(shapes.Axes{0, 2, 3}), axis.Equal(shapes.Axes{0, 2, 3, 4}):
		return cudnn.BatchNormSpatial, nil
	}
	return 0, errors.Wrapf(backends.ErrDimension,
		"invalid axis %s for batch norm using cuDNN: expected 1, 3 or 4 dimensions", axis)
}
