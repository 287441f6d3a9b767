// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"github.com/gomlx/cudnnbn/pkg/core/dtypes"
	"github.com/gomlx/cudnnbn/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/exceptions"
	"github.com/x448/float16"
)

// AsType returns t converted to dtype.
//
// If dtype is already t's dtype and copy is false, t itself is returned. Otherwise, a new contiguous
// tensor on the same device is returned. Conversions go through float64, so Int64 values beyond 2^53
// lose precision, and float-to-int conversions truncate.
func (t *Tensor) AsType(dtype dtypes.DType, copy bool) *Tensor {
	t.AssertValid()
	if !dtype.IsSupported() {
		exceptions.Panicf("AsType(%s): unsupported dtype for tensor %s", dtype, t.shape)
	}
	if dtype == t.DType() {
		if !copy {
			return t
		}
		dst := FromShapeOn(t.Device(), t.shape)
		copyElements(dst, t)
		return dst
	}
	dst := FromShapeOn(t.Device(), t.shape.WithDType(dtype))
	scatterFloat64s(dst, gatherFloat64s(t))
	return dst
}

// copyElements copies the elements of src to dst, in logical order. Both must have the same shape and dtype.
func copyElements(dst, src *Tensor) {
	switch srcFlat := src.storage.flat.(type) {
	case []float32:
		copyElementsGeneric(dst, src, srcFlat)
	case []float64:
		copyElementsGeneric(dst, src, srcFlat)
	case []float16.Float16:
		copyElementsGeneric(dst, src, srcFlat)
	case []bfloat16.BFloat16:
		copyElementsGeneric(dst, src, srcFlat)
	case []int32:
		copyElementsGeneric(dst, src, srcFlat)
	case []int64:
		copyElementsGeneric(dst, src, srcFlat)
	default:
		exceptions.Panicf("copyElements: unsupported storage type %T", srcFlat)
	}
}

func copyElementsGeneric[T dtypes.Supported](dst, src *Tensor, srcFlat []T) {
	dstFlat := dst.storage.flat.([]T)
	dstOffsets := make([]int, dst.Size())
	dst.flatIndices(func(logicalIdx, flatIdx int) { dstOffsets[logicalIdx] = flatIdx })
	src.flatIndices(func(logicalIdx, flatIdx int) {
		dstFlat[dstOffsets[logicalIdx]] = srcFlat[flatIdx]
	})
}

// gatherFloat64s returns the values of t, in logical order, converted to float64.
func gatherFloat64s(t *Tensor) []float64 {
	values := make([]float64, t.Size())
	switch flat := t.storage.flat.(type) {
	case []float32:
		t.flatIndices(func(ii, jj int) { values[ii] = float64(flat[jj]) })
	case []float64:
		t.flatIndices(func(ii, jj int) { values[ii] = flat[jj] })
	case []float16.Float16:
		t.flatIndices(func(ii, jj int) { values[ii] = float64(flat[jj].Float32()) })
	case []bfloat16.BFloat16:
		t.flatIndices(func(ii, jj int) { values[ii] = flat[jj].Float64() })
	case []int32:
		t.flatIndices(func(ii, jj int) { values[ii] = float64(flat[jj]) })
	case []int64:
		t.flatIndices(func(ii, jj int) { values[ii] = float64(flat[jj]) })
	default:
		exceptions.Panicf("gatherFloat64s: unsupported storage type %T", flat)
	}
	return values
}

// scatterFloat64s sets the values of t, in logical order, converting them from float64.
func scatterFloat64s(t *Tensor, values []float64) {
	switch flat := t.storage.flat.(type) {
	case []float32:
		t.flatIndices(func(ii, jj int) { flat[jj] = float32(values[ii]) })
	case []float64:
		t.flatIndices(func(ii, jj int) { flat[jj] = values[ii] })
	case []float16.Float16:
		t.flatIndices(func(ii, jj int) { flat[jj] = float16.Fromfloat32(float32(values[ii])) })
	case []bfloat16.BFloat16:
		t.flatIndices(func(ii, jj int) { flat[jj] = bfloat16.FromFloat64(values[ii]) })
	case []int32:
		t.flatIndices(func(ii, jj int) { flat[jj] = int32(values[ii]) })
	case []int64:
		t.flatIndices(func(ii, jj int) { flat[jj] = int64(values[ii]) })
	default:
		exceptions.Panicf("scatterFloat64s: unsupported storage type %T", flat)
	}
}
