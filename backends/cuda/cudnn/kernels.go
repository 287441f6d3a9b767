// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cudnn

import (
	"math"
	"unsafe"

	"github.com/gomlx/cudnnbn/internal/workerspool"
	"github.com/gomlx/cudnnbn/pkg/core/dtypes/bfloat16"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/stat"
)

// bnKernel computes batch normalization over one call's packed NCHW tensors.
//
// Features (channels for BatchNormSpatial, C*H*W elements for BatchNormPerActivation) are independent and
// computed in parallel by the pool's workers. Each feature only writes its own elements of the outputs.
type bnKernel struct {
	pool    *workerspool.Pool
	mode    BatchNormMode
	x       Tensor4d
	param   Tensor4d
	epsilon float64
}

// numFeatures returns the number of independent statistics.
func (k *bnKernel) numFeatures() int {
	return k.param.Size()
}

// featureIndices returns the flat indices of the x elements of the given feature.
func (k *bnKernel) featureIndices(feature int) []int {
	n, c, h, w := k.x.Dims[0], k.x.Dims[1], k.x.Dims[2], k.x.Dims[3]
	perExample := c * h * w
	if k.mode == BatchNormPerActivation {
		indices := make([]int, n)
		for ii := range n {
			indices[ii] = ii*perExample + feature
		}
		return indices
	}
	spatial := h * w
	indices := make([]int, 0, n*spatial)
	for ii := range n {
		base := ii*perExample + feature*spatial
		for jj := range spatial {
			indices = append(indices, base+jj)
		}
	}
	return indices
}

func (k *bnKernel) forwardTraining(alpha, beta float64, x, y, scale, bias []byte, factor float64,
	runningMean, runningVar, saveMean, saveInvVariance []byte) {
	xValues := decode(k.x.DataType, x, k.x.Size())
	yValues := make([]float64, k.x.Size())
	if beta != 0 {
		yValues = decode(k.x.DataType, y, k.x.Size())
	}
	numFeatures := k.numFeatures()
	scaleValues := decode(k.param.DataType, scale, numFeatures)
	biasValues := decode(k.param.DataType, bias, numFeatures)
	var runMean, runVar []float64
	if runningMean != nil {
		runMean = decode(k.param.DataType, runningMean, numFeatures)
	}
	if runningVar != nil {
		runVar = decode(k.param.DataType, runningVar, numFeatures)
	}
	batchMean := make([]float64, numFeatures)
	batchInvStd := make([]float64, numFeatures)

	k.pool.ParallelFor(numFeatures, func(feature int) {
		indices := k.featureIndices(feature)
		values := make([]float64, len(indices))
		for ii, idx := range indices {
			values[ii] = xValues[idx]
		}
		mean, variance := stat.PopMeanVariance(values, nil)
		invStd := 1 / math.Sqrt(variance+k.epsilon)
		batchMean[feature] = mean
		batchInvStd[feature] = invStd
		gamma, shift := scaleValues[feature], biasValues[feature]
		for ii, idx := range indices {
			normalized := gamma*(values[ii]-mean)*invStd + shift
			yValues[idx] = alpha*normalized + beta*yValues[idx]
		}
		if runMean != nil {
			runMean[feature] = (1-factor)*runMean[feature] + factor*mean
		}
		if runVar != nil {
			m := float64(len(indices))
			unbiased := variance
			if m > 1 {
				unbiased = variance * m / (m - 1)
			}
			runVar[feature] = (1-factor)*runVar[feature] + factor*unbiased
		}
	})

	encode(k.x.DataType, yValues, y)
	if runMean != nil {
		encode(k.param.DataType, runMean, runningMean)
	}
	if runVar != nil {
		encode(k.param.DataType, runVar, runningVar)
	}
	if saveMean != nil {
		encode(k.param.DataType, batchMean, saveMean)
	}
	if saveInvVariance != nil {
		encode(k.param.DataType, batchInvStd, saveInvVariance)
	}
}

func (k *bnKernel) backward(alphaData, betaData, alphaParam, betaParam float64, x, dy, dx []byte,
	scale, dScale, dBias []byte, savedMean, savedInvVariance []byte) {
	size := k.x.Size()
	numFeatures := k.numFeatures()
	xValues := decode(k.x.DataType, x, size)
	dyValues := decode(k.x.DataType, dy, size)
	dxValues := make([]float64, size)
	if betaData != 0 {
		dxValues = decode(k.x.DataType, dx, size)
	}
	scaleValues := decode(k.param.DataType, scale, numFeatures)
	dScaleValues := make([]float64, numFeatures)
	dBiasValues := make([]float64, numFeatures)
	if betaParam != 0 {
		dScaleValues = decode(k.param.DataType, dScale, numFeatures)
		dBiasValues = decode(k.param.DataType, dBias, numFeatures)
	}
	var meanValues, invStdValues []float64
	if savedMean != nil {
		meanValues = decode(k.param.DataType, savedMean, numFeatures)
		invStdValues = decode(k.param.DataType, savedInvVariance, numFeatures)
	}

	k.pool.ParallelFor(numFeatures, func(feature int) {
		indices := k.featureIndices(feature)
		values := make([]float64, len(indices))
		for ii, idx := range indices {
			values[ii] = xValues[idx]
		}
		var mean, invStd float64
		if meanValues != nil {
			mean, invStd = meanValues[feature], invStdValues[feature]
		} else {
			var variance float64
			mean, variance = stat.PopMeanVariance(values, nil)
			invStd = 1 / math.Sqrt(variance+k.epsilon)
		}

		// xHat is reused for the normalized values.
		var sumDy, sumDyXHat float64
		for ii, idx := range indices {
			values[ii] = (values[ii] - mean) * invStd
			sumDy += dyValues[idx]
			sumDyXHat += dyValues[idx] * values[ii]
		}
		m := float64(len(indices))
		coef := scaleValues[feature] * invStd / m
		for ii, idx := range indices {
			grad := coef * (m*dyValues[idx] - sumDy - values[ii]*sumDyXHat)
			dxValues[idx] = alphaData*grad + betaData*dxValues[idx]
		}
		dScaleValues[feature] = alphaParam*sumDyXHat + betaParam*dScaleValues[feature]
		dBiasValues[feature] = alphaParam*sumDy + betaParam*dBiasValues[feature]
	})

	encode(k.x.DataType, dxValues, dx)
	encode(k.param.DataType, dScaleValues, dScale)
	encode(k.param.DataType, dBiasValues, dBias)
}

// view reinterprets the bytes as a slice of T. data must have been allocated as a slice of T (or of a type
// with the same alignment).
func view[T any](data []byte, length int) []T {
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(data))), length)
}

// decode the first length elements of data, of the given data type, to float64.
func decode(dataType DataType, data []byte, length int) []float64 {
	values := make([]float64, length)
	switch dataType {
	case DataFloat:
		for ii, v := range view[float32](data, length) {
			values[ii] = float64(v)
		}
	case DataDouble:
		copy(values, view[float64](data, length))
	case DataHalf:
		for ii, v := range view[float16.Float16](data, length) {
			values[ii] = float64(v.Float32())
		}
	case DataBFloat16:
		for ii, v := range view[bfloat16.BFloat16](data, length) {
			values[ii] = v.Float64()
		}
	}
	return values
}

// encode values into data, converting them to the given data type.
func encode(dataType DataType, values []float64, data []byte) {
	length := len(values)
	switch dataType {
	case DataFloat:
		out := view[float32](data, length)
		for ii, v := range values {
			out[ii] = float32(v)
		}
	case DataDouble:
		copy(view[float64](data, length), values)
	case DataHalf:
		out := view[float16.Float16](data, length)
		for ii, v := range values {
			out[ii] = float16.Fromfloat32(float32(v))
		}
	case DataBFloat16:
		out := view[bfloat16.BFloat16](data, length)
		for ii, v := range values {
			out[ii] = bfloat16.FromFloat64(v)
		}
	}
}
