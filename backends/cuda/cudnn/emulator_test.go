// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cudnn

import (
	"math"
	"testing"
	"unsafe"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// bytesOf returns the memory of values as bytes, sharing the storage.
func bytesOf[T any](values []T) []byte {
	if len(values) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(values))), len(values)*int(unsafe.Sizeof(zero)))
}

// newDesc creates and sets a NCHW descriptor.
func newDesc(t *testing.T, e *Emulator, dataType DataType, n, c, h, w int) TensorDescriptor {
	desc := must.M1(e.CreateTensorDescriptor())
	require.NoError(t, e.SetTensor4dDescriptor(desc, TensorNCHW, dataType, n, c, h, w))
	return desc
}

func deriveDesc(t *testing.T, e *Emulator, xDesc TensorDescriptor, mode BatchNormMode) TensorDescriptor {
	desc := must.M1(e.CreateTensorDescriptor())
	require.NoError(t, e.DeriveBNTensorDescriptor(desc, xDesc, mode))
	return desc
}

func TestStatus(t *testing.T) {
	assert.Equal(t, "CUDNN_STATUS_BAD_PARAM", StatusBadParam.String())
	assert.Equal(t, "CUDNN_STATUS_UNKNOWN(77)", Status(77).Error())
	var err error = StatusNotSupported
	assert.ErrorIs(t, err, StatusNotSupported)
	assert.Equal(t, "CUDNN_DATA_HALF", DataHalf.String())
	assert.Equal(t, "CUDNN_BATCHNORM_SPATIAL", BatchNormSpatial.String())
}

func TestDescriptors(t *testing.T) {
	e := NewEmulator()
	xDesc := newDesc(t, e, DataHalf, 8, 3, 4, 5)
	x := must.M1(e.GetTensor4dDescriptor(xDesc))
	assert.Equal(t, Tensor4d{DataType: DataHalf, Dims: [4]int{8, 3, 4, 5}, Strides: [4]int{60, 20, 5, 1}}, x)

	spatial := deriveDesc(t, e, xDesc, BatchNormSpatial)
	param := must.M1(e.GetTensor4dDescriptor(spatial))
	assert.Equal(t, DataFloat, param.DataType)
	assert.Equal(t, [4]int{1, 3, 1, 1}, param.Dims)

	perActivation := deriveDesc(t, e, xDesc, BatchNormPerActivation)
	param = must.M1(e.GetTensor4dDescriptor(perActivation))
	assert.Equal(t, [4]int{1, 3, 4, 5}, param.Dims)
	assert.Equal(t, 3, e.LiveDescriptors())

	// Double keeps its precision.
	doubleDesc := newDesc(t, e, DataDouble, 2, 2, 1, 1)
	assert.Equal(t, DataDouble, must.M1(e.GetTensor4dDescriptor(deriveDesc(t, e, doubleDesc, BatchNormSpatial))).DataType)

	// A different derivation rule.
	e.SetDeriveParamType(func(DataType) DataType { return DataHalf })
	assert.Equal(t, DataHalf, must.M1(e.GetTensor4dDescriptor(deriveDesc(t, e, doubleDesc, BatchNormSpatial))).DataType)
	e.SetDeriveParamType(nil)

	// Errors.
	unset := must.M1(e.CreateTensorDescriptor())
	_, err := e.GetTensor4dDescriptor(unset)
	assert.ErrorIs(t, err, StatusBadParam)
	assert.ErrorIs(t, e.DeriveBNTensorDescriptor(unset, unset, BatchNormSpatial), StatusBadParam)
	assert.ErrorIs(t, e.DeriveBNTensorDescriptor(unset, xDesc, BatchNormMode(7)), StatusBadParam)
	assert.ErrorIs(t, e.SetTensor4dDescriptor(unset, TensorNHWC, DataFloat, 1, 1, 1, 1), StatusNotSupported)
	assert.ErrorIs(t, e.SetTensor4dDescriptor(unset, TensorNCHW, DataFloat, 0, 1, 1, 1), StatusBadParam)

	for _, desc := range []TensorDescriptor{xDesc, spatial, perActivation, doubleDesc, unset} {
		require.NoError(t, e.DestroyTensorDescriptor(desc))
	}
	assert.ErrorIs(t, e.DestroyTensorDescriptor(xDesc), StatusBadParam)
	// Two derived descriptors for doubleDesc were never destroyed.
	assert.Equal(t, 2, e.LiveDescriptors())
}

func TestHandles(t *testing.T) {
	e := NewEmulator()
	h := must.M1(e.Create())
	assert.Equal(t, 1, e.LiveHandles())
	require.NoError(t, e.Destroy(h))
	assert.ErrorIs(t, e.Destroy(h), StatusBadParam)
	assert.Equal(t, 0, e.LiveHandles())
	assert.Equal(t, 2, e.Calls(OpDestroy))
}

func TestForwardTrainingSpatial(t *testing.T) {
	for _, parallelism := range []int{0, 2, -1} {
		e := NewEmulator().SetParallelism(parallelism)
		handle := must.M1(e.Create())
		// N=2, C=2, H=1, W=2: channel 0 has {1, 3, 5, 7}, channel 1 has {2, 2, 4, 4}.
		xDesc := newDesc(t, e, DataDouble, 2, 2, 1, 2)
		paramDesc := deriveDesc(t, e, xDesc, BatchNormSpatial)
		x := []float64{1, 3, 2, 2, 5, 7, 4, 4}
		y := make([]float64, len(x))
		scale := []float64{1, 2}
		bias := []float64{0, 10}
		runningMean := []float64{0, 0}
		runningVar := []float64{1, 1}
		saveMean := make([]float64, 2)
		saveInvVar := make([]float64, 2)
		const eps, factor = 1e-5, 0.1
		require.NoError(t, e.BatchNormalizationForwardTraining(handle, BatchNormSpatial, 1, 0,
			xDesc, bytesOf(x), xDesc, bytesOf(y), paramDesc, bytesOf(scale), bytesOf(bias),
			factor, bytesOf(runningMean), bytesOf(runningVar), eps, bytesOf(saveMean), bytesOf(saveInvVar)))

		// Channel 0: mean=4, population variance=5, unbiased=20/3.
		// Channel 1: mean=3, population variance=1, unbiased=4/3.
		invStd0, invStd1 := 1/math.Sqrt(5+eps), 1/math.Sqrt(1+eps)
		assert.InDeltaSlice(t, []float64{4, 3}, saveMean, 1e-12)
		assert.InDeltaSlice(t, []float64{invStd0, invStd1}, saveInvVar, 1e-12)
		assert.InDeltaSlice(t, []float64{0.4, 0.3}, runningMean, 1e-12)
		assert.InDeltaSlice(t, []float64{0.9 + 0.1*20.0/3.0, 0.9 + 0.1*4.0/3.0}, runningVar, 1e-12)
		want := []float64{
			-3 * invStd0, -1 * invStd0, 10 - 2*invStd1, 10 - 2*invStd1,
			1 * invStd0, 3 * invStd0, 10 + 2*invStd1, 10 + 2*invStd1,
		}
		assert.InDeltaSlice(t, want, y, 1e-9)
	}
}

func TestForwardTrainingPerActivationHalf(t *testing.T) {
	e := NewEmulator()
	handle := must.M1(e.Create())
	// N=4, C=2: per activation statistics over the N axis.
	xDesc := newDesc(t, e, DataHalf, 4, 2, 1, 1)
	paramDesc := deriveDesc(t, e, xDesc, BatchNormPerActivation)
	xValues := []float32{1, 10, 2, 20, 3, 30, 4, 40}
	x := make([]float16.Float16, len(xValues))
	for ii, v := range xValues {
		x[ii] = float16.Fromfloat32(v)
	}
	y := make([]float16.Float16, len(x))
	scale := []float32{1, 1}
	bias := []float32{0, 0}
	runningMean := []float32{0, 0}
	runningVar := []float32{0, 0}
	require.NoError(t, e.BatchNormalizationForwardTraining(handle, BatchNormPerActivation, 1, 0,
		xDesc, bytesOf(x), xDesc, bytesOf(y), paramDesc, bytesOf(scale), bytesOf(bias),
		1.0, bytesOf(runningMean), bytesOf(runningVar), 1e-5, nil, nil))
	assert.InDeltaSlice(t, []float32{2.5, 25}, runningMean, 1e-5)
	// Unbiased variance: 5/3 and 500/3.
	assert.InDeltaSlice(t, []float32{5.0 / 3.0, 500.0 / 3.0}, runningVar, 1e-3)
	// Normalized values of both features are the same.
	for ii := 0; ii < len(y); ii += 2 {
		assert.InDelta(t, y[ii].Float32(), y[ii+1].Float32(), 1e-2)
	}

	// Parameters with the wrong data type are rejected.
	doubleParams := newDesc(t, e, DataDouble, 1, 2, 1, 1)
	err := e.BatchNormalizationForwardTraining(handle, BatchNormPerActivation, 1, 0,
		xDesc, bytesOf(x), xDesc, bytesOf(y), doubleParams, bytesOf(scale), bytesOf(bias),
		1.0, nil, nil, 1e-5, nil, nil)
	assert.ErrorIs(t, err, StatusBadParam)
}

func TestForwardTrainingErrors(t *testing.T) {
	e := NewEmulator()
	handle := must.M1(e.Create())
	xDesc := newDesc(t, e, DataFloat, 2, 1, 1, 1)
	paramDesc := deriveDesc(t, e, xDesc, BatchNormSpatial)
	x, y := []float32{1, 2}, make([]float32, 2)
	scale, bias := []float32{1}, []float32{0}
	call := func(handle Handle, eps float64, mode BatchNormMode) error {
		return e.BatchNormalizationForwardTraining(handle, mode, 1, 0,
			xDesc, bytesOf(x), xDesc, bytesOf(y), paramDesc, bytesOf(scale), bytesOf(bias),
			0.1, nil, nil, eps, nil, nil)
	}
	assert.ErrorIs(t, call(handle, 1e-6, BatchNormSpatial), StatusBadParam)
	assert.ErrorIs(t, call(handle, math.NaN(), BatchNormSpatial), StatusBadParam)
	assert.ErrorIs(t, call(handle+100, 1e-5, BatchNormSpatial), StatusBadParam)
	assert.NoError(t, call(handle, 1e-5, BatchNormPerActivation)) // Same param dims for H=W=1.
	assert.NoError(t, call(handle, 1e-5, BatchNormSpatial))

	e.InjectFailure(OpBatchNormalizationForwardTraining, StatusExecutionFailed)
	y[0] = 123
	assert.ErrorIs(t, call(handle, 1e-5, BatchNormSpatial), StatusExecutionFailed)
	assert.Equal(t, float32(123), y[0])
	e.InjectFailure(OpBatchNormalizationForwardTraining, StatusSuccess)
	assert.NoError(t, call(handle, 1e-5, BatchNormSpatial))
	assert.Equal(t, 7, e.Calls(OpBatchNormalizationForwardTraining))

	// Integer tensors are not supported.
	intDesc := newDesc(t, e, DataInt32, 2, 1, 1, 1)
	intParams := deriveDesc(t, e, intDesc, BatchNormSpatial)
	ints := []int32{1, 2}
	err := e.BatchNormalizationForwardTraining(handle, BatchNormSpatial, 1, 0,
		intDesc, bytesOf(ints), intDesc, bytesOf(ints), intParams, bytesOf(ints[:1]), bytesOf(ints[:1]),
		0.1, nil, nil, 1e-5, nil, nil)
	assert.ErrorIs(t, err, StatusNotSupported)
}

// referenceLoss computes sum(dy * batchnorm(x)) for a single feature.
func referenceLoss(x, dy []float64, gamma, beta, eps float64) float64 {
	m := float64(len(x))
	var mean, variance float64
	for _, v := range x {
		mean += v
	}
	mean /= m
	for _, v := range x {
		variance += (v - mean) * (v - mean)
	}
	variance /= m
	var loss float64
	for ii, v := range x {
		loss += dy[ii] * (gamma*(v-mean)/math.Sqrt(variance+eps) + beta)
	}
	return loss
}

func TestBackward(t *testing.T) {
	e := NewEmulator()
	handle := must.M1(e.Create())
	// N=3, C=1, H=1, W=2: a single channel with 6 values.
	xDesc := newDesc(t, e, DataDouble, 3, 1, 1, 2)
	paramDesc := deriveDesc(t, e, xDesc, BatchNormSpatial)
	x := []float64{0.5, -1, 2, 3.5, 0, 1}
	dy := []float64{1, -2, 0.5, 0.25, 3, -1}
	const gamma, beta, eps = 1.5, 0.25, 1e-5
	scale := []float64{gamma}

	run := func(savedMean, savedInvVar []byte) (dx, dScale, dBias []float64) {
		dx = make([]float64, len(x))
		dScale, dBias = make([]float64, 1), make([]float64, 1)
		require.NoError(t, e.BatchNormalizationBackward(handle, BatchNormSpatial, 1, 0, 1, 0,
			xDesc, bytesOf(x), xDesc, bytesOf(dy), xDesc, bytesOf(dx),
			paramDesc, bytesOf(scale), bytesOf(dScale), bytesOf(dBias), eps, savedMean, savedInvVar))
		return
	}
	dx, dScale, dBias := run(nil, nil)

	// Finite differences.
	const delta = 1e-6
	for ii := range x {
		xPlus, xMinus := append([]float64(nil), x...), append([]float64(nil), x...)
		xPlus[ii] += delta
		xMinus[ii] -= delta
		numeric := (referenceLoss(xPlus, dy, gamma, beta, eps) - referenceLoss(xMinus, dy, gamma, beta, eps)) / (2 * delta)
		assert.InDeltaf(t, numeric, dx[ii], 1e-5, "dx[%d]", ii)
	}
	numericGamma := (referenceLoss(x, dy, gamma+delta, beta, eps) - referenceLoss(x, dy, gamma-delta, beta, eps)) / (2 * delta)
	assert.InDelta(t, numericGamma, dScale[0], 1e-5)
	var sumDy float64
	for _, v := range dy {
		sumDy += v
	}
	assert.InDelta(t, sumDy, dBias[0], 1e-12)

	// Using statistics saved from the forward pass gives the same result.
	y := make([]float64, len(x))
	savedMean, savedInvVar := make([]float64, 1), make([]float64, 1)
	require.NoError(t, e.BatchNormalizationForwardTraining(handle, BatchNormSpatial, 1, 0,
		xDesc, bytesOf(x), xDesc, bytesOf(y), paramDesc, bytesOf(scale), bytesOf([]float64{beta}),
		0.1, nil, nil, eps, bytesOf(savedMean), bytesOf(savedInvVar)))
	dx2, dScale2, dBias2 := run(bytesOf(savedMean), bytesOf(savedInvVar))
	assert.InDeltaSlice(t, dx, dx2, 1e-12)
	assert.InDeltaSlice(t, dScale, dScale2, 1e-12)
	assert.InDeltaSlice(t, dBias, dBias2, 1e-12)

	// Only one of the saved statistics is an error.
	err := e.BatchNormalizationBackward(handle, BatchNormSpatial, 1, 0, 1, 0,
		xDesc, bytesOf(x), xDesc, bytesOf(dy), xDesc, bytesOf(dx),
		paramDesc, bytesOf(scale), bytesOf(dScale), bytesOf(dBias), eps, bytesOf(savedMean), nil)
	assert.ErrorIs(t, err, StatusBadParam)
}

func TestBackwardBlending(t *testing.T) {
	e := NewEmulator()
	handle := must.M1(e.Create())
	xDesc := newDesc(t, e, DataFloat, 2, 1, 1, 1)
	paramDesc := deriveDesc(t, e, xDesc, BatchNormSpatial)
	x, dy := []float32{1, 3}, []float32{1, 1}
	dx := []float32{5, 5}
	dScale, dBias := []float32{7}, []float32{7}
	require.NoError(t, e.BatchNormalizationBackward(handle, BatchNormSpatial, 1, 1, 1, 1,
		xDesc, bytesOf(x), xDesc, bytesOf(dy), xDesc, bytesOf(dx),
		paramDesc, bytesOf([]float32{1}), bytesOf(dScale), bytesOf(dBias), 1e-5, nil, nil))
	// A constant dy has zero gradient for x and scale, and sum(dy) for the bias: previous values are added.
	assert.InDeltaSlice(t, []float32{5, 5}, dx, 1e-5)
	assert.InDeltaSlice(t, []float32{7}, dScale, 1e-5)
	assert.InDeltaSlice(t, []float32{9}, dBias, 1e-5)
}
