// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cuda

import (
	"fmt"
	"slices"

	"github.com/gomlx/cudnnbn/backends"
	"github.com/gomlx/cudnnbn/backends/cuda/cudnn"
	"github.com/gomlx/cudnnbn/pkg/core/dtypes"
	"github.com/gomlx/cudnnbn/pkg/core/shapes"
	"github.com/gomlx/cudnnbn/pkg/core/tensors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BatchNorm implements backends.BatchNormForwardBackward with the cuDNN batch normalization primitives.
//
// It keeps the batch mean and inverse standard deviation computed by the last Forward, to be used by
// Backward. It is not safe for concurrent use.
type BatchNorm struct {
	id     uuid.UUID
	device *Device

	// mean and invStd are the statistics of the last Forward call, nil before the first one.
	mean, invStd *tensors.Tensor

	// cacheX, cacheEps and cacheAxis are the arguments of the Forward call that produced mean and invStd.
	cacheX    *tensors.Tensor
	cacheEps  float64
	cacheAxis shapes.Axes

	warnedDoubleBackward bool
}

var _ backends.BatchNormForwardBackward = &BatchNorm{}

func newBatchNorm(device *Device) *BatchNorm {
	bn := &BatchNorm{id: uuid.New(), device: device}
	klog.V(1).Infof("%s: created", bn)
	return bn
}

// String implements fmt.Stringer.
func (bn *BatchNorm) String() string {
	return fmt.Sprintf("BatchNorm(%s, %s)", bn.id, bn.device.Name())
}

// HasCache returns whether Forward has been called, and Cache holds its statistics.
func (bn *BatchNorm) HasCache() bool {
	return bn.mean != nil
}

// Cache returns the batch mean and inverse standard deviation, 1/sqrt(variance+eps), computed by the last Forward.
// They have the shape of gamma, and the dtype used by the library for the parameters.
// Both are nil before the first Forward.
func (bn *BatchNorm) Cache() (mean, invStd *tensors.Tensor) {
	return bn.mean, bn.invStd
}

// ResetCache drops the statistics of the last Forward, so Backward recomputes them.
func (bn *BatchNorm) ResetCache() {
	bn.mean, bn.invStd = nil, nil
	bn.cacheX, bn.cacheAxis = nil, nil
}

// cacheMatches returns whether the cached statistics were computed by a Forward with the same x (or a view of
// the same elements), eps and axis, and have the shape and dtype of the parameters.
func (bn *BatchNorm) cacheMatches(x, params *tensors.Tensor, eps float64, axis shapes.Axes) bool {
	if !bn.HasCache() || !bn.mean.Shape().Equal(params.Shape()) || bn.cacheEps != eps || !bn.cacheAxis.Equal(axis) {
		return false
	}
	if x == bn.cacheX {
		return true
	}
	return x.SharesStorage(bn.cacheX) && x.Offset() == bn.cacheX.Offset() &&
		x.Shape().Equal(bn.cacheX.Shape()) && slices.Equal(x.Strides(), bn.cacheX.Strides())
}

// validateEpsilon returns an ErrConfiguration if eps is smaller than the library supports, or NaN.
func validateEpsilon(eps float64) error {
	if !(eps >= cudnn.BNMinEpsilon) {
		return errors.Wrapf(backends.ErrConfiguration, "batch norm: minimum allowed epsilon is %g but found %g",
			cudnn.BNMinEpsilon, eps)
	}
	return nil
}

// bnCall holds the layout and descriptors shared by Forward and Backward.
type bnCall struct {
	x4d        *tensors.Tensor
	xDesc      *tensorDescriptor
	mode       cudnn.BatchNormMode
	paramDesc  *bnTensorDescriptor
	paramDType dtypes.DType
}

// Close releases the descriptors.
func (c *bnCall) Close() error {
	if c.paramDesc != nil {
		closeDescriptor(c.paramDesc)
	}
	if c.xDesc != nil {
		closeDescriptor(c.xDesc)
	}
	return nil
}

// prepare builds the 4D view of the contiguous xCont, its descriptor, the mode and the parameters descriptor.
// The returned call must be closed, also on error.
func (bn *BatchNorm) prepare(xCont *tensors.Tensor, axis shapes.Axes) (*bnCall, error) {
	call := &bnCall{}
	if err := axis.Validate(xCont.Rank()); err != nil {
		return call, errors.Wrapf(backends.ErrDimension, "batch norm of %s over axis %s: %v", xCont.Shape(), axis, err)
	}
	keyAxis := computeKeyAxis(xCont.Rank(), axis)
	var err error
	call.x4d, err = as4D(xCont, keyAxis)
	if err != nil {
		return call, errors.WithMessagef(err, "batch norm over axis %s", axis)
	}
	lib := bn.device.lib
	call.xDesc, err = newTensorDescriptor(lib, call.x4d)
	if err != nil {
		return call, err
	}
	call.mode, err = batchNormMode(axis)
	if err != nil {
		return call, err
	}
	call.paramDesc, err = deriveBNTensorDescriptor(lib, call.xDesc, call.mode)
	if err != nil {
		return call, err
	}
	call.paramDType, err = call.paramDesc.DType()
	if err != nil {
		return call, err
	}
	return call, nil
}

// Forward implements backends.BatchNormForwardBackward.
//
// If the library uses a different dtype for the parameters than x's (e.g. Float32 for Float16 inputs),
// gamma, beta and the running statistics are converted, and the updated running statistics are converted
// back and copied into runningMean and runningVar.
//
// Errors from the library are returned as *backends.AcceleratorError: since the library doesn't roll back,
// runningMean and runningVar may have been partially updated in that case.
func (bn *BatchNorm) Forward(x, gamma, beta, runningMean, runningVar *tensors.Tensor, eps, decay float64,
	axis shapes.Axes) (*tensors.Tensor, error) {
	if err := validateEpsilon(eps); err != nil {
		return nil, err
	}
	if debugChecks {
		assertForwardInvariants(x, gamma, beta, runningMean, runningVar, axis)
	}
	if !runningMean.IsContiguous() {
		return nil, errors.Wrapf(backends.ErrLayout, "batch norm: running mean %s must be contiguous (strides=%v)",
			runningMean.Shape(), runningMean.Strides())
	}
	if !runningVar.IsContiguous() {
		return nil, errors.Wrapf(backends.ErrLayout, "batch norm: running variance %s must be contiguous (strides=%v)",
			runningVar.Shape(), runningVar.Strides())
	}
	handle, err := bn.device.Handle()
	if err != nil {
		return nil, err
	}

	xCont := x.AsContiguous()
	call, err := bn.prepare(xCont, axis)
	defer func() { _ = call.Close() }()
	if err != nil {
		return nil, err
	}

	gammaCast, betaCast := gamma.AsContiguous(), beta.AsContiguous()
	meanCast, varCast := runningMean, runningVar
	shimmed := call.paramDType != x.DType()
	if shimmed {
		gammaCast = gammaCast.AsType(call.paramDType, false)
		betaCast = betaCast.AsType(call.paramDType, false)
		meanCast = meanCast.AsType(call.paramDType, false)
		varCast = varCast.AsType(call.paramDType, false)
	}
	klog.V(1).Infof("%s: forward x=%s axis=%s mode=%s params=%s shimmed=%v",
		bn, x.Shape(), axis, call.mode, call.paramDType, shimmed)

	out := tensors.EmptyLike(xCont, xCont.Device())
	mean := tensors.EmptyLike(gammaCast, gammaCast.Device())
	invStd := tensors.EmptyLike(gammaCast, gammaCast.Device())
	err = bn.device.lib.BatchNormalizationForwardTraining(handle, call.mode, 1, 0,
		call.xDesc.desc, call.x4d.RawData(), call.xDesc.desc, out.RawData(),
		call.paramDesc.desc, gammaCast.RawData(), betaCast.RawData(),
		1-decay, meanCast.RawData(), varCast.RawData(),
		eps, mean.RawData(), invStd.RawData())
	if err != nil {
		return nil, acceleratorError(cudnn.OpBatchNormalizationForwardTraining, err)
	}

	if shimmed {
		if err := bn.writeBack(runningMean, meanCast); err != nil {
			return nil, errors.WithMessagef(err, "batch norm: writing back running mean")
		}
		if err := bn.writeBack(runningVar, varCast); err != nil {
			return nil, errors.WithMessagef(err, "batch norm: writing back running variance")
		}
	}
	bn.mean, bn.invStd = mean, invStd
	bn.cacheX, bn.cacheEps, bn.cacheAxis = x, eps, slices.Clone(axis)
	return out, nil
}

// writeBack converts updated to dst's dtype and copies it into dst's memory.
func (bn *BatchNorm) writeBack(dst, updated *tensors.Tensor) error {
	converted := updated.AsType(dst.DType(), false)
	return bn.device.MemoryCopyFrom(dst.RawData(), converted.RawData(), converted.Device())
}

// Backward implements backends.BatchNormForwardBackward. It returns the gradients with respect to x, gamma and
// beta, shaped like x, gamma and gamma respectively.
//
// The statistics of the last Forward (see HasCache) are reused only if that call was given the same x tensor
// (or a view of the same elements), eps and axis. Otherwise, they are recomputed from x, so a previous Forward
// is not required. The values of x must not have been changed in place since that Forward.
func (bn *BatchNorm) Backward(x, gamma, gout *tensors.Tensor, eps float64, axis shapes.Axes) (
	[3]*tensors.Tensor, error) {
	var grads [3]*tensors.Tensor
	if err := validateEpsilon(eps); err != nil {
		return grads, err
	}
	if debugChecks {
		assertBackwardInvariants(x, gamma, gout, axis)
	}
	if !gout.Shape().Equal(x.Shape()) {
		return grads, errors.Wrapf(backends.ErrDimension, "batch norm backward: gradient of the output %s must "+
			"have the same shape as x %s", gout.Shape(), x.Shape())
	}
	handle, err := bn.device.Handle()
	if err != nil {
		return grads, err
	}

	xCont := x.AsContiguous()
	call, err := bn.prepare(xCont, axis)
	defer func() { _ = call.Close() }()
	if err != nil {
		return grads, err
	}
	gout4d, err := gout.AsContiguous().Reshape(call.x4d.Dimensions()...)
	if err != nil {
		return grads, errors.WithMessagef(err, "batch norm backward")
	}

	gammaCast := gamma.AsContiguous()
	shimmed := call.paramDType != x.DType()
	if shimmed {
		gammaCast = gammaCast.AsType(call.paramDType, false)
	}
	var savedMean, savedInvStd []byte
	useCache := bn.cacheMatches(x, gammaCast, eps, axis)
	if useCache {
		savedMean, savedInvStd = bn.mean.RawData(), bn.invStd.RawData()
	}
	klog.V(1).Infof("%s: backward x=%s axis=%s mode=%s params=%s shimmed=%v cached=%v",
		bn, x.Shape(), axis, call.mode, call.paramDType, shimmed, useCache)

	gx := tensors.EmptyLike(xCont, xCont.Device())
	gGamma := tensors.EmptyLike(gammaCast, gammaCast.Device())
	gBeta := tensors.EmptyLike(gammaCast, gammaCast.Device())
	err = bn.device.lib.BatchNormalizationBackward(handle, call.mode, 1, 0, 1, 0,
		call.xDesc.desc, call.x4d.RawData(), call.xDesc.desc, gout4d.RawData(), call.xDesc.desc, gx.RawData(),
		call.paramDesc.desc, gammaCast.RawData(), gGamma.RawData(), gBeta.RawData(),
		eps, savedMean, savedInvStd)
	if err != nil {
		return grads, acceleratorError(cudnn.OpBatchNormalizationBackward, err)
	}
	if shimmed {
		gGamma = gGamma.AsType(gamma.DType(), false)
		gBeta = gBeta.AsType(gamma.DType(), false)
	}
	grads[0], grads[1], grads[2] = gx, gGamma, gBeta
	return grads, nil
}

// DoubleBackward implements backends.BatchNormForwardBackward.
//
// It is not implemented: it returns zero tensors shaped like ggx, gggamma and ggbeta (or placeholders for
// nil or placeholder inputs), and no error.
func (bn *BatchNorm) DoubleBackward(ggx, gggamma, ggbeta *tensors.Tensor) ([3]*tensors.Tensor, error) {
	if !bn.warnedDoubleBackward {
		klog.Warningf("%s: DoubleBackward is not implemented, returning zeros", bn)
		bn.warnedDoubleBackward = true
	}
	var results [3]*tensors.Tensor
	for ii, t := range []*tensors.Tensor{ggx, gggamma, ggbeta} {
		if !t.Ok() {
			results[ii] = tensors.Placeholder()
			continue
		}
		results[ii] = tensors.EmptyLike(t, t.Device())
	}
	return results, nil
}
