// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cudnn defines the subset of the cuDNN API used for batch normalization, as the Library interface,
// and Emulator, a pure Go implementation of it.
//
// Data arguments are raw device memory, given as byte slices laid out as described by the corresponding
// tensor descriptor. Scalars (alpha, beta, epsilon, factor) are passed as float64.
//
// Every call returns nil on success, or the failing Status as an error.
package cudnn

// Names of the library calls, used by Emulator.InjectFailure and in error messages.
const (
	OpCreate                            = "cudnnCreate"
	OpDestroy                           = "cudnnDestroy"
	OpCreateTensorDescriptor            = "cudnnCreateTensorDescriptor"
	OpSetTensor4dDescriptor             = "cudnnSetTensor4dDescriptor"
	OpGetTensor4dDescriptor             = "cudnnGetTensor4dDescriptor"
	OpDeriveBNTensorDescriptor          = "cudnnDeriveBNTensorDescriptor"
	OpDestroyTensorDescriptor           = "cudnnDestroyTensorDescriptor"
	OpBatchNormalizationForwardTraining = "cudnnBatchNormalizationForwardTraining"
	OpBatchNormalizationBackward        = "cudnnBatchNormalizationBackward"
)

// Library is the accelerator library API used by the cuda device.
type Library interface {
	// Create a session handle.
	Create() (Handle, error)

	// Destroy a session handle.
	Destroy(handle Handle) error

	// CreateTensorDescriptor creates an empty tensor descriptor: it must be set with SetTensor4dDescriptor or
	// DeriveBNTensorDescriptor before use.
	CreateTensorDescriptor() (TensorDescriptor, error)

	// SetTensor4dDescriptor sets a packed 4D tensor descriptor.
	SetTensor4dDescriptor(desc TensorDescriptor, format TensorFormat, dataType DataType, n, c, h, w int) error

	// GetTensor4dDescriptor returns the contents of a 4D tensor descriptor.
	GetTensor4dDescriptor(desc TensorDescriptor) (Tensor4d, error)

	// DeriveBNTensorDescriptor sets derivedBNDesc to describe the scale, bias, mean and variance tensors
	// of batch normalization of xDesc in the given mode.
	// Its data type is the one the library uses for those tensors, which may differ from xDesc's.
	DeriveBNTensorDescriptor(derivedBNDesc, xDesc TensorDescriptor, mode BatchNormMode) error

	// DestroyTensorDescriptor releases the descriptor.
	DestroyTensorDescriptor(desc TensorDescriptor) error

	// BatchNormalizationForwardTraining computes y = alpha * BN(x) + beta * y, where BN(x) normalizes x with the
	// batch statistics and applies the scale and bias.
	//
	// runningMean and runningVar are updated in place with (1 - factor) * running + factor * batch, where
	// the batch variance is unbiased. Either may be nil to skip the update.
	// saveMean and saveInvVariance receive the batch mean and 1/sqrt(variance + epsilon); either may be nil.
	BatchNormalizationForwardTraining(handle Handle, mode BatchNormMode, alpha, beta float64,
		xDesc TensorDescriptor, x []byte, yDesc TensorDescriptor, y []byte,
		bnScaleBiasMeanVarDesc TensorDescriptor, bnScale, bnBias []byte,
		exponentialAverageFactor float64, runningMean, runningVar []byte,
		epsilon float64, saveMean, saveInvVariance []byte) error

	// BatchNormalizationBackward computes the gradients of x, scale and bias, given the gradient dy of the
	// output.
	//
	// Results are blended with the previous contents: dx = alphaDataDiff * grad + betaDataDiff * dx, and
	// likewise for resultBnScaleDiff and resultBnBiasDiff with alphaParamDiff and betaParamDiff.
	// savedMean and savedInvVariance are the values saved by the forward pass, or both nil to have them
	// recomputed from x.
	BatchNormalizationBackward(handle Handle, mode BatchNormMode,
		alphaDataDiff, betaDataDiff, alphaParamDiff, betaParamDiff float64,
		xDesc TensorDescriptor, x []byte, dyDesc TensorDescriptor, dy []byte, dxDesc TensorDescriptor, dx []byte,
		bnScaleBiasDiffDesc TensorDescriptor, bnScale, resultBnScaleDiff, resultBnBiasDiff []byte,
		epsilon float64, savedMean, savedInvVariance []byte) error
}
