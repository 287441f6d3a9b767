// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cuda

import (
	"github.com/gomlx/cudnnbn/backends"
	"github.com/gomlx/cudnnbn/backends/cuda/cudnn"
	"github.com/gomlx/cudnnbn/pkg/core/dtypes"
	"github.com/gomlx/cudnnbn/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// dataTypeFor returns the library data type for dtype.
func dataTypeFor(dtype dtypes.DType) (cudnn.DataType, error) {
	switch dtype {
	case dtypes.Float16:
		return cudnn.DataHalf, nil
	case dtypes.BFloat16:
		return cudnn.DataBFloat16, nil
	case dtypes.Float32:
		return cudnn.DataFloat, nil
	case dtypes.Float64:
		return cudnn.DataDouble, nil
	case dtypes.Int32:
		return cudnn.DataInt32, nil
	case dtypes.Int64:
		return cudnn.DataInt64, nil
	}
	return 0, errors.Wrapf(backends.ErrUnsupportedDType, "dtype %s has no cuDNN data type", dtype)
}

// tensorDescriptor owns a library tensor descriptor. Close releases it.
type tensorDescriptor struct {
	lib    cudnn.Library
	desc   cudnn.TensorDescriptor
	closed bool
}

// newTensorDescriptor creates a descriptor for the 4D tensor t.
func newTensorDescriptor(lib cudnn.Library, t *tensors.Tensor) (*tensorDescriptor, error) {
	dims := t.Dimensions()
	if len(dims) != 4 {
		return nil, errors.Wrapf(backends.ErrDimension, "tensor descriptor requires a rank 4 tensor, got %s", t.Shape())
	}
	dataType, err := dataTypeFor(t.DType())
	if err != nil {
		return nil, err
	}
	d, err := createDescriptor(lib)
	if err != nil {
		return nil, err
	}
	err = lib.SetTensor4dDescriptor(d.desc, cudnn.TensorNCHW, dataType, dims[0], dims[1], dims[2], dims[3])
	if err != nil {
		closeDescriptor(d)
		return nil, acceleratorError(cudnn.OpSetTensor4dDescriptor, err)
	}
	klog.V(2).Infof("tensor descriptor %d: %s %v", d.desc, dataType, dims)
	return d, nil
}

func createDescriptor(lib cudnn.Library) (*tensorDescriptor, error) {
	desc, err := lib.CreateTensorDescriptor()
	if err != nil {
		return nil, acceleratorError(cudnn.OpCreateTensorDescriptor, err)
	}
	return &tensorDescriptor{lib: lib, desc: desc}, nil
}

// Close destroys the descriptor. It is a no-op if it is already closed.
func (d *tensorDescriptor) Close() error {
	if d == nil || d.closed {
		return nil
	}
	d.closed = true
	klog.V(2).Infof("destroying tensor descriptor %d", d.desc)
	return acceleratorError(cudnn.OpDestroyTensorDescriptor, d.lib.DestroyTensorDescriptor(d.desc))
}

type closer interface {
	Close() error
}

// closeDescriptor closes d, logging any failure: used in defer statements.
func closeDescriptor(d closer) {
	if err := d.Close(); err != nil {
		klog.Warningf("failed to release cuDNN descriptor: %v", err)
	}
}

// bnTensorDescriptor describes the scale, bias and statistics tensors, derived from an input descriptor.
type bnTensorDescriptor struct {
	tensorDescriptor
}

// deriveBNTensorDescriptor creates the parameters descriptor for xDesc in the given mode.
func deriveBNTensorDescriptor(lib cudnn.Library, xDesc *tensorDescriptor, mode cudnn.BatchNormMode) (
	*bnTensorDescriptor, error) {
	d, err := createDescriptor(lib)
	if err != nil {
		return nil, err
	}
	if err := lib.DeriveBNTensorDescriptor(d.desc, xDesc.desc, mode); err != nil {
		closeDescriptor(d)
		return nil, acceleratorError(cudnn.OpDeriveBNTensorDescriptor, err)
	}
	klog.V(2).Infof("batch norm descriptor %d derived from %d (%s)", d.desc, xDesc.desc, mode)
	return &bnTensorDescriptor{tensorDescriptor: *d}, nil
}

// DType returns the dtype the library uses for the parameters.
//
// Only Float32 and Float64 are supported: any other data type returns an ErrUnsupportedDType error.
func (d *bnTensorDescriptor) DType() (dtypes.DType, error) {
	info, err := d.lib.GetTensor4dDescriptor(d.desc)
	if err != nil {
		return dtypes.InvalidDType, acceleratorError(cudnn.OpGetTensor4dDescriptor, err)
	}
	switch info.DataType {
	case cudnn.DataDouble:
		return dtypes.Float64, nil
	case cudnn.DataFloat:
		return dtypes.Float32, nil
	}
	return dtypes.InvalidDType, errors.Wrapf(backends.ErrUnsupportedDType,
		"batch norm parameters with cuDNN data type %s are not supported", info.DataType)
}
