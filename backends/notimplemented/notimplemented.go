// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package notimplemented implements a backends.Device whose batch normalization executor returns
// a "Not implemented" error to all operations.
//
// This can help bootstrap any device implementation, and to test code that handles devices without
// batch normalization support.
package notimplemented

import (
	"github.com/gomlx/cudnnbn/backends"
	"github.com/gomlx/cudnnbn/pkg/core/shapes"
	"github.com/gomlx/cudnnbn/pkg/core/tensors"
	"github.com/pkg/errors"
)

// NotImplementedError is returned by every method.
//
// It doesn't contain a stack, attach a stack to with with errors.Wrapf(NotImplementedError, "...") when using it.
var NotImplementedError = backends.ErrNotImplemented

// BackendName to be used in CUDNNBN_DEVICE to specify this device.
const BackendName = "notimplemented"

// Register the device, so it can be selected with "notimplemented" in CUDNNBN_DEVICE.
//
// It is not registered automatically: it would otherwise be a candidate for the default device.
func Register() {
	backends.Register(BackendName, func(string) (backends.Device, error) { return &Device{}, nil })
}

// Device is a dummy device that can be used to create mock devices.
// Its memory is host memory.
type Device struct{}

var _ backends.Device = &Device{}

// Name returns the short name of the device.
func (d *Device) Name() string {
	return BackendName
}

// String returns the same as Name.
func (d *Device) String() string {
	return d.Name()
}

// Description is a longer description of the Device.
func (d *Device) Description() string {
	return "Not Implemented Device (mock device for testing)"
}

// MemoryCopyFrom copies host memory.
func (d *Device) MemoryCopyFrom(dst, src []byte, srcDevice tensors.Device) error {
	return tensors.Host.MemoryCopyFrom(dst, src, srcDevice)
}

// BatchNormForwardBackward returns an executor that returns NotImplementedError.
func (d *Device) BatchNormForwardBackward() backends.BatchNormForwardBackward {
	return BatchNorm{}
}

// Finalize is a no-op.
func (d *Device) Finalize() {}

// BatchNorm implements backends.BatchNormForwardBackward returning NotImplementedError for every operation.
type BatchNorm struct{}

var _ backends.BatchNormForwardBackward = BatchNorm{}

// Forward returns NotImplementedError.
func (BatchNorm) Forward(_, _, _, _, _ *tensors.Tensor, _, _ float64, _ shapes.Axes) (*tensors.Tensor, error) {
	return nil, errors.Wrapf(NotImplementedError, "in BatchNorm.Forward()")
}

// Backward returns NotImplementedError.
func (BatchNorm) Backward(_, _, _ *tensors.Tensor, _ float64, _ shapes.Axes) ([3]*tensors.Tensor, error) {
	return [3]*tensors.Tensor{}, errors.Wrapf(NotImplementedError, "in BatchNorm.Backward()")
}

// DoubleBackward returns NotImplementedError.
func (BatchNorm) DoubleBackward(_, _, _ *tensors.Tensor) ([3]*tensors.Tensor, error) {
	return [3]*tensors.Tensor{}, errors.Wrapf(NotImplementedError, "in BatchNorm.DoubleBackward()")
}
