// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds returned by devices and executors.
//
// They don't contain a stack: they are always returned wrapped, e.g. errors.Wrapf(ErrLayout, "..."),
// so use errors.Is to test for them.
var (
	// ErrConfiguration is returned for invalid hyperparameters (e.g. epsilon too small) or device configuration.
	ErrConfiguration = errors.New("configuration error")

	// ErrLayout is returned when a tensor doesn't have the memory layout required (e.g. it's not contiguous).
	ErrLayout = errors.New("device layout error")

	// ErrDimension is returned when the shapes or axes given are not supported.
	ErrDimension = errors.New("dimension error")

	// ErrUnsupportedDType is returned when the accelerator can't represent the requested dtype.
	ErrUnsupportedDType = errors.New("unsupported dtype")

	// ErrAccelerator is matched by every *AcceleratorError.
	ErrAccelerator = errors.New("accelerator error")

	// ErrNotImplemented is returned by devices that don't implement an operation.
	ErrNotImplemented = errors.New("not implemented")
)

// AcceleratorError is returned when the accelerator library reports a non-success status.
//
// errors.Is(err, ErrAccelerator) is true for it.
type AcceleratorError struct {
	// Op is the name of the library call that failed.
	Op string

	// Status is the library's name for the status, e.g. "CUDNN_STATUS_BAD_PARAM".
	Status string

	// Code is the library's numeric status code.
	Code int
}

// Error implements error.
func (e *AcceleratorError) Error() string {
	return fmt.Sprintf("%s: %s (%s, code %d)", ErrAccelerator, e.Op, e.Status, e.Code)
}

// Is makes errors.Is(err, ErrAccelerator) work.
func (e *AcceleratorError) Is(target error) bool {
	return target == ErrAccelerator
}
