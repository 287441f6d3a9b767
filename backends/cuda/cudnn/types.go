// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cudnn

import "fmt"

// BNMinEpsilon is the smallest epsilon accepted by the batch normalization primitives (CUDNN_BN_MIN_EPSILON).
const BNMinEpsilon = 1e-5

// Status is the result of a library call.
//
// It implements error, and library calls return a non-nil error only as a Status different from StatusSuccess.
type Status int

const (
	StatusSuccess         Status = 0
	StatusNotInitialized  Status = 1
	StatusAllocFailed     Status = 2
	StatusBadParam        Status = 3
	StatusInternalError   Status = 4
	StatusInvalidValue    Status = 5
	StatusArchMismatch    Status = 6
	StatusMappingError    Status = 7
	StatusExecutionFailed Status = 8
	StatusNotSupported    Status = 9
)

var statusNames = map[Status]string{
	StatusSuccess:         "CUDNN_STATUS_SUCCESS",
	StatusNotInitialized:  "CUDNN_STATUS_NOT_INITIALIZED",
	StatusAllocFailed:     "CUDNN_STATUS_ALLOC_FAILED",
	StatusBadParam:        "CUDNN_STATUS_BAD_PARAM",
	StatusInternalError:   "CUDNN_STATUS_INTERNAL_ERROR",
	StatusInvalidValue:    "CUDNN_STATUS_INVALID_VALUE",
	StatusArchMismatch:    "CUDNN_STATUS_ARCH_MISMATCH",
	StatusMappingError:    "CUDNN_STATUS_MAPPING_ERROR",
	StatusExecutionFailed: "CUDNN_STATUS_EXECUTION_FAILED",
	StatusNotSupported:    "CUDNN_STATUS_NOT_SUPPORTED",
}

// String returns the library name of the status, e.g. "CUDNN_STATUS_BAD_PARAM".
func (s Status) String() string {
	if name, found := statusNames[s]; found {
		return name
	}
	return fmt.Sprintf("CUDNN_STATUS_UNKNOWN(%d)", int(s))
}

// Error implements error.
func (s Status) Error() string { return s.String() }

// DataType of the elements described by a tensor descriptor.
type DataType int

const (
	DataFloat    DataType = 0
	DataDouble   DataType = 1
	DataHalf     DataType = 2
	DataInt32    DataType = 4
	DataBFloat16 DataType = 9
	DataInt64    DataType = 12
)

var dataTypeNames = map[DataType]string{
	DataFloat:    "CUDNN_DATA_FLOAT",
	DataDouble:   "CUDNN_DATA_DOUBLE",
	DataHalf:     "CUDNN_DATA_HALF",
	DataInt32:    "CUDNN_DATA_INT32",
	DataBFloat16: "CUDNN_DATA_BFLOAT16",
	DataInt64:    "CUDNN_DATA_INT64",
}

func (dt DataType) String() string {
	if name, found := dataTypeNames[dt]; found {
		return name
	}
	return fmt.Sprintf("CUDNN_DATA_UNKNOWN(%d)", int(dt))
}

// Size in bytes of one element, or 0 for an unknown data type.
func (dt DataType) Size() int {
	switch dt {
	case DataHalf, DataBFloat16:
		return 2
	case DataFloat, DataInt32:
		return 4
	case DataDouble, DataInt64:
		return 8
	}
	return 0
}

// IsFloat returns whether the data type is a floating point type, the only ones batch normalization supports.
func (dt DataType) IsFloat() bool {
	switch dt {
	case DataHalf, DataBFloat16, DataFloat, DataDouble:
		return true
	}
	return false
}

// TensorFormat is the memory layout of a 4D tensor.
type TensorFormat int

const (
	TensorNCHW TensorFormat = 0
	TensorNHWC TensorFormat = 1
)

// BatchNormMode selects the axes over which batch normalization statistics are computed.
type BatchNormMode int

const (
	// BatchNormPerActivation computes statistics over the N axis: one per (C, H, W) element.
	BatchNormPerActivation BatchNormMode = 0

	// BatchNormSpatial computes statistics over the N, H and W axes: one per channel.
	BatchNormSpatial BatchNormMode = 1
)

func (m BatchNormMode) String() string {
	switch m {
	case BatchNormPerActivation:
		return "CUDNN_BATCHNORM_PER_ACTIVATION"
	case BatchNormSpatial:
		return "CUDNN_BATCHNORM_SPATIAL"
	}
	return fmt.Sprintf("CUDNN_BATCHNORM_UNKNOWN(%d)", int(m))
}

// Handle to a library session. All calls made with the same handle are serialized.
type Handle uintptr

// TensorDescriptor is an opaque reference to a tensor descriptor owned by the library.
type TensorDescriptor uintptr

// Tensor4d is the information stored in a 4D tensor descriptor.
type Tensor4d struct {
	DataType DataType

	// Dims are N, C, H, W.
	Dims [4]int

	// Strides, in number of elements, of each of the N, C, H, W axes.
	Strides [4]int
}

// Size returns the number of elements described.
func (t Tensor4d) Size() int {
	return t.Dims[0] * t.Dims[1] * t.Dims[2] * t.Dims[3]
}
