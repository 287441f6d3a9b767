// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

// DType is an enum represents the data type of a tensor element.
//
// The numeric values follow the PJRT buffer type enum, so they can be exchanged with
// other runtimes without translation tables.
type DType int32

const (
	// InvalidDType serves as the zero value.
	InvalidDType DType = 0

	// Int32 is a signed 32 bits integer. Accelerator normalization primitives don't accept it.
	Int32 DType = 4

	// Int64 is a signed 64 bits integer. Accelerator normalization primitives don't accept it.
	Int64 DType = 5

	// Float16 is the IEEE 754 half precision float, stored as github.com/x448/float16.Float16.
	Float16 DType = 10

	// Float32 is the IEEE 754 single precision float.
	Float32 DType = 11

	// Float64 is the IEEE 754 double precision float.
	Float64 DType = 12

	// BFloat16 is the truncated 16 bits float: 1 bit sign, 8 bits exponent and 7 bits mantissa.
	BFloat16 DType = 13
)

// Aliases, as used by the PJRT C API.
const (
	S32  = Int32
	S64  = Int64
	F16  = Float16
	F32  = Float32
	F64  = Float64
	BF16 = BFloat16
)

// MapOfNames to their dtypes. It includes also aliases to the various dtypes.
// It is also later initialized to include the lower-case version of the names.
var MapOfNames = map[string]DType{
	"InvalidDType": InvalidDType,
	"INVALID":      InvalidDType,
	"Int32":        Int32,
	"S32":          Int32,
	"Int64":        Int64,
	"S64":          Int64,
	"Float16":      Float16,
	"F16":          Float16,
	"Float32":      Float32,
	"F32":          Float32,
	"Float64":      Float64,
	"F64":          Float64,
	"BFloat16":     BFloat16,
	"BF16":         BFloat16,
}

var dtypeNames = map[DType]string{
	InvalidDType: "InvalidDType",
	Int32:        "Int32",
	Int64:        "Int64",
	Float16:      "Float16",
	Float32:      "Float32",
	Float64:      "Float64",
	BFloat16:     "BFloat16",
}
