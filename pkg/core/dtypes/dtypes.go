// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes includes the DType enum for the element types a tensor can hold.
//
// The set is intentionally small: the floating point precisions accelerator normalization
// primitives deal with (Float16, BFloat16, Float32, Float64) and two integer types, mostly
// useful to exercise rejection paths.
//
// It also defines the Supported constraint, listing the Go types backing each DType, to be used with generics.
package dtypes

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/gomlx/cudnnbn/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/exceptions"
	"github.com/x448/float16"
)

func init() {
	// Add a mapping to the lower-case version of dtypes.
	keys := slices.Collect(maps.Keys(MapOfNames))
	for _, key := range keys {
		lowerKey := strings.ToLower(key)
		if _, found := MapOfNames[lowerKey]; !found {
			MapOfNames[lowerKey] = MapOfNames[key]
		}
	}
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if name, found := dtypeNames[dtype]; found {
		return name
	}
	return fmt.Sprintf("DType(%d)", int32(dtype))
}

// Supported lists the Go types tensors can be created from.
// Used as traits for generics.
type Supported interface {
	float16.Float16 | bfloat16.BFloat16 | float32 | float64 | int32 | int64
}

// FromGenericsType returns the DType enum for the given type that this package knows about.
func FromGenericsType[T Supported]() DType {
	var t T
	switch (any(t)).(type) {
	case float64:
		return Float64
	case float32:
		return Float32
	case float16.Float16:
		return Float16
	case bfloat16.BFloat16:
		return BFloat16
	case int64:
		return Int64
	case int32:
		return Int32
	}
	return InvalidDType
}

var goTypes = map[DType]reflect.Type{
	Int32:    reflect.TypeFor[int32](),
	Int64:    reflect.TypeFor[int64](),
	Float16:  reflect.TypeFor[float16.Float16](),
	Float32:  reflect.TypeFor[float32](),
	Float64:  reflect.TypeFor[float64](),
	BFloat16: reflect.TypeFor[bfloat16.BFloat16](),
}

// GoType returns the Go type backing elements of dtype. It panics for unsupported dtypes.
func (dtype DType) GoType() reflect.Type {
	t, found := goTypes[dtype]
	if !found {
		exceptions.Panicf("unknown dtype %s in DType.GoType", dtype)
	}
	return t
}

// Size returns the number of bytes of one element of dtype.
func (dtype DType) Size() int {
	return int(dtype.GoType().Size())
}

// Memory is Size as an uintptr.
func (dtype DType) Memory() uintptr {
	return uintptr(dtype.Size())
}

// IsFloat returns whether dtype is a supported float.
func (dtype DType) IsFloat() bool {
	return dtype == Float32 || dtype == Float64 || dtype == Float16 || dtype == BFloat16
}

// IsSupported returns whether dtype can back a tensor.
func (dtype DType) IsSupported() bool {
	_, found := goTypes[dtype]
	return found
}
