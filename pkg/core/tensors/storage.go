// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"reflect"
	"unsafe"

	"github.com/gomlx/cudnnbn/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// Device identifies where the memory of a tensor lives, and knows how to copy raw memory into it.
//
// Device backends (see package backends) implement it, on top of their accelerator-specific
// functionality.
type Device interface {
	// Name of the device, used for logging and error messages.
	Name() string

	// MemoryCopyFrom copies len(src) bytes from src, which lives in srcDevice, to dst, which lives in this device.
	// It fails if dst is smaller than src.
	MemoryCopyFrom(dst, src []byte, srcDevice Device) error
}

// Host is the device for memory managed directly by Go.
var Host Device = hostDevice{}

type hostDevice struct{}

func (hostDevice) Name() string { return "host" }

func (hostDevice) MemoryCopyFrom(dst, src []byte, _ Device) error {
	if len(dst) < len(src) {
		return errors.Errorf("host MemoryCopyFrom: destination has %d bytes, source has %d", len(dst), len(src))
	}
	copy(dst, src)
	return nil
}

// storage is a flat slice of values of one dtype, owned by a device.
type storage struct {
	// flat is always a slice of the underlying data type (dtype.GoType()).
	flat   any
	dtype  dtypes.DType
	device Device
}

func newStorage(device Device, dtype dtypes.DType, length int) *storage {
	if device == nil {
		device = Host
	}
	return &storage{
		flat:   reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), length, length).Interface(),
		dtype:  dtype,
		device: device,
	}
}

// bytes returns a view of the bytes of the elements [start, start+length) of the storage.
func (s *storage) bytes(start, length int) []byte {
	if length == 0 {
		return nil
	}
	flatV := reflect.ValueOf(s.flat)
	element := flatV.Index(start)
	elementSize := element.Type().Size()
	return unsafe.Slice((*byte)(element.Addr().UnsafePointer()), uintptr(length)*elementSize)
}
