// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cuda implements a backends.Device that runs batch normalization with the cuDNN primitives.
//
// The device owns a library session handle, and each call to BatchNormForwardBackward returns a new
// BatchNorm executor bound to it. The library is accessed through the cudnn.Library interface: New uses
// cudnn.Emulator, and NewWithLibrary accepts any other implementation.
//
// To make it the default device, import it with:
//
//	import _ "github.com/gomlx/cudnnbn/backends/cuda"
//
// Configuration is given as comma-separated key=value pairs, e.g. "cuda:device=0,parallelism=4":
//
//   - device: device number, used in the device name. Default 0.
//   - parallelism: number of workers used by the emulator kernels: 0 runs inline, -1 is unlimited.
//     Default is runtime.NumCPU().
package cuda

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/cudnnbn/backends"
	"github.com/gomlx/cudnnbn/backends/cuda/cudnn"
	"github.com/gomlx/cudnnbn/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in CUDNNBN_DEVICE to specify this device.
const BackendName = "cuda"

// Registers New() as the constructor for the "cuda" device.
func init() {
	backends.Register(BackendName, New)
}

// New constructs a new cuda Device backed by a new cudnn.Emulator.
func New(config string) (backends.Device, error) {
	d, err := NewWithLibrary(cudnn.NewEmulator(), config)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Device implements backends.Device.
type Device struct {
	lib       cudnn.Library
	deviceNum int

	mu        sync.Mutex
	handle    cudnn.Handle
	finalized bool

	numCopies   atomic.Int64
	bytesCopied atomic.Int64
}

// Compile-time check that cuda.Device implements backends.Device.
var _ backends.Device = &Device{}

// NewWithLibrary creates a Device using the given library, and creates its session handle.
func NewWithLibrary(lib cudnn.Library, config string) (*Device, error) {
	cfg, err := parseConfig(config)
	if err != nil {
		return nil, err
	}
	if cfg.parallelismSet {
		emulator, ok := lib.(*cudnn.Emulator)
		if !ok {
			return nil, errors.Wrapf(backends.ErrConfiguration,
				"parallelism configuration only applies to the emulated library, got %T", lib)
		}
		emulator.SetParallelism(cfg.parallelism)
	}
	handle, err := lib.Create()
	if err != nil {
		return nil, acceleratorError(cudnn.OpCreate, err)
	}
	d := &Device{
		lib:       lib,
		deviceNum: cfg.deviceNum,
		handle:    handle,
	}
	klog.V(1).Infof("created %s: %s", d.Name(), d.Description())
	return d, nil
}

// Name implements tensors.Device. E.g.: "cuda:0".
func (d *Device) Name() string {
	return fmt.Sprintf("%s:%d", BackendName, d.deviceNum)
}

// String returns the same as Name.
func (d *Device) String() string { return d.Name() }

// Description implements backends.Device.
func (d *Device) Description() string {
	if emulator, ok := d.lib.(*cudnn.Emulator); ok {
		return fmt.Sprintf("CUDA device %d (cuDNN emulator, parallelism=%d)", d.deviceNum, emulator.Parallelism())
	}
	return fmt.Sprintf("CUDA device %d (%T)", d.deviceNum, d.lib)
}

// Library used by the device.
func (d *Device) Library() cudnn.Library { return d.lib }

// Handle returns the library session handle of the device.
// It returns an ErrConfiguration error if the device has been finalized.
func (d *Device) Handle() (cudnn.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finalized {
		return 0, errors.Wrapf(backends.ErrConfiguration, "device %s has been finalized", d.Name())
	}
	return d.handle, nil
}

// MemoryCopyFrom implements tensors.Device: it copies src, from srcDevice, into dst, owned by this device.
func (d *Device) MemoryCopyFrom(dst, src []byte, srcDevice tensors.Device) error {
	if len(dst) < len(src) {
		return errors.Wrapf(backends.ErrLayout, "%s: MemoryCopyFrom destination has %d bytes, source has %d",
			d.Name(), len(dst), len(src))
	}
	copy(dst, src)
	d.numCopies.Add(1)
	d.bytesCopied.Add(int64(len(src)))
	if klog.V(2).Enabled() {
		srcName := "<nil>"
		if srcDevice != nil {
			srcName = srcDevice.Name()
		}
		klog.Infof("%s: copied %s from %s", d.Name(), humanize.Bytes(uint64(len(src))), srcName)
	}
	return nil
}

// MemoryCopies returns the number of calls to MemoryCopyFrom and the total number of bytes copied.
func (d *Device) MemoryCopies() (count, bytes int64) {
	return d.numCopies.Load(), d.bytesCopied.Load()
}

// BatchNormForwardBackward implements backends.Device: it returns a new executor bound to the device's session.
func (d *Device) BatchNormForwardBackward() backends.BatchNormForwardBackward {
	return newBatchNorm(d)
}

// Finalize releases the session handle. The device can't be used for batch normalization afterward.
// It is safe to call it more than once.
func (d *Device) Finalize() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finalized {
		return
	}
	d.finalized = true
	if err := d.lib.Destroy(d.handle); err != nil {
		klog.Warningf("%s: failed to destroy library handle: %v", d.Name(), acceleratorError(cudnn.OpDestroy, err))
	}
	d.handle = 0
}
