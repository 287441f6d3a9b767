// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface an accelerator device needs to implement to provide batch normalization,
// and a registry of device constructors.
//
// The only capability a device exposes here is BatchNormForwardBackward: it returns a fresh executor bound to the
// device's accelerator session. Devices also implement tensors.Device, so tensors can be allocated on them and
// memory copied into them.
//
// Errors are returned as values, wrapping one of the error kinds (ErrConfiguration, ErrLayout, ...) with
// github.com/pkg/errors, so callers can use errors.Is and print stack traces with "%+v".
// Programming bugs (e.g. invalid tensors) panic with github.com/gomlx/exceptions.
package backends

import (
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/cudnnbn/pkg/core/shapes"
	"github.com/gomlx/cudnnbn/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Device is the API that needs to be implemented by an accelerator device.
type Device interface {
	// Device is embedded: Name and MemoryCopyFrom.
	tensors.Device

	// Description is a longer description of the Device that can be used to pretty-print.
	Description() string

	// BatchNormForwardBackward returns a new executor bound to the device's accelerator session.
	// Each call returns a fresh executor: there is no registry of executors.
	BatchNormForwardBackward() BatchNormForwardBackward

	// Finalize releases all the associated resources immediately, and makes the device invalid.
	Finalize()
}

// BatchNormForwardBackward executes batch normalization on a device.
//
// Executors hold the mean and inverse variance computed by the last Forward call, so they are not safe for
// concurrent use: callers must synchronize calls on the same executor.
type BatchNormForwardBackward interface {
	// Forward normalizes x over the given axis, scales it by gamma and shifts it by beta, and returns the result
	// shaped like x.
	//
	// runningMean and runningVar are updated in place with an exponential moving average of the batch statistics:
	// running = decay * running + (1 - decay) * batch. They must be contiguous.
	//
	// If Forward returns an error, runningMean and runningVar were not modified, except for ErrAccelerator
	// errors, where they may be partially updated.
	Forward(x, gamma, beta, runningMean, runningVar *tensors.Tensor, eps, decay float64, axis shapes.Axes) (
		*tensors.Tensor, error)

	// Backward returns the gradients with respect to x, gamma and beta, given the gradient of the output gout.
	Backward(x, gamma, gout *tensors.Tensor, eps float64, axis shapes.Axes) ([3]*tensors.Tensor, error)

	// DoubleBackward returns the second order gradients, given the gradients of the gradients with respect to
	// x, gamma and beta.
	DoubleBackward(ggx, gggamma, ggbeta *tensors.Tensor) ([3]*tensors.Tensor, error)
}

// Constructor takes a config string (optionally empty) and returns a Device.
type Constructor func(config string) (Device, error)

var (
	muRegistry             sync.Mutex
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register device with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the device constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
	klog.V(2).Infof("registered device %q", name)
}

// List the names of the registered devices, sorted.
func List() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DefaultConfig is the name of the default device configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// CUDNNBN_DEVICE is the environment variable with the default device configuration to use.
//
// The format of config is "<device_name>:<device_configuration>".
// The "<device_name>" is the name of a registered device (e.g.: "cuda") and
// "<device_configuration>" is device specific (e.g.: for cuda, "device=0,parallelism=4").
const CUDNNBN_DEVICE = "CUDNNBN_DEVICE"

// New returns a new default Device.
//
// The default is:
//
// 1. The environment CUDNNBN_DEVICE is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered device is used with an empty configuration.
func New() (Device, error) {
	config, found := os.LookupEnv(CUDNNBN_DEVICE)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig takes a configuration string formatted as "<device_name>:<device_configuration>".
//
// If "<device_name>" is a registered device name, the configuration can be omitted. If there is no ":" and
// the string is not a registered name, it is taken as the configuration for the first registered device.
func NewWithConfig(config string) (Device, error) {
	muRegistry.Lock()
	if len(registeredConstructors) == 0 {
		muRegistry.Unlock()
		return nil, errors.Wrapf(ErrConfiguration,
			`no registered devices -- maybe import the cuda one with import _ "github.com/gomlx/cudnnbn/backends/cuda"?`)
	}
	deviceName := firstRegistered
	deviceConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		deviceName = config[:idx]
		deviceConfig = config[idx+1:]
	} else if _, found := registeredConstructors[config]; found {
		deviceName = config
		deviceConfig = ""
	}
	constructor, found := registeredConstructors[deviceName]
	muRegistry.Unlock()
	if !found {
		return nil, errors.Wrapf(ErrConfiguration, "can't find device %q for configuration %q given", deviceName, config)
	}
	device, err := constructor(deviceConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "device %q", deviceName)
	}
	return device, nil
}
