// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"fmt"
	"testing"

	"github.com/gomlx/cudnnbn/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDevice records the configuration it was created with.
type fakeDevice struct {
	name, config string
}

func (d *fakeDevice) Name() string { return d.name }
func (d *fakeDevice) Description() string { return "fake device " + d.config }
func (d *fakeDevice) MemoryCopyFrom(dst, src []byte, srcDevice tensors.Device) error {
	return tensors.Host.MemoryCopyFrom(dst, src, srcDevice)
}
func (d *fakeDevice) BatchNormForwardBackward() BatchNormForwardBackward { return nil }
func (d *fakeDevice) Finalize() {}

func fakeConstructor(name string) Constructor {
	return func(config string) (Device, error) {
		if config == "fail" {
			return nil, errors.Wrapf(ErrConfiguration, "invalid config %q", config)
		}
		return &fakeDevice{name: name, config: config}, nil
	}
}

func TestRegistry(t *testing.T) {
	_, err := NewWithConfig("")
	require.ErrorIs(t, err, ErrConfiguration, "no devices registered yet")

	Register("first", fakeConstructor("first"))
	Register("second", fakeConstructor("second"))
	assert.Equal(t, []string{"first", "second"}, List())

	for _, tc := range []struct {
		config, wantName, wantConfig string
	}{
		{"", "first", ""},
		{"second", "second", ""},
		{"second:a=1", "second", "a=1"},
		{"a=1", "first", "a=1"},
		{"first:", "first", ""},
	} {
		device, err := NewWithConfig(tc.config)
		require.NoError(t, err)
		fake := device.(*fakeDevice)
		assert.Equal(t, tc.wantName, fake.name, "config %q", tc.config)
		assert.Equal(t, tc.wantConfig, fake.config, "config %q", tc.config)
	}

	_, err = NewWithConfig("third:x")
	require.ErrorIs(t, err, ErrConfiguration)
	_, err = NewWithConfig("second:fail")
	require.ErrorIs(t, err, ErrConfiguration)
	require.Contains(t, err.Error(), `device "second"`)

	// Environment variable takes precedence over DefaultConfig.
	DefaultConfig = "second:default"
	defer func() { DefaultConfig = "" }()
	device, err := New()
	require.NoError(t, err)
	assert.Equal(t, "default", device.(*fakeDevice).config)
	t.Setenv(CUDNNBN_DEVICE, "first:env")
	device, err = New()
	require.NoError(t, err)
	assert.Equal(t, "first", device.Name())
	assert.Equal(t, "env", device.(*fakeDevice).config)
}

func TestAcceleratorError(t *testing.T) {
	var err error = &AcceleratorError{Op: "cudnnBatchNormalizationForwardTraining", Status: "CUDNN_STATUS_BAD_PARAM", Code: 3}
	wrapped := errors.WithMessage(errors.WithStack(err), "batch norm")
	assert.ErrorIs(t, wrapped, ErrAccelerator)
	assert.NotErrorIs(t, wrapped, ErrLayout)
	var accErr *AcceleratorError
	require.ErrorAs(t, wrapped, &accErr)
	assert.Equal(t, 3, accErr.Code)
	assert.Contains(t, fmt.Sprint(wrapped), "CUDNN_STATUS_BAD_PARAM")
	assert.Contains(t, fmt.Sprint(wrapped), "cudnnBatchNormalizationForwardTraining")
}
