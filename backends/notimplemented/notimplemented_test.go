// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package notimplemented

import (
	"testing"

	"github.com/gomlx/cudnnbn/backends"
	"github.com/gomlx/cudnnbn/pkg/core/shapes"
	"github.com/gomlx/cudnnbn/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

func TestNotImplemented(t *testing.T) {
	Register()
	require.Contains(t, backends.List(), BackendName)
	device := must.M1(backends.NewWithConfig(BackendName))
	defer device.Finalize()
	require.Equal(t, BackendName, device.Name())

	x := tensors.FromScalarAndDimensions(float32(1), 2, 3)
	gamma := tensors.FromScalarAndDimensions(float32(1), 1, 3)
	bn := device.BatchNormForwardBackward()
	_, err := bn.Forward(x, gamma, gamma, gamma, gamma, 1e-5, 0.9, shapes.Axes{0})
	require.ErrorIs(t, err, backends.ErrNotImplemented)
	_, err = bn.Backward(x, gamma, x, 1e-5, shapes.Axes{0})
	require.ErrorIs(t, err, backends.ErrNotImplemented)
	_, err = bn.DoubleBackward(x, gamma, gamma)
	require.ErrorIs(t, err, backends.ErrNotImplemented)

	// Memory is host memory.
	onDevice := must.M1(x.ToDevice(device))
	require.True(t, x.InDelta(onDevice, 0))
}
