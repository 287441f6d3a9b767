// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cuda

import (
	"github.com/gomlx/cudnnbn/pkg/core/shapes"
	"github.com/gomlx/cudnnbn/pkg/core/tensors"
	"github.com/gomlx/exceptions"
)

// assertForwardInvariants panics if the Forward arguments violate the preconditions that are only checked
// when debugChecks is enabled.
func assertForwardInvariants(x, gamma, beta, runningMean, runningVar *tensors.Tensor, axis shapes.Axes) {
	for _, t := range []*tensors.Tensor{x, gamma, beta, runningMean, runningVar} {
		t.AssertValid()
	}
	if err := axis.Validate(x.Rank()); err != nil {
		exceptions.Panicf("batch norm of %s: %v", x.Shape(), err)
	}
	reduced := shapes.ReduceShape(x.Shape(), axis, true)
	for _, p := range []struct {
		name string
		t    *tensors.Tensor
	}{{"gamma", gamma}, {"beta", beta}, {"running mean", runningMean}, {"running variance", runningVar}} {
		if p.t.Device() != x.Device() {
			exceptions.Panicf("batch norm: %s is on device %q, but x is on %q", p.name, p.t.Device().Name(),
				x.Device().Name())
		}
		if p.t.DType() != x.DType() {
			exceptions.Panicf("batch norm: %s has dtype %s, but x has dtype %s", p.name, p.t.DType(), x.DType())
		}
		if !p.t.IsContiguous() {
			exceptions.Panicf("batch norm: %s %s must be contiguous", p.name, p.t.Shape())
		}
		if p.t == gamma || p.t == beta {
			if !p.t.Shape().Equal(reduced) {
				exceptions.Panicf("batch norm: %s has shape %s, but x %s reduced over axis %s has shape %s",
					p.name, p.t.Shape(), x.Shape(), axis, reduced)
			}
		} else if p.t.Size() != reduced.Size() {
			exceptions.Panicf("batch norm: %s has %d elements, but x %s reduced over axis %s has %d",
				p.name, p.t.Size(), x.Shape(), axis, reduced.Size())
		}
	}
}

// assertBackwardInvariants panics if the Backward arguments violate the preconditions that are only checked
// when debugChecks is enabled.
func assertBackwardInvariants(x, gamma, gout *tensors.Tensor, axis shapes.Axes) {
	for _, t := range []*tensors.Tensor{x, gamma, gout} {
		t.AssertValid()
	}
	if err := axis.Validate(x.Rank()); err != nil {
		exceptions.Panicf("batch norm backward of %s: %v", x.Shape(), err)
	}
	if reduced := shapes.ReduceShape(x.Shape(), axis, true); !gamma.Shape().Equal(reduced) {
		exceptions.Panicf("batch norm backward: gamma has shape %s, but x %s reduced over axis %s has shape %s",
			gamma.Shape(), x.Shape(), axis, reduced)
	}
	if gamma.Device() != x.Device() || gout.Device() != x.Device() {
		exceptions.Panicf("batch norm backward: x, gamma and gout must be on the same device")
	}
}
