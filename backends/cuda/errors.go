// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cuda

import (
	"github.com/gomlx/cudnnbn/backends"
	"github.com/gomlx/cudnnbn/backends/cuda/cudnn"
	"github.com/pkg/errors"
)

// acceleratorError converts an error returned by the library call op to a *backends.AcceleratorError,
// carrying the library status.
func acceleratorError(op string, err error) error {
	if err == nil {
		return nil
	}
	var status cudnn.Status
	if errors.As(err, &status) {
		return errors.WithStack(&backends.AcceleratorError{Op: op, Status: status.String(), Code: int(status)})
	}
	return errors.Wrapf(err, "%s failed", op)
}
