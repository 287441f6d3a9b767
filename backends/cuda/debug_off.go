// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build !bndebug

package cuda

// debugChecks is disabled: build with -tags bndebug to enable it.
const debugChecks = false
