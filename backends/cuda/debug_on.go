// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build bndebug

package cuda

// debugChecks enables the assertions of the executor preconditions that are trusted in regular builds.
const debugChecks = true
