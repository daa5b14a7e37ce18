// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides entrypoint helpers for the rref binaries:
// reporting a fatal error from run() before or after the structured
// logger is configured.
package process
