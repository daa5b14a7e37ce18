// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the configuration of one rref worker process.
//
// Configuration comes from exactly one file, named either by the
// RREF_CONFIG environment variable or by the --config flag of the
// binary. There is no discovery and no fallback search path. The file
// is YAML unless its name ends in ".toml".
//
// A file may carry development, staging, and production sections that
// override base values when the top-level environment matches.
package config
