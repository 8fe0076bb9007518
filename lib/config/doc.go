// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads SDK configuration from a single YAML file.
//
// The file path comes from the SPARK_CONFIG environment variable or an
// explicit --config flag. There is no discovery and no per-field
// environment override: ${VAR} and ${VAR:-default} references inside
// path values are the only expansion. An optional section named after
// the active environment (development, staging, production) overrides
// base values.
package config
