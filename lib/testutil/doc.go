// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by package tests, mainly
// bounded channel receives for asynchronous completions.
package testutil
