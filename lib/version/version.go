// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports which build of spark is running. Release
// builds inject the commit with -ldflags:
//
//	go build -ldflags "-X github.com/bureau-foundation/spark/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// Otherwise the VCS revision the go tool stamped into the binary is
// used, when there is one.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	// GitCommit is the short commit the binary was built from.
	GitCommit = "unknown"
	// Version is the release version.
	Version = "0.1.0-dev"
)

// Short returns the release version, as sent in the User-Agent.
func Short() string {
	return Version
}

// Commit returns GitCommit, falling back to the build's vcs.revision
// (shortened, with a "-dirty" suffix for modified trees).
func Commit() string {
	if GitCommit != "unknown" {
		return GitCommit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return GitCommit
	}
	return commitFromSettings(info.Settings)
}

func commitFromSettings(settings []debug.BuildSetting) string {
	var revision string
	var modified bool
	for _, setting := range settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	if revision == "" {
		return "unknown"
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	if modified {
		revision += "-dirty"
	}
	return revision
}

// Info returns the line printed by --version.
func Info() string {
	return fmt.Sprintf("%s (%s, %s %s/%s)", Version, Commit(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
