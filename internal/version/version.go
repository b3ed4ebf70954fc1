// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package version contains variables such as project name, tag and sha. The tag and sha
// are embedded from data/ by the build instead of being set with -ldflags '-X ...'.
package version

import (
	_ "embed"
	"runtime/debug"
	"strings"
)

var (
	//go:embed data/tag
	tag string
	//go:embed data/sha
	sha string

	// Tag declares project git tag.
	Tag = strings.TrimSpace(tag)
	// SHA declares project git SHA.
	SHA = strings.TrimSpace(sha)
	// Name declares project name.
	Name = projectName()
)

func projectName() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "talos-xentoolsd"
	}

	// first path element below the siderolabs organisation
	if tail, found := strings.CutPrefix(info.Path, "github.com/siderolabs/"); found {
		if before, _, found := strings.Cut(tail, "/"); found {
			return before
		}
	}

	// We could return a proper full path here, but it could be seen as a privacy violation.
	return "community-project"
}

// String returns the name, tag and sha for a banner.
func String() string {
	return Name + " " + Tag + " (" + SHA + ")"
}
