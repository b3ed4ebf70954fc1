// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package util packages the logging helpers shared by the daemon and the packages.
package util

import (
	"context"
	"log/slog"
	"strings"
)

// log/slog does not implement trace logging by default, but is flexible.
const (
	LogLevelTrace = slog.Level(-8)
)

// TraceLog sends trace-level logging to log/slog.Logger. The hot paths of the event
// channels log through it, so it returns early when the level is disabled.
func TraceLog(l *slog.Logger, msg string, args ...any) {
	ctx := context.Background()

	if !l.Enabled(ctx, LogLevelTrace) {
		return
	}

	l.Log(ctx, LogLevelTrace, msg, args...)
}

// ParseLevel parses a slog level name, accepting "trace" in any case as well.
func ParseLevel(s string) (slog.Level, error) {
	if strings.EqualFold(s, "trace") {
		return LogLevelTrace, nil
	}

	var level slog.Level

	err := level.UnmarshalText([]byte(s))

	return level, err
}
