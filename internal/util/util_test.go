// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package util_test

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/siderolabs/talos-xentoolsd/internal/util"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		in   string
		want slog.Level
	}{
		{"trace", util.LogLevelTrace},
		{"TRACE", util.LogLevelTrace},
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	} {
		got, err := util.ParseLevel(tc.in)
		if err != nil {
			t.Errorf("%s: %v", tc.in, err)

			continue
		}

		if got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.in, got, tc.want)
		}
	}

	if _, err := util.ParseLevel("loud"); err == nil {
		t.Error("unknown level accepted")
	}
}

func TestTraceLog(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	util.TraceLog(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), "hidden")

	if buf.Len() != 0 {
		t.Errorf("trace logged at debug level: %s", buf.String())
	}

	util.TraceLog(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: util.LogLevelTrace})), "shown", "port", 3)

	if !strings.Contains(buf.String(), "msg=shown port=3") {
		t.Errorf("trace not logged: %s", buf.String())
	}
}
