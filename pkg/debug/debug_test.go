// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package debug_test

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/siderolabs/talos-xentoolsd/pkg/debug"
)

func TestDump(t *testing.T) {
	t.Parallel()

	r := debug.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))

	r.Register("EVTCHN", func(p debug.Printer, crashing bool) {
		p.Printf("channels: %d\n", 2)

		if crashing {
			p.Printf("crashing\n")
		}
	})

	cb := r.Register("GNTTAB", func(p debug.Printer, _ bool) {
		p.Printf("frames: %d\n", 1)
	})

	var buf bytes.Buffer

	r.Dump(&buf, true)

	want := "EVTCHN|channels: 2\nEVTCHN|crashing\nGNTTAB|frames: 1\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Fatalf("unexpected dump (-want +got):\n%s", diff)
	}

	if err := r.Deregister(cb); err != nil {
		t.Fatal(err)
	}

	if err := r.Deregister(cb); !errors.Is(err, debug.ErrNotRegistered) {
		t.Fatalf("second Deregister = %v, want ErrNotRegistered", err)
	}

	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}

func TestDumpToLogger(t *testing.T) {
	t.Parallel()

	r := debug.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.Register("X", func(p debug.Printer, _ bool) {
		p.Printf("one\n")
		p.Printf("two\n")
	})

	var buf bytes.Buffer

	r.DumpToLogger(slog.New(slog.NewTextHandler(&buf, nil)))

	if got := bytes.Count(buf.Bytes(), []byte("\n")); got != 2 {
		t.Fatalf("logged %d lines, want 2:\n%s", got, buf.String())
	}
}
