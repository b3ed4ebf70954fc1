// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package suspend_test

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/siderolabs/talos-xentoolsd/pkg/suspend"
)

func newRegistry() *suspend.Registry {
	return suspend.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestTriggerOrder(t *testing.T) {
	t.Parallel()

	r := newRegistry()

	var order []string

	r.Register(suspend.Late, "late-a", func() { order = append(order, "late-a") })
	r.Register(suspend.Early, "early-a", func() { order = append(order, "early-a") })
	r.Register(suspend.Early, "early-b", func() { order = append(order, "early-b") })

	r.Trigger()

	if diff := cmp.Diff([]string{"early-a", "early-b", "late-a"}, order); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}

	if r.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", r.Count())
	}
}

func TestDeregister(t *testing.T) {
	t.Parallel()

	r := newRegistry()

	calls := 0
	cb := r.Register(suspend.Early, "counter", func() { calls++ })

	if err := r.Deregister(cb); err != nil {
		t.Fatal(err)
	}

	if err := r.Deregister(cb); !errors.Is(err, suspend.ErrNotRegistered) {
		t.Fatalf("second Deregister = %v, want ErrNotRegistered", err)
	}

	r.Trigger()

	if calls != 0 {
		t.Fatalf("deregistered callback ran %d times", calls)
	}
}

func TestPreventBlocksTrigger(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	release := r.Prevent()

	done := make(chan struct{})

	go func() {
		r.Trigger()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Trigger ran while the gate was held")
	case <-time.After(50 * time.Millisecond):
	}

	release()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Trigger did not run after the gate was released")
	}
}
