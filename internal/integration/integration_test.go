// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package integration_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/siderolabs/talos-xentoolsd/internal/integration"
	"github.com/siderolabs/talos-xentoolsd/internal/talosconnection"
	"github.com/siderolabs/talos-xentoolsd/pkg/hypercall"
	"github.com/siderolabs/talos-xentoolsd/pkg/xenbus"
	"github.com/siderolabs/talos-xentoolsd/pkg/xensim"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func setup(t *testing.T) (*xensim.Sim, *xenbus.Bus) {
	t.Helper()

	sim := xensim.New(xensim.Config{FIFO: true}, discard)
	bus := xenbus.New(xenbus.Config{
		VCPUs:       sim.VCPUs(),
		UseFifo:     true,
		CallbackVia: 28,
		Clock:       sim,
	}, sim, sim, discard)

	if err := bus.Initialize(); err != nil {
		t.Fatal(err)
	}

	return sim, bus
}

// run starts the bus and i until the test ends.
func run(t *testing.T, bus *xenbus.Bus, i integration.Integration) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)

	go func() {
		bus.Run(ctx) //nolint:errcheck
		done <- struct{}{}
	}()

	go func() {
		i.Run(ctx) //nolint:errcheck
		done <- struct{}{}
	}()

	t.Cleanup(func() {
		cancel()
		<-done
		<-done
	})
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)

	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}

		time.Sleep(time.Millisecond)
	}
}

type fakeIdentity struct{}

func (fakeIdentity) Identity() (talosconnection.Identity, error) {
	return talosconnection.Identity{Hostname: "worker-1"}, errors.New("uptime unavailable")
}

func TestDebug(t *testing.T) {
	t.Parallel()

	sim, bus := setup(t)

	d := integration.NewDebug(discard, bus, fakeIdentity{})

	if err := d.Register(); err != nil {
		t.Fatal(err)
	}

	run(t, bus, d)

	if d.Port() == 0 {
		t.Fatal("VIRQ_DEBUG not bound")
	}

	if _, err := sim.RaiseVirq(hypercall.VirqDebug, 0); err != nil {
		t.Fatal(err)
	}

	eventually(t, "first report", func() bool { return d.Reports() == 1 })

	var buf bytes.Buffer

	bus.DumpDebug(&buf, false)

	for _, want := range []string{"TALOS|Hostname = worker-1", "TALOS|incomplete identity: uptime unavailable"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("dump lacks %q:\n%s", want, buf.String())
		}
	}

	sim.Migrate()
	bus.Suspend()

	eventually(t, "VIRQ_DEBUG rebound", func() bool { return d.Port() != 0 })

	if _, err := sim.RaiseVirq(hypercall.VirqDebug, 0); err != nil {
		t.Fatal(err)
	}

	eventually(t, "second report", func() bool { return d.Reports() == 2 })

	if err := d.Unregister(); err != nil {
		t.Fatal(err)
	}

	if err := bus.Teardown(); err != nil {
		t.Fatal(err)
	}
}

func TestWallclock(t *testing.T) {
	t.Parallel()

	sim, bus := setup(t)

	boot := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

	sim.SetWallclock(boot)
	sim.SetSystemTime(0, uint64(time.Second), 1000, 1<<31, 1)
	sim.SetTSC(1000)

	local := boot.Add(time.Second + 250*time.Millisecond)

	w := integration.NewWallclock(discard, bus, time.Hour, func() time.Time { return local })

	if err := w.Register(); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer

	bus.DumpDebug(&buf, false)

	if !strings.Contains(buf.String(), "WALLCLOCK|not sampled yet") {
		t.Errorf("dump before the first sample:\n%s", buf.String())
	}

	drift, err := w.Check()
	if err != nil {
		t.Fatal(err)
	}

	if drift != 250*time.Millisecond {
		t.Errorf("drift = %s", drift)
	}

	buf.Reset()
	bus.DumpDebug(&buf, false)

	if !strings.Contains(buf.String(), "WALLCLOCK|Last = 2025-03-01T12:00:01Z Drift = 250ms") {
		t.Errorf("dump after a sample:\n%s", buf.String())
	}

	if err = w.Unregister(); err != nil {
		t.Fatal(err)
	}

	if err = bus.Teardown(); err != nil {
		t.Fatal(err)
	}
}
