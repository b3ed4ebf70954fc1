// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package sharedinfo_test

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/siderolabs/talos-xentoolsd/pkg/debug"
	"github.com/siderolabs/talos-xentoolsd/pkg/hypercall"
	"github.com/siderolabs/talos-xentoolsd/pkg/sharedinfo"
	"github.com/siderolabs/talos-xentoolsd/pkg/suspend"
	"github.com/siderolabs/talos-xentoolsd/pkg/xensim"
)

type fixture struct {
	sim  *xensim.Sim
	susp *suspend.Registry
	dbg  *debug.Registry
	info *sharedinfo.SharedInfo
}

func setup(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{
		sim:  xensim.New(xensim.Config{VCPUs: 2}, logger),
		susp: suspend.NewRegistry(logger),
		dbg:  debug.NewRegistry(logger),
	}

	f.info = sharedinfo.New(f.sim, f.sim, f.susp, f.dbg, f.sim, 2, logger)

	if err := f.info.Acquire(); err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		f.info.Release() //nolint:errcheck
	})

	return f
}

func (f *fixture) alloc(t *testing.T) hypercall.Port {
	t.Helper()

	p, err := hypercall.AllocUnbound(f.sim, 0)
	if err != nil {
		t.Fatal(err)
	}

	return p
}

func TestAcquireRelease(t *testing.T) {
	t.Parallel()

	f := setup(t)

	if !f.sim.SharedInfoMapped() {
		t.Fatal("page not mapped")
	}

	if err := f.info.Acquire(); err != nil {
		t.Fatal(err)
	}

	if err := f.info.Release(); err != nil {
		t.Fatal(err)
	}

	if !f.sim.SharedInfoMapped() {
		t.Fatal("page unmapped with a reference held")
	}

	if f.susp.Len(suspend.Early) != 1 || f.dbg.Len() != 1 {
		t.Error("callbacks not registered")
	}

	pages := f.sim.AllocatedPages()

	if err := f.info.Release(); err != nil {
		t.Fatal(err)
	}

	if f.sim.SharedInfoMapped() {
		t.Error("page still mapped")
	}

	if f.sim.AllocatedPages() != pages-1 {
		t.Error("page not freed")
	}

	if f.susp.Len(suspend.Early) != 0 || f.dbg.Len() != 0 {
		t.Error("callbacks not deregistered")
	}

	if err := f.info.Release(); !errors.Is(err, sharedinfo.ErrNotAcquired) {
		t.Errorf("extra release: %v", err)
	}

	if err := f.info.Acquire(); err != nil {
		t.Fatal(err)
	}
}

func TestAcquireFailure(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sim := xensim.New(xensim.Config{}, logger)
	info := sharedinfo.New(sim, sim, suspend.NewRegistry(logger), debug.NewRegistry(logger), sim, 1, logger)

	sim.InjectError("memory_op/add_to_physmap", hypercall.EINVAL)

	if err := info.Acquire(); !errors.Is(err, hypercall.ErrInvalid) {
		t.Fatalf("acquire: %v", err)
	}

	if sim.AllocatedPages() != 0 {
		t.Error("page leaked")
	}

	if err := info.Release(); !errors.Is(err, sharedinfo.ErrNotAcquired) {
		t.Errorf("release after failed acquire: %v", err)
	}
}

func TestPoll(t *testing.T) {
	t.Parallel()

	f := setup(t)

	var ports []hypercall.Port

	for range 70 {
		ports = append(ports, f.alloc(t))
	}

	// ports 1..70 span two selectors; leave one of them masked
	wantPorts := []hypercall.Port{ports[2], ports[66]}

	for _, p := range append(wantPorts, ports[40]) {
		if _, err := f.info.EvtchnUnmask(p); err != nil {
			t.Fatal(err)
		}
	}

	if err := f.info.EvtchnMask(ports[40]); err != nil {
		t.Fatal(err)
	}

	for _, p := range []hypercall.Port{ports[66], ports[40], ports[2]} {
		if err := f.sim.Raise(p); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := f.info.UpcallPending(0)
	if err != nil {
		t.Fatal(err)
	}

	if !pending {
		t.Fatal("upcall not pending")
	}

	if pending, _ = f.info.UpcallPending(0); pending {
		t.Error("upcall pending not cleared")
	}

	var got []hypercall.Port

	done, err := f.info.EvtchnPoll(0, func(p hypercall.Port) bool {
		got = append(got, p)

		return f.info.EvtchnAck(p) == nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if !done {
		t.Error("poll reported nothing done")
	}

	if diff := cmp.Diff(wantPorts, got); diff != "" {
		t.Errorf("polled ports mismatch (-want +got):\n%s", diff)
	}

	got = nil

	if _, err = f.info.EvtchnPoll(0, func(p hypercall.Port) bool {
		got = append(got, p)

		return true
	}); err != nil {
		t.Fatal(err)
	}

	if len(got) != 0 {
		t.Errorf("second poll delivered %v", got)
	}

	pending, err = f.info.EvtchnUnmask(ports[40])
	if err != nil {
		t.Fatal(err)
	}

	if !pending {
		t.Error("masked port lost its pending event")
	}
}

func TestUnmaskIdempotent(t *testing.T) {
	t.Parallel()

	f := setup(t)
	p := f.alloc(t)

	for range 2 {
		pending, err := f.info.EvtchnUnmask(p)
		if err != nil {
			t.Fatal(err)
		}

		if pending {
			t.Error("idle port reported pending")
		}
	}

	if pending, _ := f.info.UpcallPending(0); pending {
		t.Error("unmask raised an upcall")
	}
}

func TestBounds(t *testing.T) {
	t.Parallel()

	f := setup(t)

	if err := f.info.EvtchnMask(hypercall.EvtchnTwoLevelPorts); !errors.Is(err, sharedinfo.ErrBadPort) {
		t.Errorf("mask: %v", err)
	}

	if _, err := f.info.UpcallPending(2); !errors.Is(err, sharedinfo.ErrBadVCPU) {
		t.Errorf("upcall pending: %v", err)
	}
}

func TestGetTime(t *testing.T) {
	t.Parallel()

	f := setup(t)

	boot := time.Date(2025, time.March, 1, 12, 0, 0, 250, time.UTC)

	f.sim.SetWallclock(boot)
	// mul 2^31 with shift 1 is one nanosecond per tick
	f.sim.SetSystemTime(0, uint64(time.Second), 1000, 1<<31, 1)
	f.sim.SetTSC(1500)

	now, err := f.info.GetTime()
	if err != nil {
		t.Fatal(err)
	}

	if want := boot.Add(time.Second + 500); !now.Equal(want) {
		t.Errorf("got %s, want %s", now, want)
	}
}

func TestSuspendRemap(t *testing.T) {
	t.Parallel()

	f := setup(t)

	if _, err := f.info.EvtchnUnmask(f.alloc(t)); err != nil {
		t.Fatal(err)
	}

	f.sim.Migrate()
	f.susp.Trigger()

	if !f.sim.SharedInfoMapped() {
		t.Fatal("page not remapped")
	}

	p := f.alloc(t)

	// everything is masked again after the remap
	if err := f.sim.Raise(p); err != nil {
		t.Fatal(err)
	}

	if pending, _ := f.info.UpcallPending(0); pending {
		t.Error("masked port raised an upcall after resume")
	}
}

func TestDebugDump(t *testing.T) {
	t.Parallel()

	f := setup(t)

	var buf bytes.Buffer

	f.dbg.Dump(&buf, false)

	out := buf.String()

	for _, want := range []string{"SHARED_INFO|Address = 0x", "CPU 1: PENDING: false"} {
		if !strings.Contains(out, want) {
			t.Errorf("dump lacks %q:\n%s", want, out)
		}
	}
}
