// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package gnttab_test

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/siderolabs/talos-xentoolsd/pkg/cache"
	"github.com/siderolabs/talos-xentoolsd/pkg/debug"
	"github.com/siderolabs/talos-xentoolsd/pkg/gnttab"
	"github.com/siderolabs/talos-xentoolsd/pkg/hypercall"
	"github.com/siderolabs/talos-xentoolsd/pkg/suspend"
	"github.com/siderolabs/talos-xentoolsd/pkg/xensim"
)

type fixture struct {
	sim  *xensim.Sim
	susp *suspend.Registry
	dbg  *debug.Registry
	g    *gnttab.Gnttab
}

func setup(t *testing.T, cfg xensim.Config) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{
		sim:  xensim.New(cfg, logger),
		susp: suspend.NewRegistry(logger),
		dbg:  debug.NewRegistry(logger),
	}

	f.g = gnttab.New(f.sim, f.sim, f.susp, f.dbg, logger)

	if err := f.g.Acquire(); err != nil {
		t.Fatal(err)
	}

	return f
}

func (f *fixture) cache(t *testing.T, name string, reservation, limit int) *gnttab.Cache {
	t.Helper()

	c, err := f.g.CreateCache(name, reservation, limit)
	if err != nil {
		t.Fatal(err)
	}

	return c
}

func (f *fixture) permit(t *testing.T, c *gnttab.Cache, pfn hypercall.PFN, readOnly bool) *gnttab.Entry {
	t.Helper()

	e, err := f.g.PermitForeignAccess(c, 5, pfn, readOnly)
	if err != nil {
		t.Fatal(err)
	}

	return e
}

func (f *fixture) revoke(t *testing.T, c *gnttab.Cache, e *gnttab.Entry) {
	t.Helper()

	if err := f.g.RevokeForeignAccess(c, e); err != nil {
		t.Fatal(err)
	}
}

func TestAcquireRelease(t *testing.T) {
	t.Parallel()

	f := setup(t, xensim.Config{MaxGrantFrames: 8})

	if got := f.g.MaxFrames(); got != 8 {
		t.Fatalf("max frames = %d, want 8", got)
	}

	if got := f.g.Frames(); got != 1 {
		t.Fatalf("frames = %d, want 1", got)
	}

	if got := f.sim.GrantFrames(); got != 1 {
		t.Fatalf("hypervisor sees %d frames, want 1", got)
	}

	if got := f.sim.Calls("grant_table_op/set_version"); got != 1 {
		t.Fatalf("set_version calls = %d", got)
	}

	// nested references share the table
	if err := f.g.Acquire(); err != nil {
		t.Fatal(err)
	}

	if err := f.g.Release(); err != nil {
		t.Fatal(err)
	}

	if got := f.g.Frames(); got != 1 {
		t.Fatalf("frames = %d after nested release", got)
	}

	if err := f.g.Release(); err != nil {
		t.Fatal(err)
	}

	if got := f.sim.GrantFrames(); got != 0 {
		t.Fatalf("hypervisor still sees %d frames", got)
	}

	if got := f.sim.AllocatedPages(); got != 0 {
		t.Fatalf("%d pages leaked", got)
	}

	if f.dbg.Len() != 0 || f.susp.Len(suspend.Early) != 0 {
		t.Fatal("callbacks left registered")
	}

	if err := f.g.Release(); !errors.Is(err, gnttab.ErrNotAcquired) {
		t.Fatalf("extra release: %v", err)
	}

	if _, err := f.g.CreateCache("late", 0, 0); !errors.Is(err, gnttab.ErrNotAcquired) {
		t.Fatalf("create cache after release: %v", err)
	}
}

func TestAcquireFailure(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sim := xensim.New(xensim.Config{}, logger)
	susp := suspend.NewRegistry(logger)
	dbg := debug.NewRegistry(logger)
	g := gnttab.New(sim, sim, susp, dbg, logger)

	sim.InjectError("memory_op/add_to_physmap", hypercall.EINVAL)

	if err := g.Acquire(); !errors.Is(err, hypercall.ErrInvalid) {
		t.Fatalf("acquire: %v", err)
	}

	if sim.AllocatedPages() != 0 || dbg.Len() != 0 || susp.Len(suspend.Early) != 0 {
		t.Fatal("failed acquire not unwound")
	}

	if err := g.Acquire(); err != nil {
		t.Fatal(err)
	}

	if err := g.Release(); err != nil {
		t.Fatal(err)
	}
}

func TestPermitQuery(t *testing.T) {
	t.Parallel()

	f := setup(t, xensim.Config{})
	c := f.cache(t, "test", 0, 0)

	e := f.permit(t, c, 0x1234, true)
	ref := f.g.GetReference(e)

	if ref < gnttab.ReservedEntries {
		t.Fatalf("reserved reference %d issued", ref)
	}

	pfn, readOnly, err := f.g.QueryReference(ref)
	if err != nil {
		t.Fatal(err)
	}

	if pfn != 0x1234 || !readOnly {
		t.Fatalf("query = %#x %t, want 0x1234 true", pfn, readOnly)
	}

	entry, err := f.sim.ReadGrant(ref)
	if err != nil {
		t.Fatal(err)
	}

	want := xensim.GrantEntry{Flags: hypercall.GTFPermitAccess | hypercall.GTFReadonly, DomID: 5, Frame: 0x1234}

	if diff := cmp.Diff(want, entry); diff != "" {
		t.Fatalf("grant entry mismatch (-want +got):\n%s", diff)
	}

	if _, err = f.sim.RemoteAccess(ref, true); !errors.Is(err, hypercall.ErrPermission) {
		t.Fatalf("write access to read-only grant: %v", err)
	}

	f.revoke(t, c, e)

	if _, _, err = f.g.QueryReference(ref); !errors.Is(err, gnttab.ErrNotGranted) {
		t.Fatalf("query after revoke: %v", err)
	}

	if entry, _ = f.sim.ReadGrant(ref); entry != (xensim.GrantEntry{}) {
		t.Fatalf("entry not cleared: %+v", entry)
	}

	for _, bad := range []hypercall.GrantRef{0, gnttab.ReservedEntries - 1, gnttab.EntriesPerFrame} {
		if _, _, err = f.g.QueryReference(bad); !errors.Is(err, gnttab.ErrBadReference) {
			t.Fatalf("query of %d: %v", bad, err)
		}
	}

	if err = f.g.DestroyCache(c); err != nil {
		t.Fatal(err)
	}

	if err = f.g.Release(); err != nil {
		t.Fatal(err)
	}
}

func TestManyEntries(t *testing.T) {
	t.Parallel()

	f := setup(t, xensim.Config{MaxGrantFrames: 4})
	c := f.cache(t, "many", 0, 0)

	live := map[hypercall.GrantRef]*gnttab.Entry{}
	frames := f.g.Frames()

	take := func(n int) {
		t.Helper()

		for i := range n {
			e := f.permit(t, c, hypercall.PFN(i), false)
			ref := f.g.GetReference(e)

			if ref < gnttab.ReservedEntries {
				t.Fatalf("reserved reference %d issued", ref)
			}

			if _, ok := live[ref]; ok {
				t.Fatalf("reference %d issued twice", ref)
			}

			live[ref] = e

			got := f.g.Frames()
			if got < frames {
				t.Fatalf("frames shrank from %d to %d", frames, got)
			}

			frames = got
		}
	}

	take(1000)

	if frames != 3 {
		t.Fatalf("frames = %d after 1000 entries, want 3", frames)
	}

	n := 0

	for ref, e := range live {
		if n == 500 {
			break
		}

		f.revoke(t, c, e)
		delete(live, ref)
		n++
	}

	take(500)

	if got := c.Outstanding(); got != 1000 {
		t.Fatalf("outstanding = %d, want 1000", got)
	}

	// the rest of the table
	take(4*gnttab.EntriesPerFrame - gnttab.ReservedEntries - 1000)

	if frames != 4 {
		t.Fatalf("frames = %d, want 4", frames)
	}

	if _, err := f.g.PermitForeignAccess(c, 5, 0, false); !errors.Is(err, gnttab.ErrFrameLimit) {
		t.Fatalf("permit past the frame limit: %v", err)
	}

	for _, e := range live {
		f.revoke(t, c, e)
	}

	if err := f.g.DestroyCache(c); err != nil {
		t.Fatal(err)
	}

	if err := f.g.Release(); err != nil {
		t.Fatal(err)
	}
}

func TestRevokeInUse(t *testing.T) {
	t.Parallel()

	f := setup(t, xensim.Config{})
	c := f.cache(t, "busy", 0, 0)

	e := f.permit(t, c, 0x42, false)
	ref := f.g.GetReference(e)

	release, err := f.sim.RemoteAccess(ref, true)
	if err != nil {
		t.Fatal(err)
	}

	yields := 0

	f.sim.SetYieldHook(func() {
		if yields++; yields == 3 {
			release()
		}
	})

	f.revoke(t, c, e)

	if got := f.sim.Calls("sched_op/yield"); got != 3 {
		t.Fatalf("yields = %d, want 3", got)
	}

	e = f.permit(t, c, 0x43, false)
	ref = f.g.GetReference(e)

	release, err = f.sim.RemoteAccess(ref, false)
	if err != nil {
		t.Fatal(err)
	}

	f.sim.SetYieldHook(nil)

	if err = f.g.RevokeForeignAccess(c, e); !errors.Is(err, gnttab.ErrInUse) {
		t.Fatalf("revoke of a grant in use: %v", err)
	}

	if got := f.sim.Calls("sched_op/yield"); got != 3+100 {
		t.Fatalf("yields = %d, want 103", got)
	}

	// still granted and still out of the cache
	if got := c.Outstanding(); got != 1 {
		t.Fatalf("outstanding = %d, want 1", got)
	}

	if _, _, err = f.g.QueryReference(ref); err != nil {
		t.Fatal(err)
	}

	release()
	f.revoke(t, c, e)

	if err = f.g.DestroyCache(c); err != nil {
		t.Fatal(err)
	}

	if err = f.g.Release(); err != nil {
		t.Fatal(err)
	}
}

func TestCaches(t *testing.T) {
	t.Parallel()

	f := setup(t, xensim.Config{})

	capped := f.cache(t, "capped", 1, 2)
	reserved := f.cache(t, "reserved", 16, 0)

	if got := f.g.Caches(); len(got) != 2 || got[0] != capped || got[1] != reserved {
		t.Fatalf("caches = %v", got)
	}

	a := f.permit(t, capped, 1, false)
	b := f.permit(t, capped, 2, false)

	if _, err := f.g.PermitForeignAccess(capped, 5, 3, false); !errors.Is(err, cache.ErrCapReached) {
		t.Fatalf("permit past the cap: %v", err)
	}

	if err := f.g.DestroyCache(capped); !errors.Is(err, cache.ErrOutstanding) {
		t.Fatalf("destroy with outstanding entries: %v", err)
	}

	if err := f.g.Release(); !errors.Is(err, gnttab.ErrOutstandingCaches) {
		t.Fatalf("release with caches: %v", err)
	}

	f.revoke(t, capped, a)
	f.revoke(t, capped, b)

	for _, c := range []*gnttab.Cache{capped, reserved} {
		if err := f.g.DestroyCache(c); err != nil {
			t.Fatal(err)
		}
	}

	if err := f.g.DestroyCache(capped); !errors.Is(err, gnttab.ErrUnknownCache) {
		t.Fatalf("second destroy: %v", err)
	}

	if err := f.g.Release(); err != nil {
		t.Fatal(err)
	}
}

func TestMapForeignPages(t *testing.T) {
	t.Parallel()

	f := setup(t, xensim.Config{})
	baseline := f.sim.AllocatedPages()

	first := bytes.Repeat([]byte{0xa5}, 4096)
	second := bytes.Repeat([]byte{0x5a}, 4096)

	f.sim.OfferForeign(7, 100, first, false)
	f.sim.OfferForeign(7, 101, second, false)
	f.sim.OfferForeign(7, 102, second, true)

	addr, err := f.g.MapForeignPages(7, []hypercall.GrantRef{100, 101}, false)
	if err != nil {
		t.Fatal(err)
	}

	mem, err := f.g.Mapped(addr)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(mem[:4096], first) || !bytes.Equal(mem[4096:], second) {
		t.Fatal("mapped pages do not hold the foreign data")
	}

	if got := f.sim.ForeignMappings(); got != 2 {
		t.Fatalf("foreign mappings = %d, want 2", got)
	}

	if err = f.g.Release(); !errors.Is(err, gnttab.ErrOutstandingMappings) {
		t.Fatalf("release with mappings: %v", err)
	}

	mem[0] = 0x11

	if err = f.g.UnmapForeignPages(addr); err != nil {
		t.Fatal(err)
	}

	if got := f.sim.ForeignPage(7, 100)[0]; got != 0x11 {
		t.Fatalf("write through the mapping lost: %#x", got)
	}

	if err = f.g.UnmapForeignPages(addr); !errors.Is(err, gnttab.ErrNotMapped) {
		t.Fatalf("second unmap: %v", err)
	}

	// the second reference fails: the first one is rolled back
	if _, err = f.g.MapForeignPages(7, []hypercall.GrantRef{100, 999}, false); !errors.Is(err, hypercall.ErrInvalid) {
		t.Fatalf("map of unknown reference: %v", err)
	}

	if _, err = f.g.MapForeignPages(7, []hypercall.GrantRef{102}, false); !errors.Is(err, hypercall.ErrPermission) {
		t.Fatalf("writable map of read-only grant: %v", err)
	}

	if got := f.sim.ForeignMappings(); got != 0 {
		t.Fatalf("foreign mappings = %d after rollback", got)
	}

	if got := f.sim.AllocatedPages(); got != baseline {
		t.Fatalf("allocated pages = %d, want %d", got, baseline)
	}

	if err = f.g.Release(); err != nil {
		t.Fatal(err)
	}
}

func TestSuspendRemap(t *testing.T) {
	t.Parallel()

	f := setup(t, xensim.Config{})
	c := f.cache(t, "suspend", 0, 0)

	var entries []*gnttab.Entry

	for i := range 600 {
		entries = append(entries, f.permit(t, c, hypercall.PFN(0x100+i), i%2 == 0))
	}

	frames := f.g.Frames()

	f.sim.Migrate()

	if _, err := f.sim.ReadGrant(f.g.GetReference(entries[0])); !errors.Is(err, hypercall.ErrNoEntry) {
		t.Fatalf("grant visible before remap: %v", err)
	}

	f.susp.Trigger()

	if got := f.sim.GrantFrames(); got != frames {
		t.Fatalf("hypervisor sees %d frames after resume, want %d", got, frames)
	}

	for i, e := range entries {
		ref := f.g.GetReference(e)

		entry, err := f.sim.ReadGrant(ref)
		if err != nil {
			t.Fatal(err)
		}

		if entry.Frame != uint32(0x100+i) || entry.Flags&hypercall.GTFPermitAccess == 0 {
			t.Fatalf("ref %d changed across resume: %+v", ref, entry)
		}
	}

	seen := map[hypercall.GrantRef]bool{}
	for _, e := range entries {
		seen[f.g.GetReference(e)] = true
	}

	e := f.permit(t, c, 0x1, false)
	if seen[f.g.GetReference(e)] {
		t.Fatalf("reference %d issued twice across resume", f.g.GetReference(e))
	}

	for _, e := range append(entries, e) {
		f.revoke(t, c, e)
	}

	if err := f.g.DestroyCache(c); err != nil {
		t.Fatal(err)
	}

	if err := f.g.Release(); err != nil {
		t.Fatal(err)
	}
}

func TestGetInterface(t *testing.T) {
	t.Parallel()

	f := setup(t, xensim.Config{})

	for version := gnttab.VersionMin; version <= gnttab.VersionMax; version++ {
		iface, err := f.g.GetInterface(version)
		if err != nil {
			t.Fatal(err)
		}

		_, v2 := iface.(gnttab.V2)
		_, v3 := iface.(gnttab.V3)
		_, v4 := iface.(gnttab.V4)

		if diff := cmp.Diff([]bool{version >= 2, version >= 3, version >= 4}, []bool{v2, v3, v4}); diff != "" {
			t.Fatalf("version %d: implemented interfaces mismatch (-want +got):\n%s", version, diff)
		}
	}

	if _, err := f.g.GetInterface(0); !errors.Is(err, gnttab.ErrVersionNotSupported) {
		t.Fatalf("unsupported version: %v", err)
	}

	iface, err := f.g.GetInterface(3)
	if err != nil {
		t.Fatal(err)
	}

	v3 := iface.(gnttab.V3)

	c, err := v3.CreateCache("v3", 0)
	if err != nil {
		t.Fatal(err)
	}

	e, err := v3.PermitForeignAccess(c, 9, 0x77, false)
	if err != nil {
		t.Fatal(err)
	}

	pfn, readOnly, err := v3.QueryReference(v3.GetReference(e))
	if err != nil {
		t.Fatal(err)
	}

	if pfn != 0x77 || readOnly {
		t.Fatalf("query = %#x %t", pfn, readOnly)
	}

	if err = v3.RevokeForeignAccess(c, e); err != nil {
		t.Fatal(err)
	}

	if err = v3.DestroyCache(c); err != nil {
		t.Fatal(err)
	}

	if err = v3.Release(); err != nil {
		t.Fatal(err)
	}
}

func TestDebugDump(t *testing.T) {
	t.Parallel()

	f := setup(t, xensim.Config{})
	c := f.cache(t, "dump", 4, 0)

	var buf bytes.Buffer

	f.dbg.Dump(&buf, false)

	for _, want := range []string{
		"XENBUS|GNTTAB|Frames = 1/32 (4.0 KiB)",
		"XENBUS|GNTTAB|Free references = 476",
		"XENBUS|GNTTAB|- dump: Free = 4 Outstanding = 0 Reservation = 4",
	} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("dump missing %q:\n%s", want, buf.String())
		}
	}

	if err := f.g.DestroyCache(c); err != nil {
		t.Fatal(err)
	}

	if err := f.g.Release(); err != nil {
		t.Fatal(err)
	}
}
