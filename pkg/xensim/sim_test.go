// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package xensim_test

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/siderolabs/talos-xentoolsd/pkg/hypercall"
	"github.com/siderolabs/talos-xentoolsd/pkg/xenpage"
	"github.com/siderolabs/talos-xentoolsd/pkg/xensim"
)

func newSim(t *testing.T, cfg xensim.Config) *xensim.Sim {
	t.Helper()

	return xensim.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestBootChannels(t *testing.T) {
	t.Parallel()

	s := newSim(t, xensim.Config{})

	store := hypercall.Port(s.HVMParam(hypercall.HVMParamStoreEvtchn))
	console := hypercall.Port(s.HVMParam(hypercall.HVMParamConsoleEvtchn))

	if store == 0 || console == 0 || store == console {
		t.Fatalf("unexpected boot ports store=%d console=%d", store, console)
	}

	dom, rport, err := hypercall.QueryInterDomain(s, store)
	if err != nil {
		t.Fatal(err)
	}

	if dom != 0 || rport != 10 {
		t.Errorf("store bound to %d:%d", dom, rport)
	}
}

func TestTwoLevelDelivery(t *testing.T) {
	t.Parallel()

	s := newSim(t, xensim.Config{})

	r, err := s.AllocatePages(1)
	if err != nil {
		t.Fatal(err)
	}

	if err = hypercall.AddToPhysmap(s, hypercall.MapSpaceSharedInfo, 0, r.Frames[0]); err != nil {
		t.Fatal(err)
	}

	if err = hypercall.SetParam(s, hypercall.HVMParamCallbackIRQ, 5); err != nil {
		t.Fatal(err)
	}

	p, err := hypercall.AllocUnbound(s, 0)
	if err != nil {
		t.Fatal(err)
	}

	if err = s.Raise(p); err != nil {
		t.Fatal(err)
	}

	page := r.Page(0)

	if !xenpage.Test64(page, hypercall.SharedInfoEvtchnPending+int(p/64)*8, uint(p%64)) {
		t.Error("pending bit not set")
	}

	if !xenpage.Test64(page, hypercall.VCPUInfoPendingSel, uint(p/64)) {
		t.Error("selector bit not set")
	}

	if xenpage.LoadByte(page, hypercall.VCPUInfoUpcallPending) != 1 {
		t.Error("upcall not pending")
	}

	select {
	case <-s.Upcalls():
	default:
		t.Error("no upcall notification")
	}
}

func TestTwoLevelMaskedUnmask(t *testing.T) {
	t.Parallel()

	s := newSim(t, xensim.Config{})

	r, err := s.AllocatePages(1)
	if err != nil {
		t.Fatal(err)
	}

	if err = hypercall.AddToPhysmap(s, hypercall.MapSpaceSharedInfo, 0, r.Frames[0]); err != nil {
		t.Fatal(err)
	}

	page := r.Page(0)

	p, err := hypercall.AllocUnbound(s, 0)
	if err != nil {
		t.Fatal(err)
	}

	maskOff := hypercall.SharedInfoEvtchnMask + int(p/64)*8
	xenpage.TestAndSet64(page, maskOff, uint(p%64))

	if err = s.Raise(p); err != nil {
		t.Fatal(err)
	}

	if xenpage.LoadByte(page, hypercall.VCPUInfoUpcallPending) != 0 {
		t.Fatal("masked port raised an upcall")
	}

	if err = hypercall.Unmask(s, p); err != nil {
		t.Fatal(err)
	}

	if xenpage.LoadByte(page, hypercall.VCPUInfoUpcallPending) != 1 {
		t.Error("unmask did not redeliver the pending event")
	}
}

func TestVirqBinding(t *testing.T) {
	t.Parallel()

	s := newSim(t, xensim.Config{VCPUs: 2})

	if _, err := hypercall.BindVirq(s, hypercall.VirqConsole, 1); !errors.Is(err, hypercall.ErrInvalid) {
		t.Errorf("global virq on vcpu 1: %v", err)
	}

	p, err := hypercall.BindVirq(s, hypercall.VirqTimer, 1)
	if err != nil {
		t.Fatal(err)
	}

	if _, err = hypercall.BindVirq(s, hypercall.VirqTimer, 1); !errors.Is(err, hypercall.ErrExists) {
		t.Errorf("duplicate bind: %v", err)
	}

	got, err := s.RaiseVirq(hypercall.VirqTimer, 1)
	if err != nil {
		t.Fatal(err)
	}

	if got != p {
		t.Errorf("raised port %d, bound %d", got, p)
	}

	info, ok := s.Port(p)
	if !ok {
		t.Fatal("port not bound")
	}

	if diff := cmp.Diff(xensim.PortInfo{Status: hypercall.EvtchnStatVirq, VCPU: 1, Virq: hypercall.VirqTimer}, info); diff != "" {
		t.Errorf("port info mismatch (-want +got):\n%s", diff)
	}
}

func TestFIFOInitControl(t *testing.T) {
	t.Parallel()

	s := newSim(t, xensim.Config{})

	r, err := s.AllocatePages(1)
	if err != nil {
		t.Fatal(err)
	}

	if err = hypercall.InitControl(s, r.Frames[0], 0); !errors.Is(err, hypercall.ErrNotSupported) {
		t.Errorf("init_control without FIFO: %v", err)
	}

	s = newSim(t, xensim.Config{FIFO: true})

	if r, err = s.AllocatePages(2); err != nil {
		t.Fatal(err)
	}

	if err = hypercall.InitControl(s, r.Frames[0], 0); err != nil {
		t.Fatal(err)
	}

	if s.ABI() != "fifo" {
		t.Errorf("abi %q", s.ABI())
	}

	if err = hypercall.ExpandArray(s, r.Frames[1]); err != nil {
		t.Fatal(err)
	}

	if err = hypercall.SetParam(s, hypercall.HVMParamCallbackIRQ, 5); err != nil {
		t.Fatal(err)
	}

	p, err := hypercall.AllocUnbound(s, 0)
	if err != nil {
		t.Fatal(err)
	}

	if err = s.Raise(p); err != nil {
		t.Fatal(err)
	}

	word := xenpage.Load32(r.Page(1), int(p)*4)
	if word&(1<<hypercall.FifoPending) == 0 || word&(1<<hypercall.FifoLinked) == 0 {
		t.Errorf("event word %#x", word)
	}

	control := r.Page(0)
	if xenpage.Load32(control, hypercall.FifoControlReady)&(1<<hypercall.FifoPriorityDefault) == 0 {
		t.Error("ready bit not set")
	}

	if head := xenpage.Load32(control, hypercall.FifoControlHead+4*hypercall.FifoPriorityDefault); head != uint32(p) {
		t.Errorf("queue head %d, want %d", head, p)
	}
}

func TestFIFORequeueTail(t *testing.T) {
	t.Parallel()

	s := newSim(t, xensim.Config{FIFO: true})

	r, err := s.AllocatePages(2)
	if err != nil {
		t.Fatal(err)
	}

	if err = hypercall.InitControl(s, r.Frames[0], 0); err != nil {
		t.Fatal(err)
	}

	if err = hypercall.ExpandArray(s, r.Frames[1]); err != nil {
		t.Fatal(err)
	}

	p, err := hypercall.AllocUnbound(s, 0)
	if err != nil {
		t.Fatal(err)
	}

	control := r.Page(0)
	head := hypercall.FifoControlHead + 4*hypercall.FifoPriorityDefault

	for i := range 3 {
		if err = s.Raise(p); err != nil {
			t.Fatal(err)
		}

		word := xenpage.Load32(r.Page(1), int(p)*4)
		if link := hypercall.Port(word & hypercall.FifoLinkMask); link != 0 {
			t.Fatalf("round %d: port %d linked to %d", i, p, link)
		}

		if h := xenpage.Load32(control, head); h != uint32(p) {
			t.Fatalf("round %d: queue head %d, want %d", i, h, p)
		}

		// consume the event the way the guest does: take it off the queue and clear it
		xenpage.Store32(control, head, 0)
		xenpage.Store32(r.Page(1), int(p)*4, 0)
	}
}

func TestInjectError(t *testing.T) {
	t.Parallel()

	s := newSim(t, xensim.Config{})

	s.InjectError("event_channel_op/alloc_unbound", hypercall.ENOSPC)

	if _, err := hypercall.AllocUnbound(s, 0); !errors.Is(err, hypercall.ENOSPC) {
		t.Errorf("injected error not returned: %v", err)
	}

	if _, err := hypercall.AllocUnbound(s, 0); err != nil {
		t.Errorf("injected error returned twice: %v", err)
	}

	if n := s.Calls("event_channel_op/alloc_unbound"); n != 2 {
		t.Errorf("calls %d", n)
	}
}

func TestMigrate(t *testing.T) {
	t.Parallel()

	s := newSim(t, xensim.Config{})

	r, err := s.AllocatePages(2)
	if err != nil {
		t.Fatal(err)
	}

	if err = hypercall.AddToPhysmap(s, hypercall.MapSpaceSharedInfo, 0, r.Frames[0]); err != nil {
		t.Fatal(err)
	}

	if err = hypercall.AddToPhysmap(s, hypercall.MapSpaceGrantTable, 0, r.Frames[1]); err != nil {
		t.Fatal(err)
	}

	if _, err = hypercall.AllocUnbound(s, 0); err != nil {
		t.Fatal(err)
	}

	s.Migrate()

	if s.SharedInfoMapped() || s.GrantFrames() != 0 {
		t.Error("physmap survived migration")
	}

	if n := s.BoundPorts(); n != 2 {
		t.Errorf("%d ports bound after migration", n)
	}
}

func TestGrantAccess(t *testing.T) {
	t.Parallel()

	s := newSim(t, xensim.Config{MaxGrantFrames: 1})

	r, err := s.AllocatePages(2)
	if err != nil {
		t.Fatal(err)
	}

	if err = hypercall.AddToPhysmap(s, hypercall.MapSpaceGrantTable, 1, r.Frames[0]); !errors.Is(err, hypercall.ErrInvalid) {
		t.Errorf("frame beyond the limit: %v", err)
	}

	if err = hypercall.AddToPhysmap(s, hypercall.MapSpaceGrantTable, 0, r.Frames[0]); err != nil {
		t.Fatal(err)
	}

	nr, maxFrames, err := hypercall.QuerySize(s)
	if err != nil {
		t.Fatal(err)
	}

	if nr != 1 || maxFrames != 1 {
		t.Errorf("query_size %d/%d", nr, maxFrames)
	}

	const ref = 40

	frame := r.Page(0)
	off := ref * hypercall.GrantEntrySize

	xenpage.Store32(frame, off+hypercall.GrantEntryFrame, uint32(r.Frames[1]))
	xenpage.OrHalf(frame, off+hypercall.GrantEntryDomID, 7)
	xenpage.OrHalf(frame, off+hypercall.GrantEntryFlags, hypercall.GTFPermitAccess|hypercall.GTFReadonly)

	if _, err = s.RemoteAccess(ref, true); !errors.Is(err, hypercall.ErrPermission) {
		t.Errorf("write to read-only grant: %v", err)
	}

	release, err := s.RemoteAccess(ref, false)
	if err != nil {
		t.Fatal(err)
	}

	entry, err := s.ReadGrant(ref)
	if err != nil {
		t.Fatal(err)
	}

	want := xensim.GrantEntry{
		Flags: hypercall.GTFPermitAccess | hypercall.GTFReadonly | hypercall.GTFReading,
		DomID: 7,
		Frame: uint32(r.Frames[1]),
	}

	if diff := cmp.Diff(want, entry); diff != "" {
		t.Errorf("grant entry mismatch (-want +got):\n%s", diff)
	}

	release()

	if entry, _ = s.ReadGrant(ref); entry.Flags&hypercall.GTFReading != 0 {
		t.Error("release left GTF_reading set")
	}
}

func TestForeignMapping(t *testing.T) {
	t.Parallel()

	s := newSim(t, xensim.Config{})

	s.OfferForeign(3, 9, []byte("hello"), false)

	r, err := s.AllocatePages(1)
	if err != nil {
		t.Fatal(err)
	}

	addr := uint64(r.Base()) << xenpage.Shift

	if _, err = hypercall.MapForeignPage(s, 3, 10, addr, false); !errors.Is(err, hypercall.ErrInvalid) {
		t.Errorf("mapping an unknown grant: %v", err)
	}

	h, err := hypercall.MapForeignPage(s, 3, 9, addr, false)
	if err != nil {
		t.Fatal(err)
	}

	page := r.Page(0)
	if string(page[:5]) != "hello" {
		t.Errorf("mapped page holds %q", page[:5])
	}

	copy(page, "HELLO")

	if err = hypercall.UnmapForeignPage(s, addr, h); err != nil {
		t.Fatal(err)
	}

	if got := string(s.ForeignPage(3, 9)[:5]); got != "HELLO" {
		t.Errorf("granting domain sees %q", got)
	}

	if s.ForeignMappings() != 0 {
		t.Error("mapping leaked")
	}

	if err = hypercall.UnmapForeignPage(s, addr, h); !errors.Is(err, hypercall.ErrBadHandle) {
		t.Errorf("double unmap: %v", err)
	}
}
