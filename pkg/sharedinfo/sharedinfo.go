// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

// Package sharedinfo maps the hypervisor's shared_info page and implements the two-level
// event channel bitmaps and the wallclock on top of it.
package sharedinfo

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/siderolabs/talos-xentoolsd/internal/util"
	"github.com/siderolabs/talos-xentoolsd/pkg/debug"
	"github.com/siderolabs/talos-xentoolsd/pkg/hypercall"
	"github.com/siderolabs/talos-xentoolsd/pkg/suspend"
	"github.com/siderolabs/talos-xentoolsd/pkg/xenpage"
)

var (
	// ErrNotAcquired is returned when the page is used without a reference held.
	ErrNotAcquired = errors.New("shared info not acquired")

	// ErrBadPort is returned for a port outside the two-level port space.
	ErrBadPort = errors.New("port out of range")

	// ErrBadVCPU is returned for a vCPU without a vcpu_info slot in the shared page.
	ErrBadVCPU = errors.New("vcpu out of range")
)

// EventFunc is called by EvtchnPoll for each pending and unmasked port.
type EventFunc func(port hypercall.Port) bool

// SharedInfo is the guest's mapping of the shared_info page.
type SharedInfo struct {
	mu     sync.Mutex
	hv     hypercall.Hypervisor
	alloc  hypercall.Allocator
	susp   *suspend.Registry
	dbg    *debug.Registry
	clock  Clock
	vcpus  int
	logger *slog.Logger

	refs      int
	region    *hypercall.Region
	shared    []byte
	suspendCb *suspend.Callback
	debugCb   *debug.Callback

	// scan position of EvtchnPoll, kept across calls so that low ports cannot starve the rest
	cursor atomic.Uint32
}

// New returns an unmapped SharedInfo for a domain with vcpus vCPUs.
func New(hv hypercall.Hypervisor, alloc hypercall.Allocator, susp *suspend.Registry, dbg *debug.Registry, clock Clock, vcpus int, logger *slog.Logger) *SharedInfo {
	return &SharedInfo{
		hv:     hv,
		alloc:  alloc,
		susp:   susp,
		dbg:    dbg,
		clock:  clock,
		vcpus:  min(vcpus, hypercall.LegacyVCPUs),
		logger: logger.With("module", "shared_info"),
	}
}

// VCPUs returns the number of vCPUs with a vcpu_info slot.
func (s *SharedInfo) VCPUs() int {
	return s.vcpus
}

func (s *SharedInfo) mapPage() error {
	// older hypervisors only keep the wallclock right when told the guest's word size
	if err := hypercall.SetParam(s.hv, hypercall.HVMParam32Bit, 0); err != nil {
		s.logger.Warn("failed to set 32bit param", "error", err)
	}

	if err := hypercall.AddToPhysmap(s.hv, hypercall.MapSpaceSharedInfo, 0, s.region.Base()); err != nil {
		return err
	}

	s.logger.Info("mapped XENMAPSPACE_shared_info", "gpfn", fmt.Sprintf("%#x", s.region.Base()))

	return nil
}

func (s *SharedInfo) maskAll() {
	for sel := range hypercall.EvtchnSelectors {
		xenpage.Store64(s.shared, hypercall.SharedInfoEvtchnMask+sel*8, ^uint64(0))
	}
}

// Acquire takes a reference, mapping the page on the first one.
func (s *SharedInfo) Acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs++; s.refs > 1 {
		return nil
	}

	region, err := s.alloc.AllocatePages(1)
	if err != nil {
		s.refs--

		return fmt.Errorf("error allocating shared info page: %w", err)
	}

	s.region = region

	if err = s.mapPage(); err != nil {
		s.freeRegion()
		s.refs--

		return fmt.Errorf("error mapping shared info page: %w", err)
	}

	s.shared = region.Page(0)
	s.maskAll()

	s.suspendCb = s.susp.Register(suspend.Early, "shared_info", s.suspendCallbackEarly)
	s.debugCb = s.dbg.Register("XENBUS|SHARED_INFO", s.debugCallback)

	return nil
}

func (s *SharedInfo) freeRegion() {
	if err := s.alloc.FreePages(s.region); err != nil {
		s.logger.Error("failed to free shared info page", "error", err)
	}

	s.region = nil
}

// Release drops a reference, unmapping the page with the last one.
func (s *SharedInfo) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs == 0 {
		return ErrNotAcquired
	}

	if s.refs--; s.refs > 0 {
		return nil
	}

	s.cursor.Store(0)

	if err := s.dbg.Deregister(s.debugCb); err != nil {
		s.logger.Error("failed to deregister debug callback", "error", err)
	}

	if err := s.susp.Deregister(s.suspendCb); err != nil {
		s.logger.Error("failed to deregister suspend callback", "error", err)
	}

	s.debugCb, s.suspendCb = nil, nil
	s.shared = nil

	if err := hypercall.RemoveFromPhysmap(s.hv, s.region.Base()); err != nil {
		// the hypervisor may still write into it, so the page cannot be reused
		s.logger.Error("failed to unmap shared info page, leaking it", "error", err)
		s.region = nil

		return fmt.Errorf("error unmapping shared info page: %w", err)
	}

	s.logger.Info("unmapped XENMAPSPACE_shared_info")
	s.freeRegion()

	return nil
}

func (s *SharedInfo) suspendCallbackEarly() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mapPage(); err != nil {
		s.logger.Error("failed to remap shared info page", "error", err)

		return
	}

	s.maskAll()
}

// page returns the mapped page or nil.
func (s *SharedInfo) page() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.shared
}

func (s *SharedInfo) checkVCPU(cpu uint32) error {
	if int(cpu) >= s.vcpus {
		return fmt.Errorf("vcpu %d: %w", cpu, ErrBadVCPU)
	}

	return nil
}

func portLocation(port hypercall.Port) (int, uint, error) {
	if port >= hypercall.EvtchnTwoLevelPorts {
		return 0, 0, fmt.Errorf("port %d: %w", port, ErrBadPort)
	}

	return int(port/hypercall.EvtchnPerSelector) * 8, uint(port % hypercall.EvtchnPerSelector), nil
}

// UpcallPending clears evtchn_upcall_pending of cpu and reports whether it was set.
func (s *SharedInfo) UpcallPending(cpu uint32) (bool, error) {
	page := s.page()
	if page == nil {
		return false, ErrNotAcquired
	}

	if err := s.checkVCPU(cpu); err != nil {
		return false, err
	}

	return xenpage.SwapByte(page, int(cpu)*hypercall.VCPUInfoSize+hypercall.VCPUInfoUpcallPending, 0) != 0, nil
}

// EvtchnPoll calls fn for every pending and unmasked port flagged in the pending
// selector of cpu. It reports whether any call of fn returned true.
func (s *SharedInfo) EvtchnPoll(cpu uint32, fn EventFunc) (bool, error) {
	page := s.page()
	if page == nil {
		return false, ErrNotAcquired
	}

	if err := s.checkVCPU(cpu); err != nil {
		return false, err
	}

	selectors := atomic.SwapUint64(xenpage.Uint64(page, int(cpu)*hypercall.VCPUInfoSize+hypercall.VCPUInfoPendingSel), 0)

	util.TraceLog(s.logger, "poll", "cpu", cpu, "selectors", fmt.Sprintf("%#x", selectors))

	var done bool

	port := s.cursor.Load()

	for selectors != 0 {
		sel := port / hypercall.EvtchnPerSelector
		bit := port % hypercall.EvtchnPerSelector

		if selectors&(1<<sel) != 0 {
			ports := xenpage.Load64(page, hypercall.SharedInfoEvtchnPending+int(sel)*8) &^
				xenpage.Load64(page, hypercall.SharedInfoEvtchnMask+int(sel)*8)

			for ; ports != 0 && bit < hypercall.EvtchnPerSelector; bit++ {
				if ports&(1<<bit) == 0 {
					continue
				}

				if fn(hypercall.Port(sel*hypercall.EvtchnPerSelector + bit)) {
					done = true
				}

				ports &^= 1 << bit
			}

			if ports == 0 {
				selectors &^= 1 << sel
			}
		}

		port = (sel + 1) * hypercall.EvtchnPerSelector
		if port >= hypercall.EvtchnTwoLevelPorts {
			port = 0
		}
	}

	s.cursor.Store(port)

	return done, nil
}

// EvtchnAck clears the pending bit of port.
func (s *SharedInfo) EvtchnAck(port hypercall.Port) error {
	return s.bitOp(port, hypercall.SharedInfoEvtchnPending, xenpage.TestAndClear64)
}

// EvtchnMask sets the mask bit of port.
func (s *SharedInfo) EvtchnMask(port hypercall.Port) error {
	return s.bitOp(port, hypercall.SharedInfoEvtchnMask, xenpage.TestAndSet64)
}

func (s *SharedInfo) bitOp(port hypercall.Port, base int, op func([]byte, int, uint) bool) error {
	page := s.page()
	if page == nil {
		return ErrNotAcquired
	}

	off, bit, err := portLocation(port)
	if err != nil {
		return err
	}

	op(page, base+off, bit)

	return nil
}

// EvtchnUnmask clears the mask bit of port and reports whether the port was pending,
// in which case the caller has to get the event redelivered.
func (s *SharedInfo) EvtchnUnmask(port hypercall.Port) (bool, error) {
	page := s.page()
	if page == nil {
		return false, ErrNotAcquired
	}

	off, bit, err := portLocation(port)
	if err != nil {
		return false, err
	}

	xenpage.TestAndClear64(page, hypercall.SharedInfoEvtchnMask+off, bit)

	return xenpage.Test64(page, hypercall.SharedInfoEvtchnPending+off, bit), nil
}

func (s *SharedInfo) debugCallback(p debug.Printer, crashing bool) {
	s.mu.Lock()
	region, page := s.region, s.shared
	s.mu.Unlock()

	if region == nil {
		return
	}

	p.Printf("Address = %#x", uint64(region.Base())<<xenpage.Shift)

	if crashing || page == nil {
		return
	}

	for cpu := range s.vcpus {
		base := cpu * hypercall.VCPUInfoSize

		p.Printf("CPU %d: PENDING: %t", cpu, xenpage.LoadByte(page, base+hypercall.VCPUInfoUpcallPending) != 0)
		p.Printf("CPU %d: SELECTOR MASK: %016x", cpu, xenpage.Load64(page, base+hypercall.VCPUInfoPendingSel))
	}

	for sel := 0; sel < hypercall.EvtchnSelectors; sel += 4 {
		var pending, unmasked [4]uint64

		for i := range 4 {
			pending[i] = xenpage.Load64(page, hypercall.SharedInfoEvtchnPending+(sel+i)*8)
			unmasked[i] = ^xenpage.Load64(page, hypercall.SharedInfoEvtchnMask+(sel+i)*8)
		}

		if pending == [4]uint64{} && unmasked == [4]uint64{} {
			continue
		}

		first, last := sel*hypercall.EvtchnPerSelector, (sel+4)*hypercall.EvtchnPerSelector-1

		p.Printf(" PENDING: [%04x - %04x]: %016x %016x %016x %016x", first, last, pending[0], pending[1], pending[2], pending[3])
		p.Printf("UNMASKED: [%04x - %04x]: %016x %016x %016x %016x", first, last, unmasked[0], unmasked[1], unmasked[2], unmasked[3])
	}
}
