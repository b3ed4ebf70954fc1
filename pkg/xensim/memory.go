// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package xensim

import (
	"time"

	"github.com/siderolabs/talos-xentoolsd/pkg/hypercall"
	"github.com/siderolabs/talos-xentoolsd/pkg/xenpage"
)

type wallclock struct {
	version uint32
	sec     uint64
	nsec    uint32
}

type vcpuTime struct {
	version      uint32
	tscTimestamp uint64
	systemTime   uint64
	mul          uint32
	shift        int8
}

// MemoryOp implements hypercall.Hypervisor.
func (s *Sim) MemoryOp(cmd hypercall.MemoryCmd, arg hypercall.Arg) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter("memory_op", cmd); err != nil {
		return err
	}

	switch a := arg.(type) {
	case *hypercall.MemoryAddToPhysmap:
		return s.addToPhysmap(a)
	case *hypercall.MemoryRemoveFromPhysmap:
		return s.removeFromPhysmap(a)
	}

	return hypercall.ENOSYS
}

func (s *Sim) addToPhysmap(a *hypercall.MemoryAddToPhysmap) error {
	if a.Dom != hypercall.DomIDSelf {
		return hypercall.ESRCH
	}

	page, ok := s.pages[a.GPFN]
	if !ok {
		return hypercall.EINVAL
	}

	switch a.Space {
	case hypercall.MapSpaceSharedInfo:
		if a.Index != 0 {
			return hypercall.EINVAL
		}

		s.shared = page
		s.sharedPFN = a.GPFN

		// the guest sees the hypervisor's page now
		xenpage.Zero(page)
		s.publishWallclock()

		for vcpu := range s.timeInfo {
			s.publishTime(vcpu)
		}

		// replay events raised while nothing was mapped
		for p, st := range s.ports {
			if st.pending && s.fifo == nil {
				st.pending = false
				s.setPending(p)
			}
		}

		s.logger.Debug("shared info mapped", "gpfn", a.GPFN)

		return nil
	case hypercall.MapSpaceGrantTable:
		if a.Index >= uint64(s.cfg.MaxGrantFrames) {
			return hypercall.EINVAL
		}

		s.grantFrames[a.Index] = a.GPFN

		s.logger.Debug("grant frame mapped", "index", a.Index, "gpfn", a.GPFN)

		return nil
	}

	return hypercall.EINVAL
}

func (s *Sim) removeFromPhysmap(a *hypercall.MemoryRemoveFromPhysmap) error {
	if a.Dom != hypercall.DomIDSelf {
		return hypercall.ESRCH
	}

	if s.shared != nil && s.sharedPFN == a.GPFN {
		s.shared = nil
		s.sharedPFN = 0

		return nil
	}

	for idx, pfn := range s.grantFrames {
		if pfn == a.GPFN {
			delete(s.grantFrames, idx)

			return nil
		}
	}

	return hypercall.ENOENT
}

// SharedInfoMapped reports whether a shared_info page is mapped.
func (s *Sim) SharedInfoMapped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.shared != nil
}

// GrantFrames returns the number of grant frames mapped into the physmap.
func (s *Sim) GrantFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.grantFrames)
}

// SetWallclock sets the wallclock published in shared_info.
func (s *Sim) SetWallclock(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.wallclock.sec = uint64(t.Unix())
	s.wallclock.nsec = uint32(t.Nanosecond())

	s.publishWallclock()
}

// SetSystemTime sets the time info of vcpu: systemTime nanoseconds since boot at
// tscTimestamp, and the TSC scaling factors.
func (s *Sim) SetSystemTime(vcpu int, systemTime, tscTimestamp uint64, mul uint32, shift int8) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ti := &s.timeInfo[vcpu]
	ti.systemTime = systemTime
	ti.tscTimestamp = tscTimestamp
	ti.mul = mul
	ti.shift = shift

	s.publishTime(vcpu)
}

// SetTSC sets the value returned by TSC.
func (s *Sim) SetTSC(v uint64) {
	s.tsc.Store(v)
}

// TSC returns the simulated time stamp counter.
func (s *Sim) TSC() uint64 {
	return s.tsc.Load()
}

// publishWallclock writes the wallclock inside an odd/even version bracket.
func (s *Sim) publishWallclock() {
	if s.shared == nil {
		return
	}

	s.wallclock.version++
	xenpage.Store32(s.shared, hypercall.SharedInfoWcVersion, s.wallclock.version|1)

	xenpage.Store32(s.shared, hypercall.SharedInfoWcSec, uint32(s.wallclock.sec))
	xenpage.Store32(s.shared, hypercall.SharedInfoWcNsec, s.wallclock.nsec)
	xenpage.Store32(s.shared, hypercall.SharedInfoWcSecHi, uint32(s.wallclock.sec>>32))

	s.wallclock.version = (s.wallclock.version | 1) + 1
	xenpage.Store32(s.shared, hypercall.SharedInfoWcVersion, s.wallclock.version)
}

// publishTime writes the vcpu_time_info of vcpu inside an odd/even version bracket.
func (s *Sim) publishTime(vcpu int) {
	if s.shared == nil {
		return
	}

	ti := &s.timeInfo[vcpu]
	base := vcpu*hypercall.VCPUInfoSize + hypercall.VCPUInfoTime

	ti.version++
	xenpage.Store32(s.shared, base+hypercall.TimeVersion, ti.version|1)

	xenpage.Store64(s.shared, base+hypercall.TimeTSCTimestamp, ti.tscTimestamp)
	xenpage.Store64(s.shared, base+hypercall.TimeSystemTime, ti.systemTime)
	xenpage.Store32(s.shared, base+hypercall.TimeTSCToSystemMul, ti.mul)
	xenpage.StoreByte(s.shared, base+hypercall.TimeTSCShift, uint8(ti.shift))

	ti.version = (ti.version | 1) + 1
	xenpage.Store32(s.shared, base+hypercall.TimeVersion, ti.version)
}

// HVMOp implements hypercall.Hypervisor.
func (s *Sim) HVMOp(cmd hypercall.HVMCmd, arg hypercall.Arg) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter("hvm_op", cmd); err != nil {
		return err
	}

	switch a := arg.(type) {
	case *hypercall.HVMParam:
		if a.Dom != hypercall.DomIDSelf {
			return hypercall.ESRCH
		}

		switch cmd { //nolint:exhaustive
		case hypercall.HVMOpSetParam:
			s.params[a.Index] = a.Value

			return nil
		case hypercall.HVMOpGetParam:
			a.Value = s.params[a.Index]

			return nil
		}
	case *hypercall.HVMEvtchnUpcallVector:
		if !s.cfg.UpcallVector {
			return hypercall.ENOSYS
		}

		if a.VCPU >= uint32(s.cfg.VCPUs) {
			return hypercall.ENOENT
		}

		s.vectors[a.VCPU] = a.Vector

		return nil
	}

	return hypercall.ENOSYS
}

// HVMParam returns the current value of an HVM parameter.
func (s *Sim) HVMParam(index uint32) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.params[index]
}

// UpcallVector returns the upcall vector registered for vcpu, 0 if none.
func (s *Sim) UpcallVector(vcpu uint32) uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.vectors[vcpu]
}
