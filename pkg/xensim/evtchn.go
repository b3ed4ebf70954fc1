// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package xensim

import (
	"fmt"
	"sync/atomic"

	"github.com/siderolabs/talos-xentoolsd/pkg/hypercall"
	"github.com/siderolabs/talos-xentoolsd/pkg/xenpage"
)

type port struct {
	status     uint32
	vcpu       uint32
	remoteDom  hypercall.DomID
	remotePort hypercall.Port
	virq       hypercall.Virq
	priority   uint32
	sent       int

	// pending while the port has no event word or no shared_info to record it in
	pending bool
}

type virqKey struct {
	virq hypercall.Virq
	vcpu uint32
}

type fifoState struct {
	control []hypercall.PFN // per vCPU, 0 if not initialized
	array   []hypercall.PFN
	tails   [][hypercall.FifoMaxQueues]hypercall.Port
}

// PortInfo describes a bound port.
type PortInfo struct {
	Status     uint32
	VCPU       uint32
	RemoteDom  hypercall.DomID
	RemotePort hypercall.Port
	Virq       hypercall.Virq
	Sent       int
}

// virqIsGlobal reports whether virq may only be bound on vCPU 0.
func virqIsGlobal(virq hypercall.Virq) bool {
	return virq != hypercall.VirqTimer && virq != hypercall.VirqDebug
}

func (s *Sim) portLimit() hypercall.Port {
	if s.fifo != nil {
		return hypercall.FifoNRChannels
	}

	return hypercall.EvtchnTwoLevelPorts
}

func (s *Sim) allocPort() (hypercall.Port, *port, error) {
	for p := hypercall.Port(1); p < s.portLimit(); p++ {
		if _, ok := s.ports[p]; !ok {
			st := &port{priority: hypercall.FifoPriorityDefault}
			s.ports[p] = st

			return p, st, nil
		}
	}

	return 0, nil, hypercall.ENOSPC
}

// bindRemote binds a new local port to a port of another domain.
func (s *Sim) bindRemote(dom hypercall.DomID, remote hypercall.Port) hypercall.Port {
	p, st, err := s.allocPort()
	if err != nil {
		panic(err)
	}

	st.status = hypercall.EvtchnStatInterdomain
	st.remoteDom = dom
	st.remotePort = remote

	return p
}

// EventChannelOp implements hypercall.Hypervisor.
func (s *Sim) EventChannelOp(cmd hypercall.EventChannelCmd, arg hypercall.Arg) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter("event_channel_op", cmd); err != nil {
		return err
	}

	switch a := arg.(type) {
	case *hypercall.EvtchnAllocUnbound:
		return s.allocUnbound(a)
	case *hypercall.EvtchnBindInterdomain:
		return s.bindInterdomain(a)
	case *hypercall.EvtchnBindVirq:
		return s.bindVirq(a)
	case *hypercall.EvtchnPort:
		switch cmd { //nolint:exhaustive
		case hypercall.EvtchnOpClose:
			return s.closePort(a.Port)
		case hypercall.EvtchnOpSend:
			return s.send(a.Port)
		case hypercall.EvtchnOpUnmask:
			return s.unmask(a.Port)
		}
	case *hypercall.EvtchnStatus:
		return s.status(a)
	case *hypercall.EvtchnBindVCPU:
		return s.bindVCPU(a)
	case *hypercall.EvtchnReset:
		return s.reset(a)
	case *hypercall.EvtchnInitControl:
		return s.initControl(a)
	case *hypercall.EvtchnExpandArray:
		return s.expandArray(a)
	}

	return hypercall.ENOSYS
}

func (s *Sim) allocUnbound(a *hypercall.EvtchnAllocUnbound) error {
	if a.Dom != hypercall.DomIDSelf {
		return hypercall.EPERM
	}

	p, st, err := s.allocPort()
	if err != nil {
		return err
	}

	st.status = hypercall.EvtchnStatUnbound
	st.remoteDom = a.RemoteDom
	a.Port = p

	return nil
}

func (s *Sim) bindInterdomain(a *hypercall.EvtchnBindInterdomain) error {
	var peer *port

	if a.RemoteDom == hypercall.DomIDSelf {
		peer = s.ports[a.RemotePort]
		if peer == nil || peer.status != hypercall.EvtchnStatUnbound || peer.remoteDom != hypercall.DomIDSelf {
			return hypercall.EINVAL
		}
	}

	p, st, err := s.allocPort()
	if err != nil {
		return err
	}

	st.status = hypercall.EvtchnStatInterdomain
	st.remoteDom = a.RemoteDom
	st.remotePort = a.RemotePort

	if peer != nil {
		peer.status = hypercall.EvtchnStatInterdomain
		peer.remotePort = p
	}

	a.LocalPort = p

	return nil
}

func (s *Sim) bindVirq(a *hypercall.EvtchnBindVirq) error {
	if a.VCPU >= uint32(s.cfg.VCPUs) {
		return hypercall.ENOENT
	}

	if virqIsGlobal(a.Virq) && a.VCPU != 0 {
		return hypercall.EINVAL
	}

	key := virqKey{virq: a.Virq, vcpu: a.VCPU}
	if _, ok := s.virqs[key]; ok {
		return hypercall.EEXIST
	}

	p, st, err := s.allocPort()
	if err != nil {
		return err
	}

	st.status = hypercall.EvtchnStatVirq
	st.virq = a.Virq
	st.vcpu = a.VCPU
	s.virqs[key] = p
	a.Port = p

	return nil
}

func (s *Sim) closePort(p hypercall.Port) error {
	st, ok := s.ports[p]
	if !ok {
		return hypercall.EINVAL
	}

	if st.status == hypercall.EvtchnStatVirq {
		delete(s.virqs, virqKey{virq: st.virq, vcpu: st.vcpu})
	}

	if st.status == hypercall.EvtchnStatInterdomain && st.remoteDom == hypercall.DomIDSelf {
		if peer, ok := s.ports[st.remotePort]; ok {
			peer.status = hypercall.EvtchnStatUnbound
			peer.remotePort = 0
		}
	}

	s.clearPending(p)
	delete(s.ports, p)

	return nil
}

func (s *Sim) send(p hypercall.Port) error {
	st, ok := s.ports[p]
	if !ok {
		return hypercall.EINVAL
	}

	switch st.status {
	case hypercall.EvtchnStatInterdomain:
		st.sent++

		if st.remoteDom == hypercall.DomIDSelf {
			s.setPending(st.remotePort)
		}
	case hypercall.EvtchnStatUnbound:
		st.sent++
	case hypercall.EvtchnStatIPI:
		s.setPending(p)
	default:
		return hypercall.EINVAL
	}

	return nil
}

func (s *Sim) status(a *hypercall.EvtchnStatus) error {
	if a.Dom != hypercall.DomIDSelf {
		return hypercall.ESRCH
	}

	st, ok := s.ports[a.Port]
	if !ok {
		a.Status = hypercall.EvtchnStatClosed

		return nil
	}

	a.Status = st.status
	a.VCPU = st.vcpu
	a.RemoteDom = st.remoteDom
	a.RemotePort = st.remotePort

	return nil
}

func (s *Sim) bindVCPU(a *hypercall.EvtchnBindVCPU) error {
	if a.VCPU >= uint32(s.cfg.VCPUs) {
		return hypercall.ENOENT
	}

	st, ok := s.ports[a.Port]
	if !ok {
		return hypercall.EINVAL
	}

	switch st.status {
	case hypercall.EvtchnStatVirq:
		if !virqIsGlobal(st.virq) {
			return hypercall.EINVAL
		}
	case hypercall.EvtchnStatUnbound, hypercall.EvtchnStatInterdomain:
	default:
		return hypercall.EINVAL
	}

	st.vcpu = a.VCPU

	return nil
}

func (s *Sim) reset(a *hypercall.EvtchnReset) error {
	if a.Dom != hypercall.DomIDSelf {
		return hypercall.ESRCH
	}

	for p := range s.ports {
		s.clearPending(p)
	}

	s.ports = make(map[hypercall.Port]*port)
	s.virqs = make(map[virqKey]hypercall.Port)
	s.fifo = nil

	s.logger.Debug("event channels reset")

	return nil
}

func (s *Sim) initControl(a *hypercall.EvtchnInitControl) error {
	if !s.cfg.FIFO {
		return hypercall.ENOSYS
	}

	if a.VCPU >= uint32(s.cfg.VCPUs) {
		return hypercall.ENOENT
	}

	if a.Offset != 0 {
		return hypercall.EINVAL
	}

	if _, ok := s.pages[a.ControlGFN]; !ok {
		return hypercall.EINVAL
	}

	if s.fifo == nil {
		s.fifo = &fifoState{
			control: make([]hypercall.PFN, s.cfg.VCPUs),
			tails:   make([][hypercall.FifoMaxQueues]hypercall.Port, s.cfg.VCPUs),
		}

		s.logger.Debug("switched to fifo abi")
	}

	if s.fifo.control[a.VCPU] != 0 {
		return hypercall.EINVAL
	}

	s.fifo.control[a.VCPU] = a.ControlGFN
	a.LinkBits = hypercall.FifoLinkBits

	return nil
}

func (s *Sim) expandArray(a *hypercall.EvtchnExpandArray) error {
	if s.fifo == nil {
		return hypercall.EINVAL
	}

	if len(s.fifo.array) >= hypercall.FifoNRChannels/hypercall.FifoEventWordsPerPage {
		return hypercall.ENOSPC
	}

	if _, ok := s.pages[a.ArrayGFN]; !ok {
		return hypercall.EINVAL
	}

	s.fifo.array = append(s.fifo.array, a.ArrayGFN)

	// replay events raised before their word existed
	first := hypercall.Port((len(s.fifo.array) - 1) * hypercall.FifoEventWordsPerPage)

	for p, st := range s.ports {
		if st.pending && p >= first && p < first+hypercall.FifoEventWordsPerPage {
			st.pending = false
			s.setPending(p)
		}
	}

	return nil
}

// Raise marks port pending, as an event from a remote domain or the hypervisor would.
func (s *Sim) Raise(p hypercall.Port) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ports[p]; !ok {
		return fmt.Errorf("raise of unbound port %d: %w", p, hypercall.ErrInvalid)
	}

	s.setPending(p)

	return nil
}

// RaiseVirq raises virq on vcpu and returns the port it is bound to.
func (s *Sim) RaiseVirq(virq hypercall.Virq, vcpu uint32) (hypercall.Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.virqs[virqKey{virq: virq, vcpu: vcpu}]
	if !ok {
		return 0, fmt.Errorf("virq %d on vcpu %d is not bound: %w", virq, vcpu, hypercall.ErrNoEntry)
	}

	s.setPending(p)

	return p, nil
}

// Port returns the state of a bound port.
func (s *Sim) Port(p hypercall.Port) (PortInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.ports[p]
	if !ok {
		return PortInfo{}, false
	}

	return PortInfo{
		Status:     st.status,
		VCPU:       st.vcpu,
		RemoteDom:  st.remoteDom,
		RemotePort: st.remotePort,
		Virq:       st.virq,
		Sent:       st.sent,
	}, true
}

// BoundPorts returns the number of bound ports.
func (s *Sim) BoundPorts() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.ports)
}

// ABI returns "fifo" or "2l", the event channel ABI the domain is using.
func (s *Sim) ABI() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fifo != nil {
		return "fifo"
	}

	return "2l"
}

// markVCPUPending sets evtchn_upcall_pending and raises the upcall if it was clear.
func (s *Sim) markVCPUPending(vcpu uint32) {
	if s.shared != nil {
		off := int(vcpu)*hypercall.VCPUInfoSize + hypercall.VCPUInfoUpcallPending
		if xenpage.SwapByte(s.shared, off, 1) != 0 {
			return
		}
	}

	if s.params[hypercall.HVMParamCallbackIRQ] != 0 || s.vectors[vcpu] != 0 {
		s.notify()
	}
}

func (s *Sim) setPending(p hypercall.Port) {
	st := s.ports[p]

	if s.fifo != nil {
		s.fifoSetPending(p, st)

		return
	}

	if s.shared == nil {
		st.pending = true

		return
	}

	sel := int(p) / hypercall.EvtchnPerSelector
	bit := uint(p) % hypercall.EvtchnPerSelector

	if xenpage.TestAndSet64(s.shared, hypercall.SharedInfoEvtchnPending+sel*8, bit) {
		return
	}

	if xenpage.Test64(s.shared, hypercall.SharedInfoEvtchnMask+sel*8, bit) {
		return
	}

	selOff := int(st.vcpu)*hypercall.VCPUInfoSize + hypercall.VCPUInfoPendingSel
	if !xenpage.TestAndSet64(s.shared, selOff, uint(sel)) {
		s.markVCPUPending(st.vcpu)
	}
}

func (s *Sim) clearPending(p hypercall.Port) {
	if s.fifo != nil {
		if w, ok := s.eventWord(p); ok {
			xenpage.TestAndClear32(w, 0, hypercall.FifoPending)
		}

		return
	}

	if s.shared != nil && p < hypercall.EvtchnTwoLevelPorts {
		sel := int(p) / hypercall.EvtchnPerSelector
		xenpage.TestAndClear64(s.shared, hypercall.SharedInfoEvtchnPending+sel*8, uint(p)%hypercall.EvtchnPerSelector)
	}
}

func (s *Sim) unmask(p hypercall.Port) error {
	st, ok := s.ports[p]
	if !ok {
		return hypercall.EINVAL
	}

	if s.fifo != nil {
		w, ok := s.eventWord(p)
		if !ok {
			return nil
		}

		xenpage.TestAndClear32(w, 0, hypercall.FifoMasked)

		if xenpage.Load32(w, 0)&(1<<hypercall.FifoPending) != 0 {
			s.fifoSetPending(p, st)
		}

		return nil
	}

	if s.shared == nil {
		return nil
	}

	sel := int(p) / hypercall.EvtchnPerSelector
	bit := uint(p) % hypercall.EvtchnPerSelector

	if !xenpage.TestAndClear64(s.shared, hypercall.SharedInfoEvtchnMask+sel*8, bit) {
		return nil
	}

	if !xenpage.Test64(s.shared, hypercall.SharedInfoEvtchnPending+sel*8, bit) {
		return nil
	}

	selOff := int(st.vcpu)*hypercall.VCPUInfoSize + hypercall.VCPUInfoPendingSel
	if !xenpage.TestAndSet64(s.shared, selOff, uint(sel)) {
		s.markVCPUPending(st.vcpu)
	}

	return nil
}

// eventWord returns the 4-byte slice holding the event word of p.
func (s *Sim) eventWord(p hypercall.Port) ([]byte, bool) {
	idx := int(p) / hypercall.FifoEventWordsPerPage
	if idx >= len(s.fifo.array) {
		return nil, false
	}

	page := s.pages[s.fifo.array[idx]]
	off := (int(p) % hypercall.FifoEventWordsPerPage) * 4

	return page[off : off+4], true
}

func (s *Sim) fifoSetPending(p hypercall.Port, st *port) {
	w, ok := s.eventWord(p)
	if !ok {
		st.pending = true

		return
	}

	xenpage.TestAndSet32(w, 0, hypercall.FifoPending)

	word := xenpage.Load32(w, 0)
	if word&(1<<hypercall.FifoMasked) != 0 || word&(1<<hypercall.FifoLinked) != 0 {
		return
	}

	if xenpage.TestAndSet32(w, 0, hypercall.FifoLinked) {
		return
	}

	vcpu := st.vcpu

	controlPFN := s.fifo.control[vcpu]
	if controlPFN == 0 {
		return
	}

	control := s.pages[controlPFN]
	tail := &s.fifo.tails[vcpu][st.priority]

	linked := false
	if *tail != 0 && *tail != p {
		if tw, ok := s.eventWord(*tail); ok {
			linked = setLink(tw, p)
		}
	}

	if !linked {
		xenpage.Store32(control, hypercall.FifoControlHead+int(st.priority)*4, uint32(p))
	}

	*tail = p

	if !xenpage.TestAndSet32(control, hypercall.FifoControlReady, uint(st.priority)) {
		s.markVCPUPending(vcpu)
	}
}

// setLink points the link field of a still linked tail word at p. The word is marked
// BUSY while it is updated.
func setLink(tail []byte, p hypercall.Port) bool {
	ptr := xenpage.Uint32(tail, 0)

	for {
		w := xenpage.Load32(tail, 0)
		if w&(1<<hypercall.FifoLinked) == 0 {
			return false
		}

		if w&(1<<hypercall.FifoBusy) != 0 {
			continue
		}

		if !atomic.CompareAndSwapUint32(ptr, w, w|1<<hypercall.FifoBusy) {
			continue
		}

		next := w&^(hypercall.FifoLinkMask|1<<hypercall.FifoBusy) | uint32(p)
		if atomic.CompareAndSwapUint32(ptr, w|1<<hypercall.FifoBusy, next) {
			return true
		}

		// the guest unlinked the word while it was busy; drop BUSY and look again
		for {
			cur := xenpage.Load32(tail, 0)
			if atomic.CompareAndSwapUint32(ptr, cur, cur&^(1<<hypercall.FifoBusy)) {
				break
			}
		}
	}
}
