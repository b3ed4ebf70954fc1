// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package evtchn

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/siderolabs/talos-xentoolsd/internal/util"
	"github.com/siderolabs/talos-xentoolsd/pkg/hypercall"
	"github.com/siderolabs/talos-xentoolsd/pkg/xenpage"
)

// fifoUnmaskAttempts bounds the wait for the hypervisor to drop BUSY from an event word.
const fifoUnmaskAttempts = 1000

const (
	fifoPending = 1 << hypercall.FifoPending
	fifoMasked  = 1 << hypercall.FifoMasked
	fifoLinked  = 1 << hypercall.FifoLinked
	fifoBusy    = 1 << hypercall.FifoBusy
)

// Fifo is the FIFO ABI: an event word per port in a growing event array, queued by
// the hypervisor onto per-vCPU priority lists in a control block.
type Fifo struct {
	hv     hypercall.Hypervisor
	alloc  hypercall.Allocator
	vcpus  int
	logger *slog.Logger

	mu      sync.Mutex
	refs    int
	control []*hypercall.Region
	events  []*hypercall.Region

	// lock-free views of the pages above for the hot path
	controlPages atomic.Pointer[[][]byte]
	eventPages   atomic.Pointer[[][]byte]

	pollMu []sync.Mutex
	// queue heads carried over between polls, per vCPU and priority
	head [][hypercall.FifoMaxQueues]hypercall.Port
}

// NewFifo returns the FIFO ABI for a domain with vcpus vCPUs.
func NewFifo(hv hypercall.Hypervisor, alloc hypercall.Allocator, vcpus int, logger *slog.Logger) *Fifo {
	return &Fifo{
		hv:     hv,
		alloc:  alloc,
		vcpus:  vcpus,
		logger: logger.With("module", "evtchn_fifo"),
		pollMu: make([]sync.Mutex, vcpus),
		head:   make([][hypercall.FifoMaxQueues]hypercall.Port, vcpus),
	}
}

// Name implements Abi.
func (f *Fifo) Name() string {
	return "FIFO"
}

func (f *Fifo) publish() {
	control := make([][]byte, len(f.control))

	for i, r := range f.control {
		if r != nil {
			control[i] = r.Page(0)
		}
	}

	events := make([][]byte, len(f.events))

	for i, r := range f.events {
		events[i] = r.Page(0)
	}

	f.controlPages.Store(&control)
	f.eventPages.Store(&events)
}

// Acquire implements Abi: a control block is registered for every vCPU the hypervisor
// knows. vCPU 0 is required.
func (f *Fifo) Acquire() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.refs++; f.refs > 1 {
		return nil
	}

	f.control = make([]*hypercall.Region, f.vcpus)

	for cpu := range f.vcpus {
		r, err := f.alloc.AllocatePages(1)
		if err != nil {
			f.abort()

			return fmt.Errorf("error allocating control block: %w", err)
		}

		if err = hypercall.InitControl(f.hv, r.Base(), uint32(cpu)); err != nil {
			f.freePage(r)

			if cpu > 0 && vcpuMissing(err) {
				f.logger.Warn("vcpu not registered, no control block", "vcpu", cpu, "error", err)

				continue
			}

			f.abort()

			return fmt.Errorf("error registering control block of vcpu %d: %w", cpu, err)
		}

		f.logger.Info("control block registered", "vcpu", cpu, "gpfn", fmt.Sprintf("%#x", r.Base()))

		f.control[cpu] = r
	}

	clear(f.head)
	f.publish()

	return nil
}

// vcpuMissing reports whether init_control failed because the vCPU is absent or not
// brought up yet. Channels cannot be bound to such a vCPU.
func vcpuMissing(err error) bool {
	return errors.Is(err, hypercall.ErrNoEntry) ||
		errors.Is(err, hypercall.ErrInvalid) ||
		errors.Is(err, hypercall.ErrNotSupported)
}

// abort undoes a partial Acquire. f.mu must be held.
func (f *Fifo) abort() {
	if err := ResetPreservingBindings(f.hv, f.logger); err != nil {
		f.logger.Error("reset failed", "error", err)
	}

	f.teardown()
	f.refs--
}

// teardown frees every page once the hypervisor has forgotten them. f.mu must be held.
func (f *Fifo) teardown() {
	for i := len(f.events) - 1; i >= 0; i-- {
		f.freePage(f.events[i])
	}

	for i := len(f.control) - 1; i >= 0; i-- {
		if f.control[i] != nil {
			f.freePage(f.control[i])
		}
	}

	f.events, f.control = nil, nil
	f.publish()
}

func (f *Fifo) freePage(r *hypercall.Region) {
	if err := f.alloc.FreePages(r); err != nil {
		f.logger.Error("failed to free page", "gpfn", r.Base(), "error", err)
	}
}

// Release implements Abi. The last reference resets the domain's event channels back
// to the two-level ABI.
func (f *Fifo) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.refs == 0 {
		return ErrNotAcquired
	}

	if f.refs--; f.refs > 0 {
		return nil
	}

	err := ResetPreservingBindings(f.hv, f.logger)
	if err != nil {
		err = fmt.Errorf("error resetting event channels: %w", err)
	}

	f.teardown()

	return err
}

// IsProcessorEnabled implements Abi.
func (f *Fifo) IsProcessorEnabled(cpu uint32) bool {
	return f.controlPage(cpu) != nil
}

func (f *Fifo) controlPage(cpu uint32) []byte {
	pages := f.controlPages.Load()
	if pages == nil || int(cpu) >= len(*pages) {
		return nil
	}

	return (*pages)[cpu]
}

// word returns the page holding the event word of port and the word's offset.
func (f *Fifo) word(port hypercall.Port) ([]byte, int) {
	pages := f.eventPages.Load()
	idx := int(port / hypercall.FifoEventWordsPerPage)

	if pages == nil || idx >= len(*pages) {
		return nil, 0
	}

	return (*pages)[idx], int(port%hypercall.FifoEventWordsPerPage) * 4
}

// unlink clears LINKED and the link of the word at off and returns the old link.
func unlink(page []byte, off int) hypercall.Port {
	p := xenpage.Uint32(page, off)

	for {
		old := atomic.LoadUint32(p)

		if atomic.CompareAndSwapUint32(p, old, old&^(fifoLinked|hypercall.FifoLinkMask)) {
			return hypercall.Port(old & hypercall.FifoLinkMask)
		}
	}
}

// pollPriority consumes one event from the queue of priority and clears its bit in ready
// once the queue ends.
func (f *Fifo) pollPriority(cpu uint32, control []byte, priority int, ready *uint32, fn EventFunc) bool {
	head := f.head[cpu][priority]
	if head == 0 {
		head = hypercall.Port(xenpage.Load32(control, hypercall.FifoControlHead+4*priority))
	}

	port := head

	page, off := f.word(port)
	if page == nil {
		f.logger.Error("queued port has no event word", "cpu", cpu, "priority", priority, "port", port)
		*ready &^= 1 << priority
		f.head[cpu][priority] = 0

		return false
	}

	head = unlink(page, off)
	if head == 0 {
		*ready &^= 1 << priority
	}

	var done bool

	word := xenpage.Load32(page, off)
	if word&fifoMasked == 0 && word&fifoPending != 0 {
		done = fn(port)
	}

	f.head[cpu][priority] = head

	return done
}

// Poll implements Abi.
func (f *Fifo) Poll(cpu uint32, fn EventFunc) bool {
	control := f.controlPage(cpu)
	if control == nil {
		return false
	}

	f.pollMu[cpu].Lock()
	defer f.pollMu[cpu].Unlock()

	readyWord := xenpage.Uint32(control, hypercall.FifoControlReady)
	ready := atomic.SwapUint32(readyWord, 0)

	util.TraceLog(f.logger, "poll", "cpu", cpu, "ready", fmt.Sprintf("%#x", ready))

	var done bool

	for ready != 0 {
		priority := 31 - bits.LeadingZeros32(ready)

		if f.pollPriority(cpu, control, priority, &ready, fn) {
			done = true
		}

		ready |= atomic.SwapUint32(readyWord, 0)
	}

	return done
}

// expand grows the event array so that it covers port. f.mu must be held.
func (f *Fifo) expand(port hypercall.Port) error {
	want := int(port/hypercall.FifoEventWordsPerPage) + 1
	first := len(f.events)

	defer f.publish()

	for len(f.events) < want {
		r, err := f.alloc.AllocatePages(1)
		if err != nil {
			return fmt.Errorf("error allocating event array page: %w", err)
		}

		page := r.Page(0)
		for off := 0; off < xenpage.Size; off += 4 {
			xenpage.Store32(page, off, fifoMasked)
		}

		if err = hypercall.ExpandArray(f.hv, r.Base()); err != nil {
			f.freePage(r)

			return fmt.Errorf("error adding event array page %d: %w", len(f.events), err)
		}

		f.logger.Info("event array page registered", "index", len(f.events), "gpfn", fmt.Sprintf("%#x", r.Base()))

		f.events = append(f.events, r)
	}

	if len(f.events) > first {
		f.logger.Debug("added ports",
			"first", first*hypercall.FifoEventWordsPerPage,
			"last", len(f.events)*hypercall.FifoEventWordsPerPage-1,
		)
	}

	return nil
}

// PortEnable implements Abi: the event array is expanded to cover port.
func (f *Fifo) PortEnable(port hypercall.Port) error {
	if port >= hypercall.FifoNRChannels {
		return fmt.Errorf("port %d: %w", port, ErrBadPort)
	}

	if page, _ := f.word(port); page != nil {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.refs == 0 {
		return ErrNotAcquired
	}

	return f.expand(port)
}

// PortDisable implements Abi.
func (f *Fifo) PortDisable(port hypercall.Port) {
	f.PortMask(port)
}

func (f *Fifo) mustWord(port hypercall.Port) ([]byte, int, bool) {
	page, off := f.word(port)
	if page == nil {
		f.logger.Error("port has no event word", "port", port)

		return nil, 0, false
	}

	return page, off, true
}

// PortAck implements Abi.
func (f *Fifo) PortAck(port hypercall.Port) {
	if page, off, ok := f.mustWord(port); ok {
		xenpage.TestAndClear32(page, off, hypercall.FifoPending)
	}
}

// PortMask implements Abi.
func (f *Fifo) PortMask(port hypercall.Port) {
	if page, off, ok := f.mustWord(port); ok {
		xenpage.TestAndSet32(page, off, hypercall.FifoMasked)
	}
}

// PortUnmask implements Abi. The hypervisor holds BUSY while it links the word, and the
// mask can only be dropped while BUSY is clear.
func (f *Fifo) PortUnmask(port hypercall.Port) bool {
	page, off, ok := f.mustWord(port)
	if !ok {
		return false
	}

	p := xenpage.Uint32(page, off)

	for range fifoUnmaskAttempts {
		old := atomic.LoadUint32(p) &^ fifoBusy

		if atomic.CompareAndSwapUint32(p, old, old&^fifoMasked) {
			return atomic.LoadUint32(p)&fifoPending != 0
		}

		runtime.Gosched()
	}

	f.logger.Error("event word stayed busy, port left masked", "port", port)

	return false
}

// ArrayPages returns the number of event array pages registered.
func (f *Fifo) ArrayPages() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.events)
}
