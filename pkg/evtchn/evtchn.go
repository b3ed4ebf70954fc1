// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

// Package evtchn multiplexes the domain's event channels onto callbacks.
//
// Open binds a port and registers it in a port-keyed table. Interrupt drains the
// pending events of every vCPU through the active Abi and runs the callbacks of the
// channels they belong to. Across suspend, every channel goes inactive and the owner
// has to open it again.
package evtchn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"

	"github.com/siderolabs/gen/xslices"

	"github.com/siderolabs/talos-xentoolsd/internal/util"
	"github.com/siderolabs/talos-xentoolsd/pkg/debug"
	"github.com/siderolabs/talos-xentoolsd/pkg/hashtable"
	"github.com/siderolabs/talos-xentoolsd/pkg/hypercall"
	"github.com/siderolabs/talos-xentoolsd/pkg/sharedinfo"
	"github.com/siderolabs/talos-xentoolsd/pkg/suspend"
)

var (
	// ErrNotAcquired is returned when the subsystem is used without a reference held.
	ErrNotAcquired = errors.New("event channels not acquired")

	// ErrNotActive is returned for an operation on a closed or suspended channel.
	ErrNotActive = errors.New("channel not active")

	// ErrBadType is returned by Open for an unknown binding type.
	ErrBadType = errors.New("invalid channel type")

	// ErrBadPort is returned for a port the ABI cannot represent.
	ErrBadPort = errors.New("port out of range")

	// ErrOutstandingChannels is returned by Release while channels are still open.
	ErrOutstandingChannels = errors.New("channels still open")

	// ErrTimeout is returned by Wait when the deadline passes first.
	ErrTimeout = errors.New("timed out waiting for event")
)

// DefaultUpcallVector is the vector registered for per-vCPU upcalls.
const DefaultUpcallVector = 0xf3

// Config selects the ABI and the upcall delivery.
type Config struct {
	// VCPUs is the number of vCPUs of the domain.
	VCPUs int
	// UseFifo tries the FIFO ABI before the two-level one.
	UseFifo bool
	// UseUpcall registers a per-vCPU upcall vector besides the callback IRQ.
	UseUpcall bool
	// UpcallVector is the vector given to HVMOP_set_evtchn_upcall_vector.
	UpcallVector uint8
	// CallbackVia is the value of HVM_PARAM_CALLBACK_IRQ while interrupts are enabled.
	CallbackVia uint64
}

// Evtchn owns every channel of the domain.
type Evtchn struct {
	hv     hypercall.Hypervisor
	info   *sharedinfo.SharedInfo
	susp   *suspend.Registry
	dbg    *debug.Registry
	cfg    Config
	logger *slog.Logger

	classic *Classic
	fifo    *Fifo
	table   *hashtable.Table[*Channel]

	mu      sync.Mutex
	refs    int
	abi     Abi
	list    []*Channel
	opening int
	enabled bool
	upcall  []bool

	suspendEarly *suspend.Callback
	suspendLate  *suspend.Callback
	debugCb      *debug.Callback

	kick chan struct{}
}

// New returns the event channel multiplexer of a domain.
func New(cfg Config, hv hypercall.Hypervisor, alloc hypercall.Allocator, info *sharedinfo.SharedInfo, susp *suspend.Registry, dbg *debug.Registry, logger *slog.Logger) *Evtchn {
	if cfg.VCPUs < 1 {
		cfg.VCPUs = 1
	}

	if cfg.UpcallVector == 0 {
		cfg.UpcallVector = DefaultUpcallVector
	}

	logger = logger.With("module", "evtchn")

	return &Evtchn{
		hv:      hv,
		info:    info,
		susp:    susp,
		dbg:     dbg,
		cfg:     cfg,
		logger:  logger,
		classic: NewClassic(info, logger),
		fifo:    NewFifo(hv, alloc, cfg.VCPUs, logger),
		table:   hashtable.New[*Channel](),
		upcall:  make([]bool, cfg.VCPUs),
		kick:    make(chan struct{}, 1),
	}
}

// Kicks is signalled when events may have been left pending by a state change, such as
// enabling the upcall. The upcall pump should call Interrupt when it fires.
func (e *Evtchn) Kicks() <-chan struct{} {
	return e.kick
}

func (e *Evtchn) signal() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// abiAcquire picks the FIFO ABI if enabled and available, the two-level one otherwise.
// e.mu must be held.
func (e *Evtchn) abiAcquire() error {
	if e.cfg.UseFifo {
		err := e.fifo.Acquire()
		if err == nil {
			e.abi = e.fifo
			e.logger.Info("using FIFO ABI")

			return nil
		}

		e.logger.Info("FIFO ABI not available", "error", err)
	}

	if err := e.classic.Acquire(); err != nil {
		return err
	}

	e.abi = e.classic
	e.logger.Info("using TWO LEVEL ABI")

	return nil
}

// abiRelease drops the current ABI. e.mu must be held.
func (e *Evtchn) abiRelease() {
	if e.abi == nil {
		return
	}

	if err := e.abi.Release(); err != nil {
		e.logger.Error("failed to release ABI", "abi", e.abi.Name(), "error", err)
	}

	e.abi = nil
}

// Acquire takes a reference, setting up the ABI with the first one.
func (e *Evtchn) Acquire() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.refs++; e.refs > 1 {
		return nil
	}

	if err := e.info.Acquire(); err != nil {
		e.refs--

		return fmt.Errorf("error acquiring shared info: %w", err)
	}

	if err := e.abiAcquire(); err != nil {
		e.info.Release() //nolint:errcheck
		e.refs--

		return fmt.Errorf("error acquiring event channel ABI: %w", err)
	}

	e.suspendEarly = e.susp.Register(suspend.Early, "evtchn", e.suspendCallbackEarly)
	e.suspendLate = e.susp.Register(suspend.Late, "evtchn", e.suspendCallbackLate)
	e.debugCb = e.dbg.Register("XENBUS|EVTCHN", e.debugCallback)

	return nil
}

// Release drops a reference. The last one fails while channels are open.
func (e *Evtchn) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.refs == 0 {
		return ErrNotAcquired
	}

	if e.refs == 1 && len(e.list) != 0 {
		e.logger.Error("release with open channels", "count", len(e.list))

		return fmt.Errorf("%d open: %w", len(e.list), ErrOutstandingChannels)
	}

	if e.refs--; e.refs > 0 {
		return nil
	}

	for _, err := range []error{
		e.dbg.Deregister(e.debugCb),
		e.susp.Deregister(e.suspendLate),
		e.susp.Deregister(e.suspendEarly),
	} {
		if err != nil {
			e.logger.Error("failed to deregister callback", "error", err)
		}
	}

	e.debugCb, e.suspendLate, e.suspendEarly = nil, nil, nil

	if e.enabled {
		e.interruptDisable()
	}

	e.abiRelease()

	return e.info.Release()
}

// IsProcessorEnabled reports whether channels can be bound to cpu.
func (e *Evtchn) IsProcessorEnabled(cpu uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return cpu < hypercall.LegacyVCPUs && e.abi != nil && e.abi.IsProcessorEnabled(cpu)
}

func (e *Evtchn) upcallEnabled(cpu uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return int(cpu) < len(e.upcall) && e.upcall[cpu]
}

// currentAbi returns the ABI in use, nil if not acquired.
func (e *Evtchn) currentAbi() Abi {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.abi
}

// interruptEnable points the upcall at the guest. e.mu must be held.
func (e *Evtchn) interruptEnable() {
	if e.cfg.UseUpcall {
		for cpu := range e.upcall {
			err := hypercall.SetEvtchnUpcallVector(e.hv, uint32(cpu), e.cfg.UpcallVector)
			if errors.Is(err, hypercall.ENOSYS) {
				e.logger.Info("per-cpu upcall not implemented")

				break
			}

			if err != nil {
				e.logger.Warn("failed to set upcall vector", "cpu", cpu, "error", err)

				continue
			}

			e.logger.Info("per-cpu upcall enabled", "cpu", cpu, "vector", e.cfg.UpcallVector)
			e.upcall[cpu] = true
		}
	} else {
		e.logger.Info("per-cpu upcall disabled")
	}

	if err := hypercall.SetParam(e.hv, hypercall.HVMParamCallbackIRQ, e.cfg.CallbackVia); err != nil {
		e.logger.Error("failed to set callback via", "error", err)
	} else {
		e.logger.Info("callback via set", "via", e.cfg.CallbackVia)
	}

	e.enabled = true

	// anything raised before now did not upcall
	e.signal()
}

// interruptDisable stops all upcalls. e.mu must be held.
func (e *Evtchn) interruptDisable() {
	if err := hypercall.SetParam(e.hv, hypercall.HVMParamCallbackIRQ, 0); err != nil {
		e.logger.Error("failed to clear callback via", "error", err)
	}

	for cpu, on := range e.upcall {
		if !on {
			continue
		}

		if err := hypercall.SetEvtchnUpcallVector(e.hv, uint32(cpu), 0); err != nil {
			e.logger.Warn("failed to clear upcall vector", "cpu", cpu, "error", err)
		}

		e.upcall[cpu] = false
	}

	e.enabled = false

	e.logger.Info("interrupts disabled")
}

// maybeDisable turns interrupts off once no channel is open or being opened.
// e.mu must be held.
func (e *Evtchn) maybeDisable() {
	if e.enabled && len(e.list) == 0 && e.opening == 0 {
		e.interruptDisable()
	}
}

// bind performs the binding hypercall of b and returns the local port.
func (e *Evtchn) bind(b Binding) (hypercall.Port, error) {
	switch b.Type {
	case TypeFixed:
		return b.Port, nil
	case TypeUnbound:
		return hypercall.AllocUnbound(e.hv, b.RemoteDom)
	case TypeInterDomain:
		return hypercall.BindInterDomain(e.hv, b.RemoteDom, b.RemotePort)
	case TypeVirq:
		if b.CPU != 0 && !e.upcallEnabled(b.CPU) {
			return 0, fmt.Errorf("virq on cpu %d without upcall: %w", b.CPU, hypercall.ErrNotSupported)
		}

		return hypercall.BindVirq(e.hv, b.Virq, b.CPU)
	default:
		return 0, fmt.Errorf("%s: %w", b.Type, ErrBadType)
	}
}

// Open binds a channel and starts delivering its events to callback.
func (e *Evtchn) Open(b Binding, callback Callback, arg any) (*Channel, error) {
	caller := callerOf(1)

	release := e.susp.Prevent()
	defer release()

	e.mu.Lock()

	if e.refs == 0 {
		e.mu.Unlock()

		return nil, ErrNotAcquired
	}

	if !e.enabled {
		e.interruptEnable()
	}

	e.opening++
	abi := e.abi
	e.mu.Unlock()

	ch, err := e.open(abi, b, callback, arg, caller)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.opening--

	if err != nil {
		e.maybeDisable()

		return nil, err
	}

	e.list = append(e.list, ch)

	return ch, nil
}

func (e *Evtchn) open(abi Abi, b Binding, callback Callback, arg any, caller string) (*Channel, error) {
	port, err := e.bind(b)
	if err != nil {
		return nil, fmt.Errorf("error binding %s channel: %w", b.Type, err)
	}

	if err = abi.PortEnable(port); err != nil {
		if b.Type != TypeFixed {
			if closeErr := hypercall.Close(e.hv, port); closeErr != nil {
				e.logger.Error("failed to close port after enable failure", "port", port, "error", closeErr)
			}
		}

		return nil, fmt.Errorf("error enabling port %d: %w", port, err)
	}

	ch := &Channel{
		binding:  b,
		port:     port,
		callback: callback,
		arg:      arg,
		caller:   caller,
	}

	if b.Type != TypeVirq {
		ch.binding.CPU = 0
	}

	ch.cpu.Store(ch.binding.CPU)

	e.table.Add(uint64(port), ch)
	ch.active.Store(true)

	e.logger.Debug("channel opened", "type", b.Type, "port", port, "caller", caller)

	return ch, nil
}

// Close unbinds ch. Closing a channel twice, or one that went inactive across suspend,
// only forgets it. Events already collected for ch are dropped, but a callback that is
// running is not waited for.
func (e *Evtchn) Close(ch *Channel) {
	release := e.susp.Prevent()
	defer release()

	if !ch.active.CompareAndSwap(true, false) {
		e.reap(ch, false)

		return
	}

	if abi := e.currentAbi(); abi != nil {
		abi.PortDisable(ch.port)
	}

	if err := e.table.Remove(uint64(ch.port)); err != nil {
		e.logger.Error("active channel missing from table", "port", ch.port, "error", err)
	}

	e.reap(ch, true)
}

func (e *Evtchn) reap(ch *Channel, unbind bool) {
	e.mu.Lock()

	if ch.reaped {
		e.mu.Unlock()

		return
	}

	ch.reaped = true

	if i := slices.Index(e.list, ch); i >= 0 {
		e.list = slices.Delete(e.list, i, i+1)
	}

	e.maybeDisable()
	e.mu.Unlock()

	e.logger.Debug("channel closed", "type", ch.binding.Type, "port", ch.port)

	if unbind && ch.binding.Type != TypeFixed {
		if err := hypercall.Close(e.hv, ch.port); err != nil {
			e.logger.Error("failed to close port", "port", ch.port, "error", err)
		}
	}
}

// Send notifies the remote end of ch.
func (e *Evtchn) Send(ch *Channel) error {
	release := e.susp.Prevent()
	defer release()

	if !ch.active.Load() {
		return ErrNotActive
	}

	return hypercall.Send(e.hv, ch.port)
}

// GetPort returns the local port of ch.
func (e *Evtchn) GetPort(ch *Channel) hypercall.Port {
	return ch.port
}

// GetCount returns the number of events delivered to ch.
func (e *Evtchn) GetCount(ch *Channel) uint64 {
	return ch.count.Load()
}

// Wait spins until count events have been delivered to ch. A context deadline turns
// into ErrTimeout.
func (e *Evtchn) Wait(ctx context.Context, ch *Channel, count uint64) error {
	for int64(count-ch.count.Load()) > 0 {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				e.logger.Info("timed out", "port", ch.port, "want", count, "count", ch.count.Load())

				return fmt.Errorf("port %d: %w", ch.port, ErrTimeout)
			}

			return err
		}

		runtime.Gosched()
	}

	return nil
}

// WaitNext waits for the next event delivered to ch.
func (e *Evtchn) WaitNext(ctx context.Context, ch *Channel) error {
	return e.Wait(ctx, ch, e.GetCount(ch)+1)
}

// Bind moves delivery of ch to cpu.
func (e *Evtchn) Bind(ch *Channel, cpu uint32) error {
	if cpu != 0 && !e.upcallEnabled(cpu) {
		return fmt.Errorf("cpu %d without upcall: %w", cpu, hypercall.ErrNotSupported)
	}

	release := e.susp.Prevent()
	defer release()

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if !ch.active.Load() || ch.cpu.Load() == cpu {
		return nil
	}

	if err := hypercall.BindVCPU(e.hv, ch.port, cpu); err != nil {
		return err
	}

	ch.cpu.Store(cpu)

	e.logger.Info("channel rebound", "port", ch.port, "cpu", cpu)

	return nil
}

// Unmask re-enables delivery on ch and reports whether an event was pending that the
// caller now owns. With inCallback or force set, a pending event is instead handed back
// to the hypervisor to be raised again, and false is returned.
func (e *Evtchn) Unmask(ch *Channel, inCallback, force bool) bool {
	release := e.susp.Prevent()
	defer release()

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if !ch.active.Load() {
		return false
	}

	abi := e.currentAbi()
	if abi == nil {
		return false
	}

	if !abi.PortUnmask(ch.port) {
		return false
	}

	if inCallback || force {
		abi.PortMask(ch.port)

		if err := hypercall.Unmask(e.hv, ch.port); err != nil {
			e.logger.Error("unmask hypercall failed", "port", ch.port, "error", err)
		}

		return false
	}

	if ch.binding.AutoMask {
		abi.PortMask(ch.port)
	}

	abi.PortAck(ch.port)

	return true
}

// arm accounts a delivery to ch ahead of its callback. It reports false for a channel
// that went away while its event was in flight.
func (e *Evtchn) arm(abi Abi, ch *Channel) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if !ch.active.Load() {
		e.logger.Debug("stale event", "port", ch.port)

		return false
	}

	if ch.binding.AutoMask {
		abi.PortMask(ch.port)
	}

	abi.PortAck(ch.port)
	ch.count.Add(1)

	return true
}

func fire(ready []*Channel) bool {
	var done bool

	for _, ch := range ready {
		// an earlier callback of the batch may have closed it
		if !ch.active.Load() {
			continue
		}

		if ch.callback != nil && ch.callback(ch.arg) {
			done = true
		}
	}

	return done
}

// Trigger delivers an event to ch as if the hypervisor had raised it.
func (e *Evtchn) Trigger(ch *Channel) {
	release := e.susp.Prevent()

	abi := e.currentAbi()
	armed := abi != nil && e.arm(abi, ch)

	release()

	if armed {
		fire([]*Channel{ch})
	}
}

// collect polls cpu and returns the channels with events to deliver.
func (e *Evtchn) collect(abi Abi, cpu uint32, ready []*Channel) []*Channel {
	abi.Poll(cpu, func(port hypercall.Port) bool {
		ch, err := e.table.Lookup(uint64(port))
		if err != nil {
			util.TraceLog(e.logger, "event on unknown port", "port", port)

			return false
		}

		if ch.cpu.Load() != cpu {
			return false
		}

		// raised again while its first event is still unacknowledged
		if !ch.queued.CompareAndSwap(false, true) {
			return true
		}

		ready = append(ready, ch)

		return true
	})

	return ready
}

// Interrupt delivers every pending event and reports whether any callback did work.
func (e *Evtchn) Interrupt() bool {
	release := e.susp.Prevent()

	abi := e.currentAbi()
	if abi == nil {
		release()

		return false
	}

	var ready []*Channel

	for cpu := range uint32(e.cfg.VCPUs) {
		if cpu != 0 && !e.upcallEnabled(cpu) {
			continue
		}

		for {
			pending, err := e.info.UpcallPending(cpu)
			if err != nil || !pending {
				break
			}

			ready = e.collect(abi, cpu, ready)
		}
	}

	ready = slices.DeleteFunc(ready, func(ch *Channel) bool {
		armed := e.arm(abi, ch)
		ch.queued.Store(false)

		return !armed
	})

	release()

	util.TraceLog(e.logger, "interrupt", "events", len(ready))

	return fire(ready)
}

func (e *Evtchn) suspendCallbackEarly() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, ch := range e.list {
		if !ch.active.CompareAndSwap(true, false) {
			continue
		}

		if err := e.table.Remove(uint64(ch.port)); err != nil {
			e.logger.Error("active channel missing from table", "port", ch.port, "error", err)
		}
	}
}

func (e *Evtchn) suspendCallbackLate() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.abiRelease()

	if err := e.abiAcquire(); err != nil {
		e.logger.Error("failed to reacquire ABI after resume", "error", err)
	}

	if e.enabled {
		e.interruptDisable()
		e.interruptEnable()
	}
}

type channelInfo struct {
	port     hypercall.Port
	caller   string
	autoMask bool
	active   bool
	binding  Binding
	count    uint64
}

func (e *Evtchn) debugCallback(p debug.Printer, _ bool) {
	e.mu.Lock()
	list := xslices.Map(e.list, func(ch *Channel) channelInfo {
		return channelInfo{
			port:     ch.port,
			caller:   ch.caller,
			autoMask: ch.binding.AutoMask,
			active:   ch.active.Load(),
			binding:  ch.binding,
			count:    ch.count.Load(),
		}
	})
	abi := e.abi
	e.mu.Unlock()

	if abi != nil {
		p.Printf("ABI = %s", abi.Name())
	}

	if len(list) == 0 {
		return
	}

	p.Printf("EVENT CHANNELS:")

	for _, ch := range list {
		var flags string

		if ch.autoMask {
			flags += "AUTO-MASK "
		}

		if ch.active {
			flags += "ACTIVE"
		}

		p.Printf("- (%04x) BY %s %s", ch.port, ch.caller, flags)

		switch ch.binding.Type {
		case TypeFixed:
			p.Printf("FIXED")
		case TypeUnbound:
			p.Printf("UNBOUND: RemoteDomain = %d", ch.binding.RemoteDom)
		case TypeInterDomain:
			p.Printf("INTER_DOMAIN: RemoteDomain = %d RemotePort = %d", ch.binding.RemoteDom, ch.binding.RemotePort)
		case TypeVirq:
			p.Printf("VIRQ: Index = %d", ch.binding.Virq)
		}

		p.Printf("Count = %d", ch.count)
	}
}

// ActiveChannels returns the number of open channels that are still active.
func (e *Evtchn) ActiveChannels() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(xslices.Filter(e.list, (*Channel).Active))
}

// Enabled reports whether upcalls are currently enabled.
func (e *Evtchn) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.enabled
}

// AbiName returns the name of the ABI in use, empty if not acquired.
func (e *Evtchn) AbiName() string {
	if abi := e.currentAbi(); abi != nil {
		return abi.Name()
	}

	return ""
}
