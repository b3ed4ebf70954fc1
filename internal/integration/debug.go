// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package integration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/siderolabs/talos-xentoolsd/pkg/debug"
	"github.com/siderolabs/talos-xentoolsd/pkg/evtchn"
	"github.com/siderolabs/talos-xentoolsd/pkg/hypercall"
	"github.com/siderolabs/talos-xentoolsd/pkg/suspend"
	"github.com/siderolabs/talos-xentoolsd/pkg/xenbus"
)

// Debug dumps the state of the bus to the log whenever VIRQ_DEBUG fires, which is
// what the 'q' debug key of the hypervisor console does.
type Debug struct {
	logger *slog.Logger
	bus    *xenbus.Bus
	talos  IdentitySource

	ev evtchn.V1

	mu        sync.Mutex
	ch        *evtchn.Channel
	suspendCb *suspend.Callback
	debugCb   *debug.Callback

	fired   chan struct{}
	reopen  chan struct{}
	reports atomic.Uint64
}

// NewDebug creates the debug integration. talos may be nil.
func NewDebug(logger *slog.Logger, bus *xenbus.Bus, talos IdentitySource) *Debug {
	logger.Debug("initializing")

	return &Debug{
		logger: logger,
		bus:    bus,
		talos:  talos,
		fired:  make(chan struct{}, 1),
		reopen: make(chan struct{}, 1),
	}
}

func notify(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

func (d *Debug) callback(any) bool {
	notify(d.fired)

	return true
}

func (d *Debug) open() (*evtchn.Channel, error) {
	ch, err := d.ev.Open(evtchn.Virq(hypercall.VirqDebug, 0), d.callback, nil)
	if err != nil {
		return nil, fmt.Errorf("error binding VIRQ_DEBUG: %w", err)
	}

	d.ev.Unmask(ch, false)

	d.logger.Debug("VIRQ_DEBUG bound", "port", d.ev.GetPort(ch))

	return ch, nil
}

// Register implements Integration.
func (d *Debug) Register() error {
	d.logger.Debug("registering")

	iface, err := d.bus.GetEvtchnInterface(1)
	if err != nil {
		return err
	}

	d.ev = iface.(evtchn.V1) //nolint:forcetypeassert

	ch, err := d.open()
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.ch = ch

	// the channel goes away with a migration; it is bound again from Run since late
	// callbacks run with the event channels locked
	d.suspendCb = d.bus.SuspendRegistry().Register(suspend.Late, "debug", func() { notify(d.reopen) })

	if d.talos != nil {
		d.debugCb = d.bus.DebugRegistry().Register("TALOS", d.identityCallback)
	}

	return nil
}

func (d *Debug) identityCallback(p debug.Printer, crashing bool) {
	if crashing {
		return
	}

	id, err := d.talos.Identity()
	if err != nil {
		p.Printf("incomplete identity: %v", err)
	}

	for _, line := range id.Lines() {
		p.Printf("%s", line)
	}
}

// Unregister implements Integration.
func (d *Debug) Unregister() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.suspendCb != nil {
		if err := d.bus.SuspendRegistry().Deregister(d.suspendCb); err != nil {
			return err
		}

		d.suspendCb = nil
	}

	if d.debugCb != nil {
		if err := d.bus.DebugRegistry().Deregister(d.debugCb); err != nil {
			return err
		}

		d.debugCb = nil
	}

	if d.ch != nil {
		d.ev.Close(d.ch)
		d.ch = nil
	}

	return nil
}

// Reports returns the number of reports written.
func (d *Debug) Reports() uint64 {
	return d.reports.Load()
}

// Port returns the port VIRQ_DEBUG is bound to, 0 if it is not.
func (d *Debug) Port() hypercall.Port {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ch == nil || !d.ch.Active() {
		return 0
	}

	return d.ev.GetPort(d.ch)
}

func (d *Debug) report() {
	n := d.reports.Add(1)

	d.logger.Info("debug report", "report", humanize.Ordinal(int(n)))
	d.bus.DebugRegistry().DumpToLogger(d.logger)
}

func (d *Debug) rebind() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ch == nil {
		return
	}

	ch, err := d.open()
	if err != nil {
		d.logger.Error("failed to bind VIRQ_DEBUG after resume", "err", err)

		return
	}

	d.ev.Close(d.ch)
	d.ch = ch
}

// Run implements Integration.
func (d *Debug) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.fired:
			d.report()
		case <-d.reopen:
			d.rebind()
		}
	}
}
