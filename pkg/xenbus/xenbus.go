// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

// Package xenbus wires the guest-side Xen subsystems of a domain together.
package xenbus

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/siderolabs/talos-xentoolsd/pkg/debug"
	"github.com/siderolabs/talos-xentoolsd/pkg/evtchn"
	"github.com/siderolabs/talos-xentoolsd/pkg/gnttab"
	"github.com/siderolabs/talos-xentoolsd/pkg/hypercall"
	"github.com/siderolabs/talos-xentoolsd/pkg/sharedinfo"
	"github.com/siderolabs/talos-xentoolsd/pkg/suspend"
)

// Config holds the settings of a bus.
type Config struct {
	// VCPUs is the number of vCPUs of the domain.
	VCPUs int
	// UseFifo tries the FIFO event channel ABI first.
	UseFifo bool
	// UseUpcall registers per-vCPU upcall vectors.
	UseUpcall bool
	// UpcallVector overrides evtchn.DefaultUpcallVector.
	UpcallVector uint8
	// CallbackVia is the value of HVM_PARAM_CALLBACK_IRQ while channels are open.
	CallbackVia uint64
	// PollInterval is the period of the upcall poll, 0 to rely on the backend's notifications only.
	PollInterval time.Duration
	// MonitorInterval is the period at which the grant caches are balanced.
	MonitorInterval time.Duration
	// Clock is the TSC source of the time info, the CPU's if nil.
	Clock sharedinfo.Clock
}

// Bus owns the subsystems of a domain.
type Bus struct {
	cfg    Config
	hv     hypercall.Hypervisor
	logger *slog.Logger

	susp   *suspend.Registry
	dbg    *debug.Registry
	info   *sharedinfo.SharedInfo
	evtchn *evtchn.Evtchn
	gnttab *gnttab.Gnttab

	mu         sync.Mutex
	evtchnHeld bool
	gnttabHeld bool
}

// New builds the subsystems. Nothing is set up in the hypervisor until Initialize.
func New(cfg Config, hv hypercall.Hypervisor, alloc hypercall.Allocator, logger *slog.Logger) *Bus {
	if cfg.VCPUs < 1 {
		cfg.VCPUs = 1
	}

	if cfg.MonitorInterval == 0 {
		cfg.MonitorInterval = time.Second
	}

	if cfg.Clock == nil {
		cfg.Clock = sharedinfo.HostClock{}
	}

	b := &Bus{
		cfg:    cfg,
		hv:     hv,
		logger: logger.With("module", "xenbus"),
		susp:   suspend.NewRegistry(logger),
		dbg:    debug.NewRegistry(logger),
	}

	b.info = sharedinfo.New(hv, alloc, b.susp, b.dbg, cfg.Clock, cfg.VCPUs, logger)
	b.evtchn = evtchn.New(evtchn.Config{
		VCPUs:        cfg.VCPUs,
		UseFifo:      cfg.UseFifo,
		UseUpcall:    cfg.UseUpcall,
		UpcallVector: cfg.UpcallVector,
		CallbackVia:  cfg.CallbackVia,
	}, hv, alloc, b.info, b.susp, b.dbg, logger)
	b.gnttab = gnttab.New(hv, alloc, b.susp, b.dbg, logger)

	return b
}

// Initialize acquires the event channels and the grant table.
func (b *Bus) Initialize() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.evtchnHeld {
		if err := b.evtchn.Acquire(); err != nil {
			return fmt.Errorf("error acquiring event channels: %w", err)
		}

		b.evtchnHeld = true
	}

	if !b.gnttabHeld {
		if err := b.gnttab.Acquire(); err != nil {
			return fmt.Errorf("error acquiring grant table: %w", err)
		}

		b.gnttabHeld = true
	}

	b.logger.Info("initialized", "vcpus", b.cfg.VCPUs, "abi", b.evtchn.AbiName(), "grant_frames", b.gnttab.Frames())

	return nil
}

// Teardown releases what Initialize acquired. Open channels or caches make it fail, and
// a subsystem that could not be released stays acquired for a later attempt.
func (b *Bus) Teardown() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs error

	if b.gnttabHeld {
		if err := b.gnttab.Release(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("error releasing grant table: %w", err))
		} else {
			b.gnttabHeld = false
		}
	}

	if b.evtchnHeld {
		if err := b.evtchn.Release(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("error releasing event channels: %w", err))
		} else {
			b.evtchnHeld = false
		}
	}

	if errs != nil {
		b.logger.Error("teardown failed", "error", errs)

		return errs
	}

	b.logger.Info("torn down")

	return nil
}

// Suspend runs the suspend callbacks, as after the domain has been restored.
func (b *Bus) Suspend() {
	b.susp.Trigger()
}

// Run delivers upcalls until ctx is done. Upcalls are noticed through the backend's
// notifications if it has any, on every kick of the event channels and every PollInterval.
// The grant caches are balanced alongside.
func (b *Bus) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return b.pump(ctx)
	})

	eg.Go(func() error {
		return b.gnttab.Monitor(ctx, b.cfg.MonitorInterval)
	})

	return eg.Wait()
}

func (b *Bus) pump(ctx context.Context) error {
	var upcalls <-chan struct{}

	if n, ok := b.hv.(hypercall.Notifier); ok {
		upcalls = n.Upcalls()
	}

	var tick <-chan time.Time

	if b.cfg.PollInterval > 0 {
		ticker := time.NewTicker(b.cfg.PollInterval)
		defer ticker.Stop()

		tick = ticker.C
	}

	if upcalls == nil && tick == nil {
		return fmt.Errorf("no upcall notification and no poll interval: %w", hypercall.ErrInvalid)
	}

	b.logger.Debug("upcall pump started", "notifications", upcalls != nil, "poll_interval", b.cfg.PollInterval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-upcalls:
		case <-b.evtchn.Kicks():
		case <-tick:
		}

		b.evtchn.Interrupt()
	}
}

// DumpDebug writes the state of every subsystem to w.
func (b *Bus) DumpDebug(w io.Writer, crashing bool) {
	b.dbg.Dump(w, crashing)
}

// GetEvtchnInterface negotiates the event channel interface version.
func (b *Bus) GetEvtchnInterface(version int) (any, error) {
	return b.evtchn.GetInterface(version)
}

// GetGnttabInterface negotiates the grant table interface version.
func (b *Bus) GetGnttabInterface(version int) (any, error) {
	return b.gnttab.GetInterface(version)
}

// Evtchn returns the event channel multiplexer.
func (b *Bus) Evtchn() *evtchn.Evtchn { return b.evtchn }

// Gnttab returns the grant table.
func (b *Bus) Gnttab() *gnttab.Gnttab { return b.gnttab }

// SharedInfo returns the shared info page.
func (b *Bus) SharedInfo() *sharedinfo.SharedInfo { return b.info }

// SuspendRegistry returns the registry of suspend callbacks.
func (b *Bus) SuspendRegistry() *suspend.Registry { return b.susp }

// DebugRegistry returns the registry of debug callbacks.
func (b *Bus) DebugRegistry() *debug.Registry { return b.dbg }
