// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package integration

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/siderolabs/talos-xentoolsd/pkg/debug"
	"github.com/siderolabs/talos-xentoolsd/pkg/xenbus"
)

// Wallclock periodically compares the hypervisor's wallclock with the local clock.
type Wallclock struct {
	logger   *slog.Logger
	bus      *xenbus.Bus
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	last    time.Time
	drift   time.Duration
	debugCb *debug.Callback
}

// NewWallclock creates the wallclock integration. now is the local clock, time.Now if nil.
func NewWallclock(logger *slog.Logger, bus *xenbus.Bus, interval time.Duration, now func() time.Time) *Wallclock {
	logger.Debug("initializing")

	if now == nil {
		now = time.Now
	}

	return &Wallclock{
		logger:   logger,
		bus:      bus,
		interval: interval,
		now:      now,
	}
}

// Register implements Integration.
func (w *Wallclock) Register() error {
	w.logger.Debug("registering")

	w.mu.Lock()
	w.debugCb = w.bus.DebugRegistry().Register("WALLCLOCK", w.debugCallback)
	w.mu.Unlock()

	return nil
}

// Unregister implements Integration.
func (w *Wallclock) Unregister() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debugCb == nil {
		return nil
	}

	err := w.bus.DebugRegistry().Deregister(w.debugCb)
	w.debugCb = nil

	return err
}

func (w *Wallclock) debugCallback(p debug.Printer, _ bool) {
	w.mu.Lock()
	last, drift := w.last, w.drift
	w.mu.Unlock()

	if last.IsZero() {
		p.Printf("not sampled yet")

		return
	}

	p.Printf("Last = %s Drift = %s", last.Format(time.RFC3339Nano), drift)
}

// Check reads the hypervisor time and returns how far the local clock is ahead of it.
func (w *Wallclock) Check() (time.Duration, error) {
	xen, err := w.bus.SharedInfo().GetTime()
	if err != nil {
		return 0, err
	}

	drift := w.now().Sub(xen)

	w.mu.Lock()
	w.last, w.drift = xen, drift
	w.mu.Unlock()

	w.logger.Info("wallclock", "xen", xen, "drift", drift)

	return drift, nil
}

// Run implements Integration.
func (w *Wallclock) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.Check(); err != nil {
			w.logger.Warn("failed to read wallclock", "err", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
