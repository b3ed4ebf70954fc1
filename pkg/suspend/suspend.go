// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

// Package suspend runs callbacks around a hypervisor-initiated suspend, such as a live migration.
//
// Early callbacks run first, while every other user of the hypervisor is held off by the
// suspend gate. They must leave their subsystem usable or quiesced. Late callbacks run
// afterwards, still under the gate, to rebuild state that depends on early callbacks.
package suspend

import (
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

// Phase selects when a callback runs.
type Phase int

// Suspend phases.
const (
	Early Phase = iota
	Late
)

func (p Phase) String() string {
	switch p {
	case Early:
		return "early"
	case Late:
		return "late"
	default:
		return "unknown"
	}
}

// ErrNotRegistered is returned by Deregister for an unknown handle.
var ErrNotRegistered = errors.New("suspend callback not registered")

// Callback is a registered suspend callback.
type Callback struct {
	phase Phase
	name  string
	fn    func()
}

// Registry holds the callbacks and the suspend gate.
type Registry struct {
	gate sync.RWMutex

	mu        sync.Mutex
	callbacks [2][]*Callback
	count     atomic.Uint64

	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger.With("module", "suspend"),
	}
}

// Register adds fn to the given phase. Callbacks of a phase run in registration order.
// fn runs with the suspend gate held and must not call Prevent.
func (r *Registry) Register(phase Phase, name string, fn func()) *Callback {
	cb := &Callback{phase: phase, name: name, fn: fn}

	r.mu.Lock()
	r.callbacks[phase] = append(r.callbacks[phase], cb)
	r.mu.Unlock()

	r.logger.Debug("registered callback", "phase", phase, "name", name)

	return cb
}

// Deregister removes a callback returned by Register.
func (r *Registry) Deregister(cb *Callback) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.callbacks[cb.phase]

	i := slices.Index(list, cb)
	if i < 0 {
		return ErrNotRegistered
	}

	r.callbacks[cb.phase] = slices.Delete(list, i, i+1)

	r.logger.Debug("deregistered callback", "phase", cb.phase, "name", cb.name)

	return nil
}

// Prevent holds off Trigger until the returned function is called.
// Several holders may hold the gate at once.
func (r *Registry) Prevent() func() {
	r.gate.RLock()

	return r.gate.RUnlock
}

// Trigger waits for every Prevent holder and runs the early and then the late callbacks.
func (r *Registry) Trigger() {
	r.gate.Lock()
	defer r.gate.Unlock()

	n := r.count.Add(1)

	r.logger.Info("suspend triggered", "count", n)

	for _, phase := range []Phase{Early, Late} {
		r.mu.Lock()
		list := slices.Clone(r.callbacks[phase])
		r.mu.Unlock()

		for _, cb := range list {
			r.logger.Debug("running callback", "phase", phase, "name", cb.name)
			cb.fn()
		}
	}

	r.logger.Info("suspend done", "count", n)
}

// Count returns how many times Trigger ran.
func (r *Registry) Count() uint64 {
	return r.count.Load()
}

// Len returns the number of callbacks registered for phase.
func (r *Registry) Len(phase Phase) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.callbacks[phase])
}
