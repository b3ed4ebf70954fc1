// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

// Package debug collects state dumps from the subsystems.
package debug

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

// ErrNotRegistered is returned by Deregister for an unknown handle.
var ErrNotRegistered = errors.New("debug callback not registered")

// Printer receives the lines of a dump.
type Printer interface {
	Printf(format string, args ...any)
}

// Func writes the state of a subsystem. crashing is set when the dump is taken on a fatal path.
type Func func(p Printer, crashing bool)

// Callback is a registered debug callback.
type Callback struct {
	prefix string
	fn     Func
}

// Registry holds the debug callbacks.
type Registry struct {
	mu        sync.Mutex
	callbacks []*Callback
	logger    *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger.With("module", "debug")}
}

// Register adds fn. Every line it prints is prefixed with prefix.
func (r *Registry) Register(prefix string, fn Func) *Callback {
	cb := &Callback{prefix: prefix, fn: fn}

	r.mu.Lock()
	r.callbacks = append(r.callbacks, cb)
	r.mu.Unlock()

	return cb
}

// Deregister removes a callback returned by Register.
func (r *Registry) Deregister(cb *Callback) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := slices.Index(r.callbacks, cb)
	if i < 0 {
		return ErrNotRegistered
	}

	r.callbacks = slices.Delete(r.callbacks, i, i+1)

	return nil
}

// Len returns the number of registered callbacks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.callbacks)
}

type writerPrinter struct {
	w      io.Writer
	prefix string
}

func (p *writerPrinter) Printf(format string, args ...any) {
	fmt.Fprintf(p.w, "%s|%s\n", p.prefix, strings.TrimSuffix(fmt.Sprintf(format, args...), "\n")) //nolint:errcheck
}

// Dump runs every callback in registration order and writes their output to w.
func (r *Registry) Dump(w io.Writer, crashing bool) {
	r.mu.Lock()
	list := slices.Clone(r.callbacks)
	r.mu.Unlock()

	for _, cb := range list {
		cb.fn(&writerPrinter{w: w, prefix: cb.prefix}, crashing)
	}
}

// DumpToLogger runs Dump and logs every line at INFO.
func (r *Registry) DumpToLogger(logger *slog.Logger) {
	var buf bytes.Buffer

	r.Dump(&buf, false)

	s := bufio.NewScanner(&buf)
	for s.Scan() {
		logger.Info(s.Text())
	}
}
