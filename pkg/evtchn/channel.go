// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package evtchn

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/siderolabs/talos-xentoolsd/pkg/hypercall"
)

// Type is the kind of binding behind a channel.
type Type int

// Channel types.
const (
	// TypeFixed is a port bound by someone else, typically the toolstack.
	TypeFixed Type = iota + 1
	// TypeUnbound is a port allocated for a remote domain to bind to.
	TypeUnbound
	// TypeInterDomain is a port bound to a port of a remote domain.
	TypeInterDomain
	// TypeVirq is a port bound to a virtual IRQ of a vCPU.
	TypeVirq
)

func (t Type) String() string {
	switch t {
	case TypeFixed:
		return "FIXED"
	case TypeUnbound:
		return "UNBOUND"
	case TypeInterDomain:
		return "INTER_DOMAIN"
	case TypeVirq:
		return "VIRQ"
	default:
		return fmt.Sprintf("TYPE(%d)", int(t))
	}
}

// Binding describes how Open obtains the port of a channel.
type Binding struct {
	Type Type

	Port       hypercall.Port
	RemoteDom  hypercall.DomID
	RemotePort hypercall.Port
	Virq       hypercall.Virq
	CPU        uint32

	// AutoMask masks the port on every delivery until the channel is unmasked again.
	AutoMask bool
}

// Fixed wraps a port that is already bound.
func Fixed(port hypercall.Port, autoMask bool) Binding {
	return Binding{Type: TypeFixed, Port: port, AutoMask: autoMask}
}

// Unbound allocates a port for remote to bind to.
func Unbound(remote hypercall.DomID, autoMask bool) Binding {
	return Binding{Type: TypeUnbound, RemoteDom: remote, AutoMask: autoMask}
}

// InterDomain binds to remotePort of remote.
func InterDomain(remote hypercall.DomID, remotePort hypercall.Port, autoMask bool) Binding {
	return Binding{Type: TypeInterDomain, RemoteDom: remote, RemotePort: remotePort, AutoMask: autoMask}
}

// Virq binds virtual IRQ index of cpu.
func Virq(index hypercall.Virq, cpu uint32) Binding {
	return Binding{Type: TypeVirq, Virq: index, CPU: cpu}
}

// Callback is invoked with the argument given to Open on every delivery.
type Callback func(arg any) bool

// Channel is an open event channel.
type Channel struct {
	// serializes port state changes of deliveries, unmasks and rebinds
	mu sync.Mutex

	binding  Binding
	port     hypercall.Port
	callback Callback
	arg      any
	caller   string

	cpu    atomic.Uint32
	active atomic.Bool
	count  atomic.Uint64

	// set while an interrupt holds the channel between collection and arming
	queued atomic.Bool

	// set once the channel has left the active list
	reaped bool
}

// Type returns the binding type of the channel.
func (ch *Channel) Type() Type {
	return ch.binding.Type
}

// Active reports whether the channel is still bound. Channels become inactive when
// closed, and across suspend.
func (ch *Channel) Active() bool {
	return ch.active.Load()
}

func callerOf(skip int) string {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}

	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
