// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package evtchn

import (
	"context"
	"errors"
	"fmt"

	"github.com/siderolabs/talos-xentoolsd/pkg/hypercall"
)

// ErrVersionNotSupported is returned by GetInterface for an unknown version.
var ErrVersionNotSupported = errors.New("interface version not supported")

// Interface versions.
const (
	VersionMin = 1
	VersionMax = 4
)

// V1 is the first event channel interface. Unmask always gives a pending event back
// to the hypervisor.
type V1 interface {
	Acquire() error
	Release() error
	Open(b Binding, callback Callback, arg any) (*Channel, error)
	Unmask(ch *Channel, inCallback bool)
	Send(ch *Channel) error
	Trigger(ch *Channel)
	GetPort(ch *Channel) hypercall.Port
	Close(ch *Channel)
}

// V2 adds event counting.
type V2 interface {
	V1
	GetCount(ch *Channel) uint64
	Wait(ctx context.Context, ch *Channel, count uint64) error
}

// V3 adds rebinding to another vCPU.
type V3 interface {
	V2
	Bind(ch *Channel, cpu uint32) error
}

// V4 lets the caller take a pending event on unmask.
type V4 interface {
	V3
	UnmaskPending(ch *Channel, inCallback, force bool) bool
}

type v1 struct {
	e *Evtchn
}

func (i v1) Acquire() error { return i.e.Acquire() }
func (i v1) Release() error { return i.e.Release() }

func (i v1) Open(b Binding, callback Callback, arg any) (*Channel, error) {
	return i.e.Open(b, callback, arg)
}

func (i v1) Unmask(ch *Channel, inCallback bool) { i.e.Unmask(ch, inCallback, true) }
func (i v1) Send(ch *Channel) error { return i.e.Send(ch) }
func (i v1) Trigger(ch *Channel) { i.e.Trigger(ch) }
func (i v1) GetPort(ch *Channel) hypercall.Port { return i.e.GetPort(ch) }
func (i v1) Close(ch *Channel) { i.e.Close(ch) }

type v2 struct {
	v1
}

func (i v2) GetCount(ch *Channel) uint64 { return i.e.GetCount(ch) }

func (i v2) Wait(ctx context.Context, ch *Channel, count uint64) error {
	return i.e.Wait(ctx, ch, count)
}

type v3 struct {
	v2
}

func (i v3) Bind(ch *Channel, cpu uint32) error { return i.e.Bind(ch, cpu) }

type v4 struct {
	v3
}

func (i v4) UnmaskPending(ch *Channel, inCallback, force bool) bool {
	return i.e.Unmask(ch, inCallback, force)
}

// GetInterface returns the interface of the given version. The result can be type
// asserted to V1 through the requested version.
func (e *Evtchn) GetInterface(version int) (any, error) {
	base := v1{e: e}

	switch version {
	case 1:
		return base, nil
	case 2:
		return v2{base}, nil
	case 3:
		return v3{v2{base}}, nil
	case 4:
		return v4{v3{v2{base}}}, nil
	default:
		return nil, fmt.Errorf("evtchn version %d: %w", version, ErrVersionNotSupported)
	}
}
