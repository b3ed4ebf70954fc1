// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package evtchn

import "github.com/siderolabs/talos-xentoolsd/pkg/hypercall"

// EventFunc is called by Abi.Poll for each port with an event to deliver.
type EventFunc func(port hypercall.Port) bool

// Abi is an event channel delivery ABI: the port bitmaps of shared_info, or the FIFO
// event queues.
type Abi interface {
	Name() string

	Acquire() error
	Release() error

	// IsProcessorEnabled reports whether events bound to cpu can be delivered.
	IsProcessorEnabled(cpu uint32) bool
	// Poll calls fn for each pending port queued on cpu and reports whether any call returned true.
	Poll(cpu uint32, fn EventFunc) bool

	PortEnable(port hypercall.Port) error
	PortDisable(port hypercall.Port)
	PortAck(port hypercall.Port)
	PortMask(port hypercall.Port)
	// PortUnmask unmasks port and reports whether it has an event pending.
	PortUnmask(port hypercall.Port) bool
}
