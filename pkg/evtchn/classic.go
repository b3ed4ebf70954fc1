// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package evtchn

import (
	"fmt"
	"log/slog"

	"github.com/siderolabs/talos-xentoolsd/pkg/hypercall"
	"github.com/siderolabs/talos-xentoolsd/pkg/sharedinfo"
)

// Classic is the two-level ABI: a pending and a mask bitmap in shared_info, with a
// selector word per vCPU.
type Classic struct {
	info   *sharedinfo.SharedInfo
	logger *slog.Logger
}

// NewClassic returns the two-level ABI backed by info.
func NewClassic(info *sharedinfo.SharedInfo, logger *slog.Logger) *Classic {
	return &Classic{
		info:   info,
		logger: logger.With("module", "evtchn_2l"),
	}
}

// Name implements Abi.
func (c *Classic) Name() string {
	return "TWO LEVEL"
}

// Acquire implements Abi.
func (c *Classic) Acquire() error {
	return c.info.Acquire()
}

// Release implements Abi.
func (c *Classic) Release() error {
	return c.info.Release()
}

// IsProcessorEnabled implements Abi. The two-level ABI only upcalls vCPU 0.
func (c *Classic) IsProcessorEnabled(cpu uint32) bool {
	return cpu == 0
}

// Poll implements Abi.
func (c *Classic) Poll(cpu uint32, fn EventFunc) bool {
	done, err := c.info.EvtchnPoll(cpu, sharedinfo.EventFunc(fn))
	if err != nil {
		c.logger.Error("poll failed", "cpu", cpu, "error", err)
	}

	return done
}

// PortEnable implements Abi. Every port of the fixed bitmap is always backed.
func (c *Classic) PortEnable(port hypercall.Port) error {
	if port >= hypercall.EvtchnTwoLevelPorts {
		return fmt.Errorf("port %d: %w", port, sharedinfo.ErrBadPort)
	}

	return nil
}

// PortDisable implements Abi.
func (c *Classic) PortDisable(port hypercall.Port) {
	c.PortMask(port)
}

// PortAck implements Abi.
func (c *Classic) PortAck(port hypercall.Port) {
	if err := c.info.EvtchnAck(port); err != nil {
		c.logger.Error("ack failed", "port", port, "error", err)
	}
}

// PortMask implements Abi.
func (c *Classic) PortMask(port hypercall.Port) {
	if err := c.info.EvtchnMask(port); err != nil {
		c.logger.Error("mask failed", "port", port, "error", err)
	}
}

// PortUnmask implements Abi.
func (c *Classic) PortUnmask(port hypercall.Port) bool {
	pending, err := c.info.EvtchnUnmask(port)
	if err != nil {
		c.logger.Error("unmask failed", "port", port, "error", err)
	}

	return pending
}
