// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package evtchn

import (
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/siderolabs/talos-xentoolsd/pkg/hypercall"
)

type preservedBinding struct {
	name       string
	param      uint32
	local      hypercall.Port
	remoteDom  hypercall.DomID
	remotePort hypercall.Port
}

// ResetPreservingBindings closes every event channel of the domain and puts it back on
// the two-level ABI. The store and console channels set up by the toolstack are bound
// again and their new ports written back into the HVM parameters.
func ResetPreservingBindings(hv hypercall.Hypervisor, logger *slog.Logger) error {
	bindings := []*preservedBinding{
		{name: "store", param: hypercall.HVMParamStoreEvtchn},
		{name: "console", param: hypercall.HVMParamConsoleEvtchn},
	}

	for _, b := range bindings {
		v, err := hypercall.GetParam(hv, b.param)
		if err != nil {
			logger.Warn("failed to read event channel param", "channel", b.name, "error", err)

			continue
		}

		if v == 0 {
			continue
		}

		b.local = hypercall.Port(v)

		if b.remoteDom, b.remotePort, err = hypercall.QueryInterDomain(hv, b.local); err != nil {
			return fmt.Errorf("error querying %s channel: %w", b.name, err)
		}

		logger.Info("reset: preserving", "channel", b.name, "port", b.local, "remote_domain", b.remoteDom, "remote_port", b.remotePort)
	}

	if err := hypercall.Reset(hv); err != nil {
		return fmt.Errorf("error resetting event channels: %w", err)
	}

	logger.Info("reset: done")

	var errs error

	for _, b := range bindings {
		if b.local == 0 {
			continue
		}

		port, err := hypercall.BindInterDomain(hv, b.remoteDom, b.remotePort)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("error rebinding %s channel: %w", b.name, err))

			continue
		}

		if err = hypercall.SetParam(hv, b.param, uint64(port)); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("error publishing %s channel: %w", b.name, err))

			continue
		}

		logger.Info("reset: rebound", "channel", b.name, "remote_domain", b.remoteDom, "remote_port", b.remotePort, "port", port)
	}

	return errs
}
