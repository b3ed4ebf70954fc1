// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/siderolabs/talos-xentoolsd/pkg/hypercall"
	"github.com/siderolabs/talos-xentoolsd/pkg/xenbus"
	"github.com/siderolabs/talos-xentoolsd/pkg/xensim"
)

const (
	backendSim     = "sim"
	backendPrivcmd = "privcmd"

	defaultPollInterval = 100 * time.Millisecond
)

var errUnknownBackend = errors.New("unknown backend")

// backend is what the bus issues hypercalls to and gets its pages from.
type backend struct {
	hv    hypercall.Hypervisor
	alloc hypercall.Allocator
	// sim is set for the simulated backend.
	sim     *xensim.Sim
	closers []func() error
}

func newBackend(name string) (*backend, error) {
	switch name {
	case backendSim:
		sim := xensim.New(xensim.Config{
			VCPUs:          viper.GetInt(flagVCPUs),
			MaxGrantFrames: viper.GetUint32(flagSimGrantFrames),
			FIFO:           viper.GetBool(flagSimFifo),
			UpcallVector:   true,
		}, logger)

		return &backend{hv: sim, alloc: sim, sim: sim}, nil
	case backendPrivcmd:
		privcmd, err := hypercall.OpenPrivcmd(logger)
		if err != nil {
			return nil, err
		}

		mem, err := hypercall.NewHostMemory()
		if err != nil {
			privcmd.Close() //nolint:errcheck

			return nil, err
		}

		return &backend{hv: privcmd, alloc: mem, closers: []func() error{mem.Close, privcmd.Close}}, nil
	default:
		return nil, fmt.Errorf("%q: %w", name, errUnknownBackend)
	}
}

func (b *backend) Close() error {
	var errs error

	for _, c := range b.closers {
		errs = multierr.Append(errs, c())
	}

	return errs
}

// busConfig fills a bus configuration from the flags.
func busConfig(b *backend) xenbus.Config {
	cfg := xenbus.Config{
		VCPUs:       viper.GetInt(flagVCPUs),
		UseFifo:     viper.GetBool(flagUseFifoABI),
		UseUpcall:   viper.GetBool(flagUseEvtchnUpcall),
		CallbackVia: viper.GetUint64(flagCallbackVia),
	}

	if b.sim != nil {
		cfg.VCPUs = b.sim.VCPUs()
		cfg.Clock = b.sim
	} else {
		// the privcmd device gives no upcall notification
		cfg.PollInterval = viper.GetDuration(flagPollInterval)
	}

	return cfg
}
