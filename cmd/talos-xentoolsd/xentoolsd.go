// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/siderolabs/talos-xentoolsd/internal/capcheck"
	"github.com/siderolabs/talos-xentoolsd/internal/integration"
	"github.com/siderolabs/talos-xentoolsd/internal/xendetect"
	"github.com/siderolabs/talos-xentoolsd/pkg/hypercall"
	"github.com/siderolabs/talos-xentoolsd/pkg/xenbus"
)

const (
	flagSkipXenDetection  = "skip-xen-detection"
	flagWallclockInterval = "wallclock-interval"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "a daemon that runs the guest side of the xen event channels and grant tables",
	Long:  "this daemon binds the event channels and grant tables of the domain and reports on them",
	RunE:  daemon,
}

var errDaemonStartFailed = errors.New("error starting xentoolsd")

func init() {
	pf := daemonCmd.PersistentFlags()
	pf.Bool(flagSkipXenDetection, false, "skip xen detection")
	pf.Duration(flagWallclockInterval, time.Minute, "period of the wallclock drift check")

	if err := viper.BindPFlags(pf); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(daemonCmd)
}

// checkPlatform makes sure the privcmd backend can work here. Talos runs the daemon on
// every node of mixed clusters, so other platforms stop early.
func checkPlatform() error {
	if viper.GetBool(flagSkipXenDetection) {
		logger.Info("skipping Xen environment detection")

		return nil
	}

	hascap, err := capcheck.HasCapabilities(capcheck.CapSysAdmin, capcheck.CapIPCLock)
	if err != nil {
		logger.Error("error checking capabilities", "err", err)

		return err
	}

	if !hascap {
		logger.Error("we lack CAP_SYS_ADMIN or CAP_IPC_LOCK and cannot issue hypercalls")

		return fmt.Errorf("lacking capabilities")
	}

	return xendetect.Detect()
}

func daemon(_ *cobra.Command, _ []string) error {
	backendName := viper.GetString(flagBackend)

	if backendName == backendPrivcmd {
		if err := checkPlatform(); err != nil {
			return err
		}
	}

	be, err := newBackend(backendName)
	if err != nil {
		logger.Error("error opening backend", "backend", backendName, "err", err)

		return errDaemonStartFailed
	}

	defer func() {
		if err := be.Close(); err != nil {
			logger.Warn("failed to close backend", "err", err)
		}
	}()

	bus := xenbus.New(busConfig(be), be.hv, be.alloc, logger)

	if err = bus.Initialize(); err != nil {
		logger.Error("error initializing bus", "err", err)

		return errDaemonStartFailed
	}

	defer func() {
		if err := bus.Teardown(); err != nil {
			logger.Error("failed to tear down bus", "err", err)
		}
	}()

	var talos integration.IdentitySource
	if api != nil {
		talos = api
	}

	integrations := []integration.Integration{
		integration.NewDebug(logger.With("integration", "debug"), bus, talos),
		integration.NewWallclock(logger.With("integration", "wallclock"), bus, viper.GetDuration(flagWallclockInterval), nil),
	}

	for idx, i := range integrations {
		if err = i.Register(); err != nil {
			logger.Error("error registering integration", "err", err)
			unregister(integrations[:idx])

			return errDaemonStartFailed
		}
	}

	defer unregister(integrations)

	eg, runCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return bus.Run(runCtx)
	})

	for _, i := range integrations {
		eg.Go(func() error {
			return i.Run(runCtx)
		})
	}

	eg.Go(func() error {
		return handleSignals(runCtx, be, bus)
	})

	err = eg.Wait()

	logger.Info("graceful shutdown done, fair winds!")

	return err
}

func unregister(integrations []integration.Integration) {
	for _, i := range integrations {
		if err := i.Unregister(); err != nil {
			logger.Warn("failed to unregister integration", "err", err)
		}
	}
}

// handleSignals shuts down on SIGINT/SIGTERM. SIGUSR1 asks for a debug report and,
// with the simulated backend, SIGUSR2 migrates the domain.
func handleSignals(runCtx context.Context, be *backend, bus *xenbus.Bus) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)

	defer signal.Stop(sig)

	for {
		var s os.Signal

		select {
		case <-runCtx.Done():
			return nil
		case s = <-sig:
		}

		logger.Debug("signal received", "signal", s)

		switch s {
		case syscall.SIGUSR1:
			if be.sim == nil {
				bus.DebugRegistry().DumpToLogger(logger)

				continue
			}

			if _, err := be.sim.RaiseVirq(hypercall.VirqDebug, 0); err != nil {
				logger.Warn("failed to raise VIRQ_DEBUG", "err", err)
			}
		case syscall.SIGUSR2:
			if be.sim == nil {
				logger.Warn("migration can only be simulated with the sim backend")

				continue
			}

			be.sim.Migrate()
			bus.Suspend()

			logger.Info("simulated migration done", "suspends", bus.SuspendRegistry().Count())
		default:
			ctxCancel()

			return nil
		}
	}
}
