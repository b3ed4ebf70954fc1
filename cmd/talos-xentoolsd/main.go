// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package main is the main package invoking the tool
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/siderolabs/talos-xentoolsd/internal/talosconnection"
	"github.com/siderolabs/talos-xentoolsd/internal/util"
	"github.com/siderolabs/talos-xentoolsd/internal/version"
	"github.com/siderolabs/talos-xentoolsd/pkg/hypercall"
)

const (
	flagLogLevel        = "log-level"
	flagBackend         = "backend"
	flagVCPUs           = "vcpus"
	flagUseFifoABI      = "use-fifo-abi"
	flagUseEvtchnUpcall = "use-evtchn-upcall"
	flagCallbackVia     = "callback-via"
	flagPollInterval    = "poll-interval"
	flagUseMachined     = "use-machined"
	flagTalosConfig     = "talos-config"
	flagTalosNode       = "talos-node"
	flagSimGrantFrames  = "sim-max-grant-frames"
	flagSimFifo         = "sim-fifo"
)

var rootCmd = &cobra.Command{
	Use:                "talos-xentoolsd",
	Short:              "toolset that glues talos to xen hypervisors",
	Long:               "this is a guest agent for Talos Linux running as a Xen HVM guest",
	PersistentPreRunE:  setup,
	PersistentPostRunE: cleanup,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
	SilenceUsage: true,
}

var errTalosSetupFailed = errors.New("error setting up Talos connection")

var (
	logger    *slog.Logger
	api       *talosconnection.TalosAPIConnection
	ctx       context.Context
	ctxCancel context.CancelFunc
)

// wantsTalos reports whether a Talos connection has been configured.
func wantsTalos() bool {
	return viper.GetBool(flagUseMachined) || viper.GetString(flagTalosConfig) != ""
}

func connectTalos() error {
	var err error

	tlog := logger.With("module", "talosconnection")

	if viper.GetBool(flagUseMachined) {
		api, err = talosconnection.MachinedConnection(ctx, tlog)
		if err != nil {
			logger.Error("could not connect to machined socket", "err", err)

			return errTalosSetupFailed
		}

		return nil
	}

	talosNode := viper.GetString(flagTalosNode)
	if len(talosNode) == 0 {
		logger.Error("you need to specify a Talos node when not connecting to machined")

		return errTalosSetupFailed
	}

	api, err = talosconnection.RemoteApidConnection(ctx, tlog, viper.GetString(flagTalosConfig), talosNode)
	if err != nil {
		logger.Error("could not connect to apid", "err", err)

		return errTalosSetupFailed
	}

	return nil
}

func setup(cmd *cobra.Command, _ []string) error {
	level, err := util.ParseLevel(viper.GetString(flagLogLevel))
	if err != nil {
		return fmt.Errorf("error parsing log level: %w", err)
	}

	logOpts := &slog.HandlerOptions{
		Level: level,
	}

	logger = slog.New(slog.NewTextHandler(os.Stdout, logOpts)).With("command", cmd.Name())

	ctx, ctxCancel = context.WithCancel(context.Background()) //nolint:fatcontext

	hello := fmt.Sprintf("%s © 2020-2025 Oliver Kuckertz, Equinix and Siderolabs", version.Name)
	logger.Info(hello, "version", version.Tag, "sha", version.SHA)

	// the selftest runs against the simulator only
	if cmd.Name() == selftestCmd.Name() || !wantsTalos() {
		return nil
	}

	return connectTalos()
}

func cleanup(_ *cobra.Command, _ []string) error {
	if ctxCancel != nil {
		ctxCancel()
	}

	if api != nil {
		if err := api.Close(); err != nil {
			logger.Warn("failed to close API client during process shutdown", "err", err)

			return err
		}
	}

	return nil
}

func defaultVCPUs() int {
	return min(runtime.NumCPU(), hypercall.LegacyVCPUs)
}

func init() {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(`-`, `_`))
	viper.SetEnvPrefix("xentoolsd")

	pf := rootCmd.PersistentFlags()
	pf.String(flagLogLevel, "info", "log level (error, warning, info, debug, trace)")
	pf.String(flagBackend, backendSim, "hypercall backend (sim, privcmd)")
	pf.Int(flagVCPUs, defaultVCPUs(), "number of vCPUs of the domain")
	pf.Bool(flagUseFifoABI, true, "try the FIFO event channel ABI before the two-level one")
	pf.Bool(flagUseEvtchnUpcall, true, "register per-vCPU upcall vectors")
	pf.Uint64(flagCallbackVia, 28, "value of HVM_PARAM_CALLBACK_IRQ while event channels are open")
	pf.Duration(flagPollInterval, defaultPollInterval, "upcall polling period when the backend cannot notify")
	pf.Bool(flagUseMachined, false, "use machined unix socket instead of TCP")
	pf.String(flagTalosConfig, "", "path to talos config file")
	pf.String(flagTalosNode, "", "talos node to operate on")
	pf.Uint32(flagSimGrantFrames, 32, "grant table frame limit of the simulated hypervisor")
	pf.Bool(flagSimFifo, true, "advertise the FIFO event channel ABI in the simulated hypervisor")

	if err := viper.BindPFlags(pf); err != nil {
		panic(err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
