// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/spf13/cobra"
)

var talosqueryCmd = &cobra.Command{
	Use:   "talosquery",
	Short: "query the talos API",
	Long:  "this prints the node identity the debug report is enriched with",
	RunE:  talosquery,
}

func init() {
	rootCmd.AddCommand(talosqueryCmd)
}

func talosquery(_ *cobra.Command, _ []string) error {
	if api == nil {
		logger.Error("no Talos connection configured, use --use-machined or --talos-config")

		return errTalosSetupFailed
	}

	id, err := api.Identity()
	if err != nil {
		logger.Warn("identity incomplete", "err", err)
	}

	logger.Info("hostname", "dnsname", id.Hostname)
	logger.Info("os information", "version", id.OSVersion)
	logger.Info("uptime", "seconds", int(id.Uptime.Seconds()), "duration", id.Uptime)

	for idx, nic := range id.Interfaces {
		logger.Info("interface", "idx", idx, "name", nic.Name, "mac", nic.Mac)

		for _, addr := range nic.Addrs {
			logger.Info("with address", "addr", addr)
		}
	}

	return nil
}
