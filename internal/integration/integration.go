// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package integration packages all the integrations between Talos Linux and Xen
package integration

import (
	"context"

	"github.com/siderolabs/talos-xentoolsd/internal/talosconnection"
)

// Integration is the interface every integration should implement.
//
// Register is called once the bus is initialized, Run for as long as the daemon runs,
// and Unregister before the bus is torn down.
type Integration interface {
	Register() error
	Run(ctx context.Context) error
	Unregister() error
}

// IdentitySource tells which node we run on.
type IdentitySource interface {
	Identity() (talosconnection.Identity, error)
}
