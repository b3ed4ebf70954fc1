// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package talosconnection represents the connection to the Talos API. It is used to
// tell which node a debug report comes from.
package talosconnection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/siderolabs/talos/pkg/grpc/middleware/authz"
	talosclient "github.com/siderolabs/talos/pkg/machinery/client"
	talosconfig "github.com/siderolabs/talos/pkg/machinery/client/config"
	talosconstants "github.com/siderolabs/talos/pkg/machinery/constants"
	talosrole "github.com/siderolabs/talos/pkg/machinery/role"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// ConnectTimeout bounds the retries of the first request to the API.
const ConnectTimeout = 30 * time.Second

// TalosAPIConnection represents the Talos API client.
type TalosAPIConnection struct {
	ctx    context.Context //nolint:containedctx
	log    *slog.Logger
	client *talosclient.Client
}

// Close closes the client.
func (c *TalosAPIConnection) Close() error {
	return c.client.Close()
}

// waitReady retries a version request until the API answers. machined may still be
// starting when the daemon comes up.
func (c *TalosAPIConnection) waitReady() error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = ConnectTimeout

	attempt := 0

	return backoff.Retry(func() error {
		attempt++

		if _, err := c.client.Version(c.ctx); err != nil {
			c.log.Debug("talos api not ready", "attempt", attempt, "err", err)

			return err
		}

		return nil
	}, backoff.WithContext(b, c.ctx))
}

func connect(ctx context.Context, logger *slog.Logger, opts ...talosclient.OptionFunc) (*TalosAPIConnection, error) {
	client, err := talosclient.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to construct client: %w", err)
	}

	conn := &TalosAPIConnection{
		ctx:    ctx,
		log:    logger,
		client: client,
	}

	if err = conn.waitReady(); err != nil {
		client.Close() //nolint:errcheck

		return nil, fmt.Errorf("talos api did not become ready: %w", err)
	}

	return conn, nil
}

// RemoteApidConnection is used for using a TCP/gRPC connection to apid.
func RemoteApidConnection(ctx context.Context, logger *slog.Logger, configPath string, node string) (*TalosAPIConnection, error) {
	cfg, err := talosconfig.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %q: %w", configPath, err)
	}

	logger.Debug("setting up talos connection to apid", "configfile", configPath, "node", node)

	return connect(ctx, logger,
		talosclient.WithConfig(cfg),
		talosclient.WithEndpoints(node),
	)
}

// MachinedConnection is used for using a connection to machined using local UNIX socket.
func MachinedConnection(ctx context.Context, logger *slog.Logger) (*TalosAPIConnection, error) {
	logger.Debug("setting up talos connection to machined", "socket", talosconstants.MachineSocketPath)

	md := metadata.Pairs()
	authz.SetMetadata(md, talosrole.MakeSet(talosrole.Reader))
	readerCtx := metadata.NewOutgoingContext(ctx, md)

	return connect(readerCtx, logger,
		talosclient.WithUnixSocket(talosconstants.MachineSocketPath),
		talosclient.WithGRPCDialOptions(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
}
