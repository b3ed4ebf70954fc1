// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package talosconnection

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/cosi-project/runtime/pkg/safe"
	"github.com/siderolabs/gen/xslices"
	"github.com/siderolabs/talos/pkg/machinery/resources/network"
	"go.uber.org/multierr"
	"google.golang.org/protobuf/types/known/emptypb"
)

// NetInterface represents a network interface.
type NetInterface struct {
	Name  string
	Mac   string
	Addrs []netip.Prefix
}

// Identity is what a report says about the node it was taken on.
type Identity struct {
	Hostname   string
	OSVersion  string
	Uptime     time.Duration
	Interfaces []NetInterface
}

// Lines formats the identity for a log or a debug dump.
func (id Identity) Lines() []string {
	lines := []string{
		fmt.Sprintf("Hostname = %s", id.Hostname),
		fmt.Sprintf("OS = %s", id.OSVersion),
		fmt.Sprintf("Uptime = %s", id.Uptime),
	}

	for _, nic := range id.Interfaces {
		addrs := xslices.Map(nic.Addrs, netip.Prefix.String)

		lines = append(lines, fmt.Sprintf("- %s (%s): %s", nic.Name, nic.Mac, strings.Join(addrs, " ")))
	}

	return lines
}

// Identity queries the node identity. Parts that cannot be read are left empty and
// their errors combined.
func (c *TalosAPIConnection) Identity() (Identity, error) {
	var (
		id   Identity
		errs error
		err  error
	)

	if id.Hostname, err = c.Hostname(); err != nil {
		errs = multierr.Append(errs, err)
	}

	if id.OSVersion, err = c.OSVersion(); err != nil {
		errs = multierr.Append(errs, err)
	}

	if id.Uptime, err = c.Uptime(); err != nil {
		errs = multierr.Append(errs, err)
	}

	if id.Interfaces, err = c.NetInterfaces(); err != nil {
		errs = multierr.Append(errs, err)
	}

	return id, errs
}

// OSVersion returns the OS version.
func (c *TalosAPIConnection) OSVersion() (string, error) {
	resp, err := c.client.Version(c.ctx)
	if err != nil {
		return "", fmt.Errorf("error retrieving OS version information: %w", err)
	}

	if len(resp.Messages) == 0 {
		return "Talos unknown", nil
	}

	v := resp.Messages[0].Version

	return fmt.Sprintf("Talos %s-%s", v.Tag, v.Sha), nil
}

// Hostname returns the hostname.
func (c *TalosAPIConnection) Hostname() (string, error) {
	resp, err := c.client.MachineClient.Hostname(c.ctx, &emptypb.Empty{})
	if err != nil {
		return "", fmt.Errorf("error retrieving hostname: %w", err)
	}

	if len(resp.Messages) == 0 {
		return "", nil
	}

	return resp.Messages[0].Hostname, nil
}

// Uptime returns the uptime according to Talos.
func (c *TalosAPIConnection) Uptime() (time.Duration, error) {
	resp, err := c.client.MachineClient.SystemStat(c.ctx, &emptypb.Empty{})
	if err != nil {
		return 0, fmt.Errorf("error retrieving system stats: %w", err)
	}

	if len(resp.Messages) == 0 {
		return 0, nil
	}

	return time.Since(time.Unix(int64(resp.Messages[0].GetBootTime()), 0)).Round(time.Second), nil
}

// NetInterfaces returns the physical network interfaces and their addresses.
func (c *TalosAPIConnection) NetInterfaces() ([]NetInterface, error) {
	addrMap := make(map[string][]*network.AddressStatusSpec)

	networkAddresses, err := safe.StateListAll[*network.AddressStatus](c.ctx, c.client.COSI)
	if err != nil {
		return nil, fmt.Errorf("error listing address status resources: %w", err)
	}

	for addr := range networkAddresses.All() {
		linkName := addr.TypedSpec().LinkName
		addrMap[linkName] = append(addrMap[linkName], addr.TypedSpec())
	}

	linkStatuses, err := safe.StateListAll[*network.LinkStatus](c.ctx, c.client.COSI)
	if err != nil {
		return nil, fmt.Errorf("error listing link status resources: %w", err)
	}

	var result []NetInterface

	for link := range linkStatuses.All() {
		if !link.TypedSpec().Physical() {
			continue
		}

		intf := NetInterface{
			Name: link.Metadata().ID(),
			Mac:  link.TypedSpec().HardwareAddr.String(),
			Addrs: xslices.Map(addrMap[link.Metadata().ID()], func(a *network.AddressStatusSpec) netip.Prefix {
				return a.Address
			}),
		}

		result = append(result, intf)
	}

	return result, nil
}
