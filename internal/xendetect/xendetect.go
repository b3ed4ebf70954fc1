// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

// Package xendetect tells whether we are running as a Xen guest.
package xendetect

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/vmware/vmw-guestinfo/vmcheck"
)

var (
	// ErrNotVirtual is returned when the CPU does not report a hypervisor.
	ErrNotVirtual = errors.New("not running in a virtual machine")

	// ErrNotXen is returned when a hypervisor other than Xen is found.
	ErrNotXen = errors.New("not running under Xen")
)

// HypervisorTypePath is where Linux reports the hypervisor it runs on.
const HypervisorTypePath = "/sys/hypervisor/type"

// Detector checks for Xen. The zero value checks the running system.
type Detector struct {
	// IsVirtualCPU reports the CPUID hypervisor bit, vmcheck.IsVirtualCPU if nil.
	IsVirtualCPU func() bool
	// FS is the file system HypervisorTypePath is read from, the root if nil.
	FS fs.FS
}

// Detect returns nil when running as a Xen guest.
func (d Detector) Detect() error {
	isVirtual := d.IsVirtualCPU
	if isVirtual == nil {
		isVirtual = vmcheck.IsVirtualCPU
	}

	if !isVirtual() {
		return ErrNotVirtual
	}

	fsys := d.FS
	if fsys == nil {
		fsys = os.DirFS("/")
	}

	typ, err := fs.ReadFile(fsys, strings.TrimPrefix(HypervisorTypePath, "/"))
	if err != nil {
		return fmt.Errorf("error reading hypervisor type: %w", err)
	}

	if t := strings.TrimSpace(string(typ)); t != "xen" {
		return fmt.Errorf("hypervisor type %q: %w", t, ErrNotXen)
	}

	return nil
}

// Detect runs a zero Detector.
func Detect() error {
	return Detector{}.Detect()
}
