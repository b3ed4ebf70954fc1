// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package hypercall

import "fmt"

// HostMemory is only available on Linux.
type HostMemory struct {
	Allocator
}

// NewHostMemory always fails outside Linux.
func NewHostMemory() (*HostMemory, error) {
	return nil, fmt.Errorf("host memory: %w", ErrNotSupported)
}

// Close implements io.Closer.
func (h *HostMemory) Close() error {
	return nil
}
