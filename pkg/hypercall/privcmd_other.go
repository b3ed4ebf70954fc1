// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package hypercall

import (
	"fmt"
	"log/slog"
)

// Privcmd is only available on Linux.
type Privcmd struct {
	Hypervisor
}

// OpenPrivcmd always fails outside Linux.
func OpenPrivcmd(*slog.Logger) (*Privcmd, error) {
	return nil, fmt.Errorf("privcmd: %w", ErrNotSupported)
}

// Close implements io.Closer.
func (p *Privcmd) Close() error {
	return nil
}
