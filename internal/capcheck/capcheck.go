// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package capcheck checks the effective Linux capabilities of the process.
package capcheck

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ErrNoCapEff is returned when the status has no CapEff line.
var ErrNoCapEff = errors.New("CapEff line not found")

// Effective parses the effective capability set out of a /proc/<pid>/status file.
func Effective(status io.Reader) (uint64, error) {
	s := bufio.NewScanner(status)

	for s.Scan() {
		value, found := strings.CutPrefix(s.Text(), "CapEff:")
		if !found {
			continue
		}

		// hexadecimal bitmask, bit N is capability N
		caps, err := strconv.ParseUint(strings.TrimSpace(value), 16, 64)
		if err != nil {
			return 0, fmt.Errorf("error parsing CapEff value: %w", err)
		}

		return caps, nil
	}

	if err := s.Err(); err != nil {
		return 0, fmt.Errorf("error reading status: %w", err)
	}

	return 0, ErrNoCapEff
}

// HasCapabilities reports whether every capability in capabilityBits is effective.
func HasCapabilities(capabilityBits ...int) (bool, error) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return false, fmt.Errorf("error reading /proc/self/status: %w", err)
	}

	defer f.Close() //nolint:errcheck

	caps, err := Effective(f)
	if err != nil {
		return false, err
	}

	for _, bit := range capabilityBits {
		if caps&(1<<bit) == 0 {
			return false, nil
		}
	}

	return true, nil
}
