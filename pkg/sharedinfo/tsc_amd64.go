// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package sharedinfo

//go:noescape
func rdtsc() uint64

func readTSC() uint64 {
	return rdtsc()
}
