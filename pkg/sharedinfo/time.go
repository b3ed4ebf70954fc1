// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package sharedinfo

import (
	"math/bits"
	"time"

	"github.com/siderolabs/talos-xentoolsd/internal/util"
	"github.com/siderolabs/talos-xentoolsd/pkg/hypercall"
	"github.com/siderolabs/talos-xentoolsd/pkg/xenpage"
)

// Clock reads the time stamp counter the hypervisor's vcpu_time_info is relative to.
type Clock interface {
	TSC() uint64
}

// HostClock reads the TSC of the CPU the caller runs on.
type HostClock struct{}

// TSC implements Clock.
func (HostClock) TSC() uint64 {
	return readTSC()
}

// scaleDelta converts a TSC delta into nanoseconds the way pvclock does.
func scaleDelta(delta uint64, mul uint32, shift int8) uint64 {
	if shift < 0 {
		delta >>= uint(-shift)
	} else {
		delta <<= uint(shift)
	}

	hi, lo := bits.Mul64(delta, uint64(mul))

	return hi<<32 | lo>>32
}

// wallclock returns the time of the hypervisor's boot.
func wallclock(page []byte) (uint64, uint32) {
	for {
		version := xenpage.Load32(page, hypercall.SharedInfoWcVersion)

		sec := uint64(xenpage.Load32(page, hypercall.SharedInfoWcSec))
		nsec := xenpage.Load32(page, hypercall.SharedInfoWcNsec)
		sec |= uint64(xenpage.Load32(page, hypercall.SharedInfoWcSecHi)) << 32

		if version&1 == 0 && xenpage.Load32(page, hypercall.SharedInfoWcVersion) == version {
			return sec, nsec
		}
	}
}

// systemTime returns nanoseconds since the hypervisor's boot as seen by vcpu 0.
func systemTime(page []byte, clock Clock) uint64 {
	base := hypercall.VCPUInfoTime

	for {
		version := xenpage.Load32(page, base+hypercall.TimeVersion)

		stamp := xenpage.Load64(page, base+hypercall.TimeTSCTimestamp)
		system := xenpage.Load64(page, base+hypercall.TimeSystemTime)
		mul := xenpage.Load32(page, base+hypercall.TimeTSCToSystemMul)
		shift := int8(xenpage.LoadByte(page, base+hypercall.TimeTSCShift))

		tsc := clock.TSC()

		if version&1 != 0 || xenpage.Load32(page, base+hypercall.TimeVersion) != version {
			continue
		}

		if tsc < stamp {
			return system
		}

		return system + scaleDelta(tsc-stamp, mul, shift)
	}
}

// GetTime returns the current time of day according to the hypervisor.
func (s *SharedInfo) GetTime() (time.Time, error) {
	release := s.susp.Prevent()
	defer release()

	page := s.page()
	if page == nil {
		return time.Time{}, ErrNotAcquired
	}

	sec, nsec := wallclock(page)
	now := systemTime(page, s.clock)

	util.TraceLog(s.logger, "time", "wallclock_sec", sec, "wallclock_nsec", nsec, "boot_ns", now)

	return time.Unix(int64(sec), int64(nsec)).Add(time.Duration(now)).UTC(), nil
}
