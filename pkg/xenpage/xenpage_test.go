// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package xenpage_test

import (
	"sync"
	"testing"

	"github.com/josharian/native"

	"github.com/siderolabs/talos-xentoolsd/pkg/xenpage"
)

func TestByteAndHalfLayout(t *testing.T) {
	t.Parallel()

	page := make([]byte, xenpage.Size)

	// a grant entry: flags, domid, frame
	xenpage.StoreHalf(page, 8, 0x0001)
	xenpage.StoreHalf(page, 10, 0x7ff0)
	xenpage.Store32(page, 12, 0x12345)

	if got := native.Endian.Uint16(page[8:]); got != 0x0001 {
		t.Errorf("flags = %#x", got)
	}

	if got := native.Endian.Uint16(page[10:]); got != 0x7ff0 {
		t.Errorf("domid = %#x", got)
	}

	if got := native.Endian.Uint32(page[12:]); got != 0x12345 {
		t.Errorf("frame = %#x", got)
	}

	xenpage.OrHalf(page, 8, 0x0004)

	if got := xenpage.LoadHalf(page, 8); got != 0x0005 {
		t.Errorf("flags after or = %#x", got)
	}

	if xenpage.CompareAndSwapHalf(page, 8, 0x0001, 0) {
		t.Error("swap with a stale value succeeded")
	}

	if !xenpage.CompareAndSwapHalf(page, 8, 0x0005, 0) || xenpage.LoadHalf(page, 10) != 0x7ff0 {
		t.Error("swap failed or clobbered the neighbour")
	}

	page[1] = 1

	if old := xenpage.SwapByte(page, 1, 0); old != 1 || page[1] != 0 {
		t.Errorf("swap byte: old %d, now %d", old, page[1])
	}

	xenpage.StoreByte(page, 3, 0xaa)

	if got := xenpage.LoadByte(page, 3); got != 0xaa || page[3] != 0xaa {
		t.Errorf("byte 3 = %#x", got)
	}
}

func TestBitOps(t *testing.T) {
	t.Parallel()

	page := make([]byte, xenpage.Size)

	if xenpage.TestAndSet64(page, 64, 63) {
		t.Error("bit reported set")
	}

	if !xenpage.Test64(page, 64, 63) || xenpage.Load64(page, 64) != 1<<63 {
		t.Error("bit 63 not set")
	}

	if !xenpage.TestAndClear64(page, 64, 63) || xenpage.Load64(page, 64) != 0 {
		t.Error("bit 63 not cleared")
	}

	var wg sync.WaitGroup

	for bit := range uint(32) {
		wg.Add(1)

		go func() {
			defer wg.Done()

			xenpage.TestAndSet32(page, 128, bit)
		}()
	}

	wg.Wait()

	if got := xenpage.Load32(page, 128); got != ^uint32(0) {
		t.Errorf("concurrent sets lost bits: %#x", got)
	}

	xenpage.Zero(page)

	if xenpage.Load32(page, 128) != 0 {
		t.Error("page not zeroed")
	}
}

func TestMisaligned(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Error("misaligned access did not panic")
		}
	}()

	xenpage.Load32(make([]byte, xenpage.Size), 2)
}
