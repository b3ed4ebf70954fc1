// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

// Package xenpage provides word-sized atomic access to pages shared with the hypervisor.
//
// Every access to memory the hypervisor may write concurrently goes through this package.
// Go atomics are sequentially consistent, so each operation doubles as a full barrier.
package xenpage

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/josharian/native"
)

const (
	// Shift is log2 of the page size.
	Shift = 12
	// Size is the size of a guest page.
	Size = 1 << Shift
)

func check(b []byte, off, width int) {
	if off < 0 || off+width > len(b) {
		panic(fmt.Sprintf("xenpage: offset %d width %d out of range (len %d)", off, width, len(b)))
	}

	if uintptr(unsafe.Pointer(&b[off]))%uintptr(width) != 0 {
		panic(fmt.Sprintf("xenpage: offset %d is not %d-byte aligned", off, width))
	}
}

// Uint32 returns a pointer to the aligned 32-bit word at off.
func Uint32(b []byte, off int) *uint32 {
	check(b, off, 4)

	return (*uint32)(unsafe.Pointer(&b[off]))
}

// Uint64 returns a pointer to the aligned 64-bit word at off.
func Uint64(b []byte, off int) *uint64 {
	check(b, off, 8)

	return (*uint64)(unsafe.Pointer(&b[off]))
}

// Load32 atomically loads the 32-bit word at off.
func Load32(b []byte, off int) uint32 {
	return atomic.LoadUint32(Uint32(b, off))
}

// Store32 atomically stores the 32-bit word at off.
func Store32(b []byte, off int, v uint32) {
	atomic.StoreUint32(Uint32(b, off), v)
}

// Load64 atomically loads the 64-bit word at off.
func Load64(b []byte, off int) uint64 {
	return atomic.LoadUint64(Uint64(b, off))
}

// Store64 atomically stores the 64-bit word at off.
func Store64(b []byte, off int, v uint64) {
	atomic.StoreUint64(Uint64(b, off), v)
}

// TestAndSet64 sets bit in the word at off and reports whether it was already set.
func TestAndSet64(b []byte, off int, bit uint) bool {
	mask := uint64(1) << bit

	return atomic.OrUint64(Uint64(b, off), mask)&mask != 0
}

// TestAndClear64 clears bit in the word at off and reports whether it was set.
func TestAndClear64(b []byte, off int, bit uint) bool {
	mask := uint64(1) << bit

	return atomic.AndUint64(Uint64(b, off), ^mask)&mask != 0
}

// Test64 reports whether bit is set in the word at off.
func Test64(b []byte, off int, bit uint) bool {
	return Load64(b, off)&(uint64(1)<<bit) != 0
}

// TestAndSet32 sets bit in the word at off and reports whether it was already set.
func TestAndSet32(b []byte, off int, bit uint) bool {
	mask := uint32(1) << bit

	return atomic.OrUint32(Uint32(b, off), mask)&mask != 0
}

// TestAndClear32 clears bit in the word at off and reports whether it was set.
func TestAndClear32(b []byte, off int, bit uint) bool {
	mask := uint32(1) << bit

	return atomic.AndUint32(Uint32(b, off), ^mask)&mask != 0
}

// byteShift returns the bit position of byte i (0..3) inside a native 32-bit word.
func byteShift(i int) uint {
	if native.IsBigEndian {
		return uint(3-i) * 8
	}

	return uint(i) * 8
}

// halfShift returns the bit position of halfword i (0..1) inside a native 32-bit word.
func halfShift(i int) uint {
	if native.IsBigEndian {
		return uint(1-i) * 16
	}

	return uint(i) * 16
}

// SwapByte atomically replaces the byte at off with v and returns the previous value.
// Go has no 8-bit atomics, so this is a CAS loop on the containing aligned word.
func SwapByte(b []byte, off int, v uint8) uint8 {
	base := off &^ 3
	shift := byteShift(off - base)
	p := Uint32(b, base)

	for {
		old := atomic.LoadUint32(p)
		next := old&^(0xff<<shift) | uint32(v)<<shift

		if atomic.CompareAndSwapUint32(p, old, next) {
			return uint8(old >> shift)
		}
	}
}

// LoadByte atomically loads the byte at off.
func LoadByte(b []byte, off int) uint8 {
	base := off &^ 3

	return uint8(Load32(b, base) >> byteShift(off-base))
}

// StoreByte atomically stores the byte at off.
func StoreByte(b []byte, off int, v uint8) {
	SwapByte(b, off, v)
}

// LoadHalf atomically loads the 16-bit word at off.
func LoadHalf(b []byte, off int) uint16 {
	base := off &^ 3

	return uint16(Load32(b, base) >> halfShift((off-base)/2))
}

// CompareAndSwapHalf performs a 16-bit compare-and-swap at off.
// The other half of the containing word must not be changing concurrently.
func CompareAndSwapHalf(b []byte, off int, old, next uint16) bool {
	if off%2 != 0 {
		panic(fmt.Sprintf("xenpage: offset %d is not 2-byte aligned", off))
	}

	base := off &^ 3
	shift := halfShift((off - base) / 2)
	p := Uint32(b, base)

	cur := atomic.LoadUint32(p)
	if uint16(cur>>shift) != old {
		return false
	}

	return atomic.CompareAndSwapUint32(p, cur, cur&^(0xffff<<shift)|uint32(next)<<shift)
}

// StoreHalf atomically stores the 16-bit word at off.
func StoreHalf(b []byte, off int, v uint16) {
	base := off &^ 3
	shift := halfShift((off - base) / 2)
	p := Uint32(b, base)

	for {
		old := atomic.LoadUint32(p)
		if atomic.CompareAndSwapUint32(p, old, old&^(0xffff<<shift)|uint32(v)<<shift) {
			return
		}
	}
}

// OrHalf atomically ORs mask into the 16-bit word at off.
func OrHalf(b []byte, off int, mask uint16) {
	base := off &^ 3
	atomic.OrUint32(Uint32(b, base), uint32(mask)<<halfShift((off-base)/2))
}

// Zero clears b with atomic word stores. len(b) must be a multiple of 8.
func Zero(b []byte) {
	for off := 0; off < len(b); off += 8 {
		Store64(b, off, 0)
	}
}
