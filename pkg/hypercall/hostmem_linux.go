// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package hypercall

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/josharian/native"
	"golang.org/x/sys/unix"

	"github.com/siderolabs/talos-xentoolsd/pkg/xenpage"
)

const (
	pagemapPresent = 1 << 63
	pagemapPFNMask = 1<<55 - 1
)

// ErrPageNotPresent is returned when a locked page has no frame behind it.
var ErrPageNotPresent = errors.New("page not present")

// HostMemory allocates locked anonymous memory and resolves its frames through /proc/self/pagemap.
type HostMemory struct {
	mu      sync.Mutex
	pagemap *os.File
}

// NewHostMemory opens the pagemap of the current process.
func NewHostMemory() (*HostMemory, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return nil, fmt.Errorf("error opening pagemap: %w", err)
	}

	return &HostMemory{pagemap: f}, nil
}

// Close releases the pagemap handle. Regions stay valid.
func (h *HostMemory) Close() error {
	return h.pagemap.Close()
}

// AllocatePages implements Allocator.
func (h *HostMemory) AllocatePages(n int) (*Region, error) {
	mem, err := unix.Mmap(-1, 0, n*xenpage.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}

	if err = unix.Mlock(mem); err != nil {
		unix.Munmap(mem) //nolint:errcheck

		return nil, fmt.Errorf("mlock: %w", err)
	}

	// the hypervisor writes into these pages, a fork must not turn them copy-on-write
	unix.Madvise(mem, unix.MADV_DONTFORK) //nolint:errcheck

	r := &Region{Frames: make([]PFN, n), Mem: mem}

	h.mu.Lock()
	defer h.mu.Unlock()

	var entry [8]byte

	for i := range n {
		mem[i*xenpage.Size] = 0

		vaddr := uintptr(unsafe.Pointer(&mem[i*xenpage.Size]))
		if _, err = h.pagemap.ReadAt(entry[:], int64(vaddr/xenpage.Size)*8); err != nil {
			unix.Munmap(mem) //nolint:errcheck

			return nil, fmt.Errorf("error reading pagemap: %w", err)
		}

		v := native.Endian.Uint64(entry[:])
		if v&pagemapPresent == 0 || v&pagemapPFNMask == 0 {
			unix.Munmap(mem) //nolint:errcheck

			return nil, fmt.Errorf("page %d: %w", i, ErrPageNotPresent)
		}

		r.Frames[i] = PFN(v & pagemapPFNMask)
	}

	return r, nil
}

// FreePages implements Allocator.
func (h *HostMemory) FreePages(r *Region) error {
	if err := unix.Munlock(r.Mem); err != nil {
		return fmt.Errorf("munlock: %w", err)
	}

	if err := unix.Munmap(r.Mem); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}

	r.Mem = nil
	r.Frames = nil

	return nil
}
