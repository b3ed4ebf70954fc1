// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package hypercall

import (
	"github.com/siderolabs/talos-xentoolsd/pkg/xenpage"
)

// Region is a run of guest pages handed out by an Allocator.
type Region struct {
	// Frames holds the guest frame of every page, in order.
	Frames []PFN
	// Mem is the mapping of all pages, len(Frames) pages long.
	Mem []byte
}

// Base returns the frame of the first page.
func (r *Region) Base() PFN {
	return r.Frames[0]
}

// Pages returns the number of pages in the region.
func (r *Region) Pages() int {
	return len(r.Frames)
}

// Page returns the mapping of page i.
func (r *Region) Page(i int) []byte {
	return r.Mem[i*xenpage.Size : (i+1)*xenpage.Size : (i+1)*xenpage.Size]
}

// Allocator hands out page aligned memory whose frame numbers can be given to the hypervisor.
type Allocator interface {
	AllocatePages(n int) (*Region, error)
	FreePages(r *Region) error
}
