// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package hypercall_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/josharian/native"

	"github.com/siderolabs/talos-xentoolsd/pkg/hypercall"
)

// physmapRecorder keeps the last memory_op argument it was given.
type physmapRecorder struct {
	hypercall.Hypervisor

	cmd hypercall.MemoryCmd
	arg hypercall.Arg
}

func (r *physmapRecorder) MemoryOp(cmd hypercall.MemoryCmd, arg hypercall.Arg) error {
	r.cmd, r.arg = cmd, arg

	return nil
}

func TestPhysmapLayout(t *testing.T) {
	t.Parallel()

	var r physmapRecorder

	if err := hypercall.AddToPhysmap(&r, hypercall.MapSpaceGrantTable, 3, 0x10f0f); err != nil {
		t.Fatal(err)
	}

	add, ok := r.arg.(*hypercall.MemoryAddToPhysmap)
	if !ok || r.cmd != hypercall.MemoryOpAddToPhysmap {
		t.Fatalf("add_to_physmap issued %s with %T", r.cmd, r.arg)
	}

	b := make([]byte, add.Size())
	add.Encode(b)

	if got := []uint64{
		uint64(native.Endian.Uint16(b[0:])),
		uint64(native.Endian.Uint32(b[4:])),
		native.Endian.Uint64(b[8:]),
		native.Endian.Uint64(b[16:]),
	}; !cmp.Equal(got, []uint64{uint64(hypercall.DomIDSelf), uint64(hypercall.MapSpaceGrantTable), 3, 0x10f0f}) {
		t.Errorf("xen_add_to_physmap encoded as %x", b)
	}

	var decoded hypercall.MemoryAddToPhysmap

	decoded.Decode(b)

	if diff := cmp.Diff(*add, decoded); diff != "" {
		t.Errorf("decode mismatch (-want +got):\n%s", diff)
	}

	if err := hypercall.RemoveFromPhysmap(&r, 0x10f0f); err != nil {
		t.Fatal(err)
	}

	remove, ok := r.arg.(*hypercall.MemoryRemoveFromPhysmap)
	if !ok || r.cmd != hypercall.MemoryOpRemoveFromPhysmap {
		t.Fatalf("remove_from_physmap issued %s with %T", r.cmd, r.arg)
	}

	b = make([]byte, remove.Size())
	remove.Encode(b)

	if hypercall.DomID(native.Endian.Uint16(b[0:])) != hypercall.DomIDSelf || native.Endian.Uint64(b[8:]) != 0x10f0f {
		t.Errorf("xen_remove_from_physmap encoded as %x", b)
	}
}
