// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package hashtable_test

import (
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/siderolabs/talos-xentoolsd/pkg/hashtable"
)

func TestConcurrentAdd(t *testing.T) {
	t.Parallel()

	const k = 4096

	tbl := hashtable.New[uint64]()

	var wg sync.WaitGroup

	for w := range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for key := uint64(w); key < k; key += 8 {
				tbl.Add(key, key*3)
			}
		}()
	}

	wg.Wait()

	if got := tbl.Len(); got != k {
		t.Fatalf("Len() = %d, want %d", got, k)
	}

	seen := make([]uint64, 0, k)

	for key := range uint64(k) {
		v, err := tbl.Lookup(key)
		if err != nil {
			t.Fatalf("Lookup(%d): %v", key, err)
		}

		if v != key*3 {
			t.Fatalf("Lookup(%d) = %d, want %d", key, v, key*3)
		}

		seen = append(seen, v/3)
	}

	sort.Slice(seen, func(i, j int) bool { return seen[i] < seen[j] })

	for i, v := range seen {
		if v != uint64(i) {
			t.Fatalf("key %d seen as %d", i, v)
		}
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()

	tbl := hashtable.New[string]()

	// 0x01 and 0x1000 land in the same bucket
	tbl.Add(0x01, "a")
	tbl.Add(0x1000, "b")
	tbl.Add(0x10, "c")

	if err := tbl.Remove(0x1000); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if _, err := tbl.Lookup(0x1000); !errors.Is(err, hashtable.ErrNotFound) {
		t.Fatalf("Lookup after Remove: %v, want ErrNotFound", err)
	}

	if err := tbl.Remove(0x1000); !errors.Is(err, hashtable.ErrNotFound) {
		t.Fatalf("second Remove: %v, want ErrNotFound", err)
	}

	var got []string

	for _, key := range []uint64{0x01, 0x10} {
		v, err := tbl.Lookup(key)
		if err != nil {
			t.Fatalf("Lookup(%#x): %v", key, err)
		}

		got = append(got, v)
	}

	if diff := cmp.Diff([]string{"a", "c"}, got); diff != "" {
		t.Fatalf("unexpected values (-want +got):\n%s", diff)
	}
}

func TestDestroy(t *testing.T) {
	t.Parallel()

	tbl := hashtable.New[int]()
	tbl.Add(7, 7)

	if err := tbl.Destroy(); !errors.Is(err, hashtable.ErrNotEmpty) {
		t.Fatalf("Destroy on non-empty table: %v", err)
	}

	if err := tbl.Remove(7); err != nil {
		t.Fatal(err)
	}

	if err := tbl.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
}

func TestDuplicateKeys(t *testing.T) {
	t.Parallel()

	tbl := hashtable.New[int]()
	tbl.Add(42, 1)
	tbl.Add(42, 2)

	v, err := tbl.Lookup(42)
	if err != nil || v != 1 {
		t.Fatalf("Lookup = %d, %v; want 1", v, err)
	}

	if err = tbl.Remove(42); err != nil {
		t.Fatal(err)
	}

	v, err = tbl.Lookup(42)
	if err != nil || v != 2 {
		t.Fatalf("Lookup after Remove = %d, %v; want 2", v, err)
	}
}

func TestPageAddressKeys(t *testing.T) {
	t.Parallel()

	table := hashtable.New[uint64]()

	// addresses of mapped foreign pages, well above 16 MiB
	var keys []uint64

	for pfn := uint64(0x10f00); pfn < 0x11000; pfn++ {
		keys = append(keys, pfn<<12)
	}

	keys = append(keys, 0xffff_ffff_f000, 1<<52, ^uint64(0))

	for _, key := range keys {
		table.Add(key, key)
	}

	for _, key := range keys {
		v, err := table.Lookup(key)
		if err != nil {
			t.Fatalf("lookup %#x: %v", key, err)
		}

		if v != key {
			t.Errorf("lookup %#x returned %#x", key, v)
		}
	}

	if table.Len() != len(keys) {
		t.Errorf("len = %d, want %d", table.Len(), len(keys))
	}
}
