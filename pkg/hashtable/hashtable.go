// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

// Package hashtable implements a bucketed integer-keyed map with one reader/writer lock per bucket.
package hashtable

import (
	"errors"
	"sync"
)

// NumBuckets is the fixed number of buckets of a Table.
const NumBuckets = 256

var (
	// ErrNotFound is returned when a key is not in the table.
	ErrNotFound = errors.New("key not found")

	// ErrNotEmpty is returned by Destroy while entries remain.
	ErrNotEmpty = errors.New("hash table not empty")
)

type node[V any] struct {
	key   uint64
	value V
}

type bucket[V any] struct {
	mu    sync.RWMutex
	nodes []node[V]
}

// Table maps uint64 keys to values. It is safe for concurrent use.
type Table[V any] struct {
	buckets [NumBuckets]bucket[V]
}

// New creates an empty table.
func New[V any]() *Table[V] {
	return &Table[V]{}
}

// hash folds the key bytes, lowest first, into 8 bits four bits at a time.
func hash(key uint64) uint32 {
	var acc uint32

	for i := range 8 {
		acc = acc<<4 + uint32(byte(key>>(8*i)))

		if overflow := acc &^ (NumBuckets - 1); overflow != 0 {
			acc ^= overflow >> 8
			acc &= NumBuckets - 1
		}
	}

	return acc
}

func (t *Table[V]) bucket(key uint64) *bucket[V] {
	return &t.buckets[hash(key)]
}

// Add inserts key. Duplicate keys are not detected; Lookup returns the oldest.
func (t *Table[V]) Add(key uint64, value V) {
	b := t.bucket(key)

	b.mu.Lock()
	b.nodes = append(b.nodes, node[V]{key: key, value: value})
	b.mu.Unlock()
}

// Remove deletes the oldest entry for key.
func (t *Table[V]) Remove(key uint64) error {
	b := t.bucket(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.nodes {
		if b.nodes[i].key == key {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)

			return nil
		}
	}

	return ErrNotFound
}

// Lookup returns the value stored for key.
func (t *Table[V]) Lookup(key uint64) (V, error) {
	b := t.bucket(key)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, n := range b.nodes {
		if n.key == key {
			return n.value, nil
		}
	}

	var zero V

	return zero, ErrNotFound
}

// Len returns the number of entries.
func (t *Table[V]) Len() int {
	n := 0

	for i := range t.buckets {
		b := &t.buckets[i]

		b.mu.RLock()
		n += len(b.nodes)
		b.mu.RUnlock()
	}

	return n
}

// Destroy checks that every bucket is empty. The table must not be used afterwards.
func (t *Table[V]) Destroy() error {
	if n := t.Len(); n != 0 {
		return ErrNotEmpty
	}

	return nil
}
