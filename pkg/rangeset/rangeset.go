// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

// Package rangeset implements an allocator of integer values kept as sorted disjoint intervals.
package rangeset

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/siderolabs/talos-xentoolsd/internal/util"
)

var (
	// ErrOverlap is returned by Put when part of the span is already in the set.
	ErrOverlap = errors.New("range overlaps existing range")

	// ErrExhausted is returned by Pop when no interval is large enough.
	ErrExhausted = errors.New("no range large enough")

	// ErrNotPresent is returned by Get when the span is not fully in the set.
	ErrNotPresent = errors.New("range not present")

	// ErrInvalidCount is returned for a count below one.
	ErrInvalidCount = errors.New("invalid count")
)

// interval is the half-open span [start, end).
type interval struct {
	start, end int64
}

// Set is a set of int64 values. It is safe for concurrent use.
type Set struct {
	mu        sync.Mutex
	name      string
	intervals []interval
	logger    *slog.Logger
}

// New creates an empty set.
func New(name string, logger *slog.Logger) *Set {
	return &Set{
		name:   name,
		logger: logger.With("module", "rangeset", "name", name),
	}
}

// index returns the position of the first interval ending after v.
func (s *Set) index(v int64) int {
	return sort.Search(len(s.intervals), func(i int) bool { return s.intervals[i].end > v })
}

// Put adds [start, start+count) to the set, merging with neighbours.
func (s *Set) Put(start, count int64) error {
	if count < 1 {
		return ErrInvalidCount
	}

	end := start + count

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(start)
	if i < len(s.intervals) && s.intervals[i].start < end {
		return fmt.Errorf("%s: put [%d, %d): %w", s.name, start, end, ErrOverlap)
	}

	mergePrev := i > 0 && s.intervals[i-1].end == start
	mergeNext := i < len(s.intervals) && s.intervals[i].start == end

	switch {
	case mergePrev && mergeNext:
		s.intervals[i-1].end = s.intervals[i].end
		s.intervals = append(s.intervals[:i], s.intervals[i+1:]...)
	case mergePrev:
		s.intervals[i-1].end = end
	case mergeNext:
		s.intervals[i].start = start
	default:
		s.intervals = append(s.intervals, interval{})
		copy(s.intervals[i+1:], s.intervals[i:])
		s.intervals[i] = interval{start: start, end: end}
	}

	util.TraceLog(s.logger, "put", "start", start, "count", count)

	return nil
}

// Pop removes count consecutive values from the lowest interval that can hold them and returns the first.
func (s *Set) Pop(count int64) (int64, error) {
	if count < 1 {
		return 0, ErrInvalidCount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.intervals {
		iv := &s.intervals[i]
		if iv.end-iv.start < count {
			continue
		}

		start := iv.start
		iv.start += count

		if iv.start == iv.end {
			s.intervals = append(s.intervals[:i], s.intervals[i+1:]...)
		}

		util.TraceLog(s.logger, "pop", "start", start, "count", count)

		return start, nil
	}

	return 0, ErrExhausted
}

// Get removes exactly [start, start+count), which must be fully present.
func (s *Set) Get(start, count int64) error {
	if count < 1 {
		return ErrInvalidCount
	}

	end := start + count

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(start)
	if i == len(s.intervals) || s.intervals[i].start > start || s.intervals[i].end < end {
		return fmt.Errorf("%s: get [%d, %d): %w", s.name, start, end, ErrNotPresent)
	}

	iv := s.intervals[i]

	switch {
	case iv.start == start && iv.end == end:
		s.intervals = append(s.intervals[:i], s.intervals[i+1:]...)
	case iv.start == start:
		s.intervals[i].start = end
	case iv.end == end:
		s.intervals[i].end = start
	default:
		s.intervals = append(s.intervals, interval{})
		copy(s.intervals[i+1:], s.intervals[i:])
		s.intervals[i] = interval{start: iv.start, end: start}
		s.intervals[i+1] = interval{start: end, end: iv.end}
	}

	util.TraceLog(s.logger, "get", "start", start, "count", count)

	return nil
}

// Len returns the number of values in the set.
func (s *Set) Len() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64

	for _, iv := range s.intervals {
		n += iv.end - iv.start
	}

	return n
}

// IsEmpty reports whether the set holds no values.
func (s *Set) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.intervals) == 0
}
