// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

// Package cache implements an object pool with constructor and destructor hooks.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/siderolabs/talos-xentoolsd/internal/util"
)

var (
	// ErrCapReached is returned by Get when the cache may not construct more objects.
	ErrCapReached = errors.New("cache object cap reached")

	// ErrOutstanding is returned by Destroy while objects are still handed out.
	ErrOutstanding = errors.New("cache objects outstanding")

	// ErrDestroyed is returned when using a destroyed cache.
	ErrDestroyed = errors.New("cache destroyed")
)

// Ctor constructs a new object.
type Ctor[T any] func() (T, error)

// Dtor destroys an object constructed by the matching Ctor.
type Dtor[T any] func(T)

// Cache keeps constructed objects on a free list so they can be handed out again.
type Cache[T any] struct {
	mu          sync.Mutex
	name        string
	free        []T
	total       int
	reservation int
	limit       int
	destroyed   bool

	ctor   Ctor[T]
	dtor   Dtor[T]
	logger *slog.Logger
}

// New creates a cache and pre-fills it with reservation objects.
// A limit of 0 means the number of live objects is unbounded.
func New[T any](name string, reservation, limit int, ctor Ctor[T], dtor Dtor[T], logger *slog.Logger) (*Cache[T], error) {
	if limit != 0 && reservation > limit {
		return nil, fmt.Errorf("cache %s: reservation %d exceeds cap %d", name, reservation, limit)
	}

	c := &Cache[T]{
		name:        name,
		reservation: reservation,
		limit:       limit,
		ctor:        ctor,
		dtor:        dtor,
		logger:      logger.With("module", "cache", "name", name),
	}

	if err := c.fill(reservation); err != nil {
		c.spill(len(c.free))

		return nil, fmt.Errorf("cache %s: %w", name, err)
	}

	c.logger.Debug("created", "reservation", reservation, "cap", limit)

	return c, nil
}

// Name returns the name given at creation.
func (c *Cache[T]) Name() string {
	return c.name
}

// construct reserves a slot against the cap and runs the ctor outside the lock.
func (c *Cache[T]) construct() (T, error) {
	var zero T

	c.mu.Lock()

	if c.destroyed {
		c.mu.Unlock()

		return zero, ErrDestroyed
	}

	if c.limit != 0 && c.total >= c.limit {
		c.mu.Unlock()

		return zero, ErrCapReached
	}

	c.total++
	c.mu.Unlock()

	obj, err := c.ctor()
	if err != nil {
		c.mu.Lock()
		c.total--
		c.mu.Unlock()

		return zero, err
	}

	return obj, nil
}

func (c *Cache[T]) fill(n int) error {
	for range n {
		obj, err := c.construct()
		if err != nil {
			return err
		}

		c.mu.Lock()
		c.free = append(c.free, obj)
		c.mu.Unlock()
	}

	return nil
}

func (c *Cache[T]) spill(n int) {
	for range n {
		c.mu.Lock()

		if len(c.free) == 0 {
			c.mu.Unlock()

			return
		}

		obj := c.free[len(c.free)-1]
		c.free = c.free[:len(c.free)-1]
		c.total--
		c.mu.Unlock()

		c.dtor(obj)
	}
}

// Get hands out a free object, constructing one if the free list is empty.
func (c *Cache[T]) Get() (T, error) {
	c.mu.Lock()

	if n := len(c.free); n != 0 && !c.destroyed {
		obj := c.free[n-1]
		c.free = c.free[:n-1]
		c.mu.Unlock()

		return obj, nil
	}

	c.mu.Unlock()

	return c.construct()
}

// Put returns an object obtained from Get.
func (c *Cache[T]) Put(obj T) {
	c.mu.Lock()
	c.free = append(c.free, obj)
	c.mu.Unlock()
}

// Count returns the number of objects on the free list.
func (c *Cache[T]) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.free)
}

// Outstanding returns the number of objects handed out and not yet returned.
func (c *Cache[T]) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.total - len(c.free)
}

// Reservation returns the number of objects the cache tries to keep free.
func (c *Cache[T]) Reservation() int {
	return c.reservation
}

// Cap returns the maximum number of live objects, 0 if unbounded.
func (c *Cache[T]) Cap() int {
	return c.limit
}

// Balance moves the free list towards the reservation: it fills up a shortfall and
// gives back half of any excess.
func (c *Cache[T]) Balance() {
	count := c.Count()

	switch {
	case count < c.reservation:
		if err := c.fill(c.reservation - count); err != nil {
			c.logger.Warn("fill failed", "error", err)
		}
	case count > c.reservation:
		c.spill((count - c.reservation + 1) / 2)
	}

	util.TraceLog(c.logger, "balanced", "before", count, "after", c.Count())
}

// Monitor balances the cache every period until ctx is done.
func (c *Cache[T]) Monitor(ctx context.Context, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Balance()
		}
	}
}

// Destroy runs the dtor on every free object. It fails if objects are still handed out.
func (c *Cache[T]) Destroy() error {
	c.mu.Lock()

	if out := c.total - len(c.free); out != 0 {
		c.mu.Unlock()

		c.logger.Error("destroy with outstanding objects", "outstanding", out)

		return fmt.Errorf("cache %s: %d: %w", c.name, out, ErrOutstanding)
	}

	c.destroyed = true
	c.mu.Unlock()

	c.spill(c.Count())

	c.logger.Debug("destroyed")

	return nil
}
