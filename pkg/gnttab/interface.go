// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package gnttab

import (
	"errors"
	"fmt"

	"github.com/siderolabs/talos-xentoolsd/pkg/hypercall"
)

// ErrVersionNotSupported is returned by GetInterface for an unknown version.
var ErrVersionNotSupported = errors.New("interface version not supported")

// Interface versions.
const (
	VersionMin = 1
	VersionMax = 4
)

// V1 is the first grant table interface. Its caches are not capped.
type V1 interface {
	Acquire() error
	Release() error
	CreateCache(name string, reservation int) (*Cache, error)
	PermitForeignAccess(c *Cache, domain hypercall.DomID, pfn hypercall.PFN, readOnly bool) (*Entry, error)
	RevokeForeignAccess(c *Cache, e *Entry) error
	GetReference(e *Entry) hypercall.GrantRef
	DestroyCache(c *Cache) error
}

// V2 adds mapping of foreign pages.
type V2 interface {
	V1
	MapForeignPages(domain hypercall.DomID, refs []hypercall.GrantRef, readOnly bool) (uint64, error)
	UnmapForeignPages(addr uint64) error
}

// V3 adds QueryReference.
type V3 interface {
	V2
	QueryReference(ref hypercall.GrantRef) (hypercall.PFN, bool, error)
}

// V4 adds caches with a cap on live references.
type V4 interface {
	V3
	CreateCacheCapped(name string, reservation, limit int) (*Cache, error)
}

type v1 struct {
	g *Gnttab
}

func (i v1) Acquire() error { return i.g.Acquire() }
func (i v1) Release() error { return i.g.Release() }

func (i v1) CreateCache(name string, reservation int) (*Cache, error) {
	return i.g.CreateCache(name, reservation, 0)
}

func (i v1) PermitForeignAccess(c *Cache, domain hypercall.DomID, pfn hypercall.PFN, readOnly bool) (*Entry, error) {
	return i.g.PermitForeignAccess(c, domain, pfn, readOnly)
}

func (i v1) RevokeForeignAccess(c *Cache, e *Entry) error { return i.g.RevokeForeignAccess(c, e) }
func (i v1) GetReference(e *Entry) hypercall.GrantRef { return i.g.GetReference(e) }
func (i v1) DestroyCache(c *Cache) error { return i.g.DestroyCache(c) }

type v2 struct {
	v1
}

func (i v2) MapForeignPages(domain hypercall.DomID, refs []hypercall.GrantRef, readOnly bool) (uint64, error) {
	return i.g.MapForeignPages(domain, refs, readOnly)
}

func (i v2) UnmapForeignPages(addr uint64) error { return i.g.UnmapForeignPages(addr) }

type v3 struct {
	v2
}

func (i v3) QueryReference(ref hypercall.GrantRef) (hypercall.PFN, bool, error) {
	return i.g.QueryReference(ref)
}

type v4 struct {
	v3
}

func (i v4) CreateCacheCapped(name string, reservation, limit int) (*Cache, error) {
	return i.g.CreateCache(name, reservation, limit)
}

// GetInterface returns the interface of the given version. The result can be type
// asserted to V1 through the requested version.
func (g *Gnttab) GetInterface(version int) (any, error) {
	base := v1{g: g}

	switch version {
	case 1:
		return base, nil
	case 2:
		return v2{base}, nil
	case 3:
		return v3{v2{base}}, nil
	case 4:
		return v4{v3{v2{base}}}, nil
	default:
		return nil, fmt.Errorf("gnttab version %d: %w", version, ErrVersionNotSupported)
	}
}
