// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

// Package gnttab manages the domain's grant table: grant references handed out from
// per-client caches, and foreign pages mapped from other domains.
package gnttab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"

	"github.com/siderolabs/talos-xentoolsd/internal/util"
	"github.com/siderolabs/talos-xentoolsd/pkg/cache"
	"github.com/siderolabs/talos-xentoolsd/pkg/debug"
	"github.com/siderolabs/talos-xentoolsd/pkg/hashtable"
	"github.com/siderolabs/talos-xentoolsd/pkg/hypercall"
	"github.com/siderolabs/talos-xentoolsd/pkg/rangeset"
	"github.com/siderolabs/talos-xentoolsd/pkg/suspend"
	"github.com/siderolabs/talos-xentoolsd/pkg/xenpage"
)

var (
	// ErrNotAcquired is returned when the grant table is used without a reference held.
	ErrNotAcquired = errors.New("grant table not acquired")

	// ErrOutstandingCaches is returned by Release while caches still exist.
	ErrOutstandingCaches = errors.New("grant caches still exist")

	// ErrOutstandingMappings is returned by Release while foreign pages are still mapped.
	ErrOutstandingMappings = errors.New("foreign pages still mapped")

	// ErrFrameLimit is returned when the grant table cannot grow any further.
	ErrFrameLimit = errors.New("grant table frame limit reached")

	// ErrBadReference is returned for a reference outside the issued range.
	ErrBadReference = errors.New("invalid grant reference")

	// ErrNotGranted is returned by QueryReference for an entry that permits no access.
	ErrNotGranted = errors.New("grant reference not in use")

	// ErrInUse is returned by RevokeForeignAccess while the remote domain keeps using the grant.
	ErrInUse = errors.New("grant still in use by remote domain")

	// ErrNotMapped is returned for an address not returned by MapForeignPages.
	ErrNotMapped = errors.New("address not mapped")

	// ErrUnknownCache is returned by DestroyCache for a cache not created here.
	ErrUnknownCache = errors.New("unknown grant cache")
)

const (
	// EntriesPerFrame is the number of grant_entry_v1 in a grant frame.
	EntriesPerFrame = hypercall.GrantEntriesPage

	// ReservedEntries are the references below which nothing is ever issued.
	// The toolstack uses the first ones for the store and console rings.
	ReservedEntries = 32

	revokeAttempts = 100
)

// Entry is a grant reference handed out by a Cache.
type Entry struct {
	ref hypercall.GrantRef
}

// Cache hands out grant references to one client.
type Cache struct {
	name    string
	objects *cache.Cache[*Entry]
}

// Name returns the name given at creation.
func (c *Cache) Name() string {
	return c.name
}

// Outstanding returns the number of references permitted and not yet revoked.
func (c *Cache) Outstanding() int {
	return c.objects.Outstanding()
}

type mapEntry struct {
	region  *hypercall.Region
	handles []hypercall.GrantHandle
}

// Gnttab is the grant table of a domain.
type Gnttab struct {
	hv     hypercall.Hypervisor
	alloc  hypercall.Allocator
	susp   *suspend.Registry
	dbg    *debug.Registry
	logger *slog.Logger

	mu        sync.Mutex
	refs      int
	maxFrames uint32
	frames    []*hypercall.Region
	caches    []*Cache

	// lock-free view of frames for entry access
	framePages atomic.Pointer[[][]byte]

	free *rangeset.Set
	maps *hashtable.Table[*mapEntry]

	suspendEarly *suspend.Callback
	debugCb      *debug.Callback
}

// New returns the grant table manager of a domain.
func New(hv hypercall.Hypervisor, alloc hypercall.Allocator, susp *suspend.Registry, dbg *debug.Registry, logger *slog.Logger) *Gnttab {
	logger = logger.With("module", "gnttab")

	return &Gnttab{
		hv:     hv,
		alloc:  alloc,
		susp:   susp,
		dbg:    dbg,
		logger: logger,
		free:   rangeset.New("gnttab", logger),
		maps:   hashtable.New[*mapEntry](),
	}
}

func (g *Gnttab) publish() {
	pages := make([][]byte, len(g.frames))

	for i, r := range g.frames {
		pages[i] = r.Page(0)
	}

	g.framePages.Store(&pages)
}

// Acquire takes a reference. The first one sets the grant table up with its first frame.
func (g *Gnttab) Acquire() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.refs++; g.refs > 1 {
		return nil
	}

	if err := g.acquire(); err != nil {
		g.refs--

		return err
	}

	return nil
}

// acquire runs the first Acquire, unwinding on failure. g.mu must be held.
func (g *Gnttab) acquire() error {
	version, err := hypercall.SetVersion(g.hv, 1)
	if err != nil {
		return fmt.Errorf("error selecting grant table version: %w", err)
	}

	if version != 1 {
		return fmt.Errorf("grant table version %d in effect: %w", version, hypercall.ErrNotSupported)
	}

	_, maxFrames, err := hypercall.QuerySize(g.hv)
	if err != nil {
		return fmt.Errorf("error querying grant table size: %w", err)
	}

	g.maxFrames = maxFrames

	g.logger.Info("grant table", "max_frames", maxFrames, "max_references", humanize.Comma(int64(maxFrames)*EntriesPerFrame))

	g.suspendEarly = g.susp.Register(suspend.Early, "gnttab", g.suspendCallbackEarly)
	g.debugCb = g.dbg.Register("XENBUS|GNTTAB", g.debugCallback)

	if err = g.expand(); err != nil {
		g.deregister()

		return fmt.Errorf("error adding first grant frame: %w", err)
	}

	return nil
}

func (g *Gnttab) deregister() {
	for _, err := range []error{
		g.dbg.Deregister(g.debugCb),
		g.susp.Deregister(g.suspendEarly),
	} {
		if err != nil {
			g.logger.Error("failed to deregister callback", "error", err)
		}
	}

	g.debugCb, g.suspendEarly = nil, nil
}

// Release drops a reference. The last one removes every frame and fails while caches
// or foreign mappings exist.
func (g *Gnttab) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.refs == 0 {
		return ErrNotAcquired
	}

	if g.refs == 1 {
		if len(g.caches) != 0 {
			g.logger.Error("release with caches", "count", len(g.caches))

			return fmt.Errorf("%d caches: %w", len(g.caches), ErrOutstandingCaches)
		}

		if n := g.maps.Len(); n != 0 {
			g.logger.Error("release with foreign mappings", "count", n)

			return fmt.Errorf("%d mappings: %w", n, ErrOutstandingMappings)
		}
	}

	if g.refs--; g.refs > 0 {
		return nil
	}

	g.deregister()

	return g.contract()
}

// contract removes every frame, last first. g.mu must be held.
func (g *Gnttab) contract() error {
	var errs error

	for idx := len(g.frames) - 1; idx >= 0; idx-- {
		start, count := frameRange(idx)

		if err := g.free.Get(start, count); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("frame %d: references still issued: %w", idx, err))
		}

		r := g.frames[idx]

		if err := hypercall.RemoveFromPhysmap(g.hv, r.Base()); err != nil {
			// the hypervisor may still write into the page, so it is leaked
			errs = multierr.Append(errs, fmt.Errorf("error unmapping frame %d: %w", idx, err))

			continue
		}

		if err := g.alloc.FreePages(r); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("error freeing frame %d: %w", idx, err))
		}

		g.logger.Info("grant frame removed", "index", idx)
	}

	g.frames = nil
	g.publish()

	return errs
}

// frameRange returns the references of frame idx that are handed out.
func frameRange(idx int) (int64, int64) {
	start := int64(idx) * EntriesPerFrame
	end := start + EntriesPerFrame

	start = max(start, ReservedEntries)

	return start, end - start
}

// expand adds one grant frame and makes its references available. g.mu must be held.
func (g *Gnttab) expand() error {
	idx := len(g.frames)
	if idx >= int(g.maxFrames) {
		return fmt.Errorf("%d frames: %w", idx, ErrFrameLimit)
	}

	r, err := g.alloc.AllocatePages(1)
	if err != nil {
		return fmt.Errorf("error allocating grant frame: %w", err)
	}

	if err = hypercall.AddToPhysmap(g.hv, hypercall.MapSpaceGrantTable, uint64(idx), r.Base()); err != nil {
		if freeErr := g.alloc.FreePages(r); freeErr != nil {
			g.logger.Error("failed to free grant frame", "error", freeErr)
		}

		return fmt.Errorf("error mapping grant frame %d: %w", idx, err)
	}

	g.frames = append(g.frames, r)
	g.publish()

	start, count := frameRange(idx)

	if err = g.free.Put(start, count); err != nil {
		return fmt.Errorf("error adding references of frame %d: %w", idx, err)
	}

	g.logger.Info("grant frame added", "index", idx, "gpfn", fmt.Sprintf("%#x", r.Base()), "references", fmt.Sprintf("%d-%d", start, start+count-1))

	return nil
}

// Frames returns the number of grant frames in use.
func (g *Gnttab) Frames() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.frames)
}

// MaxFrames returns the frame limit reported by the hypervisor.
func (g *Gnttab) MaxFrames() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.maxFrames
}

// popReference takes a free reference, growing the table when none is left.
func (g *Gnttab) popReference() (hypercall.GrantRef, error) {
	for {
		ref, err := g.free.Pop(1)
		if err == nil {
			return hypercall.GrantRef(ref), nil
		}

		if !errors.Is(err, rangeset.ErrExhausted) {
			return 0, err
		}

		if err = g.grow(); err != nil {
			return 0, err
		}
	}
}

func (g *Gnttab) grow() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.refs == 0 {
		return ErrNotAcquired
	}

	// someone else grew the table or returned references meanwhile
	if !g.free.IsEmpty() {
		return nil
	}

	return g.expand()
}

func (g *Gnttab) suspendCallbackEarly() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for idx, r := range g.frames {
		if err := hypercall.AddToPhysmap(g.hv, hypercall.MapSpaceGrantTable, uint64(idx), r.Base()); err != nil {
			g.logger.Error("failed to remap grant frame", "index", idx, "error", err)

			continue
		}

		util.TraceLog(g.logger, "grant frame remapped", "index", idx)
	}

	g.logger.Info("grant frames remapped", "count", len(g.frames))
}

// CreateCache creates a cache of grant references. reservation references are kept
// free for the cache, and at most limit are live at once, 0 meaning no limit.
func (g *Gnttab) CreateCache(name string, reservation, limit int) (*Cache, error) {
	g.mu.Lock()
	acquired := g.refs != 0
	g.mu.Unlock()

	if !acquired {
		return nil, ErrNotAcquired
	}

	c := &Cache{name: name}

	objects, err := cache.New(
		"gnttab_"+name,
		reservation,
		limit,
		func() (*Entry, error) {
			ref, err := g.popReference()
			if err != nil {
				return nil, err
			}

			return &Entry{ref: ref}, nil
		},
		func(e *Entry) {
			if err := g.free.Put(int64(e.ref), 1); err != nil {
				g.logger.Error("failed to return reference", "ref", e.ref, "error", err)
			}
		},
		g.logger,
	)
	if err != nil {
		return nil, fmt.Errorf("error creating cache %s: %w", name, err)
	}

	c.objects = objects

	g.mu.Lock()
	g.caches = append(g.caches, c)
	g.mu.Unlock()

	g.logger.Info("cache created", "name", name, "reservation", reservation, "cap", limit)

	return c, nil
}

// DestroyCache gives the free references of c back to the table. It fails while
// references of c are still permitted.
func (g *Gnttab) DestroyCache(c *Cache) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	i := slices.Index(g.caches, c)
	if i < 0 {
		return ErrUnknownCache
	}

	if err := c.objects.Destroy(); err != nil {
		return err
	}

	g.caches = slices.Delete(g.caches, i, i+1)

	g.logger.Info("cache destroyed", "name", c.name)

	return nil
}

// Caches returns the caches in creation order.
func (g *Gnttab) Caches() []*Cache {
	g.mu.Lock()
	defer g.mu.Unlock()

	return slices.Clone(g.caches)
}

// Monitor balances the free lists of all caches every period until ctx is done.
func (g *Gnttab) Monitor(ctx context.Context, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, c := range g.Caches() {
				c.objects.Balance()
			}
		}
	}
}

// entry returns the frame holding ref and the offset of its entry.
func (g *Gnttab) entry(ref hypercall.GrantRef) ([]byte, int, error) {
	pages := g.framePages.Load()

	if ref < ReservedEntries || pages == nil || int(ref/EntriesPerFrame) >= len(*pages) {
		return nil, 0, fmt.Errorf("ref %d: %w", ref, ErrBadReference)
	}

	return (*pages)[ref/EntriesPerFrame], int(ref%EntriesPerFrame) * hypercall.GrantEntrySize, nil
}

// PermitForeignAccess grants domain access to the page at pfn through a reference
// taken from c.
func (g *Gnttab) PermitForeignAccess(c *Cache, domain hypercall.DomID, pfn hypercall.PFN, readOnly bool) (*Entry, error) {
	e, err := c.objects.Get()
	if err != nil {
		return nil, fmt.Errorf("error getting reference from cache %s: %w", c.name, err)
	}

	frame, off, err := g.entry(e.ref)
	if err != nil {
		c.objects.Put(e)

		return nil, err
	}

	flags := uint16(hypercall.GTFPermitAccess)
	if readOnly {
		flags |= hypercall.GTFReadonly
	}

	xenpage.Store32(frame, off+hypercall.GrantEntryFrame, uint32(pfn))
	xenpage.StoreHalf(frame, off+hypercall.GrantEntryDomID, uint16(domain))

	// the entry is complete before the hypervisor may act on it
	xenpage.OrHalf(frame, off+hypercall.GrantEntryFlags, flags)

	util.TraceLog(g.logger, "permit", "cache", c.name, "ref", e.ref, "domain", domain, "pfn", pfn, "readonly", readOnly)

	return e, nil
}

// RevokeForeignAccess ends the grant behind e and gives its reference back to c. The
// remote domain may be using the page, so the revoke is retried with a yield in between
// a bounded number of times. On failure e is not given back: the hypervisor may still
// write through it.
func (g *Gnttab) RevokeForeignAccess(c *Cache, e *Entry) error {
	frame, off, err := g.entry(e.ref)
	if err != nil {
		return err
	}

	flagsOff := off + hypercall.GrantEntryFlags

	for attempt := range revokeAttempts {
		flags := xenpage.LoadHalf(frame, flagsOff)
		expected := flags &^ (hypercall.GTFReading | hypercall.GTFWriting)

		if xenpage.CompareAndSwapHalf(frame, flagsOff, expected, 0) {
			xenpage.Store32(frame, off, 0)
			xenpage.Store32(frame, off+hypercall.GrantEntryFrame, 0)

			c.objects.Put(e)

			util.TraceLog(g.logger, "revoke", "cache", c.name, "ref", e.ref, "attempts", attempt+1)

			return nil
		}

		if err = hypercall.Yield(g.hv); err != nil {
			g.logger.Warn("yield failed", "error", err)
		}
	}

	g.logger.Error("revoke failed, reference leaked", "cache", c.name, "ref", e.ref)

	return fmt.Errorf("ref %d after %d attempts: %w", e.ref, revokeAttempts, ErrInUse)
}

// GetReference returns the grant reference of e.
func (g *Gnttab) GetReference(e *Entry) hypercall.GrantRef {
	return e.ref
}

// QueryReference returns the page and access mode granted through ref.
func (g *Gnttab) QueryReference(ref hypercall.GrantRef) (hypercall.PFN, bool, error) {
	frame, off, err := g.entry(ref)
	if err != nil {
		return 0, false, err
	}

	flags := xenpage.LoadHalf(frame, off+hypercall.GrantEntryFlags)
	if flags&hypercall.GTFPermitAccess == 0 {
		return 0, false, fmt.Errorf("ref %d: %w", ref, ErrNotGranted)
	}

	pfn := hypercall.PFN(xenpage.Load32(frame, off+hypercall.GrantEntryFrame))

	return pfn, flags&hypercall.GTFReadonly != 0, nil
}

// MapForeignPages maps the pages granted by domain through refs at consecutive guest
// addresses and returns the first one. On failure nothing stays mapped.
func (g *Gnttab) MapForeignPages(domain hypercall.DomID, refs []hypercall.GrantRef, readOnly bool) (uint64, error) {
	if len(refs) == 0 {
		return 0, fmt.Errorf("no references: %w", hypercall.ErrInvalid)
	}

	r, err := g.alloc.AllocatePages(len(refs))
	if err != nil {
		return 0, fmt.Errorf("error allocating %d pages: %w", len(refs), err)
	}

	m := &mapEntry{region: r, handles: make([]hypercall.GrantHandle, 0, len(refs))}

	for i, ref := range refs {
		handle, err := hypercall.MapForeignPage(g.hv, domain, ref, pageAddress(r, i), readOnly)
		if err != nil {
			if unmapErr := g.unmap(m); unmapErr != nil {
				g.logger.Error("failed to roll back foreign mapping", "error", unmapErr)
			}

			return 0, fmt.Errorf("error mapping ref %d of domain %d: %w", ref, domain, err)
		}

		m.handles = append(m.handles, handle)
	}

	addr := pageAddress(r, 0)
	g.maps.Add(addr, m)

	g.logger.Debug("foreign pages mapped", "domain", domain, "count", len(refs), "address", fmt.Sprintf("%#x", addr))

	return addr, nil
}

func pageAddress(r *hypercall.Region, i int) uint64 {
	return uint64(r.Frames[i]) << xenpage.Shift
}

// unmap drops the handles of m, last first, and frees its pages.
func (g *Gnttab) unmap(m *mapEntry) error {
	var errs error

	for i := len(m.handles) - 1; i >= 0; i-- {
		if err := hypercall.UnmapForeignPage(g.hv, pageAddress(m.region, i), m.handles[i]); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if errs != nil {
		// still mapped at least partially: keep the pages away from the allocator
		return errs
	}

	return g.alloc.FreePages(m.region)
}

// UnmapForeignPages undoes MapForeignPages.
func (g *Gnttab) UnmapForeignPages(addr uint64) error {
	m, err := g.maps.Lookup(addr)
	if err != nil {
		return fmt.Errorf("%#x: %w", addr, ErrNotMapped)
	}

	if err = g.maps.Remove(addr); err != nil {
		return fmt.Errorf("%#x: %w", addr, ErrNotMapped)
	}

	g.logger.Debug("foreign pages unmapped", "count", len(m.handles), "address", fmt.Sprintf("%#x", addr))

	return g.unmap(m)
}

// Mapped returns the memory of the foreign pages mapped at addr.
func (g *Gnttab) Mapped(addr uint64) ([]byte, error) {
	m, err := g.maps.Lookup(addr)
	if err != nil {
		return nil, fmt.Errorf("%#x: %w", addr, ErrNotMapped)
	}

	return m.region.Mem, nil
}

func (g *Gnttab) debugCallback(p debug.Printer, _ bool) {
	g.mu.Lock()
	frames := len(g.frames)
	maxFrames := g.maxFrames
	caches := slices.Clone(g.caches)
	g.mu.Unlock()

	p.Printf("Frames = %d/%d (%s)", frames, maxFrames, humanize.IBytes(uint64(frames)*xenpage.Size))
	p.Printf("Free references = %s", humanize.Comma(g.free.Len()))
	p.Printf("Foreign mappings = %d", g.maps.Len())

	for _, c := range caches {
		p.Printf("- %s: Free = %d Outstanding = %d Reservation = %d", c.name, c.objects.Count(), c.objects.Outstanding(), c.objects.Reservation())
	}
}
