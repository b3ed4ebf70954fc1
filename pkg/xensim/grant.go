// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package xensim

import (
	"fmt"

	"github.com/siderolabs/talos-xentoolsd/pkg/hypercall"
	"github.com/siderolabs/talos-xentoolsd/pkg/xenpage"
)

type foreignKey struct {
	dom hypercall.DomID
	ref hypercall.GrantRef
}

type foreignGrant struct {
	data     []byte
	readOnly bool
}

type mapping struct {
	key      foreignKey
	pfn      hypercall.PFN
	readOnly bool
}

// GrantTableOp implements hypercall.Hypervisor.
func (s *Sim) GrantTableOp(cmd hypercall.GrantTableCmd, arg hypercall.Arg) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter("grant_table_op", cmd); err != nil {
		return err
	}

	switch a := arg.(type) {
	case *hypercall.GnttabQuerySize:
		if a.Dom != hypercall.DomIDSelf {
			a.Status = hypercall.GntStBadDomain

			return nil
		}

		var nr uint32

		for idx := range s.grantFrames {
			nr = max(nr, uint32(idx)+1)
		}

		a.NrFrames = nr
		a.MaxNrFrames = s.cfg.MaxGrantFrames
		a.Status = hypercall.GntStOkay

		return nil
	case *hypercall.GnttabSetVersion:
		if a.Version != 1 && a.Version != 2 {
			return hypercall.EINVAL
		}

		s.grantVersion = a.Version

		return nil
	case *hypercall.GnttabGetVersion:
		if a.Dom != hypercall.DomIDSelf {
			return hypercall.ESRCH
		}

		a.Version = s.grantVersion

		return nil
	case *hypercall.GnttabMapGrantRef:
		s.mapGrantRef(a)

		return nil
	case *hypercall.GnttabUnmapGrantRef:
		s.unmapGrantRef(a)

		return nil
	case *hypercall.GnttabCopy:
		s.copy(a)

		return nil
	}

	return hypercall.ENOSYS
}

func (s *Sim) mapGrantRef(a *hypercall.GnttabMapGrantRef) {
	key := foreignKey{dom: a.Dom, ref: a.Ref}

	g, ok := s.foreign[key]
	if !ok {
		a.Status = hypercall.GntStBadGntref

		return
	}

	readOnly := a.Flags&hypercall.GntMapReadonly != 0
	if g.readOnly && !readOnly {
		a.Status = hypercall.GntStPermissionDenied

		return
	}

	pfn := hypercall.PFN(a.HostAddr >> xenpage.Shift)

	page, ok := s.pages[pfn]
	if !ok || a.HostAddr&(xenpage.Size-1) != 0 {
		a.Status = hypercall.GntStBadVirtAddr

		return
	}

	copy(page, g.data)

	h := s.nextHandle
	s.nextHandle++
	s.mappings[h] = &mapping{key: key, pfn: pfn, readOnly: readOnly}

	a.Handle = h
	a.Status = hypercall.GntStOkay
}

func (s *Sim) unmapGrantRef(a *hypercall.GnttabUnmapGrantRef) {
	m, ok := s.mappings[a.Handle]
	if !ok || uint64(m.pfn)<<xenpage.Shift != a.HostAddr {
		a.Status = hypercall.GntStBadHandle

		return
	}

	// writes through a writable mapping land in the granting domain's page
	if g, ok := s.foreign[m.key]; ok && !m.readOnly {
		copy(g.data, s.pages[m.pfn])
	}

	delete(s.mappings, a.Handle)
	a.Status = hypercall.GntStOkay
}

func (s *Sim) copyPtr(p *hypercall.GnttabCopyPtr, gref, write bool) ([]byte, int16) {
	if gref {
		g, ok := s.foreign[foreignKey{dom: p.Dom, ref: hypercall.GrantRef(p.RefOrFrame)}]
		if !ok {
			return nil, hypercall.GntStBadGntref
		}

		if write && g.readOnly {
			return nil, hypercall.GntStPermissionDenied
		}

		return g.data, hypercall.GntStOkay
	}

	if p.Dom != hypercall.DomIDSelf {
		return nil, hypercall.GntStPermissionDenied
	}

	page, ok := s.pages[hypercall.PFN(p.RefOrFrame)]
	if !ok {
		return nil, hypercall.GntStBadPage
	}

	return page, hypercall.GntStOkay
}

func (s *Sim) copy(a *hypercall.GnttabCopy) {
	src, st := s.copyPtr(&a.Source, a.Flags&hypercall.GntCopySourceGref != 0, false)
	if st != hypercall.GntStOkay {
		a.Status = st

		return
	}

	dst, st := s.copyPtr(&a.Dest, a.Flags&hypercall.GntCopyDestGref != 0, true)
	if st != hypercall.GntStOkay {
		a.Status = st

		return
	}

	if int(a.Source.Offset)+int(a.Len) > xenpage.Size || int(a.Dest.Offset)+int(a.Len) > xenpage.Size {
		a.Status = hypercall.GntStBadCopyArg

		return
	}

	copy(dst[a.Dest.Offset:int(a.Dest.Offset)+int(a.Len)], src[a.Source.Offset:int(a.Source.Offset)+int(a.Len)])
	a.Status = hypercall.GntStOkay
}

// OfferForeign makes dom grant a page holding data to this domain under ref.
func (s *Sim) OfferForeign(dom hypercall.DomID, ref hypercall.GrantRef, data []byte, readOnly bool) {
	page := make([]byte, xenpage.Size)
	copy(page, data)

	s.mu.Lock()
	s.foreign[foreignKey{dom: dom, ref: ref}] = &foreignGrant{data: page, readOnly: readOnly}
	s.mu.Unlock()
}

// ForeignPage returns a copy of the page dom granted under ref.
func (s *Sim) ForeignPage(dom hypercall.DomID, ref hypercall.GrantRef) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.foreign[foreignKey{dom: dom, ref: ref}]
	if !ok {
		return nil
	}

	return append([]byte(nil), g.data...)
}

// ForeignMappings returns the number of live grant mappings.
func (s *Sim) ForeignMappings() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.mappings)
}

// GrantEntry is a grant_entry_v1 as read from the guest's grant table.
type GrantEntry struct {
	Flags uint16
	DomID hypercall.DomID
	Frame uint32
}

// entry returns the grant frame holding ref and the offset of its entry. s.mu must be held.
func (s *Sim) entry(ref hypercall.GrantRef) ([]byte, int, error) {
	pfn, ok := s.grantFrames[uint64(ref)/hypercall.GrantEntriesPage]
	if !ok {
		return nil, 0, fmt.Errorf("grant frame of ref %d not mapped: %w", ref, hypercall.ErrNoEntry)
	}

	return s.pages[pfn], int(ref%hypercall.GrantEntriesPage) * hypercall.GrantEntrySize, nil
}

// ReadGrant returns the entry for ref as the hypervisor sees it.
func (s *Sim) ReadGrant(ref hypercall.GrantRef) (GrantEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	frame, off, err := s.entry(ref)
	if err != nil {
		return GrantEntry{}, err
	}

	return GrantEntry{
		Flags: xenpage.LoadHalf(frame, off+hypercall.GrantEntryFlags),
		DomID: hypercall.DomID(xenpage.LoadHalf(frame, off+hypercall.GrantEntryDomID)),
		Frame: xenpage.Load32(frame, off+hypercall.GrantEntryFrame),
	}, nil
}

// RemoteAccess simulates the granted domain using ref: it sets GTF_reading or
// GTF_writing in the entry until the returned release function is called.
func (s *Sim) RemoteAccess(ref hypercall.GrantRef, write bool) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	frame, off, err := s.entry(ref)
	if err != nil {
		return nil, err
	}

	bit := uint16(hypercall.GTFReading)
	if write {
		bit = hypercall.GTFWriting
	}

	flagsOff := off + hypercall.GrantEntryFlags

	for {
		flags := xenpage.LoadHalf(frame, flagsOff)

		if flags&hypercall.GTFPermitAccess == 0 {
			return nil, fmt.Errorf("ref %d: %w", ref, hypercall.ErrPermission)
		}

		if write && flags&hypercall.GTFReadonly != 0 {
			return nil, fmt.Errorf("ref %d is read-only: %w", ref, hypercall.ErrPermission)
		}

		if xenpage.CompareAndSwapHalf(frame, flagsOff, flags, flags|bit) {
			break
		}
	}

	return func() {
		for {
			flags := xenpage.LoadHalf(frame, flagsOff)
			if xenpage.CompareAndSwapHalf(frame, flagsOff, flags, flags&^bit) {
				return
			}
		}
	}, nil
}
