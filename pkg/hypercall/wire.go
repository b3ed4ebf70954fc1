// SPDX-FileCopyrightText: Copyright (c) 2020 Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package hypercall

// this file contains the bit-exact argument structures of the hypercalls we issue

import (
	"github.com/josharian/native"
)

var ne = native.Endian

// EvtchnAllocUnbound is struct evtchn_alloc_unbound.
type EvtchnAllocUnbound struct {
	Dom       DomID
	RemoteDom DomID
	Port      Port // OUT
}

// Size implements Arg.
func (*EvtchnAllocUnbound) Size() int { return 8 }

// Encode implements Arg.
func (a *EvtchnAllocUnbound) Encode(b []byte) {
	ne.PutUint16(b[0:], uint16(a.Dom))
	ne.PutUint16(b[2:], uint16(a.RemoteDom))
	ne.PutUint32(b[4:], uint32(a.Port))
}

// Decode implements Arg.
func (a *EvtchnAllocUnbound) Decode(b []byte) {
	a.Dom = DomID(ne.Uint16(b[0:]))
	a.RemoteDom = DomID(ne.Uint16(b[2:]))
	a.Port = Port(ne.Uint32(b[4:]))
}

// EvtchnBindInterdomain is struct evtchn_bind_interdomain.
type EvtchnBindInterdomain struct {
	RemoteDom  DomID
	RemotePort Port
	LocalPort  Port // OUT
}

// Size implements Arg.
func (*EvtchnBindInterdomain) Size() int { return 12 }

// Encode implements Arg.
func (a *EvtchnBindInterdomain) Encode(b []byte) {
	ne.PutUint16(b[0:], uint16(a.RemoteDom))
	ne.PutUint32(b[4:], uint32(a.RemotePort))
	ne.PutUint32(b[8:], uint32(a.LocalPort))
}

// Decode implements Arg.
func (a *EvtchnBindInterdomain) Decode(b []byte) {
	a.RemoteDom = DomID(ne.Uint16(b[0:]))
	a.RemotePort = Port(ne.Uint32(b[4:]))
	a.LocalPort = Port(ne.Uint32(b[8:]))
}

// EvtchnBindVirq is struct evtchn_bind_virq.
type EvtchnBindVirq struct {
	Virq Virq
	VCPU uint32
	Port Port // OUT
}

// Size implements Arg.
func (*EvtchnBindVirq) Size() int { return 12 }

// Encode implements Arg.
func (a *EvtchnBindVirq) Encode(b []byte) {
	ne.PutUint32(b[0:], uint32(a.Virq))
	ne.PutUint32(b[4:], a.VCPU)
	ne.PutUint32(b[8:], uint32(a.Port))
}

// Decode implements Arg.
func (a *EvtchnBindVirq) Decode(b []byte) {
	a.Virq = Virq(ne.Uint32(b[0:]))
	a.VCPU = ne.Uint32(b[4:])
	a.Port = Port(ne.Uint32(b[8:]))
}

// EvtchnPort is the single-port argument of close, send and unmask.
type EvtchnPort struct {
	Port Port
}

// Size implements Arg.
func (*EvtchnPort) Size() int { return 4 }

// Encode implements Arg.
func (a *EvtchnPort) Encode(b []byte) { ne.PutUint32(b, uint32(a.Port)) }

// Decode implements Arg.
func (a *EvtchnPort) Decode(b []byte) { a.Port = Port(ne.Uint32(b)) }

// Event channel states reported by EVTCHNOP_status.
const (
	EvtchnStatClosed      = 0
	EvtchnStatUnbound     = 1
	EvtchnStatInterdomain = 2
	EvtchnStatPirq        = 3
	EvtchnStatVirq        = 4
	EvtchnStatIPI         = 5
)

// EvtchnStatus is struct evtchn_status.
type EvtchnStatus struct {
	Dom    DomID
	Port   Port
	Status uint32 // OUT
	VCPU   uint32 // OUT
	// union u, interdomain view
	RemoteDom  DomID // OUT
	RemotePort Port  // OUT
}

// Size implements Arg.
func (*EvtchnStatus) Size() int { return 24 }

// Encode implements Arg.
func (a *EvtchnStatus) Encode(b []byte) {
	ne.PutUint16(b[0:], uint16(a.Dom))
	ne.PutUint32(b[4:], uint32(a.Port))
	ne.PutUint32(b[8:], a.Status)
	ne.PutUint32(b[12:], a.VCPU)
	ne.PutUint16(b[16:], uint16(a.RemoteDom))
	ne.PutUint32(b[20:], uint32(a.RemotePort))
}

// Decode implements Arg.
func (a *EvtchnStatus) Decode(b []byte) {
	a.Dom = DomID(ne.Uint16(b[0:]))
	a.Port = Port(ne.Uint32(b[4:]))
	a.Status = ne.Uint32(b[8:])
	a.VCPU = ne.Uint32(b[12:])
	a.RemoteDom = DomID(ne.Uint16(b[16:]))
	a.RemotePort = Port(ne.Uint32(b[20:]))
}

// EvtchnBindVCPU is struct evtchn_bind_vcpu.
type EvtchnBindVCPU struct {
	Port Port
	VCPU uint32
}

// Size implements Arg.
func (*EvtchnBindVCPU) Size() int { return 8 }

// Encode implements Arg.
func (a *EvtchnBindVCPU) Encode(b []byte) {
	ne.PutUint32(b[0:], uint32(a.Port))
	ne.PutUint32(b[4:], a.VCPU)
}

// Decode implements Arg.
func (a *EvtchnBindVCPU) Decode(b []byte) {
	a.Port = Port(ne.Uint32(b[0:]))
	a.VCPU = ne.Uint32(b[4:])
}

// EvtchnReset is struct evtchn_reset.
type EvtchnReset struct {
	Dom DomID
}

// Size implements Arg.
func (*EvtchnReset) Size() int { return 2 }

// Encode implements Arg.
func (a *EvtchnReset) Encode(b []byte) { ne.PutUint16(b, uint16(a.Dom)) }

// Decode implements Arg.
func (a *EvtchnReset) Decode(b []byte) { a.Dom = DomID(ne.Uint16(b)) }

// EvtchnInitControl is struct evtchn_init_control.
type EvtchnInitControl struct {
	ControlGFN PFN
	Offset     uint32
	VCPU       uint32
	LinkBits   uint8 // OUT
}

// Size implements Arg.
func (*EvtchnInitControl) Size() int { return 24 }

// Encode implements Arg.
func (a *EvtchnInitControl) Encode(b []byte) {
	ne.PutUint64(b[0:], uint64(a.ControlGFN))
	ne.PutUint32(b[8:], a.Offset)
	ne.PutUint32(b[12:], a.VCPU)
	b[16] = a.LinkBits
}

// Decode implements Arg.
func (a *EvtchnInitControl) Decode(b []byte) {
	a.ControlGFN = PFN(ne.Uint64(b[0:]))
	a.Offset = ne.Uint32(b[8:])
	a.VCPU = ne.Uint32(b[12:])
	a.LinkBits = b[16]
}

// EvtchnExpandArray is struct evtchn_expand_array.
type EvtchnExpandArray struct {
	ArrayGFN PFN
}

// Size implements Arg.
func (*EvtchnExpandArray) Size() int { return 8 }

// Encode implements Arg.
func (a *EvtchnExpandArray) Encode(b []byte) { ne.PutUint64(b, uint64(a.ArrayGFN)) }

// Decode implements Arg.
func (a *EvtchnExpandArray) Decode(b []byte) { a.ArrayGFN = PFN(ne.Uint64(b)) }

// MemoryAddToPhysmap is struct xen_add_to_physmap.
type MemoryAddToPhysmap struct {
	Dom   DomID
	Count uint16 // only for XENMAPSPACE_gmfn_range
	Space uint32
	Index uint64
	GPFN  PFN
}

// Size implements Arg.
func (*MemoryAddToPhysmap) Size() int { return 24 }

// Encode implements Arg.
func (a *MemoryAddToPhysmap) Encode(b []byte) {
	ne.PutUint16(b[0:], uint16(a.Dom))
	ne.PutUint16(b[2:], a.Count)
	ne.PutUint32(b[4:], a.Space)
	ne.PutUint64(b[8:], a.Index)
	ne.PutUint64(b[16:], uint64(a.GPFN))
}

// Decode implements Arg.
func (a *MemoryAddToPhysmap) Decode(b []byte) {
	a.Dom = DomID(ne.Uint16(b[0:]))
	a.Count = ne.Uint16(b[2:])
	a.Space = ne.Uint32(b[4:])
	a.Index = ne.Uint64(b[8:])
	a.GPFN = PFN(ne.Uint64(b[16:]))
}

// MemoryRemoveFromPhysmap is struct xen_remove_from_physmap.
type MemoryRemoveFromPhysmap struct {
	Dom  DomID
	GPFN PFN
}

// Size implements Arg.
func (*MemoryRemoveFromPhysmap) Size() int { return 16 }

// Encode implements Arg.
func (a *MemoryRemoveFromPhysmap) Encode(b []byte) {
	ne.PutUint16(b[0:], uint16(a.Dom))
	ne.PutUint64(b[8:], uint64(a.GPFN))
}

// Decode implements Arg.
func (a *MemoryRemoveFromPhysmap) Decode(b []byte) {
	a.Dom = DomID(ne.Uint16(b[0:]))
	a.GPFN = PFN(ne.Uint64(b[8:]))
}

// Grant mapping flags.
const (
	GntMapDeviceMap = 1 << 0
	GntMapHostMap   = 1 << 1
	GntMapReadonly  = 1 << 2
)

// Grant table per-operation status codes (GNTST_*).
const (
	GntStOkay             = 0
	GntStGeneralError     = -1
	GntStBadDomain        = -2
	GntStBadGntref        = -3
	GntStBadHandle        = -4
	GntStBadVirtAddr      = -5
	GntStBadDevAddr       = -6
	GntStNoDeviceSpace    = -7
	GntStPermissionDenied = -8
	GntStBadPage          = -9
	GntStBadCopyArg       = -10
	GntStAddressTooBig    = -11
	GntStEagain           = -12
)

// GnttabMapGrantRef is struct gnttab_map_grant_ref.
type GnttabMapGrantRef struct {
	HostAddr   uint64
	Flags      uint32
	Ref        GrantRef
	Dom        DomID
	Status     int16       // OUT
	Handle     GrantHandle // OUT
	DevBusAddr uint64      // OUT
}

// Size implements Arg.
func (*GnttabMapGrantRef) Size() int { return 32 }

// Encode implements Arg.
func (a *GnttabMapGrantRef) Encode(b []byte) {
	ne.PutUint64(b[0:], a.HostAddr)
	ne.PutUint32(b[8:], a.Flags)
	ne.PutUint32(b[12:], uint32(a.Ref))
	ne.PutUint16(b[16:], uint16(a.Dom))
	ne.PutUint16(b[18:], uint16(a.Status))
	ne.PutUint32(b[20:], uint32(a.Handle))
	ne.PutUint64(b[24:], a.DevBusAddr)
}

// Decode implements Arg.
func (a *GnttabMapGrantRef) Decode(b []byte) {
	a.HostAddr = ne.Uint64(b[0:])
	a.Flags = ne.Uint32(b[8:])
	a.Ref = GrantRef(ne.Uint32(b[12:]))
	a.Dom = DomID(ne.Uint16(b[16:]))
	a.Status = int16(ne.Uint16(b[18:]))
	a.Handle = GrantHandle(ne.Uint32(b[20:]))
	a.DevBusAddr = ne.Uint64(b[24:])
}

// GnttabUnmapGrantRef is struct gnttab_unmap_grant_ref.
type GnttabUnmapGrantRef struct {
	HostAddr   uint64
	DevBusAddr uint64
	Handle     GrantHandle
	Status     int16 // OUT
}

// Size implements Arg.
func (*GnttabUnmapGrantRef) Size() int { return 24 }

// Encode implements Arg.
func (a *GnttabUnmapGrantRef) Encode(b []byte) {
	ne.PutUint64(b[0:], a.HostAddr)
	ne.PutUint64(b[8:], a.DevBusAddr)
	ne.PutUint32(b[16:], uint32(a.Handle))
	ne.PutUint16(b[20:], uint16(a.Status))
}

// Decode implements Arg.
func (a *GnttabUnmapGrantRef) Decode(b []byte) {
	a.HostAddr = ne.Uint64(b[0:])
	a.DevBusAddr = ne.Uint64(b[8:])
	a.Handle = GrantHandle(ne.Uint32(b[16:]))
	a.Status = int16(ne.Uint16(b[20:]))
}

// GnttabQuerySize is struct gnttab_query_size.
type GnttabQuerySize struct {
	Dom         DomID
	NrFrames    uint32 // OUT
	MaxNrFrames uint32 // OUT
	Status      int16  // OUT
}

// Size implements Arg.
func (*GnttabQuerySize) Size() int { return 16 }

// Encode implements Arg.
func (a *GnttabQuerySize) Encode(b []byte) {
	ne.PutUint16(b[0:], uint16(a.Dom))
	ne.PutUint32(b[4:], a.NrFrames)
	ne.PutUint32(b[8:], a.MaxNrFrames)
	ne.PutUint16(b[12:], uint16(a.Status))
}

// Decode implements Arg.
func (a *GnttabQuerySize) Decode(b []byte) {
	a.Dom = DomID(ne.Uint16(b[0:]))
	a.NrFrames = ne.Uint32(b[4:])
	a.MaxNrFrames = ne.Uint32(b[8:])
	a.Status = int16(ne.Uint16(b[12:]))
}

// GnttabSetVersion is struct gnttab_set_version.
type GnttabSetVersion struct {
	Version uint32 // IN/OUT
}

// Size implements Arg.
func (*GnttabSetVersion) Size() int { return 4 }

// Encode implements Arg.
func (a *GnttabSetVersion) Encode(b []byte) { ne.PutUint32(b, a.Version) }

// Decode implements Arg.
func (a *GnttabSetVersion) Decode(b []byte) { a.Version = ne.Uint32(b) }

// GnttabGetVersion is struct gnttab_get_version.
type GnttabGetVersion struct {
	Dom     DomID
	Version uint32 // OUT
}

// Size implements Arg.
func (*GnttabGetVersion) Size() int { return 8 }

// Encode implements Arg.
func (a *GnttabGetVersion) Encode(b []byte) {
	ne.PutUint16(b[0:], uint16(a.Dom))
	ne.PutUint32(b[4:], a.Version)
}

// Decode implements Arg.
func (a *GnttabGetVersion) Decode(b []byte) {
	a.Dom = DomID(ne.Uint16(b[0:]))
	a.Version = ne.Uint32(b[4:])
}

// Grant copy flags.
const (
	GntCopySourceGref = 1 << 0
	GntCopyDestGref   = 1 << 1
)

// GnttabCopyPtr is struct gnttab_copy_ptr.
type GnttabCopyPtr struct {
	// Ref or GMFN, depending on the GNTCOPY_*_gref flag.
	RefOrFrame uint64
	Dom        DomID
	Offset     uint16
}

func (p *GnttabCopyPtr) encode(b []byte) {
	ne.PutUint64(b[0:], p.RefOrFrame)
	ne.PutUint16(b[8:], uint16(p.Dom))
	ne.PutUint16(b[10:], p.Offset)
}

func (p *GnttabCopyPtr) decode(b []byte) {
	p.RefOrFrame = ne.Uint64(b[0:])
	p.Dom = DomID(ne.Uint16(b[8:]))
	p.Offset = ne.Uint16(b[10:])
}

// GnttabCopy is struct gnttab_copy.
type GnttabCopy struct {
	Source GnttabCopyPtr
	Dest   GnttabCopyPtr
	Len    uint16
	Flags  uint16
	Status int16 // OUT
}

// Size implements Arg.
func (*GnttabCopy) Size() int { return 40 }

// Encode implements Arg.
func (a *GnttabCopy) Encode(b []byte) {
	a.Source.encode(b[0:])
	a.Dest.encode(b[16:])
	ne.PutUint16(b[32:], a.Len)
	ne.PutUint16(b[34:], a.Flags)
	ne.PutUint16(b[36:], uint16(a.Status))
}

// Decode implements Arg.
func (a *GnttabCopy) Decode(b []byte) {
	a.Source.decode(b[0:])
	a.Dest.decode(b[16:])
	a.Len = ne.Uint16(b[32:])
	a.Flags = ne.Uint16(b[34:])
	a.Status = int16(ne.Uint16(b[36:]))
}

// HVMParam is struct xen_hvm_param.
type HVMParam struct {
	Dom   DomID
	Index uint32
	Value uint64 // IN/OUT
}

// Size implements Arg.
func (*HVMParam) Size() int { return 16 }

// Encode implements Arg.
func (a *HVMParam) Encode(b []byte) {
	ne.PutUint16(b[0:], uint16(a.Dom))
	ne.PutUint32(b[4:], a.Index)
	ne.PutUint64(b[8:], a.Value)
}

// Decode implements Arg.
func (a *HVMParam) Decode(b []byte) {
	a.Dom = DomID(ne.Uint16(b[0:]))
	a.Index = ne.Uint32(b[4:])
	a.Value = ne.Uint64(b[8:])
}

// HVMEvtchnUpcallVector is struct xen_hvm_evtchn_upcall_vector.
type HVMEvtchnUpcallVector struct {
	VCPU   uint32
	Vector uint8
}

// Size implements Arg.
func (*HVMEvtchnUpcallVector) Size() int { return 8 }

// Encode implements Arg.
func (a *HVMEvtchnUpcallVector) Encode(b []byte) {
	ne.PutUint32(b[0:], a.VCPU)
	b[4] = a.Vector
}

// Decode implements Arg.
func (a *HVMEvtchnUpcallVector) Decode(b []byte) {
	a.VCPU = ne.Uint32(b[0:])
	a.Vector = b[4]
}
