// SPDX-FileCopyrightText: Copyright (c) 2020 Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package hypercall

// Port is an event channel port number.
type Port uint32

// DomID is a Xen domain identifier.
type DomID uint16

// PFN is a guest page frame number.
type PFN uint64

// GrantRef is a grant table reference.
type GrantRef uint32

// GrantHandle identifies a mapping created by GNTTABOP_map_grant_ref.
type GrantHandle uint32

// Virq is a virtual interrupt number.
type Virq uint32

// DomIDSelf refers to the calling domain.
const DomIDSelf DomID = 0x7ff0

// Hypercall numbers (xen.h).
const (
	opMemory       = 12
	opGrantTable   = 20
	opSched        = 29
	opEventChannel = 32
	opHVM          = 34
)

// EventChannelCmd is an EVTCHNOP_* sub-command.
type EventChannelCmd uint32

// EVTCHNOP_* sub-commands.
const (
	EvtchnOpBindInterdomain EventChannelCmd = 0
	EvtchnOpBindVirq        EventChannelCmd = 1
	EvtchnOpClose           EventChannelCmd = 3
	EvtchnOpSend            EventChannelCmd = 4
	EvtchnOpStatus          EventChannelCmd = 5
	EvtchnOpAllocUnbound    EventChannelCmd = 6
	EvtchnOpBindVCPU        EventChannelCmd = 8
	EvtchnOpUnmask          EventChannelCmd = 9
	EvtchnOpReset           EventChannelCmd = 10
	EvtchnOpInitControl     EventChannelCmd = 11
	EvtchnOpExpandArray     EventChannelCmd = 12
)

var evtchnOpNames = map[EventChannelCmd]string{
	EvtchnOpBindInterdomain: "bind_interdomain",
	EvtchnOpBindVirq:        "bind_virq",
	EvtchnOpClose:           "close",
	EvtchnOpSend:            "send",
	EvtchnOpStatus:          "status",
	EvtchnOpAllocUnbound:    "alloc_unbound",
	EvtchnOpBindVCPU:        "bind_vcpu",
	EvtchnOpUnmask:          "unmask",
	EvtchnOpReset:           "reset",
	EvtchnOpInitControl:     "init_control",
	EvtchnOpExpandArray:     "expand_array",
}

// String returns the sub-command name.
func (c EventChannelCmd) String() string {
	if s, ok := evtchnOpNames[c]; ok {
		return s
	}

	return "UNKNOWN"
}

// MemoryCmd is a XENMEM_* sub-command.
type MemoryCmd uint32

// XENMEM_* sub-commands.
const (
	MemoryOpAddToPhysmap      MemoryCmd = 7
	MemoryOpRemoveFromPhysmap MemoryCmd = 15
)

// GrantTableCmd is a GNTTABOP_* sub-command.
type GrantTableCmd uint32

// GNTTABOP_* sub-commands.
const (
	GnttabOpMapGrantRef   GrantTableCmd = 0
	GnttabOpUnmapGrantRef GrantTableCmd = 1
	GnttabOpCopy          GrantTableCmd = 5
	GnttabOpQuerySize     GrantTableCmd = 6
	GnttabOpSetVersion    GrantTableCmd = 8
	GnttabOpGetVersion    GrantTableCmd = 10
)

// HVMCmd is a HVMOP_* sub-command.
type HVMCmd uint32

// HVMOP_* sub-commands.
const (
	HVMOpSetParam              HVMCmd = 0
	HVMOpGetParam              HVMCmd = 1
	HVMOpSetEvtchnUpcallVector HVMCmd = 23
)

// SchedCmd is a SCHEDOP_* sub-command.
type SchedCmd uint32

// SCHEDOP_yield gives up the rest of the time slice.
const SchedOpYield SchedCmd = 0

var (
	memoryOpNames = map[MemoryCmd]string{
		MemoryOpAddToPhysmap:      "add_to_physmap",
		MemoryOpRemoveFromPhysmap: "remove_from_physmap",
	}

	gnttabOpNames = map[GrantTableCmd]string{
		GnttabOpMapGrantRef:   "map_grant_ref",
		GnttabOpUnmapGrantRef: "unmap_grant_ref",
		GnttabOpCopy:          "copy",
		GnttabOpQuerySize:     "query_size",
		GnttabOpSetVersion:    "set_version",
		GnttabOpGetVersion:    "get_version",
	}

	hvmOpNames = map[HVMCmd]string{
		HVMOpSetParam:              "set_param",
		HVMOpGetParam:              "get_param",
		HVMOpSetEvtchnUpcallVector: "set_evtchn_upcall_vector",
	}
)

func (c MemoryCmd) String() string {
	if s, ok := memoryOpNames[c]; ok {
		return s
	}

	return "UNKNOWN"
}

func (c GrantTableCmd) String() string {
	if s, ok := gnttabOpNames[c]; ok {
		return s
	}

	return "UNKNOWN"
}

func (c HVMCmd) String() string {
	if s, ok := hvmOpNames[c]; ok {
		return s
	}

	return "UNKNOWN"
}

func (c SchedCmd) String() string {
	if c == SchedOpYield {
		return "yield"
	}

	return "UNKNOWN"
}

// HVM parameters.
const (
	HVMParamCallbackIRQ   = 0
	HVMParamStoreEvtchn   = 2
	HVMParam32Bit         = 8
	HVMParamConsoleEvtchn = 18
)

// Xen map spaces for XENMEM_add_to_physmap.
const (
	MapSpaceSharedInfo = 0
	MapSpaceGrantTable = 1
)

// Virtual interrupts.
const (
	VirqTimer   Virq = 0
	VirqDebug   Virq = 1
	VirqConsole Virq = 2
)

// Arg is a hypercall argument structure with a fixed C layout.
type Arg interface {
	// Size returns the size of the C structure.
	Size() int
	// Encode writes the structure into b, which is Size() bytes long.
	Encode(b []byte)
	// Decode reads the structure back from b after the hypervisor updated it.
	Decode(b []byte)
}

// Hypervisor is the raw hypercall transport.
//
// Implementations pass arg to the hypervisor in place and translate a negative result
// into an Errno. arg may be nil for commands that take no argument.
type Hypervisor interface {
	EventChannelOp(cmd EventChannelCmd, arg Arg) error
	MemoryOp(cmd MemoryCmd, arg Arg) error
	GrantTableOp(cmd GrantTableCmd, arg Arg) error
	HVMOp(cmd HVMCmd, arg Arg) error
	SchedOp(cmd SchedCmd, arg Arg) error
}

// Notifier is implemented by transports that can signal the arrival of an upcall.
type Notifier interface {
	// Upcalls returns a channel that receives a value whenever the hypervisor raised an upcall.
	Upcalls() <-chan struct{}
}
