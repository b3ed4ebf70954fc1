// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package hypercall

// this file contains the typed commands built on top of a Hypervisor

import (
	"fmt"
)

// AllocUnbound allocates a port that remote may later bind to.
func AllocUnbound(hv Hypervisor, remote DomID) (Port, error) {
	arg := EvtchnAllocUnbound{Dom: DomIDSelf, RemoteDom: remote}

	if err := hv.EventChannelOp(EvtchnOpAllocUnbound, &arg); err != nil {
		return 0, fmt.Errorf("alloc_unbound: %w", err)
	}

	return arg.Port, nil
}

// BindInterDomain connects a local port to remotePort of remote.
func BindInterDomain(hv Hypervisor, remote DomID, remotePort Port) (Port, error) {
	arg := EvtchnBindInterdomain{RemoteDom: remote, RemotePort: remotePort}

	if err := hv.EventChannelOp(EvtchnOpBindInterdomain, &arg); err != nil {
		return 0, fmt.Errorf("bind_interdomain: %w", err)
	}

	return arg.LocalPort, nil
}

// BindVirq binds a virtual interrupt on cpu to a new port.
func BindVirq(hv Hypervisor, virq Virq, cpu uint32) (Port, error) {
	arg := EvtchnBindVirq{Virq: virq, VCPU: cpu}

	if err := hv.EventChannelOp(EvtchnOpBindVirq, &arg); err != nil {
		return 0, fmt.Errorf("bind_virq: %w", err)
	}

	return arg.Port, nil
}

// Close closes port.
func Close(hv Hypervisor, port Port) error {
	if err := hv.EventChannelOp(EvtchnOpClose, &EvtchnPort{Port: port}); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	return nil
}

// Send notifies the remote end of port.
func Send(hv Hypervisor, port Port) error {
	if err := hv.EventChannelOp(EvtchnOpSend, &EvtchnPort{Port: port}); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	return nil
}

// Unmask unmasks port in the hypervisor, which re-raises it if it is pending.
func Unmask(hv Hypervisor, port Port) error {
	if err := hv.EventChannelOp(EvtchnOpUnmask, &EvtchnPort{Port: port}); err != nil {
		return fmt.Errorf("unmask: %w", err)
	}

	return nil
}

// BindVCPU routes port to cpu.
func BindVCPU(hv Hypervisor, port Port, cpu uint32) error {
	if err := hv.EventChannelOp(EvtchnOpBindVCPU, &EvtchnBindVCPU{Port: port, VCPU: cpu}); err != nil {
		return fmt.Errorf("bind_vcpu: %w", err)
	}

	return nil
}

// Status returns the state of a local port.
func Status(hv Hypervisor, port Port) (EvtchnStatus, error) {
	arg := EvtchnStatus{Dom: DomIDSelf, Port: port}

	if err := hv.EventChannelOp(EvtchnOpStatus, &arg); err != nil {
		return arg, fmt.Errorf("status: %w", err)
	}

	return arg, nil
}

// QueryInterDomain returns the peer of an interdomain port.
func QueryInterDomain(hv Hypervisor, port Port) (DomID, Port, error) {
	st, err := Status(hv, port)
	if err != nil {
		return 0, 0, err
	}

	if st.Status != EvtchnStatInterdomain {
		return 0, 0, fmt.Errorf("port %d has status %d: %w", port, st.Status, ErrInvalid)
	}

	return st.RemoteDom, st.RemotePort, nil
}

// Reset closes all ports of the domain and returns it to the two-level ABI.
func Reset(hv Hypervisor) error {
	if err := hv.EventChannelOp(EvtchnOpReset, &EvtchnReset{Dom: DomIDSelf}); err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	return nil
}

// InitControl registers the FIFO control block of cpu.
func InitControl(hv Hypervisor, gfn PFN, cpu uint32) error {
	if err := hv.EventChannelOp(EvtchnOpInitControl, &EvtchnInitControl{ControlGFN: gfn, VCPU: cpu}); err != nil {
		return fmt.Errorf("init_control: %w", err)
	}

	return nil
}

// ExpandArray adds a page to the FIFO event array.
func ExpandArray(hv Hypervisor, gfn PFN) error {
	if err := hv.EventChannelOp(EvtchnOpExpandArray, &EvtchnExpandArray{ArrayGFN: gfn}); err != nil {
		return fmt.Errorf("expand_array: %w", err)
	}

	return nil
}

// AddToPhysmap maps index of space at gpfn.
func AddToPhysmap(hv Hypervisor, space uint32, index uint64, gpfn PFN) error {
	arg := MemoryAddToPhysmap{Dom: DomIDSelf, Space: space, Index: index, GPFN: gpfn}

	if err := hv.MemoryOp(MemoryOpAddToPhysmap, &arg); err != nil {
		return fmt.Errorf("add_to_physmap(space %d, index %d): %w", space, index, err)
	}

	return nil
}

// RemoveFromPhysmap removes whatever is mapped at gpfn.
func RemoveFromPhysmap(hv Hypervisor, gpfn PFN) error {
	if err := hv.MemoryOp(MemoryOpRemoveFromPhysmap, &MemoryRemoveFromPhysmap{Dom: DomIDSelf, GPFN: gpfn}); err != nil {
		return fmt.Errorf("remove_from_physmap: %w", err)
	}

	return nil
}

// QuerySize returns the current and maximum number of grant table frames.
func QuerySize(hv Hypervisor) (uint32, uint32, error) {
	arg := GnttabQuerySize{Dom: DomIDSelf}

	if err := hv.GrantTableOp(GnttabOpQuerySize, &arg); err != nil {
		return 0, 0, fmt.Errorf("query_size: %w", err)
	}

	if err := GrantStatus(arg.Status); err != nil {
		return 0, 0, fmt.Errorf("query_size: %w", err)
	}

	return arg.NrFrames, arg.MaxNrFrames, nil
}

// MapForeignPage maps ref of domain at addr.
func MapForeignPage(hv Hypervisor, domain DomID, ref GrantRef, addr uint64, readOnly bool) (GrantHandle, error) {
	arg := GnttabMapGrantRef{HostAddr: addr, Flags: GntMapHostMap, Ref: ref, Dom: domain}
	if readOnly {
		arg.Flags |= GntMapReadonly
	}

	if err := hv.GrantTableOp(GnttabOpMapGrantRef, &arg); err != nil {
		return 0, fmt.Errorf("map_grant_ref(%d): %w", ref, err)
	}

	if err := GrantStatus(arg.Status); err != nil {
		return 0, fmt.Errorf("map_grant_ref(%d): %w", ref, err)
	}

	return arg.Handle, nil
}

// UnmapForeignPage undoes MapForeignPage.
func UnmapForeignPage(hv Hypervisor, addr uint64, handle GrantHandle) error {
	arg := GnttabUnmapGrantRef{HostAddr: addr, Handle: handle}

	if err := hv.GrantTableOp(GnttabOpUnmapGrantRef, &arg); err != nil {
		return fmt.Errorf("unmap_grant_ref: %w", err)
	}

	if err := GrantStatus(arg.Status); err != nil {
		return fmt.Errorf("unmap_grant_ref: %w", err)
	}

	return nil
}

// SetVersion selects the grant table format and returns the one in effect.
func SetVersion(hv Hypervisor, version uint32) (uint32, error) {
	arg := GnttabSetVersion{Version: version}

	if err := hv.GrantTableOp(GnttabOpSetVersion, &arg); err != nil {
		return 0, fmt.Errorf("set_version: %w", err)
	}

	return arg.Version, nil
}

// GetVersion returns the grant table format in effect.
func GetVersion(hv Hypervisor) (uint32, error) {
	arg := GnttabGetVersion{Dom: DomIDSelf}

	if err := hv.GrantTableOp(GnttabOpGetVersion, &arg); err != nil {
		return 0, fmt.Errorf("get_version: %w", err)
	}

	return arg.Version, nil
}

// Copy performs a single grant copy.
func Copy(hv Hypervisor, op *GnttabCopy) error {
	if err := hv.GrantTableOp(GnttabOpCopy, op); err != nil {
		return fmt.Errorf("copy: %w", err)
	}

	if err := GrantStatus(op.Status); err != nil {
		return fmt.Errorf("copy: %w", err)
	}

	return nil
}

// SetParam sets an HVM parameter of the calling domain.
func SetParam(hv Hypervisor, index uint32, value uint64) error {
	if err := hv.HVMOp(HVMOpSetParam, &HVMParam{Dom: DomIDSelf, Index: index, Value: value}); err != nil {
		return fmt.Errorf("set_param(%d): %w", index, err)
	}

	return nil
}

// GetParam reads an HVM parameter of the calling domain.
func GetParam(hv Hypervisor, index uint32) (uint64, error) {
	arg := HVMParam{Dom: DomIDSelf, Index: index}

	if err := hv.HVMOp(HVMOpGetParam, &arg); err != nil {
		return 0, fmt.Errorf("get_param(%d): %w", index, err)
	}

	return arg.Value, nil
}

// SetEvtchnUpcallVector registers a per-vCPU upcall vector. A vector of 0 disables it.
func SetEvtchnUpcallVector(hv Hypervisor, cpu uint32, vector uint8) error {
	if err := hv.HVMOp(HVMOpSetEvtchnUpcallVector, &HVMEvtchnUpcallVector{VCPU: cpu, Vector: vector}); err != nil {
		return fmt.Errorf("set_evtchn_upcall_vector: %w", err)
	}

	return nil
}

// Yield gives up the rest of the time slice.
func Yield(hv Hypervisor) error {
	return hv.SchedOp(SchedOpYield, nil)
}
