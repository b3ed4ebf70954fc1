// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package hypercall provides the hypercall surface between a guest and the Xen hypervisor.
// It has been written against the public Xen headers:
//
// - xen/include/public/event_channel.h
// - xen/include/public/memory.h
// - xen/include/public/grant_table.h
// - xen/include/public/hvm/hvm_op.h and hvm/params.h
// - xen/include/public/errno.h
//
// A guest issues a hypercall with an operation number and a pointer to an argument
// structure. The hypervisor reads and writes that structure in place and returns a
// signed result, negative values being Xen errno codes. The Hypervisor interface
// models exactly that; every argument structure here is laid out byte for byte like
// its C counterpart and is encoded in native byte order.
package hypercall
