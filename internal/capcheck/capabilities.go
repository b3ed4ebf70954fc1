// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package capcheck

// see https://github.com/torvalds/linux/blob/v6.14/include/uapi/linux/capability.h
const (
	CapIPCLock  = 14 // CAP_IPC_LOCK, to mlock the pages shared with the hypervisor
	CapSysAdmin = 21 // CAP_SYS_ADMIN, required by /dev/xen/privcmd
)
