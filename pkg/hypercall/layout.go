// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package hypercall

// this file contains the layout of the pages shared between the guest and the hypervisor (x86_64)

// shared_info page.
const (
	LegacyVCPUs = 32

	VCPUInfoSize          = 64
	VCPUInfoUpcallPending = 0
	VCPUInfoUpcallMask    = 1
	VCPUInfoPendingSel    = 8
	VCPUInfoTime          = 32

	SharedInfoEvtchnPending = 2048
	SharedInfoEvtchnMask    = 2560
	SharedInfoWcVersion     = 3072
	SharedInfoWcSec         = 3076
	SharedInfoWcNsec        = 3080
	SharedInfoWcSecHi       = 3084

	// EvtchnPerSelector is the number of ports covered by one pending selector bit.
	EvtchnPerSelector = 64
	// EvtchnSelectors is the number of selector bits.
	EvtchnSelectors = 64
	// EvtchnTwoLevelPorts is the size of the two-level port space.
	EvtchnTwoLevelPorts = EvtchnPerSelector * EvtchnSelectors
)

// vcpu_time_info, relative to VCPUInfoTime.
const (
	TimeVersion        = 0
	TimeTSCTimestamp   = 8
	TimeSystemTime     = 16
	TimeTSCToSystemMul = 24
	TimeTSCShift       = 28
)

// FIFO event channel ABI.
const (
	FifoPriorityMax     = 0
	FifoPriorityDefault = 7
	FifoPriorityMin     = 15
	FifoMaxQueues       = FifoPriorityMin + 1

	FifoPending = 31
	FifoMasked  = 30
	FifoLinked  = 29
	FifoBusy    = 28

	FifoLinkBits   = 17
	FifoLinkMask   = 1<<FifoLinkBits - 1
	FifoNRChannels = 1 << FifoLinkBits

	// FifoEventWordsPerPage is the number of 32-bit event words in an event array page.
	FifoEventWordsPerPage = 1024

	FifoControlReady = 0
	FifoControlHead  = 8
)

// grant_entry_v1.
const (
	GrantEntrySize   = 8
	GrantEntryFlags  = 0
	GrantEntryDomID  = 2
	GrantEntryFrame  = 4
	GrantEntriesPage = 4096 / GrantEntrySize

	GTFPermitAccess = 1 << 0
	GTFReadonly     = 1 << 2
	GTFReading      = 1 << 3
	GTFWriting      = 1 << 4
)
