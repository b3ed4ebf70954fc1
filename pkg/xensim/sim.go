// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

// Package xensim is an in-process model of the hypervisor side of the event channel,
// grant table, memory and HVM interfaces.
//
// It writes the same structures into guest pages that Xen would: the shared_info page,
// FIFO control blocks and event arrays. It reads grant entries straight out of the
// guest's grant frames. Besides backing the daemon's sim mode, it is the test double
// for every subsystem that talks to the hypervisor.
package xensim

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/siderolabs/talos-xentoolsd/internal/util"
	"github.com/siderolabs/talos-xentoolsd/pkg/hypercall"
	"github.com/siderolabs/talos-xentoolsd/pkg/xenpage"
)

// Config describes the simulated domain.
type Config struct {
	// VCPUs is the number of virtual CPUs, at most hypercall.LegacyVCPUs.
	VCPUs int
	// MaxGrantFrames is the grant table frame limit reported by GNTTABOP_query_size.
	MaxGrantFrames uint32
	// FIFO advertises the FIFO event channel ABI.
	FIFO bool
	// UpcallVector makes HVMOP_set_evtchn_upcall_vector available.
	UpcallVector bool
}

const (
	firstPFN = 0x10000

	// remote ports of the store and console backends in domain 0.
	storeRemotePort   = 10
	consoleRemotePort = 11
)

// Sim is a simulated hypervisor. It implements hypercall.Hypervisor, hypercall.Allocator
// and hypercall.Notifier.
type Sim struct {
	mu     sync.Mutex
	cfg    Config
	logger *slog.Logger

	nextPFN hypercall.PFN
	pages   map[hypercall.PFN][]byte

	shared    []byte
	sharedPFN hypercall.PFN
	wallclock wallclock
	timeInfo  []vcpuTime

	grantFrames  map[uint64]hypercall.PFN
	grantVersion uint32
	foreign      map[foreignKey]*foreignGrant
	mappings     map[hypercall.GrantHandle]*mapping
	nextHandle   hypercall.GrantHandle

	ports map[hypercall.Port]*port
	virqs map[virqKey]hypercall.Port
	fifo  *fifoState

	params  map[uint32]uint64
	vectors map[uint32]uint8

	calls    map[string]int
	injected map[string][]hypercall.Errno
	yield    func()

	tsc     atomic.Uint64
	upcalls chan struct{}
}

// New creates a simulated domain with its store and console channels bound.
func New(cfg Config, logger *slog.Logger) *Sim {
	if cfg.VCPUs < 1 {
		cfg.VCPUs = 1
	}

	if cfg.VCPUs > hypercall.LegacyVCPUs {
		cfg.VCPUs = hypercall.LegacyVCPUs
	}

	if cfg.MaxGrantFrames == 0 {
		cfg.MaxGrantFrames = 32
	}

	s := &Sim{
		cfg:          cfg,
		logger:       logger.With("module", "xensim"),
		nextPFN:      firstPFN,
		pages:        make(map[hypercall.PFN][]byte),
		timeInfo:     make([]vcpuTime, cfg.VCPUs),
		grantFrames:  make(map[uint64]hypercall.PFN),
		grantVersion: 1,
		foreign:      make(map[foreignKey]*foreignGrant),
		mappings:     make(map[hypercall.GrantHandle]*mapping),
		nextHandle:   1,
		calls:        make(map[string]int),
		injected:     make(map[string][]hypercall.Errno),
		upcalls:      make(chan struct{}, 1),
	}

	s.resetDomain()

	s.logger.Debug("initialized", "vcpus", cfg.VCPUs, "fifo", cfg.FIFO, "max_grant_frames", cfg.MaxGrantFrames)

	return s
}

// resetDomain gives the domain a fresh event channel table and HVM state, as the
// toolstack does when it builds or restores a domain.
func (s *Sim) resetDomain() {
	s.ports = make(map[hypercall.Port]*port)
	s.virqs = make(map[virqKey]hypercall.Port)
	s.fifo = nil
	s.params = make(map[uint32]uint64)
	s.vectors = make(map[uint32]uint8)

	store := s.bindRemote(0, storeRemotePort)
	console := s.bindRemote(0, consoleRemotePort)

	s.params[hypercall.HVMParamStoreEvtchn] = uint64(store)
	s.params[hypercall.HVMParamConsoleEvtchn] = uint64(console)
}

// VCPUs returns the number of simulated vCPUs.
func (s *Sim) VCPUs() int {
	return s.cfg.VCPUs
}

// Upcalls implements hypercall.Notifier.
func (s *Sim) Upcalls() <-chan struct{} {
	return s.upcalls
}

func (s *Sim) notify() {
	select {
	case s.upcalls <- struct{}{}:
	default:
	}
}

// SetYieldHook installs fn to be called on every SCHEDOP_yield.
func (s *Sim) SetYieldHook(fn func()) {
	s.mu.Lock()
	s.yield = fn
	s.mu.Unlock()
}

// InjectError makes the next call of op fail with errno. op is "<group>/<command>",
// for example "event_channel_op/init_control".
func (s *Sim) InjectError(op string, errno hypercall.Errno) {
	s.mu.Lock()
	s.injected[op] = append(s.injected[op], errno)
	s.mu.Unlock()
}

// Calls returns how many times op was issued.
func (s *Sim) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls[op]
}

// enter accounts a call and returns an injected error, if any. s.mu must be held.
func (s *Sim) enter(group string, cmd fmt.Stringer) error {
	op := group + "/" + cmd.String()
	s.calls[op]++

	util.TraceLog(s.logger, "hypercall", "op", op)

	if list := s.injected[op]; len(list) != 0 {
		s.injected[op] = list[1:]

		return list[0]
	}

	return nil
}

// AllocatePages implements hypercall.Allocator. Pages are 8-byte aligned and zeroed.
func (s *Sim) AllocatePages(n int) (*hypercall.Region, error) {
	if n < 1 {
		return nil, hypercall.ErrInvalid
	}

	words := make([]uint64, n*xenpage.Size/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n*xenpage.Size)

	s.mu.Lock()
	defer s.mu.Unlock()

	r := &hypercall.Region{Frames: make([]hypercall.PFN, n), Mem: mem}

	for i := range n {
		pfn := s.nextPFN
		s.nextPFN++

		r.Frames[i] = pfn
		s.pages[pfn] = r.Page(i)
	}

	return r, nil
}

// FreePages implements hypercall.Allocator.
func (s *Sim) FreePages(r *hypercall.Region) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pfn := range r.Frames {
		if _, ok := s.pages[pfn]; !ok {
			return fmt.Errorf("free of unknown frame %#x: %w", pfn, hypercall.ErrInvalid)
		}
	}

	for _, pfn := range r.Frames {
		delete(s.pages, pfn)
	}

	return nil
}

// AllocatedPages returns the number of pages handed out and not freed.
func (s *Sim) AllocatedPages() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.pages)
}

// SchedOp implements hypercall.Hypervisor.
func (s *Sim) SchedOp(cmd hypercall.SchedCmd, _ hypercall.Arg) error {
	s.mu.Lock()

	if err := s.enter("sched_op", cmd); err != nil {
		s.mu.Unlock()

		return err
	}

	fn := s.yield
	s.mu.Unlock()

	if cmd != hypercall.SchedOpYield {
		return hypercall.ENOSYS
	}

	if fn != nil {
		fn()
	}

	return nil
}

// Migrate simulates the guest being restored on a new host: the hypervisor-side state
// of the domain is rebuilt while guest memory is kept.
func (s *Sim) Migrate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.shared = nil
	s.sharedPFN = 0
	s.grantFrames = make(map[uint64]hypercall.PFN)
	s.grantVersion = 1
	s.resetDomain()

	s.logger.Info("domain migrated")
}
