// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package hypercall

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/siderolabs/talos-xentoolsd/internal/util"
)

// PrivcmdPath is the Linux privcmd device node.
const PrivcmdPath = "/dev/xen/privcmd"

// _IOC(_IOC_NONE, 'P', 0, sizeof(struct privcmd_hypercall)).
const ioctlPrivcmdHypercall = 0x00305000

type privcmdHypercall struct {
	op   uint64
	args [5]uint64
}

// Privcmd issues hypercalls through the Linux privcmd driver.
type Privcmd struct {
	f      *os.File
	logger *slog.Logger
}

// OpenPrivcmd opens the privcmd device. The caller needs CAP_SYS_ADMIN.
func OpenPrivcmd(logger *slog.Logger) (*Privcmd, error) {
	f, err := os.OpenFile(PrivcmdPath, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("error opening %s: %w", PrivcmdPath, err)
	}

	return &Privcmd{f: f, logger: logger.With("module", "privcmd")}, nil
}

// Close closes the device.
func (p *Privcmd) Close() error {
	return p.f.Close()
}

func (p *Privcmd) call(op, cmd uint64, arg Arg, extra ...uint64) error {
	var (
		buf []byte
		ptr uintptr
	)

	if arg != nil {
		buf = make([]byte, arg.Size())
		arg.Encode(buf)
		ptr = uintptr(unsafe.Pointer(&buf[0]))
	}

	hc := privcmdHypercall{op: op, args: [5]uint64{cmd, uint64(ptr)}}
	copy(hc.args[2:], extra)

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, p.f.Fd(), ioctlPrivcmdHypercall, uintptr(unsafe.Pointer(&hc)))
	runtime.KeepAlive(buf)

	if arg != nil {
		arg.Decode(buf)
	}

	if errno != 0 {
		util.TraceLog(p.logger, "hypercall failed", "op", op, "cmd", cmd, "errno", int(errno))

		return Errno(errno)
	}

	return nil
}

// EventChannelOp implements Hypervisor.
func (p *Privcmd) EventChannelOp(cmd EventChannelCmd, arg Arg) error {
	return p.call(opEventChannel, uint64(cmd), arg)
}

// MemoryOp implements Hypervisor.
func (p *Privcmd) MemoryOp(cmd MemoryCmd, arg Arg) error {
	return p.call(opMemory, uint64(cmd), arg)
}

// GrantTableOp implements Hypervisor. Every grant table operation is issued with a count of one.
func (p *Privcmd) GrantTableOp(cmd GrantTableCmd, arg Arg) error {
	if arg == nil {
		return fmt.Errorf("grant table op %d: %w", cmd, ErrInvalid)
	}

	return p.call(opGrantTable, uint64(cmd), arg, 1)
}

// HVMOp implements Hypervisor.
func (p *Privcmd) HVMOp(cmd HVMCmd, arg Arg) error {
	return p.call(opHVM, uint64(cmd), arg)
}

// SchedOp implements Hypervisor.
func (p *Privcmd) SchedOp(cmd SchedCmd, arg Arg) error {
	return p.call(opSched, uint64(cmd), arg)
}
