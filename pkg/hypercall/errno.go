// SPDX-FileCopyrightText: Copyright (c) 2020 Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package hypercall

import (
	"errors"
	"fmt"
)

var (
	// ErrPermission is returned for XEN_EPERM and XEN_EACCES.
	ErrPermission = errors.New("operation not permitted")

	// ErrNoEntry is returned for XEN_ENOENT and XEN_ESRCH.
	ErrNoEntry = errors.New("no such entry")

	// ErrInterrupted is returned for XEN_EINTR.
	ErrInterrupted = errors.New("interrupted")

	// ErrIO is returned for XEN_EIO and generic grant table failures.
	ErrIO = errors.New("i/o error")

	// ErrTooBig is returned for XEN_E2BIG and XEN_ERANGE.
	ErrTooBig = errors.New("argument out of range")

	// ErrBadHandle is returned for XEN_EBADF.
	ErrBadHandle = errors.New("bad handle")

	// ErrAgain is returned for XEN_EAGAIN.
	ErrAgain = errors.New("try again")

	// ErrNoMemory is returned for XEN_ENOMEM and XEN_ENOSPC.
	ErrNoMemory = errors.New("out of memory")

	// ErrFault is returned for XEN_EFAULT.
	ErrFault = errors.New("bad address")

	// ErrBusy is returned for XEN_EBUSY.
	ErrBusy = errors.New("resource busy")

	// ErrExists is returned for XEN_EEXIST.
	ErrExists = errors.New("already exists")

	// ErrInvalid is returned for XEN_EINVAL and XEN_ENODEV.
	ErrInvalid = errors.New("invalid argument")

	// ErrNotSupported is returned for XEN_ENOSYS and XEN_EOPNOTSUPP.
	ErrNotSupported = errors.New("not supported")

	// ErrNotEmpty is returned for XEN_ENOTEMPTY.
	ErrNotEmpty = errors.New("not empty")

	// ErrTimeout is returned for XEN_ETIMEDOUT.
	ErrTimeout = errors.New("timed out")
)

// Errno is a positive Xen error number, as returned negated by a hypercall.
type Errno int

// Xen error numbers (errno.h).
const (
	EPERM      Errno = 1
	ENOENT     Errno = 2
	ESRCH      Errno = 3
	EINTR      Errno = 4
	EIO        Errno = 5
	E2BIG      Errno = 7
	EBADF      Errno = 9
	EAGAIN     Errno = 11
	ENOMEM     Errno = 12
	EACCES     Errno = 13
	EFAULT     Errno = 14
	EBUSY      Errno = 16
	EEXIST     Errno = 17
	ENODEV     Errno = 19
	EINVAL     Errno = 22
	ENOSPC     Errno = 28
	ERANGE     Errno = 34
	ENOSYS     Errno = 38
	ENOTEMPTY  Errno = 39
	EOPNOTSUPP Errno = 95
	ETIMEDOUT  Errno = 110
)

var errnoSentinels = map[Errno]error{
	EPERM:      ErrPermission,
	EACCES:     ErrPermission,
	ENOENT:     ErrNoEntry,
	ESRCH:      ErrNoEntry,
	EINTR:      ErrInterrupted,
	EIO:        ErrIO,
	E2BIG:      ErrTooBig,
	ERANGE:     ErrTooBig,
	EBADF:      ErrBadHandle,
	EAGAIN:     ErrAgain,
	ENOMEM:     ErrNoMemory,
	ENOSPC:     ErrNoMemory,
	EFAULT:     ErrFault,
	EBUSY:      ErrBusy,
	EEXIST:     ErrExists,
	ENODEV:     ErrInvalid,
	EINVAL:     ErrInvalid,
	ENOSYS:     ErrNotSupported,
	EOPNOTSUPP: ErrNotSupported,
	ENOTEMPTY:  ErrNotEmpty,
	ETIMEDOUT:  ErrTimeout,
}

// Error implements error.
func (e Errno) Error() string {
	if s, ok := errnoSentinels[e]; ok {
		return fmt.Sprintf("xen errno %d: %s", int(e), s)
	}

	return fmt.Sprintf("xen errno %d", int(e))
}

// Is makes errors.Is(err, ErrXxx) work for an Errno.
func (e Errno) Is(target error) bool {
	s, ok := errnoSentinels[e]

	return ok && s == target
}

// ResultError converts a raw hypercall return value into an error.
func ResultError(rc int64) error {
	if rc >= 0 {
		return nil
	}

	return Errno(-rc)
}

// GrantStatusError is a failed GNTST_* per-operation status.
type GrantStatusError int16

var grantStatusSentinels = map[GrantStatusError]error{
	GntStGeneralError:     ErrIO,
	GntStBadDomain:        ErrNoEntry,
	GntStBadGntref:        ErrInvalid,
	GntStBadHandle:        ErrBadHandle,
	GntStBadVirtAddr:      ErrFault,
	GntStBadDevAddr:       ErrFault,
	GntStNoDeviceSpace:    ErrNoMemory,
	GntStPermissionDenied: ErrPermission,
	GntStBadPage:          ErrInvalid,
	GntStBadCopyArg:       ErrInvalid,
	GntStAddressTooBig:    ErrTooBig,
	GntStEagain:           ErrAgain,
}

// Error implements error.
func (s GrantStatusError) Error() string {
	return fmt.Sprintf("grant table status %d", int(s))
}

// Is maps the status onto the errno sentinels.
func (s GrantStatusError) Is(target error) bool {
	e, ok := grantStatusSentinels[s]

	return ok && e == target
}

// GrantStatus converts a GNTST_* value into an error.
func GrantStatus(status int16) error {
	if status == GntStOkay {
		return nil
	}

	return GrantStatusError(status)
}
