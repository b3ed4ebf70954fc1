// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package hypercall_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/siderolabs/talos-xentoolsd/pkg/hypercall"
)

func TestResultError(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		rc   int64
		want error
	}{
		{rc: -1, want: hypercall.ErrPermission},
		{rc: -22, want: hypercall.ErrInvalid},
		{rc: -38, want: hypercall.ErrNotSupported},
		{rc: -17, want: hypercall.ErrExists},
		{rc: -16, want: hypercall.ErrBusy},
	} {
		err := fmt.Errorf("op: %w", hypercall.ResultError(tc.rc))

		if !errors.Is(err, tc.want) {
			t.Errorf("rc %d: %v is not %v", tc.rc, err, tc.want)
		}
	}

	if err := hypercall.ResultError(0); err != nil {
		t.Errorf("rc 0: %v", err)
	}

	if err := hypercall.ResultError(3); err != nil {
		t.Errorf("rc 3: %v", err)
	}
}

func TestGrantStatus(t *testing.T) {
	t.Parallel()

	if err := hypercall.GrantStatus(hypercall.GntStOkay); err != nil {
		t.Fatal(err)
	}

	err := hypercall.GrantStatus(hypercall.GntStPermissionDenied)
	if !errors.Is(err, hypercall.ErrPermission) {
		t.Errorf("%v is not ErrPermission", err)
	}

	var status hypercall.GrantStatusError
	if !errors.As(err, &status) || status != hypercall.GntStPermissionDenied {
		t.Errorf("status %d", status)
	}
}

func TestCommandNames(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		cmd  fmt.Stringer
		want string
	}{
		{hypercall.EvtchnOpInitControl, "init_control"},
		{hypercall.MemoryOpAddToPhysmap, "add_to_physmap"},
		{hypercall.GnttabOpQuerySize, "query_size"},
		{hypercall.HVMOpSetParam, "set_param"},
		{hypercall.SchedOpYield, "yield"},
	} {
		if got := tc.cmd.String(); got != tc.want {
			t.Errorf("got %q, want %q", got, tc.want)
		}
	}
}
