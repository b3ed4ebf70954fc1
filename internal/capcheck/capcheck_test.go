// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package capcheck_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/siderolabs/talos-xentoolsd/internal/capcheck"
)

func TestEffective(t *testing.T) {
	t.Parallel()

	status := "Name:\ttalos-xentoolsd\nCapInh:\t0000000000000000\nCapEff:\t0000000000204000\nCapBnd:\t000001ffffffffff\n"

	caps, err := capcheck.Effective(strings.NewReader(status))
	if err != nil {
		t.Fatal(err)
	}

	for _, bit := range []int{capcheck.CapIPCLock, capcheck.CapSysAdmin} {
		if caps&(1<<bit) == 0 {
			t.Errorf("capability %d missing from %#x", bit, caps)
		}
	}

	if _, err = capcheck.Effective(strings.NewReader("Name:\tx\n")); !errors.Is(err, capcheck.ErrNoCapEff) {
		t.Errorf("missing line: %v", err)
	}

	if _, err = capcheck.Effective(strings.NewReader("CapEff:\tzz\n")); err == nil {
		t.Error("bad value parsed")
	}
}
