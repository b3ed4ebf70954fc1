// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/siderolabs/talos-xentoolsd/pkg/evtchn"
	"github.com/siderolabs/talos-xentoolsd/pkg/gnttab"
	"github.com/siderolabs/talos-xentoolsd/pkg/hashtable"
	"github.com/siderolabs/talos-xentoolsd/pkg/hypercall"
	"github.com/siderolabs/talos-xentoolsd/pkg/xenbus"
	"github.com/siderolabs/talos-xentoolsd/pkg/xensim"
)

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "run the event channel and grant table scenarios against the simulator",
	Long:  "this exercises the whole guest stack against the in-process hypervisor and reports every failure",
	RunE: func(_ *cobra.Command, _ []string) error {
		if err := runSelftest(logger); err != nil {
			logger.Error("selftest failed", "err", err)

			return err
		}

		logger.Info("selftest passed", "scenarios", len(scenarios))

		return nil
	},
}

func init() {
	rootCmd.AddCommand(selftestCmd)
}

var errCheck = errors.New("check failed")

func failf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errCheck}, args...)...)
}

// env is a bus on a fresh simulated domain.
type env struct {
	sim *xensim.Sim
	bus *xenbus.Bus
	ev  evtchn.V4
	gt  gnttab.V4
}

func newEnv(logger *slog.Logger, simCfg xensim.Config, fifo bool) (*env, error) {
	sim := xensim.New(simCfg, logger)
	bus := xenbus.New(xenbus.Config{
		VCPUs:       sim.VCPUs(),
		UseFifo:     fifo,
		CallbackVia: 28,
		Clock:       sim,
	}, sim, sim, logger)

	if err := bus.Initialize(); err != nil {
		return nil, err
	}

	ev, err := bus.GetEvtchnInterface(evtchn.VersionMax)
	if err != nil {
		return nil, err
	}

	gt, err := bus.GetGnttabInterface(gnttab.VersionMax)
	if err != nil {
		return nil, err
	}

	return &env{sim: sim, bus: bus, ev: ev.(evtchn.V4), gt: gt.(gnttab.V4)}, nil //nolint:forcetypeassert
}

type scenario struct {
	name   string
	simCfg xensim.Config
	fifo   bool
	run    func(*env) error
}

var scenarios = []scenario{
	{name: "open-close", run: openClose},
	{name: "open-close-fifo", simCfg: xensim.Config{FIFO: true}, fifo: true, run: openClose},
	{name: "unmask-idempotent", run: unmaskIdempotent},
	{name: "permit-query", run: permitQuery},
	{name: "distinct-references", simCfg: xensim.Config{MaxGrantFrames: 4}, run: distinctReferences},
	{name: "virq-debug", run: virqDebug},
	{name: "fifo-delivery", simCfg: xensim.Config{FIFO: true}, fifo: true, run: fifoDelivery},
	{name: "suspend", simCfg: xensim.Config{FIFO: true}, fifo: true, run: suspendResume},
}

func runSelftest(logger *slog.Logger) error {
	var result *multierror.Error

	result = multierror.Append(result, hashTableConcurrency())

	for _, sc := range scenarios {
		l := logger.With("scenario", sc.name)

		e, err := newEnv(l, sc.simCfg, sc.fifo)
		if err == nil {
			err = sc.run(e)

			if terr := e.bus.Teardown(); terr != nil {
				err = errors.Join(err, fmt.Errorf("teardown: %w", terr))
			}
		}

		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", sc.name, err))

			continue
		}

		l.Info("scenario passed")
	}

	return result.ErrorOrNil()
}

func openClose(e *env) error {
	ch, err := e.ev.Open(evtchn.Unbound(0, false), nil, nil)
	if err != nil {
		return err
	}

	port := e.ev.GetPort(ch)

	if _, bound := e.sim.Port(port); !bound {
		e.ev.Close(ch)

		return failf("port %d not bound in the hypervisor", port)
	}

	e.ev.Close(ch)

	if _, bound := e.sim.Port(port); bound {
		return failf("port %d still bound after close", port)
	}

	if n := e.bus.Evtchn().ActiveChannels(); n != 0 {
		return failf("%d channels left active", n)
	}

	return nil
}

func unmaskIdempotent(e *env) error {
	ch, err := e.ev.Open(evtchn.Unbound(0, false), nil, nil)
	if err != nil {
		return err
	}

	defer e.ev.Close(ch)

	for range 2 {
		if e.ev.UnmaskPending(ch, false, false) {
			return failf("idle channel reported pending")
		}
	}

	return nil
}

func permitQuery(e *env) error {
	c, err := e.gt.CreateCache("selftest", 0)
	if err != nil {
		return err
	}

	defer e.gt.DestroyCache(c) //nolint:errcheck

	for _, readOnly := range []bool{false, true} {
		entry, err := e.gt.PermitForeignAccess(c, 1, 0x1234, readOnly)
		if err != nil {
			return err
		}

		pfn, ro, err := e.gt.QueryReference(e.gt.GetReference(entry))
		if err != nil {
			return err
		}

		if pfn != 0x1234 || ro != readOnly {
			return failf("query returned pfn %#x read-only %t", pfn, ro)
		}

		if err = e.gt.RevokeForeignAccess(c, entry); err != nil {
			return err
		}
	}

	return nil
}

func distinctReferences(e *env) error {
	c, err := e.gt.CreateCache("selftest", 0)
	if err != nil {
		return err
	}

	live := map[hypercall.GrantRef]*gnttab.Entry{}
	frames := 0

	take := func(n int) error {
		for range n {
			entry, err := e.gt.PermitForeignAccess(c, 1, 1, true)
			if err != nil {
				return err
			}

			ref := e.gt.GetReference(entry)

			if ref < gnttab.ReservedEntries {
				return failf("reserved reference %d handed out", ref)
			}

			if _, dup := live[ref]; dup {
				return failf("reference %d handed out twice", ref)
			}

			live[ref] = entry

			f := e.bus.Gnttab().Frames()
			if f < frames {
				return failf("frames shrank from %d to %d", frames, f)
			}

			frames = f
		}

		return nil
	}

	if err = take(1000); err != nil {
		return err
	}

	released := 0

	for ref, entry := range live {
		if released == 500 {
			break
		}

		if err = e.gt.RevokeForeignAccess(c, entry); err != nil {
			return err
		}

		delete(live, ref)

		released++
	}

	if err = take(500); err != nil {
		return err
	}

	for _, entry := range live {
		if err = e.gt.RevokeForeignAccess(c, entry); err != nil {
			return err
		}
	}

	return e.gt.DestroyCache(c)
}

func virqDebug(e *env) error {
	var calls int

	ch, err := e.ev.Open(evtchn.Virq(hypercall.VirqDebug, 0), func(any) bool {
		calls++

		return true
	}, nil)
	if err != nil {
		return err
	}

	if e.ev.GetPort(ch) == 0 {
		e.ev.Close(ch)

		return failf("VIRQ_DEBUG bound to port 0")
	}

	e.ev.Unmask(ch, false)

	if _, err = e.sim.RaiseVirq(hypercall.VirqDebug, 0); err != nil {
		e.ev.Close(ch)

		return err
	}

	e.bus.Evtchn().Interrupt()

	if calls != 1 {
		e.ev.Close(ch)

		return failf("callback invoked %d times", calls)
	}

	e.ev.Close(ch)

	if e.bus.Evtchn().Enabled() {
		return failf("upcalls still enabled with no channel open")
	}

	return nil
}

func fifoDelivery(e *env) error {
	counts := make([]int, 3)
	channels := make([]*evtchn.Channel, 0, len(counts))

	defer func() {
		for _, ch := range channels {
			e.ev.Close(ch)
		}
	}()

	for i := range counts {
		ch, err := e.ev.Open(evtchn.Unbound(0, false), func(any) bool {
			counts[i]++

			return true
		}, nil)
		if err != nil {
			return err
		}

		channels = append(channels, ch)
		e.ev.Unmask(ch, false)
	}

	for _, ch := range channels {
		if err := e.sim.Raise(e.ev.GetPort(ch)); err != nil {
			return err
		}
	}

	e.bus.Evtchn().Interrupt()

	for i, n := range counts {
		if n != 1 {
			return failf("channel %d delivered %d times", i, n)
		}
	}

	return nil
}

func suspendResume(e *env) error {
	channels := make([]*evtchn.Channel, 0, 3)

	for range 3 {
		ch, err := e.ev.Open(evtchn.Unbound(0, false), nil, nil)
		if err != nil {
			return err
		}

		channels = append(channels, ch)
	}

	c, err := e.gt.CreateCache("selftest", 0)
	if err != nil {
		return err
	}

	entry, err := e.gt.PermitForeignAccess(c, 2, 0x42, false)
	if err != nil {
		return err
	}

	ref := e.gt.GetReference(entry)

	e.sim.Migrate()
	e.bus.Suspend()

	for _, ch := range channels {
		if ch.Active() {
			err = errors.Join(err, failf("port %d still active", e.ev.GetPort(ch)))
		}

		e.ev.Close(ch)
	}

	if got := e.bus.Gnttab().Frames(); got != e.sim.GrantFrames() {
		err = errors.Join(err, failf("%d grant frames, %d mapped", got, e.sim.GrantFrames()))
	}

	grant, rerr := e.sim.ReadGrant(ref)
	if rerr != nil || grant.Frame != 0x42 || grant.DomID != 2 {
		err = errors.Join(err, failf("grant %d after resume: %+v %v", ref, grant, rerr))
	}

	if rerr = e.gt.RevokeForeignAccess(c, entry); rerr != nil {
		err = errors.Join(err, rerr)
	}

	return errors.Join(err, e.gt.DestroyCache(c))
}

func hashTableConcurrency() error {
	const keys = 4096

	t := hashtable.New[int]()

	var wg sync.WaitGroup

	for worker := range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for k := worker; k < keys; k += 8 {
				t.Add(uint64(k), k)
			}
		}()
	}

	wg.Wait()

	for k := range keys {
		if v, err := t.Lookup(uint64(k)); err != nil || v != k {
			return fmt.Errorf("hashtable: lookup of %d: %d %w", k, v, errors.Join(err, errCheck))
		}

		if err := t.Remove(uint64(k)); err != nil {
			return fmt.Errorf("hashtable: %w", err)
		}

		if _, err := t.Lookup(uint64(k)); !errors.Is(err, hashtable.ErrNotFound) {
			return fmt.Errorf("hashtable: %w: key %d found after remove", errCheck, k)
		}
	}

	return t.Destroy()
}
