// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tlb

import (
	"fmt"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"
	"vmcore.dev/vmcore/pkg/cpu"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/sync"
)

// table is a page table as seen by the TLB manager.
type table struct {
	mu    sync.ActiveRWMutex
	space *AddressSpace
}

func newTable(m *Manager, name string, global bool) *table {
	t := &table{}
	t.space = m.NewAddressSpace(name, &t.mu, global)
	return t
}

// load marks t loaded on c and returns its ASID there.
func (t *table) load(m *Manager, c cpu.ID) ASID {
	t.mu.BeginActive()
	m.BeginActive(c, t.space)
	a := m.Claim(c, t.space)
	m.PerformSwitchFlush(c, a)
	m.Machine().CPU(c).LoadRoot(0x1000, a.PCID(), a.IsAssigned())
	return a
}

func (t *table) unload(m *Manager, c cpu.ID) {
	m.EndActive(c, t.space)
	t.mu.EndActive()
}

func newManager(ncpu, asids int, broadcast bool) (*Manager, *cpu.SimMachine) {
	machine := cpu.NewSimMachine(ncpu, broadcast)
	return NewManager(machine, Options{ASIDs: asids}), machine
}

func ranges(addrs ...uint64) []hostarch.AddrRange {
	var rs []hostarch.AddrRange
	for _, a := range addrs {
		rs = append(rs, hostarch.AddrRange{Start: hostarch.Addr(a), End: hostarch.Addr(a + hostarch.PageSize)})
	}
	return rs
}

func TestClaimExhaustionAndReclaim(t *testing.T) {
	m, _ := newManager(1, 2, false)
	var tables []*table
	var got []ASID
	for i := 0; i < 3; i++ {
		tb := newTable(m, fmt.Sprintf("t%d", i), false)
		tables = append(tables, tb)
		got = append(got, tb.load(m, 0))
	}
	want := []ASID{Assigned(1), Assigned(2), Unassigned}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(ASID{})); diff != "" {
		t.Errorf("claims with every owner loaded (-want +got):\n%s", diff)
	}
	if s := m.Stats(); s.ClaimFailures != 1 {
		t.Errorf("ClaimFailures = %d, want 1", s.ClaimFailures)
	}

	tables[0].unload(m, 0)
	tables[0].space.Release()
	if a := m.Claim(0, tables[2].space); a != Assigned(1) {
		t.Errorf("claim after release = %v, want asid1", a)
	}
	if s := m.Stats(); s.Reclaims != 3 {
		t.Errorf("Reclaims = %d, want 3", s.Reclaims)
	}
}

func TestClaimEvictsLeastRecentlyUsed(t *testing.T) {
	m, machine := newManager(1, 2, false)
	t1 := newTable(m, "t1", false)
	t2 := newTable(m, "t2", false)
	t3 := newTable(m, "t3", false)

	if a := m.Claim(0, t1.space); a != Assigned(1) {
		t.Fatalf("t1 claimed %v", a)
	}
	if a := m.Claim(0, t2.space); a != Assigned(2) {
		t.Fatalf("t2 claimed %v", a)
	}
	machine.Sim(0).ResetEvents()
	if a := m.Claim(0, t3.space); a != Assigned(1) {
		t.Fatalf("t3 claimed %v, want t1's asid1", a)
	}
	if a := t1.space.ASID(0); a.IsAssigned() {
		t.Errorf("evicted t1 still holds %v", a)
	}
	want := []cpu.Event{{Kind: cpu.EventInvalidatePCID, PCID: 1}}
	if diff := cmp.Diff(want, machine.Sim(0).Events()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}

	// A repeated claim refreshes t2, so t3 is now the oldest.
	if a := m.Claim(0, t2.space); a != Assigned(2) {
		t.Errorf("t2 reclaimed %v", a)
	}
	if a := m.Claim(0, t1.space); a != Assigned(1) {
		t.Errorf("t1 claimed %v, want t3's asid1", a)
	}
	if got := m.Pool(0).Owner(Assigned(1)); got != t1.space {
		t.Errorf("owner of asid1 = %v, want t1", got)
	}
	if s := m.Stats(); s.Evictions != 2 || s.ClaimHits != 1 {
		t.Errorf("stats = %+v, want 2 evictions and 1 hit", s)
	}
	runtime.KeepAlive(t3)
}

func TestClaimSkipsLockedOwner(t *testing.T) {
	m, _ := newManager(1, 2, false)
	t1 := newTable(m, "t1", false)
	t2 := newTable(m, "t2", false)
	t3 := newTable(m, "t3", false)
	m.Claim(0, t1.space)
	m.Claim(0, t2.space)

	t1.mu.RLock()
	defer t1.mu.RUnlock()
	if a := m.Claim(0, t3.space); a != Assigned(2) {
		t.Errorf("claim = %v, want asid2 of the unlocked owner", a)
	}
}

func TestClaimReclaimsDroppedOwner(t *testing.T) {
	m, _ := newManager(1, 1, false)
	func() {
		gone := newTable(m, "gone", false)
		m.Claim(0, gone.space)
	}()
	runtime.GC()

	keep := newTable(m, "keep", false)
	keep.mu.RLock() // Never evictable.
	defer keep.mu.RUnlock()
	if a := m.Claim(0, keep.space); a != Assigned(1) {
		t.Errorf("claim = %v, want the ASID of the dropped space", a)
	}
	if s := m.Stats(); s.Reclaims != 2 || s.Evictions != 0 {
		t.Errorf("stats = %+v, want 2 reclaims", s)
	}
}

func TestGlobalSpaceHasNoASID(t *testing.T) {
	m, _ := newManager(1, 4, false)
	g := newTable(m, "kernel", true)
	if a := g.load(m, 0); a.IsAssigned() {
		t.Errorf("global space claimed %v", a)
	}
}

func TestPushFlushesTargets(t *testing.T) {
	m, _ := newManager(3, 4, false)
	tb := newTable(m, "t", false)

	// cpu0: assigned, no longer loaded.
	tb.load(m, 0)
	tb.unload(m, 0)

	// cpu1: loaded without an ASID.
	tb.mu.BeginActive()
	m.BeginActive(1, tb.space)

	// cpu2: touched without an ASID, no longer loaded.
	m.BeginActive(2, tb.space)
	m.EndActive(2, tb.space)

	m.PushFlushes(tb.space, ranges(0x4000))
	got := []int{m.PendingLists(0), m.PendingLists(1), m.PendingLists(2)}
	if diff := cmp.Diff([]int{1, 1, 0}, got); diff != "" {
		t.Errorf("pending lists per CPU (-want +got):\n%s", diff)
	}
}

func TestLazyInvalidate(t *testing.T) {
	m, machine := newManager(2, 4, false)
	tb := newTable(m, "t", false)
	a0 := tb.load(m, 0)
	a1 := tb.load(m, 1)
	c0, c1 := machine.Sim(0), machine.Sim(1)
	c0.Cache(0x7000, false)
	c1.Cache(0x7000, false)

	// Unload from cpu0: its cached translation survives the switch away.
	tb.unload(m, 0)
	c1.ResetEvents()

	m.Invalidate(tb.space, ranges(0x7000))
	if c1.Cached(a1.PCID(), 0x7000) {
		t.Errorf("cpu1, where the table is loaded, kept the stale translation")
	}
	want := []cpu.Event{
		{Kind: cpu.EventShootdown, Vector: tb.space.ActiveID()},
		{Kind: cpu.EventInvalidatePage, PCID: a1.PCID(), Addr: 0x7000},
	}
	if diff := cmp.Diff(want, c1.Events()); diff != "" {
		t.Errorf("cpu1 events (-want +got):\n%s", diff)
	}

	if !c0.Cached(a0.PCID(), 0x7000) {
		t.Fatalf("cpu0 translation flushed eagerly")
	}
	if got := tb.load(m, 0); got != a0 {
		t.Fatalf("reload on cpu0 got %v, want %v", got, a0)
	}
	if c0.Cached(a0.PCID(), 0x7000) {
		t.Errorf("cpu0 kept the stale translation after reloading the table")
	}
	if s := m.Stats(); s.Shootdowns != 1 {
		t.Errorf("Shootdowns = %d, want 1", s.Shootdowns)
	}
}

func TestBroadcastInvalidate(t *testing.T) {
	m, machine := newManager(2, 4, true)
	tb := newTable(m, "t", false)
	var asids []ASID
	for i := 0; i < 2; i++ {
		asids = append(asids, tb.load(m, cpu.ID(i)))
		machine.Sim(cpu.ID(i)).Cache(0x9000, false)
	}
	m.Invalidate(tb.space, ranges(0x9000))
	for i := 0; i < 2; i++ {
		c := machine.Sim(cpu.ID(i))
		if c.Cached(asids[i].PCID(), 0x9000) {
			t.Errorf("cpu%d kept the translation", i)
		}
		for _, e := range c.Events() {
			if e.Kind == cpu.EventShootdown {
				t.Errorf("cpu%d received a shootdown", i)
			}
		}
	}
	if s := m.Stats(); s.Broadcasts != 1 || s.Queued != 0 {
		t.Errorf("stats = %+v, want one broadcast and nothing queued", s)
	}
}

func TestOverflowCollapses(t *testing.T) {
	machine := cpu.NewSimMachine(1, false)
	m := NewManager(machine, Options{ASIDs: 4, MaxPending: 2})
	tb := newTable(m, "t", false)
	a := tb.load(m, 0)
	tb.unload(m, 0)

	m.PushFlushes(tb.space, ranges(0x1000, 0x2000, 0x3000))
	machine.Sim(0).ResetEvents()
	m.PerformSwitchFlush(0, a)
	want := []cpu.Event{{Kind: cpu.EventInvalidatePCID, PCID: a.PCID()}}
	if diff := cmp.Diff(want, machine.Sim(0).Events()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
	if s := m.Stats(); s.Overflows != 1 {
		t.Errorf("Overflows = %d, want 1", s.Overflows)
	}

	// A single large range collapses as well.
	big := []hostarch.AddrRange{{Start: 0, End: hostarch.HugePageSize}}
	m.PushFlushes(tb.space, big)
	if s := m.Stats(); s.Overflows != 2 {
		t.Errorf("Overflows = %d, want 2", s.Overflows)
	}
}

func TestGlobalFlushesDrainOnEverySwitch(t *testing.T) {
	m, machine := newManager(1, 4, false)
	kernel := newTable(m, "kernel", true)
	kernel.load(m, 0)
	kernel.unload(m, 0)
	user := newTable(m, "user", false)

	const addr = 0xffff800000001000
	machine.Sim(0).Cache(addr, true)
	m.PushFlushes(kernel.space, ranges(addr))
	user.load(m, 0)
	if machine.Sim(0).Cached(0, addr) {
		t.Errorf("global translation survived a switch")
	}
}

func TestTopOfAddressSpace(t *testing.T) {
	m, machine := newManager(1, 4, false)
	kernel := newTable(m, "kernel", true)
	kernel.load(m, 0)
	top := hostarch.AddrRange{Start: hostarch.Addr(^uint64(0) - 2*hostarch.PageSize + 1), End: 0}
	machine.Sim(0).ResetEvents()
	m.Invalidate(kernel.space, []hostarch.AddrRange{top})
	var pages int
	for _, e := range machine.Sim(0).Events() {
		if e.Kind == cpu.EventInvalidateGlobal {
			pages++
		}
	}
	if pages != 2 {
		t.Errorf("invalidated %d pages of the last two, want 2", pages)
	}
}

func TestActiveIDs(t *testing.T) {
	var p ActiveIDs
	a, b := p.Get(), p.Get()
	if a.ID() != 1 || b.ID() != 2 {
		t.Errorf("IDs = %d, %d; want 1, 2", a.ID(), b.ID())
	}
	a.Release()
	if c := p.Get(); c.ID() != 1 {
		t.Errorf("reused ID = %d, want 1", c.ID())
	}
	if p.Live() != 2 {
		t.Errorf("Live() = %d, want 2", p.Live())
	}
	defer func() {
		if recover() == nil {
			t.Errorf("double release did not panic")
		}
	}()
	b.Release()
	b.Release()
}

func TestActiveIDFollowsLoads(t *testing.T) {
	m, _ := newManager(2, 4, false)
	tb := newTable(m, "t", false)
	tb.load(m, 0)
	tb.load(m, 1)
	if tb.space.ActiveID() == 0 || m.LiveActiveIDs() != 1 {
		t.Errorf("ActiveID = %d, live = %d", tb.space.ActiveID(), m.LiveActiveIDs())
	}
	tb.unload(m, 0)
	tb.unload(m, 1)
	if tb.space.ActiveID() != 0 || m.LiveActiveIDs() != 0 {
		t.Errorf("ActiveID = %d, live = %d after unloading everywhere", tb.space.ActiveID(), m.LiveActiveIDs())
	}
}

func TestReleaseWhileLoadedPanics(t *testing.T) {
	m, _ := newManager(1, 4, false)
	tb := newTable(m, "t", false)
	tb.load(m, 0)
	defer func() {
		if recover() == nil {
			t.Errorf("Release of a loaded space did not panic")
		}
	}()
	tb.space.Release()
}
