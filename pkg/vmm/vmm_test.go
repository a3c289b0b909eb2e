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

package vmm

import (
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"vmcore.dev/vmcore/pkg/cpu"
	"vmcore.dev/vmcore/pkg/mlff"
	"vmcore.dev/vmcore/pkg/pagetables"
	"vmcore.dev/vmcore/pkg/tlb"
)

const (
	pageSize = 0x1000
	hugeSize = 0x200000

	// treeBase is where the 1GB test trees start.
	treeBase = 0x40000000

	// blockedFor is how long a waiter must stay blocked to be considered
	// stuck.
	blockedFor = 50 * time.Millisecond
)

type fixture struct {
	machine *cpu.SimMachine
	mgr     *tlb.Manager
	tables  *pagetables.RuntimeAllocator
}

func newFixture(ncpu int, broadcast bool) *fixture {
	machine := cpu.NewSimMachine(ncpu, broadcast)
	return &fixture{
		machine: machine,
		mgr:     tlb.NewManager(machine, tlb.Options{ASIDs: 8}),
		tables:  pagetables.NewRuntimeAllocator(),
	}
}

// newAllocator returns a 1GB tree rooted at level 1 starting at treeBase.
func (f *fixture) newAllocator(t *testing.T, name string, global bool) *LockedAllocator {
	t.Helper()
	tree, err := mlff.New(pagetables.X86_64, f.tables, 1)
	if err != nil {
		t.Fatalf("mlff.New: %v", err)
	}
	return NewLockedAllocator(tree, f.mgr, Options{Name: name, Base: treeBase, Global: global})
}

func (f *fixture) newContext(t *testing.T, name string, globals ...GlobalSubtree) *PagingContext {
	t.Helper()
	pc, err := NewPagingContext(f.mgr, ContextOptions{
		Name:     name,
		Geometry: pagetables.X86_64,
		Tables:   f.tables,
		Globals:  globals,
	})
	if err != nil {
		t.Fatalf("NewPagingContext: %v", err)
	}
	return pc
}

func mustPanic(t *testing.T, want string, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		if r == nil {
			t.Errorf("no panic, want one containing %q", want)
			return
		}
		if msg, ok := r.(string); !ok || !strings.Contains(msg, want) {
			t.Errorf("panic %v, want one containing %q", r, want)
		}
	}()
	fn()
}

func TestWriteWhenActiveWaitsForLogicalReader(t *testing.T) {
	for _, n := range []int{0, 1, 3} {
		f := newFixture(4, false)
		a := f.newAllocator(t, "tree", false)
		for c := 0; c < n; c++ {
			a.beginActive(cpu.ID(c))
		}
		r := a.Read()

		done := make(chan *WriteGuard)
		go func() {
			done <- a.WriteWhenActive()
		}()
		select {
		case <-done:
			t.Fatalf("n=%d: WriteWhenActive returned while a read guard was held", n)
		case <-time.After(blockedFor):
		}

		r.Release()
		var g *WriteGuard
		select {
		case g = <-done:
		case <-time.After(10 * time.Second):
			t.Fatalf("n=%d: WriteWhenActive did not return after the read guard was dropped", n)
		}
		if got, want := g.Options.AutoFlushTLB, n > 0; got != want {
			t.Errorf("n=%d: AutoFlushTLB = %t, want %t", n, got, want)
		}
		g.Release()

		for c := 0; c < n; c++ {
			a.endActive(cpu.ID(c))
		}
		if got := a.Readers(); got != 0 {
			t.Errorf("n=%d: Readers() = %d after release, want 0", n, got)
		}
	}
}

func TestWriteExcludesLoadedTree(t *testing.T) {
	f := newFixture(1, false)
	a := f.newAllocator(t, "tree", false)
	a.beginActive(0)

	done := make(chan *WriteGuard)
	go func() {
		done <- a.Write()
	}()
	select {
	case <-done:
		t.Fatalf("Write returned while the tree was loaded")
	case <-time.After(blockedFor):
	}

	a.endActive(0)
	select {
	case g := <-done:
		g.Release()
	case <-time.After(10 * time.Second):
		t.Fatalf("Write did not return after the tree was unloaded")
	}
}

func TestGuardDoubleRelease(t *testing.T) {
	f := newFixture(1, false)
	a := f.newAllocator(t, "tree", false)

	r := a.Read()
	r.Release()
	mustPanic(t, "double release of read guard", r.Release)

	w := a.WriteWhenActive()
	w.Release()
	mustPanic(t, "double release of write guard", w.Release)
}

func TestAllocateAndTranslate(t *testing.T) {
	f := newFixture(1, false)
	a := f.newAllocator(t, "tree", false)

	p, ok := a.Allocate(3*pageSize, mlff.Default)
	if !ok {
		t.Fatalf("Allocate failed")
	}
	if got := p.Len(); got != 3*pageSize {
		t.Errorf("Len() = %#x, want %#x", got, 3*pageSize)
	}
	if v := p.VirtAddr(); v < treeBase || v%pageSize != 0 {
		t.Errorf("VirtAddr() = %#x, want a page in the tree at %#x", v, treeBase)
	}
	const phys = 0x800000
	if !p.SetBaseAddr(phys, pagetables.Writable) {
		t.Fatalf("SetBaseAddr failed")
	}

	r := a.Read()
	defer r.Release()
	tr, ok := r.Tree().Translate(p.VirtAddr() + pageSize + 0x10 - treeBase)
	if !ok {
		t.Fatalf("Translate of a mapped page failed")
	}
	if got, want := tr.Physical, uint64(phys+pageSize+0x10); got != want {
		t.Errorf("Physical = %#x, want %#x", got, want)
	}
	if tr.Level != 0 || tr.Entry.Kind != pagetables.EntryPresent {
		t.Errorf("translation %+v, want a present leaf entry", tr)
	}
}

func TestAllocateAlignedOffset(t *testing.T) {
	f := newFixture(1, false)
	a := f.newAllocator(t, "mmio", false)

	const phys = 0xfee00ff8
	p, ok := a.AllocateAlignedOffset(16, phys, mlff.DynamicMMIO)
	if !ok {
		t.Fatalf("AllocateAlignedOffset failed")
	}
	if got := p.VirtAddr() % pageSize; got != phys%pageSize {
		t.Errorf("VirtAddr() %#x has page offset %#x, want %#x", p.VirtAddr(), got, phys%pageSize)
	}
	if !p.SetBaseAddr(phys, pagetables.NoCache|pagetables.WriteThrough) {
		t.Fatalf("SetBaseAddr failed")
	}
	r := a.Read()
	defer r.Release()
	for _, off := range []uint64{0, 8, 15} {
		tr, ok := r.Tree().Translate(p.VirtAddr() + off - treeBase)
		if !ok || tr.Physical != phys+off {
			t.Errorf("Translate(+%d) = %#x, %t, want %#x", off, tr.Physical, ok, phys+off)
		}
	}
}

func TestAllocateAt(t *testing.T) {
	f := newFixture(1, false)
	a := f.newAllocator(t, "tree", false)

	p, ok := a.AllocateAt(treeBase+0x10000, 2*pageSize)
	if !ok {
		t.Fatalf("AllocateAt failed")
	}
	if got := p.VirtAddr(); got != treeBase+0x10000 {
		t.Errorf("VirtAddr() = %#x, want %#x", got, treeBase+0x10000)
	}
	if _, ok := a.AllocateAt(treeBase+0x11000, pageSize); ok {
		t.Errorf("AllocateAt of a used page succeeded")
	}
	mustPanic(t, "below", func() { a.AllocateAt(treeBase-pageSize, pageSize) })

	p.Release()
	if _, ok := a.AllocateAt(treeBase+0x11000, pageSize); !ok {
		t.Errorf("AllocateAt after release failed")
	}
}

func TestTagMismatch(t *testing.T) {
	f := newFixture(1, false)
	a := f.newAllocator(t, "a", false)
	b := f.newAllocator(t, "b", false)

	p, ok := a.Allocate(pageSize, mlff.Default)
	if !ok {
		t.Fatalf("Allocate failed")
	}
	mustPanic(t, "presented to b", func() { b.Deallocate(p) })
	mustPanic(t, "presented to b", func() { b.SetAbsent(p, 0) })

	// a is unaffected.
	p.Release()
}

func TestReleaseConsumes(t *testing.T) {
	f := newFixture(1, false)
	a := f.newAllocator(t, "tree", false)
	p, _ := a.Allocate(pageSize, mlff.Default)
	p.Release()
	mustPanic(t, "use of released allocation", p.Release)
	mustPanic(t, "use of released allocation", func() { p.VirtAddr() })
}

func TestConcurrentReleaseOnce(t *testing.T) {
	f := newFixture(1, false)
	a := f.newAllocator(t, "tree", false)
	for i := 0; i < 20; i++ {
		p, ok := a.Allocate(pageSize, mlff.Default)
		if !ok {
			t.Fatalf("Allocate failed")
		}
		var released, panicked atomic.Int32
		var g errgroup.Group
		for j := 0; j < 8; j++ {
			g.Go(func() error {
				defer func() {
					if r := recover(); r != nil {
						if !strings.Contains(r.(string), "use of released allocation") {
							t.Errorf("unexpected panic: %v", r)
						}
						panicked.Add(1)
					}
				}()
				p.Release()
				released.Add(1)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatalf("Wait: %v", err)
		}
		if released.Load() != 1 || panicked.Load() != 7 {
			t.Fatalf("%d releases succeeded and %d panicked, want 1 and 7", released.Load(), panicked.Load())
		}
	}
}

func TestSplitGuardPage(t *testing.T) {
	f := newFixture(1, false)
	a := f.newAllocator(t, "stacks", false)
	p, ok := a.Allocate(4*pageSize, mlff.KernelStack)
	if !ok {
		t.Fatalf("Allocate failed")
	}
	start := p.VirtAddr()

	guard, stack, ok := p.Split(pageSize)
	if !ok {
		t.Fatalf("Split failed")
	}
	mustPanic(t, "use of released allocation", func() { p.VirtAddr() })
	if guard.VirtAddr() != start || guard.Len() != pageSize {
		t.Errorf("guard [%#x, +%#x), want [%#x, +%#x)", guard.VirtAddr(), guard.Len(), start, pageSize)
	}
	if stack.VirtAddr() != start+pageSize || stack.Len() != 3*pageSize {
		t.Errorf("stack [%#x, +%#x), want [%#x, +%#x)", stack.VirtAddr(), stack.Len(), start+pageSize, 3*pageSize)
	}

	const sentinel = 0x57ac
	guard.SetAbsent(sentinel)
	if !stack.SetBaseAddr(0x100000, pagetables.Writable|pagetables.NoExecute) {
		t.Fatalf("SetBaseAddr failed")
	}
	r := a.Read()
	tr, ok := r.Tree().Translate(start - treeBase)
	r.Release()
	if !ok || tr.Entry.Kind != pagetables.EntryAbsent || tr.Entry.Data != sentinel {
		t.Errorf("guard translates to %+v, %t, want absent entry carrying %#x", tr, ok, sentinel)
	}

	guard.Release()
	stack.Release()
	r = a.Read()
	defer r.Release()
	if err := r.Tree().Verify(); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestSplitLoadedHugePageFlushes(t *testing.T) {
	f := newFixture(1, false)
	a := f.newAllocator(t, "tree", false)
	p, ok := a.AllocateAt(treeBase+hugeSize, 2*hugeSize)
	if !ok {
		t.Fatalf("AllocateAt failed")
	}
	if !p.SetBaseAddr(0x40000000, pagetables.Writable) {
		t.Fatalf("SetBaseAddr failed")
	}

	a.beginActive(0)
	defer a.endActive(0)
	before := f.mgr.Stats()
	left, right, ok := p.Split(hugeSize / 2)
	if !ok {
		t.Fatalf("Split failed")
	}
	after := f.mgr.Stats()
	if after.Shootdowns != before.Shootdowns+1 {
		t.Errorf("Shootdowns = %d, want %d", after.Shootdowns, before.Shootdowns+1)
	}

	// No huge page straddles this point, so nothing needs flushing.
	l2, r2, ok := right.Split(hugeSize / 2)
	if !ok {
		t.Fatalf("Split failed")
	}
	if got := f.mgr.Stats().Shootdowns; got != after.Shootdowns {
		t.Errorf("Shootdowns = %d after a split along page boundaries, want %d", got, after.Shootdowns)
	}

	// The split halves still map the original memory.
	r := a.Read()
	tr, ok := r.Tree().Translate(l2.VirtAddr() - treeBase)
	r.Release()
	if want := uint64(0x40000000 + hugeSize/2); !ok || tr.Physical != want {
		t.Errorf("Translate(%#x) = %#x, %t, want %#x", l2.VirtAddr(), tr.Physical, ok, want)
	}
	for _, p := range []*PageAllocation{left, l2, r2} {
		p.Release()
	}
}

func TestMutationOfLoadedContextInvalidates(t *testing.T) {
	for _, broadcast := range []bool{false, true} {
		f := newFixture(2, broadcast)
		local := NewCPULocal(2)
		pc := f.newContext(t, "user")
		pc.Activate(local, 0)

		p, ok := pc.Allocator().Allocate(pageSize, mlff.UserHeap)
		if !ok {
			t.Fatalf("Allocate failed")
		}
		if !p.SetBaseAddr(0x1000, pagetables.Writable|pagetables.User) {
			t.Fatalf("SetBaseAddr failed")
		}
		sim := f.machine.Sim(0)
		sim.Cache(p.VirtAddr(), false)
		_, pcid := sim.Loaded()
		if !sim.Cached(pcid, p.VirtAddr()) {
			t.Fatalf("translation not cached")
		}

		if !p.SetBaseAddr(0x3000, pagetables.Writable|pagetables.User) {
			t.Fatalf("SetBaseAddr failed")
		}
		if sim.Cached(pcid, p.VirtAddr()) {
			t.Errorf("broadcast=%t: stale translation survived remapping", broadcast)
		}
		if tr, ok := pc.Translate(p.VirtAddr()); !ok || tr.Physical != 0x3000 {
			t.Errorf("broadcast=%t: Translate = %#x, %t, want 0x3000", broadcast, tr.Physical, ok)
		}
	}
}

func TestActivate(t *testing.T) {
	f := newFixture(2, false)
	local := NewCPULocal(2)
	a := f.newContext(t, "a")
	b := f.newContext(t, "b")
	sim := f.machine.Sim(0)

	a.Activate(local, 0)
	want := []cpu.Event{
		{Kind: cpu.EventInterruptsOff},
		{Kind: cpu.EventLoadRoot, Root: a.Root(), PCID: 1, Preserve: true},
		{Kind: cpu.EventInterruptsOn},
	}
	if diff := cmp.Diff(want, sim.Events()); diff != "" {
		t.Errorf("events of first activation (-want +got):\n%s", diff)
	}
	if local.Current(0) != a || a.Allocator().ActiveCount() != 1 {
		t.Errorf("after activation: current %v, active count %d", local.Current(0), a.Allocator().ActiveCount())
	}

	// Activating the current context does nothing.
	sim.ResetEvents()
	a.Activate(local, 0)
	if got := sim.Events(); len(got) != 0 {
		t.Errorf("re-activation produced events %v", got)
	}

	b.Activate(local, 0)
	if local.Current(0) != b {
		t.Errorf("current = %v, want b", local.Current(0))
	}
	if got := a.Allocator().ActiveCount(); got != 0 {
		t.Errorf("a still active on %d CPUs", got)
	}
	if got := b.Allocator().ActiveCount(); got != 1 {
		t.Errorf("b active on %d CPUs, want 1", got)
	}

	// Interrupts stay off if they were off before.
	sim.DisableInterrupts()
	a.Activate(local, 0)
	if sim.InterruptsEnabled() {
		t.Errorf("activation enabled interrupts")
	}
	sim.RestoreInterrupts(true)
	b.Activate(local, 0)
	if !sim.InterruptsEnabled() {
		t.Errorf("activation left interrupts off")
	}
}

func TestActivateWithGlobals(t *testing.T) {
	f := newFixture(2, false)
	local := NewCPULocal(2)

	tree, err := mlff.New(pagetables.X86_64, f.tables, 2)
	if err != nil {
		t.Fatalf("mlff.New: %v", err)
	}
	kernelBase := pagetables.Canonical(511 << 39)
	kernel := NewLockedAllocator(tree, f.mgr, Options{Name: "kernel", Base: kernelBase, Global: true})
	for c := 0; c < 2; c++ {
		kernel.PinGlobal(cpu.ID(c))
	}
	pc := f.newContext(t, "user", GlobalSubtree{Index: 511, Alloc: kernel, Flags: pagetables.Writable})
	pc.Activate(local, 1)

	p, ok := kernel.Allocate(pageSize, mlff.KernelHeap)
	if !ok {
		t.Fatalf("Allocate failed")
	}
	if !p.SetBaseAddr(0x5000, pagetables.Writable|pagetables.Global) {
		t.Fatalf("SetBaseAddr failed")
	}
	if tr, ok := pc.Translate(p.VirtAddr()); !ok || tr.Physical != 0x5000 {
		t.Errorf("Translate(%#x) through the context = %#x, %t, want 0x5000", p.VirtAddr(), tr.Physical, ok)
	}
	if a := kernel.Space().ASID(1); a.IsAssigned() {
		t.Errorf("global tree claimed %v", a)
	}

	va := p.VirtAddr()
	f.machine.Sim(1).Cache(va, true)
	p.Release()
	if f.machine.Sim(1).Cached(0, va) {
		t.Errorf("global translation survived release")
	}

	mustPanic(t, "non-global", func() {
		f.newContext(t, "bad", GlobalSubtree{Index: 1, Alloc: f.newAllocator(t, "private", false)})
	})
}

func TestContextRelease(t *testing.T) {
	f := newFixture(1, false)
	local := NewCPULocal(1)
	a := f.newContext(t, "a")
	b := f.newContext(t, "b")
	tables := f.tables.Tables()

	a.Activate(local, 0)
	p, ok := a.Allocator().Allocate(3*pageSize, mlff.UserHeap)
	if !ok {
		t.Fatalf("Allocate failed")
	}
	_ = p
	mustPanic(t, "loaded on 1 CPUs", a.Release)

	b.Activate(local, 0)
	a.Release()
	if got := f.tables.Tables(); got >= tables {
		t.Errorf("Tables() = %d after release, want fewer than %d", got, tables)
	}
	if !a.Allocator().Space().Released() {
		t.Errorf("address space not released")
	}
	mustPanic(t, "double release", a.Release)
	mustPanic(t, "released context", func() { a.Activate(local, 0) })
}
