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
	"fmt"
	"sync/atomic"

	"vmcore.dev/vmcore/pkg/cpu"
	"vmcore.dev/vmcore/pkg/mlff"
	"vmcore.dev/vmcore/pkg/pagetables"
	"vmcore.dev/vmcore/pkg/sync"
	"vmcore.dev/vmcore/pkg/tlb"
)

// GlobalSubtree is a tree shared by every PagingContext, wired into one
// top-level slot.
type GlobalSubtree struct {
	// Index is the top-level slot.
	Index int

	// Alloc is the shared tree. Its root level must be one below the top.
	Alloc *LockedAllocator

	// Flags are the transitive flags of the top-level entry.
	Flags pagetables.Flags
}

// PagingContext is a complete top-level page table: a private tree plus
// the global subtrees. It is the unit loaded into a CPU's root register.
type PagingContext struct {
	alloc   *LockedAllocator
	globals []GlobalSubtree

	// released is set by Release.
	released atomic.Bool
}

// ContextOptions configures NewPagingContext.
type ContextOptions struct {
	// Name identifies the context in diagnostics.
	Name string

	// Geometry is the shape of the hierarchy.
	Geometry pagetables.Geometry

	// Tables allocates table pages.
	Tables pagetables.Allocator

	// Globals are injected into the top-level table.
	Globals []GlobalSubtree

	// Spin configures lock contention.
	Spin sync.Spinner
}

// NewPagingContext returns a context with an empty private part.
func NewPagingContext(mgr *tlb.Manager, opts ContextOptions) (*PagingContext, error) {
	tree, err := mlff.New(opts.Geometry, opts.Tables, opts.Geometry.Top())
	if err != nil {
		return nil, fmt.Errorf("creating top-level table of %s: %w", opts.Name, err)
	}
	for _, gs := range opts.Globals {
		if !gs.Alloc.space.Global() {
			panic(fmt.Sprintf("injecting non-global %s into %s", gs.Alloc, opts.Name))
		}
		tree.Inject(gs.Index, gs.Alloc.rootPhys(), gs.Flags)
	}
	return &PagingContext{
		alloc: NewLockedAllocator(tree, mgr, Options{
			Name: opts.Name,
			Spin: opts.Spin,
		}),
		globals: opts.Globals,
	}, nil
}

// String implements fmt.Stringer.String.
func (pc *PagingContext) String() string {
	return pc.alloc.name
}

// Allocator returns the allocator of the private part.
func (pc *PagingContext) Allocator() *LockedAllocator {
	return pc.alloc
}

// Root returns the physical address of the top-level table.
func (pc *PagingContext) Root() uint64 {
	return pc.alloc.rootPhys()
}

// Translate walks the context as the MMU would.
func (pc *PagingContext) Translate(vaddr uint64) (pagetables.Translation, bool) {
	g := pc.alloc.Read()
	defer g.Release()
	return g.Tree().Translate(pagetables.Decanonical(vaddr))
}

// Activate loads pc on CPU c, making it the current context of c in local.
//
// Preconditions: The caller runs on CPU c. The code and data in use across
// the switch, such as the kernel stack and interrupt handlers, are mapped
// at the same addresses in pc and in the previous context of c.
func (pc *PagingContext) Activate(local *CPULocal, c cpu.ID) {
	if pc.released.Load() {
		panic(fmt.Sprintf("activating released context %s", pc))
	}
	if local.Current(c) == pc {
		return
	}
	mgr := pc.alloc.mgr
	ops := mgr.Machine().CPU(c)

	pc.alloc.beginActive(c)
	asid := mgr.Claim(c, pc.alloc.space)
	mgr.PerformSwitchFlush(c, asid)

	enabled := ops.DisableInterrupts()
	ops.LoadRoot(pc.Root(), asid.PCID(), asid.IsAssigned())
	prev := local.swap(c, pc)
	ops.RestoreInterrupts(enabled)

	if prev != nil {
		prev.alloc.endActive(c)
	}
}

// Release frees the private part of pc and gives up its ASIDs.
//
// Precondition: pc is not loaded on any CPU.
func (pc *PagingContext) Release() {
	if n := pc.alloc.ActiveCount(); n != 0 {
		panic(fmt.Sprintf("releasing context %s loaded on %d CPUs", pc, n))
	}
	if pc.released.Swap(true) {
		panic(fmt.Sprintf("double release of context %s", pc))
	}
	g := pc.alloc.Write()
	defer g.Release()
	g.Tree().Release()
	pc.alloc.space.Release()
}

// PinGlobal records that the global tree a is reachable from whatever
// context CPU c loads, from now on until UnpinGlobal.
func (a *LockedAllocator) PinGlobal(c cpu.ID) {
	if !a.space.Global() {
		panic(fmt.Sprintf("pinning non-global %s", a))
	}
	a.beginActive(c)
}

// UnpinGlobal reverses PinGlobal.
func (a *LockedAllocator) UnpinGlobal(c cpu.ID) {
	a.endActive(c)
}

// CPULocal holds the context each CPU has loaded.
type CPULocal struct {
	current []atomic.Pointer[PagingContext]
}

// NewCPULocal returns per-CPU state for n CPUs.
func NewCPULocal(n int) *CPULocal {
	return &CPULocal{current: make([]atomic.Pointer[PagingContext], n)}
}

// Current returns the context loaded on c, or nil.
func (l *CPULocal) Current(c cpu.ID) *PagingContext {
	return l.current[c].Load()
}

func (l *CPULocal) swap(c cpu.ID, pc *PagingContext) *PagingContext {
	return l.current[c].Swap(pc)
}
