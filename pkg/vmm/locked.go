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

// Package vmm serializes access to page-table trees that may be loaded on
// CPUs, and hands out the allocations made in them.
//
// A LockedAllocator guards one mlff.Tree with a sync.ActiveRWMutex. Loading
// the tree on a CPU takes an active hold that lasts until the tree is
// unloaded, so ordinary writers are excluded for as long as the tree is
// loaded anywhere. Mutations of a loaded tree go through WriteWhenActive,
// whose guard invalidates stale translations after every change.
package vmm

import (
	"fmt"

	"vmcore.dev/vmcore/pkg/atomicbitops"
	"vmcore.dev/vmcore/pkg/cpu"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/mlff"
	"vmcore.dev/vmcore/pkg/pagetables"
	"vmcore.dev/vmcore/pkg/sync"
	"vmcore.dev/vmcore/pkg/tlb"
)

// lastTag is the last tag handed to a LockedAllocator.
var lastTag atomicbitops.Uint64

// Options configures a LockedAllocator.
type Options struct {
	// Name identifies the allocator in diagnostics.
	Name string

	// Base is the virtual address of the first byte of the tree's span.
	Base uint64

	// Global marks a tree whose translations are shared by every page
	// table, such as the kernel half of the address space.
	Global bool

	// Spin configures lock contention.
	Spin sync.Spinner
}

// LockedAllocator is an mlff.Tree behind a lock that knows about the CPUs
// the tree is loaded on.
type LockedAllocator struct {
	name string
	base uint64
	tag  uint64

	mu sync.ActiveRWMutex

	// +checklocks:mu
	tree *mlff.Tree

	mgr   *tlb.Manager
	space *tlb.AddressSpace
}

// NewLockedAllocator takes ownership of tree.
func NewLockedAllocator(tree *mlff.Tree, mgr *tlb.Manager, opts Options) *LockedAllocator {
	a := &LockedAllocator{
		name: opts.Name,
		base: opts.Base,
		tag:  lastTag.Add(1),
		tree: tree,
		mgr:  mgr,
	}
	a.mu.Spin = opts.Spin
	a.space = mgr.NewAddressSpace(opts.Name, &a.mu, opts.Global)
	return a
}

// String implements fmt.Stringer.String.
func (a *LockedAllocator) String() string {
	return a.name
}

// Base returns the virtual address of the start of the tree's span.
func (a *LockedAllocator) Base() uint64 {
	return a.base
}

// Space returns the TLB state of the tree.
func (a *LockedAllocator) Space() *tlb.AddressSpace {
	return a.space
}

// ActiveCount returns the number of CPUs the tree is loaded on.
func (a *LockedAllocator) ActiveCount() int32 {
	return a.mu.ActiveCount()
}

// Readers returns the live reader count of the lock.
func (a *LockedAllocator) Readers() int {
	return a.mu.Readers()
}

// rootPhys returns the physical address of the root table. The root never
// changes, so no lock is needed.
//
// +checklocksignore
func (a *LockedAllocator) rootPhys() uint64 {
	return a.tree.RootTable().Physical()
}

// beginActive records that the tree is being loaded on CPU c. The hold it
// takes is released by endActive.
func (a *LockedAllocator) beginActive(c cpu.ID) {
	a.mu.BeginActive()
	a.mgr.BeginActive(c, a.space)
}

// endActive reverses beginActive.
func (a *LockedAllocator) endActive(c cpu.ID) {
	a.mgr.EndActive(c, a.space)
	a.mu.EndActive()
}

// ReadGuard is a logical read lock.
type ReadGuard struct {
	a    *LockedAllocator
	done bool
}

// Read takes a logical read lock.
func (a *LockedAllocator) Read() *ReadGuard {
	a.mu.RLock()
	return &ReadGuard{a: a}
}

// Tree returns the guarded tree. It must not be mutated.
func (g *ReadGuard) Tree() *mlff.Tree {
	return g.a.tree
}

// Release drops the lock.
func (g *ReadGuard) Release() {
	if g.done {
		panic(fmt.Sprintf("double release of read guard on %s", g.a.name))
	}
	g.done = true
	g.a.mu.RUnlock()
}

// GuardOptions describe obligations of a WriteGuard.
type GuardOptions struct {
	// AutoFlushTLB is set when the tree was loaded on some CPU when the
	// guard was acquired. Every mutation through the guard then
	// invalidates the translations it changed before returning.
	AutoFlushTLB bool
}

// WriteGuard is exclusive access to the tree with respect to other logical
// users. Hardware may still walk the tree if it was obtained with
// WriteWhenActive.
type WriteGuard struct {
	a       *LockedAllocator
	active  bool
	done    bool
	Options GuardOptions
}

// Write takes the lock exclusively. It is meant for trees that are not
// loaded anywhere, and spins for as long as one is.
func (a *LockedAllocator) Write() *WriteGuard {
	a.mu.Lock()
	return &WriteGuard{a: a}
}

// WriteWhenActive takes the lock exclusively with respect to logical
// readers while tolerating CPUs that have the tree loaded. It waits until
// every remaining reader is such a CPU.
func (a *LockedAllocator) WriteWhenActive() *WriteGuard {
	a.mu.LockUpgradable()
	n := a.mu.UpgradeWhenActive()
	return &WriteGuard{
		a:       a,
		active:  true,
		Options: GuardOptions{AutoFlushTLB: n > 0},
	}
}

// Tree returns the guarded tree. Mutations made directly on it are not
// flushed; use the guard's helpers for committed allocations.
func (g *WriteGuard) Tree() *mlff.Tree {
	return g.a.tree
}

// Release drops the lock.
func (g *WriteGuard) Release() {
	if g.done {
		panic(fmt.Sprintf("double release of write guard on %s", g.a.name))
	}
	g.done = true
	if g.active {
		g.a.mu.UnlockActive()
	} else {
		g.a.mu.Unlock()
	}
}

// ranges returns the virtual ranges covered by alloc.
func (g *WriteGuard) ranges(alloc *mlff.Allocation) []hostarch.AddrRange {
	return g.a.tree.Ranges(alloc, g.a.base)
}

// flush makes ranges coherent after their entries changed. With
// AutoFlushTLB the invalidation completes, or is executed by every CPU the
// tree is loaded on, before flush returns. Otherwise it is only queued for
// CPUs that may still cache the old translations under the tree's ASID.
func (g *WriteGuard) flush(ranges []hostarch.AddrRange) {
	if g.Options.AutoFlushTLB {
		g.a.mgr.Invalidate(g.a.space, ranges)
		return
	}
	g.a.mgr.PushFlushes(g.a.space, ranges)
}

// SetBaseAddr maps alloc to physical memory starting at phys.
func (g *WriteGuard) SetBaseAddr(alloc *mlff.Allocation, phys uint64, flags pagetables.Flags) bool {
	ok := g.a.tree.SetBaseAddr(alloc, phys, flags)
	g.flush(g.ranges(alloc))
	return ok
}

// SetAbsent marks alloc not present, carrying data.
func (g *WriteGuard) SetAbsent(alloc *mlff.Allocation, data uint64) {
	g.a.tree.SetAbsent(alloc, data)
	g.flush(g.ranges(alloc))
}

// Dealloc releases alloc.
func (g *WriteGuard) Dealloc(alloc *mlff.Allocation) {
	ranges := g.ranges(alloc)
	g.a.tree.Deallocate(alloc)
	g.flush(ranges)
}

// InvalidateTLB invalidates the translations of alloc everywhere,
// regardless of AutoFlushTLB.
func (g *WriteGuard) InvalidateTLB(alloc *mlff.Allocation) {
	g.a.mgr.Invalidate(g.a.space, g.ranges(alloc))
}
