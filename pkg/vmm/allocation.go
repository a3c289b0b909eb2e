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

	"vmcore.dev/vmcore/pkg/mlff"
	"vmcore.dev/vmcore/pkg/pagetables"
	"vmcore.dev/vmcore/pkg/sync"
)

// PageAllocation is a committed range of virtual addresses. It is released
// exactly once, with Release or by consuming it with Split.
type PageAllocation struct {
	_ sync.NoCopy

	owner *LockedAllocator
	tag   uint64

	// alloc is nil once the allocation was consumed.
	alloc atomic.Pointer[mlff.Allocation]

	// offset is the position of the first usable byte within alloc.
	offset uint64

	// size is the number of usable bytes.
	size uint64
}

// String implements fmt.Stringer.String.
func (p *PageAllocation) String() string {
	alloc := p.alloc.Load()
	if alloc == nil {
		return fmt.Sprintf("%s:released", p.owner)
	}
	return fmt.Sprintf("%s:[%#x, +%#x)", p.owner, p.owner.base+alloc.Start()+p.offset, p.size)
}

// Owner returns the allocator p was made by.
func (p *PageAllocation) Owner() *LockedAllocator {
	return p.owner
}

// VirtAddr returns the address of the first usable byte.
func (p *PageAllocation) VirtAddr() uint64 {
	return p.owner.base + p.live().Start() + p.offset
}

// Len returns the number of usable bytes.
func (p *PageAllocation) Len() uint64 {
	return p.size
}

// Spans returns the slots of p, relative to the start of its first slot.
func (p *PageAllocation) Spans() []mlff.Span {
	return p.live().Spans()
}

// live returns the underlying allocation, panicking if p was consumed.
func (p *PageAllocation) live() *mlff.Allocation {
	alloc := p.alloc.Load()
	if alloc == nil {
		panic(fmt.Sprintf("use of released allocation of %s", p.owner))
	}
	return alloc
}

// take consumes p and returns its underlying allocation. Of any number of
// concurrent calls exactly one succeeds; the others panic.
func (p *PageAllocation) take() *mlff.Allocation {
	alloc := p.alloc.Swap(nil)
	if alloc == nil {
		panic(fmt.Sprintf("use of released allocation of %s", p.owner))
	}
	return alloc
}

// SetBaseAddr maps p so that VirtAddr() translates to phys.
func (p *PageAllocation) SetBaseAddr(phys uint64, flags pagetables.Flags) bool {
	return p.owner.SetBaseAddr(p, phys, flags)
}

// SetAbsent marks p not present, carrying data.
func (p *PageAllocation) SetAbsent(data uint64) {
	p.owner.SetAbsent(p, data)
}

// Split consumes p and returns its first mid bytes and the rest.
func (p *PageAllocation) Split(mid uint64) (left, right *PageAllocation, ok bool) {
	return p.owner.Split(p, mid)
}

// Release unmaps p and returns its slots to the tree.
func (p *PageAllocation) Release() {
	p.owner.Deallocate(p)
}

// assertTag panics unless p is an allocation of a.
func (a *LockedAllocator) assertTag(p *PageAllocation) {
	if p.tag != a.tag {
		panic(fmt.Sprintf("allocation of %s (tag %d) presented to %s (tag %d)", p.owner, p.tag, a, a.tag))
	}
}

func (a *LockedAllocator) wrap(alloc *mlff.Allocation, offset, size uint64) *PageAllocation {
	p := &PageAllocation{owner: a, tag: a.tag, offset: offset, size: size}
	p.alloc.Store(alloc)
	return p
}

// Allocate reserves size bytes according to s. It returns false if the tree
// has no room.
func (a *LockedAllocator) Allocate(size uint64, s mlff.Strategy) (*PageAllocation, bool) {
	g := a.WriteWhenActive()
	defer g.Release()
	alloc, ok := g.Tree().Allocate(size, s)
	if !ok {
		return nil, false
	}
	return a.wrap(alloc, 0, alloc.Len()), true
}

// AllocateAt reserves exactly [addr, addr+size). It returns false if part
// of the range is in use, and panics if the range is outside the tree.
func (a *LockedAllocator) AllocateAt(addr, size uint64) (*PageAllocation, bool) {
	if addr < a.base {
		panic(fmt.Sprintf("address %#x below %s at %#x", addr, a, a.base))
	}
	g := a.WriteWhenActive()
	defer g.Release()
	alloc, ok := g.Tree().AllocateAt(addr-a.base, size)
	if !ok {
		return nil, false
	}
	return a.wrap(alloc, 0, size), true
}

// AllocateAlignedOffset reserves room for size bytes whose first byte has
// the same offset into a page as phys, so that the result can map phys
// with SetBaseAddr.
func (a *LockedAllocator) AllocateAlignedOffset(size, phys uint64, s mlff.Strategy) (*PageAllocation, bool) {
	g := a.WriteWhenActive()
	defer g.Release()
	alloc, off, ok := g.Tree().AllocateAlignedOffset(size, phys, s)
	if !ok {
		return nil, false
	}
	return a.wrap(alloc, off, size), true
}

// SetBaseAddr maps p so that p.VirtAddr() translates to phys.
func (a *LockedAllocator) SetBaseAddr(p *PageAllocation, phys uint64, flags pagetables.Flags) bool {
	a.assertTag(p)
	alloc := p.live()
	if phys < p.offset {
		panic(fmt.Sprintf("physical address %#x below allocation offset %#x", phys, p.offset))
	}
	g := a.WriteWhenActive()
	defer g.Release()
	return g.SetBaseAddr(alloc, phys-p.offset, flags)
}

// SetAbsent marks p not present, carrying data.
func (a *LockedAllocator) SetAbsent(p *PageAllocation, data uint64) {
	a.assertTag(p)
	alloc := p.live()
	g := a.WriteWhenActive()
	defer g.Release()
	g.SetAbsent(alloc, data)
}

// Split consumes p and returns its first mid bytes and the rest. Huge pages
// straddling mid are split into smaller pages mapping the same memory. It
// returns false, leaving p intact, if no table page was available for that.
func (a *LockedAllocator) Split(p *PageAllocation, mid uint64) (left, right *PageAllocation, ok bool) {
	a.assertTag(p)
	if mid == 0 || mid >= p.size {
		panic(fmt.Sprintf("split point %#x outside %v", mid, p))
	}
	alloc := p.take()
	g := a.WriteWhenActive()
	defer g.Release()
	tree := g.Tree()
	ranges := g.ranges(alloc)
	tables := tree.Tables()
	l, r, ok := tree.Split(alloc, p.offset+mid)
	if !ok {
		p.alloc.Store(alloc)
		return nil, nil, false
	}
	if tree.Tables() != tables {
		// A huge page was replaced by a subtable.
		g.flush(ranges)
	}
	left = a.wrap(l, p.offset, mid)
	right = a.wrap(r, 0, p.size-mid)
	return left, right, true
}

// Deallocate releases p.
func (a *LockedAllocator) Deallocate(p *PageAllocation) {
	a.assertTag(p)
	alloc := p.take()
	g := a.WriteWhenActive()
	defer g.Release()
	g.Dealloc(alloc)
}
