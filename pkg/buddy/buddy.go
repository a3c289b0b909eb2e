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

// Package buddy implements the physical frame allocator.
//
// Physical memory is managed as power-of-two blocks. A block of order o
// spans MinSize<<o bytes and is aligned to its own size; its buddy is the
// block of the same order whose address differs only in bit log2(size).
// Every free block is listed in exactly one free list, and no two listed
// blocks overlap.
//
// Allocation picks the smallest order that fits and splits larger blocks on
// demand. Releasing a block merges it with its buddy for as long as the buddy
// is also free, so that once every allocation has been released the free
// lists hold the same maximal blocks AddMemory produced.
//
// A single mutex guards the whole allocator.
package buddy

import (
	"fmt"
	"math/bits"

	"github.com/google/btree"
	"vmcore.dev/vmcore/pkg/atomicbitops"
	"vmcore.dev/vmcore/pkg/sync"
)

// btreeDegree is the degree of the per-order free lists.
const btreeDegree = 8

// Allocator is a buddy allocator over physical memory.
type Allocator struct {
	minSize  uint64
	maxOrder int

	mu sync.Mutex

	// free[o] holds the addresses of free blocks of order o.
	//
	// +checklocks:mu
	free []*btree.BTreeG[uint64]

	// +checklocks:mu
	amountFree uint64

	// +checklocks:mu
	amountAllocated uint64
}

// New returns an empty Allocator whose smallest block is minSize bytes and
// whose largest block is minSize<<maxOrder bytes. minSize must be a power of
// two.
func New(minSize uint64, maxOrder int) *Allocator {
	if minSize == 0 || minSize&(minSize-1) != 0 {
		panic(fmt.Sprintf("buddy: minimum block size %#x is not a power of two", minSize))
	}
	if maxOrder < 0 || bits.Len64(minSize)+maxOrder > 64 {
		panic(fmt.Sprintf("buddy: invalid maximum order %d for minimum size %#x", maxOrder, minSize))
	}
	a := &Allocator{
		minSize:  minSize,
		maxOrder: maxOrder,
		free:     make([]*btree.BTreeG[uint64], maxOrder+1),
	}
	for o := range a.free {
		a.free[o] = btree.NewOrderedG[uint64](btreeDegree)
	}
	return a
}

// MinSize returns the size of an order-0 block.
func (a *Allocator) MinSize() uint64 {
	return a.minSize
}

// MaxOrder returns the largest order.
func (a *Allocator) MaxOrder() int {
	return a.maxOrder
}

// BlockSize returns the size of a block of the given order.
func (a *Allocator) BlockSize(order int) uint64 {
	return a.minSize << order
}

// orderFor returns the smallest order whose blocks hold size bytes, or false
// if no order up to maxOrder does.
func (a *Allocator) orderFor(size uint64) (int, bool) {
	for o := 0; o <= a.maxOrder; o++ {
		if a.BlockSize(o) >= size {
			return o, true
		}
	}
	return 0, false
}

// AddMemory hands the physical range [start, end) to the allocator.
//
// The range is trimmed to MinSize alignment and then covered by the largest
// naturally aligned blocks it contains. The range must not overlap memory
// previously added.
func (a *Allocator) AddMemory(start, end uint64) {
	start = (start + a.minSize - 1) &^ (a.minSize - 1)
	end &^= a.minSize - 1
	if end <= start {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.addMemoryLocked(start, end)
}

// addMemoryLocked places the largest aligned block that fits inside
// [start, end) and recurses on what remains to its left and right.
//
// Preconditions: a.mu is locked; start and end are MinSize aligned.
func (a *Allocator) addMemoryLocked(start, end uint64) {
	if end <= start {
		return
	}
	for o := a.maxOrder; o >= 0; o-- {
		size := a.BlockSize(o)
		if end-start < size {
			continue
		}
		blockStart := (start + size - 1) &^ (size - 1)
		if blockStart < start || blockStart+size > end || blockStart+size < blockStart {
			continue
		}
		a.free[o].ReplaceOrInsert(blockStart)
		a.amountFree += size
		a.addMemoryLocked(start, blockStart)
		a.addMemoryLocked(blockStart+size, end)
		return
	}
}

// Alloc allocates a block of at least size bytes. The block may be larger
// than requested; callers must use Allocation.Size. It returns false if no
// block is available.
func (a *Allocator) Alloc(size uint64) (*Allocation, bool) {
	order, ok := a.orderFor(size)
	if !ok {
		return nil, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	addr, ok := a.reqBlockLocked(order)
	if !ok {
		return nil, false
	}
	bs := a.BlockSize(order)
	a.amountFree -= bs
	a.amountAllocated += bs
	return &Allocation{a: a, order: order, addr: addr}, true
}

// reqBlockLocked removes the lowest free block of the given order, splitting
// a block of the next order up if the list is empty.
//
// Preconditions: a.mu is locked.
func (a *Allocator) reqBlockLocked(order int) (uint64, bool) {
	if addr, ok := a.free[order].DeleteMin(); ok {
		return addr, true
	}
	if order >= a.maxOrder {
		return 0, false
	}
	parent, ok := a.reqBlockLocked(order + 1)
	if !ok {
		return 0, false
	}
	// Split the parent: keep the lower half, list the upper.
	a.free[order].ReplaceOrInsert(parent + a.BlockSize(order))
	return parent, true
}

// releaseLocked returns a block to its free list and merges greedily.
//
// Preconditions: a.mu is locked.
func (a *Allocator) releaseLocked(order int, addr uint64) {
	bs := a.BlockSize(order)
	a.amountAllocated -= bs
	a.amountFree += bs
	a.free[order].ReplaceOrInsert(addr)
	for order < a.maxOrder {
		merged, ok := a.mergeLocked(order, addr)
		if !ok {
			return
		}
		order++
		addr = merged
	}
}

// mergeLocked merges the free block (order, addr) with its buddy if the
// buddy is free too, inserting the parent into the next order. It returns the
// parent's address.
//
// Preconditions: a.mu is locked; order < a.maxOrder.
func (a *Allocator) mergeLocked(order int, addr uint64) (uint64, bool) {
	buddy := addr ^ a.BlockSize(order)
	if !a.free[order].Has(addr) || !a.free[order].Has(buddy) {
		return 0, false
	}
	a.free[order].Delete(addr)
	a.free[order].Delete(buddy)
	parent := min(addr, buddy)
	a.free[order+1].ReplaceOrInsert(parent)
	return parent, true
}

// AmountFree returns the number of bytes in free blocks.
func (a *Allocator) AmountFree() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.amountFree
}

// AmountAllocated returns the number of bytes in allocated blocks.
func (a *Allocator) AmountAllocated() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.amountAllocated
}

// FreeBlocks returns the addresses of the free blocks of the given order in
// increasing order.
func (a *Allocator) FreeBlocks(order int) []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var addrs []uint64
	a.free[order].Ascend(func(addr uint64) bool {
		addrs = append(addrs, addr)
		return true
	})
	return addrs
}

// Stats is a snapshot of the allocator.
type Stats struct {
	Free      uint64
	Allocated uint64

	// FreeBlocks[o] is the number of free blocks of order o.
	FreeBlocks []int
}

// Stats returns a consistent snapshot of the allocator.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Stats{
		Free:       a.amountFree,
		Allocated:  a.amountAllocated,
		FreeBlocks: make([]int, len(a.free)),
	}
	for o, t := range a.free {
		s.FreeBlocks[o] = t.Len()
	}
	return s
}

// Allocation is an allocated physical block. It is owned by exactly one
// holder and must be released exactly once; releasing it twice panics.
type Allocation struct {
	_ sync.NoCopy

	a        *Allocator
	order    int
	addr     uint64
	released atomicbitops.Bool
}

// Addr returns the physical address of the block.
func (p *Allocation) Addr() uint64 {
	return p.addr
}

// Size returns the size of the block, which may exceed the requested size.
func (p *Allocation) Size() uint64 {
	return p.a.BlockSize(p.order)
}

// Order returns the order of the block.
func (p *Allocation) Order() int {
	return p.order
}

// Release returns the block to the allocator, merging it with free buddies.
func (p *Allocation) Release() {
	if p.released.Swap(true) {
		panic(fmt.Sprintf("buddy: double release of block %#x (order %d)", p.addr, p.order))
	}
	a := p.a
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releaseLocked(p.order, p.addr)
}

// String implements fmt.Stringer.String.
func (p *Allocation) String() string {
	return fmt.Sprintf("block %#x order %d", p.addr, p.order)
}
