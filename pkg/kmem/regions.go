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

package kmem

import (
	"fmt"

	"vmcore.dev/vmcore/pkg/buddy"
	"vmcore.dev/vmcore/pkg/cleanup"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/pagetables"
	"vmcore.dev/vmcore/pkg/vmm"
)

// GuardPageSentinel is the payload of the absent entry below every kernel
// stack. A fault on an absent entry carrying it is a stack overflow.
const GuardPageSentinel = 0x57acc0de

const (
	heapFlags  = pagetables.Writable | pagetables.Global | pagetables.NoExecute
	stackFlags = pagetables.Writable | pagetables.Global | pagetables.NoExecute | pagetables.Pinned
	mmioFlags  = pagetables.Writable | pagetables.Global | pagetables.NoExecute | pagetables.NoCache | pagetables.WriteThrough
)

// roundSize rounds a request up to whole pages.
func roundSize(size uint64) uint64 {
	r, ok := hostarch.PageRoundUp(size)
	if !ok || r == 0 {
		panic(fmt.Sprintf("invalid region size %#x", size))
	}
	return r
}

// HeapRegion is memory added to the kernel heap by GrowHeap.
type HeapRegion struct {
	ctx   *Context
	virt  *vmm.PageAllocation
	frame *buddy.Allocation
}

// GrowHeap maps size more bytes of zeroed memory at the top of the kernel
// heap. It returns false if physical memory or table pages ran out.
func (c *Context) GrowHeap(size uint64) (*HeapRegion, bool) {
	size = roundSize(size)
	c.heapMu.Lock()
	defer c.heapMu.Unlock()

	frame, ok := c.frames.Alloc(size)
	if !ok {
		return nil, false
	}
	cu := cleanup.Make(frame.Release)
	defer cu.Clean()

	virt, ok := c.kernel.AllocateAt(c.heapEnd, size)
	if !ok {
		return nil, false
	}
	cu.Add(virt.Release)

	c.arena.Zero(frame.Addr(), size)
	if !virt.SetBaseAddr(frame.Addr(), heapFlags) {
		return nil, false
	}
	cu.Release()
	c.heapEnd += size
	if c.log.IsLogging(log.Debug) {
		c.log.Debugf("heap grown by %#x to %#x", size, c.heapEnd)
	}
	return &HeapRegion{ctx: c, virt: virt, frame: frame}, true
}

// VirtAddr returns the first address of r.
func (r *HeapRegion) VirtAddr() uint64 {
	return r.virt.VirtAddr()
}

// Len returns the size of r.
func (r *HeapRegion) Len() uint64 {
	return r.virt.Len()
}

// Phys returns the physical address backing r.
func (r *HeapRegion) Phys() uint64 {
	return r.frame.Addr()
}

// Release unmaps r and frees its memory. If r is the top of the heap, the
// heap shrinks.
func (r *HeapRegion) Release() {
	c := r.ctx
	c.heapMu.Lock()
	defer c.heapMu.Unlock()
	start, size := r.virt.VirtAddr(), r.virt.Len()
	r.virt.Release()
	r.frame.Release()
	if start+size == c.heapEnd {
		c.heapEnd = start
	}
}

// Stack is a kernel stack with an unmapped guard page below it.
type Stack struct {
	guard *vmm.PageAllocation
	mem   *vmm.PageAllocation
	frame *buddy.Allocation
}

// AllocateStack returns a stack of size bytes. It returns false if
// virtual or physical memory ran out.
func (c *Context) AllocateStack(size uint64) (*Stack, bool) {
	size = roundSize(size)
	p, ok := c.kernel.Allocate(size+hostarch.PageSize, c.Strategy("kernel_stack"))
	if !ok {
		return nil, false
	}
	guard, mem, ok := p.Split(hostarch.PageSize)
	if !ok {
		p.Release()
		return nil, false
	}
	cu := cleanup.Make(mem.Release)
	cu.Add(guard.Release)
	defer cu.Clean()
	guard.SetAbsent(GuardPageSentinel)

	frame, ok := c.frames.Alloc(size)
	if !ok {
		return nil, false
	}
	cu.Add(frame.Release)
	c.arena.Zero(frame.Addr(), size)
	if !mem.SetBaseAddr(frame.Addr(), stackFlags) {
		return nil, false
	}
	cu.Release()
	return &Stack{guard: guard, mem: mem, frame: frame}, true
}

// Bottom returns the lowest usable address of s.
func (s *Stack) Bottom() uint64 {
	return s.mem.VirtAddr()
}

// Top returns the address just above s, the initial stack pointer.
func (s *Stack) Top() uint64 {
	return s.mem.VirtAddr() + s.mem.Len()
}

// Guard returns the address of the guard page.
func (s *Stack) Guard() uint64 {
	return s.guard.VirtAddr()
}

// Len returns the usable size of s.
func (s *Stack) Len() uint64 {
	return s.mem.Len()
}

// Release unmaps s and its guard page and frees its memory.
func (s *Stack) Release() {
	s.mem.Release()
	s.guard.Release()
	s.frame.Release()
}

// MMIORegion is a device register window.
type MMIORegion struct {
	virt *vmm.PageAllocation
	phys uint64
}

// MapMMIO maps the size bytes of device memory at phys uncached. The
// returned address has the same offset into its page as phys.
func (c *Context) MapMMIO(phys, size uint64) (*MMIORegion, bool) {
	if size == 0 {
		panic("mapping empty MMIO region")
	}
	virt, ok := c.mmio.AllocateAlignedOffset(size, phys, c.Strategy("dynamic_mmio"))
	if !ok {
		return nil, false
	}
	if !virt.SetBaseAddr(phys, mmioFlags) {
		virt.Release()
		return nil, false
	}
	return &MMIORegion{virt: virt, phys: phys}, true
}

// VirtAddr returns the address at which phys is mapped.
func (r *MMIORegion) VirtAddr() uint64 {
	return r.virt.VirtAddr()
}

// Phys returns the device address.
func (r *MMIORegion) Phys() uint64 {
	return r.phys
}

// Len returns the size of the window.
func (r *MMIORegion) Len() uint64 {
	return r.virt.Len()
}

// Release unmaps r.
func (r *MMIORegion) Release() {
	r.virt.Release()
}
