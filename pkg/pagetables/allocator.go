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

package pagetables

import (
	"fmt"
	"unsafe"

	"vmcore.dev/vmcore/pkg/buddy"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/physmem"
	"vmcore.dev/vmcore/pkg/sync"
)

// Allocator allocates table pages.
type Allocator interface {
	// NewTable returns a new, clear table page for the given level, or
	// false if none is available.
	NewTable(level int) (Table, bool)

	// LookupTable returns the table page at phys.
	LookupTable(phys uint64) (Table, bool)

	// FreeTable returns a table page. It must not be referenced by any
	// entry.
	FreeTable(t Table)
}

// runtimeBase is the first synthetic physical address handed out by
// RuntimeAllocator. It lies above any simulated RAM.
const runtimeBase = 1 << 44

// RuntimeAllocator allocates table pages from the Go heap and assigns them
// synthetic physical addresses.
type RuntimeAllocator struct {
	mu sync.Mutex

	// +checklocks:mu
	next uint64

	// +checklocks:mu
	free []uint64

	// +checklocks:mu
	tables map[uint64]*Node
}

// NewRuntimeAllocator returns an allocator using the Go heap.
func NewRuntimeAllocator() *RuntimeAllocator {
	return &RuntimeAllocator{
		next:   runtimeBase,
		tables: make(map[uint64]*Node),
	}
}

// NewTable implements Allocator.NewTable.
func (r *RuntimeAllocator) NewTable(level int) (Table, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var phys uint64
	if n := len(r.free); n > 0 {
		phys = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		phys = r.next
		r.next += hostarch.PageSize
	}
	node := NewNode(new(PTEs), phys, level)
	r.tables[phys] = node
	return node, true
}

// LookupTable implements Allocator.LookupTable.
func (r *RuntimeAllocator) LookupTable(phys uint64) (Table, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.tables[phys]
	if !ok {
		return nil, false
	}
	return node, true
}

// FreeTable implements Allocator.FreeTable.
func (r *RuntimeAllocator) FreeTable(t Table) {
	r.mu.Lock()
	defer r.mu.Unlock()
	phys := t.Physical()
	if _, ok := r.tables[phys]; !ok {
		panic(fmt.Sprintf("pagetables: freeing unknown table %#x", phys))
	}
	delete(r.tables, phys)
	r.free = append(r.free, phys)
}

// Tables returns the number of live table pages.
func (r *RuntimeAllocator) Tables() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tables)
}

// frameTable is a table page allocated from physical memory.
type frameTable struct {
	*Node
	frame *buddy.Allocation
}

// FrameAllocator allocates table pages from the physical frame allocator;
// the entries live in simulated physical memory.
type FrameAllocator struct {
	frames *buddy.Allocator
	arena  *physmem.Arena

	mu sync.Mutex

	// +checklocks:mu
	tables map[uint64]*frameTable
}

// NewFrameAllocator returns an allocator drawing frames from frames, backed
// by arena.
func NewFrameAllocator(frames *buddy.Allocator, arena *physmem.Arena) *FrameAllocator {
	return &FrameAllocator{
		frames: frames,
		arena:  arena,
		tables: make(map[uint64]*frameTable),
	}
}

// NewTable implements Allocator.NewTable.
func (f *FrameAllocator) NewTable(level int) (Table, bool) {
	frame, ok := f.frames.Alloc(hostarch.PageSize)
	if !ok {
		return nil, false
	}
	phys := frame.Addr()
	if !f.arena.Contains(phys, hostarch.PageSize) {
		panic(fmt.Sprintf("pagetables: frame %#x outside simulated memory", phys))
	}
	words := f.arena.Words(phys, EntriesPerTable)
	clear(words)
	node := NewNode((*PTEs)(unsafe.Pointer(&words[0])), phys, level)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[phys] = &frameTable{Node: node, frame: frame}
	return node, true
}

// LookupTable implements Allocator.LookupTable.
func (f *FrameAllocator) LookupTable(phys uint64) (Table, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ft, ok := f.tables[phys]
	if !ok {
		return nil, false
	}
	return ft.Node, true
}

// FreeTable implements Allocator.FreeTable.
func (f *FrameAllocator) FreeTable(t Table) {
	phys := t.Physical()
	f.mu.Lock()
	ft, ok := f.tables[phys]
	delete(f.tables, phys)
	f.mu.Unlock()
	if !ok {
		panic(fmt.Sprintf("pagetables: freeing unknown table %#x", phys))
	}
	ft.frame.Release()
}

// Tables returns the number of live table pages.
func (f *FrameAllocator) Tables() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tables)
}
