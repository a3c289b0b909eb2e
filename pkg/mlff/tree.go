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

// Package mlff implements the multi-level first-fit allocator.
//
// A Tree reserves ranges of a virtual address span by committing slots of a
// hierarchy of page tables. Each slot is either committed directly (a leaf
// page or a huge page) or delegates part of its span to a subtable one level
// down. The shape of the hierarchy comes from a pagetables.Geometry.
//
// Nodes live in an arena and are named by generational NodeIDs; parents keep
// the IDs of their children. Every slot carries an Availability that is kept
// equal to the slot's true occupancy and propagated to the ancestors after
// every mutation.
//
// Committed but unmapped slots hold pagetables.AbsentEntry(0). SetBaseAddr
// turns them into present mappings, and SetAbsent into absent entries with a
// caller-chosen payload.
//
// A Tree is not synchronized. Callers serialize access, see package vmm.
package mlff

import (
	"errors"
	"fmt"

	"vmcore.dev/vmcore/pkg/cleanup"
	"vmcore.dev/vmcore/pkg/pagetables"
)

// ErrNoTables is returned by New when no table page is available.
var ErrNoTables = errors.New("out of page-table pages")

// Tree is a multi-level first-fit allocator over one root table.
type Tree struct {
	geom  pagetables.Geometry
	alloc pagetables.Allocator
	arena arena
	root  NodeID
}

// New returns an empty tree whose root table is at the given level of g.
func New(g pagetables.Geometry, alloc pagetables.Allocator, level int) (*Tree, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if level < 0 || level > g.Top() {
		return nil, fmt.Errorf("%w: root level %d out of range", pagetables.ErrInvalidGeometry, level)
	}
	t := &Tree{geom: g, alloc: alloc}
	root, ok := t.newNode(level, NodeID{}, 0)
	if !ok {
		return nil, ErrNoTables
	}
	t.root = root
	return t, nil
}

// Geometry returns the geometry of t.
func (t *Tree) Geometry() pagetables.Geometry {
	return t.geom
}

// Root returns the root node.
func (t *Tree) Root() NodeID {
	return t.root
}

// RootLevel returns the level of the root table.
func (t *Tree) RootLevel() int {
	return t.arena.get(t.root).level
}

// RootTable returns the root table, the one loaded into the hardware.
func (t *Tree) RootTable() pagetables.Table {
	return t.arena.get(t.root).table
}

// Span returns the number of bytes the tree translates.
func (t *Tree) Span() uint64 {
	return t.geom.Span(t.RootLevel())
}

// Tables returns the number of tables owned by t.
func (t *Tree) Tables() int {
	return t.arena.live
}

// Child returns the subtable at slot index of node, if any.
func (t *Tree) Child(node NodeID, index int) (NodeID, bool) {
	c := t.arena.get(node).children[index]
	return c, c.Valid()
}

// Availability returns the availability of slot index of node.
func (t *Tree) Availability(node NodeID, index int) Availability {
	return t.arena.get(node).avail[index]
}

// Translate walks the tree as the MMU would.
func (t *Tree) Translate(addr uint64) (pagetables.Translation, bool) {
	return pagetables.Translate(t.geom, t.alloc, t.RootTable(), addr)
}

// Release frees every table owned by t. Subtrees wired in with Inject are
// not owned and are left alone.
func (t *Tree) Release() {
	t.freeSubtree(t.root)
	t.root = NodeID{}
}

// newNode allocates a node and its table.
func (t *Tree) newNode(level int, parent NodeID, parentIndex int) (NodeID, bool) {
	table, ok := t.alloc.NewTable(level)
	if !ok {
		return NodeID{}, false
	}
	id, nd := t.arena.alloc(level, table, t.geom[level].NPages)
	nd.parent = parent
	nd.parentIndex = parentIndex
	return id, true
}

// newChild creates the subtable for slot index of id and wires it into the
// hardware table.
//
// Preconditions: the slot is Empty.
func (t *Tree) newChild(id NodeID, index int) (NodeID, bool) {
	nd := t.arena.get(id)
	if nd.level == 0 {
		panic("mlff: subtable below the leaf level")
	}
	child, ok := t.newNode(nd.level-1, id, index)
	if !ok {
		return NodeID{}, false
	}
	nd.children[index] = child
	nd.table.SetSubtableAddr(index, t.arena.get(child).table.Physical())
	return child, true
}

// freeChild unwires and frees the subtable at slot index of id.
func (t *Tree) freeChild(id NodeID, index int) {
	nd := t.arena.get(id)
	child := nd.children[index]
	nd.table.SetEmpty(index)
	nd.children[index] = NodeID{}
	t.freeSubtree(child)
	t.refresh(id, index)
}

// freeSubtree frees id and every table below it.
func (t *Tree) freeSubtree(id NodeID) {
	nd := t.arena.get(id)
	for _, c := range nd.children {
		if c.Valid() {
			t.freeSubtree(c)
		}
	}
	t.alloc.FreeTable(nd.table)
	t.arena.release(id)
}

// refresh recomputes the availability of slot index of id from the table and
// the child, then propagates the change to the ancestors.
func (t *Tree) refresh(id NodeID, index int) {
	for {
		nd := t.arena.get(id)
		var a Availability
		switch {
		case nd.children[index].Valid():
			a = t.arena.get(nd.children[index]).summary()
		case nd.table.IsUnused(index):
			a = Empty
		default:
			a = FullOrHugePage
		}
		nd.setAvail(index, a)
		if !nd.parent.Valid() {
			return
		}
		id, index = nd.parent, nd.parentIndex
	}
}

// direct returns true if slots at level may be committed directly.
func (t *Tree) direct(level int) bool {
	return level == 0 || t.geom[level].HugePages
}

// allocation returns an empty allocation at id.
func (t *Tree) allocation(id NodeID) *Allocation {
	level := t.arena.get(id).level
	return &Allocation{Level: level, Node: id, pageSize: t.geom.PageSize(level)}
}

// Allocate reserves size bytes anywhere in the tree according to s. It
// returns false, without side effects, if no compliant region exists.
func (t *Tree) Allocate(size uint64, s Strategy) (*Allocation, bool) {
	if size == 0 || size > t.Span() {
		return nil, false
	}
	return t.allocate(t.root, size, s)
}

func (t *Tree) allocate(id NodeID, size uint64, s Strategy) (*Allocation, bool) {
	nd := t.arena.get(id)
	d := t.geom[nd.level]
	pageSize := d.PageSize()
	if size > d.Span() {
		return nil, false
	}

	var (
		pages int
		rem   uint64
	)
	if nd.level == 0 {
		pages = int((size + pageSize - 1) / pageSize)
	} else {
		pages = int(size / pageSize)
		rem = size % pageSize
	}
	need := pages
	if rem > 0 {
		need++
	}

	ls := s.At(0)
	lo, hi := ls.bounds(nd.npages())
	passes := []bool{false}
	if ls.Spread {
		passes = []bool{true, false}
	}
	for _, emptyOnly := range passes {
		for n := 0; n <= hi-lo-need; n++ {
			i := lo + n
			if ls.Reverse {
				i = hi - need - n
			}
			if a, ok := t.tryAllocate(id, i, pages, rem, emptyOnly, s); ok {
				return a, true
			}
		}
	}
	return nil, false
}

// tryAllocate attempts to commit pages slots starting at slot i of id,
// followed by rem bytes in the next slot's subtable.
func (t *Tree) tryAllocate(id NodeID, i, pages int, rem uint64, emptyOnly bool, s Strategy) (*Allocation, bool) {
	nd := t.arena.get(id)
	for k := i; k < i+pages; k++ {
		if nd.avail[k] != Empty {
			return nil, false
		}
	}
	j := i + pages
	if rem > 0 {
		if nd.avail[j] == FullOrHugePage || (emptyOnly && nd.avail[j] != Empty) {
			return nil, false
		}
	}

	var cu cleanup.Cleanup
	defer cu.Clean()

	a := t.allocation(id)
	if rem > 0 {
		var (
			sub *Allocation
			ok  bool
		)
		if pages == 0 {
			// The remainder is the whole request: place it anywhere in the
			// subtable, subject to the next level's policy.
			sub, ok = t.delegate(id, j, func(child NodeID) (*Allocation, bool) {
				return t.allocate(child, rem, s.next())
			})
		} else {
			sub, ok = t.delegate(id, j, func(child NodeID) (*Allocation, bool) {
				return t.allocateAt(child, 0, rem)
			})
		}
		if !ok {
			return nil, false
		}
		cu.Add(func() { t.undelegate(id, j, sub) })
		a.Entries = append(a.Entries, Entry{Index: j, Offset: uint64(pages) * a.pageSize, Sub: sub})
	}

	body := make([]Entry, 0, pages)
	for k := i; k < i+pages; k++ {
		e, ok := t.commitSlot(id, k)
		if !ok {
			return nil, false
		}
		cu.Add(func() { t.deallocateEntry(id, e) })
		e.Offset = uint64(k-i) * a.pageSize
		body = append(body, e)
	}
	a.Entries = append(body, a.Entries...)
	cu.Release()
	return a, true
}

// delegate runs fn against the subtable at slot index of id, creating the
// subtable first if needed. A subtable created here is freed again if fn
// fails.
func (t *Tree) delegate(id NodeID, index int, fn func(child NodeID) (*Allocation, bool)) (*Allocation, bool) {
	nd := t.arena.get(id)
	child := nd.children[index]
	created := false
	if !child.Valid() {
		if nd.avail[index] != Empty {
			return nil, false
		}
		var ok bool
		if child, ok = t.newChild(id, index); !ok {
			return nil, false
		}
		created = true
	}
	sub, ok := fn(child)
	if !ok {
		if created {
			t.freeChild(id, index)
		}
		return nil, false
	}
	t.refresh(id, index)
	return sub, true
}

// undelegate reverses delegate.
func (t *Tree) undelegate(id NodeID, index int, sub *Allocation) {
	t.deallocateEntry(id, Entry{Index: index, Sub: sub})
}

// commitSlot commits the whole of slot index of id. Levels that cannot map
// memory directly commit a full subtable instead.
//
// Preconditions: the slot is Empty.
func (t *Tree) commitSlot(id NodeID, index int) (Entry, bool) {
	nd := t.arena.get(id)
	if t.direct(nd.level) {
		nd.table.SetAbsent(index, 0)
		t.refresh(id, index)
		return Entry{Index: index}, true
	}
	span := t.geom.Span(nd.level - 1)
	sub, ok := t.delegate(id, index, func(child NodeID) (*Allocation, bool) {
		return t.allocateAt(child, 0, span)
	})
	if !ok {
		return Entry{}, false
	}
	return Entry{Index: index, Sub: sub}, true
}

// AllocateAt reserves exactly [addr, addr+size), where addr is relative to
// the start of the tree's span. It returns false, without side effects, if
// any part of the range is in use.
//
// AllocateAt panics if the range is empty, does not fit in the tree, or
// starts at an address that is not aligned to the leaf page size.
func (t *Tree) AllocateAt(addr, size uint64) (*Allocation, bool) {
	return t.allocateAt(t.root, addr, size)
}

func (t *Tree) allocateAt(id NodeID, addr, size uint64) (*Allocation, bool) {
	nd := t.arena.get(id)
	d := t.geom[nd.level]
	pageSize := d.PageSize()
	if size == 0 || addr >= d.Span() || size > d.Span()-addr {
		panic(fmt.Sprintf("mlff: range [%#x, +%#x) outside level %d table span %#x", addr, size, nd.level, d.Span()))
	}

	a := t.allocation(id)
	if nd.level == 0 {
		if addr%pageSize != 0 {
			panic(fmt.Sprintf("mlff: leaf address %#x not aligned to %#x", addr, pageSize))
		}
		first := int(addr / pageSize)
		pages := int((size + pageSize - 1) / pageSize)
		for k := first; k < first+pages; k++ {
			if nd.avail[k] != Empty {
				return nil, false
			}
		}
		for k := first; k < first+pages; k++ {
			e, _ := t.commitSlot(id, k)
			e.Offset = uint64(k-first) * pageSize
			a.Entries = append(a.Entries, e)
		}
		return a, true
	}

	// Carve the range into a head inside the first slot, whole body slots
	// and a tail at the start of the slot after the body.
	slot := int(addr / pageSize)
	headOff := addr % pageSize
	var headLen uint64
	if headOff != 0 {
		headLen = min(size, pageSize-headOff)
	}
	bodyStart := slot
	if headLen > 0 {
		bodyStart++
	}
	bodyPages := int((size - headLen) / pageSize)
	tailLen := (size - headLen) % pageSize
	tailSlot := bodyStart + bodyPages

	// Validate before touching anything.
	if headLen > 0 && nd.avail[slot] == FullOrHugePage {
		return nil, false
	}
	for k := bodyStart; k < tailSlot; k++ {
		if nd.avail[k] != Empty {
			return nil, false
		}
	}
	if tailLen > 0 && nd.avail[tailSlot] == FullOrHugePage {
		return nil, false
	}

	var cu cleanup.Cleanup
	defer cu.Clean()

	if headLen > 0 {
		sub, ok := t.delegate(id, slot, func(child NodeID) (*Allocation, bool) {
			return t.allocateAt(child, headOff, headLen)
		})
		if !ok {
			return nil, false
		}
		cu.Add(func() { t.undelegate(id, slot, sub) })
		a.Entries = append(a.Entries, Entry{Index: slot, Sub: sub})
	}
	for k := bodyStart; k < tailSlot; k++ {
		e, ok := t.commitSlot(id, k)
		if !ok {
			return nil, false
		}
		cu.Add(func() { t.deallocateEntry(id, e) })
		e.Offset = headLen + uint64(k-bodyStart)*pageSize
		a.Entries = append(a.Entries, e)
	}
	if tailLen > 0 {
		sub, ok := t.delegate(id, tailSlot, func(child NodeID) (*Allocation, bool) {
			return t.allocateAt(child, 0, tailLen)
		})
		if !ok {
			return nil, false
		}
		a.Entries = append(a.Entries, Entry{Index: tailSlot, Offset: headLen + uint64(bodyPages)*pageSize, Sub: sub})
	}
	cu.Release()
	return a, true
}

// AllocateAlignedOffset reserves room for size bytes that must start at the
// given offset into a leaf page, as needed to map a physical range that is
// not page aligned. It returns the allocation and the offset of the first
// byte within it.
func (t *Tree) AllocateAlignedOffset(size, offset uint64, s Strategy) (*Allocation, uint64, bool) {
	leaf := t.geom.PageSize(0)
	offset %= leaf
	total := (offset + size + leaf - 1) &^ (leaf - 1)
	a, ok := t.Allocate(total, s)
	if !ok {
		return nil, 0, false
	}
	return a, offset, true
}

// Deallocate releases every slot of a. Subtables left empty are freed and
// their parent slot cleared. a must not be used afterwards.
func (t *Tree) Deallocate(a *Allocation) {
	for _, e := range a.Entries {
		t.deallocateEntry(a.Node, e)
	}
}

// deallocateEntry releases one entry of an allocation at id.
func (t *Tree) deallocateEntry(id NodeID, e Entry) {
	nd := t.arena.get(id)
	child := nd.children[e.Index]
	if e.Sub != nil {
		if child != e.Sub.Node {
			panic(fmt.Sprintf("mlff: slot %d of %v holds %v, allocation refers to %v", e.Index, id, child, e.Sub.Node))
		}
		for _, se := range e.Sub.Entries {
			t.deallocateEntry(child, se)
		}
		if t.arena.get(child).isEmpty() {
			t.freeChild(id, e.Index)
		}
		return
	}
	if child.Valid() {
		// A huge page that was split after it was committed.
		t.freeChild(id, e.Index)
		return
	}
	if nd.table.IsUnused(e.Index) {
		panic(fmt.Sprintf("mlff: double deallocation of slot %d of %v", e.Index, id))
	}
	nd.table.SetEmpty(e.Index)
	t.refresh(id, e.Index)
}
