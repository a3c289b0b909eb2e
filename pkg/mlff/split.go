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

package mlff

import (
	"fmt"

	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/pagetables"
)

// SplitPage converts the huge page at slot index of node into a subtable
// whose every entry replicates the original mapping, or absent marker, at
// the next finer granularity with identical flags. It returns the new
// subtable.
//
// It returns false if the slot is not a lone committed huge page, if the
// level below cannot map memory directly, or if no table page is available.
func (t *Tree) SplitPage(node NodeID, index int) (NodeID, bool) {
	nd := t.arena.get(node)
	if nd.level == 0 || !t.geom[nd.level].HugePages || !t.geom[nd.level].Subtables {
		return NodeID{}, false
	}
	if nd.children[index].Valid() || nd.table.IsUnused(index) || !t.direct(nd.level-1) {
		return NodeID{}, false
	}
	e := nd.table.Entry(index)

	child, ok := t.newNode(nd.level-1, node, index)
	if !ok {
		return NodeID{}, false
	}
	cn := t.arena.get(child)
	childSize := t.geom.PageSize(cn.level)
	for j := 0; j < cn.npages(); j++ {
		switch e.Kind {
		case pagetables.EntryPresent:
			cn.table.SetHugeAddr(j, e.Addr+uint64(j)*childSize, e.Flags&^pagetables.Huge)
		case pagetables.EntryAbsent:
			cn.table.SetAbsent(j, e.Data)
		}
		cn.setAvail(j, FullOrHugePage)
	}

	// The subtable is complete before it becomes reachable.
	nd.children[index] = child
	nd.table.SetSubtableAddr(index, cn.table.Physical())
	if e.Kind == pagetables.EntryPresent {
		nd.table.AddSubtableFlags(index, e.Flags.Transitive())
	}
	t.refresh(node, index)
	if log.IsLogging(log.Debug) {
		log.Debugf("mlff: split level %d slot %d (%v) into %v", nd.level, index, e, child)
	}
	return child, true
}

// fullAllocation returns an allocation covering every slot of id.
func (t *Tree) fullAllocation(id NodeID) *Allocation {
	a := t.allocation(id)
	n := t.arena.get(id).npages()
	a.Entries = make([]Entry, n)
	for j := range a.Entries {
		a.Entries[j] = Entry{Index: j, Offset: uint64(j) * a.pageSize}
	}
	return a
}

// Split partitions a into [0, mid) and [mid, Len()). Huge pages straddling
// mid are split with SplitPage. The offsets of the right half are relative to
// its own start. a must not be used afterwards.
//
// Split panics if mid is not strictly inside a or falls inside a leaf page.
// It returns false if a huge page had to be split and no table page was
// available; a remains valid in that case.
func (t *Tree) Split(a *Allocation, mid uint64) (left, right *Allocation, ok bool) {
	if mid == 0 || mid >= a.Len() {
		panic(fmt.Sprintf("mlff: split point %#x outside allocation of %#x bytes", mid, a.Len()))
	}
	return t.split(a, mid)
}

func (t *Tree) split(a *Allocation, mid uint64) (*Allocation, *Allocation, bool) {
	// Find the entry that straddles mid, splitting a huge page in place if
	// needed so that a stays consistent on failure.
	for i, e := range a.Entries {
		elen := a.entryLen(e)
		if e.Offset >= mid || e.Offset+elen <= mid || e.Sub != nil {
			continue
		}
		if a.Level == 0 {
			panic(fmt.Sprintf("mlff: split point %#x inside a leaf page", mid))
		}
		child, ok := t.SplitPage(a.Node, e.Index)
		if !ok {
			return nil, nil, false
		}
		a.Entries[i].Sub = t.fullAllocation(child)
	}

	left := &Allocation{Level: a.Level, Node: a.Node, pageSize: a.pageSize}
	right := &Allocation{Level: a.Level, Node: a.Node, pageSize: a.pageSize}
	for _, e := range a.Entries {
		elen := a.entryLen(e)
		switch {
		case e.Offset+elen <= mid:
			left.Entries = append(left.Entries, e)
		case e.Offset >= mid:
			e.Offset -= mid
			right.Entries = append(right.Entries, e)
		default:
			l, r, ok := t.split(e.Sub, mid-e.Offset)
			if !ok {
				return nil, nil, false
			}
			left.Entries = append(left.Entries, Entry{Index: e.Index, Offset: e.Offset, Sub: l})
			right.Entries = append(right.Entries, Entry{Index: e.Index, Offset: 0, Sub: r})
		}
	}
	return left, right, true
}
