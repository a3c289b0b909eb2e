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

	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/pagetables"
)

// SetBaseAddr maps a to physical memory starting at phys. flags apply to
// every committed slot; their transitive subset is also added to every
// subtable entry on the way down.
//
// A huge page whose target is not aligned to the huge page size is split
// first, which rewrites the entry of a in place. SetBaseAddr returns false
// if such a split runs out of table pages; slots mapped before that point
// keep their new mapping.
//
// SetBaseAddr panics if phys and a.Start() differ in their offset into a
// leaf page.
func (t *Tree) SetBaseAddr(a *Allocation, phys uint64, flags pagetables.Flags) bool {
	leaf := t.geom.PageSize(0)
	if phys%leaf != a.Start()%leaf {
		panic(fmt.Sprintf("mlff: physical address %#x incompatible with virtual offset %#x", phys, a.Start()))
	}
	return t.setBaseAddr(a, phys, flags)
}

func (t *Tree) setBaseAddr(a *Allocation, phys uint64, flags pagetables.Flags) bool {
	nd := t.arena.get(a.Node)
	for i := range a.Entries {
		e := a.Entries[i]
		target := phys + e.Offset
		if e.Sub == nil && target%a.pageSize != 0 {
			child, ok := t.SplitPage(a.Node, e.Index)
			if !ok {
				return false
			}
			e.Sub = t.fullAllocation(child)
			a.Entries[i] = e
		}
		if e.Sub != nil {
			if !t.setBaseAddr(e.Sub, target, flags) {
				return false
			}
			nd.table.AddSubtableFlags(e.Index, flags.Transitive())
			continue
		}
		nd.table.SetHugeAddr(e.Index, target, flags)
	}
	return true
}

// SetAbsent marks every committed slot of a not present, carrying data.
func (t *Tree) SetAbsent(a *Allocation, data uint64) {
	nd := t.arena.get(a.Node)
	for _, e := range a.Entries {
		if e.Sub != nil {
			t.SetAbsent(e.Sub, data)
			continue
		}
		nd.table.SetAbsent(e.Index, data)
	}
}

// Walk calls fn for every committed slot of a with the slot's offset relative
// to the start of a, its length and the entry it currently holds.
func (t *Tree) Walk(a *Allocation, fn func(off, length uint64, e pagetables.Entry)) {
	a.walk(0, func(off uint64, holder *Allocation, e Entry) {
		fn(off, holder.pageSize, t.arena.get(holder.Node).table.Entry(e.Index))
	})
}

// Ranges returns the address ranges covered by a, assuming the tree's span
// starts at base. Adjacent slots are coalesced.
func (t *Tree) Ranges(a *Allocation, base uint64) []hostarch.AddrRange {
	start := hostarch.Addr(base + a.Start())
	var ranges []hostarch.AddrRange
	a.walk(0, func(off uint64, holder *Allocation, _ Entry) {
		r := hostarch.AddrRange{Start: start + hostarch.Addr(off), End: start + hostarch.Addr(off+holder.pageSize)}
		if n := len(ranges); n > 0 && ranges[n-1].End == r.Start {
			ranges[n-1].End = r.End
			return
		}
		ranges = append(ranges, r)
	})
	return ranges
}

// Inject wires the foreign table at phys into slot index of the root. The
// slot is marked FullOrHugePage; the foreign table is never freed by t.
func (t *Tree) Inject(index int, phys uint64, flags pagetables.Flags) {
	nd := t.arena.get(t.root)
	if nd.level == 0 {
		panic("mlff: injecting a subtree into a leaf table")
	}
	if nd.avail[index] != Empty {
		panic(fmt.Sprintf("mlff: injecting into slot %d, which is %v", index, nd.avail[index]))
	}
	nd.table.SetSubtableAddr(index, phys)
	nd.table.AddSubtableFlags(index, flags.Transitive())
	t.refresh(t.root, index)
}

// Verify checks that every availability matches the occupancy of its slot
// and that every subtable is wired into its parent.
func (t *Tree) Verify() error {
	_, err := t.verify(t.root)
	return err
}

func (t *Tree) verify(id NodeID) (Availability, error) {
	nd := t.arena.get(id)
	var counts [numAvailability]int
	for i := 0; i < nd.npages(); i++ {
		var want Availability
		if c := nd.children[i]; c.Valid() {
			e := nd.table.Entry(i)
			cn := t.arena.get(c)
			if e.Kind != pagetables.EntryPresent || e.IsHuge() || e.Addr != cn.table.Physical() {
				return 0, fmt.Errorf("level %d slot %d: entry %v does not point at subtable %#x", nd.level, i, e, cn.table.Physical())
			}
			if cn.parent != id || cn.parentIndex != i {
				return 0, fmt.Errorf("level %d slot %d: subtable has parent %v slot %d", nd.level, i, cn.parent, cn.parentIndex)
			}
			s, err := t.verify(c)
			if err != nil {
				return 0, err
			}
			want = s
		} else if !nd.table.IsUnused(i) {
			want = FullOrHugePage
		}
		if nd.avail[i] != want {
			return 0, fmt.Errorf("level %d slot %d: availability %v, occupancy %v", nd.level, i, nd.avail[i], want)
		}
		counts[want]++
	}
	if counts != nd.counts {
		return 0, fmt.Errorf("level %d: counts %v, want %v", nd.level, nd.counts, counts)
	}
	return nd.summary(), nil
}

// Dump returns one line per table: its depth-first path and one character
// per slot ('.' Empty, 'p' PartialSubtable, 'n' NearFullSubtable,
// 'F' FullOrHugePage). Runs of Empty slots at the end are trimmed.
func (t *Tree) Dump() []string {
	var lines []string
	var dump func(id NodeID, path string)
	dump = func(id NodeID, path string) {
		nd := t.arena.get(id)
		buf := make([]byte, 0, nd.npages())
		for _, a := range nd.avail {
			buf = append(buf, a.shortString())
		}
		end := len(buf)
		for end > 0 && buf[end-1] == '.' {
			end--
		}
		lines = append(lines, fmt.Sprintf("L%d %s %s", nd.level, path, buf[:end]))
		for i, c := range nd.children {
			if c.Valid() {
				dump(c, fmt.Sprintf("%s%d/", path, i))
			}
		}
	}
	dump(t.root, "/")
	return lines
}
