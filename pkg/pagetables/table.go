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

// Package pagetables is the architecture hook: it reads and writes single
// hardware page-table pages.
//
// Everything above this package (the multi-level allocator, the locked
// allocator and the TLB manager) sees a page-table page only through the
// Table interface, and the shape of the hierarchy only through a Geometry.
package pagetables

import (
	"fmt"
)

// EntriesPerTable is the number of entries in an x86-64 page-table page.
const EntriesPerTable = 512

// Table reads and writes the entries of one hardware page-table page.
//
// A Table does not synchronize writers; its owner serializes mutations.
// Entry reads and writes are individually atomic.
type Table interface {
	// Level returns the level of the table; 0 is the leaf level.
	Level() int

	// Len returns the number of entries.
	Len() int

	// Physical returns the physical address of the table page.
	Physical() uint64

	// IsUnused returns true if entry i is clear.
	IsUnused(i int) bool

	// Entry returns entry i.
	Entry(i int) Entry

	// SetHugeAddr maps entry i directly to addr with flags. Above the leaf
	// level this installs a huge page.
	SetHugeAddr(i int, addr uint64, flags Flags)

	// SetSubtableAddr points entry i at the table page at phys. No flags
	// besides Present are set; see AddSubtableFlags.
	SetSubtableAddr(i int, phys uint64)

	// AddSubtableFlags adds flags to the subtable entry i.
	AddSubtableFlags(i int, flags Flags)

	// SetAbsent marks entry i not present, carrying data.
	SetAbsent(i int, data uint64)

	// SetEmpty clears entry i.
	SetEmpty(i int)
}

// PTEs is a collection of entries.
type PTEs [EntriesPerTable]PTE

// Node is a Table backed by a PTEs page.
type Node struct {
	ptes     *PTEs
	physical uint64
	level    int
}

// NewNode returns a Node over ptes, located at physical address physical.
func NewNode(ptes *PTEs, physical uint64, level int) *Node {
	if physical&^addrMask != 0 {
		panic(fmt.Sprintf("pagetables: table at unaligned address %#x", physical))
	}
	return &Node{ptes: ptes, physical: physical, level: level}
}

// PTEs returns the entries of n.
func (n *Node) PTEs() *PTEs {
	return n.ptes
}

// Level implements Table.Level.
func (n *Node) Level() int {
	return n.level
}

// Len implements Table.Len.
func (n *Node) Len() int {
	return EntriesPerTable
}

// Physical implements Table.Physical.
func (n *Node) Physical() uint64 {
	return n.physical
}

// IsUnused implements Table.IsUnused.
func (n *Node) IsUnused(i int) bool {
	return n.ptes[i].Raw() == 0
}

// Entry implements Table.Entry.
func (n *Node) Entry(i int) Entry {
	return n.ptes[i].Load()
}

// SetHugeAddr implements Table.SetHugeAddr.
func (n *Node) SetHugeAddr(i int, addr uint64, flags Flags) {
	flags &^= Huge
	if n.level > 0 {
		flags |= Huge
	}
	n.ptes[i].Store(PresentEntry(addr, flags))
}

// SetSubtableAddr implements Table.SetSubtableAddr.
func (n *Node) SetSubtableAddr(i int, phys uint64) {
	if n.level == 0 {
		panic("pagetables: subtable entry in a leaf table")
	}
	n.ptes[i].Store(PresentEntry(phys, 0))
}

// AddSubtableFlags implements Table.AddSubtableFlags.
func (n *Node) AddSubtableFlags(i int, flags Flags) {
	n.ptes[i].Or(flags &^ Huge)
}

// SetAbsent implements Table.SetAbsent.
func (n *Node) SetAbsent(i int, data uint64) {
	n.ptes[i].Store(AbsentEntry(data))
}

// SetEmpty implements Table.SetEmpty.
func (n *Node) SetEmpty(i int) {
	n.ptes[i].Clear()
}

// IsEmpty returns true if every entry of n is clear.
func (n *Node) IsEmpty() bool {
	for i := range n.ptes {
		if !n.IsUnused(i) {
			return false
		}
	}
	return true
}
