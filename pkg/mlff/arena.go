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

	"vmcore.dev/vmcore/pkg/pagetables"
)

// NodeID names a node in a Tree. IDs are generational: once a node is freed,
// IDs referring to it are stale and any use of them panics. The zero NodeID
// refers to no node.
type NodeID struct {
	index uint32
	gen   uint32
}

// Valid returns true if id is not the zero NodeID.
func (id NodeID) Valid() bool {
	return id.gen != 0
}

// String implements fmt.Stringer.String.
func (id NodeID) String() string {
	if !id.Valid() {
		return "node(nil)"
	}
	return fmt.Sprintf("node(%d#%d)", id.index, id.gen)
}

// node is one table of the tree.
type node struct {
	gen  uint32
	live bool

	level int
	table pagetables.Table

	// avail[i] is the availability of slot i.
	avail []Availability

	// counts[a] is the number of slots whose availability is a.
	counts [numAvailability]int

	// children[i] is the node slot i points at, if any.
	children []NodeID

	parent      NodeID
	parentIndex int
}

func (n *node) npages() int {
	return len(n.avail)
}

func (n *node) setAvail(i int, a Availability) {
	n.counts[n.avail[i]]--
	n.avail[i] = a
	n.counts[a]++
}

// summary is the availability of a slot pointing at n.
func (n *node) summary() Availability {
	switch {
	case n.counts[FullOrHugePage] == n.npages():
		return FullOrHugePage
	case n.counts[Empty] > 0:
		return PartialSubtable
	default:
		return NearFullSubtable
	}
}

// isEmpty returns true if no slot of n is in use.
func (n *node) isEmpty() bool {
	return n.counts[Empty] == n.npages()
}

// arena holds the nodes of a tree.
type arena struct {
	nodes []*node
	free  []uint32
	live  int
}

// alloc returns a fresh node.
func (a *arena) alloc(level int, table pagetables.Table, npages int) (NodeID, *node) {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.nodes))
		a.nodes = append(a.nodes, &node{})
	}
	nd := a.nodes[idx]
	gen := nd.gen + 1
	if gen == 0 {
		gen = 1
	}
	*nd = node{
		gen:      gen,
		live:     true,
		level:    level,
		table:    table,
		avail:    make([]Availability, npages),
		children: make([]NodeID, npages),
	}
	nd.counts[Empty] = npages
	a.live++
	return NodeID{index: idx, gen: gen}, nd
}

// get returns the node named by id, panicking if id is stale.
func (a *arena) get(id NodeID) *node {
	if !id.Valid() || int(id.index) >= len(a.nodes) {
		panic(fmt.Sprintf("mlff: invalid %v", id))
	}
	nd := a.nodes[id.index]
	if !nd.live || nd.gen != id.gen {
		panic(fmt.Sprintf("mlff: stale %v (current generation %d)", id, nd.gen))
	}
	return nd
}

// release frees the node named by id.
func (a *arena) release(id NodeID) {
	nd := a.get(id)
	*nd = node{gen: nd.gen}
	a.free = append(a.free, id.index)
	a.live--
}
