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
	"strings"
)

// Entry is one element of an Allocation: either a committed slot (Sub is
// nil) or a range delegated to the subtable at Index.
type Entry struct {
	// Index is the slot in the allocation's table.
	Index int

	// Offset is the position of the entry's first byte relative to the start
	// of the allocation.
	Offset uint64

	// Sub is the range inside the subtable, if any.
	Sub *Allocation
}

// Allocation is a committed range of a tree, expressed at one table.
//
// Entries are ordered by Offset, contiguous and non-overlapping.
type Allocation struct {
	// Level is the level of the table the entries refer to.
	Level int

	// Node is that table.
	Node NodeID

	// Entries is the ordered list of entries.
	Entries []Entry

	pageSize uint64
}

// entryLen returns the number of bytes covered by e.
func (a *Allocation) entryLen(e Entry) uint64 {
	if e.Sub != nil {
		return e.Sub.Len()
	}
	return a.pageSize
}

// Start returns the offset of the allocation from the start of its table's
// span.
func (a *Allocation) Start() uint64 {
	e := a.Entries[0]
	start := uint64(e.Index) * a.pageSize
	if e.Sub != nil {
		start += e.Sub.Start()
	}
	return start
}

// Len returns the number of bytes in the allocation.
func (a *Allocation) Len() uint64 {
	last := a.Entries[len(a.Entries)-1]
	return last.Offset + a.entryLen(last)
}

// Span is a contiguous mapping unit of an allocation.
type Span struct {
	// Offset is relative to the start of the allocation.
	Offset uint64
	Len    uint64

	// Level is the level of the slot that maps the span.
	Level int
}

// Spans returns the committed slots of a, in order, as offsets relative to
// the start of a.
func (a *Allocation) Spans() []Span {
	var spans []Span
	a.walk(0, func(off uint64, sa *Allocation, _ Entry) {
		spans = append(spans, Span{Offset: off, Len: sa.pageSize, Level: sa.Level})
	})
	return spans
}

// walk calls fn for every committed slot under a, with the slot's offset
// relative to the start of the outermost allocation and the allocation
// holding the slot's entry.
func (a *Allocation) walk(base uint64, fn func(off uint64, holder *Allocation, e Entry)) {
	for _, e := range a.Entries {
		if e.Sub != nil {
			e.Sub.walk(base+e.Offset, fn)
			continue
		}
		fn(base+e.Offset, a, e)
	}
}

// String implements fmt.Stringer.String.
func (a *Allocation) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "L%d[", a.Level)
	for i, e := range a.Entries {
		if i > 0 {
			b.WriteByte(' ')
		}
		if e.Sub != nil {
			fmt.Fprintf(&b, "%d+%#x:%v", e.Index, e.Offset, e.Sub)
		} else {
			fmt.Fprintf(&b, "%d+%#x", e.Index, e.Offset)
		}
	}
	b.WriteByte(']')
	return b.String()
}
