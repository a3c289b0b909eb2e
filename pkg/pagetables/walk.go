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
)

// Address constraints for four-level tables.
const (
	// VABits is the number of implemented virtual address bits.
	VABits = 48

	lowerTop    = 0x00007fffffffffff
	upperBottom = 0xffff800000000000
)

// IsCanonical returns true if v is a canonical virtual address.
func IsCanonical(v uint64) bool {
	return v <= lowerTop || v >= upperBottom
}

// Canonical sign-extends bit VABits-1 of v.
func Canonical(v uint64) uint64 {
	const shift = 64 - VABits
	return uint64(int64(v<<shift) >> shift)
}

// Decanonical strips the sign extension from v.
func Decanonical(v uint64) uint64 {
	return v & (1<<VABits - 1)
}

// Translation is the result of a hardware-style walk.
type Translation struct {
	// Entry is the final entry reached.
	Entry Entry

	// Level is the level of Entry.
	Level int

	// Physical is the translated address; valid iff Entry is present.
	Physical uint64
}

// Translate walks the tables under root the way the MMU would and returns
// the final entry for vaddr. vaddr is relative to the start of root's span.
// It returns false if the walk ends on an unused entry.
func Translate(g Geometry, alloc Allocator, root Table, vaddr uint64) (Translation, bool) {
	t := root
	for level := root.Level(); ; level-- {
		e := t.Entry(g.Index(level, vaddr))
		switch e.Kind {
		case EntryUnused:
			return Translation{Entry: e, Level: level}, false
		case EntryAbsent:
			return Translation{Entry: e, Level: level}, true
		}
		if level == 0 || e.IsHuge() {
			off := vaddr & (g.PageSize(level) - 1)
			return Translation{Entry: e, Level: level, Physical: e.Addr + off}, true
		}
		child, ok := alloc.LookupTable(e.Addr)
		if !ok {
			panic(fmt.Sprintf("pagetables: level %d entry %v points at unknown table", level, e))
		}
		t = child
	}
}
