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
	"errors"
	"fmt"
	"math/bits"
)

// ErrInvalidGeometry is returned by Geometry.Validate.
var ErrInvalidGeometry = errors.New("invalid page-table geometry")

// LevelDesc describes one level of a page-table hierarchy.
type LevelDesc struct {
	// NPages is the number of slots used at this level. It is a power of two
	// no larger than EntriesPerTable.
	NPages int

	// PageShift is the binary log of the span of one slot.
	PageShift uint

	// Subtables is true if a slot may point at a table of the level below.
	Subtables bool

	// HugePages is true if a slot may map memory directly. The leaf level
	// always maps memory directly.
	HugePages bool
}

// PageSize returns the span of one slot.
func (d LevelDesc) PageSize() uint64 {
	return 1 << d.PageShift
}

// Span returns the span of a whole table at this level.
func (d LevelDesc) Span() uint64 {
	return d.PageSize() * uint64(d.NPages)
}

// Geometry describes a page-table hierarchy. Index 0 is the leaf level; the
// last element is the root.
type Geometry []LevelDesc

// X86_64 is the 4-level x86-64 hierarchy with 2MB and 1GB huge pages.
var X86_64 = Geometry{
	{NPages: 512, PageShift: 12},
	{NPages: 512, PageShift: 21, Subtables: true, HugePages: true},
	{NPages: 512, PageShift: 30, Subtables: true, HugePages: true},
	{NPages: 512, PageShift: 39, Subtables: true},
}

// Top returns the root level.
func (g Geometry) Top() int {
	return len(g) - 1
}

// PageSize returns the span of one slot at level.
func (g Geometry) PageSize(level int) uint64 {
	return g[level].PageSize()
}

// Span returns the span of a whole table at level.
func (g Geometry) Span(level int) uint64 {
	return g[level].Span()
}

// Index returns the slot at level that translates addr, where addr is
// relative to the start of the table.
func (g Geometry) Index(level int, addr uint64) int {
	return int(addr>>g[level].PageShift) & (g[level].NPages - 1)
}

// Validate checks that g describes a consistent hierarchy.
func (g Geometry) Validate() error {
	if len(g) == 0 {
		return fmt.Errorf("%w: no levels", ErrInvalidGeometry)
	}
	for level, d := range g {
		if d.NPages <= 0 || d.NPages > EntriesPerTable || bits.OnesCount(uint(d.NPages)) != 1 {
			return fmt.Errorf("%w: level %d has %d pages", ErrInvalidGeometry, level, d.NPages)
		}
		if int(d.PageShift)+bits.Len(uint(d.NPages-1)) > 64 {
			return fmt.Errorf("%w: level %d spans more than the address space", ErrInvalidGeometry, level)
		}
		if level == 0 {
			if d.Subtables {
				return fmt.Errorf("%w: leaf level cannot have subtables", ErrInvalidGeometry)
			}
			continue
		}
		if !d.Subtables {
			return fmt.Errorf("%w: level %d has no subtables, so level %d is unreachable", ErrInvalidGeometry, level, level-1)
		}
		if want := g[level-1].PageShift + uint(bits.Len(uint(g[level-1].NPages-1))); d.PageShift != want {
			return fmt.Errorf("%w: level %d page shift %d, want %d", ErrInvalidGeometry, level, d.PageShift, want)
		}
	}
	return nil
}

// MustValidate panics if g is invalid.
func (g Geometry) MustValidate() {
	if err := g.Validate(); err != nil {
		panic(err)
	}
}
