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
	"strings"

	"vmcore.dev/vmcore/pkg/hostarch"
)

// Flags are page-table entry flags, in their x86-64 bit positions.
type Flags uint64

const (
	Present      Flags = 1 << 0
	Writable     Flags = 1 << 1
	User         Flags = 1 << 2
	WriteThrough Flags = 1 << 3
	NoCache      Flags = 1 << 4
	Accessed     Flags = 1 << 5
	Dirty        Flags = 1 << 6
	Huge         Flags = 1 << 7
	Global       Flags = 1 << 8

	// Pinned is an OS-available bit: the mapping must never be relocated or
	// evicted.
	Pinned Flags = 1 << 9

	NoExecute Flags = 1 << 63
)

// TransitiveFlags must be set on every intermediate entry for a descendant
// mapping to receive them. All other flags are mapping-specific.
const TransitiveFlags = Writable | User

// flagsMask covers every flag bit that may appear in a present entry.
const flagsMask = Present | Writable | User | WriteThrough | NoCache | Accessed | Dirty | Huge | Global | Pinned | NoExecute

// Transitive returns the transitive subset of f.
func (f Flags) Transitive() Flags {
	return f & TransitiveFlags
}

// Specific returns the mapping-specific subset of f.
func (f Flags) Specific() Flags {
	return f &^ TransitiveFlags
}

// MemoryType returns the memory type selected by the caching bits of f.
func (f Flags) MemoryType() hostarch.MemoryType {
	switch {
	case f&NoCache != 0:
		return hostarch.MemoryTypeUncached
	case f&WriteThrough != 0:
		return hostarch.MemoryTypeWriteThrough
	default:
		return hostarch.MemoryTypeWriteBack
	}
}

// MemoryTypeFlags returns the caching bits that select mt.
func MemoryTypeFlags(mt hostarch.MemoryType) Flags {
	switch mt {
	case hostarch.MemoryTypeWriteThrough:
		return WriteThrough
	case hostarch.MemoryTypeUncached:
		return NoCache | WriteThrough
	default:
		return 0
	}
}

var flagNames = []struct {
	flag Flags
	name string
}{
	{Present, "P"},
	{Writable, "RW"},
	{User, "US"},
	{WriteThrough, "PWT"},
	{NoCache, "PCD"},
	{Accessed, "A"},
	{Dirty, "D"},
	{Huge, "PS"},
	{Global, "G"},
	{Pinned, "PIN"},
	{NoExecute, "NX"},
}

// String implements fmt.Stringer.String.
func (f Flags) String() string {
	var names []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, "|")
}
