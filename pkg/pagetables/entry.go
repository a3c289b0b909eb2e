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

	"vmcore.dev/vmcore/pkg/atomicbitops"
)

// EntryKind is the state of a page-table entry.
type EntryKind uint8

const (
	// EntryUnused is a clear entry.
	EntryUnused EntryKind = iota

	// EntryPresent maps a page or a subtable.
	EntryPresent

	// EntryAbsent is not present but carries an opaque payload, for example
	// a guard page sentinel.
	EntryAbsent
)

// String implements fmt.Stringer.String.
func (k EntryKind) String() string {
	switch k {
	case EntryUnused:
		return "Unused"
	case EntryPresent:
		return "Present"
	case EntryAbsent:
		return "Absent"
	default:
		return fmt.Sprintf("EntryKind(%d)", k)
	}
}

// Entry is a decoded page-table entry. Exactly one of Addr/Flags (for
// EntryPresent) or Data (for EntryAbsent) is meaningful.
type Entry struct {
	Kind  EntryKind
	Addr  uint64
	Flags Flags
	Data  uint64
}

// UnusedEntry returns a clear entry.
func UnusedEntry() Entry {
	return Entry{}
}

// PresentEntry returns an entry mapping addr with flags. Present is implied.
func PresentEntry(addr uint64, flags Flags) Entry {
	return Entry{Kind: EntryPresent, Addr: addr, Flags: flags | Present}
}

// AbsentEntry returns a not-present entry carrying data.
func AbsentEntry(data uint64) Entry {
	return Entry{Kind: EntryAbsent, Data: data}
}

// IsHuge returns true if e maps a huge page rather than a subtable.
func (e Entry) IsHuge() bool {
	return e.Kind == EntryPresent && e.Flags&Huge != 0
}

// String implements fmt.Stringer.String.
func (e Entry) String() string {
	switch e.Kind {
	case EntryPresent:
		return fmt.Sprintf("Present(%#x, %v)", e.Addr, e.Flags)
	case EntryAbsent:
		return fmt.Sprintf("Absent(%#x)", e.Data)
	default:
		return "Unused"
	}
}

const (
	// addrMask covers the physical address bits 12..51.
	addrMask = 0x000ffffffffff000

	// absentTag marks a not-present entry that carries a payload. Bit 0
	// (present) is clear, so hardware ignores every other bit.
	absentTag = 1 << 1

	// absentShift is the position of the payload in an absent entry.
	absentShift = 2

	// MaxAbsentData is the largest payload an absent entry can carry.
	MaxAbsentData = 1<<(64-absentShift) - 1
)

// PTE is a single hardware page-table entry. Entries are read and written
// atomically since the CPU may walk a loaded table concurrently.
type PTE struct {
	v atomicbitops.Uint64
}

// Raw returns the raw entry bits.
func (p *PTE) Raw() uint64 {
	return p.v.Load()
}

// Valid returns true iff the entry is present.
func (p *PTE) Valid() bool {
	return p.v.Load()&uint64(Present) != 0
}

// Clear clears the entry.
func (p *PTE) Clear() {
	p.v.Store(0)
}

// Load decodes the entry.
func (p *PTE) Load() Entry {
	return decode(p.v.Load())
}

// Store encodes e into the entry.
func (p *PTE) Store(e Entry) {
	p.v.Store(encode(e))
}

// Or sets additional flag bits on a present entry.
func (p *PTE) Or(flags Flags) {
	for {
		old := p.v.Load()
		if old&uint64(Present) == 0 {
			panic(fmt.Sprintf("pagetables: adding flags %v to non-present entry %#x", flags, old))
		}
		if p.v.CompareAndSwap(old, old|uint64(flags&flagsMask)) {
			return
		}
	}
}

func decode(v uint64) Entry {
	switch {
	case v == 0:
		return UnusedEntry()
	case v&uint64(Present) != 0:
		return Entry{Kind: EntryPresent, Addr: v & addrMask, Flags: Flags(v) & flagsMask}
	case v&absentTag != 0:
		return AbsentEntry(v >> absentShift)
	default:
		panic(fmt.Sprintf("pagetables: malformed entry %#x", v))
	}
}

func encode(e Entry) uint64 {
	switch e.Kind {
	case EntryUnused:
		return 0
	case EntryPresent:
		if e.Addr&^addrMask != 0 {
			panic(fmt.Sprintf("pagetables: unencodable address %#x", e.Addr))
		}
		return e.Addr | uint64((e.Flags|Present)&flagsMask)
	case EntryAbsent:
		if e.Data > MaxAbsentData {
			panic(fmt.Sprintf("pagetables: absent payload %#x exceeds %#x", e.Data, uint64(MaxAbsentData)))
		}
		return e.Data<<absentShift | absentTag
	default:
		panic(fmt.Sprintf("pagetables: unknown entry kind %v", e.Kind))
	}
}
