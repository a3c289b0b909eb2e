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

package kmem

import "fmt"

// MappingKind identifies the variant held by a Mapping.
type MappingKind int

const (
	// NoMapping is the zero Mapping.
	NoMapping MappingKind = iota
	HeapMapping
	StackMapping
	MMIOMapping
)

// String implements fmt.Stringer.String.
func (k MappingKind) String() string {
	switch k {
	case NoMapping:
		return "none"
	case HeapMapping:
		return "heap"
	case StackMapping:
		return "stack"
	case MMIOMapping:
		return "mmio"
	default:
		return fmt.Sprintf("MappingKind(%d)", int(k))
	}
}

// Mapping is any kernel mapping handed out by a Context, for callers that
// keep mappings of different kinds together. Exactly one of the pointers is
// set, as named by kind.
type Mapping struct {
	kind  MappingKind
	heap  *HeapRegion
	stack *Stack
	mmio  *MMIORegion
}

// OfHeap wraps r.
func OfHeap(r *HeapRegion) Mapping {
	return Mapping{kind: HeapMapping, heap: r}
}

// OfStack wraps s.
func OfStack(s *Stack) Mapping {
	return Mapping{kind: StackMapping, stack: s}
}

// OfMMIO wraps r.
func OfMMIO(r *MMIORegion) Mapping {
	return Mapping{kind: MMIOMapping, mmio: r}
}

// Kind returns the variant of m.
func (m Mapping) Kind() MappingKind {
	return m.kind
}

// Heap returns the heap region held by m, if any.
func (m Mapping) Heap() (*HeapRegion, bool) {
	return m.heap, m.kind == HeapMapping
}

// Stack returns the stack held by m, if any.
func (m Mapping) Stack() (*Stack, bool) {
	return m.stack, m.kind == StackMapping
}

// MMIO returns the MMIO region held by m, if any.
func (m Mapping) MMIO() (*MMIORegion, bool) {
	return m.mmio, m.kind == MMIOMapping
}

// VirtAddr returns the lowest usable address of m.
func (m Mapping) VirtAddr() uint64 {
	switch m.kind {
	case HeapMapping:
		return m.heap.VirtAddr()
	case StackMapping:
		return m.stack.Bottom()
	case MMIOMapping:
		return m.mmio.VirtAddr()
	default:
		panic("address of empty mapping")
	}
}

// Len returns the usable size of m.
func (m Mapping) Len() uint64 {
	switch m.kind {
	case HeapMapping:
		return m.heap.Len()
	case StackMapping:
		return m.stack.Len()
	case MMIOMapping:
		return m.mmio.Len()
	default:
		return 0
	}
}

// String implements fmt.Stringer.String.
func (m Mapping) String() string {
	if m.kind == NoMapping {
		return "none"
	}
	return fmt.Sprintf("%v [%#x, +%#x)", m.kind, m.VirtAddr(), m.Len())
}

// Release releases the held mapping.
func (m Mapping) Release() {
	switch m.kind {
	case HeapMapping:
		m.heap.Release()
	case StackMapping:
		m.stack.Release()
	case MMIOMapping:
		m.mmio.Release()
	default:
		panic("release of empty mapping")
	}
}
