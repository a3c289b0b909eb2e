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

// Package physmem provides simulated physical memory.
//
// An Arena stands in for the RAM described by the boot memory map: physical
// address p in [Base, Base+Size) is backed by byte p-Base of a host mapping.
// Page-table pages and kernel heap frames handed out by the buddy allocator
// live here.
package physmem

import (
	"fmt"
	"unsafe"

	"vmcore.dev/vmcore/pkg/hostarch"
)

// Arena is a contiguous range of simulated physical memory.
type Arena struct {
	base uint64
	mem  []byte

	// release unmaps mem; nil once released.
	release func() error
}

// New returns an Arena covering [base, base+size). size is rounded up to the
// page size.
func New(base, size uint64) (*Arena, error) {
	if base%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("physmem: base %#x is not page aligned", base)
	}
	size, ok := hostarch.PageRoundUp(size)
	if !ok || size == 0 {
		return nil, fmt.Errorf("physmem: invalid size %#x", size)
	}
	if _, ok := hostarch.Addr(base).AddLength(size); !ok {
		return nil, fmt.Errorf("physmem: [%#x, +%#x) overflows", base, size)
	}
	mem, release, err := mapMemory(size)
	if err != nil {
		return nil, fmt.Errorf("physmem: mapping %#x bytes: %w", size, err)
	}
	return &Arena{base: base, mem: mem, release: release}, nil
}

// Base returns the first physical address of the arena.
func (a *Arena) Base() uint64 {
	return a.base
}

// Size returns the size of the arena in bytes.
func (a *Arena) Size() uint64 {
	return uint64(len(a.mem))
}

// Contains returns true if [phys, phys+n) lies inside the arena.
func (a *Arena) Contains(phys, n uint64) bool {
	return phys >= a.base && n <= a.Size() && phys-a.base <= a.Size()-n
}

// Bytes returns the memory backing [phys, phys+n).
//
// Preconditions: a.Contains(phys, n).
func (a *Arena) Bytes(phys, n uint64) []byte {
	if a.mem == nil {
		panic("physmem: use of released arena")
	}
	if !a.Contains(phys, n) {
		panic(fmt.Sprintf("physmem: [%#x, +%#x) outside arena [%#x, +%#x)", phys, n, a.base, a.Size()))
	}
	off := phys - a.base
	return a.mem[off : off+n : off+n]
}

// Words returns the memory backing [phys, phys+8*n) as 64-bit words.
//
// Preconditions: a.Contains(phys, 8*n); phys is 8-byte aligned.
func (a *Arena) Words(phys uint64, n int) []uint64 {
	if phys%8 != 0 {
		panic(fmt.Sprintf("physmem: unaligned word address %#x", phys))
	}
	b := a.Bytes(phys, uint64(n)*8)
	return unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), n)
}

// Zero clears [phys, phys+n).
func (a *Arena) Zero(phys, n uint64) {
	clear(a.Bytes(phys, n))
}

// Release unmaps the arena. Memory previously returned by Bytes or Words must
// not be used afterwards.
func (a *Arena) Release() error {
	if a.release == nil {
		return nil
	}
	err := a.release()
	a.release = nil
	a.mem = nil
	return err
}
