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

package tlb

import (
	"fmt"

	"vmcore.dev/vmcore/pkg/bitmap"
	"vmcore.dev/vmcore/pkg/cpu"
	"vmcore.dev/vmcore/pkg/sync"
)

// Owner is the lock of the page table an AddressSpace describes.
// sync.ActiveRWMutex implements it.
type Owner interface {
	// TryLock takes the lock exclusively if no reader of any kind holds it.
	TryLock() bool

	// Unlock releases a lock taken with TryLock.
	Unlock()

	// ActiveCount returns the number of CPUs the table is loaded on.
	ActiveCount() int32
}

// AddressSpace is the TLB state of one page table.
type AddressSpace struct {
	mgr    *Manager
	owner  Owner
	global bool
	name   string

	mu sync.Mutex

	// asids[c] is the ASID of the space on CPU c.
	//
	// +checklocks:mu
	asids []ASID

	// touched holds every CPU the space was ever loaded on; those may still
	// cache its translations.
	//
	// +checklocks:mu
	touched bitmap.Bitmap

	// activeOn holds the CPUs the space is loaded on now.
	//
	// +checklocks:mu
	activeOn bitmap.Bitmap

	// activeID is valid while activeOn is not empty.
	//
	// +checklocks:mu
	activeID ActiveID

	// +checklocks:mu
	released bool
}

// String implements fmt.Stringer.String.
func (s *AddressSpace) String() string {
	return s.name
}

// Global returns true if the space holds global translations shared by
// every page table.
func (s *AddressSpace) Global() bool {
	return s.global
}

// ASID returns the ASID of s on CPU c.
func (s *AddressSpace) ASID(c cpu.ID) ASID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.asids[c]
}

func (s *AddressSpace) setASID(c cpu.ID, a ASID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asids[c] = a
}

// ActiveOn returns the CPUs s is loaded on.
func (s *AddressSpace) ActiveOn() []cpu.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cpuList(&s.activeOn)
}

// Touched returns the CPUs s was ever loaded on.
func (s *AddressSpace) Touched() []cpu.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cpuList(&s.touched)
}

// ActiveID returns the active-table identifier of s, or 0 if s is not
// loaded anywhere.
func (s *AddressSpace) ActiveID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID.ID()
}

// Released returns true once Release was called.
func (s *AddressSpace) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Release gives up the ASIDs of s. The next claim on each CPU may reuse
// them.
//
// Precondition: s is not loaded on any CPU.
func (s *AddressSpace) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		panic(fmt.Sprintf("double release of address space %s", s.name))
	}
	if !s.activeOn.IsEmpty() {
		panic(fmt.Sprintf("releasing address space %s while loaded on %v", s.name, cpuList(&s.activeOn)))
	}
	s.released = true
}

// snapshot is a consistent copy of the state PushFlushes needs.
type snapshot struct {
	global   bool
	asids    []ASID
	touched  []cpu.ID
	activeOn bitmap.Bitmap
	activeID uint32
}

func (s *AddressSpace) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot{
		global:   s.global,
		asids:    append([]ASID(nil), s.asids...),
		touched:  cpuList(&s.touched),
		activeOn: s.activeOn.Clone(),
		activeID: s.activeID.ID(),
	}
}

func cpuList(b *bitmap.Bitmap) []cpu.ID {
	var ids []cpu.ID
	b.ForEach(func(i uint32) bool {
		ids = append(ids, cpu.ID(i))
		return true
	})
	return ids
}
