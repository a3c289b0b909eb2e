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
	"slices"
	"weak"

	"vmcore.dev/vmcore/pkg/cpu"
	"vmcore.dev/vmcore/pkg/sync"
)

// MaxASIDs is the largest ASID pool a CPU supports. PCID 0 is reserved for
// address spaces without an ASID.
const MaxASIDs = 1<<12 - 1

// ASID is an address-space identifier on one CPU. The zero value is
// Unassigned.
type ASID struct {
	n uint16
}

// Unassigned is the ASID of an address space that could not claim one. It
// is loaded with cpu.NoPCID, so every switch to it flushes.
var Unassigned ASID

// Assigned returns ASID n.
func Assigned(n uint16) ASID {
	if n == 0 || n > MaxASIDs {
		panic(fmt.Sprintf("ASID %d out of range", n))
	}
	return ASID{n}
}

// IsAssigned returns true if a is not Unassigned.
func (a ASID) IsAssigned() bool {
	return a.n != 0
}

// PCID returns the process-context identifier to load for a.
func (a ASID) PCID() uint16 {
	return a.n
}

// String implements fmt.Stringer.String.
func (a ASID) String() string {
	if !a.IsAssigned() {
		return "unassigned"
	}
	return fmt.Sprintf("asid%d", a.n)
}

// asidSlot is the ownership record of one ASID.
type asidSlot struct {
	owner weak.Pointer[AddressSpace]

	// used is set once the ASID has been handed out, after which its
	// translations may be cached and it must be flushed before reuse.
	used bool
}

// ASIDPool is the set of ASIDs of one CPU. Owners are referenced weakly, so
// an address space that is dropped without Release still gives its ASID
// back.
type ASIDPool struct {
	cpu cpu.ID

	mu sync.Mutex

	// slots[n-1] records the owner of ASID n.
	//
	// +checklocks:mu
	slots []asidSlot

	// lru lists ASIDs from least to most recently claimed.
	//
	// +checklocks:mu
	lru []uint16
}

// NewASIDPool returns a pool of size ASIDs for CPU c.
func NewASIDPool(c cpu.ID, size int) *ASIDPool {
	if size < 0 || size > MaxASIDs {
		panic(fmt.Sprintf("ASID pool size %d out of range", size))
	}
	p := &ASIDPool{
		cpu:   c,
		slots: make([]asidSlot, size),
		lru:   make([]uint16, size),
	}
	for i := range p.lru {
		p.lru[i] = uint16(i + 1)
	}
	return p
}

// Size returns the number of ASIDs in the pool.
func (p *ASIDPool) Size() int {
	return len(p.slots)
}

// Owner returns the current owner of ASID a, if it is still alive.
func (p *ASIDPool) Owner(a ASID) *AddressSpace {
	if !a.IsAssigned() {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ownerLocked(a.n)
}

// +checklocks:p.mu
func (p *ASIDPool) ownerLocked(n uint16) *AddressSpace {
	s := p.slots[n-1].owner.Value()
	if s == nil || s.Released() {
		return nil
	}
	return s
}

// touchLocked moves n to the back of the LRU order.
//
// +checklocks:p.mu
func (p *ASIDPool) touchLocked(n uint16) {
	i := slices.Index(p.lru, n)
	p.lru = append(slices.Delete(p.lru, i, i+1), n)
}

// claimResult describes how a claim was satisfied.
type claimResult int

const (
	claimHit claimResult = iota
	claimFree
	claimEvict
	claimFail
)

// claim finds an ASID for s on the pool's CPU. flush is called, with the
// pool locked, for every ASID that must be flushed before s may use it.
func (p *ASIDPool) claim(s *AddressSpace, flush func(n uint16)) (ASID, claimResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cur := s.ASID(p.cpu); cur.IsAssigned() && p.slots[cur.n-1].owner.Value() == s {
		p.touchLocked(cur.n)
		return cur, claimHit
	}

	// A slot nobody owns any more.
	for _, n := range p.lru {
		if p.ownerLocked(n) != nil {
			continue
		}
		if p.slots[n-1].used {
			flush(n)
		}
		return p.assignLocked(s, n), claimFree
	}

	// The least recently used slot whose owner is neither locked nor
	// loaded anywhere.
	for _, n := range p.lru {
		victim := p.ownerLocked(n)
		if victim == s || !victim.owner.TryLock() {
			continue
		}
		if victim.owner.ActiveCount() != 0 {
			victim.owner.Unlock()
			continue
		}
		victim.setASID(p.cpu, Unassigned)
		victim.owner.Unlock()
		flush(n)
		return p.assignLocked(s, n), claimEvict
	}
	return Unassigned, claimFail
}

// +checklocks:p.mu
func (p *ASIDPool) assignLocked(s *AddressSpace, n uint16) ASID {
	p.slots[n-1] = asidSlot{owner: weak.Make(s), used: true}
	p.touchLocked(n)
	a := Assigned(n)
	s.setASID(p.cpu, a)
	return a
}

// ActiveIDs hands out small identifiers for page tables that are loaded on
// at least one CPU. Released identifiers are reused before new ones are
// minted.
type ActiveIDs struct {
	mu sync.Mutex

	// +checklocks:mu
	free []uint32

	// +checklocks:mu
	next uint32

	// +checklocks:mu
	live map[uint32]struct{}
}

// ActiveID is an identifier obtained from ActiveIDs. The zero value is not
// a valid identifier.
type ActiveID struct {
	pool *ActiveIDs
	id   uint32
}

// Get returns an unused identifier.
func (p *ActiveIDs) Get() ActiveID {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.live == nil {
		p.live = make(map[uint32]struct{})
	}
	var id uint32
	if n := len(p.free); n > 0 {
		id = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		p.next++
		id = p.next
	}
	p.live[id] = struct{}{}
	return ActiveID{pool: p, id: id}
}

// Live returns the number of identifiers handed out and not released.
func (p *ActiveIDs) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// ID returns the numeric identifier, or 0 for the zero ActiveID.
func (a ActiveID) ID() uint32 {
	return a.id
}

// Valid returns true if a was obtained from Get.
func (a ActiveID) Valid() bool {
	return a.pool != nil
}

// Release returns a to its pool.
func (a ActiveID) Release() {
	p := a.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.live[a.id]; !ok {
		panic(fmt.Sprintf("double release of active ID %d", a.id))
	}
	delete(p.live, a.id)
	p.free = append(p.free, a.id)
}
