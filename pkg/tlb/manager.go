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

// Package tlb keeps cached translations coherent with page-table mutations.
//
// Every page table has an AddressSpace. When a table is loaded on a CPU it
// claims an ASID from that CPU's pool, so that switching between tables
// does not discard the TLB. Stale translations are removed either at once,
// with a broadcast invalidation when the machine supports it, or lazily:
// the flush is queued on every CPU that may cache the translation and
// executed no later than the next time that ASID is loaded there. CPUs on
// which the table is loaded right now are interrupted with a shootdown.
package tlb

import (
	"fmt"
	"time"

	"vmcore.dev/vmcore/pkg/atomicbitops"
	"vmcore.dev/vmcore/pkg/bitmap"
	"vmcore.dev/vmcore/pkg/cpu"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
)

// Default limits of a pending list before it collapses into a full flush.
const (
	DefaultMaxPending = 32
	DefaultMaxPages   = 64
)

// Options configures a Manager.
type Options struct {
	// ASIDs is the size of each CPU's ASID pool. Zero disables ASIDs:
	// every switch flushes.
	ASIDs int

	// MaxPending is the number of ranges a pending list holds before it
	// collapses into a full flush. Zero selects DefaultMaxPending.
	MaxPending int

	// MaxPages is the size, in pages, above which a single range is
	// flushed fully rather than page by page. Zero selects DefaultMaxPages.
	MaxPages uint64

	// Logger receives diagnostics. If nil, the global logger is used with
	// rate limiting.
	Logger log.Logger
}

// Stats are cumulative counters.
type Stats struct {
	Claims        uint64
	ClaimHits     uint64
	Reclaims      uint64
	Evictions     uint64
	ClaimFailures uint64
	Queued        uint64
	Overflows     uint64
	Broadcasts    uint64
	Shootdowns    uint64
	SwitchFlushes uint64
	PageFlushes   uint64
	FullFlushes   uint64
}

type stats struct {
	claims        atomicbitops.Uint64
	claimHits     atomicbitops.Uint64
	reclaims      atomicbitops.Uint64
	evictions     atomicbitops.Uint64
	claimFailures atomicbitops.Uint64
	queued        atomicbitops.Uint64
	overflows     atomicbitops.Uint64
	broadcasts    atomicbitops.Uint64
	shootdowns    atomicbitops.Uint64
	switchFlushes atomicbitops.Uint64
	pageFlushes   atomicbitops.Uint64
	fullFlushes   atomicbitops.Uint64
}

// Manager owns the ASID pools and pending flushes of every CPU.
type Manager struct {
	machine    cpu.Machine
	maxPending int
	maxPages   uint64
	log        log.Logger

	pools   []*ASIDPool
	pending []*pendingFlushes
	ids     ActiveIDs
	stats   stats
}

// NewManager returns a manager for the CPUs of machine and installs its
// shootdown handler.
func NewManager(machine cpu.Machine, opts Options) *Manager {
	m := &Manager{
		machine:    machine,
		maxPending: opts.MaxPending,
		maxPages:   opts.MaxPages,
		log:        opts.Logger,
	}
	if m.maxPending <= 0 {
		m.maxPending = DefaultMaxPending
	}
	if m.maxPages == 0 {
		m.maxPages = DefaultMaxPages
	}
	if m.log == nil {
		m.log = log.RateLimitedLogger(log.Component("tlb", nil), time.Second)
	}
	for i := 0; i < machine.NumCPUs(); i++ {
		m.pools = append(m.pools, NewASIDPool(cpu.ID(i), opts.ASIDs))
		m.pending = append(m.pending, &pendingFlushes{asids: make(map[uint16]*flushList)})
	}
	machine.SetShootdownHandler(m.HandleShootdown)
	return m
}

// Machine returns the machine m manages.
func (m *Manager) Machine() cpu.Machine {
	return m.machine
}

// Pool returns the ASID pool of CPU c.
func (m *Manager) Pool(c cpu.ID) *ASIDPool {
	return m.pools[c]
}

// LiveActiveIDs returns the number of tables loaded somewhere.
func (m *Manager) LiveActiveIDs() int {
	return m.ids.Live()
}

// NewAddressSpace returns the TLB state of a new page table protected by
// owner. Global spaces hold translations shared by every page table.
func (m *Manager) NewAddressSpace(name string, owner Owner, global bool) *AddressSpace {
	n := m.machine.NumCPUs()
	return &AddressSpace{
		mgr:      m,
		owner:    owner,
		global:   global,
		name:     name,
		asids:    make([]ASID, n),
		touched:  bitmap.New(uint32(n)),
		activeOn: bitmap.New(uint32(n)),
	}
}

// BeginActive records that s is being loaded on CPU c.
func (m *Manager) BeginActive(c cpu.ID, s *AddressSpace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		panic(fmt.Sprintf("loading released address space %s", s.name))
	}
	if s.activeOn.IsSet(uint32(c)) {
		panic(fmt.Sprintf("address space %s already active on %v", s.name, c))
	}
	if s.activeOn.IsEmpty() {
		s.activeID = m.ids.Get()
	}
	s.activeOn.Add(uint32(c))
	s.touched.Add(uint32(c))
}

// EndActive records that s is no longer loaded on CPU c.
func (m *Manager) EndActive(c cpu.ID, s *AddressSpace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.activeOn.IsSet(uint32(c)) {
		panic(fmt.Sprintf("address space %s not active on %v", s.name, c))
	}
	s.activeOn.Remove(uint32(c))
	if s.activeOn.IsEmpty() {
		s.activeID.Release()
		s.activeID = ActiveID{}
	}
}

// Claim returns the ASID s uses on CPU c, claiming one if needed. An ASID
// whose previous owner was released or dropped is preferred; otherwise the
// least recently used ASID whose owner is unlocked and not loaded anywhere
// is seized. The claimed ASID is flushed before it is returned. If neither
// exists, Claim returns Unassigned.
//
// Global spaces never claim an ASID; their translations are global.
func (m *Manager) Claim(c cpu.ID, s *AddressSpace) ASID {
	if s.global {
		return Unassigned
	}
	m.stats.claims.Add(1)
	ops := m.machine.CPU(c)
	a, res := m.pools[c].claim(s, func(n uint16) {
		q := m.pending[c]
		q.mu.Lock()
		delete(q.asids, n)
		q.mu.Unlock()
		ops.InvalidatePCID(n)
		m.stats.fullFlushes.Add(1)
	})
	switch res {
	case claimHit:
		m.stats.claimHits.Add(1)
	case claimFree:
		m.stats.reclaims.Add(1)
	case claimEvict:
		m.stats.evictions.Add(1)
		if m.log.IsLogging(log.Debug) {
			m.log.Debugf("%v: seized %v for %s", c, a, s.name)
		}
	case claimFail:
		m.stats.claimFailures.Add(1)
		if m.pools[c].Size() == 0 {
			break
		}
		m.log.Warningf("%v: ASID pool of %d exhausted, %s will flush on every switch", c, m.pools[c].Size(), s.name)
	}
	return a
}

// PushFlushes queues the invalidation of ranges of s on every CPU that may
// cache them: with an assigned ASID, every CPU s was ever loaded on; without
// one, only the CPUs it is loaded on now.
func (m *Manager) PushFlushes(s *AddressSpace, ranges []hostarch.AddrRange) {
	if len(ranges) == 0 {
		return
	}
	snap := s.snapshot()
	for _, c := range snap.touched {
		q := m.pending[c]
		q.mu.Lock()
		var l *flushList
		switch a := snap.asids[c]; {
		case snap.global:
			l = &q.global
		case a.IsAssigned():
			l = q.listLocked(a.n)
		case snap.activeOn.IsSet(uint32(c)):
			l = q.listLocked(cpu.NoPCID)
		}
		if l != nil {
			if l.push(ranges, m.maxPending, m.maxPages) {
				m.stats.overflows.Add(1)
			}
			m.stats.queued.Add(1)
		}
		q.mu.Unlock()
	}
}

// Invalidate removes stale translations of ranges of s after their entries
// were changed. With broadcast support the invalidation has completed on
// every CPU when Invalidate returns. Otherwise it is queued, and CPUs that
// have s loaded are interrupted to execute it before Invalidate returns.
func (m *Manager) Invalidate(s *AddressSpace, ranges []hostarch.AddrRange) {
	if len(ranges) == 0 {
		return
	}
	if m.machine.SupportsBroadcast() && m.broadcast(s, ranges) {
		return
	}
	m.PushFlushes(s, ranges)
	snap := s.snapshot()
	if targets := cpuList(&snap.activeOn); len(targets) > 0 {
		m.machine.SendShootdown(targets, snap.activeID)
	}
}

// broadcast invalidates ranges of s on every CPU. It returns false, without
// doing anything, if the ranges are too large to invalidate page by page.
func (m *Manager) broadcast(s *AddressSpace, ranges []hostarch.AddrRange) bool {
	var total uint64
	for _, r := range ranges {
		total += r.Pages()
	}
	if total > m.maxPages {
		return false
	}
	snap := s.snapshot()
	var pcids []uint16
	if !snap.global {
		seen := make(map[uint16]bool)
		for _, c := range snap.touched {
			a := snap.asids[c]
			if !a.IsAssigned() && !snap.activeOn.IsSet(uint32(c)) {
				continue
			}
			if !seen[a.n] {
				seen[a.n] = true
				pcids = append(pcids, a.n)
			}
		}
	}
	l := flushList{ranges: ranges}
	l.forEachPage(func(addr uint64) {
		if snap.global {
			m.machine.BroadcastInvalidate(0, addr, true)
			return
		}
		for _, pcid := range pcids {
			m.machine.BroadcastInvalidate(pcid, addr, false)
		}
	})
	m.stats.broadcasts.Add(1)
	return true
}

// PerformSwitchFlush executes, on CPU c, the pending global flushes and the
// pending flushes of a. It must run immediately before a is loaded on c.
func (m *Manager) PerformSwitchFlush(c cpu.ID, a ASID) {
	ops := m.machine.CPU(c)
	q := m.pending[c]
	q.mu.Lock()
	defer q.mu.Unlock()
	pages, full := q.drainGlobalLocked(ops)
	if a.IsAssigned() {
		p, f := q.drainASIDLocked(ops, a.n)
		pages, full = pages+p, full+f
	} else {
		// Loading without a PCID flushes anyway.
		delete(q.asids, cpu.NoPCID)
	}
	m.stats.switchFlushes.Add(1)
	m.stats.pageFlushes.Add(uint64(pages))
	m.stats.fullFlushes.Add(uint64(full))
}

// HandleShootdown is the shootdown handler of CPU c. It drains the whole
// queue of c.
func (m *Manager) HandleShootdown(c cpu.ID, vector uint32) {
	ops := m.machine.CPU(c)
	q := m.pending[c]
	q.mu.Lock()
	defer q.mu.Unlock()
	pages, full := q.drainGlobalLocked(ops)
	for n := range q.asids {
		p, f := q.drainASIDLocked(ops, n)
		pages, full = pages+p, full+f
	}
	m.stats.shootdowns.Add(1)
	m.stats.pageFlushes.Add(uint64(pages))
	m.stats.fullFlushes.Add(uint64(full))
	if m.log.IsLogging(log.Debug) {
		m.log.Debugf("%v: shootdown for active table %d: %d pages, %d full flushes", c, vector, pages, full)
	}
}

// PendingLists returns the number of non-empty pending lists of CPU c.
func (m *Manager) PendingLists(c cpu.ID) int {
	return m.pending[c].len()
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Claims:        m.stats.claims.Load(),
		ClaimHits:     m.stats.claimHits.Load(),
		Reclaims:      m.stats.reclaims.Load(),
		Evictions:     m.stats.evictions.Load(),
		ClaimFailures: m.stats.claimFailures.Load(),
		Queued:        m.stats.queued.Load(),
		Overflows:     m.stats.overflows.Load(),
		Broadcasts:    m.stats.broadcasts.Load(),
		Shootdowns:    m.stats.shootdowns.Load(),
		SwitchFlushes: m.stats.switchFlushes.Load(),
		PageFlushes:   m.stats.pageFlushes.Load(),
		FullFlushes:   m.stats.fullFlushes.Load(),
	}
}
