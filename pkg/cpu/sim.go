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

package cpu

import (
	"fmt"

	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/sync"
)

// EventKind is the kind of an Event.
type EventKind int

// Event kinds.
const (
	EventLoadRoot EventKind = iota
	EventInvalidatePage
	EventInvalidateGlobal
	EventInvalidatePCID
	EventFlushAll
	EventInterruptsOff
	EventInterruptsOn
	EventShootdown
)

var eventNames = [...]string{
	EventLoadRoot:         "load-root",
	EventInvalidatePage:   "invlpg",
	EventInvalidateGlobal: "invlpg-global",
	EventInvalidatePCID:   "invpcid",
	EventFlushAll:         "flush-all",
	EventInterruptsOff:    "cli",
	EventInterruptsOn:     "sti",
	EventShootdown:        "shootdown",
}

// String implements fmt.Stringer.String.
func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one privileged operation observed by a SimCPU.
type Event struct {
	Kind     EventKind
	Root     uint64
	PCID     uint16
	Addr     uint64
	Preserve bool
	Vector   uint32
}

// String implements fmt.Stringer.String.
func (e Event) String() string {
	switch e.Kind {
	case EventLoadRoot:
		return fmt.Sprintf("%v root=%#x pcid=%d preserve=%t", e.Kind, e.Root, e.PCID, e.Preserve)
	case EventInvalidatePage:
		return fmt.Sprintf("%v pcid=%d addr=%#x", e.Kind, e.PCID, e.Addr)
	case EventInvalidateGlobal:
		return fmt.Sprintf("%v addr=%#x", e.Kind, e.Addr)
	case EventInvalidatePCID:
		return fmt.Sprintf("%v pcid=%d", e.Kind, e.PCID)
	case EventShootdown:
		return fmt.Sprintf("%v vector=%d", e.Kind, e.Vector)
	default:
		return e.Kind.String()
	}
}

// tlbKey names one cached translation.
type tlbKey struct {
	pcid uint16
	page uint64
}

// SimCPU is a simulated CPU. It records every operation and models a TLB
// that caches translations per PCID.
type SimCPU struct {
	id ID

	mu sync.Mutex

	// +checklocks:mu
	events []Event

	// +checklocks:mu
	root uint64

	// +checklocks:mu
	pcid uint16

	// +checklocks:mu
	interrupts bool

	// +checklocks:mu
	tlb map[tlbKey]struct{}

	// +checklocks:mu
	global map[uint64]struct{}
}

var _ Ops = (*SimCPU)(nil)

func (c *SimCPU) record(e Event) {
	c.events = append(c.events, e)
}

// ID implements Ops.ID.
func (c *SimCPU) ID() ID {
	return c.id
}

// LoadRoot implements Ops.LoadRoot.
func (c *SimCPU) LoadRoot(root uint64, pcid uint16, preserve bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(Event{Kind: EventLoadRoot, Root: root, PCID: pcid, Preserve: preserve})
	c.root = root
	c.pcid = pcid
	if !preserve {
		c.dropPCIDLocked(pcid)
	}
}

// InvalidatePage implements Ops.InvalidatePage.
func (c *SimCPU) InvalidatePage(pcid uint16, addr uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(Event{Kind: EventInvalidatePage, PCID: pcid, Addr: addr})
	delete(c.tlb, tlbKey{pcid, hostarch.PageRoundDown(addr)})
}

// InvalidateGlobal implements Ops.InvalidateGlobal.
func (c *SimCPU) InvalidateGlobal(addr uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(Event{Kind: EventInvalidateGlobal, Addr: addr})
	c.invalidateGlobalLocked(addr)
}

// +checklocks:c.mu
func (c *SimCPU) invalidateGlobalLocked(addr uint64) {
	page := hostarch.PageRoundDown(addr)
	delete(c.global, page)
	for k := range c.tlb {
		if k.page == page {
			delete(c.tlb, k)
		}
	}
}

// InvalidatePCID implements Ops.InvalidatePCID.
func (c *SimCPU) InvalidatePCID(pcid uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(Event{Kind: EventInvalidatePCID, PCID: pcid})
	c.dropPCIDLocked(pcid)
}

// +checklocks:c.mu
func (c *SimCPU) dropPCIDLocked(pcid uint16) {
	for k := range c.tlb {
		if k.pcid == pcid {
			delete(c.tlb, k)
		}
	}
}

// FlushAll implements Ops.FlushAll.
func (c *SimCPU) FlushAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(Event{Kind: EventFlushAll})
	clear(c.tlb)
	clear(c.global)
}

// DisableInterrupts implements Ops.DisableInterrupts.
func (c *SimCPU) DisableInterrupts() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(Event{Kind: EventInterruptsOff})
	was := c.interrupts
	c.interrupts = false
	return was
}

// RestoreInterrupts implements Ops.RestoreInterrupts.
func (c *SimCPU) RestoreInterrupts(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if enabled {
		c.record(Event{Kind: EventInterruptsOn})
		c.interrupts = true
	}
}

// Cache records that the hardware walked addr and cached its translation
// under the current PCID, or as a global translation.
func (c *SimCPU) Cache(addr uint64, global bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	page := hostarch.PageRoundDown(addr)
	if global {
		c.global[page] = struct{}{}
		return
	}
	c.tlb[tlbKey{c.pcid, page}] = struct{}{}
}

// Cached returns true if a translation of addr is cached for pcid, or
// globally.
func (c *SimCPU) Cached(pcid uint16, addr uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	page := hostarch.PageRoundDown(addr)
	if _, ok := c.global[page]; ok {
		return true
	}
	_, ok := c.tlb[tlbKey{pcid, page}]
	return ok
}

// Loaded returns the currently loaded root and PCID.
func (c *SimCPU) Loaded() (root uint64, pcid uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.root, c.pcid
}

// InterruptsEnabled returns true if interrupts are enabled.
func (c *SimCPU) InterruptsEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupts
}

// Events returns the operations recorded so far.
func (c *SimCPU) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// ResetEvents discards the recorded operations.
func (c *SimCPU) ResetEvents() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

// SimMachine is a simulated machine. Shootdowns are delivered synchronously
// on the sender's goroutine.
type SimMachine struct {
	cpus      []*SimCPU
	broadcast bool

	mu sync.RWMutex

	// +checklocks:mu
	handler ShootdownHandler
}

var _ Machine = (*SimMachine)(nil)

// NewSimMachine returns a machine with n CPUs, interrupts enabled. If
// broadcast is true, the machine supports broadcast invalidation.
func NewSimMachine(n int, broadcast bool) *SimMachine {
	m := &SimMachine{broadcast: broadcast}
	for i := 0; i < n; i++ {
		m.cpus = append(m.cpus, &SimCPU{
			id:         ID(i),
			interrupts: true,
			tlb:        make(map[tlbKey]struct{}),
			global:     make(map[uint64]struct{}),
		})
	}
	return m
}

// NumCPUs implements Machine.NumCPUs.
func (m *SimMachine) NumCPUs() int {
	return len(m.cpus)
}

// CPU implements Machine.CPU.
func (m *SimMachine) CPU(id ID) Ops {
	return m.Sim(id)
}

// Sim returns the simulated CPU id.
func (m *SimMachine) Sim(id ID) *SimCPU {
	if int(id) >= len(m.cpus) {
		panic(fmt.Sprintf("no %v on a %d-CPU machine", id, len(m.cpus)))
	}
	return m.cpus[id]
}

// SupportsBroadcast implements Machine.SupportsBroadcast.
func (m *SimMachine) SupportsBroadcast() bool {
	return m.broadcast
}

// BroadcastInvalidate implements Machine.BroadcastInvalidate.
func (m *SimMachine) BroadcastInvalidate(pcid uint16, addr uint64, global bool) {
	if !m.broadcast {
		panic("BroadcastInvalidate on a machine without broadcast support")
	}
	for _, c := range m.cpus {
		if global {
			c.InvalidateGlobal(addr)
		} else {
			c.InvalidatePage(pcid, addr)
		}
	}
}

// SendShootdown implements Machine.SendShootdown.
func (m *SimMachine) SendShootdown(targets []ID, vector uint32) {
	m.mu.RLock()
	h := m.handler
	m.mu.RUnlock()
	for _, id := range targets {
		c := m.Sim(id)
		c.mu.Lock()
		c.record(Event{Kind: EventShootdown, Vector: vector})
		c.mu.Unlock()
		if h != nil {
			h(id, vector)
		}
	}
}

// SetShootdownHandler implements Machine.SetShootdownHandler.
func (m *SimMachine) SetShootdownHandler(h ShootdownHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}
