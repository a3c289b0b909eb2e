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

package sync

import (
	"fmt"
	"sync/atomic"
)

const (
	writerBit     = uint64(1) << 63
	upgradableBit = uint64(1) << 62
	readerMask    = upgradableBit - 1
)

// ActiveRWMutex is a reader/writer lock with two classes of reader.
//
// Logical readers are ordinary borrowers: they hold the lock for a bounded
// time and exclude writers. Active holds represent hardware that may be
// walking the protected page table at any moment (the table is loaded on a
// CPU); they never release through the normal path, and only one kind of
// writer, the active writer obtained with UpgradeWhenActive, may coexist with
// them. Such a writer must treat every mutation as visible to a concurrent
// hardware walker and invalidate stale translations before it unlocks.
//
// The lock also supports a single upgradable holder. Holding it excludes
// writers and other upgradable holders but not new logical readers.
//
// Lock ordering for an active hold: BeginActive takes a logical read, then
// increments the active count, then drops the logical read. EndActive only
// decrements the active count. Hence Readers() >= ActiveCount() always holds.
type ActiveRWMutex struct {
	_ NoCopy

	// state holds writerBit, upgradableBit and the logical reader count.
	state atomic.Uint64

	// active is the number of outstanding active holds.
	active atomic.Int32

	// Spin configures contended acquisitions. It must not be changed while
	// the lock is in use.
	Spin Spinner
}

func (m *ActiveRWMutex) describe() string {
	s := m.state.Load()
	return fmt.Sprintf("writer=%t upgradable=%t readers=%d active=%d",
		s&writerBit != 0, s&upgradableBit != 0, s&readerMask, m.active.Load())
}

// clear atomically clears bits, which must all be set.
func (m *ActiveRWMutex) clear(bits uint64, op string) {
	for {
		s := m.state.Load()
		if s&bits != bits {
			panic(fmt.Sprintf("%s of unlocked ActiveRWMutex (%s)", op, m.describe()))
		}
		if m.state.CompareAndSwap(s, s&^bits) {
			return
		}
	}
}

// TryRLock attempts to take a logical read lock without spinning.
func (m *ActiveRWMutex) TryRLock() bool {
	s := m.state.Load()
	return s&writerBit == 0 && m.state.CompareAndSwap(s, s+1)
}

// RLock takes a logical read lock.
func (m *ActiveRWMutex) RLock() {
	if m.TryRLock() {
		return
	}
	sp := m.Spin.begin("ActiveRWMutex.RLock", m.describe)
	for !m.TryRLock() {
		sp.wait()
	}
}

// RUnlock releases a logical read lock.
func (m *ActiveRWMutex) RUnlock() {
	for {
		s := m.state.Load()
		if s&readerMask == 0 {
			panic(fmt.Sprintf("RUnlock of unlocked ActiveRWMutex (%s)", m.describe()))
		}
		if m.state.CompareAndSwap(s, s-1) {
			return
		}
	}
}

// TryLock attempts to take the lock exclusively without spinning. It fails
// while the lock has any reader, of either class.
func (m *ActiveRWMutex) TryLock() bool {
	if !m.state.CompareAndSwap(0, writerBit) {
		return false
	}
	// An active hold is only created while a logical read is held, so with
	// the writer bit set the active count can no longer grow.
	if m.active.Load() != 0 {
		m.clear(writerBit, "TryLock")
		return false
	}
	return true
}

// Lock takes the lock exclusively. It is meant for tables that are not
// loaded anywhere; it spins for as long as any active hold exists.
func (m *ActiveRWMutex) Lock() {
	if m.TryLock() {
		return
	}
	sp := m.Spin.begin("ActiveRWMutex.Lock", m.describe)
	for !m.TryLock() {
		sp.wait()
	}
}

// Unlock releases a lock taken with Lock.
func (m *ActiveRWMutex) Unlock() {
	m.clear(writerBit, "Unlock")
}

// TryLockUpgradable attempts to take the upgradable lock without spinning.
func (m *ActiveRWMutex) TryLockUpgradable() bool {
	s := m.state.Load()
	return s&(writerBit|upgradableBit) == 0 && m.state.CompareAndSwap(s, s|upgradableBit)
}

// LockUpgradable takes the upgradable lock. New logical readers are still
// admitted; new writers and upgraders are not.
func (m *ActiveRWMutex) LockUpgradable() {
	if m.TryLockUpgradable() {
		return
	}
	sp := m.Spin.begin("ActiveRWMutex.LockUpgradable", m.describe)
	for !m.TryLockUpgradable() {
		sp.wait()
	}
}

// UnlockUpgradable releases an upgradable lock that was not upgraded.
func (m *ActiveRWMutex) UnlockUpgradable() {
	m.clear(upgradableBit, "UnlockUpgradable")
}

// UpgradeWhenActive upgrades the caller's upgradable lock to an active
// writer. It spins until every remaining reader is an active hold, i.e. until
// the live reader count equals ActiveCount()+1 (the upgradable holder), then
// blocks new logical readers. It returns the active count observed once
// exclusive with respect to logical readers.
//
// Precondition: the caller holds the upgradable lock.
func (m *ActiveRWMutex) UpgradeWhenActive() int32 {
	try := func() bool {
		s := m.state.Load()
		if s&upgradableBit == 0 || s&writerBit != 0 {
			panic(fmt.Sprintf("UpgradeWhenActive without upgradable lock (%s)", m.describe()))
		}
		return s&readerMask == 0 && m.state.CompareAndSwap(s, s|writerBit)
	}
	if !try() {
		sp := m.Spin.begin("ActiveRWMutex.UpgradeWhenActive", m.describe)
		for !try() {
			sp.wait()
		}
	}
	return m.active.Load()
}

// UnlockActive releases an active writer obtained from UpgradeWhenActive,
// including the underlying upgradable lock.
func (m *ActiveRWMutex) UnlockActive() {
	m.clear(writerBit|upgradableBit, "UnlockActive")
}

// BeginActive records that the protected table has been loaded by hardware.
// The hold lasts until the matching EndActive.
func (m *ActiveRWMutex) BeginActive() {
	m.RLock()
	// Count the active hold before dropping the logical one, so that the
	// live reader count never dips below the active count.
	m.active.Add(1)
	m.RUnlock()
}

// EndActive releases one hold taken with BeginActive.
func (m *ActiveRWMutex) EndActive() {
	if n := m.active.Add(-1); n < 0 {
		panic(fmt.Sprintf("EndActive without BeginActive (%s)", m.describe()))
	}
}

// ActiveCount returns the number of outstanding active holds.
func (m *ActiveRWMutex) ActiveCount() int32 {
	return m.active.Load()
}

// Readers returns the live reader count: logical readers, active holds and
// the upgradable holder, if any.
func (m *ActiveRWMutex) Readers() int {
	s := m.state.Load()
	n := int(s&readerMask) + int(m.active.Load())
	if s&upgradableBit != 0 {
		n++
	}
	return n
}
