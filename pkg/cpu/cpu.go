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

// Package cpu describes the processors the memory core runs on: the
// per-CPU privileged operations it issues and the machine-wide facilities
// (broadcast invalidation, inter-processor shootdowns) it relies on.
//
// The real implementations are assembly stubs owned by the architecture
// port. SimMachine implements the interfaces for tests and the simulator.
package cpu

import (
	"fmt"
)

// ID identifies a CPU. IDs are dense, starting at 0.
type ID uint32

// String implements fmt.Stringer.String.
func (id ID) String() string {
	return fmt.Sprintf("cpu%d", uint32(id))
}

// NoPCID is the process-context identifier used by address spaces without
// an assigned ASID. Switching to it always flushes.
const NoPCID = 0

// Ops are the privileged operations of one CPU.
//
// Every method must be called on the CPU it refers to, except the
// invalidation methods, which SimMachine also accepts from shootdown
// handlers running on behalf of that CPU.
type Ops interface {
	// ID returns the CPU's identifier.
	ID() ID

	// LoadRoot loads the root table at physical address root tagged with
	// pcid. Unless preserve is set, cached non-global translations for pcid
	// are discarded.
	LoadRoot(root uint64, pcid uint16, preserve bool)

	// InvalidatePage discards the translation of addr cached for pcid.
	InvalidatePage(pcid uint16, addr uint64)

	// InvalidateGlobal discards the translation of addr for every pcid,
	// global translations included.
	InvalidateGlobal(addr uint64)

	// InvalidatePCID discards every non-global translation cached for pcid.
	InvalidatePCID(pcid uint16)

	// FlushAll discards every cached translation, global ones included.
	FlushAll()

	// DisableInterrupts disables interrupts and returns whether they were
	// enabled.
	DisableInterrupts() bool

	// RestoreInterrupts re-enables interrupts if enabled is true.
	RestoreInterrupts(enabled bool)
}

// ShootdownHandler runs on target when it receives a shootdown interrupt.
// vector identifies the active table the shootdown is about.
type ShootdownHandler func(target ID, vector uint32)

// Machine is the set of CPUs.
type Machine interface {
	// NumCPUs returns the number of CPUs.
	NumCPUs() int

	// CPU returns the operations of CPU id.
	CPU(id ID) Ops

	// SupportsBroadcast returns true if the machine can invalidate a
	// translation on every CPU with a single instruction.
	SupportsBroadcast() bool

	// BroadcastInvalidate invalidates addr for pcid on every CPU, or for
	// every pcid if global is set, and returns once all CPUs are done.
	//
	// Precondition: SupportsBroadcast() is true.
	BroadcastInvalidate(pcid uint16, addr uint64, global bool)

	// SendShootdown interrupts every CPU in targets and returns once each
	// of them has run the shootdown handler.
	SendShootdown(targets []ID, vector uint32)

	// SetShootdownHandler installs the shootdown handler.
	SetShootdownHandler(h ShootdownHandler)
}
