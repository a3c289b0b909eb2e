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

package mlff

import (
	"fmt"
)

// Availability is the occupancy of one slot.
type Availability uint8

const (
	// Empty slots are unused.
	Empty Availability = iota

	// PartialSubtable slots point at a subtable with at least one Empty
	// slot.
	PartialSubtable

	// NearFullSubtable slots point at a subtable with no Empty slot whose
	// slots are not all FullOrHugePage.
	NearFullSubtable

	// FullOrHugePage slots are committed directly, or point at a subtable
	// (possibly foreign) that has no room left.
	FullOrHugePage

	numAvailability
)

// String implements fmt.Stringer.String.
func (a Availability) String() string {
	switch a {
	case Empty:
		return "Empty"
	case PartialSubtable:
		return "PartialSubtable"
	case NearFullSubtable:
		return "NearFullSubtable"
	case FullOrHugePage:
		return "FullOrHugePage"
	default:
		return fmt.Sprintf("Availability(%d)", a)
	}
}

// shortString returns one character for a, used by Dump.
func (a Availability) shortString() byte {
	return ".pnF"[a]
}
