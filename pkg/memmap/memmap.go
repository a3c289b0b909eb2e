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

// Package memmap describes the physical memory layout reported by the boot
// loader and turns it into ranges the frame allocator can manage.
package memmap

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
	"vmcore.dev/vmcore/pkg/buddy"
	"vmcore.dev/vmcore/pkg/hostarch"
)

// ErrNoUsableMemory is returned when a map leaves nothing to allocate from.
var ErrNoUsableMemory = errors.New("no usable memory")

// RegionType classifies a region of physical memory.
type RegionType int

const (
	// Usable memory may be handed to the frame allocator.
	Usable RegionType = iota

	// Reserved memory must never be touched.
	Reserved

	// ACPIReclaimable holds ACPI tables that may be reused once parsed.
	ACPIReclaimable

	// ACPINVS must be preserved across sleep states.
	ACPINVS

	// BadMemory was reported defective by the firmware.
	BadMemory
)

var regionTypeNames = []string{
	Usable:          "usable",
	Reserved:        "reserved",
	ACPIReclaimable: "acpi_reclaimable",
	ACPINVS:         "acpi_nvs",
	BadMemory:       "bad",
}

// String implements fmt.Stringer.String.
func (t RegionType) String() string {
	if t >= 0 && int(t) < len(regionTypeNames) {
		return regionTypeNames[t]
	}
	return fmt.Sprintf("RegionType(%d)", int(t))
}

// ParseRegionType parses the String form of a RegionType.
func ParseRegionType(s string) (RegionType, error) {
	for t, name := range regionTypeNames {
		if strings.EqualFold(s, name) {
			return RegionType(t), nil
		}
	}
	return 0, fmt.Errorf("unknown memory region type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t RegionType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *RegionType) UnmarshalText(b []byte) error {
	v, err := ParseRegionType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *RegionType) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: memory region type must be a scalar", value.Line)
	}
	return t.UnmarshalText([]byte(value.Value))
}

// Region is one entry of the memory map.
type Region struct {
	Base   uint64     `toml:"base" yaml:"base"`
	Length uint64     `toml:"length" yaml:"length"`
	Type   RegionType `toml:"type" yaml:"type"`
}

// Range returns the addresses covered by r.
func (r Region) Range() (hostarch.AddrRange, bool) {
	return hostarch.Addr(r.Base).ToRange(r.Length)
}

// String implements fmt.Stringer.String.
func (r Region) String() string {
	return fmt.Sprintf("[%#x, %#x) %v", r.Base, r.Base+r.Length, r.Type)
}

// Map is a memory map in firmware order. Entries may overlap; where they do,
// any type other than Usable wins.
type Map []Region

// Validate checks that every region is non-empty and does not wrap.
func (m Map) Validate() error {
	for i, r := range m {
		if r.Length == 0 {
			return fmt.Errorf("region %d (%v) is empty", i, r)
		}
		if _, ok := r.Range(); !ok {
			return fmt.Errorf("region %d at %#x of length %#x overflows", i, r.Base, r.Length)
		}
		if r.Type < Usable || r.Type > BadMemory {
			return fmt.Errorf("region %d has invalid type %v", i, r.Type)
		}
	}
	return nil
}

// Usable returns the usable memory of m, sorted and merged, minus every
// non-usable region and minus each of exclude (typically the kernel image).
// Ranges are shrunk to page boundaries and empty results are dropped.
//
// Preconditions: m.Validate() == nil.
func (m Map) Usable(exclude ...hostarch.AddrRange) []hostarch.AddrRange {
	var usable, holes []hostarch.AddrRange
	for _, r := range m {
		ar, _ := r.Range()
		if r.Type == Usable {
			usable = append(usable, ar)
		} else {
			holes = append(holes, ar)
		}
	}
	holes = append(holes, exclude...)

	usable = merge(usable)
	for _, h := range holes {
		usable = subtract(usable, h)
	}

	out := usable[:0]
	for _, r := range usable {
		start, ok := r.Start.RoundUp()
		if !ok {
			continue
		}
		end := r.End.RoundDown()
		if start < end {
			out = append(out, hostarch.AddrRange{Start: start, End: end})
		}
	}
	return out
}

// Total returns the number of bytes Usable would return with nothing
// excluded.
func (m Map) Total() uint64 {
	var total uint64
	for _, r := range m.Usable() {
		total += r.Length()
	}
	return total
}

// Extent returns the smallest range covering every usable byte of m.
func (m Map) Extent() (hostarch.AddrRange, error) {
	usable := m.Usable()
	if len(usable) == 0 {
		return hostarch.AddrRange{}, ErrNoUsableMemory
	}
	return hostarch.AddrRange{Start: usable[0].Start, End: usable[len(usable)-1].End}, nil
}

// merge sorts ranges and coalesces the ones that touch or overlap.
func merge(ranges []hostarch.AddrRange) []hostarch.AddrRange {
	sort.Slice(ranges, func(i, j int) bool {
		return ranges[i].Start < ranges[j].Start
	})
	var out []hostarch.AddrRange
	for _, r := range ranges {
		if n := len(out); n > 0 && r.Start <= out[n-1].End {
			if r.End > out[n-1].End {
				out[n-1].End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// subtract removes hole from every range of sorted.
func subtract(sorted []hostarch.AddrRange, hole hostarch.AddrRange) []hostarch.AddrRange {
	if hole.Length() == 0 {
		return sorted
	}
	var out []hostarch.AddrRange
	for _, r := range sorted {
		if !r.Overlaps(hole) {
			out = append(out, r)
			continue
		}
		if r.Start < hole.Start {
			out = append(out, hostarch.AddrRange{Start: r.Start, End: hole.Start})
		}
		if hole.End < r.End {
			out = append(out, hostarch.AddrRange{Start: hole.End, End: r.End})
		}
	}
	return out
}

// Seed hands ranges to frames and returns the number of bytes it now
// manages in addition to what it managed before.
func Seed(frames *buddy.Allocator, ranges []hostarch.AddrRange) uint64 {
	before := frames.AmountFree()
	for _, r := range ranges {
		frames.AddMemory(uint64(r.Start), uint64(r.End))
	}
	return frames.AmountFree() - before
}
