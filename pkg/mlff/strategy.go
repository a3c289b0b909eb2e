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
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownStrategy is returned by LookupStrategy.
var ErrUnknownStrategy = errors.New("unknown allocation strategy")

// LevelStrategy is the placement policy for one level.
type LevelStrategy struct {
	// Reverse searches from high slots to low slots.
	Reverse bool `toml:"reverse" yaml:"reverse"`

	// MinPage and MaxPage bound the slots searched to [MinPage, MaxPage).
	// A zero MaxPage means the end of the table.
	MinPage int `toml:"min_page" yaml:"min_page"`
	MaxPage int `toml:"max_page" yaml:"max_page"`

	// Spread first searches only regions that are entirely Empty, so that
	// allocations land in separate subtrees when there is room.
	Spread bool `toml:"spread" yaml:"spread"`
}

// bounds returns the slot range searched in a table of npages slots.
func (ls LevelStrategy) bounds(npages int) (lo, hi int) {
	lo = max(ls.MinPage, 0)
	hi = npages
	if ls.MaxPage > 0 && ls.MaxPage < hi {
		hi = ls.MaxPage
	}
	return lo, hi
}

// Strategy is an ordered list of per-level policies. Element 0 applies to
// the level Allocate is called on, element 1 to the level below, and so on;
// the last element repeats for all deeper levels. The empty Strategy is
// forward first fit everywhere.
type Strategy []LevelStrategy

// At returns the policy for the level depth levels below the first.
func (s Strategy) At(depth int) LevelStrategy {
	switch {
	case len(s) == 0:
		return LevelStrategy{}
	case depth >= len(s):
		return s[len(s)-1]
	default:
		return s[depth]
	}
}

// next returns the strategy for the level below.
func (s Strategy) next() Strategy {
	if len(s) <= 1 {
		return s
	}
	return s[1:]
}

// Named strategies.
var (
	// Default is forward first fit.
	Default = Strategy{}

	// KernelStack places stacks from high addresses downward, spread
	// across subtrees.
	KernelStack = Strategy{
		{Reverse: true, Spread: true},
		{Reverse: true, Spread: true},
		{Reverse: true},
	}

	// KernelHeap grows forward from the bottom of the heap region.
	KernelHeap = Strategy{{}}

	// UserHeap keeps the first top-level slot, and with it address zero,
	// unused.
	UserHeap = Strategy{{MinPage: 1}, {}}

	// DynamicMMIO allocates device windows in the upper half of the region,
	// in reverse order.
	DynamicMMIO = Strategy{{Reverse: true, MinPage: 256}, {Reverse: true}}
)

var strategies = map[string]Strategy{
	"default":      Default,
	"kernel_stack": KernelStack,
	"kernel_heap":  KernelHeap,
	"user_heap":    UserHeap,
	"dynamic_mmio": DynamicMMIO,
}

// LookupStrategy returns the named strategy.
func LookupStrategy(name string) (Strategy, error) {
	s, ok := strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownStrategy, name)
	}
	return s, nil
}

// StrategyNames returns the names accepted by LookupStrategy, sorted.
func StrategyNames() []string {
	names := make([]string, 0, len(strategies))
	for name := range strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
