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
	"vmcore.dev/vmcore/pkg/cpu"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/sync"
)

// flushList is a list of ranges waiting to be invalidated. Once full is set
// the ranges are dropped and the whole scope is flushed instead.
type flushList struct {
	ranges []hostarch.AddrRange
	full   bool
}

func (l *flushList) empty() bool {
	return !l.full && len(l.ranges) == 0
}

// push appends ranges, collapsing the list into a full flush when it grows
// past maxRanges or a range covers more than maxPages pages. It returns true
// if the list collapsed during this call.
func (l *flushList) push(ranges []hostarch.AddrRange, maxRanges int, maxPages uint64) bool {
	if l.full {
		return false
	}
	for _, r := range ranges {
		if r.Pages() > maxPages || len(l.ranges) >= maxRanges {
			l.ranges = nil
			l.full = true
			return true
		}
		l.ranges = append(l.ranges, r)
	}
	return false
}

// forEachPage calls fn with the address of every page of every range.
func (l *flushList) forEachPage(fn func(addr uint64)) {
	for _, r := range l.ranges {
		// Count pages rather than compare against End, which is 0 for a
		// range ending at the top of the address space.
		a := r.Start.RoundDown()
		for n := r.Pages(); n > 0; n-- {
			fn(uint64(a))
			a += hostarch.PageSize
		}
	}
}

// pendingFlushes is the queue of one CPU.
type pendingFlushes struct {
	mu sync.Mutex

	// global holds flushes of global address spaces. It is drained on every
	// switch.
	//
	// +checklocks:mu
	global flushList

	// asids holds flushes per ASID. Key 0 holds flushes for an Unassigned
	// space that is loaded on this CPU.
	//
	// +checklocks:mu
	asids map[uint16]*flushList
}

// +checklocks:q.mu
func (q *pendingFlushes) listLocked(n uint16) *flushList {
	l, ok := q.asids[n]
	if !ok {
		l = &flushList{}
		q.asids[n] = l
	}
	return l
}

// drainGlobalLocked invalidates every queued global flush on ops. It
// returns the number of page invalidations and full flushes issued.
//
// +checklocks:q.mu
func (q *pendingFlushes) drainGlobalLocked(ops cpu.Ops) (pages, full int) {
	l := &q.global
	switch {
	case l.empty():
		return 0, 0
	case l.full:
		ops.FlushAll()
		full = 1
	default:
		l.forEachPage(func(addr uint64) {
			ops.InvalidateGlobal(addr)
			pages++
		})
	}
	*l = flushList{}
	return pages, full
}

// drainASIDLocked invalidates every queued flush of ASID n on ops.
//
// +checklocks:q.mu
func (q *pendingFlushes) drainASIDLocked(ops cpu.Ops, n uint16) (pages, full int) {
	l, ok := q.asids[n]
	if !ok {
		return 0, 0
	}
	delete(q.asids, n)
	switch {
	case l.empty():
	case l.full:
		ops.InvalidatePCID(n)
		full = 1
	default:
		l.forEachPage(func(addr uint64) {
			ops.InvalidatePage(n, addr)
			pages++
		})
	}
	return pages, full
}

// len returns the number of non-empty lists.
func (q *pendingFlushes) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	if !q.global.empty() {
		n++
	}
	for _, l := range q.asids {
		if !l.empty() {
			n++
		}
	}
	return n
}
