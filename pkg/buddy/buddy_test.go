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

package buddy

import (
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
)

const page = 4096

// checkInvariants verifies that free blocks are aligned to their size, do not
// overlap, and that accounting adds up to total.
func checkInvariants(t *testing.T, a *Allocator, total uint64) {
	t.Helper()
	type span struct{ start, end uint64 }
	var spans []span
	var free uint64
	for o := 0; o <= a.MaxOrder(); o++ {
		bs := a.BlockSize(o)
		for _, addr := range a.FreeBlocks(o) {
			if addr%bs != 0 {
				t.Errorf("free block %#x of order %d is not aligned to %#x", addr, o, bs)
			}
			spans = append(spans, span{addr, addr + bs})
			free += bs
		}
	}
	for i := range spans {
		for j := i + 1; j < len(spans); j++ {
			if spans[i].start < spans[j].end && spans[j].start < spans[i].end {
				t.Errorf("free blocks [%#x, %#x) and [%#x, %#x) overlap", spans[i].start, spans[i].end, spans[j].start, spans[j].end)
			}
		}
	}
	s := a.Stats()
	if s.Free != free {
		t.Errorf("Stats().Free = %#x, free lists hold %#x", s.Free, free)
	}
	if s.Free+s.Allocated != total {
		t.Errorf("free %#x + allocated %#x != total %#x", s.Free, s.Allocated, total)
	}
}

func TestAllocSplitsAndMerges(t *testing.T) {
	a := New(page, 4)
	a.AddMemory(0, 65536)
	if diff := cmp.Diff([]uint64{0}, a.FreeBlocks(4)); diff != "" {
		t.Fatalf("unexpected order-4 free list (-want +got):\n%s", diff)
	}

	var allocs []*Allocation
	for _, test := range []struct {
		size     uint64
		wantAddr uint64
		wantSize uint64
	}{
		{size: 4096, wantAddr: 0, wantSize: 4096},
		{size: 4096, wantAddr: 4096, wantSize: 4096},
		{size: 16384, wantAddr: 16384, wantSize: 16384},
	} {
		p, ok := a.Alloc(test.size)
		if !ok {
			t.Fatalf("Alloc(%#x) failed", test.size)
		}
		if p.Addr() != test.wantAddr || p.Size() != test.wantSize {
			t.Errorf("Alloc(%#x) = %#x+%#x, want %#x+%#x", test.size, p.Addr(), p.Size(), test.wantAddr, test.wantSize)
		}
		allocs = append(allocs, p)
		checkInvariants(t, a, 65536)
	}

	want := Stats{Free: 65536 - 24576, Allocated: 24576, FreeBlocks: []int{0, 1, 0, 1, 0}}
	if diff := cmp.Diff(want, a.Stats()); diff != "" {
		t.Errorf("unexpected stats (-want +got):\n%s", diff)
	}

	for _, p := range allocs {
		p.Release()
		checkInvariants(t, a, 65536)
	}
	want = Stats{Free: 65536, FreeBlocks: []int{0, 0, 0, 0, 1}}
	if diff := cmp.Diff(want, a.Stats()); diff != "" {
		t.Errorf("unexpected stats after release (-want +got):\n%s", diff)
	}
}

func TestAddMemoryMaximalBlocks(t *testing.T) {
	a := New(page, 4)
	// [4K, 72K): 32K@32K first, then 16K@16K, 8K@8K and 4K@4K to its left
	// and 8K@64K to its right.
	a.AddMemory(4096, 73728)
	want := [][]uint64{
		{4096},
		{8192, 65536},
		{16384},
		{32768},
		nil,
	}
	for o := range want {
		if diff := cmp.Diff(want[o], a.FreeBlocks(o)); diff != "" {
			t.Errorf("order %d free list (-want +got):\n%s", o, diff)
		}
	}
	checkInvariants(t, a, 73728-4096)
}

func TestAddMemoryTrimsUnaligned(t *testing.T) {
	a := New(page, 2)
	a.AddMemory(100, 4096*3+5)
	if got, want := a.AmountFree(), uint64(2*4096); got != want {
		t.Errorf("AmountFree() = %#x, want %#x", got, want)
	}
	a.AddMemory(0, 100)
	if got, want := a.AmountFree(), uint64(2*4096); got != want {
		t.Errorf("AmountFree() = %#x after empty add, want %#x", got, want)
	}
}

func TestAllocExhaustion(t *testing.T) {
	a := New(page, 2)
	a.AddMemory(0, 4*page)
	if _, ok := a.Alloc(8 * page); ok {
		t.Errorf("Alloc larger than the largest order succeeded")
	}
	var allocs []*Allocation
	for {
		p, ok := a.Alloc(page)
		if !ok {
			break
		}
		allocs = append(allocs, p)
	}
	if len(allocs) != 4 {
		t.Errorf("allocated %d pages, want 4", len(allocs))
	}
	if got := a.AmountFree(); got != 0 {
		t.Errorf("AmountFree() = %#x, want 0", got)
	}
	for _, p := range allocs {
		p.Release()
	}
	if diff := cmp.Diff([]uint64{0}, a.FreeBlocks(2)); diff != "" {
		t.Errorf("order 2 free list after release (-want +got):\n%s", diff)
	}
}

func TestDoubleReleasePanics(t *testing.T) {
	a := New(page, 1)
	a.AddMemory(0, 2*page)
	p, ok := a.Alloc(page)
	if !ok {
		t.Fatalf("Alloc failed")
	}
	p.Release()
	defer func() {
		if recover() == nil {
			t.Errorf("second Release did not panic")
		}
	}()
	p.Release()
}

func TestConcurrentReleaseOnce(t *testing.T) {
	const total = 16 * page
	a := New(page, 4)
	a.AddMemory(0, total)
	for i := 0; i < 50; i++ {
		p, ok := a.Alloc(page)
		if !ok {
			t.Fatalf("Alloc failed")
		}
		var released, panicked atomic.Int32
		var g errgroup.Group
		for j := 0; j < 8; j++ {
			g.Go(func() error {
				defer func() {
					if recover() != nil {
						panicked.Add(1)
					}
				}()
				p.Release()
				released.Add(1)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatalf("Wait: %v", err)
		}
		if released.Load() != 1 || panicked.Load() != 7 {
			t.Fatalf("%d releases succeeded and %d panicked, want 1 and 7", released.Load(), panicked.Load())
		}
		if got := a.AmountFree(); got != total {
			t.Fatalf("AmountFree() = %#x, want %#x", got, total)
		}
	}
}

func TestRandomRoundTrip(t *testing.T) {
	const total = 1 << 22
	a := New(page, 8)
	a.AddMemory(0, total)
	initial := make([][]uint64, a.MaxOrder()+1)
	for o := range initial {
		initial[o] = a.FreeBlocks(o)
	}

	rng := rand.New(rand.NewSource(1))
	var live []*Allocation
	for i := 0; i < 2000; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			j := rng.Intn(len(live))
			live[j].Release()
			live = append(live[:j], live[j+1:]...)
			continue
		}
		if p, ok := a.Alloc(uint64(rng.Intn(64*page) + 1)); ok {
			live = append(live, p)
		}
	}
	checkInvariants(t, a, total)
	for _, p := range live {
		p.Release()
	}
	for o := range initial {
		if diff := cmp.Diff(initial[o], a.FreeBlocks(o)); diff != "" {
			t.Errorf("order %d free list not restored (-want +got):\n%s", o, diff)
		}
	}
}

func TestConcurrentAlloc(t *testing.T) {
	const total = 1 << 20
	a := New(page, 4)
	a.AddMemory(0, total)
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			for j := 0; j < 200; j++ {
				if p, ok := a.Alloc(page); ok {
					p.Release()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := a.AmountFree(); got != total {
		t.Errorf("AmountFree() = %#x, want %#x", got, total)
	}
}
