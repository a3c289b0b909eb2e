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

package atomicbitops

import (
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestConcurrentCounters(t *testing.T) {
	var (
		u32 Uint32
		u64 Uint64
		g   errgroup.Group
	)
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			for j := 0; j < 1000; j++ {
				u32.Add(1)
				u64.Add(2)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := u32.Load(); got != 8000 {
		t.Errorf("Uint32 = %d, want 8000", got)
	}
	if got := u64.Load(); got != 16000 {
		t.Errorf("Uint64 = %d, want 16000", got)
	}
}

func TestBool(t *testing.T) {
	b := FromBool(true)
	if !b.Load() {
		t.Errorf("FromBool(true).Load() = false")
	}
	if old := b.Swap(false); !old || b.Load() {
		t.Errorf("Swap(false) = %t, Load() = %t", old, b.Load())
	}
	if !b.CompareAndSwap(0, 1) || !b.Load() {
		t.Errorf("CompareAndSwap(0, 1) failed")
	}
}
