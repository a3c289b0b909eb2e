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

package bitmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCPUSet(t *testing.T) {
	b := New(8)
	for _, cpu := range []uint32{3, 0, 70, 3} {
		b.Add(cpu)
	}
	if got := b.GetNumOnes(); got != 3 {
		t.Errorf("GetNumOnes() = %d, want 3", got)
	}
	if diff := cmp.Diff([]uint32{0, 3, 70}, b.ToSlice()); diff != "" {
		t.Errorf("ToSlice() mismatch (-want +got):\n%s", diff)
	}
	if !b.IsSet(70) || b.IsSet(1) || b.IsSet(1000) {
		t.Errorf("IsSet reported wrong membership")
	}

	c := b.Clone()
	b.Remove(3)
	b.Remove(1000)
	if !c.IsSet(3) {
		t.Errorf("Clone shares storage with the original")
	}
	if got := b.GetNumOnes(); got != 2 {
		t.Errorf("GetNumOnes() after Remove = %d, want 2", got)
	}

	var visited []uint32
	b.ForEach(func(i uint32) bool {
		visited = append(visited, i)
		return false
	})
	if diff := cmp.Diff([]uint32{0}, visited); diff != "" {
		t.Errorf("ForEach did not stop early (-want +got):\n%s", diff)
	}
}

func TestFirstZero(t *testing.T) {
	b := New(128)
	for i := uint32(0); i < 65; i++ {
		b.Add(i)
	}
	for _, test := range []struct {
		start uint32
		want  uint32
	}{
		{0, 65},
		{66, 66},
		{127, 127},
	} {
		got, err := b.FirstZero(test.start)
		if err != nil || got != test.want {
			t.Errorf("FirstZero(%d) = %d, %v; want %d", test.start, got, err, test.want)
		}
	}
	if _, err := b.FirstZero(128); err == nil {
		t.Errorf("FirstZero beyond the bitmap succeeded")
	}
}
