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
	"testing"
)

type fakeScheduler struct {
	inTask bool
	yields int
}

func (s *fakeScheduler) InTask() bool { return s.inTask }
func (s *fakeScheduler) Yield()       { s.yields++ }

func TestSchedulerRelaxer(t *testing.T) {
	for _, test := range []struct {
		name       string
		inTask     bool
		wantYields int
	}{
		{name: "task yields", inTask: true, wantYields: 3},
		{name: "no task relaxes", inTask: false, wantYields: 0},
	} {
		t.Run(test.name, func(t *testing.T) {
			s := &fakeScheduler{inTask: test.inTask}
			relax := SchedulerRelaxer{Scheduler: s}.Start()
			for i := 0; i < 3; i++ {
				relax()
			}
			if s.yields != test.wantYields {
				t.Errorf("yields = %d, want %d", s.yields, test.wantYields)
			}
		})
	}
}

func TestSpinnerUntil(t *testing.T) {
	var s Spinner
	n := 0
	s.Until("counter", func() bool {
		n++
		return n == 10
	})
	if n != 10 {
		t.Errorf("cond evaluated %d times, want 10", n)
	}
}

func TestParseWatchdogAction(t *testing.T) {
	for _, a := range []WatchdogAction{WatchdogLog, WatchdogPanic} {
		got, err := ParseWatchdogAction(a.String())
		if err != nil || got != a {
			t.Errorf("ParseWatchdogAction(%q) = %v, %v; want %v", a.String(), got, err, a)
		}
	}
	if _, err := ParseWatchdogAction("reboot"); err == nil {
		t.Errorf("ParseWatchdogAction(reboot) succeeded")
	}
}
