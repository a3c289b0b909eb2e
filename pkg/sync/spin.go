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
	"time"
)

// WatchdogAction is what happens when a spin exceeds Watchdog.Timeout.
type WatchdogAction int

const (
	// WatchdogLog emits a warning every time the timeout elapses again and
	// keeps spinning.
	WatchdogLog WatchdogAction = iota

	// WatchdogPanic panics with a description of the stuck lock.
	WatchdogPanic
)

// String implements fmt.Stringer.String.
func (a WatchdogAction) String() string {
	switch a {
	case WatchdogLog:
		return "log"
	case WatchdogPanic:
		return "panic"
	default:
		return fmt.Sprintf("WatchdogAction(%d)", int(a))
	}
}

// ParseWatchdogAction parses the String form of a WatchdogAction.
func ParseWatchdogAction(s string) (WatchdogAction, error) {
	switch s {
	case "", "log":
		return WatchdogLog, nil
	case "panic":
		return WatchdogPanic, nil
	default:
		return 0, fmt.Errorf("unknown watchdog action %q", s)
	}
}

// Warner receives watchdog reports. log.Logger satisfies it.
type Warner interface {
	Warningf(format string, v ...any)
}

// Watchdog bounds how long a single lock acquisition may spin.
//
// A zero Timeout disables the watchdog: the spin is unbounded, and a lock
// that never converges is a silent deadlock.
type Watchdog struct {
	Timeout time.Duration
	Action  WatchdogAction

	// Logger receives WatchdogLog reports. If nil, reports are dropped.
	Logger Warner
}

// Spinner configures how a contended acquisition waits. The zero value
// relaxes with CPURelax and never times out.
type Spinner struct {
	Relaxer  Relaxer
	Watchdog Watchdog
}

// watchdogCheckInterval is the number of failed attempts between clock
// reads when the relaxer does not block.
const watchdogCheckInterval = 64

// blockingRelaxer is implemented by relaxers whose relax step can take long
// enough that the watchdog must read the clock after every attempt.
type blockingRelaxer interface {
	Blocks() bool
}

// spin is the state of one acquisition.
type spin struct {
	cfg      *Spinner
	what     string
	describe func() string

	attempts int
	check    int
	relax    func()
	start    time.Time
	deadline time.Time
}

func (s *Spinner) begin(what string, describe func() string) spin {
	return spin{cfg: s, what: what, describe: describe}
}

// wait is called after every failed attempt.
func (sp *spin) wait() {
	if sp.attempts == 0 {
		r := sp.cfg.Relaxer
		if r == nil {
			r = CPURelax{}
		}
		sp.relax = r.Start()
		sp.check = watchdogCheckInterval
		if b, ok := r.(blockingRelaxer); ok && b.Blocks() {
			sp.check = 1
		}
		if sp.cfg.Watchdog.Timeout > 0 {
			sp.start = time.Now()
			sp.deadline = sp.start.Add(sp.cfg.Watchdog.Timeout)
		}
	}
	sp.attempts++
	sp.relax()

	wd := &sp.cfg.Watchdog
	if wd.Timeout <= 0 || sp.attempts%sp.check != 0 {
		return
	}
	now := time.Now()
	if now.Before(sp.deadline) {
		return
	}
	msg := fmt.Sprintf("%s stuck for %v after %d attempts", sp.what, now.Sub(sp.start), sp.attempts)
	if sp.describe != nil {
		msg += ": " + sp.describe()
	}
	switch wd.Action {
	case WatchdogPanic:
		panic(msg)
	default:
		if wd.Logger != nil {
			wd.Logger.Warningf("%s", msg)
		}
		sp.deadline = now.Add(wd.Timeout)
	}
}

// Until spins until cond returns true.
func (s *Spinner) Until(what string, cond func() bool) {
	sp := s.begin(what, nil)
	for !cond() {
		sp.wait()
	}
}
