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
	"runtime"
	"time"

	"github.com/cenkalti/backoff"
)

// Relaxer decides what a spinning waiter does between two failed attempts.
type Relaxer interface {
	// Start is called on the first failed attempt of an acquisition. The
	// returned function is invoked after that and every following failure.
	Start() func()
}

// cpuRelax stands in for the PAUSE instruction. Hosted, the closest
// equivalent is handing the processor back to the Go scheduler.
func cpuRelax() {
	runtime.Gosched()
}

// CPURelax is a Relaxer that only issues a CPU relax hint.
type CPURelax struct{}

// Start implements Relaxer.Start.
func (CPURelax) Start() func() {
	return cpuRelax
}

// Scheduler is the cooperative task scheduler running above this layer.
type Scheduler interface {
	// InTask returns true if the caller is running inside a scheduled task
	// and may therefore yield.
	InTask() bool

	// Yield gives the CPU to another runnable task.
	Yield()
}

// SchedulerRelaxer yields to Scheduler when the waiter is a scheduled task,
// and falls back to a CPU relax otherwise (early boot, interrupt context).
type SchedulerRelaxer struct {
	Scheduler Scheduler
}

// Start implements Relaxer.Start.
func (s SchedulerRelaxer) Start() func() {
	return func() {
		if s.Scheduler != nil && s.Scheduler.InTask() {
			s.Scheduler.Yield()
			return
		}
		cpuRelax()
	}
}

// Blocks implements blockingRelaxer.Blocks. Yield may run other tasks for
// an unbounded time.
func (s SchedulerRelaxer) Blocks() bool {
	return s.Scheduler != nil
}

// BackoffRelaxer sleeps with exponential backoff between attempts. It is
// only meaningful in the hosted simulator, where a simulated CPU is a
// goroutine and sleeping does not stall real hardware.
type BackoffRelaxer struct {
	// InitialInterval is the first sleep. Zero selects 1µs.
	InitialInterval time.Duration

	// MaxInterval caps a single sleep. Zero selects 1ms.
	MaxInterval time.Duration
}

// Start implements Relaxer.Start.
func (r BackoffRelaxer) Start() func() {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.InitialInterval
	if b.InitialInterval == 0 {
		b.InitialInterval = time.Microsecond
	}
	b.MaxInterval = r.MaxInterval
	if b.MaxInterval == 0 {
		b.MaxInterval = time.Millisecond
	}
	// Never give up; the watchdog owns termination.
	b.MaxElapsedTime = 0
	b.Reset()
	return func() {
		d := b.NextBackOff()
		if d == backoff.Stop {
			d = b.MaxInterval
		}
		time.Sleep(d)
	}
}

// Blocks implements blockingRelaxer.Blocks.
func (BackoffRelaxer) Blocks() bool {
	return true
}
