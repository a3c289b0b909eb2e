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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"vmcore.dev/vmcore/pkg/config"
	"vmcore.dev/vmcore/pkg/cpu"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/kmem"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/vmm"
)

const kernelStackSize = 4 * hostarch.PageSize

// mmioWindow is the device address range stress maps into the MMIO tree.
const mmioWindow = 0xfe000000

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	opts stressOptions
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "switch contexts and map kernel memory on every CPU concurrently"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - run one worker per simulated CPU. Each iteration activates
a fresh paging context and maps a heap region, a stack or an MMIO window.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.opts.iterations, "iterations", 1000, "iterations per CPU.")
	f.IntVar(&s.opts.live, "live", 8, "mappings each CPU keeps alive at once.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	k, err := bootMachine(conf)
	if err != nil {
		Fatalf("boot failed: %v", err)
	}
	defer k.Close()

	start := time.Now()
	res, err := stress(ctx, k, s.opts)
	if err != nil {
		Fatalf("stress failed: %v", err)
	}
	fmt.Fprintf(os.Stdout, "%d iterations on %d CPUs in %v, %d shootdowns, %d broadcasts\n",
		res.iterations, conf.CPUs, time.Since(start), res.tlb.Shootdowns, res.tlb.Broadcasts)
	return subcommands.ExitSuccess
}

type stressOptions struct {
	iterations int
	live       int
}

type stressResult struct {
	iterations int
	tlb        struct{ Shootdowns, Broadcasts uint64 }
}

// stress runs one worker per CPU of k until every worker has done
// opts.iterations iterations or one fails. Every mapping and context made is
// released before it returns.
func stress(ctx context.Context, k *kmem.Context, opts stressOptions) (stressResult, error) {
	if opts.live < 1 {
		opts.live = 1
	}
	n := k.Config().CPUs
	counts := make([]int, n)
	progress := rate.Sometimes{Interval: time.Second}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		c := cpu.ID(i)
		g.Go(func() error {
			ring := make([]kmem.Mapping, opts.live)
			var prev *vmm.PagingContext
			defer func() {
				for _, m := range ring {
					if m.Kind() != kmem.NoMapping {
						m.Release()
					}
				}
				// The last context can only go once the kernel context
				// is loaded again.
				k.Activate(k.KernelContext(), c)
				if prev != nil {
					prev.Release()
				}
			}()

			for it := 0; it < opts.iterations; it++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				pc, err := k.NewPagingContext(fmt.Sprintf("%v/%d", c, it))
				if err != nil {
					return err
				}
				k.Activate(pc, c)
				if prev != nil {
					prev.Release()
				}
				prev = pc

				m, err := mapOne(k, c, it)
				if err != nil {
					return err
				}
				slot := it % opts.live
				if ring[slot].Kind() != kmem.NoMapping {
					ring[slot].Release()
				}
				ring[slot] = m
				if _, ok := pc.Translate(m.VirtAddr()); !ok {
					return fmt.Errorf("%v: %v not visible through %v", c, m, pc)
				}
				counts[i]++
				progress.Do(func() {
					log.Infof("%v: %d iterations", c, it+1)
				})
			}
			return nil
		})
	}
	err := g.Wait()

	var res stressResult
	for _, c := range counts {
		res.iterations += c
	}
	st := k.Stats().TLB
	res.tlb.Shootdowns, res.tlb.Broadcasts = st.Shootdowns, st.Broadcasts
	return res, err
}

// mapOne makes a mapping whose kind cycles with it.
func mapOne(k *kmem.Context, c cpu.ID, it int) (kmem.Mapping, error) {
	switch it % 3 {
	case 0:
		r, ok := k.GrowHeap(hostarch.PageSize * uint64(1+it%4))
		if !ok {
			return kmem.Mapping{}, fmt.Errorf("%v: out of memory growing the heap", c)
		}
		return kmem.OfHeap(r), nil
	case 1:
		s, ok := k.AllocateStack(kernelStackSize)
		if !ok {
			return kmem.Mapping{}, fmt.Errorf("%v: out of memory allocating a stack", c)
		}
		return kmem.OfStack(s), nil
	default:
		phys := uint64(mmioWindow + uint64(c)*0x100000 + uint64(it%256)*hostarch.PageSize + 0x10)
		r, ok := k.MapMMIO(phys, 0x40)
		if !ok {
			return kmem.Mapping{}, fmt.Errorf("%v: out of MMIO space", c)
		}
		return kmem.OfMMIO(r), nil
	}
}
