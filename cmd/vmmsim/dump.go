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
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"vmcore.dev/vmcore/pkg/config"
	"vmcore.dev/vmcore/pkg/cpu"
	"vmcore.dev/vmcore/pkg/kmem"
)

// Dump implements subcommands.Command for the "dump" command.
type Dump struct {
	heap       uint64
	stacks     int
	prometheus bool
}

// Name implements subcommands.Command.Name.
func (*Dump) Name() string {
	return "dump"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Dump) Synopsis() string {
	return "print allocator free lists and TLB counters"
}

// Usage implements subcommands.Command.Usage.
func (*Dump) Usage() string {
	return `dump [flags] - boot, optionally populate the kernel tree, and print allocator state.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Dump) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&d.heap, "heap", 0, "bytes of kernel heap to map before dumping.")
	f.IntVar(&d.stacks, "stacks", 0, "number of kernel stacks to allocate before dumping.")
	f.BoolVar(&d.prometheus, "prometheus", false, "print in the Prometheus text exposition format.")
}

// Execute implements subcommands.Command.Execute.
func (d *Dump) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	ctx, err := bootMachine(conf)
	if err != nil {
		Fatalf("boot failed: %v", err)
	}
	defer ctx.Close()

	if d.heap > 0 {
		if _, ok := ctx.GrowHeap(d.heap); !ok {
			Fatalf("out of memory growing the heap by %#x", d.heap)
		}
	}
	for i := 0; i < d.stacks; i++ {
		if _, ok := ctx.AllocateStack(kernelStackSize); !ok {
			Fatalf("out of memory allocating stack %d", i)
		}
	}
	write := dump
	if d.prometheus {
		write = writeMetrics
	}
	if err := write(os.Stdout, ctx); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

// dump writes the state of ctx to w as aligned tables.
func dump(w io.Writer, ctx *kmem.Context) error {
	s := ctx.Stats()
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintf(tw, "ORDER\tBLOCK\tFREE\n")
	for o, n := range s.Frames.FreeBlocks {
		fmt.Fprintf(tw, "%d\t%#x\t%d\n", o, ctx.Frames().BlockSize(o), n)
	}
	fmt.Fprintf(tw, "\nFREE\tALLOCATED\tTABLES\tHEAP\n")
	fmt.Fprintf(tw, "%#x\t%#x\t%d\t%#x\n", s.Frames.Free, s.Frames.Allocated, s.Tables, s.HeapSize)

	fmt.Fprintf(tw, "\nCPU\tCONTEXT\tPENDING\n")
	for i := 0; i < ctx.Config().CPUs; i++ {
		c := cpu.ID(i)
		fmt.Fprintf(tw, "%v\t%v\t%d\n", c, ctx.Current(c), ctx.TLB().PendingLists(c))
	}

	t := s.TLB
	fmt.Fprintf(tw, "\nCOUNTER\tVALUE\n")
	for _, kv := range []struct {
		name string
		v    uint64
	}{
		{"claims", t.Claims},
		{"claim_hits", t.ClaimHits},
		{"reclaims", t.Reclaims},
		{"evictions", t.Evictions},
		{"claim_failures", t.ClaimFailures},
		{"queued", t.Queued},
		{"overflows", t.Overflows},
		{"broadcasts", t.Broadcasts},
		{"shootdowns", t.Shootdowns},
		{"switch_flushes", t.SwitchFlushes},
		{"page_flushes", t.PageFlushes},
		{"full_flushes", t.FullFlushes},
	} {
		fmt.Fprintf(tw, "%s\t%d\n", kv.name, kv.v)
	}
	return tw.Flush()
}
