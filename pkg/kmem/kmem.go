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

// Package kmem is the kernel memory context: the frame allocator, the
// shared kernel and MMIO page tables and the TLB manager of one machine,
// built at boot and passed to every user of memory.
//
// The upper half of every address space is shared. Top-level slot 511 holds
// the kernel tree (heap and stacks) and slot 510 the MMIO tree. Both are
// global: they are pinned on every CPU for the lifetime of the context and
// their translations are never tagged with an ASID.
package kmem

import (
	"fmt"
	"time"

	"vmcore.dev/vmcore/pkg/atomicbitops"
	"vmcore.dev/vmcore/pkg/buddy"
	"vmcore.dev/vmcore/pkg/cleanup"
	"vmcore.dev/vmcore/pkg/config"
	"vmcore.dev/vmcore/pkg/cpu"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/memmap"
	"vmcore.dev/vmcore/pkg/mlff"
	"vmcore.dev/vmcore/pkg/pagetables"
	"vmcore.dev/vmcore/pkg/physmem"
	"vmcore.dev/vmcore/pkg/sync"
	"vmcore.dev/vmcore/pkg/tlb"
	"vmcore.dev/vmcore/pkg/vmm"
)

// Top-level slots of the shared trees.
const (
	KernelSlot = 511
	MMIOSlot   = 510
)

var (
	// KernelBase is the first address of the kernel tree. The heap grows
	// upward from here.
	KernelBase = pagetables.Canonical(KernelSlot << 39)

	// MMIOBase is the first address of the MMIO tree.
	MMIOBase = pagetables.Canonical(MMIOSlot << 39)
)

// Context is the memory subsystem of one machine.
type Context struct {
	cfg     *config.Config
	machine cpu.Machine
	log     log.Logger
	spin    sync.Spinner

	frames *buddy.Allocator
	arena  *physmem.Arena
	tables *pagetables.FrameAllocator
	tlb    *tlb.Manager

	kernel *vmm.LockedAllocator
	mmio   *vmm.LockedAllocator

	kernelCtx *vmm.PagingContext
	local     *vmm.CPULocal

	strategies map[string]mlff.Strategy

	// contexts numbers unnamed paging contexts.
	contexts atomicbitops.Uint64

	heapMu sync.Mutex

	// heapEnd is the first address above the heap.
	//
	// +checklocks:heapMu
	heapEnd uint64
}

// Boot builds the memory subsystem described by cfg on machine and loads
// the kernel context on every CPU.
//
// Preconditions: The caller runs before any other CPU touches memory.
func Boot(cfg *config.Config, machine cpu.Machine) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if n := machine.NumCPUs(); n != cfg.CPUs {
		return nil, fmt.Errorf("machine has %d CPUs, configuration expects %d", n, cfg.CPUs)
	}
	logger := log.Component("kmem", nil)

	usable := cfg.Memory.Usable(cfg.Kernel.Range())
	if len(usable) == 0 {
		return nil, memmap.ErrNoUsableMemory
	}
	extent, err := cfg.Memory.Extent()
	if err != nil {
		return nil, err
	}
	arena, err := physmem.New(uint64(extent.Start), extent.Length())
	if err != nil {
		return nil, fmt.Errorf("creating physical memory: %w", err)
	}
	cu := cleanup.Make(func() { arena.Release() })
	defer cu.Clean()

	frames := buddy.New(cfg.Frames.MinSize, cfg.Frames.MaxOrder)
	seeded := memmap.Seed(frames, usable)

	c := &Context{
		cfg:        cfg,
		machine:    machine,
		log:        logger,
		spin:       cfg.Spinner(log.RateLimitedLogger(logger, time.Second)),
		frames:     frames,
		arena:      arena,
		tables:     pagetables.NewFrameAllocator(frames, arena),
		tlb:        tlb.NewManager(machine, cfg.TLBOptions(log.Component("tlb", nil))),
		local:      vmm.NewCPULocal(cfg.CPUs),
		strategies: cfg.AllStrategies(),
		heapEnd:    KernelBase,
	}
	if c.kernel, err = c.newGlobalTree("kernel", KernelBase); err != nil {
		return nil, err
	}
	if c.mmio, err = c.newGlobalTree("mmio", MMIOBase); err != nil {
		return nil, err
	}
	for i := 0; i < cfg.CPUs; i++ {
		c.kernel.PinGlobal(cpu.ID(i))
		c.mmio.PinGlobal(cpu.ID(i))
	}
	if c.kernelCtx, err = c.NewPagingContext("kernel"); err != nil {
		return nil, err
	}
	for i := 0; i < cfg.CPUs; i++ {
		c.kernelCtx.Activate(c.local, cpu.ID(i))
	}

	cu.Release()
	logger.Infof("booted %d CPUs with %d usable ranges, %d bytes of frames", cfg.CPUs, len(usable), seeded)
	return c, nil
}

func (c *Context) newGlobalTree(name string, base uint64) (*vmm.LockedAllocator, error) {
	tree, err := mlff.New(pagetables.X86_64, c.tables, pagetables.X86_64.Top()-1)
	if err != nil {
		return nil, fmt.Errorf("creating %s tree: %w", name, err)
	}
	return vmm.NewLockedAllocator(tree, c.tlb, vmm.Options{
		Name:   name,
		Base:   base,
		Global: true,
		Spin:   c.spin,
	}), nil
}

// globals returns the shared subtrees of every context.
func (c *Context) globals() []vmm.GlobalSubtree {
	return []vmm.GlobalSubtree{
		{Index: KernelSlot, Alloc: c.kernel, Flags: pagetables.Writable},
		{Index: MMIOSlot, Alloc: c.mmio, Flags: pagetables.Writable},
	}
}

// NewPagingContext returns an address space sharing the kernel and MMIO
// trees. An empty name is replaced by a generated one.
func (c *Context) NewPagingContext(name string) (*vmm.PagingContext, error) {
	if name == "" {
		name = fmt.Sprintf("ctx%d", c.contexts.Add(1))
	}
	return vmm.NewPagingContext(c.tlb, vmm.ContextOptions{
		Name:     name,
		Geometry: pagetables.X86_64,
		Tables:   c.tables,
		Globals:  c.globals(),
		Spin:     c.spin,
	})
}

// Activate loads pc on CPU cid.
//
// Preconditions: The caller runs on CPU cid.
func (c *Context) Activate(pc *vmm.PagingContext, cid cpu.ID) {
	pc.Activate(c.local, cid)
}

// Current returns the context loaded on CPU cid.
func (c *Context) Current(cid cpu.ID) *vmm.PagingContext {
	return c.local.Current(cid)
}

// KernelContext returns the context loaded on every CPU at boot.
func (c *Context) KernelContext() *vmm.PagingContext {
	return c.kernelCtx
}

// Kernel returns the kernel tree.
func (c *Context) Kernel() *vmm.LockedAllocator {
	return c.kernel
}

// MMIO returns the MMIO tree.
func (c *Context) MMIO() *vmm.LockedAllocator {
	return c.mmio
}

// Frames returns the physical frame allocator.
func (c *Context) Frames() *buddy.Allocator {
	return c.frames
}

// Arena returns the simulated physical memory.
func (c *Context) Arena() *physmem.Arena {
	return c.arena
}

// TLB returns the TLB manager.
func (c *Context) TLB() *tlb.Manager {
	return c.tlb
}

// Machine returns the machine c runs on.
func (c *Context) Machine() cpu.Machine {
	return c.machine
}

// Config returns the configuration c was booted with.
func (c *Context) Config() *config.Config {
	return c.cfg
}

// Strategy returns the named allocation strategy.
func (c *Context) Strategy(name string) mlff.Strategy {
	s, ok := c.strategies[name]
	if !ok {
		panic(fmt.Sprintf("unknown strategy %q", name))
	}
	return s
}

// Translate walks the kernel context as the MMU would.
func (c *Context) Translate(vaddr uint64) (pagetables.Translation, bool) {
	return c.kernelCtx.Translate(vaddr)
}

// Stats is a snapshot of the memory subsystem.
type Stats struct {
	Frames buddy.Stats
	Tables int
	TLB    tlb.Stats

	// HeapSize is the extent of the kernel heap, including holes.
	HeapSize uint64
}

// Stats returns a snapshot of c.
func (c *Context) Stats() Stats {
	c.heapMu.Lock()
	heap := c.heapEnd - KernelBase
	c.heapMu.Unlock()
	return Stats{
		Frames:   c.frames.Stats(),
		Tables:   c.tables.Tables(),
		TLB:      c.tlb.Stats(),
		HeapSize: heap,
	}
}

// Close releases the simulated physical memory. Nothing obtained from c may
// be used afterwards.
func (c *Context) Close() error {
	return c.arena.Release()
}
