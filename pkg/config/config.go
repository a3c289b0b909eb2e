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

// Package config holds the configuration of a memory subsystem instance:
// the machine it runs on, its memory map, and the tunables of its
// allocators, locks and TLB manager.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/memmap"
	"vmcore.dev/vmcore/pkg/mlff"
	"vmcore.dev/vmcore/pkg/sync"
	"vmcore.dev/vmcore/pkg/tlb"
)

// Format is the encoding of a configuration file.
type Format int

const (
	// TOML files end in .toml.
	TOML Format = iota

	// YAML files end in .yaml or .yml.
	YAML
)

// KernelImage is the physical extent of the loaded kernel image. It is
// excluded from the memory handed to the frame allocator.
type KernelImage struct {
	Start uint64 `toml:"start" yaml:"start"`
	End   uint64 `toml:"end" yaml:"end"`
}

// Range returns the extent as an address range.
func (k KernelImage) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: hostarch.Addr(k.Start), End: hostarch.Addr(k.End)}
}

// Frames configures the physical frame allocator.
type Frames struct {
	// MinSize is the size of the smallest block. It must be a power of
	// two no smaller than the page size.
	MinSize uint64 `toml:"min_size" yaml:"min_size"`

	// MaxOrder is the largest block order.
	MaxOrder int `toml:"max_order" yaml:"max_order"`
}

// TLB configures the TLB manager.
type TLB struct {
	// ASIDs is the number of address space identifiers per CPU. Zero
	// disables ASIDs; every switch then flushes the TLB.
	ASIDs int `toml:"asids" yaml:"asids"`

	// Broadcast reports that the machine has a broadcast invalidate
	// instruction.
	Broadcast bool `toml:"broadcast" yaml:"broadcast"`

	// MaxPending is the number of queued ranges per list before the list
	// collapses to a full flush.
	MaxPending int `toml:"max_pending" yaml:"max_pending"`

	// MaxPages is the size in pages above which a range is flushed
	// entirely.
	MaxPages uint64 `toml:"max_pages" yaml:"max_pages"`
}

// Lock configures how contended page-table locks wait.
type Lock struct {
	// Relax is "cpu" or "backoff".
	Relax string `toml:"relax" yaml:"relax"`

	// WatchdogTimeout bounds a single acquisition. Zero disables the
	// watchdog.
	WatchdogTimeout time.Duration `toml:"watchdog_timeout" yaml:"watchdog_timeout"`

	// WatchdogAction is "log" or "panic".
	WatchdogAction string `toml:"watchdog_action" yaml:"watchdog_action"`
}

// Log configures diagnostics.
type Log struct {
	// Format is "text", "json" or "logrus".
	Format string `toml:"format" yaml:"format"`

	// Level is "warning", "info" or "debug".
	Level string `toml:"level" yaml:"level"`
}

// Config is the configuration of a memory subsystem instance.
type Config struct {
	// CPUs is the number of CPUs.
	CPUs int `toml:"cpus" yaml:"cpus"`

	// Memory is the memory map reported by the boot loader.
	Memory memmap.Map `toml:"memory" yaml:"memory"`

	Kernel KernelImage `toml:"kernel" yaml:"kernel"`
	Frames Frames      `toml:"frames" yaml:"frames"`
	TLB    TLB         `toml:"tlb" yaml:"tlb"`
	Lock   Lock        `toml:"lock" yaml:"lock"`
	Log    Log         `toml:"log" yaml:"log"`

	// Strategies overrides named allocation strategies. Names must be
	// known to mlff.LookupStrategy.
	Strategies map[string]mlff.Strategy `toml:"strategies" yaml:"strategies"`
}

// Default returns the built-in configuration: four CPUs and 64MB of RAM at
// 1MB with a 2MB kernel image.
func Default() *Config {
	return &Config{
		CPUs: 4,
		Memory: memmap.Map{
			{Base: 0, Length: 0x9f000, Type: memmap.Usable},
			{Base: 0x9f000, Length: 0x61000, Type: memmap.Reserved},
			{Base: 0x100000, Length: 0x4000000, Type: memmap.Usable},
		},
		Kernel: KernelImage{Start: 0x100000, End: 0x300000},
		Frames: Frames{MinSize: hostarch.PageSize, MaxOrder: 10},
		TLB: TLB{
			ASIDs:      64,
			Broadcast:  true,
			MaxPending: tlb.DefaultMaxPending,
			MaxPages:   tlb.DefaultMaxPages,
		},
		Lock: Lock{
			Relax:           "cpu",
			WatchdogTimeout: 5 * time.Second,
			WatchdogAction:  "log",
		},
		Log: Log{Format: "text", Level: "info"},
	}
}

// FormatOf returns the format implied by the extension of path.
func FormatOf(path string) (Format, error) {
	switch ext := filepath.Ext(path); ext {
	case ".toml":
		return TOML, nil
	case ".yaml", ".yml":
		return YAML, nil
	default:
		return 0, fmt.Errorf("unknown configuration format %q of %s", ext, path)
	}
}

// Load reads the configuration file at path on top of Default and
// validates the result.
func Load(path string) (*Config, error) {
	f, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}
	c, err := Decode(data, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Decode parses data on top of Default and validates the result. A memory
// map in data replaces the default map rather than extending it.
func Decode(data []byte, f Format) (*Config, error) {
	c := Default()
	c.Memory = nil
	switch f {
	case TOML:
		md, err := toml.Decode(string(data), c)
		if err != nil {
			return nil, fmt.Errorf("decoding TOML: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown keys %v", undecoded)
		}
	case YAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decoding YAML: %w", err)
		}
	default:
		panic(fmt.Sprintf("unknown format %d", f))
	}
	if c.Memory == nil {
		c.Memory = Default().Memory
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Encode writes c in format f.
func (c *Config) Encode(f Format) ([]byte, error) {
	var buf bytes.Buffer
	switch f {
	case TOML:
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return nil, err
		}
	case YAML:
		enc := yaml.NewEncoder(&buf)
		if err := enc.Encode(c); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
	default:
		panic(fmt.Sprintf("unknown format %d", f))
	}
	return buf.Bytes(), nil
}

// Validate checks c for consistency.
func (c *Config) Validate() error {
	if c.CPUs <= 0 {
		return fmt.Errorf("cpus must be positive, got %d", c.CPUs)
	}
	if err := c.Memory.Validate(); err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	if c.Kernel.End < c.Kernel.Start {
		return fmt.Errorf("kernel image ends at %#x before its start %#x", c.Kernel.End, c.Kernel.Start)
	}
	if len(c.Memory.Usable(c.Kernel.Range())) == 0 {
		return fmt.Errorf("memory: %w outside the kernel image", memmap.ErrNoUsableMemory)
	}
	if m := c.Frames.MinSize; m < hostarch.PageSize || m&(m-1) != 0 {
		return fmt.Errorf("frames: min_size %#x is not a power of two of at least a page", m)
	}
	if c.Frames.MaxOrder < 0 || c.Frames.MaxOrder > 30 {
		return fmt.Errorf("frames: max_order %d out of range", c.Frames.MaxOrder)
	}
	if c.TLB.ASIDs < 0 || c.TLB.ASIDs > tlb.MaxASIDs {
		return fmt.Errorf("tlb: asids %d out of range [0, %d]", c.TLB.ASIDs, tlb.MaxASIDs)
	}
	if c.TLB.MaxPending < 0 {
		return fmt.Errorf("tlb: negative max_pending %d", c.TLB.MaxPending)
	}
	if _, err := c.relaxer(); err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	if _, err := sync.ParseWatchdogAction(c.Lock.WatchdogAction); err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	if c.Lock.WatchdogTimeout < 0 {
		return fmt.Errorf("lock: negative watchdog_timeout %v", c.Lock.WatchdogTimeout)
	}
	switch c.Log.Format {
	case "text", "json", "logrus":
	default:
		return fmt.Errorf("log: invalid format %q, must be 'text', 'json', or 'logrus'", c.Log.Format)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	for name, s := range c.Strategies {
		if _, err := mlff.LookupStrategy(name); err != nil {
			return fmt.Errorf("strategies: %w", err)
		}
		for i, ls := range s {
			if ls.MinPage < 0 || ls.MaxPage < 0 || (ls.MaxPage != 0 && ls.MaxPage <= ls.MinPage) {
				return fmt.Errorf("strategies: %s level %d has empty slot range [%d, %d)", name, i, ls.MinPage, ls.MaxPage)
			}
		}
	}
	return nil
}

func (c *Config) relaxer() (sync.Relaxer, error) {
	switch c.Lock.Relax {
	case "", "cpu":
		return sync.CPURelax{}, nil
	case "backoff":
		return sync.BackoffRelaxer{}, nil
	default:
		return nil, fmt.Errorf("unknown relax mode %q", c.Lock.Relax)
	}
}

// Spinner returns the lock contention settings of c. Watchdog reports go to
// logger.
//
// Preconditions: c.Validate() == nil.
func (c *Config) Spinner(logger log.Logger) sync.Spinner {
	r, err := c.relaxer()
	if err != nil {
		panic(err)
	}
	action, err := sync.ParseWatchdogAction(c.Lock.WatchdogAction)
	if err != nil {
		panic(err)
	}
	return sync.Spinner{
		Relaxer: r,
		Watchdog: sync.Watchdog{
			Timeout: c.Lock.WatchdogTimeout,
			Action:  action,
			Logger:  logger,
		},
	}
}

// LogLevel returns the configured log level.
//
// Preconditions: c.Validate() == nil.
func (c *Config) LogLevel() log.Level {
	l, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		panic(err)
	}
	return l
}

// TLBOptions returns the TLB manager settings of c.
func (c *Config) TLBOptions(logger log.Logger) tlb.Options {
	return tlb.Options{
		ASIDs:      c.TLB.ASIDs,
		MaxPending: c.TLB.MaxPending,
		MaxPages:   c.TLB.MaxPages,
		Logger:     logger,
	}
}

// Strategy returns the named strategy with c's override applied. The
// result is a private copy; modifying it affects neither c nor the built-in
// tables.
func (c *Config) Strategy(name string) (mlff.Strategy, error) {
	s, err := mlff.LookupStrategy(name)
	if err != nil {
		return nil, err
	}
	if o, ok := c.Strategies[name]; ok {
		s = o
	}
	return deepcopy.Copy(s).(mlff.Strategy), nil
}

// AllStrategies returns every named strategy with c's overrides applied.
func (c *Config) AllStrategies() map[string]mlff.Strategy {
	names := mlff.StrategyNames()
	all := make(map[string]mlff.Strategy, len(names))
	for _, name := range names {
		s, err := c.Strategy(name)
		if err != nil {
			panic(fmt.Sprintf("built-in strategy %q: %v", name, err))
		}
		all[name] = s
	}
	return all
}
