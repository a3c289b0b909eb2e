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
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/google/subcommands"
	"gopkg.in/yaml.v3"
	"vmcore.dev/vmcore/pkg/config"
	"vmcore.dev/vmcore/pkg/kmem"
	"vmcore.dev/vmcore/pkg/log"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	format string
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot the memory subsystem and print a summary"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] - boot the configured machine and print the resulting layout.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.format, "format", "yaml", "output format: yaml or toml.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
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

	if err := writeSummary(os.Stdout, summarize(ctx), b.format); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

// summary is the printable state of a booted machine. Addresses are strings
// since TOML integers are signed.
type summary struct {
	CPUs       int    `toml:"cpus" yaml:"cpus"`
	KernelBase string `toml:"kernel_base" yaml:"kernel_base"`
	MMIOBase   string `toml:"mmio_base" yaml:"mmio_base"`
	KernelRoot string `toml:"kernel_root" yaml:"kernel_root"`
	FreeBytes  uint64 `toml:"free_bytes" yaml:"free_bytes"`
	UsedBytes  uint64 `toml:"used_bytes" yaml:"used_bytes"`
	Tables     int    `toml:"tables" yaml:"tables"`
	HeapSize   uint64 `toml:"heap_size" yaml:"heap_size"`
	Claims     uint64 `toml:"asid_claims" yaml:"asid_claims"`
}

func summarize(ctx *kmem.Context) summary {
	s := ctx.Stats()
	return summary{
		CPUs:       ctx.Config().CPUs,
		KernelBase: fmt.Sprintf("%#x", kmem.KernelBase),
		MMIOBase:   fmt.Sprintf("%#x", kmem.MMIOBase),
		KernelRoot: fmt.Sprintf("%#x", ctx.KernelContext().Root()),
		FreeBytes:  s.Frames.Free,
		UsedBytes:  s.Frames.Allocated,
		Tables:     s.Tables,
		HeapSize:   s.HeapSize,
		Claims:     s.TLB.Claims,
	}
}

func writeSummary(w io.Writer, s summary, format string) error {
	var buf bytes.Buffer
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(&buf)
		if err := enc.Encode(s); err != nil {
			return fmt.Errorf("encoding summary: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("encoding summary: %w", err)
		}
	case "toml":
		if err := toml.NewEncoder(&buf).Encode(s); err != nil {
			return fmt.Errorf("encoding summary: %w", err)
		}
	default:
		return fmt.Errorf("invalid output format %q, must be 'yaml' or 'toml'", format)
	}
	log.Debugf("Summary is %d bytes of %s", buf.Len(), format)
	_, err := w.Write(buf.Bytes())
	return err
}
