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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/memmap"
	"vmcore.dev/vmcore/pkg/mlff"
	"vmcore.dev/vmcore/pkg/sync"
)

func TestDefault(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("Default().Validate(): %v", err)
	}
	if got := c.LogLevel(); got != log.Info {
		t.Errorf("LogLevel() = %v, want %v", got, log.Info)
	}
}

const tomlConfig = `
cpus = 2

[[memory]]
base = 0x100000
length = 0x800000
type = "usable"

[[memory]]
base = 0x400000
length = 0x1000
type = "reserved"

[kernel]
start = 0x100000
end = 0x200000

[tlb]
asids = 16
broadcast = false

[lock]
relax = "backoff"
watchdog_timeout = "250ms"
watchdog_action = "panic"

[log]
format = "json"
level = "debug"

[[strategies.kernel_stack]]
reverse = true
min_page = 8
`

const yamlConfig = `
cpus: 2
memory:
  - {base: 0x100000, length: 0x800000, type: usable}
  - {base: 0x400000, length: 0x1000, type: reserved}
kernel: {start: 0x100000, end: 0x200000}
tlb: {asids: 16, broadcast: false}
lock:
  relax: backoff
  watchdog_timeout: 250ms
  watchdog_action: panic
log: {format: json, level: debug}
strategies:
  kernel_stack:
    - {reverse: true, min_page: 8}
`

func wantDecoded() *Config {
	c := Default()
	c.CPUs = 2
	c.Memory = memmap.Map{
		{Base: 0x100000, Length: 0x800000, Type: memmap.Usable},
		{Base: 0x400000, Length: 0x1000, Type: memmap.Reserved},
	}
	c.Kernel = KernelImage{Start: 0x100000, End: 0x200000}
	c.TLB.ASIDs = 16
	c.TLB.Broadcast = false
	c.Lock = Lock{Relax: "backoff", WatchdogTimeout: 250 * time.Millisecond, WatchdogAction: "panic"}
	c.Log = Log{Format: "json", Level: "debug"}
	c.Strategies = map[string]mlff.Strategy{
		"kernel_stack": {{Reverse: true, MinPage: 8}},
	}
	return c
}

func TestDecode(t *testing.T) {
	for _, test := range []struct {
		name string
		data string
		f    Format
	}{
		{name: "toml", data: tomlConfig, f: TOML},
		{name: "yaml", data: yamlConfig, f: YAML},
	} {
		t.Run(test.name, func(t *testing.T) {
			got, err := Decode([]byte(test.data), test.f)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if diff := cmp.Diff(wantDecoded(), got); diff != "" {
				t.Errorf("decoded config (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeEmptyKeepsDefaults(t *testing.T) {
	for _, f := range []Format{TOML, YAML} {
		got, err := Decode(nil, f)
		if err != nil {
			t.Fatalf("Decode(%d): %v", f, err)
		}
		if diff := cmp.Diff(Default(), got); diff != "" {
			t.Errorf("format %d: empty config (-want +got):\n%s", f, diff)
		}
	}
}

func TestDecodeRejectsUnknownKeys(t *testing.T) {
	if _, err := Decode([]byte("cpus = 1\nturbo = true\n"), TOML); err == nil {
		t.Errorf("TOML with an unknown key decoded")
	}
	if _, err := Decode([]byte("cpus: 1\nturbo: true\n"), YAML); err == nil {
		t.Errorf("YAML with an unknown key decoded")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	for name, data := range map[string]string{
		"vm.toml": tomlConfig,
		"vm.yaml": yamlConfig,
		"vm.yml":  yamlConfig,
	} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(data), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		got, err := Load(path)
		if err != nil {
			t.Fatalf("Load(%s): %v", name, err)
		}
		if diff := cmp.Diff(wantDecoded(), got); diff != "" {
			t.Errorf("%s (-want +got):\n%s", name, diff)
		}
	}
	if _, err := Load(filepath.Join(dir, "vm.json")); err == nil {
		t.Errorf("Load of an unknown extension succeeded")
	}
	if _, err := Load(filepath.Join(dir, "missing.toml")); err == nil {
		t.Errorf("Load of a missing file succeeded")
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	want := wantDecoded()
	data, err := want.Encode(YAML)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data, YAML)
	if err != nil {
		t.Fatalf("Decode of encoded config: %v\n%s", err, data)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	for _, test := range []struct {
		name   string
		modify func(c *Config)
		want   string
	}{
		{"no cpus", func(c *Config) { c.CPUs = 0 }, "cpus"},
		{"empty region", func(c *Config) { c.Memory = memmap.Map{{Base: 0x1000}} }, "memory"},
		{"all kernel", func(c *Config) { c.Kernel = KernelImage{Start: 0, End: 1 << 40} }, "no usable memory"},
		{"inverted kernel", func(c *Config) { c.Kernel = KernelImage{Start: 2, End: 1} }, "kernel image"},
		{"min size", func(c *Config) { c.Frames.MinSize = 0x3000 }, "min_size"},
		{"max order", func(c *Config) { c.Frames.MaxOrder = 99 }, "max_order"},
		{"asids", func(c *Config) { c.TLB.ASIDs = 1 << 16 }, "asids"},
		{"relax", func(c *Config) { c.Lock.Relax = "sleep" }, "relax"},
		{"watchdog action", func(c *Config) { c.Lock.WatchdogAction = "reboot" }, "watchdog"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "format"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log level"},
		{"strategy name", func(c *Config) { c.Strategies = map[string]mlff.Strategy{"bogus": nil} }, "unknown allocation strategy"},
		{"strategy range", func(c *Config) {
			c.Strategies = map[string]mlff.Strategy{"default": {{MinPage: 10, MaxPage: 10}}}
		}, "empty slot range"},
	} {
		t.Run(test.name, func(t *testing.T) {
			c := Default()
			test.modify(c)
			err := c.Validate()
			if err == nil {
				t.Fatalf("Validate succeeded")
			}
			if !strings.Contains(err.Error(), test.want) {
				t.Errorf("Validate: %v, want error containing %q", err, test.want)
			}
		})
	}
}

func TestStrategyOverride(t *testing.T) {
	c := wantDecoded()
	s, err := c.Strategy("kernel_stack")
	if err != nil {
		t.Fatalf("Strategy: %v", err)
	}
	if diff := cmp.Diff(mlff.Strategy{{Reverse: true, MinPage: 8}}, s); diff != "" {
		t.Errorf("overridden strategy (-want +got):\n%s", diff)
	}

	// The result is a copy.
	s[0].MinPage = 100
	if c.Strategies["kernel_stack"][0].MinPage != 8 {
		t.Errorf("modifying the result changed the configuration")
	}

	d, err := c.Strategy("dynamic_mmio")
	if err != nil {
		t.Fatalf("Strategy: %v", err)
	}
	d[0].MinPage = 0
	if mlff.DynamicMMIO[0].MinPage != 256 {
		t.Errorf("modifying the result changed the built-in table")
	}

	if _, err := c.Strategy("bogus"); err == nil {
		t.Errorf("Strategy of an unknown name succeeded")
	}
	all := c.AllStrategies()
	if got, want := len(all), len(mlff.StrategyNames()); got != want {
		t.Errorf("AllStrategies() has %d entries, want %d", got, want)
	}
}

func TestSpinner(t *testing.T) {
	c := wantDecoded()
	var logger log.BasicLogger
	sp := c.Spinner(&logger)
	if _, ok := sp.Relaxer.(sync.BackoffRelaxer); !ok {
		t.Errorf("Relaxer = %T, want sync.BackoffRelaxer", sp.Relaxer)
	}
	if sp.Watchdog.Timeout != 250*time.Millisecond || sp.Watchdog.Action != sync.WatchdogPanic {
		t.Errorf("Watchdog = %+v", sp.Watchdog)
	}
	if opts := c.TLBOptions(&logger); opts.ASIDs != 16 {
		t.Errorf("TLBOptions().ASIDs = %d, want 16", opts.ASIDs)
	}
}
