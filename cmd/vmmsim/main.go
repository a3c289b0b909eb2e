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

// Binary vmmsim boots the memory subsystem on a simulated machine and
// exercises it.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"vmcore.dev/vmcore/pkg/config"
	"vmcore.dev/vmcore/pkg/cpu"
	"vmcore.dev/vmcore/pkg/kmem"
	"vmcore.dev/vmcore/pkg/log"
)

var (
	configPath = flag.String("config", "", "path to a TOML or YAML machine configuration. The built-in default is used if empty.")
	logFormat  = flag.String("log-format", "", "log format: text, json or logrus. Overrides the configuration.")
	debug      = flag.Bool("debug", false, "enable debug logging.")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(Boot), "")
	subcommands.Register(new(Dump), "")
	subcommands.Register(new(Stress), "")
	flag.Parse()

	conf := config.Default()
	if *configPath != "" {
		var err error
		if conf, err = config.Load(*configPath); err != nil {
			Fatalf("%v", err)
		}
	}
	if *logFormat != "" {
		conf.Log.Format = *logFormat
	}
	log.SetTarget(newEmitter(conf.Log.Format, os.Stderr))
	log.SetLevel(conf.LogLevel())
	if *debug {
		log.SetLevel(log.Debug)
	}
	log.Debugf("Configuration: %d CPUs, %d memory regions, %d ASIDs", conf.CPUs, len(conf.Memory), conf.TLB.ASIDs)

	os.Exit(int(subcommands.Execute(context.Background(), conf)))
}

// newEmitter returns the emitter for format writing to w.
func newEmitter(format string, w io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{&log.Writer{Next: w}}
	case "json":
		return log.JSONEmitter{&log.Writer{Next: w}}
	case "logrus":
		e := log.NewLogrusEmitter()
		e.Logger.SetOutput(w)
		return e
	}
	Fatalf("invalid log format %q, must be 'text', 'json', or 'logrus'", format)
	panic("unreachable")
}

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	log.Warningf(format, args...)
	fmt.Fprintf(os.Stderr, "vmmsim: "+format+"\n", args...)
	os.Exit(128)
}

// bootMachine boots conf on a simulated machine of matching size.
func bootMachine(conf *config.Config) (*kmem.Context, error) {
	return kmem.Boot(conf, cpu.NewSimMachine(conf.CPUs, conf.TLB.Broadcast))
}
