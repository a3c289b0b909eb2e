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
	"fmt"
	"io"
	"strconv"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
	"vmcore.dev/vmcore/pkg/kmem"
)

const metricPrefix = "vmcore_"

func gauge(name, help string, v float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(metricPrefix + name),
		Help:   proto.String(help),
		Type:   dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{Gauge: &dto.Gauge{Value: proto.Float64(v)}}},
	}
}

func counter(name, help string, v uint64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(metricPrefix + name + "_total"),
		Help:   proto.String(help),
		Type:   dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{{Counter: &dto.Counter{Value: proto.Float64(float64(v))}}},
	}
}

// metricFamilies returns the state of ctx as Prometheus metrics.
func metricFamilies(ctx *kmem.Context) []*dto.MetricFamily {
	s := ctx.Stats()
	blocks := &dto.MetricFamily{
		Name: proto.String(metricPrefix + "frame_free_blocks"),
		Help: proto.String("Free buddy blocks by order."),
		Type: dto.MetricType_GAUGE.Enum(),
	}
	for o, n := range s.Frames.FreeBlocks {
		blocks.Metric = append(blocks.Metric, &dto.Metric{
			Label: []*dto.LabelPair{{Name: proto.String("order"), Value: proto.String(strconv.Itoa(o))}},
			Gauge: &dto.Gauge{Value: proto.Float64(float64(n))},
		})
	}
	t := s.TLB
	return []*dto.MetricFamily{
		gauge("frame_free_bytes", "Physical memory free in the buddy allocator.", float64(s.Frames.Free)),
		gauge("frame_allocated_bytes", "Physical memory handed out by the buddy allocator.", float64(s.Frames.Allocated)),
		blocks,
		gauge("page_tables", "Live page-table pages.", float64(s.Tables)),
		gauge("kernel_heap_bytes", "Extent of the kernel heap.", float64(s.HeapSize)),
		counter("asid_claims", "ASID claims.", t.Claims),
		counter("asid_evictions", "ASIDs taken from another address space.", t.Evictions),
		counter("asid_claim_failures", "Claims that fell back to no ASID.", t.ClaimFailures),
		counter("tlb_shootdowns", "Shootdown IPIs sent.", t.Shootdowns),
		counter("tlb_broadcasts", "Broadcast invalidations.", t.Broadcasts),
		counter("tlb_switch_flushes", "Pending flushes applied at context switch.", t.SwitchFlushes),
		counter("tlb_page_flushes", "Single-page invalidations.", t.PageFlushes),
		counter("tlb_full_flushes", "Full TLB flushes.", t.FullFlushes),
	}
}

// writeMetrics writes the state of ctx in the Prometheus text format.
func writeMetrics(w io.Writer, ctx *kmem.Context) error {
	for _, mf := range metricFamilies(ctx) {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
