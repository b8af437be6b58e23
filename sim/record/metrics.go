package record

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kandersolar/quest-ssim/sim/grid"
	"github.com/kandersolar/quest-ssim/sim/metrics"
	"github.com/kandersolar/quest-ssim/sim/trace"
)

// VoltageMetricPrefix names the per-bus voltage accumulators.
const VoltageMetricPrefix = "voltage/"

// VoltageMetrics scores every bus voltage in each snapshot against a
// metric and accumulates the score over simulated time, one accumulator
// per bus. The worst phase of a bus is the one scored.
type VoltageMetrics struct {
	mu     sync.Mutex
	metric metrics.Metric
	mgr    *metrics.Manager
}

// NewVoltageMetrics returns a recorder scoring per-unit voltages with m.
func NewVoltageMetrics(m metrics.Metric) *VoltageMetrics {
	return &VoltageMetrics{metric: m, mgr: metrics.NewManager()}
}

// RecordSnapshot scores the snapshot's buses at its time. Each value holds
// back to the bus's previous snapshot, or to t=0 for its first one.
func (v *VoltageMetrics) RecordSnapshot(_ context.Context, snap grid.Snapshot) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	buses := make([]string, 0, len(snap.Voltages))
	for bus := range snap.Voltages {
		buses = append(buses, bus)
	}
	sort.Strings(buses)
	for _, bus := range buses {
		phases := snap.Voltages[bus]
		if len(phases) == 0 {
			continue
		}
		worst := phases[0]
		for _, pu := range phases[1:] {
			if v.metric.Normalize(pu) < v.metric.Normalize(worst) {
				worst = pu
			}
		}
		name := VoltageMetricPrefix + bus
		acc := v.mgr.Get(name)
		if acc == nil {
			acc = metrics.NewTimeAccumulator(v.metric, 0)
			v.mgr.Add(name, acc)
		}
		score, err := acc.Accumulate(worst, snap.Time)
		if err != nil {
			return err
		}
		logrus.Debugf("record: %s at t=%v: %v pu scores %.4f", name, snap.Time, worst, score)
	}
	return nil
}

// RecordEvent ignores events.
func (v *VoltageMetrics) RecordEvent(context.Context, trace.EventRecord) error { return nil }

// Close is a no-op; the accumulated scores remain readable.
func (v *VoltageMetrics) Close() error { return nil }

// Summaries reports every bus accumulator in name order.
func (v *VoltageMetrics) Summaries() []metrics.Summary {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mgr.Summaries()
}

// Total returns the sum of every bus's accumulated score.
func (v *VoltageMetrics) Total() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mgr.Total()
}
