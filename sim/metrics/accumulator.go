package metrics

import (
	"errors"
	"fmt"
	"sort"
)

// ErrTimeReversed is returned when an accumulator is fed an earlier time.
var ErrTimeReversed = errors.New("metrics: time moved backwards")

// TimeAccumulator integrates a metric's normalized score over time. Each
// sample is weighted by the time elapsed since the previous sample.
type TimeAccumulator struct {
	metric      Metric
	now         float64
	accumulated float64
	total       float64
}

// NewTimeAccumulator starts accumulating at start.
func NewTimeAccumulator(m Metric, start float64) *TimeAccumulator {
	return &TimeAccumulator{metric: m, now: start}
}

// Metric returns the metric being accumulated.
func (a *TimeAccumulator) Metric() Metric { return a.metric }

// Accumulate scores value as holding from the previous sample time to t
// and returns the score. A sample at the previous time adds nothing and
// scores 0.
func (a *TimeAccumulator) Accumulate(value, t float64) (float64, error) {
	if t < a.now {
		return 0, fmt.Errorf("%w: %v after %v", ErrTimeReversed, t, a.now)
	}
	if t == a.now {
		return 0, nil
	}
	score := a.metric.Normalize(value)
	dt := t - a.now
	a.accumulated += dt * score
	a.total += dt
	a.now = t
	return score, nil
}

// Accumulated returns the time-weighted sum of scores.
func (a *TimeAccumulator) Accumulated() float64 { return a.accumulated }

// TotalTime returns the time covered by samples.
func (a *TimeAccumulator) TotalTime() float64 { return a.total }

// Mean returns the time-weighted average score. It is false before any
// time has been covered.
func (a *TimeAccumulator) Mean() (float64, bool) {
	if a.total == 0 {
		return 0, false
	}
	return a.accumulated / a.total, true
}

// Summary is the reportable state of one named accumulator.
type Summary struct {
	Name      string
	Limit     float64
	Objective float64
	Sense     ImprovementType
	Mean      float64
	Seconds   float64
}

// Manager holds named accumulators.
//
// Thread-safety: NOT thread-safe.
type Manager struct {
	accumulators map[string]*TimeAccumulator
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{accumulators: make(map[string]*TimeAccumulator)}
}

// Add registers acc under name, replacing any previous one. A nil acc
// removes name.
func (m *Manager) Add(name string, acc *TimeAccumulator) {
	if acc == nil {
		m.Remove(name)
		return
	}
	m.accumulators[name] = acc
}

// Remove drops name and reports whether it was present.
func (m *Manager) Remove(name string) bool {
	if _, ok := m.accumulators[name]; !ok {
		return false
	}
	delete(m.accumulators, name)
	return true
}

// Get returns the accumulator registered under name, or nil.
func (m *Manager) Get(name string) *TimeAccumulator { return m.accumulators[name] }

// Names returns the registered names in sorted order.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.accumulators))
	for name := range m.accumulators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Total returns the sum of every accumulator's accumulated score.
func (m *Manager) Total() float64 {
	total := 0.0
	for _, name := range m.Names() {
		total += m.accumulators[name].Accumulated()
	}
	return total
}

// Summaries reports every accumulator in name order.
func (m *Manager) Summaries() []Summary {
	out := make([]Summary, 0, len(m.accumulators))
	for _, name := range m.Names() {
		acc := m.accumulators[name]
		mean, _ := acc.Mean()
		out = append(out, Summary{
			Name:      name,
			Limit:     acc.metric.Limit,
			Objective: acc.metric.Objective,
			Sense:     acc.metric.Sense,
			Mean:      mean,
			Seconds:   acc.TotalTime(),
		})
	}
	return out
}
