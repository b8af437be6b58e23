package trace

import (
	"fmt"
	"io"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/kandersolar/quest-ssim/sim/metrics"
)

// OutageStats summarizes the completed outages of one element.
type OutageStats struct {
	Count         int
	MeanSeconds   float64
	StdDevSeconds float64
	Unrestored    bool // failed at end of run
}

// TraceSummary aggregates statistics from a SimulationTrace.
type TraceSummary struct {
	TotalGrants     int
	Preemptions     int
	EventsApplied   int
	EventsPublished int
	EventsRejected  int
	Outages         map[string]OutageStats // element → outage statistics

	// Metrics are filled in by the caller from its metric recorders.
	Metrics []metrics.Summary
}

// Summarize computes aggregate statistics from a SimulationTrace.
// Safe for nil or empty traces (returns zero-value fields).
// Outages are paired from events that were applied or published.
func Summarize(st *SimulationTrace) *TraceSummary {
	summary := &TraceSummary{Outages: make(map[string]OutageStats)}
	if st == nil {
		return summary
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	summary.TotalGrants = len(st.Grants)
	for _, g := range st.Grants {
		if g.Preempted() {
			summary.Preemptions++
		}
	}

	failedAt := make(map[string]float64)
	durations := make(map[string][]float64)
	for _, ev := range st.Events {
		if ev.Applied {
			summary.EventsApplied++
		}
		if ev.Published {
			summary.EventsPublished++
		}
		if ev.Reason != "" {
			summary.EventsRejected++
		}
		if !ev.Applied && !ev.Published {
			continue
		}
		switch ev.Kind {
		case "fail":
			if _, open := failedAt[ev.Element]; !open {
				failedAt[ev.Element] = ev.Time
			}
		case "restore":
			if t, open := failedAt[ev.Element]; open {
				durations[ev.Element] = append(durations[ev.Element], ev.Time-t)
				delete(failedAt, ev.Element)
			}
		}
	}

	for element, d := range durations {
		o := OutageStats{Count: len(d)}
		if len(d) > 1 {
			o.MeanSeconds, o.StdDevSeconds = stat.MeanStdDev(d, nil)
		} else {
			o.MeanSeconds = d[0]
		}
		summary.Outages[element] = o
	}
	for element := range failedAt {
		o := summary.Outages[element]
		o.Unrestored = true
		summary.Outages[element] = o
	}
	return summary
}

// Print writes a human-readable summary.
func (s *TraceSummary) Print(w io.Writer) {
	fmt.Fprintf(w, "=== Run Summary ===\n")
	fmt.Fprintf(w, "Time grants       : %d (%d preempted)\n", s.TotalGrants, s.Preemptions)
	fmt.Fprintf(w, "Events applied    : %d\n", s.EventsApplied)
	fmt.Fprintf(w, "Events published  : %d\n", s.EventsPublished)
	fmt.Fprintf(w, "Events rejected   : %d\n", s.EventsRejected)
	s.printOutages(w)
	if len(s.Metrics) == 0 {
		return
	}
	fmt.Fprintf(w, "=== Metrics ===\n")
	for _, m := range s.Metrics {
		fmt.Fprintf(w, "%-16s mean=%.4f over %.0fs (%s, limit=%g, objective=%g)\n",
			m.Name, m.Mean, m.Seconds, m.Sense, m.Limit, m.Objective)
	}
}

func (s *TraceSummary) printOutages(w io.Writer) {
	if len(s.Outages) == 0 {
		return
	}
	elements := make([]string, 0, len(s.Outages))
	for e := range s.Outages {
		elements = append(elements, e)
	}
	sort.Strings(elements)
	fmt.Fprintf(w, "=== Outages ===\n")
	for _, e := range elements {
		o := s.Outages[e]
		suffix := ""
		if o.Unrestored {
			suffix = " (failed at end)"
		}
		fmt.Fprintf(w, "%-12s count=%d mean=%.1fs stddev=%.1fs%s\n", e, o.Count, o.MeanSeconds, o.StdDevSeconds, suffix)
	}
}
