package federate

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kandersolar/quest-ssim/sim"
	"github.com/kandersolar/quest-ssim/sim/cosim"
	"github.com/kandersolar/quest-ssim/sim/grid"
	"github.com/kandersolar/quest-ssim/sim/internal/testutil"
	"github.com/kandersolar/quest-ssim/sim/reliability"
	"github.com/kandersolar/quest-ssim/sim/trace"
)

// scriptedSource replays a fixed, time-ordered event list.
type scriptedSource struct {
	events []reliability.Event
	next   int
}

func (s *scriptedSource) Events(horizon float64) []reliability.Event {
	var out []reliability.Event
	for s.next < len(s.events) && s.events[s.next].Time <= horizon {
		out = append(out, s.events[s.next])
		s.next++
	}
	return out
}

func (s *scriptedSource) Peek() float64 {
	if s.next >= len(s.events) {
		return math.Inf(1)
	}
	return s.events[s.next].Time
}

func fail(element string, t float64) reliability.Event {
	return reliability.Event{Element: element, Kind: reliability.KindFail, Time: t, Mode: reliability.ModeOpen}
}

func restore(element string, t float64) reliability.Event {
	return reliability.Event{Element: element, Kind: reliability.KindRestore, Time: t, Mode: reliability.ModeClosed}
}

// fakeManager builds a manager over a recording solver with the given lines.
func fakeManager(t *testing.T, ids ...string) (*grid.Manager, *testutil.FakeSolver) {
	t.Helper()
	solver := testutil.NewFakeSolver()
	elements := make([]grid.ElementInfo, len(ids))
	for i, id := range ids {
		elements[i] = grid.ElementInfo{ID: id, Kind: "line", Terminals: 2}
	}
	m, err := grid.NewManager(solver, grid.Config{Elements: elements})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m, solver
}

func join(t *testing.T, b *cosim.Broker, name string, endpoints ...string) cosim.Federate {
	t.Helper()
	f, err := b.Join(name, cosim.FederateConfig{Endpoints: endpoints})
	require.NoError(t, err)
	return f
}

func grantedTimes(grants []trace.GrantRecord, name string) []float64 {
	var out []float64
	for _, g := range grants {
		if g.Federate == name {
			out = append(out, g.Granted)
		}
	}
	return out
}

func newTestRNG(seed int64) *sim.PartitionedRNG {
	return sim.NewPartitionedRNG(sim.NewSimulationKey(seed))
}
