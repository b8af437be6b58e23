package reliability

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandersolar/quest-ssim/sim"
)

const (
	day        = 86400.0
	threeHours = 3 * 3600.0
	tenHours   = 10 * 3600.0
)

func newModel(t *testing.T, seed int64, procs ...FailureProcess) *Model {
	t.Helper()
	m, err := NewModel(sim.NewPartitionedRNG(sim.NewSimulationKey(seed)), procs)
	require.NoError(t, err)
	return m
}

func line(id string, rate float64) FailureProcess {
	return FailureProcess{Element: id, FailureRate: rate, MinRepair: threeHours, MaxRepair: tenHours}
}

func TestModel_ZeroRate_NeverYieldsEvents(t *testing.T) {
	// GIVEN a process that never fails
	m := newModel(t, 42, line("l1", 0))

	// WHEN events are requested far into the future
	events := m.Events(1e12)

	// THEN nothing is produced and peek reports infinity
	assert.Empty(t, events)
	assert.True(t, math.IsInf(m.Peek(), 1))
	assert.Equal(t, []string{"l1"}, m.Elements())
}

func TestModel_NoProcesses_PeekIsInfinite(t *testing.T) {
	m := newModel(t, 1)
	assert.True(t, math.IsInf(m.Peek(), 1))
	assert.Empty(t, m.Events(math.Inf(1)))
}

func TestModel_EventsAlternateAndStrictlyIncrease(t *testing.T) {
	// GIVEN two fast-failing processes
	m := newModel(t, 7, line("a", 1/3600.0), line("b", 1/7200.0))

	// WHEN a month of events is drawn
	events := m.Events(30 * day)
	require.NotEmpty(t, events)

	// THEN per element kinds alternate starting with FAIL and times strictly increase
	last := map[string]Event{}
	for _, ev := range events {
		prev, seen := last[ev.Element]
		if !seen {
			assert.Equal(t, KindFail, ev.Kind, "first event of %s", ev.Element)
		} else {
			assert.Greater(t, ev.Time, prev.Time)
			assert.NotEqual(t, prev.Kind, ev.Kind)
		}
		last[ev.Element] = ev
	}
}

func TestModel_EventsAreGloballyOrdered(t *testing.T) {
	m := newModel(t, 11, line("a", 1/3600.0), line("b", 1/3600.0), line("c", 1/1800.0))
	events := m.Events(10 * day)
	for i := 1; i < len(events); i++ {
		assert.LessOrEqual(t, events[i-1].Time, events[i].Time)
	}
}

func TestModel_RepairWithinWindow(t *testing.T) {
	m := newModel(t, 3, line("a", 1/3600.0))
	events := m.Events(60 * day)
	for i := 0; i+1 < len(events); i += 2 {
		require.Equal(t, KindFail, events[i].Kind)
		require.Equal(t, KindRestore, events[i+1].Kind)
		repair := events[i+1].Time - events[i].Time
		assert.GreaterOrEqual(t, repair, threeHours)
		assert.LessOrEqual(t, repair, tenHours)
		assert.Equal(t, ModeOpen, events[i].Mode)
		assert.Equal(t, ModeClosed, events[i+1].Mode)
	}
}

func TestModel_PrefixConsistent(t *testing.T) {
	// GIVEN two identical models
	procs := []FailureProcess{line("a", 1/7200.0), line("b", 1/5000.0)}
	split := newModel(t, 99, procs...)
	whole := newModel(t, 99, procs...)

	// WHEN one is drained in two steps and the other in one
	h1, h2 := 2*day, 5*day
	first := split.Events(h1)
	second := split.Events(h2)
	all := whole.Events(h2)

	// THEN the concatenation equals the single drain, with no duplicates or gaps
	for _, ev := range first {
		assert.LessOrEqual(t, ev.Time, h1)
	}
	for _, ev := range second {
		assert.Greater(t, ev.Time, h1)
		assert.LessOrEqual(t, ev.Time, h2)
	}
	assert.Equal(t, all, append(first, second...))
	assert.Equal(t, len(all), split.Returned())
}

func TestModel_PeekMatchesNextEvent(t *testing.T) {
	m := newModel(t, 5, line("a", 1/3600.0))
	next := m.Peek()
	events := m.Events(next)
	require.Len(t, events, 1)
	assert.Equal(t, next, events[0].Time)
	assert.Greater(t, m.Peek(), next)

	// Repeating the same horizon returns nothing new.
	assert.Empty(t, m.Events(next))
}

func TestModel_SameSeed_IdenticalSequence(t *testing.T) {
	procs := []FailureProcess{line("a", 1/3600.0), line("b", 1/9000.0)}
	r1 := newModel(t, 2024, procs...).Events(20 * day)
	r2 := newModel(t, 2024, procs...).Events(20 * day)
	require.NotEmpty(t, r1)
	assert.Equal(t, r1, r2)
}

func TestModel_DifferentSeeds_DifferentSequence(t *testing.T) {
	r1 := newModel(t, 1, line("a", 1/3600.0)).Events(20 * day)
	r2 := newModel(t, 2, line("a", 1/3600.0)).Events(20 * day)
	require.NotEmpty(t, r1)
	require.NotEmpty(t, r2)
	assert.NotEqual(t, r1[0].Time, r2[0].Time)
}

func TestModel_AddingElementDoesNotPerturbOthers(t *testing.T) {
	alone := newModel(t, 8, line("a", 1/3600.0)).Events(5 * day)
	mixed := newModel(t, 8, line("b", 1/1800.0), line("a", 1/3600.0)).Events(5 * day)

	var onlyA []Event
	for _, ev := range mixed {
		if ev.Element == "a" {
			onlyA = append(onlyA, ev)
		}
	}
	assert.Equal(t, alone, onlyA)
}

// dayLongReference is the recorded schedule of one element failing on
// average every 10 hours with a 3-10 hour repair window, seed 1, over 24 hours.
var dayLongReference = []struct {
	kind Kind
	time float64
}{
	{KindFail, 18048.825155701423},
	{KindRestore, 29508.950640902665},
	{KindFail, 54205.63795105368},
	{KindRestore, 70295.74984247348},
}

func TestModel_DayLongScenario_MatchesReferenceAndReplays(t *testing.T) {
	// GIVEN one element failing on average every 10 hours, repaired in 3-10 hours
	proc := line("650632", 1/36000.0)

	// WHEN the model is run for 24 hours with seed 1
	events := newModel(t, 1, proc).Events(day)

	// THEN it produces the recorded two outages
	require.Len(t, events, len(dayLongReference))
	for i, ev := range events {
		assert.Equal(t, dayLongReference[i].kind, ev.Kind, "event %d", i)
		assert.InDelta(t, dayLongReference[i].time, ev.Time, 1e-6, "event %d", i)
		assert.Equal(t, "650632", ev.Element)
	}

	// AND re-running with the same seed reproduces identical timestamps
	again := newModel(t, 1, proc).Events(day)
	assert.Equal(t, events, again)
}

func TestModel_SimultaneousEvents_RegistrationOrder(t *testing.T) {
	// GIVEN three cursors pending at the same timestamp, registered out of name order
	m := newModel(t, 1)
	for i, id := range []string{"z", "a", "m"} {
		m.index[id] = i
		m.elements = append(m.elements, id)
		m.heap.schedule(&cursor{
			proc:  line(id, 1/3600.0),
			order: i,
			rng:   rand.New(rand.NewSource(int64(i))),
			next:  Event{Element: id, Kind: KindFail, Time: 500, Mode: ModeOpen},
		})
	}

	// WHEN the shared timestamp is drained
	events := m.Events(500)

	// THEN all three come back in registration order
	require.Len(t, events, 3)
	assert.Equal(t, "z", events[0].Element)
	assert.Equal(t, "a", events[1].Element)
	assert.Equal(t, "m", events[2].Element)
}

func TestModel_RejectsDuplicateElement(t *testing.T) {
	_, err := NewModel(sim.NewPartitionedRNG(1), []FailureProcess{line("a", 0), line("a", 1)})
	assert.ErrorIs(t, err, ErrDuplicateElement)
}

func TestModel_RejectsNilRNG(t *testing.T) {
	_, err := NewModel(nil, nil)
	assert.Error(t, err)
}

func TestFailureProcess_Validate(t *testing.T) {
	tests := []struct {
		name string
		proc FailureProcess
		ok   bool
	}{
		{"valid", line("a", 1e-4), true},
		{"zero rate zero window", FailureProcess{Element: "a"}, true},
		{"empty id", FailureProcess{FailureRate: 1, MaxRepair: 1}, false},
		{"negative rate", FailureProcess{Element: "a", FailureRate: -1, MaxRepair: 1}, false},
		{"nan rate", FailureProcess{Element: "a", FailureRate: math.NaN(), MaxRepair: 1}, false},
		{"min above max", FailureProcess{Element: "a", FailureRate: 1, MinRepair: 5, MaxRepair: 1}, false},
		{"negative min", FailureProcess{Element: "a", FailureRate: 1, MinRepair: -1, MaxRepair: 1}, false},
		{"zero window with rate", FailureProcess{Element: "a", FailureRate: 1}, false},
		{"bad restore mode", FailureProcess{Element: "a", FailureRate: 1, MaxRepair: 1, RestoreMode: "sideways"}, false},
		{"current restore mode", FailureProcess{Element: "a", FailureRate: 1, MaxRepair: 1, RestoreMode: ModeCurrent}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.proc.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidProcess)
			}
		})
	}
}

func TestModel_RestoreModeAndTerminalCarried(t *testing.T) {
	p := line("a", 1/3600.0)
	p.RestoreMode = ModeCurrent
	p.Terminal = 2
	events := newModel(t, 4, p).Events(10 * day)
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, ModeCurrent, events[1].Mode)
	assert.Equal(t, 2, events[0].Terminal())
	assert.Equal(t, 2, events[1].Terminal())
}

func TestCursor_DrawAfter_NeverGoesBackwards(t *testing.T) {
	// GIVEN a delay source that never advances time
	c := &cursor{}

	// WHEN a draw is taken after t=100
	got, ok := c.drawAfter(100, func() float64 { return 0 })

	// THEN the result is the next representable time after 100
	require.True(t, ok)
	assert.Greater(t, got, 100.0)
	assert.Equal(t, math.Nextafter(100, math.Inf(1)), got)
}

func TestCursor_DrawAfter_InfiniteEndsProcess(t *testing.T) {
	c := &cursor{}
	_, ok := c.drawAfter(0, func() float64 { return math.Inf(1) })
	assert.False(t, ok)
}
