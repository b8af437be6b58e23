package ems

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandersolar/quest-ssim/sim/engine"
	"github.com/kandersolar/quest-ssim/sim/internal/testutil"
	"github.com/kandersolar/quest-ssim/sim/reliability"
)

// feeder builds source - a - b with a branch a - c, every edge closed.
func feeder(t *testing.T) *Network {
	t.Helper()
	n := NewNetwork()
	for _, b := range []string{"src", "a", "b", "c"} {
		n.AddBus(b)
	}
	require.NoError(t, n.AddEdge("src-a", "src", "a", true))
	require.NoError(t, n.AddEdge("a-b", "a", "b", true))
	require.NoError(t, n.AddEdge("a-c", "a", "c", true))
	require.NoError(t, n.AddLoad("b", 100))
	require.NoError(t, n.AddLoad("c", 50))
	require.NoError(t, n.AddLoad("c", 25))
	return n
}

func TestNetwork_AllClosed_OneComponent(t *testing.T) {
	n := feeder(t)

	components := n.Components()

	require.Len(t, components, 1)
	assert.Equal(t, []string{"src", "a", "b", "c"}, components[0])
	assert.Equal(t, 175.0, n.LoadKW(components[0]))
}

func TestNetwork_FailureSplitsAndRestoreRejoins(t *testing.T) {
	// GIVEN a connected feeder
	n := feeder(t)

	// WHEN the branch to c fails open
	require.NoError(t, n.Apply(reliability.Event{Element: "a-c", Kind: reliability.KindFail, Mode: reliability.ModeOpen}))

	// THEN c is an island of its own
	assert.Equal(t, [][]string{{"src", "a", "b"}, {"c"}}, n.Components())
	closed, err := n.Closed("a-c")
	require.NoError(t, err)
	assert.False(t, closed)

	// WHEN it is restored
	require.NoError(t, n.Apply(reliability.Event{Element: "a-c", Kind: reliability.KindRestore, Mode: reliability.ModeClosed}))

	// THEN the feeder is whole again
	assert.Len(t, n.Components(), 1)
}

func TestNetwork_RestoreCurrentClosesEdge(t *testing.T) {
	n := feeder(t)
	require.NoError(t, n.SetEdge("a-b", false))

	require.NoError(t, n.Apply(reliability.Event{Element: "a-b", Kind: reliability.KindRestore, Mode: reliability.ModeCurrent}))

	assert.Len(t, n.Components(), 1)
}

func TestNetwork_NormallyOpenEdgeStartsSplit(t *testing.T) {
	n := NewNetwork()
	n.AddBus("x")
	n.AddBus("y")
	require.NoError(t, n.AddEdge("tie", "x", "y", false))

	assert.Equal(t, [][]string{{"x"}, {"y"}}, n.Components())
}

func TestNetwork_Validation(t *testing.T) {
	n := feeder(t)

	assert.ErrorIs(t, n.AddEdge("src-a", "src", "a", true), ErrDuplicate)
	assert.ErrorIs(t, n.AddEdge("x", "src", "nowhere", true), ErrUnknownBus)
	assert.ErrorIs(t, n.AddLoad("nowhere", 1), ErrUnknownBus)
	assert.ErrorIs(t, n.SetEdge("nope", true), ErrUnknownElement)
	assert.ErrorIs(t, n.Apply(reliability.Event{Element: "nope", Mode: reliability.ModeOpen}), ErrUnknownElement)
	_, err := n.Closed("nope")
	assert.ErrorIs(t, err, ErrUnknownElement)
}

func TestNetwork_AddBusTwice(t *testing.T) {
	n := NewNetwork()
	n.AddBus("x")
	n.AddBus("x")
	assert.Equal(t, [][]string{{"x"}}, n.Components())
}

func TestNetworkFromCircuit_ReferenceFeeder(t *testing.T) {
	// GIVEN the reference feeder
	c, err := engine.LoadCircuitFile(testutil.TestdataPath(t, "circuit.yaml"))
	require.NoError(t, err)

	// WHEN its network is built
	n, err := NetworkFromCircuit(c)
	require.NoError(t, err)

	// THEN every bus is connected and all load counted
	components := n.Components()
	require.Len(t, components, 1)
	assert.Len(t, components[0], 13)
	assert.Equal(t, 3266.0, n.LoadKW(components[0]))

	// WHEN the switch to 692 opens
	require.NoError(t, n.Apply(reliability.Event{Element: "671692", Kind: reliability.KindFail, Mode: reliability.ModeOpen}))

	// THEN 692 and 675 form an island carrying their own load
	components = n.Components()
	require.Len(t, components, 2)
	assert.Equal(t, []string{"692", "675"}, components[1])
	assert.Equal(t, 1013.0, n.LoadKW(components[1]))
}

func TestNetworkFromCircuit_NormallyOpenSwitch(t *testing.T) {
	c, err := engine.ParseCircuit([]byte(`
name: tie
source_bus: a
buses: [{name: a}, {name: b}]
lines:
  - {name: t, kind: switch, bus1: a, bus2: b, switch_control: {normal: open}}
`))
	require.NoError(t, err)

	n, err := NetworkFromCircuit(c)
	require.NoError(t, err)

	closed, err := n.Closed("t")
	require.NoError(t, err)
	assert.False(t, closed)
}
