package federate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/kandersolar/quest-ssim/sim/cosim"
	"github.com/kandersolar/quest-ssim/sim/ems"
	"github.com/kandersolar/quest-ssim/sim/engine"
	"github.com/kandersolar/quest-ssim/sim/grid"
	"github.com/kandersolar/quest-ssim/sim/internal/testutil"
	"github.com/kandersolar/quest-ssim/sim/reliability"
	"github.com/kandersolar/quest-ssim/sim/trace"
)

// referenceEMS builds an EMS over the reference feeder managing a
// 250 kW / 1000 kWh battery at 675 and a PV system at 680.
func referenceEMS(t *testing.T) (*ems.EMS, *grid.Manager) {
	t.Helper()
	path := testutil.TestdataPath(t, "circuit.yaml")
	c, err := engine.LoadCircuitFile(path)
	require.NoError(t, err)
	net, err := ems.NetworkFromCircuit(c)
	require.NoError(t, err)
	ctrl, err := ems.New(net, ems.DefaultMinSOC)
	require.NoError(t, err)
	require.NoError(t, ctrl.AddStorage(ems.Device{Name: "bat", Bus: "675", KWRated: 250, SOC: 0.5}))
	require.NoError(t, ctrl.AddPV("pv1", "680"))

	m, err := grid.NewManager(engine.New(), grid.Config{Circuit: path})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	require.NoError(t, m.AddStorage(grid.StorageSpec{Name: "bat", Bus: "675", Phases: 3, KWRated: 250, KWhRated: 1000, SOC: 0.5}))
	require.NoError(t, m.AddPVSystem(grid.PVSpec{Name: "pv1", Bus: "680", Phases: 3, Pmpp: 500, KVA: 550, Irradiance: 0.8}))
	return ctrl, m
}

func TestEMSFederate_SplitFederation_DischargesToMinimumThenIdles(t *testing.T) {
	// GIVEN a split federation where the EMS observes reliability events
	// and the grid's device status
	const horizon = 7200.0
	ctrl, m := referenceEMS(t)
	tr := trace.NewSimulationTrace(trace.TraceConfig{Level: trace.TraceLevelEvents})
	b := cosim.NewBroker()
	rel, err := NewReliability(join(t, b, "reliability", EndpointEvents),
		&scriptedSource{events: []reliability.Event{fail("684652", 1000)}},
		ReliabilityConfig{
			Horizon:     horizon,
			Destination: cosim.Destination("grid", EndpointReliability),
			Observers:   []string{cosim.Destination("ems", EndpointReliability)},
			Trace:       tr,
		})
	require.NoError(t, err)
	g, err := NewGrid(join(t, b, "grid", EndpointReliability, EndpointStorage, EndpointStatus), m, GridConfig{
		Horizon: horizon,
		Status:  cosim.Destination("ems", EndpointStatus),
		Trace:   tr,
	})
	require.NoError(t, err)
	e, err := NewEMS(join(t, b, "ems", EndpointReliability, EndpointStatus, EndpointSetPoints), ctrl, EMSConfig{
		Horizon:     horizon,
		Destination: cosim.Destination("grid", EndpointStorage),
		Trace:       tr,
	})
	require.NoError(t, err)

	// WHEN the federation runs
	eg, ctx := errgroup.WithContext(context.Background())
	eg.Go(func() error { return rel.Run(ctx) })
	eg.Go(func() error { return g.Run(ctx) })
	eg.Go(func() error { return e.Run(ctx) })
	require.NoError(t, eg.Wait())

	// THEN the EMS tracked the failure
	assert.Equal(t, 1, e.Applied())
	closed, err := ctrl.Network().Closed("684652")
	require.NoError(t, err)
	assert.False(t, closed)

	// THEN it discharged at rating against the feeder deficit and went idle
	// once the measured charge fell to the minimum
	assert.Equal(t, 2, e.Published())
	state, err := m.Storage("bat")
	require.NoError(t, err)
	assert.Zero(t, state.RequestedKW)
	assert.Less(t, state.SOC, ems.DefaultMinSOC)
	assert.Greater(t, state.SOC, 0.15)
	soc, _ := ctrl.SOC("bat")
	assert.InDelta(t, state.SOC, soc, 1e-9)
	assert.Equal(t, StateComplete, e.State())

	// THEN the event was still applied once by the grid
	summary := trace.Summarize(tr)
	assert.Equal(t, 1, summary.EventsApplied)
	assert.Equal(t, 1, summary.EventsPublished)
}

func TestEMSFederate_CombinedFederation_ReceivesStatusFromReliability(t *testing.T) {
	// GIVEN a combined federation whose circuit owner reports to the EMS
	const horizon = 3600.0
	ctrl, m := referenceEMS(t)
	b := cosim.NewBroker()
	rel, err := NewReliability(join(t, b, "grid", EndpointStorage, EndpointEvents, EndpointStatus),
		&scriptedSource{events: []reliability.Event{fail("671692", 600)}},
		ReliabilityConfig{
			Horizon:   horizon,
			Circuit:   m,
			Observers: []string{cosim.Destination("ems", EndpointReliability)},
			Status:    cosim.Destination("ems", EndpointStatus),
		})
	require.NoError(t, err)
	e, err := NewEMS(join(t, b, "ems", EndpointReliability, EndpointStatus, EndpointSetPoints), ctrl, EMSConfig{
		Horizon:     horizon,
		Destination: cosim.Destination("grid", EndpointStorage),
	})
	require.NoError(t, err)

	// WHEN the federation runs
	eg, ctx := errgroup.WithContext(context.Background())
	eg.Go(func() error { return rel.Run(ctx) })
	eg.Go(func() error { return e.Run(ctx) })
	require.NoError(t, eg.Wait())

	// THEN the switch failure reached the EMS and islanded the battery
	closed, err := ctrl.Network().Closed("671692")
	require.NoError(t, err)
	assert.False(t, closed)
	components := ctrl.Network().Components()
	require.Len(t, components, 2)
	assert.Equal(t, []string{"692", "675"}, components[1])

	// THEN the battery received the discharge set-point
	state, err := m.Storage("bat")
	require.NoError(t, err)
	assert.Equal(t, 250.0, state.RequestedKW)
	assert.Equal(t, 1, e.Published())
}

func TestNewEMS_Validation(t *testing.T) {
	ctrl, err := ems.New(ems.NewNetwork(), ems.DefaultMinSOC)
	require.NoError(t, err)
	b := cosim.NewBroker()

	_, err = NewEMS(join(t, b, "a", EndpointSetPoints), nil, EMSConfig{Horizon: 10, Destination: "grid/storage"})
	assert.ErrorIs(t, err, ErrConfig)
	_, err = NewEMS(join(t, b, "b", EndpointSetPoints), ctrl, EMSConfig{Horizon: 10})
	assert.ErrorIs(t, err, ErrConfig)
	_, err = NewEMS(join(t, b, "c", EndpointSetPoints), ctrl, EMSConfig{Horizon: 10, Destination: "grid/storage", Interval: -1})
	assert.ErrorIs(t, err, ErrConfig)
	_, err = NewEMS(join(t, b, "d", EndpointSetPoints), ctrl, EMSConfig{Destination: "grid/storage"})
	assert.ErrorIs(t, err, ErrConfig)
}

func TestNewReliability_StatusNeedsCircuit(t *testing.T) {
	_, err := NewReliability(join(t, cosim.NewBroker(), "reliability", EndpointEvents), &scriptedSource{},
		ReliabilityConfig{Horizon: 10, Destination: "grid/reliability", Status: "ems/status"})

	assert.ErrorIs(t, err, ErrConfig)
}
