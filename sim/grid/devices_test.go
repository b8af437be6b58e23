package grid_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandersolar/quest-ssim/sim/grid"
)

func battery() grid.StorageSpec {
	return grid.StorageSpec{Name: "s1", Bus: "675", Phases: 3, KWRated: 250, KWhRated: 1000, SOC: 0.5}
}

func TestAddStorage_IssuesCreateCommand(t *testing.T) {
	m, solver := newManager(t)

	require.NoError(t, m.AddStorage(battery()))

	assert.Equal(t,
		"new storage.s1 bus1=675 phases=3 kwrated=250 kwhrated=1000 %stored=50 dispmode=external state=idling",
		solver.Commands[0])
	assert.Equal(t, []string{"s1"}, m.StorageNames())
	assert.ErrorIs(t, m.AddStorage(battery()), grid.ErrDuplicate)
}

func TestAddStorage_Invalid(t *testing.T) {
	m, solver := newManager(t)
	bad := battery()
	bad.SOC = 1.5
	assert.ErrorIs(t, m.AddStorage(bad), grid.ErrInvalidDevice)
	bad = battery()
	bad.KWhRated = 0
	assert.ErrorIs(t, m.AddStorage(bad), grid.ErrInvalidDevice)
	bad = battery()
	bad.Phases = 4
	assert.ErrorIs(t, m.AddStorage(bad), grid.ErrInvalidDevice)
	assert.Empty(t, solver.Commands)
}

func TestUpdateStorage_ForwardsSetPoints(t *testing.T) {
	m, solver := newManager(t)
	require.NoError(t, m.AddStorage(battery()))

	require.NoError(t, m.UpdateStorage("s1", -100, 5))

	assert.Equal(t, []string{"storage.s1.kw=-100", "storage.s1.kvar=5"}, solver.Commands[1:])
	assert.ErrorIs(t, m.UpdateStorage("nope", 1, 0), grid.ErrUnknownDevice)
}

func TestStorage_ReadsBackActualDispatch(t *testing.T) {
	// GIVEN a device asked for more than the solver delivers
	m, solver := newManager(t)
	require.NoError(t, m.AddStorage(battery()))
	require.NoError(t, m.UpdateStorage("s1", 400, 0))
	solver.Responses["? storage.s1.kw"] = "250"
	solver.Responses["? storage.s1.kvar"] = "0"
	solver.Responses["? storage.s1.%stored"] = "43.75"

	// WHEN its state is read
	st, err := m.Storage("s1")
	require.NoError(t, err)

	// THEN the actual values come from the solver, not the request
	assert.Equal(t, 400.0, st.RequestedKW)
	assert.Equal(t, 250.0, st.KW)
	assert.Equal(t, 0.4375, st.SOC)
}

func TestStorage_ClampsOutOfRangeSOC(t *testing.T) {
	m, solver := newManager(t)
	require.NoError(t, m.AddStorage(battery()))
	solver.Responses["? storage.s1.kw"] = "0"
	solver.Responses["? storage.s1.kvar"] = "0"
	solver.Responses["? storage.s1.%stored"] = "100.0000001"

	st, err := m.Storage("s1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, st.SOC)
}

func TestStorage_UnparseableResponse(t *testing.T) {
	m, solver := newManager(t)
	require.NoError(t, m.AddStorage(battery()))
	solver.Responses["? storage.s1.kw"] = "garbage"

	_, err := m.Storage("s1")
	assert.ErrorIs(t, err, grid.ErrSolve)
}

func TestPVSystem_CreateAndRead(t *testing.T) {
	m, solver := newManager(t)
	spec := grid.PVSpec{Name: "pv1", Bus: "680", Phases: 3, Pmpp: 500, KVA: 550, Irradiance: 0.8}
	require.NoError(t, m.AddPVSystem(spec))
	assert.Equal(t, "new pvsystem.pv1 bus1=680 phases=3 pmpp=500 kva=550 irradiance=0.8", solver.Commands[0])

	solver.Responses["? pvsystem.pv1.kw"] = "400"
	solver.Responses["? pvsystem.pv1.kvar"] = "0"
	pv, err := m.PVSystem("pv1")
	require.NoError(t, err)
	assert.Equal(t, 400.0, pv.KW)

	_, err = m.PVSystem("pv2")
	assert.ErrorIs(t, err, grid.ErrUnknownDevice)
	assert.ErrorIs(t, m.AddPVSystem(grid.PVSpec{Name: "x", Bus: "1", Phases: 1}), grid.ErrInvalidDevice)
}

func TestSnapshot_CollectsState(t *testing.T) {
	m, solver := newManager(t)
	require.NoError(t, m.AddStorage(battery()))
	solver.Responses["? storage.s1.kw"] = "10"
	solver.Responses["? storage.s1.kvar"] = "1"
	solver.Responses["? storage.s1.%stored"] = "50"
	solver.Voltages["675"] = []float64{1.01, 0.99, 1.0}
	solver.P, solver.Q = 1200, 300
	require.NoError(t, m.Solve(900))

	snap, err := m.Snapshot([]string{"675"})
	require.NoError(t, err)

	assert.Equal(t, 900.0, snap.Time)
	assert.Equal(t, 1200.0, snap.P)
	assert.Equal(t, 300.0, snap.Q)
	assert.Equal(t, []float64{1.01, 0.99, 1.0}, snap.Voltages["675"])
	require.Len(t, snap.Storage, 1)
	assert.Equal(t, 10.0, snap.Storage[0].KW)

	_, err = m.Snapshot([]string{"missing"})
	assert.ErrorIs(t, err, grid.ErrSolve)
}
