package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandersolar/quest-ssim/sim/grid"
	"github.com/kandersolar/quest-ssim/sim/internal/testutil"
)

func TestManager_DrivesEngine(t *testing.T) {
	// GIVEN a manager over the reference engine and the test feeder
	m, err := grid.NewManager(New(), grid.Config{Circuit: testutil.TestdataPath(t, "circuit.yaml")})
	require.NoError(t, err)
	defer m.Close()
	require.Len(t, m.Elements(), 12)
	require.NoError(t, m.AddStorage(grid.StorageSpec{Name: "s1", Bus: "675", Phases: 3, KWRated: 100, KWhRated: 400, SOC: 0.5}))
	require.NoError(t, m.Solve(0))

	// WHEN the feeder head fails open and two hours pass with the battery discharging
	require.NoError(t, m.FailElement("650632", 1, grid.SwitchOpen))
	require.NoError(t, m.UpdateStorage("s1", 100, 0))
	require.NoError(t, m.Solve(7200))

	// THEN nothing is served and the battery kept its charge
	p, _, err := m.TotalPower()
	require.NoError(t, err)
	assert.Equal(t, 0.0, p)
	st, err := m.Storage("s1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, st.KW)
	assert.Equal(t, 0.5, st.SOC)

	// WHEN the line is restored closed and another hour passes
	require.NoError(t, m.RestoreElement("650632", 1, grid.SwitchClosed))
	require.NoError(t, m.Solve(10800))

	// THEN service resumes and the battery discharged for that hour
	snap, err := m.Snapshot([]string{"675"})
	require.NoError(t, err)
	assert.InDelta(t, feederKW-100, snap.P, 1e-9)
	assert.Equal(t, []float64{1, 1, 1}, snap.Voltages["675"])
	testutil.AssertFloat64Equal(t, "soc", 0.25, snap.Storage[0].SOC, 1e-12)
}
