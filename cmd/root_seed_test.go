package cmd

import (
	"bytes"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newScenarioCommand returns a command carrying the scenario flags.
func newScenarioCommand(t *testing.T, flags map[string]string) *cobra.Command {
	t.Helper()
	c := &cobra.Command{Use: "test"}
	addScenarioFlags(c)
	c.Flags().String("trace", "", "")
	c.Flags().String("federation", "", "")
	c.Flags().String("journal", "", "")
	for name, value := range flags {
		require.NoError(t, c.Flags().Set(name, value))
	}
	return c
}

func TestLoadScenario_UnsetFlagsKeepScenarioValues(t *testing.T) {
	c := newScenarioCommand(t, map[string]string{"config": testdataPath("scenario.yaml")})

	s, err := loadScenario(settings(c))

	require.NoError(t, err)
	assert.Equal(t, int64(42), s.Seed)
	assert.Equal(t, 24.0, s.HorizonHours)
	assert.Equal(t, FederationCombined, s.Federation)
}

func TestLoadScenario_FlagsOverrideScenario(t *testing.T) {
	// GIVEN a scenario with seed 42 and explicit CLI overrides
	c := newScenarioCommand(t, map[string]string{
		"config":     testdataPath("scenario.yaml"),
		"seed":       "100",
		"hours":      "2.5",
		"federation": "split",
		"trace":      "full",
	})

	// WHEN the scenario is loaded
	s, err := loadScenario(settings(c))

	// THEN the flags win
	require.NoError(t, err)
	assert.Equal(t, int64(100), s.Seed)
	assert.Equal(t, 2.5, s.HorizonHours)
	assert.Equal(t, FederationSplit, s.Federation)
	assert.Equal(t, "full", s.Trace)
}

func TestLoadScenario_EnvironmentOverridesScenario(t *testing.T) {
	// GIVEN SSIM_* variables and no flags
	t.Setenv("SSIM_CONFIG", testdataPath("scenario.yaml"))
	t.Setenv("SSIM_SEED", "7")
	t.Setenv("SSIM_HOURS", "3")
	c := newScenarioCommand(t, nil)

	// WHEN the scenario is loaded
	s, err := loadScenario(settings(c))

	// THEN the environment wins over the file
	require.NoError(t, err)
	assert.Equal(t, int64(7), s.Seed)
	assert.Equal(t, 3.0, s.HorizonHours)
}

func TestLoadScenario_InvalidOverrideRejected(t *testing.T) {
	c := newScenarioCommand(t, map[string]string{
		"config":     testdataPath("scenario.yaml"),
		"federation": "mesh",
	})

	_, err := loadScenario(settings(c))

	assert.ErrorIs(t, err, ErrScenario)
}

func TestLoadScenario_NoConfig(t *testing.T) {
	_, err := loadScenario(settings(newScenarioCommand(t, nil)))
	assert.ErrorIs(t, err, ErrScenario)
}

// TestSeedOverride_DifferentSeeds_DifferentSchedules verifies that a CLI
// seed replaces the scenario seed and changes the event schedule, while the
// same seed reproduces it.
func TestSeedOverride_DifferentSeeds_DifferentSchedules(t *testing.T) {
	schedule := func(seed string) string {
		c := newScenarioCommand(t, map[string]string{"config": testdataPath("scenario.yaml"), "seed": seed})
		s, err := loadScenario(settings(c))
		require.NoError(t, err)
		var buf bytes.Buffer
		require.NoError(t, printSchedule(&buf, s))
		return buf.String()
	}

	assert.NotEqual(t, schedule("100"), schedule("200"))
	assert.Equal(t, schedule("100"), schedule("100"))
}
