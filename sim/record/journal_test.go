package record

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandersolar/quest-ssim/sim/grid"
	"github.com/kandersolar/quest-ssim/sim/trace"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournal_RecordBeforeStartRun_ReturnsErrNoRun(t *testing.T) {
	j := openTestJournal(t)

	err := j.RecordEvent(context.Background(), trace.EventRecord{Element: "l1"})
	assert.ErrorIs(t, err, ErrNoRun)
	err = j.RecordSnapshot(context.Background(), grid.Snapshot{})
	assert.ErrorIs(t, err, ErrNoRun)
}

func TestJournal_EventsRoundTripInRecordedOrder(t *testing.T) {
	// GIVEN a journal with one run
	ctx := context.Background()
	j := openTestJournal(t)
	require.NoError(t, j.StartRun(ctx, RunInfo{ID: "run-a", Name: "ieee13", Seed: 42, Horizon: 86400}))

	events := []trace.EventRecord{
		{Federate: "reliability", Element: "line.671692", Kind: "fail", Mode: "open", Time: 120.5, Applied: true, Published: true},
		{Federate: "reliability", Element: "ghost", Kind: "fail", Mode: "open", Time: 130, Reason: "unknown element"},
		{Federate: "reliability", Element: "line.671692", Kind: "restore", Mode: "closed", Time: 4000, Applied: true, Published: true},
	}

	// WHEN they are recorded
	for _, ev := range events {
		require.NoError(t, j.RecordEvent(ctx, ev))
	}

	// THEN they read back unchanged and in order
	got, err := j.ListEvents(ctx, "run-a")
	require.NoError(t, err)
	assert.Equal(t, events, got)
}

func TestJournal_RunsAreIsolated(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)

	require.NoError(t, j.StartRun(ctx, RunInfo{ID: "first", StartedAt: time.Unix(100, 0)}))
	require.NoError(t, j.RecordEvent(ctx, trace.EventRecord{Element: "a", Kind: "fail", Mode: "open"}))
	require.NoError(t, j.StartRun(ctx, RunInfo{ID: "second", StartedAt: time.Unix(200, 0)}))
	require.NoError(t, j.RecordEvent(ctx, trace.EventRecord{Element: "b", Kind: "fail", Mode: "open"}))

	first, err := j.ListEvents(ctx, "first")
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "a", first[0].Element)

	runs, err := j.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "first", runs[0].ID)
	assert.Equal(t, "second", runs[1].ID)
	assert.Equal(t, "second", j.RunID())
}

func TestJournal_StartRun_GeneratesIDWhenEmpty(t *testing.T) {
	j := openTestJournal(t)

	require.NoError(t, j.StartRun(context.Background(), RunInfo{Name: "anon"}))

	assert.Len(t, j.RunID(), 36)
}

func TestJournal_StartRun_DuplicateIDFails(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)
	require.NoError(t, j.StartRun(ctx, RunInfo{ID: "dup"}))

	assert.Error(t, j.StartRun(ctx, RunInfo{ID: "dup"}))
}

func TestJournal_RecordSnapshot_CountsSolutions(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)
	require.NoError(t, j.StartRun(ctx, RunInfo{ID: "r"}))

	require.NoError(t, j.RecordSnapshot(ctx, grid.Snapshot{Time: 900, P: 3266, Q: 1986,
		Voltages: map[string][]float64{"650": {1, 1, 1}, "692": {0, 0, 0}}}))
	require.NoError(t, j.RecordSnapshot(ctx, grid.Snapshot{Time: 1800, P: 3000}))

	n, err := j.CountSolutions(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var minV float64
	require.NoError(t, j.db.QueryRowContext(ctx,
		`SELECT min_voltage FROM solutions WHERE sim_time = 900`).Scan(&minV))
	assert.Equal(t, 0.0, minV)
}

func TestOpenJournal_PersistsAcrossReopen(t *testing.T) {
	// GIVEN a journal file with one recorded run
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := OpenJournal(ctx, path)
	require.NoError(t, err)
	require.NoError(t, j.StartRun(ctx, RunInfo{ID: "kept", Seed: 7}))
	require.NoError(t, j.RecordEvent(ctx, trace.EventRecord{Element: "l1", Kind: "fail", Mode: "open", Applied: true}))
	require.NoError(t, j.Close())

	// WHEN it is reopened
	j, err = OpenJournal(ctx, path)
	require.NoError(t, err)
	defer j.Close()

	// THEN the run and its events are still there
	runs, err := j.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, int64(7), runs[0].Seed)
	events, err := j.ListEvents(ctx, "kept")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Applied)
}
