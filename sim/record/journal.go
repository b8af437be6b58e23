package record

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/kandersolar/quest-ssim/sim/grid"
	"github.com/kandersolar/quest-ssim/sim/trace"
)

// ErrNoRun is returned when results are recorded before StartRun.
var ErrNoRun = errors.New("record: journal has no active run")

const journalSchema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id     TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	seed       INTEGER NOT NULL,
	horizon    REAL NOT NULL,
	started_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS reliability_events (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id    TEXT NOT NULL REFERENCES runs(run_id),
	federate  TEXT NOT NULL,
	element   TEXT NOT NULL,
	kind      TEXT NOT NULL,
	mode      TEXT NOT NULL,
	sim_time  REAL NOT NULL,
	applied   INTEGER NOT NULL,
	published INTEGER NOT NULL,
	reason    TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_events_run ON reliability_events(run_id, id);

CREATE TABLE IF NOT EXISTS solutions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL REFERENCES runs(run_id),
	sim_time    REAL NOT NULL,
	p_kw        REAL NOT NULL,
	q_kvar      REAL NOT NULL,
	min_voltage REAL
);
`

// RunInfo is one row of the runs table.
type RunInfo struct {
	ID        string
	Name      string
	Seed      int64
	Horizon   float64
	StartedAt time.Time
}

// Journal records runs into a SQLite database.
type Journal struct {
	db *sql.DB

	mu    sync.Mutex
	runID string
}

// OpenJournal opens (or creates) the journal database at path and applies
// the schema. Use ":memory:" for a throwaway journal.
func OpenJournal(ctx context.Context, path string) (*Journal, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("record: opening journal %s: %w", path, err)
	}
	// A single connection serialises writers and keeps ":memory:" on one database.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("record: applying journal schema: %w", err)
	}
	logrus.Debugf("record: journal open at %s", path)
	return &Journal{db: db}, nil
}

// StartRun inserts the run row. Later records are attributed to it.
func (j *Journal) StartRun(ctx context.Context, run RunInfo) error {
	if run.ID == "" {
		run.ID = NewRunID()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, name, seed, horizon, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Name, run.Seed, run.Horizon, run.StartedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("record: inserting run %s: %w", run.ID, err)
	}
	j.mu.Lock()
	j.runID = run.ID
	j.mu.Unlock()
	return nil
}

// RunID returns the active run, or "" before StartRun.
func (j *Journal) RunID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runID
}

func (j *Journal) activeRun() (string, error) {
	id := j.RunID()
	if id == "" {
		return "", ErrNoRun
	}
	return id, nil
}

// RecordEvent appends one reliability event to the active run.
func (j *Journal) RecordEvent(ctx context.Context, ev trace.EventRecord) error {
	runID, err := j.activeRun()
	if err != nil {
		return err
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO reliability_events
			(run_id, federate, element, kind, mode, sim_time, applied, published, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, ev.Federate, ev.Element, ev.Kind, ev.Mode, ev.Time, ev.Applied, ev.Published, ev.Reason)
	if err != nil {
		return fmt.Errorf("record: inserting event for %s: %w", ev.Element, err)
	}
	return nil
}

// RecordSnapshot appends the source power and lowest bus voltage.
func (j *Journal) RecordSnapshot(ctx context.Context, snap grid.Snapshot) error {
	runID, err := j.activeRun()
	if err != nil {
		return err
	}
	var minV sql.NullFloat64
	for _, volts := range snap.Voltages {
		for _, v := range volts {
			if !minV.Valid || v < minV.Float64 {
				minV = sql.NullFloat64{Float64: v, Valid: true}
			}
		}
	}
	if minV.Valid && math.IsNaN(minV.Float64) {
		minV.Valid = false
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO solutions (run_id, sim_time, p_kw, q_kvar, min_voltage) VALUES (?, ?, ?, ?, ?)`,
		runID, snap.Time, snap.P, snap.Q, minV)
	if err != nil {
		return fmt.Errorf("record: inserting solution at %v: %w", snap.Time, err)
	}
	return nil
}

// ListRuns returns every run, oldest first.
func (j *Journal) ListRuns(ctx context.Context) ([]RunInfo, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT run_id, name, seed, horizon, started_at FROM runs ORDER BY started_at, run_id`)
	if err != nil {
		return nil, fmt.Errorf("record: listing runs: %w", err)
	}
	defer rows.Close()

	var runs []RunInfo
	for rows.Next() {
		var r RunInfo
		var started int64
		if err := rows.Scan(&r.ID, &r.Name, &r.Seed, &r.Horizon, &started); err != nil {
			return nil, fmt.Errorf("record: scanning run: %w", err)
		}
		r.StartedAt = time.Unix(0, started)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListEvents returns a run's events in the order they were recorded.
func (j *Journal) ListEvents(ctx context.Context, runID string) ([]trace.EventRecord, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT federate, element, kind, mode, sim_time, applied, published, reason
		 FROM reliability_events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("record: listing events for %s: %w", runID, err)
	}
	defer rows.Close()

	var events []trace.EventRecord
	for rows.Next() {
		var ev trace.EventRecord
		if err := rows.Scan(&ev.Federate, &ev.Element, &ev.Kind, &ev.Mode, &ev.Time,
			&ev.Applied, &ev.Published, &ev.Reason); err != nil {
			return nil, fmt.Errorf("record: scanning event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CountSolutions returns how many snapshots a run recorded.
func (j *Journal) CountSolutions(ctx context.Context, runID string) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM solutions WHERE run_id = ?`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("record: counting solutions for %s: %w", runID, err)
	}
	return n, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
