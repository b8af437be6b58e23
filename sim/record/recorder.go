// Package record persists run results: grid snapshots after each solve and
// every consumed reliability event. Implementations write to InfluxDB for
// dashboards and to a SQLite journal for offline inspection.
package record

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/kandersolar/quest-ssim/sim/grid"
	"github.com/kandersolar/quest-ssim/sim/trace"
)

// Recorder receives run results. Implementations must be safe for
// concurrent use; federates record from their own goroutines.
type Recorder interface {
	RecordSnapshot(ctx context.Context, snap grid.Snapshot) error
	RecordEvent(ctx context.Context, ev trace.EventRecord) error
	Close() error
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Multi fans results out to every recorder and joins their errors.
func Multi(recorders ...Recorder) Recorder {
	return multi(recorders)
}

type multi []Recorder

func (m multi) RecordSnapshot(ctx context.Context, snap grid.Snapshot) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.RecordSnapshot(ctx, snap))
	}
	return errors.Join(errs...)
}

func (m multi) RecordEvent(ctx context.Context, ev trace.EventRecord) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.RecordEvent(ctx, ev))
	}
	return errors.Join(errs...)
}

func (m multi) Close() error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.Close())
	}
	return errors.Join(errs...)
}

// Discard is a Recorder that drops everything.
var Discard Recorder = multi(nil)
