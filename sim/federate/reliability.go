package federate

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/kandersolar/quest-ssim/sim/cosim"
	"github.com/kandersolar/quest-ssim/sim/record"
	"github.com/kandersolar/quest-ssim/sim/reliability"
	"github.com/kandersolar/quest-ssim/sim/trace"
)

// ErrConfig is returned for invalid federate construction parameters.
var ErrConfig = errors.New("federate: invalid configuration")

// EventSource yields reliability events in time order.
// *reliability.Model implements it.
type EventSource interface {
	Events(horizon float64) []reliability.Event
	Peek() float64
}

var _ EventSource = (*reliability.Model)(nil)

// ReliabilityConfig configures a Reliability federate.
type ReliabilityConfig struct {
	Horizon float64 // seconds

	// Destination receives one message per event ("<federate>/<endpoint>").
	// Empty disables publishing.
	Destination string
	// Observers receive a copy of every event, e.g. an energy management
	// system tracking topology.
	Observers []string

	// Circuit, when set, has every event applied to it and is solved at
	// every granted time (combined federation).
	Circuit Circuit
	Buses   []string
	// Status receives the device state after every solve of Circuit.
	Status string

	Trace    *trace.SimulationTrace
	Recorder record.Recorder
}

func validHorizon(h float64) error {
	if !(h > 0) || math.IsInf(h, 0) {
		return fmt.Errorf("%w: horizon %v must be a positive finite value", ErrConfig, h)
	}
	return nil
}

// Reliability is the federate that turns reliability events into circuit
// changes and bus messages.
//
// Thread-safety: NOT thread-safe. Run drives it from one goroutine.
type Reliability struct {
	fed    cosim.Federate
	source EventSource
	cfg    ReliabilityConfig
	side   *circuitSide

	state   State
	granted float64
	handled int
}

// NewReliability validates the configuration and binds the federate handle.
func NewReliability(fed cosim.Federate, source EventSource, cfg ReliabilityConfig) (*Reliability, error) {
	if fed == nil || source == nil {
		return nil, fmt.Errorf("%w: federate and event source are required", ErrConfig)
	}
	if err := validHorizon(cfg.Horizon); err != nil {
		return nil, err
	}
	if cfg.Circuit == nil && cfg.Destination == "" {
		return nil, fmt.Errorf("%w: %s has neither a circuit nor a destination", ErrConfig, fed.Name())
	}
	if cfg.Circuit == nil && cfg.Status != "" {
		return nil, fmt.Errorf("%w: %s has a status destination but no circuit", ErrConfig, fed.Name())
	}
	if cfg.Recorder == nil {
		cfg.Recorder = record.Discard
	}
	r := &Reliability{fed: fed, source: source, cfg: cfg}
	if cfg.Circuit != nil {
		r.side = &circuitSide{
			federate: fed.Name(),
			circuit:  cfg.Circuit,
			buses:    cfg.Buses,
			trace:    cfg.Trace,
			recorder: cfg.Recorder,
			fed:      fed,
			status:   cfg.Status,
			horizon:  cfg.Horizon,
		}
	}
	return r, nil
}

// State returns the lifecycle state.
func (r *Reliability) State() State { return r.state }

// Granted returns the last granted time.
func (r *Reliability) Granted() float64 { return r.granted }

// Handled returns the number of events consumed so far.
func (r *Reliability) Handled() int { return r.handled }

// nextTime is the earliest of the circuit's next mandatory solve, the next
// reliability event and the horizon.
func (r *Reliability) nextTime() float64 {
	t := math.Min(r.source.Peek(), r.cfg.Horizon)
	if r.side != nil {
		t = math.Min(t, r.side.circuit.NextUpdate())
	}
	return t
}

// Run enters executing mode and advances until the granted time reaches
// the horizon. The federate is finalized on return, including on error.
func (r *Reliability) Run(ctx context.Context) (err error) {
	if r.state != StateInitializing {
		return fmt.Errorf("federate %s: already %s", r.fed.Name(), r.state)
	}
	defer func() {
		if ferr := r.fed.Finalize(); ferr != nil && err == nil {
			err = ferr
		}
	}()

	if err := r.fed.EnterExecutingMode(ctx); err != nil {
		return fmt.Errorf("federate %s: %w", r.fed.Name(), err)
	}
	r.state = StateExecuting
	logrus.Infof("federate: %s executing until t=%v", r.fed.Name(), r.cfg.Horizon)

	for r.granted < r.cfg.Horizon {
		granted, err := requestTime(ctx, r.fed, r.cfg.Trace, r.nextTime())
		if err != nil {
			return fmt.Errorf("federate %s: %w", r.fed.Name(), err)
		}
		r.granted = granted
		if err := r.step(ctx, granted); err != nil {
			return err
		}
	}

	r.state = StateComplete
	logrus.Infof("federate: %s complete at t=%v after %d events", r.fed.Name(), r.granted, r.handled)
	return nil
}

// step handles every event due at or before t, in model order.
func (r *Reliability) step(ctx context.Context, t float64) error {
	events := r.source.Events(t)
	r.handled += len(events)
	records := make([]trace.EventRecord, len(events))
	for i, ev := range events {
		records[i] = eventRecord(r.fed.Name(), ev)
	}

	if r.side != nil {
		err := r.side.solve(ctx, t, func() (bool, error) {
			changed := false
			for i, ev := range events {
				if err := r.side.apply(ev, &records[i]); err != nil {
					return changed, err
				}
				changed = changed || records[i].Applied
			}
			updated, err := r.side.applySetPoints(r.fed.Receive(EndpointStorage))
			return changed || updated, err
		})
		if err != nil {
			return err
		}
	}

	for i, ev := range events {
		if err := r.publish(ev, &records[i]); err != nil {
			return err
		}
		recordEvent(ctx, r.cfg.Trace, r.cfg.Recorder, records[i])
	}
	return nil
}

// publish sends one message for ev to the configured destination and to
// every observer.
func (r *Reliability) publish(ev reliability.Event, rec *trace.EventRecord) error {
	if r.cfg.Destination == "" && len(r.cfg.Observers) == 0 {
		return nil
	}
	payload, err := reliability.Encode(ev)
	if err != nil {
		return fmt.Errorf("federate %s: encoding %s: %w", r.fed.Name(), ev, err)
	}
	if r.cfg.Destination != "" {
		if err := r.fed.Publish(EndpointEvents, r.cfg.Destination, payload); err != nil {
			return fmt.Errorf("federate %s: %w", r.fed.Name(), err)
		}
		rec.Published = true
	}
	for _, dest := range r.cfg.Observers {
		if err := r.fed.Publish(EndpointEvents, dest, payload); err != nil {
			return fmt.Errorf("federate %s: %w", r.fed.Name(), err)
		}
	}
	return nil
}
