package federate

import (
	"context"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/kandersolar/quest-ssim/sim/cosim"
	"github.com/kandersolar/quest-ssim/sim/record"
	"github.com/kandersolar/quest-ssim/sim/reliability"
	"github.com/kandersolar/quest-ssim/sim/trace"
)

// GridConfig configures a Grid federate.
type GridConfig struct {
	Horizon float64 // seconds
	Buses   []string
	// Status receives the device state after every solve. Empty disables it.
	Status   string
	Trace    *trace.SimulationTrace
	Recorder record.Recorder
}

// Grid owns the circuit in a split federation. Events arrive on
// EndpointReliability and set-points on EndpointStorage.
//
// Thread-safety: NOT thread-safe. Run drives it from one goroutine.
type Grid struct {
	fed  cosim.Federate
	cfg  GridConfig
	side *circuitSide

	state   State
	granted float64
	applied int
}

// NewGrid binds a circuit to a federate handle.
func NewGrid(fed cosim.Federate, circuit Circuit, cfg GridConfig) (*Grid, error) {
	if fed == nil || circuit == nil {
		return nil, fmt.Errorf("%w: federate and circuit are required", ErrConfig)
	}
	if err := validHorizon(cfg.Horizon); err != nil {
		return nil, err
	}
	if cfg.Recorder == nil {
		cfg.Recorder = record.Discard
	}
	return &Grid{
		fed: fed,
		cfg: cfg,
		side: &circuitSide{
			federate: fed.Name(),
			circuit:  circuit,
			buses:    cfg.Buses,
			trace:    cfg.Trace,
			recorder: cfg.Recorder,
			fed:      fed,
			status:   cfg.Status,
			horizon:  cfg.Horizon,
		},
	}, nil
}

// State returns the lifecycle state.
func (g *Grid) State() State { return g.state }

// Granted returns the last granted time.
func (g *Grid) Granted() float64 { return g.granted }

// Applied returns the number of events applied to the circuit.
func (g *Grid) Applied() int { return g.applied }

// Run advances the circuit until the horizon. Once there it requests the
// horizon one more time so messages other federates publish at the horizon
// are still applied before it finalizes.
func (g *Grid) Run(ctx context.Context) (err error) {
	if g.state != StateInitializing {
		return fmt.Errorf("federate %s: already %s", g.fed.Name(), g.state)
	}
	defer func() {
		if ferr := g.fed.Finalize(); ferr != nil && err == nil {
			err = ferr
		}
	}()

	if err := g.fed.EnterExecutingMode(ctx); err != nil {
		return fmt.Errorf("federate %s: %w", g.fed.Name(), err)
	}
	g.state = StateExecuting
	logrus.Infof("federate: %s executing until t=%v", g.fed.Name(), g.cfg.Horizon)

	for g.granted < g.cfg.Horizon {
		desired := math.Min(g.side.circuit.NextUpdate(), g.cfg.Horizon)
		granted, err := requestTime(ctx, g.fed, g.cfg.Trace, desired)
		if err != nil {
			return fmt.Errorf("federate %s: %w", g.fed.Name(), err)
		}
		g.granted = granted
		if err := g.step(ctx, granted, g.receive()); err != nil {
			return err
		}
	}

	granted, err := requestTime(ctx, g.fed, g.cfg.Trace, g.cfg.Horizon)
	if err != nil {
		return fmt.Errorf("federate %s: %w", g.fed.Name(), err)
	}
	if late := g.receive(); !late.empty() {
		if err := g.step(ctx, granted, late); err != nil {
			return err
		}
	}

	g.state = StateComplete
	logrus.Infof("federate: %s complete at t=%v after %d events", g.fed.Name(), g.granted, g.applied)
	return nil
}

type delivery struct {
	events    []cosim.Message
	setPoints []cosim.Message
}

func (d delivery) empty() bool { return len(d.events) == 0 && len(d.setPoints) == 0 }

func (g *Grid) receive() delivery {
	return delivery{
		events:    g.fed.Receive(EndpointReliability),
		setPoints: g.fed.Receive(EndpointStorage),
	}
}

// step applies delivered events then set-points in delivery order and
// solves at t.
func (g *Grid) step(ctx context.Context, t float64, d delivery) error {
	var records []trace.EventRecord
	err := g.side.solve(ctx, t, func() (bool, error) {
		changed := false
		for _, msg := range d.events {
			ev, err := reliability.DecodeEvent(msg.Payload)
			if err != nil {
				logrus.Warnf("federate: %s dropping message from %s: %v", g.fed.Name(), msg.Source, err)
				continue
			}
			rec := eventRecord(g.fed.Name(), ev)
			if err := g.side.apply(ev, &rec); err != nil {
				return changed, err
			}
			if rec.Applied {
				g.applied++
				changed = true
			}
			records = append(records, rec)
		}
		updated, err := g.side.applySetPoints(d.setPoints)
		return changed || updated, err
	})
	for _, rec := range records {
		recordEvent(ctx, g.cfg.Trace, g.cfg.Recorder, rec)
	}
	return err
}
