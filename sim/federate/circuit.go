package federate

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/kandersolar/quest-ssim/sim/cosim"
	"github.com/kandersolar/quest-ssim/sim/grid"
	"github.com/kandersolar/quest-ssim/sim/record"
	"github.com/kandersolar/quest-ssim/sim/reliability"
	"github.com/kandersolar/quest-ssim/sim/trace"
)

// Circuit is the grid state a federate drives. *grid.Manager implements it.
type Circuit interface {
	NextUpdate() float64
	Solve(t float64) error
	FailElement(id string, terminal int, action grid.SwitchAction) error
	RestoreElement(id string, terminal int, action grid.SwitchAction) error
	UpdateStorage(name string, kw, kvar float64) error
	Snapshot(buses []string) (grid.Snapshot, error)
}

var _ Circuit = (*grid.Manager)(nil)

// rejectable errors leave the circuit unchanged and do not end the run.
var rejectable = []error{
	grid.ErrUnknownElement,
	grid.ErrAlreadyFailed,
	grid.ErrNotFailed,
	grid.ErrInvalidMode,
	grid.ErrInvalidTerminal,
}

func isRejection(err error) bool {
	for _, target := range rejectable {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// circuitSide is the part of a federate that owns a circuit.
type circuitSide struct {
	federate string
	circuit  Circuit
	buses    []string
	trace    *trace.SimulationTrace
	recorder record.Recorder

	// fed publishes a Status to status after every solve before horizon.
	// An empty status disables publishing.
	fed     cosim.Federate
	status  string
	horizon float64
}

// eventRecord starts the record for an event handled by federate.
func eventRecord(federate string, ev reliability.Event) trace.EventRecord {
	return trace.EventRecord{
		Federate: federate,
		Element:  ev.Element,
		Kind:     string(ev.Kind),
		Mode:     string(ev.Mode),
		Time:     ev.Time,
	}
}

// apply issues the circuit operation for one event. A rejected event is
// logged and noted in rec; only fatal errors are returned.
func (c *circuitSide) apply(ev reliability.Event, rec *trace.EventRecord) error {
	err := c.transition(ev)
	switch {
	case err == nil:
		rec.Applied = true
		return nil
	case isRejection(err):
		rec.Reason = err.Error()
		logrus.WithFields(logrus.Fields{
			"federate": c.federate,
			"element":  ev.Element,
			"time":     ev.Time,
		}).Warnf("federate: %s event rejected: %v", ev.Kind, err)
		return nil
	default:
		return fmt.Errorf("federate %s: applying %s: %w", c.federate, ev, err)
	}
}

func (c *circuitSide) transition(ev reliability.Event) error {
	action, err := grid.ParseSwitchAction(string(ev.Mode))
	if err != nil {
		return err
	}
	switch ev.Kind {
	case reliability.KindFail:
		return c.circuit.FailElement(ev.Element, ev.Terminal(), action)
	case reliability.KindRestore:
		return c.circuit.RestoreElement(ev.Element, ev.Terminal(), action)
	}
	return fmt.Errorf("%w: unknown event kind %q", grid.ErrInvalidMode, ev.Kind)
}

// applySetPoints forwards delivered storage set-points in delivery order.
// It reports whether any device changed.
func (c *circuitSide) applySetPoints(msgs []cosim.Message) (bool, error) {
	changed := false
	for _, msg := range msgs {
		sp, err := DecodeSetPoint(msg.Payload)
		if err != nil {
			logrus.Warnf("federate: %s dropping message from %s: %v", c.federate, msg.Source, err)
			continue
		}
		err = c.circuit.UpdateStorage(sp.Device, sp.KW, sp.KVar)
		switch {
		case errors.Is(err, grid.ErrUnknownDevice):
			logrus.Warnf("federate: %s ignoring set-point for %s: %v", c.federate, sp.Device, err)
		case err != nil:
			return changed, fmt.Errorf("federate %s: storage set-point: %w", c.federate, err)
		default:
			changed = true
		}
	}
	return changed, nil
}

// solve advances the circuit to t with the devices as they were, then lets
// update change the circuit and solves again at t if it reports a change.
// The snapshot after the last solve is recorded.
func (c *circuitSide) solve(ctx context.Context, t float64, update func() (bool, error)) error {
	if err := c.circuit.Solve(t); err != nil {
		return fmt.Errorf("federate %s: %w", c.federate, err)
	}
	changed, err := update()
	if err != nil {
		return err
	}
	if changed {
		if err := c.circuit.Solve(t); err != nil {
			return fmt.Errorf("federate %s: %w", c.federate, err)
		}
	}
	snap, err := c.circuit.Snapshot(c.buses)
	if err != nil {
		return fmt.Errorf("federate %s: %w", c.federate, err)
	}
	if err := c.recorder.RecordSnapshot(ctx, snap); err != nil {
		logrus.Warnf("federate: %s recording snapshot at %v: %v", c.federate, t, err)
	}
	return c.publishStatus(snap)
}

// publishStatus sends the measured device state. Nothing is sent at the
// horizon since no federate acts on it any more.
func (c *circuitSide) publishStatus(snap grid.Snapshot) error {
	if c.status == "" || snap.Time >= c.horizon {
		return nil
	}
	payload, err := EncodeStatus(StatusFromSnapshot(snap))
	if err != nil {
		return fmt.Errorf("federate %s: encoding status: %w", c.federate, err)
	}
	if err := c.fed.Publish(EndpointStatus, c.status, payload); err != nil {
		return fmt.Errorf("federate %s: %w", c.federate, err)
	}
	return nil
}

// recordEvent stores a handled event in the trace and the recorder.
func recordEvent(ctx context.Context, tr *trace.SimulationTrace, rec record.Recorder, ev trace.EventRecord) {
	tr.RecordEvent(ev)
	if err := rec.RecordEvent(ctx, ev); err != nil {
		logrus.Warnf("federate: recording %s %s: %v", ev.Element, ev.Kind, err)
	}
}

// requestTime asks the bus for desired and traces the grant.
func requestTime(ctx context.Context, fed cosim.Federate, tr *trace.SimulationTrace, desired float64) (float64, error) {
	granted, err := fed.RequestTime(ctx, desired)
	if err != nil {
		return 0, err
	}
	if granted < desired {
		logrus.Debugf("federate: %s preempted at %v (requested %v)", fed.Name(), granted, desired)
	}
	tr.RecordGrant(trace.GrantRecord{Federate: fed.Name(), Requested: desired, Granted: granted})
	return granted, nil
}
