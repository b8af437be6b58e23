package federate

import (
	"context"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/kandersolar/quest-ssim/sim/cosim"
	"github.com/kandersolar/quest-ssim/sim/ems"
	"github.com/kandersolar/quest-ssim/sim/reliability"
	"github.com/kandersolar/quest-ssim/sim/trace"
)

// DefaultEMSInterval is how often the EMS dispatches without new data.
const DefaultEMSInterval = 300.0

// EMSConfig configures an EMS federate.
type EMSConfig struct {
	Horizon     float64 // seconds
	Interval    float64 // seconds; 0 selects DefaultEMSInterval
	Destination string  // usually "grid/storage"
	Trace       *trace.SimulationTrace
}

// EMS runs an energy management system. Events on EndpointReliability
// update its topology, status messages on EndpointStatus update its device
// measurements, and it publishes a set-point for every managed device
// whose dispatch changed.
//
// Thread-safety: NOT thread-safe. Run drives it from one goroutine.
type EMS struct {
	fed  cosim.Federate
	ctrl *ems.EMS
	cfg  EMSConfig

	state     State
	granted   float64
	lastKW    map[string]float64
	published int
	applied   int
}

// NewEMS binds an energy management system to a federate handle.
func NewEMS(fed cosim.Federate, ctrl *ems.EMS, cfg EMSConfig) (*EMS, error) {
	if fed == nil || ctrl == nil {
		return nil, fmt.Errorf("%w: federate and energy management system are required", ErrConfig)
	}
	if err := validHorizon(cfg.Horizon); err != nil {
		return nil, err
	}
	if cfg.Destination == "" {
		return nil, fmt.Errorf("%w: %s needs a destination", ErrConfig, fed.Name())
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultEMSInterval
	}
	if !(cfg.Interval > 0) || math.IsInf(cfg.Interval, 0) {
		return nil, fmt.Errorf("%w: %s: interval %v must be positive", ErrConfig, fed.Name(), cfg.Interval)
	}
	return &EMS{fed: fed, ctrl: ctrl, cfg: cfg, lastKW: make(map[string]float64)}, nil
}

// State returns the lifecycle state.
func (e *EMS) State() State { return e.state }

// Published returns the number of set-points sent.
func (e *EMS) Published() int { return e.published }

// Applied returns the number of topology events applied.
func (e *EMS) Applied() int { return e.applied }

// Run dispatches at the start, every Interval and whenever a message
// arrives, until the horizon.
func (e *EMS) Run(ctx context.Context) (err error) {
	if e.state != StateInitializing {
		return fmt.Errorf("federate %s: already %s", e.fed.Name(), e.state)
	}
	defer func() {
		if ferr := e.fed.Finalize(); ferr != nil && err == nil {
			err = ferr
		}
	}()

	if err := e.fed.EnterExecutingMode(ctx); err != nil {
		return fmt.Errorf("federate %s: %w", e.fed.Name(), err)
	}
	e.state = StateExecuting
	logrus.Infof("federate: %s executing until t=%v", e.fed.Name(), e.cfg.Horizon)

	desired := 0.0
	for e.granted < e.cfg.Horizon {
		granted, err := requestTime(ctx, e.fed, e.cfg.Trace, desired)
		if err != nil {
			return fmt.Errorf("federate %s: %w", e.fed.Name(), err)
		}
		e.granted = granted
		if err := e.step(); err != nil {
			return err
		}
		desired = math.Min(granted+e.cfg.Interval, e.cfg.Horizon)
	}

	e.state = StateComplete
	logrus.Infof("federate: %s complete at t=%v after %d set-points", e.fed.Name(), e.granted, e.published)
	return nil
}

func (e *EMS) step() error {
	for _, msg := range e.fed.Receive(EndpointReliability) {
		ev, err := reliability.DecodeEvent(msg.Payload)
		if err != nil {
			logrus.Warnf("federate: %s dropping message from %s: %v", e.fed.Name(), msg.Source, err)
			continue
		}
		if err := e.ctrl.Network().Apply(ev); err != nil {
			logrus.Warnf("federate: %s ignoring %s: %v", e.fed.Name(), ev, err)
			continue
		}
		e.applied++
	}
	for _, msg := range e.fed.Receive(EndpointStatus) {
		st, err := DecodeStatus(msg.Payload)
		if err != nil {
			logrus.Warnf("federate: %s dropping message from %s: %v", e.fed.Name(), msg.Source, err)
			continue
		}
		e.measure(st)
	}

	for _, d := range e.ctrl.Dispatch() {
		kw := d.SetPointKW()
		if last, ok := e.lastKW[d.Device]; ok && last == kw {
			continue
		}
		if err := e.publish(d.Device, kw); err != nil {
			return err
		}
		e.lastKW[d.Device] = kw
	}
	return nil
}

// measure copies the status of managed devices into the EMS. Devices the
// EMS does not manage are skipped.
func (e *EMS) measure(st Status) {
	for _, s := range st.Storage {
		if !e.ctrl.Manages(s.Device) {
			continue
		}
		if err := e.ctrl.UpdateStorage(s.Device, s.SOC); err != nil {
			logrus.Warnf("federate: %s storage %s: %v", e.fed.Name(), s.Device, err)
		}
	}
	for _, pv := range st.PV {
		if err := e.ctrl.UpdatePV(pv.Device, pv.KW); err != nil {
			logrus.Debugf("federate: %s skipping pv %s: %v", e.fed.Name(), pv.Device, err)
		}
	}
}

func (e *EMS) publish(device string, kw float64) error {
	payload, err := EncodeSetPoint(SetPoint{Device: device, KW: kw})
	if err != nil {
		return fmt.Errorf("federate %s: %w", e.fed.Name(), err)
	}
	if err := e.fed.Publish(EndpointSetPoints, e.cfg.Destination, payload); err != nil {
		return fmt.Errorf("federate %s: %w", e.fed.Name(), err)
	}
	e.published++
	logrus.Debugf("federate: %s set %s to %v kW at t=%v", e.fed.Name(), device, kw, e.granted)
	return nil
}
