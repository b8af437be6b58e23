package federate

import (
	"context"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/kandersolar/quest-ssim/sim/cosim"
	"github.com/kandersolar/quest-ssim/sim/trace"
)

// Controller decides a storage device's dispatch over time.
type Controller interface {
	Device() string
	// NextUpdate is the next time the controller wants to act.
	NextUpdate() float64
	// Step advances the controller to t and returns the kW set-point,
	// positive when discharging.
	Step(t float64) float64
}

// StoragePhase is what an IdealStorage is currently doing.
type StoragePhase int

const (
	PhaseIdle StoragePhase = iota
	PhaseCharging
	PhaseDischarging
)

func (p StoragePhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCharging:
		return "charging"
	case PhaseDischarging:
		return "discharging"
	}
	return fmt.Sprintf("StoragePhase(%d)", int(p))
}

// DefaultSOCMin is the lowest state of charge IdealStorage discharges to.
const DefaultSOCMin = 0.2

// socTolerance absorbs rounding when a phase ends exactly on its limit.
const socTolerance = 1e-9

// IdealStorage is a lossless device that cycles at rated power, discharging
// down to the minimum state of charge and then charging back to full.
type IdealStorage struct {
	device   string
	kwRated  float64
	kwhRated float64
	socMin   float64

	soc   float64
	kw    float64
	last  float64
	phase StoragePhase
}

// NewIdealStorage creates an idle controller. SOC values are fractions.
func NewIdealStorage(device string, kwRated, kwhRated, initialSOC, socMin float64) (*IdealStorage, error) {
	switch {
	case device == "":
		return nil, fmt.Errorf("%w: storage controller needs a device", ErrConfig)
	case !(kwRated > 0) || !(kwhRated > 0) || math.IsInf(kwRated, 0) || math.IsInf(kwhRated, 0):
		return nil, fmt.Errorf("%w: %s: ratings must be positive", ErrConfig, device)
	case !(socMin >= 0 && socMin < 1):
		return nil, fmt.Errorf("%w: %s: soc_min %v not in [0, 1)", ErrConfig, device, socMin)
	case !(initialSOC >= 0 && initialSOC <= 1):
		return nil, fmt.Errorf("%w: %s: initial soc %v not in [0, 1]", ErrConfig, device, initialSOC)
	}
	return &IdealStorage{
		device:   device,
		kwRated:  kwRated,
		kwhRated: kwhRated,
		socMin:   socMin,
		soc:      initialSOC,
	}, nil
}

func (s *IdealStorage) Device() string { return s.device }

// SOC returns the state of charge at the last step.
func (s *IdealStorage) SOC() float64 { return s.soc }

// Phase returns the current phase.
func (s *IdealStorage) Phase() StoragePhase { return s.phase }

// NextUpdate is the predicted end of the current phase. An idle device
// wants to act immediately.
func (s *IdealStorage) NextUpdate() float64 {
	var kwh float64
	switch s.phase {
	case PhaseIdle:
		return s.last
	case PhaseCharging:
		kwh = (1 - s.soc) * s.kwhRated
	case PhaseDischarging:
		kwh = (s.soc - s.socMin) * s.kwhRated
	}
	next := s.last + math.Max(kwh, 0)/s.kwRated*3600
	if next <= s.last {
		next = math.Nextafter(s.last, math.Inf(1))
	}
	return next
}

// Step integrates the charge since the last step and switches phase when
// a limit is reached.
func (s *IdealStorage) Step(t float64) float64 {
	if t > s.last {
		hours := (t - s.last) / 3600
		s.soc = math.Min(1, math.Max(0, s.soc-s.kw*hours/s.kwhRated))
		s.last = t
	}

	switch {
	case s.phase == PhaseIdle && s.soc <= s.socMin+socTolerance:
		s.setPhase(PhaseCharging)
	case s.phase == PhaseIdle:
		s.setPhase(PhaseDischarging)
	case s.phase == PhaseCharging && s.soc >= 1-socTolerance:
		s.setPhase(PhaseDischarging)
	case s.phase == PhaseDischarging && s.soc <= s.socMin+socTolerance:
		s.setPhase(PhaseCharging)
	}
	return s.kw
}

func (s *IdealStorage) setPhase(p StoragePhase) {
	logrus.Debugf("federate: storage %s %s -> %s at t=%v (soc=%.4f)", s.device, s.phase, p, s.last, s.soc)
	s.phase = p
	s.kw = s.kwRated
	if p == PhaseCharging {
		s.kw = -s.kwRated
	}
}

// StorageConfig configures a Storage federate.
type StorageConfig struct {
	Horizon     float64 // seconds
	Destination string  // usually "grid/storage"
	Trace       *trace.SimulationTrace
}

// Storage runs a Controller and publishes a set-point whenever its
// dispatch changes.
//
// Thread-safety: NOT thread-safe. Run drives it from one goroutine.
type Storage struct {
	fed  cosim.Federate
	ctrl Controller
	cfg  StorageConfig

	state     State
	granted   float64
	lastKW    float64
	published int
}

// NewStorage binds a controller to a federate handle.
func NewStorage(fed cosim.Federate, ctrl Controller, cfg StorageConfig) (*Storage, error) {
	if fed == nil || ctrl == nil {
		return nil, fmt.Errorf("%w: federate and controller are required", ErrConfig)
	}
	if err := validHorizon(cfg.Horizon); err != nil {
		return nil, err
	}
	if cfg.Destination == "" {
		return nil, fmt.Errorf("%w: %s needs a destination", ErrConfig, fed.Name())
	}
	return &Storage{fed: fed, ctrl: ctrl, cfg: cfg}, nil
}

// State returns the lifecycle state.
func (s *Storage) State() State { return s.state }

// Published returns the number of set-points sent.
func (s *Storage) Published() int { return s.published }

// Run steps the controller until the horizon.
func (s *Storage) Run(ctx context.Context) (err error) {
	if s.state != StateInitializing {
		return fmt.Errorf("federate %s: already %s", s.fed.Name(), s.state)
	}
	defer func() {
		if ferr := s.fed.Finalize(); ferr != nil && err == nil {
			err = ferr
		}
	}()

	if err := s.fed.EnterExecutingMode(ctx); err != nil {
		return fmt.Errorf("federate %s: %w", s.fed.Name(), err)
	}
	s.state = StateExecuting

	first := true
	for s.granted < s.cfg.Horizon {
		desired := math.Min(s.ctrl.NextUpdate(), s.cfg.Horizon)
		if !first && desired <= s.granted {
			desired = math.Nextafter(s.granted, math.Inf(1))
		}
		granted, err := requestTime(ctx, s.fed, s.cfg.Trace, desired)
		if err != nil {
			return fmt.Errorf("federate %s: %w", s.fed.Name(), err)
		}
		s.granted = granted

		kw := s.ctrl.Step(granted)
		if first || kw != s.lastKW {
			if err := s.publish(kw); err != nil {
				return err
			}
		}
		s.lastKW = kw
		first = false
	}

	s.state = StateComplete
	logrus.Infof("federate: %s complete at t=%v after %d set-points", s.fed.Name(), s.granted, s.published)
	return nil
}

func (s *Storage) publish(kw float64) error {
	payload, err := EncodeSetPoint(SetPoint{Device: s.ctrl.Device(), KW: kw})
	if err != nil {
		return fmt.Errorf("federate %s: %w", s.fed.Name(), err)
	}
	if err := s.fed.Publish(EndpointSetPoints, s.cfg.Destination, payload); err != nil {
		return fmt.Errorf("federate %s: %w", s.fed.Name(), err)
	}
	s.published++
	logrus.Debugf("federate: %s set %s to %v kW at t=%v", s.fed.Name(), s.ctrl.Device(), kw, s.granted)
	return nil
}
