package ems

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

// DefaultMinSOC is the state of charge below which storage is not discharged.
const DefaultMinSOC = 0.2

// Action is what a storage device is told to do.
type Action string

const (
	ActionCharge    Action = "charge"
	ActionDischarge Action = "discharge"
	ActionIdle      Action = "idle"
)

// Dispatch is the instruction for one storage device. KW is the magnitude
// of the real power; Action gives its direction.
type Dispatch struct {
	Device string
	Action Action
	KW     float64
}

// SetPointKW returns the signed set-point, positive when discharging.
func (d Dispatch) SetPointKW() float64 {
	switch d.Action {
	case ActionDischarge:
		return d.KW
	case ActionCharge:
		return -d.KW
	}
	return 0
}

// Device is a storage device managed by the EMS.
type Device struct {
	Name    string
	Bus     string
	KWRated float64
	SOC     float64 // initial state of charge
}

type pvSystem struct {
	bus string
	kw  float64
}

// EMS dispatches storage per connected component of a Network.
//
// Thread-safety: NOT thread-safe.
type EMS struct {
	net     *Network
	minSOC  float64
	devices []Device
	index   map[string]int
	pv      map[string]*pvSystem
	pvOrder []string
}

// New returns an EMS over net that never discharges below minSOC.
func New(net *Network, minSOC float64) (*EMS, error) {
	if net == nil {
		return nil, fmt.Errorf("ems: network is nil")
	}
	if math.IsNaN(minSOC) || minSOC < 0 || minSOC >= 1 {
		return nil, fmt.Errorf("ems: minimum state of charge %v must be in [0, 1)", minSOC)
	}
	return &EMS{
		net:    net,
		minSOC: minSOC,
		index:  make(map[string]int),
		pv:     make(map[string]*pvSystem),
	}, nil
}

// Network returns the bus graph the EMS dispatches over.
func (e *EMS) Network() *Network { return e.net }

// AddStorage registers a managed storage device. Devices in one component
// are dispatched in registration order.
func (e *EMS) AddStorage(d Device) error {
	if _, ok := e.index[d.Name]; ok {
		return fmt.Errorf("%w: storage %s", ErrDuplicate, d.Name)
	}
	if !e.net.HasBus(d.Bus) {
		return fmt.Errorf("%w: %s for storage %s", ErrUnknownBus, d.Bus, d.Name)
	}
	if !(d.KWRated > 0) {
		return fmt.Errorf("ems: storage %s: kw rating %v must be positive", d.Name, d.KWRated)
	}
	if math.IsNaN(d.SOC) || d.SOC < 0 || d.SOC > 1 {
		return fmt.Errorf("ems: storage %s: state of charge %v must be in [0, 1]", d.Name, d.SOC)
	}
	e.index[d.Name] = len(e.devices)
	e.devices = append(e.devices, d)
	return nil
}

// AddPV registers a PV system whose output counts as generation on its bus.
func (e *EMS) AddPV(name, bus string) error {
	if _, ok := e.pv[name]; ok {
		return fmt.Errorf("%w: pv %s", ErrDuplicate, name)
	}
	if !e.net.HasBus(bus) {
		return fmt.Errorf("%w: %s for pv %s", ErrUnknownBus, bus, name)
	}
	e.pv[name] = &pvSystem{bus: bus}
	e.pvOrder = append(e.pvOrder, name)
	return nil
}

// Manages reports whether name is a storage device under EMS control.
func (e *EMS) Manages(name string) bool {
	_, ok := e.index[name]
	return ok
}

// UpdateStorage records a device's measured state of charge.
func (e *EMS) UpdateStorage(name string, soc float64) error {
	i, ok := e.index[name]
	if !ok {
		return fmt.Errorf("%w: storage %s", ErrUnknownDevice, name)
	}
	e.devices[i].SOC = soc
	return nil
}

// UpdatePV records a PV system's measured output.
func (e *EMS) UpdatePV(name string, kw float64) error {
	pv, ok := e.pv[name]
	if !ok {
		return fmt.Errorf("%w: pv %s", ErrUnknownDevice, name)
	}
	pv.kw = kw
	return nil
}

// SOC returns the last known state of charge of a managed device.
func (e *EMS) SOC(name string) (float64, bool) {
	i, ok := e.index[name]
	if !ok {
		return 0, false
	}
	return e.devices[i].SOC, true
}

// Dispatch computes one instruction per managed device. In every
// component, surplus generation charges devices below full and a deficit
// discharges devices above the minimum state of charge, each up to its
// rating, until the component is balanced.
func (e *EMS) Dispatch() []Dispatch {
	out := make([]Dispatch, 0, len(e.devices))
	for _, component := range e.net.Components() {
		in := make(map[string]bool, len(component))
		for _, b := range component {
			in[b] = true
		}
		generation := 0.0
		for _, name := range e.pvOrder {
			if pv := e.pv[name]; in[pv.bus] {
				generation += pv.kw
			}
		}
		excess := generation - e.net.LoadKW(component)

		for _, d := range e.devices {
			if !in[d.Bus] {
				continue
			}
			var dp Dispatch
			dp, excess = e.dispatchDevice(d, excess)
			out = append(out, dp)
		}
		logrus.Debugf("ems: component %v generation=%v excess after dispatch=%v", component, generation, excess)
	}
	return out
}

func (e *EMS) dispatchDevice(d Device, excess float64) (Dispatch, float64) {
	idle := Dispatch{Device: d.Name, Action: ActionIdle}
	switch {
	case excess > 0:
		if d.SOC >= 1 {
			return idle, excess
		}
		kw := math.Min(d.KWRated, excess)
		return Dispatch{Device: d.Name, Action: ActionCharge, KW: kw}, excess - kw
	case excess < 0:
		if d.SOC <= e.minSOC {
			return idle, excess
		}
		kw := math.Min(d.KWRated, -excess)
		return Dispatch{Device: d.Name, Action: ActionDischarge, KW: kw}, excess + kw
	}
	return idle, excess
}
