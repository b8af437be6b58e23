package grid

import (
	"fmt"
	"math"
)

// StorageSpec is the static description of a storage device.
// SOC is the initial state of charge as a fraction.
type StorageSpec struct {
	Name     string
	Bus      string
	Phases   int
	KWRated  float64
	KWhRated float64
	SOC      float64
}

// Validate checks ratings and initial charge.
func (s StorageSpec) Validate() error {
	switch {
	case s.Name == "" || s.Bus == "":
		return fmt.Errorf("%w: storage needs a name and a bus", ErrInvalidDevice)
	case s.Phases < 1 || s.Phases > 3:
		return fmt.Errorf("%w: storage %s: phases %d not in 1..3", ErrInvalidDevice, s.Name, s.Phases)
	case !(s.KWRated > 0) || !(s.KWhRated > 0):
		return fmt.Errorf("%w: storage %s: ratings must be positive", ErrInvalidDevice, s.Name)
	case !(s.SOC >= 0 && s.SOC <= 1):
		return fmt.Errorf("%w: storage %s: soc %v not in [0, 1]", ErrInvalidDevice, s.Name, s.SOC)
	}
	return nil
}

// StorageState is a storage device as last reported by the solver.
// Requested set-points may differ from the actual KW and KVar.
type StorageState struct {
	StorageSpec
	RequestedKW   float64
	RequestedKVar float64
	KW            float64
	KVar          float64
	SOC           float64
}

// PVSpec is the static description of a PV system.
// Irradiance is in per unit of the rated irradiance.
type PVSpec struct {
	Name       string
	Bus        string
	Phases     int
	Pmpp       float64
	KVA        float64
	Irradiance float64
}

// Validate checks the PV ratings.
func (p PVSpec) Validate() error {
	switch {
	case p.Name == "" || p.Bus == "":
		return fmt.Errorf("%w: pv system needs a name and a bus", ErrInvalidDevice)
	case p.Phases < 1 || p.Phases > 3:
		return fmt.Errorf("%w: pv system %s: phases %d not in 1..3", ErrInvalidDevice, p.Name, p.Phases)
	case !(p.Pmpp > 0) || !(p.KVA > 0):
		return fmt.Errorf("%w: pv system %s: ratings must be positive", ErrInvalidDevice, p.Name)
	case p.Irradiance < 0 || math.IsNaN(p.Irradiance):
		return fmt.Errorf("%w: pv system %s: irradiance must be >= 0", ErrInvalidDevice, p.Name)
	}
	return nil
}

// PVState is a PV system's output as last reported by the solver.
type PVState struct {
	PVSpec
	KW   float64
	KVar float64
}

// Snapshot is the grid state after a solve, as consumed by recorders.
type Snapshot struct {
	Time     float64
	P        float64
	Q        float64
	Voltages map[string][]float64
	Storage  []StorageState
	PV       []PVState
}
