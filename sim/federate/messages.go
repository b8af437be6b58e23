package federate

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/kandersolar/quest-ssim/sim/grid"
)

// Endpoint names used on the bus.
const (
	// EndpointEvents is the reliability federate's outbound endpoint.
	EndpointEvents = "events"
	// EndpointReliability receives reliability events on the grid federate.
	EndpointReliability = "reliability"
	// EndpointStorage receives storage set-points on the grid federate.
	EndpointStorage = "storage"
	// EndpointSetPoints is the storage controller's outbound endpoint.
	EndpointSetPoints = "setpoints"
	// EndpointStatus carries measured device state from the circuit owner
	// to the energy management system.
	EndpointStatus = "status"
)

var (
	// ErrSetPoint is returned for malformed set-point messages.
	ErrSetPoint = errors.New("federate: invalid set-point message")
	// ErrStatus is returned for malformed status messages.
	ErrStatus = errors.New("federate: invalid status message")
)

// SetPoint is a storage dispatch request. KW is positive when discharging.
type SetPoint struct {
	Device string  `json:"device"`
	KW     float64 `json:"kw"`
	KVar   float64 `json:"kvar"`
}

// EncodeSetPoint serializes a set-point message.
func EncodeSetPoint(sp SetPoint) ([]byte, error) {
	if sp.Device == "" {
		return nil, fmt.Errorf("%w: missing device", ErrSetPoint)
	}
	return json.Marshal(sp)
}

// DecodeSetPoint parses and validates a set-point message.
func DecodeSetPoint(payload []byte) (SetPoint, error) {
	var sp SetPoint
	if err := json.Unmarshal(payload, &sp); err != nil {
		return SetPoint{}, fmt.Errorf("%w: %v", ErrSetPoint, err)
	}
	if sp.Device == "" {
		return SetPoint{}, fmt.Errorf("%w: missing device", ErrSetPoint)
	}
	if math.IsNaN(sp.KW) || math.IsInf(sp.KW, 0) || math.IsNaN(sp.KVar) || math.IsInf(sp.KVar, 0) {
		return SetPoint{}, fmt.Errorf("%w: %s: power is not finite", ErrSetPoint, sp.Device)
	}
	return sp, nil
}

// StorageStatus is the measured state of one storage device.
type StorageStatus struct {
	Device string  `json:"device"`
	KW     float64 `json:"kw"`
	SOC    float64 `json:"soc"`
}

// PVStatus is the measured output of one PV system.
type PVStatus struct {
	Device string  `json:"device"`
	KW     float64 `json:"kw"`
}

// Status is the device state after a solve.
type Status struct {
	Time    float64         `json:"time"`
	Storage []StorageStatus `json:"storage"`
	PV      []PVStatus      `json:"pv"`
}

// StatusFromSnapshot extracts the device state from a snapshot.
func StatusFromSnapshot(snap grid.Snapshot) Status {
	st := Status{
		Time:    snap.Time,
		Storage: make([]StorageStatus, len(snap.Storage)),
		PV:      make([]PVStatus, len(snap.PV)),
	}
	for i, s := range snap.Storage {
		st.Storage[i] = StorageStatus{Device: s.Name, KW: s.KW, SOC: s.SOC}
	}
	for i, pv := range snap.PV {
		st.PV[i] = PVStatus{Device: pv.Name, KW: pv.KW}
	}
	return st
}

// EncodeStatus serializes a status message.
func EncodeStatus(st Status) ([]byte, error) {
	return json.Marshal(st)
}

// DecodeStatus parses and validates a status message.
func DecodeStatus(payload []byte) (Status, error) {
	var st Status
	if err := json.Unmarshal(payload, &st); err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrStatus, err)
	}
	for _, s := range st.Storage {
		if s.Device == "" {
			return Status{}, fmt.Errorf("%w: storage without device", ErrStatus)
		}
		if math.IsNaN(s.SOC) || s.SOC < 0 || s.SOC > 1 {
			return Status{}, fmt.Errorf("%w: %s: state of charge %v", ErrStatus, s.Device, s.SOC)
		}
	}
	for _, pv := range st.PV {
		if pv.Device == "" {
			return Status{}, fmt.Errorf("%w: pv without device", ErrStatus)
		}
	}
	return st, nil
}
