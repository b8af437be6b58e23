// Package engine is a small in-memory power-flow engine implementing
// grid.Solver. It models topology (which buses are energized from the
// source through closed lines), switch controls, storage charge and PV
// output. It does not compute voltage drop or losses.
package engine

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrCircuit is returned for malformed circuit files.
var ErrCircuit = errors.New("engine: invalid circuit")

// Circuit is the on-disk circuit description.
type Circuit struct {
	Name      string  `yaml:"name"`
	SourceBus string  `yaml:"source_bus"`
	SourcePU  float64 `yaml:"source_pu"`
	LimitKW   float64 `yaml:"convergence_limit_kw"` // solve fails above this net demand; 0 disables
	Buses     []Bus   `yaml:"buses"`
	Lines     []Line  `yaml:"lines"`
	Loads     []Load  `yaml:"loads"`
}

// Bus is a node of the circuit.
type Bus struct {
	Name   string `yaml:"name"`
	Phases int    `yaml:"phases"`
}

// Line connects two buses. A line with a switch control is driven back to
// Normal on every solve unless it is locked.
type Line struct {
	Name          string         `yaml:"name"`
	Kind          string         `yaml:"kind"`
	Bus1          string         `yaml:"bus1"`
	Bus2          string         `yaml:"bus2"`
	SwitchControl *SwitchControl `yaml:"switch_control"`
}

// SwitchControl is automatic switching logic attached to a line.
type SwitchControl struct {
	Normal string `yaml:"normal"` // "open" or "closed"
}

// Load is a constant-power load.
type Load struct {
	Name string  `yaml:"name"`
	Bus  string  `yaml:"bus"`
	KW   float64 `yaml:"kw"`
	KVar float64 `yaml:"kvar"`
}

// LoadCircuitFile reads and validates a circuit file.
func LoadCircuitFile(path string) (*Circuit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read circuit %s: %w", path, err)
	}
	return ParseCircuit(data)
}

// ParseCircuit decodes a YAML circuit strictly and validates it.
func ParseCircuit(data []byte) (*Circuit, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var c Circuit
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCircuit, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks names and references, and fills defaults.
func (c *Circuit) Validate() error {
	if c.SourcePU == 0 {
		c.SourcePU = 1.0
	}
	if c.SourcePU < 0 || c.LimitKW < 0 {
		return fmt.Errorf("%w: source_pu and convergence_limit_kw must be >= 0", ErrCircuit)
	}
	buses := make(map[string]bool, len(c.Buses))
	for i := range c.Buses {
		b := &c.Buses[i]
		if b.Name == "" || buses[b.Name] {
			return fmt.Errorf("%w: bus %q is empty or duplicated", ErrCircuit, b.Name)
		}
		if b.Phases == 0 {
			b.Phases = 3
		}
		if b.Phases < 1 || b.Phases > 3 {
			return fmt.Errorf("%w: bus %s has %d phases", ErrCircuit, b.Name, b.Phases)
		}
		buses[b.Name] = true
	}
	if !buses[c.SourceBus] {
		return fmt.Errorf("%w: source bus %q is not defined", ErrCircuit, c.SourceBus)
	}
	lines := make(map[string]bool, len(c.Lines))
	for i := range c.Lines {
		l := &c.Lines[i]
		if l.Name == "" || lines[l.Name] {
			return fmt.Errorf("%w: line %q is empty or duplicated", ErrCircuit, l.Name)
		}
		if l.Kind == "" {
			l.Kind = "line"
		}
		if !buses[l.Bus1] || !buses[l.Bus2] {
			return fmt.Errorf("%w: line %s references unknown bus", ErrCircuit, l.Name)
		}
		if sc := l.SwitchControl; sc != nil && sc.Normal != "open" && sc.Normal != "closed" {
			return fmt.Errorf("%w: line %s switch control normal state %q", ErrCircuit, l.Name, sc.Normal)
		}
		lines[l.Name] = true
	}
	loads := make(map[string]bool, len(c.Loads))
	for _, ld := range c.Loads {
		if ld.Name == "" || loads[ld.Name] {
			return fmt.Errorf("%w: load %q is empty or duplicated", ErrCircuit, ld.Name)
		}
		if !buses[ld.Bus] {
			return fmt.Errorf("%w: load %s references unknown bus %s", ErrCircuit, ld.Name, ld.Bus)
		}
		loads[ld.Name] = true
	}
	return nil
}
