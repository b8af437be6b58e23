package grid

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

// Config holds the manager's construction parameters.
// Circuit is passed to Solver.LoadModel when non-empty.
type Config struct {
	Circuit  string
	MaxStep  float64 // seconds; DefaultMaxStep when zero
	Elements []ElementInfo
}

// Manager owns element, clock and device state for one circuit and drives
// the solver forward in time. Every operation validates before it issues a
// solver command, and records state only after every command succeeded.
//
// Thread-safety: NOT thread-safe. A Manager belongs to one federate.
type Manager struct {
	solver Solver
	clock  Clock

	elements     map[string]*ElementState
	elementOrder []string

	storage      map[string]*StorageState
	storageOrder []string
	pv           map[string]*PVState
	pvOrder      []string

	closed bool
}

// NewManager loads the circuit and registers its elements. If cfg lists no
// elements and the solver implements ElementLister, the solver's elements
// are registered instead.
func NewManager(solver Solver, cfg Config) (*Manager, error) {
	if solver == nil {
		return nil, fmt.Errorf("grid: solver is nil")
	}
	maxStep := cfg.MaxStep
	if maxStep == 0 {
		maxStep = DefaultMaxStep
	}
	if !(maxStep > 0) || math.IsInf(maxStep, 0) {
		return nil, fmt.Errorf("%w: max step %v must be a positive finite value", ErrInvalidStep, cfg.MaxStep)
	}
	m := &Manager{
		solver:   solver,
		clock:    Clock{maxStep: maxStep},
		elements: make(map[string]*ElementState),
		storage:  make(map[string]*StorageState),
		pv:       make(map[string]*PVState),
	}
	if cfg.Circuit != "" {
		if err := solver.LoadModel(cfg.Circuit); err != nil {
			return nil, &SolveError{Command: "load " + cfg.Circuit, Err: err}
		}
		logrus.Infof("grid: loaded circuit %s", cfg.Circuit)
	}

	elements := cfg.Elements
	if len(elements) == 0 {
		if lister, ok := solver.(ElementLister); ok {
			elements = lister.Elements()
		}
	}
	for _, info := range elements {
		if err := m.RegisterElement(info); err != nil {
			return nil, err
		}
	}
	logrus.Debugf("grid: %d failable elements, max step %vs", len(m.elementOrder), maxStep)
	return m, nil
}

// RegisterElement adds a failable element in NORMAL mode.
// Kind defaults to "line" and Terminals to 2.
func (m *Manager) RegisterElement(info ElementInfo) error {
	if info.ID == "" {
		return fmt.Errorf("%w: empty element id", ErrUnknownElement)
	}
	if _, ok := m.elements[info.ID]; ok {
		return fmt.Errorf("%w: element %s", ErrDuplicate, info.ID)
	}
	if info.Kind == "" {
		info.Kind = "line"
	}
	if info.Terminals == 0 {
		info.Terminals = 2
	}
	m.elements[info.ID] = &ElementState{ElementInfo: info, Mode: ModeNormal}
	m.elementOrder = append(m.elementOrder, info.ID)
	return nil
}

// Element returns a copy of the element's state.
func (m *Manager) Element(id string) (ElementState, bool) {
	el, ok := m.elements[id]
	if !ok {
		return ElementState{}, false
	}
	return *el, true
}

// Elements returns copies of all element states in registration order.
func (m *Manager) Elements() []ElementState {
	out := make([]ElementState, 0, len(m.elementOrder))
	for _, id := range m.elementOrder {
		out = append(out, *m.elements[id])
	}
	return out
}

// FailedElements returns the ids of elements currently in a failed mode.
func (m *Manager) FailedElements() []string {
	var out []string
	for _, id := range m.elementOrder {
		if m.elements[id].Mode.Failed() {
			out = append(out, id)
		}
	}
	return out
}

func (m *Manager) lookup(id string) (*ElementState, error) {
	if m.closed {
		return nil, ErrClosed
	}
	el, ok := m.elements[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownElement, id)
	}
	return el, nil
}

// FailElement forces a NORMAL element into the failed mode matching action
// and locks its switch controls.
func (m *Manager) FailElement(id string, terminal int, action SwitchAction) error {
	el, err := m.lookup(id)
	if err != nil {
		return err
	}
	mode, ok := failedModes[action]
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidMode, action)
	}
	if err := el.checkFail(terminal); err != nil {
		return err
	}

	cmds := append(switchCommands(*el, terminal, action), lockCommand(*el))
	if err := m.run(cmds...); err != nil {
		return err
	}

	el.Mode = mode
	el.Locked = true
	el.Terminal = terminal
	logrus.WithFields(logrus.Fields{"element": id, "terminal": terminal, "mode": mode}).Info("grid: element failed")
	return nil
}

// RestoreElement applies action to a failed element's terminal, unlocks its
// switch controls and returns it to NORMAL.
func (m *Manager) RestoreElement(id string, terminal int, action SwitchAction) error {
	el, err := m.lookup(id)
	if err != nil {
		return err
	}
	if _, ok := failedModes[action]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidMode, action)
	}
	if err := el.checkRestore(terminal); err != nil {
		return err
	}

	cmds := append(switchCommands(*el, terminal, action), unlockCommand(*el))
	if err := m.run(cmds...); err != nil {
		return err
	}

	el.Mode = ModeNormal
	el.Locked = false
	el.Terminal = 0
	logrus.WithFields(logrus.Fields{"element": id, "terminal": terminal, "action": action}).Info("grid: element restored")
	return nil
}

// run issues commands in order and stops at the first failure.
func (m *Manager) run(cmds ...string) error {
	for _, c := range cmds {
		if _, err := m.solver.RunCommand(c); err != nil {
			return &SolveError{Time: m.clock.last, Command: c, Err: err}
		}
	}
	return nil
}

// Solve advances the solver to t. Advances longer than the maximum step
// are split into equal sub-steps. The clock follows every completed
// sub-step, so after a failure it holds the last time the solver reached
// and a retry integrates only the remainder.
func (m *Manager) Solve(t float64) error {
	if m.closed {
		return ErrClosed
	}
	last, _ := m.clock.LastSolved()
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return &StepError{Last: last, Requested: t, Reason: "time is not finite"}
	}
	start, step, n := m.clock.plan(t)
	if t < start {
		return &StepError{Last: last, Requested: t, Reason: "time moves backwards"}
	}
	if n > 1 {
		logrus.Debugf("grid: advancing %v -> %v in %d steps of %vs", start, t, n, step)
	}

	for i := 1; i <= n; i++ {
		at := start + step*float64(i)
		if i == n {
			at = t
		}
		cmd := setTimeCommand(at, step)
		if _, err := m.solver.RunCommand(cmd); err != nil {
			return &SolveError{Time: at, Command: cmd, Err: err}
		}
		if err := m.solver.SolveStep(step); err != nil {
			return &SolveError{Time: at, Err: err}
		}
		m.clock.last = at
		m.clock.solved = true
	}
	return nil
}

// NextUpdate returns the last solved time plus the maximum step, or 0 if
// the circuit has never been solved.
func (m *Manager) NextUpdate() float64 {
	return m.clock.NextUpdate()
}

// LastUpdate returns the last solved time and whether a solution exists.
func (m *Manager) LastUpdate() (float64, bool) {
	return m.clock.LastSolved()
}

// Clock returns a copy of the simulation clock.
func (m *Manager) Clock() Clock {
	return m.clock
}

// AddStorage creates a storage device in the solver.
func (m *Manager) AddStorage(spec StorageSpec) error {
	if m.closed {
		return ErrClosed
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	if _, ok := m.storage[spec.Name]; ok {
		return fmt.Errorf("%w: storage %s", ErrDuplicate, spec.Name)
	}
	if err := m.run(newStorageCommand(spec)); err != nil {
		return err
	}
	m.storage[spec.Name] = &StorageState{StorageSpec: spec, SOC: spec.SOC}
	m.storageOrder = append(m.storageOrder, spec.Name)
	return nil
}

// AddPVSystem creates a PV system in the solver.
func (m *Manager) AddPVSystem(spec PVSpec) error {
	if m.closed {
		return ErrClosed
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	if _, ok := m.pv[spec.Name]; ok {
		return fmt.Errorf("%w: pv system %s", ErrDuplicate, spec.Name)
	}
	if err := m.run(newPVCommand(spec)); err != nil {
		return err
	}
	m.pv[spec.Name] = &PVState{PVSpec: spec}
	m.pvOrder = append(m.pvOrder, spec.Name)
	return nil
}

// UpdateStorage forwards power set-points (kW positive discharging) to a
// storage device. The solver may dispatch less; read back with Storage.
func (m *Manager) UpdateStorage(name string, kw, kvar float64) error {
	if m.closed {
		return ErrClosed
	}
	st, ok := m.storage[name]
	if !ok {
		return fmt.Errorf("%w: storage %s", ErrUnknownDevice, name)
	}
	if math.IsNaN(kw) || math.IsNaN(kvar) {
		return fmt.Errorf("%w: storage %s: set-point is NaN", ErrInvalidDevice, name)
	}
	if err := m.run(
		setPropertyCommand("storage", name, "kw", kw),
		setPropertyCommand("storage", name, "kvar", kvar),
	); err != nil {
		return err
	}
	st.RequestedKW = kw
	st.RequestedKVar = kvar
	return nil
}

// StorageNames returns device names in creation order.
func (m *Manager) StorageNames() []string {
	return append([]string(nil), m.storageOrder...)
}

// Storage reads a storage device's actual dispatch and charge from the solver.
func (m *Manager) Storage(name string) (StorageState, error) {
	st, ok := m.storage[name]
	if !ok {
		return StorageState{}, fmt.Errorf("%w: storage %s", ErrUnknownDevice, name)
	}
	vals, err := m.query("storage", name, "kw", "kvar", "%stored")
	if err != nil {
		return StorageState{}, err
	}
	st.KW, st.KVar = vals[0], vals[1]
	soc := vals[2] / 100
	if soc < 0 || soc > 1 {
		logrus.Warnf("grid: storage %s reported soc %v, clamping to [0, 1]", name, soc)
		soc = math.Min(1, math.Max(0, soc))
	}
	st.SOC = soc
	return *st, nil
}

// PVSystem reads a PV system's actual output from the solver.
func (m *Manager) PVSystem(name string) (PVState, error) {
	p, ok := m.pv[name]
	if !ok {
		return PVState{}, fmt.Errorf("%w: pv system %s", ErrUnknownDevice, name)
	}
	vals, err := m.query("pvsystem", name, "kw", "kvar")
	if err != nil {
		return PVState{}, err
	}
	p.KW, p.KVar = vals[0], vals[1]
	return *p, nil
}

func (m *Manager) query(class, name string, props ...string) ([]float64, error) {
	out := make([]float64, len(props))
	for i, prop := range props {
		cmd := queryCommand(class, name, prop)
		res, err := m.solver.RunCommand(cmd)
		if err != nil {
			return nil, &SolveError{Time: m.clock.last, Command: cmd, Err: err}
		}
		v, err := parseQuery(cmd, res)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// BusVoltage returns per-node voltage magnitudes in per unit.
func (m *Manager) BusVoltage(bus string) ([]float64, error) {
	v, err := m.solver.BusVoltage(bus)
	if err != nil {
		return nil, &SolveError{Time: m.clock.last, Command: "voltage " + bus, Err: err}
	}
	return v, nil
}

// TotalPower returns the net power drawn from the source.
func (m *Manager) TotalPower() (p, q float64, err error) {
	p, q, err = m.solver.TotalPower()
	if err != nil {
		return 0, 0, &SolveError{Time: m.clock.last, Command: "total power", Err: err}
	}
	return p, q, nil
}

// Snapshot collects the state after the last solve for the given buses.
func (m *Manager) Snapshot(buses []string) (Snapshot, error) {
	snap := Snapshot{Time: m.clock.last, Voltages: make(map[string][]float64, len(buses))}
	var err error
	if snap.P, snap.Q, err = m.TotalPower(); err != nil {
		return Snapshot{}, err
	}
	for _, bus := range buses {
		v, err := m.BusVoltage(bus)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Voltages[bus] = v
	}
	for _, name := range m.storageOrder {
		st, err := m.Storage(name)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Storage = append(snap.Storage, st)
	}
	for _, name := range m.pvOrder {
		pv, err := m.PVSystem(name)
		if err != nil {
			return Snapshot{}, err
		}
		snap.PV = append(snap.PV, pv)
	}
	return snap, nil
}

// Close releases the solver. It is safe to call more than once.
func (m *Manager) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	return m.solver.Close()
}
