package engine

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/kandersolar/quest-ssim/sim/grid"
)

var (
	// ErrNoCircuit is returned when a command arrives before a circuit is loaded.
	ErrNoCircuit = errors.New("engine: no circuit loaded")
	// ErrCommand is returned for commands the engine does not understand.
	ErrCommand = errors.New("engine: invalid command")
	// ErrNotConverged is returned when net demand exceeds the circuit limit.
	ErrNotConverged = errors.New("engine: solution did not converge")
)

var (
	_ grid.Solver        = (*Engine)(nil)
	_ grid.ElementLister = (*Engine)(nil)
)

type lineState struct {
	Line
	closed [2]bool
	locked bool
}

type storageUnit struct {
	name      string
	bus       string
	kwRated   float64
	kwhRated  float64
	soc       float64
	setKW     float64
	setKVar   float64
	actualKW  float64
	actualVar float64
}

type pvUnit struct {
	name       string
	bus        string
	pmpp       float64
	kva        float64
	irradiance float64
	kw         float64
}

// Engine implements grid.Solver over an in-memory Circuit.
//
// Thread-safety: NOT thread-safe.
type Engine struct {
	circuit   *Circuit
	busPhases map[string]int
	lines     map[string]*lineState
	lineOrder []string
	storage   map[string]*storageUnit
	pv        map[string]*pvUnit
	pvOrder   []string
	stoOrder  []string

	hour, sec, stepSize float64
	energized           map[string]bool
	solved              bool
	p, q                float64
}

// New returns an engine with no circuit loaded.
func New() *Engine {
	return &Engine{}
}

// LoadModel reads the circuit file at path.
func (e *Engine) LoadModel(path string) error {
	c, err := LoadCircuitFile(path)
	if err != nil {
		return err
	}
	e.Load(c)
	return nil
}

// Load replaces the engine state with a validated circuit. Every line
// starts closed on both terminals.
func (e *Engine) Load(c *Circuit) {
	e.circuit = c
	e.busPhases = make(map[string]int, len(c.Buses))
	for _, b := range c.Buses {
		e.busPhases[b.Name] = b.Phases
	}
	e.lines = make(map[string]*lineState, len(c.Lines))
	e.lineOrder = e.lineOrder[:0]
	for _, l := range c.Lines {
		e.lines[l.Name] = &lineState{Line: l, closed: [2]bool{true, true}}
		e.lineOrder = append(e.lineOrder, l.Name)
	}
	e.storage = make(map[string]*storageUnit)
	e.stoOrder = nil
	e.pv = make(map[string]*pvUnit)
	e.pvOrder = nil
	e.energized = nil
	e.solved = false
	logrus.Debugf("engine: loaded circuit %q with %d buses and %d lines", c.Name, len(c.Buses), len(c.Lines))
}

// Elements lists the circuit's lines as failable elements.
func (e *Engine) Elements() []grid.ElementInfo {
	out := make([]grid.ElementInfo, 0, len(e.lineOrder))
	for _, name := range e.lineOrder {
		out = append(out, grid.ElementInfo{ID: name, Kind: e.lines[name].Kind, Terminals: 2})
	}
	return out
}

// RunCommand executes one command of the solver dialect.
func (e *Engine) RunCommand(cmd string) (string, error) {
	if e.circuit == nil {
		return "", ErrNoCircuit
	}
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: empty", ErrCommand)
	}
	switch strings.ToLower(fields[0]) {
	case "set":
		return "", e.setOptions(fields[1:])
	case "open", "close":
		return "", e.switchLine(fields)
	case "lock", "unlock":
		return "", e.lockLine(fields)
	case "new":
		return "", e.newDevice(fields[1:])
	case "?":
		if len(fields) != 2 {
			return "", fmt.Errorf("%w: %q", ErrCommand, cmd)
		}
		return e.query(fields[1])
	}
	if len(fields) == 1 && strings.Contains(fields[0], "=") {
		return "", e.setProperty(fields[0])
	}
	return "", fmt.Errorf("%w: %q", ErrCommand, cmd)
}

func parseOptions(fields []string) (map[string]string, error) {
	opts := make(map[string]string, len(fields))
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: option %q", ErrCommand, f)
		}
		opts[strings.ToLower(k)] = v
	}
	return opts, nil
}

func parseNumber(key, v string) (float64, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %s=%q is not a number", ErrCommand, key, v)
	}
	return f, nil
}

func (e *Engine) setOptions(fields []string) error {
	opts, err := parseOptions(fields)
	if err != nil {
		return err
	}
	for k, v := range opts {
		var err error
		switch k {
		case "hour":
			e.hour, err = parseNumber(k, v)
		case "sec":
			e.sec, err = parseNumber(k, v)
		case "stepsize":
			e.stepSize, err = parseNumber(k, strings.TrimSuffix(v, "s"))
		default:
			err = fmt.Errorf("%w: unknown option %q", ErrCommand, k)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Time returns the engine's simulation time from the last set command.
func (e *Engine) Time() float64 {
	return e.hour*3600 + e.sec
}

func (e *Engine) lineByName(qualified string) (*lineState, error) {
	_, name, ok := strings.Cut(qualified, ".")
	if !ok {
		return nil, fmt.Errorf("%w: element %q is not class.name", ErrCommand, qualified)
	}
	l, found := e.lines[name]
	if !found {
		return nil, fmt.Errorf("%w: unknown element %q", ErrCommand, qualified)
	}
	return l, nil
}

func (e *Engine) switchLine(fields []string) error {
	if len(fields) != 3 {
		return fmt.Errorf("%w: usage %s <class.name> <terminal>", ErrCommand, fields[0])
	}
	l, err := e.lineByName(fields[1])
	if err != nil {
		return err
	}
	term, err := strconv.Atoi(fields[2])
	if err != nil || term < 1 || term > 2 {
		return fmt.Errorf("%w: terminal %q", ErrCommand, fields[2])
	}
	l.closed[term-1] = strings.EqualFold(fields[0], "close")
	return nil
}

func (e *Engine) lockLine(fields []string) error {
	if len(fields) != 2 {
		return fmt.Errorf("%w: usage %s <class.name>", ErrCommand, fields[0])
	}
	l, err := e.lineByName(fields[1])
	if err != nil {
		return err
	}
	l.locked = strings.EqualFold(fields[0], "lock")
	return nil
}

func (e *Engine) newDevice(fields []string) error {
	if len(fields) < 1 {
		return fmt.Errorf("%w: new needs a device", ErrCommand)
	}
	class, name, ok := strings.Cut(strings.ToLower(fields[0]), ".")
	if !ok || name == "" {
		return fmt.Errorf("%w: device %q", ErrCommand, fields[0])
	}
	opts, err := parseOptions(fields[1:])
	if err != nil {
		return err
	}
	bus := opts["bus1"]
	if _, ok := e.busPhases[bus]; !ok {
		return fmt.Errorf("%w: %s on unknown bus %q", ErrCommand, fields[0], bus)
	}
	num := func(key string) (float64, error) { return parseNumber(key, opts[key]) }

	switch class {
	case "storage":
		if _, dup := e.storage[name]; dup {
			return fmt.Errorf("%w: storage %s exists", ErrCommand, name)
		}
		u := &storageUnit{name: name, bus: bus}
		if u.kwRated, err = num("kwrated"); err != nil {
			return err
		}
		if u.kwhRated, err = num("kwhrated"); err != nil {
			return err
		}
		stored, err := num("%stored")
		if err != nil {
			return err
		}
		u.soc = clamp(stored/100, 0, 1)
		e.storage[name] = u
		e.stoOrder = append(e.stoOrder, name)
	case "pvsystem":
		if _, dup := e.pv[name]; dup {
			return fmt.Errorf("%w: pvsystem %s exists", ErrCommand, name)
		}
		u := &pvUnit{name: name, bus: bus}
		if u.pmpp, err = num("pmpp"); err != nil {
			return err
		}
		if u.kva, err = num("kva"); err != nil {
			return err
		}
		if u.irradiance, err = num("irradiance"); err != nil {
			return err
		}
		e.pv[name] = u
		e.pvOrder = append(e.pvOrder, name)
	default:
		return fmt.Errorf("%w: unsupported device class %q", ErrCommand, class)
	}
	return nil
}

func splitProperty(path string) (class, name, prop string, err error) {
	parts := strings.SplitN(strings.ToLower(path), ".", 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("%w: property %q is not class.name.property", ErrCommand, path)
	}
	return parts[0], parts[1], parts[2], nil
}

func (e *Engine) setProperty(assign string) error {
	path, raw, _ := strings.Cut(assign, "=")
	class, name, prop, err := splitProperty(path)
	if err != nil {
		return err
	}
	v, err := parseNumber(path, raw)
	if err != nil {
		return err
	}
	switch class {
	case "storage":
		u, ok := e.storage[name]
		if !ok {
			return fmt.Errorf("%w: unknown storage %s", ErrCommand, name)
		}
		switch prop {
		case "kw":
			u.setKW = v
		case "kvar":
			u.setKVar = v
		case "%stored":
			u.soc = clamp(v/100, 0, 1)
		default:
			return fmt.Errorf("%w: storage property %q", ErrCommand, prop)
		}
	case "pvsystem":
		u, ok := e.pv[name]
		if !ok {
			return fmt.Errorf("%w: unknown pvsystem %s", ErrCommand, name)
		}
		switch prop {
		case "irradiance":
			u.irradiance = v
		case "pmpp":
			u.pmpp = v
		default:
			return fmt.Errorf("%w: pvsystem property %q", ErrCommand, prop)
		}
	default:
		return fmt.Errorf("%w: unsupported class %q", ErrCommand, class)
	}
	return nil
}

func (e *Engine) query(path string) (string, error) {
	class, name, prop, err := splitProperty(path)
	if err != nil {
		return "", err
	}
	var v float64
	switch class {
	case "storage":
		u, ok := e.storage[name]
		if !ok {
			return "", fmt.Errorf("%w: unknown storage %s", ErrCommand, name)
		}
		switch prop {
		case "kw":
			v = u.actualKW
		case "kvar":
			v = u.actualVar
		case "%stored":
			v = u.soc * 100
		case "kwrated":
			v = u.kwRated
		case "kwhrated":
			v = u.kwhRated
		default:
			return "", fmt.Errorf("%w: storage property %q", ErrCommand, prop)
		}
	case "pvsystem":
		u, ok := e.pv[name]
		if !ok {
			return "", fmt.Errorf("%w: unknown pvsystem %s", ErrCommand, name)
		}
		switch prop {
		case "kw":
			v = u.kw
		case "kvar":
			v = 0
		case "irradiance":
			v = u.irradiance
		default:
			return "", fmt.Errorf("%w: pvsystem property %q", ErrCommand, prop)
		}
	case "line", "switch":
		l, ok := e.lines[name]
		if !ok {
			return "", fmt.Errorf("%w: unknown line %s", ErrCommand, name)
		}
		switch prop {
		case "closed":
			if l.closed[0] && l.closed[1] {
				v = 1
			}
		case "locked":
			if l.locked {
				v = 1
			}
		default:
			return "", fmt.Errorf("%w: line property %q", ErrCommand, prop)
		}
	default:
		return "", fmt.Errorf("%w: unsupported class %q", ErrCommand, class)
	}
	return strconv.FormatFloat(v, 'g', -1, 64), nil
}

// SolveStep applies switch controls, re-computes energization, dispatches
// storage over elapsed seconds and totals the source power.
func (e *Engine) SolveStep(elapsed float64) error {
	if e.circuit == nil {
		return ErrNoCircuit
	}
	if elapsed < 0 || math.IsNaN(elapsed) {
		return fmt.Errorf("%w: negative step %v", ErrCommand, elapsed)
	}
	e.applySwitchControls()
	e.energize()

	p, q := 0.0, 0.0
	for _, ld := range e.circuit.Loads {
		if e.energized[ld.Bus] {
			p += ld.KW
			q += ld.KVar
		}
	}
	for _, name := range e.stoOrder {
		u := e.storage[name]
		u.dispatch(elapsed, e.energized[u.bus])
		p -= u.actualKW
		q -= u.actualVar
	}
	for _, name := range e.pvOrder {
		u := e.pv[name]
		u.kw = 0
		if e.energized[u.bus] {
			u.kw = math.Min(u.pmpp*u.irradiance, u.kva)
		}
		p -= u.kw
	}

	if e.circuit.LimitKW > 0 && math.Abs(p) > e.circuit.LimitKW {
		return fmt.Errorf("%w: net demand %.1f kW exceeds %.1f kW", ErrNotConverged, p, e.circuit.LimitKW)
	}
	e.p, e.q = p, q
	e.solved = true
	return nil
}

func (e *Engine) applySwitchControls() {
	for _, name := range e.lineOrder {
		l := e.lines[name]
		if l.SwitchControl == nil || l.locked {
			continue
		}
		normal := l.SwitchControl.Normal == "closed"
		if l.closed[0] != normal || l.closed[1] != normal {
			logrus.Debugf("engine: switch control returns %s to %s", name, l.SwitchControl.Normal)
		}
		l.closed = [2]bool{normal, normal}
	}
}

// energize marks every bus reachable from the source through lines closed
// at both terminals.
func (e *Engine) energize() {
	adj := make(map[string][]string, len(e.busPhases))
	for _, name := range e.lineOrder {
		l := e.lines[name]
		if l.closed[0] && l.closed[1] {
			adj[l.Bus1] = append(adj[l.Bus1], l.Bus2)
			adj[l.Bus2] = append(adj[l.Bus2], l.Bus1)
		}
	}
	e.energized = map[string]bool{e.circuit.SourceBus: true}
	queue := []string{e.circuit.SourceBus}
	for len(queue) > 0 {
		bus := queue[0]
		queue = queue[1:]
		for _, next := range adj[bus] {
			if !e.energized[next] {
				e.energized[next] = true
				queue = append(queue, next)
			}
		}
	}
}

// dispatch clips the set-point to the rating and to the energy available
// over the step, then integrates state of charge. Positive kW discharges.
func (u *storageUnit) dispatch(elapsed float64, energized bool) {
	if !energized {
		u.actualKW, u.actualVar = 0, 0
		return
	}
	kw := clamp(u.setKW, -u.kwRated, u.kwRated)
	hours := elapsed / 3600
	switch {
	case kw > 0 && hours > 0:
		kw = math.Min(kw, u.soc*u.kwhRated/hours)
	case kw < 0 && hours > 0:
		kw = math.Max(kw, -(1-u.soc)*u.kwhRated/hours)
	case kw > 0 && u.soc <= 0, kw < 0 && u.soc >= 1:
		kw = 0
	}
	kvarMax := math.Sqrt(math.Max(0, u.kwRated*u.kwRated-kw*kw))
	u.actualKW = kw
	u.actualVar = clamp(u.setKVar, -kvarMax, kvarMax)
	u.soc = clamp(u.soc-kw*hours/u.kwhRated, 0, 1)
}

// BusVoltage returns per-phase magnitudes: the source voltage on energized
// buses, zero elsewhere.
func (e *Engine) BusVoltage(bus string) ([]float64, error) {
	if e.circuit == nil {
		return nil, ErrNoCircuit
	}
	phases, ok := e.busPhases[bus]
	if !ok {
		return nil, fmt.Errorf("%w: unknown bus %q", ErrCommand, bus)
	}
	if !e.solved {
		return nil, fmt.Errorf("engine: circuit has not been solved")
	}
	v := 0.0
	if e.energized[bus] {
		v = e.circuit.SourcePU
	}
	out := make([]float64, phases)
	for i := range out {
		out[i] = v
	}
	return out, nil
}

// TotalPower returns the net source power after the last solve.
func (e *Engine) TotalPower() (float64, float64, error) {
	if e.circuit == nil {
		return 0, 0, ErrNoCircuit
	}
	if !e.solved {
		return 0, 0, fmt.Errorf("engine: circuit has not been solved")
	}
	return e.p, e.q, nil
}

// Energized reports whether bus was reachable from the source at the last solve.
func (e *Engine) Energized(bus string) bool {
	return e.energized[bus]
}

// Close drops the circuit. Later calls fail with ErrNoCircuit.
func (e *Engine) Close() error {
	e.circuit = nil
	return nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
