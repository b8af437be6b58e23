package grid

// Solver is the numeric power-flow engine driven by a Manager.
// The manager only issues commands and reads results; it never reaches
// into solver internals.
type Solver interface {
	// LoadModel loads a circuit description from path.
	LoadModel(path string) error
	// RunCommand executes one command and returns its textual result.
	RunCommand(cmd string) (string, error)
	// SolveStep advances time-integrated state by elapsed seconds and solves.
	SolveStep(elapsed float64) error
	// BusVoltage returns per-node voltage magnitudes in per unit.
	BusVoltage(bus string) ([]float64, error)
	// TotalPower returns the net power drawn from the source (kW, kvar).
	TotalPower() (p, q float64, err error)
	// Close releases the solver and any open model files.
	Close() error
}

// ElementLister is implemented by solvers that can enumerate their
// failable elements.
type ElementLister interface {
	Elements() []ElementInfo
}
