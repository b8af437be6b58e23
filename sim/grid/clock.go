package grid

// DefaultMaxStep is the largest single solver step, in seconds.
const DefaultMaxStep = 900.0

// Clock tracks the solver's simulation time.
// Only Manager.Solve moves it forward.
type Clock struct {
	last    float64
	solved  bool
	maxStep float64
}

// LastSolved returns the last solved time and whether any solve has succeeded.
func (c Clock) LastSolved() (float64, bool) {
	return c.last, c.solved
}

// NextUpdate is the latest time the next mandatory solve may happen.
// It is 0 before the first solve.
func (c Clock) NextUpdate() float64 {
	if !c.solved {
		return 0
	}
	return c.last + c.maxStep
}

// MaxStep returns the configured maximum step.
func (c Clock) MaxStep() float64 {
	return c.maxStep
}

// plan splits the advance to t into equal steps no longer than maxStep.
// It returns the step start, step length and count.
func (c Clock) plan(t float64) (start, step float64, n int) {
	if c.solved {
		start = c.last
	}
	elapsed := t - start
	n = 1
	if elapsed > c.maxStep {
		n = int(elapsed / c.maxStep)
		if float64(n)*c.maxStep < elapsed {
			n++
		}
	}
	return start, elapsed / float64(n), n
}
