package grid

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below unwrap to one of these.
var (
	ErrInvalidStep     = errors.New("grid: invalid time step")
	ErrAlreadyFailed   = errors.New("grid: element already failed")
	ErrNotFailed       = errors.New("grid: element not failed")
	ErrSolve           = errors.New("grid: solver error")
	ErrUnknownElement  = errors.New("grid: unknown element")
	ErrUnknownDevice   = errors.New("grid: unknown device")
	ErrDuplicate       = errors.New("grid: duplicate name")
	ErrInvalidMode     = errors.New("grid: invalid switch mode")
	ErrInvalidTerminal = errors.New("grid: invalid terminal")
	ErrInvalidDevice   = errors.New("grid: invalid device specification")
	ErrClosed          = errors.New("grid: manager closed")
)

// StepError reports a time advance that would move the solver backwards
// or to a non-finite time.
type StepError struct {
	Last      float64
	Requested float64
	Reason    string
}

func (e *StepError) Error() string {
	return fmt.Sprintf("grid: invalid time step to %v from %v: %s", e.Requested, e.Last, e.Reason)
}

func (e *StepError) Unwrap() error { return ErrInvalidStep }

// TransitionError reports a fail or restore that the element's current
// mode does not allow.
type TransitionError struct {
	Element string
	From    ElementMode
	Op      string
	err     error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("grid: cannot %s %s in mode %s: %v", e.Op, e.Element, e.From, e.err)
}

func (e *TransitionError) Unwrap() error { return e.err }

// SolveError wraps a solver rejection or non-convergence.
// Time is the simulation time the solver was being driven to.
type SolveError struct {
	Time    float64
	Command string
	Err     error
}

func (e *SolveError) Error() string {
	if e.Command != "" {
		return fmt.Sprintf("grid: solver failed at t=%v on %q: %v", e.Time, e.Command, e.Err)
	}
	return fmt.Sprintf("grid: solver failed at t=%v: %v", e.Time, e.Err)
}

func (e *SolveError) Unwrap() []error { return []error{ErrSolve, e.Err} }
