package testutil

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kandersolar/quest-ssim/sim/grid"
)

// ErrInjected is the default error returned by scripted failures.
var ErrInjected = errors.New("injected solver failure")

// FakeSolver records every call and answers queries from canned values.
type FakeSolver struct {
	Loaded   string
	Commands []string
	Steps    []float64
	Closed   int

	// FailCommands maps a command prefix to the error it should return.
	FailCommands map[string]error
	// FailStep makes the n-th SolveStep call (1-based) fail; 0 disables.
	FailStep int
	// FailLoad makes LoadModel fail.
	FailLoad error

	// Responses maps query commands ("? storage.s1.kw") to their result.
	Responses map[string]string
	Voltages  map[string][]float64
	P, Q      float64
}

// NewFakeSolver returns an empty, always-succeeding solver.
func NewFakeSolver() *FakeSolver {
	return &FakeSolver{
		FailCommands: make(map[string]error),
		Responses:    make(map[string]string),
		Voltages:     make(map[string][]float64),
	}
}

func (f *FakeSolver) LoadModel(path string) error {
	if f.FailLoad != nil {
		return f.FailLoad
	}
	f.Loaded = path
	return nil
}

func (f *FakeSolver) RunCommand(cmd string) (string, error) {
	for prefix, err := range f.FailCommands {
		if strings.HasPrefix(cmd, prefix) {
			return "", err
		}
	}
	f.Commands = append(f.Commands, cmd)
	if strings.HasPrefix(cmd, "?") {
		res, ok := f.Responses[cmd]
		if !ok {
			return "", fmt.Errorf("no canned response for %q", cmd)
		}
		return res, nil
	}
	return "", nil
}

func (f *FakeSolver) SolveStep(elapsed float64) error {
	if f.FailStep > 0 && len(f.Steps)+1 == f.FailStep {
		return ErrInjected
	}
	f.Steps = append(f.Steps, elapsed)
	return nil
}

func (f *FakeSolver) BusVoltage(bus string) ([]float64, error) {
	v, ok := f.Voltages[bus]
	if !ok {
		return nil, fmt.Errorf("unknown bus %s", bus)
	}
	return v, nil
}

func (f *FakeSolver) TotalPower() (float64, float64, error) {
	return f.P, f.Q, nil
}

func (f *FakeSolver) Close() error {
	f.Closed++
	return nil
}

// CommandsWithPrefix returns the recorded commands starting with prefix.
func (f *FakeSolver) CommandsWithPrefix(prefix string) []string {
	var out []string
	for _, c := range f.Commands {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// ListingSolver is a FakeSolver that also enumerates its elements.
type ListingSolver struct {
	*FakeSolver
	Listed []grid.ElementInfo
}

func (l *ListingSolver) Elements() []grid.ElementInfo {
	return l.Listed
}
