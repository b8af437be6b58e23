package grid

import "fmt"

// ElementMode is the operating mode of a failable element.
type ElementMode int

const (
	ModeNormal ElementMode = iota
	ModeForcedOpen
	ModeForcedClosed
	ModeLockedCurrent
)

var modeNames = map[ElementMode]string{
	ModeNormal:        "NORMAL",
	ModeForcedOpen:    "FORCED_OPEN",
	ModeForcedClosed:  "FORCED_CLOSED",
	ModeLockedCurrent: "LOCKED_CURRENT",
}

func (m ElementMode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("ElementMode(%d)", int(m))
}

// Failed reports whether the mode is one of the forced failure modes.
func (m ElementMode) Failed() bool {
	return m != ModeNormal
}

// SwitchAction is the terminal action applied on fail or restore.
type SwitchAction string

const (
	SwitchOpen    SwitchAction = "open"
	SwitchClosed  SwitchAction = "closed"
	SwitchCurrent SwitchAction = "current"
)

// failedModes maps a failure action to the mode it leaves the element in.
var failedModes = map[SwitchAction]ElementMode{
	SwitchOpen:    ModeForcedOpen,
	SwitchClosed:  ModeForcedClosed,
	SwitchCurrent: ModeLockedCurrent,
}

// ParseSwitchAction converts a mode string such as "open" to a SwitchAction.
func ParseSwitchAction(s string) (SwitchAction, error) {
	a := SwitchAction(s)
	if _, ok := failedModes[a]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
	return a, nil
}

// ElementInfo describes a failable element known to the solver.
type ElementInfo struct {
	ID        string
	Kind      string // solver element class, e.g. "line"
	Terminals int
}

// ElementState is the manager's view of one element.
// Terminal is the terminal held by the current failure, 0 when NORMAL.
type ElementState struct {
	ElementInfo
	Mode     ElementMode
	Locked   bool
	Terminal int
}

// FullName is the solver-qualified element name.
func (e ElementState) FullName() string {
	return e.Kind + "." + e.ID
}

// checkFail validates a fail request against the element's state.
func (e *ElementState) checkFail(terminal int) error {
	if err := e.checkTerminal(terminal); err != nil {
		return err
	}
	if e.Mode.Failed() {
		return &TransitionError{Element: e.ID, From: e.Mode, Op: "fail", err: ErrAlreadyFailed}
	}
	return nil
}

// checkRestore validates a restore request against the element's state.
func (e *ElementState) checkRestore(terminal int) error {
	if err := e.checkTerminal(terminal); err != nil {
		return err
	}
	if !e.Mode.Failed() {
		return &TransitionError{Element: e.ID, From: e.Mode, Op: "restore", err: ErrNotFailed}
	}
	if terminal != e.Terminal {
		return fmt.Errorf("%w: %s failed on terminal %d, restore names %d", ErrInvalidTerminal, e.ID, e.Terminal, terminal)
	}
	return nil
}

func (e *ElementState) checkTerminal(terminal int) error {
	if terminal < 1 || terminal > e.Terminals {
		return fmt.Errorf("%w: %s has %d terminals, got %d", ErrInvalidTerminal, e.ID, e.Terminals, terminal)
	}
	return nil
}
