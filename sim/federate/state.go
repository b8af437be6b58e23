package federate

import "fmt"

// State is a federate's lifecycle state. It only moves forward.
type State int

const (
	StateInitializing State = iota
	StateExecuting
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateExecuting:
		return "EXECUTING"
	case StateComplete:
		return "COMPLETE"
	}
	return fmt.Sprintf("State(%d)", int(s))
}
