package trace

import "sync"

// TraceLevel controls the verbosity of run tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing (zero overhead).
	TraceLevelNone TraceLevel = "none"
	// TraceLevelEvents captures reliability event handling only.
	TraceLevelEvents TraceLevel = "events"
	// TraceLevelFull also captures every time grant.
	TraceLevelFull TraceLevel = "full"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:   true,
	TraceLevelEvents: true,
	TraceLevelFull:   true,
	"":               true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// TraceConfig controls trace collection behavior.
type TraceConfig struct {
	Level TraceLevel
}

// SimulationTrace collects records from every federate of a run.
// Safe for concurrent use: federates record from their own goroutines.
type SimulationTrace struct {
	Config TraceConfig
	Grants []GrantRecord
	Events []EventRecord
	mu     sync.Mutex
}

// NewSimulationTrace creates a SimulationTrace ready for recording.
func NewSimulationTrace(config TraceConfig) *SimulationTrace {
	return &SimulationTrace{
		Config: config,
		Grants: make([]GrantRecord, 0),
		Events: make([]EventRecord, 0),
	}
}

// RecordGrant appends a grant record at TraceLevelFull.
func (st *SimulationTrace) RecordGrant(record GrantRecord) {
	if st == nil || st.Config.Level != TraceLevelFull {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.Grants = append(st.Grants, record)
}

// RecordEvent appends an event record at TraceLevelEvents or above.
func (st *SimulationTrace) RecordEvent(record EventRecord) {
	if st == nil || (st.Config.Level != TraceLevelEvents && st.Config.Level != TraceLevelFull) {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.Events = append(st.Events, record)
}
