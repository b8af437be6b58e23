// Package trace records time grants and reliability event handling for
// post-run analysis. This package has no dependencies on other sim
// packages; it stores pure data types.
package trace

// GrantRecord captures one time request and what the bus granted.
type GrantRecord struct {
	Federate  string
	Requested float64
	Granted   float64
}

// Preempted reports whether the bus granted an earlier time than requested.
func (g GrantRecord) Preempted() bool {
	return g.Granted < g.Requested
}

// EventRecord captures how one reliability event was consumed.
// Reason is set when the event could not be applied.
type EventRecord struct {
	Federate  string
	Element   string
	Kind      string // "fail" or "restore"
	Mode      string
	Time      float64
	Applied   bool
	Published bool
	Reason    string
}
