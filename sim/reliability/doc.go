// Package reliability generates time-ordered failure and restoration events
// for grid elements.
//
// Each element is described by a FailureProcess: an exponential time to
// failure and a uniform repair window. A Model merges the per-element
// processes into one lazy sequence that callers drain with Events(horizon)
// and inspect with Peek(). Random draws come from a per-element stream of a
// sim.PartitionedRNG, so a fixed seed replays the same sequence bit for bit.
package reliability
