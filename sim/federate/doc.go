// Package federate implements the participants of a grid co-simulation.
//
// Every federate follows the same lifecycle: it joins a cosim.Bus, enters
// executing mode, then loops requesting the earliest time it needs to act
// and handling whatever is due at the time actually granted. The loop ends
// once the granted time reaches the configured horizon.
//
//   - Reliability draws failure and restoration events from a reliability
//     model. In a combined federation it applies them to its own circuit; in
//     a split federation it publishes one message per event to the grid.
//   - Grid owns the circuit in a split federation. It applies delivered
//     events and storage set-points, solves and records a snapshot.
//   - Storage runs a storage controller and publishes its set-points.
//   - EMS follows reliability events and the device status the circuit
//     owner publishes after each solve, and dispatches every managed
//     battery against the demand of its own connected component.
package federate
