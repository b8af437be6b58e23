// Package sim provides the shared seeding primitives for the grid
// reliability co-simulator.
//
// # Reading Guide
//
// Start with these files to understand a run:
//   - reliability/model.go: seeded failure and restore event generation
//   - grid/manager.go: element state machine, storage and PV, and the solve loop
//   - federate/reliability.go: the time loop that applies or publishes events
//
// # Architecture
//
// The sim package holds the partitioned RNG; everything else lives in
// sub-packages:
//   - sim/reliability/: per-element failure processes merged into one event stream
//   - sim/grid/: circuit state manager over a command-driven Solver
//   - sim/engine/: an in-process Solver for YAML circuits
//   - sim/cosim/: the co-simulation bus, its in-process broker and MQTT/NATS mirrors
//   - sim/federate/: reliability, grid and storage federates
//   - sim/record/: SQLite journal and InfluxDB recorders
//   - sim/trace/: event and time-grant trace recording
//
// # Key Interfaces
//
//   - grid.Solver: load, command and solve a circuit
//   - cosim.Federate: enter executing mode, request time, publish and receive
//   - federate.EventSource: yield reliability events up to a time
//   - federate.Controller: a storage controller stepped by its federate
//   - record.Recorder: persist snapshots and events outside the process
package sim
