// Package ems is a rule-based energy management system for storage.
//
// It keeps a bus graph of the circuit, opens and closes edges as
// reliability events arrive, and dispatches the storage of every connected
// component against that component's own generation and demand. A feeder
// section cut off from the source is therefore balanced by the storage
// inside it.
package ems

import (
	"errors"
	"fmt"
	"sort"

	"github.com/kandersolar/quest-ssim/sim/engine"
	"github.com/kandersolar/quest-ssim/sim/reliability"
)

var (
	// ErrUnknownElement is returned for an edge the network does not have.
	ErrUnknownElement = errors.New("ems: unknown element")
	// ErrUnknownBus is returned when a device or edge names a missing bus.
	ErrUnknownBus = errors.New("ems: unknown bus")
	// ErrUnknownDevice is returned for updates to unregistered devices.
	ErrUnknownDevice = errors.New("ems: unknown device")
	// ErrDuplicate is returned when a name is registered twice.
	ErrDuplicate = errors.New("ems: duplicate name")
)

type edge struct {
	bus1, bus2 string
	closed     bool
}

// Network is an undirected bus graph with per-bus load demand.
//
// Thread-safety: NOT thread-safe.
type Network struct {
	buses  []string
	busIdx map[string]int
	edges  map[string]*edge
	order  []string // edge registration order
	loadKW map[string]float64
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{
		busIdx: make(map[string]int),
		edges:  make(map[string]*edge),
		loadKW: make(map[string]float64),
	}
}

// NetworkFromCircuit builds the network of a circuit file. Lines start
// closed except switches whose control is normally open.
func NetworkFromCircuit(c *engine.Circuit) (*Network, error) {
	n := NewNetwork()
	for _, b := range c.Buses {
		n.AddBus(b.Name)
	}
	for _, l := range c.Lines {
		closed := l.SwitchControl == nil || l.SwitchControl.Normal != "open"
		if err := n.AddEdge(l.Name, l.Bus1, l.Bus2, closed); err != nil {
			return nil, err
		}
	}
	for _, ld := range c.Loads {
		if err := n.AddLoad(ld.Bus, ld.KW); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// AddBus registers a bus. Registering a bus twice is a no-op.
func (n *Network) AddBus(name string) {
	if _, ok := n.busIdx[name]; ok {
		return
	}
	n.busIdx[name] = len(n.buses)
	n.buses = append(n.buses, name)
}

// HasBus reports whether bus is registered.
func (n *Network) HasBus(bus string) bool {
	_, ok := n.busIdx[bus]
	return ok
}

// AddEdge registers a line or switch between two known buses.
func (n *Network) AddEdge(id, bus1, bus2 string, closed bool) error {
	if _, ok := n.edges[id]; ok {
		return fmt.Errorf("%w: edge %s", ErrDuplicate, id)
	}
	for _, b := range []string{bus1, bus2} {
		if !n.HasBus(b) {
			return fmt.Errorf("%w: %s on edge %s", ErrUnknownBus, b, id)
		}
	}
	n.edges[id] = &edge{bus1: bus1, bus2: bus2, closed: closed}
	n.order = append(n.order, id)
	return nil
}

// AddLoad adds kw of demand at bus.
func (n *Network) AddLoad(bus string, kw float64) error {
	if !n.HasBus(bus) {
		return fmt.Errorf("%w: %s", ErrUnknownBus, bus)
	}
	n.loadKW[bus] += kw
	return nil
}

// SetEdge opens or closes an edge.
func (n *Network) SetEdge(id string, closed bool) error {
	e, ok := n.edges[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownElement, id)
	}
	e.closed = closed
	return nil
}

// Closed reports whether the edge is closed.
func (n *Network) Closed(id string) (bool, error) {
	e, ok := n.edges[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownElement, id)
	}
	return e.closed, nil
}

// Apply updates the topology for one reliability event: an event carrying
// the open mode removes the edge, any other mode puts it back.
func (n *Network) Apply(ev reliability.Event) error {
	return n.SetEdge(ev.Element, ev.Mode != reliability.ModeOpen)
}

// Components returns the connected components over closed edges. Buses
// inside a component and the components themselves are ordered by bus
// registration.
func (n *Network) Components() [][]string {
	adj := make(map[string][]string, len(n.buses))
	for _, id := range n.order {
		e := n.edges[id]
		if !e.closed {
			continue
		}
		adj[e.bus1] = append(adj[e.bus1], e.bus2)
		adj[e.bus2] = append(adj[e.bus2], e.bus1)
	}

	seen := make(map[string]bool, len(n.buses))
	var out [][]string
	for _, start := range n.buses {
		if seen[start] {
			continue
		}
		seen[start] = true
		component := []string{start}
		queue := []string{start}
		for len(queue) > 0 {
			b := queue[0]
			queue = queue[1:]
			for _, next := range adj[b] {
				if !seen[next] {
					seen[next] = true
					component = append(component, next)
					queue = append(queue, next)
				}
			}
		}
		sort.Slice(component, func(i, j int) bool {
			return n.busIdx[component[i]] < n.busIdx[component[j]]
		})
		out = append(out, component)
	}
	return out
}

// LoadKW returns the total demand on the given buses.
func (n *Network) LoadKW(buses []string) float64 {
	total := 0.0
	for _, b := range buses {
		total += n.loadKW[b]
	}
	return total
}
