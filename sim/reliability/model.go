package reliability

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/kandersolar/quest-ssim/sim"
)

// Model merges the failure processes of all registered elements into one
// time-ordered event sequence. Every event is returned exactly once.
//
// Thread-safety: NOT thread-safe. A Model belongs to one federate.
type Model struct {
	rng      *sim.PartitionedRNG
	heap     *cursorHeap
	elements []string
	index    map[string]int
	returned int
}

// NewModel builds a model over the given processes, registered in order.
func NewModel(rng *sim.PartitionedRNG, processes []FailureProcess) (*Model, error) {
	if rng == nil {
		return nil, fmt.Errorf("reliability: random source is nil")
	}
	m := &Model{
		rng:   rng,
		heap:  newCursorHeap(),
		index: make(map[string]int),
	}
	for _, p := range processes {
		if err := m.Add(p); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Add registers one more process. Registration order breaks ties between
// events that share a timestamp.
func (m *Model) Add(p FailureProcess) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if _, ok := m.index[p.Element]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateElement, p.Element)
	}
	order := len(m.elements)
	m.index[p.Element] = order
	m.elements = append(m.elements, p.Element)

	c := newCursor(p, order, m.rng.ForSubsystem(sim.SubsystemElement(p.Element)))
	if c.done {
		logrus.Debugf("reliability: %s has failure rate 0, no events", p.Element)
		return nil
	}
	m.heap.schedule(c)
	return nil
}

// Elements returns the registered element ids in registration order.
func (m *Model) Elements() []string {
	out := make([]string, len(m.elements))
	copy(out, m.elements)
	return out
}

// Events returns every not yet returned event with timestamp <= horizon,
// ordered by timestamp and then by registration order.
func (m *Model) Events(horizon float64) []Event {
	var out []Event
	for {
		top := m.heap.peek()
		if top == nil || top.next.Time > horizon {
			break
		}
		out = append(out, top.next)
		m.heap.advanceTop()
	}
	m.returned += len(out)
	return out
}

// Peek returns the timestamp of the earliest pending event, or +Inf when
// no process will produce another event.
func (m *Model) Peek() float64 {
	top := m.heap.peek()
	if top == nil {
		return math.Inf(1)
	}
	return top.next.Time
}

// Returned reports how many events have been handed out so far.
func (m *Model) Returned() int {
	return m.returned
}
