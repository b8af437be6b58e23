package cosim

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

type memberState int

const (
	stateJoined memberState = iota
	stateEntered
	stateExecuting
	stateFinalized
)

type member struct {
	name      string
	endpoints map[string]bool
	state     memberState

	granted float64
	request float64
	waiting bool
	grant   chan float64
	ready   chan struct{}

	pending []Message            // not yet delivered
	inbox   map[string][]Message // delivered, by endpoint
}

// nextTime is the earliest time this member may be granted.
func (m *member) nextTime() float64 {
	t := m.request
	for _, msg := range m.pending {
		if msg.Time < t {
			t = msg.Time
		}
	}
	return t
}

// deliver moves pending messages due at or before t into the inbox.
func (m *member) deliver(t float64) {
	kept := m.pending[:0]
	for _, msg := range m.pending {
		if msg.Time <= t {
			_, ep, _ := strings.Cut(msg.Destination, "/")
			m.inbox[ep] = append(m.inbox[ep], msg)
			continue
		}
		kept = append(kept, msg)
	}
	m.pending = kept
}

// Broker is an in-process co-simulation bus. Time advances only when every
// executing federate is blocked in RequestTime; the smallest candidate time
// is then granted to every federate that wants it.
//
// Thread-safety: all methods are safe for concurrent use; each federate
// handle is meant to be driven by one goroutine.
type Broker struct {
	mu        sync.Mutex
	members   map[string]*member
	order     []string
	executing bool
	delivered int
	grants    int
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{members: make(map[string]*member)}
}

// Join registers a federate. All federates must join before any of them
// completes EnterExecutingMode.
func (b *Broker) Join(name string, cfg FederateConfig) (Federate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.executing {
		return nil, &BusError{Federate: name, Op: "join", Err: ErrJoinClosed}
	}
	if name == "" || strings.Contains(name, "/") {
		return nil, &BusError{Federate: name, Op: "join", Err: fmt.Errorf("invalid federate name %q", name)}
	}
	if _, ok := b.members[name]; ok {
		return nil, &BusError{Federate: name, Op: "join", Err: ErrDuplicateFederate}
	}
	m := &member{
		name:      name,
		endpoints: make(map[string]bool, len(cfg.Endpoints)),
		grant:     make(chan float64, 1),
		ready:     make(chan struct{}),
		inbox:     make(map[string][]Message),
	}
	for _, ep := range cfg.Endpoints {
		m.endpoints[ep] = true
	}
	b.members[name] = m
	b.order = append(b.order, name)
	logrus.Debugf("cosim: %s joined with endpoints %v", name, cfg.Endpoints)
	return &brokerFederate{broker: b, m: m}, nil
}

// Stats returns the number of time grants issued and messages delivered.
func (b *Broker) Stats() (grants, delivered int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.grants, b.delivered
}

// maybeStart moves every entered federate to executing once no federate is
// still in the joined state. Caller holds b.mu.
func (b *Broker) maybeStart() {
	if b.executing {
		return
	}
	entered := 0
	for _, name := range b.order {
		switch b.members[name].state {
		case stateJoined:
			return
		case stateEntered:
			entered++
		}
	}
	if entered == 0 {
		return
	}
	b.executing = true
	for _, name := range b.order {
		m := b.members[name]
		if m.state == stateEntered {
			m.state = stateExecuting
			close(m.ready)
		}
	}
	logrus.Debugf("cosim: federation executing with %d federates", entered)
}

// tryGrant grants the next time if every executing federate is waiting.
// Caller holds b.mu.
func (b *Broker) tryGrant() {
	next := math.Inf(1)
	active := 0
	for _, name := range b.order {
		m := b.members[name]
		if m.state != stateExecuting {
			continue
		}
		if !m.waiting {
			return
		}
		active++
		next = math.Min(next, m.nextTime())
	}
	if active == 0 {
		return
	}
	for _, name := range b.order {
		m := b.members[name]
		if m.state != stateExecuting || m.nextTime() != next {
			continue
		}
		before := countInbox(m)
		m.deliver(next)
		b.delivered += countInbox(m) - before
		m.granted = next
		m.waiting = false
		b.grants++
		m.grant <- next
	}
}

func countInbox(m *member) int {
	n := 0
	for _, msgs := range m.inbox {
		n += len(msgs)
	}
	return n
}

// brokerFederate is a Federate handle on a Broker.
type brokerFederate struct {
	broker *Broker
	m      *member
}

func (f *brokerFederate) Name() string { return f.m.name }

func (f *brokerFederate) fail(op string, err error) error {
	return &BusError{Federate: f.m.name, Op: op, Err: err}
}

func (f *brokerFederate) EnterExecutingMode(ctx context.Context) error {
	b := f.broker
	b.mu.Lock()
	if f.m.state != stateJoined {
		b.mu.Unlock()
		return f.fail("enter executing mode", fmt.Errorf("already entered"))
	}
	f.m.state = stateEntered
	b.maybeStart()
	b.mu.Unlock()

	select {
	case <-f.m.ready:
		return nil
	case <-ctx.Done():
		return f.fail("enter executing mode", ctx.Err())
	}
}

func (f *brokerFederate) RequestTime(ctx context.Context, desired float64) (float64, error) {
	b := f.broker
	b.mu.Lock()
	switch {
	case f.m.state == stateFinalized:
		b.mu.Unlock()
		return 0, f.fail("request time", ErrFinalized)
	case f.m.state != stateExecuting:
		b.mu.Unlock()
		return 0, f.fail("request time", ErrNotExecuting)
	case math.IsNaN(desired):
		b.mu.Unlock()
		return 0, f.fail("request time", ErrInvalidTimeRequest)
	}
	f.m.request = math.Max(desired, f.m.granted)
	f.m.waiting = true
	b.tryGrant()
	b.mu.Unlock()

	select {
	case t := <-f.m.grant:
		return t, nil
	case <-ctx.Done():
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case t := <-f.m.grant:
		return t, nil
	default:
	}
	f.m.waiting = false
	return 0, f.fail("request time", ctx.Err())
}

func (f *brokerFederate) Publish(endpoint, destination string, payload []byte) error {
	b := f.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if f.m.state != stateExecuting {
		return f.fail("publish", ErrNotExecuting)
	}
	if !f.m.endpoints[endpoint] {
		return f.fail("publish", fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpoint))
	}
	fed, ep, ok := strings.Cut(destination, "/")
	target, known := b.members[fed]
	if !ok || !known || !target.endpoints[ep] {
		return f.fail("publish", fmt.Errorf("%w: %s", ErrUnknownDestination, destination))
	}
	if target.state == stateFinalized {
		logrus.Warnf("cosim: %s already finalized, dropping message from %s", fed, f.m.name)
		return nil
	}
	target.pending = append(target.pending, Message{
		Source:      Destination(f.m.name, endpoint),
		Destination: destination,
		Time:        f.m.granted,
		Payload:     append([]byte(nil), payload...),
	})
	return nil
}

func (f *brokerFederate) Receive(endpoint string) []Message {
	b := f.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := f.m.inbox[endpoint]
	delete(f.m.inbox, endpoint)
	return msgs
}

func (f *brokerFederate) Finalize() error {
	b := f.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if f.m.state == stateFinalized {
		return nil
	}
	f.m.state = stateFinalized
	f.m.waiting = false
	logrus.Debugf("cosim: %s finalized at t=%v", f.m.name, f.m.granted)
	b.maybeStart()
	b.tryGrant()
	return nil
}
