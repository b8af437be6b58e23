// Package cosim provides the co-simulation bus that federates use to
// advance time together and exchange timestamped messages.
//
// A Bus admits federates; a Federate handle enters executing mode once,
// then repeatedly requests time and publishes messages addressed to
// "<federate>/<endpoint>". Broker is the in-process implementation.
package cosim

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors. Bus failures are returned as *BusError wrapping one of these.
var (
	ErrBus                = errors.New("cosim: bus error")
	ErrUnknownDestination = errors.New("cosim: unknown destination")
	ErrUnknownEndpoint    = errors.New("cosim: unknown endpoint")
	ErrNotExecuting       = errors.New("cosim: federate is not executing")
	ErrFinalized          = errors.New("cosim: federate finalized")
	ErrDuplicateFederate  = errors.New("cosim: duplicate federate")
	ErrJoinClosed         = errors.New("cosim: federation already executing")
	ErrInvalidTimeRequest = errors.New("cosim: invalid time request")
)

// BusError reports a failed bus operation. It is fatal to the federate.
type BusError struct {
	Federate string
	Op       string
	Err      error
}

func (e *BusError) Error() string {
	return fmt.Sprintf("cosim: %s %s: %v", e.Federate, e.Op, e.Err)
}

func (e *BusError) Unwrap() []error { return []error{ErrBus, e.Err} }

// Message is a payload delivered between endpoints. Time is the sender's
// granted time when it published.
type Message struct {
	Source      string
	Destination string
	Time        float64
	Payload     []byte
}

// FederateConfig lists the endpoints a federate owns.
type FederateConfig struct {
	Endpoints []string
}

// Bus admits federates into a federation.
type Bus interface {
	Join(name string, cfg FederateConfig) (Federate, error)
}

// Federate is one participant's handle on the bus.
type Federate interface {
	Name() string
	// EnterExecutingMode blocks until every joined federate has entered.
	EnterExecutingMode(ctx context.Context) error
	// RequestTime blocks until the bus grants a time. The granted time may
	// be earlier than desired when messages are due sooner.
	RequestTime(ctx context.Context, desired float64) (float64, error)
	// Publish sends payload from one of this federate's endpoints to
	// destination ("<federate>/<endpoint>").
	Publish(endpoint, destination string, payload []byte) error
	// Receive drains messages delivered to endpoint up to the granted time.
	Receive(endpoint string) []Message
	// Finalize leaves the federation. Later calls fail with ErrFinalized.
	Finalize() error
}

// Destination joins a federate and endpoint name into an address.
func Destination(federate, endpoint string) string {
	return federate + "/" + endpoint
}
