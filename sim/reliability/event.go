package reliability

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Kind distinguishes failures from restorations.
type Kind string

const (
	KindFail    Kind = "fail"
	KindRestore Kind = "restore"
)

// Mode is the terminal action carried by an event.
type Mode string

const (
	// ModeOpen opens the element terminal.
	ModeOpen Mode = "open"
	// ModeClosed closes the element terminal.
	ModeClosed Mode = "closed"
	// ModeCurrent leaves the terminal where it is.
	ModeCurrent Mode = "current"
)

var validKinds = map[Kind]bool{KindFail: true, KindRestore: true}

var validModes = map[Mode]bool{ModeOpen: true, ModeClosed: true, ModeCurrent: true}

// IsValidMode reports whether m is a recognized terminal mode.
func IsValidMode(m Mode) bool {
	return validModes[m]
}

// ErrDecode is returned when an event message cannot be decoded.
var ErrDecode = errors.New("reliability: invalid event message")

// DefaultTerminal is used when an event carries no terminal in its data.
const DefaultTerminal = 1

// Event is a single failure or restoration of one element.
// Time is in simulation seconds.
type Event struct {
	Element string
	Kind    Kind
	Time    float64
	Mode    Mode
	Data    map[string]any
}

// Terminal returns the affected terminal from the event data. Data that
// does not hold an integral terminal yields DefaultTerminal; DecodeEvent
// rejects such messages.
func (e Event) Terminal() int {
	v, ok := e.Data["terminal"]
	if !ok {
		return DefaultTerminal
	}
	n, err := terminalValue(v)
	if err != nil {
		return DefaultTerminal
	}
	return n
}

func terminalValue(v any) (int, error) {
	var f float64
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		f = t
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n), nil
		}
		parsed, err := t.Float64()
		if err != nil {
			return 0, fmt.Errorf("terminal %q is not a number", t)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("terminal %v is not a number", v)
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt32 {
		return 0, fmt.Errorf("terminal %v is not an integer", f)
	}
	return int(f), nil
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s @%.3fs (%s)", e.Kind, e.Element, e.Time, e.Mode)
}

// wireEvent is the JSON message body published on the bus.
type wireEvent struct {
	Type    Kind           `json:"type"`
	Mode    Mode           `json:"mode"`
	Element string         `json:"element"`
	Time    float64        `json:"time"`
	Data    map[string]any `json:"data"`
}

// Encode serializes the event to its JSON message form.
func Encode(e Event) ([]byte, error) {
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	return json.Marshal(wireEvent{
		Type:    e.Kind,
		Mode:    e.Mode,
		Element: e.Element,
		Time:    e.Time,
		Data:    data,
	})
}

// DecodeEvent parses and validates a JSON event message.
func DecodeEvent(payload []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var w wireEvent
	if err := dec.Decode(&w); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if !validKinds[w.Type] {
		return Event{}, fmt.Errorf("%w: unknown type %q", ErrDecode, w.Type)
	}
	if !validModes[w.Mode] {
		return Event{}, fmt.Errorf("%w: unknown mode %q", ErrDecode, w.Mode)
	}
	if w.Element == "" {
		return Event{}, fmt.Errorf("%w: missing element", ErrDecode)
	}
	if v, ok := w.Data["terminal"]; ok {
		if _, err := terminalValue(v); err != nil {
			return Event{}, fmt.Errorf("%w: %s: %v", ErrDecode, w.Element, err)
		}
	}
	return Event{
		Element: w.Element,
		Kind:    w.Type,
		Time:    w.Time,
		Mode:    w.Mode,
		Data:    w.Data,
	}, nil
}
