package reliability

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

var (
	// ErrInvalidProcess is returned for out-of-range failure parameters.
	ErrInvalidProcess = errors.New("reliability: invalid failure process")
	// ErrDuplicateElement is returned when an element is registered twice.
	ErrDuplicateElement = errors.New("reliability: duplicate element")
)

// maxResample bounds how many times a non-advancing draw is redrawn before
// the cursor is nudged to the next representable time.
const maxResample = 16

// FailureProcess describes how one element fails and is repaired.
// FailureRate is in events per second; repair bounds are in seconds.
type FailureProcess struct {
	Element     string
	FailureRate float64
	MinRepair   float64
	MaxRepair   float64
	RestoreMode Mode // defaults to ModeClosed
	Terminal    int  // defaults to DefaultTerminal
}

// Validate checks the process parameters.
func (p FailureProcess) Validate() error {
	if p.Element == "" {
		return fmt.Errorf("%w: element id is empty", ErrInvalidProcess)
	}
	if math.IsNaN(p.FailureRate) || math.IsInf(p.FailureRate, 0) || p.FailureRate < 0 {
		return fmt.Errorf("%w: %s: failure rate %v must be a finite value >= 0", ErrInvalidProcess, p.Element, p.FailureRate)
	}
	if math.IsNaN(p.MinRepair) || math.IsNaN(p.MaxRepair) || math.IsInf(p.MaxRepair, 0) {
		return fmt.Errorf("%w: %s: repair bounds must be finite", ErrInvalidProcess, p.Element)
	}
	if p.MinRepair < 0 || p.MinRepair > p.MaxRepair {
		return fmt.Errorf("%w: %s: repair window [%v, %v] must satisfy 0 <= min <= max",
			ErrInvalidProcess, p.Element, p.MinRepair, p.MaxRepair)
	}
	if p.FailureRate > 0 && p.MaxRepair == 0 {
		return fmt.Errorf("%w: %s: repair window must be longer than zero", ErrInvalidProcess, p.Element)
	}
	if p.RestoreMode != "" && !IsValidMode(p.RestoreMode) {
		return fmt.Errorf("%w: %s: unknown restore mode %q", ErrInvalidProcess, p.Element, p.RestoreMode)
	}
	if p.Terminal < 0 {
		return fmt.Errorf("%w: %s: terminal %d must be >= 1", ErrInvalidProcess, p.Element, p.Terminal)
	}
	return nil
}

func (p FailureProcess) restoreMode() Mode {
	if p.RestoreMode == "" {
		return ModeClosed
	}
	return p.RestoreMode
}

func (p FailureProcess) terminal() int {
	if p.Terminal == 0 {
		return DefaultTerminal
	}
	return p.Terminal
}

// cursor holds the next undelivered event of one process.
type cursor struct {
	proc  FailureProcess
	order int // registration index, breaks timestamp ties
	rng   *rand.Rand
	next  Event
	done  bool
}

func newCursor(p FailureProcess, order int, rng *rand.Rand) *cursor {
	c := &cursor{proc: p, order: order, rng: rng}
	if p.FailureRate == 0 {
		c.done = true
		return c
	}
	c.scheduleFail(0)
	return c
}

// advance replaces the delivered event with its successor.
func (c *cursor) advance() {
	prev := c.next
	if prev.Kind == KindFail {
		c.scheduleRestore(prev.Time)
		return
	}
	c.scheduleFail(prev.Time)
}

func (c *cursor) scheduleFail(after float64) {
	t, ok := c.drawAfter(after, func() float64 {
		return c.rng.ExpFloat64() / c.proc.FailureRate
	})
	if !ok {
		c.done = true
		return
	}
	c.next = Event{
		Element: c.proc.Element,
		Kind:    KindFail,
		Time:    t,
		Mode:    ModeOpen,
		Data:    map[string]any{"terminal": c.proc.terminal()},
	}
}

func (c *cursor) scheduleRestore(failedAt float64) {
	lo, hi := c.proc.MinRepair, c.proc.MaxRepair
	t, ok := c.drawAfter(failedAt, func() float64 {
		return lo + c.rng.Float64()*(hi-lo)
	})
	if !ok {
		c.done = true
		return
	}
	c.next = Event{
		Element: c.proc.Element,
		Kind:    KindRestore,
		Time:    t,
		Mode:    c.proc.restoreMode(),
		Data:    map[string]any{"terminal": c.proc.terminal()},
	}
}

// drawAfter returns after+delay for a freshly drawn delay, redrawing when
// the result does not move strictly past after. An infinite result means
// the process never produces another event.
func (c *cursor) drawAfter(after float64, delay func() float64) (float64, bool) {
	for i := 0; i < maxResample; i++ {
		t := after + delay()
		if math.IsInf(t, 1) {
			return 0, false
		}
		if !math.IsNaN(t) && t > after {
			return t, true
		}
	}
	return math.Nextafter(after, math.Inf(1)), true
}
