// Package metrics scores simulated quantities against a limit and an
// objective and accumulates the scores over simulated time.
//
// A normalized score is 0 at the limit and 1 at the objective. Values past
// the limit fall off quadratically, values between limit and objective rise
// along a square-root curve, and values past the objective keep rising
// slowly. The curve is continuous at the limit and at the objective.
package metrics

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrMetric is returned for invalid metric parameters.
var ErrMetric = errors.New("metrics: invalid metric")

// ImprovementType is the sense of a metric: whether it is better when
// smaller, larger or close to a value.
type ImprovementType int

const (
	Minimize ImprovementType = iota
	Maximize
	SeekValue
)

func (t ImprovementType) String() string {
	switch t {
	case Minimize:
		return "minimize"
	case Maximize:
		return "maximize"
	case SeekValue:
		return "seek value"
	}
	return fmt.Sprintf("ImprovementType(%d)", int(t))
}

// ParseImprovementType accepts min, minimize, max, maximize, seek,
// seekvalue, "seek value" and the digits 0 to 2, case-insensitively.
func ParseImprovementType(s string) (ImprovementType, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	switch key {
	case "min", "minimize":
		return Minimize, nil
	case "max", "maximize":
		return Maximize, nil
	case "seek", "seekvalue", "seek value":
		return SeekValue, nil
	}
	if n, err := strconv.Atoi(key); err == nil && n >= int(Minimize) && n <= int(SeekValue) {
		return ImprovementType(n), nil
	}
	return 0, fmt.Errorf("%w: unknown sense %q", ErrMetric, s)
}

// DefaultImprovementType infers the sense from the ordering of limit and
// objective. Equal values have no default.
func DefaultImprovementType(limit, objective float64) (ImprovementType, bool) {
	switch {
	case limit < objective:
		return Maximize, true
	case limit > objective:
		return Minimize, true
	}
	return 0, false
}

// Default shape parameters.
const (
	DefaultA = 5.0
	DefaultB = 5.0
	DefaultC = 0.0
	DefaultG = 0.2
)

// Metric maps raw values onto the normalized score.
type Metric struct {
	Limit     float64
	Objective float64
	Sense     ImprovementType

	// A and B shape the violated region, C offsets the feasible region and
	// G scales the super-optimal region.
	A, B, C, G float64
}

// NewMetric returns a metric with the default shape.
func NewMetric(limit, objective float64, sense ImprovementType) (Metric, error) {
	m := Metric{
		Limit:     limit,
		Objective: objective,
		Sense:     sense,
		A:         DefaultA,
		B:         DefaultB,
		C:         DefaultC,
		G:         DefaultG,
	}
	return m, m.Validate()
}

// Validate checks that limit and objective are ordered for the sense.
func (m Metric) Validate() error {
	if math.IsNaN(m.Limit) || math.IsNaN(m.Objective) || math.IsInf(m.Limit, 0) || math.IsInf(m.Objective, 0) {
		return fmt.Errorf("%w: limit %v and objective %v must be finite", ErrMetric, m.Limit, m.Objective)
	}
	switch m.Sense {
	case Minimize:
		if !(m.Limit > m.Objective) {
			return fmt.Errorf("%w: limit must be greater than objective for minimization", ErrMetric)
		}
	case Maximize:
		if !(m.Limit < m.Objective) {
			return fmt.Errorf("%w: limit must be less than objective for maximization", ErrMetric)
		}
	case SeekValue:
		if m.Limit == m.Objective {
			return fmt.Errorf("%w: limit cannot be equal to objective", ErrMetric)
		}
	default:
		return fmt.Errorf("%w: unknown sense %v", ErrMetric, m.Sense)
	}
	if !(m.B > 1-m.C) {
		return fmt.Errorf("%w: shape b=%v c=%v leaves the feasible curve undefined", ErrMetric, m.B, m.C)
	}
	return nil
}

// Normalize scores value.
func (m Metric) Normalize(value float64) float64 {
	switch m.Sense {
	case Minimize:
		return m.maxNorm(-value, -m.Limit, -m.Objective)
	case Maximize:
		return m.maxNorm(value, m.Limit, m.Objective)
	}
	// A seek metric is symmetric about the objective and uses the tighter
	// of the limit and its mirror image on each side.
	mirror := m.Objective - (m.Limit - m.Objective)
	if value <= m.Objective {
		return m.maxNorm(value, math.Min(m.Limit, mirror), m.Objective)
	}
	return m.maxNorm(-value, -math.Max(m.Limit, mirror), -m.Objective)
}

// maxNorm scores value for a metric that improves upwards.
func (m Metric) maxNorm(value, limit, objective float64) float64 {
	r := (value - limit) / (objective - limit)
	switch {
	case value < limit:
		return -(m.A*r*r)/2 + m.B*r + m.C
	case value < objective:
		d := m.d()
		return d*math.Sqrt(r+m.f(d)) + m.C - m.psi(d)
	}
	h := m.h(m.d())
	return m.G*math.Sqrt(r+h-1) - m.phi(h) + 1
}

func (m Metric) d() float64 {
	x := 1 - 2*m.C + m.C*m.C
	y := m.C + m.B - 1
	return math.Sqrt(m.B * x / y)
}

func (m Metric) f(d float64) float64 {
	v := d / (2 * m.B)
	return v * v
}

func (m Metric) psi(d float64) float64 { return d * d / (2 * m.B) }

func (m Metric) h(d float64) float64 { return m.G * m.G * (m.f(d) + 1) / (d * d) }

func (m Metric) phi(h float64) float64 { return m.G * math.Sqrt(h) }
