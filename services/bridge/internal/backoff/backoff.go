// Package backoff holds retry delay strategies for the bridge's polling loops.
// Strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand"
	"time"

	"github.com/xinkaiwang/clusterbridge/libs/xklib/kerror"
)

// Strategy computes the delay before poll attempt n (1-indexed).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Constant always returns Interval.
type Constant struct {
	Interval time.Duration
}

func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Linear: min(Initial * attempt, Max).
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

func NewLinear(initial, maxDelay time.Duration) *Linear {
	return &Linear{Initial: initial, Max: maxDelay}
}

func (l *Linear) Delay(attempt int) time.Duration {
	d := l.Initial * time.Duration(attempt)
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

// Exponential: min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

func (e *Exponential) Delay(attempt int) time.Duration {
	d := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		return e.Max
	}
	return time.Duration(d)
}

// ExponentialWithJitter: uniform in [0, min(Initial * 2^(attempt-1), Max)].
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	return time.Duration(rand.Float64() * base)
}

// FromName builds the strategy named by a config value: constant, linear,
// exponential or jitter. initial is the first delay, maxDelay caps the
// growing strategies (0 means no cap).
func FromName(name string, initial, maxDelay time.Duration) (Strategy, error) {
	switch name {
	case "", "constant":
		return NewConstant(initial), nil
	case "linear":
		return NewLinear(initial, maxDelay), nil
	case "exponential":
		return NewExponential(initial, maxDelay), nil
	case "jitter":
		return NewExponentialWithJitter(initial, maxDelay), nil
	}
	return nil, kerror.Create("UnknownBackoff", "unknown backoff strategy").
		With("name", name).
		WithErrorCode(kerror.EC_INVALID_PARAMETER)
}
