// Package backoff computes the delay between automatic retry attempts.
// Strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"strings"
	"time"
)

// Strategy computes the delay before retry attempt n (1-indexed: attempt 1 is
// the first retry after the initial failure).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Exponential doubles the delay each attempt: min(Base * 2^(attempt-1), Max).
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

func NewExponential(base, maxDelay time.Duration) *Exponential {
	return &Exponential{Base: base, Max: maxDelay}
}

func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(e.Base) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		return e.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Linear grows the delay by Base each attempt: min(Base * attempt, Max).
type Linear struct {
	Base time.Duration
	Max  time.Duration
}

func NewLinear(base, maxDelay time.Duration) *Linear {
	return &Linear{Base: base, Max: maxDelay}
}

func (l *Linear) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := l.Base * time.Duration(attempt)
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

// FromName maps a configured strategy name to a Strategy. Unknown names fall
// back to exponential.
func FromName(name string, base, maxDelay time.Duration) Strategy {
	switch strings.ToLower(name) {
	case "linear":
		return NewLinear(base, maxDelay)
	default:
		return NewExponential(base, maxDelay)
	}
}

// Default is exponential from 2s, capped at one minute.
func Default() Strategy {
	return NewExponential(2*time.Second, time.Minute)
}
