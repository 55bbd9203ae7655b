// Package pacer controls the issue rate of benchmark requests.
package pacer

import (
	"fmt"
	"math"
	"time"
)

// Pacer answers, for the n-th request, how long after start it should be
// issued. ok == false stops the run.
type Pacer interface {
	Next(sent int64) (wait time.Duration, ok bool)
}

// Constant issues requests at a fixed frequency.
type Constant struct {
	interval time.Duration
}

func NewConstant(freq uint64) (Constant, error) {
	if freq == 0 {
		return Constant{}, fmt.Errorf("freq must be positive")
	}
	return Constant{time.Second / time.Duration(freq)}, nil
}

func (p Constant) Next(sent int64) (time.Duration, bool) {
	return time.Duration(sent) * p.interval, true
}

// Unlimited issues requests as fast as the channel admits them.
type Unlimited struct{}

func (Unlimited) Next(int64) (time.Duration, bool) { return 0, true }

// Ramp linearly changes the rate from one frequency to another over a
// duration.
type Ramp struct {
	twoA        float64
	bSquare     float64
	b           float64
	billionDivA float64
}

func NewRamp(from, to float64, d time.Duration) Ramp {
	a := (to - from) / float64(d/1e9)
	return Ramp{
		twoA:        2 * a,
		bSquare:     from * from,
		b:           from,
		billionDivA: 1e9 / a,
	}
}

func (p Ramp) Next(sent int64) (time.Duration, bool) {
	return time.Duration((math.Sqrt(p.twoA*float64(sent)+p.bSquare) - p.b) * p.billionDivA), true
}

// WithLimit stops the run after a fixed number of requests.
type WithLimit struct {
	p     Pacer
	limit int64
}

func NewWithLimit(p Pacer, limit int64) WithLimit {
	return WithLimit{p, limit}
}

func (l WithLimit) Next(sent int64) (time.Duration, bool) {
	if sent >= l.limit {
		return 0, false
	}
	return l.p.Next(sent)
}
