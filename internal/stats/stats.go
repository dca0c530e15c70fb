// Package stats accumulates echo round-trip statistics for the final
// session report.
package stats

import (
	"errors"
	"math"
	"sync"
	"time"
)

// ErrInsufficientData is returned by Finalize when nothing was ever
// transmitted, so loss cannot be computed.
var ErrInsufficientData = errors.New("stats: no packets transmitted")

// Accumulator collects transmitted/received counts and RTT moments.
// All RTT values are in milliseconds. Safe for concurrent use: the session
// loop writes while the health endpoint reads snapshots.
type Accumulator struct {
	mu sync.Mutex

	transmitted int
	received    int

	min   float64
	max   float64
	sum   float64
	sumSq float64
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{min: math.MaxFloat64}
}

// Sent counts one transmitted echo request.
func (a *Accumulator) Sent() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.transmitted++
}

// Record counts one received reply and folds its RTT into the moments.
func (a *Accumulator) Record(rttMS float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.received++
	a.min = math.Min(a.min, rttMS)
	a.max = math.Max(a.max, rttMS)
	a.sum += rttMS
	a.sumSq += rttMS * rttMS
}

// Transmitted returns the number of echo requests sent so far.
func (a *Accumulator) Transmitted() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.transmitted
}

// Received returns the number of replies matched so far.
func (a *Accumulator) Received() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.received
}

// Report is the final summary produced at session shutdown.
type Report struct {
	Transmitted int
	Received    int
	Lost        int
	LossPercent float64
	Elapsed     time.Duration

	// HasRTT is false when no replies arrived; the RTT fields below are
	// then meaningless and must be reported as unavailable, never as NaN.
	HasRTT bool
	MinMS  float64
	AvgMS  float64
	MaxMS  float64
	MdevMS float64
}

// Finalize computes the report. It guards every division: zero transmitted
// yields ErrInsufficientData, zero received yields a report without RTT
// figures.
func (a *Accumulator) Finalize(elapsed time.Duration) (Report, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.transmitted == 0 {
		return Report{}, ErrInsufficientData
	}

	r := Report{
		Transmitted: a.transmitted,
		Received:    a.received,
		Lost:        a.transmitted - a.received,
		LossPercent: float64(a.transmitted-a.received) / float64(a.transmitted) * 100,
		Elapsed:     elapsed,
	}

	if a.received > 0 {
		n := float64(a.received)
		avg := a.sum / n
		// Guard the variance against negative rounding residue.
		variance := a.sumSq/n - avg*avg
		if variance < 0 {
			variance = 0
		}
		r.HasRTT = true
		r.MinMS = a.min
		r.AvgMS = avg
		r.MaxMS = a.max
		r.MdevMS = math.Sqrt(variance)
	}

	return r, nil
}
