package strategy

import "math"

// Indicator math stays in float64; precision loss here is tolerable and
// never touches order quantities or PnL.

// EMA is an exponential moving average with period-derived smoothing.
type EMA struct {
	period int
	alpha  float64
	value  float64
	primed bool
}

// NewEMA returns an EMA over the given period.
func NewEMA(period int) *EMA {
	return &EMA{period: period, alpha: 2.0 / (float64(period) + 1)}
}

// Update folds in the next observation and returns the current value.
func (e *EMA) Update(v float64) float64 {
	if !e.primed {
		e.value = v
		e.primed = true
		return e.value
	}
	e.value = e.alpha*v + (1-e.alpha)*e.value
	return e.value
}

// Value returns the current average, zero before the first update.
func (e *EMA) Value() float64 { return e.value }

// Primed reports whether at least one observation has been folded in.
func (e *EMA) Primed() bool { return e.primed }

// ATR is Wilder's average true range over a fixed period.
type ATR struct {
	period    int
	value     float64
	prevClose float64
	count     int
}

// NewATR returns an ATR over the given period.
func NewATR(period int) *ATR {
	return &ATR{period: period}
}

// Update folds in one bar's high/low/close and returns the current range.
func (a *ATR) Update(high, low, close float64) float64 {
	tr := high - low
	if a.count > 0 {
		tr = math.Max(tr, math.Max(math.Abs(high-a.prevClose), math.Abs(low-a.prevClose)))
	}
	a.prevClose = close
	a.count++

	if a.count == 1 {
		a.value = tr
	} else if a.count <= a.period {
		// Simple average while warming up.
		a.value = (a.value*float64(a.count-1) + tr) / float64(a.count)
	} else {
		a.value = (a.value*float64(a.period-1) + tr) / float64(a.period)
	}
	return a.value
}

// Value returns the current average true range.
func (a *ATR) Value() float64 { return a.value }

// Primed reports whether a full period of bars has been seen.
func (a *ATR) Primed() bool { return a.count >= a.period }

// RollingStd is the sample standard deviation over a sliding window.
type RollingStd struct {
	window []float64
	size   int
}

// NewRollingStd returns a rolling standard deviation over size observations.
func NewRollingStd(size int) *RollingStd {
	return &RollingStd{size: size}
}

// Update appends an observation, evicting the oldest past the window.
func (r *RollingStd) Update(v float64) {
	r.window = append(r.window, v)
	if len(r.window) > r.size {
		r.window = r.window[1:]
	}
}

// Value returns the standard deviation, zero with fewer than two samples.
func (r *RollingStd) Value() float64 {
	n := len(r.window)
	if n < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range r.window {
		mean += v
	}
	mean /= float64(n)

	sum := 0.0
	for _, v := range r.window {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(n-1))
}

// clamp bounds v into [lo, hi].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// mean averages a slice; zero for an empty one.
func mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}
