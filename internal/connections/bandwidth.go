package connections

import "time"

const (
	rateWindow = time.Second
	rateDecay  = 0.7
)

// rateEstimator turns byte counts into an exponentially weighted bytes per
// second estimate, sampled over one-second windows.
type rateEstimator struct {
	windowStart time.Time
	pending     int64
	estimate    float64
}

func (r *rateEstimator) add(now time.Time, n int64) {
	if r.windowStart.IsZero() {
		r.windowStart = now
	}
	if elapsed := now.Sub(r.windowStart); elapsed >= rateWindow {
		r.estimate = r.fold(elapsed)
		r.windowStart = now
		r.pending = 0
	}
	r.pending += n
}

// current reports the estimate at now, folding in the open window when it
// has lasted at least one sampling period so idle clients decay towards zero.
func (r *rateEstimator) current(now time.Time) float64 {
	if r.windowStart.IsZero() {
		return 0
	}
	if elapsed := now.Sub(r.windowStart); elapsed >= rateWindow {
		return r.fold(elapsed)
	}
	return r.estimate
}

func (r *rateEstimator) fold(elapsed time.Duration) float64 {
	sample := float64(r.pending) / elapsed.Seconds()
	return rateDecay*r.estimate + (1-rateDecay)*sample
}
