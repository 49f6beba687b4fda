package l3psd

import (
	"math"
	"sync"
	"time"

	"github.com/banshee-data/strain.report/internal/strain"
)

// HealthDecision is the outcome of comparing a candidate estimate against
// the current one.
type HealthDecision string

const (
	// HealthSteady: the candidate agrees with the current estimate; keep
	// the current one until the recompute interval elapses.
	HealthSteady HealthDecision = "steady"
	// HealthRecalculate: the candidate differs enough that the current
	// estimate is stale; adopt the candidate immediately.
	HealthRecalculate HealthDecision = "recalculate"
	// HealthAbort: the candidate differs so much that the detector's noise
	// state cannot be trusted; suspend the detector for this increment.
	HealthAbort HealthDecision = "abort"
)

// EvaluateHealth compares sensitive distances of the current and candidate
// estimates against the hysteresis thresholds. It is a pure function: given
// identical inputs it always returns the same decision.
func EvaluateHealth(currentDistMpc, candidateDistMpc, recalcThreshold, abortThreshold float64) HealthDecision {
	if currentDistMpc <= 0 {
		return HealthRecalculate
	}
	frac := math.Abs(candidateDistMpc-currentDistMpc) / currentDistMpc
	switch {
	case abortThreshold > 0 && frac > abortThreshold:
		return HealthAbort
	case recalcThreshold > 0 && frac > recalcThreshold:
		return HealthRecalculate
	default:
		return HealthSteady
	}
}

// TrackerConfig configures one detector's PSD tracker.
type TrackerConfig struct {
	EstimatorConfig

	RecalcIntervalSec int     // routine recompute cadence (default: 64s)
	MinDistanceMpc    float64 // sensitive-distance health bounds; estimate
	MaxDistanceMpc    float64 // outside [min, max] suspends the detector
	RecalcThreshold   float64 // fractional change forcing immediate adoption (default: 0.02)
	AbortThreshold    float64 // fractional change flagging the detector unhealthy (default: 0.15)
}

// Tracker owns the PSD estimate for one detector. The matched filter reads
// the estimate returned by Advance and never mutates it; Tracker replaces
// the estimate wholesale between increments.
type Tracker struct {
	cfg TrackerConfig
	est *Estimator

	mu               sync.Mutex
	current          *strain.PSDEstimate
	lastAdoptedNanos int64
	suspendedSince   int64 // 0 when healthy
}

// NewTracker builds a Tracker with defaults applied.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.RecalcIntervalSec <= 0 {
		cfg.RecalcIntervalSec = 64
	}
	if cfg.RecalcThreshold <= 0 {
		cfg.RecalcThreshold = 0.02
	}
	if cfg.AbortThreshold <= 0 {
		cfg.AbortThreshold = 0.15
	}
	est, err := NewEstimator(cfg.EstimatorConfig)
	if err != nil {
		return nil, err
	}
	return &Tracker{cfg: cfg, est: est}, nil
}

// Observe folds a conditioned segment into the periodogram window. Must be
// called before Advance for the same increment; the tracker never looks
// ahead of data it has been given.
func (t *Tracker) Observe(seg *strain.StrainSegment) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.est.AddSegment(seg)
}

// Advance runs the per-increment health decision for the increment starting
// at nowNanos and returns the estimate to filter with plus whether the
// detector is live. A nil estimate always means not live.
func (t *Tracker) Advance(nowNanos int64) (*strain.PSDEstimate, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	candidate, err := t.est.Estimate(nowNanos, nowNanos+int64(t.cfg.RecalcIntervalSec)*int64(time.Second))
	if err != nil {
		// Not enough data accumulated yet; detector warms up silently.
		strain.Tracef("[PSDTracker] %s: warming up: %v", t.cfg.Detector, err)
		return nil, false
	}

	intervalElapsed := t.current == nil ||
		nowNanos-t.lastAdoptedNanos >= int64(t.cfg.RecalcIntervalSec)*int64(time.Second)

	var currentDist float64
	if t.current != nil {
		currentDist = t.current.SensitiveDistanceMpc
	}
	decision := EvaluateHealth(currentDist, candidate.SensitiveDistanceMpc,
		t.cfg.RecalcThreshold, t.cfg.AbortThreshold)

	switch decision {
	case HealthAbort:
		if t.suspendedSince == 0 {
			t.suspendedSince = nowNanos
			strain.Opsf("[PSDTracker] %s: noise estimate moved %.1f%% (> abort threshold), suspending detector",
				t.cfg.Detector, 100*math.Abs(candidate.SensitiveDistanceMpc-currentDist)/currentDist)
		}
		return nil, false
	case HealthRecalculate:
		t.adopt(candidate, nowNanos)
	case HealthSteady:
		if intervalElapsed {
			t.adopt(candidate, nowNanos)
		}
	}

	if t.suspendedSince != 0 {
		strain.Opsf("[PSDTracker] %s: noise estimate settled, resuming after %.0fs",
			t.cfg.Detector, float64(nowNanos-t.suspendedSince)/float64(time.Second))
		t.suspendedSince = 0
	}

	// Distance bounds check on the estimate in force. Out-of-bounds is a
	// detector dropout for this increment only; retried next increment.
	d := t.current.SensitiveDistanceMpc
	if (t.cfg.MinDistanceMpc > 0 && d < t.cfg.MinDistanceMpc) ||
		(t.cfg.MaxDistanceMpc > 0 && d > t.cfg.MaxDistanceMpc) {
		strain.Diagf("[PSDTracker] %s: sensitive distance %.1f Mpc outside [%.1f, %.1f], dropping increment at %d",
			t.cfg.Detector, d, t.cfg.MinDistanceMpc, t.cfg.MaxDistanceMpc, nowNanos)
		return nil, false
	}

	return t.current, true
}

func (t *Tracker) adopt(est *strain.PSDEstimate, nowNanos int64) {
	t.current = est
	t.lastAdoptedNanos = nowNanos
	strain.Diagf("[PSDTracker] %s: adopted estimate at %d: range %.1f Mpc over %d periodograms",
		t.cfg.Detector, nowNanos, est.SensitiveDistanceMpc, est.SegmentsUsed)
}

// Current returns the estimate in force without advancing, for status
// endpoints and snapshots. May be nil during warmup.
func (t *Tracker) Current() *strain.PSDEstimate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// InterpolateTo resamples a PSD onto a different frequency grid by linear
// interpolation, for use when the filter FFT length differs from the PSD
// segment length.
func InterpolateTo(psd *strain.PSDEstimate, deltaF float64, bins int) []float64 {
	out := make([]float64, bins)
	for k := 0; k < bins; k++ {
		f := float64(k) * deltaF
		pos := f / psd.DeltaF
		i := int(pos)
		if i >= len(psd.Power)-1 {
			out[k] = psd.Power[len(psd.Power)-1]
			continue
		}
		frac := pos - float64(i)
		out[k] = psd.Power[i]*(1-frac) + psd.Power[i+1]*frac
	}
	return out
}
