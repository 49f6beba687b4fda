package l6coinc

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/strain.report/internal/strain"
)

// SingleConfig tunes the single-detector candidate path, used when only one
// detector is live or a trigger is loud enough to stand on its own.
type SingleConfig struct {
	// Hard cuts a trigger must pass before it can become a candidate.
	NewSNRThreshold     float64 // default 9
	ReducedChisqCeiling float64 // default 2
	MinTemplateDuration float64 // seconds, default 7
	// FitThreshold is the lower edge of the newsnr tail used for the
	// exponential noise-rate fit.
	FitThreshold float64 // default 6.5

	// MinFitCount withholds IFAR until this many tail samples exist.
	MinFitCount int // default 100
}

func (c *SingleConfig) withDefaults() {
	if c.NewSNRThreshold == 0 {
		c.NewSNRThreshold = 9
	}
	if c.ReducedChisqCeiling == 0 {
		c.ReducedChisqCeiling = 2
	}
	if c.MinTemplateDuration == 0 {
		c.MinTemplateDuration = 7
	}
	if c.FitThreshold == 0 {
		c.FitThreshold = 6.5
	}
	if c.MinFitCount == 0 {
		c.MinFitCount = 100
	}
}

// SingleDetector ranks lone-detector triggers against an exponential fit to
// that detector's own newsnr tail. The fit is a maximum-likelihood estimate
// of the tail decay rate, so the noise rate above a candidate's statistic is
//
//	rate(s) = N/T * exp(-(s - fitThreshold)/mean(sample - fitThreshold))
//
// and the candidate's IFAR is its reciprocal.
type SingleDetector struct {
	cfg SingleConfig

	mu       sync.Mutex
	tails    map[string][]float64 // per detector, newsnr above FitThreshold
	livetime map[string]int64     // per detector, nanoseconds analyzed
}

func NewSingleDetector(cfg SingleConfig) *SingleDetector {
	cfg.withDefaults()
	return &SingleDetector{
		cfg:      cfg,
		tails:    map[string][]float64{},
		livetime: map[string]int64{},
	}
}

// Observe feeds one increment of a detector's clustered triggers into the
// tail fit and advances its livetime.
func (s *SingleDetector) Observe(detector string, trigs []strain.Trigger, increment time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range trigs {
		if t.NewSNR >= s.cfg.FitThreshold {
			s.tails[detector] = append(s.tails[detector], t.NewSNR)
		}
	}
	s.livetime[detector] += increment.Nanoseconds()
}

// Candidate evaluates one trigger as a lone-detector event. Returns false
// when the trigger fails the hard cuts or the tail fit is not yet populated
// enough to quote an IFAR.
func (s *SingleDetector) Candidate(t strain.Trigger) (strain.CoincidenceEvent, bool) {
	if t.NewSNR < s.cfg.NewSNRThreshold {
		return strain.CoincidenceEvent{}, false
	}
	if t.ReducedChisq > s.cfg.ReducedChisqCeiling {
		return strain.CoincidenceEvent{}, false
	}
	if t.TemplateDurationSec < s.cfg.MinTemplateDuration {
		return strain.CoincidenceEvent{}, false
	}

	ifar, ok := s.ifarYears(t.Detector, t.NewSNR)
	if !ok {
		return strain.CoincidenceEvent{}, false
	}

	return strain.CoincidenceEvent{
		EventID:      uuid.NewString(),
		SlideIndex:   0,
		Detectors:    []string{t.Detector},
		Triggers:     []strain.Trigger{t},
		TimeNanos:    t.PeakNanos,
		CombinedStat: t.NewSNR,
		IFARYears:    ifar,
	}, true
}

func (s *SingleDetector) ifarYears(detector string, stat float64) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tail := s.tails[detector]
	if len(tail) < s.cfg.MinFitCount {
		return 0, false
	}
	livetimeSec := float64(s.livetime[detector]) / float64(time.Second)
	if livetimeSec <= 0 {
		return 0, false
	}

	// MLE for the exponential decay of the tail above the fit threshold.
	var sum float64
	for _, v := range tail {
		sum += v - s.cfg.FitThreshold
	}
	mean := sum / float64(len(tail))
	if mean <= 0 {
		return 0, false
	}

	rateAbove := float64(len(tail)) / livetimeSec * math.Exp(-(stat-s.cfg.FitThreshold)/mean)
	if rateAbove <= 0 {
		return math.Inf(1), true
	}
	return 1 / rateAbove / secondsPerYear, true
}

// TailSize reports the fit sample counts per detector, for status pages.
func (s *SingleDetector) TailSize() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.tails))
	for k, v := range s.tails {
		out[k] = len(v)
	}
	return out
}
