package strain

import (
	"fmt"
	"time"
)

// SegmentState represents the validity of a strain segment with respect to
// downstream filtering.
type SegmentState string

const (
	// SegmentValid indicates normal data suitable for matched filtering.
	SegmentValid SegmentState = "valid"
	// SegmentGapped indicates zero-filled data from a read timeout or a
	// gap in the source stream. Gapped spans advance the analysis clock
	// but must not be filtered.
	SegmentGapped SegmentState = "gapped"
	// SegmentGated indicates data that was partially zeroed by autogating.
	// Filtering proceeds, but triggers inside gated intervals are discounted.
	SegmentGated SegmentState = "gated"
	// SegmentInvalid indicates data withdrawn after the fact, e.g. because
	// the matched filter hit the SNR ceiling (a data-quality fault, not a
	// loud signal).
	SegmentInvalid SegmentState = "invalid"
)

// GatedInterval is a half-open sample-index interval [Start, End) that was
// zeroed (with tapering) by the Conditioner. Indices are relative to the
// segment's sample array, pad included.
type GatedInterval struct {
	Start int
	End   int
}

// Contains reports whether sample index i falls inside the interval.
func (g GatedInterval) Contains(i int) bool { return i >= g.Start && i < g.End }

// StrainSegment is one fixed-increment block of strain samples for a single
// detector, with a look-back pad at the head for filter settling.
//
// A segment is owned by exactly one stage at a time: the segment builder
// hands it to the conditioner, which hands it downstream. No stage mutates a
// segment it has already passed on.
type StrainSegment struct {
	Detector   string
	StartNanos int64 // GPS-epoch nanoseconds of the first pad sample
	SampleRate int   // samples per second
	PadSamples int   // look-back pad length at the head of Samples
	Samples    []float64
	State      SegmentState
	Gated      []GatedInterval
}

// AnalysisStartNanos returns the start time of the analysis span, i.e. the
// segment start advanced past the look-back pad.
func (s *StrainSegment) AnalysisStartNanos() int64 {
	return s.StartNanos + int64(s.PadSamples)*int64(time.Second)/int64(s.SampleRate)
}

// Duration returns the wall-clock extent of the full sample array.
func (s *StrainSegment) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(s.Samples)) * time.Second / time.Duration(s.SampleRate)
}

// SampleNanos converts a sample index (pad included) to GPS-epoch nanoseconds.
func (s *StrainSegment) SampleNanos(i int) int64 {
	return s.StartNanos + int64(i)*int64(time.Second)/int64(s.SampleRate)
}

// InGatedInterval reports whether sample index i falls inside any gated interval.
func (s *StrainSegment) InGatedInterval(i int) bool {
	for _, g := range s.Gated {
		if g.Contains(i) {
			return true
		}
	}
	return false
}

// PSDEstimate is a one-sided noise power spectral density for one detector,
// valid over [StartNanos, EndNanos). Owned by the PSD tracker; the matched
// filter only ever reads it.
type PSDEstimate struct {
	Detector   string
	StartNanos int64
	EndNanos   int64
	DeltaF     float64   // frequency resolution, Hz
	Power      []float64 // len = nfft/2 + 1

	// SensitiveDistanceMpc is the horizon-style scalar derived from the
	// estimate and used for detector health checks.
	SensitiveDistanceMpc float64

	// SegmentsUsed is the number of segments that went into the median.
	SegmentsUsed int
}

// FrequencyBins returns the number of one-sided frequency bins.
func (p *PSDEstimate) FrequencyBins() int { return len(p.Power) }

// SNRSeries is the complex matched-filter output for one (detector, template)
// pair over one segment's analysis window.
type SNRSeries struct {
	Detector   string
	TemplateID int64
	StartNanos int64 // time of Z[0], pad excluded
	SampleRate int
	Z          []complex128
	Sigma      float64 // template normalization sqrt(<h|h>)
}

// SampleNanos converts an SNR sample index to GPS-epoch nanoseconds.
func (s *SNRSeries) SampleNanos(i int) int64 {
	return s.StartNanos + int64(i)*int64(time.Second)/int64(s.SampleRate)
}

// Trigger is a single-detector candidate: one clustered SNR peak with its
// veto statistics and ranking statistic. Immutable once clustered.
type Trigger struct {
	Detector   string
	TemplateID int64
	PeakNanos  int64
	SNR        float64
	Phase      float64

	// ReducedChisq is the sub-band chi-squared divided by its degrees of
	// freedom. Values near 1 indicate chirp-like morphology.
	ReducedChisq float64
	ChisqDOF     int

	// SGVeto is the signal-based veto statistic from residual power at
	// template-dependent time offsets.
	SGVeto float64

	// PSDVar is the short-timescale PSD variation statistic at the peak.
	PSDVar float64

	// NewSNR is the chi-squared-reweighted ranking statistic.
	NewSNR float64

	// TemplateDurationSec is the duration of the matched template, used for
	// duration-binned single-detector significance fits.
	TemplateDurationSec float64
}

// TimeSlide is an integer-indexed artificial time offset applied to one or
// more detectors' trigger times for background estimation. Slide 0 is the
// foreground (zero offset everywhere). Definitions are process-wide and
// immutable after startup.
type TimeSlide struct {
	Index       int
	OffsetNanos map[string]int64
}

// CoincidenceEvent is a set of triggers, one per participating detector,
// whose offset-corrected peak times agree within the coincidence window.
type CoincidenceEvent struct {
	EventID    string
	SlideIndex int // 0 = foreground
	Detectors  []string
	Triggers   []Trigger
	TimeNanos  int64 // earliest participating peak time

	// CombinedStat is the network ranking statistic.
	CombinedStat float64

	// IFARYears is the inverse false-alarm rate in years, interpolated from
	// the background ensemble. Populated for foreground events only.
	IFARYears float64
}

// SampleBlock is the ingest record for raw strain samples: one contiguous
// run of samples for one detector. It is the unit of both the UDP ingest
// protocol and the replay log format.
type SampleBlock struct {
	Detector   string    `json:"detector"`
	StartNanos int64     `json:"start_ns"`
	SampleRate int       `json:"sample_rate"`
	Samples    []float64 `json:"samples"`
}

// Duration is the span of time the block's samples cover.
func (b *SampleBlock) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(len(b.Samples)) * int64(time.Second) / int64(b.SampleRate))
}

// Foreground reports whether the event comes from the zero-offset slide.
func (e *CoincidenceEvent) Foreground() bool { return e.SlideIndex == 0 }

// String summarises the event for logs.
func (e *CoincidenceEvent) String() string {
	return fmt.Sprintf("event %s slide=%d dets=%v stat=%.2f ifar=%.3gyr",
		e.EventID, e.SlideIndex, e.Detectors, e.CombinedStat, e.IFARYears)
}
