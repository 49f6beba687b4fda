// Package l2condition removes instrumental artefacts from strain segments
// before spectral estimation and matched filtering: autogating of loud
// transients (zeroing with cosine tapers) and a linear-phase high-pass
// filter below the analysis band.
package l2condition

import (
	"fmt"
	"math"
	"sort"

	"github.com/banshee-data/strain.report/internal/strain"
)

// Default conditioning parameters.
const (
	DefaultGateThreshold   = 50.0 // glitch threshold, units of robust sigma
	DefaultGatePadSec      = 0.25 // zeroed pad either side of a glitch
	DefaultGateClusterSec  = 0.5  // glitches closer than this merge into one gate
	DefaultGateTaperSec    = 0.25 // cosine taper width at gate edges
	DefaultHighPassHz      = 15.0
	DefaultTransitionHz    = 5.0
	DefaultAttenuationDB   = 60.0
	// MaxGatedFraction is the analysis-span fraction above which a segment
	// is marked invalid rather than gated: there is too little clean data
	// left to filter meaningfully.
	MaxGatedFraction = 0.5
)

// ConditionerConfig holds tuning for one detector's conditioner.
type ConditionerConfig struct {
	GateThreshold  float64 // robust-sigma multiple for glitch detection
	GatePadSec     float64 // zeroed pad width around each glitch
	GateClusterSec float64 // merge window for nearby glitches
	GateTaperSec   float64 // cosine taper width
	HighPassHz     float64 // high-pass cutoff frequency
	TransitionHz   float64 // transition bandwidth
	AttenuationDB  float64 // stop-band attenuation
}

// DefaultConditionerConfig returns the standard conditioning parameters.
func DefaultConditionerConfig() ConditionerConfig {
	return ConditionerConfig{
		GateThreshold:  DefaultGateThreshold,
		GatePadSec:     DefaultGatePadSec,
		GateClusterSec: DefaultGateClusterSec,
		GateTaperSec:   DefaultGateTaperSec,
		HighPassHz:     DefaultHighPassHz,
		TransitionHz:   DefaultTransitionHz,
		AttenuationDB:  DefaultAttenuationDB,
	}
}

// Conditioner applies autogating and high-pass filtering to segments of one
// fixed sample rate. The FIR kernel is designed once at construction.
type Conditioner struct {
	cfg        ConditionerConfig
	sampleRate int
	fir        []float64 // symmetric high-pass kernel, odd length
}

// NewConditioner designs the high-pass kernel and returns a ready Conditioner.
func NewConditioner(sampleRate int, cfg ConditionerConfig) (*Conditioner, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("conditioner: invalid sample rate %d", sampleRate)
	}
	if cfg.GateThreshold <= 0 {
		cfg.GateThreshold = DefaultGateThreshold
	}
	if cfg.GatePadSec <= 0 {
		cfg.GatePadSec = DefaultGatePadSec
	}
	if cfg.GateClusterSec <= 0 {
		cfg.GateClusterSec = DefaultGateClusterSec
	}
	if cfg.GateTaperSec <= 0 {
		cfg.GateTaperSec = DefaultGateTaperSec
	}
	if cfg.HighPassHz <= 0 {
		cfg.HighPassHz = DefaultHighPassHz
	}
	if cfg.TransitionHz <= 0 {
		cfg.TransitionHz = DefaultTransitionHz
	}
	if cfg.AttenuationDB <= 0 {
		cfg.AttenuationDB = DefaultAttenuationDB
	}
	nyquist := float64(sampleRate) / 2
	if cfg.HighPassHz+cfg.TransitionHz >= nyquist {
		return nil, fmt.Errorf("conditioner: high-pass band %.1f+%.1f Hz exceeds Nyquist %.1f Hz",
			cfg.HighPassHz, cfg.TransitionHz, nyquist)
	}

	fir := designHighPass(sampleRate, cfg.HighPassHz, cfg.TransitionHz, cfg.AttenuationDB)
	return &Conditioner{cfg: cfg, sampleRate: sampleRate, fir: fir}, nil
}

// Condition gates and filters a segment in place. Gapped segments pass
// through untouched (their zeros carry no information worth filtering).
// A segment where gating removed more than MaxGatedFraction of the analysis
// span is marked invalid; otherwise gating marks it gated. Conditioning
// never aborts the pipeline.
func (c *Conditioner) Condition(seg *strain.StrainSegment) {
	if seg.State == strain.SegmentGapped || seg.State == strain.SegmentInvalid {
		return
	}

	gates := c.autogate(seg)
	if len(gates) > 0 {
		seg.Gated = append(seg.Gated, gates...)
		seg.State = strain.SegmentGated

		gated := 0
		analysis := len(seg.Samples) - seg.PadSamples
		for _, g := range gates {
			lo, hi := g.Start, g.End
			if lo < seg.PadSamples {
				lo = seg.PadSamples
			}
			if hi > len(seg.Samples) {
				hi = len(seg.Samples)
			}
			if hi > lo {
				gated += hi - lo
			}
		}
		if analysis > 0 && float64(gated)/float64(analysis) > MaxGatedFraction {
			strain.Opsf("[Conditioner] %s: %.0f%% of increment at %d gated, marking invalid",
				seg.Detector, 100*float64(gated)/float64(analysis), seg.AnalysisStartNanos())
			seg.State = strain.SegmentInvalid
			return
		}
		strain.Diagf("[Conditioner] %s: gated %d intervals in increment at %d",
			seg.Detector, len(gates), seg.AnalysisStartNanos())
	}

	c.highPass(seg.Samples)
}

// autogate locates samples exceeding the threshold in robust-sigma units,
// clusters nearby excursions, and zeroes each cluster plus pad with cosine
// tapers. Returns the gated intervals (taper included).
func (c *Conditioner) autogate(seg *strain.StrainSegment) []strain.GatedInterval {
	sigma := robustSigma(seg.Samples)
	if sigma == 0 {
		return nil
	}
	threshold := c.cfg.GateThreshold * sigma

	var peaks []int
	for i, v := range seg.Samples {
		if math.Abs(v) > threshold {
			peaks = append(peaks, i)
		}
	}
	if len(peaks) == 0 {
		return nil
	}

	pad := int(c.cfg.GatePadSec * float64(seg.SampleRate))
	cluster := int(c.cfg.GateClusterSec * float64(seg.SampleRate))
	taper := int(c.cfg.GateTaperSec * float64(seg.SampleRate))

	// Merge excursions closer than the cluster window into single gates.
	var gates []strain.GatedInterval
	start, end := peaks[0], peaks[0]
	flush := func() {
		g := strain.GatedInterval{Start: start - pad - taper, End: end + 1 + pad + taper}
		if g.Start < 0 {
			g.Start = 0
		}
		if g.End > len(seg.Samples) {
			g.End = len(seg.Samples)
		}
		gates = append(gates, g)
	}
	for _, p := range peaks[1:] {
		if p-end <= cluster {
			end = p
			continue
		}
		flush()
		start, end = p, p
	}
	flush()

	// Zero each gate, tapering the edges to avoid spectral leakage.
	for _, g := range gates {
		for i := g.Start; i < g.End; i++ {
			// Taper rolls off from 1 at the gate boundary to 0 at the
			// interior; the interior itself is fully zeroed.
			w := 0.0
			if i-g.Start < taper {
				w = 0.5 * (1 + math.Cos(math.Pi*float64(i-g.Start)/float64(taper)))
			} else if g.End-1-i < taper {
				w = 0.5 * (1 + math.Cos(math.Pi*float64(g.End-1-i)/float64(taper)))
			}
			seg.Samples[i] *= w
		}
	}
	return gates
}

// highPass applies the symmetric FIR kernel as a zero-phase convolution,
// treating samples beyond the ends as zero. The look-back pad absorbs the
// resulting edge transients.
func (c *Conditioner) highPass(x []float64) {
	h := c.fir
	half := len(h) / 2
	y := make([]float64, len(x))
	for n := range x {
		var acc float64
		lo := n - half
		for k, hk := range h {
			idx := lo + k
			if idx < 0 || idx >= len(x) {
				continue
			}
			acc += hk * x[idx]
		}
		y[n] = acc
	}
	copy(x, y)
}

// robustSigma estimates the sample standard deviation from the median
// absolute deviation, which is insensitive to the very glitches being gated.
func robustSigma(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	abs := make([]float64, len(x))
	for i, v := range x {
		abs[i] = math.Abs(v)
	}
	sort.Float64s(abs)
	mad := abs[len(abs)/2]
	return mad / 0.6745
}

// designHighPass builds a windowed-sinc high-pass FIR kernel using a Kaiser
// window sized from the requested stop-band attenuation and transition
// bandwidth. The returned kernel has odd length and even symmetry.
func designHighPass(sampleRate int, cutoffHz, transitionHz, attenDB float64) []float64 {
	// Kaiser beta from attenuation (Oppenheim & Schafer).
	var beta float64
	switch {
	case attenDB > 50:
		beta = 0.1102 * (attenDB - 8.7)
	case attenDB >= 21:
		beta = 0.5842*math.Pow(attenDB-21, 0.4) + 0.07886*(attenDB-21)
	default:
		beta = 0
	}

	dw := 2 * math.Pi * transitionHz / float64(sampleRate)
	n := int(math.Ceil((attenDB - 8) / (2.285 * dw)))
	if n%2 == 1 {
		n++
	}
	m := n + 1 // odd tap count

	// Low-pass prototype at the cutoff, then spectral inversion.
	wc := 2 * math.Pi * cutoffHz / float64(sampleRate)
	h := make([]float64, m)
	var sum float64
	for i := 0; i < m; i++ {
		k := float64(i - n/2)
		var sinc float64
		if k == 0 {
			sinc = wc / math.Pi
		} else {
			sinc = math.Sin(wc*k) / (math.Pi * k)
		}
		w := besselI0(beta*math.Sqrt(1-math.Pow(2*float64(i)/float64(n)-1, 2))) / besselI0(beta)
		h[i] = sinc * w
		sum += h[i]
	}
	// Normalise low-pass DC gain to 1, then invert: delta minus low-pass.
	for i := range h {
		h[i] /= sum
		h[i] = -h[i]
	}
	h[n/2] += 1
	return h
}

// besselI0 is the zeroth-order modified Bessel function of the first kind,
// evaluated by series expansion. Converges quickly for the betas used here.
func besselI0(x float64) float64 {
	sum, term := 1.0, 1.0
	half := x / 2
	for k := 1; k < 50; k++ {
		term *= (half / float64(k)) * (half / float64(k))
		sum += term
		if term < 1e-12*sum {
			break
		}
	}
	return sum
}
