// Package l3psd maintains per-detector noise power spectral density
// estimates over a sliding window of recent segments, and decides when an
// estimate is stale or unhealthy enough to suspend a detector.
//
// The estimate is a bias-corrected median of Hann-windowed periodograms,
// which is robust against the loud transients that survive gating.
package l3psd

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/banshee-data/strain.report/internal/strain"
)

// Physical constants for the sensitive-distance integrand.
const (
	gravConst     = 6.67430e-11  // m^3 kg^-1 s^-2
	speedOfLight  = 299792458.0  // m/s
	solarMassKg   = 1.98892e30   // kg
	megaparsecM   = 3.0856775814913673e22 // m
	canonicalMass = 1.4          // component mass for the range integrand, Msun
)

// Estimator accumulates periodograms for one detector and produces median
// PSD estimates on demand.
type Estimator struct {
	detector   string
	sampleRate int
	segSamples int // periodogram FFT length
	strideSamples int
	window     []float64 // Hann window, len segSamples
	windowNorm float64   // sum of squared window values
	fft        *fourier.FFT

	// ring of the most recent periodograms, oldest first
	periodograms [][]float64
	maxCount     int

	lowFrequencyHz float64
}

// EstimatorConfig configures periodogram accumulation.
type EstimatorConfig struct {
	Detector       string
	SampleRate     int
	SegmentSec     int     // periodogram segment length (default: 4s)
	StrideSec      int     // periodogram stride (default: 2s, 50% overlap)
	SampleCount    int     // periodograms kept for the median (default: 32)
	LowFrequencyHz float64 // band start for the sensitive-distance integrand
}

// NewEstimator validates the configuration and prepares FFT machinery.
func NewEstimator(cfg EstimatorConfig) (*Estimator, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("psd estimator for %s: invalid sample rate %d", cfg.Detector, cfg.SampleRate)
	}
	if cfg.SegmentSec <= 0 {
		cfg.SegmentSec = 4
	}
	if cfg.StrideSec <= 0 {
		cfg.StrideSec = cfg.SegmentSec / 2
	}
	if cfg.StrideSec <= 0 || cfg.StrideSec > cfg.SegmentSec {
		return nil, fmt.Errorf("psd estimator for %s: stride %ds outside (0, %ds]", cfg.Detector, cfg.StrideSec, cfg.SegmentSec)
	}
	if cfg.SampleCount <= 0 {
		cfg.SampleCount = 32
	}
	if cfg.LowFrequencyHz <= 0 {
		cfg.LowFrequencyHz = 20
	}

	n := cfg.SegmentSec * cfg.SampleRate
	win := make([]float64, n)
	var norm float64
	for i := range win {
		win[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n)))
		norm += win[i] * win[i]
	}
	return &Estimator{
		detector:       cfg.Detector,
		sampleRate:     cfg.SampleRate,
		segSamples:     n,
		strideSamples:  cfg.StrideSec * cfg.SampleRate,
		window:         win,
		windowNorm:     norm,
		fft:            fourier.NewFFT(n),
		maxCount:       cfg.SampleCount,
		lowFrequencyHz: cfg.LowFrequencyHz,
	}, nil
}

// AddSegment folds a conditioned segment's samples into the periodogram
// ring. Gapped and invalid segments are skipped: zeros would bias the
// median low and underestimate the noise.
func (e *Estimator) AddSegment(seg *strain.StrainSegment) {
	if seg.State == strain.SegmentGapped || seg.State == strain.SegmentInvalid {
		return
	}
	x := seg.Samples
	for off := 0; off+e.segSamples <= len(x); off += e.strideSamples {
		e.addPeriodogram(x[off : off+e.segSamples])
	}
}

func (e *Estimator) addPeriodogram(x []float64) {
	buf := make([]float64, e.segSamples)
	for i := range buf {
		buf[i] = x[i] * e.window[i]
	}
	coeffs := e.fft.Coefficients(nil, buf)

	// One-sided PSD: 2 |X(f)|^2 / (fs * sum(w^2)), DC and Nyquist unscaled.
	p := make([]float64, len(coeffs))
	scale := 2.0 / (float64(e.sampleRate) * e.windowNorm)
	for k, c := range coeffs {
		m := real(c)*real(c) + imag(c)*imag(c)
		if k == 0 || k == len(coeffs)-1 {
			p[k] = m * scale / 2
		} else {
			p[k] = m * scale
		}
	}

	e.periodograms = append(e.periodograms, p)
	if len(e.periodograms) > e.maxCount {
		e.periodograms = e.periodograms[1:]
	}
}

// Count returns the number of periodograms currently held.
func (e *Estimator) Count() int { return len(e.periodograms) }

// DeltaF returns the frequency resolution of estimates from this estimator.
func (e *Estimator) DeltaF() float64 { return float64(e.sampleRate) / float64(e.segSamples) }

// Estimate produces a median PSD over the held periodograms, valid from
// startNanos to endNanos. Returns an error until at least two periodograms
// have been accumulated.
func (e *Estimator) Estimate(startNanos, endNanos int64) (*strain.PSDEstimate, error) {
	n := len(e.periodograms)
	if n < 2 {
		return nil, fmt.Errorf("psd estimator for %s: only %d periodograms accumulated", e.detector, n)
	}

	bins := len(e.periodograms[0])
	power := make([]float64, bins)
	col := make([]float64, n)
	bias := medianBias(n)
	for k := 0; k < bins; k++ {
		for i, p := range e.periodograms {
			col[i] = p[k]
		}
		sort.Float64s(col)
		var med float64
		if n%2 == 1 {
			med = col[n/2]
		} else {
			med = 0.5 * (col[n/2-1] + col[n/2])
		}
		power[k] = med / bias
	}

	est := &strain.PSDEstimate{
		Detector:     e.detector,
		StartNanos:   startNanos,
		EndNanos:     endNanos,
		DeltaF:       e.DeltaF(),
		Power:        power,
		SegmentsUsed: n,
	}
	est.SensitiveDistanceMpc = SensitiveDistanceMpc(est, e.lowFrequencyHz)
	return est, nil
}

// medianBias is the expected ratio of the median of n independent
// exponentially distributed periodogram bins to their mean: the alternating
// harmonic partial sum 1 - 1/2 + 1/3 - ... over n terms.
func medianBias(n int) float64 {
	var b float64
	for k := 1; k <= n; k++ {
		if k%2 == 1 {
			b += 1 / float64(k)
		} else {
			b -= 1 / float64(k)
		}
	}
	return b
}

// SensitiveDistanceMpc computes the sky-averaged range scalar used for
// detector health checks: the distance at which a canonical 1.4+1.4
// inspiral would accumulate SNR 8 against this PSD. The overall calibration
// matters less than stability — the health bounds are configured against
// values produced by this same function.
func SensitiveDistanceMpc(psd *strain.PSDEstimate, lowFrequencyHz float64) float64 {
	const snrThreshold = 8.0
	mchirp := math.Pow(canonicalMass*canonicalMass, 3.0/5.0) / math.Pow(2*canonicalMass, 1.0/5.0)
	gm := gravConst * mchirp * solarMassKg / (speedOfLight * speedOfLight * speedOfLight)

	// Newtonian amplitude at 1 Mpc: A(f) = sqrt(5/24) pi^{-2/3} (G Mchirp / c^3)^{5/6} c / d * f^{-7/6}
	amp := math.Sqrt(5.0/24.0) * math.Pow(math.Pi, -2.0/3.0) *
		math.Pow(gm, 5.0/6.0) * speedOfLight / megaparsecM

	var sum float64
	kmin := int(math.Ceil(lowFrequencyHz / psd.DeltaF))
	// Terminate the integrand at the canonical ISCO frequency.
	fISCO := speedOfLight * speedOfLight * speedOfLight /
		(gravConst * 2 * canonicalMass * solarMassKg * math.Pi * 6 * math.Sqrt(6))
	for k := kmin; k < len(psd.Power); k++ {
		f := float64(k) * psd.DeltaF
		if f > fISCO {
			break
		}
		if psd.Power[k] <= 0 {
			continue
		}
		a := amp * math.Pow(f, -7.0/6.0)
		sum += 4 * a * a / psd.Power[k] * psd.DeltaF
	}
	if sum <= 0 {
		return 0
	}
	// Angle-averaged range is the optimal horizon over 2.2648.
	return math.Sqrt(sum) / snrThreshold / 2.2648
}
