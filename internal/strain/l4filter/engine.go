// Package l4filter correlates conditioned, whitened strain segments against
// template batches in the frequency domain, producing complex SNR time
// series normalized so that unit SNR matches the pure-noise expectation.
package l4filter

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/banshee-data/strain.report/internal/strain"
	"github.com/banshee-data/strain.report/internal/strain/bank"
	"github.com/banshee-data/strain.report/internal/strain/l3psd"
)

// ErrSNRCeiling reports that a segment produced SNR above the configured
// ceiling. That is a data-quality fault, not a loud signal: the caller must
// invalidate the parent segment instead of emitting triggers.
var ErrSNRCeiling = errors.New("matched filter output exceeded SNR ceiling")

// EngineConfig configures the matched filter for one detector and segment
// geometry. The FFT length is fixed by the segment geometry, so template
// frequency series can be cached across increments.
type EngineConfig struct {
	SampleRate     int
	SegmentSamples int     // pad + increment length, samples
	LowFrequencyHz float64 // correlation band start
	SNRCeiling     float64 // abort threshold (default: 500)
	BatchSize      int     // templates per batch (default: 64)
	TruncateInvSec float64 // inverse-spectrum truncation length (0 disables)
}

// Engine is safe for concurrent Filter calls; the template cache is
// read-shared and FFT scratch state lives in a pool.
type Engine struct {
	cfg    EngineConfig
	deltaF float64
	bins   int // one-sided frequency bins

	cacheMu sync.RWMutex
	cache   map[int64][]complex128 // template id -> frequency series

	ffts sync.Pool // *fftPair
}

type fftPair struct {
	real  *fourier.FFT
	cmplx *fourier.CmplxFFT
}

// NewEngine validates the configuration and prepares the template cache.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.SampleRate <= 0 || cfg.SegmentSamples <= 0 {
		return nil, fmt.Errorf("filter engine: invalid geometry rate=%d samples=%d", cfg.SampleRate, cfg.SegmentSamples)
	}
	if cfg.LowFrequencyHz <= 0 {
		cfg.LowFrequencyHz = 20
	}
	if cfg.SNRCeiling <= 0 {
		cfg.SNRCeiling = 500
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	e := &Engine{
		cfg:    cfg,
		deltaF: float64(cfg.SampleRate) / float64(cfg.SegmentSamples),
		bins:   cfg.SegmentSamples/2 + 1,
		cache:  map[int64][]complex128{},
	}
	e.ffts.New = func() interface{} {
		return &fftPair{
			real:  fourier.NewFFT(cfg.SegmentSamples),
			cmplx: fourier.NewCmplxFFT(cfg.SegmentSamples),
		}
	}
	return e, nil
}

// Result carries one segment's matched-filter outputs: an SNR series per
// template plus the segment-wide PSD variation series used to discount
// triggers during noisy stretches.
type Result struct {
	SNR []*strain.SNRSeries

	// Variation is the short-timescale mean-square of the whitened strain,
	// normalized to the segment mean; values near 1 are quiet data.
	Variation []float64
	// VariationStride is the sample stride between Variation entries.
	VariationStride int

	// Correlator re-evaluates band-limited SNR for the veto stage.
	Correlator *Correlator
}

// Filter correlates a conditioned segment against every template, batching
// internally to bound peak memory. Batch boundaries never leak into the
// result. Returns ErrSNRCeiling when any template's SNR exceeds the ceiling.
func (e *Engine) Filter(seg *strain.StrainSegment, psd *strain.PSDEstimate, templates []bank.Entry) (*Result, error) {
	if len(seg.Samples) != e.cfg.SegmentSamples {
		return nil, fmt.Errorf("filter engine: segment has %d samples, expected %d", len(seg.Samples), e.cfg.SegmentSamples)
	}

	pair := e.ffts.Get().(*fftPair)
	defer e.ffts.Put(pair)

	dataF := pair.real.Coefficients(nil, seg.Samples)
	invPSD := e.inversePSD(psd, pair)

	kmin := int(math.Ceil(e.cfg.LowFrequencyHz / e.deltaF))
	if kmin < 1 {
		kmin = 1
	}

	res := &Result{SNR: make([]*strain.SNRSeries, 0, len(templates))}
	res.Variation, res.VariationStride = e.variation(dataF, invPSD, kmin, pair)
	res.Correlator = newCorrelator(e, dataF, invPSD, seg.PadSamples, kmin)

	n := e.cfg.SegmentSamples
	full := make([]complex128, n)
	for lo := 0; lo < len(templates); lo += e.cfg.BatchSize {
		hi := lo + e.cfg.BatchSize
		if hi > len(templates) {
			hi = len(templates)
		}
		for i := lo; i < hi; i++ {
			tpl := &templates[i]
			htilde := e.template(tpl)

			// sigma^2 = 4 df sum |h|^2 / S over the correlation band.
			var sigsq float64
			for k := kmin; k < e.bins; k++ {
				h := htilde[k]
				sigsq += (real(h)*real(h) + imag(h)*imag(h)) * invPSD[k]
			}
			sigsq *= 4 * e.deltaF
			if sigsq <= 0 {
				continue
			}
			sigma := math.Sqrt(sigsq)
			res.Correlator.sigmas[tpl.ID] = sigma

			// Positive-frequency product only: the inverse transform of an
			// analytic spectrum yields the complex SNR, magnitude and phase.
			for k := range full {
				full[k] = 0
			}
			for k := kmin; k < e.bins; k++ {
				full[k] = dataF[k] * cmplx.Conj(htilde[k]) * complex(invPSD[k], 0)
			}
			z := pair.cmplx.Sequence(nil, full)

			series := &strain.SNRSeries{
				Detector:   seg.Detector,
				TemplateID: tpl.ID,
				StartNanos: seg.AnalysisStartNanos(),
				SampleRate: seg.SampleRate,
				Z:          make([]complex128, n-seg.PadSamples),
				Sigma:      sigma,
			}
			// The dt factor converts the raw DFT of the samples into the
			// continuous-transform units sigma is computed in; without it
			// noise SNR scales with the sample rate.
			scale := complex(4*e.deltaF/(sigma*float64(e.cfg.SampleRate)), 0)
			peak := 0.0
			for j := seg.PadSamples; j < n; j++ {
				v := z[j] * scale
				series.Z[j-seg.PadSamples] = v
				if m := cmplx.Abs(v); m > peak {
					peak = m
				}
			}
			if peak > e.cfg.SNRCeiling {
				strain.Opsf("[Filter] %s: template %d peak SNR %.0f above ceiling %.0f, invalidating increment at %d",
					seg.Detector, tpl.ID, peak, e.cfg.SNRCeiling, seg.AnalysisStartNanos())
				return nil, ErrSNRCeiling
			}
			res.SNR = append(res.SNR, series)
		}
	}
	return res, nil
}

// template returns the cached frequency series for a bank entry, generating
// it on first use. The cache key is the template id; the bank is immutable
// for the run so entries never change under a key.
func (e *Engine) template(tpl *bank.Entry) []complex128 {
	e.cacheMu.RLock()
	h, ok := e.cache[tpl.ID]
	e.cacheMu.RUnlock()
	if ok {
		return h
	}
	h = tpl.FrequencySeries(e.deltaF, e.bins)
	e.cacheMu.Lock()
	e.cache[tpl.ID] = h
	e.cacheMu.Unlock()
	return h
}

// inversePSD interpolates the tracker's estimate onto the filter grid and
// optionally applies inverse-spectrum truncation, which limits the
// whitening filter's impulse response to TruncateInvSec and keeps filter
// wraparound inside the look-back pad.
func (e *Engine) inversePSD(psd *strain.PSDEstimate, pair *fftPair) []float64 {
	power := l3psd.InterpolateTo(psd, e.deltaF, e.bins)
	inv := make([]float64, e.bins)
	for k, p := range power {
		if p > 0 {
			inv[k] = 1 / p
		}
	}
	if e.cfg.TruncateInvSec <= 0 {
		return inv
	}

	// Truncate the amplitude-whitening filter sqrt(1/S) in the time domain.
	n := e.cfg.SegmentSamples
	spec := make([]complex128, n)
	for k := 0; k < e.bins; k++ {
		r := math.Sqrt(inv[k])
		spec[k] = complex(r, 0)
		if k > 0 && k < e.bins-1 {
			spec[n-k] = complex(r, 0)
		}
	}
	td := pair.cmplx.Sequence(nil, spec)
	maxLag := int(e.cfg.TruncateInvSec * float64(e.cfg.SampleRate) / 2)
	for j := maxLag; j < n-maxLag; j++ {
		td[j] = 0
	}
	back := pair.cmplx.Coefficients(nil, td)
	for k := 0; k < e.bins; k++ {
		r := real(back[k]) / float64(n)
		inv[k] = r * r
	}
	return inv
}

// variation computes the short-timescale mean square of the whitened strain
// in quarter-second windows, normalized by the segment mean. Peaks well
// above 1 flag non-stationary stretches.
func (e *Engine) variation(dataF []complex128, invPSD []float64, kmin int, pair *fftPair) ([]float64, int) {
	n := e.cfg.SegmentSamples
	spec := make([]complex128, n)
	for k := kmin; k < e.bins; k++ {
		spec[k] = dataF[k] * complex(math.Sqrt(invPSD[k]), 0)
	}
	white := pair.cmplx.Sequence(nil, spec)

	stride := e.cfg.SampleRate / 4
	if stride == 0 {
		stride = 1
	}
	var total float64
	ms := make([]float64, 0, n/stride+1)
	for off := 0; off < n; off += stride {
		end := off + stride
		if end > n {
			end = n
		}
		var acc float64
		for j := off; j < end; j++ {
			m := cmplx.Abs(white[j])
			acc += m * m
		}
		acc /= float64(end - off)
		ms = append(ms, acc)
		total += acc
	}
	mean := total / float64(len(ms))
	if mean > 0 {
		for i := range ms {
			ms[i] /= mean
		}
	}
	return ms, stride
}
