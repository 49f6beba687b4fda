package l4filter

import (
	"math"
	"math/cmplx"
	"sort"
)

// Correlator re-evaluates the matched-filter correlation for one segment at
// individual samples and restricted frequency bands. The veto stage uses it
// for sub-band chi-squared without another full inverse transform per band.
//
// A Correlator is valid only for the segment it was produced from and is
// safe for concurrent reads.
type Correlator struct {
	engine     *Engine
	dataF      []complex128
	invPSD     []float64
	padSamples int
	kmin       int
	sigmas     map[int64]float64
}

// newCorrelator captures the per-segment state needed for band SNR.
func newCorrelator(e *Engine, dataF []complex128, invPSD []float64, padSamples, kmin int) *Correlator {
	return &Correlator{
		engine:     e,
		dataF:      dataF,
		invPSD:     invPSD,
		padSamples: padSamples,
		kmin:       kmin,
		sigmas:     map[int64]float64{},
	}
}

// Sigma returns the template normalization recorded during filtering, or 0
// for templates the filter skipped.
func (c *Correlator) Sigma(templateID int64) float64 { return c.sigmas[templateID] }

// BandSNR evaluates the complex SNR for one template restricted to
// frequency bins [kLo, kHi) at one analysis-span sample index, using the
// full-band sigma normalization so band contributions sum to the full SNR.
func (c *Correlator) BandSNR(templateID int64, sampleIdx, kLo, kHi int) complex128 {
	h, ok := c.engine.cachedTemplate(templateID)
	if !ok {
		return 0
	}
	sigma := c.sigmas[templateID]
	if sigma == 0 {
		return 0
	}
	n := c.engine.cfg.SegmentSamples
	j := sampleIdx + c.padSamples
	if kHi > len(h) {
		kHi = len(h)
	}

	var acc complex128
	for k := kLo; k < kHi; k++ {
		if c.invPSD[k] == 0 {
			continue
		}
		q := c.dataF[k] * cmplx.Conj(h[k]) * complex(c.invPSD[k], 0)
		angle := 2 * math.Pi * float64(k) * float64(j) / float64(n)
		acc += q * cmplx.Exp(complex(0, angle))
	}
	// Same dt-corrected normalization as the full-band filter, so band
	// contributions sum to the full SNR.
	return acc * complex(4*c.engine.deltaF/(sigma*float64(c.engine.cfg.SampleRate)), 0)
}

// Bands partitions the template's correlation band into p sub-bands of
// equal expected power (equal contribution to sigma^2). Returned as bin
// index boundaries of length p+1.
func (c *Correlator) Bands(templateID int64, p int) []int {
	h, ok := c.engine.cachedTemplate(templateID)
	if !ok || p < 1 {
		return nil
	}
	bins := c.engine.bins

	weights := make([]float64, bins)
	var total float64
	for k := c.kmin; k < bins; k++ {
		m := real(h[k])*real(h[k]) + imag(h[k])*imag(h[k])
		weights[k] = m * c.invPSD[k]
		total += weights[k]
	}
	if total == 0 {
		return nil
	}

	edges := make([]int, 0, p+1)
	edges = append(edges, c.kmin)
	var acc float64
	next := total / float64(p)
	for k := c.kmin; k < bins && len(edges) < p; k++ {
		acc += weights[k]
		if acc >= next {
			edges = append(edges, k+1)
			next += total / float64(p)
		}
	}
	for len(edges) < p {
		edges = append(edges, bins)
	}
	edges = append(edges, bins)
	sort.Ints(edges)
	return edges
}

// cachedTemplate reads the engine's template cache without generating.
func (e *Engine) cachedTemplate(id int64) ([]complex128, bool) {
	e.cacheMu.RLock()
	defer e.cacheMu.RUnlock()
	h, ok := e.cache[id]
	return h, ok
}
