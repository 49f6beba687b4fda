// Package l5triggers turns SNR time series into vetted, clustered
// single-detector triggers: peak finding, sub-band chi-squared, the
// reweighted newsnr ranking statistic, a signal-based sidelobe veto, and
// window clustering with a per-increment retention limit.
package l5triggers

import (
	"math"
	"math/cmplx"
	"sort"

	"github.com/banshee-data/strain.report/internal/strain"
	"github.com/banshee-data/strain.report/internal/strain/bank"
	"github.com/banshee-data/strain.report/internal/strain/l4filter"
)

// Default extraction parameters.
const (
	DefaultSNRThreshold    = 4.5
	DefaultClusterWindowSec = 0.1
	DefaultMaxTriggers      = 64
	DefaultPSDVarThreshold  = 10.0
)

// ExtractorConfig holds veto and clustering tuning for one detector.
type ExtractorConfig struct {
	SNRThreshold     float64 // peak threshold, SNR units
	NewSNRThreshold  float64 // post-veto ranking threshold (0 disables)
	ClusterWindowSec float64 // peaks closer than this merge
	MaxTriggers      int     // loudest triggers retained per increment
	PSDVarThreshold  float64 // variation above this downweights the peak
}

// DefaultExtractorConfig returns the standard extraction parameters.
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{
		SNRThreshold:     DefaultSNRThreshold,
		ClusterWindowSec: DefaultClusterWindowSec,
		MaxTriggers:      DefaultMaxTriggers,
		PSDVarThreshold:  DefaultPSDVarThreshold,
	}
}

// Extractor produces triggers for one detector. Stateless between
// increments; all cross-increment buffering happens in the coincidence
// layer.
type Extractor struct {
	cfg       ExtractorConfig
	templates map[int64]*bank.Entry
}

// NewExtractor indexes the bank slice this extractor will see.
func NewExtractor(cfg ExtractorConfig, entries []bank.Entry) *Extractor {
	if cfg.SNRThreshold <= 0 {
		cfg.SNRThreshold = DefaultSNRThreshold
	}
	if cfg.ClusterWindowSec <= 0 {
		cfg.ClusterWindowSec = DefaultClusterWindowSec
	}
	if cfg.MaxTriggers <= 0 {
		cfg.MaxTriggers = DefaultMaxTriggers
	}
	if cfg.PSDVarThreshold <= 0 {
		cfg.PSDVarThreshold = DefaultPSDVarThreshold
	}
	idx := make(map[int64]*bank.Entry, len(entries))
	for i := range entries {
		idx[entries[i].ID] = &entries[i]
	}
	return &Extractor{cfg: cfg, templates: idx}
}

// Extract vets and clusters one increment's matched-filter output. Returned
// triggers are sorted by non-decreasing peak time; overflow reports how
// many clustered triggers the retention limit discarded.
func (x *Extractor) Extract(seg *strain.StrainSegment, res *l4filter.Result) (triggers []strain.Trigger, overflow int) {
	var raw []strain.Trigger
	for _, series := range res.SNR {
		raw = append(raw, x.seriesPeaks(seg, series, res)...)
	}
	if len(raw) == 0 {
		return nil, 0
	}

	clustered := Cluster(raw, int64(x.cfg.ClusterWindowSec*float64(nanosPerSec)))
	clustered, overflow = x.Retain(clustered)
	if overflow > 0 {
		strain.Diagf("[Triggers] %s: retention limit dropped %d of %d triggers at %d",
			seg.Detector, overflow, overflow+x.cfg.MaxTriggers, seg.AnalysisStartNanos())
	}

	sort.Slice(clustered, func(i, j int) bool { return clustered[i].PeakNanos < clustered[j].PeakNanos })
	return clustered, overflow
}

// Retain enforces the per-increment retention limit, keeping the loudest
// triggers by ranking statistic. Callers that merge Extract output across
// template batches re-apply it so the limit holds per detector, not per
// batch. Returned triggers are sorted by non-decreasing peak time.
func (x *Extractor) Retain(trigs []strain.Trigger) ([]strain.Trigger, int) {
	overflow := 0
	if len(trigs) > x.cfg.MaxTriggers {
		sort.Slice(trigs, func(i, j int) bool {
			if trigs[i].NewSNR != trigs[j].NewSNR {
				return trigs[i].NewSNR > trigs[j].NewSNR
			}
			return trigs[i].PeakNanos < trigs[j].PeakNanos
		})
		overflow = len(trigs) - x.cfg.MaxTriggers
		trigs = trigs[:x.cfg.MaxTriggers]
	}
	sort.Slice(trigs, func(i, j int) bool { return trigs[i].PeakNanos < trigs[j].PeakNanos })
	return trigs, overflow
}

const nanosPerSec = int64(1e9)

// seriesPeaks finds local maxima above threshold in one template's SNR
// series and attaches veto statistics to each.
func (x *Extractor) seriesPeaks(seg *strain.StrainSegment, series *strain.SNRSeries, res *l4filter.Result) []strain.Trigger {
	tpl := x.templates[series.TemplateID]
	if tpl == nil {
		return nil
	}

	var out []strain.Trigger
	zs := series.Z
	for i := 1; i < len(zs)-1; i++ {
		m := cmplx.Abs(zs[i])
		if m < x.cfg.SNRThreshold {
			continue
		}
		if cmplx.Abs(zs[i-1]) >= m || cmplx.Abs(zs[i+1]) > m {
			continue
		}
		// Discount peaks inside gated spans: zeroed data rings the filter.
		if seg.InGatedInterval(i + seg.PadSamples) {
			continue
		}

		trig := strain.Trigger{
			Detector:            series.Detector,
			TemplateID:          series.TemplateID,
			PeakNanos:           series.SampleNanos(i),
			SNR:                 m,
			Phase:               cmplx.Phase(zs[i]),
			TemplateDurationSec: tpl.DurationSec(),
		}

		p := chisqBands(tpl)
		trig.ReducedChisq, trig.ChisqDOF = x.chisq(res.Correlator, series.TemplateID, i, zs[i], p)
		trig.SGVeto = x.sgVeto(series, i)
		if res.VariationStride > 0 {
			vi := i / res.VariationStride
			if vi < len(res.Variation) {
				trig.PSDVar = res.Variation[vi]
			}
		}
		trig.NewSNR = NewSNR(trig.SNR, trig.ReducedChisq)
		if trig.PSDVar > x.cfg.PSDVarThreshold {
			trig.NewSNR /= math.Sqrt(trig.PSDVar)
		}
		if x.cfg.NewSNRThreshold > 0 && trig.NewSNR < x.cfg.NewSNRThreshold {
			continue
		}
		out = append(out, trig)
	}
	return out
}

// chisqBands returns the sub-band count for a template: longer templates
// spread power over more bands. Bounded to keep the veto cost flat.
func chisqBands(tpl *bank.Entry) int {
	p := 2 + int(tpl.DurationSec()/2)
	if p > 16 {
		p = 16
	}
	if p < 2 {
		p = 2
	}
	return p
}

// chisq computes the power chi-squared over p equal-power sub-bands at one
// peak sample: p * sum |z_l - z/p|^2, with 2p-2 degrees of freedom.
func (x *Extractor) chisq(c *l4filter.Correlator, templateID int64, sampleIdx int, z complex128, p int) (reduced float64, dof int) {
	dof = 2*p - 2
	edges := c.Bands(templateID, p)
	if edges == nil {
		return 1, dof
	}
	expect := z / complex(float64(p), 0)
	var chi float64
	for b := 0; b < p; b++ {
		zl := c.BandSNR(templateID, sampleIdx, edges[b], edges[b+1])
		d := zl - expect
		chi += real(d)*real(d) + imag(d)*imag(d)
	}
	chi *= float64(p)
	return chi / float64(dof), dof
}

// sgVeto measures sidelobe power at template-duration-scaled offsets from
// the peak. A chirp's autocorrelation falls off quickly; broadband glitches
// leave the ratio near 1.
func (x *Extractor) sgVeto(series *strain.SNRSeries, peakIdx int) float64 {
	peak := cmplx.Abs(series.Z[peakIdx])
	if peak == 0 {
		return 0
	}
	const offsetSec = 0.05 // probe offset either side of the peak
	offset := int(offsetSec * float64(series.SampleRate))
	if offset < 1 {
		offset = 1
	}
	var acc float64
	var n int
	for _, j := range []int{peakIdx - 2*offset, peakIdx - offset, peakIdx + offset, peakIdx + 2*offset} {
		if j < 0 || j >= len(series.Z) {
			continue
		}
		acc += cmplx.Abs(series.Z[j])
		n++
	}
	if n == 0 {
		return 0
	}
	return (acc / float64(n)) / peak
}

// NewSNR reweights SNR by the reduced chi-squared, penalizing peaks whose
// morphology departs from the template.
func NewSNR(snr, reducedChisq float64) float64 {
	if reducedChisq <= 1 {
		return snr
	}
	return snr / math.Pow((1+math.Pow(reducedChisq, 3))/2, 1.0/6.0)
}

// Cluster merges triggers closer than windowNanos, keeping the
// highest-ranked trigger per cluster (ties broken by earliest peak time).
// Clustering an already-clustered set returns it unchanged.
func Cluster(trigs []strain.Trigger, windowNanos int64) []strain.Trigger {
	if len(trigs) <= 1 {
		return append([]strain.Trigger(nil), trigs...)
	}
	order := append([]strain.Trigger(nil), trigs...)
	sort.Slice(order, func(i, j int) bool {
		if order[i].NewSNR != order[j].NewSNR {
			return order[i].NewSNR > order[j].NewSNR
		}
		return order[i].PeakNanos < order[j].PeakNanos
	})
	var kept []strain.Trigger
	for _, t := range order {
		ok := true
		for _, k := range kept {
			if abs64(t.PeakNanos-k.PeakNanos) <= windowNanos {
				ok = false
				break
			}
		}
		if ok {
			kept = append(kept, t)
		}
	}
	return kept
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
