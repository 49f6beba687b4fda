package pipeline

import (
	"math"
	"math/cmplx"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/banshee-data/strain.report/internal/strain"
	"github.com/banshee-data/strain.report/internal/strain/bank"
	"github.com/banshee-data/strain.report/internal/strain/l2condition"
	"github.com/banshee-data/strain.report/internal/strain/l3psd"
	"github.com/banshee-data/strain.report/internal/strain/l4filter"
	"github.com/banshee-data/strain.report/internal/strain/l5triggers"
)

// The layer packages verify their own numerics; the test below wires the
// real stages together at a reduced sample rate and drives conditioned
// noise through the full path: conditioning, PSD warmup and adoption,
// matched filtering, extraction, and coincidence across increments.

const (
	integRate       = 256
	integPadSamples = 512  // 2 s look-back pad
	integSamples    = 1536 // pad + one 4 s increment
)

func realDetRuntime(t *testing.T, det string, entries []bank.Entry) *DetectorRuntime {
	t.Helper()
	return tunedDetRuntime(t, det, entries, l5triggers.DefaultExtractorConfig(), 0, 0)
}

// tunedDetRuntime is realDetRuntime with the extraction tuning and the PSD
// distance-health bounds exposed, for the scenario tests below.
func tunedDetRuntime(t *testing.T, det string, entries []bank.Entry, xcfg l5triggers.ExtractorConfig, minMpc, maxMpc float64) *DetectorRuntime {
	t.Helper()
	cond, err := l2condition.NewConditioner(integRate, l2condition.DefaultConditionerConfig())
	if err != nil {
		t.Fatalf("NewConditioner(%s): %v", det, err)
	}
	tracker, err := l3psd.NewTracker(l3psd.TrackerConfig{
		EstimatorConfig: l3psd.EstimatorConfig{
			Detector:       det,
			SampleRate:     integRate,
			SegmentSec:     2,
			StrideSec:      1,
			SampleCount:    8,
			LowFrequencyHz: 20,
		},
		// Unit-variance noise scatters successive estimates far more than
		// real strain does; loose hysteresis keeps every increment live.
		RecalcThreshold: 10,
		AbortThreshold:  20,
		MinDistanceMpc:  minMpc,
		MaxDistanceMpc:  maxMpc,
	})
	if err != nil {
		t.Fatalf("NewTracker(%s): %v", det, err)
	}
	engine, err := l4filter.NewEngine(l4filter.EngineConfig{
		SampleRate:     integRate,
		SegmentSamples: integSamples,
		LowFrequencyHz: 20,
	})
	if err != nil {
		t.Fatalf("NewEngine(%s): %v", det, err)
	}
	return &DetectorRuntime{
		Detector:    det,
		Conditioner: cond,
		PSD:         tracker,
		Filter:      engine,
		Triggers:    l5triggers.NewExtractor(xcfg, entries),
	}
}

func noiseSegment(rng *rand.Rand, det string, incIdx int64) *strain.StrainSegment {
	samples := make([]float64, integSamples)
	for i := range samples {
		samples[i] = rng.NormFloat64()
	}
	return &strain.StrainSegment{
		Detector:   det,
		StartNanos: testStart - 2_000_000_000 + incIdx*testIncNanos,
		SampleRate: integRate,
		PadSamples: integPadSamples,
		Samples:    samples,
		State:      strain.SegmentValid,
	}
}

func TestRealStagesProcessNoiseIncrements(t *testing.T) {
	b := &bank.Bank{Entries: []bank.Entry{
		{ID: 7, Mass1: 30, Mass2: 30, FLowerHz: 20, Approximant: bank.ApproximantTaylorF2},
	}}
	sink := &memSink{}
	r, err := NewSearchRuntime(SearchConfig{
		Detectors: []*DetectorRuntime{
			realDetRuntime(t, "H1", b.Entries),
			realDetRuntime(t, "L1", b.Entries),
		},
		Bank:         b,
		Coincider:    testCoincider(t, "H1", "L1"),
		Persistence:  sink,
		IncrementSec: 4,
	})
	if err != nil {
		t.Fatalf("NewSearchRuntime: %v", err)
	}
	stop := startRuntime(t, r)

	rng := rand.New(rand.NewSource(42))
	const increments = 4
	var snap *Snapshot
	for k := int64(0); k < increments; k++ {
		r.Ingest("H1", noiseSegment(rng, "H1", k))
		r.Ingest("L1", noiseSegment(rng, "L1", k))
		snap = waitForIncrement(t, r, k+1)
		if len(snap.LiveDetectors) != 2 {
			t.Fatalf("increment %d: LiveDetectors = %v, want both", k+1, snap.LiveDetectors)
		}
	}
	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, det := range []string{"H1", "L1"} {
		est := snap.PSDs[det]
		if est == nil {
			t.Fatalf("%s: no PSD estimate after %d increments", det, increments)
		}
		if est.SensitiveDistanceMpc <= 0 {
			t.Errorf("%s: sensitive distance %v, want > 0", det, est.SensitiveDistanceMpc)
		}
		if len(est.Power) == 0 || est.DeltaF <= 0 {
			t.Errorf("%s: degenerate PSD: %d bins, deltaF %v", det, len(est.Power), est.DeltaF)
		}
	}
	if snap.ShedIncrements != 0 {
		t.Errorf("ShedIncrements = %d, want 0", snap.ShedIncrements)
	}
	if snap.AnalyzedLivetime <= 0 {
		t.Errorf("AnalyzedLivetime = %v, want > 0", snap.AnalyzedLivetime)
	}

	// The first increment always persists the estimates in force.
	sink.mu.Lock()
	defer sink.mu.Unlock()
	persisted := map[string]int{}
	for _, est := range sink.psds {
		persisted[est.Detector]++
	}
	if persisted["H1"] == 0 || persisted["L1"] == 0 {
		t.Errorf("persisted PSDs per detector = %v, want at least one each", persisted)
	}

	// Gaussian noise crosses the SNR threshold now and then; every trigger
	// that did come out must carry a consistent detector and peak time.
	span := int64(increments) * testIncNanos
	for _, trig := range sink.triggers {
		if trig.Detector != "H1" && trig.Detector != "L1" {
			t.Errorf("trigger from unknown detector %q", trig.Detector)
		}
		if trig.PeakNanos < testStart || trig.PeakNanos >= testStart+span {
			t.Errorf("trigger peak %d outside analyzed span [%d, %d)", trig.PeakNanos, testStart, testStart+span)
		}
		if trig.SNR < l5triggers.DefaultSNRThreshold {
			t.Errorf("trigger SNR %v below extraction threshold", trig.SNR)
		}
	}
}

// injectChirp adds the template waveform to seg's samples, circularly shifted
// so the coalescence lands at peakSample, scaled so a matched filter against
// the true unit-noise PSD (S = 2/fs) recovers the given SNR.
func injectChirp(seg *strain.StrainSegment, tpl bank.Entry, peakSample int, snr float64) {
	deltaF := float64(integRate) / float64(integSamples)
	bins := integSamples/2 + 1
	htilde := tpl.FrequencySeries(deltaF, bins)

	kmin := int(math.Ceil(20.0 / deltaF))
	var sum float64
	for k := kmin; k < bins; k++ {
		m := cmplx.Abs(htilde[k])
		sum += m * m
	}
	sigma := math.Sqrt(4 * deltaF * sum * float64(integRate) / 2)

	fft := fourier.NewFFT(integSamples)
	waveform := fft.Sequence(nil, htilde)
	durSec := float64(integSamples) / float64(integRate)
	amp := snr / (durSec * sigma)
	for i, v := range waveform {
		seg.Samples[(i+peakSample)%integSamples] += amp * v
	}
}

// scenarioExtractorConfig raises the peak threshold so Gaussian noise alone
// produces no triggers, and widens clustering so a chirp's sidelobes merge
// into its peak.
func scenarioExtractorConfig() l5triggers.ExtractorConfig {
	cfg := l5triggers.DefaultExtractorConfig()
	cfg.SNRThreshold = 6
	cfg.ClusterWindowSec = 1
	return cfg
}

// A loud chirp injected coherently into three detectors must surface as
// exactly one triple-detector foreground coincidence at the injection time,
// with no pair subsets and no noise events around it.
func TestInjectedSignalTripleCoincidence(t *testing.T) {
	b := &bank.Bank{Entries: []bank.Entry{
		{ID: 7, Mass1: 30, Mass2: 30, FLowerHz: 20, Approximant: bank.ApproximantTaylorF2},
	}}
	dets := []string{"H1", "L1", "V1"}
	sink := &memSink{}
	runtimes := make([]*DetectorRuntime, len(dets))
	for i, det := range dets {
		runtimes[i] = tunedDetRuntime(t, det, b.Entries, scenarioExtractorConfig(), 0, 0)
	}
	r, err := NewSearchRuntime(SearchConfig{
		Detectors:        runtimes,
		Bank:             b,
		Coincider:        testCoincider(t, dets...),
		Persistence:      sink,
		IncrementSec:     4,
		ClusterWindowSec: 1,
	})
	if err != nil {
		t.Fatalf("NewSearchRuntime: %v", err)
	}
	stop := startRuntime(t, r)

	// Coalescence 3 s into the third increment, same arrival time in every
	// detector (well inside the pairwise light-travel windows).
	const injIncrement = 2
	injNanos := testStart + injIncrement*testIncNanos + 3_000_000_000
	peakSample := integPadSamples + 3*integRate
	const targetSNR = 30.0

	rng := rand.New(rand.NewSource(271))
	const increments = 4
	for k := int64(0); k < increments; k++ {
		for _, det := range dets {
			seg := noiseSegment(rng, det, k)
			if k == injIncrement {
				injectChirp(seg, b.Entries[0], peakSample, targetSNR)
			}
			r.Ingest(det, seg)
		}
		waitForIncrement(t, r, k+1)
	}
	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 1 {
		t.Fatalf("persisted %d events, want exactly 1: %v", len(sink.events), sink.events)
	}
	ev := sink.events[0]
	if len(ev.Detectors) != 3 {
		t.Fatalf("event detectors = %v, want all three", ev.Detectors)
	}
	if dt := ev.TimeNanos - injNanos; dt < -500_000_000 || dt > 500_000_000 {
		t.Errorf("event time %d is %.3fs from the injection", ev.TimeNanos, float64(dt)/1e9)
	}
	if ev.CombinedStat < 25 {
		t.Errorf("combined stat %.1f, want near sqrt(3)*%.0f", ev.CombinedStat, targetSNR)
	}
	if ev.IFARYears <= 0 {
		t.Errorf("IFARYears = %v, want > 0 with accumulated livetime", ev.IFARYears)
	}
	for _, trig := range ev.Triggers {
		if trig.SNR < targetSNR*0.6 || trig.SNR > targetSNR*1.4 {
			t.Errorf("%s: recovered SNR %.1f, want near %.0f", trig.Detector, trig.SNR, targetSNR)
		}
	}
}

// A detector whose sensitive distance falls outside the configured health
// bounds must sit out every increment; the same injection then surfaces as a
// two-detector coincidence that still carries an IFAR.
func TestDistanceBoundsReduceCoincidenceMultiplicity(t *testing.T) {
	b := &bank.Bank{Entries: []bank.Entry{
		{ID: 7, Mass1: 30, Mass2: 30, FLowerHz: 20, Approximant: bank.ApproximantTaylorF2},
	}}
	sink := &memSink{}
	// V1's minimum acceptable distance is set beyond any achievable
	// estimate, so its tracker never reports live.
	r, err := NewSearchRuntime(SearchConfig{
		Detectors: []*DetectorRuntime{
			tunedDetRuntime(t, "H1", b.Entries, scenarioExtractorConfig(), 0, 0),
			tunedDetRuntime(t, "L1", b.Entries, scenarioExtractorConfig(), 0, 0),
			tunedDetRuntime(t, "V1", b.Entries, scenarioExtractorConfig(), 1e300, 0),
		},
		Bank:             b,
		Coincider:        testCoincider(t, "H1", "L1", "V1"),
		Persistence:      sink,
		IncrementSec:     4,
		ClusterWindowSec: 1,
	})
	if err != nil {
		t.Fatalf("NewSearchRuntime: %v", err)
	}
	stop := startRuntime(t, r)

	const injIncrement = 2
	peakSample := integPadSamples + 3*integRate

	rng := rand.New(rand.NewSource(314))
	var snap *Snapshot
	for k := int64(0); k < 4; k++ {
		for _, det := range []string{"H1", "L1", "V1"} {
			seg := noiseSegment(rng, det, k)
			if k == injIncrement {
				injectChirp(seg, b.Entries[0], peakSample, 30)
			}
			r.Ingest(det, seg)
		}
		snap = waitForIncrement(t, r, k+1)
		if len(snap.LiveDetectors) != 2 {
			t.Fatalf("increment %d: LiveDetectors = %v, want H1 and L1 only", k+1, snap.LiveDetectors)
		}
		for _, det := range snap.LiveDetectors {
			if det == "V1" {
				t.Fatalf("increment %d: V1 live despite distance bounds", k+1)
			}
		}
	}
	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 1 {
		t.Fatalf("persisted %d events, want exactly 1: %v", len(sink.events), sink.events)
	}
	ev := sink.events[0]
	if len(ev.Detectors) != 2 || ev.Detectors[0] != "H1" || ev.Detectors[1] != "L1" {
		t.Fatalf("event detectors = %v, want [H1 L1]", ev.Detectors)
	}
	if ev.IFARYears <= 0 {
		t.Errorf("IFARYears = %v, want > 0 for the reduced-multiplicity event", ev.IFARYears)
	}
}
