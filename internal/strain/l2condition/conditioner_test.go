package l2condition

import (
	"math"
	"math/rand"
	"testing"

	"github.com/banshee-data/strain.report/internal/strain"
)

const testRate = 256

// makeSegment wraps samples in a one-second-pad segment at a fixed epoch.
func makeSegment(samples []float64) *strain.StrainSegment {
	return &strain.StrainSegment{
		Detector:   "H1",
		StartNanos: 1_000_000_000_000,
		SampleRate: testRate,
		PadSamples: testRate,
		Samples:    samples,
		State:      strain.SegmentValid,
	}
}

// sineSamples generates n samples of a freqHz sine at the test rate.
func sineSamples(n int, freqHz, amp float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = amp * math.Sin(2*math.Pi*freqHz*float64(i)/testRate)
	}
	return out
}

func TestHighPassRemovesLowFrequency(t *testing.T) {
	c, err := NewConditioner(testRate, DefaultConditionerConfig())
	if err != nil {
		t.Fatalf("NewConditioner: %v", err)
	}

	// 2 Hz tone, far below the 15 Hz cutoff.
	n := 4 * testRate
	seg := makeSegment(sineSamples(n, 2, 1))
	c.Condition(seg)

	// Look away from the convolution edges.
	var peak float64
	for _, v := range seg.Samples[n/4 : 3*n/4] {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	if peak > 0.05 {
		t.Errorf("2 Hz tone survived high-pass: residual peak %.4f", peak)
	}
}

func TestHighPassKeepsBandSignal(t *testing.T) {
	c, err := NewConditioner(testRate, DefaultConditionerConfig())
	if err != nil {
		t.Fatalf("NewConditioner: %v", err)
	}

	// 60 Hz tone, well inside the pass band.
	n := 4 * testRate
	seg := makeSegment(sineSamples(n, 60, 1))
	c.Condition(seg)

	var peak float64
	for _, v := range seg.Samples[n/4 : 3*n/4] {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	if peak < 0.9 {
		t.Errorf("60 Hz tone attenuated to %.4f, want near 1", peak)
	}
}

func TestAutogateZeroesGlitch(t *testing.T) {
	c, err := NewConditioner(testRate, DefaultConditionerConfig())
	if err != nil {
		t.Fatalf("NewConditioner: %v", err)
	}

	rng := rand.New(rand.NewSource(7))
	n := 4 * testRate
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = rng.NormFloat64()
	}
	glitchIdx := 2 * testRate
	samples[glitchIdx] = 1e4 // far beyond 50 robust sigma

	seg := makeSegment(samples)
	c.Condition(seg)

	if seg.State != strain.SegmentGated {
		t.Fatalf("segment state %v, want gated", seg.State)
	}
	if len(seg.Gated) == 0 {
		t.Fatal("no gated intervals recorded")
	}
	if !seg.InGatedInterval(glitchIdx) {
		t.Errorf("glitch sample %d not inside a gated interval", glitchIdx)
	}
	if math.Abs(seg.Samples[glitchIdx]) > 1 {
		t.Errorf("glitch sample not zeroed: %v", seg.Samples[glitchIdx])
	}
}

func TestAutogateQuietDataUntouched(t *testing.T) {
	c, err := NewConditioner(testRate, DefaultConditionerConfig())
	if err != nil {
		t.Fatalf("NewConditioner: %v", err)
	}

	rng := rand.New(rand.NewSource(11))
	samples := make([]float64, 4*testRate)
	for i := range samples {
		samples[i] = rng.NormFloat64()
	}
	seg := makeSegment(samples)
	c.Condition(seg)

	if seg.State != strain.SegmentValid {
		t.Errorf("quiet segment state %v, want valid", seg.State)
	}
	if len(seg.Gated) != 0 {
		t.Errorf("quiet segment has %d gated intervals", len(seg.Gated))
	}
}

func TestExcessiveGatingInvalidates(t *testing.T) {
	cfg := DefaultConditionerConfig()
	cfg.GateClusterSec = 2 // merge the spike train into giant gates
	c, err := NewConditioner(testRate, cfg)
	if err != nil {
		t.Fatalf("NewConditioner: %v", err)
	}

	rng := rand.New(rand.NewSource(3))
	n := 4 * testRate
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = rng.NormFloat64()
	}
	// Spikes across the whole analysis span.
	for i := testRate; i < n; i += testRate / 2 {
		samples[i] = 1e4
	}

	seg := makeSegment(samples)
	c.Condition(seg)

	if seg.State != strain.SegmentInvalid {
		t.Errorf("heavily gated segment state %v, want invalid", seg.State)
	}
}

func TestGappedSegmentPassesThrough(t *testing.T) {
	c, err := NewConditioner(testRate, DefaultConditionerConfig())
	if err != nil {
		t.Fatalf("NewConditioner: %v", err)
	}

	samples := sineSamples(2*testRate, 2, 1)
	orig := append([]float64(nil), samples...)
	seg := makeSegment(samples)
	seg.State = strain.SegmentGapped
	c.Condition(seg)

	for i := range orig {
		if seg.Samples[i] != orig[i] {
			t.Fatalf("gapped segment modified at sample %d", i)
		}
	}
}

func TestNyquistValidation(t *testing.T) {
	cfg := DefaultConditionerConfig()
	cfg.HighPassHz = 200 // 200+5 > 128 Hz Nyquist at 256 Hz
	if _, err := NewConditioner(testRate, cfg); err == nil {
		t.Fatal("expected error for cutoff above Nyquist")
	}
}

func TestRobustSigmaIgnoresOutliers(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	x := make([]float64, 4096)
	for i := range x {
		x[i] = rng.NormFloat64()
	}
	clean := robustSigma(x)
	x[0], x[1], x[2] = 1e6, -1e6, 1e6
	dirty := robustSigma(x)

	if math.Abs(dirty-clean)/clean > 0.05 {
		t.Errorf("robust sigma moved from %.3f to %.3f with 3 outliers", clean, dirty)
	}
	if clean < 0.8 || clean > 1.2 {
		t.Errorf("robust sigma of unit normal = %.3f, want near 1", clean)
	}
}
