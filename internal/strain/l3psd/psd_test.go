package l3psd

import (
	"math"
	"math/rand"
	"testing"

	"github.com/banshee-data/strain.report/internal/strain"
)

const (
	testRate  = 256
	testStart = 1_000_000_000_000
)

func testEstimatorConfig() EstimatorConfig {
	return EstimatorConfig{
		Detector:       "H1",
		SampleRate:     testRate,
		SegmentSec:     2,
		StrideSec:      1,
		SampleCount:    8,
		LowFrequencyHz: 15,
	}
}

// noiseSegment builds a valid segment of white Gaussian noise.
func noiseSegment(sigma float64, seed int64, seconds int) *strain.StrainSegment {
	rng := rand.New(rand.NewSource(seed))
	samples := make([]float64, seconds*testRate)
	for i := range samples {
		samples[i] = sigma * rng.NormFloat64()
	}
	return &strain.StrainSegment{
		Detector:   "H1",
		StartNanos: testStart,
		SampleRate: testRate,
		Samples:    samples,
		State:      strain.SegmentValid,
	}
}

func TestMedianBias(t *testing.T) {
	cases := []struct {
		n    int
		want float64
	}{
		{1, 1.0},
		{2, 0.5},
		{3, 1.0 - 0.5 + 1.0/3.0},
		{4, 1.0 - 0.5 + 1.0/3.0 - 0.25},
	}
	for _, c := range cases {
		got := medianBias(c.n)
		if math.Abs(got-c.want) > 1e-12 {
			t.Errorf("medianBias(%d) = %v, want %v", c.n, got, c.want)
		}
	}
	// The partial sums converge to ln 2 from alternating sides.
	if got := medianBias(1000); math.Abs(got-math.Ln2) > 1e-3 {
		t.Errorf("medianBias(1000) = %v, want near ln 2", got)
	}
}

func TestEstimateRequiresTwoPeriodograms(t *testing.T) {
	e, err := NewEstimator(testEstimatorConfig())
	if err != nil {
		t.Fatalf("NewEstimator: %v", err)
	}
	if _, err := e.Estimate(testStart, testStart+1); err == nil {
		t.Fatal("expected error with no periodograms")
	}
	e.AddSegment(noiseSegment(1, 1, 2)) // exactly one periodogram
	if e.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", e.Count())
	}
	if _, err := e.Estimate(testStart, testStart+1); err == nil {
		t.Fatal("expected error with a single periodogram")
	}
}

func TestWhiteNoiseLevel(t *testing.T) {
	e, err := NewEstimator(testEstimatorConfig())
	if err != nil {
		t.Fatalf("NewEstimator: %v", err)
	}
	e.AddSegment(noiseSegment(1, 2, 20))

	est, err := e.Estimate(testStart, testStart+1)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}

	// Unit-variance white noise at rate fs has one-sided PSD 2/fs.
	want := 2.0 / testRate
	var sum float64
	var n int
	for k := 10; k < len(est.Power)-10; k++ {
		sum += est.Power[k]
		n++
	}
	mean := sum / float64(n)
	if math.Abs(mean-want)/want > 0.2 {
		t.Errorf("mean PSD level %.3e, want %.3e within 20%%", mean, want)
	}
	if est.SegmentsUsed != 8 {
		t.Errorf("SegmentsUsed = %d, want 8 (ring capacity)", est.SegmentsUsed)
	}
	if est.DeltaF != 0.5 {
		t.Errorf("DeltaF = %v, want 0.5", est.DeltaF)
	}
}

func TestEstimateDeterministic(t *testing.T) {
	var ests []*strain.PSDEstimate
	for i := 0; i < 2; i++ {
		e, err := NewEstimator(testEstimatorConfig())
		if err != nil {
			t.Fatalf("NewEstimator: %v", err)
		}
		e.AddSegment(noiseSegment(1, 9, 12))
		est, err := e.Estimate(testStart, testStart+1)
		if err != nil {
			t.Fatalf("Estimate: %v", err)
		}
		ests = append(ests, est)
	}
	for k := range ests[0].Power {
		if ests[0].Power[k] != ests[1].Power[k] {
			t.Fatalf("estimates differ at bin %d: %v vs %v", k, ests[0].Power[k], ests[1].Power[k])
		}
	}
}

func TestAddSegmentSkipsUnusable(t *testing.T) {
	e, err := NewEstimator(testEstimatorConfig())
	if err != nil {
		t.Fatalf("NewEstimator: %v", err)
	}
	gapped := noiseSegment(1, 4, 8)
	gapped.State = strain.SegmentGapped
	e.AddSegment(gapped)
	invalid := noiseSegment(1, 5, 8)
	invalid.State = strain.SegmentInvalid
	e.AddSegment(invalid)
	if e.Count() != 0 {
		t.Errorf("Count() = %d after gapped and invalid segments, want 0", e.Count())
	}
}

func TestEvaluateHealth(t *testing.T) {
	cases := []struct {
		name               string
		current, candidate float64
		want               HealthDecision
	}{
		{"no current estimate", 0, 100, HealthRecalculate},
		{"steady", 100, 101, HealthSteady},
		{"drift past recalc", 100, 105, HealthRecalculate},
		{"jump past abort", 100, 50, HealthAbort},
		{"jump up past abort", 100, 130, HealthAbort},
	}
	for _, c := range cases {
		if got := EvaluateHealth(c.current, c.candidate, 0.02, 0.15); got != c.want {
			t.Errorf("%s: EvaluateHealth(%v, %v) = %v, want %v", c.name, c.current, c.candidate, got, c.want)
		}
	}
}

func TestSensitiveDistancePositive(t *testing.T) {
	e, err := NewEstimator(testEstimatorConfig())
	if err != nil {
		t.Fatalf("NewEstimator: %v", err)
	}
	e.AddSegment(noiseSegment(1e-21, 6, 20))
	est, err := e.Estimate(testStart, testStart+1)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if est.SensitiveDistanceMpc <= 0 {
		t.Errorf("sensitive distance %v, want > 0", est.SensitiveDistanceMpc)
	}
	// Doubling the noise amplitude halves the range.
	e2, _ := NewEstimator(testEstimatorConfig())
	e2.AddSegment(noiseSegment(2e-21, 6, 20))
	est2, err := e2.Estimate(testStart, testStart+1)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	ratio := est.SensitiveDistanceMpc / est2.SensitiveDistanceMpc
	if math.Abs(ratio-2) > 0.2 {
		t.Errorf("range ratio for 2x noise = %.3f, want near 2", ratio)
	}
}

func testTrackerConfig() TrackerConfig {
	return TrackerConfig{
		EstimatorConfig:   testEstimatorConfig(),
		RecalcIntervalSec: 64,
		RecalcThreshold:   0.02,
		AbortThreshold:    0.15,
	}
}

func TestTrackerWarmup(t *testing.T) {
	tr, err := NewTracker(testTrackerConfig())
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	if est, live := tr.Advance(testStart); est != nil || live {
		t.Fatalf("Advance before data = (%v, %v), want (nil, false)", est, live)
	}
	if tr.Current() != nil {
		t.Fatal("Current() non-nil during warmup")
	}
}

func TestTrackerAdoptsAndHolds(t *testing.T) {
	cfg := testTrackerConfig()
	cfg.RecalcThreshold = 0.2 // keep statistical scatter from forcing adoption
	cfg.AbortThreshold = 0.5
	tr, err := NewTracker(cfg)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	tr.Observe(noiseSegment(1, 21, 12))

	est, live := tr.Advance(testStart)
	if !live || est == nil {
		t.Fatal("first Advance with data should adopt and go live")
	}

	// Within the recompute interval and with steady noise, the estimate in
	// force does not change.
	tr.Observe(noiseSegment(1, 22, 4))
	est2, live := tr.Advance(testStart + 8_000_000_000)
	if !live {
		t.Fatal("second Advance not live")
	}
	if est2 != est {
		t.Error("estimate replaced inside the recompute interval with steady noise")
	}
}

func TestTrackerAbortsOnNoiseJump(t *testing.T) {
	tr, err := NewTracker(testTrackerConfig())
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	tr.Observe(noiseSegment(1, 31, 12))
	if _, live := tr.Advance(testStart); !live {
		t.Fatal("baseline Advance not live")
	}

	// Flood the ring with 5x louder noise: candidate range drops ~80%.
	tr.Observe(noiseSegment(5, 32, 12))
	if est, live := tr.Advance(testStart + 8_000_000_000); live || est != nil {
		t.Fatal("Advance after noise jump should suspend the detector")
	}

	// Noise settling back near the adopted estimate resumes the detector.
	tr.Observe(noiseSegment(1, 33, 12))
	if _, live := tr.Advance(testStart + 16_000_000_000); !live {
		t.Fatal("Advance after noise settled should resume")
	}
}

func TestTrackerDistanceBounds(t *testing.T) {
	cfg := testTrackerConfig()
	cfg.MinDistanceMpc = 1e30 // unreachable: every estimate is out of bounds
	tr, err := NewTracker(cfg)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	tr.Observe(noiseSegment(1, 41, 12))
	if _, live := tr.Advance(testStart); live {
		t.Fatal("out-of-bounds sensitive distance should not be live")
	}
	// The estimate is still adopted and visible for status reporting.
	if tr.Current() == nil {
		t.Error("Current() nil after bounds dropout")
	}
}

func TestInterpolateTo(t *testing.T) {
	psd := &strain.PSDEstimate{
		DeltaF: 1,
		Power:  []float64{0, 1, 2, 3},
	}
	got := InterpolateTo(psd, 0.5, 8)
	want := []float64{0, 0.5, 1, 1.5, 2, 2.5, 3, 3}
	for k := range want {
		if math.Abs(got[k]-want[k]) > 1e-12 {
			t.Errorf("bin %d: got %v, want %v", k, got[k], want[k])
		}
	}
}
