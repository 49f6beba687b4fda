package l6coinc

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/banshee-data/strain.report/internal/strain"
)

func testCoincider(t *testing.T, dets ...string) *Coincider {
	t.Helper()
	if len(dets) == 0 {
		dets = []string{"H1", "L1"}
	}
	c, err := NewCoincider(CoinciderConfig{
		Detectors:             dets,
		SlideCount:            5,
		MinBackgroundLivetime: time.Nanosecond,
	})
	if err != nil {
		t.Fatalf("NewCoincider: %v", err)
	}
	return c
}

func coincTrig(det string, nanos int64, tplID int64, newSNR float64) strain.Trigger {
	return strain.Trigger{
		Detector:   det,
		TemplateID: tplID,
		PeakNanos:  nanos,
		SNR:        newSNR,
		NewSNR:     newSNR,
	}
}

func TestCoinciderRequiresTwoDetectors(t *testing.T) {
	if _, err := NewCoincider(CoinciderConfig{Detectors: []string{"H1"}}); err == nil {
		t.Fatal("expected error for a single detector")
	}
	if _, err := NewCoincider(CoinciderConfig{Detectors: []string{"H1", "X9"}}); err == nil {
		t.Fatal("expected error for an unknown detector")
	}
}

func TestPairWithinWindow(t *testing.T) {
	c := testCoincider(t)
	at := testStart + 4_000_000_000
	events := c.Process(testStart, testStart+8_000_000_000, map[string][]strain.Trigger{
		"H1": {coincTrig("H1", at, 1, 8)},
		"L1": {coincTrig("L1", at+5_000_000, 1, 6)}, // 5 ms, inside H1-L1 travel time + slop
	}, []string{"H1", "L1"})

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.SlideIndex != 0 {
		t.Errorf("SlideIndex = %d, want 0", ev.SlideIndex)
	}
	if len(ev.Detectors) != 2 || ev.Detectors[0] != "H1" || ev.Detectors[1] != "L1" {
		t.Errorf("Detectors = %v, want [H1 L1]", ev.Detectors)
	}
	if ev.EventID == "" {
		t.Error("zero-lag event missing EventID")
	}
	if ev.TimeNanos != at {
		t.Errorf("TimeNanos = %d, want earliest peak %d", ev.TimeNanos, at)
	}
	// Capped network statistic: 8 <= 2*6, so plain quadrature.
	if want := math.Sqrt(64 + 36); math.Abs(ev.CombinedStat-want) > 1e-12 {
		t.Errorf("CombinedStat = %v, want %v", ev.CombinedStat, want)
	}
}

func TestPairOutsideWindowRejected(t *testing.T) {
	c := testCoincider(t)
	at := testStart + 4_000_000_000
	events := c.Process(testStart, testStart+8_000_000_000, map[string][]strain.Trigger{
		"H1": {coincTrig("H1", at, 1, 8)},
		"L1": {coincTrig("L1", at+80_000_000, 1, 6)}, // 80 ms apart
	}, []string{"H1", "L1"})
	if len(events) != 0 {
		t.Fatalf("got %d events for triggers 80 ms apart, want 0", len(events))
	}
}

func TestPairRequiresSameTemplate(t *testing.T) {
	c := testCoincider(t)
	at := testStart + 4_000_000_000
	events := c.Process(testStart, testStart+8_000_000_000, map[string][]strain.Trigger{
		"H1": {coincTrig("H1", at, 1, 8)},
		"L1": {coincTrig("L1", at, 2, 6)},
	}, []string{"H1", "L1"})
	if len(events) != 0 {
		t.Fatalf("got %d events across different templates, want 0", len(events))
	}
}

func TestLoudestPartnerWins(t *testing.T) {
	c := testCoincider(t)
	at := testStart + 4_000_000_000
	events := c.Process(testStart, testStart+8_000_000_000, map[string][]strain.Trigger{
		"H1": {coincTrig("H1", at, 1, 8)},
		"L1": {
			coincTrig("L1", at-4_000_000, 1, 5),
			coincTrig("L1", at+4_000_000, 1, 7),
		},
	}, []string{"H1", "L1"})
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	for _, tr := range events[0].Triggers {
		if tr.Detector == "L1" && tr.NewSNR != 7 {
			t.Errorf("partner NewSNR = %v, want the louder 7", tr.NewSNR)
		}
	}
}

// A trigger pair near the increment edge is held and emitted exactly once,
// in the following increment.
func TestEdgeTriggersEmittedOnce(t *testing.T) {
	c := testCoincider(t)
	inc := int64(8_000_000_000)
	end1 := testStart + inc
	at := end1 - 1_000_000 // 1 ms before the edge, inside the hold window

	first := c.Process(testStart, end1, map[string][]strain.Trigger{
		"H1": {coincTrig("H1", at, 1, 8)},
		"L1": {coincTrig("L1", at, 1, 6)},
	}, []string{"H1", "L1"})
	if len(first) != 0 {
		t.Fatalf("edge coincidence emitted immediately: %d events", len(first))
	}

	second := c.Process(end1, end1+inc, map[string][]strain.Trigger{}, []string{"H1", "L1"})
	if len(second) != 1 {
		t.Fatalf("held coincidence: got %d events in next increment, want 1", len(second))
	}
	if second[0].IFARYears <= 0 {
		t.Errorf("IFAR = %v after livetime advanced, want > 0", second[0].IFARYears)
	}

	third := c.Process(end1+inc, end1+2*inc, map[string][]strain.Trigger{}, []string{"H1", "L1"})
	if len(third) != 0 {
		t.Fatalf("coincidence emitted twice: %d extra events", len(third))
	}
	if extra := c.Flush(); len(extra) != 0 {
		t.Fatalf("Flush re-emitted %d events", len(extra))
	}
}

func TestFlushEmitsHeldCoincidence(t *testing.T) {
	c := testCoincider(t)
	end1 := testStart + 8_000_000_000
	at := end1 - 1_000_000

	if events := c.Process(testStart, end1, map[string][]strain.Trigger{
		"H1": {coincTrig("H1", at, 1, 8)},
		"L1": {coincTrig("L1", at, 1, 6)},
	}, []string{"H1", "L1"}); len(events) != 0 {
		t.Fatalf("edge coincidence emitted before Flush: %d events", len(events))
	}
	events := c.Flush()
	if len(events) != 1 {
		t.Fatalf("Flush: got %d events, want 1", len(events))
	}
	if c.Flush() != nil {
		t.Fatal("second Flush not empty")
	}
}

// Three detectors firing together form one triple, not a triple plus pairs.
func TestTripleSupersedesPairs(t *testing.T) {
	c := testCoincider(t, "H1", "L1", "V1")
	at := testStart + 4_000_000_000
	events := c.Process(testStart, testStart+8_000_000_000, map[string][]strain.Trigger{
		"H1": {coincTrig("H1", at, 1, 8)},
		"L1": {coincTrig("L1", at, 1, 7)},
		"V1": {coincTrig("V1", at, 1, 6)},
	}, []string{"H1", "L1", "V1"})

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1 triple", len(events))
	}
	if len(events[0].Detectors) != 3 {
		t.Fatalf("Detectors = %v, want all three", events[0].Detectors)
	}
}

func TestBackgroundOnlyAdvancesWithTwoLive(t *testing.T) {
	c := testCoincider(t)
	c.Process(testStart, testStart+8_000_000_000, nil, []string{"H1"})
	if lt := c.Background().AnalyzedLivetime(); lt != 0 {
		t.Errorf("livetime advanced with one live detector: %v", lt)
	}
	c.Process(testStart, testStart+8_000_000_000, nil, []string{"H1", "L1"})
	if lt := c.Background().AnalyzedLivetime(); lt != 8*time.Second {
		t.Errorf("livetime = %v, want 8s", lt)
	}
}

func TestTimeSlidesValidation(t *testing.T) {
	if _, err := NewTimeSlides(nil, 10, time.Second, time.Millisecond); err == nil {
		t.Error("expected error for empty detector list")
	}
	if _, err := NewTimeSlides([]string{"H1", "L1"}, 10, 20*time.Millisecond, 15*time.Millisecond); err == nil {
		t.Error("expected error for interval inside twice the window")
	}
	if _, err := NewTimeSlides([]string{"H1", "L1"}, -1, time.Second, time.Millisecond); err == nil {
		t.Error("expected error for negative count")
	}
}

func TestTimeSlideOffsets(t *testing.T) {
	slides, err := NewTimeSlides([]string{"L1", "H1", "V1"}, 4, time.Second, 15*time.Millisecond)
	if err != nil {
		t.Fatalf("NewTimeSlides: %v", err)
	}
	if len(slides) != 5 {
		t.Fatalf("got %d slides, want count+1 = 5", len(slides))
	}
	for _, off := range slides[0].OffsetNanos {
		if off != 0 {
			t.Fatal("slide 0 has a non-zero offset")
		}
	}
	for _, s := range slides[1:] {
		if s.OffsetNanos["H1"] != 0 {
			t.Errorf("slide %d: first sorted detector offset %d, want 0", s.Index, s.OffsetNanos["H1"])
		}
		seen := map[int64]bool{0: true}
		for _, det := range []string{"L1", "V1"} {
			off := s.OffsetNanos[det]
			if seen[off] {
				t.Errorf("slide %d: offset %d repeats within the slide", s.Index, off)
			}
			seen[off] = true
		}
	}
}

// The rate-of-louder-events curve estimates a property of the detector noise,
// so it must not depend on which non-zero slide offsets sampled it: two
// ensembles fed identical trigger streams under different slide intervals
// converge to the same IFAR at a given statistic.
func TestBackgroundConvergesAcrossSlideIntervals(t *testing.T) {
	build := func(intervalSec float64) *Coincider {
		c, err := NewCoincider(CoinciderConfig{
			Detectors:             []string{"H1", "L1"},
			SlideCount:            20,
			SlideIntervalSec:      intervalSec,
			MinBackgroundLivetime: time.Nanosecond,
		})
		if err != nil {
			t.Fatalf("NewCoincider(interval=%v): %v", intervalSec, err)
		}
		return c
	}
	ca := build(0.05)
	cb := build(0.065)

	rng := rand.New(rand.NewSource(99))
	const inc = int64(8_000_000_000)
	const increments = 300
	live := []string{"H1", "L1"}
	for k := int64(0); k < increments; k++ {
		start := testStart + k*inc
		byDet := map[string][]strain.Trigger{}
		for _, det := range live {
			n := 8 + rng.Intn(5)
			trigs := make([]strain.Trigger, 0, n)
			for i := 0; i < n; i++ {
				at := start + int64(rng.Float64()*float64(inc))
				trigs = append(trigs, coincTrig(det, at, 1, 5.5+rng.ExpFloat64()))
			}
			byDet[det] = trigs
		}
		ca.Process(start, start+inc, byDet, live)
		cb.Process(start, start+inc, byDet, live)
	}

	combo := ComboKey(live)
	sa, sb := ca.Background().CurveSize()[combo], cb.Background().CurveSize()[combo]
	if sa < 500 || sb < 500 {
		t.Fatalf("ensembles too thin to compare: %d and %d entries", sa, sb)
	}
	for _, stat := range []float64{8, 9} {
		ia := ca.Background().IFARYears(combo, stat)
		ib := cb.Background().IFARYears(combo, stat)
		if ia <= 0 || ib <= 0 {
			t.Fatalf("stat %.0f: IFAR %v and %v, want both positive", stat, ia, ib)
		}
		ratio := ia / ib
		if ratio < 1 {
			ratio = 1 / ratio
		}
		if ratio > 1.3 {
			t.Errorf("stat %.0f: IFAR %v vs %v differ by factor %.2f across slide intervals", stat, ia, ib, ratio)
		}
	}
	if lo, hi := ca.Background().IFARYears(combo, 8), ca.Background().IFARYears(combo, 10); hi < lo {
		t.Errorf("IFAR not monotone in the statistic: %v at 10 < %v at 8", hi, lo)
	}
}

func TestCappedNetworkRanking(t *testing.T) {
	r := CappedNetworkRanking{}
	if got := r.Combine(nil); got != 0 {
		t.Errorf("Combine(nil) = %v, want 0", got)
	}
	single := []strain.Trigger{{NewSNR: 7.5}}
	if got := r.Combine(single); got != 7.5 {
		t.Errorf("single-trigger statistic = %v, want 7.5", got)
	}
	balanced := []strain.Trigger{{NewSNR: 3}, {NewSNR: 4}}
	if got := r.Combine(balanced); math.Abs(got-5) > 1e-12 {
		t.Errorf("balanced pair = %v, want 5", got)
	}
	// Loudest capped at twice the second-loudest: 10,1 -> 2,1 in quadrature.
	lopsided := []strain.Trigger{{NewSNR: 10}, {NewSNR: 1}}
	if got, want := r.Combine(lopsided), math.Sqrt(5); math.Abs(got-want) > 1e-12 {
		t.Errorf("lopsided pair = %v, want %v", got, want)
	}
}
