package l6coinc

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/strain.report/internal/strain"
)

// CoinciderConfig tunes the multi-detector coincidence stage.
type CoinciderConfig struct {
	Detectors []string

	// SlopSec widens each pairwise light-travel window to absorb timing
	// jitter from discrete sampling and template phase.
	SlopSec float64

	// SlideCount and SlideIntervalSec configure the background time slides.
	// Slide 0 is the zero-lag foreground.
	SlideCount       int
	SlideIntervalSec float64

	// Background sizing.
	BackgroundLivetime    time.Duration
	MinBackgroundLivetime time.Duration

	Ranking RankingMethod
}

func (c *CoinciderConfig) withDefaults() {
	if c.SlopSec == 0 {
		c.SlopSec = 0.005
	}
	if c.SlideCount == 0 {
		c.SlideCount = 100
	}
	if c.SlideIntervalSec == 0 {
		c.SlideIntervalSec = 0.1
	}
	if c.BackgroundLivetime == 0 {
		c.BackgroundLivetime = 8 * time.Hour
	}
	if c.MinBackgroundLivetime == 0 {
		c.MinBackgroundLivetime = 10 * time.Minute
	}
	if c.Ranking == nil {
		c.Ranking = &CappedNetworkRanking{}
	}
}

// Coincider matches single-detector triggers across detectors, maintains the
// slide background, and assigns inverse false-alarm rates to zero-lag
// coincidences. Triggers near the trailing edge of an increment are held for
// one extra increment so partners arriving in the next increment are not
// missed.
type Coincider struct {
	cfg    CoinciderConfig
	slides []strain.TimeSlide

	// windows[a][b] is the allowed |t_a - t_b| in nanoseconds.
	windows   map[string]map[string]int64
	maxWindow int64

	pending map[string][]strain.Trigger

	background *Background
}

// NewCoincider validates detector names, precomputes pairwise coincidence
// windows from light travel times, and builds the time-slide table.
func NewCoincider(cfg CoinciderConfig) (*Coincider, error) {
	cfg.withDefaults()
	if len(cfg.Detectors) < 2 {
		return nil, fmt.Errorf("coincidence needs at least two detectors, got %d", len(cfg.Detectors))
	}

	windows := map[string]map[string]int64{}
	var maxWindow int64
	for _, a := range cfg.Detectors {
		windows[a] = map[string]int64{}
		for _, b := range cfg.Detectors {
			if a == b {
				continue
			}
			ltt, err := strain.LightTravelTime(a, b)
			if err != nil {
				return nil, err
			}
			w := ltt.Nanoseconds() + int64(cfg.SlopSec*float64(time.Second))
			windows[a][b] = w
			if w > maxWindow {
				maxWindow = w
			}
		}
	}

	slideWindow := time.Duration(maxWindow)
	slides, err := NewTimeSlides(cfg.Detectors, cfg.SlideCount,
		time.Duration(cfg.SlideIntervalSec*float64(time.Second)), slideWindow)
	if err != nil {
		return nil, err
	}

	return &Coincider{
		cfg:        cfg,
		slides:     slides,
		windows:    windows,
		maxWindow:  maxWindow,
		pending:    map[string][]strain.Trigger{},
		background: NewBackground(cfg.SlideCount, cfg.BackgroundLivetime, cfg.MinBackgroundLivetime),
	}, nil
}

// Background exposes the accumulator for status reporting and persistence.
func (c *Coincider) Background() *Background { return c.background }

// Process ingests one increment's clustered triggers per detector and returns
// the zero-lag coincidences found, with IFAR assigned. liveDets names the
// detectors whose data actually arrived this increment; the background
// livetime only advances when at least two were live.
func (c *Coincider) Process(incStartNanos, incEndNanos int64, byDet map[string][]strain.Trigger, liveDets []string) []strain.CoincidenceEvent {
	// Merge held-over edge triggers with the fresh batch.
	working := map[string][]strain.Trigger{}
	for _, det := range c.cfg.Detectors {
		merged := append(append([]strain.Trigger(nil), c.pending[det]...), byDet[det]...)
		sort.Slice(merged, func(i, j int) bool { return merged[i].PeakNanos < merged[j].PeakNanos })
		working[det] = merged
	}

	// Hold triggers within maxWindow of the increment end for next time;
	// their partner may not have been filtered yet.
	edgeCut := incEndNanos - c.maxWindow
	for det, trigs := range working {
		i := sort.Search(len(trigs), func(i int) bool { return trigs[i].PeakNanos > edgeCut })
		c.pending[det] = append([]strain.Trigger(nil), trigs[i:]...)
	}

	events := c.matchAll(working, edgeCut)

	if len(liveDets) >= 2 {
		c.background.Advance(incEndNanos, time.Duration(incEndNanos-incStartNanos))
	}
	return events
}

// Flush matches the held edge triggers against each other and emits whatever
// remains, for shutdown. After Flush the pending buffers are empty.
func (c *Coincider) Flush() []strain.CoincidenceEvent {
	working := map[string][]strain.Trigger{}
	for det, trigs := range c.pending {
		working[det] = trigs
	}
	c.pending = map[string][]strain.Trigger{}
	return c.matchAll(working, math.MaxInt64)
}

// matchAll runs every slide over the working set. Only coincidences whose
// event time is at or before finalCut are emitted or counted as background;
// later ones re-form next increment from the held edge triggers, so each
// coincidence is finalized exactly once.
func (c *Coincider) matchAll(working map[string][]strain.Trigger, finalCut int64) []strain.CoincidenceEvent {
	var events []strain.CoincidenceEvent
	for _, slide := range c.slides {
		for _, coinc := range c.matchSlide(slide, working) {
			if coinc.TimeNanos > finalCut {
				continue
			}
			combo := ComboKey(coinc.Detectors)
			if slide.Index == 0 {
				coinc.IFARYears = c.background.IFARYears(combo, coinc.CombinedStat)
				events = append(events, coinc)
			} else {
				c.background.Add(combo, coinc.TimeNanos, coinc.CombinedStat)
			}
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].TimeNanos < events[j].TimeNanos })
	return events
}

// matchSlide runs pairwise matching for one slide, then extends pairs to
// higher-multiplicity coincidences when further detectors also match.
func (c *Coincider) matchSlide(slide strain.TimeSlide, byDet map[string][]strain.Trigger) []strain.CoincidenceEvent {
	dets := c.cfg.Detectors
	var out []strain.CoincidenceEvent

	for i := 0; i < len(dets); i++ {
		for j := i + 1; j < len(dets); j++ {
			a, b := dets[i], dets[j]
			for _, pair := range c.matchPair(slide, a, byDet[a], b, byDet[b]) {
				// Try extending by every later detector so each
				// coincidence is emitted exactly once, anchored at
				// its lowest-index pair.
				members := pair
				for k := j + 1; k < len(dets); k++ {
					if t, ok := c.bestPartner(slide, members, dets[k], byDet[dets[k]]); ok {
						members = append(members, t)
					}
				}
				out = append(out, c.buildEvent(slide, members))
			}
		}
	}
	return dedupeSubsets(out)
}

// matchPair finds, for each trigger in a, the loudest same-template trigger
// in b within the pairwise window after applying the slide offsets.
func (c *Coincider) matchPair(slide strain.TimeSlide, detA string, as []strain.Trigger, detB string, bs []strain.Trigger) [][]strain.Trigger {
	if len(as) == 0 || len(bs) == 0 {
		return nil
	}
	offA := slide.OffsetNanos[detA]
	offB := slide.OffsetNanos[detB]
	window := c.windows[detA][detB]

	var pairs [][]strain.Trigger
	lo := 0
	for _, ta := range as {
		t := ta.PeakNanos + offA
		for lo < len(bs) && bs[lo].PeakNanos+offB < t-window {
			lo++
		}
		best := -1
		for k := lo; k < len(bs); k++ {
			tb := bs[k].PeakNanos + offB
			if tb > t+window {
				break
			}
			if bs[k].TemplateID != ta.TemplateID {
				continue
			}
			if best < 0 || bs[k].NewSNR > bs[best].NewSNR {
				best = k
			}
		}
		if best >= 0 {
			pairs = append(pairs, []strain.Trigger{ta, bs[best]})
		}
	}
	return pairs
}

// bestPartner finds a trigger in cand consistent with every member trigger
// under this slide's offsets and the pairwise windows.
func (c *Coincider) bestPartner(slide strain.TimeSlide, members []strain.Trigger, det string, cand []strain.Trigger) (strain.Trigger, bool) {
	best := -1
	for k, tc := range cand {
		if tc.TemplateID != members[0].TemplateID {
			continue
		}
		ok := true
		for _, m := range members {
			dt := (tc.PeakNanos + slide.OffsetNanos[det]) - (m.PeakNanos + slide.OffsetNanos[m.Detector])
			if dt < 0 {
				dt = -dt
			}
			if dt > c.windows[m.Detector][det] {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		if best < 0 || tc.NewSNR > cand[best].NewSNR {
			best = k
		}
	}
	if best < 0 {
		return strain.Trigger{}, false
	}
	return cand[best], true
}

func (c *Coincider) buildEvent(slide strain.TimeSlide, members []strain.Trigger) strain.CoincidenceEvent {
	dets := make([]string, len(members))
	for i, m := range members {
		dets[i] = m.Detector
	}
	sort.Strings(dets)

	// Event time is the earliest participating peak, shifted back to the
	// zero-lag frame.
	timeNanos := members[0].PeakNanos
	for _, m := range members[1:] {
		if m.PeakNanos < timeNanos {
			timeNanos = m.PeakNanos
		}
	}

	ev := strain.CoincidenceEvent{
		SlideIndex:   slide.Index,
		Detectors:    dets,
		Triggers:     append([]strain.Trigger(nil), members...),
		TimeNanos:    timeNanos,
		CombinedStat: c.cfg.Ranking.Combine(members),
	}
	if slide.Index == 0 {
		ev.EventID = uuid.NewString()
	}
	return ev
}

// dedupeSubsets drops a coincidence whose detector set and triggers are a
// strict subset of another coincidence at (nearly) the same time: the triple
// supersedes its constituent pairs.
func dedupeSubsets(events []strain.CoincidenceEvent) []strain.CoincidenceEvent {
	var out []strain.CoincidenceEvent
	for i, e := range events {
		subset := false
		for j, f := range events {
			if i == j || len(e.Triggers) >= len(f.Triggers) {
				continue
			}
			if triggersSubset(e.Triggers, f.Triggers) {
				subset = true
				break
			}
		}
		if !subset {
			out = append(out, e)
		}
	}
	return out
}

func triggersSubset(sub, super []strain.Trigger) bool {
	for _, s := range sub {
		found := false
		for _, t := range super {
			if s.Detector == t.Detector && s.PeakNanos == t.PeakNanos && s.TemplateID == t.TemplateID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
