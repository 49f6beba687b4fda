package l6coinc

import (
	"sort"
	"sync"
	"time"
)

// secondsPerYear converts livetime seconds to the years IFAR is quoted in.
const secondsPerYear = 365.25 * 24 * 3600

// Background accumulates time-slide coincidence statistics per detector
// combination over a sliding livetime window and interpolates a candidate's
// rate of equal-or-louder events from the resulting empirical curve.
type Background struct {
	mu sync.Mutex

	// entries per combination key ("H1 L1", "H1 L1 V1"), time-ordered.
	entries map[string][]bgEntry

	slideCount    int
	livetime      time.Duration // sliding window over which entries are kept
	analyzedNanos int64         // foreground livetime analyzed so far
	minLivetime   time.Duration // IFAR withheld before this much livetime
}

type bgEntry struct {
	timeNanos int64
	stat      float64
}

// NewBackground sizes the accumulator. slideCount scales the effective
// background livetime: each increment of foreground time contributes
// slideCount increments of synthetic noise-only time.
func NewBackground(slideCount int, livetime, minLivetime time.Duration) *Background {
	return &Background{
		entries:     map[string][]bgEntry{},
		slideCount:  slideCount,
		livetime:    livetime,
		minLivetime: minLivetime,
	}
}

// ComboKey canonicalises a participating-detector set.
func ComboKey(dets []string) string {
	d := append([]string(nil), dets...)
	sort.Strings(d)
	key := ""
	for i, s := range d {
		if i > 0 {
			key += " "
		}
		key += s
	}
	return key
}

// Add records one background coincidence for a combination.
func (b *Background) Add(comboKey string, timeNanos int64, stat float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[comboKey] = append(b.entries[comboKey], bgEntry{timeNanos: timeNanos, stat: stat})
}

// Advance accounts one increment of analyzed foreground livetime and trims
// entries older than the sliding window.
func (b *Background) Advance(nowNanos int64, increment time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.analyzedNanos += increment.Nanoseconds()
	cutoff := nowNanos - b.livetime.Nanoseconds()
	for key, es := range b.entries {
		i := sort.Search(len(es), func(i int) bool { return es[i].timeNanos >= cutoff })
		if i > 0 {
			b.entries[key] = append(es[:0], es[i:]...)
		}
	}
}

// AnalyzedLivetime returns the foreground livetime accounted so far.
func (b *Background) AnalyzedLivetime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Duration(b.analyzedNanos)
}

// IFARYears interpolates the inverse false-alarm rate for a foreground
// candidate of the given combination and statistic. Returns 0 while the
// accumulated livetime is below the configured minimum: an IFAR from a
// nearly empty ensemble is statistically meaningless and must not alert.
func (b *Background) IFARYears(comboKey string, stat float64) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if time.Duration(b.analyzedNanos) < b.minLivetime {
		return 0
	}
	fgLivetime := time.Duration(b.analyzedNanos)
	if b.livetime < fgLivetime {
		fgLivetime = b.livetime
	}
	bgLivetimeSec := fgLivetime.Seconds() * float64(b.slideCount)
	if bgLivetimeSec <= 0 {
		return 0
	}

	louder := 0
	for _, e := range b.entries[comboKey] {
		if e.stat >= stat {
			louder++
		}
	}
	// The +1 keeps the estimate conservative when nothing louder exists.
	rate := float64(louder+1) / bgLivetimeSec
	return 1 / rate / secondsPerYear
}

// CurvePoints is one combination's ensemble as parallel time/stat slices,
// time-ordered. The persistence layer stores and restores it verbatim.
type CurvePoints struct {
	TimeNanos []int64
	Stats     []float64
}

// ExportCurves copies the ensemble out for persistence.
func (b *Background) ExportCurves() map[string]CurvePoints {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]CurvePoints, len(b.entries))
	for key, es := range b.entries {
		c := CurvePoints{
			TimeNanos: make([]int64, len(es)),
			Stats:     make([]float64, len(es)),
		}
		for i, e := range es {
			c.TimeNanos[i] = e.timeNanos
			c.Stats[i] = e.stat
		}
		out[key] = c
	}
	return out
}

// RestoreCurves replaces the ensemble and analyzed livetime with persisted
// state, so a restart resumes the background curve and the minimum-livetime
// gate instead of starting cold. Entries are re-sorted by time; Advance's
// window trim relies on time order.
func (b *Background) RestoreCurves(curves map[string]CurvePoints, analyzed time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[string][]bgEntry, len(curves))
	for key, c := range curves {
		n := len(c.TimeNanos)
		if len(c.Stats) < n {
			n = len(c.Stats)
		}
		es := make([]bgEntry, n)
		for i := 0; i < n; i++ {
			es[i] = bgEntry{timeNanos: c.TimeNanos[i], stat: c.Stats[i]}
		}
		sort.Slice(es, func(i, j int) bool { return es[i].timeNanos < es[j].timeNanos })
		b.entries[key] = es
	}
	b.analyzedNanos = analyzed.Nanoseconds()
}

// CurveSize reports the ensemble size per combination, for status pages.
func (b *Background) CurveSize() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.entries))
	for k, es := range b.entries {
		out[k] = len(es)
	}
	return out
}
