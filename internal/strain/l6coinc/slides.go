package l6coinc

import (
	"fmt"
	"sort"
	"time"

	"github.com/banshee-data/strain.report/internal/strain"
)

// NewTimeSlides builds the process-wide slide table: slide 0 is the
// foreground (zero offset everywhere); slides 1..count shift every detector
// except the first by index*interval scaled per detector so that all
// non-zero offsets are distinct. Offsets repeat periodically within the
// background buffer, so the interval must exceed the coincidence window by
// a comfortable margin.
func NewTimeSlides(detectors []string, count int, interval time.Duration, window time.Duration) ([]strain.TimeSlide, error) {
	if len(detectors) == 0 {
		return nil, fmt.Errorf("time slides require at least one detector")
	}
	if count < 0 {
		return nil, fmt.Errorf("negative slide count %d", count)
	}
	if count > 0 && interval <= 2*window {
		return nil, fmt.Errorf("slide interval %v must exceed twice the coincidence window %v", interval, window)
	}

	dets := append([]string(nil), detectors...)
	sort.Strings(dets)

	slides := make([]strain.TimeSlide, 0, count+1)
	for s := 0; s <= count; s++ {
		offs := make(map[string]int64, len(dets))
		for j, d := range dets {
			if s == 0 || j == 0 {
				offs[d] = 0
				continue
			}
			offs[d] = int64(s) * int64(j) * interval.Nanoseconds()
		}
		slides = append(slides, strain.TimeSlide{Index: s, OffsetNanos: offs})
	}
	return slides, nil
}
