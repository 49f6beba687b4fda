package l1segments

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/strain.report/internal/strain"
	"github.com/banshee-data/strain.report/internal/timeutil"
)

// Default configuration values applied by NewSegmentBuilder.
const (
	// DefaultIncrementSec is the analysis increment length in seconds.
	DefaultIncrementSec = 8
	// DefaultPadSec is the look-back pad prepended to each segment.
	DefaultPadSec = 4
	// DefaultReadTimeout is how long to wait for source data before
	// zero-filling the pending increment.
	DefaultReadTimeout = 10 * time.Second
)

// SegmentBuilderConfig contains configuration for a SegmentBuilder.
type SegmentBuilderConfig struct {
	Detector        string                       // detector identifier, e.g. "H1"
	SampleRate      int                          // raw sample rate, Hz
	IncrementSec    int                          // analysis increment length (default: 8s)
	PadSec          int                          // look-back pad length (default: 4s)
	ReadTimeout     time.Duration                // zero-fill after this much source silence (0 disables)
	StartNanos      int64                        // GPS-epoch nanoseconds of the first analysis increment
	SegmentCallback func(*strain.StrainSegment)  // invoked for every completed segment
	Clock           timeutil.Clock               // time source (default: real time)
}

// SegmentBuilder accumulates pushed samples for one detector and cuts them
// into contiguous analysis segments. Segments tile the input exactly: every
// analysis span [k*increment, (k+1)*increment) is emitted once, preceded by
// a pad copied from the previous increment's tail.
type SegmentBuilder struct {
	detector     string
	sampleRate   int
	incSamples   int // increment length in samples
	padSamples   int // pad length in samples
	readTimeout  time.Duration
	callback     func(*strain.StrainSegment)

	mu sync.Mutex

	// buf holds raw samples from bufStartNanos onward. Its head is always
	// pinned at nextStartNanos - pad so a segment can be cut as soon as one
	// increment of data beyond nextStartNanos is present.
	buf           []float64
	bufStartNanos int64

	// gaps are absolute sample-index intervals (relative to bufStartNanos)
	// that were zero-filled rather than received.
	gaps []strain.GatedInterval

	// nextStartNanos is the analysis clock: start of the next increment to cut.
	nextStartNanos int64

	clock        timeutil.Clock
	lastArrival  time.Time
	timeoutTimer timeutil.Timer
	stopTimeout  chan struct{}
	closed       bool

	segmentCounter int64
	droppedSamples int64
}

// NewSegmentBuilder creates a SegmentBuilder with the given configuration.
func NewSegmentBuilder(cfg SegmentBuilderConfig) (*SegmentBuilder, error) {
	if cfg.Detector == "" {
		return nil, fmt.Errorf("segment builder requires a detector name")
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("segment builder for %s: invalid sample rate %d", cfg.Detector, cfg.SampleRate)
	}
	if cfg.IncrementSec == 0 {
		cfg.IncrementSec = DefaultIncrementSec
	}
	if cfg.PadSec == 0 {
		cfg.PadSec = DefaultPadSec
	}
	if cfg.IncrementSec < 0 || cfg.PadSec < 0 {
		return nil, fmt.Errorf("segment builder for %s: negative increment or pad", cfg.Detector)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	sb := &SegmentBuilder{
		detector:       cfg.Detector,
		sampleRate:     cfg.SampleRate,
		incSamples:     cfg.IncrementSec * cfg.SampleRate,
		padSamples:     cfg.PadSec * cfg.SampleRate,
		readTimeout:    cfg.ReadTimeout,
		callback:       cfg.SegmentCallback,
		nextStartNanos: cfg.StartNanos,
		clock:          clock,
		lastArrival:    clock.Now(),
	}
	// The buffer head sits one pad before the first increment. The pad
	// region before StartNanos is zero-filled (no prior data exists yet)
	// but not recorded as a gap: pads only settle filters.
	sb.bufStartNanos = cfg.StartNanos - sb.nanosPerSamples(sb.padSamples)
	sb.buf = make([]float64, sb.padSamples)

	if cfg.ReadTimeout > 0 {
		sb.timeoutTimer = sb.clock.NewTimer(cfg.ReadTimeout)
		sb.stopTimeout = make(chan struct{})
		go sb.watchTimeout()
	}
	return sb, nil
}

// watchTimeout drives the read-timeout timer until Close.
func (sb *SegmentBuilder) watchTimeout() {
	for {
		select {
		case <-sb.timeoutTimer.C():
			sb.onReadTimeout()
		case <-sb.stopTimeout:
			return
		}
	}
}

func (sb *SegmentBuilder) nanosPerSamples(n int) int64 {
	return int64(n) * int64(time.Second) / int64(sb.sampleRate)
}

func (sb *SegmentBuilder) samplesBetween(fromNanos, toNanos int64) int {
	return int((toNanos - fromNanos) * int64(sb.sampleRate) / int64(time.Second))
}

// CurrentAnalysisNanos returns the start time of the next increment to be
// emitted. It increases monotonically by exactly one increment per segment.
func (sb *SegmentBuilder) CurrentAnalysisNanos() int64 {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.nextStartNanos
}

// PushSamples appends raw samples beginning at startNanos. Samples before
// the current buffer head are dropped (already consumed); a jump past the
// expected next sample time zero-fills the hole and records it as a gap.
// Completed segments are emitted synchronously via the callback.
func (sb *SegmentBuilder) PushSamples(startNanos int64, samples []float64) {
	if len(samples) == 0 {
		return
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.closed {
		return
	}
	sb.lastArrival = sb.clock.Now()
	if sb.timeoutTimer != nil {
		sb.timeoutTimer.Reset(sb.readTimeout)
	}

	expectedNanos := sb.bufStartNanos + sb.nanosPerSamples(len(sb.buf))
	switch {
	case startNanos > expectedNanos:
		// Hole in the source stream: zero-fill and record the gap.
		missing := sb.samplesBetween(expectedNanos, startNanos)
		gapStart := len(sb.buf)
		sb.buf = append(sb.buf, make([]float64, missing)...)
		sb.gaps = append(sb.gaps, strain.GatedInterval{Start: gapStart, End: gapStart + missing})
		strain.Diagf("[SegmentBuilder] %s: gap of %d samples (%.3fs) before push at %d",
			sb.detector, missing, float64(missing)/float64(sb.sampleRate), startNanos)
	case startNanos < expectedNanos:
		// Overlap with data already buffered or consumed: drop the stale head.
		overlap := sb.samplesBetween(startNanos, expectedNanos)
		if overlap >= len(samples) {
			sb.droppedSamples += int64(len(samples))
			strain.Tracef("[SegmentBuilder] %s: dropped fully-overlapping push of %d samples", sb.detector, len(samples))
			return
		}
		sb.droppedSamples += int64(overlap)
		samples = samples[overlap:]
	}
	sb.buf = append(sb.buf, samples...)

	sb.emitReady()
}

// emitReady cuts and emits every complete segment available. Caller holds mu.
func (sb *SegmentBuilder) emitReady() {
	for {
		// A segment needs pad+increment samples starting at the head.
		need := sb.padSamples + sb.incSamples
		if len(sb.buf) < need {
			return
		}
		sb.cutSegment(false)
	}
}

// cutSegment emits the segment [nextStartNanos-pad, nextStartNanos+increment)
// and advances the clock. zeroFill pads out missing tail samples for timeout
// flushes. Caller holds mu.
func (sb *SegmentBuilder) cutSegment(zeroFill bool) {
	need := sb.padSamples + sb.incSamples
	gapTail := 0
	if len(sb.buf) < need {
		if !zeroFill {
			return
		}
		gapTail = need - len(sb.buf)
		sb.buf = append(sb.buf, make([]float64, gapTail)...)
		sb.gaps = append(sb.gaps, strain.GatedInterval{Start: need - gapTail, End: need})
	}

	seg := &strain.StrainSegment{
		Detector:   sb.detector,
		StartNanos: sb.bufStartNanos,
		SampleRate: sb.sampleRate,
		PadSamples: sb.padSamples,
		Samples:    append([]float64(nil), sb.buf[:need]...),
		State:      strain.SegmentValid,
	}

	// A gap anywhere inside the analysis span (pad excluded) makes the
	// whole increment gapped: matched filtering a zero-filled stretch
	// produces spurious edges, not triggers.
	for _, g := range sb.gaps {
		if g.End > sb.padSamples && g.Start < need {
			seg.State = strain.SegmentGapped
			break
		}
	}

	sb.segmentCounter++
	strain.Tracef("[SegmentBuilder] %s: segment %d start=%d state=%s samples=%d",
		sb.detector, sb.segmentCounter, seg.StartNanos, seg.State, len(seg.Samples))

	// Advance: keep one pad of history before the new increment start.
	advance := sb.incSamples
	sb.buf = append(sb.buf[:0], sb.buf[advance:]...)
	sb.bufStartNanos += sb.nanosPerSamples(advance)
	sb.nextStartNanos += sb.nanosPerSamples(sb.incSamples)

	// Rebase gap intervals onto the shifted buffer, discarding what has
	// scrolled out.
	kept := sb.gaps[:0]
	for _, g := range sb.gaps {
		g.Start -= advance
		g.End -= advance
		if g.End <= 0 {
			continue
		}
		if g.Start < 0 {
			g.Start = 0
		}
		kept = append(kept, g)
	}
	sb.gaps = kept

	if sb.callback != nil {
		sb.callback(seg)
	}
}

// onReadTimeout fires when no source data has arrived within the read
// timeout. The pending increment is zero-filled, emitted as gapped, and the
// clock advances so the rest of the network is not held up by one detector.
func (sb *SegmentBuilder) onReadTimeout() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.closed {
		return
	}
	if sb.clock.Since(sb.lastArrival) >= sb.readTimeout {
		strain.Opsf("[SegmentBuilder] %s: read timeout after %v, zero-filling increment at %d",
			sb.detector, sb.readTimeout, sb.nextStartNanos)
		sb.cutSegment(true)
	}
	sb.timeoutTimer.Reset(sb.readTimeout)
}

// Flush force-completes the pending increment, zero-filling any missing
// tail. Used on shutdown and at end of data in offline runs. It is a no-op
// when the pending increment holds no real samples beyond the pad.
func (sb *SegmentBuilder) Flush() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if len(sb.buf) > sb.padSamples {
		sb.cutSegment(true)
	}
}

// Close stops the timeout timer. The builder emits nothing after Close.
func (sb *SegmentBuilder) Close() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.closed {
		return
	}
	sb.closed = true
	if sb.timeoutTimer != nil {
		sb.timeoutTimer.Stop()
		close(sb.stopTimeout)
	}
}

// Stats returns counters for monitoring.
func (sb *SegmentBuilder) Stats() (segments int64, dropped int64, buffered int) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.segmentCounter, sb.droppedSamples, len(sb.buf)
}
