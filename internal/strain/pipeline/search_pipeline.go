package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/strain.report/internal/strain"
	"github.com/banshee-data/strain.report/internal/strain/bank"
	"github.com/banshee-data/strain.report/internal/strain/l4filter"
	"github.com/banshee-data/strain.report/internal/strain/l5triggers"
	"github.com/banshee-data/strain.report/internal/strain/l6coinc"
)

// SearchConfig holds dependencies and tuning for the search runtime.
type SearchConfig struct {
	Detectors []*DetectorRuntime
	Bank      *bank.Bank

	Coincider *l6coinc.Coincider      // nil when fewer than two detectors
	Singles   *l6coinc.SingleDetector // optional lone-detector path

	Persistence PersistenceSink
	Alerts      AlertSink // optional

	// IncrementSec is the analysis cadence. Must match the segment
	// builders' increment. Default 8.
	IncrementSec float64

	// BatchSize bounds per-worker template memory. Default 64.
	BatchSize int

	// Workers caps concurrent matched-filter jobs. Default 4.
	Workers int

	// JoinTimeout bounds how long the increment join waits for the
	// remaining detectors once the first segment has arrived. A detector
	// missing past the timeout degrades the increment to fewer detectors
	// instead of blocking it. Default 2s.
	JoinTimeout time.Duration

	// ClusterWindowSec re-clusters triggers across template batches so
	// batch boundaries stay invisible downstream. Default 0.1.
	ClusterWindowSec float64

	// AlertIFARYears is the significance threshold for the alert sink.
	// Default 10.
	AlertIFARYears float64

	// PersistEverySec is the PSD/background snapshot cadence in analysis
	// time. Default 64.
	PersistEverySec float64

	// AnalysisEndNanos terminates the run once an increment's end passes
	// this time. Zero keeps the run open-ended.
	AnalysisEndNanos int64

	// RealTime enables load shedding: when processing an increment takes
	// longer than the increment itself, the next queued increment is
	// dropped rather than letting latency accumulate.
	RealTime bool
}

func (c *SearchConfig) withDefaults() {
	if c.IncrementSec == 0 {
		c.IncrementSec = 8
	}
	if c.BatchSize == 0 {
		c.BatchSize = 64
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.JoinTimeout == 0 {
		c.JoinTimeout = 2 * time.Second
	}
	if c.ClusterWindowSec == 0 {
		c.ClusterWindowSec = 0.1
	}
	if c.AlertIFARYears == 0 {
		c.AlertIFARYears = 10
	}
	if c.PersistEverySec == 0 {
		c.PersistEverySec = 64
	}
}

// Snapshot is the runtime's published state, replaced atomically between
// increments so readers (status API) never see a half-updated view.
type Snapshot struct {
	IncrementIndex      int64
	IncrementStartNanos int64
	IncrementEndNanos   int64
	LiveDetectors       []string
	PSDs                map[string]*strain.PSDEstimate
	RecentTriggers      []strain.Trigger
	RecentEvents        []strain.CoincidenceEvent
	BackgroundSizes     map[string]int
	AnalyzedLivetime    time.Duration
	ShedIncrements      uint64
	DroppedSegments     uint64
}

type arrival struct {
	detector string
	seg      *strain.StrainSegment
}

type detOutcome struct {
	detector string
	live     bool
	psd      *strain.PSDEstimate
	triggers []strain.Trigger
	overflow int
}

// SearchRuntime drives the full increment loop: join segments across
// detectors, condition, track PSDs, matched-filter across the worker pool,
// extract triggers, and hand the per-detector sets to the coincidence stage.
type SearchRuntime struct {
	cfg      SearchConfig
	incNanos int64
	batches  [][]bank.Entry

	arrivals       chan arrival
	pending        map[string][]*strain.StrainSegment
	nextStartNanos int64

	snapshot atomic.Pointer[Snapshot]
	shed     atomic.Uint64
	dropped  atomic.Uint64

	incrementIdx     int64
	lastPersistNanos int64
	recentTriggers   []strain.Trigger
	recentEvents     []strain.CoincidenceEvent
}

const (
	recentTriggerCap = 256
	recentEventCap   = 64
)

// NewSearchRuntime validates the wiring and prepares the template batches.
// Segment delivery happens through Ingest, typically wired as each
// SegmentBuilder's callback.
func NewSearchRuntime(cfg SearchConfig) (*SearchRuntime, error) {
	cfg.withDefaults()
	if len(cfg.Detectors) == 0 {
		return nil, errors.New("search runtime needs at least one detector")
	}
	if cfg.Bank == nil || cfg.Bank.Len() == 0 {
		return nil, errors.New("search runtime needs a non-empty template bank")
	}
	if cfg.Persistence == nil {
		return nil, errors.New("search runtime needs a persistence sink")
	}
	if len(cfg.Detectors) >= 2 && cfg.Coincider == nil {
		return nil, fmt.Errorf("%d detectors configured but no coincider", len(cfg.Detectors))
	}
	seen := map[string]bool{}
	for _, d := range cfg.Detectors {
		if seen[d.Detector] {
			return nil, fmt.Errorf("duplicate detector %q", d.Detector)
		}
		seen[d.Detector] = true
	}

	r := &SearchRuntime{
		cfg:      cfg,
		incNanos: int64(cfg.IncrementSec * float64(time.Second)),
		batches:  cfg.Bank.Batches(cfg.BatchSize),
		arrivals: make(chan arrival, 4*len(cfg.Detectors)),
		pending:  map[string][]*strain.StrainSegment{},
	}
	r.snapshot.Store(&Snapshot{})
	return r, nil
}

// Ingest delivers one assembled segment to the runtime. Safe for concurrent
// use by the per-detector builders. When the loop has fallen behind and the
// delivery buffer is full the segment is dropped and counted, never blocked
// on: the builders' timeout machinery must keep running.
func (r *SearchRuntime) Ingest(detector string, seg *strain.StrainSegment) {
	select {
	case r.arrivals <- arrival{detector: detector, seg: seg}:
	default:
		n := r.dropped.Add(1)
		opsf("segment dropped for %s at %d (delivery buffer full, %d total)",
			detector, seg.AnalysisStartNanos(), n)
	}
}

// Snapshot returns the state published after the most recent increment.
func (r *SearchRuntime) Snapshot() *Snapshot {
	return r.snapshot.Load()
}

// Run drives the increment loop until ctx is cancelled, then flushes the
// coincidence edge buffer and persists final state. A persistence fault is
// fatal and returned.
func (r *SearchRuntime) Run(ctx context.Context) error {
	diagf("search runtime starting: %d detectors, %d templates in %d batches, %d workers",
		len(r.cfg.Detectors), r.cfg.Bank.Len(), len(r.batches), r.cfg.Workers)

	for {
		incStart, segs, ok := r.collectIncrement(ctx)
		if !ok {
			return r.finish()
		}
		began := time.Now()
		if err := r.processIncrement(incStart, segs); err != nil {
			return err
		}
		if r.cfg.AnalysisEndNanos > 0 && incStart+r.incNanos >= r.cfg.AnalysisEndNanos {
			opsf("analysis end %d reached after increment %d, stopping", r.cfg.AnalysisEndNanos, r.incrementIdx)
			return r.finish()
		}
		if elapsed := time.Since(began); r.cfg.RealTime && elapsed > time.Duration(r.incNanos) {
			r.shedNext(elapsed)
		}
	}
}

// collectIncrement performs the bounded join: it gathers each detector's
// segment for the next increment, waiting at most JoinTimeout after the
// first one arrives. Detectors that miss the deadline are simply absent
// from the returned map.
func (r *SearchRuntime) collectIncrement(ctx context.Context) (int64, map[string]*strain.StrainSegment, bool) {
	have := map[string]*strain.StrainSegment{}
	var deadline <-chan time.Time

	for {
		future := r.fileQueued(have)
		if len(have)+future == len(r.cfg.Detectors) && len(have) > 0 {
			break
		}
		if len(have) > 0 && deadline == nil {
			deadline = time.After(r.cfg.JoinTimeout)
		}
		select {
		case a := <-r.arrivals:
			r.pending[a.detector] = append(r.pending[a.detector], a.seg)
		case <-deadline:
			var missing []string
			for _, d := range r.cfg.Detectors {
				if have[d.Detector] == nil {
					missing = append(missing, d.Detector)
				}
			}
			diagf("increment join timed out at %d, degrading without %v", r.nextStartNanos, missing)
			goto done
		case <-ctx.Done():
			return 0, nil, false
		}
	}
done:
	incStart := r.nextStartNanos
	r.nextStartNanos = incStart + r.incNanos
	return incStart, have, true
}

// fileQueued moves queued segments for the expected increment into have,
// discards stale ones, and returns how many detectors are known to have
// skipped past the expected increment (their queue head is in the future).
func (r *SearchRuntime) fileQueued(have map[string]*strain.StrainSegment) int {
	future := 0
	for _, d := range r.cfg.Detectors {
		det := d.Detector
		q := r.pending[det]
		for len(q) > 0 {
			seg := q[0]
			if r.nextStartNanos == 0 {
				// First segment anchors the analysis clock; all
				// builders share the same start alignment.
				r.nextStartNanos = seg.AnalysisStartNanos()
			}
			if seg.AnalysisStartNanos() < r.nextStartNanos {
				tracef("discarding stale segment for %s at %d", det, seg.AnalysisStartNanos())
				q = q[1:]
				continue
			}
			if seg.AnalysisStartNanos() > r.nextStartNanos {
				future++
				break
			}
			have[det] = seg
			q = q[1:]
			break
		}
		r.pending[det] = q
	}
	return future
}

// shedNext drops the oldest fully queued increment after an overrun. Shedding
// keeps real-time latency bounded; the skipped increment is logged, not
// retried.
func (r *SearchRuntime) shedNext(elapsed time.Duration) {
	// Pull whatever has queued up while we were busy.
	for {
		select {
		case a := <-r.arrivals:
			r.pending[a.detector] = append(r.pending[a.detector], a.seg)
			continue
		default:
		}
		break
	}
	shed := false
	for _, d := range r.cfg.Detectors {
		q := r.pending[d.Detector]
		if len(q) > 1 && q[0].AnalysisStartNanos() == r.nextStartNanos {
			r.pending[d.Detector] = q[1:]
			shed = true
		}
	}
	if shed {
		n := r.shed.Add(1)
		opsf("increment at %d shed after %v overrun (%d total)", r.nextStartNanos, elapsed, n)
		r.nextStartNanos += r.incNanos
	}
}

func (r *SearchRuntime) processIncrement(incStartNanos int64, segs map[string]*strain.StrainSegment) error {
	incEndNanos := incStartNanos + r.incNanos
	r.incrementIdx++

	sem := make(chan struct{}, r.cfg.Workers)
	outcomes := make([]detOutcome, len(r.cfg.Detectors))
	var wg sync.WaitGroup
	for i, d := range r.cfg.Detectors {
		wg.Add(1)
		go func(i int, d *DetectorRuntime) {
			defer wg.Done()
			outcomes[i] = r.processDetector(d, segs[d.Detector], incEndNanos, sem)
		}(i, d)
	}
	wg.Wait()

	// Single-writer aggregation from here on.
	var liveDets []string
	byDet := map[string][]strain.Trigger{}
	var allTriggers []strain.Trigger
	psds := map[string]*strain.PSDEstimate{}
	for _, o := range outcomes {
		if o.psd != nil {
			psds[o.detector] = o.psd
		}
		if !o.live {
			continue
		}
		liveDets = append(liveDets, o.detector)
		byDet[o.detector] = o.triggers
		allTriggers = append(allTriggers, o.triggers...)
		if r.cfg.Singles != nil {
			r.cfg.Singles.Observe(o.detector, o.triggers, time.Duration(r.incNanos))
		}
		if o.overflow > 0 {
			diagf("%s: %d triggers beyond retention limit at increment %d", o.detector, o.overflow, r.incrementIdx)
		}
	}

	if len(allTriggers) > 0 {
		if err := r.cfg.Persistence.PersistTriggers(allTriggers); err != nil {
			return fmt.Errorf("persist triggers: %w", err)
		}
	}

	var events []strain.CoincidenceEvent
	if r.cfg.Coincider != nil {
		events = r.cfg.Coincider.Process(incStartNanos, incEndNanos, byDet, liveDets)
	}
	if len(liveDets) == 1 && r.cfg.Singles != nil {
		for _, t := range byDet[liveDets[0]] {
			if ev, ok := r.cfg.Singles.Candidate(t); ok {
				events = append(events, ev)
			}
		}
	}

	if err := r.emitEvents(events); err != nil {
		return err
	}

	if incEndNanos-r.lastPersistNanos >= int64(r.cfg.PersistEverySec*float64(time.Second)) {
		r.lastPersistNanos = incEndNanos
		for _, psd := range psds {
			if err := r.cfg.Persistence.PersistPSD(psd); err != nil {
				return fmt.Errorf("persist PSD: %w", err)
			}
		}
		if err := r.persistBackground(); err != nil {
			return err
		}
	}

	r.publish(incStartNanos, incEndNanos, liveDets, psds, allTriggers, events)
	tracef("increment %d [%d,%d): %d live detectors, %d triggers, %d events",
		r.incrementIdx, incStartNanos, incEndNanos, len(liveDets), len(allTriggers), len(events))
	return nil
}

// processDetector runs condition → PSD health → matched filter → extraction
// for one detector. Template batches run concurrently under the shared
// worker semaphore.
func (r *SearchRuntime) processDetector(d *DetectorRuntime, seg *strain.StrainSegment, incEndNanos int64, sem chan struct{}) detOutcome {
	out := detOutcome{detector: d.Detector}
	if seg == nil {
		out.psd = d.PSD.Current()
		return out
	}

	d.Conditioner.Condition(seg)
	d.PSD.Observe(seg)
	psd, live := d.PSD.Advance(incEndNanos)
	out.psd = psd
	if !live || psd == nil {
		diagf("%s: PSD not analyzable at %d, detector suspended", d.Detector, incEndNanos)
		return out
	}
	if seg.State != strain.SegmentValid && seg.State != strain.SegmentGated {
		tracef("%s: segment at %d is %v, skipping filter", d.Detector, seg.AnalysisStartNanos(), seg.State)
		return out
	}

	var (
		mu       sync.Mutex
		trigs    []strain.Trigger
		overflow int
		aborted  atomic.Bool
		wg       sync.WaitGroup
	)
	for _, batch := range r.batches {
		wg.Add(1)
		sem <- struct{}{}
		go func(batch []bank.Entry) {
			defer wg.Done()
			defer func() { <-sem }()
			if aborted.Load() {
				return
			}
			res, err := d.Filter.Filter(seg, psd, batch)
			if err != nil {
				if errors.Is(err, l4filter.ErrSNRCeiling) {
					aborted.Store(true)
					return
				}
				opsf("%s: matched filter failed: %v", d.Detector, err)
				aborted.Store(true)
				return
			}
			t, o := d.Triggers.Extract(seg, res)
			mu.Lock()
			trigs = append(trigs, t...)
			overflow += o
			mu.Unlock()
		}(batch)
	}
	wg.Wait()

	if aborted.Load() {
		// SNR ceiling or filter fault invalidates the whole segment: a
		// value that loud is a data-quality problem, not a signal.
		seg.State = strain.SegmentInvalid
		opsf("%s: segment at %d invalidated during filtering", d.Detector, seg.AnalysisStartNanos())
		return out
	}

	// Batch boundaries must stay invisible: re-cluster the merged set and
	// re-apply the per-detector retention limit.
	windowNanos := int64(r.cfg.ClusterWindowSec * float64(time.Second))
	trigs = l5triggers.Cluster(trigs, windowNanos)
	trigs, extra := d.Triggers.Retain(trigs)
	overflow += extra
	sort.Slice(trigs, func(i, j int) bool { return trigs[i].PeakNanos < trigs[j].PeakNanos })

	out.live = true
	out.triggers = trigs
	out.overflow = overflow
	return out
}

// emitEvents persists foreground events and routes sufficiently significant
// ones through the alert sink, which enforces once-only delivery.
func (r *SearchRuntime) emitEvents(events []strain.CoincidenceEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := r.cfg.Persistence.PersistEvents(events); err != nil {
		return fmt.Errorf("persist events: %w", err)
	}
	for _, ev := range events {
		if ev.IFARYears < r.cfg.AlertIFARYears || r.cfg.Alerts == nil {
			continue
		}
		sent, err := r.cfg.Alerts.Alert(ev)
		if err != nil {
			return fmt.Errorf("alert %s: %w", ev.EventID, err)
		}
		if sent {
			opsf("ALERT %s: %v at %d, stat %.2f, IFAR %.1f yr",
				ev.EventID, ev.Detectors, ev.TimeNanos, ev.CombinedStat, ev.IFARYears)
		} else {
			diagf("alert for %s suppressed by watermark", ev.EventID)
		}
	}
	return nil
}

func (r *SearchRuntime) publish(incStartNanos, incEndNanos int64, liveDets []string, psds map[string]*strain.PSDEstimate, trigs []strain.Trigger, events []strain.CoincidenceEvent) {
	r.recentTriggers = append(r.recentTriggers, trigs...)
	if len(r.recentTriggers) > recentTriggerCap {
		r.recentTriggers = r.recentTriggers[len(r.recentTriggers)-recentTriggerCap:]
	}
	r.recentEvents = append(r.recentEvents, events...)
	if len(r.recentEvents) > recentEventCap {
		r.recentEvents = r.recentEvents[len(r.recentEvents)-recentEventCap:]
	}

	snap := &Snapshot{
		IncrementIndex:      r.incrementIdx,
		IncrementStartNanos: incStartNanos,
		IncrementEndNanos:   incEndNanos,
		LiveDetectors:       append([]string(nil), liveDets...),
		PSDs:                psds,
		RecentTriggers:      append([]strain.Trigger(nil), r.recentTriggers...),
		RecentEvents:        append([]strain.CoincidenceEvent(nil), r.recentEvents...),
		ShedIncrements:      r.shed.Load(),
		DroppedSegments:     r.dropped.Load(),
	}
	if r.cfg.Coincider != nil {
		snap.BackgroundSizes = r.cfg.Coincider.Background().CurveSize()
		snap.AnalyzedLivetime = r.cfg.Coincider.Background().AnalyzedLivetime()
	}
	r.snapshot.Store(snap)
}

// finish runs the shutdown path: flush the coincidence edge buffer so
// held triggers are finalized, then persist PSDs one last time.
func (r *SearchRuntime) finish() error {
	diagf("search runtime stopping after %d increments", r.incrementIdx)

	if r.cfg.Coincider != nil {
		if err := r.emitEvents(r.cfg.Coincider.Flush()); err != nil {
			return err
		}
	}
	for _, d := range r.cfg.Detectors {
		if psd := d.PSD.Current(); psd != nil {
			if err := r.cfg.Persistence.PersistPSD(psd); err != nil {
				return fmt.Errorf("persist PSD at shutdown: %w", err)
			}
		}
	}
	return r.persistBackground()
}

// persistBackground writes the coincidence ensemble through the sink. A
// no-op for single-detector configurations.
func (r *SearchRuntime) persistBackground() error {
	if r.cfg.Coincider == nil {
		return nil
	}
	bg := r.cfg.Coincider.Background()
	if err := r.cfg.Persistence.PersistBackground(bg.ExportCurves(), bg.AnalyzedLivetime()); err != nil {
		return fmt.Errorf("persist background: %w", err)
	}
	return nil
}
