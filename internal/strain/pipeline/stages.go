package pipeline

import (
	"time"

	"github.com/banshee-data/strain.report/internal/strain"
	"github.com/banshee-data/strain.report/internal/strain/bank"
	"github.com/banshee-data/strain.report/internal/strain/l1segments"
	"github.com/banshee-data/strain.report/internal/strain/l4filter"
	"github.com/banshee-data/strain.report/internal/strain/l6coinc"
)

// ---------------------------------------------------------------------------
// Stage interfaces — layer-aligned contracts for the search pipeline.
// Each is satisfied by the corresponding layer package's concrete type;
// the interfaces keep the composition root testable with fakes.
// ---------------------------------------------------------------------------

// ConditionStage applies autogating and high-pass filtering in place,
// marking segment quality (L2 Condition).
type ConditionStage interface {
	Condition(seg *strain.StrainSegment)
}

// PSDStage maintains the rolling noise model and its health state (L3 PSD).
type PSDStage interface {
	// Observe feeds one conditioned segment into the estimation window.
	Observe(seg *strain.StrainSegment)
	// Advance makes the recompute/abort decision for the increment ending
	// at nowNanos and reports whether the detector is analyzable.
	Advance(nowNanos int64) (*strain.PSDEstimate, bool)
	Current() *strain.PSDEstimate
}

// FilterStage correlates a whitened segment against a template batch
// (L4 Filter).
type FilterStage interface {
	Filter(seg *strain.StrainSegment, psd *strain.PSDEstimate, templates []bank.Entry) (*l4filter.Result, error)
}

// TriggerStage extracts vetoed, clustered triggers from SNR series
// (L5 Triggers). overflow counts peaks dropped by the retention limit.
// Retain re-applies the retention limit after cross-batch merging.
type TriggerStage interface {
	Extract(seg *strain.StrainSegment, res *l4filter.Result) (triggers []strain.Trigger, overflow int)
	Retain(trigs []strain.Trigger) ([]strain.Trigger, int)
}

// PersistenceSink writes pipeline outputs to storage. It is an adapter —
// not a domain layer — so implementations live outside L1-L6 packages
// (e.g. internal/strain/storage/sqlite).
type PersistenceSink interface {
	PersistTriggers(trigs []strain.Trigger) error
	PersistPSD(est *strain.PSDEstimate) error
	PersistEvents(events []strain.CoincidenceEvent) error
	// PersistBackground snapshots the coincidence ensemble and analyzed
	// livetime so a restart resumes the background curve and the
	// minimum-livetime gate.
	PersistBackground(curves map[string]l6coinc.CurvePoints, analyzed time.Duration) error
}

// AlertSink emits significant candidates exactly once. Implementations own
// the persisted watermark that makes Alert idempotent across restarts.
type AlertSink interface {
	// Alert records ev; returns false when the watermark shows an event at
	// or after this time was already alerted.
	Alert(ev strain.CoincidenceEvent) (bool, error)
}

// DetectorRuntime bundles one detector's stage instances. Passing a
// DetectorRuntime through constructors makes wiring explicit and testing
// deterministic.
type DetectorRuntime struct {
	Detector    string
	Segments    *l1segments.SegmentBuilder
	Conditioner ConditionStage
	PSD         PSDStage
	Filter      FilterStage
	Triggers    TriggerStage
}
