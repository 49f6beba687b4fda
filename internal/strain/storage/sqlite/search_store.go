package sqlite

import (
	"database/sql"
	"time"

	"github.com/banshee-data/strain.report/internal/strain"
	"github.com/banshee-data/strain.report/internal/strain/l6coinc"
)

// SearchStore bundles the per-table stores behind the pipeline's persistence
// sink contract. An optional SnapshotWriter mirrors triggers and PSDs into
// time-partitioned files alongside the database.
type SearchStore struct {
	Triggers *TriggerStore
	PSDs     *PSDStore
	Events   *EventStore

	Snapshots *SnapshotWriter // optional
}

// NewSearchStore creates the composite store over one database handle.
func NewSearchStore(db *sql.DB) *SearchStore {
	return &SearchStore{
		Triggers: NewTriggerStore(db),
		PSDs:     NewPSDStore(db),
		Events:   NewEventStore(db),
	}
}

// PersistTriggers implements the pipeline persistence sink.
func (s *SearchStore) PersistTriggers(trigs []strain.Trigger) error {
	if err := s.Triggers.InsertTriggers(trigs); err != nil {
		return err
	}
	if s.Snapshots != nil {
		return s.Snapshots.WriteTriggers(trigs)
	}
	return nil
}

// PersistPSD implements the pipeline persistence sink.
func (s *SearchStore) PersistPSD(est *strain.PSDEstimate) error {
	if err := s.PSDs.InsertPSD(est); err != nil {
		return err
	}
	if s.Snapshots != nil {
		return s.Snapshots.WritePSD(est)
	}
	return nil
}

// PersistEvents implements the pipeline persistence sink.
func (s *SearchStore) PersistEvents(events []strain.CoincidenceEvent) error {
	return s.Events.InsertEvents(events)
}

// PersistBackground implements the pipeline persistence sink: each
// combination's ensemble replaces its stored rows, and the analyzed
// livetime rides the watermark table.
func (s *SearchStore) PersistBackground(curves map[string]l6coinc.CurvePoints, analyzed time.Duration) error {
	for combo, c := range curves {
		if err := s.Events.InsertBackgroundCounts(combo, c.TimeNanos, c.Stats); err != nil {
			return err
		}
	}
	return s.Events.RecordBackgroundLivetime(analyzed.Nanoseconds())
}

// LoadBackground reads the persisted ensemble and analyzed livetime back,
// for seeding the coincidence stage at startup.
func (s *SearchStore) LoadBackground() (map[string]l6coinc.CurvePoints, time.Duration, error) {
	times, stats, err := s.Events.AllBackgroundCounts()
	if err != nil {
		return nil, 0, err
	}
	curves := make(map[string]l6coinc.CurvePoints, len(times))
	for combo, ts := range times {
		curves[combo] = l6coinc.CurvePoints{TimeNanos: ts, Stats: stats[combo]}
	}
	nanos, err := s.Events.BackgroundLivetime()
	if err != nil {
		return nil, 0, err
	}
	return curves, time.Duration(nanos), nil
}

// Alert implements the pipeline alert sink: at-most-once per event via the
// persisted watermark.
func (s *SearchStore) Alert(ev strain.CoincidenceEvent) (bool, error) {
	return s.Events.RecordAlert(ev)
}
