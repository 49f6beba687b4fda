package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/strain.report/internal/strain"
)

// EventStore provides persistence for coincidence events and the alert
// watermark.
type EventStore struct {
	db *sql.DB
}

// NewEventStore creates a new EventStore.
func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// InsertEvents writes foreground events in one transaction. Re-inserting an
// existing event id is a no-op so shutdown flushes stay idempotent.
func (s *EventStore) InsertEvents(events []strain.CoincidenceEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin insert events: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()
	for _, ev := range events {
		trigs, err := json.Marshal(ev.Triggers)
		if err != nil {
			return fmt.Errorf("encode triggers for %s: %w", ev.EventID, err)
		}
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO events (
				event_id, time_ns, detectors, slide_index, combined_stat,
				ifar_years, triggers_json, created_at_ns
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, ev.EventID, ev.TimeNanos, strings.Join(ev.Detectors, " "),
			ev.SlideIndex, ev.CombinedStat, ev.IFARYears, string(trigs), now,
		); err != nil {
			return fmt.Errorf("insert event %s: %w", ev.EventID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert events: %w", err)
	}
	return nil
}

// RecentEvents returns the latest foreground events, newest first.
func (s *EventStore) RecentEvents(limit int) ([]strain.CoincidenceEvent, error) {
	rows, err := s.db.Query(`
		SELECT event_id, time_ns, detectors, slide_index, combined_stat,
		       ifar_years, triggers_json
		FROM events
		ORDER BY time_ns DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()

	var out []strain.CoincidenceEvent
	for rows.Next() {
		var ev strain.CoincidenceEvent
		var dets, trigs string
		if err := rows.Scan(&ev.EventID, &ev.TimeNanos, &dets,
			&ev.SlideIndex, &ev.CombinedStat, &ev.IFARYears, &trigs); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Detectors = strings.Fields(dets)
		if err := json.Unmarshal([]byte(trigs), &ev.Triggers); err != nil {
			return nil, fmt.Errorf("decode triggers for %s: %w", ev.EventID, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

const alertWatermarkName = "last_alert"

// AlertWatermark returns the event time and id of the last emitted alert.
// Zero time means no alert has ever been emitted.
func (s *EventStore) AlertWatermark() (timeNanos int64, eventID string, err error) {
	var id sql.NullString
	err = s.db.QueryRow(`
		SELECT time_ns, event_id FROM watermarks WHERE name = ?
	`, alertWatermarkName).Scan(&timeNanos, &id)
	if err == sql.ErrNoRows {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("get alert watermark: %w", err)
	}
	return timeNanos, id.String, nil
}

// RecordAlert writes the alert record and advances the watermark in one
// transaction. Returns false when the watermark already covers the event,
// so a restart never re-alerts.
func (s *EventStore) RecordAlert(ev strain.CoincidenceEvent) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin record alert: %w", err)
	}
	defer tx.Rollback()

	var mark int64
	err = tx.QueryRow(`
		SELECT time_ns FROM watermarks WHERE name = ?
	`, alertWatermarkName).Scan(&mark)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("read alert watermark: %w", err)
	}
	if ev.TimeNanos <= mark {
		return false, nil
	}

	now := time.Now().UnixNano()
	if _, err := tx.Exec(`
		INSERT OR IGNORE INTO alerts (
			event_id, time_ns, detectors, combined_stat, ifar_years, created_at_ns
		) VALUES (?, ?, ?, ?, ?, ?)
	`, ev.EventID, ev.TimeNanos, strings.Join(ev.Detectors, " "),
		ev.CombinedStat, ev.IFARYears, now); err != nil {
		return false, fmt.Errorf("insert alert %s: %w", ev.EventID, err)
	}
	if _, err := tx.Exec(`
		INSERT INTO watermarks (name, time_ns, event_id, updated_at_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			time_ns = excluded.time_ns,
			event_id = excluded.event_id,
			updated_at_ns = excluded.updated_at_ns
	`, alertWatermarkName, ev.TimeNanos, ev.EventID, now); err != nil {
		return false, fmt.Errorf("advance alert watermark: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit record alert: %w", err)
	}
	return true, nil
}

// InsertBackgroundCounts replaces the persisted background ensemble for one
// combination. The ensemble is small (it lives under a sliding livetime
// window) so replace-all keeps restart logic trivial.
func (s *EventStore) InsertBackgroundCounts(combo string, timeNanos []int64, stats []float64) error {
	if len(timeNanos) != len(stats) {
		return fmt.Errorf("background counts length mismatch: %d times, %d stats", len(timeNanos), len(stats))
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin insert background: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM background_counts WHERE combo = ?`, combo); err != nil {
		return fmt.Errorf("clear background for %s: %w", combo, err)
	}
	stmt, err := tx.Prepare(`INSERT INTO background_counts (combo, time_ns, stat) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert background: %w", err)
	}
	defer stmt.Close()
	for i := range stats {
		if _, err := stmt.Exec(combo, timeNanos[i], stats[i]); err != nil {
			return fmt.Errorf("insert background count: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert background: %w", err)
	}
	return nil
}

// AllBackgroundCounts returns every combination's persisted ensemble,
// time-ordered within each combination.
func (s *EventStore) AllBackgroundCounts() (map[string][]int64, map[string][]float64, error) {
	rows, err := s.db.Query(`
		SELECT combo, time_ns, stat FROM background_counts ORDER BY combo, time_ns
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("query background counts: %w", err)
	}
	defer rows.Close()

	timeNanos := map[string][]int64{}
	stats := map[string][]float64{}
	for rows.Next() {
		var combo string
		var t int64
		var st float64
		if err := rows.Scan(&combo, &t, &st); err != nil {
			return nil, nil, fmt.Errorf("scan background count: %w", err)
		}
		timeNanos[combo] = append(timeNanos[combo], t)
		stats[combo] = append(stats[combo], st)
	}
	return timeNanos, stats, rows.Err()
}

const backgroundLivetimeName = "background_livetime"

// RecordBackgroundLivetime stores the analyzed foreground livetime alongside
// the ensemble, reusing the watermark table.
func (s *EventStore) RecordBackgroundLivetime(nanos int64) error {
	_, err := s.db.Exec(`
		INSERT INTO watermarks (name, time_ns, event_id, updated_at_ns)
		VALUES (?, ?, '', ?)
		ON CONFLICT(name) DO UPDATE SET
			time_ns = excluded.time_ns,
			updated_at_ns = excluded.updated_at_ns
	`, backgroundLivetimeName, nanos, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("record background livetime: %w", err)
	}
	return nil
}

// BackgroundLivetime returns the persisted analyzed livetime in nanoseconds,
// zero when nothing has been recorded.
func (s *EventStore) BackgroundLivetime() (int64, error) {
	var nanos int64
	err := s.db.QueryRow(`
		SELECT time_ns FROM watermarks WHERE name = ?
	`, backgroundLivetimeName).Scan(&nanos)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get background livetime: %w", err)
	}
	return nanos, nil
}

// BackgroundCounts returns the persisted ensemble for one combination.
func (s *EventStore) BackgroundCounts(combo string) (timeNanos []int64, stats []float64, err error) {
	rows, err := s.db.Query(`
		SELECT time_ns, stat FROM background_counts WHERE combo = ? ORDER BY time_ns
	`, combo)
	if err != nil {
		return nil, nil, fmt.Errorf("query background for %s: %w", combo, err)
	}
	defer rows.Close()
	for rows.Next() {
		var t int64
		var s float64
		if err := rows.Scan(&t, &s); err != nil {
			return nil, nil, fmt.Errorf("scan background count: %w", err)
		}
		timeNanos = append(timeNanos, t)
		stats = append(stats, s)
	}
	return timeNanos, stats, rows.Err()
}
