package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/banshee-data/strain.report/internal/strain"
)

// TriggerStore provides persistence for single-detector triggers.
type TriggerStore struct {
	db *sql.DB
}

// NewTriggerStore creates a new TriggerStore.
func NewTriggerStore(db *sql.DB) *TriggerStore {
	return &TriggerStore{db: db}
}

// InsertTriggers writes one increment's triggers in a single transaction.
func (s *TriggerStore) InsertTriggers(trigs []strain.Trigger) error {
	if len(trigs) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin insert triggers: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO triggers (
			detector, template_id, peak_ns, snr, phase, reduced_chisq,
			chisq_dof, sg_veto, psd_var, newsnr, template_duration_secs,
			created_at_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert triggers: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	for _, t := range trigs {
		if _, err := stmt.Exec(
			t.Detector, t.TemplateID, t.PeakNanos, t.SNR, t.Phase,
			t.ReducedChisq, t.ChisqDOF, t.SGVeto, t.PSDVar, t.NewSNR,
			t.TemplateDurationSec, now,
		); err != nil {
			return fmt.Errorf("insert trigger %s/%d: %w", t.Detector, t.TemplateID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert triggers: %w", err)
	}
	return nil
}

// TriggersBetween returns a detector's triggers with peak times in
// [fromNanos, toNanos), ordered by peak time.
func (s *TriggerStore) TriggersBetween(detector string, fromNanos, toNanos int64) ([]strain.Trigger, error) {
	rows, err := s.db.Query(`
		SELECT detector, template_id, peak_ns, snr, phase, reduced_chisq,
		       chisq_dof, sg_veto, psd_var, newsnr, template_duration_secs
		FROM triggers
		WHERE detector = ? AND peak_ns >= ? AND peak_ns < ?
		ORDER BY peak_ns
	`, detector, fromNanos, toNanos)
	if err != nil {
		return nil, fmt.Errorf("query triggers: %w", err)
	}
	defer rows.Close()
	return scanTriggers(rows)
}

// RecentTriggers returns the latest triggers across all detectors, newest
// first.
func (s *TriggerStore) RecentTriggers(limit int) ([]strain.Trigger, error) {
	rows, err := s.db.Query(`
		SELECT detector, template_id, peak_ns, snr, phase, reduced_chisq,
		       chisq_dof, sg_veto, psd_var, newsnr, template_duration_secs
		FROM triggers
		ORDER BY peak_ns DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent triggers: %w", err)
	}
	defer rows.Close()
	return scanTriggers(rows)
}

func scanTriggers(rows *sql.Rows) ([]strain.Trigger, error) {
	var out []strain.Trigger
	for rows.Next() {
		var t strain.Trigger
		if err := rows.Scan(
			&t.Detector, &t.TemplateID, &t.PeakNanos, &t.SNR, &t.Phase,
			&t.ReducedChisq, &t.ChisqDOF, &t.SGVeto, &t.PSDVar, &t.NewSNR,
			&t.TemplateDurationSec,
		); err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// PruneBefore deletes triggers older than cutNanos, bounding storage growth
// on long runs. Returns the number of rows removed.
func (s *TriggerStore) PruneBefore(cutNanos int64) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM triggers WHERE peak_ns < ?`, cutNanos)
	if err != nil {
		return 0, fmt.Errorf("prune triggers: %w", err)
	}
	return res.RowsAffected()
}
