package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/strain.report/internal/strain"
)

// PSDStore provides persistence for PSD snapshots.
type PSDStore struct {
	db *sql.DB
}

// NewPSDStore creates a new PSDStore.
func NewPSDStore(db *sql.DB) *PSDStore {
	return &PSDStore{db: db}
}

// InsertPSD writes one PSD snapshot. The power array is stored as JSON so
// ad-hoc tooling can read it without a binary codec.
func (s *PSDStore) InsertPSD(est *strain.PSDEstimate) error {
	power, err := json.Marshal(est.Power)
	if err != nil {
		return fmt.Errorf("encode PSD power: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO psd_snapshots (
			detector, start_ns, end_ns, delta_f, sensitive_distance_mpc,
			segments_used, power_json, created_at_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, est.Detector, est.StartNanos, est.EndNanos, est.DeltaF,
		est.SensitiveDistanceMpc, est.SegmentsUsed, string(power),
		time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("insert PSD snapshot: %w", err)
	}
	return nil
}

// LatestPSD returns the most recent snapshot for a detector, or nil when
// none has been persisted yet.
func (s *PSDStore) LatestPSD(detector string) (*strain.PSDEstimate, error) {
	var est strain.PSDEstimate
	var power string
	err := s.db.QueryRow(`
		SELECT detector, start_ns, end_ns, delta_f, sensitive_distance_mpc,
		       segments_used, power_json
		FROM psd_snapshots
		WHERE detector = ?
		ORDER BY end_ns DESC
		LIMIT 1
	`, detector).Scan(&est.Detector, &est.StartNanos, &est.EndNanos,
		&est.DeltaF, &est.SensitiveDistanceMpc, &est.SegmentsUsed, &power)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest PSD for %s: %w", detector, err)
	}
	if err := json.Unmarshal([]byte(power), &est.Power); err != nil {
		return nil, fmt.Errorf("decode PSD power for %s: %w", detector, err)
	}
	return &est, nil
}

// SensitiveDistanceHistory returns (end_ns, distance) pairs for a detector,
// oldest first, for the status charts.
func (s *PSDStore) SensitiveDistanceHistory(detector string, limit int) ([]int64, []float64, error) {
	rows, err := s.db.Query(`
		SELECT end_ns, sensitive_distance_mpc
		FROM psd_snapshots
		WHERE detector = ?
		ORDER BY end_ns DESC
		LIMIT ?
	`, detector, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("query distance history: %w", err)
	}
	defer rows.Close()

	var times []int64
	var dists []float64
	for rows.Next() {
		var t int64
		var d float64
		if err := rows.Scan(&t, &d); err != nil {
			return nil, nil, fmt.Errorf("scan distance history: %w", err)
		}
		times = append(times, t)
		dists = append(dists, d)
	}
	// Reverse to oldest-first.
	for i, j := 0, len(times)-1; i < j; i, j = i+1, j-1 {
		times[i], times[j] = times[j], times[i]
		dists[i], dists[j] = dists[j], dists[i]
	}
	return times, dists, rows.Err()
}
