package sqlite

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/banshee-data/strain.report/internal/fsutil"
	"github.com/banshee-data/strain.report/internal/security"
	"github.com/banshee-data/strain.report/internal/strain"
)

// SnapshotWriter mirrors pipeline outputs into time-partitioned JSON files
// (one directory per analysis day, one per hour) so individual files stay
// bounded and external tooling can consume them without the database.
type SnapshotWriter struct {
	root string
	fs   fsutil.FileSystem
}

// NewSnapshotWriter writes snapshots under root on the real filesystem.
func NewSnapshotWriter(root string) *SnapshotWriter {
	return NewSnapshotWriterFS(root, fsutil.OSFileSystem{})
}

// NewSnapshotWriterFS is NewSnapshotWriter with an injectable filesystem.
func NewSnapshotWriterFS(root string, fs fsutil.FileSystem) *SnapshotWriter {
	return &SnapshotWriter{root: root, fs: fs}
}

const (
	nanosPerHour = int64(3600) * 1e9
	nanosPerDay  = 24 * nanosPerHour
)

// partitionDir maps an analysis timestamp to its day/hour directory.
func (w *SnapshotWriter) partitionDir(nanos int64) string {
	day := nanos / nanosPerDay
	hour := (nanos % nanosPerDay) / nanosPerHour
	return filepath.Join(w.root, fmt.Sprintf("day-%06d", day), fmt.Sprintf("hour-%02d", hour))
}

// WriteTriggers appends one increment's triggers as a standalone file named
// by the earliest peak time.
func (w *SnapshotWriter) WriteTriggers(trigs []strain.Trigger) error {
	if len(trigs) == 0 {
		return nil
	}
	first := trigs[0].PeakNanos
	for _, t := range trigs[1:] {
		if t.PeakNanos < first {
			first = t.PeakNanos
		}
	}
	dir := w.partitionDir(first)
	if err := w.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	data, err := json.Marshal(trigs)
	if err != nil {
		return fmt.Errorf("encode trigger snapshot: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("triggers-%d.json", first))
	if err := w.fs.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write trigger snapshot: %w", err)
	}
	return nil
}

// WritePSD writes one PSD snapshot file named by detector and estimate end
// time.
func (w *SnapshotWriter) WritePSD(est *strain.PSDEstimate) error {
	dir := w.partitionDir(est.EndNanos)
	if err := w.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	data, err := json.Marshal(est)
	if err != nil {
		return fmt.Errorf("encode PSD snapshot: %w", err)
	}
	name := security.SanitizeFilename(est.Detector)
	path := filepath.Join(dir, fmt.Sprintf("psd-%s-%d.json", name, est.EndNanos))
	if err := w.fs.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write PSD snapshot: %w", err)
	}
	return nil
}
