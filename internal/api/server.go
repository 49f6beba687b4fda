// Package api serves the HTTP status surface: pipeline health, current
// PSDs, recent triggers and events as JSON, plus rendered charts.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/strain.report/internal/httputil"
	"github.com/banshee-data/strain.report/internal/monitoring"
	"github.com/banshee-data/strain.report/internal/strain/pipeline"
	sqlite "github.com/banshee-data/strain.report/internal/strain/storage/sqlite"
	"github.com/banshee-data/strain.report/internal/version"
)

// ANSI escape codes for request logging.
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// SnapshotSource provides the runtime's latest published state.
type SnapshotSource interface {
	Snapshot() *pipeline.Snapshot
}

type Server struct {
	runtime   SnapshotSource
	store     *sqlite.SearchStore
	detectors []string
}

func NewServer(runtime SnapshotSource, store *sqlite.SearchStore, detectors []string) *Server {
	return &Server{
		runtime:   runtime,
		store:     store,
		detectors: detectors,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	default:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	}
}

// LoggingMiddleware logs method, path, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.showHealth)
	mux.HandleFunc("/api/psds", s.showPSDs)
	mux.HandleFunc("/api/triggers", s.listTriggers)
	mux.HandleFunc("/api/events", s.listEvents)
	mux.HandleFunc("/api/background", s.showBackground)
	mux.HandleFunc("/charts/psd", s.chartPSD)
	mux.HandleFunc("/charts/distance", s.chartDistance)
	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	httputil.WriteJSONOK(w, v)
}

func (s *Server) writeJSONError(w http.ResponseWriter, code int, msg string) {
	httputil.WriteJSONError(w, code, msg)
}

func (s *Server) showHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.runtime.Snapshot()
	distances := map[string]float64{}
	for det, psd := range snap.PSDs {
		distances[det] = psd.SensitiveDistanceMpc
	}
	s.writeJSON(w, map[string]interface{}{
		"status":                 "ok",
		"version":                version.Version,
		"detectors":              s.detectors,
		"live_detectors":         snap.LiveDetectors,
		"increment_index":        snap.IncrementIndex,
		"increment_end_ns":       snap.IncrementEndNanos,
		"sensitive_distance_mpc": distances,
		"analyzed_livetime_secs": snap.AnalyzedLivetime.Seconds(),
		"shed_increments":        snap.ShedIncrements,
		"dropped_segments":       snap.DroppedSegments,
	})
}

func (s *Server) showPSDs(w http.ResponseWriter, r *http.Request) {
	snap := s.runtime.Snapshot()
	if det := r.URL.Query().Get("detector"); det != "" {
		psd, ok := snap.PSDs[det]
		if !ok {
			s.writeJSONError(w, http.StatusNotFound, "no PSD for detector "+det)
			return
		}
		s.writeJSON(w, psd)
		return
	}
	s.writeJSON(w, snap.PSDs)
}

func (s *Server) listTriggers(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 100, 1000)
	trigs, err := s.store.Triggers.RecentTriggers(limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, trigs)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50, 500)
	events, err := s.store.Events.RecentEvents(limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, events)
}

func (s *Server) showBackground(w http.ResponseWriter, r *http.Request) {
	snap := s.runtime.Snapshot()
	s.writeJSON(w, map[string]interface{}{
		"ensemble_sizes":         snap.BackgroundSizes,
		"analyzed_livetime_secs": snap.AnalyzedLivetime.Seconds(),
	})
}

func queryLimit(r *http.Request, def, max int) int {
	limit := def
	if q := r.URL.Query().Get("limit"); q != "" {
		if v, err := strconv.Atoi(q); err == nil && v > 0 && v <= max {
			limit = v
		}
	}
	return limit
}
