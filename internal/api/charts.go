package api

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// chartPSD renders the current PSD for one detector as a log-log line chart
// (HTML). Debugging-only endpoint for eyeballing the noise floor without
// external tooling.
// Query params:
//   - detector (required)
//   - max_points (optional; default 2000) to reduce payload size
func (s *Server) chartPSD(w http.ResponseWriter, r *http.Request) {
	det := r.URL.Query().Get("detector")
	if det == "" {
		s.writeJSONError(w, http.StatusBadRequest, "detector query parameter required")
		return
	}
	snap := s.runtime.Snapshot()
	psd, ok := snap.PSDs[det]
	if !ok || len(psd.Power) == 0 {
		s.writeJSONError(w, http.StatusNotFound, "no PSD for detector "+det)
		return
	}

	maxPoints := queryLimitNamed(r, "max_points", 2000, 20000)
	stride := 1
	if len(psd.Power) > maxPoints {
		stride = int(math.Ceil(float64(len(psd.Power)) / float64(maxPoints)))
	}

	freqs := make([]string, 0, len(psd.Power)/stride+1)
	data := make([]opts.LineData, 0, len(psd.Power)/stride+1)
	for k := 1; k < len(psd.Power); k += stride {
		if psd.Power[k] <= 0 {
			continue
		}
		freqs = append(freqs, fmt.Sprintf("%.2f", float64(k)*psd.DeltaF))
		data = append(data, opts.LineData{Value: math.Log10(psd.Power[k])})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "PSD " + det, Theme: "dark", Width: "1200px", Height: "700px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Noise power spectral density: " + det,
			Subtitle: fmt.Sprintf("df=%.4f Hz, segments=%d, range=%.1f Mpc", psd.DeltaF, psd.SegmentsUsed, psd.SensitiveDistanceMpc),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Frequency (Hz)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "log10 S(f)"}),
	)
	line.SetXAxis(freqs)
	line.AddSeries(det, data, charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(false)}))

	s.renderChart(w, line)
}

// chartDistance renders the sensitive-distance history for one detector.
// Query params:
//   - detector (required)
//   - limit (optional; default 200)
func (s *Server) chartDistance(w http.ResponseWriter, r *http.Request) {
	det := r.URL.Query().Get("detector")
	if det == "" {
		s.writeJSONError(w, http.StatusBadRequest, "detector query parameter required")
		return
	}
	limit := queryLimit(r, 200, 5000)
	times, dists, err := s.store.PSDs.SensitiveDistanceHistory(det, limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(times) == 0 {
		s.writeJSONError(w, http.StatusNotFound, "no PSD history for detector "+det)
		return
	}

	labels := make([]string, len(times))
	data := make([]opts.LineData, len(times))
	for i := range times {
		labels[i] = fmt.Sprintf("%.0f", float64(times[i])/1e9)
		data[i] = opts.LineData{Value: dists[i]}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Range " + det, Theme: "dark", Width: "1200px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{Title: "Sensitive distance: " + det, Subtitle: fmt.Sprintf("%d snapshots", len(times))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Analysis time (s)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Distance (Mpc)"}),
	)
	line.SetXAxis(labels)
	line.AddSeries(det, data)

	s.renderChart(w, line)
}

type chartRenderer interface {
	Render(w io.Writer) error
}

// renderChart renders to a buffer first so a render failure can still
// produce a clean error response.
func (s *Server) renderChart(w http.ResponseWriter, chart chartRenderer) {
	var buf bytes.Buffer
	if err := chart.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func queryLimitNamed(r *http.Request, name string, def, max int) int {
	limit := def
	if q := r.URL.Query().Get(name); q != "" {
		var v int
		if _, err := fmt.Sscanf(q, "%d", &v); err == nil && v > 0 && v <= max {
			limit = v
		}
	}
	return limit
}
