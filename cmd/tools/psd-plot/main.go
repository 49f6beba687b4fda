// Command psd-plot renders persisted PSD estimates to PNG.
//
// It reads the latest stored estimate for each requested detector from the
// daemon's SQLite database and plots log-log amplitude spectral density,
// one line per detector.
package main

import (
	"flag"
	"image/color"
	"log"
	"math"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/strain.report/internal/db"
	"github.com/banshee-data/strain.report/internal/strain"
	"github.com/banshee-data/strain.report/internal/strain/storage/sqlite"
)

var (
	dbFile      = flag.String("db", "strain_data.db", "path to the SQLite database file")
	detectorCSV = flag.String("detectors", "H1,L1", "comma-separated detector names")
	output      = flag.String("o", "psd.png", "output PNG path")
	fMin        = flag.Float64("f-min", 10, "lowest frequency to plot, Hz")
)

var lineColors = []color.Color{
	color.RGBA{R: 214, G: 39, B: 40, A: 255},
	color.RGBA{R: 31, G: 119, B: 180, A: 255},
	color.RGBA{R: 44, G: 160, B: 44, A: 255},
	color.RGBA{R: 148, G: 103, B: 189, A: 255},
}

// asdPoints converts a PSD estimate to log10 amplitude spectral density
// points above the plot floor frequency.
func asdPoints(est *strain.PSDEstimate, fMin float64) plotter.XYs {
	var pts plotter.XYs
	for i, p := range est.Power {
		freq := float64(i) * est.DeltaF
		if freq < fMin || p <= 0 {
			continue
		}
		pts = append(pts, plotter.XY{
			X: math.Log10(freq),
			Y: math.Log10(math.Sqrt(p)),
		})
	}
	return pts
}

func main() {
	flag.Parse()

	detectors := strings.Split(*detectorCSV, ",")
	for i, d := range detectors {
		detectors[i] = strings.TrimSpace(d)
	}

	sdb, err := db.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer sdb.Close()
	psds := sqlite.NewPSDStore(sdb.DB)

	p := plot.New()
	p.Title.Text = "Noise amplitude spectral density"
	p.X.Label.Text = "log10 frequency (Hz)"
	p.Y.Label.Text = "log10 ASD (1/sqrt(Hz))"
	p.Legend.Top = true

	plotted := 0
	for i, det := range detectors {
		est, err := psds.LatestPSD(det)
		if err != nil {
			log.Fatalf("Failed to load PSD for %s: %v", det, err)
		}
		if est == nil {
			log.Printf("No stored PSD for %s, skipping", det)
			continue
		}

		line, err := plotter.NewLine(asdPoints(est, *fMin))
		if err != nil {
			log.Fatalf("Failed to build line for %s: %v", det, err)
		}
		line.Width = vg.Points(1)
		line.Color = lineColors[i%len(lineColors)]
		p.Add(line)
		p.Legend.Add(det, line)
		plotted++

		log.Printf("%s: %d bins, df=%.3f Hz, %d segments, horizon %.1f Mpc",
			det, est.FrequencyBins(), est.DeltaF, est.SegmentsUsed, est.SensitiveDistanceMpc)
	}
	if plotted == 0 {
		log.Fatal("No PSD estimates found; run the daemon first")
	}

	if err := p.Save(10*vg.Inch, 6*vg.Inch, *output); err != nil {
		log.Fatalf("Failed to save plot: %v", err)
	}
	log.Printf("✓ Created: %s", *output)
}
