// Command gen-strain generates synthetic strain logs for replay.
//
// Each output file holds JSON sample-block records for one detector:
// Gaussian noise at a configurable amplitude, optionally with a compact
// binary chirp injected at a chosen offset. The files feed the daemon's
// -replay flag for end-to-end exercising without a live source.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"strings"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/strain.report/internal/strain"
	"github.com/banshee-data/strain.report/internal/units"
)

var (
	outPrefix   = flag.String("o", "strain", "output path prefix; one <prefix>-<detector>.jsonl per detector")
	detectorCSV = flag.String("detectors", "H1,L1", "comma-separated detector names")
	sampleRate  = flag.Int("rate", 2048, "sample rate in Hz")
	durationSec = flag.Float64("duration", 64, "log duration in seconds")
	startNs     = flag.Int64("start-ns", 1_400_000_000_000_000_000, "GPS-epoch nanoseconds of the first sample")
	blockSec    = flag.Float64("block", 0.5, "seconds of samples per record")
	noiseSigma  = flag.Float64("sigma", 1e-21, "Gaussian noise standard deviation")
	seed        = flag.Uint64("seed", 42, "noise generator seed")

	injectAt  = flag.Float64("inject-at", -1, "chirp coalescence time as seconds from log start (-1 disables)")
	mass1     = flag.Float64("m1", 1.4, "injected primary mass, solar masses")
	mass2     = flag.Float64("m2", 1.4, "injected secondary mass, solar masses")
	distance  = flag.Float64("dist", 40, "injected luminosity distance, Mpc")
	fLow      = flag.Float64("f-low", 20, "injection starting frequency, Hz")
	gapAtSec  = flag.Float64("gap-at", -1, "drop one block at this offset to simulate a source gap (-1 disables)")
	skewBlock = flag.Int("skew-blocks", 0, "delay this detector index's stream by N blocks (exercises the join)")
)

// chirp evaluates a Newtonian-order inspiral at t seconds before
// coalescence. Good enough to light up the matched filter; not a
// calibration-grade waveform.
type chirp struct {
	mcSec   float64 // chirp mass in seconds
	distSec float64 // distance in seconds
	tcSec   float64 // coalescence time, seconds from log start
	fLow    float64
}

func newChirp(m1, m2, distMpc, tcSec, fLow float64) *chirp {
	mc := math.Pow(m1*m2, 0.6) / math.Pow(m1+m2, 0.2)
	return &chirp{
		mcSec:   mc * units.SolarMassSeconds,
		distSec: units.MpcToMeters(distMpc) / units.SpeedOfLight,
		tcSec:   tcSec,
		fLow:    fLow,
	}
}

// sample returns the strain contribution at t seconds from log start.
func (c *chirp) sample(t float64) float64 {
	tau := c.tcSec - t
	if tau <= 0 {
		return 0
	}
	// Newtonian frequency and phase evolution in geometric units.
	freq := math.Pow(5/(256*tau), 3.0/8.0) * math.Pow(math.Pi*c.mcSec, -5.0/8.0) / math.Pi
	if freq < c.fLow {
		return 0
	}
	phase := -2 * math.Pow(tau/(5*c.mcSec), 5.0/8.0)
	amp := 4 * math.Pow(c.mcSec, 5.0/3.0) * math.Pow(math.Pi*freq, 2.0/3.0) / c.distSec
	return amp * math.Cos(phase)
}

func writeLog(path, detector string, detIndex int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	defer w.Flush()
	enc := json.NewEncoder(w)

	// Independent noise per detector, reproducible per seed.
	noise := distuv.Normal{
		Mu:    0,
		Sigma: *noiseSigma,
		Src:   rand.NewSource(*seed + uint64(detIndex)),
	}

	var inj *chirp
	if *injectAt >= 0 {
		inj = newChirp(*mass1, *mass2, *distance, *injectAt, *fLow)
	}

	blockSamples := int(*blockSec * float64(*sampleRate))
	totalBlocks := int(*durationSec / *blockSec)
	blockNanos := int64(float64(blockSamples) * float64(time.Second) / float64(*sampleRate))
	skip := int(*gapAtSec / *blockSec)

	start := *startNs + int64(detIndex*(*skewBlock))*blockNanos
	for i := 0; i < totalBlocks; i++ {
		if *gapAtSec >= 0 && i == skip {
			continue
		}
		samples := make([]float64, blockSamples)
		for j := range samples {
			samples[j] = noise.Rand()
			if inj != nil {
				t := float64(i)**blockSec + float64(j)/float64(*sampleRate)
				samples[j] += inj.sample(t)
			}
		}
		block := strain.SampleBlock{
			Detector:   detector,
			StartNanos: start + int64(i)*blockNanos,
			SampleRate: *sampleRate,
			Samples:    samples,
		}
		if err := enc.Encode(&block); err != nil {
			return fmt.Errorf("failed to encode block %d: %w", i, err)
		}
	}
	return nil
}

func main() {
	flag.Parse()

	detectors := strings.Split(*detectorCSV, ",")
	for i, d := range detectors {
		detectors[i] = strings.TrimSpace(d)
	}

	for i, det := range detectors {
		path := fmt.Sprintf("%s-%s.jsonl", *outPrefix, det)
		if err := writeLog(path, det, i); err != nil {
			log.Fatalf("%v", err)
		}
		log.Printf("✓ Created: %s (%gs at %d Hz)", path, *durationSec, *sampleRate)
	}
	if *injectAt >= 0 {
		log.Printf("Injected %g+%g Msun chirp at %gs, %g Mpc", *mass1, *mass2, *injectAt, *distance)
	}
}
