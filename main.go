package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/strain.report/internal/api"
	"github.com/banshee-data/strain.report/internal/config"
	"github.com/banshee-data/strain.report/internal/db"
	"github.com/banshee-data/strain.report/internal/strain"
	"github.com/banshee-data/strain.report/internal/strain/bank"
	"github.com/banshee-data/strain.report/internal/strain/l1segments"
	"github.com/banshee-data/strain.report/internal/strain/l2condition"
	"github.com/banshee-data/strain.report/internal/strain/l3psd"
	"github.com/banshee-data/strain.report/internal/strain/l4filter"
	"github.com/banshee-data/strain.report/internal/strain/l5triggers"
	"github.com/banshee-data/strain.report/internal/strain/l6coinc"
	"github.com/banshee-data/strain.report/internal/strain/pipeline"
	"github.com/banshee-data/strain.report/internal/strain/storage/sqlite"
	"github.com/banshee-data/strain.report/internal/version"
)

var (
	listen      = flag.String("listen", ":8080", "HTTP listen address")
	dbFile      = flag.String("db", "strain_data.db", "Path to the SQLite database file")
	tuningPath  = flag.String("tuning", "", "Path to a JSON tuning file (default: built-in defaults)")
	bankPath    = flag.String("bank", "", "Path to the template bank JSON file (required)")
	detectorCSV = flag.String("detectors", "H1,L1", "Comma-separated detector names")
	snapshotDir = flag.String("snapshot-dir", "", "Directory for partitioned snapshot export files (empty disables)")
	replayFiles = flag.String("replay", "", "Comma-separated strain log files to replay instead of listening on UDP")
	udpPort     = flag.Int("udp-port", 7001, "UDP port to listen for strain sample blocks")
	udpAddress  = flag.String("udp-addr", "", "UDP bind address (default: listen on all interfaces)")
	rcvBuf      = flag.Int("rcvbuf", 4<<20, "UDP receive buffer size in bytes (default 4MB)")
	startNanos  = flag.Int64("start-ns", 0, "GPS-epoch nanoseconds of the first analysis increment (replay: derived from the log when 0)")
	realTime    = flag.Bool("realtime", false, "Shed overrunning increments instead of letting latency accumulate")
	logDiag     = flag.Bool("diag", false, "Enable diagnostic logging")
	logTrace    = flag.Bool("trace", false, "Enable trace logging (very verbose)")
)

// ingestStats tracks source throughput between status log lines.
type ingestStats struct {
	mu          sync.Mutex
	blockCount  int64
	sampleCount int64
	rejected    int64
	lastReset   time.Time
}

func (is *ingestStats) AddBlock(samples int) {
	is.mu.Lock()
	defer is.mu.Unlock()
	is.blockCount++
	is.sampleCount += int64(samples)
}

func (is *ingestStats) AddRejected() {
	is.mu.Lock()
	defer is.mu.Unlock()
	is.rejected++
}

func (is *ingestStats) GetAndReset() (blocks, samples, rejected int64, duration time.Duration) {
	is.mu.Lock()
	defer is.mu.Unlock()
	now := time.Now()
	duration = now.Sub(is.lastReset)
	blocks, samples, rejected = is.blockCount, is.sampleCount, is.rejected
	is.blockCount, is.sampleCount, is.rejected = 0, 0, 0
	is.lastReset = now
	return
}

// floorToIncrement aligns a raw source time down to an increment boundary
// so every builder starts on the shared analysis grid.
func floorToIncrement(nanos, incNanos int64) int64 {
	if incNanos <= 0 {
		return nanos
	}
	aligned := (nanos / incNanos) * incNanos
	if nanos < 0 && nanos%incNanos != 0 {
		aligned -= incNanos
	}
	return aligned
}

// peekAnchor reads the first sample block of each replay file and returns
// the earliest start time seen.
func peekAnchor(paths []string) (int64, error) {
	earliest := int64(0)
	found := false
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return 0, fmt.Errorf("failed to open replay file %s: %w", path, err)
		}
		dec := json.NewDecoder(bufio.NewReader(f))
		var block strain.SampleBlock
		err = dec.Decode(&block)
		f.Close()
		if err != nil {
			return 0, fmt.Errorf("failed to read first record of %s: %w", path, err)
		}
		if !found || block.StartNanos < earliest {
			earliest = block.StartNanos
			found = true
		}
	}
	if !found {
		return 0, fmt.Errorf("no replay records found")
	}
	return earliest, nil
}

// replayLog streams one strain log file into the segment builders. Replay
// self-throttles against the analysis clock: pushing far ahead of the
// runtime would only overflow the arrival queue and shed real data.
func replayLog(ctx context.Context, path string, builders map[string]*l1segments.SegmentBuilder,
	runtime *pipeline.SearchRuntime, incNanos int64, stats *ingestStats) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open replay file %s: %w", path, err)
	}
	defer f.Close()

	dec := json.NewDecoder(bufio.NewReader(f))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var block strain.SampleBlock
		if err := dec.Decode(&block); err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("failed to decode record in %s: %w", path, err)
		}

		sb, ok := builders[block.Detector]
		if !ok {
			stats.AddRejected()
			continue
		}

		// Hold back while the runtime is more than two increments behind
		// the data already pushed for this detector.
		for {
			snap := runtime.Snapshot()
			if snap == nil || snap.IncrementEndNanos == 0 || block.StartNanos-snap.IncrementEndNanos <= 2*incNanos {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Millisecond):
			}
		}

		sb.PushSamples(block.StartNanos, block.Samples)
		stats.AddBlock(len(block.Samples))
	}
}

// listenUDP receives JSON-encoded sample blocks and routes them to the
// per-detector segment builders.
func listenUDP(ctx context.Context, address string, builders map[string]*l1segments.SegmentBuilder, stats *ingestStats) error {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}
	defer conn.Close()

	if err := conn.SetReadBuffer(*rcvBuf); err != nil {
		log.Printf("Warning: failed to set UDP receive buffer to %d bytes: %v (some OSes clamp buffer sizes)", *rcvBuf, err)
	}
	log.Printf("Listening for strain sample blocks on %s", address)

	buffer := make([]byte, 65507)
	timeoutCount := 0

	for {
		select {
		case <-ctx.Done():
			log.Println("UDP listener shutting down")
			return ctx.Err()
		default:
			if err := conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
				log.Printf("Error setting read deadline: %v", err)
				continue
			}

			n, _, err := conn.ReadFromUDP(buffer)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					timeoutCount++
					if timeoutCount%10 == 0 {
						log.Printf("No sample blocks received for %d seconds", timeoutCount)
					}
					continue
				}
				log.Printf("Error reading UDP packet: %v", err)
				continue
			}
			timeoutCount = 0

			var block strain.SampleBlock
			if err := json.Unmarshal(buffer[:n], &block); err != nil {
				stats.AddRejected()
				continue
			}
			sb, ok := builders[block.Detector]
			if !ok {
				stats.AddRejected()
				continue
			}
			sb.PushSamples(block.StartNanos, block.Samples)
			stats.AddBlock(len(block.Samples))
		}
	}
}

// buildDetectorRuntime wires one detector's full stage stack from the
// tuning configuration.
func buildDetectorRuntime(det string, tc *config.TuningConfig, b *bank.Bank, anchorNanos int64,
	ingest func(det string, seg *strain.StrainSegment)) (*pipeline.DetectorRuntime, error) {
	sampleRate := tc.GetSampleRate()
	incSec := int(tc.GetIncrementSecs())
	padSec := int(tc.GetPadSecs())

	segments, err := l1segments.NewSegmentBuilder(l1segments.SegmentBuilderConfig{
		Detector:     det,
		SampleRate:   sampleRate,
		IncrementSec: incSec,
		PadSec:       padSec,
		ReadTimeout:  tc.GetReadTimeout(),
		StartNanos:   anchorNanos,
		SegmentCallback: func(seg *strain.StrainSegment) {
			ingest(det, seg)
		},
	})
	if err != nil {
		return nil, err
	}

	conditioner, err := l2condition.NewConditioner(sampleRate, l2condition.ConditionerConfig{
		GateThreshold:  tc.GetGateThreshold(),
		GatePadSec:     tc.GetGatePadSecs(),
		GateClusterSec: tc.GetGateClusterSecs(),
		GateTaperSec:   tc.GetGateTaperSecs(),
		HighPassHz:     tc.GetHighPassHz(),
		TransitionHz:   tc.GetTransitionHz(),
		AttenuationDB:  tc.GetAttenuationDB(),
	})
	if err != nil {
		return nil, err
	}

	tracker, err := l3psd.NewTracker(l3psd.TrackerConfig{
		EstimatorConfig: l3psd.EstimatorConfig{
			Detector:       det,
			SampleRate:     sampleRate,
			SegmentSec:     int(tc.GetPSDSegmentSecs()),
			StrideSec:      int(tc.GetPSDStrideSecs()),
			SampleCount:    tc.GetPSDSampleCount(),
			LowFrequencyHz: tc.GetLowFrequencyHz(),
		},
		RecalcIntervalSec: int(tc.GetPSDRecalcSecs()),
		MinDistanceMpc:    tc.GetMinDistanceMpc(),
		MaxDistanceMpc:    tc.GetMaxDistanceMpc(),
		RecalcThreshold:   tc.GetRecalcThreshold(),
		AbortThreshold:    tc.GetAbortThreshold(),
	})
	if err != nil {
		return nil, err
	}

	engine, err := l4filter.NewEngine(l4filter.EngineConfig{
		SampleRate:     sampleRate,
		SegmentSamples: (incSec + padSec) * sampleRate,
		LowFrequencyHz: tc.GetLowFrequencyHz(),
		SNRCeiling:     tc.GetSNRCeiling(),
		BatchSize:      tc.GetBatchSize(),
		TruncateInvSec: tc.GetPSDTruncateInvSecs(),
	})
	if err != nil {
		return nil, err
	}

	extractor := l5triggers.NewExtractor(l5triggers.ExtractorConfig{
		SNRThreshold:     tc.GetSNRThreshold(),
		NewSNRThreshold:  tc.GetNewSNRThreshold(),
		ClusterWindowSec: tc.GetClusterWindowSecs(),
		MaxTriggers:      tc.GetMaxTriggers(),
	}, b.Entries)

	return &pipeline.DetectorRuntime{
		Detector:    det,
		Segments:    segments,
		Conditioner: conditioner,
		PSD:         tracker,
		Filter:      engine,
		Triggers:    extractor,
	}, nil
}

// Main
func main() {
	flag.Parse()
	log.Printf("strain.report %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)

	if *listen == "" {
		log.Fatal("HTTP listen address is required")
	}
	if *bankPath == "" {
		log.Fatal("Template bank path is required (-bank)")
	}

	detectors := strings.Split(*detectorCSV, ",")
	for i, d := range detectors {
		detectors[i] = strings.TrimSpace(d)
		if !strain.KnownDetector(detectors[i]) {
			log.Fatalf("Unknown detector %q", detectors[i])
		}
	}

	// Wire the three logging streams. Ops always goes to stderr; diag and
	// trace are opt-in.
	writers := strain.LogWriters{Ops: os.Stderr}
	if *logDiag {
		writers.Diag = os.Stderr
	}
	if *logTrace {
		writers.Diag = os.Stderr
		writers.Trace = os.Stderr
	}
	strain.SetLogWriters(writers)
	pipeline.SetLogWriters(writers.Ops, writers.Diag, writers.Trace)

	// Load tuning configuration
	tc := config.EmptyTuningConfig()
	if *tuningPath != "" {
		var err error
		tc, err = config.LoadTuningConfig(*tuningPath)
		if err != nil {
			log.Fatalf("Failed to load tuning config: %v", err)
		}
		log.Printf("Loaded tuning config from %s", *tuningPath)
	}

	// Load the template bank
	templateBank, err := bank.Load(*bankPath)
	if err != nil {
		log.Fatalf("Failed to load template bank: %v", err)
	}
	log.Printf("Loaded %d templates from %s", templateBank.Len(), *bankPath)

	// Initialize database and run migrations
	sdb, err := db.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer sdb.Close()
	if err := sdb.MigrateUp(); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	// Resolve the analysis anchor: the start of the first increment.
	var replayPaths []string
	if *replayFiles != "" {
		replayPaths = strings.Split(*replayFiles, ",")
	}
	incNanos := int64(tc.GetIncrementSecs() * float64(time.Second))
	anchor := *startNanos
	if anchor == 0 {
		anchor = tc.GetAnalysisStartNanos()
	}
	if anchor == 0 {
		if len(replayPaths) == 0 {
			log.Fatal("-start-ns or analysis_start_ns is required when listening on UDP")
		}
		anchor, err = peekAnchor(replayPaths)
		if err != nil {
			log.Fatalf("Failed to derive analysis start from replay logs: %v", err)
		}
	}
	anchor = floorToIncrement(anchor, incNanos)
	log.Printf("Analysis anchored at %d ns (increment %gs)", anchor, tc.GetIncrementSecs())

	// Build the per-detector stage stacks. Segment callbacks close over the
	// runtime pointer, which is assigned before any source data flows.
	var runtime *pipeline.SearchRuntime
	ingest := func(det string, seg *strain.StrainSegment) {
		runtime.Ingest(det, seg)
	}

	builders := make(map[string]*l1segments.SegmentBuilder)
	var detRuntimes []*pipeline.DetectorRuntime
	for _, det := range detectors {
		dr, err := buildDetectorRuntime(det, tc, templateBank, anchor, ingest)
		if err != nil {
			log.Fatalf("Failed to build %s stage stack: %v", det, err)
		}
		builders[det] = dr.Segments
		detRuntimes = append(detRuntimes, dr)
	}

	// Coincidence stage: only meaningful with two or more detectors.
	var coincider *l6coinc.Coincider
	if len(detectors) >= 2 {
		coincider, err = l6coinc.NewCoincider(l6coinc.CoinciderConfig{
			Detectors:             detectors,
			SlopSec:               tc.GetCoincSlopSecs(),
			SlideCount:            tc.GetSlideCount(),
			SlideIntervalSec:      tc.GetSlideIntervalSecs(),
			BackgroundLivetime:    tc.GetBackgroundLivetime(),
			MinBackgroundLivetime: tc.GetMinBackgroundLivetime(),
		})
		if err != nil {
			log.Fatalf("Failed to build coincidence stage: %v", err)
		}
	}
	singles := l6coinc.NewSingleDetector(l6coinc.SingleConfig{})

	// Persistence and alerts share the SQLite store.
	store := sqlite.NewSearchStore(sdb.DB)
	if *snapshotDir != "" {
		store.Snapshots = sqlite.NewSnapshotWriter(*snapshotDir)
		log.Printf("Snapshot export enabled: %s", *snapshotDir)
	}

	// Resume the background ensemble so the IFAR curve and min-livetime gate
	// survive restarts.
	if coincider != nil {
		curves, livetime, err := store.LoadBackground()
		if err != nil {
			log.Fatalf("Failed to load persisted background: %v", err)
		}
		if len(curves) > 0 || livetime > 0 {
			coincider.Background().RestoreCurves(curves, livetime)
			log.Printf("Restored background ensemble: %d combinations, %s analyzed livetime", len(curves), livetime)
		}
	}

	runtime, err = pipeline.NewSearchRuntime(pipeline.SearchConfig{
		Detectors:        detRuntimes,
		Bank:             templateBank,
		Coincider:        coincider,
		Singles:          singles,
		Persistence:      store,
		Alerts:           store,
		IncrementSec:     tc.GetIncrementSecs(),
		BatchSize:        tc.GetBatchSize(),
		Workers:          tc.GetWorkers(),
		JoinTimeout:      tc.GetJoinTimeout(),
		ClusterWindowSec: tc.GetClusterWindowSecs(),
		AlertIFARYears:   tc.GetAlertIFARYears(),
		PersistEverySec:  tc.GetPersistEverySecs(),
		AnalysisEndNanos: tc.GetAnalysisEndNanos(),
		RealTime:         *realTime,
	})
	if err != nil {
		log.Fatalf("Failed to build search runtime: %v", err)
	}

	// Create a wait group for the search runtime, ingest source, and HTTP
	// server routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats := &ingestStats{lastReset: time.Now()}

	// Search runtime routine. A persistence fault is fatal: better to stop
	// than to keep analyzing while silently losing results.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := runtime.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("Search runtime error: %v", err)
			stop()
		}
		log.Print("search runtime terminated")
	}()

	// Ingest source routine: replay logs or live UDP.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			for _, sb := range builders {
				sb.Flush()
				sb.Close()
			}
		}()

		if len(replayPaths) > 0 {
			var replayWG sync.WaitGroup
			for _, path := range replayPaths {
				replayWG.Add(1)
				go func(path string) {
					defer replayWG.Done()
					if err := replayLog(ctx, path, builders, runtime, incNanos, stats); err != nil && err != context.Canceled {
						log.Printf("Replay of %s failed: %v", path, err)
					}
				}(path)
			}
			replayWG.Wait()
			log.Print("replay complete")
			// Let the runtime drain the final increments, then unwind.
			time.Sleep(2 * time.Duration(incNanos))
			stop()
			return
		}

		var udpListenAddr string
		if *udpAddress == "" {
			udpListenAddr = fmt.Sprintf(":%d", *udpPort)
		} else {
			udpListenAddr = fmt.Sprintf("%s:%d", *udpAddress, *udpPort)
		}
		if err := listenUDP(ctx, udpListenAddr, builders, stats); err != nil && err != context.Canceled {
			log.Printf("UDP listener error: %v", err)
		}
		log.Print("ingest routine terminated")
	}()

	// Periodic status routine.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				blocks, samples, rejected, duration := stats.GetAndReset()
				if blocks == 0 && rejected == 0 {
					continue
				}
				snap := runtime.Snapshot()
				msg := fmt.Sprintf("Ingest (/sec): %.1f blocks, %.0f samples", float64(blocks)/duration.Seconds(), float64(samples)/duration.Seconds())
				if rejected > 0 {
					msg += fmt.Sprintf(", %d rejected", rejected)
				}
				if snap != nil {
					msg += fmt.Sprintf("; increment %d, %d live detectors, %d shed", snap.IncrementIndex, len(snap.LiveDetectors), snap.ShedIncrements)
				}
				log.Print(msg)
			}
		}
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		apiServer := api.NewServer(runtime, store, detectors)
		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(apiServer.ServeMux()),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("Starting HTTP server on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
