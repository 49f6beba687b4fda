package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for analysis tuning.
// All fields are pointers so a partial JSON file only overrides what it
// names; the Get* methods supply fallback defaults.
type TuningConfig struct {
	// Stream params
	SampleRate      *int     `json:"sample_rate,omitempty"`
	IncrementSecs   *float64 `json:"increment_secs,omitempty"`
	PadSecs         *float64 `json:"pad_secs,omitempty"`
	ReadTimeout     *string  `json:"read_timeout,omitempty"` // duration string like "10s"
	AnalysisStartNs *int64   `json:"analysis_start_ns,omitempty"`
	AnalysisEndNs   *int64   `json:"analysis_end_ns,omitempty"`

	// Conditioner params
	GateThreshold   *float64 `json:"gate_threshold,omitempty"` // sigma multiples
	GatePadSecs     *float64 `json:"gate_pad_secs,omitempty"`
	GateClusterSecs *float64 `json:"gate_cluster_secs,omitempty"`
	GateTaperSecs   *float64 `json:"gate_taper_secs,omitempty"`
	HighPassHz      *float64 `json:"high_pass_hz,omitempty"`
	TransitionHz    *float64 `json:"transition_hz,omitempty"`
	AttenuationDB   *float64 `json:"attenuation_db,omitempty"`
	LowFrequencyHz  *float64 `json:"low_frequency_hz,omitempty"`

	// PSD params
	PSDSegmentSecs     *float64 `json:"psd_segment_secs,omitempty"`
	PSDStrideSecs      *float64 `json:"psd_stride_secs,omitempty"`
	PSDSampleCount     *int     `json:"psd_sample_count,omitempty"`
	PSDRecalcSecs      *float64 `json:"psd_recalc_secs,omitempty"`
	PSDTruncateInvSecs *float64 `json:"psd_truncate_inv_secs,omitempty"`
	MinDistanceMpc     *float64 `json:"min_distance_mpc,omitempty"`
	MaxDistanceMpc     *float64 `json:"max_distance_mpc,omitempty"`
	RecalcThreshold    *float64 `json:"recalc_threshold,omitempty"` // fractional change
	AbortThreshold     *float64 `json:"abort_threshold,omitempty"`

	// Filter / trigger params
	SNRCeiling       *float64 `json:"snr_ceiling,omitempty"`
	SNRThreshold     *float64 `json:"snr_threshold,omitempty"`
	NewSNRThreshold  *float64 `json:"newsnr_threshold,omitempty"`
	ClusterWindowSec *float64 `json:"cluster_window_secs,omitempty"`
	MaxTriggers      *int     `json:"max_triggers,omitempty"`
	BatchSize        *int     `json:"batch_size,omitempty"`

	// Coincidence params
	CoincSlopSecs         *float64 `json:"coinc_slop_secs,omitempty"`
	SlideCount            *int     `json:"slide_count,omitempty"`
	SlideIntervalSecs     *float64 `json:"slide_interval_secs,omitempty"`
	BackgroundLivetime    *string  `json:"background_livetime,omitempty"`     // duration string
	MinBackgroundLivetime *string  `json:"min_background_livetime,omitempty"` // duration string
	AlertIFARYears        *float64 `json:"alert_ifar_years,omitempty"`

	// Runtime params
	Workers         *int     `json:"workers,omitempty"`
	JoinTimeout     *string  `json:"join_timeout,omitempty"` // duration string
	PersistEverySec *float64 `json:"persist_every_secs,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. The file must have
// a .json extension and stay under the size cap. Fields omitted from the
// JSON retain their defaults, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that configured values are internally consistent. A
// tuning fault here is fatal at startup, before the pipeline runs.
func (c *TuningConfig) Validate() error {
	if c.SampleRate != nil && *c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", *c.SampleRate)
	}
	if c.IncrementSecs != nil && *c.IncrementSecs <= 0 {
		return fmt.Errorf("increment_secs must be positive, got %f", *c.IncrementSecs)
	}
	if c.PadSecs != nil && *c.PadSecs < 0 {
		return fmt.Errorf("pad_secs must be non-negative, got %f", *c.PadSecs)
	}
	if c.GateThreshold != nil && *c.GateThreshold <= 0 {
		return fmt.Errorf("gate_threshold must be positive, got %f", *c.GateThreshold)
	}
	if c.RecalcThreshold != nil && c.AbortThreshold != nil &&
		*c.RecalcThreshold >= *c.AbortThreshold {
		return fmt.Errorf("recalc_threshold %f must be below abort_threshold %f",
			*c.RecalcThreshold, *c.AbortThreshold)
	}
	if c.MinDistanceMpc != nil && c.MaxDistanceMpc != nil &&
		*c.MinDistanceMpc >= *c.MaxDistanceMpc {
		return fmt.Errorf("min_distance_mpc %f must be below max_distance_mpc %f",
			*c.MinDistanceMpc, *c.MaxDistanceMpc)
	}
	if c.SNRThreshold != nil && c.SNRCeiling != nil && *c.SNRThreshold >= *c.SNRCeiling {
		return fmt.Errorf("snr_threshold %f must be below snr_ceiling %f",
			*c.SNRThreshold, *c.SNRCeiling)
	}
	if c.SlideCount != nil && *c.SlideCount < 1 {
		return fmt.Errorf("slide_count must be at least 1, got %d", *c.SlideCount)
	}
	if c.AnalysisStartNs != nil && c.AnalysisEndNs != nil &&
		*c.AnalysisEndNs <= *c.AnalysisStartNs {
		return fmt.Errorf("analysis_end_ns must be after analysis_start_ns")
	}
	for _, d := range []struct {
		name  string
		value *string
	}{
		{"read_timeout", c.ReadTimeout},
		{"background_livetime", c.BackgroundLivetime},
		{"min_background_livetime", c.MinBackgroundLivetime},
		{"join_timeout", c.JoinTimeout},
	} {
		if d.value != nil && *d.value != "" {
			if _, err := time.ParseDuration(*d.value); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", d.name, *d.value, err)
			}
		}
	}
	return nil
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

// GetSampleRate returns the sample_rate value or the default.
func (c *TuningConfig) GetSampleRate() int {
	if c.SampleRate == nil {
		return 2048
	}
	return *c.SampleRate
}

// GetIncrementSecs returns the increment_secs value or the default.
func (c *TuningConfig) GetIncrementSecs() float64 {
	if c.IncrementSecs == nil {
		return 8
	}
	return *c.IncrementSecs
}

// GetPadSecs returns the pad_secs value or the default.
func (c *TuningConfig) GetPadSecs() float64 {
	if c.PadSecs == nil {
		return 4
	}
	return *c.PadSecs
}

// GetReadTimeout parses and returns the read_timeout as a time.Duration.
func (c *TuningConfig) GetReadTimeout() time.Duration {
	return durationOr(c.ReadTimeout, 10*time.Second)
}

// GetAnalysisStartNanos returns the configured analysis start time, or 0
// when the start is anchored by the source instead.
func (c *TuningConfig) GetAnalysisStartNanos() int64 {
	if c.AnalysisStartNs == nil {
		return 0
	}
	return *c.AnalysisStartNs
}

// GetAnalysisEndNanos returns the configured analysis end time, or 0 for an
// open-ended run.
func (c *TuningConfig) GetAnalysisEndNanos() int64 {
	if c.AnalysisEndNs == nil {
		return 0
	}
	return *c.AnalysisEndNs
}

// GetGateThreshold returns the gate_threshold value or the default.
func (c *TuningConfig) GetGateThreshold() float64 {
	if c.GateThreshold == nil {
		return 50
	}
	return *c.GateThreshold
}

// GetGatePadSecs returns the gate_pad_secs value or the default.
func (c *TuningConfig) GetGatePadSecs() float64 {
	if c.GatePadSecs == nil {
		return 0.25
	}
	return *c.GatePadSecs
}

// GetGateClusterSecs returns the gate_cluster_secs value or the default.
func (c *TuningConfig) GetGateClusterSecs() float64 {
	if c.GateClusterSecs == nil {
		return 0.5
	}
	return *c.GateClusterSecs
}

// GetGateTaperSecs returns the gate_taper_secs value or the default.
func (c *TuningConfig) GetGateTaperSecs() float64 {
	if c.GateTaperSecs == nil {
		return 0.25
	}
	return *c.GateTaperSecs
}

// GetHighPassHz returns the high_pass_hz value or the default.
func (c *TuningConfig) GetHighPassHz() float64 {
	if c.HighPassHz == nil {
		return 15
	}
	return *c.HighPassHz
}

// GetTransitionHz returns the transition_hz value or the default.
func (c *TuningConfig) GetTransitionHz() float64 {
	if c.TransitionHz == nil {
		return 5
	}
	return *c.TransitionHz
}

// GetAttenuationDB returns the attenuation_db value or the default.
func (c *TuningConfig) GetAttenuationDB() float64 {
	if c.AttenuationDB == nil {
		return 60
	}
	return *c.AttenuationDB
}

// GetLowFrequencyHz returns the low_frequency_hz value or the default.
func (c *TuningConfig) GetLowFrequencyHz() float64 {
	if c.LowFrequencyHz == nil {
		return 20
	}
	return *c.LowFrequencyHz
}

// GetPSDSegmentSecs returns the psd_segment_secs value or the default.
func (c *TuningConfig) GetPSDSegmentSecs() float64 {
	if c.PSDSegmentSecs == nil {
		return 4
	}
	return *c.PSDSegmentSecs
}

// GetPSDStrideSecs returns the psd_stride_secs value or the default.
func (c *TuningConfig) GetPSDStrideSecs() float64 {
	if c.PSDStrideSecs == nil {
		return 2
	}
	return *c.PSDStrideSecs
}

// GetPSDSampleCount returns the psd_sample_count value or the default.
func (c *TuningConfig) GetPSDSampleCount() int {
	if c.PSDSampleCount == nil {
		return 32
	}
	return *c.PSDSampleCount
}

// GetPSDRecalcSecs returns the psd_recalc_secs value or the default.
func (c *TuningConfig) GetPSDRecalcSecs() float64 {
	if c.PSDRecalcSecs == nil {
		return 64
	}
	return *c.PSDRecalcSecs
}

// GetPSDTruncateInvSecs returns the psd_truncate_inv_secs value or the
// default. Zero disables inverse-spectrum truncation.
func (c *TuningConfig) GetPSDTruncateInvSecs() float64 {
	if c.PSDTruncateInvSecs == nil {
		return 0
	}
	return *c.PSDTruncateInvSecs
}

// GetMinDistanceMpc returns the min_distance_mpc value or the default.
func (c *TuningConfig) GetMinDistanceMpc() float64 {
	if c.MinDistanceMpc == nil {
		return 5
	}
	return *c.MinDistanceMpc
}

// GetMaxDistanceMpc returns the max_distance_mpc value or the default.
func (c *TuningConfig) GetMaxDistanceMpc() float64 {
	if c.MaxDistanceMpc == nil {
		return 1000
	}
	return *c.MaxDistanceMpc
}

// GetRecalcThreshold returns the recalc_threshold value or the default.
func (c *TuningConfig) GetRecalcThreshold() float64 {
	if c.RecalcThreshold == nil {
		return 0.02
	}
	return *c.RecalcThreshold
}

// GetAbortThreshold returns the abort_threshold value or the default.
func (c *TuningConfig) GetAbortThreshold() float64 {
	if c.AbortThreshold == nil {
		return 0.15
	}
	return *c.AbortThreshold
}

// GetSNRCeiling returns the snr_ceiling value or the default.
func (c *TuningConfig) GetSNRCeiling() float64 {
	if c.SNRCeiling == nil {
		return 500
	}
	return *c.SNRCeiling
}

// GetSNRThreshold returns the snr_threshold value or the default.
func (c *TuningConfig) GetSNRThreshold() float64 {
	if c.SNRThreshold == nil {
		return 4.5
	}
	return *c.SNRThreshold
}

// GetNewSNRThreshold returns the newsnr_threshold value or the default.
// Zero disables the newsnr cut.
func (c *TuningConfig) GetNewSNRThreshold() float64 {
	if c.NewSNRThreshold == nil {
		return 0
	}
	return *c.NewSNRThreshold
}

// GetClusterWindowSecs returns the cluster_window_secs value or the default.
func (c *TuningConfig) GetClusterWindowSecs() float64 {
	if c.ClusterWindowSec == nil {
		return 0.1
	}
	return *c.ClusterWindowSec
}

// GetMaxTriggers returns the max_triggers value or the default.
func (c *TuningConfig) GetMaxTriggers() int {
	if c.MaxTriggers == nil {
		return 64
	}
	return *c.MaxTriggers
}

// GetBatchSize returns the batch_size value or the default.
func (c *TuningConfig) GetBatchSize() int {
	if c.BatchSize == nil {
		return 64
	}
	return *c.BatchSize
}

// GetCoincSlopSecs returns the coinc_slop_secs value or the default.
func (c *TuningConfig) GetCoincSlopSecs() float64 {
	if c.CoincSlopSecs == nil {
		return 0.005
	}
	return *c.CoincSlopSecs
}

// GetSlideCount returns the slide_count value or the default.
func (c *TuningConfig) GetSlideCount() int {
	if c.SlideCount == nil {
		return 100
	}
	return *c.SlideCount
}

// GetSlideIntervalSecs returns the slide_interval_secs value or the default.
func (c *TuningConfig) GetSlideIntervalSecs() float64 {
	if c.SlideIntervalSecs == nil {
		return 0.1
	}
	return *c.SlideIntervalSecs
}

// GetBackgroundLivetime parses and returns the background_livetime duration.
func (c *TuningConfig) GetBackgroundLivetime() time.Duration {
	return durationOr(c.BackgroundLivetime, 8*time.Hour)
}

// GetMinBackgroundLivetime parses and returns the minimum livetime before
// alerts may be issued.
func (c *TuningConfig) GetMinBackgroundLivetime() time.Duration {
	return durationOr(c.MinBackgroundLivetime, 10*time.Minute)
}

// GetAlertIFARYears returns the alert_ifar_years value or the default.
func (c *TuningConfig) GetAlertIFARYears() float64 {
	if c.AlertIFARYears == nil {
		return 10
	}
	return *c.AlertIFARYears
}

// GetWorkers returns the workers value or the default.
func (c *TuningConfig) GetWorkers() int {
	if c.Workers == nil {
		return 4
	}
	return *c.Workers
}

// GetJoinTimeout parses and returns the join_timeout duration.
func (c *TuningConfig) GetJoinTimeout() time.Duration {
	return durationOr(c.JoinTimeout, 2*time.Second)
}

// GetPersistEverySecs returns the persist_every_secs value or the default.
func (c *TuningConfig) GetPersistEverySecs() float64 {
	if c.PersistEverySec == nil {
		return 64
	}
	return *c.PersistEverySec
}
