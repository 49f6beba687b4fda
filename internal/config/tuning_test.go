package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTuning(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestEmptyConfigDefaults(t *testing.T) {
	c := EmptyTuningConfig()
	if got := c.GetSampleRate(); got != 2048 {
		t.Errorf("GetSampleRate() = %d, want 2048", got)
	}
	if got := c.GetIncrementSecs(); got != 8 {
		t.Errorf("GetIncrementSecs() = %v, want 8", got)
	}
	if got := c.GetHighPassHz(); got != 15 {
		t.Errorf("GetHighPassHz() = %v, want 15", got)
	}
	if got := c.GetPSDSampleCount(); got != 32 {
		t.Errorf("GetPSDSampleCount() = %d, want 32", got)
	}
	if got := c.GetSNRThreshold(); got != 4.5 {
		t.Errorf("GetSNRThreshold() = %v, want 4.5", got)
	}
	if got := c.GetSlideCount(); got != 100 {
		t.Errorf("GetSlideCount() = %d, want 100", got)
	}
	if got := c.GetBackgroundLivetime(); got != 8*time.Hour {
		t.Errorf("GetBackgroundLivetime() = %v, want 8h", got)
	}
	if got := c.GetJoinTimeout(); got != 2*time.Second {
		t.Errorf("GetJoinTimeout() = %v, want 2s", got)
	}
	if got := c.GetAlertIFARYears(); got != 10 {
		t.Errorf("GetAlertIFARYears() = %v, want 10", got)
	}
}

func TestLoadPartialOverrides(t *testing.T) {
	path := writeTuning(t, "tuning.json", `{
		"sample_rate": 4096,
		"snr_threshold": 5.0,
		"join_timeout": "500ms"
	}`)
	c, err := LoadTuningConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4096, c.GetSampleRate())
	assert.Equal(t, 5.0, c.GetSNRThreshold())
	assert.Equal(t, 500*time.Millisecond, c.GetJoinTimeout())
	// Untouched fields keep their defaults.
	assert.Equal(t, 8.0, c.GetIncrementSecs())
}

func TestLoadRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name string
		file string
		body string
		want string
	}{
		{"wrong extension", "tuning.yaml", `{}`, ".json extension"},
		{"malformed json", "tuning.json", `{"sample_rate":`, "parse"},
		{"negative sample rate", "tuning.json", `{"sample_rate": -1}`, "sample_rate"},
		{"recalc above abort", "tuning.json", `{"recalc_threshold": 0.5, "abort_threshold": 0.1}`, "recalc_threshold"},
		{"min distance above max", "tuning.json", `{"min_distance_mpc": 2000, "max_distance_mpc": 100}`, "min_distance_mpc"},
		{"threshold above ceiling", "tuning.json", `{"snr_threshold": 600, "snr_ceiling": 500}`, "snr_threshold"},
		{"zero slide count", "tuning.json", `{"slide_count": 0}`, "slide_count"},
		{"bad duration", "tuning.json", `{"join_timeout": "fast"}`, "join_timeout"},
		{"end before start", "tuning.json", `{"analysis_start_ns": 100, "analysis_end_ns": 50}`, "analysis_end_ns"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTuning(t, tc.file, tc.body)
			_, err := LoadTuningConfig(path)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := LoadTuningConfig(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDurationFallbacks(t *testing.T) {
	empty := ""
	c := &TuningConfig{ReadTimeout: &empty}
	if got := c.GetReadTimeout(); got != 10*time.Second {
		t.Errorf("empty read_timeout = %v, want the 10s default", got)
	}
}
