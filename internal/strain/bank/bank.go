// Package bank loads the immutable template bank and resolves each entry's
// waveform-evaluation strategy at load time.
//
// Approximant selection rules arrive as `NAME:cond` strings (for example
// "SPAtmplt:mtotal<4", "TaylorF2:else"). They are parsed and validated once
// during load into a static lookup; no rule text is evaluated after startup.
package bank

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
)

// Physical constants used by the waveform strategies.
const (
	gravConst    = 6.67430e-11
	speedOfLight = 299792458.0
	solarMassKg  = 1.98892e30
)

// Entry is one immutable template descriptor. Mass and spin parameters are
// opaque to the filtering engine; only the resolved strategy interprets them.
type Entry struct {
	ID      int64   `json:"id"`
	Mass1   float64 `json:"mass1"`
	Mass2   float64 `json:"mass2"`
	Spin1z  float64 `json:"spin1z"`
	Spin2z  float64 `json:"spin2z"`
	FLowerHz float64 `json:"f_lower"`
	FFinalHz float64 `json:"f_final,omitempty"` // 0 means ISCO

	// Resolved at load time, never re-evaluated.
	Approximant Approximant `json:"-"`
}

// TotalMass returns m1+m2 in solar masses.
func (e *Entry) TotalMass() float64 { return e.Mass1 + e.Mass2 }

// ChirpMass returns the chirp mass in solar masses.
func (e *Entry) ChirpMass() float64 {
	m := e.Mass1 * e.Mass2
	return math.Pow(m*m*m, 1.0/5.0) / math.Pow(e.TotalMass(), 1.0/5.0)
}

// ISCOFrequencyHz returns the innermost-stable-circular-orbit frequency for
// the template's total mass.
func (e *Entry) ISCOFrequencyHz() float64 {
	return speedOfLight * speedOfLight * speedOfLight /
		(gravConst * e.TotalMass() * solarMassKg * math.Pi * 6 * math.Sqrt(6))
}

// EndFrequencyHz returns the template's upper frequency cutoff: the explicit
// f_final when set, ISCO otherwise.
func (e *Entry) EndFrequencyHz() float64 {
	if e.FFinalHz > 0 {
		return e.FFinalHz
	}
	return e.ISCOFrequencyHz()
}

// DurationSec returns the Newtonian chirp time from f_lower, used for
// duration-binned significance fits and chi-squared band construction.
func (e *Entry) DurationSec() float64 {
	mc := e.ChirpMass() * solarMassKg
	gm := gravConst * mc / (speedOfLight * speedOfLight * speedOfLight)
	return 5.0 / 256.0 / math.Pi / e.FLowerHz * math.Pow(math.Pi*gm*e.FLowerHz, -5.0/3.0)
}

// bankFile is the on-disk representation.
type bankFile struct {
	ApproximantRules []string `json:"approximant_rules"`
	Templates        []Entry  `json:"templates"`
}

// Bank is the loaded, validated, immutable template collection.
type Bank struct {
	Entries []Entry
	rules   []rule
}

// Load reads a JSON bank file, validates it, and resolves every entry's
// approximant. Any inconsistency is fatal: a malformed bank must stop the
// process before the pipeline starts.
func Load(path string) (*Bank, error) {
	clean := filepath.Clean(path)
	if ext := filepath.Ext(clean); ext != ".json" {
		return nil, fmt.Errorf("bank file must have .json extension, got %q", ext)
	}
	data, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("read bank file: %w", err)
	}
	var bf bankFile
	if err := json.Unmarshal(data, &bf); err != nil {
		return nil, fmt.Errorf("parse bank file: %w", err)
	}
	if len(bf.Templates) == 0 {
		return nil, fmt.Errorf("bank file %s contains no templates", clean)
	}

	rules, err := parseRules(bf.ApproximantRules)
	if err != nil {
		return nil, fmt.Errorf("bank file %s: %w", clean, err)
	}

	seen := make(map[int64]bool, len(bf.Templates))
	for i := range bf.Templates {
		t := &bf.Templates[i]
		if seen[t.ID] {
			return nil, fmt.Errorf("duplicate template id %d", t.ID)
		}
		seen[t.ID] = true
		if t.Mass1 <= 0 || t.Mass2 <= 0 {
			return nil, fmt.Errorf("template %d: non-positive component mass", t.ID)
		}
		if t.FLowerHz <= 0 {
			return nil, fmt.Errorf("template %d: non-positive f_lower", t.ID)
		}
		appr, err := resolve(rules, t)
		if err != nil {
			return nil, fmt.Errorf("template %d: %w", t.ID, err)
		}
		t.Approximant = appr
	}

	// Bank order is part of the contract: keep file order, which loaders
	// conventionally emit sorted by id.
	entries := bf.Templates
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	return &Bank{Entries: entries, rules: rules}, nil
}

// Len returns the number of templates.
func (b *Bank) Len() int { return len(b.Entries) }

// Split partitions the bank into n contiguous id ranges of near-equal size
// for distribution across workers. n beyond the bank size yields empty
// tails.
func (b *Bank) Split(n int) [][]Entry {
	if n <= 0 {
		n = 1
	}
	out := make([][]Entry, n)
	per := (len(b.Entries) + n - 1) / n
	for i := 0; i < n; i++ {
		lo := i * per
		hi := lo + per
		if lo > len(b.Entries) {
			lo = len(b.Entries)
		}
		if hi > len(b.Entries) {
			hi = len(b.Entries)
		}
		out[i] = b.Entries[lo:hi]
	}
	return out
}

// Batches slices the bank into fixed-size template batches to bound the
// matched filter's peak memory. Batch boundaries are invisible downstream.
func (b *Bank) Batches(size int) [][]Entry {
	if size <= 0 || size >= len(b.Entries) {
		return [][]Entry{b.Entries}
	}
	var out [][]Entry
	for lo := 0; lo < len(b.Entries); lo += size {
		hi := lo + size
		if hi > len(b.Entries) {
			hi = len(b.Entries)
		}
		out = append(out, b.Entries[lo:hi])
	}
	return out
}
