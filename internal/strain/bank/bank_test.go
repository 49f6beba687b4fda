package bank

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

// writeBank drops a bank file into a test temp dir and returns its path.
func writeBank(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write bank file: %v", err)
	}
	return path
}

const validBank = `{
	"approximant_rules": ["SPAtmplt:mtotal<4", "IMRPhenomD:mtotal>50", "TaylorF2:else"],
	"templates": [
		{"id": 3, "mass1": 1.4, "mass2": 1.4, "f_lower": 20},
		{"id": 1, "mass1": 10, "mass2": 10, "f_lower": 25},
		{"id": 2, "mass1": 40, "mass2": 35, "f_lower": 25, "f_final": 512}
	]
}`

func TestLoadResolvesApproximants(t *testing.T) {
	b, err := Load(writeBank(t, "bank.json", validBank))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if b.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", b.Len())
	}

	// Entries come back sorted by id.
	for i, want := range []int64{1, 2, 3} {
		if b.Entries[i].ID != want {
			t.Fatalf("entry %d has id %d, want %d", i, b.Entries[i].ID, want)
		}
	}

	byID := map[int64]Approximant{}
	for _, e := range b.Entries {
		byID[e.ID] = e.Approximant
	}
	if byID[3] != ApproximantSPAtmplt {
		t.Errorf("2.8 Msun template resolved to %s, want SPAtmplt", byID[3])
	}
	if byID[1] != ApproximantTaylorF2 {
		t.Errorf("20 Msun template resolved to %s, want TaylorF2", byID[1])
	}
	if byID[2] != ApproximantIMRPhenomD {
		t.Errorf("75 Msun template resolved to %s, want IMRPhenomD", byID[2])
	}
}

func TestLoadRejectsBadBanks(t *testing.T) {
	cases := []struct {
		name    string
		file    string
		content string
	}{
		{"wrong extension", "bank.xml", validBank},
		{"malformed json", "bank.json", `{"templates": [`},
		{"no templates", "bank.json", `{"templates": []}`},
		{"duplicate id", "bank.json", `{"templates": [
			{"id": 1, "mass1": 1.4, "mass2": 1.4, "f_lower": 20},
			{"id": 1, "mass1": 2, "mass2": 2, "f_lower": 20}]}`},
		{"non-positive mass", "bank.json", `{"templates": [{"id": 1, "mass1": 0, "mass2": 1.4, "f_lower": 20}]}`},
		{"non-positive f_lower", "bank.json", `{"templates": [{"id": 1, "mass1": 1.4, "mass2": 1.4, "f_lower": 0}]}`},
		{"unknown approximant", "bank.json", `{"approximant_rules": ["Nonsense:else"],
			"templates": [{"id": 1, "mass1": 1.4, "mass2": 1.4, "f_lower": 20}]}`},
		{"else rule not last", "bank.json", `{"approximant_rules": ["TaylorF2:else", "SPAtmplt:mtotal<4"],
			"templates": [{"id": 1, "mass1": 1.4, "mass2": 1.4, "f_lower": 20}]}`},
		{"no matching rule", "bank.json", `{"approximant_rules": ["SPAtmplt:mtotal<4"],
			"templates": [{"id": 1, "mass1": 10, "mass2": 10, "f_lower": 20}]}`},
		{"bad condition parameter", "bank.json", `{"approximant_rules": ["SPAtmplt:spin<4", "TaylorF2:else"],
			"templates": [{"id": 1, "mass1": 1.4, "mass2": 1.4, "f_lower": 20}]}`},
		{"bad condition threshold", "bank.json", `{"approximant_rules": ["SPAtmplt:mtotal<low", "TaylorF2:else"],
			"templates": [{"id": 1, "mass1": 1.4, "mass2": 1.4, "f_lower": 20}]}`},
	}
	for _, c := range cases {
		if _, err := Load(writeBank(t, c.file, c.content)); err == nil {
			t.Errorf("%s: Load succeeded, want error", c.name)
		}
	}
}

func TestLoadDefaultsToTaylorF2(t *testing.T) {
	b, err := Load(writeBank(t, "bank.json", `{"templates": [{"id": 1, "mass1": 5, "mass2": 5, "f_lower": 20}]}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if b.Entries[0].Approximant != ApproximantTaylorF2 {
		t.Errorf("approximant = %s without rules, want TaylorF2", b.Entries[0].Approximant)
	}
}

func TestEntryDerivedQuantities(t *testing.T) {
	e := Entry{Mass1: 1.4, Mass2: 1.4, FLowerHz: 20}
	if got := e.TotalMass(); got != 2.8 {
		t.Errorf("TotalMass = %v, want 2.8", got)
	}
	// Equal masses: chirp mass = m * 2^{-1/5}.
	want := 1.4 * math.Pow(2, -0.2)
	if got := e.ChirpMass(); math.Abs(got-want) > 1e-12 {
		t.Errorf("ChirpMass = %v, want %v", got, want)
	}
	// Canonical binary neutron star chirps for minutes from 20 Hz.
	if d := e.DurationSec(); d < 100 || d > 250 {
		t.Errorf("DurationSec = %v, want O(150s)", d)
	}
	// ISCO for 2.8 Msun sits near 1570 Hz.
	if f := e.ISCOFrequencyHz(); f < 1400 || f > 1800 {
		t.Errorf("ISCOFrequencyHz = %v, want near 1570", f)
	}
	if got := e.EndFrequencyHz(); got != e.ISCOFrequencyHz() {
		t.Errorf("EndFrequencyHz = %v, want ISCO when f_final unset", got)
	}
	e.FFinalHz = 512
	if got := e.EndFrequencyHz(); got != 512 {
		t.Errorf("EndFrequencyHz = %v, want explicit 512", got)
	}
}

func TestSplitCoversBank(t *testing.T) {
	b := &Bank{Entries: make([]Entry, 10)}
	for i := range b.Entries {
		b.Entries[i].ID = int64(i + 1)
	}
	parts := b.Split(3)
	if len(parts) != 3 {
		t.Fatalf("Split(3) gave %d parts", len(parts))
	}
	total := 0
	var last int64
	for _, p := range parts {
		for _, e := range p {
			if e.ID <= last {
				t.Fatal("Split broke id order")
			}
			last = e.ID
			total++
		}
	}
	if total != 10 {
		t.Fatalf("Split covers %d entries, want 10", total)
	}

	// More parts than entries yields empty tails, never a panic.
	parts = b.Split(20)
	if len(parts) != 20 {
		t.Fatalf("Split(20) gave %d parts", len(parts))
	}
}

func TestBatchesBoundaries(t *testing.T) {
	b := &Bank{Entries: make([]Entry, 10)}
	batches := b.Batches(4)
	if len(batches) != 3 {
		t.Fatalf("Batches(4) over 10 entries gave %d batches, want 3", len(batches))
	}
	if len(batches[2]) != 2 {
		t.Errorf("last batch has %d entries, want 2", len(batches[2]))
	}
	if got := b.Batches(0); len(got) != 1 || len(got[0]) != 10 {
		t.Error("Batches(0) should return the whole bank as one batch")
	}
}
