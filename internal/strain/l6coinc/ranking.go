// Package l6coinc forms multi-detector coincidences from single-detector
// triggers, maintains the time-slide background ensemble, and assigns
// inverse false-alarm rates to foreground candidates.
package l6coinc

import (
	"math"
	"sort"

	"github.com/banshee-data/strain.report/internal/strain"
)

// RankingMethod combines participating triggers' individual statistics into
// one network statistic. The exact combination is empirically tuned, so it
// sits behind this interface rather than being hard-coded into the
// coincidence logic.
type RankingMethod interface {
	Name() string
	Combine(trigs []strain.Trigger) float64
}

// CappedNetworkRanking is the default method: a quadrature sum in which the
// loudest detector's contribution is capped at a multiple of the
// second-loudest. A glitch that is loud in one detector and marginal in the
// others gains little; genuine signals, which load every detector in
// proportion to its sensitivity, are rewarded.
type CappedNetworkRanking struct {
	// Cap is the maximum ratio of loudest to second-loudest contribution.
	// Zero means the default of 2.
	Cap float64
}

// Name implements RankingMethod.
func (r CappedNetworkRanking) Name() string { return "capped-network" }

// Combine implements RankingMethod.
func (r CappedNetworkRanking) Combine(trigs []strain.Trigger) float64 {
	cap := r.Cap
	if cap <= 0 {
		cap = 2
	}
	if len(trigs) == 0 {
		return 0
	}
	if len(trigs) == 1 {
		return trigs[0].NewSNR
	}
	stats := make([]float64, len(trigs))
	for i, t := range trigs {
		stats[i] = t.NewSNR
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(stats)))
	if stats[0] > cap*stats[1] {
		stats[0] = cap * stats[1]
	}
	var sum float64
	for _, s := range stats {
		sum += s * s
	}
	return math.Sqrt(sum)
}
