package bank

import (
	"fmt"
	"strconv"
	"strings"
)

// Approximant tags a template-evaluation strategy. The set is closed: rules
// naming anything else fail at load.
type Approximant string

const (
	// ApproximantTaylorF2 is the stationary-phase inspiral strategy.
	ApproximantTaylorF2 Approximant = "TaylorF2"
	// ApproximantSPAtmplt is the reduced-order stationary-phase strategy
	// used for low-mass templates where speed matters most.
	ApproximantSPAtmplt Approximant = "SPAtmplt"
	// ApproximantIMRPhenomD is the inspiral-merger-ringdown strategy for
	// high-mass templates that end inside the sensitive band.
	ApproximantIMRPhenomD Approximant = "IMRPhenomD"
)

var knownApproximants = map[Approximant]bool{
	ApproximantTaylorF2:   true,
	ApproximantSPAtmplt:   true,
	ApproximantIMRPhenomD: true,
}

// ruleParam is a template parameter a rule condition may reference.
type ruleParam string

const (
	paramTotalMass ruleParam = "mtotal"
	paramChirpMass ruleParam = "mchirp"
	paramMass1     ruleParam = "mass1"
	paramMass2     ruleParam = "mass2"
)

// rule is one parsed `NAME:cond` selector. A zero condition (else-rule)
// matches everything.
type rule struct {
	approximant Approximant
	param       ruleParam
	greater     bool // true: param > value, false: param < value
	value       float64
	always      bool // else-rule
}

func (r rule) matches(e *Entry) bool {
	if r.always {
		return true
	}
	var v float64
	switch r.param {
	case paramTotalMass:
		v = e.TotalMass()
	case paramChirpMass:
		v = e.ChirpMass()
	case paramMass1:
		v = e.Mass1
	case paramMass2:
		v = e.Mass2
	}
	if r.greater {
		return v > r.value
	}
	return v < r.value
}

// parseRules converts `NAME:cond` strings into the static rule table. A rule
// with no condition (bare name, or explicit `:else`) must come last and acts
// as the fallback. An empty rule list defaults to TaylorF2 for everything.
func parseRules(specs []string) ([]rule, error) {
	if len(specs) == 0 {
		return []rule{{approximant: ApproximantTaylorF2, always: true}}, nil
	}
	rules := make([]rule, 0, len(specs))
	for i, spec := range specs {
		name, cond, found := strings.Cut(spec, ":")
		appr := Approximant(strings.TrimSpace(name))
		if !knownApproximants[appr] {
			return nil, fmt.Errorf("approximant rule %q: unknown approximant %q", spec, name)
		}
		if !found || strings.TrimSpace(cond) == "else" || strings.TrimSpace(cond) == "" {
			if i != len(specs)-1 {
				return nil, fmt.Errorf("approximant rule %q: unconditional rule must be last", spec)
			}
			rules = append(rules, rule{approximant: appr, always: true})
			continue
		}
		r, err := parseCondition(appr, cond)
		if err != nil {
			return nil, fmt.Errorf("approximant rule %q: %w", spec, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func parseCondition(appr Approximant, cond string) (rule, error) {
	cond = strings.TrimSpace(cond)
	var op byte
	idx := strings.IndexAny(cond, "<>")
	if idx < 0 {
		return rule{}, fmt.Errorf("condition %q has no comparison operator", cond)
	}
	op = cond[idx]
	param := ruleParam(strings.TrimSpace(cond[:idx]))
	switch param {
	case paramTotalMass, paramChirpMass, paramMass1, paramMass2:
	default:
		return rule{}, fmt.Errorf("condition %q references unknown parameter %q", cond, param)
	}
	val, err := strconv.ParseFloat(strings.TrimSpace(cond[idx+1:]), 64)
	if err != nil {
		return rule{}, fmt.Errorf("condition %q has invalid threshold: %w", cond, err)
	}
	return rule{approximant: appr, param: param, greater: op == '>', value: val}, nil
}

// resolve returns the first matching rule's approximant for an entry.
func resolve(rules []rule, e *Entry) (Approximant, error) {
	for _, r := range rules {
		if r.matches(e) {
			return r.approximant, nil
		}
	}
	return "", fmt.Errorf("no approximant rule matches (mtotal=%.2f); add an else rule", e.TotalMass())
}
