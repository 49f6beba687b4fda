package bank

import (
	"math"
	"math/cmplx"
)

// FrequencySeries evaluates the template's frequency-domain waveform on a
// one-sided grid of the given resolution, normalized to a source at 1 Mpc.
// Dispatch is by the approximant tag resolved at bank load; there is no
// per-call rule evaluation.
//
// The engine downstream treats the result as a black-box kernel: it only
// correlates, whitens, and normalizes it.
func (e *Entry) FrequencySeries(deltaF float64, bins int) []complex128 {
	switch e.Approximant {
	case ApproximantSPAtmplt:
		return e.stationaryPhase(deltaF, bins, 0)
	case ApproximantIMRPhenomD:
		return e.phenomenological(deltaF, bins)
	default:
		return e.stationaryPhase(deltaF, bins, 1)
	}
}

const megaparsecM = 3.0856775814913673e22

// stationaryPhase evaluates the inspiral-only waveform. phaseOrder 0 keeps
// the leading Newtonian phase term only (the cheap variant); order 1 adds
// the first post-Newtonian correction.
func (e *Entry) stationaryPhase(deltaF float64, bins int, phaseOrder int) []complex128 {
	mc := e.ChirpMass() * solarMassKg
	mt := e.TotalMass() * solarMassKg
	eta := e.Mass1 * e.Mass2 / (e.TotalMass() * e.TotalMass())
	gmc := gravConst * mc / (speedOfLight * speedOfLight * speedOfLight)
	gmt := gravConst * mt / (speedOfLight * speedOfLight * speedOfLight)

	amp := math.Sqrt(5.0/24.0) * math.Pow(math.Pi, -2.0/3.0) *
		math.Pow(gmc, 5.0/6.0) * speedOfLight / megaparsecM

	fEnd := e.EndFrequencyHz()
	h := make([]complex128, bins)
	kmin := int(math.Ceil(e.FLowerHz / deltaF))
	if kmin < 1 {
		kmin = 1
	}
	for k := kmin; k < bins; k++ {
		f := float64(k) * deltaF
		if f > fEnd {
			break
		}
		v := math.Pow(math.Pi*gmt*f, 1.0/3.0) // PN expansion parameter
		psi := 3.0 / (128.0 * eta) * math.Pow(v, -5)
		if phaseOrder >= 1 {
			psi *= 1 + v*v*20.0/9.0*(743.0/336.0+11.0/4.0*eta)
		}
		a := amp * math.Pow(f, -7.0/6.0)
		h[k] = complex(a, 0) * cmplx.Exp(complex(0, psi))
	}
	return h
}

// phenomenological evaluates an inspiral-merger-ringdown shaped kernel:
// inspiral amplitude up to the end frequency, then an exponential ringdown
// tail. Used for high-mass templates whose merger falls in band.
func (e *Entry) phenomenological(deltaF float64, bins int) []complex128 {
	h := e.stationaryPhase(deltaF, bins, 1)

	fEnd := e.EndFrequencyHz()
	kEnd := int(fEnd / deltaF)
	if kEnd < 1 || kEnd >= bins {
		return h
	}

	// Ringdown tail: amplitude decays over a bandwidth scaling with the
	// end frequency, phase continued linearly from the last inspiral bin.
	aEnd := cmplx.Abs(h[kEnd-1])
	phaseEnd := cmplx.Phase(h[kEnd-1])
	width := fEnd / 10
	for k := kEnd; k < bins; k++ {
		f := float64(k) * deltaF
		decay := math.Exp(-(f - fEnd) / width)
		if decay < 1e-8 {
			break
		}
		h[k] = cmplx.Rect(aEnd*decay, phaseEnd)
	}
	return h
}
