package strain

import (
	"fmt"
	"math"
	"time"
)

// speedOfLight in metres per second.
const speedOfLight = 299792458.0

// Site holds the geocentric position of a detector vertex in metres.
type Site struct {
	Name string
	X, Y, Z float64
}

// Standard ground-based detector sites. Geocentric vertex coordinates.
var sites = map[string]Site{
	"H1": {Name: "H1", X: -2.16141492636e6, Y: -3.83469517889e6, Z: 4.60035022664e6},
	"L1": {Name: "L1", X: -74276.0447238, Y: -5.49628371971e6, Z: 3.22425701744e6},
	"V1": {Name: "V1", X: 4.54637409900e6, Y: 842989.697626, Z: 4.37857696241e6},
	"K1": {Name: "K1", X: -3777336.024, Y: 3484898.411, Z: 3765313.697},
}

// KnownDetector reports whether name is a recognised detector.
func KnownDetector(name string) bool {
	_, ok := sites[name]
	return ok
}

// LightTravelTime returns the light travel time between two detector sites.
// Both detectors must be known; use KnownDetector to validate configuration
// before entering the pipeline.
func LightTravelTime(a, b string) (time.Duration, error) {
	sa, ok := sites[a]
	if !ok {
		return 0, fmt.Errorf("unknown detector %q", a)
	}
	sb, ok := sites[b]
	if !ok {
		return 0, fmt.Errorf("unknown detector %q", b)
	}
	dx := sa.X - sb.X
	dy := sa.Y - sb.Y
	dz := sa.Z - sb.Z
	d := math.Sqrt(dx*dx + dy*dy + dz*dz)
	return time.Duration(d / speedOfLight * float64(time.Second)), nil
}

// MaxLightTravelTime returns the largest pairwise light travel time among the
// given detectors. With fewer than two detectors it returns zero.
func MaxLightTravelTime(dets []string) (time.Duration, error) {
	var max time.Duration
	for i := 0; i < len(dets); i++ {
		for j := i + 1; j < len(dets); j++ {
			ltt, err := LightTravelTime(dets[i], dets[j])
			if err != nil {
				return 0, err
			}
			if ltt > max {
				max = ltt
			}
		}
	}
	return max, nil
}
