// Package units provides shared physical constants and conversions for
// sensitive distance and false-alarm rates.
package units

// Physical constants (SI).
const (
	// SpeedOfLight is c in m/s.
	SpeedOfLight = 299792458.0

	// GravitationalConstant is G in m^3 kg^-1 s^-2.
	GravitationalConstant = 6.67430e-11

	// SolarMassKg is one solar mass in kg.
	SolarMassKg = 1.98892e30

	// MetersPerMegaparsec converts Mpc to meters.
	MetersPerMegaparsec = 3.0856775814913673e22

	// SecondsPerYear uses the Julian year, the convention IFAR is quoted in.
	SecondsPerYear = 365.25 * 24 * 3600
)

// SolarMassSeconds is GM/c^3 for one solar mass: the natural time unit of
// compact-binary waveforms.
const SolarMassSeconds = GravitationalConstant * SolarMassKg /
	(SpeedOfLight * SpeedOfLight * SpeedOfLight)

// MpcToMeters converts megaparsecs to meters.
func MpcToMeters(mpc float64) float64 { return mpc * MetersPerMegaparsec }

// MetersToMpc converts meters to megaparsecs.
func MetersToMpc(m float64) float64 { return m / MetersPerMegaparsec }

// RatePerSecToIFARYears converts an event rate in Hz to inverse false-alarm
// rate in years. A zero or negative rate returns 0.
func RatePerSecToIFARYears(ratePerSec float64) float64 {
	if ratePerSec <= 0 {
		return 0
	}
	return 1 / ratePerSec / SecondsPerYear
}

// IFARYearsToRatePerSec converts an IFAR in years back to a rate in Hz.
// A zero or negative IFAR returns 0.
func IFARYearsToRatePerSec(ifarYears float64) float64 {
	if ifarYears <= 0 {
		return 0
	}
	return 1 / (ifarYears * SecondsPerYear)
}
