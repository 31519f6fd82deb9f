package kf

import "math"

// Physical constants.
const (
	SpeedOfLight    = 29.9792458       // cm/ns
	SpeedOfLightInv = 1 / SpeedOfLight // ns/cm

	ElectronMass = 0.0005109989500015 // GeV/c²
	MuonMass     = 0.105658375523     // GeV/c²
	PionMass     = 0.1395703918       // GeV/c²
	KaonMass     = 0.493677           // GeV/c²
	ProtonMass   = 0.938272088        // GeV/c²
)

// Numerical constants, not user-tunable.
const (
	// MinFieldSq is the squared field magnitude (kG²) at or below which a
	// field value is treated as zero.
	MinFieldSq = 1e-8

	// DefaultMaxExtrapolationStep limits a single Runge-Kutta step (cm).
	DefaultMaxExtrapolationStep = 50.

	// zTolerance is the distance (cm) at which an extrapolation is done.
	zTolerance = 1e-6
)

// FitDirection is the direction of the fit along z.
type FitDirection int

const (
	Downstream FitDirection = iota // increasing z
	Upstream                       // decreasing z
)

// String implements fmt.Stringer.
func (d FitDirection) String() string {
	if d == Upstream {
		return "upstream"
	}
	return "downstream"
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
