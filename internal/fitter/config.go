package fitter

import (
	"errors"
	"fmt"

	"github.com/banshee-data/kftrack/internal/config"
	"github.com/banshee-data/kftrack/internal/kf"
)

// ErrUnknownPDG is returned for a particle code without a mass entry.
var ErrUnknownPDG = errors.New("unknown PDG code")

// Config holds the fit switches and the particle hypothesis.
type Config struct {
	Mass     float64 // GeV/c²
	Electron bool

	// SkipUnmeasuredCoordinates leaves coordinates with ndf 0 out of the
	// fit instead of treating them as measurements.
	SkipUnmeasuredCoordinates bool

	// FixQpForMs evaluates multiple scattering at DefaultQpForMs and
	// disables the energy loss correction.
	FixQpForMs     bool
	DefaultQpForMs float64 // c/GeV

	DoSmooth bool

	MaxExtrapolationStep float64 // cm
	FieldMode            kf.FieldMode

	Verbosity int
	DebugTag  string
}

// DefaultConfig returns the muon hypothesis with smoothing enabled.
func DefaultConfig() Config {
	return Config{
		Mass:                 kf.MuonMass,
		DefaultQpForMs:       config.DefaultQpForMs,
		DoSmooth:             true,
		MaxExtrapolationStep: kf.DefaultMaxExtrapolationStep,
		FieldMode:            kf.FieldOriginal,
	}
}

// ConfigFrom converts a loaded fitter configuration. A PDG code, when
// present, sets both the mass and the electron flag.
func ConfigFrom(c *config.FitterConfig) (Config, error) {
	if c == nil {
		return DefaultConfig(), nil
	}
	mode, err := kf.ParseFieldMode(c.GetFieldMode())
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Mass:                      c.GetMass(),
		Electron:                  c.GetElectron(),
		SkipUnmeasuredCoordinates: c.GetSkipUnmeasuredCoordinates(),
		FixQpForMs:                c.GetFixQpForMs(),
		DefaultQpForMs:            c.GetDefaultQpForMs(),
		DoSmooth:                  c.GetDoSmooth(),
		MaxExtrapolationStep:      c.GetMaxExtrapolationStep(),
		FieldMode:                 mode,
		Verbosity:                 c.GetVerbosity(),
		DebugTag:                  c.GetDebugTag(),
	}
	if pdg, ok := c.GetPDG(); ok {
		m, e, err := MassForPDG(pdg)
		if err != nil {
			return Config{}, err
		}
		cfg.Mass, cfg.Electron = m, e
	}
	return cfg, nil
}

// MassForPDG returns the mass of a particle and whether it is an electron.
// The sign of the code is ignored.
func MassForPDG(pdg int) (mass float64, electron bool, err error) {
	if pdg < 0 {
		pdg = -pdg
	}
	switch pdg {
	case 11:
		return kf.ElectronMass, true, nil
	case 13:
		return kf.MuonMass, false, nil
	case 211:
		return kf.PionMass, false, nil
	case 321:
		return kf.KaonMass, false, nil
	case 2212:
		return kf.ProtonMass, false, nil
	}
	return 0, false, fmt.Errorf("%w: %d", ErrUnknownPDG, pdg)
}

func (c Config) validate() error {
	if !(c.Mass >= 0) {
		return fmt.Errorf("mass must be non-negative, got %g", c.Mass)
	}
	if !(c.MaxExtrapolationStep > 0) {
		return fmt.Errorf("max extrapolation step must be positive, got %g", c.MaxExtrapolationStep)
	}
	return nil
}
