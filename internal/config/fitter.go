package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
)

// DefaultConfigPath is the path to the canonical fitter defaults file.
const DefaultConfigPath = "config/fitter.defaults.json"

// Default values used when a field is absent from the JSON.
const (
	DefaultMass                 = 0.105658375523 // muon, GeV/c²
	DefaultQpForMs              = 1.0            // c/GeV, i.e. p = 1 GeV/c
	DefaultMaxExtrapolationStep = 50.0           // cm
	DefaultFieldMode            = "original"
)

// FitterConfig is the JSON configuration of the trajectory fitter. Every
// field is optional: the Get* methods fall back to the defaults above.
type FitterConfig struct {
	// Particle hypothesis. A PDG code, when set, overrides mass and
	// electron.
	Mass     *float64 `json:"mass,omitempty"`
	PDG      *int     `json:"pdg,omitempty"`
	Electron *bool    `json:"electron,omitempty"`

	// Fit switches
	SkipUnmeasuredCoordinates *bool    `json:"skip_unmeasured_coordinates,omitempty"`
	FixQpForMs                *bool    `json:"fix_qp_for_ms,omitempty"`
	DefaultQpForMs            *float64 `json:"default_qp_for_ms,omitempty"`
	DoSmooth                  *bool    `json:"do_smooth,omitempty"`

	// Propagation
	MaxExtrapolationStep *float64 `json:"max_extrapolation_step,omitempty"` // cm
	FieldMode            *string  `json:"field_mode,omitempty"`             // "original" or "interpolated"

	// Diagnostics
	Verbosity *int    `json:"verbosity,omitempty"`
	DebugTag  *string `json:"debug_tag,omitempty"`

	// Batch fitting; 0 means one worker per CPU.
	Workers *int `json:"workers,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyFitterConfig returns a FitterConfig with all fields set to nil.
func EmptyFitterConfig() *FitterConfig {
	return &FitterConfig{}
}

// DefaultFitterConfig returns a FitterConfig with every field set to its
// default value.
func DefaultFitterConfig() *FitterConfig {
	return &FitterConfig{
		Mass:                      ptrFloat64(DefaultMass),
		Electron:                  ptrBool(false),
		SkipUnmeasuredCoordinates: ptrBool(false),
		FixQpForMs:                ptrBool(false),
		DefaultQpForMs:            ptrFloat64(DefaultQpForMs),
		DoSmooth:                  ptrBool(true),
		MaxExtrapolationStep:      ptrFloat64(DefaultMaxExtrapolationStep),
		FieldMode:                 ptrString(DefaultFieldMode),
		Verbosity:                 ptrInt(0),
		DebugTag:                  ptrString(""),
		Workers:                   ptrInt(0),
	}
}

// LoadFitterConfig loads a FitterConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadFitterConfig(path string) (*FitterConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyFitterConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical fitter defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *FitterConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,          // from cmd/
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // deeper packages
		"../../../../" + DefaultConfigPath, // even deeper
	}
	for _, path := range candidates {
		if cfg, err := LoadFitterConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *FitterConfig) Validate() error {
	if c.Mass != nil {
		if !(*c.Mass > 0) || math.IsInf(*c.Mass, 0) {
			return fmt.Errorf("mass must be positive, got %g", *c.Mass)
		}
	}

	if c.DefaultQpForMs != nil {
		if math.IsNaN(*c.DefaultQpForMs) || math.IsInf(*c.DefaultQpForMs, 0) {
			return fmt.Errorf("default_qp_for_ms must be finite, got %g", *c.DefaultQpForMs)
		}
	}

	if c.MaxExtrapolationStep != nil {
		if !(*c.MaxExtrapolationStep > 0) {
			return fmt.Errorf("max_extrapolation_step must be positive, got %g", *c.MaxExtrapolationStep)
		}
	}

	if c.FieldMode != nil {
		switch *c.FieldMode {
		case "", "original", "interpolated":
		default:
			return fmt.Errorf("field_mode must be \"original\" or \"interpolated\", got %q", *c.FieldMode)
		}
	}

	if c.Verbosity != nil && *c.Verbosity < 0 {
		return fmt.Errorf("verbosity must be non-negative, got %d", *c.Verbosity)
	}

	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", *c.Workers)
	}

	return nil
}

// GetMass returns the mass value or the default.
func (c *FitterConfig) GetMass() float64 {
	if c.Mass == nil {
		return DefaultMass
	}
	return *c.Mass
}

// GetPDG returns the PDG code and whether one is configured.
func (c *FitterConfig) GetPDG() (int, bool) {
	if c.PDG == nil {
		return 0, false
	}
	return *c.PDG, true
}

// GetElectron returns the electron value or the default.
func (c *FitterConfig) GetElectron() bool {
	if c.Electron == nil {
		return false
	}
	return *c.Electron
}

// GetSkipUnmeasuredCoordinates returns the skip_unmeasured_coordinates value or the default.
func (c *FitterConfig) GetSkipUnmeasuredCoordinates() bool {
	if c.SkipUnmeasuredCoordinates == nil {
		return false
	}
	return *c.SkipUnmeasuredCoordinates
}

// GetFixQpForMs returns the fix_qp_for_ms value or the default.
func (c *FitterConfig) GetFixQpForMs() bool {
	if c.FixQpForMs == nil {
		return false
	}
	return *c.FixQpForMs
}

// GetDefaultQpForMs returns the default_qp_for_ms value or the default.
func (c *FitterConfig) GetDefaultQpForMs() float64 {
	if c.DefaultQpForMs == nil {
		return DefaultQpForMs
	}
	return *c.DefaultQpForMs
}

// GetDoSmooth returns the do_smooth value or the default.
func (c *FitterConfig) GetDoSmooth() bool {
	if c.DoSmooth == nil {
		return true
	}
	return *c.DoSmooth
}

// GetMaxExtrapolationStep returns the max_extrapolation_step value or the default.
func (c *FitterConfig) GetMaxExtrapolationStep() float64 {
	if c.MaxExtrapolationStep == nil {
		return DefaultMaxExtrapolationStep
	}
	return *c.MaxExtrapolationStep
}

// GetFieldMode returns the field_mode value or the default.
func (c *FitterConfig) GetFieldMode() string {
	if c.FieldMode == nil || *c.FieldMode == "" {
		return DefaultFieldMode
	}
	return *c.FieldMode
}

// GetVerbosity returns the verbosity value or the default.
func (c *FitterConfig) GetVerbosity() int {
	if c.Verbosity == nil {
		return 0
	}
	return *c.Verbosity
}

// GetDebugTag returns the debug_tag value or the default.
func (c *FitterConfig) GetDebugTag() string {
	if c.DebugTag == nil {
		return ""
	}
	return *c.DebugTag
}

// GetWorkers returns the number of batch workers, resolving 0 to the
// number of CPUs.
func (c *FitterConfig) GetWorkers() int {
	if c.Workers == nil || *c.Workers == 0 {
		return runtime.NumCPU()
	}
	return *c.Workers
}
