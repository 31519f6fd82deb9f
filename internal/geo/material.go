package geo

import (
	"fmt"
	"math"
)

// MaterialMap is a square map of radiation thickness (in units of X0) over
// the transverse plane of one layer. Bins cover [-XYMax, XYMax] in both x
// and y; positions outside are clamped to the border bins.
type MaterialMap struct {
	XYMax float64   `json:"xy_max"` // cm
	NBins int       `json:"n_bins"`
	X0    []float64 `json:"x0"` // row-major, index iy*NBins+ix
}

// UniformMaterial returns a single-bin map of constant thickness.
func UniformMaterial(x0 float64) MaterialMap {
	return MaterialMap{XYMax: 1, NBins: 1, X0: []float64{x0}}
}

// Validate checks the map dimensions and values.
func (m MaterialMap) Validate() error {
	if m.NBins == 0 && len(m.X0) == 0 {
		return nil
	}
	if m.NBins <= 0 {
		return fmt.Errorf("n_bins must be positive, got %d", m.NBins)
	}
	if !(m.XYMax > 0) || math.IsInf(m.XYMax, 0) {
		return fmt.Errorf("xy_max must be positive, got %g", m.XYMax)
	}
	if len(m.X0) != m.NBins*m.NBins {
		return fmt.Errorf("x0 has %d values, want %d", len(m.X0), m.NBins*m.NBins)
	}
	for i, v := range m.X0 {
		if !(v >= 0) || math.IsInf(v, 0) {
			return fmt.Errorf("x0[%d] must be finite and non-negative, got %g", i, v)
		}
	}
	return nil
}

// ThicknessX0 returns the radiation thickness at (x, y). An empty map has
// no material.
func (m MaterialMap) ThicknessX0(x, y float64) float64 {
	if m.NBins <= 0 || len(m.X0) < m.NBins*m.NBins {
		return 0
	}
	ix := m.bin(x)
	iy := m.bin(y)
	return m.X0[iy*m.NBins+ix]
}

func (m MaterialMap) bin(v float64) int {
	f := float64(m.NBins) / (2 * m.XYMax)
	b := math.Floor((v + m.XYMax) * f)
	switch {
	case !(b >= 0): // also NaN
		return 0
	case b >= float64(m.NBins):
		return m.NBins - 1
	}
	return int(b)
}

// Mean returns the average thickness over all bins.
func (m MaterialMap) Mean() float64 {
	if len(m.X0) == 0 {
		return 0
	}
	s := 0.
	for _, v := range m.X0 {
		s += v
	}
	return s / float64(len(m.X0))
}
