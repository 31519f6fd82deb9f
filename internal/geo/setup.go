package geo

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/banshee-data/kftrack/internal/kf"
)

// ErrLayerOutOfRange is returned for a layer index outside the setup.
var ErrLayerOutOfRange = errors.New("layer index out of range")

// Geometry is the read-only view of the detector used by the fitter. It is
// shared between goroutines and must not be mutated after construction.
type Geometry interface {
	LayerCount() int
	Layer(i int) (Layer, error)
	// RadThicknessX0 returns the material of layer i at (x, y), in units
	// of the radiation length. Unknown layers have no material.
	RadThicknessX0(i int, x, y float64) float64
	// LocalToGlobal maps a detector station to a layer index, or -1.
	LocalToGlobal(det DetectorID, station int) int
}

// Layer is one tracking station or passive material layer. Passive layers
// use DetNone and are not reachable through the index map.
type Layer struct {
	Detector     DetectorID  `json:"detector"`
	Station      int         `json:"station"`
	ZRef         float64     `json:"z_ref"` // cm
	ZMin         float64     `json:"z_min"`
	ZMax         float64     `json:"z_max"`
	XMax         float64     `json:"x_max"`
	YMax         float64     `json:"y_max"`
	ProvidesTime bool        `json:"provides_time"`
	Material     MaterialMap `json:"material"`
}

// Validate checks the layer bounds and material.
func (l Layer) Validate() error {
	for _, v := range []float64{l.ZRef, l.ZMin, l.ZMax, l.XMax, l.YMax} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("layer %s/%d: non-finite dimension", l.Detector, l.Station)
		}
	}
	if l.ZMin > l.ZRef || l.ZRef > l.ZMax {
		return fmt.Errorf("layer %s/%d: z_ref %g outside [%g, %g]", l.Detector, l.Station, l.ZRef, l.ZMin, l.ZMax)
	}
	if l.XMax < 0 || l.YMax < 0 {
		return fmt.Errorf("layer %s/%d: negative transverse size", l.Detector, l.Station)
	}
	if l.Detector != DetNone && l.Station < 0 {
		return fmt.Errorf("layer %s: negative station %d", l.Detector, l.Station)
	}
	if err := l.Material.Validate(); err != nil {
		return fmt.Errorf("layer %s/%d material: %w", l.Detector, l.Station, err)
	}
	return nil
}

type stationKey struct {
	det     DetectorID
	station int
}

// IndexMap maps detector stations to global layer indices.
type IndexMap struct {
	toGlobal map[stationKey]int
	toLocal  []stationKey
}

// LocalToGlobal returns the layer index of a detector station, or -1.
func (m *IndexMap) LocalToGlobal(det DetectorID, station int) int {
	i, ok := m.toGlobal[stationKey{det.TrackingDetector(), station}]
	if !ok {
		return -1
	}
	return i
}

// GlobalToLocal returns the detector station of layer i. Passive layers
// return DetNone.
func (m *IndexMap) GlobalToLocal(i int) (DetectorID, int) {
	if i < 0 || i >= len(m.toLocal) {
		return DetNone, -1
	}
	k := m.toLocal[i]
	return k.det, k.station
}

// Setup is the in-memory detector description: layers ordered in z, the
// station index map and the magnetic field.
type Setup struct {
	layers []Layer
	index  IndexMap
	field  kf.Field
}

var _ Geometry = (*Setup)(nil)

// NewSetup validates the layers and orders them by ZRef. The field is
// kf.ZeroField until SetField is called.
func NewSetup(layers []Layer) (*Setup, error) {
	sorted := make([]Layer, len(layers))
	copy(sorted, layers)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ZRef < sorted[j].ZRef })

	s := &Setup{
		layers: sorted,
		index: IndexMap{
			toGlobal: make(map[stationKey]int, len(sorted)),
			toLocal:  make([]stationKey, len(sorted)),
		},
		field: kf.ZeroField,
	}
	for i, l := range sorted {
		if err := l.Validate(); err != nil {
			return nil, err
		}
		if l.Detector == DetTrd2D {
			return nil, fmt.Errorf("layer %d: use detector %q for TRD stations", i, DetTrd)
		}
		if l.Detector == DetNone {
			s.index.toLocal[i] = stationKey{DetNone, -1}
			continue
		}
		k := stationKey{l.Detector, l.Station}
		if prev, dup := s.index.toGlobal[k]; dup {
			return nil, fmt.Errorf("duplicate station %s/%d in layers %d and %d", l.Detector, l.Station, prev, i)
		}
		s.index.toGlobal[k] = i
		s.index.toLocal[i] = k
	}
	return s, nil
}

// SetField replaces the magnetic field. A nil field means no field.
func (s *Setup) SetField(f kf.Field) {
	if f == nil {
		f = kf.ZeroField
	}
	s.field = f
}

// Field returns the magnetic field of the setup.
func (s *Setup) Field() kf.Field { return s.field }

// IndexMap returns the station index map.
func (s *Setup) IndexMap() *IndexMap { return &s.index }

// LayerCount returns the number of layers.
func (s *Setup) LayerCount() int { return len(s.layers) }

// Layer returns layer i.
func (s *Setup) Layer(i int) (Layer, error) {
	if i < 0 || i >= len(s.layers) {
		return Layer{}, fmt.Errorf("%w: %d of %d", ErrLayerOutOfRange, i, len(s.layers))
	}
	return s.layers[i], nil
}

// RadThicknessX0 returns the material of layer i at (x, y).
func (s *Setup) RadThicknessX0(i int, x, y float64) float64 {
	if i < 0 || i >= len(s.layers) {
		return 0
	}
	return s.layers[i].Material.ThicknessX0(x, y)
}

// LocalToGlobal maps a detector station to its layer index, or -1.
func (s *Setup) LocalToGlobal(det DetectorID, station int) int {
	return s.index.LocalToGlobal(det, station)
}

// setupFile is the JSON layout read by LoadSetup.
type setupFile struct {
	Layers []Layer `json:"layers"`
	// Field is a uniform field (Bx, By, Bz) in kG; omitted means no field.
	Field *[3]float64 `json:"field,omitempty"`
}

// LoadSetup reads a detector setup from a JSON file.
func LoadSetup(path string) (*Setup, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("setup file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat setup file: %w", err)
	}
	const maxFileSize = 16 * 1024 * 1024 // material maps can be large
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("setup file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read setup file: %w", err)
	}

	var sf setupFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("failed to parse setup JSON: %w", err)
	}
	if len(sf.Layers) == 0 {
		return nil, fmt.Errorf("setup %s has no layers", cleanPath)
	}

	s, err := NewSetup(sf.Layers)
	if err != nil {
		return nil, fmt.Errorf("invalid setup: %w", err)
	}
	if sf.Field != nil {
		b := *sf.Field
		s.SetField(kf.UniformField{Bx: b[0], By: b[1], Bz: b[2]})
	}
	return s, nil
}
