// Package testutil provides shared test fixtures: detector setups, track
// candidates and JSON files.
//
// Fixtures are deterministic for a given seed so that tests comparing two
// fits of the same input stay reproducible.
package testutil

import (
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/banshee-data/kftrack/internal/fitter"
	"github.com/banshee-data/kftrack/internal/geo"
	"github.com/banshee-data/kftrack/internal/kf"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t testing.TB, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// TelescopeLayers returns n STS stations spaced dz apart from z0, each
// with uniform material x0 (in X0).
func TelescopeLayers(n int, z0, dz, x0 float64) []geo.Layer {
	layers := make([]geo.Layer, n)
	for i := range layers {
		z := z0 + float64(i)*dz
		layers[i] = geo.Layer{
			Detector:     geo.DetSts,
			Station:      i,
			ZRef:         z,
			ZMin:         z - 0.1,
			ZMax:         z + 0.1,
			XMax:         100,
			YMax:         100,
			ProvidesTime: true,
			Material:     geo.UniformMaterial(x0),
		}
	}
	return layers
}

// Telescope builds a setup from TelescopeLayers.
func Telescope(t testing.TB, n int, z0, dz, x0 float64) *geo.Setup {
	t.Helper()
	s, err := geo.NewSetup(TelescopeLayers(n, z0, dz, x0))
	AssertNoError(t, err)
	return s
}

// StraightTrack returns a track with one hit per station of layers along
// x = x0 + tx*z, y = y0 + ty*z, smeared by sigma (cm) when rng is set.
// Hit times follow a particle at the speed of light starting at t = 0.
func StraightTrack(id int, layers []geo.Layer, x0, y0, tx, ty, sigma float64, rng *rand.Rand) fitter.GlobalTrack {
	track := fitter.GlobalTrack{ID: id}
	for i, l := range layers {
		if l.Detector == geo.DetNone {
			continue
		}
		z := l.ZRef
		x := x0 + tx*z
		y := y0 + ty*z
		if rng != nil {
			x += sigma * rng.NormFloat64()
			y += sigma * rng.NormFloat64()
		}
		track.Hits = append(track.Hits, fitter.Hit{
			Detector:  l.Detector,
			Station:   l.Station,
			Index:     i,
			Address:   1000*int(l.Detector) + l.Station,
			X:         x,
			Y:         y,
			Z:         z,
			Dx:        0.01,
			Dy:        0.01,
			Time:      z * kf.SpeedOfLightInv,
			TimeError: 0.1,
		})
	}
	return track
}

// RandomTracks returns n smeared straight tracks with slopes within ±0.1.
func RandomTracks(n int, layers []geo.Layer, seed int64) []fitter.GlobalTrack {
	rng := rand.New(rand.NewSource(seed))
	tracks := make([]fitter.GlobalTrack, n)
	for i := range tracks {
		tx := 0.2*rng.Float64() - 0.1
		ty := 0.2*rng.Float64() - 0.1
		tracks[i] = StraightTrack(i, layers, rng.NormFloat64(), rng.NormFloat64(), tx, ty, 0.01, rng)
	}
	return tracks
}

// WriteJSON marshals v into dir/name and returns the path.
func WriteJSON(t testing.TB, dir, name string, v any) string {
	t.Helper()
	data, err := json.MarshalIndent(v, "", "  ")
	AssertNoError(t, err)
	path := filepath.Join(dir, name)
	AssertNoError(t, os.WriteFile(path, data, 0644))
	return path
}
