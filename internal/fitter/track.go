package fitter

import (
	"fmt"
	"sort"

	"github.com/banshee-data/kftrack/internal/geo"
)

// Hit is a reconstructed pixel hit of one detector.
type Hit struct {
	Detector geo.DetectorID `json:"detector"`
	Station  int            `json:"station"`
	Index    int            `json:"index"`
	Address  int            `json:"address"`

	X   float64 `json:"x"` // cm
	Y   float64 `json:"y"`
	Z   float64 `json:"z"`
	Dx  float64 `json:"dx"`
	Dy  float64 `json:"dy"`
	Dxy float64 `json:"dxy"` // cm²

	Time      float64 `json:"time"` // ns
	TimeError float64 `json:"time_error"`
}

// GlobalTrack is a track candidate spanning several detectors, as produced
// by the track finder.
type GlobalTrack struct {
	ID   int   `json:"id"`
	Hits []Hit `json:"hits"`
}

// detectorOrder is the order in which hit collections are read. A later
// hit on the same layer replaces an earlier one.
var detectorOrder = map[geo.DetectorID]int{
	geo.DetMvd:   0,
	geo.DetSts:   1,
	geo.DetMuch:  2,
	geo.DetTrd:   3,
	geo.DetTrd2D: 3,
	geo.DetTof:   4,
}

// CreateTrajectoryFromTrack builds a trajectory with one node per geometry
// layer and attaches the track's hits to the layers of their stations.
// Hits on stations unknown to the geometry are skipped. The nodes are
// ordered in z.
func (f *Fitter) CreateTrajectoryFromTrack(track GlobalTrack) (Trajectory, error) {
	nLayers := f.geo.LayerCount()
	t := Trajectory{Nodes: make([]TrajectoryNode, nLayers)}
	layerTime := make([]bool, nLayers)
	for i := 0; i < nLayers; i++ {
		l, err := f.geo.Layer(i)
		if err != nil {
			return Trajectory{}, err
		}
		layerTime[i] = l.ProvidesTime
		n := NewNode(l.ZRef)
		n.MaterialLayer = i
		t.Nodes[i] = n
	}

	hits := make([]Hit, len(track.Hits))
	copy(hits, track.Hits)
	for i, h := range hits {
		if _, ok := detectorOrder[h.Detector]; !ok {
			return Trajectory{}, fmt.Errorf("track %d hit %d: unsupported detector %s", track.ID, i, h.Detector)
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return detectorOrder[hits[i].Detector] < detectorOrder[hits[j].Detector]
	})

	for _, h := range hits {
		iLayer := f.geo.LocalToGlobal(h.Detector, h.Station)
		if iLayer < 0 || iLayer >= nLayers {
			continue
		}
		n := &t.Nodes[iLayer]
		n.Z = h.Z
		n.SetXY(h.X, h.Y, h.Dx, h.Dy, h.Dxy)
		n.SetTime(h.Time, h.TimeError)
		// the time is used only if both the detector and its station measure it
		n.IsTimeSet = h.Detector.ProvidesTime() && layerTime[iLayer]
		n.RadThick = 0
		n.IsRadThickFixed = false
		n.HitSystemID = h.Detector
		n.HitAddress = h.Address
		n.HitIndex = h.Index
	}

	t.OrderNodesInZ()
	return t, nil
}
