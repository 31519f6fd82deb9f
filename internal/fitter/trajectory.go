package fitter

import (
	"sort"

	"github.com/banshee-data/kftrack/internal/geo"
	"github.com/banshee-data/kftrack/internal/kf"
)

// TrajectoryNode is one layer crossing of a track. ParamUp is the fitted
// state on the upstream side of the layer material and ParamDn the state
// on the downstream side; without material they coincide.
type TrajectoryNode struct {
	Z float64 // cm

	Mxy       kf.MeasurementXy
	Mt        kf.MeasurementTime
	IsXySet   bool
	IsTimeSet bool

	// MaterialLayer indexes the geometry; -1 means no material.
	MaterialLayer   int
	RadThick        float64 // X0
	IsRadThickFixed bool

	ParamDn  kf.TrackParam
	ParamUp  kf.TrackParam
	IsFitted bool

	HitSystemID geo.DetectorID
	HitAddress  int
	HitIndex    int
}

// NewNode returns an unmeasured node at z without material.
func NewNode(z float64) TrajectoryNode {
	return TrajectoryNode{
		Z:             z,
		MaterialLayer: -1,
		HitSystemID:   geo.DetNone,
		HitAddress:    -1,
		HitIndex:      -1,
	}
}

// SetXY attaches a position measurement with errors dx, dy (cm) and
// covariance dxy (cm²). Both coordinates count as measured.
func (n *TrajectoryNode) SetXY(x, y, dx, dy, dxy float64) {
	n.Mxy = kf.MeasurementXy{X: x, Y: y, Dx2: dx * dx, Dy2: dy * dy, Dxy: dxy, NdfX: 1, NdfY: 1}
	n.IsXySet = true
}

// SetTime attaches a time measurement with error dt (ns).
func (n *TrajectoryNode) SetTime(t, dt float64) {
	n.Mt = kf.MeasurementTime{T: t, Dt2: dt * dt, NdfT: 1}
	n.IsTimeSet = true
}

// hasTime reports whether the node's time measurement takes part in the fit.
func (n *TrajectoryNode) hasTime() bool {
	return n.IsTimeSet && n.Mt.NdfT > 0
}

// Trajectory is an ordered sequence of nodes of one track candidate.
type Trajectory struct {
	Nodes    []TrajectoryNode
	IsFitted bool
}

// OrderNodesInZ sorts the nodes by z, keeping the relative order of nodes
// at the same z.
func (t *Trajectory) OrderNodesInZ() {
	sort.SliceStable(t.Nodes, func(i, j int) bool { return t.Nodes[i].Z < t.Nodes[j].Z })
}

// IsOrderedInZ reports whether the nodes are in non-decreasing z.
func (t *Trajectory) IsOrderedInZ() bool {
	for i := 1; i < len(t.Nodes); i++ {
		if t.Nodes[i].Z < t.Nodes[i-1].Z {
			return false
		}
	}
	return true
}

// HitRange returns the indices of the first and the last node with a
// position measurement, or -1, -1 when there is none.
func (t *Trajectory) HitRange() (first, last int) {
	first, last = -1, -1
	for i := range t.Nodes {
		if !t.Nodes[i].IsXySet {
			continue
		}
		if first < 0 {
			first = i
		}
		last = i
	}
	return first, last
}

// FirstHitNode returns the first measured node, or nil.
func (t *Trajectory) FirstHitNode() *TrajectoryNode {
	first, _ := t.HitRange()
	if first < 0 {
		return nil
	}
	return &t.Nodes[first]
}

// LastHitNode returns the last measured node, or nil.
func (t *Trajectory) LastHitNode() *TrajectoryNode {
	_, last := t.HitRange()
	if last < 0 {
		return nil
	}
	return &t.Nodes[last]
}

// NHits returns the number of nodes with a position measurement.
func (t *Trajectory) NHits() int {
	n := 0
	for i := range t.Nodes {
		if t.Nodes[i].IsXySet {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of the trajectory.
func (t *Trajectory) Clone() Trajectory {
	c := Trajectory{IsFitted: t.IsFitted}
	c.Nodes = append([]TrajectoryNode(nil), t.Nodes...)
	return c
}
