package fitter

import (
	"math"

	"github.com/banshee-data/kftrack/internal/kf"
)

// Linearization is the expansion point of the material corrections at one
// node, on both sides of the layer.
type Linearization struct {
	Dn kf.TrackParam
	Up kf.TrackParam
}

// seedStraightLines fills lin[first..last] from straight segments joining
// consecutive measured nodes. At a measured node between two segments Up
// takes the incoming segment and Dn the outgoing one. Each coordinate is
// seeded from the nodes that measure it; with skip set a coordinate with
// ndf 0 is not a measurement.
func seedStraightLines(nodes []TrajectoryNode, lin []Linearization, first, last int, skip bool) {
	for i := first; i <= last; i++ {
		lin[i].Dn = kf.TrackParam{Z: nodes[i].Z, Vi: kf.SpeedOfLightInv}
		lin[i].Up = lin[i].Dn
	}

	seedCoordinate(nodes, lin, first, last,
		func(n *TrajectoryNode) (float64, bool) {
			return n.Mxy.X, n.IsXySet && (!skip || n.Mxy.NdfX > 0)
		},
		func(p *kf.TrackParam, v, slope float64) { p.X, p.Tx = v, slope })

	seedCoordinate(nodes, lin, first, last,
		func(n *TrajectoryNode) (float64, bool) {
			return n.Mxy.Y, n.IsXySet && (!skip || n.Mxy.NdfY > 0)
		},
		func(p *kf.TrackParam, v, slope float64) { p.Y, p.Ty = v, slope })
}

// seedCoordinate seeds one coordinate and its slope. With a single
// measurement the line is parallel to z; without any it stays at zero.
func seedCoordinate(
	nodes []TrajectoryNode, lin []Linearization, first, last int,
	measurement func(*TrajectoryNode) (float64, bool),
	set func(p *kf.TrackParam, v, slope float64),
) {
	var pts []int
	for i := first; i <= last; i++ {
		if _, ok := measurement(&nodes[i]); ok {
			pts = append(pts, i)
		}
	}
	if len(pts) == 0 {
		return
	}

	// segment k joins pts[k] and pts[k+1]
	segment := func(k int, z float64) (float64, float64) {
		n1 := &nodes[pts[k]]
		v1, _ := measurement(n1)
		if len(pts) == 1 {
			return v1, 0
		}
		n2 := &nodes[pts[k+1]]
		v2, _ := measurement(n2)
		dz := n2.Z - n1.Z
		dzi := 0.
		if math.Abs(dz) > 1e-4 {
			dzi = 1 / dz
		}
		slope := (v2 - v1) * dzi
		return v1 + slope*(z-n1.Z), slope
	}

	k := 0
	for i := first; i <= last; i++ {
		for k+1 < len(pts)-1 && pts[k+1] <= i {
			k++
		}
		dn, up := k, k
		if up > 0 && pts[up] == i {
			up--
		}
		v, s := segment(dn, nodes[i].Z)
		set(&lin[i].Dn, v, s)
		v, s = segment(up, nodes[i].Z)
		set(&lin[i].Up, v, s)
	}
}
