// Package fitter fits track trajectories through a layered detector with a
// Kalman filter and smoother.
package fitter

import (
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/kftrack/internal/geo"
	"github.com/banshee-data/kftrack/internal/kf"
	"github.com/banshee-data/kftrack/internal/monitoring"
)

// ErrNoGeometry is returned by New without a geometry.
var ErrNoGeometry = errors.New("fitter: geometry is not set")

// Initial errors of the state when the fit starts at a measurement.
const (
	initVarSlope      = 100.  // tx, ty
	initVarQp         = 10.   // (c/GeV)²
	initVarTime       = 1e4   // ns²
	initVarVi         = 1e2   // (ns/cm)²
	initVarUnmeasured = 1e4   // cm², unmeasured x or y
	initMinP          = 0.5   // GeV/c, lower momentum bound for vi
	chi2MismatchLimit = 1e-1  // forward/backward chi2 difference reported
	zMismatchLimit    = 1e-10 // cm
)

// Fitter fits trajectories against one geometry and field. It keeps
// scratch state between calls and is not safe for concurrent use: give
// each goroutine its own Fitter. The geometry and field are shared.
type Fitter struct {
	cfg   Config
	geo   geo.Geometry
	field kf.Field
	fit   *kf.TrackKalmanFilter
}

// New returns a fitter. A nil field means no magnetic field.
func New(cfg Config, g geo.Geometry, field kf.Field) (*Fitter, error) {
	if g == nil {
		return nil, ErrNoGeometry
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid fitter config: %w", err)
	}
	if field == nil {
		field = kf.ZeroField
	}
	return &Fitter{
		cfg:   cfg,
		geo:   g,
		field: field,
		fit:   kf.NewTrackKalmanFilter(),
	}, nil
}

// Config returns the current configuration.
func (f *Fitter) Config() Config { return f.cfg }

// Geometry returns the geometry the fitter was built with.
func (f *Fitter) Geometry() geo.Geometry { return f.geo }

// SetParticleHypothesis sets the mass and the electron flag from a PDG code.
func (f *Fitter) SetParticleHypothesis(pdg int) error {
	m, e, err := MassForPDG(pdg)
	if err != nil {
		return err
	}
	f.cfg.Mass = m
	f.cfg.Electron = e
	return nil
}

// SetMassHypothesis sets the particle mass (GeV/c²).
func (f *Fitter) SetMassHypothesis(mass float64) error {
	if !(mass >= 0) {
		return fmt.Errorf("mass must be non-negative, got %g", mass)
	}
	f.cfg.Mass = mass
	return nil
}

// SetElectronFlag enables the electron energy loss regime.
func (f *Fitter) SetElectronFlag(electron bool) { f.cfg.Electron = electron }

// SetSkipUnmeasuredCoordinates controls whether coordinates with ndf 0 are
// left out of the fit.
func (f *Fitter) SetSkipUnmeasuredCoordinates(skip bool) { f.cfg.SkipUnmeasuredCoordinates = skip }

// FixMomentumForMs evaluates multiple scattering at a fixed qp and turns
// the energy loss correction off. fix = false restores the fitted qp.
func (f *Fitter) FixMomentumForMs(fix bool, qp float64) {
	f.cfg.FixQpForMs = fix
	if fix {
		f.cfg.DefaultQpForMs = qp
	}
}

// SetDoSmooth enables the smoothing of the backward pass.
func (f *Fitter) SetDoSmooth(smooth bool) { f.cfg.DoSmooth = smooth }

// SetDebugInfo sets the tag that prefixes the fitter's log messages.
func (f *Fitter) SetDebugInfo(tag string) { f.cfg.DebugTag = tag }

// SetVerbosity sets the level of per-node debug output.
func (f *Fitter) SetVerbosity(level int) { f.cfg.Verbosity = level }

func (f *Fitter) prefix() string {
	if f.cfg.DebugTag == "" {
		return "fitter: "
	}
	return "fitter " + f.cfg.DebugTag + ": "
}

func (f *Fitter) printNode(pass string, i int) {
	if f.cfg.Verbosity <= 0 {
		return
	}
	tr := f.fit.Tr()
	monitoring.Logf("%sfit %s: node %d chi2 %g x %g y %g z %g tx %g ty %g",
		f.prefix(), pass, i, tr.ChiSq, tr.X, tr.Y, tr.Z, tr.Tx, tr.Ty)
}

// extrapolate moves the filter state to z. In the original field mode the
// region wraps the field and is built once per fit.
func (f *Fitter) extrapolate(z float64, region *kf.FieldRegion) {
	if f.cfg.FieldMode == kf.FieldInterpolated {
		f.fit.ExtrapolateIn(z, f.field)
		return
	}
	f.fit.Extrapolate(z, region)
}

// filterNode applies the node's position and time measurements.
func (f *Fitter) filterNode(n *TrajectoryNode) {
	if n.IsXySet {
		f.fit.FilterXY(n.Mxy, f.cfg.SkipUnmeasuredCoordinates)
	}
	if n.IsTimeSet {
		f.fit.FilterTime(n.Mt.T, n.Mt.Dt2, n.hasTime())
	}
}

// FilterFirstMeasurement starts the fit at a measured node: the current
// state provides the slopes, the measurement the position, and the
// measurement errors become the covariance. Unmeasured coordinates keep
// the current value with a large error when unmeasured coordinates are
// skipped.
func (f *Fitter) FilterFirstMeasurement(n *TrajectoryNode) {
	tr := f.fit.Tr()
	if math.Abs(tr.Z-n.Z) > zMismatchLimit {
		monitoring.Warnf("%sz mismatch: fitted track %g != node %g", f.prefix(), tr.Z, n.Z)
	}
	lin := *tr
	mxy := n.Mxy

	tr.ResetErrors(mxy.Dx2, mxy.Dy2, initVarSlope, initVarSlope, initVarQp, initVarTime, initVarVi)
	tr.SetC10(mxy.Dxy)
	tr.X = mxy.X
	tr.Y = mxy.Y
	tr.Z = n.Z

	if f.cfg.SkipUnmeasuredCoordinates {
		if mxy.NdfX <= 0 {
			tr.X = lin.X
			tr.SetC(kf.IdxX, kf.IdxX, initVarUnmeasured)
			tr.SetC10(0)
		}
		if mxy.NdfY <= 0 {
			tr.Y = lin.Y
			tr.SetC(kf.IdxY, kf.IdxY, initVarUnmeasured)
			tr.SetC10(0)
		}
	}

	tr.ChiSq = 0
	tr.ChiSqTime = 0
	tr.Ndf = -kf.NSpaceParams + mxy.NdfX + mxy.NdfY
	if n.hasTime() {
		tr.Time = n.Mt.T
		tr.SetC(kf.IdxTime, kf.IdxTime, n.Mt.Dt2)
		tr.NdfTime = -(kf.NParams - kf.NSpaceParams) + 1
	} else {
		tr.NdfTime = -(kf.NParams - kf.NSpaceParams)
	}
	tr.InitVelocityRange(initMinP)
}

// AddMaterialEffects applies multiple scattering and energy loss of the
// node's material layer to the filter state. The scattering angle is
// evaluated at the mean of the two linearisation states.
func (f *Fitter) AddMaterialEffects(n *TrajectoryNode, l Linearization, dir kf.FitDirection) {
	if n.MaterialLayer < 0 {
		return
	}

	tx := 0.5 * (l.Dn.Tx + l.Up.Tx)
	ty := 0.5 * (l.Dn.Ty + l.Up.Ty)
	msQp := 0.5 * (l.Dn.Qp + l.Up.Qp)
	if f.cfg.FixQpForMs {
		msQp = f.cfg.DefaultQpForMs
	}

	if !n.IsRadThickFixed {
		n.RadThick = f.geo.RadThicknessX0(n.MaterialLayer, l.Dn.X, l.Dn.Y)
	}

	f.fit.MultipleScattering(n.RadThick, tx, ty, msQp)

	if f.cfg.FixQpForMs {
		return
	}
	if dir == kf.Downstream {
		f.fit.SetQp0(l.Up.Qp)
	} else {
		f.fit.SetQp0(l.Dn.Qp)
	}
	f.fit.EnergyLossCorrection(n.RadThick, dir)
}

// FitTrajectory fits the trajectory: a downstream Kalman filter over the
// measured region, an upstream filter merged with it by the smoother,
// and extrapolation to the nodes outside the measured region. A
// previously fitted trajectory is refitted around its own states.
//
// It returns false when the trajectory has no measurement, the smoother
// fails, or the result is not finite. Node states are then unusable.
func (f *Fitter) FitTrajectory(t *Trajectory) bool {
	if f.cfg.Verbosity > 0 {
		monitoring.Logf("%sFitTrajectory ...", f.prefix())
	}

	nNodes := len(t.Nodes)
	if nNodes == 0 {
		monitoring.Warnf("%sno nodes found", f.prefix())
		return false
	}

	first, last := t.HitRange()
	if first < 0 {
		monitoring.Warnf("%sno hit nodes found", f.prefix())
		return false
	}

	if !t.IsOrderedInZ() {
		monitoring.Warnf("%strack nodes are not ordered in z", f.prefix())
	}

	f.fit.SetParticleMass(f.cfg.Mass)
	f.fit.SetElectron(f.cfg.Electron)
	f.fit.SetMaxExtrapolationStep(f.cfg.MaxExtrapolationStep)

	region := kf.NewOriginalFieldRegion(f.field)

	lin := make([]Linearization, nNodes)
	if t.IsFitted {
		for i := first; i <= last; i++ {
			n := &t.Nodes[i]
			if !n.IsFitted {
				monitoring.Warnf("%snode %d in the measured region is not fitted", f.prefix(), i)
				return false
			}
			lin[i] = Linearization{Dn: n.ParamDn, Up: n.ParamUp}
		}
	} else {
		seedStraightLines(t.Nodes, lin, first, last, f.cfg.SkipUnmeasuredCoordinates)
	}

	t.IsFitted = false
	for i := range t.Nodes {
		t.Nodes[i].IsFitted = false
	}

	// downstream up to the last measurement
	f.fit.SetTrack(lin[first].Dn)
	f.FilterFirstMeasurement(&t.Nodes[first])
	f.printNode("downstream", first)

	for i := first + 1; i <= last; i++ {
		n := &t.Nodes[i]
		f.fit.SetQp0(lin[i-1].Dn.Qp)
		f.extrapolate(n.Z, region)
		f.filterNode(n)
		f.printNode("downstream", i)

		n.ParamUp = f.fit.Track()
		f.AddMaterialEffects(n, lin[i], kf.Downstream)
		n.ParamDn = f.fit.Track()
	}

	dnChi2 := f.fit.Tr().ChiSq

	// upstream, merged with the downstream states
	lastNode := &t.Nodes[last]
	lastNode.IsFitted = true
	f.fit.SetTrack(lin[last].Up)
	f.FilterFirstMeasurement(lastNode)
	f.printNode("upstream", last)

	for i := last - 1; i > first; i-- {
		n := &t.Nodes[i]
		f.fit.SetQp0(lin[i+1].Up.Qp)
		f.extrapolate(n.Z, region)

		if f.cfg.DoSmooth && !kf.Smooth(&n.ParamDn, f.fit.Tr()) {
			monitoring.Debugf(1, "%ssmoothing failed at node %d", f.prefix(), i)
			return false
		}
		f.AddMaterialEffects(n, lin[i], kf.Upstream)
		if f.cfg.DoSmooth && !kf.Smooth(&n.ParamUp, f.fit.Tr()) {
			monitoring.Debugf(1, "%ssmoothing failed at node %d", f.prefix(), i)
			return false
		}
		n.IsFitted = true

		f.filterNode(n)
		f.printNode("upstream", i)
	}

	firstNode := &t.Nodes[first]
	if first < last {
		f.fit.SetQp0(lin[first+1].Up.Qp)
		f.extrapolate(firstNode.Z, region)
		f.filterNode(firstNode)
		f.printNode("upstream", first)
	}
	firstNode.ParamDn = f.fit.Track()
	f.AddMaterialEffects(firstNode, lin[first], kf.Upstream)
	firstNode.ParamUp = f.fit.Track()
	firstNode.IsFitted = true

	final := f.fit.Track()
	if !f.cfg.DoSmooth {
		f.checkChi2(dnChi2, final.ChiSq, first, last, nNodes)
	}

	// beyond the last measurement
	f.fit.SetTrack(t.Nodes[last].ParamDn)
	for i := last + 1; i < nNodes; i++ {
		n := &t.Nodes[i]
		f.extrapolate(n.Z, region)
		n.ParamUp = f.fit.Track()
		f.AddMaterialEffects(n, Linearization{Dn: n.ParamUp, Up: n.ParamUp}, kf.Downstream)
		n.ParamDn = f.fit.Track()
		n.IsFitted = true
	}

	// before the first measurement
	f.fit.SetTrack(t.Nodes[first].ParamUp)
	for i := first - 1; i >= 0; i-- {
		n := &t.Nodes[i]
		f.extrapolate(n.Z, region)
		n.ParamDn = f.fit.Track()
		f.AddMaterialEffects(n, Linearization{Dn: n.ParamDn, Up: n.ParamDn}, kf.Upstream)
		n.ParamUp = f.fit.Track()
		n.IsFitted = true
	}

	// every node reports the quality of the whole track
	for i := range t.Nodes {
		n := &t.Nodes[i]
		n.ParamDn.CopyQuality(&final)
		n.ParamUp.CopyQuality(&final)
		if !n.ParamDn.IsFinite() || !n.ParamUp.IsFinite() {
			monitoring.Debugf(1, "%snon-finite fit result at node %d", f.prefix(), i)
			return false
		}
	}

	t.IsFitted = true
	return true
}

// checkChi2 warns when the forward and backward passes disagree on chi2.
func (f *Fitter) checkChi2(dnChi2, upChi2 float64, first, last, nNodes int) bool {
	if math.Abs(upChi2-dnChi2) <= chi2MismatchLimit {
		return true
	}
	monitoring.Warnf("%schi2 mismatch: dn %g != up %g first node %d last node %d of %d",
		f.prefix(), dnChi2, upChi2, first, last, nNodes)
	return false
}
