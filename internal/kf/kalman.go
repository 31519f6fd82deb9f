package kf

import (
	"math"
)

// TrackKalmanFilter propagates and updates a single TrackParam. It carries
// the qp linearisation point and the particle hypothesis used for material
// corrections. A TrackKalmanFilter is scratch state: use one per goroutine.
type TrackKalmanFilter struct {
	tr TrackParam

	qp0      float64 // qp expansion point for propagation and energy loss
	mass     float64
	mass2    float64
	electron bool

	maxStep     float64
	fitVelocity bool
}

// NewTrackKalmanFilter returns a filter with the muon hypothesis and the
// default maximal extrapolation step.
func NewTrackKalmanFilter() *TrackKalmanFilter {
	return &TrackKalmanFilter{
		mass:    MuonMass,
		mass2:   MuonMass * MuonMass,
		maxStep: DefaultMaxExtrapolationStep,
	}
}

// SetTrack replaces the current state and resets qp0 to its qp.
func (f *TrackKalmanFilter) SetTrack(t TrackParam) {
	f.tr = t
	f.qp0 = t.Qp
}

// Tr returns the current state.
func (f *TrackKalmanFilter) Tr() *TrackParam { return &f.tr }

// Track returns a copy of the current state.
func (f *TrackKalmanFilter) Track() TrackParam { return f.tr }

// SetQp0 sets the qp linearisation point.
func (f *TrackKalmanFilter) SetQp0(qp0 float64) { f.qp0 = qp0 }

// Qp0 returns the qp linearisation point.
func (f *TrackKalmanFilter) Qp0() float64 { return f.qp0 }

// SetParticleMass sets the mass hypothesis (GeV/c²).
func (f *TrackKalmanFilter) SetParticleMass(m float64) {
	f.mass = m
	f.mass2 = m * m
}

// ParticleMass returns the mass hypothesis.
func (f *TrackKalmanFilter) ParticleMass() float64 { return f.mass }

// SetElectron enables the bremsstrahlung term of the energy loss correction.
func (f *TrackKalmanFilter) SetElectron(v bool) { f.electron = v }

// SetMaxExtrapolationStep sets the longest single Runge-Kutta step (cm).
func (f *TrackKalmanFilter) SetMaxExtrapolationStep(step float64) {
	if step > 0 {
		f.maxStep = step
	}
}

// SetDoFitVelocity treats vi as a free parameter instead of deriving it
// from qp and the mass hypothesis.
func (f *TrackKalmanFilter) SetDoFitVelocity(v bool) { f.fitVelocity = v }

// ---------------------------------------------------------------------------
// Measurement updates

// filterWithGain subtracts F*zetawi from the state and F_i*F_j*wi from the
// covariance, where F = C*Hᵀ.
func (f *TrackKalmanFilter) filterWithGain(F [NParams]float64, zetawi, wi float64) {
	t := &f.tr
	r := t.Params()
	for i := range r {
		r[i] -= F[i] * zetawi
	}
	t.SetParams(r)
	for i := 0; i < NParams; i++ {
		ki := F[i] * wi
		for j := 0; j <= i; j++ {
			t.Cov[covIndex(i, j)] -= ki * F[j]
		}
	}
}

// Filter1d applies a rotated 1D position measurement. Measurements with a
// non-positive variance move the state but do not add to the chi-square or
// shrink the covariance.
func (f *TrackKalmanFilter) Filter1d(m MeasurementU) {
	t := &f.tr
	zeta := m.CosPhi*t.X + m.SinPhi*t.Y - m.U

	var F [NParams]float64
	for i := range F {
		F[i] = m.CosPhi*t.C(i, IdxX) + m.SinPhi*t.C(i, IdxY)
	}
	hch := F[IdxX]*m.CosPhi + F[IdxY]*m.SinPhi

	wi := 0.
	if m.Du2 > 0 {
		wi = 1 / (m.Du2 + hch)
	}
	zetawi := zeta / (m.Du2 + hch)

	t.ChiSq += zeta * zeta * wi
	t.Ndf += m.Ndf

	f.filterWithGain(F, zetawi, wi)
}

// FilterXY applies a 2D position measurement as two decorrelated 1D
// updates. With skipUnmeasured set, a coordinate whose ndf is 0 carries no
// information and is left out.
func (f *TrackKalmanFilter) FilterXY(m MeasurementXy, skipUnmeasured bool) {
	xOff := skipUnmeasured && m.NdfX <= 0
	yOff := skipUnmeasured && m.NdfY <= 0
	mx, mu := splitXy(m, xOff)
	if !xOff {
		f.Filter1d(mx)
	}
	if !yOff {
		f.Filter1d(mu)
	}
}

// FilterTime applies a time measurement. A measurement much less precise
// than the current estimate only counts towards ndf.
func (f *TrackKalmanFilter) FilterTime(time, dt2 float64, active bool) {
	if !active {
		return
	}
	t := &f.tr
	var F [NParams]float64
	for i := range F {
		F[i] = t.C(i, IdxTime)
	}
	hch := t.C(IdxTime, IdxTime)

	doFilter := hch < 16*dt2
	wi := 1 / (dt2 + 1.0000001*hch)
	zeta := t.Time - time
	den := hch
	if doFilter {
		den += dt2
	}
	zetawi := zeta / den

	if doFilter {
		t.ChiSqTime += zeta * zeta * wi
	}
	t.NdfTime++

	f.filterWithGain(F, zetawi, wi)
}

// FilterVi pulls the inverse velocity to vi with zero measurement error.
func (f *TrackKalmanFilter) FilterVi(vi float64) {
	t := &f.tr
	var F [NParams]float64
	for i := range F {
		F[i] = t.C(i, IdxVi)
	}
	hch := F[IdxVi]
	zeta := t.Vi - vi
	if hch > 0 {
		wi := 1 / hch
		t.ChiSqTime += zeta * zeta * wi
		f.filterWithGain(F, zeta*wi, wi)
	}
	t.NdfTime++
	t.Vi = vi
	t.SetC(IdxVi, IdxVi, 1e-8)
}

// MeasureVelocityWithQp constrains vi to the value implied by qp and the
// mass hypothesis, linearised at qp0.
func (f *TrackKalmanFilter) MeasureVelocityWithQp() {
	t := &f.tr
	s := math.Sqrt(1 + f.mass2*f.qp0*f.qp0)
	vi0 := s * SpeedOfLightInv
	h := f.mass2 * f.qp0 / s * SpeedOfLightInv

	zeta := vi0 + h*(t.Qp-f.qp0) - t.Vi

	// H = (0, 0, 0, 0, h, 0, -1)
	var F [NParams]float64
	for i := range F {
		F[i] = h*t.C(i, IdxQp) - t.C(i, IdxVi)
	}
	hch := F[IdxQp]*h - F[IdxVi]
	t.NdfTime++
	if hch <= 0 {
		return
	}
	wi := 1 / hch
	t.ChiSqTime += zeta * zeta * wi
	f.filterWithGain(F, zeta*wi, wi)
}

// ---------------------------------------------------------------------------
// Propagation

// Extrapolate propagates the state and covariance to zOut through the
// region. Ill-conditioned propagation shows up as non-finite values in the
// state; the caller checks for that.
func (f *TrackKalmanFilter) Extrapolate(zOut float64, region *FieldRegion) {
	if region == nil || region.IsNull() {
		f.ExtrapolateLineNoField(zOut)
		return
	}
	f.stepTo(zOut, func(z float64) {
		t := &f.tr
		if region.nullAlong(t.X, t.Y, t.Tx, t.Ty, t.Z, z) {
			f.ExtrapolateLineNoField(z)
			return
		}
		f.ExtrapolateStep(z, region)
	})
}

// ExtrapolateIn propagates to zOut, building an interpolated field region
// along the current straight-line direction for every step.
func (f *TrackKalmanFilter) ExtrapolateIn(zOut float64, field Field) {
	if IsNullField(field) {
		f.ExtrapolateLineNoField(zOut)
		return
	}
	f.stepTo(zOut, func(z float64) {
		t := &f.tr
		region := NewFieldRegionAlong(field, t.X, t.Y, t.Tx, t.Ty, t.Z, z)
		if region.IsNull() {
			f.ExtrapolateLineNoField(z)
			return
		}
		f.ExtrapolateStep(z, region)
	})
}

func (f *TrackKalmanFilter) stepTo(zOut float64, step func(z float64)) {
	sgn := 1.
	if f.tr.Z > zOut {
		sgn = -1
	}
	for math.Abs(zOut-f.tr.Z) > zTolerance {
		zNew := f.tr.Z + sgn*f.maxStep
		if sgn*(zOut-zNew) <= 0 {
			zNew = zOut
		}
		z := f.tr.Z
		step(zNew)
		if f.tr.Z == z || !isFinite(f.tr.Z) {
			return
		}
	}
}

// ExtrapolateLine propagates to zOut as if the track were straight in the
// field (qp0 = 0).
func (f *TrackKalmanFilter) ExtrapolateLine(zOut float64, region *FieldRegion) {
	qp0 := f.qp0
	f.qp0 = 0
	f.Extrapolate(zOut, region)
	f.qp0 = qp0
}

// ExtrapolateLineNoField propagates to zOut along a straight line:
// x += tx*dz, y += ty*dz, t += sqrt(1+tx²+ty²)*vi*dz.
func (f *TrackKalmanFilter) ExtrapolateLineNoField(zOut float64) {
	t := &f.tr
	dz := zOut - t.Z
	tx, ty, vi := t.Tx, t.Ty, t.Vi
	L := math.Sqrt(1 + tx*tx + ty*ty)

	var J [NParams][NParams]float64
	for i := range J {
		J[i][i] = 1
	}
	J[IdxX][IdxTx] = dz
	J[IdxY][IdxTy] = dz
	J[IdxTime][IdxTx] = dz * tx * vi / L
	J[IdxTime][IdxTy] = dz * ty * vi / L
	J[IdxTime][IdxVi] = dz * L

	t.X += tx * dz
	t.Y += ty * dz
	t.Time += L * vi * dz
	t.Z = zOut

	f.transportCov(&J)
}

// transportCov replaces C with J*C*Jᵀ.
func (f *TrackKalmanFilter) transportCov(J *[NParams][NParams]float64) {
	t := &f.tr
	var C, JC [NParams][NParams]float64
	for i := 0; i < NParams; i++ {
		for j := 0; j < NParams; j++ {
			C[i][j] = t.C(i, j)
		}
	}
	for i := 0; i < NParams; i++ {
		for j := 0; j < NParams; j++ {
			s := 0.
			for m := 0; m < NParams; m++ {
				s += J[i][m] * C[m][j]
			}
			JC[i][j] = s
		}
	}
	for i := 0; i < NParams; i++ {
		for j := 0; j <= i; j++ {
			s := 0.
			for m := 0; m < NParams; m++ {
				s += JC[i][m] * J[j][m]
			}
			t.SetC(i, j, s)
		}
	}
}

// ExtrapolateStep makes one fourth-order Runge-Kutta step to zOut with the
// equations of motion linearised at qp0:
//
//	dx/dz  = tx
//	dy/dz  = ty
//	dtx/dz = c * qp * L * (tx*ty*Bx - (1+tx²)*By + ty*Bz)
//	dty/dz = c * qp * L * ((1+ty²)*Bx - tx*ty*By - tx*Bz)
//	dt/dz  = L * vi
//
// with L = sqrt(1 + tx² + ty²). The Jacobian is integrated alongside the
// state and used to transport the covariance.
func (f *TrackKalmanFilter) ExtrapolateStep(zOut float64, region *FieldRegion) {
	const cLight = 1e-5 * SpeedOfLight // (GeV/c)/kG/cm

	t := &f.tr
	h := zOut - t.Z
	stepDz := [5]float64{0, 0, h * 0.5, h * 0.5, h}
	stepW := [5]float64{0, h / 6, h / 3, h / 3, h / 6}

	var fs [5][NParams]float64          // dr/dz per stage
	var Fs [5][NParams][NParams]float64 // df/dr per stage
	r0 := [NParams]float64{t.X, t.Y, t.Tx, t.Ty, f.qp0, t.Time, t.Vi}
	qp0 := f.qp0

	for s := 1; s <= 4; s++ {
		var rs [NParams]float64
		for i := range rs {
			rs[i] = r0[i] + stepDz[s]*fs[s-1][i]
		}
		B := region.Get(rs[IdxX], rs[IdxY], t.Z+stepDz[s])

		tx, ty := rs[IdxTx], rs[IdxTy]
		tx2, ty2, txty := tx*tx, ty*ty, tx*ty
		L2 := 1 + tx2 + ty2
		L2i := 1 / L2
		L := math.Sqrt(L2)
		cL := cLight * L
		cLqp0 := cL * qp0

		fs[s][IdxX] = tx
		Fs[s][IdxX][IdxTx] = 1
		fs[s][IdxY] = ty
		Fs[s][IdxY][IdxTy] = 1

		f2 := txty*B.Bx - (1+tx2)*B.By + ty*B.Bz
		fs[s][IdxTx] = cLqp0 * f2
		Fs[s][IdxTx][IdxTx] = cLqp0 * (tx*f2*L2i + ty*B.Bx - 2*tx*B.By)
		Fs[s][IdxTx][IdxTy] = cLqp0 * (ty*f2*L2i + tx*B.Bx + B.Bz)
		Fs[s][IdxTx][IdxQp] = cL * f2

		f3 := -txty*B.By - tx*B.Bz + (1+ty2)*B.Bx
		fs[s][IdxTy] = cLqp0 * f3
		Fs[s][IdxTy][IdxTx] = cLqp0 * (tx*f3*L2i - ty*B.By - B.Bz)
		Fs[s][IdxTy][IdxTy] = cLqp0 * (ty*f3*L2i + 2*ty*B.Bx - tx*B.By)
		Fs[s][IdxTy][IdxQp] = cL * f3

		if f.fitVelocity {
			vi := rs[IdxVi]
			fs[s][IdxTime] = vi * L
			Fs[s][IdxTime][IdxTx] = vi * tx / L
			Fs[s][IdxTime][IdxTy] = vi * ty / L
			Fs[s][IdxTime][IdxVi] = L
		} else {
			sq := math.Sqrt(1 + f.mass2*qp0*qp0)
			vi := sq * SpeedOfLightInv
			fs[s][IdxTime] = vi * L
			Fs[s][IdxTime][IdxTx] = vi * tx / L
			Fs[s][IdxTime][IdxTy] = vi * ty / L
			Fs[s][IdxTime][IdxQp] = f.mass2 * qp0 * L / sq * SpeedOfLightInv
		}
	}

	// k[s] = F[s] * (1 + stepDz[s] * k[s-1])
	var k [5][NParams][NParams]float64
	for s := 1; s <= 4; s++ {
		for i := 0; i < NParams; i++ {
			for j := 0; j < NParams; j++ {
				v := Fs[s][i][j]
				for m := 0; m < NParams; m++ {
					v += stepDz[s] * Fs[s][i][m] * k[s-1][m][j]
				}
				k[s][i][j] = v
			}
		}
	}

	var R [NParams][NParams]float64
	for i := 0; i < NParams; i++ {
		R[i][i] = 1
		for j := 0; j < NParams; j++ {
			for s := 1; s <= 4; s++ {
				R[i][j] += stepW[s] * k[s][i][j]
			}
		}
	}

	dqp := t.Qp - qp0
	var r [NParams]float64
	for i := range r {
		r[i] = r0[i]
		for s := 1; s <= 4; s++ {
			r[i] += stepW[s] * fs[s][i]
		}
		r[i] += R[i][IdxQp] * dqp
	}
	t.SetParams(r)
	t.Z = zOut

	f.transportCov(&R)
}

// ---------------------------------------------------------------------------
// Material effects

// MultipleScattering adds the Highland scattering noise of a layer of
// radThick radiation lengths to the slope covariance, evaluated at the
// given slopes and qp.
func (f *TrackKalmanFilter) MultipleScattering(radThick, tx, ty, qp float64) {
	if radThick <= 0 {
		return
	}
	txtx1 := 1 + tx*tx
	tyty1 := 1 + ty*ty
	t := math.Sqrt(txtx1 + ty*ty)

	lg := 0.0136 * (1 + 0.038*math.Log(radThick*t))
	if lg < 0 {
		lg = 0
	}
	s0 := lg * qp * t
	a := (1 + f.mass2*qp*qp) * s0 * s0 * t * radThick

	tr := &f.tr
	tr.Cov[covIndex(IdxTx, IdxTx)] += txtx1 * a
	tr.Cov[covIndex(IdxTy, IdxTx)] += tx * ty * a
	tr.Cov[covIndex(IdxTy, IdxTy)] += tyty1 * a
}

// MultipleScatteringInThickMaterial adds scattering noise for a layer of
// the given thickness (cm), including the position smearing it causes.
func (f *TrackKalmanFilter) MultipleScatteringInThickMaterial(radThick, thickness float64, dir FitDirection) {
	if radThick <= 0 {
		return
	}
	tr := &f.tr
	tx, ty := tr.Tx, tr.Ty
	txtx, tyty := tx*tx, ty*ty
	txtx1 := txtx + 1
	h := txtx + tyty
	t := math.Sqrt(txtx1 + tyty)
	h2 := h * h
	qp0t := f.qp0 * t

	const (
		c1 = 0.0136
		c2 = c1 * 0.038
		c3 = c2 * 0.5
		c4 = -c3 / 2
		c5 = c3 / 3
		c6 = -c3 / 4
	)
	s0 := (c1 + c2*math.Log(radThick) + c3*h + h2*(c4+c5*h+c6*h2)) * qp0t
	a := (t + f.mass2*f.qp0*qp0t) * radThick * s0 * s0

	D := 1.
	if dir == Upstream {
		D = -1
	}
	T23 := thickness * thickness / 3
	T2 := thickness / 2

	add := func(i, j int, v float64) { tr.Cov[covIndex(i, j)] += v }
	add(IdxX, IdxX, txtx1*a*T23)
	add(IdxY, IdxX, tx*ty*a*T23)
	add(IdxTx, IdxX, txtx1*a*D*T2)
	add(IdxTy, IdxX, tx*ty*a*D*T2)
	add(IdxY, IdxY, (1+tyty)*a*T23)
	add(IdxTx, IdxY, tx*ty*a*D*T2)
	add(IdxTy, IdxY, (1+tyty)*a*D*T2)
	add(IdxTx, IdxTx, txtx1*a)
	add(IdxTy, IdxTx, tx*ty*a)
	add(IdxTy, IdxTy, (1+tyty)*a)
}

// EnergyLossCorrection rescales qp by the mean ionisation loss in radThick
// radiation lengths of silicon: the track loses energy going downstream and
// regains it going upstream. qp0 follows qp. For electrons the mean
// bremsstrahlung loss and its spread are applied as well.
func (f *TrackKalmanFilter) EnergyLossCorrection(radThick float64, dir FitDirection) {
	if radThick <= 0 {
		return
	}
	const qp2cut = 1. / (10. * 10.) // 10 GeV
	qp02 := math.Max(f.qp0*f.qp0, qp2cut)
	p2 := 1 / qp02
	E2 := f.mass2 + p2

	bethe := ApproximateBetheBloch(p2/f.mass2, Silicon)
	tr := math.Sqrt(1 + f.tr.Tx*f.tr.Tx + f.tr.Ty*f.tr.Ty)

	dE := bethe * radThick * tr * Silicon.Density * Silicon.RadLength
	if dir == Downstream {
		dE = -dE
	}
	eCorr := math.Sqrt(E2) + dE
	corr := math.Sqrt(p2 / (eCorr*eCorr - f.mass2))
	if math.IsNaN(corr) {
		corr = 1
	}
	f.scaleQp(corr)

	if f.electron {
		f.bremsstrahlungCorrection(radThick*tr, dir)
	}
}

// bremsstrahlungCorrection applies the Bethe-Heitler mean energy loss
// exp(-x) over x radiation lengths and its variance to qp.
func (f *TrackKalmanFilter) bremsstrahlungCorrection(x float64, dir FitDirection) {
	corr := math.Exp(x)
	if dir == Upstream {
		corr = math.Exp(-x)
	}
	f.scaleQp(corr)
	qp := f.tr.Qp
	v := math.Exp(-x*math.Log2(3)) - math.Exp(-2*x)
	if v > 0 {
		f.tr.Cov[covIndex(IdxQp, IdxQp)] += qp * qp * v
	}
}

func (f *TrackKalmanFilter) scaleQp(corr float64) {
	t := &f.tr
	f.qp0 *= corr
	t.Qp *= corr
	for _, j := range []int{IdxX, IdxY, IdxTx, IdxTy} {
		t.Cov[covIndex(IdxQp, j)] *= corr
	}
	t.Cov[covIndex(IdxQp, IdxQp)] *= corr * corr
	t.Cov[covIndex(IdxTime, IdxQp)] *= corr
	t.Cov[covIndex(IdxVi, IdxQp)] *= corr
}

// Material holds the Bethe-Bloch parameters of an absorber.
type Material struct {
	Density   float64 // g/cm³
	X0        float64 // density effect first junction point
	X1        float64 // density effect second junction point
	I         float64 // mean excitation energy, GeV
	ZA        float64 // mean Z/A
	RadLength float64 // radiation length, cm
}

// Silicon is the default absorber for energy loss.
var Silicon = Material{
	Density:   2.33,
	X0:        0.20,
	X1:        3.00,
	I:         173e-9,
	ZA:        0.49848,
	RadLength: 9.34961,
}

// ApproximateBetheBloch returns the mean ionisation loss in GeV/(g/cm²) for
// a particle with (beta*gamma)² = bg2 in material m, using the Geant-style
// density effect parameterisation.
func ApproximateBetheBloch(bg2 float64, m Material) float64 {
	const (
		mK    = 0.307075e-3 // GeV*cm²/g
		twoMe = 1.022e-3    // GeV/c²
	)
	x0 := m.X0 * 2.303
	x1 := m.X1 * 2.303
	maxT := twoMe * bg2 // electron mass neglected

	x := 0.5 * math.Log(bg2)
	lhwI := math.Log(28.816 * 1e-9 * math.Sqrt(m.Density*m.ZA) / m.I)

	d2 := 0.
	switch {
	case x > x1:
		d2 = lhwI + x - 0.5
	case x > x0:
		r := (x1 - x) / (x1 - x0)
		d2 = lhwI + x - 0.5 + (0.5-lhwI-x0)*r*r*r
	}

	return mK * m.ZA * (1 + bg2) / bg2 * (0.5*math.Log(twoMe*bg2*maxT/(m.I*m.I)) - bg2/(1+bg2) - d2)
}
