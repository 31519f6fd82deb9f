package kf

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Parameter indices into the state vector and covariance matrix.
const (
	IdxX = iota
	IdxY
	IdxTx
	IdxTy
	IdxQp
	IdxTime
	IdxVi

	NParams = 7                           // number of track parameters
	NCov    = NParams * (NParams + 1) / 2 // packed lower-triangular covariance size
)

// NSpaceParams is the number of parameters whose residuals count towards the
// spatial chi-square; the remaining ones count towards the time chi-square.
const NSpaceParams = 5

// TrackParam is the state of a charged track at the plane z.
//
// The covariance is stored as the packed lower triangle of the symmetric
// 7x7 matrix, row by row: C00, C10, C11, C20, C21, C22, ... Only the
// independent entries can be written, so the matrix is symmetric by
// construction.
type TrackParam struct {
	X    float64 // cm
	Y    float64 // cm
	Tx   float64 // dx/dz
	Ty   float64 // dy/dz
	Qp   float64 // charge over momentum, c/GeV
	Time float64 // ns
	Vi   float64 // inverse velocity, ns/cm
	Z    float64 // cm

	Cov [NCov]float64

	ChiSq     float64 // spatial chi-square
	ChiSqTime float64 // time chi-square
	Ndf       int     // spatial degrees of freedom, may be negative
	NdfTime   int     // time degrees of freedom, may be negative
}

func covIndex(i, j int) int {
	if j > i {
		i, j = j, i
	}
	return i*(i+1)/2 + j
}

// C returns the covariance element (i, j).
func (t *TrackParam) C(i, j int) float64 { return t.Cov[covIndex(i, j)] }

// SetC sets the covariance element (i, j) and, implicitly, (j, i).
func (t *TrackParam) SetC(i, j int, v float64) { t.Cov[covIndex(i, j)] = v }

// SetC10 sets the x-y covariance.
func (t *TrackParam) SetC10(v float64) { t.SetC(IdxY, IdxX, v) }

// Params returns the state vector.
func (t *TrackParam) Params() [NParams]float64 {
	return [NParams]float64{t.X, t.Y, t.Tx, t.Ty, t.Qp, t.Time, t.Vi}
}

// SetParams overwrites the state vector.
func (t *TrackParam) SetParams(r [NParams]float64) {
	t.X, t.Y, t.Tx, t.Ty, t.Qp, t.Time, t.Vi = r[0], r[1], r[2], r[3], r[4], r[5], r[6]
}

// ResetErrors zeroes the covariance matrix, sets its diagonal to the given
// variances and resets the fit quality to the unconstrained state: ndf is
// -5 for space and -2 for time.
func (t *TrackParam) ResetErrors(varX, varY, varTx, varTy, varQp, varTime, varVi float64) {
	t.Cov = [NCov]float64{}
	t.SetC(IdxX, IdxX, varX)
	t.SetC(IdxY, IdxY, varY)
	t.SetC(IdxTx, IdxTx, varTx)
	t.SetC(IdxTy, IdxTy, varTy)
	t.SetC(IdxQp, IdxQp, varQp)
	t.SetC(IdxTime, IdxTime, varTime)
	t.SetC(IdxVi, IdxVi, varVi)

	t.ChiSq = 0
	t.Ndf = -NSpaceParams
	t.ChiSqTime = 0
	t.NdfTime = -(NParams - NSpaceParams)
}

// InitVelocityRange sets vi and its variance to cover particles from the
// speed of light down to a proton of momentum minP (GeV/c).
func (t *TrackParam) InitVelocityRange(minP float64) {
	r := ProtonMass / minP
	maxVi := math.Sqrt(1+r*r) * SpeedOfLightInv
	minVi := SpeedOfLightInv
	vmean := minVi + 0.4*(maxVi-minVi)
	dvi := (maxVi - vmean) / 3.
	t.Vi = vmean
	t.SetC(IdxVi, IdxVi, dvi*dvi)
}

// CopyQuality copies chi-square and ndf values from src.
func (t *TrackParam) CopyQuality(src *TrackParam) {
	t.ChiSq = src.ChiSq
	t.ChiSqTime = src.ChiSqTime
	t.Ndf = src.Ndf
	t.NdfTime = src.NdfTime
}

// CovSym returns the covariance as a gonum symmetric matrix.
func (t *TrackParam) CovSym() *mat.SymDense {
	s := mat.NewSymDense(NParams, nil)
	for i := 0; i < NParams; i++ {
		for j := 0; j <= i; j++ {
			s.SetSym(i, j, t.C(i, j))
		}
	}
	return s
}

// SetCovSym copies the lower triangle of s into the packed covariance.
func (t *TrackParam) SetCovSym(s mat.Symmetric) {
	for i := 0; i < NParams; i++ {
		for j := 0; j <= i; j++ {
			t.SetC(i, j, s.At(i, j))
		}
	}
}

// IsFinite reports whether every parameter and covariance entry is finite.
func (t *TrackParam) IsFinite() bool {
	for _, v := range t.Params() {
		if !isFinite(v) {
			return false
		}
	}
	if !isFinite(t.Z) {
		return false
	}
	for _, v := range t.Cov {
		if !isFinite(v) {
			return false
		}
	}
	return isFinite(t.ChiSq) && isFinite(t.ChiSqTime)
}

// Charge returns the sign of qp as ±1.
func (t *TrackParam) Charge() float64 {
	if t.Qp > 0 {
		return 1
	}
	return -1
}

// P returns the momentum magnitude (GeV/c), capped at 1e4 for straight tracks.
func (t *TrackParam) P() float64 {
	if math.Abs(t.Qp) > 1e-4 {
		return 1 / math.Abs(t.Qp)
	}
	return 1e4
}

// Pz returns the longitudinal momentum.
func (t *TrackParam) Pz() float64 {
	return t.P() / math.Sqrt(1+t.Tx*t.Tx+t.Ty*t.Ty)
}

// Px returns the x component of the momentum.
func (t *TrackParam) Px() float64 { return t.Pz() * t.Tx }

// Py returns the y component of the momentum.
func (t *TrackParam) Py() float64 { return t.Pz() * t.Ty }

// Pt returns the transverse momentum.
func (t *TrackParam) Pt() float64 {
	t2 := t.Tx*t.Tx + t.Ty*t.Ty
	return t.P() * math.Sqrt(t2/(1+t2))
}

// Phi returns the azimuthal angle.
func (t *TrackParam) Phi() float64 { return math.Atan2(t.Ty, t.Tx) }

// Theta returns the polar angle.
func (t *TrackParam) Theta() float64 { return math.Atan(math.Sqrt(t.Tx*t.Tx + t.Ty*t.Ty)) }

// PhiError propagates the slope covariance to the azimuthal angle.
func (t *TrackParam) PhiError() float64 {
	denom := t.Tx*t.Tx + t.Ty*t.Ty
	dTx := -t.Ty / denom
	dTy := t.Tx / denom
	v := dTx*dTx*t.C(IdxTx, IdxTx) + dTy*dTy*t.C(IdxTy, IdxTy) + 2*dTx*dTy*t.C(IdxTy, IdxTx)
	return math.Sqrt(v)
}

// ThetaError propagates the slope covariance to the polar angle.
func (t *TrackParam) ThetaError() float64 {
	s := t.Tx*t.Tx + t.Ty*t.Ty
	denom := math.Sqrt(s) * (1 + s)
	dTx := t.Tx / denom
	dTy := t.Ty / denom
	v := dTx*dTx*t.C(IdxTx, IdxTx) + dTy*dTy*t.C(IdxTy, IdxTy) + 2*dTx*dTy*t.C(IdxTy, IdxTx)
	return math.Sqrt(v)
}

// Prob returns the upper-tail probability of the combined space and time
// chi-square. It is 1 when the fit has no positive degrees of freedom.
func (t *TrackParam) Prob() float64 {
	ndf := 0
	chi2 := 0.
	if t.Ndf > 0 {
		ndf += t.Ndf
		chi2 += t.ChiSq
	}
	if t.NdfTime > 0 {
		ndf += t.NdfTime
		chi2 += t.ChiSqTime
	}
	if ndf <= 0 {
		return 1
	}
	return distuv.ChiSquared{K: float64(ndf)}.Survival(chi2)
}

// String implements fmt.Stringer.
func (t *TrackParam) String() string {
	return fmt.Sprintf("z %.4g x %.4g y %.4g tx %.4g ty %.4g qp %.4g t %.4g vi %.4g chi2 %.4g/%d chi2t %.4g/%d",
		t.Z, t.X, t.Y, t.Tx, t.Ty, t.Qp, t.Time, t.Vi, t.ChiSq, t.Ndf, t.ChiSqTime, t.NdfTime)
}
