package kf

import (
	"gonum.org/v1/gonum/mat"
)

// Smooth merges the independent estimate t2 into t1. The combined state is
// t1 + K*(t2 - t1) with K = C1*(C1+C2)⁻¹, the covariance is C1 - K*C1 and
// the residual chi-square is split between the five spatial and the two
// time parameters. Smooth reports false and leaves t1 untouched when
// C1 + C2 cannot be inverted.
func Smooth(t1 *TrackParam, t2 *TrackParam) bool {
	S := mat.NewSymDense(NParams, nil)
	for i := 0; i < NParams; i++ {
		for j := 0; j <= i; j++ {
			S.SetSym(i, j, t1.C(i, j)+t2.C(i, j))
		}
	}
	Si, nullity, err := SymInv(S)
	if err != nil || nullity != 0 {
		return false
	}

	r := t1.Params()
	m := t2.Params()
	dzeta := mat.NewVecDense(NParams, nil)
	for i := range r {
		dzeta.SetVec(i, m[i]-r[i])
	}

	C := t1.CovSym()

	var K mat.Dense
	K.Mul(C, Si)

	var KC mat.Dense
	KC.Mul(&K, C)

	var Kd mat.VecDense
	Kd.MulVec(&K, dzeta)

	var SiD mat.VecDense
	SiD.MulVec(Si, dzeta)

	chi2, chi2Time := 0., 0.
	for i := 0; i < NParams; i++ {
		v := dzeta.AtVec(i) * SiD.AtVec(i)
		if i < NSpaceParams {
			chi2 += v
		} else {
			chi2Time += v
		}
	}

	for i := range r {
		r[i] += Kd.AtVec(i)
	}
	t1.SetParams(r)
	for i := 0; i < NParams; i++ {
		for j := 0; j <= i; j++ {
			t1.SetC(i, j, t1.C(i, j)-KC.At(i, j))
		}
	}

	t1.ChiSq += chi2 + t2.ChiSq
	t1.ChiSqTime += chi2Time + t2.ChiSqTime
	t1.Ndf += NSpaceParams + t2.Ndf
	t1.NdfTime += NParams - NSpaceParams + t2.NdfTime
	return true
}
