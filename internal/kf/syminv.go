package kf

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrInversionFault is returned by SymInv when the matrix has a negative
// diagonal element or eigenvalue, or cannot be decomposed at all.
var ErrInversionFault = errors.New("symmetric inversion fault")

const (
	// maxCond is the largest Cholesky condition number of the scaled matrix
	// accepted without falling back to the eigen decomposition.
	maxCond = 1e12
	eps     = 2.220446049250313e-16
)

// SymInv inverts the symmetric positive semi-definite matrix a. It returns
// the inverse, the nullity (the number of eigenvalues that vanish within
// rounding), and ErrInversionFault when a is not positive semi-definite.
// The inverse is nil whenever the nullity is non-zero or an error is
// returned.
//
// The matrix is first scaled to unit diagonal, so the rank decision does
// not depend on the units of the individual parameters.
func SymInv(a mat.Symmetric) (*mat.SymDense, int, error) {
	n := a.SymmetricDim()
	if n == 0 {
		return mat.NewSymDense(0, nil), 0, nil
	}

	scale := make([]float64, n)
	for i := range scale {
		d := a.At(i, i)
		switch {
		case math.IsNaN(d) || d < 0:
			return nil, 0, ErrInversionFault
		case d == 0:
			scale[i] = 1
		default:
			scale[i] = 1 / math.Sqrt(d)
		}
	}
	b := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			b.SetSym(i, j, a.At(i, j)*scale[i]*scale[j])
		}
	}

	binv, nullity, err := invertScaled(b)
	if err != nil || nullity != 0 {
		return nil, nullity, err
	}

	// a⁻¹ = D b⁻¹ D with D = diag(scale)
	inv := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			inv.SetSym(i, j, binv.At(i, j)*scale[i]*scale[j])
		}
	}
	return inv, 0, nil
}

func invertScaled(b *mat.SymDense) (*mat.SymDense, int, error) {
	n := b.SymmetricDim()

	var chol mat.Cholesky
	if chol.Factorize(b) && chol.Cond() < maxCond {
		var inv mat.SymDense
		if err := chol.InverseTo(&inv); err == nil {
			return &inv, 0, nil
		}
	}

	var eig mat.EigenSym
	if !eig.Factorize(b, true) {
		return nil, 0, ErrInversionFault
	}
	vals := eig.Values(nil)
	maxAbs := 0.
	for _, v := range vals {
		if math.IsNaN(v) {
			return nil, 0, ErrInversionFault
		}
		maxAbs = math.Max(maxAbs, math.Abs(v))
	}
	if maxAbs == 0 {
		return nil, n, nil
	}
	tol := float64(n) * 1e3 * eps * maxAbs

	nullity := 0
	for _, v := range vals {
		switch {
		case v < -tol:
			return nil, 0, ErrInversionFault
		case v <= tol:
			nullity++
		}
	}
	if nullity > 0 {
		return nil, nullity, nil
	}

	// b = V diag(λ) Vᵀ  =>  b⁻¹ = V diag(1/λ) Vᵀ
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	inv := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			s := 0.
			for k := 0; k < n; k++ {
				s += vecs.At(i, k) * vecs.At(j, k) / vals[k]
			}
			inv.SetSym(i, j, s)
		}
	}
	return inv, 0, nil
}
