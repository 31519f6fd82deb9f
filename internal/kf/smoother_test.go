package kf

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// ---------------------------------------------------------------------------
// SymInv
// ---------------------------------------------------------------------------

func TestSymInv(t *testing.T) {
	t.Parallel()

	t.Run("positive definite", func(t *testing.T) {
		t.Parallel()
		a := mat.NewSymDense(3, []float64{
			4, 1, 0.5,
			1, 3, 0.2,
			0.5, 0.2, 2,
		})
		inv, nullity, err := SymInv(a)
		require.NoError(t, err)
		require.Zero(t, nullity)

		var prod mat.Dense
		prod.Mul(a, inv)
		assert.True(t, mat.EqualApprox(&prod, eye(3), 1e-12))
	})

	t.Run("widely scaled diagonal", func(t *testing.T) {
		t.Parallel()
		a := mat.NewSymDense(3, []float64{
			1e-8, 0, 0,
			0, 1, 0,
			0, 0, 1e8,
		})
		inv, nullity, err := SymInv(a)
		require.NoError(t, err)
		require.Zero(t, nullity)
		assert.InDelta(t, 1e8, inv.At(0, 0), 1e-4)
		assert.InDelta(t, 1e-8, inv.At(2, 2), 1e-20)
	})

	t.Run("singular", func(t *testing.T) {
		t.Parallel()
		a := mat.NewSymDense(2, []float64{
			1, 0,
			0, 0,
		})
		inv, nullity, err := SymInv(a)
		require.NoError(t, err)
		assert.Equal(t, 1, nullity)
		assert.Nil(t, inv)
	})

	t.Run("rank one", func(t *testing.T) {
		t.Parallel()
		a := mat.NewSymDense(3, []float64{
			1, 2, 3,
			2, 4, 6,
			3, 6, 9,
		})
		inv, nullity, err := SymInv(a)
		require.NoError(t, err)
		assert.Equal(t, 2, nullity)
		assert.Nil(t, inv)
	})

	t.Run("indefinite", func(t *testing.T) {
		t.Parallel()
		a := mat.NewSymDense(2, []float64{
			1, 0,
			0, -1,
		})
		inv, _, err := SymInv(a)
		assert.ErrorIs(t, err, ErrInversionFault)
		assert.Nil(t, inv)
	})

	t.Run("zero matrix", func(t *testing.T) {
		t.Parallel()
		inv, nullity, err := SymInv(mat.NewSymDense(2, nil))
		require.NoError(t, err)
		assert.Equal(t, 2, nullity)
		assert.Nil(t, inv)
	})
}

func eye(n int) *mat.Dense {
	d := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		d.Set(i, i, 1)
	}
	return d
}

// ---------------------------------------------------------------------------
// Smooth
// ---------------------------------------------------------------------------

func diagTrack(v float64) TrackParam {
	var tr TrackParam
	tr.ResetErrors(v, v, v, v, v, v, v)
	return tr
}

func TestSmoothIdentical(t *testing.T) {
	t.Parallel()

	t1 := diagTrack(2)
	t1.X, t1.Tx = 1, 0.1
	t2 := t1

	require.True(t, Smooth(&t1, &t2))
	assert.InDelta(t, 1.0, t1.X, 1e-12)
	assert.InDelta(t, 0.1, t1.Tx, 1e-12)
	for i := 0; i < NParams; i++ {
		assert.InDelta(t, 1.0, t1.C(i, i), 1e-12)
	}
	assert.InDelta(t, 0.0, t1.ChiSq, 1e-12)
	assert.Equal(t, 5-5-5, t1.Ndf)
	assert.Equal(t, 2-2-2, t1.NdfTime)
}

func TestSmoothWeightedMean(t *testing.T) {
	t.Parallel()

	t1 := diagTrack(1)
	t2 := diagTrack(1)
	t2.X = 2
	t2.Time = 4
	t1.ChiSq, t1.Ndf = 1.5, 1
	t2.ChiSq, t2.Ndf = 0.5, 2

	require.True(t, Smooth(&t1, &t2))
	assert.InDelta(t, 1.0, t1.X, 1e-12)
	assert.InDelta(t, 2.0, t1.Time, 1e-12)
	assert.InDelta(t, 0.5, t1.C(IdxX, IdxX), 1e-12)
	// (2-0)²/2 from x plus the inputs
	assert.InDelta(t, 2+1.5+0.5, t1.ChiSq, 1e-12)
	assert.InDelta(t, 8.0, t1.ChiSqTime, 1e-12)
	assert.Equal(t, 5+1+2, t1.Ndf)
}

func TestSmoothUnequalWeights(t *testing.T) {
	t.Parallel()

	t1 := diagTrack(1)
	t2 := diagTrack(3)
	t2.Y = 4

	require.True(t, Smooth(&t1, &t2))
	// y = 0 + 1/(1+3) * 4
	assert.InDelta(t, 1.0, t1.Y, 1e-12)
	assert.InDelta(t, 0.75, t1.C(IdxY, IdxY), 1e-12)
}

func TestSmoothSingularLeavesInputUntouched(t *testing.T) {
	t.Parallel()

	t1 := diagTrack(1)
	t1.X = 3
	t1.SetC(IdxVi, IdxVi, 0)
	t2 := diagTrack(1)
	t2.X = 5
	t2.SetC(IdxVi, IdxVi, 0)

	before := t1
	assert.False(t, Smooth(&t1, &t2))
	if diff := cmp.Diff(before, t1); diff != "" {
		t.Errorf("Smooth modified t1 on failure (-want +got):\n%s", diff)
	}
}
