package kf

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quadraticField(z float64) FieldValue {
	return FieldValue{
		Bx: 0.5 - 0.01*z + 0.0002*z*z,
		By: -10 + 0.05*z - 0.001*z*z,
		Bz: 1 + 0.02*z,
	}
}

func TestFieldRegionQuadratic(t *testing.T) {
	t.Parallel()

	var r FieldRegion
	r.Set(quadraticField(0), 0, quadraticField(20), 20, quadraticField(40), 40)
	require.Equal(t, FieldNormal, r.Type())
	require.Equal(t, FieldInterpolated, r.Mode())

	for _, z := range []float64{-5, 0, 7.5, 20, 33, 40, 55} {
		want := quadraticField(z)
		got := r.Get(100, -100, z)
		assert.InDelta(t, want.Bx, got.Bx, 1e-9, "Bx at z=%v", z)
		assert.InDelta(t, want.By, got.By, 1e-9, "By at z=%v", z)
		assert.InDelta(t, want.Bz, got.Bz, 1e-9, "Bz at z=%v", z)
	}
}

func TestFieldRegionShift(t *testing.T) {
	t.Parallel()

	var r FieldRegion
	r.Set(quadraticField(10), 10, quadraticField(15), 15, quadraticField(30), 30)
	before := r.Get(0, 0, 22)
	r.Shift(22)
	after := r.Get(0, 0, 22)
	assert.InDelta(t, before.Bx, after.Bx, 1e-12)
	assert.InDelta(t, before.By, after.By, 1e-12)
	assert.InDelta(t, before.Bz, after.Bz, 1e-12)

	far := r.Get(0, 0, 40)
	want := quadraticField(40)
	assert.InDelta(t, want.By, far.By, 1e-9)
}

func TestFieldRegionLinear(t *testing.T) {
	t.Parallel()

	var r FieldRegion
	r.SetLinear(FieldValue{By: 1}, 0, FieldValue{By: 3}, 10)
	assert.InDelta(t, 2.0, r.Get(0, 0, 5).By, 1e-12)
	assert.InDelta(t, 5.0, r.Get(0, 0, 20).By, 1e-12)
}

func TestFieldRegionNull(t *testing.T) {
	t.Parallel()

	t.Run("interpolated below threshold", func(t *testing.T) {
		t.Parallel()
		var r FieldRegion
		tiny := FieldValue{Bx: 1e-5, By: 1e-5}
		r.Set(tiny, 0, tiny, 1, tiny, 2)
		assert.True(t, r.IsNull())
		assert.Equal(t, FieldValue{}, r.Get(0, 0, 1))
	})

	t.Run("one node above threshold", func(t *testing.T) {
		t.Parallel()
		var r FieldRegion
		r.Set(FieldValue{}, 0, FieldValue{By: 0.1}, 1, FieldValue{}, 2)
		assert.False(t, r.IsNull())
	})

	t.Run("original zero field", func(t *testing.T) {
		t.Parallel()
		r := NewOriginalFieldRegion(ZeroField)
		assert.True(t, r.IsNull())
		assert.Equal(t, FieldOriginal, r.Mode())
	})

	t.Run("original uniform field", func(t *testing.T) {
		t.Parallel()
		r := NewOriginalFieldRegion(UniformField{By: -5})
		assert.False(t, r.IsNull())
		assert.Equal(t, -5.0, r.Get(1, 2, 3).By)
	})

	t.Run("nil field", func(t *testing.T) {
		t.Parallel()
		assert.True(t, IsNullField(nil))
		assert.True(t, NewFieldRegionAlong(nil, 0, 0, 0, 0, 0, 10).IsNull())
	})
}

func TestNewFieldRegionAlong(t *testing.T) {
	t.Parallel()

	field := FieldFunc(func(x, y, z float64) FieldValue {
		return quadraticField(z)
	})
	r := NewFieldRegionAlong(field, 0, 0, 0.1, 0.1, 10, 50)
	require.False(t, r.IsNull())
	want := quadraticField(25)
	assert.InDelta(t, want.By, r.Get(0, 0, 25).By, 1e-9)
}

func TestSyncField(t *testing.T) {
	t.Parallel()

	calls := 0
	src := FieldFunc(func(x, y, z float64) FieldValue {
		calls++ // not safe without the wrapper
		return FieldValue{By: z}
	})
	sf := NewSyncField(src)
	assert.False(t, sf.IsNull())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				sf.Value(0, 0, float64(j))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, calls)

	assert.True(t, NewSyncField(ZeroField).IsNull())
}

func TestParseFieldMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    FieldMode
		wantErr bool
	}{
		{"", FieldOriginal, false},
		{"original", FieldOriginal, false},
		{"interpolated", FieldInterpolated, false},
		{"spline", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseFieldMode(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.want.String(), map[FieldMode]string{FieldOriginal: "original", FieldInterpolated: "interpolated"}[got])
	}
}
