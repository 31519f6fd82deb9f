package kf

import (
	"fmt"
	"sync"
)

// FieldValue is a magnetic field vector in kG.
type FieldValue struct {
	Bx, By, Bz float64
}

// Mag2 returns the squared magnitude of the field.
func (b FieldValue) Mag2() float64 { return b.Bx*b.Bx + b.By*b.By + b.Bz*b.Bz }

// IsZero reports whether the field is below the minimal field threshold.
func (b FieldValue) IsZero() bool { return b.Mag2() <= MinFieldSq }

func (b FieldValue) String() string {
	return fmt.Sprintf("(%g, %g, %g) kG", b.Bx, b.By, b.Bz)
}

// Field evaluates the magnetic field at a point. Implementations must be
// safe to call from several goroutines at once; wrap a non-reentrant
// source with NewSyncField.
type Field interface {
	Value(x, y, z float64) FieldValue
}

// FieldFunc adapts a plain function to the Field interface.
type FieldFunc func(x, y, z float64) FieldValue

// Value implements Field.
func (f FieldFunc) Value(x, y, z float64) FieldValue { return f(x, y, z) }

// nuller is implemented by fields that know they are null everywhere.
type nuller interface {
	IsNull() bool
}

// UniformField is a constant field.
type UniformField FieldValue

// Value implements Field.
func (u UniformField) Value(_, _, _ float64) FieldValue { return FieldValue(u) }

// IsNull reports whether the uniform field is below the minimal threshold.
func (u UniformField) IsNull() bool { return FieldValue(u).IsZero() }

// ZeroField is the field-free configuration.
var ZeroField Field = UniformField{}

// SyncField serialises calls into a field source that is not reentrant.
type SyncField struct {
	mu  sync.Mutex
	src Field
}

// NewSyncField wraps src with a mutex.
func NewSyncField(src Field) *SyncField {
	return &SyncField{src: src}
}

// Value implements Field.
func (s *SyncField) Value(x, y, z float64) FieldValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src.Value(x, y, z)
}

// IsNull forwards to the wrapped field when it can tell.
func (s *SyncField) IsNull() bool {
	return IsNullField(s.src)
}

// IsNullField reports whether f is known to be null everywhere.
func IsNullField(f Field) bool {
	if f == nil {
		return true
	}
	if n, ok := f.(nuller); ok {
		return n.IsNull()
	}
	return false
}

// FieldType distinguishes regions where propagation needs the field from
// field-free ones.
type FieldType int

const (
	FieldNormal FieldType = iota
	FieldNull
)

func (t FieldType) String() string {
	if t == FieldNull {
		return "null"
	}
	return "normal"
}

// FieldMode selects how a FieldRegion answers Get.
type FieldMode int

const (
	// FieldInterpolated approximates each component by a polynomial in z.
	FieldInterpolated FieldMode = iota
	// FieldOriginal evaluates the underlying field directly.
	FieldOriginal
)

func (m FieldMode) String() string {
	switch m {
	case FieldInterpolated:
		return "interpolated"
	case FieldOriginal:
		return "original"
	default:
		return fmt.Sprintf("FieldMode(%d)", int(m))
	}
}

// ParseFieldMode parses the configuration spelling of a FieldMode.
func ParseFieldMode(s string) (FieldMode, error) {
	switch s {
	case "", "original":
		return FieldOriginal, nil
	case "interpolated":
		return FieldInterpolated, nil
	default:
		return 0, fmt.Errorf("unknown field mode %q", s)
	}
}

// FieldRegion approximates the field along a short z interval. In
// interpolated mode every component is c0 + c1*d + c2*d², d = z - z0.
type FieldRegion struct {
	mode FieldMode
	typ  FieldType

	cx, cy, cz [3]float64
	z0         float64

	orig Field
}

// NewOriginalFieldRegion returns a region that evaluates f directly.
func NewOriginalFieldRegion(f Field) *FieldRegion {
	r := &FieldRegion{mode: FieldOriginal, orig: f}
	if IsNullField(f) {
		r.typ = FieldNull
		r.orig = ZeroField
	}
	return r
}

// NewFieldRegionAlong samples f at the start, middle and end of the straight
// line from (x, y, z) with slopes (tx, ty) to zOut and builds a quadratic
// region from the samples.
func NewFieldRegionAlong(f Field, x, y, tx, ty, z, zOut float64) *FieldRegion {
	r := &FieldRegion{}
	if IsNullField(f) {
		r.typ = FieldNull
		return r
	}
	zm := 0.5 * (z + zOut)
	if zOut == z {
		r.SetLinear(f.Value(x, y, z), z, f.Value(x, y, z), z+1)
		return r
	}
	b0 := f.Value(x, y, z)
	b1 := f.Value(x+tx*(zm-z), y+ty*(zm-z), zm)
	b2 := f.Value(x+tx*(zOut-z), y+ty*(zOut-z), zOut)
	r.Set(b0, z, b1, zm, b2, zOut)
	return r
}

// Set builds a quadratic approximation through three (field, z) samples.
// The z values must be distinct.
func (r *FieldRegion) Set(b0 FieldValue, z0 float64, b1 FieldValue, z1 float64, b2 FieldValue, z2 float64) {
	r.mode = FieldInterpolated
	r.orig = nil
	r.z0 = z0
	dz1 := z1 - z0
	dz2 := z2 - z0
	det := 1 / (dz1 * dz2 * (z2 - z1))

	w21 := -dz2 * det
	w22 := dz1 * det
	w11 := -dz2 * w21
	w12 := -dz1 * w22

	coef := func(v0, v1, v2 float64) [3]float64 {
		db1 := v1 - v0
		db2 := v2 - v0
		return [3]float64{v0, db1*w11 + db2*w12, db1*w21 + db2*w22}
	}
	r.cx = coef(b0.Bx, b1.Bx, b2.Bx)
	r.cy = coef(b0.By, b1.By, b2.By)
	r.cz = coef(b0.Bz, b1.Bz, b2.Bz)

	r.typ = FieldNormal
	if b0.IsZero() && b1.IsZero() && b2.IsZero() {
		r.typ = FieldNull
	}
}

// SetLinear builds a linear approximation through two samples.
func (r *FieldRegion) SetLinear(b0 FieldValue, z0 float64, b1 FieldValue, z1 float64) {
	r.mode = FieldInterpolated
	r.orig = nil
	r.z0 = z0
	dzi := 1 / (z1 - z0)
	r.cx = [3]float64{b0.Bx, (b1.Bx - b0.Bx) * dzi, 0}
	r.cy = [3]float64{b0.By, (b1.By - b0.By) * dzi, 0}
	r.cz = [3]float64{b0.Bz, (b1.Bz - b0.Bz) * dzi, 0}

	r.typ = FieldNormal
	if b0.IsZero() && b1.IsZero() {
		r.typ = FieldNull
	}
}

// Shift moves the expansion point to z without changing the approximation.
func (r *FieldRegion) Shift(z float64) {
	if r.mode != FieldInterpolated {
		return
	}
	dz := z - r.z0
	for _, c := range []*[3]float64{&r.cx, &r.cy, &r.cz} {
		c[0] += (c[1] + c[2]*dz) * dz
		c[1] += 2 * c[2] * dz
	}
	r.z0 = z
}

// nullAlong reports whether the field is below the threshold at the start,
// middle and end of the straight line from (x, y, z) with slopes (tx, ty)
// to zOut. Interpolated regions decide once, when they are built.
func (r *FieldRegion) nullAlong(x, y, tx, ty, z, zOut float64) bool {
	if r.typ == FieldNull {
		return true
	}
	if r.mode != FieldOriginal {
		return false
	}
	for _, zi := range [3]float64{z, 0.5 * (z + zOut), zOut} {
		if !r.orig.Value(x+tx*(zi-z), y+ty*(zi-z), zi).IsZero() {
			return false
		}
	}
	return true
}

// Get returns the field at (x, y, z). Interpolated regions ignore x and y.
func (r *FieldRegion) Get(x, y, z float64) FieldValue {
	if r.typ == FieldNull {
		return FieldValue{}
	}
	if r.mode == FieldOriginal {
		return r.orig.Value(x, y, z)
	}
	d := z - r.z0
	d2 := d * d
	return FieldValue{
		Bx: r.cx[0] + r.cx[1]*d + r.cx[2]*d2,
		By: r.cy[0] + r.cy[1]*d + r.cy[2]*d2,
		Bz: r.cz[0] + r.cz[1]*d + r.cz[2]*d2,
	}
}

// Type reports whether the region is field-free.
func (r *FieldRegion) Type() FieldType { return r.typ }

// Mode reports how the region evaluates the field.
func (r *FieldRegion) Mode() FieldMode { return r.mode }

// IsNull reports whether propagation may treat the region as field-free.
func (r *FieldRegion) IsNull() bool { return r.typ == FieldNull }
