package kf

// MeasurementXy is a 2D position measurement. A coordinate with ndf 0 is
// unmeasured.
type MeasurementXy struct {
	X, Y          float64 // cm
	Dx2, Dy2, Dxy float64 // cm²
	NdfX, NdfY    int
}

// MeasurementTime is a time measurement. It is active only when NdfT > 0.
type MeasurementTime struct {
	T    float64 // ns
	Dt2  float64 // ns²
	NdfT int
}

// MeasurementU is a 1D measurement of u = cosPhi*x + sinPhi*y.
type MeasurementU struct {
	CosPhi, SinPhi float64
	U              float64
	Du2            float64
	Ndf            int
}

// splitXy rewrites a correlated (x, y) measurement as an x measurement and
// an uncorrelated measurement of u = y - (Dxy/Dx2)*x. When x carries no
// information the y measurement is used as is.
func splitXy(m MeasurementXy, xUnmeasured bool) (mx, mu MeasurementU) {
	mx = MeasurementU{CosPhi: 1, SinPhi: 0, U: m.X, Du2: m.Dx2, Ndf: m.NdfX}
	mu = MeasurementU{SinPhi: 1, U: m.Y, Du2: m.Dy2, Ndf: m.NdfY}
	if xUnmeasured || m.Dx2 <= 0 {
		return mx, mu
	}
	mu.CosPhi = -m.Dxy / m.Dx2
	mu.U = mu.CosPhi*m.X + m.Y
	mu.Du2 = m.Dy2 - m.Dxy*m.Dxy/m.Dx2
	return mx, mu
}
