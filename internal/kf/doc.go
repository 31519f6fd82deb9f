// Package kf implements the Kalman-filter track model used by the
// trajectory fitter.
//
// Responsibilities: the 7-parameter track state with its packed
// covariance (TrackParam), local magnetic field approximation
// (FieldRegion), state and covariance propagation through a field,
// multiple-scattering and energy-loss corrections, position and time
// measurement updates (TrackKalmanFilter), and the two-estimate merge
// used for smoothing (Smooth).
//
// Units: cm, ns, GeV, kG. Track parameters are ordered
// x, y, tx, ty, qp, t, vi throughout the package.
//
// Nothing in this package is safe for concurrent use; give each goroutine
// its own TrackKalmanFilter.
package kf
