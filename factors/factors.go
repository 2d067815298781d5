// Package factors implements the four custom nonlinear residuals the
// estimator adds to its incremental smoother: the tightly- and
// loosely-coupled detection factors, the stable-pose motion factor and the
// constant-velocity factor. Each factor follows gtsam's NoiseModelFactor
// contract (keys + a residual evaluated against a diagonal Gaussian) at a
// scale the smoother package can linearize with numeric Jacobians.
package factors

import (
	"math"

	"github.com/go-slammot/estimator/se3"
)

// Key identifies a variable in the smoother: an ego key-pose, an object
// pose, or an object velocity. Keys are never reused.
type Key uint64

// Values is the current linearization point: every variable's pose.
// Object velocities are stored as SE3 elements too (their log is the twist),
// matching the smoother's variable model.
type Values map[Key]se3.Pose

// DiagonalNoise is a diagonal Gaussian information on a 6-vector residual.
type DiagonalNoise struct {
	Variances se3.Tangent
}

// NewDiagonalNoise builds a DiagonalNoise from six variances
// (roll, pitch, yaw, x, y, z).
func NewDiagonalNoise(rx, ry, rz, tx, ty, tz float64) DiagonalNoise {
	return DiagonalNoise{Variances: se3.Tangent{rx, ry, rz, tx, ty, tz}}
}

// Whiten divides the residual by the per-component standard deviation.
func (n DiagonalNoise) Whiten(r se3.Tangent) se3.Tangent {
	var out se3.Tangent
	for i := range r {
		v := n.Variances[i]
		if v <= 0 {
			v = 1e-9
		}
		out[i] = r[i] / math.Sqrt(v)
	}
	return out
}

// Mahalanobis returns r^T Sigma^-1 r for the diagonal noise model.
func (n DiagonalNoise) Mahalanobis(r se3.Tangent) float64 {
	var sum float64
	for i := range r {
		v := n.Variances[i]
		if v <= 0 {
			v = 1e-9
		}
		sum += r[i] * r[i] / v
	}
	return sum
}

// Factor is the common contract for every residual in the graph: which
// variables it touches and how it evaluates against a linearization point.
// The smoother differentiates Residual numerically; factors never expose
// analytic Jacobians, mirroring how a small incremental solver that only
// needs to be correct, not fast at scale, is commonly built.
type Factor interface {
	Keys() []Key
	Residual(v Values) se3.Tangent
	Noise() DiagonalNoise
}

// Error returns the whitened squared error 0.5 * r^T Sigma^-1 r, the
// quantity a Gauss-Newton/LM solve minimizes.
func Error(f Factor, v Values) float64 {
	return 0.5 * f.Noise().Mahalanobis(f.Residual(v))
}
