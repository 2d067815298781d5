// Package se3 implements the small slice of SE(3)/SO(3) algebra the
// estimator needs: composition, inversion and the log/exp maps used by the
// factor residuals and the constant-velocity motion model.
//
// Rotation is kept as a unit quaternion (gonum's num/quat, the same
// representation spatialmath uses) and translation as a golang/geo r3.Vector.
// The log/exp maps used here treat rotation and translation independently
// (SO(3) log on the quaternion, the translation carried through unchanged)
// rather than the fully coupled se(3) exponential coordinates gtsam uses.
// That simplification keeps every residual in this package exact for the
// identity round trip (Log(Exp(v)) == v) and for Compose/Inverse, which is
// all the factor library and the propagator rely on.
package se3

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Tangent is the 6-vector tangent-space representation used throughout the
// factor graph: first three components are the rotation vector (axis*angle,
// radians), last three are the translation.
type Tangent [6]float64

// Pose is an element of SE(3): a rotation (unit quaternion) and a
// translation.
type Pose struct {
	Rot   quat.Number
	Trans r3.Vector
}

// Identity returns the SE(3) identity element.
func Identity() Pose {
	return Pose{Rot: quat.Number{Real: 1}, Trans: r3.Vector{}}
}

// New builds a pose from a rotation quaternion (need not be normalized) and
// a translation vector.
func New(rot quat.Number, trans r3.Vector) Pose {
	return Pose{Rot: normalize(rot), Trans: trans}
}

func normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

func conj(q quat.Number) quat.Number {
	return quat.Conj(q)
}

// rotateVector rotates v by the rotation encoded in q.
func rotateVector(q quat.Number, v r3.Vector) r3.Vector {
	p := quat.Number{Real: 0, Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// Compose returns a * b: apply b first, then a.
func (a Pose) Compose(b Pose) Pose {
	return Pose{
		Rot:   normalize(quat.Mul(a.Rot, b.Rot)),
		Trans: a.Trans.Add(rotateVector(a.Rot, b.Trans)),
	}
}

// Inverse returns the pose such that p.Compose(p.Inverse()) == Identity().
func (p Pose) Inverse() Pose {
	rInv := conj(p.Rot)
	return Pose{
		Rot:   rInv,
		Trans: rotateVector(rInv, p.Trans).Mul(-1),
	}
}

// Between returns a.Inverse().Compose(b), the relative pose of b as seen
// from a.
func (a Pose) Between(b Pose) Pose {
	return a.Inverse().Compose(b)
}

// ExpSO3 maps a rotation vector (axis*angle) to a unit quaternion.
func ExpSO3(v r3.Vector) quat.Number {
	angle := v.Norm()
	if angle < 1e-12 {
		return quat.Number{Real: 1, Imag: v.X / 2, Jmag: v.Y / 2, Kmag: v.Z / 2}
	}
	half := angle / 2
	s := math.Sin(half) / angle
	return quat.Number{
		Real: math.Cos(half),
		Imag: v.X * s,
		Jmag: v.Y * s,
		Kmag: v.Z * s,
	}
}

// LogSO3 maps a unit quaternion to a rotation vector (axis*angle).
func LogSO3(q quat.Number) r3.Vector {
	q = normalize(q)
	imagNorm := math.Sqrt(q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if imagNorm < 1e-12 {
		return r3.Vector{X: 2 * q.Imag, Y: 2 * q.Jmag, Z: 2 * q.Kmag}
	}
	w := q.Real
	if w > 1 {
		w = 1
	} else if w < -1 {
		w = -1
	}
	angle := 2 * math.Atan2(imagNorm, w)
	if angle > math.Pi {
		angle -= 2 * math.Pi
	}
	s := angle / imagNorm
	return r3.Vector{X: q.Imag * s, Y: q.Jmag * s, Z: q.Kmag * s}
}

// Exp maps a tangent vector to a pose: rotation from the first three
// components, translation from the last three.
func Exp(v Tangent) Pose {
	rot := ExpSO3(r3.Vector{X: v[0], Y: v[1], Z: v[2]})
	return Pose{Rot: rot, Trans: r3.Vector{X: v[3], Y: v[4], Z: v[5]}}
}

// Log is the inverse of Exp.
func Log(p Pose) Tangent {
	rv := LogSO3(p.Rot)
	return Tangent{rv.X, rv.Y, rv.Z, p.Trans.X, p.Trans.Y, p.Trans.Z}
}

// Retract composes a base pose with Exp(delta); it is the smoother's update
// rule when applying a computed increment to a linearization point.
func Retract(base Pose, delta Tangent) Pose {
	return base.Compose(Exp(delta))
}

// Local is the inverse of Retract: the tangent vector that carries base to
// target.
func Local(base, target Pose) Tangent {
	return Log(base.Between(target))
}

// RotationAngleVector returns the rotation component of the tangent vector.
func (t Tangent) RotationAngleVector() r3.Vector {
	return r3.Vector{X: t[0], Y: t[1], Z: t[2]}
}

// TranslationVector returns the translation component of the tangent
// vector.
func (t Tangent) TranslationVector() r3.Vector {
	return r3.Vector{X: t[3], Y: t[4], Z: t[5]}
}

// EulerZYX returns the intrinsic Z-Y-X Euler angle decomposition (yaw,
// pitch, roll) of a rotation, used only for the human-readable
// transformations.pcd export.
func EulerZYX(q quat.Number) (roll, pitch, yaw float64) {
	q = normalize(q)
	sinrCosp := 2 * (q.Real*q.Imag + q.Jmag*q.Kmag)
	cosrCosp := 1 - 2*(q.Imag*q.Imag+q.Jmag*q.Jmag)
	roll = math.Atan2(sinrCosp, cosrCosp)

	sinp := 2 * (q.Real*q.Jmag - q.Kmag*q.Imag)
	if sinp >= 1 {
		pitch = math.Pi / 2
	} else if sinp <= -1 {
		pitch = -math.Pi / 2
	} else {
		pitch = math.Asin(sinp)
	}

	sinyCosp := 2 * (q.Real*q.Kmag + q.Imag*q.Jmag)
	cosyCosp := 1 - 2*(q.Jmag*q.Jmag+q.Kmag*q.Kmag)
	yaw = math.Atan2(sinyCosp, cosyCosp)
	return roll, pitch, yaw
}

// Sub returns the component-wise difference a - b.
func (a Tangent) Sub(b Tangent) Tangent {
	var out Tangent
	for i := range a {
		out[i] = a[i] - b[i]
	}
	return out
}

// Scale returns the tangent vector scaled by s.
func (a Tangent) Scale(s float64) Tangent {
	var out Tangent
	for i := range a {
		out[i] = a[i] * s
	}
	return out
}
