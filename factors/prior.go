package factors

import "github.com/go-slammot/estimator/se3"

// PriorFactor pins a single variable near a given pose. Used for the first
// ego key-pose and for the velocity prior a freshly-registered track gets.
type PriorFactor struct {
	Var   Key
	Prior se3.Pose
	noise DiagonalNoise
}

// NewPriorFactor builds a prior factor.
func NewPriorFactor(variable Key, prior se3.Pose, noise DiagonalNoise) *PriorFactor {
	return &PriorFactor{Var: variable, Prior: prior, noise: noise}
}

// Keys implements Factor.
func (f *PriorFactor) Keys() []Key { return []Key{f.Var} }

// Noise implements Factor.
func (f *PriorFactor) Noise() DiagonalNoise { return f.noise }

// Residual implements Factor: log( Prior^-1 . X ).
func (f *PriorFactor) Residual(v Values) se3.Tangent {
	x := v[f.Var]
	return se3.Log(f.Prior.Inverse().Compose(x))
}

// BetweenFactor constrains the relative pose between two ego key-poses:
// odometry between-factors and loop-closure/GNSS-bracketed constraints.
type BetweenFactor struct {
	From     Key
	To       Key
	Relative se3.Pose
	noise    DiagonalNoise
}

// NewBetweenFactor builds a between-factor.
func NewBetweenFactor(from, to Key, relative se3.Pose, noise DiagonalNoise) *BetweenFactor {
	return &BetweenFactor{From: from, To: to, Relative: relative, noise: noise}
}

// Keys implements Factor.
func (f *BetweenFactor) Keys() []Key { return []Key{f.From, f.To} }

// Noise implements Factor.
func (f *BetweenFactor) Noise() DiagonalNoise { return f.noise }

// Residual implements Factor: log( Relative^-1 . (From^-1 . To) ).
func (f *BetweenFactor) Residual(v Values) se3.Tangent {
	from := v[f.From]
	to := v[f.To]
	predicted := from.Inverse().Compose(to)
	return se3.Log(f.Relative.Inverse().Compose(predicted))
}

// GPSFactor constrains only the translation component of an ego key-pose
// against a GNSS position fix (gtsam's GPSFactor equivalent). The rotation
// components of the residual are left at zero so the factor never
// influences orientation.
type GPSFactor struct {
	Var      Key
	Position [3]float64
	noise    DiagonalNoise
}

// NewGPSFactor builds a GPS (position-only) factor.
func NewGPSFactor(variable Key, position [3]float64, noise DiagonalNoise) *GPSFactor {
	return &GPSFactor{Var: variable, Position: position, noise: noise}
}

// Keys implements Factor.
func (f *GPSFactor) Keys() []Key { return []Key{f.Var} }

// Noise implements Factor.
func (f *GPSFactor) Noise() DiagonalNoise { return f.noise }

// Residual implements Factor: zero rotation, translation difference.
func (f *GPSFactor) Residual(v Values) se3.Tangent {
	x := v[f.Var]
	return se3.Tangent{
		0, 0, 0,
		x.Trans.X - f.Position[0],
		x.Trans.Y - f.Position[1],
		x.Trans.Z - f.Position[2],
	}
}
