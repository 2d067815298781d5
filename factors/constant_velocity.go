package factors

import "github.com/go-slammot/estimator/se3"

// ConstantVelocityFactor penalizes change in an object's velocity between
// consecutive steps. Two noise levels are used by the coupling
// state machine: a wider "early" noise for the first N_early steps of a
// track, then the nominal noise.
type ConstantVelocityFactor struct {
	PrevVel Key
	CurVel  Key
	noise   DiagonalNoise
}

// NewConstantVelocityFactor builds a constant-velocity factor.
func NewConstantVelocityFactor(prevVel, curVel Key, noise DiagonalNoise) *ConstantVelocityFactor {
	return &ConstantVelocityFactor{PrevVel: prevVel, CurVel: curVel, noise: noise}
}

// Keys implements Factor.
func (f *ConstantVelocityFactor) Keys() []Key { return []Key{f.PrevVel, f.CurVel} }

// Noise implements Factor.
func (f *ConstantVelocityFactor) Noise() DiagonalNoise { return f.noise }

// Residual implements Factor: log( V_{t-1}^-1 . V_t ).
func (f *ConstantVelocityFactor) Residual(v Values) se3.Tangent {
	prev := v[f.PrevVel]
	cur := v[f.CurVel]
	return se3.Log(prev.Inverse().Compose(cur))
}
