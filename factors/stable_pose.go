package factors

import "github.com/go-slammot/estimator/se3"

// StablePoseFactor encodes the constant-twist prediction between two
// consecutive object poses: P_t ~= P_{t-1} . Exp(dt * log(V_{t-1})).
// It is ternary over the previous pose, the previous velocity
// and the current pose.
type StablePoseFactor struct {
	PrevPose Key
	PrevVel  Key
	CurPose  Key
	Dt       float64
	noise    DiagonalNoise
}

// NewStablePoseFactor builds a stable-pose motion factor.
func NewStablePoseFactor(prevPose, prevVel, curPose Key, dt float64, noise DiagonalNoise) *StablePoseFactor {
	return &StablePoseFactor{PrevPose: prevPose, PrevVel: prevVel, CurPose: curPose, Dt: dt, noise: noise}
}

// Keys implements Factor.
func (f *StablePoseFactor) Keys() []Key { return []Key{f.PrevPose, f.PrevVel, f.CurPose} }

// Noise implements Factor.
func (f *StablePoseFactor) Noise() DiagonalNoise { return f.noise }

// Residual implements Factor:
// log( P_t^-1 . ( P_{t-1} . Exp( dt * log(V_{t-1}) ) ) ).
func (f *StablePoseFactor) Residual(v Values) se3.Tangent {
	prevPose := v[f.PrevPose]
	prevVel := v[f.PrevVel]
	curPose := v[f.CurPose]

	twist := se3.Log(prevVel).Scale(f.Dt)
	predicted := prevPose.Compose(se3.Exp(twist))
	return se3.Log(curPose.Inverse().Compose(predicted))
}
