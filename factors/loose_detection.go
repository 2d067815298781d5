package factors

import "github.com/go-slammot/estimator/se3"

// LooseDetectionFactor anchors an object pose against a frozen ego pose
// estimate (captured when the factor was created), so the residual never
// pulls on the ego variable: it is unary over the object pose only.
type LooseDetectionFactor struct {
	Object     Key
	FrozenEgo  se3.Pose // ego pose estimate at factor creation time, not a variable
	Z          se3.Pose // observed bounding-box pose in sensor frame
	noise      DiagonalNoise
}

// NewLooseDetectionFactor builds a loosely-coupled detection factor.
func NewLooseDetectionFactor(object Key, frozenEgo, z se3.Pose, noise DiagonalNoise) *LooseDetectionFactor {
	return &LooseDetectionFactor{Object: object, FrozenEgo: frozenEgo, Z: z, noise: noise}
}

// Keys implements Factor.
func (f *LooseDetectionFactor) Keys() []Key { return []Key{f.Object} }

// Noise implements Factor.
func (f *LooseDetectionFactor) Noise() DiagonalNoise { return f.noise }

// Residual implements Factor: log( Z^-1 . (Xfrozen^-1 . P) ).
func (f *LooseDetectionFactor) Residual(v Values) se3.Tangent {
	p := v[f.Object]
	predicted := f.FrozenEgo.Inverse().Compose(p)
	return se3.Log(f.Z.Inverse().Compose(predicted))
}
