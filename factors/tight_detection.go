package factors

import "github.com/go-slammot/estimator/se3"

// TightDetectionFactor ties an object pose to the ego pose through an
// observed bounding-box pose in the sensor (ego) frame. It is binary: both
// keys must live in the ego partition of the graph.
type TightDetectionFactor struct {
	Ego    Key
	Object Key
	Z      se3.Pose // observed bounding-box pose in sensor frame
	noise  DiagonalNoise
}

// NewTightDetectionFactor builds a tightly-coupled detection factor.
func NewTightDetectionFactor(ego, object Key, z se3.Pose, noise DiagonalNoise) *TightDetectionFactor {
	return &TightDetectionFactor{Ego: ego, Object: object, Z: z, noise: noise}
}

// Keys implements Factor.
func (f *TightDetectionFactor) Keys() []Key { return []Key{f.Ego, f.Object} }

// Noise implements Factor.
func (f *TightDetectionFactor) Noise() DiagonalNoise { return f.noise }

// Residual implements Factor: log( Z^-1 . (X^-1 . P) ).
func (f *TightDetectionFactor) Residual(v Values) se3.Tangent {
	x := v[f.Ego]
	p := v[f.Object]
	predicted := x.Inverse().Compose(p)
	return se3.Log(f.Z.Inverse().Compose(predicted))
}
