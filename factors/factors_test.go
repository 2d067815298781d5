package factors

import (
	"testing"

	"github.com/go-slammot/estimator/se3"
	"github.com/stretchr/testify/assert"
)

func zeroNoise() DiagonalNoise {
	return NewDiagonalNoise(0.01, 0.01, 0.01, 0.01, 0.01, 0.01)
}

func assertZeroResidual(t *testing.T, r se3.Tangent) {
	t.Helper()
	for i, c := range r {
		assert.InDeltaf(t, 0, c, 1e-9, "component %d", i)
	}
}

// TestTightDetectionExactSolution verifies the residual is zero when the
// object pose exactly matches the detection composed onto the ego pose.
func TestTightDetectionExactSolution(t *testing.T) {
	ego := se3.Exp(se3.Tangent{0, 0, 0.2, 1, 2, 0})
	z := se3.Exp(se3.Tangent{0, 0, 0, 5, 0, 0})
	obj := ego.Compose(z)

	f := NewTightDetectionFactor(1, 2, z, zeroNoise())
	values := Values{1: ego, 2: obj}
	assertZeroResidual(t, f.Residual(values))
}

func TestLooseDetectionExactSolution(t *testing.T) {
	frozenEgo := se3.Exp(se3.Tangent{0, 0.1, 0, 0, 0, 1})
	z := se3.Exp(se3.Tangent{0, 0, 0.1, 2, 0, 0})
	obj := frozenEgo.Compose(z)

	f := NewLooseDetectionFactor(1, frozenEgo, z, zeroNoise())
	values := Values{1: obj}
	assertZeroResidual(t, f.Residual(values))
}

func TestStablePoseExactSolution(t *testing.T) {
	dt := 0.5
	prevPose := se3.Exp(se3.Tangent{0, 0, 0, 0, 0, 0})
	vel := se3.Exp(se3.Tangent{0, 0, 0, 1, 0, 0}) // 1 m/s along x
	curPose := prevPose.Compose(se3.Exp(se3.Log(vel).Scale(dt)))

	f := NewStablePoseFactor(1, 2, 3, dt, zeroNoise())
	values := Values{1: prevPose, 2: vel, 3: curPose}
	assertZeroResidual(t, f.Residual(values))
}

func TestConstantVelocityExactSolution(t *testing.T) {
	v := se3.Exp(se3.Tangent{0, 0, 0, 0.5, 0, 0})
	f := NewConstantVelocityFactor(1, 2, zeroNoise())
	values := Values{1: v, 2: v}
	assertZeroResidual(t, f.Residual(values))
}

func TestPriorExactSolution(t *testing.T) {
	p := se3.Exp(se3.Tangent{0.1, 0, 0, 1, 1, 1})
	f := NewPriorFactor(1, p, zeroNoise())
	assertZeroResidual(t, f.Residual(Values{1: p}))
}

func TestBetweenExactSolution(t *testing.T) {
	from := se3.Exp(se3.Tangent{0, 0, 0.1, 0, 0, 0})
	rel := se3.Exp(se3.Tangent{0, 0, 0, 1, 0, 0})
	to := from.Compose(rel)
	f := NewBetweenFactor(1, 2, rel, zeroNoise())
	assertZeroResidual(t, f.Residual(Values{1: from, 2: to}))
}

func TestGPSExactSolution(t *testing.T) {
	p := se3.Exp(se3.Tangent{0, 0, 0, 3, 4, 5})
	f := NewGPSFactor(1, [3]float64{3, 4, 5}, zeroNoise())
	r := f.Residual(Values{1: p})
	assertZeroResidual(t, r)
}

func TestErrorIsNonNegative(t *testing.T) {
	ego := se3.Identity()
	obj := se3.Exp(se3.Tangent{0, 0, 0, 10, 0, 0})
	z := se3.Identity()
	f := NewTightDetectionFactor(1, 2, z, zeroNoise())
	e := Error(f, Values{1: ego, 2: obj})
	assert.Greater(t, e, 0.0)
}
