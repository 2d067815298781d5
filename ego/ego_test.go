package ego

import (
	"testing"
	"time"

	"github.com/go-slammot/estimator/config"
	"github.com/go-slammot/estimator/factors"
	"github.com/go-slammot/estimator/se3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGraph struct {
	values  map[factors.Key]se3.Pose
	factors []factors.Factor
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{values: map[factors.Key]se3.Pose{}}
}

func (g *fakeGraph) InsertValue(key factors.Key, v0 se3.Pose) { g.values[key] = v0 }
func (g *fakeGraph) EraseValue(key factors.Key)                { delete(g.values, key) }
func (g *fakeGraph) HasValue(key factors.Key) bool             { _, ok := g.values[key]; return ok }
func (g *fakeGraph) AddFactor(f factors.Factor) error {
	g.factors = append(g.factors, f)
	return nil
}

func allocatorFrom(n int) KeyAllocator {
	return func() factors.Key {
		k := factors.Key(n)
		n++
		return k
	}
}

func TestFirstScanAlwaysKeyFrame(t *testing.T) {
	p := New(config.Default())
	assert.True(t, p.ShouldAcceptKeyFrame(se3.Identity()))
}

func TestKeyFrameGateTranslation(t *testing.T) {
	cfg := config.Default()
	cfg.KeyFrame.TranslationMeters = 0.5
	p := New(cfg)
	g := newFakeGraph()
	_, err := p.AcceptKeyFrame(g, allocatorFrom(0), se3.Identity(), DegeneracyMask{})
	require.NoError(t, err)

	near := se3.Exp(se3.Tangent{0, 0, 0, 0.1, 0, 0})
	assert.False(t, p.ShouldAcceptKeyFrame(near))

	far := se3.Exp(se3.Tangent{0, 0, 0, 1.0, 0, 0})
	assert.True(t, p.ShouldAcceptKeyFrame(far))
}

func TestAcceptKeyFrameAddsPriorThenBetween(t *testing.T) {
	p := New(config.Default())
	g := newFakeGraph()
	alloc := allocatorFrom(1)

	k1, err := p.AcceptKeyFrame(g, alloc, se3.Identity(), DegeneracyMask{})
	require.NoError(t, err)
	assert.Len(t, g.factors, 1)
	_, isPrior := g.factors[0].(*factors.PriorFactor)
	assert.True(t, isPrior)

	pose2 := se3.Exp(se3.Tangent{0, 0, 0, 1, 0, 0})
	k2, err := p.AcceptKeyFrame(g, alloc, pose2, DegeneracyMask{})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)
	assert.Len(t, g.factors, 2)
	_, isBetween := g.factors[1].(*factors.BetweenFactor)
	assert.True(t, isBetween)
}

func TestGNSSGatingSkipsHighCovariance(t *testing.T) {
	p := New(config.Default())
	g := newFakeGraph()
	alloc := allocatorFrom(1)
	key, _ := p.AcceptKeyFrame(g, alloc, se3.Identity(), DegeneracyMask{})

	sample := GNSSSample{Timestamp: time.Now(), Position: [3]float64{1, 2, 3}, Covariance: [3]float64{10, 10, 10}}
	added := p.TryAddGNSSFactor(g, key, sample, time.Now())
	assert.False(t, added)
}

func TestGNSSGatingAcceptsGoodSample(t *testing.T) {
	p := New(config.Default())
	g := newFakeGraph()
	alloc := allocatorFrom(1)
	key, _ := p.AcceptKeyFrame(g, alloc, se3.Identity(), DegeneracyMask{})

	sample := GNSSSample{Timestamp: time.Now(), Position: [3]float64{1, 2, 3}, Covariance: [3]float64{0.01, 0.01, 0.01}}
	added := p.TryAddGNSSFactor(g, key, sample, time.Now())
	assert.True(t, added)
}

func TestTentativeInsertEraseRoundTrip(t *testing.T) {
	p := New(config.Default())
	g := newFakeGraph()
	alloc := allocatorFrom(1)
	key, _ := p.AcceptKeyFrame(g, alloc, se3.Identity(), DegeneracyMask{})

	g.EraseValue(key) // simulate the key having no persisted value yet
	wasNew := p.TentativeInsert(g)
	assert.True(t, wasNew)
	assert.True(t, g.HasValue(key))

	p.EraseTentative(g, wasNew)
	assert.False(t, g.HasValue(key))
}

func TestDegeneracyMaskZeroesComponent(t *testing.T) {
	rel := se3.Exp(se3.Tangent{0, 0, 0, 1, 2, 3})
	mask := DegeneracyMask{false, false, false, true, false, false}
	masked := applyDegeneracyMask(rel, mask)
	tangent := se3.Log(masked)
	assert.InDelta(t, 0, tangent[3], 1e-9)
	assert.InDelta(t, 2, tangent[4], 1e-9)
}
