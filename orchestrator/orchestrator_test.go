package orchestrator

import (
	"testing"
	"time"

	"github.com/go-slammot/estimator/config"
	"github.com/go-slammot/estimator/ego"
	"github.com/go-slammot/estimator/se3"
	"github.com/go-slammot/estimator/smoother"
	"github.com/go-slammot/estimator/track"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepRegistersNewTrackFromUnclaimedDetection(t *testing.T) {
	cfg := config.Default()
	o := New(cfg, smoother.New(), smoother.New())

	in := ScanInput{
		Timestamp:      time.Now(),
		Dt:             0.1,
		RegisteredPose: se3.Identity(),
		Detections: []track.BoundingBox{
			{Pose: se3.Exp(se3.Tangent{0, 0, 0, 3, 0, 0})},
		},
	}
	require.NoError(t, o.Step(in))
	require.Len(t, o.Tracks(), 1)
	assert.Equal(t, track.StateNew, o.Tracks()[0].State)
}

func TestStepTracksPersistAcrossScans(t *testing.T) {
	cfg := config.Default()
	o := New(cfg, smoother.New(), smoother.New())

	detAt := func(x float64) []track.BoundingBox {
		return []track.BoundingBox{{Pose: se3.Exp(se3.Tangent{0, 0, 0, x, 0, 0})}}
	}

	require.NoError(t, o.Step(ScanInput{Timestamp: time.Now(), Dt: 0.1, RegisteredPose: se3.Identity(), Detections: detAt(3)}))
	require.Len(t, o.Tracks(), 1)

	require.NoError(t, o.Step(ScanInput{Timestamp: time.Now(), Dt: 0.1, RegisteredPose: se3.Identity(), Detections: detAt(3.02)}))
	require.Len(t, o.Tracks(), 1)
	assert.Equal(t, track.StatePreLoose, o.Tracks()[0].State)
	assert.Equal(t, 2, o.Tracks()[0].PathLength)
}

func TestStepMarksUnmatchedTrackLost(t *testing.T) {
	cfg := config.Default()
	o := New(cfg, smoother.New(), smoother.New())

	require.NoError(t, o.Step(ScanInput{
		Timestamp: time.Now(), Dt: 0.1, RegisteredPose: se3.Identity(),
		Detections: []track.BoundingBox{{Pose: se3.Exp(se3.Tangent{0, 0, 0, 3, 0, 0})}},
	}))
	require.NoError(t, o.Step(ScanInput{
		Timestamp: time.Now(), Dt: 0.1, RegisteredPose: se3.Identity(),
		Detections: nil,
	}))

	assert.Equal(t, 1, o.Tracks()[0].LostCount)
}

// promoteTrackToTight steps a stationary-object scenario until its single
// track reaches StateTight (at scan 5, the scan after its score hits KTight,
// with its score rising to KTight+1) and then
// steps one scan further, exercising the pose/velocity key migration a tight
// promotion forces across the loose/ego partition boundary.
func promoteTrackToTight(t *testing.T) (*Orchestrator, *track.Track) {
	t.Helper()
	cfg := config.Default()
	o := New(cfg, smoother.New(), smoother.New())

	detAt3 := []track.BoundingBox{{Pose: se3.Exp(se3.Tangent{0, 0, 0, 3, 0, 0})}}

	for i := 0; i < 6; i++ {
		require.NoError(t, o.Step(ScanInput{
			Timestamp:      time.Now(),
			Dt:             0.1,
			RegisteredPose: se3.Identity(),
			Detections:     detAt3,
		}))
	}

	require.Len(t, o.Tracks(), 1)
	return o, o.Tracks()[0]
}

func TestStepPromotesTrackToTightAndSurvivesNextScan(t *testing.T) {
	_, tr := promoteTrackToTight(t)

	assert.Equal(t, track.StateTight, tr.State)
	assert.Equal(t, 0, tr.LostCount)
	assert.Equal(t, 6, tr.PathLength)
}

func TestStepHandlesOcclusionAfterTightPromotion(t *testing.T) {
	o, tr := promoteTrackToTight(t)
	require.Equal(t, track.StateTight, tr.State)

	// The object drops out of view for one scan; the track must not error,
	// lose its keys, or get tombstoned this early into its lost-scan budget.
	require.NoError(t, o.Step(ScanInput{
		Timestamp:      time.Now(),
		Dt:             0.1,
		RegisteredPose: se3.Identity(),
		Detections:     nil,
	}))

	require.Len(t, o.Tracks(), 1)
	assert.Equal(t, 1, tr.LostCount)
	assert.False(t, tr.IsTombstoned())
	assert.False(t, tr.IsRetired(o.cfg.LMax))
	assert.Equal(t, track.StateTight, tr.State)
}

func TestStepAcceptsLoopClosureBetweenKeyPoses(t *testing.T) {
	cfg := config.Default()
	o := New(cfg, smoother.New(), smoother.New())

	require.NoError(t, o.Step(ScanInput{Timestamp: time.Now(), Dt: 0.1, RegisteredPose: se3.Identity()}))
	_, key0, ok := o.egoPipe.LastKeyPose()
	require.True(t, ok)

	require.NoError(t, o.Step(ScanInput{
		Timestamp: time.Now(), Dt: 0.1,
		RegisteredPose: se3.Exp(se3.Tangent{0, 0, 0, 1, 0, 0}),
	}))
	_, key1, ok := o.egoPipe.LastKeyPose()
	require.True(t, ok)
	require.NotEqual(t, key0, key1)

	hint := ego.LoopClosureHint{
		From:     key0,
		To:       key1,
		Relative: se3.Exp(se3.Tangent{0, 0, 0, 1, 0, 0}),
		Noise:    cfg.Noise.EgoOdometryBetweenNoise(),
	}
	require.NoError(t, o.Step(ScanInput{
		Timestamp:      time.Now(),
		Dt:             0.1,
		RegisteredPose: se3.Exp(se3.Tangent{0, 0, 0, 2, 0, 0}),
		LoopClosures:   []ego.LoopClosureHint{hint},
	}))
	assert.Len(t, o.EgoKeyPoseHistory(), 3)
}
