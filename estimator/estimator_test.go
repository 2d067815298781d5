package estimator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-slammot/estimator/config"
	"github.com/go-slammot/estimator/ego"
	"github.com/go-slammot/estimator/mapio"
	"github.com/go-slammot/estimator/se3"
	"github.com/go-slammot/estimator/track"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func detectionsAt(x float64) []track.BoundingBox {
	return []track.BoundingBox{{Pose: se3.Exp(se3.Tangent{0, 0, 0, x, 0, 0})}}
}

func fetcherFor(dets []track.BoundingBox) DetectionFetcher {
	return func(ctx context.Context) ([]track.BoundingBox, error) { return dets, nil }
}

func TestStepRegistersTrackFromFetchedDetections(t *testing.T) {
	e := New(config.Default(), nil)

	err := e.Step(context.Background(), ScanObservation{
		Timestamp:      time.Now(),
		Dt:             0.1,
		RegisteredPose: se3.Identity(),
	}, fetcherFor(detectionsAt(3)))
	require.NoError(t, err)

	require.Len(t, e.Tracks(), 1)
}

func TestStepPropagatesDetectionFetchError(t *testing.T) {
	e := New(config.Default(), nil)
	boom := errFetch{}

	err := e.Step(context.Background(), ScanObservation{Timestamp: time.Now(), Dt: 0.1}, func(ctx context.Context) ([]track.BoundingBox, error) {
		return nil, boom
	})
	assert.Error(t, err)
}

type errFetch struct{}

func (errFetch) Error() string { return "detector unavailable" }

func TestStepHonorsContextCancellation(t *testing.T) {
	e := New(config.Default(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	blocked := make(chan struct{})
	err := e.Step(ctx, ScanObservation{Timestamp: time.Now(), Dt: 0.1}, func(ctx context.Context) ([]track.BoundingBox, error) {
		<-blocked
		return nil, nil
	})
	assert.Error(t, err)
	close(blocked)
}

func TestSaveEstimationResultWritesRegisteredTracks(t *testing.T) {
	e := New(config.Default(), nil)
	require.NoError(t, e.Step(context.Background(), ScanObservation{
		Timestamp: time.Now(), Dt: 0.1, RegisteredPose: se3.Identity(),
	}, fetcherFor(detectionsAt(3))))

	path := filepath.Join(t.TempDir(), "result.jsonl")
	require.NoError(t, e.SaveEstimationResult(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

type fakeMapService struct{}

func (fakeMapService) CornerMap() []mapio.Point { return []mapio.Point{{X: 1}} }
func (fakeMapService) SurfMap() []mapio.Point   { return []mapio.Point{{Y: 1}} }
func (fakeMapService) GlobalMap() []mapio.Point { return []mapio.Point{{X: 1}, {Y: 1}} }

func TestSaveMapWritesTrajectoryAndPointClouds(t *testing.T) {
	e := New(config.Default(), nil)
	require.NoError(t, e.Step(context.Background(), ScanObservation{
		Timestamp: time.Now(), Dt: 0.1, RegisteredPose: se3.Identity(),
	}, fetcherFor(detectionsAt(3))))

	dir := filepath.Join(t.TempDir(), "map")
	require.NoError(t, e.SaveMap(dir, fakeMapService{}))

	for _, name := range []string{"trajectory.pcd", "transformations.pcd", "CornerMap.pcd", "SurfMap.pcd", "GlobalMap.pcd"} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))
	}
}

func TestStepPromotesTrackToTightAcrossScans(t *testing.T) {
	e := New(config.Default(), nil)

	for i := 0; i < 6; i++ {
		require.NoError(t, e.Step(context.Background(), ScanObservation{
			Timestamp: time.Now(), Dt: 0.1, RegisteredPose: se3.Identity(),
		}, fetcherFor(detectionsAt(3))))
	}

	require.Len(t, e.Tracks(), 1)
	tr := e.Tracks()[0]
	assert.Equal(t, track.StateTight, tr.State)
	assert.Equal(t, 6, tr.PathLength)
}

func TestPushGNSSIsConsumedByNextStep(t *testing.T) {
	e := New(config.Default(), nil)
	e.PushGNSS(ego.GNSSSample{
		Timestamp:  time.Now(),
		Position:   [3]float64{1, 2, 0},
		Covariance: [3]float64{0.01, 0.01, 0.01},
	})

	require.NoError(t, e.Step(context.Background(), ScanObservation{
		Timestamp: time.Now(), Dt: 0.1, RegisteredPose: se3.Identity(),
	}, fetcherFor(nil)))

	assert.Empty(t, e.gnssQueue)
}
