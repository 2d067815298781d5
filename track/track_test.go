package track

import (
	"testing"
	"time"

	"github.com/go-slammot/estimator/factors"
	"github.com/go-slammot/estimator/se3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func newTestTrack() *Track {
	return New(1, uuid.New(), 10, 11, se3.Identity(), se3.Identity(), BoundingBox{}, time.Now())
}

func TestIncrementScoreSaturates(t *testing.T) {
	tr := newTestTrack()
	kTight := 3
	for i := 0; i < 10; i++ {
		tr.IncrementScore(kTight)
	}
	assert.Equal(t, kTight+1, tr.TrackScore)
}

func TestDemoteNeverNegative(t *testing.T) {
	tr := newTestTrack()
	tr.TrackScore = 1
	tr.Demote(5)
	assert.Equal(t, 0, tr.TrackScore)
	assert.False(t, tr.IsTightlyCoupled)
	assert.Equal(t, StateLoose, tr.State)
}

func TestVelocityHistoryWindow(t *testing.T) {
	tr := newTestTrack()
	for i := 1; i <= 5; i++ {
		tr.PushVelocityHistory(factors.Key(i))
	}
	hist, ok := tr.VelocityHistory(3)
	assert.True(t, ok)
	assert.Len(t, hist, 3)
	assert.EqualValues(t, 3, hist[0])
	assert.EqualValues(t, 5, hist[2])

	_, ok = tr.VelocityHistory(10)
	assert.False(t, ok)
}

func TestTombstoneAndRetirement(t *testing.T) {
	tr := newTestTrack()
	assert.False(t, tr.IsLost())
	tr.LostCount = 1
	assert.True(t, tr.IsLost())
	assert.False(t, tr.IsRetired(3))
	tr.LostCount = 4
	assert.True(t, tr.IsRetired(3))

	tr.Tombstone()
	assert.True(t, tr.IsTombstoned())
}
