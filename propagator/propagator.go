// Package propagator implements the per-scan constant-velocity
// roll-forward of active tracks: predict each track's pose
// from its current velocity, and allocate the next pair of variable nodes
// for tracks that were associated on the previous scan.
package propagator

import (
	"github.com/go-slammot/estimator/factors"
	"github.com/go-slammot/estimator/se3"
	"github.com/go-slammot/estimator/track"
)

// KeyAllocator hands out the next monotonically increasing variable key.
type KeyAllocator func() factors.Key

// ValueInserter is the subset of the smoother's contract the propagator
// needs to seed new variable nodes.
type ValueInserter interface {
	InsertValue(key factors.Key, v0 se3.Pose)
}

// Step predicts one track forward by dt. If the track
// was associated on the previous scan (LostCount == 0), it additionally
// allocates new pose and velocity keys, inserts their predicted initial
// values into target, and pushes the previous velocity key onto the
// track's consistency-test history ring (step 2). A track that was
// already lost contributes no new variables this scan (step 3).
func Step(t *track.Track, dt float64, alloc KeyAllocator, target ValueInserter) {
	twist := se3.Log(t.Velocity).Scale(dt)
	t.Pose = t.Pose.Compose(se3.Exp(twist))
	t.IsFirst = false

	if t.LostCount != 0 {
		return
	}

	prevVelocityKey := t.VelocityKey
	t.PoseKey = alloc()
	t.VelocityKey = alloc()
	target.InsertValue(t.PoseKey, t.Pose)
	target.InsertValue(t.VelocityKey, t.Velocity)
	t.PushVelocityHistory(prevVelocityKey)
}

// StepAll propagates every track in tracks whose LostCount is at most
// lMax; tracks already retired beyond lMax do not get new variables.
func StepAll(tracks []*track.Track, dt float64, lMax int, alloc KeyAllocator, target ValueInserter) {
	for _, t := range tracks {
		if t.LostCount > lMax {
			continue
		}
		Step(t, dt, alloc, target)
	}
}
