// Package track defines the per-object track record the estimator keeps
// in the factor graph: its current pose/velocity estimate, the smoother
// variable keys backing them, the coupling state machine's score, and the
// bookkeeping the data associator and state machine need.
package track

import (
	"time"

	"github.com/go-slammot/estimator/factors"
	"github.com/go-slammot/estimator/se3"
	"github.com/google/uuid"
)

// BoundingBox is an externally-supplied oriented bounding box detection.
type BoundingBox struct {
	Pose       se3.Pose
	Dimensions [3]float64
	Score      float64
	Label      string
}

// State is the coupling state machine's classification of a track.
type State int

const (
	// StateNew is the single scan on which the track was registered.
	StateNew State = iota
	// StatePreLoose is the accumulation phase before a track is eligible
	// to become tight (track_score < K_tight).
	StatePreLoose
	// StateTightCandidate is reached once track_score == K_tight: the
	// track is evaluated for promotion every scan from here on.
	StateTightCandidate
	// StateTight is the fully tightly-coupled state.
	StateTight
	// StateLoose is a tight or tight-candidate track demoted back after a
	// consistency failure.
	StateLoose
)

// velocityRingCapacity bounds the recent-velocity-node ring used by the
// temporal consistency test.
const velocityRingCapacity = 32

// Track is a persistent record of one moving object.
type Track struct {
	// ObjectIndex is unique per registration event in the factor graph:
	// a re-acquired object gets a new index.
	ObjectIndex uint64
	// TrackingIndex is stable across re-acquisition, for the user-facing
	// MOT output.
	TrackingIndex uuid.UUID

	Pose     se3.Pose
	Velocity se3.Pose

	PoseKey     factors.Key
	VelocityKey factors.Key

	LostCount  int
	TrackScore int

	// PathLength counts the scans on which this track was successfully
	// associated, including its registration scan.
	PathLength int

	velocityRing []factors.Key

	// LastDetectionFactorID and LastMotionFactorID are weak handles: an
	// opaque integer identifying the last detection/motion factor this
	// track produced, for diagnostic residual reporting only. The track
	// never owns the factor itself. Nothing in this module assigns them,
	// so they stay zero.
	LastDetectionFactorID uint64
	LastMotionFactorID    uint64

	IsTightlyCoupled bool
	IsFirst          bool

	Timestamp time.Time

	LastBox       BoundingBox
	LastDetection BoundingBox

	State State

	// InitialDetectionError/InitialMotionError are the diagnostic
	// stream's initial residual-error fields, copied into ObjectState.
	// Nothing in this module assigns them, so they stay zero.
	InitialDetectionError float64
	InitialMotionError    float64
}

// New registers a brand-new track from an unmatched detection. trackingIndex is a freshly minted UUID unless
// the detection is redirecting from a tombstoned track, in which case the
// caller passes that track's TrackingIndex through trackingIndex.
func New(objectIndex uint64, trackingIndex uuid.UUID, poseKey, velocityKey factors.Key, pose, velocity se3.Pose, box BoundingBox, ts time.Time) *Track {
	return &Track{
		ObjectIndex:   objectIndex,
		TrackingIndex: trackingIndex,
		Pose:          pose,
		Velocity:      velocity,
		PoseKey:       poseKey,
		VelocityKey:   velocityKey,
		LastBox:       box,
		LastDetection: box,
		IsFirst:       true,
		Timestamp:     ts,
		State:         StateNew,
		PathLength:    1,
	}
}

// IsLost reports whether the track currently has no association
// (LostCount > 0). Retired and tombstoned tracks also report true.
func (t *Track) IsLost() bool { return t.LostCount > 0 }

// IsRetired reports whether the track has exceeded its lost-scan budget
// and should no longer receive new factors or variables.
func (t *Track) IsRetired(lMax int) bool { return t.LostCount > lMax }

// IsTombstoned reports whether the track was re-associated by the looser
// fallback matcher after being retired and is superseded by a freshly
// registered track sharing its TrackingIndex. It stays in the track set
// but receives no new factors or variables.
func (t *Track) IsTombstoned() bool {
	return t.LostCount == tombstoneLostCount
}

// tombstoneLostCount is the sentinel LostCount used to mark a track for
// removal once the fallback matcher redirects its detection to a fresh
// registration.
const tombstoneLostCount = int(^uint(0) >> 1) // math.MaxInt, avoids importing math for one constant

// Tombstone marks the track as retired-and-redirected.
func (t *Track) Tombstone() { t.LostCount = tombstoneLostCount }

// PushVelocityHistory appends a velocity node key to the temporal
// consistency ring, evicting the oldest entry once the ring is full.
func (t *Track) PushVelocityHistory(key factors.Key) {
	t.velocityRing = append(t.velocityRing, key)
	if len(t.velocityRing) > velocityRingCapacity {
		t.velocityRing = t.velocityRing[1:]
	}
}

// VelocityHistory returns the most recent n velocity node keys, oldest
// first. If fewer than n are available, it returns false.
func (t *Track) VelocityHistory(n int) ([]factors.Key, bool) {
	if len(t.velocityRing) < n {
		return nil, false
	}
	return t.velocityRing[len(t.velocityRing)-n:], true
}

// ResetScore implements the "score <- 0" rule on a miss.
func (t *Track) ResetScore() { t.TrackScore = 0 }

// IncrementScore implements the saturating "score++" rule: TrackScore
// never exceeds KTight+1.
func (t *Track) IncrementScore(kTight int) {
	if t.TrackScore <= kTight {
		t.TrackScore++
	}
}

// Demote implements the "score -= deltaKDemote" rule on a consistency
// failure. TrackScore never drops below zero.
func (t *Track) Demote(deltaKDemote int) {
	t.TrackScore -= deltaKDemote
	if t.TrackScore < 0 {
		t.TrackScore = 0
	}
	t.IsTightlyCoupled = false
	t.State = StateLoose
}
