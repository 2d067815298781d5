// Package ego implements the ego pipeline adapter: key-frame
// acceptance, the between-factor chaining the scan-to-map registration
// result onto the ego partition, GNSS gating, loop-closure between-factor
// draining, and the asynchronous-mode tentative-value dance used when a
// scan is not promoted to a key-frame but object tracking still needs a
// current ego pose to associate against.
package ego

import (
	"math"
	"time"

	"github.com/go-slammot/estimator/config"
	"github.com/go-slammot/estimator/factors"
	"github.com/go-slammot/estimator/se3"
	"github.com/go-slammot/estimator/track"
)

// GraphTarget is the subset of the smoother's contract the ego pipeline
// mutates.
type GraphTarget interface {
	InsertValue(key factors.Key, v0 se3.Pose)
	EraseValue(key factors.Key)
	AddFactor(f factors.Factor) error
	HasValue(key factors.Key) bool
}

// KeyAllocator hands out the next monotonically increasing variable key.
type KeyAllocator func() factors.Key

// GNSSSample is a timestamped position fix with a diagonal covariance.
type GNSSSample struct {
	Timestamp  time.Time
	Position   [3]float64
	Covariance [3]float64
}

// LoopClosureHint is a between-factor the loop-closure worker has queued
// for the orchestrator to drain into the ego partition.
type LoopClosureHint struct {
	From, To factors.Key
	Relative se3.Pose
	Noise    factors.DiagonalNoise
}

// DegeneracyMask flags which of the six tangent components of a
// registration increment are degenerate: true means the
// corresponding component of the measured relative motion is projected
// out rather than trusted.
type DegeneracyMask [6]bool

// applyDegeneracyMask zeroes the degenerate tangent components of a
// measured relative pose before it becomes a between-factor's measurement.
func applyDegeneracyMask(rel se3.Pose, mask DegeneracyMask) se3.Pose {
	t := se3.Log(rel)
	for i, degenerate := range mask {
		if degenerate {
			t[i] = 0
		}
	}
	return se3.Exp(t)
}

// Pipeline holds the ego key-pose history and decides, scan by scan,
// whether to promote the registration estimate to a key-frame.
type Pipeline struct {
	cfg          config.Config
	keyPoses     []se3.Pose
	keyPoseKeys  []factors.Key
	keyPoseTimes []time.Time
	lastGNSS     *GNSSSample
}

// New returns an empty ego pipeline.
func New(cfg config.Config) *Pipeline {
	return &Pipeline{cfg: cfg}
}

// LastKeyPose returns the most recently accepted key-pose, if any.
func (p *Pipeline) LastKeyPose() (se3.Pose, factors.Key, bool) {
	if len(p.keyPoseKeys) == 0 {
		return se3.Pose{}, 0, false
	}
	n := len(p.keyPoseKeys)
	return p.keyPoses[n-1], p.keyPoseKeys[n-1], true
}

// KeyPoseHistory returns a copy of every accepted key-pose, in order.
func (p *Pipeline) KeyPoseHistory() []se3.Pose {
	out := make([]se3.Pose, len(p.keyPoses))
	copy(out, p.keyPoses)
	return out
}

// RecordKeyFrameTime appends the scan timestamp for the key-pose most
// recently accepted by AcceptKeyFrame; callers are expected to invoke this
// once per successful AcceptKeyFrame call so KeyPoseTimestamps stays
// aligned with KeyPoseHistory.
func (p *Pipeline) RecordKeyFrameTime(ts time.Time) {
	p.keyPoseTimes = append(p.keyPoseTimes, ts)
}

// KeyPoseTimestamps returns a copy of every accepted key-pose's scan
// timestamp, in order.
func (p *Pipeline) KeyPoseTimestamps() []time.Time {
	out := make([]time.Time, len(p.keyPoseTimes))
	copy(out, p.keyPoseTimes)
	return out
}

// RewriteKeyPoses overwrites every cached ego key-pose from the smoother's
// current estimate. The cache is seeded from the raw registration input
// at AcceptKeyFrame time; this is what keeps it tracking the relinearized,
// loop-closure-corrected value instead of staying pinned to that input.
func (p *Pipeline) RewriteKeyPoses(estimate factors.Values) {
	for i, k := range p.keyPoseKeys {
		if v, ok := estimate[k]; ok {
			p.keyPoses[i] = v
		}
	}
}

// ShouldAcceptKeyFrame reports whether candidate differs enough from the
// last key-pose to warrant a new key-frame: translation delta at least
// d_kf, or any component of the rotation vector at least theta_kf. The
// very first scan is always accepted.
func (p *Pipeline) ShouldAcceptKeyFrame(candidate se3.Pose) bool {
	last, _, ok := p.LastKeyPose()
	if !ok {
		return true
	}
	rel := last.Between(candidate)
	if rel.Trans.Norm() >= p.cfg.KeyFrame.TranslationMeters {
		return true
	}
	rot := se3.LogSO3(rel.Rot)
	return math.Abs(rot.X) >= p.cfg.KeyFrame.RotationRadians ||
		math.Abs(rot.Y) >= p.cfg.KeyFrame.RotationRadians ||
		math.Abs(rot.Z) >= p.cfg.KeyFrame.RotationRadians
}

// AcceptKeyFrame appends a new ego key-pose key, adds a between-factor
// from the previous key-pose (with the degenerate directions of the
// increment projected out), or a prior factor if this is the first
// key-pose, and inserts the registration estimate as the key's initial
// value.
func (p *Pipeline) AcceptKeyFrame(g GraphTarget, alloc KeyAllocator, pose se3.Pose, mask DegeneracyMask) (factors.Key, error) {
	newKey := alloc()
	if len(p.keyPoseKeys) == 0 {
		g.InsertValue(newKey, pose)
		if err := g.AddFactor(factors.NewPriorFactor(newKey, pose, p.cfg.Noise.PriorOdometryNoise())); err != nil {
			return 0, err
		}
	} else {
		prevPose, prevKey, _ := p.LastKeyPose()
		rel := applyDegeneracyMask(prevPose.Between(pose), mask)
		g.InsertValue(newKey, pose)
		if err := g.AddFactor(factors.NewBetweenFactor(prevKey, newKey, rel, p.cfg.Noise.EgoOdometryBetweenNoise())); err != nil {
			return 0, err
		}
	}
	p.keyPoses = append(p.keyPoses, pose)
	p.keyPoseKeys = append(p.keyPoseKeys, newKey)
	return newKey, nil
}

// TryAddGNSSFactor applies the GNSS gating rules: a sample is
// silently skipped if its covariance exceeds the configured threshold or
// its position lies within MinDistanceMeters of the last accepted sample.
// Neither the sample's timestamp nor scanTime is compared. It returns
// whether a factor was added.
func (p *Pipeline) TryAddGNSSFactor(g GraphTarget, key factors.Key, sample GNSSSample, scanTime time.Time) bool {
	for _, c := range sample.Covariance {
		if c > p.cfg.GNSS.CovarianceThreshold {
			return false
		}
	}
	if p.lastGNSS != nil {
		dx := sample.Position[0] - p.lastGNSS.Position[0]
		dy := sample.Position[1] - p.lastGNSS.Position[1]
		dz := sample.Position[2] - p.lastGNSS.Position[2]
		dist := math.Sqrt(dx*dx + dy*dy + dz*dz)
		if dist < p.cfg.GNSS.MinDistanceMeters {
			return false
		}
	}
	pos := sample.Position
	if !p.cfg.GNSS.UseElevation {
		pos[2] = 0
	}
	noise := factors.NewDiagonalNoise(1e9, 1e9, 1e9, p.cfg.Noise.GNSS[0], p.cfg.Noise.GNSS[1], p.cfg.Noise.GNSS[2])
	if err := g.AddFactor(factors.NewGPSFactor(key, pos, noise)); err != nil {
		return false
	}
	sampleCopy := sample
	p.lastGNSS = &sampleCopy
	return true
}

// DrainLoopClosures adds every queued loop-closure between-factor into the
// ego partition.
func (p *Pipeline) DrainLoopClosures(g GraphTarget, hints []LoopClosureHint) error {
	for _, h := range hints {
		if err := g.AddFactor(factors.NewBetweenFactor(h.From, h.To, h.Relative, h.Noise)); err != nil {
			return err
		}
	}
	return nil
}

// TentativeInsert implements the non-key-frame asynchronous-mode branch:
// the latest cached ego key-pose value is (re-)inserted under
// the last ego key so object-side work has something to associate
// against. It reports whether this was a genuinely new insertion (i.e.
// the key held no value before), which is what EraseTentative uses to
// decide whether to erase it after the update.
func (p *Pipeline) TentativeInsert(g GraphTarget) (wasNew bool) {
	last, key, ok := p.LastKeyPose()
	if !ok {
		return false
	}
	wasNew = !g.HasValue(key)
	g.InsertValue(key, last)
	return wasNew
}

// EraseTentative undoes TentativeInsert after the update, but only if the
// insertion was genuinely new — an already-persistent key-pose is never
// erased, keeping the ego graph unchanged.
func (p *Pipeline) EraseTentative(g GraphTarget, wasNew bool) {
	if !wasNew {
		return
	}
	_, key, ok := p.LastKeyPose()
	if !ok {
		return
	}
	g.EraseValue(key)
}

// CompensateAsyncDetection implements the asynchronous-mode behavior:
// when no key-frame was committed this scan, every
// detection is transformed by the small ego motion since the last
// key-frame so association can still proceed without a new key-pose.
func (p *Pipeline) CompensateAsyncDetection(box track.BoundingBox, currentEstimate se3.Pose) track.BoundingBox {
	last, _, ok := p.LastKeyPose()
	if !ok {
		return box
	}
	smallEgoMotion := last.Between(currentEstimate)
	box.Pose = smallEgoMotion.Compose(box.Pose)
	return box
}
