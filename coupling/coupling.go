// Package coupling implements the per-track coupling state machine: the
// score-driven NEW -> PRE_LOOSE -> TIGHT_CANDIDATE -> TIGHT progression and
// demotion back to LOOSE on a spatial or temporal consistency failure.
// Tombstoning a retired track whose detection the fallback matcher
// redirects is done by the orchestrator, not here.
package coupling

import (
	"github.com/go-slammot/estimator/config"
	"github.com/go-slammot/estimator/factors"
	"github.com/go-slammot/estimator/se3"
	"github.com/go-slammot/estimator/track"
)

// temporalPassThreshold is the Mahalanobis error a track's recent velocity
// history must stay under, averaged against the window's mean, for the
// temporal consistency test to pass.
const temporalPassThreshold = 1.0

// SpatialConsistency evaluates a tightly-coupled detection factor's
// residual between the current ego/object estimate and the scan's observed
// detection pose, reporting whether it falls under tauTightDet.
func SpatialConsistency(egoPose, objectPose, detectionZ se3.Pose, noise factors.DiagonalNoise, tauTightDet float64) (bool, float64) {
	const egoKey, objectKey = factors.Key(0), factors.Key(1)
	f := factors.NewTightDetectionFactor(egoKey, objectKey, detectionZ, noise)
	v := factors.Values{egoKey: egoPose, objectKey: objectPose}
	err := noise.Mahalanobis(f.Residual(v))
	return err < tauTightDet, err
}

// TemporalConsistency checks that a track's recent velocity-history
// samples agree with each other: each sample's deviation from the window
// mean, whitened by noise, must average under temporalPassThreshold.
func TemporalConsistency(history []se3.Tangent, noise factors.DiagonalNoise) (bool, float64) {
	if len(history) == 0 {
		return true, 0
	}
	var sum se3.Tangent
	for _, h := range history {
		for i := range sum {
			sum[i] += h[i]
		}
	}
	mean := sum.Scale(1 / float64(len(history)))

	var total float64
	for _, h := range history {
		total += noise.Mahalanobis(h.Sub(mean))
	}
	avg := total / float64(len(history))
	return avg < temporalPassThreshold, avg
}

// Evaluation bundles everything the orchestrator needs to decide the new
// coupling state for one track after one scan's association outcome.
type Evaluation struct {
	EgoPose        se3.Pose
	ObjectPose     se3.Pose
	DetectionZ     se3.Pose
	VelocityHistory []se3.Tangent
}

// Advance applies one scan's outcome to a track's coupling state,
// mutating it in place. matched reports whether the data associator
// claimed a detection for this track this scan.
func Advance(t *track.Track, matched bool, eval Evaluation, cfg config.Config) {
	if !matched {
		t.ResetScore()
		return
	}

	switch t.State {
	case track.StateNew:
		t.State = track.StatePreLoose
		t.IncrementScore(cfg.KTight)
		return
	case track.StatePreLoose:
		t.IncrementScore(cfg.KTight)
		if t.TrackScore >= cfg.KTight {
			t.State = track.StateTightCandidate
		}
		return
	}

	// TightCandidate and Tight are evaluated for (re-)promotion every
	// scan from here on.
	spatialOK, _ := SpatialConsistency(eval.EgoPose, eval.ObjectPose, eval.DetectionZ, cfg.Noise.TightDetectionNoise(), cfg.TauTightDet)
	temporalOK := true
	if len(eval.VelocityHistory) >= cfg.W {
		window := eval.VelocityHistory[len(eval.VelocityHistory)-cfg.W:]
		temporalOK, _ = TemporalConsistency(window, cfg.Noise.ConstantVelocityNoise())
	}

	if spatialOK && temporalOK {
		t.State = track.StateTight
		t.IsTightlyCoupled = true
		t.IncrementScore(cfg.KTight)
		return
	}

	// A failed spatial or temporal test demotes a candidate and a tight
	// track alike: score -= DeltaKDemote, state LOOSE.
	t.Demote(cfg.DeltaKDemote)
}

// ShouldRouteTight reports whether a track's detection factor this scan
// belongs in the ego (tightly-coupled) partition rather than the loose
// partition.
func ShouldRouteTight(t *track.Track) bool {
	return t.State == track.StateTight
}
