// Package orchestrator drives one scan through the full estimator
// pipeline: the ego key-frame decision, the constant-velocity propagator,
// data association, the coupling state machine, and the two incremental
// smoothers (the ego/tight partition and the loose partition) that get
// solved every scan: the loose partition once, the ego partition once or,
// after a loop closure or a promotion to TIGHT,
// LoopClosurePropagationUpdates times.
package orchestrator

import (
	"time"

	"github.com/go-slammot/estimator/associator"
	"github.com/go-slammot/estimator/config"
	"github.com/go-slammot/estimator/coupling"
	"github.com/go-slammot/estimator/ego"
	"github.com/go-slammot/estimator/factors"
	"github.com/go-slammot/estimator/propagator"
	"github.com/go-slammot/estimator/se3"
	"github.com/go-slammot/estimator/track"
	"github.com/google/uuid"
)

// Graph is the subset of the smoother's contract the orchestrator needs
// from each of its two partitions.
type Graph interface {
	InsertValue(key factors.Key, v0 se3.Pose)
	EraseValue(key factors.Key)
	AddFactor(f factors.Factor) error
	HasValue(key factors.Key) bool
	Update() error
	Estimate() factors.Values
}

// ScanInput bundles everything one scan contributes.
type ScanInput struct {
	Timestamp      time.Time
	Dt             float64
	RegisteredPose se3.Pose // scan-to-map registration result, world frame
	DegeneracyMask ego.DegeneracyMask
	Detections     []track.BoundingBox // sensor-frame detections this scan
	GNSS           *ego.GNSSSample
	LoopClosures   []ego.LoopClosureHint
}

// Note: a tightly-coupled track's detection factor needs a live ego
// key-pose variable this scan. That only exists when the scan is a
// key-frame or config.AsyncObjectEstimation is enabled (so a tentative
// ego value is inserted for the duration of the scan); without either,
// tight-coupled tracks with no key-frame this scan simply carry no new
// detection factor until the next key-frame.

// Orchestrator owns the ego pipeline, the key counter, and the live track
// set, and sequences one call to Step per scan.
type Orchestrator struct {
	cfg       config.Config
	egoGraph  Graph
	looseGraph Graph
	egoPipe   *ego.Pipeline
	nextKey   factors.Key
	nextObjectIndex uint64
	tracks    []*track.Track
}

// New returns an orchestrator wired to its two partitions.
func New(cfg config.Config, egoGraph, looseGraph Graph) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		egoGraph:   egoGraph,
		looseGraph: looseGraph,
		egoPipe:    ego.New(cfg),
	}
}

// Tracks returns the track set, including tombstoned and retired tracks,
// which are never removed from it.
func (o *Orchestrator) Tracks() []*track.Track { return o.tracks }

// EgoKeyPoseHistory returns every accepted ego key-pose, in order.
func (o *Orchestrator) EgoKeyPoseHistory() []se3.Pose { return o.egoPipe.KeyPoseHistory() }

// EgoKeyPoseTimestamps returns the scan timestamp of every accepted ego
// key-pose, in order and aligned with EgoKeyPoseHistory.
func (o *Orchestrator) EgoKeyPoseTimestamps() []time.Time { return o.egoPipe.KeyPoseTimestamps() }

func (o *Orchestrator) allocKey() factors.Key {
	k := o.nextKey
	o.nextKey++
	return k
}

// Step runs one scan through the pipeline.
func (o *Orchestrator) Step(in ScanInput) error {
	isKeyFrame := o.egoPipe.ShouldAcceptKeyFrame(in.RegisteredPose)
	var egoKey factors.Key
	var wasTentative bool
	if isKeyFrame {
		var err error
		egoKey, err = o.egoPipe.AcceptKeyFrame(o.egoGraph, o.allocKey, in.RegisteredPose, in.DegeneracyMask)
		if err != nil {
			return err
		}
		o.egoPipe.RecordKeyFrameTime(in.Timestamp)
		if in.GNSS != nil {
			o.egoPipe.TryAddGNSSFactor(o.egoGraph, egoKey, *in.GNSS, in.Timestamp)
		}
		if err := o.egoPipe.DrainLoopClosures(o.egoGraph, in.LoopClosures); err != nil {
			return err
		}
	} else if o.cfg.AsyncObjectEstimation {
		wasTentative = o.egoPipe.TentativeInsert(o.egoGraph)
		_, egoKey, _ = o.egoPipe.LastKeyPose()
	}

	egoPoseEstimate, _, _ := o.egoPipe.LastKeyPose()

	// A track's partition for this scan is decided by the coupling state
	// it entered the scan with (last scan's Advance result): a promotion
	// decided during this scan's own association pass only takes effect
	// starting next scan's propagation, since this scan's new pose/
	// velocity keys are about to be inserted into that partition now.
	routedTight := make(map[*track.Track]bool, len(o.tracks))
	for _, t := range o.tracks {
		if t.IsRetired(o.cfg.LMax) {
			continue
		}
		target := o.looseGraph
		if coupling.ShouldRouteTight(t) {
			target = o.egoGraph
			routedTight[t] = true
		}
		prevPoseKey, prevVelKey := t.PoseKey, t.VelocityKey
		wasActive := t.LostCount == 0

		if routedTight[t] && wasActive && !o.egoGraph.HasValue(prevPoseKey) {
			// First scan this track is routed into the tight partition:
			// prevPoseKey/prevVelKey were allocated into the loose
			// partition last scan, so the motion factors added into
			// egoGraph below (which reference them) would otherwise fail
			// with no value there. Carry the last solved estimate across
			// the partition boundary.
			o.egoGraph.InsertValue(prevPoseKey, t.Pose)
			o.egoGraph.InsertValue(prevVelKey, t.Velocity)
		}

		propagator.Step(t, in.Dt, o.allocKey, target)
		if !wasActive {
			continue
		}
		velNoise := o.cfg.Noise.ConstantVelocityNoise()
		if t.PathLength <= o.cfg.NEarly {
			velNoise = o.cfg.Noise.EarlyConstantVelocityNoise()
		}
		if err := target.AddFactor(factors.NewStablePoseFactor(prevPoseKey, prevVelKey, t.PoseKey, in.Dt, o.cfg.Noise.MotionNoise())); err != nil {
			return err
		}
		if err := target.AddFactor(factors.NewConstantVelocityFactor(prevVelKey, t.VelocityKey, velNoise)); err != nil {
			return err
		}
	}

	detections := in.Detections
	if !isKeyFrame && o.cfg.AsyncObjectEstimation {
		for i := range detections {
			detections[i] = o.egoPipe.CompensateAsyncDetection(detections[i], in.RegisteredPose)
		}
	}

	outcome := associator.Associate(o.tracks, detections, egoPoseEstimate, o.cfg)

	matched := make(map[*track.Track]bool, len(o.tracks))
	promotedToTight := false
	for t, detIdx := range outcome.Matched {
		matched[t] = true
		det := detections[detIdx]
		t.LastDetection = det
		t.PathLength++

		if routedTight[t] && (isKeyFrame || wasTentative) {
			if err := o.egoGraph.AddFactor(factors.NewTightDetectionFactor(egoKey, t.PoseKey, det.Pose, o.cfg.Noise.TightDetectionNoise())); err != nil {
				return err
			}
		} else if !routedTight[t] {
			if err := o.looseGraph.AddFactor(factors.NewLooseDetectionFactor(t.PoseKey, egoPoseEstimate, det.Pose, o.cfg.Noise.LooseDetectionNoise())); err != nil {
				return err
			}
		}

		eval := coupling.Evaluation{
			EgoPose:         egoPoseEstimate,
			ObjectPose:      t.Pose,
			DetectionZ:      det.Pose,
			VelocityHistory: o.recentVelocityTangents(t),
		}
		prevState := t.State
		coupling.Advance(t, true, eval, o.cfg)
		if t.State == track.StateTight && prevState != track.StateTight {
			promotedToTight = true
		}
	}

	for _, t := range outcome.Lost {
		if matched[t] {
			continue
		}
		t.LostCount++
		coupling.Advance(t, false, coupling.Evaluation{}, o.cfg)
	}

	for t, detIdx := range outcome.FallbackRedirect {
		det := detections[detIdx]
		t.Tombstone()
		o.registerTrack(det, t.TrackingIndex, in.Timestamp, egoPoseEstimate)
	}

	for _, detIdx := range outcome.NewTrackDetections {
		o.registerTrack(detections[detIdx], uuid.New(), in.Timestamp, egoPoseEstimate)
	}

	updates := 1
	if promotedToTight || len(in.LoopClosures) > 0 {
		updates = o.cfg.LoopClosurePropagationUpdates
	}
	for i := 0; i < updates; i++ {
		if err := o.egoGraph.Update(); err != nil {
			return err
		}
	}
	if err := o.looseGraph.Update(); err != nil {
		return err
	}

	if wasTentative {
		o.egoPipe.EraseTentative(o.egoGraph, wasTentative)
	}

	o.readBackEstimates()
	return nil
}

// registerTrack allocates a pose/velocity key pair and a brand-new track
// record for an unclaimed detection, seeding its velocity prior and a
// loose detection factor anchoring the new pose to the registering
// detection (otherwise the pose key carries no observation at all on its
// first step).
func (o *Orchestrator) registerTrack(det track.BoundingBox, trackingIndex uuid.UUID, ts time.Time, egoPoseEstimate se3.Pose) {
	poseKey := o.allocKey()
	velKey := o.allocKey()
	o.looseGraph.InsertValue(poseKey, det.Pose)
	o.looseGraph.InsertValue(velKey, se3.Identity())
	_ = o.looseGraph.AddFactor(factors.NewPriorFactor(velKey, se3.Identity(), o.cfg.Noise.VelocityPriorNoise()))
	_ = o.looseGraph.AddFactor(factors.NewLooseDetectionFactor(poseKey, egoPoseEstimate, det.Pose, o.cfg.Noise.LooseDetectionNoise()))

	t := track.New(o.nextObjectIndex, trackingIndex, poseKey, velKey, det.Pose, se3.Identity(), det, ts)
	o.nextObjectIndex++
	o.tracks = append(o.tracks, t)
}

// recentVelocityTangents resolves a track's velocity-history key ring into
// tangent-space samples from the current estimate of whichever partition
// holds each key (loose first, then ego), for
// the coupling state machine's temporal consistency test.
func (o *Orchestrator) recentVelocityTangents(t *track.Track) []se3.Tangent {
	keys, ok := t.VelocityHistory(o.cfg.W)
	if !ok {
		return nil
	}
	looseEst := o.looseGraph.Estimate()
	egoEst := o.egoGraph.Estimate()
	out := make([]se3.Tangent, 0, len(keys))
	for _, k := range keys {
		if v, ok := looseEst[k]; ok {
			out = append(out, se3.Log(v))
		} else if v, ok := egoEst[k]; ok {
			out = append(out, se3.Log(v))
		}
	}
	return out
}

// readBackEstimates copies the solved pose/velocity values for every live
// track back from whichever partition currently holds its keys, and
// rewrites the cached ego key-pose history from the ego partition's
// current estimate so a loop closure or later relinearization is reflected
// in every key-pose, not just the one inserted this scan.
func (o *Orchestrator) readBackEstimates() {
	looseEst := o.looseGraph.Estimate()
	egoEst := o.egoGraph.Estimate()
	o.egoPipe.RewriteKeyPoses(egoEst)
	for _, t := range o.tracks {
		if v, ok := looseEst[t.PoseKey]; ok {
			t.Pose = v
		} else if v, ok := egoEst[t.PoseKey]; ok {
			t.Pose = v
		}
		if v, ok := looseEst[t.VelocityKey]; ok {
			t.Velocity = v
		} else if v, ok := egoEst[t.VelocityKey]; ok {
			t.Velocity = v
		}
	}
}
