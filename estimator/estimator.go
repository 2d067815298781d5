// Package estimator wraps the orchestrator in the process-wide state and
// concurrency model the running system needs: one mutex guarding the
// smoothers, the ego key-pose history, and the pending GNSS/loop-closure
// queues; a per-scan detector fetch that runs off the mutex so a slow RPC
// never blocks other goroutines; and save-map/save-estimation-result
// services for the CLI and any other caller.
package estimator

import (
	"context"
	"sync"
	"time"

	"github.com/go-slammot/estimator/config"
	"github.com/go-slammot/estimator/ego"
	"github.com/go-slammot/estimator/mapio"
	"github.com/go-slammot/estimator/orchestrator"
	"github.com/go-slammot/estimator/se3"
	"github.com/go-slammot/estimator/smoother"
	"github.com/go-slammot/estimator/track"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DetectionFetcher retrieves one scan's detections, typically over an RPC
// to a perception service. It is run on its own goroutine per scan and
// joined before any factor is constructed, so the fetch never happens
// while the estimator's mutex is held.
type DetectionFetcher func(ctx context.Context) ([]track.BoundingBox, error)

// ScanObservation bundles everything about a scan that does not come from
// the detector: the registration result, timing, and the degeneracy mask
// the scan-to-map registration reports for this scan's relative motion.
type ScanObservation struct {
	Timestamp      time.Time
	Dt             float64
	RegisteredPose se3.Pose
	DegeneracyMask ego.DegeneracyMask
}

// Estimator is the process-wide, goroutine-safe state object: one mutex
// guards the orchestrator and its two smoothers, the GNSS queue, and the
// loop-closure queue. A loop-closure worker and a map-render worker can run
// concurrently with Step as long as they only touch estimator state while
// holding the mutex.
type Estimator struct {
	mu     sync.Mutex
	cfg    config.Config
	orch   *orchestrator.Orchestrator
	logger *zap.SugaredLogger

	gnssQueue        []ego.GNSSSample
	loopClosureQueue []ego.LoopClosureHint
	scanSeq          uint64
}

// New returns an estimator with a fresh ego/tight and loose smoother pair.
// logger may be nil, in which case scan diagnostics are not logged.
func New(cfg config.Config, logger *zap.SugaredLogger) *Estimator {
	return &Estimator{
		cfg:    cfg,
		orch:   orchestrator.New(cfg, smoother.New(), smoother.New()),
		logger: logger,
	}
}

// PushGNSS enqueues a GNSS fix to be attached to the next key-frame.
func (e *Estimator) PushGNSS(sample ego.GNSSSample) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gnssQueue = append(e.gnssQueue, sample)
}

// PushLoopClosure enqueues a loop-closure between-factor to be drained into
// the ego partition on the next key-frame. Intended to be called from a
// dedicated loop-closure worker goroutine.
func (e *Estimator) PushLoopClosure(hint ego.LoopClosureHint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loopClosureQueue = append(e.loopClosureQueue, hint)
}

// nextGNSS pops the oldest queued GNSS sample, if any. Must be called with
// mu held.
func (e *Estimator) nextGNSS() *ego.GNSSSample {
	if len(e.gnssQueue) == 0 {
		return nil
	}
	s := e.gnssQueue[0]
	e.gnssQueue = e.gnssQueue[1:]
	return &s
}

// Step processes one scan: it runs fetch on its own goroutine, joins it,
// then locks the estimator and hands the oldest queued GNSS sample and every
// queued loop closure to the orchestrator's Step call; when the scan is not
// a key-frame they go back on their queues. Scans are processed strictly in the
// order Step is called, since mu is held for the duration of each
// orchestrator.Step call.
func (e *Estimator) Step(ctx context.Context, obs ScanObservation, fetch DetectionFetcher) error {
	type fetchResult struct {
		detections []track.BoundingBox
		err        error
	}
	resultCh := make(chan fetchResult, 1)
	go func() {
		dets, err := fetch(ctx)
		resultCh <- fetchResult{dets, err}
	}()

	var res fetchResult
	select {
	case res = <-resultCh:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "estimator: detection fetch canceled")
	}
	if res.err != nil {
		return errors.Wrap(res.err, "estimator: detection fetch failed")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.scanSeq++
	seq := e.scanSeq

	loopClosures := e.loopClosureQueue
	e.loopClosureQueue = nil

	in := orchestrator.ScanInput{
		Timestamp:      obs.Timestamp,
		Dt:             obs.Dt,
		RegisteredPose: obs.RegisteredPose,
		DegeneracyMask: obs.DegeneracyMask,
		Detections:     res.detections,
		GNSS:           e.nextGNSS(),
		LoopClosures:   loopClosures,
	}
	keyPosesBefore := len(e.orch.EgoKeyPoseHistory())
	if err := e.orch.Step(in); err != nil {
		return errors.Wrapf(err, "estimator: scan %d failed", seq)
	}
	if len(e.orch.EgoKeyPoseHistory()) == keyPosesBefore {
		// Not a key-frame: the orchestrator attaches GNSS and loop
		// closures only to key-frames, so keep them for the next one.
		e.loopClosureQueue = append(loopClosures, e.loopClosureQueue...)
		if in.GNSS != nil {
			e.gnssQueue = append([]ego.GNSSSample{*in.GNSS}, e.gnssQueue...)
		}
	}
	if e.logger != nil {
		e.logger.Infow("scan processed",
			"seq", seq,
			"tracks", len(e.orch.Tracks()),
			"detections", len(res.detections),
			"loop_closures", len(loopClosures),
		)
	}
	return nil
}

// Tracks returns a snapshot of the live track set.
func (e *Estimator) Tracks() []*track.Track {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*track.Track, len(e.orch.Tracks()))
	copy(out, e.orch.Tracks())
	return out
}

func trackStateName(s track.State) string {
	switch s {
	case track.StateNew:
		return "NEW"
	case track.StatePreLoose:
		return "PRE_LOOSE"
	case track.StateTightCandidate:
		return "TIGHT_CANDIDATE"
	case track.StateTight:
		return "TIGHT"
	case track.StateLoose:
		return "LOOSE"
	default:
		return "UNKNOWN"
	}
}

// SaveEstimationResult writes the current track set's state to path as
// newline-delimited JSON, one ObjectState per track.
func (e *Estimator) SaveEstimationResult(path string) error {
	tracks := e.Tracks()
	states := make([]mapio.ObjectState, len(tracks))
	for i, t := range tracks {
		states[i] = mapio.ObjectState{
			TrackingIndex:         t.TrackingIndex,
			ObjectIndex:           t.ObjectIndex,
			Timestamp:             t.Timestamp,
			Pose:                  t.Pose,
			Velocity:              t.Velocity,
			State:                 trackStateName(t.State),
			TrackScore:            t.TrackScore,
			PathLength:            t.PathLength,
			InitialDetectionError: t.InitialDetectionError,
			InitialMotionError:    t.InitialMotionError,
		}
	}
	if e.logger != nil {
		e.logger.Infow("saving estimation result", "path", path, "tracks", len(states))
	}
	return mapio.SaveEstimationResult(path, states)
}

// MapService supplies the point clouds SaveMap persists alongside the
// estimator's own ego key-pose trajectory; corner/surface/global maps are
// owned by the (out-of-scope) external registration/mapping loop.
type MapService interface {
	CornerMap() []mapio.Point
	SurfMap() []mapio.Point
	GlobalMap() []mapio.Point
}

// SaveMap writes trajectory.pcd, transformations.pcd, CornerMap.pcd,
// SurfMap.pcd and GlobalMap.pcd into dir. maps may be nil, in which case
// the three point-cloud files are written empty.
func (e *Estimator) SaveMap(dir string, maps MapService) error {
	e.mu.Lock()
	poses := e.orch.EgoKeyPoseHistory()
	times := e.orch.EgoKeyPoseTimestamps()
	e.mu.Unlock()

	transformations := make([]mapio.Transformation, len(poses))
	for i, p := range poses {
		roll, pitch, yaw := se3.EulerZYX(p.Rot)
		var ts time.Time
		if i < len(times) {
			ts = times[i]
		}
		transformations[i] = mapio.Transformation{
			Index: i,
			X:     p.Trans.X, Y: p.Trans.Y, Z: p.Trans.Z,
			Roll: roll, Pitch: pitch, Yaw: yaw,
			Time: ts,
		}
	}

	snap := mapio.MapSnapshot{Transformations: transformations}
	if maps != nil {
		snap.CornerMap = maps.CornerMap()
		snap.SurfMap = maps.SurfMap()
		snap.GlobalMap = maps.GlobalMap()
	}
	if e.logger != nil {
		e.logger.Infow("saving map", "dir", dir, "key_poses", len(poses))
	}
	return mapio.SaveMap(dir, snap)
}
