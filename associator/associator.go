// Package associator implements the data associator: a
// greedy, per-track independent nearest-cost match against the current
// scan's detections, gated by a match threshold, plus a second, wider
// fallback matcher that gives a retired-but-still-visible track one more
// chance to re-associate before the caller tombstones it and registers a
// fresh successor.
package associator

import (
	"math"
	"sort"

	"github.com/arthurkushman/go-hungarian"
	"github.com/go-slammot/estimator/config"
	"github.com/go-slammot/estimator/factors"
	"github.com/go-slammot/estimator/se3"
	"github.com/go-slammot/estimator/track"
)

// tempResidualKey is the arbitrary variable key used when evaluating a
// loose-detection-factor residual outside of the smoother, purely as a
// cost function.
const tempResidualKey = factors.Key(0)

// Outcome is the result of one scan's association pass.
type Outcome struct {
	// Matched maps a track to the detection index it claimed.
	Matched map[*track.Track]int
	// Lost holds every active track that the primary matcher could not
	// associate this scan.
	Lost []*track.Track
	// FallbackRedirect holds the retired tracks (lost_count > L_max, so
	// never in Lost) that the wider fallback matcher re-associated; the
	// caller tombstones these tracks and registers a fresh track carrying
	// the same TrackingIndex.
	FallbackRedirect map[*track.Track]int
	// NewTrackDetections holds detection indices claimed by neither the
	// primary nor the fallback matcher; the caller registers a new track
	// for each.
	NewTrackDetections []int
}

func tierFor(t *track.Track, cfg config.Config) string {
	if t.State == track.StateTight {
		return "tight"
	}
	if t.PathLength <= cfg.NEarly {
		return "early_loose"
	}
	return "loose"
}

// cost evaluates the loosely-coupled-detection-factor residual's
// Mahalanobis distance between a track's predicted sensor-frame pose and
// a candidate detection pose.
func cost(predicted, detection se3.Pose, noise factors.DiagonalNoise) float64 {
	f := factors.NewLooseDetectionFactor(tempResidualKey, se3.Identity(), detection, noise)
	r := f.Residual(factors.Values{tempResidualKey: predicted})
	return noise.Mahalanobis(r)
}

// associateGreedy matches each track, in ObjectIndex order, to its nearest
// unclaimed detection under TauMatch. This is the default: cheap, and
// consistent with the per-track independence the tiered matching costs
// assume.
func associateGreedy(ordered []*track.Track, detections []track.BoundingBox, invEgo se3.Pose, cfg config.Config) (map[*track.Track]int, []*track.Track) {
	claimed := make(map[int]bool, len(detections))
	matched := make(map[*track.Track]int, len(ordered))
	var lost []*track.Track

	for _, t := range ordered {
		predicted := invEgo.Compose(t.Pose)
		noise := cfg.Noise.MatchingNoise(tierFor(t, cfg))

		bestIdx := -1
		bestCost := math.Inf(1)
		for di, det := range detections {
			if claimed[di] {
				continue
			}
			c := cost(predicted, det.Pose, noise)
			if c < bestCost {
				bestCost = c
				bestIdx = di
			}
		}

		if bestIdx >= 0 && bestCost < cfg.TauMatch {
			matched[t] = bestIdx
			claimed[bestIdx] = true
		} else {
			lost = append(lost, t)
		}
	}
	return matched, lost
}

// associateHungarian matches the full track/detection set in one
// Kuhn-Munkres assignment instead of per-track greedy nearest-cost:
// optimal rather than greedy, at the cost of one NxM solve per scan. Costs
// are converted to a gain matrix (go-hungarian only maximizes) and padded
// to square for a rectangular track/detection count, since the solver
// expects a square cost matrix.
func associateHungarian(ordered []*track.Track, detections []track.BoundingBox, invEgo se3.Pose, cfg config.Config) (map[*track.Track]int, []*track.Track) {
	matched := make(map[*track.Track]int, len(ordered))
	if len(ordered) == 0 || len(detections) == 0 {
		return matched, append([]*track.Track{}, ordered...)
	}

	costs := make([][]float64, len(ordered))
	maxCost := 0.0
	for i, t := range ordered {
		predicted := invEgo.Compose(t.Pose)
		noise := cfg.Noise.MatchingNoise(tierFor(t, cfg))
		row := make([]float64, len(detections))
		for j, det := range detections {
			row[j] = cost(predicted, det.Pose, noise)
			if row[j] > maxCost {
				maxCost = row[j]
			}
		}
		costs[i] = row
	}

	size := len(ordered)
	if len(detections) > size {
		size = len(detections)
	}
	gain := make([][]float64, size)
	for i := range gain {
		gain[i] = make([]float64, size)
	}
	for i, row := range costs {
		for j, c := range row {
			// +1 keeps every real pair's gain strictly positive so the
			// solver never prefers an unmatched (zero-padded) cell.
			gain[i][j] = maxCost - c + 1
		}
	}

	assignments := hungarian.SolveMax(gain)
	matchedTrackIdx := make(map[int]bool, len(ordered))
	for ti, row := range assignments {
		if ti >= len(ordered) {
			continue
		}
		for di := range row {
			if di >= len(detections) {
				continue
			}
			if costs[ti][di] < cfg.TauMatch {
				matched[ordered[ti]] = di
				matchedTrackIdx[ti] = true
			}
			break
		}
	}

	var lost []*track.Track
	for i, t := range ordered {
		if !matchedTrackIdx[i] {
			lost = append(lost, t)
		}
	}
	return matched, lost
}

// Associate matches detections to tracks for one scan. egoPose is the
// current key's ego pose estimate, used to transform each track's world
// pose prediction into the sensor frame for comparison against detections.
// Tombstoned tracks never participate; retired-but-still-visible tracks
// (lost_count > L_max) skip the primary matcher entirely and are only
// eligible for the wider fallback re-association below.
func Associate(tracks []*track.Track, detections []track.BoundingBox, egoPose se3.Pose, cfg config.Config) Outcome {
	active := make([]*track.Track, 0, len(tracks))
	var retired []*track.Track
	for _, t := range tracks {
		if t.IsTombstoned() {
			continue
		}
		if t.IsRetired(cfg.LMax) {
			retired = append(retired, t)
			continue
		}
		active = append(active, t)
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ObjectIndex < active[j].ObjectIndex })

	invEgo := egoPose.Inverse()
	var matched map[*track.Track]int
	var lost []*track.Track
	if cfg.HungarianMatching {
		matched, lost = associateHungarian(active, detections, invEgo, cfg)
	} else {
		matched, lost = associateGreedy(active, detections, invEgo, cfg)
	}
	claimed := make(map[int]bool, len(matched))
	for _, di := range matched {
		claimed[di] = true
	}

	// The fallback matcher only considers retired tracks and only
	// detections the primary matcher left unclaimed, so it never
	// tombstones a track on its first miss and never steals a detection
	// another track already claimed this scan.
	fallbackNoise := cfg.Noise.MatchingNoise("data_association")
	redirect := make(map[*track.Track]int, len(retired))
	claimedByFallback := make(map[int]bool)
	for _, t := range retired {
		predicted := invEgo.Compose(t.Pose)
		bestIdx := -1
		bestCost := math.Inf(1)
		for di, det := range detections {
			if claimed[di] || claimedByFallback[di] {
				continue
			}
			c := cost(predicted, det.Pose, fallbackNoise)
			if c < bestCost {
				bestCost = c
				bestIdx = di
			}
		}
		if bestIdx >= 0 && bestCost < cfg.TauMatch {
			redirect[t] = bestIdx
			claimedByFallback[bestIdx] = true
		}
	}

	var unclaimed []int
	for di := range detections {
		if !claimed[di] && !claimedByFallback[di] {
			unclaimed = append(unclaimed, di)
		}
	}
	sort.Ints(unclaimed)

	return Outcome{
		Matched:            matched,
		Lost:               lost,
		FallbackRedirect:   redirect,
		NewTrackDetections: unclaimed,
	}
}
