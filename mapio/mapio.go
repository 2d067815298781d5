package mapio

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/go-slammot/estimator/se3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Transformation is one row of the ego key-pose history: the 6D pose
// (translation + roll/pitch/yaw Euler angles) plus the scan time, mirroring
// cloudKeyPoses6D's x,y,z,roll,pitch,yaw,time layout.
type Transformation struct {
	Index            int
	X, Y, Z          float64
	Roll, Pitch, Yaw float64
	Time             time.Time
}

// MapSnapshot bundles everything SaveMap needs: the ego key-pose
// trajectory and transformations, and the corner/surface/global point
// clouds the (out-of-scope) external mapping loop maintains and forwards
// here for persistence alongside the estimator's own state.
type MapSnapshot struct {
	Trajectory      []Point
	Transformations []Transformation
	CornerMap       []Point
	SurfMap         []Point
	GlobalMap       []Point
}

func transformationPoint(t Transformation) Point {
	return Point{X: float32(t.X), Y: float32(t.Y), Z: float32(t.Z), Intensity: float32(t.Index)}
}

// SaveMap writes trajectory.pcd, transformations.pcd, CornerMap.pcd,
// SurfMap.pcd and GlobalMap.pcd into dir, creating it if necessary.
func SaveMap(dir string, snap MapSnapshot) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "mapio: mkdir %s", dir)
	}

	trajectory := make([]Point, len(snap.Transformations))
	transformations := make([]Point, len(snap.Transformations))
	for i, t := range snap.Transformations {
		trajectory[i] = transformationPoint(t)
		transformations[i] = Point{
			X: float32(t.Roll), Y: float32(t.Pitch), Z: float32(t.Yaw),
			Intensity: float32(t.Index),
		}
	}
	// trajectory.pcd carries position plus key index; transformations.pcd
	// carries roll/pitch/yaw in its x/y/z fields plus the key index, so the
	// 6D pose is split across the two files. Transformation.Time is not
	// written to either file. A non-empty snap.Trajectory replaces the
	// positions derived from Transformations.
	if len(snap.Trajectory) > 0 {
		trajectory = snap.Trajectory
	}

	writes := []struct {
		name   string
		points []Point
	}{
		{"trajectory.pcd", trajectory},
		{"transformations.pcd", transformations},
		{"CornerMap.pcd", snap.CornerMap},
		{"SurfMap.pcd", snap.SurfMap},
		{"GlobalMap.pcd", snap.GlobalMap},
	}
	for _, w := range writes {
		if err := WritePCD(filepath.Join(dir, w.name), w.points); err != nil {
			return err
		}
	}
	return nil
}

// ObjectState is one track's published state for a scan: the diagnostic
// stream the coupling state machine and orchestrator populate as each
// track is advanced.
type ObjectState struct {
	TrackingIndex         uuid.UUID `json:"tracking_index"`
	ObjectIndex           uint64    `json:"object_index"`
	Timestamp             time.Time `json:"timestamp"`
	Pose                  se3.Pose  `json:"pose"`
	Velocity              se3.Pose  `json:"velocity"`
	State                 string    `json:"state"`
	TrackScore            int       `json:"track_score"`
	PathLength            int       `json:"path_length"`
	InitialDetectionError float64   `json:"initial_detection_error"`
	InitialMotionError    float64   `json:"initial_motion_error"`
}

// SaveEstimationResult writes one JSON document per line (newline-delimited
// JSON, easy to tail and to replay) with every track's state for the scan.
func SaveEstimationResult(path string, states []ObjectState) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "mapio: create %s", path)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, s := range states {
		if err := enc.Encode(s); err != nil {
			return errors.Wrapf(err, "mapio: encode object state for %s", path)
		}
	}
	return nil
}
