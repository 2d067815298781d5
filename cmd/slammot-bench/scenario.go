package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/go-slammot/estimator/ego"
	"github.com/go-slammot/estimator/se3"
	"github.com/go-slammot/estimator/track"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"
)

// posePayload is the plain-JSON wire form of an se3.Pose used by scenario
// files, mirroring the choice made for the ObjectState stream: no protobuf
// for a small internal struct with no service boundary of its own.
type posePayload struct {
	QW float64 `json:"qw"`
	QX float64 `json:"qx"`
	QY float64 `json:"qy"`
	QZ float64 `json:"qz"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	Z  float64 `json:"z"`
}

func (p posePayload) toPose() se3.Pose {
	return se3.New(quat.Number{Real: p.QW, Imag: p.QX, Jmag: p.QY, Kmag: p.QZ}, r3.Vector{X: p.X, Y: p.Y, Z: p.Z})
}

type detectionPayload struct {
	Pose       posePayload `json:"pose"`
	Dimensions [3]float64  `json:"dimensions"`
	Score      float64     `json:"score"`
	Label      string      `json:"label"`
}

func (d detectionPayload) toBoundingBox() track.BoundingBox {
	return track.BoundingBox{Pose: d.Pose.toPose(), Dimensions: d.Dimensions, Score: d.Score, Label: d.Label}
}

type gnssPayload struct {
	Position   [3]float64 `json:"position"`
	Covariance [3]float64 `json:"covariance"`
}

type scanPayload struct {
	TimeOffsetSeconds float64            `json:"t"`
	Dt                float64            `json:"dt"`
	RegisteredPose    posePayload        `json:"registered_pose"`
	Detections        []detectionPayload `json:"detections"`
	GNSS              *gnssPayload       `json:"gnss,omitempty"`
}

type scenario struct {
	Scans []scanPayload `json:"scans"`
}

func loadScenario(path string) (scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return scenario{}, errors.Wrapf(err, "slammot-bench: read scenario %s", path)
	}
	var s scenario
	if err := json.Unmarshal(data, &s); err != nil {
		return scenario{}, errors.Wrapf(err, "slammot-bench: parse scenario %s", path)
	}
	return s, nil
}

func (s scanPayload) detections() []track.BoundingBox {
	out := make([]track.BoundingBox, len(s.Detections))
	for i, d := range s.Detections {
		out[i] = d.toBoundingBox()
	}
	return out
}

func (s scanPayload) gnssSample(start time.Time) *ego.GNSSSample {
	if s.GNSS == nil {
		return nil
	}
	return &ego.GNSSSample{
		Timestamp:  start.Add(time.Duration(s.TimeOffsetSeconds * float64(time.Second))),
		Position:   s.GNSS.Position,
		Covariance: s.GNSS.Covariance,
	}
}
