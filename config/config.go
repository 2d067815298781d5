// Package config holds every tunable the estimator needs: the struct and
// its defaults give every other package a concrete, documented home for
// its thresholds.
package config

import (
	"github.com/go-slammot/estimator/factors"
	"gopkg.in/yaml.v3"
)

// Noise bundles the diagonal-variance noise models the estimator uses.
type Noise struct {
	PriorOdometry       [6]float64 `yaml:"prior_odometry"`
	EgoOdometryBetween  [6]float64 `yaml:"ego_odometry_between"`
	LooseDetection      [6]float64 `yaml:"loose_detection"`
	EarlyLooseMatching  [6]float64 `yaml:"early_loose_matching"`
	LooseMatching       [6]float64 `yaml:"loose_matching"`
	TightMatching       [6]float64 `yaml:"tight_matching"`
	TightDetection      [6]float64 `yaml:"tight_detection"`
	Motion              [6]float64 `yaml:"motion"`
	ConstantVelocity    [6]float64 `yaml:"constant_velocity"`
	EarlyConstVelocity  [6]float64 `yaml:"early_constant_velocity"`
	DataAssociation     [6]float64 `yaml:"data_association"`
	VelocityPrior       [6]float64 `yaml:"velocity_prior"`
	GNSS                [3]float64 `yaml:"gnss"`
}

func (n Noise) diag(v [6]float64) factors.DiagonalNoise {
	return factors.NewDiagonalNoise(v[0], v[1], v[2], v[3], v[4], v[5])
}

// PriorOdometryNoise returns the diagonal noise for the first ego prior.
func (n Noise) PriorOdometryNoise() factors.DiagonalNoise { return n.diag(n.PriorOdometry) }

// EgoOdometryBetweenNoise returns the diagonal noise for ego between-factors.
func (n Noise) EgoOdometryBetweenNoise() factors.DiagonalNoise { return n.diag(n.EgoOdometryBetween) }

// LooseDetectionNoise returns the diagonal noise for loose detection factors.
func (n Noise) LooseDetectionNoise() factors.DiagonalNoise { return n.diag(n.LooseDetection) }

// TightDetectionNoise returns the diagonal noise for tight detection factors.
func (n Noise) TightDetectionNoise() factors.DiagonalNoise { return n.diag(n.TightDetection) }

// MotionNoise returns the diagonal noise for the stable-pose factor.
func (n Noise) MotionNoise() factors.DiagonalNoise { return n.diag(n.Motion) }

// ConstantVelocityNoise returns the nominal constant-velocity noise.
func (n Noise) ConstantVelocityNoise() factors.DiagonalNoise { return n.diag(n.ConstantVelocity) }

// EarlyConstantVelocityNoise returns the widened early-track constant-velocity noise.
func (n Noise) EarlyConstantVelocityNoise() factors.DiagonalNoise {
	return n.diag(n.EarlyConstVelocity)
}

// VelocityPriorNoise returns the noise for a freshly-registered track's velocity prior.
func (n Noise) VelocityPriorNoise() factors.DiagonalNoise { return n.diag(n.VelocityPrior) }

// MatchingNoise returns the matching-cost diagonal noise for the given
// associator tier.
func (n Noise) MatchingNoise(tier string) factors.DiagonalNoise {
	switch tier {
	case "tight":
		return n.diag(n.TightMatching)
	case "early_loose":
		return n.diag(n.EarlyLooseMatching)
	case "data_association":
		return n.diag(n.DataAssociation)
	default:
		return n.diag(n.LooseMatching)
	}
}

// KeyFrameGates bundles the translation/rotation gates deciding key-frame
// acceptance.
type KeyFrameGates struct {
	TranslationMeters float64 `yaml:"translation_meters"`
	RotationRadians   float64 `yaml:"rotation_radians"`
}

// GNSSGates bundles the GNSS acceptance thresholds.
type GNSSGates struct {
	CovarianceThreshold float64 `yaml:"covariance_threshold"`
	UseElevation        bool    `yaml:"use_elevation"`
	MinDistanceMeters   float64 `yaml:"min_distance_meters"`
}

// LoopClosureGates bundles the loop-closure detector's configuration.
type LoopClosureGates struct {
	Enabled        bool    `yaml:"enabled"`
	SearchRadius   float64 `yaml:"search_radius"`
	TimeGapSeconds float64 `yaml:"time_gap_seconds"`
	FitnessThresh  float64 `yaml:"fitness_threshold"`
}

// RegistrationGates bundles the (externally-owned) scan-to-map
// registration thresholds this repo only forwards, never evaluates.
type RegistrationGates struct {
	SurfaceLeafSize     float64 `yaml:"surface_leaf_size"`
	CornerLeafSize      float64 `yaml:"corner_leaf_size"`
	SurroundingRadius   float64 `yaml:"surrounding_radius"`
	MaxIterations       int     `yaml:"max_iterations"`
	MinCornerPoints     int     `yaml:"min_corner_points"`
	MinSurfacePoints    int     `yaml:"min_surface_points"`
	DegeneracyThreshold float64 `yaml:"degeneracy_threshold"`
}

// Config is every tunable the estimator exposes.
type Config struct {
	// Coupling state machine.
	KTight          int `yaml:"k_tight"`
	NEarly          int `yaml:"n_early"`
	DeltaKDemote    int `yaml:"delta_k_demote"`
	LMax            int `yaml:"l_max"`
	W               int `yaml:"w"`

	// Data association.
	TauMatch      float64 `yaml:"tau_match"`
	TauTightDet   float64 `yaml:"tau_tight_det"`

	// Velocity-consistency tolerances.
	AngularVelocityTolerance float64 `yaml:"angular_velocity_tolerance"`
	LinearVelocityTolerance  float64 `yaml:"linear_velocity_tolerance"`

	Noise             Noise             `yaml:"noise"`
	KeyFrame          KeyFrameGates     `yaml:"key_frame"`
	GNSS              GNSSGates         `yaml:"gnss_gates"`
	LoopClosure       LoopClosureGates  `yaml:"loop_closure"`
	Registration      RegistrationGates `yaml:"registration"`

	// AsyncObjectEstimation enables the asynchronous tentative-insert
	// behavior: when a scan is not promoted to a key-frame, the last
	// ego key-pose value is inserted under the last key for this scan's
	// object-side work and erased afterward, and detections are
	// compensated by the small ego motion since the last key-frame.
	AsyncObjectEstimation bool `yaml:"async_object_estimation"`

	// TrimHistory mirrors the original's ENABLE_MINIMAL_MEMORY_USAGE build
	// flag. It is decoded and defaulted, but no component reads it, so it
	// has no effect on the estimator.
	TrimHistory bool `yaml:"trim_history"`

	// HungarianMatching switches the data associator from its default
	// per-track greedy nearest-cost match to a single Kuhn-Munkres optimal
	// assignment over the full track/detection cost matrix.
	HungarianMatching bool `yaml:"hungarian_matching"`

	// LoopClosurePropagationUpdates is how many ego-partition Update()
	// calls in total the orchestrator issues, instead of one, on a scan
	// with a loop closure or a promotion to TIGHT.
	LoopClosurePropagationUpdates int `yaml:"loop_closure_propagation_updates"`
}

// Default returns the reference configuration used across the test
// scenarios: K_tight=3 so a track reaches TIGHT once its score hits
// K_tight+1=4.
func Default() Config {
	return Config{
		KTight:       3,
		NEarly:       5,
		DeltaKDemote: 2,
		LMax:         3,
		W:            5,

		TauMatch:    9.0,
		TauTightDet: 4.0,

		AngularVelocityTolerance: 0.05,
		LinearVelocityTolerance:  0.5,

		Noise: Noise{
			PriorOdometry:      [6]float64{1e-6, 1e-6, 1e-6, 1e-6, 1e-6, 1e-6},
			EgoOdometryBetween: [6]float64{1e-4, 1e-4, 1e-4, 1e-4, 1e-4, 1e-4},
			LooseDetection:     [6]float64{0.25, 0.25, 0.25, 1.0, 1.0, 1.0},
			EarlyLooseMatching: [6]float64{0.5, 0.5, 0.5, 4.0, 4.0, 4.0},
			LooseMatching:      [6]float64{0.25, 0.25, 0.25, 2.0, 2.0, 2.0},
			TightMatching:      [6]float64{0.05, 0.05, 0.05, 0.25, 0.25, 0.25},
			TightDetection:     [6]float64{0.01, 0.01, 0.01, 0.04, 0.04, 0.04},
			Motion:             [6]float64{0.05, 0.05, 0.05, 0.1, 0.1, 0.1},
			ConstantVelocity:   [6]float64{0.02, 0.02, 0.02, 0.1, 0.1, 0.1},
			EarlyConstVelocity: [6]float64{0.2, 0.2, 0.2, 1.0, 1.0, 1.0},
			DataAssociation:    [6]float64{1.0, 1.0, 1.0, 9.0, 9.0, 9.0},
			VelocityPrior:      [6]float64{0.5, 0.5, 0.5, 2.0, 1.0, 1.0},
			GNSS:               [3]float64{0.1, 0.1, 0.1},
		},

		KeyFrame: KeyFrameGates{TranslationMeters: 0.5, RotationRadians: 0.2},
		GNSS: GNSSGates{
			CovarianceThreshold: 0.04,
			UseElevation:        false,
			MinDistanceMeters:   5.0,
		},
		LoopClosure: LoopClosureGates{
			Enabled:        true,
			SearchRadius:   15.0,
			TimeGapSeconds: 30.0,
			FitnessThresh:  0.3,
		},
		Registration: RegistrationGates{
			SurfaceLeafSize:     0.4,
			CornerLeafSize:      0.2,
			SurroundingRadius:   50.0,
			MaxIterations:       30,
			MinCornerPoints:     10,
			MinSurfacePoints:    100,
			DegeneracyThreshold: 100.0,
		},

		AsyncObjectEstimation:          false,
		TrimHistory:                    true,
		LoopClosurePropagationUpdates:  5,
	}
}

// Parse decodes a YAML document into a Config seeded with Default values.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
