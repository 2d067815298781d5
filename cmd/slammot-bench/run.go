package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/go-slammot/estimator/config"
	"github.com/go-slammot/estimator/ego"
	"github.com/go-slammot/estimator/estimator"
	"github.com/go-slammot/estimator/track"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var scenarioPath, configPath, outDir string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Replay a scenario file through the estimator and save its result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(scenarioPath, configPath, outDir, verbose)
		},
	}
	cmd.Flags().StringVar(&scenarioPath, "scenario", "", "path to a scenario JSON file (required)")
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file (optional, defaults used otherwise)")
	cmd.Flags().StringVar(&outDir, "out", "slammot-bench-out", "output directory for the map and estimation result")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "use a development (human-readable) logger")
	_ = cmd.MarkFlagRequired("scenario")
	return cmd
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return config.Config{}, errors.Wrapf(err, "slammot-bench: read config %s", path)
	}
	return config.Parse(data)
}

func runScenario(scenarioPath, configPath, outDir string, verbose bool) error {
	logger := newLogger(verbose)
	defer logger.Sync() //nolint:errcheck

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	sc, err := loadScenario(scenarioPath)
	if err != nil {
		return err
	}

	est := estimator.New(cfg, logger)
	start := time.Now()
	ctx := context.Background()

	for i, scan := range sc.Scans {
		if sample := scan.gnssSample(start); sample != nil {
			est.PushGNSS(*sample)
		}

		dets := scan.detections()
		obs := estimator.ScanObservation{
			Timestamp:      start.Add(time.Duration(scan.TimeOffsetSeconds * float64(time.Second))),
			Dt:             scan.Dt,
			RegisteredPose: scan.RegisteredPose.toPose(),
			DegeneracyMask: ego.DegeneracyMask{},
		}
		fetch := func(ctx context.Context) ([]track.BoundingBox, error) { return dets, nil }
		if err := est.Step(ctx, obs, fetch); err != nil {
			return errors.Wrapf(err, "slammot-bench: scan %d", i)
		}
	}

	if err := est.SaveMap(filepath.Join(outDir, "map"), nil); err != nil {
		return err
	}
	if err := est.SaveEstimationResult(filepath.Join(outDir, "estimation_result.jsonl")); err != nil {
		return err
	}
	logger.Infow("scenario replay complete", "scans", len(sc.Scans), "tracks", len(est.Tracks()), "out", outDir)
	return nil
}
