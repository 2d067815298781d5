// Command slammot-bench drives the estimator off a recorded scenario file
// for integration testing, and exercises the save-map and
// save-estimation-result services against the result.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "slammot-bench",
		Short: "Replay a recorded scenario through the SLAMMOT estimator",
	}
	root.AddCommand(newRunCmd())
	return root
}

func newLogger(verbose bool) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		// zap.Config.Build only fails on a malformed config built above by
		// hand, never from runtime conditions: unreachable in practice.
		panic(err)
	}
	return logger.Sugar()
}
