// Command conformal runs calibration experiments and aggregates their results.
//
//	conformal run --config configs/imagenet.yaml
//	conformal aggregate --folder .cache/results/imagenet/random_calset/n_totalcal=10/score=APS
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "conformal",
		Short: "Class-conditional conformal calibration experiments",
		Long: `Calibrates conformal prediction sets on stored softmax outputs with
standard, classwise and clustered methods, and summarizes coverage over seeds.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(aggregateCmd())
	return rootCmd
}
