package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/YuminosukeSato/conformal/experiment"
	"github.com/YuminosukeSato/conformal/pkg/errors"
	"github.com/YuminosukeSato/conformal/pkg/log"
)

type runOptions struct {
	configFile string
	envFiles   []string
}

// runCmd evaluates every configured method on one dataset.
func runCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Calibrate and evaluate the configured methods",
		Long: `Loads the dataset named in the config, computes conformity scores, and for
every seed splits the data, calibrates each method and merges the results
into the save folder. CONFORMAL_* environment variables override the file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runExperiment(ctx, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configFile, "config", "c", "", "YAML config file")
	cmd.Flags().StringSliceVar(&opts.envFiles, "env-file", nil, ".env files to load (default ./.env if present)")
	return cmd
}

func runExperiment(ctx context.Context, opts *runOptions) error {
	cfg, err := experiment.LoadConfig(opts.configFile, opts.envFiles...)
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	if err := log.SetupLogger(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}
	logger := log.GetLoggerWithName("cmd")

	shutdown, err := experiment.InitTracer(ctx, experiment.DefaultTracingConfig())
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", err)
		}
	}()

	runner, err := experiment.NewRunner(cfg)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := runner.Run(ctx); err != nil {
		logger.Error("run failed", err, log.DatasetKey, cfg.Dataset)
		return err
	}
	logger.Info("run finished",
		log.DatasetKey, cfg.Dataset,
		log.DurationMsKey, time.Since(start).Milliseconds(),
		log.PathKey, cfg.SaveFolder,
	)
	return nil
}
