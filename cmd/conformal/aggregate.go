package main

import (
	"fmt"
	"io"
	"math"
	"text/tabwriter"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/YuminosukeSato/conformal/experiment"
	"github.com/YuminosukeSato/conformal/metrics"
	"github.com/YuminosukeSato/conformal/pkg/errors"
	"github.com/YuminosukeSato/conformal/pkg/log"
)

type aggregateOptions struct {
	folder   string
	methods  []string
	maxSeeds int
	asJSON   bool
	logLevel string
}

// aggregateCmd summarizes stored seed results.
func aggregateCmd() *cobra.Command {
	opts := &aggregateOptions{}
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Average metrics over seeds with standard errors",
		Long: `Reads every seed=<s>_allresults.gob.zst file of one score function folder
and prints the mean and standard error of each metric per method. Seeds that
lack a method are reported and left out of that method's summary.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.folder == "" {
				return errors.NewConfigError("folder", opts.folder, "results folder path")
			}
			if err := log.SetupLogger(opts.logLevel, log.FormatConsole); err != nil {
				return err
			}
			return aggregate(cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.folder, "folder", "f", "", "Folder holding seed=<s>_allresults.gob.zst files")
	cmd.Flags().StringSliceVar(&opts.methods, "methods", nil, "Methods to report (default: all methods of the first seed)")
	cmd.Flags().IntVar(&opts.maxSeeds, "max-seeds", 0, "Use at most this many seeds (0 = all)")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "Print JSON instead of a table")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "warn", "Log level")
	return cmd
}

func aggregate(w io.Writer, opts *aggregateOptions) error {
	results, err := experiment.LoadFolder(opts.folder)
	if err != nil {
		return err
	}
	summaries, err := metrics.Aggregate(results, opts.methods, opts.maxSeeds)
	if err != nil {
		return err
	}
	if opts.asJSON {
		return writeJSON(w, summaries)
	}
	return writeTable(w, summaries)
}

type jsonSummary struct {
	Mean *float64 `json:"mean"`
	SE   *float64 `json:"se"`
}

type jsonMethodSummary struct {
	Method               string      `json:"method"`
	NumSeeds             int         `json:"num_seeds"`
	MarginalCoverage     jsonSummary `json:"marginal_cov"`
	MeanClassCovGap      jsonSummary `json:"class_cov_gap"`
	MaxGap               jsonSummary `json:"max_class_cov_gap"`
	UndercovGap          jsonSummary `json:"undercov_gap"`
	OvercovGap           jsonSummary `json:"overcov_gap"`
	VeryUndercoveredFrac jsonSummary `json:"very_undercovered"`
	MeanSetSize          jsonSummary `json:"avg_set_size"`
}

// finite maps NaN and ±Inf to null.
func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func toJSON(s metrics.Summary) jsonSummary {
	return jsonSummary{Mean: finite(s.Mean), SE: finite(s.SE)}
}

func writeJSON(w io.Writer, summaries []metrics.MethodSummary) error {
	out := make([]jsonMethodSummary, len(summaries))
	for i, s := range summaries {
		out[i] = jsonMethodSummary{
			Method:               s.Method,
			NumSeeds:             s.NumSeeds,
			MarginalCoverage:     toJSON(s.MarginalCoverage),
			MeanClassCovGap:      toJSON(s.MeanClassCovGap),
			MaxGap:               toJSON(s.MaxGap),
			UndercovGap:          toJSON(s.UndercovGap),
			OvercovGap:           toJSON(s.OvercovGap),
			VeryUndercoveredFrac: toJSON(s.VeryUndercoveredFrac),
			MeanSetSize:          toJSON(s.MeanSetSize),
		}
	}
	data, err := sonic.ConfigStd.MarshalIndent(out, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode summaries")
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func writeTable(w io.Writer, summaries []metrics.MethodSummary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "METHOD\tSEEDS\tCOVERAGE\tCLASS GAP\tMAX GAP\tUNDERCOV\tOVERCOV\tVERY UNDERCOV\tSET SIZE")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.Method,
			s.NumSeeds,
			formatSummary(s.MarginalCoverage, 3),
			formatSummary(s.MeanClassCovGap, 3),
			formatSummary(s.MaxGap, 3),
			formatSummary(s.UndercovGap, 3),
			formatSummary(s.OvercovGap, 3),
			formatSummary(s.VeryUndercoveredFrac, 3),
			formatSummary(s.MeanSetSize, 2),
		)
	}
	return tw.Flush()
}

func formatSummary(s metrics.Summary, prec int) string {
	if math.IsNaN(s.Mean) {
		return "-"
	}
	return fmt.Sprintf("%.*f ± %.*f", prec, s.Mean, prec, s.SE)
}
