// Standard attribute keys for calibration runs.
//
// Keys follow a hierarchical naming convention ("run.dataset", "calib.qhat")
// so that JSON log lines can be filtered per run, per method or per seed.

package log

// Run context
// These attributes identify which experiment cell produced a log line.
const (
	// DatasetKey is the dataset name, e.g. "imagenet", "cifar-100".
	DatasetKey = "run.dataset"

	// ScoreFnKey is the conformity score function, e.g. "softmax", "APS", "RAPS".
	ScoreFnKey = "run.score_fn"

	// MethodKey is the calibration method name, e.g. "cluster_random".
	MethodKey = "run.method"

	// SeedKey is the per-trial seed.
	SeedKey = "run.seed"

	// SamplingKey is the calibration sampling mode ("random" or "balanced").
	SamplingKey = "run.sampling"

	// NTotalCalKey is the average number of calibration examples per class.
	NTotalCalKey = "run.n_totalcal"

	// ComponentKey identifies which package is logging.
	// Examples: "experiment", "conformal", "cluster"
	ComponentKey = "run.component"

	// OperationKey names the operation being performed.
	// Standard values: "split", "calibrate", "predict", "evaluate", "aggregate"
	OperationKey = "run.operation"
)

// Data shape
const (
	// SamplesKey is the number of examples (rows).
	SamplesKey = "data.samples"

	// ClassesKey is the number of classes (score matrix columns).
	ClassesKey = "data.classes"

	// CalSamplesKey is the number of calibration rows.
	CalSamplesKey = "data.cal_samples"

	// ValSamplesKey is the number of validation rows.
	ValSamplesKey = "data.val_samples"

	// PathKey is a file path being read or written.
	PathKey = "data.path"
)

// Calibration results
const (
	// AlphaKey is the target miscoverage level.
	AlphaKey = "calib.alpha"

	// QhatKey is a conformal quantile threshold.
	QhatKey = "calib.qhat"

	// ClusterCountKey is the number of clusters actually formed.
	ClusterCountKey = "calib.clusters"

	// RareClassesKey is the number of classes left unclustered because of low counts.
	RareClassesKey = "calib.rare_classes"

	// CoverageKey is the marginal coverage on the validation split.
	CoverageKey = "eval.coverage"

	// ClassCovGapKey is the mean absolute per-class coverage gap.
	ClassCovGapKey = "eval.class_cov_gap"

	// SetSizeKey is the mean prediction set size.
	SetSizeKey = "eval.set_size"

	// DurationMsKey is the execution time of an operation in milliseconds.
	DurationMsKey = "perf.duration_ms"

	// IterationKey is the current iteration of an iterative algorithm.
	IterationKey = "perf.iteration"
)

// Error context
const (
	// ErrorTypeKey categorizes the error or warning.
	// Examples: "ConfigError", "InsufficientDataError", "MissingMethodError"
	ErrorTypeKey = "error.type"

	// StacktraceKey contains stack trace information for debugging.
	StacktraceKey = "error.stacktrace"
)

// Standard attribute values.
const (
	OperationSplit     = "split"
	OperationCalibrate = "calibrate"
	OperationPredict   = "predict"
	OperationEvaluate  = "evaluate"
	OperationAggregate = "aggregate"
)
