package experiment

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/cespare/xxhash/v2"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/conformal/conformal"
	"github.com/YuminosukeSato/conformal/metrics"
	"github.com/YuminosukeSato/conformal/pkg/errors"
	"github.com/YuminosukeSato/conformal/pkg/log"
	"github.com/YuminosukeSato/conformal/preprocessing"
	"github.com/YuminosukeSato/conformal/sklearn/model_selection"
)

// Runner evaluates every configured (score function, seed, method) on one
// dataset and merges the results into a Store.
type Runner struct {
	cfg       *Config
	loader    *Loader
	store     *Store
	telemetry *Telemetry
	logger    log.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLoader replaces the dataset loader built from the config.
func WithLoader(l *Loader) RunnerOption {
	return func(r *Runner) {
		r.loader = l
	}
}

// WithStore replaces the results store built from the config.
func WithStore(s *Store) RunnerOption {
	return func(r *Runner) {
		r.store = s
	}
}

// WithTelemetry replaces the metrics registry.
func WithTelemetry(t *Telemetry) RunnerOption {
	return func(r *Runner) {
		r.telemetry = t
	}
}

// WithLogger replaces the logger.
func WithLogger(l log.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = l
	}
}

// NewRunner validates cfg and builds a Runner.
func NewRunner(cfg *Config, options ...RunnerOption) (*Runner, error) {
	if cfg == nil {
		return nil, errors.NewValueError("NewRunner", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Runner{cfg: cfg}
	for _, opt := range options {
		opt(r)
	}
	if r.loader == nil {
		l, err := NewLoader(cfg.DataFolder, cfg.CacheSize, cfg.RareClassThreshold)
		if err != nil {
			return nil, err
		}
		r.loader = l
	}
	if r.store == nil {
		r.store = NewStore(cfg.SaveFolder)
	}
	if r.telemetry == nil {
		r.telemetry = NewTelemetry()
	}
	if r.logger == nil {
		r.logger = log.GetLoggerWithName("experiment")
	}
	return r, nil
}

// Telemetry returns the metrics registry of the runner.
func (r *Runner) Telemetry() *Telemetry {
	return r.telemetry
}

// Store returns the results store of the runner.
func (r *Runner) Store() *Store {
	return r.store
}

// Run loads the configured dataset and evaluates it.
func (r *Runner) Run(ctx context.Context) error {
	data, err := r.loader.Load(r.cfg.Dataset)
	if err != nil {
		return err
	}
	if err := r.RunData(ctx, data); err != nil {
		return err
	}
	if r.cfg.MetricsTextfile != "" {
		return r.telemetry.WriteTextfile(r.cfg.MetricsTextfile)
	}
	return nil
}

// RunData evaluates data under every configured score function and seed.
//
// A failing method aborts the run before its seed is persisted. Seeds that
// completed earlier stay on disk.
func (r *Runner) RunData(ctx context.Context, data *Data) error {
	if data == nil {
		return errors.NewValueError("RunData", "nil data")
	}
	fns, err := r.cfg.ScoreFunctionList()
	if err != nil {
		return err
	}

	ctx, span := startSpan(ctx, "run",
		AttrDataset.String(r.cfg.Dataset),
		AttrAlpha.Float64(r.cfg.Alpha),
		AttrNTotalCal.Int(r.cfg.NTotalCal),
	)
	defer span.End()

	r.logger.Info("run started",
		log.DatasetKey, r.cfg.Dataset,
		log.AlphaKey, r.cfg.Alpha,
		log.NTotalCalKey, r.cfg.NTotalCal,
		log.SamplingKey, r.cfg.CalibrationSampling,
		log.SamplesKey, len(data.Labels),
		log.ClassesKey, data.NumClasses(),
		"methods", len(r.cfg.Methods),
		"seeds", len(r.cfg.Seeds),
	)

	for _, fn := range fns {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.runScore(ctx, data, fn); err != nil {
			recordError(span, err)
			return err
		}
	}
	return nil
}

func (r *Runner) runScore(ctx context.Context, data *Data, fn preprocessing.ScoreFunction) error {
	ctx, span := startSpan(ctx, "score", AttrScoreFn.String(fn.String()))
	defer span.End()

	rng := rand.New(rand.NewPCG(r.cfg.GlobalSeed, xxhash.Sum64String(fn.String())))
	tr := preprocessing.NewScoreTransformer(fn,
		preprocessing.WithRandomize(r.cfg.Randomize),
		preprocessing.WithRAPSParams(r.cfg.RAPS),
		preprocessing.WithRandSource(rng),
	)
	scores, err := tr.Transform(data.Softmax)
	if err != nil {
		recordError(span, err)
		return errors.Wrapf(err, "%s scores", fn)
	}

	for _, seed := range r.cfg.Seeds {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := Key{
			Dataset:   r.cfg.Dataset,
			Sampling:  r.cfg.CalibrationSampling,
			NTotalCal: r.cfg.NTotalCal,
			Score:     fn.String(),
			Seed:      seed,
		}
		res, val, err := r.RunSeed(ctx, scores, data.Labels, fn, seed)
		if err != nil {
			recordError(span, err)
			return err
		}
		if _, err := r.store.Merge(key, res); err != nil {
			return err
		}
		if r.cfg.SaveLabels {
			if err := r.store.SaveLabels(key, val.Labels); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunSeed splits scores with seed and evaluates every configured method. It
// returns the results and the validation split they were measured on.
func (r *Runner) RunSeed(ctx context.Context, scores *mat.Dense, labels []int, fn preprocessing.ScoreFunction, seed int) (Results, conformal.Dataset, error) {
	ctx, span := startSpan(ctx, "seed", AttrScoreFn.String(fn.String()), AttrSeed.Int(seed))
	defer span.End()

	methods, err := r.cfg.MethodList()
	if err != nil {
		return nil, conformal.Dataset{}, err
	}
	sampling, err := r.cfg.Sampling()
	if err != nil {
		return nil, conformal.Dataset{}, err
	}

	full, err := conformal.NewDataset(scores, labels)
	if err != nil {
		return nil, conformal.Dataset{}, err
	}
	k := full.NumClasses()

	splitRng := rand.New(rand.NewPCG(r.cfg.GlobalSeed, uint64(seed)))
	split, err := model_selection.CalibrationSplit(sampling, labels, k, r.cfg.NTotalCal, splitRng, r.cfg.AllowPartialBalanced)
	if err != nil {
		recordError(span, err)
		return nil, conformal.Dataset{}, err
	}
	if len(split.ValIdx) == 0 {
		err := errors.NewValueError("RunSeed", "calibration split leaves no validation rows")
		recordError(span, err)
		return nil, conformal.Dataset{}, err
	}
	cal := full.Subset(split.CalIdx)
	val := full.Subset(split.ValIdx)

	logger := r.logger.With(log.ScoreFnKey, fn.String(), log.SeedKey, seed)
	logger.Debug("data split",
		log.CalSamplesKey, cal.Len(),
		log.ValSamplesKey, val.Len(),
	)

	opts := r.cfg.ClusterOptions()
	evalOpts := metrics.Options{NumClasses: k, VeryUndercoveredMargin: r.cfg.VeryUndercoveredMargin}

	results := make(Results, len(methods))
	for _, m := range methods {
		if err := ctx.Err(); err != nil {
			return nil, conformal.Dataset{}, err
		}
		res, err := r.runMethod(ctx, m, opts, evalOpts, cal, val, fn, seed, logger)
		if err != nil {
			r.telemetry.Fail(m.String(), fn.String())
			recordError(span, err)
			return nil, conformal.Dataset{}, errors.Wrapf(err, "method %s, score %s, seed %d", m, fn, seed)
		}
		results[m.String()] = res
	}
	return results, val, nil
}

func (r *Runner) runMethod(
	ctx context.Context,
	m conformal.Method,
	opts conformal.ClusterOptions,
	evalOpts metrics.Options,
	cal, val conformal.Dataset,
	fn preprocessing.ScoreFunction,
	seed int,
	logger log.Logger,
) (MethodResult, error) {
	_, span := startSpan(ctx, "method", AttrMethod.String(m.String()), AttrSeed.Int(seed))
	defer span.End()

	calibrator, err := m.Calibrator(opts)
	if err != nil {
		return MethodResult{}, err
	}
	rng := rand.New(rand.NewPCG(uint64(seed), xxhash.Sum64String(m.String())))

	var res MethodResult
	start := time.Now()
	err = errors.SafeExecute("calibrate "+m.String(), func() error {
		th, err := calibrator.Calibrate(cal, r.cfg.Alpha, rng)
		if err != nil {
			return err
		}
		preds, err := conformal.PredictionSets(val.Scores, th)
		if err != nil {
			return err
		}
		cov, size, err := metrics.ComputeAll(val.Labels, preds, r.cfg.Alpha, evalOpts)
		if err != nil {
			return err
		}
		res = MethodResult{Threshold: th, Coverage: cov, SetSize: size}
		if r.cfg.SavePreds {
			res.Preds = preds
		}
		return nil
	})
	elapsed := time.Since(start)
	if err != nil {
		recordError(span, err)
		return MethodResult{}, err
	}

	span.SetAttributes(
		AttrCoverage.Float64(res.Coverage.MarginalCoverage),
		AttrCovGap.Float64(res.Coverage.MeanClassCovGap),
		AttrSetSize.Float64(res.SetSize.Mean),
	)
	r.telemetry.Observe(m.String(), fn.String(), elapsed, res.Coverage.MarginalCoverage, res.Coverage.MeanClassCovGap)

	fields := []any{
		log.MethodKey, m.String(),
		log.CoverageKey, res.Coverage.MarginalCoverage,
		log.ClassCovGapKey, res.Coverage.MeanClassCovGap,
		log.SetSizeKey, res.SetSize.Mean,
		log.DurationMsKey, elapsed.Milliseconds(),
	}
	if res.Threshold.Kind == conformal.KindClustered {
		fields = append(fields,
			log.ClusterCountKey, res.Threshold.Assignment.NumClusters(),
			log.RareClassesKey, len(res.Threshold.Assignment.Unclustered()),
		)
	}
	logger.Info("method evaluated", fields...)
	return res, nil
}
