package experiment

import (
	"bytes"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/YuminosukeSato/conformal/conformal"
	"github.com/YuminosukeSato/conformal/pkg/errors"
	"github.com/YuminosukeSato/conformal/pkg/log"
	"github.com/YuminosukeSato/conformal/preprocessing"
	"github.com/YuminosukeSato/conformal/sklearn/model_selection"
)

// EnvPrefix is prepended to every environment override, e.g. CONFORMAL_ALPHA.
const EnvPrefix = "CONFORMAL_"

// Datasets lists the dataset identifiers a run accepts.
var Datasets = []string{"imagenet", "cifar-100", "places365", "inaturalist"}

// Config describes one experiment run.
type Config struct {
	Dataset   string  `yaml:"dataset" env:"DATASET"`
	Alpha     float64 `yaml:"alpha" env:"ALPHA"`
	NTotalCal int     `yaml:"n_totalcal" env:"N_TOTALCAL"`

	ScoreFunctions []string `yaml:"score_functions" env:"SCORE_FUNCTIONS" envSeparator:","`
	Methods        []string `yaml:"methods" env:"METHODS" envSeparator:","`
	Seeds          []int    `yaml:"seeds" env:"SEEDS" envSeparator:","`
	GlobalSeed     uint64   `yaml:"global_seed" env:"GLOBAL_SEED"`

	Cluster ClusterConfig `yaml:"cluster" envPrefix:"CLUSTER_"`

	SavePreds  bool `yaml:"save_preds" env:"SAVE_PREDS"`
	SaveLabels bool `yaml:"save_labels" env:"SAVE_LABELS"`

	CalibrationSampling  string `yaml:"calibration_sampling" env:"CALIBRATION_SAMPLING"`
	AllowPartialBalanced bool   `yaml:"allow_partial_balanced" env:"ALLOW_PARTIAL_BALANCED"`

	// Randomize breaks APS/RAPS ties with a uniform draw per example.
	Randomize bool                     `yaml:"randomize" env:"RANDOMIZE"`
	RAPS      preprocessing.RAPSParams `yaml:"raps" envPrefix:"RAPS_"`

	VeryUndercoveredMargin float64 `yaml:"very_undercovered_margin" env:"VERY_UNDERCOVERED_MARGIN"`

	// RareClassThreshold drops classes with fewer examples before scoring.
	// 0 keeps every class.
	RareClassThreshold int `yaml:"rare_class_threshold" env:"RARE_CLASS_THRESHOLD"`

	DataFolder      string `yaml:"data_folder" env:"DATA_FOLDER"`
	SaveFolder      string `yaml:"save_folder" env:"SAVE_FOLDER"`
	MetricsTextfile string `yaml:"metrics_textfile" env:"METRICS_TEXTFILE"`
	CacheSize       int    `yaml:"cache_size" env:"CACHE_SIZE"`

	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`
}

// ClusterConfig holds the clustered-method options.
type ClusterConfig struct {
	FracClustering     conformal.AutoOr[float64] `yaml:"frac_clustering" env:"FRAC_CLUSTERING"`
	NumClusters        conformal.AutoOr[int]     `yaml:"num_clusters" env:"NUM_CLUSTERS"`
	Linkage            conformal.Linkage         `yaml:"linkage" env:"LINKAGE"`
	EmbeddingQuantiles []float64                 `yaml:"embedding_quantiles" env:"EMBEDDING_QUANTILES" envSeparator:","`
	AutoDenominator    float64                   `yaml:"auto_denominator" env:"AUTO_DENOMINATOR"`
	AutoClusterDivisor int                       `yaml:"auto_cluster_divisor" env:"AUTO_CLUSTER_DIVISOR"`
}

// DefaultConfig returns a run over all score functions and methods on one seed.
func DefaultConfig() *Config {
	opts := conformal.DefaultClusterOptions()
	return &Config{
		Dataset:        "imagenet",
		Alpha:          0.1,
		NTotalCal:      10,
		ScoreFunctions: preprocessing.ScoreFunctionNames(),
		Methods:        conformal.MethodNames(),
		Seeds:          []int{0},
		Cluster: ClusterConfig{
			FracClustering:     opts.FracClustering,
			NumClusters:        opts.NumClusters,
			Linkage:            opts.Linkage,
			EmbeddingQuantiles: opts.EmbeddingQuantiles,
			AutoDenominator:    opts.AutoDenominator,
			AutoClusterDivisor: opts.AutoClusterDivisor,
		},
		CalibrationSampling:    model_selection.SamplingRandom.String(),
		Randomize:              true,
		RAPS:                   preprocessing.DefaultRAPSParams(),
		VeryUndercoveredMargin: 0.1,
		DataFolder:             "data",
		SaveFolder:             ".cache/results",
		CacheSize:              4,
		LogLevel:               "info",
		LogFormat:              log.FormatConsole,
	}
}

// LoadConfig builds a Config from defaults, the YAML file at path (if not
// empty), .env files and CONFORMAL_* environment variables, in that order,
// then validates it.
//
// With no envFiles, a missing ./.env is ignored.
func LoadConfig(path string, envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil {
		if len(envFiles) > 0 || !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "load .env")
		}
	}

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := cfg.decodeYAML(data); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, errors.Wrap(err, "parse environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decodeYAML(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// Validate checks every field before any I/O happens.
func (c *Config) Validate() error {
	if !slices.Contains(Datasets, c.Dataset) {
		return errors.NewConfigError("dataset", c.Dataset, Datasets...)
	}
	if !(c.Alpha > 0 && c.Alpha < 1) {
		return errors.NewConfigError("alpha", c.Alpha, "(0, 1)")
	}
	if c.NTotalCal <= 0 {
		return errors.NewConfigError("n_totalcal", c.NTotalCal, "> 0")
	}
	if _, err := c.ScoreFunctionList(); err != nil {
		return err
	}
	if _, err := c.MethodList(); err != nil {
		return err
	}
	if len(c.Seeds) == 0 {
		return errors.NewConfigError("seeds", c.Seeds, "at least one seed")
	}
	for _, s := range c.Seeds {
		if s < 0 {
			return errors.NewConfigError("seeds", s, ">= 0")
		}
	}
	if _, err := c.Sampling(); err != nil {
		return err
	}
	if err := c.ClusterOptions().Validate(); err != nil {
		return err
	}
	if c.RAPS.Lambda < 0 || c.RAPS.KReg < 0 {
		return errors.NewConfigError("raps", c.RAPS, "lambda >= 0, k_reg >= 0")
	}
	if c.VeryUndercoveredMargin < 0 {
		return errors.NewConfigError("very_undercovered_margin", c.VeryUndercoveredMargin, ">= 0")
	}
	if c.RareClassThreshold < 0 {
		return errors.NewConfigError("rare_class_threshold", c.RareClassThreshold, ">= 0")
	}
	if c.DataFolder == "" {
		return errors.NewConfigError("data_folder", c.DataFolder, "non-empty path")
	}
	if c.SaveFolder == "" {
		return errors.NewConfigError("save_folder", c.SaveFolder, "non-empty path")
	}
	if c.CacheSize <= 0 {
		return errors.NewConfigError("cache_size", c.CacheSize, "> 0")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "", log.FormatConsole, log.FormatJSON, log.FormatSlog:
	default:
		return errors.NewConfigError("log_format", c.LogFormat, log.FormatConsole, log.FormatJSON, log.FormatSlog)
	}
	return nil
}

// ScoreFunctionList parses ScoreFunctions.
func (c *Config) ScoreFunctionList() ([]preprocessing.ScoreFunction, error) {
	if len(c.ScoreFunctions) == 0 {
		return nil, errors.NewConfigError("score_functions", c.ScoreFunctions, preprocessing.ScoreFunctionNames()...)
	}
	out := make([]preprocessing.ScoreFunction, len(c.ScoreFunctions))
	for i, name := range c.ScoreFunctions {
		fn, err := preprocessing.ParseScoreFunction(name)
		if err != nil {
			return nil, err
		}
		out[i] = fn
	}
	return out, nil
}

// MethodList parses Methods.
func (c *Config) MethodList() ([]conformal.Method, error) {
	if len(c.Methods) == 0 {
		return nil, errors.NewConfigError("methods", c.Methods, conformal.MethodNames()...)
	}
	out := make([]conformal.Method, len(c.Methods))
	for i, name := range c.Methods {
		m, err := conformal.ParseMethod(name)
		if err != nil {
			return nil, err
		}
		out[i] = m
	}
	return out, nil
}

// Sampling parses CalibrationSampling.
func (c *Config) Sampling() (model_selection.Sampling, error) {
	return model_selection.ParseSampling(c.CalibrationSampling)
}

// ClusterOptions converts the cluster section. The split mode is chosen per
// method by conformal.Method.Calibrator.
func (c *Config) ClusterOptions() conformal.ClusterOptions {
	opts := conformal.DefaultClusterOptions()
	opts.FracClustering = c.Cluster.FracClustering
	opts.NumClusters = c.Cluster.NumClusters
	opts.Linkage = c.Cluster.Linkage
	opts.EmbeddingQuantiles = c.Cluster.EmbeddingQuantiles
	opts.AutoDenominator = c.Cluster.AutoDenominator
	opts.AutoClusterDivisor = c.Cluster.AutoClusterDivisor
	return opts
}
