package experiment

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/YuminosukeSato/conformal/pkg/errors"
)

// Telemetry holds the run metrics on a private registry, so several runs in
// one process never collide.
type Telemetry struct {
	Registry *prometheus.Registry

	Calibrations        *prometheus.CounterVec
	CalibrationDuration *prometheus.HistogramVec
	MarginalCoverage    *prometheus.GaugeVec
	ClassCovGap         *prometheus.GaugeVec
	Failures            *prometheus.CounterVec
}

// NewTelemetry creates and registers all metrics.
func NewTelemetry() *Telemetry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Telemetry{
		Registry: reg,
		Calibrations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conformal_calibrations_total",
				Help: "Number of completed calibrations per method and score function",
			},
			[]string{"method", "score"},
		),
		CalibrationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conformal_calibration_duration_seconds",
				Help:    "Wall time of calibration plus prediction sets per method",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
			},
			[]string{"method"},
		),
		MarginalCoverage: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "conformal_marginal_coverage",
				Help: "Marginal coverage of the last evaluated seed",
			},
			[]string{"method", "score"},
		),
		ClassCovGap: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "conformal_class_cov_gap",
				Help: "Mean class-conditional coverage gap of the last evaluated seed",
			},
			[]string{"method", "score"},
		),
		Failures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conformal_calibration_failures_total",
				Help: "Number of calibrations that returned an error or panicked",
			},
			[]string{"method", "score"},
		),
	}
}

// Observe records one successful method evaluation.
func (t *Telemetry) Observe(method, score string, elapsed time.Duration, coverage, gap float64) {
	t.Calibrations.WithLabelValues(method, score).Inc()
	t.CalibrationDuration.WithLabelValues(method).Observe(elapsed.Seconds())
	t.MarginalCoverage.WithLabelValues(method, score).Set(coverage)
	t.ClassCovGap.WithLabelValues(method, score).Set(gap)
}

// Fail records one failed method evaluation.
func (t *Telemetry) Fail(method, score string) {
	t.Failures.WithLabelValues(method, score).Inc()
}

// WriteTextfile writes the registry in the node-exporter textfile format.
func (t *Telemetry) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, t.Registry); err != nil {
		return errors.Wrapf(err, "write metrics to %s", path)
	}
	return nil
}
