package conformal

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat"

	"github.com/YuminosukeSato/conformal/pkg/errors"
	"github.com/YuminosukeSato/conformal/pkg/log"
)

// Calibrator turns calibration scores into a Threshold.
//
// rng is the method's own random source. Calibrators that draw nothing
// accept nil.
type Calibrator interface {
	Calibrate(cal Dataset, alpha float64, rng *rand.Rand) (*Threshold, error)
}

// StandardCalibrator fits one quantile over all true-class scores.
type StandardCalibrator struct {
	Exact bool
}

// Calibrate implements Calibrator.
func (c *StandardCalibrator) Calibrate(cal Dataset, alpha float64, rng *rand.Rand) (*Threshold, error) {
	if err := checkCalibration(cal, alpha, rng, c.Exact); err != nil {
		return nil, err
	}
	k := cal.NumClasses()
	scores := cal.TrueClassScores()

	th := &Threshold{
		Kind:       KindStandard,
		NumClasses: k,
		Global:     ConformalQuantile(scores, alpha, math.Inf(1)),
	}
	if c.Exact {
		th.Exact = newExactCoverage(k, rng.Uint64())
		for class := 0; class < k; class++ {
			th.Exact.set(class, scores, alpha, math.Inf(1))
		}
	}
	return th, nil
}

// DefaultPolicy selects the quantile of a class with too few calibration
// scores for a valid conformal quantile.
type DefaultPolicy int

const (
	// DefaultInfinite uses +Inf, so the class is always included.
	DefaultInfinite DefaultPolicy = iota
	// DefaultStandard falls back to the standard (global) quantile.
	DefaultStandard
)

func (p DefaultPolicy) String() string {
	switch p {
	case DefaultInfinite:
		return "inf"
	case DefaultStandard:
		return "standard"
	default:
		return fmt.Sprintf("DefaultPolicy(%d)", int(p))
	}
}

// ClasswiseCalibrator fits a quantile per class.
type ClasswiseCalibrator struct {
	Default DefaultPolicy

	// Regularize shrinks each valid class quantile toward the global one
	// with empirical-Bayes weights.
	Regularize bool

	Exact bool
}

// Calibrate implements Calibrator.
func (c *ClasswiseCalibrator) Calibrate(cal Dataset, alpha float64, rng *rand.Rand) (*Threshold, error) {
	if err := checkCalibration(cal, alpha, rng, c.Exact); err != nil {
		return nil, err
	}
	k := cal.NumClasses()
	global := ConformalQuantile(cal.TrueClassScores(), alpha, math.Inf(1))

	var def float64
	switch c.Default {
	case DefaultInfinite:
		def = math.Inf(1)
	case DefaultStandard:
		def = global
	default:
		return nil, errors.NewValidationError("default_qhat", "unknown default policy", c.Default.String())
	}

	byClass := cal.ScoresByClass()
	qhats := make([]float64, k)
	valid := make([]bool, k)
	for class, scores := range byClass {
		n := len(scores)
		valid[class] = n > 0 && quantileIndex(n, alpha) <= n
		qhats[class] = ConformalQuantile(scores, alpha, def)
	}

	if c.Regularize {
		shrinkToGlobal(qhats, byClass, valid, global)
	}

	th := &Threshold{
		Kind:       KindClasswise,
		NumClasses: k,
		Global:     global,
		ClassQhats: qhats,
	}
	if c.Exact {
		th.Exact = newExactCoverage(k, rng.Uint64())
		for class, scores := range byClass {
			th.Exact.set(class, scores, alpha, def)
		}
	}

	log.GetLoggerWithName("conformal").Debug("classwise quantiles fitted",
		log.ClassesKey, k,
		"default", c.Default.String(),
		"valid_classes", countTrue(valid),
	)
	return th, nil
}

// shrinkToGlobal applies q_k <- g + w_k (q_k - g) to classes with a valid
// quantile, where w_k = τ²/(τ²+v_k), v_k = Var(scores_k)/n_k and
// τ² = max(0, mean (q_k-g)² - mean v_k). Classes with fewer than two
// scores have no variance estimate and are left alone.
func shrinkToGlobal(qhats []float64, byClass [][]float64, valid []bool, global float64) {
	if math.IsInf(global, 0) {
		return
	}

	var idx []int
	var v []float64
	for class, scores := range byClass {
		if !valid[class] || len(scores) < 2 {
			continue
		}
		idx = append(idx, class)
		v = append(v, stat.Variance(scores, nil)/float64(len(scores)))
	}
	if len(idx) == 0 {
		return
	}

	meanSq, meanV := 0.0, 0.0
	for i, class := range idx {
		d := qhats[class] - global
		meanSq += d * d
		meanV += v[i]
	}
	meanSq /= float64(len(idx))
	meanV /= float64(len(idx))
	tau2 := math.Max(0, meanSq-meanV)

	for i, class := range idx {
		w := 1.0
		if denom := tau2 + v[i]; denom > 0 {
			w = tau2 / denom
		}
		qhats[class] = global + w*(qhats[class]-global)
	}
}

func checkCalibration(cal Dataset, alpha float64, rng *rand.Rand, needRand bool) error {
	if err := checkAlpha(alpha); err != nil {
		return err
	}
	if err := cal.Validate(); err != nil {
		return err
	}
	if needRand && rng == nil {
		return errors.NewValueError("Calibrate", "a random source is required")
	}
	return nil
}

func countTrue(b []bool) int {
	n := 0
	for _, v := range b {
		if v {
			n++
		}
	}
	return n
}
