package metrics

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"

	"github.com/YuminosukeSato/conformal/pkg/errors"
)

// DefaultVeryUndercoveredMargin はクラス被覆率が 1-α からこれ以上下回ると
// 「大きく過小被覆」とみなす幅
const DefaultVeryUndercoveredMargin = 0.1

// SetSizeQuantiles は集合サイズの要約に使う分位点
var SetSizeQuantiles = [...]float64{0.25, 0.5, 0.75, 0.9}

// Options はComputeAllの設定
type Options struct {
	// NumClasses はクラス数。0ならラベルと予測集合から推定する
	NumClasses int

	VeryUndercoveredMargin float64
}

// DefaultOptions はデフォルト設定を返す
func DefaultOptions() Options {
	return Options{VeryUndercoveredMargin: DefaultVeryUndercoveredMargin}
}

// CoverageMetrics は1つの(手法, シード)の被覆率指標
type CoverageMetrics struct {
	MarginalCoverage float64

	// ClassCoverage は検証データにそのクラスの例がない場合NaN
	ClassCoverage []float64
	ClassSupport  []int

	// ギャップは ClassCoverage がNaNでないクラスのみで計算する
	MeanClassCovGap float64
	MaxGap          float64
	UndercovGap     float64
	OvercovGap      float64

	VeryUndercovered     int
	VeryUndercoveredFrac float64

	MeanSetSize float64
}

// SetSizeMetrics は予測集合サイズの要約
type SetSizeMetrics struct {
	Mean float64

	// Quantiles は SetSizeQuantiles の各点での値
	Quantiles [len(SetSizeQuantiles)]float64
}

// ComputeAll は予測集合と真のラベルから全指標を計算する
func ComputeAll(labels []int, preds [][]int, alpha float64, opts Options) (CoverageMetrics, SetSizeMetrics, error) {
	// 入力検証
	n := len(labels)
	if n == 0 {
		return CoverageMetrics{}, SetSizeMetrics{}, errors.NewValueError("ComputeAll", "empty labels")
	}
	if len(preds) != n {
		return CoverageMetrics{}, SetSizeMetrics{}, errors.NewDimensionError("ComputeAll", n, len(preds), 0)
	}
	if !(alpha > 0 && alpha < 1) {
		return CoverageMetrics{}, SetSizeMetrics{}, errors.NewValidationError("alpha", "must be in (0, 1)", alpha)
	}
	if opts.VeryUndercoveredMargin < 0 {
		return CoverageMetrics{}, SetSizeMetrics{}, errors.NewValidationError("very_undercovered_margin", "must be non-negative", opts.VeryUndercoveredMargin)
	}
	k, err := numClasses(labels, preds, opts.NumClasses)
	if err != nil {
		return CoverageMetrics{}, SetSizeMetrics{}, err
	}

	// クラスごとの被覆数を集計
	support := make([]int, k)
	hits := make([]int, k)
	sizes := make([]float64, n)
	covered := 0
	for i, y := range labels {
		support[y]++
		sizes[i] = float64(len(preds[i]))
		if slices.Contains(preds[i], y) {
			hits[y]++
			covered++
		}
	}

	cov := CoverageMetrics{
		MarginalCoverage: float64(covered) / float64(n),
		ClassCoverage:    make([]float64, k),
		ClassSupport:     support,
		MeanSetSize:      stat.Mean(sizes, nil),
	}

	target := 1 - alpha
	var gaps, under, over []float64
	var unsupported []int
	for c := 0; c < k; c++ {
		if support[c] == 0 {
			cov.ClassCoverage[c] = math.NaN()
			unsupported = append(unsupported, c)
			continue
		}
		cc := float64(hits[c]) / float64(support[c])
		cov.ClassCoverage[c] = cc

		gap := math.Abs(cc - target)
		gaps = append(gaps, gap)
		cov.MaxGap = math.Max(cov.MaxGap, gap)
		switch {
		case cc < target:
			under = append(under, gap)
		case cc > target:
			over = append(over, gap)
		}
		if cc < target-opts.VeryUndercoveredMargin {
			cov.VeryUndercovered++
		}
	}
	if len(unsupported) > 0 {
		errors.Warn(errors.NewUndefinedMetricWarning("class_coverage",
			fmt.Sprintf("no validation examples for classes %v", unsupported), math.NaN()))
	}
	// ラベルが1つ以上あるので gaps は空にならない
	cov.MeanClassCovGap = stat.Mean(gaps, nil)
	cov.UndercovGap = meanOrZero(under)
	cov.OvercovGap = meanOrZero(over)
	cov.VeryUndercoveredFrac = float64(cov.VeryUndercovered) / float64(len(gaps))

	setSize := SetSizeMetrics{Mean: cov.MeanSetSize}
	slices.Sort(sizes)
	for i, p := range SetSizeQuantiles {
		setSize.Quantiles[i] = stat.Quantile(p, stat.LinInterp, sizes, nil)
	}

	return cov, setSize, nil
}

// numClasses は明示されたクラス数を検証するか、ラベルと予測集合から推定する
func numClasses(labels []int, preds [][]int, k int) (int, error) {
	inferred := 0
	for i, y := range labels {
		if y < 0 {
			return 0, errors.NewValidationError("labels", "negative label", y)
		}
		inferred = max(inferred, y+1)
		for _, c := range preds[i] {
			if c < 0 {
				return 0, errors.NewValidationError("preds", "negative class id", c)
			}
			inferred = max(inferred, c+1)
		}
	}
	if k == 0 {
		return inferred, nil
	}
	if inferred > k {
		return 0, errors.NewDimensionError("ComputeAll", k, inferred, 1)
	}
	return k, nil
}

func meanOrZero(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return stat.Mean(x, nil)
}
