package preprocessing

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/conformal/pkg/errors"
)

// ScoreFunction はsoftmax出力から非適合度スコアを計算する規則
type ScoreFunction int

const (
	// Softmax は 1 - p をスコアとする（inverse-softmax）
	Softmax ScoreFunction = iota
	// APS は降順に並べた確率の累積和をスコアとする（Adaptive Prediction Sets）
	APS
	// RAPS はAPSに順位ペナルティを加えたもの（Regularized APS）
	RAPS
)

var scoreFunctionNames = [...]string{
	Softmax: "softmax",
	APS:     "APS",
	RAPS:    "RAPS",
}

// String は設定ファイルや保存パスで使う名前を返す
func (f ScoreFunction) String() string {
	if f < 0 || int(f) >= len(scoreFunctionNames) {
		return fmt.Sprintf("ScoreFunction(%d)", int(f))
	}
	return scoreFunctionNames[f]
}

// ScoreFunctionNames は有効なスコア関数名の一覧を返す
func ScoreFunctionNames() []string {
	return scoreFunctionNames[:]
}

// ParseScoreFunction は名前からScoreFunctionを返す。未知の名前はConfigError
func ParseScoreFunction(name string) (ScoreFunction, error) {
	for i, n := range scoreFunctionNames {
		if n == name {
			return ScoreFunction(i), nil
		}
	}
	return 0, errors.NewConfigError("score_function", name, ScoreFunctionNames()...)
}

// RAPSParams はRAPSの正則化パラメータ
type RAPSParams struct {
	// Lambda は順位がKRegを超える1つごとに加算されるペナルティ
	Lambda float64 `yaml:"lambda" env:"LAMBDA"`
	// KReg はペナルティが始まる順位（1始まり）
	KReg int `yaml:"k_reg" env:"K_REG"`
}

// DefaultRAPSParams はImageNetで調整された既定値 λ=0.01, k_reg=5 を返す
func DefaultRAPSParams() RAPSParams {
	return RAPSParams{Lambda: 0.01, KReg: 5}
}

// rowSumTolerance を超えて行和が1から外れるとDataConversionWarningを出す
const rowSumTolerance = 1e-3

// ScoreTransformer はsoftmax確率行列を非適合度スコア行列に変換する
// スコアが小さいほどそのクラスがもっともらしいことを表す
type ScoreTransformer struct {
	Function  ScoreFunction
	Randomize bool
	RAPS      RAPSParams

	rng *rand.Rand
}

// ScoreOption はScoreTransformerの設定オプション
type ScoreOption func(*ScoreTransformer)

// WithRandomize はAPS/RAPSのタイブレーク用ランダム化を設定する
func WithRandomize(randomize bool) ScoreOption {
	return func(t *ScoreTransformer) {
		t.Randomize = randomize
	}
}

// WithRAPSParams はRAPSのパラメータを設定する
func WithRAPSParams(p RAPSParams) ScoreOption {
	return func(t *ScoreTransformer) {
		t.RAPS = p
	}
}

// WithRandSource はランダム化に使う乱数源を設定する
func WithRandSource(rng *rand.Rand) ScoreOption {
	return func(t *ScoreTransformer) {
		t.rng = rng
	}
}

// NewScoreTransformer は新しいScoreTransformerを作成する
//
// 使用例:
//
//	rng := rand.New(rand.NewPCG(globalSeed, xxhash.Sum64String("APS")))
//	tr := preprocessing.NewScoreTransformer(preprocessing.APS,
//	    preprocessing.WithRandomize(true),
//	    preprocessing.WithRandSource(rng),
//	)
//	scores, err := tr.Transform(softmax)
func NewScoreTransformer(fn ScoreFunction, options ...ScoreOption) *ScoreTransformer {
	t := &ScoreTransformer{
		Function: fn,
		RAPS:     DefaultRAPSParams(),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Transform は確率行列Xを同じ形のスコア行列に変換する
//
// ランダム化が有効な場合、各行につき一様乱数Uを行順に1つ引き、
// スコアから U * p を引く。入力Xは変更しない。
func (t *ScoreTransformer) Transform(X mat.Matrix) (*mat.Dense, error) {
	rows, cols, err := checkProbabilities("ScoreTransformer.Transform", X)
	if err != nil {
		return nil, err
	}

	out := mat.NewDense(rows, cols, nil)
	switch t.Function {
	case Softmax:
		out.Apply(func(_, _ int, v float64) float64 { return 1 - v }, X)
		return out, nil
	case APS, RAPS:
	default:
		return nil, errors.NewConfigError("score_function", t.Function.String(), ScoreFunctionNames()...)
	}

	if t.Randomize && t.rng == nil {
		return nil, errors.NewValueError("ScoreTransformer.Transform", "randomize requires a random source")
	}
	if t.Function == RAPS && (t.RAPS.Lambda < 0 || t.RAPS.KReg < 0) {
		return nil, errors.NewValidationError("raps", "lambda and k_reg must be non-negative", t.RAPS)
	}

	p := make([]float64, cols)
	order := make([]int, cols)
	for i := 0; i < rows; i++ {
		mat.Row(p, i, X)
		for j := range order {
			order[j] = j
		}
		// 同確率のクラスは番号の小さい方が先になる
		slices.SortStableFunc(order, func(a, b int) int {
			switch {
			case p[a] > p[b]:
				return -1
			case p[a] < p[b]:
				return 1
			}
			return 0
		})

		u := 0.0
		if t.Randomize {
			u = t.rng.Float64()
		}

		cum := 0.0
		for rank, k := range order {
			cum += p[k]
			score := cum
			if t.Function == RAPS {
				score += t.RAPS.Lambda * math.Max(0, float64(rank+1-t.RAPS.KReg))
			}
			if t.Randomize {
				score -= u * p[k]
			}
			out.Set(i, k, score)
		}
	}
	return out, nil
}

// checkProbabilities は確率行列の前提を検証する
func checkProbabilities(op string, X mat.Matrix) (int, int, error) {
	if X == nil {
		return 0, 0, errors.NewValueError(op, "empty probability matrix")
	}
	rows, cols := X.Dims()
	if rows == 0 || cols == 0 {
		return 0, 0, errors.NewValueError(op, "empty probability matrix")
	}
	if err := errors.CheckMatrix(op, X, rows, cols); err != nil {
		return 0, 0, err
	}

	warned := false
	for i := 0; i < rows; i++ {
		sum := 0.0
		for j := 0; j < cols; j++ {
			v := X.At(i, j)
			if v < 0 {
				return 0, 0, errors.NewValidationError("probabilities", fmt.Sprintf("negative entry at (%d, %d)", i, j), v)
			}
			sum += v
		}
		if !warned && math.Abs(sum-1) > rowSumTolerance {
			errors.Warn(errors.NewDataConversionWarning("probabilities", "scores",
				fmt.Sprintf("row %d sums to %.6g, not 1", i, sum)))
			warned = true
		}
	}
	return rows, cols, nil
}

// RemoveRareClasses はサンプル数がthresh未満のクラスを取り除く
//
// 残った行の列を詰め直し、ラベルは出現順に0から振り直す。
// 各行は残った列の和が1になるよう再正規化される。
// 1-pではなく生のsoftmax確率を渡すこと。
//
// 戻り値:
//   - *mat.Dense: 残った行×残ったクラスの確率行列
//   - []int: 振り直したラベル
//   - error: 入力が不正、または全クラスが除去された場合
func RemoveRareClasses(probs mat.Matrix, labels []int, thresh int) (*mat.Dense, []int, error) {
	const op = "RemoveRareClasses"
	rows, cols, err := checkProbabilities(op, probs)
	if err != nil {
		return nil, nil, err
	}
	if len(labels) != rows {
		return nil, nil, errors.NewDimensionError(op, rows, len(labels), 0)
	}

	counts := make([]int, cols)
	for _, y := range labels {
		if y < 0 || y >= cols {
			return nil, nil, errors.NewValidationError("labels", fmt.Sprintf("label out of range [0, %d)", cols), y)
		}
		counts[y]++
	}

	// 旧ラベル → 新ラベル（出現順）
	mapping := make(map[int]int)
	var keptRows []int
	newLabels := make([]int, 0, rows)
	for i, y := range labels {
		if counts[y] < thresh {
			continue
		}
		nk, ok := mapping[y]
		if !ok {
			nk = len(mapping)
			mapping[y] = nk
		}
		keptRows = append(keptRows, i)
		newLabels = append(newLabels, nk)
	}
	if len(mapping) == 0 {
		return nil, nil, errors.NewValueError(op, fmt.Sprintf("no class has at least %d examples", thresh))
	}

	out := mat.NewDense(len(keptRows), len(mapping), nil)
	for r, i := range keptRows {
		sum := 0.0
		for oldK := 0; oldK < cols; oldK++ {
			newK, ok := mapping[oldK]
			if !ok {
				continue
			}
			v := probs.At(i, oldK)
			out.Set(r, newK, v)
			sum += v
		}
		if sum <= 0 {
			return nil, nil, errors.NewNumericalInstabilityError(op, []float64{sum}, i)
		}
		row := out.RawRowView(r)
		for k := range row {
			row[k] /= sum
		}
	}
	return out, newLabels, nil
}
