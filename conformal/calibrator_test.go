package conformal

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/conformal/pkg/errors"
)

// クラス2がキャリブレーションに存在しない
func absentClassCalibration(t *testing.T) Dataset {
	t.Helper()
	scores := mat.NewDense(6, 3, []float64{
		0.1, 0.9, 0.9,
		0.2, 0.9, 0.9,
		0.3, 0.9, 0.9,
		0.9, 0.4, 0.9,
		0.9, 0.5, 0.9,
		0.9, 0.6, 0.9,
	})
	d, err := NewDataset(scores, []int{0, 0, 0, 1, 1, 1})
	require.NoError(t, err)
	return d
}

func TestClasswiseAbsentClassDefaults(t *testing.T) {
	cal := absentClassCalibration(t)
	val := mat.NewDense(2, 3, []float64{
		0.15, 0.9, 5.0,
		0.25, 0.45, 0.0,
	})

	tests := []struct {
		name   string
		policy DefaultPolicy
		qhats  []float64
		sets   [][]int
	}{
		{"infinite", DefaultInfinite, []float64{0.2, 0.5, math.Inf(1)}, [][]int{{0, 2}, {1, 2}}},
		{"standard", DefaultStandard, []float64{0.2, 0.5, 0.4}, [][]int{{0}, {1, 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th, err := (&ClasswiseCalibrator{Default: tt.policy}).Calibrate(cal, 0.5, nil)
			require.NoError(t, err)
			assert.Equal(t, KindClasswise, th.Kind)
			assert.Equal(t, 0.4, th.Global)
			assert.Equal(t, tt.qhats, th.Qhats())

			sets, err := PredictionSets(val, th)
			require.NoError(t, err)
			assert.Equal(t, tt.sets, sets)
		})
	}
}

func TestClasswiseInfiniteDefaultAlwaysIncluded(t *testing.T) {
	rng := newRand(5)
	cal := uniformDataset(t, rng, []int{30, 30, 0, 30})
	val := uniformDataset(t, rng, []int{20, 20, 20, 20})

	th, err := (&ClasswiseCalibrator{Default: DefaultInfinite}).Calibrate(cal, 0.1, nil)
	require.NoError(t, err)
	assert.True(t, math.IsInf(th.Qhat(2), 1))

	sets, err := PredictionSets(val.Scores, th)
	require.NoError(t, err)
	for i, set := range sets {
		assert.Contains(t, set, 2, "row %d", i)
	}
}

func TestShrinkToGlobal(t *testing.T) {
	byClass := [][]float64{
		{0.1, 0.3, 0.5},
		{0.5, 0.7, 0.9},
		{0.4},
		nil,
	}
	qhats := []float64{0.3, 0.7, 0.4, math.Inf(1)}
	valid := []bool{true, true, true, false}

	shrinkToGlobal(qhats, byClass, valid, 0.5)

	// v_k = 0.04/3, τ² = 0.04 - 0.04/3, w = 2/3
	assert.InDelta(t, 0.5-0.2*2/3.0, qhats[0], 1e-9)
	assert.InDelta(t, 0.5+0.2*2/3.0, qhats[1], 1e-9)
	// 1件のみのクラスと無効なクラスはそのまま
	assert.Equal(t, 0.4, qhats[2])
	assert.True(t, math.IsInf(qhats[3], 1))
}

func TestShrinkToGlobalNoSpread(t *testing.T) {
	byClass := [][]float64{{0.1, 0.3, 0.5}, {0.2, 0.4, 0.6}}
	qhats := []float64{0.5, 0.5}
	shrinkToGlobal(qhats, byClass, []bool{true, true}, 0.5)
	assert.Equal(t, []float64{0.5, 0.5}, qhats)

	// グローバルが無限大なら何もしない
	qhats = []float64{0.3, 0.6}
	shrinkToGlobal(qhats, byClass, []bool{true, true}, math.Inf(1))
	assert.Equal(t, []float64{0.3, 0.6}, qhats)
}

func TestRegularizedClasswiseStaysBetween(t *testing.T) {
	rng := newRand(9)
	cal := syntheticDataset(t, rng, []int{25, 25, 25, 25}, func(class int) float64 {
		return 0.2*float64(class) + 0.3*rng.Float64()
	})

	plain, err := (&ClasswiseCalibrator{Default: DefaultStandard}).Calibrate(cal, 0.1, nil)
	require.NoError(t, err)
	reg, err := (&ClasswiseCalibrator{Default: DefaultStandard, Regularize: true}).Calibrate(cal, 0.1, nil)
	require.NoError(t, err)

	g := plain.Global
	for k := 0; k < cal.NumClasses(); k++ {
		lo, hi := math.Min(g, plain.Qhat(k)), math.Max(g, plain.Qhat(k))
		assert.GreaterOrEqual(t, reg.Qhat(k), lo-1e-12, "class %d", k)
		assert.LessOrEqual(t, reg.Qhat(k), hi+1e-12, "class %d", k)
	}
}

func TestCalibratorErrors(t *testing.T) {
	cal := threeClassCalibration(t)

	for _, alpha := range []float64{0, 1, 2} {
		_, err := (&StandardCalibrator{}).Calibrate(cal, alpha, nil)
		var vErr *errors.ValidationError
		assert.True(t, errors.As(err, &vErr), "alpha=%v", alpha)
	}

	_, err := (&StandardCalibrator{Exact: true}).Calibrate(cal, 0.2, nil)
	assert.Error(t, err)
	_, err = (&ClasswiseCalibrator{Exact: true}).Calibrate(cal, 0.2, nil)
	assert.Error(t, err)
	_, err = (&ClasswiseCalibrator{Default: DefaultPolicy(7)}).Calibrate(cal, 0.2, nil)
	assert.Error(t, err)

	bad := Dataset{Scores: cal.Scores, Labels: []int{0, 1}}
	_, err = (&StandardCalibrator{}).Calibrate(bad, 0.2, nil)
	var dimErr *errors.DimensionError
	assert.True(t, errors.As(err, &dimErr))
}

func TestExactCoverageStoresSeed(t *testing.T) {
	cal := threeClassCalibration(t)
	th, err := (&StandardCalibrator{Exact: true}).Calibrate(cal, 0.2, newRand(1))
	require.NoError(t, err)
	require.NotNil(t, th.Exact)
	assert.Equal(t, 0.5, th.Global)
	assert.Equal(t, []float64{0.4, 0.4, 0.4}, th.Exact.Lower)
	assert.Equal(t, []float64{0.5, 0.5, 0.5}, th.Exact.Upper)

	again, err := (&StandardCalibrator{Exact: true}).Calibrate(cal, 0.2, newRand(1))
	require.NoError(t, err)
	assert.Equal(t, th.Exact.Seed, again.Exact.Seed)
}

// 一様スコアで多数回試行し、平均被覆率を確認する
func TestCoverageConvergence(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping coverage simulation in short mode")
	}
	const (
		alpha  = 0.1
		trials = 50
	)
	perCal := []int{100, 100, 100}
	perVal := []int{1000, 1000, 1000}

	tests := []struct {
		name  string
		cal   Calibrator
		exact bool
	}{
		{"standard", &StandardCalibrator{}, false},
		{"classwise", &ClasswiseCalibrator{Default: DefaultInfinite}, false},
		{"exact standard", &StandardCalibrator{Exact: true}, true},
		{"exact classwise", &ClasswiseCalibrator{Default: DefaultInfinite, Exact: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng := newRand(2024)
			sum := 0.0
			for trial := 0; trial < trials; trial++ {
				cal := uniformDataset(t, rng, perCal)
				val := uniformDataset(t, rng, perVal)
				th, err := tt.cal.Calibrate(cal, alpha, rng)
				require.NoError(t, err)
				sets, err := PredictionSets(val.Scores, th)
				require.NoError(t, err)
				sum += coverage(sets, val.Labels)
			}
			mean := sum / trials
			if tt.exact {
				assert.InDelta(t, 1-alpha, mean, 0.015)
			} else {
				assert.GreaterOrEqual(t, mean, 1-alpha-0.015)
			}
		})
	}
}

// クラス数を増やし、実際にクラスタリングが起きる条件で exact 被覆率を確認する
func TestClusteredExactCoverageConvergence(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping coverage simulation in short mode")
	}
	const (
		alpha   = 0.1
		trials  = 40
		classes = 20
	)
	perCal := make([]int, classes)
	perVal := make([]int, classes)
	for k := range perCal {
		perCal[k] = 60
		perVal[k] = 200
	}

	opts := DefaultClusterOptions()
	opts.FracClustering = Fixed(0.5)
	opts.NumClusters = Fixed(4)
	c := &ClusteredCalibrator{Options: opts, Exact: true}

	rng := newRand(99)
	sum := 0.0
	for trial := 0; trial < trials; trial++ {
		cal := uniformDataset(t, rng, perCal)
		val := uniformDataset(t, rng, perVal)
		th, err := c.Calibrate(cal, alpha, rng)
		require.NoError(t, err)
		require.NotNil(t, th.Exact)
		require.Greater(t, th.Assignment.NumClusters(), 1, "trial %d", trial)
		assert.Empty(t, th.Assignment.Unclustered(), "trial %d", trial)

		sets, err := PredictionSets(val.Scores, th)
		require.NoError(t, err)
		sum += coverage(sets, val.Labels)
	}
	assert.InDelta(t, 1-alpha, sum/trials, 0.015)
}
