package conformal

import (
	"math"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/conformal/pkg/errors"
)

// 3クラス, ラベル [0,1,2,0,1], 真のクラスのスコア [0.1,0.3,0.5,0.2,0.4], α=0.2
func threeClassCalibration(t *testing.T) Dataset {
	t.Helper()
	scores := mat.NewDense(5, 3, []float64{
		0.1, 0.8, 0.9,
		0.7, 0.3, 0.9,
		0.6, 0.9, 0.5,
		0.2, 0.9, 0.8,
		0.9, 0.4, 0.6,
	})
	d, err := NewDataset(scores, []int{0, 1, 2, 0, 1})
	require.NoError(t, err)
	return d
}

func TestStandardScenario(t *testing.T) {
	cal := threeClassCalibration(t)
	assert.Equal(t, []float64{0.1, 0.3, 0.5, 0.2, 0.4}, cal.TrueClassScores())

	th, err := (&StandardCalibrator{}).Calibrate(cal, 0.2, nil)
	require.NoError(t, err)
	assert.Equal(t, KindStandard, th.Kind)
	assert.Equal(t, 0.5, th.Global)

	sets, err := PredictionSets(mat.NewDense(1, 3, []float64{0.45, 0.6, 0.7}), th)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0}}, sets)
}

func TestPredictionSetsResolvesPerKind(t *testing.T) {
	scores := mat.NewDense(2, 3, []float64{
		0.2, 0.5, 0.8,
		0.9, 0.1, 0.4,
	})

	tests := []struct {
		name string
		th   *Threshold
		want [][]int
	}{
		{
			name: "standard",
			th:   &Threshold{Kind: KindStandard, NumClasses: 3, Global: 0.5},
			want: [][]int{{0, 1}, {1, 2}},
		},
		{
			name: "classwise",
			th:   &Threshold{Kind: KindClasswise, NumClasses: 3, ClassQhats: []float64{0.1, math.Inf(1), 0.8}},
			want: [][]int{{1, 2}, {1, 2}},
		},
		{
			name: "clustered with unclustered fallback",
			th: &Threshold{
				Kind: KindClustered, NumClasses: 3, Global: 0.85,
				ClusterQhats: []float64{0.3},
				Assignment:   ClusterAssignment{0, 0, Unclustered},
			},
			want: [][]int{{0, 2}, {1, 2}},
		},
		{
			name: "empty sets are empty slices",
			th:   &Threshold{Kind: KindStandard, NumClasses: 3, Global: 0.0},
			want: [][]int{{}, {}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sets, err := PredictionSets(scores, tt.th)
			require.NoError(t, err)
			assert.Equal(t, tt.want, sets)
		})
	}
}

func TestUnclusteredResolvesToGlobal(t *testing.T) {
	th := &Threshold{
		Kind: KindClustered, NumClasses: 4, Global: 0.7,
		ClusterQhats: []float64{0.2, 0.4},
		Assignment:   ClusterAssignment{1, Unclustered, 0, Unclustered},
	}
	require.NoError(t, th.Validate())
	assert.Equal(t, []float64{0.4, 0.7, 0.2, 0.7}, th.Qhats())
	assert.Equal(t, []int{1, 3}, th.Assignment.Unclustered())
	assert.Equal(t, 2, th.Assignment.NumClusters())
}

func TestPredictionSetsReplay(t *testing.T) {
	rng := newRand(3)
	cal := uniformDataset(t, rng, []int{40, 40, 40, 40})
	val := uniformDataset(t, rng, []int{50, 50, 50, 50})

	for _, m := range AllMethods() {
		t.Run(m.String(), func(t *testing.T) {
			c, err := m.Calibrator(DefaultClusterOptions())
			require.NoError(t, err)
			th, err := c.Calibrate(cal, 0.1, newRand(11))
			require.NoError(t, err)

			first, err := PredictionSets(val.Scores, th)
			require.NoError(t, err)
			second, err := PredictionSets(val.Scores, th)
			require.NoError(t, err)
			assert.Equal(t, first, second)
			assert.Len(t, first, val.Len())
		})
	}
}

func TestPredictionSetsExactBoundary(t *testing.T) {
	th := &Threshold{
		Kind: KindStandard, NumClasses: 2, Global: 0.5,
		Exact: &ExactCoverage{
			Lower: []float64{0.3, 0.3},
			Upper: []float64{0.6, 0.6},
			Gamma: []float64{0, 1},
			Seed:  42,
		},
	}
	scores := mat.NewDense(1, 2, []float64{0.5, 0.5})
	sets, err := PredictionSets(scores, th)
	require.NoError(t, err)
	// γ=0 は常に lower, γ=1 は常に upper
	assert.Equal(t, [][]int{{1}}, sets)
}

func TestPredictionSetsExactClosedDownward(t *testing.T) {
	th := &Threshold{
		Kind: KindStandard, NumClasses: 2, Global: 0.3,
		Exact: &ExactCoverage{
			Lower: []float64{0.3, 0.3},
			Upper: []float64{0.5, 0.5},
			Gamma: []float64{0.5, 0.5},
			Seed:  7,
		},
	}
	const n = 1000
	data := make([]float64, 0, 2*n)
	for i := 0; i < n; i++ {
		data = append(data, 0.45, 0.35)
	}
	sets, err := PredictionSets(mat.NewDense(n, 2, data), th)
	require.NoError(t, err)

	// 行ごとに U は一つなので, 集合は {} か {0,1} のどちらか
	both := 0
	for i, set := range sets {
		if slices.Contains(set, 0) {
			assert.Contains(t, set, 1, "row %d includes the worse-scored class only", i)
			both++
		} else {
			assert.Empty(t, set, "row %d", i)
		}
	}
	assert.InDelta(t, 0.5, float64(both)/n, 0.06)
}

func TestPredictionSetsErrors(t *testing.T) {
	_, err := PredictionSets(mat.NewDense(1, 2, nil), nil)
	assert.Error(t, err)

	th := &Threshold{Kind: KindStandard, NumClasses: 3, Global: 0.5}
	_, err = PredictionSets(mat.NewDense(1, 2, nil), th)
	var dimErr *errors.DimensionError
	require.True(t, errors.As(err, &dimErr))
	assert.Equal(t, 3, dimErr.Expected)
	assert.Equal(t, 2, dimErr.Got)

	sets, err := PredictionSets(nil, th)
	require.NoError(t, err)
	assert.Empty(t, sets)
}

func TestThresholdValidate(t *testing.T) {
	tests := []struct {
		name string
		th   *Threshold
	}{
		{"no classes", &Threshold{Kind: KindStandard}},
		{"classwise length", &Threshold{Kind: KindClasswise, NumClasses: 2, ClassQhats: []float64{0.1}}},
		{"assignment length", &Threshold{Kind: KindClustered, NumClasses: 2, Assignment: ClusterAssignment{0}}},
		{"cluster id out of range", &Threshold{
			Kind: KindClustered, NumClasses: 2,
			ClusterQhats: []float64{0.1}, Assignment: ClusterAssignment{0, 1},
		}},
		{"NaN qhat", &Threshold{Kind: KindStandard, NumClasses: 1, Global: math.NaN()}},
		{"exact length", &Threshold{Kind: KindStandard, NumClasses: 2, Exact: newExactCoverage(1, 0)}},
		{"unknown kind", &Threshold{Kind: Kind(9), NumClasses: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.th.Validate())
		})
	}
}
