package metrics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/conformal/pkg/errors"
)

func TestComputeAll(t *testing.T) {
	var warnings []error
	errors.SetWarningHandler(func(w error) { warnings = append(warnings, w) })
	defer errors.SetWarningHandler(func(error) {})

	labels := []int{0, 0, 1, 1, 2}
	preds := [][]int{{0}, {1}, {1, 2}, {1}, {0, 2}}

	opts := DefaultOptions()
	opts.NumClasses = 4
	cov, size, err := ComputeAll(labels, preds, 0.2, opts)
	require.NoError(t, err)

	assert.InDelta(t, 0.8, cov.MarginalCoverage, 1e-12)
	assert.Equal(t, []int{2, 2, 1, 0}, cov.ClassSupport)
	require.Len(t, cov.ClassCoverage, 4)
	assert.Equal(t, []float64{0.5, 1, 1}, cov.ClassCoverage[:3])
	// 検証データにないクラスはNaN
	assert.True(t, math.IsNaN(cov.ClassCoverage[3]))
	require.Len(t, warnings, 1)
	var undefined *errors.UndefinedMetricWarning
	require.True(t, errors.As(warnings[0], &undefined))
	assert.Equal(t, "class_coverage", undefined.Metric)
	assert.Contains(t, undefined.Condition, "[3]")
	assert.True(t, math.IsNaN(undefined.Result))

	// ギャップ: 0.3, 0.2, 0.2
	assert.InDelta(t, 0.7/3, cov.MeanClassCovGap, 1e-12)
	assert.InDelta(t, 0.3, cov.MaxGap, 1e-12)
	assert.InDelta(t, 0.3, cov.UndercovGap, 1e-12)
	assert.InDelta(t, 0.2, cov.OvercovGap, 1e-12)
	assert.Equal(t, 1, cov.VeryUndercovered)
	assert.InDelta(t, 1.0/3, cov.VeryUndercoveredFrac, 1e-12)

	assert.InDelta(t, 1.4, cov.MeanSetSize, 1e-12)
	assert.Equal(t, cov.MeanSetSize, size.Mean)
	assert.Equal(t, 1.0, size.Quantiles[0])
	assert.Equal(t, 1.0, size.Quantiles[1])
	assert.GreaterOrEqual(t, size.Quantiles[2], 1.0)
	assert.LessOrEqual(t, size.Quantiles[2], 2.0)
	assert.Equal(t, 2.0, size.Quantiles[3])
}

func TestComputeAllInfersClasses(t *testing.T) {
	labels := []int{0, 1}
	preds := [][]int{{0, 3}, {}}

	cov, size, err := ComputeAll(labels, preds, 0.1, DefaultOptions())
	require.NoError(t, err)
	assert.Len(t, cov.ClassCoverage, 4)
	assert.Equal(t, 0.5, cov.MarginalCoverage)
	assert.InDelta(t, 0.1, cov.OvercovGap, 1e-12)
	assert.InDelta(t, 0.9, cov.UndercovGap, 1e-12)
	assert.InDelta(t, 0.9, cov.MaxGap, 1e-12)
	assert.Equal(t, 1, cov.VeryUndercovered)
	assert.Equal(t, 1.0, size.Mean)
}

func TestComputeAllMargin(t *testing.T) {
	labels := []int{0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	preds := make([][]int, len(labels))
	for i := range preds {
		preds[i] = []int{}
		if i < 8 {
			preds[i] = []int{0}
		}
	}

	tests := []struct {
		margin float64
		want   int
	}{
		{0.0, 1},
		{0.05, 1},
		{0.15, 0},
		{0.2, 0},
	}
	for _, tt := range tests {
		cov, _, err := ComputeAll(labels, preds, 0.1, Options{VeryUndercoveredMargin: tt.margin})
		require.NoError(t, err)
		assert.Equal(t, tt.want, cov.VeryUndercovered, "margin=%v", tt.margin)
		// 過大被覆のクラスがなければ0
		assert.Equal(t, 0.0, cov.OvercovGap)
	}
}

func TestComputeAllErrors(t *testing.T) {
	tests := []struct {
		name   string
		labels []int
		preds  [][]int
		alpha  float64
		opts   Options
	}{
		{"empty", nil, nil, 0.1, DefaultOptions()},
		{"length mismatch", []int{0, 1}, [][]int{{0}}, 0.1, DefaultOptions()},
		{"alpha", []int{0}, [][]int{{0}}, 1, DefaultOptions()},
		{"negative label", []int{-1}, [][]int{{0}}, 0.1, DefaultOptions()},
		{"negative class", []int{0}, [][]int{{-2}}, 0.1, DefaultOptions()},
		{"label beyond classes", []int{3}, [][]int{{0}}, 0.1, Options{NumClasses: 2}},
		{"negative margin", []int{0}, [][]int{{0}}, 0.1, Options{VeryUndercoveredMargin: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ComputeAll(tt.labels, tt.preds, tt.alpha, tt.opts)
			assert.Error(t, err)
		})
	}

	_, _, err := ComputeAll([]int{0, 1}, [][]int{{0}}, 0.1, DefaultOptions())
	var dimErr *errors.DimensionError
	assert.True(t, errors.As(err, &dimErr))
}
