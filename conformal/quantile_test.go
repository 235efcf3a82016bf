package conformal

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/conformal/pkg/errors"
)

func TestConformalQuantile(t *testing.T) {
	scores := []float64{0.1, 0.3, 0.5, 0.2, 0.4}

	tests := []struct {
		name   string
		scores []float64
		alpha  float64
		want   float64
	}{
		{"index equals n gives the maximum", scores, 0.2, 0.5},
		{"median", scores, 0.5, 0.3},
		{"too few scores", scores, 0.1, math.Inf(1)},
		{"empty", nil, 0.2, math.Inf(1)},
		{"single score", []float64{0.7}, 0.5, 0.7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ConformalQuantile(tt.scores, tt.alpha, math.Inf(1)))
		})
	}

	// 入力は変更されない
	assert.Equal(t, []float64{0.1, 0.3, 0.5, 0.2, 0.4}, scores)
}

func TestQuantileIndexBounds(t *testing.T) {
	for _, alpha := range []float64{0.01, 0.05, 0.1, 0.2, 0.3, 0.5, 0.7, 0.9, 0.99} {
		nThresh := QuantileThreshold(alpha)
		for n := 1; n <= 300; n++ {
			k := quantileIndex(n, alpha)
			require.GreaterOrEqual(t, k, 1, "alpha=%v n=%d", alpha, n)
			if n >= nThresh {
				require.LessOrEqual(t, k, n, "alpha=%v n=%d", alpha, n)
			} else {
				require.Greater(t, k, n, "alpha=%v n=%d", alpha, n)
			}
		}
	}
}

func TestQuantileThreshold(t *testing.T) {
	tests := []struct {
		alpha float64
		want  int
	}{
		{0.5, 1},
		{0.2, 4},
		{0.1, 9},
		{0.01, 99},
		{0.99, 1},
		{1, 1},
		{0, math.MaxInt},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, QuantileThreshold(tt.alpha), "alpha=%v", tt.alpha)
	}
}

func TestQuantileThresholdSmallAlpha(t *testing.T) {
	for _, alpha := range []float64{1e-4, 3e-7, 1e-9} {
		n := QuantileThreshold(alpha)
		assert.LessOrEqual(t, quantileIndex(n, alpha), n, "alpha=%v", alpha)
		assert.Greater(t, quantileIndex(n-1, alpha), n-1, "alpha=%v", alpha)
	}
}

func TestQuantileAtThresholdIsMaximum(t *testing.T) {
	alpha := 0.1
	n := QuantileThreshold(alpha)
	scores := make([]float64, n)
	for i := range scores {
		scores[i] = float64(n - i)
	}
	assert.Equal(t, n, quantileIndex(n, alpha))
	assert.Equal(t, float64(n), ConformalQuantile(scores, alpha, -1))
}

func TestExactCoverageParams(t *testing.T) {
	scores := []float64{0.1, 0.3, 0.5, 0.2, 0.4}

	tests := []struct {
		name                string
		scores              []float64
		alpha               float64
		lower, upper, gamma float64
	}{
		{"fractional index", scores, 0.2, 0.4, 0.5, 0.8},
		{"integral index", scores, 0.5, 0.3, 0.4, 0},
		{"upper beyond n", []float64{0.2, 0.6}, 0.1, 0.6, math.Inf(1), 0.7},
		{"lower below first", []float64{0.2, 0.6}, 0.9, math.Inf(-1), 0.2, 0.3},
		{"empty", nil, 0.1, math.Inf(1), math.Inf(1), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lower, upper, gamma := ExactCoverageParams(tt.scores, tt.alpha, math.Inf(1))
			assert.Equal(t, tt.lower, lower)
			assert.Equal(t, tt.upper, upper)
			assert.InDelta(t, tt.gamma, gamma, 1e-9)
		})
	}
}

func TestCheckAlpha(t *testing.T) {
	for _, alpha := range []float64{0, 1, -0.1, 1.5, math.NaN()} {
		err := checkAlpha(alpha)
		require.Error(t, err, "alpha=%v", alpha)
		var vErr *errors.ValidationError
		assert.True(t, errors.As(err, &vErr))
	}
	assert.NoError(t, checkAlpha(0.1))
}
