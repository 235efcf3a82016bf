package conformal

import (
	"math"
	"slices"

	"github.com/YuminosukeSato/conformal/pkg/errors"
)

// ceilGuard absorbs float noise in (n+1)(1-α), e.g. 6*0.8 = 4.800000000000001.
const ceilGuard = 1e-10

// ConformalQuantile returns the finite-sample corrected conformal quantile:
// the k-th smallest score with k = ⌈(n+1)(1-α)⌉.
//
// If scores is empty or k > n, there are too few scores for a valid
// quantile and def is returned.
func ConformalQuantile(scores []float64, alpha, def float64) float64 {
	n := len(scores)
	if n == 0 {
		return def
	}
	k := quantileIndex(n, alpha)
	if k > n {
		return def
	}
	sorted := slices.Clone(scores)
	slices.Sort(sorted)
	return sorted[k-1]
}

// quantileIndex returns ⌈(n+1)(1-α)⌉, clamped below at 1.
func quantileIndex(n int, alpha float64) int {
	k := int(math.Ceil(float64(n+1)*(1-alpha) - ceilGuard))
	return max(k, 1)
}

// QuantileThreshold returns the smallest n for which ⌈(n+1)(1-α)⌉ <= n,
// i.e. the fewest scores that give a finite conformal quantile.
//
// That is n = ⌈(1-α)/α⌉ up to float rounding, which the ±1 steps correct.
// α <= 0 has no such n and yields math.MaxInt.
func QuantileThreshold(alpha float64) int {
	if alpha >= 1 {
		return 1
	}
	if !(alpha > 0) {
		return math.MaxInt
	}
	v := math.Ceil((1-alpha)/alpha - ceilGuard)
	if v >= float64(math.MaxInt32) {
		return math.MaxInt
	}
	n := max(int(v), 1)
	for n > 1 && quantileIndex(n-1, alpha) <= n-1 {
		n--
	}
	for quantileIndex(n, alpha) > n {
		n++
	}
	return n
}

// ExactCoverageParams returns the randomized threshold pair for exact coverage.
//
// With v = (n+1)(1-α), k = ⌊v⌋ and γ = v-k, lower is the k-th smallest score
// (-Inf when k = 0) and upper the (k+1)-th (+Inf when k+1 > n). Including a
// score when it is <= upper with probability γ, and <= lower otherwise, gives
// coverage exactly 1-α in expectation. For an empty sample both are def and
// γ is 0.
func ExactCoverageParams(scores []float64, alpha, def float64) (lower, upper, gamma float64) {
	n := len(scores)
	if n == 0 {
		return def, def, 0
	}
	v := float64(n+1) * (1 - alpha)
	k := int(math.Floor(v + ceilGuard))
	gamma = math.Max(0, v-float64(k))

	sorted := slices.Clone(scores)
	slices.Sort(sorted)

	lower = math.Inf(-1)
	if k >= 1 {
		lower = sorted[min(k, n)-1]
	}
	upper = math.Inf(1)
	if k+1 <= n {
		upper = sorted[k]
	}
	return lower, upper, gamma
}

func checkAlpha(alpha float64) error {
	if !(alpha > 0 && alpha < 1) {
		return errors.NewValidationError("alpha", "must be in (0, 1)", alpha)
	}
	return nil
}
