// Package model_selection provides calibration/validation splitters.
//
// Every splitter returns row indices only. Callers materialise subsets with
// conformal.Dataset.Subset so that score rows and labels stay aligned.
package model_selection

import (
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/YuminosukeSato/conformal/pkg/errors"
)

// Split holds the calibration and validation row indices of one draw.
// Both slices are sorted ascending, disjoint, and together cover every row.
type Split struct {
	CalIdx []int
	ValIdx []int
}

// Sampling selects how the calibration set is drawn.
type Sampling int

const (
	// SamplingRandom draws nTotalCal*K rows uniformly at random.
	SamplingRandom Sampling = iota
	// SamplingBalanced draws nTotalCal rows from every class.
	SamplingBalanced
)

var samplingNames = [...]string{
	SamplingRandom:   "random",
	SamplingBalanced: "balanced",
}

func (s Sampling) String() string {
	if s < 0 || int(s) >= len(samplingNames) {
		return fmt.Sprintf("Sampling(%d)", int(s))
	}
	return samplingNames[s]
}

// ParseSampling returns the Sampling for name or a ConfigError.
func ParseSampling(name string) (Sampling, error) {
	for i, n := range samplingNames {
		if n == name {
			return Sampling(i), nil
		}
	}
	return 0, errors.NewConfigError("calibration_sampling", name, samplingNames[:]...)
}

// CalibrationSplit dispatches to RandomSplit or BalancedSplit.
func CalibrationSplit(s Sampling, labels []int, numClasses, nTotalCal int, rng *rand.Rand, allowPartial bool) (Split, error) {
	switch s {
	case SamplingRandom:
		return RandomSplit(labels, numClasses, nTotalCal, rng)
	case SamplingBalanced:
		return BalancedSplit(labels, numClasses, nTotalCal, rng, allowPartial)
	default:
		return Split{}, errors.NewConfigError("calibration_sampling", s.String(), samplingNames[:]...)
	}
}

// RandomSplit draws nTotalCal*numClasses rows uniformly without replacement
// for calibration. The remaining rows form the validation set.
func RandomSplit(labels []int, numClasses, nTotalCal int, rng *rand.Rand) (Split, error) {
	if err := checkLabels(labels, numClasses); err != nil {
		return Split{}, err
	}
	if nTotalCal < 0 {
		return Split{}, errors.NewValidationError("n_totalcal", "must be non-negative", nTotalCal)
	}
	n := len(labels)
	want := nTotalCal * numClasses
	if want > n {
		return Split{}, errors.NewValueError("RandomSplit",
			fmt.Sprintf("requested %d calibration rows (%d x %d classes) but only %d rows exist", want, nTotalCal, numClasses, n))
	}

	indices := identity(n)
	rng.Shuffle(len(indices), func(i, j int) {
		indices[i], indices[j] = indices[j], indices[i]
	})
	return fromCalibration(n, indices[:want]), nil
}

// BalancedSplit draws exactly nPerClass rows from every class.
//
// A class with fewer rows returns an InsufficientDataError, unless
// allowPartial is set, in which case a warning is raised and all rows of
// that class go to calibration.
func BalancedSplit(labels []int, numClasses, nPerClass int, rng *rand.Rand, allowPartial bool) (Split, error) {
	if nPerClass < 0 {
		return Split{}, errors.NewValidationError("n_totalcal", "must be non-negative", nPerClass)
	}
	perClass := make([]int, numClasses)
	for k := range perClass {
		perClass[k] = nPerClass
	}
	return sampleByClass(labels, numClasses, perClass, rng, allowPartial)
}

// ProportionalSplit draws perClass[k] rows of class k without replacement
// into the first part. Requesting more rows than a class has is an error.
func ProportionalSplit(labels []int, numClasses int, perClass []int, rng *rand.Rand) (Split, error) {
	if len(perClass) != numClasses {
		return Split{}, errors.NewDimensionError("ProportionalSplit", numClasses, len(perClass), 1)
	}
	for k, c := range perClass {
		if c < 0 {
			return Split{}, errors.NewValidationError("per_class", fmt.Sprintf("negative count for class %d", k), c)
		}
	}
	return sampleByClass(labels, numClasses, perClass, rng, false)
}

// BernoulliSplit assigns each of n rows to the first part independently with
// probability frac. One uniform draw is consumed per row, in row order.
func BernoulliSplit(n int, frac float64, rng *rand.Rand) (Split, error) {
	if frac < 0 || frac > 1 {
		return Split{}, errors.NewValidationError("frac", "must be in [0, 1]", frac)
	}
	s := Split{CalIdx: []int{}, ValIdx: []int{}}
	for i := 0; i < n; i++ {
		if rng.Float64() < frac {
			s.CalIdx = append(s.CalIdx, i)
		} else {
			s.ValIdx = append(s.ValIdx, i)
		}
	}
	return s, nil
}

// ClassCounts returns the number of rows of each class.
func ClassCounts(labels []int, numClasses int) []int {
	counts := make([]int, numClasses)
	for _, y := range labels {
		if y >= 0 && y < numClasses {
			counts[y]++
		}
	}
	return counts
}

func sampleByClass(labels []int, numClasses int, perClass []int, rng *rand.Rand, allowPartial bool) (Split, error) {
	if err := checkLabels(labels, numClasses); err != nil {
		return Split{}, err
	}

	// Group indices by class
	classIndices := make([][]int, numClasses)
	for i, y := range labels {
		classIndices[y] = append(classIndices[y], i)
	}

	var chosen []int
	for k, indices := range classIndices {
		take := perClass[k]
		if take > len(indices) {
			err := errors.NewInsufficientDataError(k, take, len(indices))
			if !allowPartial {
				return Split{}, err
			}
			errors.Warn(err)
			take = len(indices)
		}
		rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
		chosen = append(chosen, indices[:take]...)
	}
	return fromCalibration(len(labels), chosen), nil
}

func checkLabels(labels []int, numClasses int) error {
	if numClasses <= 0 {
		return errors.NewValidationError("num_classes", "must be positive", numClasses)
	}
	for i, y := range labels {
		if y < 0 || y >= numClasses {
			return errors.NewValidationError("labels", fmt.Sprintf("row %d out of range [0, %d)", i, numClasses), y)
		}
	}
	return nil
}

func identity(n int) []int {
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	return indices
}

// fromCalibration builds a Split from the chosen calibration rows; every
// other row goes to validation.
func fromCalibration(n int, cal []int) Split {
	isCal := make([]bool, n)
	for _, i := range cal {
		isCal[i] = true
	}
	s := Split{
		CalIdx: make([]int, 0, len(cal)),
		ValIdx: make([]int, 0, n-len(cal)),
	}
	for i := 0; i < n; i++ {
		if isCal[i] {
			s.CalIdx = append(s.CalIdx, i)
		} else {
			s.ValIdx = append(s.ValIdx, i)
		}
	}
	return s
}

// Validate checks that the split partitions [0, n).
func (s Split) Validate(n int) error {
	if len(s.CalIdx)+len(s.ValIdx) != n {
		return errors.NewDimensionError("Split.Validate", n, len(s.CalIdx)+len(s.ValIdx), 0)
	}
	all := append(slices.Clone(s.CalIdx), s.ValIdx...)
	slices.Sort(all)
	for i, v := range all {
		if v != i {
			return errors.NewValueError("Split.Validate", fmt.Sprintf("row %d missing or duplicated", i))
		}
	}
	return nil
}
