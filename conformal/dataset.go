package conformal

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/conformal/pkg/errors"
)

// Dataset is a score matrix with row-aligned labels.
//
// Scores has one row per example and one column per class. A Dataset with no
// rows keeps its class count but has a nil Scores matrix, since gonum does
// not allow zero-sized dense matrices.
type Dataset struct {
	Scores *mat.Dense
	Labels []int

	k int
}

// NewDataset validates and wraps scores and labels. The matrix is not copied.
func NewDataset(scores *mat.Dense, labels []int) (Dataset, error) {
	if scores == nil {
		return Dataset{}, errors.NewValueError("NewDataset", "nil score matrix")
	}
	_, k := scores.Dims()
	d := Dataset{Scores: scores, Labels: labels, k: k}
	if err := d.Validate(); err != nil {
		return Dataset{}, err
	}
	return d, nil
}

// EmptyDataset returns a Dataset with no rows and k classes.
func EmptyDataset(k int) Dataset {
	return Dataset{Labels: []int{}, k: k}
}

// Len returns the number of rows.
func (d Dataset) Len() int {
	return len(d.Labels)
}

// NumClasses returns the number of score columns.
func (d Dataset) NumClasses() int {
	if d.Scores != nil {
		_, k := d.Scores.Dims()
		return k
	}
	return d.k
}

// Validate checks row alignment and label range.
func (d Dataset) Validate() error {
	k := d.NumClasses()
	if k <= 0 {
		return errors.NewValidationError("num_classes", "must be positive", k)
	}
	rows := 0
	if d.Scores != nil {
		rows, _ = d.Scores.Dims()
	}
	if rows != len(d.Labels) {
		return errors.NewDimensionError("Dataset.Validate", rows, len(d.Labels), 0)
	}
	for i, y := range d.Labels {
		if y < 0 || y >= k {
			return errors.NewValidationError("labels", fmt.Sprintf("row %d out of range [0, %d)", i, k), y)
		}
	}
	return nil
}

// Subset returns a copy holding the given rows in the given order.
func (d Dataset) Subset(idx []int) Dataset {
	k := d.NumClasses()
	out := Dataset{Labels: make([]int, len(idx)), k: k}
	if len(idx) == 0 {
		return out
	}
	out.Scores = mat.NewDense(len(idx), k, nil)
	for r, i := range idx {
		out.Scores.SetRow(r, d.Scores.RawRowView(i))
		out.Labels[r] = d.Labels[i]
	}
	return out
}

// TrueClassScores returns the score of each row's own label.
func (d Dataset) TrueClassScores() []float64 {
	out := make([]float64, len(d.Labels))
	for i, y := range d.Labels {
		out[i] = d.Scores.At(i, y)
	}
	return out
}

// ScoresByClass groups true-class scores by label.
func (d Dataset) ScoresByClass() [][]float64 {
	out := make([][]float64, d.NumClasses())
	for i, y := range d.Labels {
		out[y] = append(out[y], d.Scores.At(i, y))
	}
	return out
}

// ClassCounts returns the number of rows per class.
func (d Dataset) ClassCounts() []int {
	counts := make([]int, d.NumClasses())
	for _, y := range d.Labels {
		counts[y]++
	}
	return counts
}
