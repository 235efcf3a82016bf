package conformal

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/conformal/pkg/errors"
)

// exactStream is the PCG stream used for exact-coverage inclusion draws.
const exactStream = 0x65786163 // "exac"

// PredictionSets returns, for each row of scores, the ascending class ids
// whose score is at most the class's resolved quantile.
//
// With th.Exact set, one uniform U is drawn per row, in row order, from a PCG
// source seeded by th.Exact.Seed. Every class k of that row is compared
// against Upper[k] when U < Gamma[k] and Lower[k] otherwise, so a shared
// threshold gives a set closed downward in score. Calling this twice with the
// same inputs yields identical sets.
func PredictionSets(scores mat.Matrix, th *Threshold) ([][]int, error) {
	if th == nil {
		return nil, errors.NewValueError("PredictionSets", "nil threshold")
	}
	if err := th.Validate(); err != nil {
		return nil, err
	}
	if scores == nil {
		return [][]int{}, nil
	}
	rows, cols := scores.Dims()
	if cols != th.NumClasses {
		return nil, errors.NewDimensionError("PredictionSets", th.NumClasses, cols, 1)
	}

	sets := make([][]int, rows)
	if th.Exact == nil {
		qhats := th.Qhats()
		for i := 0; i < rows; i++ {
			set := []int{}
			for k := 0; k < cols; k++ {
				if scores.At(i, k) <= qhats[k] {
					set = append(set, k)
				}
			}
			sets[i] = set
		}
		return sets, nil
	}

	e := th.Exact
	rng := rand.New(rand.NewPCG(e.Seed, exactStream))
	for i := 0; i < rows; i++ {
		set := []int{}
		u := rng.Float64()
		for k := 0; k < cols; k++ {
			q := e.Lower[k]
			if u < e.Gamma[k] {
				q = e.Upper[k]
			}
			if scores.At(i, k) <= q {
				set = append(set, k)
			}
		}
		sets[i] = set
	}
	return sets, nil
}
