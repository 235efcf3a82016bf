package conformal

import (
	"fmt"
	"math"

	"github.com/YuminosukeSato/conformal/pkg/errors"
)

// Unclustered marks a class that was not assigned to any cluster.
const Unclustered = -1

// ClusterAssignment maps each class id to a cluster id or Unclustered.
type ClusterAssignment []int

// NumClusters returns one plus the largest cluster id.
func (a ClusterAssignment) NumClusters() int {
	n := 0
	for _, c := range a {
		n = max(n, c+1)
	}
	return n
}

// Unclustered returns the class ids assigned the sentinel.
func (a ClusterAssignment) Unclustered() []int {
	var out []int
	for k, c := range a {
		if c == Unclustered {
			out = append(out, k)
		}
	}
	return out
}

// Kind tags which fields of a Threshold are populated.
type Kind int

const (
	// KindStandard uses Global for every class.
	KindStandard Kind = iota
	// KindClasswise uses ClassQhats.
	KindClasswise
	// KindClustered resolves through Assignment into ClusterQhats, falling
	// back to Global for unclustered classes.
	KindClustered
)

func (k Kind) String() string {
	switch k {
	case KindStandard:
		return "standard"
	case KindClasswise:
		return "classwise"
	case KindClustered:
		return "clustered"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Threshold is a calibrated threshold structure.
type Threshold struct {
	Kind       Kind
	NumClasses int

	// Global is the standard conformal quantile. It is also the fallback for
	// unclustered classes.
	Global float64

	ClassQhats []float64

	ClusterQhats []float64
	Assignment   ClusterAssignment

	// Exact is set by exact-coverage calibrators.
	Exact *ExactCoverage
}

// ExactCoverage holds per-class randomized threshold pairs.
// See ExactCoverageParams.
type ExactCoverage struct {
	Lower []float64
	Upper []float64
	Gamma []float64

	// Seed drives the inclusion draws in PredictionSets.
	Seed uint64
}

// Qhat resolves the quantile used for class k.
func (t *Threshold) Qhat(k int) float64 {
	switch t.Kind {
	case KindClasswise:
		return t.ClassQhats[k]
	case KindClustered:
		if c := t.Assignment[k]; c != Unclustered {
			return t.ClusterQhats[c]
		}
		return t.Global
	default:
		return t.Global
	}
}

// Qhats returns the resolved quantile of every class.
func (t *Threshold) Qhats() []float64 {
	out := make([]float64, t.NumClasses)
	for k := range out {
		out[k] = t.Qhat(k)
	}
	return out
}

// Validate checks that every class resolves to exactly one value.
func (t *Threshold) Validate() error {
	if t.NumClasses <= 0 {
		return errors.NewValidationError("num_classes", "must be positive", t.NumClasses)
	}
	switch t.Kind {
	case KindStandard:
	case KindClasswise:
		if len(t.ClassQhats) != t.NumClasses {
			return errors.NewDimensionError("Threshold.Validate", t.NumClasses, len(t.ClassQhats), 1)
		}
	case KindClustered:
		if len(t.Assignment) != t.NumClasses {
			return errors.NewDimensionError("Threshold.Validate", t.NumClasses, len(t.Assignment), 1)
		}
		for k, c := range t.Assignment {
			if c != Unclustered && (c < 0 || c >= len(t.ClusterQhats)) {
				return errors.NewValidationError("assignment",
					fmt.Sprintf("class %d has cluster id outside [0, %d)", k, len(t.ClusterQhats)), c)
			}
		}
	default:
		return errors.NewValidationError("kind", "unknown threshold kind", int(t.Kind))
	}
	for k := 0; k < t.NumClasses; k++ {
		if math.IsNaN(t.Qhat(k)) {
			return errors.NewNumericalInstabilityError("Threshold.Validate", []float64{t.Qhat(k)}, k)
		}
	}
	if e := t.Exact; e != nil {
		if len(e.Lower) != t.NumClasses || len(e.Upper) != t.NumClasses || len(e.Gamma) != t.NumClasses {
			return errors.NewDimensionError("Threshold.Validate", t.NumClasses, len(e.Gamma), 1)
		}
	}
	return nil
}

func newExactCoverage(k int, seed uint64) *ExactCoverage {
	return &ExactCoverage{
		Lower: make([]float64, k),
		Upper: make([]float64, k),
		Gamma: make([]float64, k),
		Seed:  seed,
	}
}

func (e *ExactCoverage) set(k int, scores []float64, alpha, def float64) {
	e.Lower[k], e.Upper[k], e.Gamma[k] = ExactCoverageParams(scores, alpha, def)
}
