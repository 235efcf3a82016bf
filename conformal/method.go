package conformal

import (
	"fmt"

	"github.com/YuminosukeSato/conformal/pkg/errors"
)

// Method is a named calibration strategy.
type Method int

const (
	MethodStandard Method = iota
	MethodClasswise
	MethodClasswiseDefaultStandard
	MethodClusterProportional
	MethodClusterDoubleDip
	MethodClusterRandom
	MethodRegularizedClasswise
	MethodExactCoverageStandard
	MethodExactCoverageClasswise
	MethodExactCoverageCluster

	numMethods
)

var methodNames = [...]string{
	MethodStandard:                 "standard",
	MethodClasswise:                "classwise",
	MethodClasswiseDefaultStandard: "classwise_default_standard",
	MethodClusterProportional:      "cluster_proportional",
	MethodClusterDoubleDip:         "cluster_doubledip",
	MethodClusterRandom:            "cluster_random",
	MethodRegularizedClasswise:     "regularized_classwise",
	MethodExactCoverageStandard:    "exact_coverage_standard",
	MethodExactCoverageClasswise:   "exact_coverage_classwise",
	MethodExactCoverageCluster:     "exact_coverage_cluster",
}

func (m Method) String() string {
	if m < 0 || m >= numMethods {
		return fmt.Sprintf("Method(%d)", int(m))
	}
	return methodNames[m]
}

// ParseMethod returns the Method named name or a ConfigError listing the
// valid names.
func ParseMethod(name string) (Method, error) {
	for i, n := range methodNames {
		if n == name {
			return Method(i), nil
		}
	}
	return 0, errors.NewConfigError("method", name, methodNames[:]...)
}

// AllMethods returns every Method in declaration order.
func AllMethods() []Method {
	out := make([]Method, numMethods)
	for i := range out {
		out[i] = Method(i)
	}
	return out
}

// MethodNames returns the wire name of every Method.
func MethodNames() []string {
	return append([]string(nil), methodNames[:]...)
}

// Exact reports whether the method randomizes inclusion at the boundary.
func (m Method) Exact() bool {
	switch m {
	case MethodExactCoverageStandard, MethodExactCoverageClasswise, MethodExactCoverageCluster:
		return true
	}
	return false
}

// Calibrator builds the Calibrator for m.
//
// opts supplies the linkage, embedding and auto heuristics of the clustered
// methods. The proportional and double-dip methods always derive the
// clustering fraction and cluster count automatically. The random-split
// methods take them from opts.
func (m Method) Calibrator(opts ClusterOptions) (Calibrator, error) {
	auto := opts
	auto.FracClustering = Auto[float64]()
	auto.NumClusters = Auto[int]()

	switch m {
	case MethodStandard:
		return &StandardCalibrator{}, nil
	case MethodClasswise:
		return &ClasswiseCalibrator{Default: DefaultInfinite}, nil
	case MethodClasswiseDefaultStandard:
		return &ClasswiseCalibrator{Default: DefaultStandard}, nil
	case MethodClusterProportional:
		auto.Split = SplitProportional
		return &ClusteredCalibrator{Options: auto}, nil
	case MethodClusterDoubleDip:
		auto.Split = SplitDoubleDip
		return &ClusteredCalibrator{Options: auto}, nil
	case MethodClusterRandom:
		opts.Split = SplitRandom
		return &ClusteredCalibrator{Options: opts}, nil
	case MethodRegularizedClasswise:
		return &ClasswiseCalibrator{Default: DefaultStandard, Regularize: true}, nil
	case MethodExactCoverageStandard:
		return &StandardCalibrator{Exact: true}, nil
	case MethodExactCoverageClasswise:
		return &ClasswiseCalibrator{Default: DefaultInfinite, Exact: true}, nil
	case MethodExactCoverageCluster:
		opts.Split = SplitRandom
		return &ClusteredCalibrator{Options: opts, Exact: true}, nil
	default:
		return nil, errors.NewConfigError("method", m.String(), methodNames[:]...)
	}
}
