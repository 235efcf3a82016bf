package conformal

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/YuminosukeSato/conformal/core/model"
	"github.com/YuminosukeSato/conformal/pkg/errors"
	"github.com/YuminosukeSato/conformal/pkg/log"
	"github.com/YuminosukeSato/conformal/sklearn/cluster"
	"github.com/YuminosukeSato/conformal/sklearn/model_selection"
)

// SplitMode selects how the clustering rows relate to the quantile-fitting rows.
type SplitMode int

const (
	// SplitProportional draws a fixed fraction of every class for
	// clustering. The rest fits the quantiles.
	SplitProportional SplitMode = iota
	// SplitDoubleDip reuses every calibration row for both steps.
	SplitDoubleDip
	// SplitRandom sends each row to the clustering part independently.
	SplitRandom
)

var splitModeNames = [...]string{
	SplitProportional: "proportional",
	SplitDoubleDip:    "doubledip",
	SplitRandom:       "random",
}

func (s SplitMode) String() string {
	if s < 0 || int(s) >= len(splitModeNames) {
		return fmt.Sprintf("SplitMode(%d)", int(s))
	}
	return splitModeNames[s]
}

// ParseSplitMode returns the SplitMode for name or a ConfigError.
func ParseSplitMode(name string) (SplitMode, error) {
	for i, n := range splitModeNames {
		if n == name {
			return SplitMode(i), nil
		}
	}
	return 0, errors.NewConfigError("split", name, splitModeNames[:]...)
}

// Linkage selects the algorithm that groups class embeddings.
type Linkage int

const (
	LinkageWard Linkage = iota
	LinkageKMeans
)

var linkageNames = [...]string{
	LinkageWard:   "ward",
	LinkageKMeans: "kmeans",
}

func (l Linkage) String() string {
	if l < 0 || int(l) >= len(linkageNames) {
		return fmt.Sprintf("Linkage(%d)", int(l))
	}
	return linkageNames[l]
}

// ParseLinkage returns the Linkage for name or a ConfigError.
func ParseLinkage(name string) (Linkage, error) {
	for i, n := range linkageNames {
		if n == name {
			return Linkage(i), nil
		}
	}
	return 0, errors.NewConfigError("linkage", name, linkageNames[:]...)
}

// MarshalText implements encoding.TextMarshaler.
func (l Linkage) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Linkage) UnmarshalText(text []byte) error {
	v, err := ParseLinkage(string(text))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

const autoText = "auto"

// AutoOr is either "auto" or a fixed value.
//
// The zero value is a fixed zero. It reads and writes as text so that both
// YAML and environment variables accept "auto" or a number.
type AutoOr[T int | float64] struct {
	IsAuto bool
	Value  T
}

// Auto returns an AutoOr that asks for the heuristic value.
func Auto[T int | float64]() AutoOr[T] {
	return AutoOr[T]{IsAuto: true}
}

// Fixed returns an AutoOr holding v.
func Fixed[T int | float64](v T) AutoOr[T] {
	return AutoOr[T]{Value: v}
}

// Or returns the fixed value, or auto if a is auto.
func (a AutoOr[T]) Or(auto T) T {
	if a.IsAuto {
		return auto
	}
	return a.Value
}

func (a AutoOr[T]) String() string {
	if a.IsAuto {
		return autoText
	}
	switch v := any(a.Value).(type) {
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	return fmt.Sprint(a.Value)
}

// MarshalText implements encoding.TextMarshaler.
func (a AutoOr[T]) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *AutoOr[T]) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if strings.EqualFold(s, autoText) {
		*a = Auto[T]()
		return nil
	}
	switch p := any(&a.Value).(type) {
	case *int:
		v, err := strconv.Atoi(s)
		if err != nil {
			return errors.NewConfigError("auto_or_int", s, autoText, "<integer>")
		}
		*p = v
	case *float64:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return errors.NewConfigError("auto_or_float", s, autoText, "<number>")
		}
		*p = v
	}
	a.IsAuto = false
	return nil
}

// ClusterOptions configures ClassClusterer.
type ClusterOptions struct {
	Split SplitMode

	// FracClustering is the share of each class sent to clustering.
	// Unused by SplitDoubleDip.
	FracClustering AutoOr[float64]
	NumClusters    AutoOr[int]

	Linkage Linkage

	// EmbeddingQuantiles are the probabilities at which each class's score
	// distribution is summarised.
	EmbeddingQuantiles []float64

	// Auto heuristic:
	//   nClustering = ⌊nMin·R / (AutoDenominator + R)⌋
	//   numClusters = ⌊nClustering / AutoClusterDivisor⌋
	AutoDenominator    float64
	AutoClusterDivisor int
}

// DefaultClusterOptions returns the proportional split with both parameters
// on auto.
func DefaultClusterOptions() ClusterOptions {
	return ClusterOptions{
		Split:              SplitProportional,
		FracClustering:     Auto[float64](),
		NumClusters:        Auto[int](),
		Linkage:            LinkageWard,
		EmbeddingQuantiles: []float64{0.5, 0.6, 0.7, 0.8, 0.9},
		AutoDenominator:    75,
		AutoClusterDivisor: 2,
	}
}

// Validate checks option ranges.
func (o ClusterOptions) Validate() error {
	if o.Split < 0 || int(o.Split) >= len(splitModeNames) {
		return errors.NewConfigError("split", o.Split.String(), splitModeNames[:]...)
	}
	if o.Linkage < 0 || int(o.Linkage) >= len(linkageNames) {
		return errors.NewConfigError("linkage", o.Linkage.String(), linkageNames[:]...)
	}
	if !o.FracClustering.IsAuto && !(o.FracClustering.Value >= 0 && o.FracClustering.Value <= 1) {
		return errors.NewValidationError("frac_clustering", "must be in [0, 1] or auto", o.FracClustering.Value)
	}
	if !o.NumClusters.IsAuto && o.NumClusters.Value < 0 {
		return errors.NewValidationError("num_clusters", "must be non-negative or auto", o.NumClusters.Value)
	}
	if len(o.EmbeddingQuantiles) == 0 {
		return errors.NewValidationError("embedding_quantiles", "must not be empty", o.EmbeddingQuantiles)
	}
	for _, p := range o.EmbeddingQuantiles {
		if !(p >= 0 && p <= 1) {
			return errors.NewValidationError("embedding_quantiles", "must be in [0, 1]", p)
		}
	}
	if !(o.AutoDenominator > 0) {
		return errors.NewValidationError("auto_denominator", "must be positive", o.AutoDenominator)
	}
	if o.AutoClusterDivisor <= 0 {
		return errors.NewValidationError("auto_cluster_divisor", "must be positive", o.AutoClusterDivisor)
	}
	return nil
}

// AutoParams derives the clustering fraction and cluster count from class
// counts.
//
// nMin is the smallest count among present classes, raised to nThresh. R is
// the number of classes with at least nMin rows.
func (o ClusterOptions) AutoParams(counts []int, nThresh int) (frac float64, numClusters int) {
	nMin := math.MaxInt
	for _, c := range counts {
		if c > 0 {
			nMin = min(nMin, c)
		}
	}
	if nMin == math.MaxInt {
		nMin = 0
	}
	nMin = max(nMin, nThresh)

	r := 0
	for _, c := range counts {
		if c >= nMin {
			r++
		}
	}
	nClustering := int(math.Floor(float64(nMin*r) / (o.AutoDenominator + float64(r))))
	numClusters = nClustering / o.AutoClusterDivisor
	if nMin > 0 {
		frac = float64(nClustering) / float64(nMin)
	}
	return frac, numClusters
}

// ClusteringResult is the output of ClassClusterer.Cluster.
type ClusteringResult struct {
	Assignment     ClusterAssignment
	NumClusters    int
	FracClustering float64

	// RareClasses had fewer than QuantileThreshold(α) clustering rows.
	RareClasses []int

	// D2 holds the rows left for quantile fitting.
	D2 Dataset
}

// ClassClusterer groups classes whose score distributions look alike.
type ClassClusterer struct {
	Options ClusterOptions
}

// Cluster sub-splits cal, embeds every class with enough clustering rows by
// the quantiles of its true-class scores, and clusters the embeddings.
//
// rng must not be nil. Cluster ids are numbered in order of their smallest
// member class.
func (c *ClassClusterer) Cluster(cal Dataset, alpha float64, rng *rand.Rand) (*ClusteringResult, error) {
	if err := checkCalibration(cal, alpha, rng, true); err != nil {
		return nil, err
	}
	opts := c.Options
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	k := cal.NumClasses()
	nThresh := QuantileThreshold(alpha)

	autoFrac, autoNum := opts.AutoParams(cal.ClassCounts(), nThresh)
	frac := opts.FracClustering.Or(autoFrac)
	numClusters := opts.NumClusters.Or(autoNum)

	d1, d2, err := c.subSplit(cal, frac, rng)
	if err != nil {
		return nil, err
	}

	res := &ClusteringResult{
		Assignment:     make(ClusterAssignment, k),
		FracClustering: frac,
		D2:             d2,
	}
	for i := range res.Assignment {
		res.Assignment[i] = Unclustered
	}

	byClass := d1.ScoresByClass()
	var eligible []int
	for class, scores := range byClass {
		if len(scores) < nThresh {
			res.RareClasses = append(res.RareClasses, class)
			continue
		}
		eligible = append(eligible, class)
	}

	logger := log.GetLoggerWithName("conformal")
	if numClusters > 1 && len(eligible) > numClusters {
		labels, err := c.fitClusters(byClass, eligible, numClusters, rng)
		if err != nil {
			return nil, err
		}
		renumber := map[int]int{}
		for i, class := range eligible {
			id, ok := renumber[labels[i]]
			if !ok {
				id = len(renumber)
				renumber[labels[i]] = id
			}
			res.Assignment[class] = id
		}
		res.NumClusters = len(renumber)
	} else {
		logger.Debug("too few classes to cluster",
			"eligible", len(eligible),
			"num_clusters", numClusters,
		)
	}

	logger.Debug("classes clustered",
		log.ClassesKey, k,
		log.ClusterCountKey, res.NumClusters,
		log.RareClassesKey, len(res.RareClasses),
		"split", opts.Split.String(),
		"frac_clustering", frac,
	)
	return res, nil
}

func (c *ClassClusterer) subSplit(cal Dataset, frac float64, rng *rand.Rand) (d1, d2 Dataset, err error) {
	var split model_selection.Split
	switch c.Options.Split {
	case SplitDoubleDip:
		return cal, cal, nil
	case SplitProportional:
		counts := cal.ClassCounts()
		perClass := make([]int, len(counts))
		for i, n := range counts {
			perClass[i] = int(math.Floor(float64(n) * frac))
		}
		split, err = model_selection.ProportionalSplit(cal.Labels, cal.NumClasses(), perClass, rng)
	case SplitRandom:
		split, err = model_selection.BernoulliSplit(cal.Len(), frac, rng)
	default:
		return Dataset{}, Dataset{}, errors.NewConfigError("split", c.Options.Split.String(), splitModeNames[:]...)
	}
	if err != nil {
		return Dataset{}, Dataset{}, errors.Wrap(err, "clustering sub-split")
	}
	return cal.Subset(split.CalIdx), cal.Subset(split.ValIdx), nil
}

func (c *ClassClusterer) fitClusters(byClass [][]float64, eligible []int, numClusters int, rng *rand.Rand) ([]int, error) {
	qs := c.Options.EmbeddingQuantiles
	X := mat.NewDense(len(eligible), len(qs), nil)
	weights := make([]float64, len(eligible))
	for i, class := range eligible {
		sorted := slices.Clone(byClass[class])
		slices.Sort(sorted)
		for j, p := range qs {
			X.Set(i, j, stat.Quantile(p, stat.LinInterp, sorted, nil))
		}
		weights[i] = math.Sqrt(float64(len(sorted)))
	}

	var clusterer model.Clusterer
	switch c.Options.Linkage {
	case LinkageKMeans:
		clusterer = cluster.NewKMeans(
			cluster.WithKMeansNClusters(numClusters),
			cluster.WithKMeansRand(rng),
		)
	default:
		clusterer = cluster.NewWard(numClusters)
	}
	if err := clusterer.Fit(X, weights); err != nil {
		return nil, errors.Wrapf(err, "cluster %d classes", len(eligible))
	}
	return clusterer.Labels(), nil
}

// ClusteredCalibrator fits one quantile per cluster of classes.
type ClusteredCalibrator struct {
	Options ClusterOptions
	Exact   bool
}

// Calibrate implements Calibrator. rng must not be nil.
//
// Each cluster's quantile is fitted on the pooled D2 true-class scores of its
// members. Unclustered classes resolve to the standard quantile of D2.
func (c *ClusteredCalibrator) Calibrate(cal Dataset, alpha float64, rng *rand.Rand) (*Threshold, error) {
	clusterer := &ClassClusterer{Options: c.Options}
	res, err := clusterer.Cluster(cal, alpha, rng)
	if err != nil {
		return nil, err
	}
	k := cal.NumClasses()
	d2 := res.D2
	all := d2.TrueClassScores()

	pools := make([][]float64, res.NumClusters)
	for i, y := range d2.Labels {
		if id := res.Assignment[y]; id != Unclustered {
			pools[id] = append(pools[id], all[i])
		}
	}
	qhats := make([]float64, res.NumClusters)
	for id, pool := range pools {
		qhats[id] = ConformalQuantile(pool, alpha, math.Inf(1))
	}

	th := &Threshold{
		Kind:         KindClustered,
		NumClasses:   k,
		Global:       ConformalQuantile(all, alpha, math.Inf(1)),
		ClusterQhats: qhats,
		Assignment:   res.Assignment,
	}
	if c.Exact {
		th.Exact = newExactCoverage(k, rng.Uint64())
		for class, id := range res.Assignment {
			pool := all
			if id != Unclustered {
				pool = pools[id]
			}
			th.Exact.set(class, pool, alpha, math.Inf(1))
		}
	}
	return th, nil
}
