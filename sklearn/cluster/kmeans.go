package cluster

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/conformal/core/model"
	"github.com/YuminosukeSato/conformal/pkg/errors"
)

// KMeans は重み付きK-meansクラスタリング
// k-means++で初期化し、Lloyd法で更新する。nInit回の試行から慣性最小の結果を採用する
type KMeans struct {
	model.BaseEstimator

	// ハイパーパラメータ
	nClusters int     // クラスタ数
	maxIter   int     // 最大イテレーション数
	nInit     int     // 異なる初期化での実行回数
	tol       float64 // 重心移動量の収束判定閾値

	// 学習パラメータ
	clusterCenters_ [][]float64 // クラスタ中心（nClusters x nFeatures）
	labels_         []int       // 各サンプルのクラスタラベル
	inertia_        float64     // 重み付きクラスタ内平方和誤差
	nIter_          int         // 採用された試行のイテレーション数

	rng        *rand.Rand
	nFeatures_ int
}

// KMeansOption はKMeansの設定オプション
type KMeansOption func(*KMeans)

// NewKMeans は新しいKMeansを作成
func NewKMeans(options ...KMeansOption) *KMeans {
	kmeans := &KMeans{
		nClusters: 8,
		maxIter:   300,
		nInit:     10,
		tol:       1e-8,
	}
	for _, opt := range options {
		opt(kmeans)
	}
	if kmeans.rng == nil {
		kmeans.rng = rand.New(rand.NewPCG(0, 0))
	}
	return kmeans
}

// WithKMeansNClusters はクラスタ数を設定
func WithKMeansNClusters(n int) KMeansOption {
	return func(kmeans *KMeans) {
		kmeans.nClusters = n
	}
}

// WithKMeansMaxIter は最大イテレーション数を設定
func WithKMeansMaxIter(maxIter int) KMeansOption {
	return func(kmeans *KMeans) {
		kmeans.maxIter = maxIter
	}
}

// WithKMeansNInit は初期化の試行回数を設定
func WithKMeansNInit(nInit int) KMeansOption {
	return func(kmeans *KMeans) {
		kmeans.nInit = nInit
	}
}

// WithKMeansTol は収束判定の許容誤差を設定
func WithKMeansTol(tol float64) KMeansOption {
	return func(kmeans *KMeans) {
		kmeans.tol = tol
	}
}

// WithKMeansRand は乱数源を設定
func WithKMeansRand(rng *rand.Rand) KMeansOption {
	return func(kmeans *KMeans) {
		kmeans.rng = rng
	}
}

// Fit は重み付きデータでモデルを訓練
func (kmeans *KMeans) Fit(X mat.Matrix, sampleWeight []float64) error {
	rows, cols := X.Dims()
	if rows == 0 {
		return errors.NewModelError("KMeans.Fit", "empty data", errors.ErrEmptyData)
	}
	if kmeans.nClusters < 1 || rows < kmeans.nClusters {
		return errors.NewValidationError("n_clusters", "must be in [1, n_samples]", kmeans.nClusters)
	}
	weights, err := normalizeWeights("KMeans.Fit", sampleWeight, rows)
	if err != nil {
		return err
	}
	kmeans.nFeatures_ = cols

	points := make([][]float64, rows)
	for i := range points {
		points[i] = mat.Row(nil, i, X)
	}

	// 複数回実行して最良の結果を選択
	bestInertia := math.Inf(1)
	var bestCenters [][]float64
	var bestLabels []int
	var bestNIter int
	converged := false

	for run := 0; run < max(kmeans.nInit, 1); run++ {
		centers, labels, inertia, nIter, ok := kmeans.fitSingleRun(points, weights)
		if inertia < bestInertia {
			bestInertia = inertia
			bestCenters = centers
			bestLabels = labels
			bestNIter = nIter
			converged = ok
		}
	}

	if !converged {
		errors.Warn(errors.NewConvergenceWarning("KMeans", bestNIter, ""))
	}

	kmeans.clusterCenters_ = bestCenters
	kmeans.labels_ = bestLabels
	kmeans.inertia_ = bestInertia
	kmeans.nIter_ = bestNIter

	kmeans.SetFitted()
	return nil
}

// fitSingleRun は単一回の学習を実行
func (kmeans *KMeans) fitSingleRun(points [][]float64, weights []float64) ([][]float64, []int, float64, int, bool) {
	cols := len(points[0])
	centers := kmeans.initKMeansPlusPlus(points, weights)
	labels := make([]int, len(points))

	iter := 0
	converged := false
	for ; iter < kmeans.maxIter; iter++ {
		for i, p := range points {
			labels[i] = findNearestCluster(p, centers)
		}

		// 重み付き重心の再計算。空クラスタは前回の中心を保持する
		sums := make([][]float64, len(centers))
		mass := make([]float64, len(centers))
		for c := range sums {
			sums[c] = make([]float64, cols)
		}
		for i, p := range points {
			c := labels[i]
			mass[c] += weights[i]
			for j := range p {
				sums[c][j] += weights[i] * p[j]
			}
		}

		shift := 0.0
		for c := range centers {
			if mass[c] == 0 {
				continue
			}
			for j := range sums[c] {
				sums[c][j] /= mass[c]
			}
			shift += squaredDistance(centers[c], sums[c])
			centers[c] = sums[c]
		}

		if shift <= kmeans.tol {
			converged = true
			iter++
			break
		}
	}

	inertia := 0.0
	for i, p := range points {
		labels[i] = findNearestCluster(p, centers)
		inertia += weights[i] * squaredDistance(p, centers[labels[i]])
	}
	return centers, labels, inertia, iter, converged
}

// Predict は入力データの各行に最も近いクラスタ番号を返す
func (kmeans *KMeans) Predict(X mat.Matrix) ([]int, error) {
	if err := kmeans.CheckFitted("KMeans", "Predict"); err != nil {
		return nil, err
	}
	rows, cols := X.Dims()
	if cols != kmeans.nFeatures_ {
		return nil, errors.NewDimensionError("KMeans.Predict", kmeans.nFeatures_, cols, 1)
	}
	out := make([]int, rows)
	for i := 0; i < rows; i++ {
		out[i] = findNearestCluster(mat.Row(nil, i, X), kmeans.clusterCenters_)
	}
	return out, nil
}

// ClusterCenters は学習されたクラスタ中心を返す
func (kmeans *KMeans) ClusterCenters() [][]float64 {
	centers := make([][]float64, len(kmeans.clusterCenters_))
	for i := range kmeans.clusterCenters_ {
		centers[i] = append([]float64(nil), kmeans.clusterCenters_[i]...)
	}
	return centers
}

// Labels は学習データのクラスタラベルを返す
func (kmeans *KMeans) Labels() []int {
	if kmeans.labels_ == nil {
		return nil
	}
	labels := make([]int, len(kmeans.labels_))
	copy(labels, kmeans.labels_)
	return labels
}

// Inertia は慣性（重み付きクラスタ内平方和誤差）を返す
func (kmeans *KMeans) Inertia() float64 {
	return kmeans.inertia_
}

// NIterations は採用された試行のイテレーション数を返す
func (kmeans *KMeans) NIterations() int {
	return kmeans.nIter_
}

// initKMeansPlusPlus は重み付きk-means++初期化を実行
// 各点は w * D² に比例する確率で選ばれる
func (kmeans *KMeans) initKMeansPlusPlus(points [][]float64, weights []float64) [][]float64 {
	centers := make([][]float64, 0, kmeans.nClusters)

	first := sampleIndex(kmeans.rng, weights)
	centers = append(centers, append([]float64(nil), points[first]...))

	dist := make([]float64, len(points))
	for len(centers) < kmeans.nClusters {
		for i, p := range points {
			d := math.Inf(1)
			for _, c := range centers {
				d = math.Min(d, squaredDistance(p, c))
			}
			dist[i] = weights[i] * d
		}
		idx := sampleIndex(kmeans.rng, dist)
		centers = append(centers, append([]float64(nil), points[idx]...))
	}
	return centers
}

// sampleIndex はmassに比例する確率で添字を選ぶ。総和0なら一様
func sampleIndex(rng *rand.Rand, mass []float64) int {
	total := 0.0
	for _, m := range mass {
		total += m
	}
	if total <= 0 {
		return rng.IntN(len(mass))
	}
	target := rng.Float64() * total
	cum := 0.0
	for i, m := range mass {
		cum += m
		if cum > target {
			return i
		}
	}
	return len(mass) - 1
}

// findNearestCluster は最近傍クラスタを検索
func findNearestCluster(sample []float64, centers [][]float64) int {
	minDist := math.Inf(1)
	nearestCluster := 0
	for c, center := range centers {
		if dist := squaredDistance(sample, center); dist < minDist {
			minDist = dist
			nearestCluster = c
		}
	}
	return nearestCluster
}
