package cluster

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/conformal/core/model"
	"github.com/YuminosukeSato/conformal/pkg/errors"
)

// Ward は重み付きWard法による凝集型階層クラスタリング
//
// 2つのクラスタA, Bを併合したときの平方和誤差の増分
//
//	ΔE(A, B) = W_A W_B / (W_A + W_B) * ||c_A - c_B||²
//
// が最小となる組を、クラスタ数がnClustersになるまで繰り返し併合する。
// W はサンプル重みの和、c は重み付き重心。
type Ward struct {
	model.BaseEstimator

	nClusters int

	labels_ []int
	merges_ []Merge
}

// Merge は1回の併合を記録する。Left, Right は併合前の代表行番号
type Merge struct {
	Left, Right int
	Cost        float64
	Size        int
}

// NewWard は新しいWardを作成する
func NewWard(nClusters int) *Ward {
	return &Ward{nClusters: nClusters}
}

// Fit はXの各行を重みsampleWeightでクラスタリングする
// sampleWeightがnilの場合は全て1とみなす
func (w *Ward) Fit(X mat.Matrix, sampleWeight []float64) error {
	n, d := X.Dims()
	if n == 0 {
		return errors.NewModelError("Ward.Fit", "empty data", errors.ErrEmptyData)
	}
	if w.nClusters < 1 || w.nClusters > n {
		return errors.NewValidationError("n_clusters", "must be in [1, n_samples]", w.nClusters)
	}
	weights, err := normalizeWeights("Ward.Fit", sampleWeight, n)
	if err != nil {
		return err
	}

	centroids := make([][]float64, n)
	for i := range centroids {
		centroids[i] = mat.Row(nil, i, X)
	}
	active := make([]bool, n)
	for i := range active {
		active[i] = true
	}
	uf := NewUnionFind(n)

	cost := func(a, b int) float64 {
		wa, wb := weights[a], weights[b]
		return wa * wb / (wa + wb) * squaredDistance(centroids[a], centroids[b])
	}

	// 各クラスタの最近傍とその併合コストをキャッシュする
	nn := make([]int, n)
	nnCost := make([]float64, n)
	refresh := func(i int) {
		nn[i], nnCost[i] = -1, math.Inf(1)
		for j := 0; j < n; j++ {
			if j == i || !active[j] {
				continue
			}
			if c := cost(i, j); c < nnCost[i] {
				nn[i], nnCost[i] = j, c
			}
		}
	}
	for i := 0; i < n; i++ {
		refresh(i)
	}

	w.merges_ = w.merges_[:0]
	for remaining := n; remaining > w.nClusters; remaining-- {
		a := -1
		for i := 0; i < n; i++ {
			if active[i] && (a == -1 || nnCost[i] < nnCost[a]) {
				a = i
			}
		}
		b := nn[a]
		mergeCost := nnCost[a]

		newWeight := weights[a] + weights[b]
		merged := make([]float64, d)
		for k := range merged {
			merged[k] = (weights[a]*centroids[a][k] + weights[b]*centroids[b][k]) / newWeight
		}

		root := uf.Union(a, b)
		gone := a + b - root
		active[gone] = false
		centroids[root] = merged
		weights[root] = newWeight
		w.merges_ = append(w.merges_, Merge{Left: a, Right: b, Cost: mergeCost, Size: uf.Size(root)})

		for i := 0; i < n; i++ {
			if !active[i] {
				continue
			}
			switch {
			case i == root || nn[i] == a || nn[i] == b:
				refresh(i)
			default:
				if c := cost(i, root); c < nnCost[i] {
					nn[i], nnCost[i] = root, c
				}
			}
		}
	}

	w.labels_ = uf.Labels()
	w.SetFitted()
	return nil
}

// Labels は学習データ各行のクラスタ番号を返す。番号は最小の行番号順
func (w *Ward) Labels() []int {
	if w.labels_ == nil {
		return nil
	}
	labels := make([]int, len(w.labels_))
	copy(labels, w.labels_)
	return labels
}

// Merges は併合履歴を返す
func (w *Ward) Merges() []Merge {
	return append([]Merge(nil), w.merges_...)
}

func normalizeWeights(op string, sampleWeight []float64, n int) ([]float64, error) {
	weights := make([]float64, n)
	if sampleWeight == nil {
		for i := range weights {
			weights[i] = 1
		}
		return weights, nil
	}
	if len(sampleWeight) != n {
		return nil, errors.NewDimensionError(op, n, len(sampleWeight), 0)
	}
	for i, v := range sampleWeight {
		if !(v > 0) || math.IsInf(v, 0) {
			return nil, errors.NewValidationError("sample_weight", "must be positive and finite", v)
		}
		weights[i] = v
	}
	return weights, nil
}

func squaredDistance(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return sum
}
