package conformal

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, 0x7e57))
}

// uniformDataset は各クラス perClass[k] 行、スコアは全て U(0,1) のデータセット
func uniformDataset(t *testing.T, rng *rand.Rand, perClass []int) Dataset {
	t.Helper()
	return syntheticDataset(t, rng, perClass, func(int) float64 { return rng.Float64() })
}

// syntheticDataset はクラスごとに真のクラスのスコアを trueScore で生成する
// その他の列は U(0,1)
func syntheticDataset(t *testing.T, rng *rand.Rand, perClass []int, trueScore func(class int) float64) Dataset {
	t.Helper()
	k := len(perClass)
	var labels []int
	for class, n := range perClass {
		for i := 0; i < n; i++ {
			labels = append(labels, class)
		}
	}
	if len(labels) == 0 {
		return EmptyDataset(k)
	}
	scores := mat.NewDense(len(labels), k, nil)
	for i, y := range labels {
		for j := 0; j < k; j++ {
			scores.Set(i, j, rng.Float64())
		}
		scores.Set(i, y, trueScore(y))
	}
	d, err := NewDataset(scores, labels)
	require.NoError(t, err)
	return d
}

// coverage は真のラベルが集合に含まれる割合
func coverage(sets [][]int, labels []int) float64 {
	hit := 0
	for i, set := range sets {
		for _, c := range set {
			if c == labels[i] {
				hit++
				break
			}
		}
	}
	return float64(hit) / float64(len(labels))
}
