package experiment

import (
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/sbinet/npyio/npz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// syntheticSoftmax は各クラス perClass 行の確率行列を作る
// 真のクラスに高めの質量を置く
func syntheticSoftmax(seed uint64, k, perClass int) (*mat.Dense, []int) {
	rng := rand.New(rand.NewPCG(seed, 0x7e57))
	n := k * perClass
	probs := mat.NewDense(n, k, nil)
	labels := make([]int, n)
	for i := 0; i < n; i++ {
		y := i % k
		labels[i] = y
		sum := 0.0
		row := probs.RawRowView(i)
		for j := range row {
			row[j] = rng.Float64()
			if j == y {
				row[j] += 2 * rng.Float64()
			}
			sum += row[j]
		}
		for j := range row {
			row[j] /= sum
		}
	}
	return probs, labels
}

func writeNPZ(t *testing.T, path string, softmax *mat.Dense, labels []int) {
	t.Helper()
	raw := make([]int64, len(labels))
	for i, y := range labels {
		raw[i] = int64(y)
	}

	w, err := npz.Create(path)
	require.NoError(t, err)
	require.NoError(t, w.Write(SoftmaxKey, softmax))
	require.NoError(t, w.Write(LabelsKey, raw))
	require.NoError(t, w.Close())
}

func TestLoadNPZ(t *testing.T) {
	softmax, labels := syntheticSoftmax(1, 3, 4)
	path := filepath.Join(t.TempDir(), "imagenet.npz")
	writeNPZ(t, path, softmax, labels)

	d, err := LoadNPZ(path)
	require.NoError(t, err)
	assert.Equal(t, 3, d.NumClasses())
	assert.Equal(t, labels, d.Labels)
	assert.True(t, mat.EqualApprox(softmax, d.Softmax, 1e-15))
}

func TestLoadNPZErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadNPZ(filepath.Join(dir, "absent.npz"))
	assert.Error(t, err)

	// labels がないアーカイブ
	path := filepath.Join(dir, "partial.npz")
	w, err := npz.Create(path)
	require.NoError(t, err)
	require.NoError(t, w.Write(SoftmaxKey, mat.NewDense(2, 2, []float64{0.5, 0.5, 0.5, 0.5})))
	require.NoError(t, w.Close())
	_, err = LoadNPZ(path)
	assert.Error(t, err)

	// 行数が一致しない
	path = filepath.Join(dir, "misaligned.npz")
	w, err = npz.Create(path)
	require.NoError(t, err)
	require.NoError(t, w.Write(SoftmaxKey, mat.NewDense(2, 2, []float64{0.5, 0.5, 0.5, 0.5})))
	require.NoError(t, w.Write(LabelsKey, []int64{0, 1, 1}))
	require.NoError(t, w.Close())
	_, err = LoadNPZ(path)
	assert.Error(t, err)
}

func TestLoaderCaches(t *testing.T) {
	dir := t.TempDir()
	softmax, labels := syntheticSoftmax(2, 3, 5)
	writeNPZ(t, filepath.Join(dir, "cifar-100.npz"), softmax, labels)

	l, err := NewLoader(dir, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "cifar-100.npz"), l.Path("cifar-100"))

	first, err := l.Load("cifar-100")
	require.NoError(t, err)
	second, err := l.Load("cifar-100")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, l.Len())

	_, err = l.Load("places365")
	assert.Error(t, err)
	assert.Equal(t, 1, l.Len())

	_, err = NewLoader(dir, 0, 0)
	assert.Error(t, err)
}

func TestLoaderRemovesRareClasses(t *testing.T) {
	dir := t.TempDir()
	// クラス2は1行だけ
	softmax := mat.NewDense(5, 3, []float64{
		0.7, 0.2, 0.1,
		0.6, 0.3, 0.1,
		0.2, 0.7, 0.1,
		0.1, 0.8, 0.1,
		0.1, 0.1, 0.8,
	})
	labels := []int{0, 0, 1, 1, 2}
	writeNPZ(t, filepath.Join(dir, "inaturalist.npz"), softmax, labels)

	l, err := NewLoader(dir, 1, 2)
	require.NoError(t, err)
	d, err := l.Load("inaturalist")
	require.NoError(t, err)
	assert.Equal(t, 2, d.NumClasses())
	assert.Equal(t, []int{0, 0, 1, 1}, d.Labels)

	rows, _ := d.Softmax.Dims()
	for i := 0; i < rows; i++ {
		assert.InDelta(t, 1.0, mat.Sum(d.Softmax.RowView(i)), 1e-12)
	}
}
