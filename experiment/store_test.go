package experiment

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/conformal/conformal"
	"github.com/YuminosukeSato/conformal/metrics"
)

func testKey(seed int) Key {
	return Key{Dataset: "imagenet", Sampling: "random", NTotalCal: 10, Score: "APS", Seed: seed}
}

func methodResult(coverage float64) MethodResult {
	return MethodResult{
		Threshold: &conformal.Threshold{
			Kind:       conformal.KindClasswise,
			NumClasses: 2,
			Global:     0.5,
			ClassQhats: []float64{0.4, math.Inf(1)},
		},
		Coverage: metrics.CoverageMetrics{
			MarginalCoverage: coverage,
			ClassCoverage:    []float64{coverage, math.NaN()},
		},
		SetSize: metrics.SetSizeMetrics{Mean: 1.5},
	}
}

func TestStorePaths(t *testing.T) {
	s := NewStore("out")
	key := testKey(3)
	assert.Equal(t,
		filepath.Join("out", "imagenet", "random_calset", "n_totalcal=10", "score=APS", "seed=3_allresults.gob.zst"),
		s.Path(key))
	assert.Equal(t,
		filepath.Join("out", "imagenet", "random_calset", "n_totalcal=10", "score=APS", "seed=3_labels.gob.zst"),
		s.LabelsPath(key))
}

func TestStoreMerge(t *testing.T) {
	s := NewStore(t.TempDir())
	key := testKey(0)

	res, err := s.Load(key)
	require.NoError(t, err)
	assert.Empty(t, res)

	_, err = s.Merge(key, Results{"standard": methodResult(0.9), "classwise": methodResult(0.8)})
	require.NoError(t, err)

	// 既存の手法は残り、同名の手法は上書きされる
	merged, err := s.Merge(key, Results{"classwise": methodResult(0.85), "cluster_random": methodResult(0.88)})
	require.NoError(t, err)
	assert.Len(t, merged, 3)

	loaded, err := s.Load(key)
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	assert.Equal(t, 0.9, loaded["standard"].Coverage.MarginalCoverage)
	assert.Equal(t, 0.85, loaded["classwise"].Coverage.MarginalCoverage)
	assert.True(t, math.IsInf(loaded["classwise"].Threshold.ClassQhats[1], 1))
	assert.True(t, math.IsNaN(loaded["classwise"].Coverage.ClassCoverage[1]))
	assert.Nil(t, loaded["standard"].Preds)

	// 一時ファイルは残らない
	entries, err := os.ReadDir(filepath.Dir(s.Path(key)))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStoreMergeRejectsCorruptFile(t *testing.T) {
	s := NewStore(t.TempDir())
	key := testKey(0)
	path := s.Path(key)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	_, err := s.Merge(key, Results{"standard": methodResult(0.9)})
	assert.Error(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "garbage", string(data))
}

func TestStoreLabels(t *testing.T) {
	s := NewStore(t.TempDir())
	key := testKey(1)
	require.NoError(t, s.SaveLabels(key, []int{2, 0, 1}))

	labels, err := s.LoadLabels(key)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0, 1}, labels)

	_, err = s.LoadLabels(testKey(2))
	assert.Error(t, err)
}

func TestLoadFolder(t *testing.T) {
	s := NewStore(t.TempDir())
	for seed, cov := range []float64{0.9, 0.8} {
		_, err := s.Merge(testKey(seed), Results{"standard": methodResult(cov)})
		require.NoError(t, err)
	}
	require.NoError(t, s.SaveLabels(testKey(0), []int{0}))

	results, err := LoadFolder(testKey(0).Dir(s.Root))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, s.Path(testKey(0)), results[0].Path)
	assert.Equal(t, 0.9, results[0].Methods["standard"].Coverage.MarginalCoverage)
	assert.Equal(t, 0.8, results[1].Methods["standard"].Coverage.MarginalCoverage)

	summaries, err := metrics.Aggregate(results, []string{"standard"}, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.85, summaries[0].MarginalCoverage.Mean, 1e-12)

	_, err = LoadFolder(t.TempDir())
	assert.Error(t, err)
	_, err = LoadFolder(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}
