package main

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/sbinet/npyio/npz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/conformal/experiment"
	"github.com/YuminosukeSato/conformal/metrics"
	"github.com/YuminosukeSato/conformal/pkg/errors"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func seedResults(t *testing.T, root string) string {
	t.Helper()
	store := experiment.NewStore(root)
	var dir string
	for seed, cov := range []float64{0.88, 0.92} {
		key := experiment.Key{Dataset: "imagenet", Sampling: "random", NTotalCal: 10, Score: "APS", Seed: seed}
		res := experiment.Results{
			"standard": {Coverage: metrics.CoverageMetrics{MarginalCoverage: cov}, SetSize: metrics.SetSizeMetrics{Mean: 2}},
		}
		if seed == 0 {
			res["classwise"] = experiment.MethodResult{Coverage: metrics.CoverageMetrics{MarginalCoverage: 0.9}}
		}
		_, err := store.Merge(key, res)
		require.NoError(t, err)
		dir = key.Dir(root)
	}
	return dir
}

func TestAggregateTable(t *testing.T) {
	errors.SetWarningHandler(func(error) {})
	folder := seedResults(t, t.TempDir())

	out, err := execute(t, "aggregate", "--folder", folder, "--methods", "standard,cluster_random")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "METHOD"))
	assert.Contains(t, lines[1], "standard")
	assert.Contains(t, lines[1], "0.900 ± 0.014")
	assert.Contains(t, lines[2], "cluster_random")
	assert.Contains(t, lines[2], "-")
}

func TestAggregateJSON(t *testing.T) {
	errors.SetWarningHandler(func(error) {})
	folder := seedResults(t, t.TempDir())

	out, err := execute(t, "aggregate", "--folder", folder, "--json", "--max-seeds", "2")
	require.NoError(t, err)

	var got []map[string]interface{}
	require.NoError(t, sonic.UnmarshalString(out, &got))
	require.Len(t, got, 2)
	assert.Equal(t, "classwise", got[0]["method"])
	assert.Equal(t, float64(1), got[0]["num_seeds"])
	assert.Equal(t, "standard", got[1]["method"])

	cov := got[1]["marginal_cov"].(map[string]interface{})
	assert.InDelta(t, 0.90, cov["mean"], 1e-12)
}

func TestAggregateRequiresFolder(t *testing.T) {
	_, err := execute(t, "aggregate")
	assert.Error(t, err)

	_, err = execute(t, "aggregate", "--folder", t.TempDir())
	assert.Error(t, err)
}

func writeArchive(t *testing.T, path string, k, perClass int) {
	t.Helper()
	rng := rand.New(rand.NewPCG(3, 0x7e57))
	n := k * perClass
	probs := mat.NewDense(n, k, nil)
	labels := make([]int64, n)
	for i := 0; i < n; i++ {
		labels[i] = int64(i % k)
		row := probs.RawRowView(i)
		sum := 0.0
		for j := range row {
			row[j] = rng.Float64()
			sum += row[j]
		}
		for j := range row {
			row[j] /= sum
		}
	}
	w, err := npz.Create(path)
	require.NoError(t, err)
	require.NoError(t, w.Write(experiment.SoftmaxKey, probs))
	require.NoError(t, w.Write(experiment.LabelsKey, labels))
	require.NoError(t, w.Close())
}

func TestRunCommand(t *testing.T) {
	dataDir := t.TempDir()
	saveDir := t.TempDir()
	writeArchive(t, filepath.Join(dataDir, "places365.npz"), 3, 40)

	config := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(config, []byte(fmt.Sprintf(`
dataset: places365
n_totalcal: 15
score_functions: [softmax]
methods: [standard, classwise]
seeds: [0]
data_folder: %s
save_folder: %s
log_level: error
`, dataDir, saveDir)), 0o644))

	_, err := execute(t, "run", "--config", config)
	require.NoError(t, err)

	folder := filepath.Join(saveDir, "places365", "random_calset", "n_totalcal=15", "score=softmax")
	out, err := execute(t, "aggregate", "--folder", folder)
	require.NoError(t, err)
	assert.Contains(t, out, "classwise")
	assert.Contains(t, out, "standard")
}

func TestRunCommandRejectsBadConfig(t *testing.T) {
	config := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(config, []byte("dataset: mnist\n"), 0o644))

	_, err := execute(t, "run", "--config", config)
	require.Error(t, err)
	var cfgErr *errors.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}
