package experiment

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/YuminosukeSato/conformal/conformal"
	"github.com/YuminosukeSato/conformal/core/model"
	"github.com/YuminosukeSato/conformal/metrics"
	"github.com/YuminosukeSato/conformal/pkg/errors"
	"github.com/YuminosukeSato/conformal/pkg/log"
)

const (
	resultsSuffix = "_allresults.gob.zst"
	labelsSuffix  = "_labels.gob.zst"
)

// MethodResult is what one method produced on one seed.
type MethodResult struct {
	Threshold *conformal.Threshold
	// Preds is nil unless the run saves prediction sets.
	Preds    [][]int
	Coverage metrics.CoverageMetrics
	SetSize  metrics.SetSizeMetrics
}

// Results maps a method wire name to its result.
type Results map[string]MethodResult

// Record drops the bulky parts of r for aggregation.
func (r MethodResult) Record() metrics.Record {
	return metrics.Record{Coverage: r.Coverage, SetSize: r.SetSize}
}

// Key identifies one results artifact.
type Key struct {
	Dataset   string
	Sampling  string
	NTotalCal int
	Score     string
	Seed      int
}

// Dir is the folder holding every seed of the key's score function.
func (k Key) Dir(root string) string {
	return filepath.Join(root,
		k.Dataset,
		k.Sampling+"_calset",
		fmt.Sprintf("n_totalcal=%d", k.NTotalCal),
		"score="+k.Score,
	)
}

// Store persists per-seed results under a root folder.
type Store struct {
	Root string
}

// NewStore returns a Store rooted at root.
func NewStore(root string) *Store {
	return &Store{Root: root}
}

// Path returns the results file of key.
func (s *Store) Path(key Key) string {
	return filepath.Join(key.Dir(s.Root), fmt.Sprintf("seed=%d%s", key.Seed, resultsSuffix))
}

// LabelsPath returns the validation labels file of key.
func (s *Store) LabelsPath(key Key) string {
	return filepath.Join(key.Dir(s.Root), fmt.Sprintf("seed=%d%s", key.Seed, labelsSuffix))
}

// Load reads the results of key. A missing file gives an empty map.
func (s *Store) Load(key Key) (Results, error) {
	return loadResults(s.Path(key))
}

func loadResults(path string) (Results, error) {
	res := Results{}
	if err := model.LoadFile(&res, path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Results{}, nil
		}
		return nil, err
	}
	return res, nil
}

// Merge overlays updates on the stored results of key and writes the union
// atomically. Methods not in updates are kept.
func (s *Store) Merge(key Key, updates Results) (Results, error) {
	path := s.Path(key)
	res, err := loadResults(path)
	if err != nil {
		return nil, errors.Wrap(err, "load existing results")
	}
	for name, r := range updates {
		res[name] = r
	}
	if err := model.SaveAtomic(res, path); err != nil {
		return nil, err
	}

	log.GetLoggerWithName("experiment").Debug("results merged",
		log.PathKey, path,
		"updated", len(updates),
		"total", len(res),
	)
	return res, nil
}

// SaveLabels stores the validation labels of key.
func (s *Store) SaveLabels(key Key, labels []int) error {
	return model.SaveAtomic(labels, s.LabelsPath(key))
}

// LoadLabels reads labels written by SaveLabels.
func (s *Store) LoadLabels(key Key) ([]int, error) {
	var labels []int
	if err := model.LoadFile(&labels, s.LabelsPath(key)); err != nil {
		return nil, err
	}
	return labels, nil
}

// LoadFolder reads every seed results file directly inside folder, ordered by
// file name.
func LoadFolder(folder string) ([]metrics.SeedResults, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, errors.Wrapf(err, "read results folder %s", folder)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), resultsSuffix) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, errors.NewValueError("LoadFolder", fmt.Sprintf("no *%s files in %s", resultsSuffix, folder))
	}
	slices.Sort(names)

	out := make([]metrics.SeedResults, 0, len(names))
	for _, name := range names {
		path := filepath.Join(folder, name)
		res := Results{}
		if err := model.LoadFile(&res, path); err != nil {
			return nil, err
		}
		sr := metrics.SeedResults{Path: path, Methods: make(map[string]metrics.Record, len(res))}
		for m, r := range res {
			sr.Methods[m] = r.Record()
		}
		out = append(out, sr)
	}
	return out, nil
}
