package experiment

import (
	"fmt"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sbinet/npyio/npz"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/conformal/pkg/errors"
	"github.com/YuminosukeSato/conformal/pkg/log"
	"github.com/YuminosukeSato/conformal/preprocessing"
)

// Array names inside a dataset archive.
const (
	SoftmaxKey = "softmax"
	LabelsKey  = "labels"
)

// Data is a softmax matrix with row-aligned labels.
type Data struct {
	Softmax *mat.Dense
	Labels  []int
}

// NumClasses returns the number of softmax columns.
func (d *Data) NumClasses() int {
	_, k := d.Softmax.Dims()
	return k
}

// LoadNPZ reads the softmax (N×K float) and labels (N int) arrays of a .npz
// archive.
func LoadNPZ(path string) (*Data, error) {
	f, err := npz.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	softmax, err := readMatrix(f, SoftmaxKey)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s from %s", SoftmaxKey, path)
	}
	labels, err := readLabels(f, LabelsKey)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s from %s", LabelsKey, path)
	}

	rows, _ := softmax.Dims()
	if rows != len(labels) {
		return nil, errors.NewDimensionError("LoadNPZ", rows, len(labels), 0)
	}
	return &Data{Softmax: softmax, Labels: labels}, nil
}

// archiveKey finds the entry for name, with or without the .npy suffix.
func archiveKey(f *npz.Reader, name string) (string, error) {
	for _, k := range f.Keys() {
		if strings.TrimSuffix(k, ".npy") == name {
			return k, nil
		}
	}
	return "", errors.NewValueError("LoadNPZ", fmt.Sprintf("array %q not found (have %v)", name, f.Keys()))
}

func readMatrix(f *npz.Reader, name string) (*mat.Dense, error) {
	key, err := archiveKey(f, name)
	if err != nil {
		return nil, err
	}
	hdr := f.Header(key)
	shape := hdr.Descr.Shape
	if len(shape) != 2 || shape[0] == 0 || shape[1] == 0 {
		return nil, errors.NewValidationError(name, "expected a non-empty 2-D array", shape)
	}

	var data []float64
	switch hdr.Descr.Type {
	case "<f8", "f8", "float64":
		if err := f.Read(key, &data); err != nil {
			return nil, err
		}
	case "<f4", "f4", "float32":
		var raw []float32
		if err := f.Read(key, &raw); err != nil {
			return nil, err
		}
		data = make([]float64, len(raw))
		for i, v := range raw {
			data[i] = float64(v)
		}
	default:
		return nil, errors.NewValidationError(name, "unsupported dtype", hdr.Descr.Type)
	}

	rows, cols := shape[0], shape[1]
	if hdr.Descr.Fortran {
		// 列優先で格納されている
		m := mat.NewDense(cols, rows, data)
		return mat.DenseCopyOf(m.T()), nil
	}
	return mat.NewDense(rows, cols, data), nil
}

func readLabels(f *npz.Reader, name string) ([]int, error) {
	key, err := archiveKey(f, name)
	if err != nil {
		return nil, err
	}
	hdr := f.Header(key)
	if len(hdr.Descr.Shape) != 1 {
		return nil, errors.NewValidationError(name, "expected a 1-D array", hdr.Descr.Shape)
	}

	switch hdr.Descr.Type {
	case "<i8", "i8", "int64":
		var raw []int64
		if err := f.Read(key, &raw); err != nil {
			return nil, err
		}
		return convertLabels(raw), nil
	case "<i4", "i4", "int32":
		var raw []int32
		if err := f.Read(key, &raw); err != nil {
			return nil, err
		}
		return convertLabels(raw), nil
	case "|u1", "u1", "uint8":
		var raw []uint8
		if err := f.Read(key, &raw); err != nil {
			return nil, err
		}
		return convertLabels(raw), nil
	default:
		return nil, errors.NewValidationError(name, "unsupported dtype", hdr.Descr.Type)
	}
}

func convertLabels[T int64 | int32 | uint8](raw []T) []int {
	out := make([]int, len(raw))
	for i, v := range raw {
		out[i] = int(v)
	}
	return out
}

// Loader reads <folder>/<dataset>.npz and keeps recently used datasets in
// memory. Cached Data must be treated as read-only.
type Loader struct {
	folder        string
	rareThreshold int
	cache         *lru.Cache[string, *Data]
}

// NewLoader creates a Loader caching up to size datasets. rareThreshold > 0
// drops classes with fewer examples on load.
func NewLoader(folder string, size, rareThreshold int) (*Loader, error) {
	cache, err := lru.New[string, *Data](size)
	if err != nil {
		return nil, errors.Wrap(err, "dataset cache")
	}
	return &Loader{folder: folder, rareThreshold: rareThreshold, cache: cache}, nil
}

// Path returns the archive path of dataset.
func (l *Loader) Path(dataset string) string {
	return filepath.Join(l.folder, dataset+".npz")
}

// Load returns the dataset, reading it on a cache miss.
func (l *Loader) Load(dataset string) (*Data, error) {
	if d, ok := l.cache.Get(dataset); ok {
		return d, nil
	}

	path := l.Path(dataset)
	d, err := LoadNPZ(path)
	if err != nil {
		return nil, err
	}
	logger := log.GetLoggerWithName("experiment")
	if l.rareThreshold > 0 {
		before := d.NumClasses()
		softmax, labels, err := preprocessing.RemoveRareClasses(d.Softmax, d.Labels, l.rareThreshold)
		if err != nil {
			return nil, errors.Wrapf(err, "remove rare classes from %s", dataset)
		}
		d = &Data{Softmax: softmax, Labels: labels}
		logger.Info("rare classes removed",
			log.DatasetKey, dataset,
			"kept", d.NumClasses(),
			"of", before,
			"threshold", l.rareThreshold,
		)
	}

	logger.Info("dataset loaded",
		log.DatasetKey, dataset,
		log.PathKey, path,
		log.SamplesKey, len(d.Labels),
		log.ClassesKey, d.NumClasses(),
	)
	l.cache.Add(dataset, d)
	return d, nil
}

// Len returns the number of cached datasets.
func (l *Loader) Len() int {
	return l.cache.Len()
}
